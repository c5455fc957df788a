// Package inbound decodes the JSON payload posted by the mail forwarder.
//
// The forwarder runs mailparser's simpleParser, whose output shape varies:
// the sender and the attachment contents each arrive in several forms.
// Both are decoded by ordered tables of matchers, first match wins.
package inbound

import (
	"bytes"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/mail"
	"regexp"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
	"lukechampine.com/blake3"
)

// Text is a string field that tolerates non-string JSON values, which
// decode as "". simpleParser sends html: false when a message has no HTML
// part.
type Text string

func (t *Text) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		*t = ""
		return nil
	}
	*t = Text(s)
	return nil
}

// Message is one inbound email.
type Message struct {
	From        json.RawMessage `json:"from"`
	Subject     Text            `json:"subject"`
	Text        Text            `json:"text"`
	HTML        Text            `json:"html"`
	Attachments Attachments     `json:"attachments"`

	// Digest identifies the raw payload in logs.
	Digest string `json:"-"`
}

// Attachment is one file attached to an inbound email.
type Attachment struct {
	Filename    Text            `json:"filename"`
	ContentType Text            `json:"contentType"`
	Type        Text            `json:"type"`
	Content     json.RawMessage `json:"content"`
}

// Attachments is the attachment list of a message. A value that is not an
// array decodes as no attachments, and entries that are not objects are
// skipped.
type Attachments []Attachment

func (a *Attachments) UnmarshalJSON(data []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		*a = nil
		return nil
	}
	out := make(Attachments, 0, len(raw))
	for _, r := range raw {
		var att Attachment
		if json.Unmarshal(r, &att) != nil {
			continue
		}
		out = append(out, att)
	}
	*a = out
	return nil
}

// Decode parses a webhook payload.
func Decode(data []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("decoding payload: %w", err)
	}
	msg.Digest = Digest(data)
	return &msg, nil
}

// Digest returns the hex BLAKE3 digest of a raw payload.
func Digest(data []byte) string {
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Sender returns the sender address, or "" when none can be found.
func (m *Message) Sender() string {
	return Sender(m.From)
}

// Body returns the text used for extraction: the plain-text part, or the
// HTML part reduced to text when there is no plain-text part.
func (m *Message) Body() string {
	if strings.TrimSpace(string(m.Text)) != "" {
		return string(m.Text)
	}
	if m.HTML != "" {
		return HTMLToText(string(m.HTML))
	}
	return ""
}

// ----- Sender -----

// SenderMatcher extracts a candidate address from one shape of the from
// field. It returns "" when the shape does not apply.
type SenderMatcher struct {
	Name  string
	Match func(raw json.RawMessage) string
}

var angleAddr = regexp.MustCompile(`<([^>]+)>`)

type addressObject struct {
	Address string `json:"address"`
}

// SenderMatchers are tried in order.
var SenderMatchers = []SenderMatcher{
	{"value list", func(raw json.RawMessage) string {
		var v struct {
			Value []addressObject `json:"value"`
		}
		if json.Unmarshal(raw, &v) != nil || len(v.Value) == 0 {
			return ""
		}
		return v.Value[0].Address
	}},
	{"address object", func(raw json.RawMessage) string {
		var v addressObject
		if json.Unmarshal(raw, &v) != nil {
			return ""
		}
		return v.Address
	}},
	{"address array", func(raw json.RawMessage) string {
		var v []addressObject
		if json.Unmarshal(raw, &v) != nil || len(v) == 0 {
			return ""
		}
		return v[0].Address
	}},
	{"text object", func(raw json.RawMessage) string {
		var v struct {
			Text string `json:"text"`
		}
		if json.Unmarshal(raw, &v) != nil {
			return ""
		}
		return angled(v.Text)
	}},
	{"named string", func(raw json.RawMessage) string {
		var s string
		if json.Unmarshal(raw, &s) != nil {
			return ""
		}
		return angled(s)
	}},
	{"bare string", func(raw json.RawMessage) string {
		var s string
		if json.Unmarshal(raw, &s) != nil || strings.ContainsAny(s, "<>") {
			return ""
		}
		return s
	}},
}

func angled(s string) string {
	if m := angleAddr.FindStringSubmatch(s); m != nil {
		return m[1]
	}
	return ""
}

// Sender runs the matchers over a raw from field and returns the first
// syntactically valid address.
func Sender(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	for _, m := range SenderMatchers {
		if addr := ValidAddress(m.Match(raw)); addr != "" {
			return addr
		}
	}
	return ""
}

// ValidAddress returns the bare address in s, or "" when s is not a single
// well-formed address.
func ValidAddress(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	addr, err := mail.ParseAddress(s)
	if err != nil || addr.Name != "" {
		return ""
	}
	return addr.Address
}

// ----- Attachments -----

// CSVPatterns match attachment filenames treated as CSV.
var CSVPatterns = []string{"**/*.csv"}

// IsCSV reports whether the attachment looks like a CSV file.
func (a Attachment) IsCSV() bool {
	name := strings.ToLower(string(a.Filename))
	for _, p := range CSVPatterns {
		if ok, _ := doublestar.Match(p, name); ok {
			return true
		}
	}
	ct := string(a.ContentType)
	if ct == "" {
		ct = string(a.Type)
	}
	ct = strings.ToLower(ct)
	return strings.Contains(ct, "csv") || strings.Contains(ct, "text/plain")
}

// FindCSV returns the first attachment that looks like a CSV file.
func FindCSV(attachments []Attachment) (*Attachment, bool) {
	for i := range attachments {
		if attachments[i].IsCSV() {
			return &attachments[i], true
		}
	}
	return nil, false
}

// ContentDecoder decodes one encoding of attachment content.
type ContentDecoder struct {
	Name   string
	Decode func(raw json.RawMessage) ([]byte, bool)
}

var base64Alphabet = regexp.MustCompile(`^[A-Za-z0-9+/=]+$`)

// ContentDecoders are tried in order.
var ContentDecoders = []ContentDecoder{
	{"buffer", func(raw json.RawMessage) ([]byte, bool) {
		var v struct {
			Type string `json:"type"`
			Data []int  `json:"data"`
		}
		if json.Unmarshal(raw, &v) != nil || v.Type != "Buffer" || v.Data == nil {
			return nil, false
		}
		out := make([]byte, len(v.Data))
		for i, b := range v.Data {
			out[i] = byte(b)
		}
		return out, true
	}},
	{"base64", func(raw json.RawMessage) ([]byte, bool) {
		var s string
		if json.Unmarshal(raw, &s) != nil || len(s) <= 20 || !base64Alphabet.MatchString(s) {
			return nil, false
		}
		out, err := base64.StdEncoding.Strict().DecodeString(s)
		if err != nil {
			return nil, false
		}
		return out, true
	}},
	{"plain", func(raw json.RawMessage) ([]byte, bool) {
		var s string
		if json.Unmarshal(raw, &s) != nil {
			return nil, false
		}
		return []byte(s), true
	}},
}

// Data returns the decoded attachment content, or nil when it has none.
func (a Attachment) Data() []byte {
	if len(a.Content) == 0 {
		return nil
	}
	for _, d := range ContentDecoders {
		if out, ok := d.Decode(a.Content); ok {
			return out
		}
	}
	return nil
}

// ----- HTML -----

var blockElements = map[atom.Atom]bool{
	atom.P:          true,
	atom.Div:        true,
	atom.Li:         true,
	atom.Tr:         true,
	atom.Table:      true,
	atom.H1:         true,
	atom.H2:         true,
	atom.H3:         true,
	atom.H4:         true,
	atom.H5:         true,
	atom.H6:         true,
	atom.Blockquote: true,
}

// HTMLToText reduces an HTML body to plain text. Script and style contents
// are dropped and block elements become line breaks.
func HTMLToText(s string) string {
	z := html.NewTokenizer(strings.NewReader(s))
	var b bytes.Buffer
	skip := 0
	for {
		tt := z.Next()
		switch tt {
		case html.ErrorToken:
			return tidyLines(b.String())
		case html.StartTagToken, html.SelfClosingTagToken:
			name, _ := z.TagName()
			a := atom.Lookup(name)
			switch {
			case a == atom.Script || a == atom.Style:
				if tt == html.StartTagToken {
					skip++
				}
			case a == atom.Br:
				b.WriteByte('\n')
			case blockElements[a]:
				b.WriteByte('\n')
			}
		case html.EndTagToken:
			name, _ := z.TagName()
			a := atom.Lookup(name)
			switch {
			case (a == atom.Script || a == atom.Style) && skip > 0:
				skip--
			case blockElements[a]:
				b.WriteByte('\n')
			}
		case html.TextToken:
			if skip == 0 {
				b.Write(z.Text())
			}
		}
	}
}

// tidyLines trims each line, collapses runs of blank lines and trims the
// result.
func tidyLines(s string) string {
	var out []string
	blankRun := 0
	for _, line := range strings.Split(s, "\n") {
		line = strings.Join(strings.Fields(line), " ")
		if line == "" {
			blankRun++
			if blankRun > 1 {
				continue
			}
		} else {
			blankRun = 0
		}
		out = append(out, line)
	}
	return strings.TrimSpace(strings.Join(out, "\n"))
}
