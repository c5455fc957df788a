// Package sanitize normalizes attribute values before they are stored.
package sanitize

import (
	"net/url"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"github.com/nonatech-uk/hash-calendar-email/internal/model"
)

// DateLayout is the canonical storage layout for run dates.
const DateLayout = "2006-01-02"

// Now is the reference time for relative dates. Tests may replace it.
var Now = time.Now

// Field sanitizes a value according to the attribute it belongs to.
func Field(key, value string) string {
	switch key {
	case model.AttrRunNumber:
		n, ok := Int(value)
		if !ok {
			return ""
		}
		return strconv.Itoa(n)
	case model.AttrMapsURL:
		return URL(value)
	case model.AttrNotes:
		return Textarea(value)
	case model.AttrRunDate:
		return Date(Text(value))
	default:
		return Text(value)
	}
}

// Text normalizes a single-line value: tags are stripped, all whitespace
// runs (including line breaks) collapse to one space, and the result is trimmed.
func Text(s string) string {
	s = StripTags(s)
	return strings.Join(strings.FieldsFunc(s, unicode.IsSpace), " ")
}

// Textarea normalizes a multi-line value. Line breaks are kept, trailing
// whitespace on each line is removed and the whole value is trimmed.
func Textarea(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")
	s = StripTags(s)
	lines := strings.Split(s, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimRightFunc(line, unicode.IsSpace)
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}

// StripTags removes markup from s, dropping script and style contents.
func StripTags(s string) string {
	if !strings.ContainsAny(s, "<&") {
		return s
	}
	z := html.NewTokenizer(strings.NewReader(s))
	var b strings.Builder
	skip := 0
	for {
		switch z.Next() {
		case html.ErrorToken:
			return b.String()
		case html.StartTagToken:
			name, _ := z.TagName()
			if a := atom.Lookup(name); a == atom.Script || a == atom.Style {
				skip++
			}
		case html.EndTagToken:
			name, _ := z.TagName()
			if a := atom.Lookup(name); (a == atom.Script || a == atom.Style) && skip > 0 {
				skip--
			}
		case html.TextToken:
			if skip == 0 {
				b.Write(z.Text())
			}
		}
	}
}

var allowedSchemes = map[string]bool{
	"http":   true,
	"https":  true,
	"ftp":    true,
	"ftps":   true,
	"mailto": true,
	"geo":    true,
	"tel":    true,
}

// URL normalizes a link. Whitespace and control characters are removed, a
// bare host gets an http:// prefix and disallowed schemes yield "".
func URL(raw string) string {
	s := strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) || unicode.IsControl(r) {
			return -1
		}
		return r
	}, raw)
	if s == "" {
		return ""
	}
	u, err := url.Parse(s)
	if err != nil {
		return ""
	}
	if u.Scheme == "" {
		if strings.HasPrefix(s, "/") || strings.HasPrefix(s, "#") || strings.HasPrefix(s, "?") {
			return s
		}
		s = "http://" + s
		if u, err = url.Parse(s); err != nil {
			return ""
		}
	}
	if !allowedSchemes[strings.ToLower(u.Scheme)] {
		return ""
	}
	return s
}

// Int parses the leading integer of s the way a lenient form field would:
// surrounding space is ignored and trailing garbage is dropped.
// It reports false when no positive integer is present.
func Int(s string) (int, bool) {
	s = strings.TrimSpace(s)
	end := 0
	for end < len(s) && s[end] >= '0' && s[end] <= '9' {
		end++
	}
	if end == 0 {
		return 0, false
	}
	n, err := strconv.Atoi(s[:end])
	if err != nil || n <= 0 {
		return 0, false
	}
	return n, true
}

var dateLayouts = []string{
	DateLayout,
	"2006/01/02",
	"02/01/2006",
	"2/1/2006",
	"02-01-2006",
	"2 January 2006",
	"2 Jan 2006",
	"January 2, 2006",
	"Jan 2, 2006",
	"Monday 2 January 2006",
	"Mon 2 Jan 2006",
	time.RFC3339,
}

var parser = newParser()

func newParser() *when.Parser {
	w := when.New(nil)
	w.Add(en.All...)
	w.Add(common.All...)
	return w
}

// Date normalizes a run date to YYYY-MM-DD. Fixed layouts (day-first for
// numeric forms) are tried before natural-language parsing, whose result is
// only used when it matched the whole value. Anything else is kept as
// single-line text.
func Date(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.Format(DateLayout)
		}
	}
	r, err := parser.Parse(s, Now())
	if err != nil || r == nil || r.Index != 0 || len(r.Text) != len(s) {
		return Text(s)
	}
	return r.Time.Format(DateLayout)
}
