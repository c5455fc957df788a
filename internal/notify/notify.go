// Package notify composes the replies sent back to email senders.
// Everything here is pure formatting: absent data omits a line, nothing fails.
package notify

import (
	"bytes"
	_ "embed"
	"fmt"
	"html/template"
	"net/url"
	"strconv"
	"strings"

	"github.com/nonatech-uk/hash-calendar-email/internal/bulk"
	"github.com/nonatech-uk/hash-calendar-email/internal/email"
	"github.com/nonatech-uk/hash-calendar-email/internal/model"
)

const subjectPrefix = "GH3: "

//go:embed templates/help.html
var helpHTML string

var helpTemplate = template.Must(template.New("help").Parse(helpHTML))

// Permalink returns the public URL of a run.
func Permalink(siteURL, runID string) string {
	return strings.TrimRight(siteURL, "/") + "/runs/" + runID
}

// FullTitle prefixes the title with the run number when one was written.
func FullTitle(o *model.Outcome) string {
	if n := o.Written[model.AttrRunNumber]; n != "" {
		return "Run #" + n + " - " + o.Title
	}
	return o.Title
}

// Confirmation reports a created or updated run.
func Confirmation(to string, o *model.Outcome, permalink string) *email.Message {
	full := FullTitle(o)
	action := string(o.Action)

	lines := []string{
		`"` + full + `" has been ` + action + ".",
		"",
	}
	for _, l := range model.Labels {
		if v := o.Written[l.Key]; v != "" {
			lines = append(lines, l.Label+": "+v)
		}
	}
	lines = append(lines, "", "View: "+permalink)

	return &email.Message{
		To:      to,
		Subject: subjectPrefix + full + " " + action,
		Body:    strings.Join(lines, "\n"),
	}
}

// Error reports a message that could not be processed.
func Error(to, reason string) *email.Message {
	return &email.Message{
		To:      to,
		Subject: subjectPrefix + "Email processing error",
		Body: "Your email could not be processed.\n\n" + reason +
			"\n\nPlease try again, making sure to include at least a date for the run.",
	}
}

// Help returns the usage instructions. from is the gateway's own address.
func Help(to, from, siteURL string) *email.Message {
	host := siteURL
	if u, err := url.Parse(siteURL); err == nil && u.Host != "" {
		host = u.Host
	}

	var buf bytes.Buffer
	// The template is static and its data is plain strings.
	_ = helpTemplate.Execute(&buf, struct {
		From     string
		SiteURL  string
		SiteHost string
	}{from, siteURL, host})

	return &email.Message{
		To:      to,
		Subject: subjectPrefix + "Email Gateway Help",
		Body:    buf.String(),
		HTML:    true,
	}
}

// Export delivers a CSV export of count runs.
func Export(to string, csv []byte, count int) *email.Message {
	return &email.Message{
		To:      to,
		Subject: fmt.Sprintf("%sHash Runs Export (%d runs)", subjectPrefix, count),
		Body:    fmt.Sprintf("Attached is a CSV export of all %d hash runs.", count),
		Attachments: []email.Attachment{
			{Name: bulk.ExportFilename, ContentType: "text/csv", Data: csv},
		},
	}
}

// ImportSummary reports the result of a CSV import.
func ImportSummary(to string, s *model.Summary) *email.Message {
	lines := []string{
		"CSV import complete.",
		"",
		"Created: " + strconv.Itoa(len(s.Created)),
		"Updated: " + strconv.Itoa(len(s.Updated)),
		"Unchanged: " + strconv.Itoa(s.Unchanged),
	}

	if len(s.Created) > 0 {
		lines = append(lines, "", "--- Created ---")
		for _, o := range s.Created {
			lines = append(lines, fmt.Sprintf("  %s (%s)", o.Title, o.Written[model.AttrRunDate]))
		}
	}
	if len(s.Updated) > 0 {
		lines = append(lines, "", "--- Updated ---")
		for _, o := range s.Updated {
			lines = append(lines, "  "+o.Title+": "+strings.Join(o.Changed, ", "))
		}
	}
	if len(s.Errors) > 0 {
		lines = append(lines, "", "--- Errors ---")
		for _, e := range s.Errors {
			lines = append(lines, "  "+e)
		}
	}

	return &email.Message{
		To:      to,
		Subject: subjectPrefix + "Import complete",
		Body:    strings.Join(lines, "\n"),
	}
}
