// Package email sends outbound replies over SMTP or the Postmark API.
package email

import (
	"context"
	"errors"
	"time"

	"github.com/nonatech-uk/hash-calendar-email/internal/settings"
)

// ErrNotConfigured is returned when no mail transport has been configured.
var ErrNotConfigured = errors.New("mail transport not configured")

// Attachment is a file attached to an outbound message.
type Attachment struct {
	Name        string
	ContentType string
	Data        []byte
}

// Message is an outbound email.
type Message struct {
	To          string
	Subject     string
	Body        string
	HTML        bool
	Attachments []Attachment
}

// Sender delivers a message. Implementations make a single attempt.
type Sender interface {
	Send(ctx context.Context, msg *Message) error
}

// FromSettings picks the transport described by s: SMTP when a host and
// user are set, otherwise Postmark when a server token is set.
func FromSettings(s *settings.Settings) (Sender, error) {
	switch {
	case s.SMTPConfigured():
		return NewSMTP(SMTPConfig{
			Host:     s.SMTPHost,
			Port:     s.SMTPPort,
			Username: s.SMTPUser,
			Password: s.SMTPPassword,
			From:     s.FromAddress(),
			FromName: s.FromName,
			Timeout:  30 * time.Second,
		}), nil
	case s.PostmarkToken != "":
		return NewPostmark(s.PostmarkToken, s.FromAddress(), s.FromName), nil
	}
	return nil, ErrNotConfigured
}
