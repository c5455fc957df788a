// Package settings provides the persisted configuration surface of the
// gateway. Settings are loaded from the store for every inbound message and
// never cached between messages.
package settings

import (
	"context"
	"fmt"
	"net/mail"
	"os"
	"sort"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/nonatech-uk/hash-calendar-email/internal/auth"
)

// Setting keys.
const (
	KeyAnthropicAPIKey  = "anthropic_api_key"
	KeyWebhookSecret    = "webhook_secret"
	KeyAuthorisedEmails = "authorised_emails"
	KeySMTPHost         = "smtp_host"
	KeySMTPPort         = "smtp_port"
	KeySMTPUser         = "smtp_user"
	KeySMTPPassword     = "smtp_password"
	KeyFromEmail        = "from_email"
	KeyFromName         = "from_name"
	KeyPostmarkToken    = "postmark_token"
	KeySiteURL          = "site_url"
	KeyAdminPassword    = "admin_password"
)

// Keys lists every known setting in display order.
var Keys = []string{
	KeyAnthropicAPIKey,
	KeyWebhookSecret,
	KeyAuthorisedEmails,
	KeySMTPHost,
	KeySMTPPort,
	KeySMTPUser,
	KeySMTPPassword,
	KeyFromEmail,
	KeyFromName,
	KeyPostmarkToken,
	KeySiteURL,
	KeyAdminPassword,
}

var secretKeys = map[string]bool{
	KeyAnthropicAPIKey: true,
	KeyWebhookSecret:   true,
	KeySMTPPassword:    true,
	KeyPostmarkToken:   true,
	KeyAdminPassword:   true,
}

var defaults = map[string]string{
	KeySMTPHost: "smtp.forwardemail.net",
	KeySMTPPort: "465",
	KeyFromName: "GH3 Hash Runs",
	KeySiteURL:  "http://localhost:8080",
}

// Store is the key/value persistence the settings live in.
type Store interface {
	GetSettings(ctx context.Context) (map[string]string, error)
	SetSetting(ctx context.Context, key, value string) error
}

// Settings is one consistent snapshot of the configuration surface.
type Settings struct {
	AnthropicAPIKey  string
	WebhookSecret    string
	AuthorisedEmails []string
	SMTPHost         string
	SMTPPort         int
	SMTPUser         string
	SMTPPassword     string
	FromEmail        string
	FromName         string
	PostmarkToken    string
	SiteURL          string
	AdminPassword    string // bcrypt hash
}

// Load reads the current settings from store. A blank webhook secret is
// replaced by a freshly generated one, which is persisted before returning.
func Load(ctx context.Context, store Store) (*Settings, error) {
	raw, err := store.GetSettings(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading settings: %w", err)
	}
	get := func(key string) string {
		if v := raw[key]; v != "" {
			return v
		}
		return defaults[key]
	}

	s := &Settings{
		AnthropicAPIKey:  get(KeyAnthropicAPIKey),
		WebhookSecret:    get(KeyWebhookSecret),
		AuthorisedEmails: ParseEmailList(get(KeyAuthorisedEmails)),
		SMTPHost:         get(KeySMTPHost),
		SMTPUser:         get(KeySMTPUser),
		SMTPPassword:     get(KeySMTPPassword),
		FromEmail:        get(KeyFromEmail),
		FromName:         get(KeyFromName),
		PostmarkToken:    get(KeyPostmarkToken),
		SiteURL:          strings.TrimRight(get(KeySiteURL), "/"),
		AdminPassword:    get(KeyAdminPassword),
	}
	s.SMTPPort, _ = strconv.Atoi(get(KeySMTPPort))
	if s.SMTPPort == 0 {
		s.SMTPPort = 465
	}

	if s.WebhookSecret == "" {
		secret, err := auth.GenerateSecret(32)
		if err != nil {
			return nil, fmt.Errorf("generating webhook secret: %w", err)
		}
		if err := store.SetSetting(ctx, KeyWebhookSecret, secret); err != nil {
			return nil, fmt.Errorf("storing webhook secret: %w", err)
		}
		s.WebhookSecret = secret
	}
	return s, nil
}

// ParseEmailList splits an address list delimited by newlines or commas
// into trimmed, lower-cased, non-empty entries.
func ParseEmailList(v string) []string {
	var out []string
	for _, line := range strings.FieldsFunc(v, func(r rune) bool { return r == '\n' || r == ',' }) {
		line = strings.ToLower(strings.TrimSpace(line))
		if line != "" {
			out = append(out, line)
		}
	}
	return out
}

// IsAuthorised reports whether addr is on the allow-list, ignoring case.
func (s *Settings) IsAuthorised(addr string) bool {
	addr = strings.ToLower(strings.TrimSpace(addr))
	if addr == "" {
		return false
	}
	for _, a := range s.AuthorisedEmails {
		if a == addr {
			return true
		}
	}
	return false
}

// SMTPConfigured reports whether enough SMTP settings exist to send mail.
func (s *Settings) SMTPConfigured() bool {
	return s.SMTPHost != "" && s.SMTPUser != ""
}

// FromAddress returns the sender address, falling back to the SMTP user.
func (s *Settings) FromAddress() string {
	if s.FromEmail != "" {
		return s.FromEmail
	}
	return s.SMTPUser
}

// Normalize validates and canonicalizes a value before it is stored.
func Normalize(key, value string) (string, error) {
	value = strings.TrimSpace(value)
	switch key {
	case KeySMTPPort:
		if value == "" {
			return "465", nil
		}
		n, err := strconv.Atoi(value)
		if err != nil || n <= 0 || n > 65535 {
			return "", fmt.Errorf("invalid port %q", value)
		}
		return strconv.Itoa(n), nil
	case KeyAuthorisedEmails:
		return strings.Join(ParseEmailList(value), "\n"), nil
	case KeyFromEmail:
		if value == "" {
			return "", nil
		}
		addr, err := mail.ParseAddress(value)
		if err != nil {
			return "", fmt.Errorf("invalid from address %q", value)
		}
		return addr.Address, nil
	case KeyAdminPassword:
		if value == "" {
			return "", nil
		}
		return auth.HashPassword(value)
	case KeyWebhookSecret:
		if value == "" {
			return auth.GenerateSecret(32)
		}
		return value, nil
	}
	for _, k := range Keys {
		if k == key {
			return value, nil
		}
	}
	return "", fmt.Errorf("unknown setting %q", key)
}

// Set normalizes and stores one setting.
func Set(ctx context.Context, store Store, key, value string) error {
	v, err := Normalize(key, value)
	if err != nil {
		return err
	}
	return store.SetSetting(ctx, key, v)
}

// SetAll normalizes every value and stores them only when all are valid.
// It returns the stored keys in sorted order.
func SetAll(ctx context.Context, store Store, values map[string]string) ([]string, error) {
	keys := SortedKeys(values)
	normalized := make(map[string]string, len(values))
	for _, k := range keys {
		v, err := Normalize(k, values[k])
		if err != nil {
			return nil, err
		}
		normalized[k] = v
	}
	for _, k := range keys {
		if err := store.SetSetting(ctx, k, normalized[k]); err != nil {
			return nil, fmt.Errorf("storing %s: %w", k, err)
		}
	}
	return keys, nil
}

// Redacted returns the stored settings with secret values masked, keyed by
// setting name. Defaults are filled in for unset keys.
func Redacted(ctx context.Context, store Store) (map[string]string, error) {
	raw, err := store.GetSettings(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string]string, len(Keys))
	for _, k := range Keys {
		v := raw[k]
		if v == "" {
			v = defaults[k]
		}
		if secretKeys[k] && v != "" {
			v = "********"
		}
		out[k] = v
	}
	return out, nil
}

// SortedKeys returns the keys of m in sorted order.
func SortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Seed applies settings from a YAML file for keys that are not yet stored.
// Lists (for authorised_emails) are joined with newlines. Nothing is
// stored when any seeded value is invalid.
func Seed(ctx context.Context, store Store, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading seed file: %w", err)
	}

	var doc map[string]interface{}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("parsing seed file: %w", err)
	}

	existing, err := store.GetSettings(ctx)
	if err != nil {
		return err
	}

	pending := map[string]string{}
	for key, raw := range doc {
		if existing[key] != "" {
			continue
		}
		var value string
		switch v := raw.(type) {
		case []interface{}:
			parts := make([]string, 0, len(v))
			for _, p := range v {
				parts = append(parts, fmt.Sprint(p))
			}
			value = strings.Join(parts, "\n")
		case nil:
			continue
		default:
			value = fmt.Sprint(v)
		}
		pending[key] = value
	}
	if _, err := SetAll(ctx, store, pending); err != nil {
		return fmt.Errorf("seeding settings: %w", err)
	}
	return nil
}
