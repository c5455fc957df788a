// Package extract turns free-text run announcements into structured fields
// using the Anthropic Messages API.
package extract

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/nonatech-uk/hash-calendar-email/internal/model"
)

const (
	DefaultModel   = "claude-sonnet-4-20250514"
	DefaultTimeout = 30 * time.Second
	maxTokens      = 1024
)

// Kind classifies an extraction failure.
type Kind string

const (
	NoAPIKey              Kind = "no_api_key"
	RequestFailed         Kind = "api_request_failed"
	APIError              Kind = "api_error"
	EmptyResponse         Kind = "empty_response"
	InvalidJSON           Kind = "invalid_json"
	ProviderReportedError Kind = "parse_error"
	MissingDate           Kind = "no_date"
)

// Error is a terminal extraction failure. Message is safe to show to the
// sender.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string { return e.Message }

func (e *Error) Unwrap() error { return e.Err }

// KindOf returns the failure kind of err, or "" if err is not an *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// Client calls the extraction model. It makes exactly one attempt per call.
type Client struct {
	model   string
	timeout time.Duration
	opts    []option.RequestOption
}

// New creates a Client. Extra request options are appended to every call
// (tests use option.WithBaseURL to point at a fake server).
func New(model string, timeout time.Duration, opts ...option.RequestOption) *Client {
	if model == "" {
		model = DefaultModel
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{model: model, timeout: timeout, opts: opts}
}

// Extract sends subject and body to the model and returns the fields it
// found. apiKey comes from the settings loaded for the current message.
func (c *Client) Extract(ctx context.Context, apiKey, subject, body string) (model.Fields, error) {
	if apiKey == "" {
		return nil, &Error{Kind: NoAPIKey, Message: "Anthropic API key is not configured."}
	}

	opts := append([]option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(0),
		option.WithRequestTimeout(c.timeout),
	}, c.opts...)
	client := anthropic.NewClient(opts...)

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	message, err := client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(c.model),
		MaxTokens: maxTokens,
		System: []anthropic.TextBlockParam{
			{Text: systemPrompt},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(UserMessage(subject, body))),
		},
	})
	if err != nil {
		var apiErr *anthropic.Error
		if errors.As(err, &apiErr) {
			return nil, &Error{
				Kind:    APIError,
				Message: fmt.Sprintf("Claude API returned error (HTTP %d).", apiErr.StatusCode),
				Err:     err,
			}
		}
		return nil, &Error{
			Kind:    RequestFailed,
			Message: "Claude API request failed: " + err.Error(),
			Err:     err,
		}
	}

	if len(message.Content) == 0 || message.Content[0].Text == "" {
		return nil, &Error{Kind: EmptyResponse, Message: "Claude API returned empty response."}
	}

	return ParseResponse(message.Content[0].Text)
}

// UserMessage renders the user turn sent to the model.
func UserMessage(subject, body string) string {
	return "Subject: " + subject + "\n\n" + body
}

var (
	openFence  = regexp.MustCompile("(?m)^```(?:json)?\\s*")
	closeFence = regexp.MustCompile("(?m)\\s*```\\s*$")
)

// StripFences removes Markdown code fences wrapped around a response.
func StripFences(text string) string {
	text = openFence.ReplaceAllString(text, "")
	text = closeFence.ReplaceAllString(text, "")
	return strings.TrimSpace(text)
}

var responseKeys = append(append([]string{}, model.AttrKeys...), model.AttrTitle)

// ParseResponse decodes the model's reply into fields and enforces the
// response contract.
func ParseResponse(text string) (model.Fields, error) {
	text = StripFences(text)

	var raw map[string]interface{}
	if err := json.Unmarshal([]byte(text), &raw); err != nil || raw == nil {
		return nil, &Error{
			Kind:    InvalidJSON,
			Message: "Could not parse AI response. Please try rephrasing your email.",
			Err:     err,
		}
	}

	if reason := stringValue(raw["error"]); reason != "" {
		return nil, &Error{Kind: ProviderReportedError, Message: reason}
	}

	fields := model.Fields{}
	for _, key := range responseKeys {
		if v := stringValue(raw[key]); v != "" {
			fields[key] = v
		}
	}

	if !fields.Has(model.AttrRunDate) {
		return nil, &Error{
			Kind:    MissingDate,
			Message: "No date found in your email. Please include a date for the run.",
		}
	}
	return fields, nil
}

func stringValue(v interface{}) string {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		if t {
			return "true"
		}
	}
	return ""
}

const systemPrompt = `You are a data extraction assistant for a Hash House Harriers running club.
Extract structured data from the email below into JSON with these fields:
- run_number (integer, optional - the hash run number)
- run_date (string, YYYY-MM-DD format, required)
- start_time (string, HH:MM 24hr format, optional - default is 19:30)
- hares (string, optional - the person(s) laying the trail)
- location (string, optional - start location)
- what3words (string, optional - ///word.word.word format)
- maps_url (string, optional - Google Maps URL)
- oninn (string, optional - pub/venue after the run)
- notes (string, optional - any other info)
- title (string, required if none of run_number, hare or location set)

Rules:
- Return ONLY valid JSON, no markdown or explanation
- If a field is not mentioned, omit it from the JSON
- run_date is required. If you cannot determine a date, set "error": "No date found"
- Dates can be in any format in the email, convert to YYYY-MM-DD
- Times should be 24hr HH:MM format
- what3words always starts with ///
- For title: if hare and location are both set, use "Hare - Location". If only hare, use "Hare". If only location, use "Location". If run_number set but no hare/location, use "Run #N". Otherwise derive a short title from the email content.`
