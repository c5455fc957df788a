package email

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/mail"
	"time"
)

const postmarkEndpoint = "https://api.postmarkapp.com/email"

// PostmarkClient sends emails via Postmark.
type PostmarkClient struct {
	serverToken string
	from        string
	endpoint    string
	httpClient  *http.Client
}

// PostmarkOption configures a PostmarkClient.
type PostmarkOption func(*PostmarkClient)

// WithEndpoint overrides the Postmark API URL.
func WithEndpoint(url string) PostmarkOption {
	return func(c *PostmarkClient) { c.endpoint = url }
}

// NewPostmark creates a new Postmark email client.
func NewPostmark(serverToken, from, fromName string, opts ...PostmarkOption) *PostmarkClient {
	if fromName != "" {
		from = (&mail.Address{Name: fromName, Address: from}).String()
	}
	c := &PostmarkClient{
		serverToken: serverToken,
		from:        from,
		endpoint:    postmarkEndpoint,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// postmarkRequest is the Postmark API request body.
type postmarkRequest struct {
	From        string               `json:"From"`
	To          string               `json:"To"`
	Subject     string               `json:"Subject"`
	HtmlBody    string               `json:"HtmlBody,omitempty"`
	TextBody    string               `json:"TextBody,omitempty"`
	Attachments []postmarkAttachment `json:"Attachments,omitempty"`
}

type postmarkAttachment struct {
	Name        string `json:"Name"`
	Content     string `json:"Content"`
	ContentType string `json:"ContentType"`
}

// postmarkResponse is the Postmark API response.
type postmarkResponse struct {
	ErrorCode int    `json:"ErrorCode"`
	Message   string `json:"Message"`
	MessageID string `json:"MessageID"`
}

// Send sends an email via Postmark.
func (c *PostmarkClient) Send(ctx context.Context, msg *Message) error {
	if c.serverToken == "" {
		return fmt.Errorf("postmark server token not configured")
	}

	reqBody := postmarkRequest{
		From:    c.from,
		To:      msg.To,
		Subject: msg.Subject,
	}
	if msg.HTML {
		reqBody.HtmlBody = msg.Body
	} else {
		reqBody.TextBody = msg.Body
	}
	for _, a := range msg.Attachments {
		ct := a.ContentType
		if ct == "" {
			ct = "application/octet-stream"
		}
		reqBody.Attachments = append(reqBody.Attachments, postmarkAttachment{
			Name:        a.Name,
			Content:     base64.StdEncoding.EncodeToString(a.Data),
			ContentType: ct,
		})
	}

	jsonBody, err := json.Marshal(reqBody)
	if err != nil {
		return fmt.Errorf("marshaling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.endpoint, bytes.NewReader(jsonBody))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Postmark-Server-Token", c.serverToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()

	var pmResp postmarkResponse
	if err := json.NewDecoder(resp.Body).Decode(&pmResp); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}

	if pmResp.ErrorCode != 0 {
		return fmt.Errorf("postmark error %d: %s", pmResp.ErrorCode, pmResp.Message)
	}

	return nil
}
