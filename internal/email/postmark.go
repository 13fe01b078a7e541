package email

import (
	"bytes"
	"encoding/json"
	"fmt"
	"html"
	"net/http"

	"github.com/dukerupert/serverbackup/internal/model"
)

const postmarkURL = "https://api.postmarkapp.com/email"

const (
	SubjectBackupCompleted = "Server Backup Completed Successfully"
	SubjectBackupFailed    = "Server Backup Failed"
)

type Client struct {
	serverToken string
	fromEmail   string
	serverURL   string
	httpClient  *http.Client
}

type Option func(*Client)

func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) {
		cl.httpClient = c
	}
}

// NewClient creates a Postmark client. serverURL identifies the backup server
// in message bodies.
func NewClient(serverToken, fromEmail, serverURL string, opts ...Option) *Client {
	c := &Client{
		serverToken: serverToken,
		fromEmail:   fromEmail,
		serverURL:   serverURL,
		httpClient:  http.DefaultClient,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Configured returns true if the server token is set.
func (c *Client) Configured() bool {
	return c.serverToken != ""
}

type postmarkEmail struct {
	From     string `json:"From"`
	To       string `json:"To"`
	Subject  string `json:"Subject"`
	HtmlBody string `json:"HtmlBody"`
	TextBody string `json:"TextBody"`
}

func triggeredBy(b model.Backup) string {
	if b.Username == "" {
		return "the backup schedule"
	}
	return fmt.Sprintf("'%s'", b.Username)
}

// SendBackupCompleted tells an administrator where a finished backup is stored.
func (c *Client) SendBackupCompleted(toEmail string, b model.Backup) error {
	text := fmt.Sprintf(
		"Backup of the server at '%s' was successfully completed. The backup is stored at location: %s. This backup was triggered by %s.",
		c.serverURL, b.Path, triggeredBy(b),
	)
	if b.Status == model.BackupStatusError {
		text += " " + b.Message
	}
	return c.send(toEmail, SubjectBackupCompleted, text)
}

// SendBackupFailed reports a failed backup and its reason.
func (c *Client) SendBackupFailed(toEmail string, reason string) error {
	text := fmt.Sprintf("Backup of the server at '%s' has failed. The reason is: %s", c.serverURL, reason)
	return c.send(toEmail, SubjectBackupFailed, text)
}

func (c *Client) send(toEmail, subject, textBody string) error {
	if !c.Configured() {
		return fmt.Errorf("email client not configured: missing server token")
	}

	payload := postmarkEmail{
		From:     c.fromEmail,
		To:       toEmail,
		Subject:  subject,
		HtmlBody: "<p>" + html.EscapeString(textBody) + "</p>",
		TextBody: textBody,
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal email: %w", err)
	}

	req, err := http.NewRequest("POST", postmarkURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Postmark-Server-Token", c.serverToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send email: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("postmark API error: status %d", resp.StatusCode)
	}

	return nil
}
