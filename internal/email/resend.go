package email

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"
)

var (
	ErrEmailNotConfigured = errors.New("email service not configured")
	ErrSendFailed         = errors.New("failed to send email")
)

const defaultResendURL = "https://api.resend.com/emails"

type Message struct {
	Subject string
	HTML    string
}

// ResendClient Resend 邮件服务客户端
type ResendClient struct {
	apiKey     string
	endpoint   string
	httpClient *http.Client
}

func NewResendClient(apiKey string) *ResendClient {
	return &ResendClient{
		apiKey:     apiKey,
		endpoint:   defaultResendURL,
		httpClient: &http.Client{Timeout: 15 * time.Second},
	}
}

// WithEndpoint overrides the Resend API URL.
func (c *ResendClient) WithEndpoint(endpoint string) *ResendClient {
	c.endpoint = endpoint
	return c
}

func (c *ResendClient) IsConfigured() bool {
	return c.apiKey != ""
}

type sendEmailRequest struct {
	From    string   `json:"from"`
	To      []string `json:"to"`
	Subject string   `json:"subject"`
	HTML    string   `json:"html"`
}

// Send 发送邮件
func (c *ResendClient) Send(ctx context.Context, from, to string, msg Message) error {
	if !c.IsConfigured() || from == "" {
		return ErrEmailNotConfigured
	}

	body, err := json.Marshal(sendEmailRequest{
		From:    from,
		To:      []string{to},
		Subject: msg.Subject,
		HTML:    msg.HTML,
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return fmt.Errorf("%w: status code %d", ErrSendFailed, resp.StatusCode)
	}
	return nil
}
