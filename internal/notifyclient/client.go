package notifyclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Push is a verification prompt for one student's device.
type Push struct {
	StudentID string            `json:"student_id"`
	Title     string            `json:"title"`
	Body      string            `json:"body"`
	Data      map[string]string `json:"data,omitempty"`
}

// PushResult contains the delivery response.
type PushResult struct {
	Delivered bool
	MessageID string
}

// Client calls the push notification microservice.
type Client struct {
	BaseURL string
	HTTP    *http.Client
	Skip    bool
}

// New creates a client. With skip set, calls succeed without hitting the
// service, which is how dev environments run.
func New(baseURL string, skip bool) *Client {
	return &Client{
		BaseURL: baseURL,
		Skip:    skip,
		HTTP: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// Send delivers a push to the student's registered devices.
func (c *Client) Send(ctx context.Context, p Push) (*PushResult, error) {
	if c.Skip {
		return &PushResult{Delivered: true, MessageID: "mock-" + p.StudentID}, nil
	}
	if p.StudentID == "" {
		return nil, fmt.Errorf("student id required")
	}

	body, _ := json.Marshal(p)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/push", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, fmt.Errorf("notify service request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("notify service error %s: %s", resp.Status, string(bodyBytes))
	}

	var out struct {
		Delivered bool   `json:"delivered"`
		MessageID string `json:"message_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	return &PushResult{Delivered: out.Delivered, MessageID: out.MessageID}, nil
}

// Health checks if the notify service is available.
func (c *Client) Health(ctx context.Context) error {
	if c.Skip {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/health", nil)
	if err != nil {
		return err
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("notify service unavailable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("notify service unhealthy: %s", resp.Status)
	}

	return nil
}
