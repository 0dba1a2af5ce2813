package replay

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/goccy/go-json"

	"github.com/okian/builderscore/internal/domain/ingest"
)

// Webhook header names understood by the service.
const (
	headerEvent     = "X-GitHub-Event"
	headerDelivery  = "X-GitHub-Delivery"
	headerSignature = "X-Hub-Signature-256"
)

// HTTPClient wraps http.Client with the service's base URL.
type HTTPClient struct {
	client  *http.Client
	baseURL string
}

// StatusError is a non-2xx response.
type StatusError struct {
	Status int
	Code   string
	Body   string
}

func (e *StatusError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("HTTP %d: %s", e.Status, e.Code)
	}
	return fmt.Sprintf("HTTP %d: %s", e.Status, e.Body)
}

func newHTTPClient(baseURL string, timeout time.Duration) *HTTPClient {
	return &HTTPClient{client: &http.Client{Timeout: timeout}, baseURL: baseURL}
}

// do sends a request and decodes a 2xx JSON body into out when out is non-nil.
func (c *HTTPClient) do(ctx context.Context, method, path string, body []byte, headers map[string]string, out any) (int, error) {
	var rd io.Reader = http.NoBody
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
	if err != nil {
		return 0, fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		se := &StatusError{Status: resp.StatusCode, Body: string(data)}
		var e struct {
			Code string `json:"code"`
		}
		if json.Unmarshal(data, &e) == nil {
			se.Code = e.Code
		}
		return resp.StatusCode, se
	}
	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return resp.StatusCode, fmt.Errorf("decode response: %w", err)
		}
	}
	return resp.StatusCode, nil
}

func (c *HTTPClient) postJSON(ctx context.Context, path string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	_, err = c.do(ctx, http.MethodPost, path, body, nil, out)
	return err
}

func (c *HTTPClient) putJSON(ctx context.Context, path string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	_, err = c.do(ctx, http.MethodPut, path, body, nil, out)
	return err
}

func (c *HTTPClient) get(ctx context.Context, path string, out any) error {
	_, err := c.do(ctx, http.MethodGet, path, nil, nil, out)
	return err
}

// webhookAck mirrors the service's delivery acknowledgement.
type webhookAck struct {
	Status     string `json:"status"`
	Activities int    `json:"activities"`
	Duplicates int    `json:"duplicates"`
}

func (c *HTTPClient) deliver(ctx context.Context, secret string, d Delivery) (webhookAck, error) {
	var ack webhookAck
	_, err := c.do(ctx, http.MethodPost, "/webhooks/github", d.Body, map[string]string{
		headerEvent:     "push",
		headerDelivery:  d.ID,
		headerSignature: ingest.SignatureHeader(secret, d.Body),
	}, &ack)
	return ack, err
}
