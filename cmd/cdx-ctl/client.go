// ABOUTME: Signing HTTP client for the cdx-agent control surface
// ABOUTME: Builds operation URLs under the agent base URL and signs every request

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	"github.com/codix/cdx-agent/internal/auth"
)

// Client calls agent operations.
type Client struct {
	baseURL *url.URL
	secret  string
	http    *http.Client
	now     func() time.Time
}

// Response is a raw agent reply.
type Response struct {
	StatusCode int
	RequestID  string
	Body       []byte
}

// OK reports whether the envelope says the operation succeeded.
func (r *Response) OK() bool {
	return r.StatusCode < 300 && gjson.GetBytes(r.Body, "ok").Bool()
}

// Message returns the envelope message, or the HTTP status text for non-JSON replies.
func (r *Response) Message() string {
	if m := gjson.GetBytes(r.Body, "message"); m.Exists() {
		return m.String()
	}
	return http.StatusText(r.StatusCode)
}

// NewClient creates a client for an agent reachable at baseURL, e.g.
// "https://app.example.com/cdx-agent".
func NewClient(baseURL, secret string, timeout time.Duration) (*Client, error) {
	if secret == "" {
		return nil, auth.ErrNoSecret
	}
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parsing agent URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("agent URL must be http or https: %q", baseURL)
	}
	return &Client{
		baseURL: u,
		secret:  secret,
		http:    &http.Client{Timeout: timeout},
		now:     time.Now,
	}, nil
}

func (c *Client) endpoint(op string, query url.Values) string {
	u := *c.baseURL
	u.Path = strings.TrimRight(u.Path, "/") + "/" + strings.TrimLeft(op, "/")
	u.RawPath = ""
	u.RawQuery = query.Encode()
	return u.String()
}

// Do signs and sends one operation request. payload, when non-nil, is sent as JSON.
func (c *Client) Do(ctx context.Context, method, op string, query url.Values, payload any) (*Response, error) {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encoding request body: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.endpoint(op, query), body)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	requestID := uuid.NewString()
	req.Header.Set("X-Request-ID", requestID)

	if err := auth.SignRequest(req, c.secret, c.now()); err != nil {
		return nil, fmt.Errorf("signing request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("calling agent: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}
	return &Response{StatusCode: resp.StatusCode, RequestID: requestID, Body: data}, nil
}
