// Package resolver talks to the resolver service that indexes witness locations
// and KELs.
package resolver

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"witness/internal/domain"
)

const maxErrorBody = 4 << 10

type Client struct {
	addr       string
	httpClient *http.Client
}

func New(addr string) *Client {
	return &Client{
		addr:       strings.TrimRight(addr, "/"),
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

// PublishAddress registers the witness's host:port under its prefix.
func (c *Client) PublishAddress(ctx context.Context, prefix domain.Prefix, hostPort string) error {
	if err := c.check(prefix); err != nil {
		return err
	}
	if hostPort == "" {
		return fmt.Errorf("%w: empty witness address", domain.ErrInvalidAddress)
	}
	body, err := json.Marshal(map[string]string{"ip": hostPort})
	if err != nil {
		return err
	}
	return c.do(ctx, http.MethodPut, "/witness_ips/"+url.PathEscape(string(prefix)), "application/json", body)
}

// Forward posts a CESR stream concerning prefix to the resolver.
func (c *Client) Forward(ctx context.Context, prefix domain.Prefix, stream []byte) error {
	if err := c.check(prefix); err != nil {
		return err
	}
	if len(stream) == 0 {
		return errors.New("resolver forward: empty stream")
	}
	return c.do(ctx, http.MethodPost, "/messages/"+url.PathEscape(string(prefix)), "application/cesr", stream)
}

func (c *Client) check(prefix domain.Prefix) error {
	if c == nil {
		return errors.New("resolver client is nil")
	}
	if c.addr == "" {
		return errors.New("resolver addr missing")
	}
	if prefix == "" {
		return errors.New("resolver prefix is required")
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path, contentType string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, method, c.addr+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return fmt.Errorf("resolver %s %s failed: status %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

// HostPort extracts host:port from a public URL, adding the scheme default port.
func HostPort(publicURL string) (string, error) {
	u, err := url.Parse(publicURL)
	if err != nil || u.Host == "" {
		return "", fmt.Errorf("%w: %q", domain.ErrInvalidAddress, publicURL)
	}
	if u.Port() != "" {
		return u.Host, nil
	}
	switch u.Scheme {
	case "https":
		return u.Host + ":443", nil
	default:
		return u.Host + ":80", nil
	}
}
