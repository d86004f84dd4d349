// Package client provides an HTTP client for the restfs API with retry on
// network failures and server errors.
package client

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/fruitsalade/restfs/pkg/protocol"
	"github.com/fruitsalade/restfs/pkg/retry"
)

// Client talks to a restfs server.
type Client struct {
	baseURL     string
	httpClient  *http.Client
	retryConfig retry.Config
}

// Config holds client configuration.
type Config struct {
	BaseURL     string
	Timeout     time.Duration
	RetryConfig retry.Config
}

// New creates a new client.
func New(cfg Config) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.RetryConfig.MaxAttempts == 0 {
		cfg.RetryConfig = retry.DefaultConfig()
	}

	return &Client{
		baseURL: strings.TrimSuffix(cfg.BaseURL, "/"),
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
			Transport: &http.Transport{
				DialContext: (&net.Dialer{
					Timeout:   10 * time.Second,
					KeepAlive: 30 * time.Second,
				}).DialContext,
				MaxIdleConns:        100,
				IdleConnTimeout:     90 * time.Second,
				TLSHandshakeTimeout: 10 * time.Second,
			},
		},
		retryConfig: cfg.RetryConfig,
	}
}

// StatusError is returned for any non-2xx answer.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("server returned %d", e.Code)
	}
	return fmt.Sprintf("server returned %d: %s", e.Code, e.Message)
}

// AsStatus checks if an error is a StatusError and returns it.
func AsStatus(err error) (*StatusError, bool) {
	var se *StatusError
	if errors.As(err, &se) {
		return se, true
	}
	return nil, false
}

// IsNotFound reports whether err is a 404 answer.
func IsNotFound(err error) bool {
	se, ok := AsStatus(err)
	return ok && se.Code == http.StatusNotFound
}

// IsValidation reports whether err is a 400 answer.
func IsValidation(err error) bool {
	se, ok := AsStatus(err)
	return ok && se.Code == http.StatusBadRequest
}

// do sends the request built from method, path and body, retrying network
// errors and 5xx answers, and decodes a 200 body into out when non-nil.
func (c *Client) do(ctx context.Context, method, path string, body any, out any) error {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
	}

	return retry.Do(ctx, c.retryConfig, func() error {
		var rd io.Reader
		if payload != nil {
			rd = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
		if err != nil {
			return err
		}
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		req.Header.Set("Accept-Encoding", "gzip")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return retry.Retryable(err)
		}
		defer resp.Body.Close()

		var reader io.Reader = resp.Body
		if resp.Header.Get("Content-Encoding") == "gzip" {
			gr, err := gzip.NewReader(resp.Body)
			if err != nil {
				return err
			}
			defer gr.Close()
			reader = gr
		}

		if resp.StatusCode != http.StatusOK {
			se := &StatusError{Code: resp.StatusCode}
			var st protocol.StatusResponse
			if json.NewDecoder(reader).Decode(&st) == nil {
				se.Message = st.Message
			}
			if resp.StatusCode >= 500 {
				return retry.Retryable(se)
			}
			return se
		}

		if out == nil {
			return nil
		}
		if err := json.NewDecoder(reader).Decode(out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
		return nil
	})
}

// Health checks that the server is up.
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/health", nil, nil)
}

// Import sends one batch stamped with date.
func (c *Client) Import(ctx context.Context, items []protocol.NodeImport, date time.Time) error {
	ts := protocol.NewTimestamp(date)
	req := protocol.ImportRequest{Items: items, UpdateDate: &ts}
	return c.do(ctx, http.MethodPost, "/imports", req, nil)
}

// Delete removes id and its subtree at date.
func (c *Client) Delete(ctx context.Context, id string, date time.Time) error {
	q := url.Values{"date": {protocol.NewTimestamp(date).String()}}
	return c.do(ctx, http.MethodDelete, "/delete/"+url.PathEscape(id)+"?"+q.Encode(), nil, nil)
}

// Node fetches id with its subtree.
func (c *Client) Node(ctx context.Context, id string) (*protocol.NodeResponse, error) {
	var node protocol.NodeResponse
	if err := c.do(ctx, http.MethodGet, "/nodes/"+url.PathEscape(id), nil, &node); err != nil {
		return nil, err
	}
	return &node, nil
}

// Updates lists the files changed in the 24 hours up to date.
func (c *Client) Updates(ctx context.Context, date time.Time) ([]protocol.HistoryUnit, error) {
	q := url.Values{"date": {protocol.NewTimestamp(date).String()}}
	var units []protocol.HistoryUnit
	if err := c.do(ctx, http.MethodGet, "/updates?"+q.Encode(), nil, &units); err != nil {
		return nil, err
	}
	return units, nil
}

// History lists snapshots of id. Zero bounds are omitted.
func (c *Client) History(ctx context.Context, id string, start, end time.Time) ([]protocol.HistoryUnit, error) {
	q := url.Values{}
	if !start.IsZero() {
		q.Set("dateStart", protocol.NewTimestamp(start).String())
	}
	if !end.IsZero() {
		q.Set("dateEnd", protocol.NewTimestamp(end).String())
	}
	path := "/node/" + url.PathEscape(id) + "/history"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var resp protocol.HistoryResponse
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Items, nil
}
