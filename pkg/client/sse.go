package client

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/fruitsalade/restfs/internal/logging"
	"github.com/fruitsalade/restfs/pkg/protocol"
)

// Event is one change announced on the /events stream.
type Event struct {
	Type string             `json:"type"`
	ID   string             `json:"id"`
	Size int64              `json:"size"`
	Date protocol.Timestamp `json:"date"`
}

// Watch connects to the event stream and delivers events until ctx is
// done, reconnecting with backoff when the connection drops. The channel
// is closed on return.
func (c *Client) Watch(ctx context.Context) <-chan Event {
	events := make(chan Event, 100)
	go c.watchLoop(ctx, events)
	return events
}

func (c *Client) watchLoop(ctx context.Context, events chan<- Event) {
	defer close(events)

	const reconnectMin, reconnectMax = time.Second, 30 * time.Second
	delay := reconnectMin

	for {
		err := c.stream(ctx, events)
		if ctx.Err() != nil {
			return
		}
		logging.Warn("event stream lost", zap.Error(err), zap.Duration("retry_in", delay))

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}

		delay *= 2
		if delay > reconnectMax {
			delay = reconnectMax
		}
	}
}

func (c *Client) stream(ctx context.Context, events chan<- Event) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/events", nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	// The stream is long-lived, so the client-wide timeout does not apply.
	httpClient := &http.Client{Transport: c.httpClient.Transport}
	resp, err := httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return &StatusError{Code: resp.StatusCode}
	}

	scanner := bufio.NewScanner(resp.Body)
	var eventType, data string
	for scanner.Scan() {
		line := scanner.Text()

		if line == "" {
			if data != "" {
				var ev Event
				if err := json.Unmarshal([]byte(data), &ev); err == nil {
					if ev.Type == "" {
						ev.Type = eventType
					}
					select {
					case events <- ev:
					case <-ctx.Done():
						return nil
					}
				}
			}
			eventType, data = "", ""
			continue
		}

		switch {
		case strings.HasPrefix(line, ":"):
		case strings.HasPrefix(line, "event:"):
			eventType = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data = strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		}
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read: %w", err)
	}
	return fmt.Errorf("connection closed")
}
