// Package notify delivers operator notifications over the ntfy push
// protocol: one HTTP POST per message, title and urgency in headers.
//
// Delivery is fire-and-forget. Callers treat errors as log material; a
// failed notification must never block or fail the decision that
// produced it.
package notify

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"boxd"
)

const sendTimeout = 10 * time.Second

// Client posts notifications to a single ntfy topic.
type Client struct {
	server string
	topic  string
	http   *http.Client
}

// New creates a client for the given server and topic. An empty server
// falls back to the public ntfy.sh instance. An empty topic yields a
// disabled client whose Notify is a logged no-op.
func New(server, topic string) *Client {
	if server == "" {
		server = "https://ntfy.sh"
	}
	return &Client{
		server: strings.TrimRight(server, "/"),
		topic:  topic,
		http:   &http.Client{Timeout: sendTimeout},
	}
}

// Disabled reports whether no topic is configured.
func (c *Client) Disabled() bool { return c.topic == "" }

// Notify makes a single delivery attempt. No retries: the message is
// advisory and the caller's next decision will say more than a stale
// redelivery would.
func (c *Client) Notify(ctx context.Context, n boxd.Notification) error {
	if c.Disabled() {
		slog.Debug("Notification skipped: no topic configured.", "title", n.Title)
		return nil
	}

	endpoint := c.server + "/" + url.PathEscape(c.topic)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(n.Message))
	if err != nil {
		return fmt.Errorf("build notification request: %w", err)
	}
	req.Header.Set("Title", n.Title)
	if n.Priority != "" {
		req.Header.Set("Priority", n.Priority)
	}
	if len(n.Tags) > 0 {
		req.Header.Set("Tags", strings.Join(n.Tags, ","))
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("post notification: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 300 {
		return fmt.Errorf("notification rejected: %s", resp.Status)
	}
	slog.Debug("Notification delivered.", "title", n.Title, "priority", n.Priority)
	return nil
}
