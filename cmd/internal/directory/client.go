// Package directory calls the relay's HTTP bootstrap endpoints: the conversation list,
// a conversation's history and the unread notification count.
//
// These calls only seed local state; everything after that arrives over the realtime
// transports. MarkNotificationsRead is the one write.
package directory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	v1 "chatsync/shared/contracts/realtime/v1"

	"github.com/sethvargo/go-retry"
)

var (
	// ErrUnauthorized is returned when the relay rejects the bearer token.
	ErrUnauthorized = errors.New("directory: unauthorized")

	// ErrBadBaseURL is returned by New for a base URL that is not absolute http(s).
	ErrBadBaseURL = errors.New("directory: bad base url")
)

// StatusError is an unexpected HTTP status.
type StatusError struct {
	Code int
	Path string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("directory: %s: unexpected status %d", e.Path, e.Code)
}

const (
	defaultTimeout  = 10 * time.Second
	defaultRetries  = 2
	defaultBackoff  = 200 * time.Millisecond
	maxResponseSize = 4 << 20
)

// Client is safe for concurrent use.
type Client struct {
	base    *url.URL
	http    *http.Client
	log     *slog.Logger
	retries uint64
	backoff time.Duration
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default http.Client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) {
		if h != nil {
			c.http = h
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.log = l
		}
	}
}

// WithRetry sets how often a 5xx or network failure is retried and the initial backoff.
func WithRetry(retries int, backoff time.Duration) Option {
	return func(c *Client) {
		if retries >= 0 {
			c.retries = uint64(retries)
		}
		if backoff > 0 {
			c.backoff = backoff
		}
	}
}

// New returns a Client for the relay at baseURL (e.g. "http://127.0.0.1:8080").
func New(baseURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, ErrBadBaseURL
	}
	c := &Client{
		base:    u,
		http:    &http.Client{Timeout: defaultTimeout},
		log:     slog.New(slog.DiscardHandler),
		retries: defaultRetries,
		backoff: defaultBackoff,
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// Conversations returns the conversation list of the token's user.
func (c *Client) Conversations(ctx context.Context, token string) ([]v1.ConversationSummary, error) {
	var out []v1.ConversationSummary
	if err := c.get(ctx, token, "/api/conversations", &out); err != nil {
		return nil, err
	}
	return out, nil
}

// History returns the messages exchanged with peer, oldest first.
func (c *Client) History(ctx context.Context, token, peer string) ([]v1.MessagePayload, error) {
	if strings.TrimSpace(peer) == "" {
		return nil, errors.New("directory: empty peer")
	}
	var out []v1.MessagePayload
	if err := c.get(ctx, token, "/api/conversations/"+url.PathEscape(peer)+"/messages", &out); err != nil {
		return nil, err
	}
	return out, nil
}

// UnreadNotifications returns the unread notification count.
func (c *Client) UnreadNotifications(ctx context.Context, token string) (int, error) {
	var out v1.UnreadCountPayload
	if err := c.get(ctx, token, "/api/notifications/unread-count", &out); err != nil {
		return 0, err
	}
	return out.Count, nil
}

type markedResponse struct {
	Marked int `json:"marked"`
}

// MarkNotificationsRead marks every notification read and returns how many changed.
func (c *Client) MarkNotificationsRead(ctx context.Context, token string) (int, error) {
	var out markedResponse
	if err := c.do(ctx, http.MethodPost, token, "/api/notifications/read", &out); err != nil {
		return 0, err
	}
	return out.Marked, nil
}

func (c *Client) get(ctx context.Context, token, path string, out any) error {
	return c.do(ctx, http.MethodGet, token, path, out)
}

// do retries 5xx and network failures. The only write is idempotent, so POST is retried too.
func (c *Client) do(ctx context.Context, method, token, path string, out any) error {
	target := c.base.JoinPath(path)
	b := retry.WithMaxRetries(c.retries, retry.NewExponential(c.backoff))

	err := retry.Do(ctx, b, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, method, target.String(), nil)
		if err != nil {
			return err
		}
		req.Header.Set("Accept", "application/json")
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}

		resp, err := c.http.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.log.Info("directory.request.fail", "path", path, "err", err)
			return retry.RetryableError(err)
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
			return ErrUnauthorized
		case resp.StatusCode >= 500:
			c.log.Info("directory.request.fail", "path", path, "status", resp.StatusCode)
			return retry.RetryableError(&StatusError{Code: resp.StatusCode, Path: path})
		case resp.StatusCode != http.StatusOK:
			return &StatusError{Code: resp.StatusCode, Path: path}
		}

		if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseSize)).Decode(out); err != nil {
			return fmt.Errorf("directory: %s: decode: %w", path, err)
		}
		return nil
	})
	return err
}
