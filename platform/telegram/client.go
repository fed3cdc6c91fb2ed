// Package telegram implements the platform.Client contract against the
// Telegram Bot API over plain HTTPS.
//
// Error mapping drives the dispatcher's retry behavior: HTTP 429 with a
// retry_after parameter becomes a platform.ThrottledError, network
// failures and 5xx responses become platform.TransientError, and every
// other Bot API rejection (bad chat, kicked bot, malformed markup) is
// permanent.
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/xraph/courier/outbound"
	"github.com/xraph/courier/platform"
)

const defaultBaseURL = "https://api.telegram.org"

// Client talks to the Telegram Bot API. Safe for concurrent use.
type Client struct {
	token   string
	baseURL string
	http    *http.Client
	logger  *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithBaseURL points the client at a different API host, typically a
// local Bot API server or a test fixture.
func WithBaseURL(url string) Option {
	return func(c *Client) { c.baseURL = url }
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// New creates a Client for the given bot token.
func New(token string, opts ...Option) (*Client, error) {
	if token == "" {
		return nil, fmt.Errorf("telegram: empty bot token")
	}
	c := &Client{
		token:   token,
		baseURL: defaultBaseURL,
		http:    &http.Client{Timeout: 30 * time.Second},
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Deliver executes the payload's operation against the destination chat.
func (c *Client) Deliver(ctx context.Context, destination string, p outbound.Payload) error {
	switch p.Kind {
	case outbound.KindMessage:
		_, err := c.sendMessage(ctx, destination, p)
		return err
	case outbound.KindPinMessage:
		msgID, err := c.sendMessage(ctx, destination, p)
		if err != nil {
			return err
		}
		return c.pinChatMessage(ctx, destination, msgID, p.DisablePinNotification)
	case outbound.KindBanMember:
		return c.banChatMember(ctx, destination, p.TargetUserID)
	default:
		return fmt.Errorf("telegram: unsupported payload kind %q", p.Kind)
	}
}

type sendMessageRequest struct {
	ChatID           string `json:"chat_id"`
	Text             string `json:"text"`
	ParseMode        string `json:"parse_mode,omitempty"`
	DisablePreview   bool   `json:"disable_web_page_preview,omitempty"`
	ReplyToMessageID int64  `json:"reply_to_message_id,omitempty"`
	MessageThreadID  int64  `json:"message_thread_id,omitempty"`
}

func (c *Client) sendMessage(ctx context.Context, chatID string, p outbound.Payload) (int64, error) {
	var result struct {
		MessageID int64 `json:"message_id"`
	}
	err := c.call(ctx, "sendMessage", sendMessageRequest{
		ChatID:           chatID,
		Text:             p.Text,
		ParseMode:        p.ParseMode,
		DisablePreview:   p.DisablePreview,
		ReplyToMessageID: p.ReplyTo,
		MessageThreadID:  p.ThreadID,
	}, &result)
	if err != nil {
		return 0, err
	}
	return result.MessageID, nil
}

func (c *Client) pinChatMessage(ctx context.Context, chatID string, messageID int64, silent bool) error {
	return c.call(ctx, "pinChatMessage", map[string]any{
		"chat_id":              chatID,
		"message_id":           messageID,
		"disable_notification": silent,
	}, nil)
}

func (c *Client) banChatMember(ctx context.Context, chatID string, userID int64) error {
	return c.call(ctx, "banChatMember", map[string]any{
		"chat_id": chatID,
		"user_id": userID,
	}, nil)
}

// apiResponse is the Bot API envelope. Result is present on success;
// ErrorCode, Description, and Parameters on failure.
type apiResponse struct {
	OK          bool            `json:"ok"`
	Result      json.RawMessage `json:"result,omitempty"`
	ErrorCode   int             `json:"error_code,omitempty"`
	Description string          `json:"description,omitempty"`
	Parameters  *struct {
		RetryAfter int `json:"retry_after,omitempty"`
	} `json:"parameters,omitempty"`
}

// APIError is a Bot API rejection that is neither a throttle nor
// transient. The dispatcher treats it as permanent.
type APIError struct {
	Code        int
	Description string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("telegram: api error %d: %s", e.Code, e.Description)
}

// call posts a JSON request to the Bot API method and decodes the
// envelope, translating failures into the platform error taxonomy.
func (c *Client) call(ctx context.Context, method string, params any, result any) error {
	body, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("telegram: marshal %s: %w", method, err)
	}

	url := c.baseURL + "/bot" + c.token + "/" + method
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("telegram: build %s request: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		// Timeouts, DNS, connection resets: all worth retrying.
		return platform.Transient(fmt.Errorf("telegram: %s: %w", method, err))
	}
	defer resp.Body.Close() //nolint:errcheck // read-only body

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return platform.Transient(fmt.Errorf("telegram: read %s response: %w", method, err))
	}

	var env apiResponse
	if err := json.Unmarshal(data, &env); err != nil {
		if resp.StatusCode >= 500 {
			return platform.Transient(fmt.Errorf("telegram: %s: http %d", method, resp.StatusCode))
		}
		return fmt.Errorf("telegram: decode %s response (http %d): %w", method, resp.StatusCode, err)
	}

	if !env.OK {
		if env.ErrorCode == http.StatusTooManyRequests {
			retryAfter := time.Second
			if env.Parameters != nil && env.Parameters.RetryAfter > 0 {
				retryAfter = time.Duration(env.Parameters.RetryAfter) * time.Second
			} else if s := resp.Header.Get("Retry-After"); s != "" {
				if secs, convErr := strconv.Atoi(s); convErr == nil && secs > 0 {
					retryAfter = time.Duration(secs) * time.Second
				}
			}
			c.logger.Warn("telegram throttled",
				slog.String("method", method),
				slog.Duration("retry_after", retryAfter),
			)
			return platform.Throttled(retryAfter)
		}
		if env.ErrorCode >= 500 || resp.StatusCode >= 500 {
			return platform.Transient(&APIError{Code: env.ErrorCode, Description: env.Description})
		}
		return &APIError{Code: env.ErrorCode, Description: env.Description}
	}

	if result != nil && len(env.Result) > 0 {
		if err := json.Unmarshal(env.Result, result); err != nil {
			return fmt.Errorf("telegram: decode %s result: %w", method, err)
		}
	}
	return nil
}
