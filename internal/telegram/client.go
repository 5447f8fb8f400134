// ABOUTME: Telegram Bot API client for the operator forum group
// ABOUTME: Long-polls updates and manages forum topics, messages and pins through resty

package telegram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

// DefaultAPIURL is the public Bot API endpoint.
const DefaultAPIURL = "https://api.telegram.org"

const callTimeout = 15 * time.Second

// Update is one item returned by getUpdates.
type Update struct {
	UpdateID int64    `json:"update_id"`
	Message  *Message `json:"message,omitempty"`
}

// Message is the subset of a Telegram message the relay reads.
type Message struct {
	MessageID       int64  `json:"message_id"`
	MessageThreadID int64  `json:"message_thread_id,omitempty"`
	IsTopicMessage  bool   `json:"is_topic_message,omitempty"`
	Date            int64  `json:"date"`
	From            *User  `json:"from,omitempty"`
	Chat            Chat   `json:"chat"`
	Text            string `json:"text,omitempty"`
}

// User is a Telegram account.
type User struct {
	ID        int64  `json:"id"`
	IsBot     bool   `json:"is_bot"`
	Username  string `json:"username,omitempty"`
	FirstName string `json:"first_name,omitempty"`
	LastName  string `json:"last_name,omitempty"`
}

// DisplayName returns the best human-readable name for u.
func (u *User) DisplayName() string {
	if u == nil {
		return ""
	}
	first := strings.TrimSpace(u.FirstName)
	last := strings.TrimSpace(u.LastName)
	switch {
	case first != "" && last != "":
		return first + " " + last
	case first != "":
		return first
	case last != "":
		return last
	case u.Username != "":
		return "@" + u.Username
	default:
		return ""
	}
}

// Chat identifies where a message was posted.
type Chat struct {
	ID      int64  `json:"id"`
	Type    string `json:"type,omitempty"`
	IsForum bool   `json:"is_forum,omitempty"`
}

type forumTopic struct {
	MessageThreadID int64  `json:"message_thread_id"`
	Name            string `json:"name"`
}

type apiResponse struct {
	OK          bool            `json:"ok"`
	Result      json.RawMessage `json:"result"`
	ErrorCode   int             `json:"error_code"`
	Description string          `json:"description"`
	Parameters  *struct {
		RetryAfter int `json:"retry_after"`
	} `json:"parameters"`
}

// APIError is a request the Bot API answered with ok=false.
type APIError struct {
	Method      string
	Code        int
	Description string
	RetryAfter  time.Duration
}

func (e *APIError) Error() string {
	return fmt.Sprintf("telegram %s failed (code %d): %s", e.Method, e.Code, e.Description)
}

// Client calls the Bot API on behalf of one bot in one group.
type Client struct {
	http    *resty.Client
	baseURL string
	token   string
	groupID int64
	logger  *slog.Logger
}

// NewClient creates a Client for the operator group groupID.
// An empty apiURL uses DefaultAPIURL.
func NewClient(apiURL, token string, groupID int64, logger *slog.Logger) *Client {
	if apiURL == "" {
		apiURL = DefaultAPIURL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		http:    resty.New().SetHeader("Content-Type", "application/json"),
		baseURL: strings.TrimRight(apiURL, "/"),
		token:   token,
		groupID: groupID,
		logger:  logger.With("component", "telegram"),
	}
}

// GroupID returns the operator group this client posts to.
func (c *Client) GroupID() int64 {
	return c.groupID
}

// call invokes method with params and decodes the result into out.
func (c *Client) call(ctx context.Context, method string, params any, out any) error {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, callTimeout)
		defer cancel()
	}

	var env apiResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(params).
		SetResult(&env).
		SetError(&env).
		Post(fmt.Sprintf("%s/bot%s/%s", c.baseURL, c.token, method))
	if err != nil {
		return fmt.Errorf("calling telegram %s: %w", method, err)
	}
	if !env.OK {
		apiErr := &APIError{Method: method, Code: env.ErrorCode, Description: env.Description}
		if apiErr.Code == 0 {
			apiErr.Code = resp.StatusCode()
		}
		if apiErr.Description == "" {
			apiErr.Description = strings.TrimSpace(resp.String())
		}
		if env.Parameters != nil {
			apiErr.RetryAfter = time.Duration(env.Parameters.RetryAfter) * time.Second
		}
		return apiErr
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(env.Result, out); err != nil {
		return fmt.Errorf("decoding telegram %s result: %w", method, err)
	}
	return nil
}

// GetMe returns the bot's own account.
func (c *Client) GetMe(ctx context.Context) (*User, error) {
	var me User
	if err := c.call(ctx, "getMe", struct{}{}, &me); err != nil {
		return nil, err
	}
	return &me, nil
}

// GetUpdates long-polls for new messages starting at offset.
func (c *Client) GetUpdates(ctx context.Context, offset int64, timeout time.Duration) ([]Update, error) {
	secs := int(timeout.Seconds())
	if secs < 0 {
		secs = 0
	}
	ctx, cancel := context.WithTimeout(ctx, timeout+10*time.Second)
	defer cancel()

	params := map[string]any{
		"timeout":         secs,
		"allowed_updates": []string{"message"},
	}
	if offset > 0 {
		params["offset"] = offset
	}

	var updates []Update
	if err := c.call(ctx, "getUpdates", params, &updates); err != nil {
		return nil, err
	}
	return updates, nil
}

// SendMessage posts text to a thread of the operator group. threadID 0 is
// the general thread.
func (c *Client) SendMessage(ctx context.Context, threadID int64, text string, silent bool) (*Message, error) {
	params := map[string]any{
		"chat_id":              c.groupID,
		"text":                 text,
		"disable_notification": silent,
	}
	if threadID != 0 {
		params["message_thread_id"] = threadID
	}

	var msg Message
	if err := c.call(ctx, "sendMessage", params, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// CreateForumTopic creates a topic in the operator group and returns its
// thread id.
func (c *Client) CreateForumTopic(ctx context.Context, name string) (int64, error) {
	var topic forumTopic
	err := c.call(ctx, "createForumTopic", map[string]any{
		"chat_id": c.groupID,
		"name":    name,
	}, &topic)
	if err != nil {
		return 0, err
	}
	if topic.MessageThreadID == 0 {
		return 0, errors.New("telegram createForumTopic returned no thread id")
	}
	return topic.MessageThreadID, nil
}

// PinChatMessage pins messageID without notifying the group.
func (c *Client) PinChatMessage(ctx context.Context, messageID int64) error {
	return c.call(ctx, "pinChatMessage", map[string]any{
		"chat_id":              c.groupID,
		"message_id":           messageID,
		"disable_notification": true,
	}, nil)
}

// ReopenForumTopic reopens a closed topic. Reopening an open topic is not
// an error.
func (c *Client) ReopenForumTopic(ctx context.Context, threadID int64) error {
	err := c.call(ctx, "reopenForumTopic", map[string]any{
		"chat_id":           c.groupID,
		"message_thread_id": threadID,
	}, nil)
	var apiErr *APIError
	if errors.As(err, &apiErr) && strings.Contains(apiErr.Description, "TOPIC_NOT_MODIFIED") {
		return nil
	}
	return err
}
