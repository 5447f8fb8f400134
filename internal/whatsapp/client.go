// ABOUTME: WhatsApp Cloud API client sending text and reply-button messages to end users
// ABOUTME: Implements the user side of relay.Sink on top of resty

package whatsapp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/2389/coven-relay/internal/relay"
	"github.com/go-resty/resty/v2"
)

// DefaultAPIURL is the Graph API base used when none is configured.
const DefaultAPIURL = "https://graph.facebook.com/v17.0"

const (
	maxButtons        = 3
	maxButtonTitleLen = 20
)

// ErrBodyTooLong is returned when a button message body exceeds what the
// Cloud API accepts.
var ErrBodyTooLong = errors.New("message body too long for buttons")

// Client talks to the WhatsApp Cloud API for one business phone number.
type Client struct {
	http          *resty.Client
	baseURL       string
	phoneNumberID string
	format        NumberFormat
	logger        *slog.Logger
}

// NewClient creates a Client. An empty apiURL uses DefaultAPIURL.
func NewClient(apiURL, token, phoneNumberID string, format NumberFormat, logger *slog.Logger) *Client {
	if apiURL == "" {
		apiURL = DefaultAPIURL
	}
	if format == "" {
		format = FormatInternational
	}
	if logger == nil {
		logger = slog.Default()
	}
	httpClient := resty.New().
		SetTimeout(15*time.Second).
		SetAuthToken(token).
		SetHeader("Content-Type", "application/json")

	return &Client{
		http:          httpClient,
		baseURL:       strings.TrimRight(apiURL, "/"),
		phoneNumberID: phoneNumberID,
		format:        format,
		logger:        logger.With("component", "whatsapp"),
	}
}

type sendRequest struct {
	MessagingProduct string       `json:"messaging_product"`
	RecipientType    string       `json:"recipient_type"`
	To               string       `json:"to"`
	Type             string       `json:"type"`
	Text             *textBody    `json:"text,omitempty"`
	Interactive      *interactive `json:"interactive,omitempty"`
}

type textBody struct {
	Body string `json:"body"`
}

type interactive struct {
	Type   string            `json:"type"`
	Body   textObject        `json:"body"`
	Action interactiveAction `json:"action"`
}

type textObject struct {
	Text string `json:"text"`
}

type interactiveAction struct {
	Buttons []replyButton `json:"buttons"`
}

type replyButton struct {
	Type  string      `json:"type"`
	Reply buttonReply `json:"reply"`
}

type buttonReply struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}

type sendResponse struct {
	Messages []struct {
		ID string `json:"id"`
	} `json:"messages"`
}

type errorResponse struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    int    `json:"code"`
	} `json:"error"`
}

// SendText sends a plain text message and returns the WhatsApp message id.
func (c *Client) SendText(ctx context.Context, to, body string) (string, error) {
	return c.send(ctx, sendRequest{
		To:   to,
		Type: "text",
		Text: &textBody{Body: body},
	})
}

// SendButtons sends body with up to three reply buttons.
func (c *Client) SendButtons(ctx context.Context, to, body string, buttons []relay.Button) (string, error) {
	if utf8.RuneCountInString(body) > relay.MaxButtonBodyLen {
		return "", ErrBodyTooLong
	}
	if len(buttons) > maxButtons {
		buttons = buttons[:maxButtons]
	}

	replies := make([]replyButton, 0, len(buttons))
	for _, b := range buttons {
		replies = append(replies, replyButton{
			Type:  "reply",
			Reply: buttonReply{ID: b.ID, Title: truncateRunes(b.Title, maxButtonTitleLen)},
		})
	}

	return c.send(ctx, sendRequest{
		To:   to,
		Type: "interactive",
		Interactive: &interactive{
			Type:   "button",
			Body:   textObject{Text: body},
			Action: interactiveAction{Buttons: replies},
		},
	})
}

// SendToUser delivers msg to a WhatsApp user. A button message that is
// rejected is retried once as plain text so the reply still arrives.
func (c *Client) SendToUser(ctx context.Context, userID string, msg relay.OutboundMessage) error {
	if len(msg.Buttons) > 0 {
		_, err := c.SendButtons(ctx, userID, msg.Text, msg.Buttons)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return err
		}
		c.logger.Warn("button message failed, falling back to text", "user_id", userID, "error", err)
	}

	_, err := c.SendText(ctx, userID, msg.Text)
	return err
}

func (c *Client) send(ctx context.Context, req sendRequest) (string, error) {
	req.MessagingProduct = "whatsapp"
	req.RecipientType = "individual"
	req.To = NormalizeNumber(req.To, c.format)

	var result sendResponse
	var apiErr errorResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(req).
		SetResult(&result).
		SetError(&apiErr).
		Post(fmt.Sprintf("%s/%s/messages", c.baseURL, c.phoneNumberID))
	if err != nil {
		return "", fmt.Errorf("sending whatsapp %s message: %w", req.Type, err)
	}
	if resp.IsError() {
		if apiErr.Error.Message != "" {
			return "", fmt.Errorf("whatsapp API error (status %d, code %d): %s",
				resp.StatusCode(), apiErr.Error.Code, apiErr.Error.Message)
		}
		return "", fmt.Errorf("whatsapp API error (status %d): %s", resp.StatusCode(), resp.String())
	}

	var id string
	if len(result.Messages) > 0 {
		id = result.Messages[0].ID
	}
	c.logger.Debug("message sent", "to", req.To, "type", req.Type, "message_id", id)
	return id, nil
}

func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}
