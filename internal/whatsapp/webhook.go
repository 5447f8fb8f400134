// ABOUTME: Decoding of WhatsApp Cloud API webhook deliveries into relay inbound messages
// ABOUTME: Handles text, reply-button and list-reply messages; statuses and media are skipped

package whatsapp

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/2389/coven-relay/internal/relay"
)

// WebhookPayload is the body Meta posts to the webhook.
type WebhookPayload struct {
	Object string         `json:"object"`
	Entry  []webhookEntry `json:"entry"`
}

type webhookEntry struct {
	ID      string          `json:"id"`
	Changes []webhookChange `json:"changes"`
}

type webhookChange struct {
	Field string      `json:"field"`
	Value changeValue `json:"value"`
}

type changeValue struct {
	MessagingProduct string            `json:"messaging_product"`
	Contacts         []contact         `json:"contacts"`
	Messages         []message         `json:"messages"`
	Statuses         []json.RawMessage `json:"statuses"`
}

type contact struct {
	WaID    string `json:"wa_id"`
	Profile struct {
		Name string `json:"name"`
	} `json:"profile"`
}

type message struct {
	From        string    `json:"from"`
	ID          string    `json:"id"`
	Timestamp   string    `json:"timestamp"`
	Type        string    `json:"type"`
	Text        *textBody `json:"text"`
	Interactive *struct {
		Type        string    `json:"type"`
		ButtonReply *replyRef `json:"button_reply"`
		ListReply   *replyRef `json:"list_reply"`
	} `json:"interactive"`
	Button *struct {
		Payload string `json:"payload"`
		Text    string `json:"text"`
	} `json:"button"`
}

type replyRef struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}

// ParseWebhook decodes a webhook body into the messages it carries.
// Status updates and unsupported message types (media, reactions) are
// skipped, so a valid delivery may yield no messages.
func ParseWebhook(body []byte) ([]relay.InboundMessage, error) {
	var payload WebhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("decoding webhook payload: %w", err)
	}

	var out []relay.InboundMessage
	for _, entry := range payload.Entry {
		for _, change := range entry.Changes {
			for _, m := range change.Value.Messages {
				in, ok := toInbound(m, change.Value.Contacts)
				if ok {
					out = append(out, in)
				}
			}
		}
	}
	return out, nil
}

func toInbound(m message, contacts []contact) (relay.InboundMessage, bool) {
	in := relay.InboundMessage{
		UserID:      m.From,
		DisplayName: contactName(m.From, contacts),
		MessageID:   m.ID,
	}

	switch m.Type {
	case "text":
		if m.Text == nil {
			return in, false
		}
		in.Text = strings.TrimSpace(m.Text.Body)
	case "interactive":
		if m.Interactive == nil {
			return in, false
		}
		ref := m.Interactive.ButtonReply
		if ref == nil {
			ref = m.Interactive.ListReply
		}
		if ref == nil {
			return in, false
		}
		in.ButtonID = ref.ID
		in.Text = ref.Title
	case "button":
		if m.Button == nil {
			return in, false
		}
		in.ButtonID = m.Button.Payload
		in.Text = m.Button.Text
	default:
		return in, false
	}
	return in, in.UserID != ""
}

func contactName(waID string, contacts []contact) string {
	for _, c := range contacts {
		if c.WaID == waID {
			return c.Profile.Name
		}
	}
	if len(contacts) == 1 {
		return contacts[0].Profile.Name
	}
	return ""
}
