// ABOUTME: Tests for the WhatsApp Cloud API client against an httptest server
// ABOUTME: Checks request payloads, auth, number formatting, errors and the button fallback

package whatsapp

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/2389/coven-relay/internal/relay"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeCloudAPI records message requests and can reject interactive ones.
type fakeCloudAPI struct {
	mu                sync.Mutex
	requests          []map[string]any
	paths             []string
	auth              []string
	rejectInteractive bool
}

func (f *fakeCloudAPI) handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)

		f.mu.Lock()
		f.requests = append(f.requests, body)
		f.paths = append(f.paths, r.URL.Path)
		f.auth = append(f.auth, r.Header.Get("Authorization"))
		reject := f.rejectInteractive && body["type"] == "interactive"
		f.mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		if reject {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":{"message":"Param interactive is invalid","type":"OAuthException","code":100}}`))
			return
		}
		_, _ = w.Write([]byte(`{"messaging_product":"whatsapp","messages":[{"id":"wamid.OUT"}]}`))
	})
}

func (f *fakeCloudAPI) last() map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests[len(f.requests)-1]
}

func setupClient(t *testing.T, format NumberFormat) (*Client, *fakeCloudAPI) {
	t.Helper()
	api := &fakeCloudAPI{}
	srv := httptest.NewServer(api.handler())
	t.Cleanup(srv.Close)
	return NewClient(srv.URL, "test-token", "PNID", format, nil), api
}

func TestSendText(t *testing.T) {
	c, api := setupClient(t, FormatInternational)

	id, err := c.SendText(context.Background(), "+5491122334455", "hola")
	require.NoError(t, err)
	assert.Equal(t, "wamid.OUT", id)

	req := api.last()
	assert.Equal(t, "whatsapp", req["messaging_product"])
	assert.Equal(t, "5491122334455", req["to"])
	assert.Equal(t, "text", req["type"])
	assert.Equal(t, "hola", req["text"].(map[string]any)["body"])
	assert.Equal(t, "/PNID/messages", api.paths[0])
	assert.Equal(t, "Bearer test-token", api.auth[0])
}

func TestSendText_ArgentinaLocal(t *testing.T) {
	c, api := setupClient(t, FormatArgentinaLocal)

	_, err := c.SendText(context.Background(), "5491122334455", "hola")
	require.NoError(t, err)
	assert.Equal(t, "54111522334455", api.last()["to"])
}

func TestSendButtons(t *testing.T) {
	c, api := setupClient(t, FormatInternational)

	buttons := []relay.Button{
		{ID: "a", Title: "uno"},
		{ID: "b", Title: "un título demasiado largo para whatsapp"},
		{ID: "c", Title: "tres"},
		{ID: "d", Title: "cuatro"},
	}
	_, err := c.SendButtons(context.Background(), "1", "elegí", buttons)
	require.NoError(t, err)

	req := api.last()
	assert.Equal(t, "interactive", req["type"])
	inter := req["interactive"].(map[string]any)
	assert.Equal(t, "button", inter["type"])
	assert.Equal(t, "elegí", inter["body"].(map[string]any)["text"])

	sent := inter["action"].(map[string]any)["buttons"].([]any)
	require.Len(t, sent, 3, "at most three buttons")
	second := sent[1].(map[string]any)["reply"].(map[string]any)
	assert.Equal(t, "b", second["id"])
	assert.Len(t, []rune(second["title"].(string)), maxButtonTitleLen)
}

func TestSendButtons_BodyTooLong(t *testing.T) {
	c, api := setupClient(t, FormatInternational)

	_, err := c.SendButtons(context.Background(), "1", strings.Repeat("x", relay.MaxButtonBodyLen+1), []relay.Button{{ID: "a", Title: "a"}})
	assert.ErrorIs(t, err, ErrBodyTooLong)
	assert.Empty(t, api.requests)
}

func TestSend_APIError(t *testing.T) {
	c, api := setupClient(t, FormatInternational)
	api.rejectInteractive = true

	_, err := c.SendButtons(context.Background(), "1", "hola", []relay.Button{{ID: "a", Title: "a"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 400")
	assert.Contains(t, err.Error(), "Param interactive is invalid")
}

func TestSendToUser_FallsBackToText(t *testing.T) {
	c, api := setupClient(t, FormatInternational)
	api.rejectInteractive = true

	err := c.SendToUser(context.Background(), "1", relay.OutboundMessage{
		Text:    "respuesta del asesor",
		Buttons: []relay.Button{{ID: relay.ReturnToBotButtonID, Title: "🤖 Volver al Bot"}},
	})
	require.NoError(t, err)

	require.Len(t, api.requests, 2)
	assert.Equal(t, "interactive", api.requests[0]["type"])
	assert.Equal(t, "text", api.requests[1]["type"])
	assert.Equal(t, "respuesta del asesor", api.requests[1]["text"].(map[string]any)["body"])
}

func TestSendToUser_PlainText(t *testing.T) {
	c, api := setupClient(t, FormatInternational)

	require.NoError(t, c.SendToUser(context.Background(), "1", relay.OutboundMessage{Text: "hola"}))
	require.Len(t, api.requests, 1)
	assert.Equal(t, "text", api.requests[0]["type"])
}
