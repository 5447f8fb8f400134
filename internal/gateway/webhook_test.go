// ABOUTME: Tests for the WhatsApp webhook endpoints
// ABOUTME: Covers routing, dedupe, delivery failures and redelivery on storage failure

package gateway

import (
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-relay/internal/relay"
	"github.com/2389/coven-relay/internal/store"
)

func textWebhook(from, name, id, body string) string {
	return fmt.Sprintf(`{
  "object": "whatsapp_business_account",
  "entry": [{"changes": [{"field": "messages", "value": {
    "contacts": [{"profile": {"name": %q}, "wa_id": %q}],
    "messages": [{"from": %q, "id": %q, "type": "text", "text": {"body": %q}}]
  }}]}]
}`, name, from, from, id, body)
}

func postWebhook(t *testing.T, tg *testGateway, payload string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/webhook/whatsapp", strings.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	return tg.do(t, req)
}

func TestWebhook_NewUserGetsTopicAndAnswer(t *testing.T) {
	tg := newTestGateway(t)

	rec := postWebhook(t, tg, textWebhook("5491122334455", "Alice", "wamid.1", "horarios?"))
	require.Equal(t, http.StatusOK, rec.Code)

	conv, err := tg.store.GetConversation(testContext(t), "5491122334455")
	require.NoError(t, err)
	assert.Equal(t, store.ModeBot, conv.Mode)
	assert.Equal(t, int64(101), conv.TopicID)

	users := tg.sink.sentToUsers()
	require.Len(t, users, 1)
	assert.Equal(t, "Atendemos de 9 a 18.", users[0].Msg.Text)

	threads := tg.sink.sentToThreads()
	require.Len(t, threads, 2)
	assert.Equal(t, "horarios?", threads[0].Msg.Text)
	assert.True(t, threads[0].Msg.Silent)
	assert.Contains(t, threads[1].Msg.Text, "Atendemos")
}

func TestWebhook_DuplicateIgnored(t *testing.T) {
	tg := newTestGateway(t)
	payload := textWebhook("5491", "Bob", "wamid.dup", "hola")

	require.Equal(t, http.StatusOK, postWebhook(t, tg, payload).Code)
	require.Equal(t, http.StatusOK, postWebhook(t, tg, payload).Code)

	assert.Len(t, tg.sink.sentToUsers(), 1)
	assert.Len(t, tg.sink.sentToThreads(), 2, "mirror and bot echo only once")
}

func TestWebhook_StorageFailureRedelivers(t *testing.T) {
	tg := newTestGateway(t)
	payload := textWebhook("5491", "Bob", "wamid.retry", "hola")

	tg.store.FailWith = errors.New("database is locked")
	rec := postWebhook(t, tg, payload)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Empty(t, tg.sink.sentToUsers())

	tg.store.FailWith = nil
	rec = postWebhook(t, tg, payload)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, tg.sink.sentToUsers(), 1, "redelivery is processed")
}

func TestWebhook_DeliveryFailureIsAcknowledged(t *testing.T) {
	tg := newTestGateway(t)
	tg.sink.setErrors(errors.New("whatsapp 500"), nil)

	rec := postWebhook(t, tg, textWebhook("5491", "Bob", "wamid.x", "hola"))
	assert.Equal(t, http.StatusOK, rec.Code)

	var failures int
	for _, e := range tg.store.Events() {
		if e.Type == store.EventTypeError {
			failures++
			assert.Equal(t, "system", e.Author)
		}
	}
	assert.Equal(t, 1, failures)
}

func TestWebhook_TopicFailureStillAnswers(t *testing.T) {
	tg := newTestGateway(t)
	tg.creator.err = errors.New("not enough rights to create a topic")

	rec := postWebhook(t, tg, textWebhook("5491", "Bob", "wamid.t", "hola"))
	assert.Equal(t, http.StatusOK, rec.Code)

	require.Len(t, tg.sink.sentToUsers(), 1)
	threads := tg.sink.sentToThreads()
	require.Len(t, threads, 1)
	assert.Equal(t, int64(0), threads[0].TopicID, "operators are warned in the general thread")
}

func TestWebhook_BadPayload(t *testing.T) {
	tg := newTestGateway(t)

	rec := postWebhook(t, tg, "{not json")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestWebhook_HumanModeOnlyMirrors(t *testing.T) {
	tg := newTestGateway(t)
	ctx := testContext(t)

	require.Equal(t, http.StatusOK, postWebhook(t, tg, textWebhook("5491", "Bob", "wamid.1", "hola")).Code)
	require.NoError(t, tg.HandleOperatorMessage(ctx, relay.OperatorMessage{TopicID: 101, Author: "Olga", Text: "Te ayudo"}))

	before := len(tg.sink.sentToUsers())
	require.Equal(t, http.StatusOK, postWebhook(t, tg, textWebhook("5491", "Bob", "wamid.2", "horarios?")).Code)

	assert.Len(t, tg.sink.sentToUsers(), before, "bot stays quiet in human mode")
	threads := tg.sink.sentToThreads()
	last := threads[len(threads)-1]
	assert.Equal(t, "horarios?", last.Msg.Text)
	assert.False(t, last.Msg.Silent, "operators are notified in human mode")
}
