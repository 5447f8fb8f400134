// ABOUTME: Tests for the inactivity rule
// ABOUTME: Covers the window boundary, idempotence and input immutability

package inactivity

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/2389/coven-relay/internal/store"
)

func humanAt(ts time.Time) store.Conversation {
	return store.Conversation{UserID: "u1", Mode: store.ModeHuman, TopicID: 9, LastHumanActivityAt: &ts}
}

func TestEvaluate_WithinWindowUnchanged(t *testing.T) {
	t0 := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	c := humanAt(t0)

	out, demoted := Evaluate(c, t0.Add(30*time.Minute), DefaultWindow)
	assert.False(t, demoted)
	assert.Equal(t, store.ModeHuman, out.Mode)
	assert.Equal(t, t0, *out.LastHumanActivityAt)
}

func TestEvaluate_DemotesAtBoundary(t *testing.T) {
	t0 := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	c := humanAt(t0)

	out, demoted := Evaluate(c, t0.Add(DefaultWindow), DefaultWindow)
	assert.True(t, demoted, "exactly one window elapsed must demote")
	assert.Equal(t, store.ModeBot, out.Mode)
	assert.Nil(t, out.LastHumanActivityAt)
	assert.Equal(t, int64(9), out.TopicID, "topic binding survives demotion")

	_, demoted = Evaluate(c, t0.Add(DefaultWindow-time.Nanosecond), DefaultWindow)
	assert.False(t, demoted)
}

func TestEvaluate_Idempotent(t *testing.T) {
	t0 := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	now := t0.Add(91 * time.Minute)

	once, demoted := Evaluate(humanAt(t0), now, DefaultWindow)
	assert.True(t, demoted)

	twice, demoted := Evaluate(once, now, DefaultWindow)
	assert.False(t, demoted)
	assert.Equal(t, once, twice)
}

func TestEvaluate_DoesNotMutateInput(t *testing.T) {
	t0 := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	c := humanAt(t0)

	_, _ = Evaluate(c, t0.Add(2*time.Hour), DefaultWindow)
	assert.Equal(t, store.ModeHuman, c.Mode)
	assert.NotNil(t, c.LastHumanActivityAt)
}

func TestEvaluate_BotModeNoop(t *testing.T) {
	c := store.Conversation{UserID: "u1", Mode: store.ModeBot}
	out, demoted := Evaluate(c, time.Now(), DefaultWindow)
	assert.False(t, demoted)
	assert.Equal(t, c, out)
}

func TestEvaluate_HumanWithoutTimestampRepaired(t *testing.T) {
	c := store.Conversation{UserID: "u1", Mode: store.ModeHuman}
	out, demoted := Evaluate(c, time.Now(), DefaultWindow)
	assert.True(t, demoted)
	assert.Equal(t, store.ModeBot, out.Mode)
}

func TestExpired(t *testing.T) {
	t0 := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	assert.True(t, Expired(humanAt(t0), t0.Add(time.Hour), time.Hour))
	assert.False(t, Expired(humanAt(t0), t0.Add(time.Minute), time.Hour))
}
