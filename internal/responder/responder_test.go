// ABOUTME: Tests for the knowledge base responder
// ABOUTME: Covers greetings, keyword scoring, accent folding and YAML loading

package responder

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testKB = `
greeting: "¡Hola! Escribí el modelo de tu auto."
entries:
  - keywords: [horario, horarios, abierto]
    answer: "Atendemos de 9 a 18."
  - keywords: [filtro, aceite]
    answer: "Tenemos filtros de aceite para la mayoría de los modelos."
  - keywords: [filtro, aire]
    answer: "Los filtros de aire se cambian cada 15.000 km."
  - keywords: ["gol trend"]
    answer: "Gol Trend: aceite W712/95, aire CA11019."
`

func newTestResponder(t *testing.T) *Responder {
	t.Helper()
	kb, err := ParseKnowledgeBase([]byte(testKB))
	require.NoError(t, err)
	return New(kb, nil)
}

func TestQuery_Greeting(t *testing.T) {
	r := newTestResponder(t)

	for _, text := range []string{"hola", "HOLA", " Hola! ", "menu", "hi"} {
		answer, found, err := r.Query(context.Background(), text)
		require.NoError(t, err)
		assert.True(t, found, text)
		assert.Contains(t, answer, "modelo de tu auto")
	}
}

func TestQuery_GreetingOnlyWhenWholeMessage(t *testing.T) {
	r := newTestResponder(t)

	_, found, err := r.Query(context.Background(), "hola, a qué hora abren?")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestQuery_BestScoreWins(t *testing.T) {
	r := newTestResponder(t)

	answer, found, err := r.Query(context.Background(), "necesito un filtro de aire")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Contains(t, answer, "aire")
}

func TestQuery_AccentsAndPunctuation(t *testing.T) {
	r := newTestResponder(t)

	answer, found, err := r.Query(context.Background(), "¿Cuál es el HORÁRIO?")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "Atendemos de 9 a 18.", answer)
}

func TestQuery_MultiWordKeyword(t *testing.T) {
	r := newTestResponder(t)

	answer, found, err := r.Query(context.Background(), "tengo un Gol Trend 2015")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Contains(t, answer, "W712/95")
}

func TestQuery_NoAnswer(t *testing.T) {
	r := newTestResponder(t)

	answer, found, err := r.Query(context.Background(), "quiero hablar con alguien")
	require.NoError(t, err)
	assert.False(t, found)
	assert.Empty(t, answer)

	_, found, err = r.Query(context.Background(), "   ")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestQuery_CancelledContext(t *testing.T) {
	r := newTestResponder(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, _, err := r.Query(ctx, "hola")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestNew_NilKnowledgeBase(t *testing.T) {
	r := New(nil, nil)
	_, found, err := r.Query(context.Background(), "hola")
	require.NoError(t, err)
	assert.False(t, found, "no greeting configured")
}

func TestParseKnowledgeBase_Invalid(t *testing.T) {
	_, err := ParseKnowledgeBase([]byte("entries:\n  - keywords: [a]\n"))
	assert.Error(t, err)

	_, err = ParseKnowledgeBase([]byte("entries:\n  - answer: x\n"))
	assert.Error(t, err)

	_, err = ParseKnowledgeBase([]byte("entries: [unterminated"))
	assert.Error(t, err)
}

func TestLoadKnowledgeBase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kb.yaml")
	require.NoError(t, os.WriteFile(path, []byte(testKB), 0644))

	kb, err := LoadKnowledgeBase(path)
	require.NoError(t, err)
	assert.Len(t, kb.Entries, 4)

	_, err = LoadKnowledgeBase(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestKnowledgeBase_Formatted(t *testing.T) {
	kb, err := ParseKnowledgeBase([]byte(testKB))
	require.NoError(t, err)

	upper := kb.Formatted(strings.ToUpper)
	assert.Equal(t, "¡HOLA! ESCRIBÍ EL MODELO DE TU AUTO.", upper.Greeting)
	assert.Equal(t, "ATENDEMOS DE 9 A 18.", upper.Entries[0].Answer)
	assert.Equal(t, kb.Entries[0].Keywords, upper.Entries[0].Keywords)
	assert.Equal(t, "Atendemos de 9 a 18.", kb.Entries[0].Answer, "original untouched")
}
