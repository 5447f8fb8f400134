// ABOUTME: Automated responder answering user messages from a YAML knowledge base
// ABOUTME: Greeting keywords get the configured greeting; other text is matched by keyword score

package responder

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
	"gopkg.in/yaml.v3"
)

// DefaultGreetingKeywords trigger the greeting when they are the whole message.
var DefaultGreetingKeywords = []string{"hola", "start", "menu", "inicio", "hi"}

// Entry is one knowledge base answer and the keywords that select it.
type Entry struct {
	Keywords []string `yaml:"keywords"`
	Answer   string   `yaml:"answer"`
}

// KnowledgeBase is the on-disk answer set.
type KnowledgeBase struct {
	Greeting         string   `yaml:"greeting"`
	GreetingKeywords []string `yaml:"greeting_keywords"`
	Entries          []Entry  `yaml:"entries"`
}

// LoadKnowledgeBase reads a knowledge base from a YAML file.
func LoadKnowledgeBase(path string) (*KnowledgeBase, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading knowledge base: %w", err)
	}
	return ParseKnowledgeBase(data)
}

// ParseKnowledgeBase decodes and validates YAML knowledge base content.
func ParseKnowledgeBase(data []byte) (*KnowledgeBase, error) {
	var kb KnowledgeBase
	if err := yaml.Unmarshal(data, &kb); err != nil {
		return nil, fmt.Errorf("parsing knowledge base: %w", err)
	}
	for i, e := range kb.Entries {
		if strings.TrimSpace(e.Answer) == "" {
			return nil, fmt.Errorf("knowledge base entry %d has no answer", i)
		}
		if len(e.Keywords) == 0 {
			return nil, fmt.Errorf("knowledge base entry %d has no keywords", i)
		}
	}
	return &kb, nil
}

// Formatted returns a copy of kb with the greeting and every answer passed
// through format, e.g. to turn Markdown into channel markup.
func (kb *KnowledgeBase) Formatted(format func(string) string) *KnowledgeBase {
	out := &KnowledgeBase{
		Greeting:         format(kb.Greeting),
		GreetingKeywords: kb.GreetingKeywords,
		Entries:          make([]Entry, len(kb.Entries)),
	}
	for i, e := range kb.Entries {
		out.Entries[i] = Entry{Keywords: e.Keywords, Answer: format(e.Answer)}
	}
	return out
}

// Responder answers from a KnowledgeBase. It is safe for concurrent use.
type Responder struct {
	greeting  string
	greetings map[string]bool
	entries   []indexedEntry
	logger    *slog.Logger
}

type indexedEntry struct {
	keywords []string
	answer   string
}

// New builds a Responder. A nil kb yields a responder that only greets
// when greeting is non-empty.
func New(kb *KnowledgeBase, logger *slog.Logger) *Responder {
	if logger == nil {
		logger = slog.Default()
	}
	if kb == nil {
		kb = &KnowledgeBase{}
	}

	keywords := kb.GreetingKeywords
	if len(keywords) == 0 {
		keywords = DefaultGreetingKeywords
	}
	greetings := make(map[string]bool, len(keywords))
	for _, k := range keywords {
		greetings[normalize(k)] = true
	}

	entries := make([]indexedEntry, 0, len(kb.Entries))
	for _, e := range kb.Entries {
		ie := indexedEntry{answer: e.Answer}
		for _, k := range e.Keywords {
			if nk := normalize(k); nk != "" {
				ie.keywords = append(ie.keywords, nk)
			}
		}
		entries = append(entries, ie)
	}

	return &Responder{
		greeting:  kb.Greeting,
		greetings: greetings,
		entries:   entries,
		logger:    logger.With("component", "responder"),
	}
}

// Query returns the best answer for text. found is false when nothing
// matched; that is a normal outcome, not an error.
func (r *Responder) Query(ctx context.Context, text string) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, err
	}

	q := normalize(text)
	if q == "" {
		return "", false, nil
	}

	if r.greetings[q] && r.greeting != "" {
		return r.greeting, true, nil
	}

	words := strings.Fields(q)
	best, bestScore := -1, 0
	for i, e := range r.entries {
		score := 0
		for _, k := range e.keywords {
			if matches(q, words, k) {
				score++
			}
		}
		if score > bestScore {
			best, bestScore = i, score
		}
	}

	if best < 0 {
		r.logger.Debug("no answer", "query", q)
		return "", false, nil
	}
	return r.entries[best].answer, true, nil
}

// matches reports whether keyword appears in the query. Multi-word
// keywords match as substrings, single words must match a whole word.
func matches(q string, words []string, keyword string) bool {
	if strings.Contains(keyword, " ") {
		return strings.Contains(q, keyword)
	}
	for _, w := range words {
		if w == keyword {
			return true
		}
	}
	return false
}

// normalize lowercases, strips accents and punctuation, and collapses spaces.
func normalize(s string) string {
	// chained transformers keep state, so each call builds its own
	fold := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	folded, _, err := transform.String(fold, s)
	if err != nil {
		folded = s
	}
	folded = strings.ToLower(folded)

	var b strings.Builder
	for _, r := range folded {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
		default:
			b.WriteRune(' ')
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}
