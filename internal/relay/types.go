// ABOUTME: Messages, actions, collaborator interfaces and errors for the hybrid router
// ABOUTME: The router only returns actions; delivery belongs to whoever implements Sink

package relay

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/2389/coven-relay/internal/inactivity"
	"github.com/2389/coven-relay/internal/store"
)

// ErrInvalidMessage is returned for messages that cannot be routed at all
var ErrInvalidMessage = errors.New("invalid message")

// RoutingError reports that an operator topic could not be created for a
// user. The user-facing flow still continues on a best-effort basis.
type RoutingError struct {
	UserID string
	Err    error
}

func (e *RoutingError) Error() string {
	return fmt.Sprintf("routing %s: %v", e.UserID, e.Err)
}

func (e *RoutingError) Unwrap() error {
	return e.Err
}

// InboundMessage is a message from an end user.
type InboundMessage struct {
	UserID      string
	DisplayName string
	Text        string
	MessageID   string // channel message id, used for dedupe upstream
	ButtonID    string // set when the user pressed an interactive button
}

// OperatorMessage is a message posted by an operator in the operator group.
type OperatorMessage struct {
	TopicID int64 // 0 is the group's general thread
	Author  string
	Text    string
}

// Button is an interactive reply button offered to the user.
type Button struct {
	ID    string
	Title string
}

// OutboundMessage is what a Sink delivers.
type OutboundMessage struct {
	Text    string
	Buttons []Button
	Silent  bool // deliver without a notification where the channel supports it
}

// ActionKind identifies what an Action asks the caller to do
type ActionKind string

const (
	ActionSendToUser      ActionKind = "send_to_user"
	ActionSendToThread    ActionKind = "send_to_thread"
	ActionNotifyOperators ActionKind = "notify_operators" // general thread of the operator group
	ActionAlertThread     ActionKind = "alert_thread"     // reopen the topic and notify
)

// Action is one delivery the caller must perform.
type Action struct {
	Kind    ActionKind
	UserID  string
	TopicID int64
	Message OutboundMessage
}

// Result describes what routing decided for one message.
type Result struct {
	UserID  string
	TopicID int64
	Mode    store.Mode
	Demoted bool
	Actions []Action
}

func (r *Result) add(a Action) {
	r.Actions = append(r.Actions, a)
}

// Sink delivers actions to the two chat platforms.
type Sink interface {
	SendToUser(ctx context.Context, userID string, msg OutboundMessage) error
	SendToThread(ctx context.Context, topicID int64, msg OutboundMessage) error
	ReopenThread(ctx context.Context, topicID int64) error
}

// Responder answers user messages automatically.
// found is false when there is no answer; that is not an error.
type Responder interface {
	Query(ctx context.Context, text string) (answer string, found bool, err error)
}

// TopicRegistry maps users to operator topics.
type TopicRegistry interface {
	EnsureTopic(ctx context.Context, userID, displayName string) (int64, error)
	Resolve(ctx context.Context, topicID int64) (string, error)
}

// ConversationStore is what the router needs from storage.
type ConversationStore interface {
	GetOrCreateConversation(ctx context.Context, userID, displayName string) (*store.Conversation, bool, error)
	GetConversation(ctx context.Context, userID string) (*store.Conversation, error)
	UpdateConversation(ctx context.Context, userID string, mutate store.Mutator) (*store.Conversation, error)
	ListConversations(ctx context.Context, filter store.ConversationFilter) ([]*store.Conversation, error)
	SaveEvent(ctx context.Context, event *store.LedgerEvent) error
}

// ReturnToBotButtonID is the button id that hands a conversation back to the bot.
const ReturnToBotButtonID = "btn_return_bot"

// MaxButtonBodyLen is the longest body WhatsApp accepts on a button message.
const MaxButtonBodyLen = 1024

// Policy holds the channel-defined behaviour around the state machine.
type Policy struct {
	// HumanTimeout is the inactivity window after which human mode ends.
	HumanTimeout time.Duration

	// FallbackMessage is sent to the user when the responder has no answer.
	// Empty sends nothing.
	FallbackMessage string

	// EscalateOnNoAnswer reopens the user's topic with a notification when
	// the responder has no answer. The mode does not change.
	EscalateOnNoAnswer bool

	// NotifyOnDemotion posts a notice in the topic when a conversation
	// returns to the bot after inactivity.
	NotifyOnDemotion bool

	// WelcomeMessage is sent on operator outreach; {name} is replaced.
	WelcomeMessage string

	// ReturnButton is attached to operator replies.
	ReturnButton Button

	// ReleaseConfirmation is sent to the user when the conversation goes back to the bot.
	ReleaseConfirmation string
}

// DefaultPolicy returns the stock policy.
func DefaultPolicy() Policy {
	return Policy{
		HumanTimeout:        inactivity.DefaultWindow,
		FallbackMessage:     "😕 No encontré una respuesta. Un asesor va a leer tu mensaje.",
		NotifyOnDemotion:    true,
		WelcomeMessage:      "Hola {name}! 👋 Gracias por contactarnos.",
		ReturnButton:        Button{ID: ReturnToBotButtonID, Title: "🤖 Volver al Bot"},
		ReleaseConfirmation: "🤖 Volviste al asistente automático. Escribí tu consulta cuando quieras.",
	}
}
