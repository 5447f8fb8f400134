// ABOUTME: Admin HTTP API for inspecting conversations and steering their mode
// ABOUTME: Read endpoints need any valid token; release and outreach need the admin role

package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/2389/coven-relay/internal/auth"
	"github.com/2389/coven-relay/internal/relay"
	"github.com/2389/coven-relay/internal/store"
)

const (
	defaultListLimit = 100
	maxListLimit     = 1000
	transcriptLimit  = 50
)

// ConversationResponse is the JSON form of a conversation.
type ConversationResponse struct {
	UserID              string     `json:"user_id"`
	DisplayName         string     `json:"display_name"`
	Mode                string     `json:"mode"`
	TopicID             int64      `json:"topic_id,omitempty"`
	LastHumanActivityAt *time.Time `json:"last_human_activity_at,omitempty"`
	CreatedAt           time.Time  `json:"created_at"`
	UpdatedAt           time.Time  `json:"updated_at"`
}

// EventResponse is the JSON form of a ledger event.
type EventResponse struct {
	ID        string    `json:"id"`
	TopicID   int64     `json:"topic_id,omitempty"`
	Direction string    `json:"direction"`
	Author    string    `json:"author"`
	Timestamp time.Time `json:"timestamp"`
	Type      string    `json:"type"`
	Text      *string   `json:"text,omitempty"`
}

// ConversationDetailResponse is the JSON response for GET /api/conversations/{user_id}.
type ConversationDetailResponse struct {
	ConversationResponse
	Events []EventResponse `json:"events"`
}

// OutreachRequest is the JSON request body for POST /api/conversations/{user_id}/outreach.
type OutreachRequest struct {
	Name string `json:"name"`
}

// ActionResponse reports the outcome of a release or outreach.
type ActionResponse struct {
	UserID  string `json:"user_id"`
	Mode    string `json:"mode"`
	TopicID int64  `json:"topic_id,omitempty"`
	Warning string `json:"warning,omitempty"`
}

func (g *Gateway) registerAPIRoutes(api *mux.Router) {
	api.Use(mux.MiddlewareFunc(auth.HTTPAuthMiddleware(g.verifier)))
	adminOnly := auth.RequireAdminHTTP()

	api.HandleFunc("/conversations", g.handleListConversations).Methods(http.MethodGet)
	api.HandleFunc("/conversations/{user_id}", g.handleGetConversation).Methods(http.MethodGet)
	api.Handle("/conversations/{user_id}/release", adminOnly(http.HandlerFunc(g.handleRelease))).Methods(http.MethodPost)
	api.Handle("/conversations/{user_id}/outreach", adminOnly(http.HandlerFunc(g.handleOutreach))).Methods(http.MethodPost)
}

// handleListConversations returns conversations, most recently updated first.
// Supports ?mode=bot|human and ?limit=N.
func (g *Gateway) handleListConversations(w http.ResponseWriter, r *http.Request) {
	filter := store.ConversationFilter{Limit: defaultListLimit}

	if m := r.URL.Query().Get("mode"); m != "" {
		mode := store.Mode(m)
		if mode != store.ModeBot && mode != store.ModeHuman {
			g.sendJSONError(w, http.StatusBadRequest, "mode must be bot or human")
			return
		}
		filter.Mode = &mode
	}
	if l := r.URL.Query().Get("limit"); l != "" {
		n, err := strconv.Atoi(l)
		if err != nil || n <= 0 {
			g.sendJSONError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		filter.Limit = min(n, maxListLimit)
	}

	convs, err := g.store.ListConversations(r.Context(), filter)
	if err != nil {
		g.logger.Error("failed to list conversations", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	response := make([]ConversationResponse, 0, len(convs))
	for _, c := range convs {
		response = append(response, toConversationResponse(c))
	}
	g.sendJSON(w, http.StatusOK, response)
}

// handleGetConversation returns one conversation with its recent transcript.
func (g *Gateway) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["user_id"]

	conv, err := g.store.GetConversation(r.Context(), userID)
	if errors.Is(err, store.ErrNotFound) {
		g.sendJSONError(w, http.StatusNotFound, "conversation not found")
		return
	}
	if err != nil {
		g.logger.Error("failed to get conversation", "user_id", userID, "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	events, err := g.store.ListEvents(r.Context(), userID, transcriptLimit)
	if err != nil {
		g.logger.Error("failed to list events", "user_id", userID, "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	response := ConversationDetailResponse{
		ConversationResponse: toConversationResponse(conv),
		Events:               make([]EventResponse, 0, len(events)),
	}
	for _, e := range events {
		response.Events = append(response.Events, EventResponse{
			ID:        e.ID,
			TopicID:   e.TopicID,
			Direction: string(e.Direction),
			Author:    e.Author,
			Timestamp: e.Timestamp,
			Type:      string(e.Type),
			Text:      e.Text,
		})
	}
	g.sendJSON(w, http.StatusOK, response)
}

// handleRelease hands a conversation back to the bot.
func (g *Gateway) handleRelease(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["user_id"]
	actor := "admin:" + auth.FromContext(r.Context()).Subject

	res, err := g.router.ReleaseToBot(r.Context(), userID, actor)
	if errors.Is(err, store.ErrNotFound) {
		g.sendJSONError(w, http.StatusNotFound, "conversation not found")
		return
	}
	if err != nil {
		g.logger.Error("failed to release conversation", "user_id", userID, "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	g.logger.Info("conversation released via admin API", "user_id", userID, "actor", actor)
	g.sendJSON(w, http.StatusOK, g.dispatchForAPI(r, res))
}

// handleOutreach opens a conversation and greets the user.
func (g *Gateway) handleOutreach(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["user_id"]
	actor := "admin:" + auth.FromContext(r.Context()).Subject

	var req OutreachRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			g.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
	}

	res, err := g.router.Outreach(r.Context(), userID, req.Name, actor)
	var routingErr *relay.RoutingError
	switch {
	case err == nil:
	case errors.Is(err, relay.ErrInvalidMessage):
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	case errors.As(err, &routingErr):
		g.sendJSONError(w, http.StatusBadGateway, "could not create operator topic")
		return
	default:
		g.logger.Error("outreach failed", "user_id", userID, "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	g.sendJSON(w, http.StatusOK, g.dispatchForAPI(r, res))
}

// dispatchForAPI delivers res and reports partial delivery as a warning;
// the state change already happened.
func (g *Gateway) dispatchForAPI(r *http.Request, res *relay.Result) ActionResponse {
	out := ActionResponse{UserID: res.UserID, Mode: string(res.Mode), TopicID: res.TopicID}
	if err := g.dispatcher.Dispatch(r.Context(), res); err != nil {
		g.recordDeliveryFailure(r.Context(), res.UserID, res.TopicID, err)
		out.Warning = "some notifications were not delivered"
	}
	return out
}

func toConversationResponse(c *store.Conversation) ConversationResponse {
	return ConversationResponse{
		UserID:              c.UserID,
		DisplayName:         c.DisplayName,
		Mode:                string(c.Mode),
		TopicID:             c.TopicID,
		LastHumanActivityAt: c.LastHumanActivityAt,
		CreatedAt:           c.CreatedAt,
		UpdatedAt:           c.UpdatedAt,
	}
}

func (g *Gateway) sendJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		g.logger.Warn("failed to encode response", "error", err)
	}
}

// sendJSONError writes a JSON error response with the given status code and message.
func (g *Gateway) sendJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}
