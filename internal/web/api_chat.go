package web

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/haasonsaas/chatturn/internal/agent"
	"github.com/haasonsaas/chatturn/internal/apierr"
	"github.com/haasonsaas/chatturn/internal/canonical"
	"github.com/haasonsaas/chatturn/internal/observability"
	"github.com/haasonsaas/chatturn/internal/sessions"
	"github.com/haasonsaas/chatturn/internal/stream"
	"github.com/haasonsaas/chatturn/pkg/models"
)

// ChatRequest is the body of POST /api/chat.
type ChatRequest struct {
	ID       string        `json:"id"`
	Messages []ChatMessage `json:"messages"`
	ModelID  string        `json:"modelId"`
	// SystemPrompt replaces the configured system prompt for this turn.
	SystemPrompt string `json:"systemPrompt,omitempty"`
}

// ChatMessage is one client-side message. Content may be plain text or any
// shape the canonicalizer accepts.
type ChatMessage struct {
	ID      string          `json:"id,omitempty"`
	Role    models.Role     `json:"role"`
	Content json.RawMessage `json:"content"`
}

func (m ChatMessage) valid() bool {
	switch m.Role {
	case models.RoleUser, models.RoleAssistant, models.RoleSystem, models.RoleTool:
		return true
	}
	return false
}

// apiChat handles POST /api/chat: it resolves the chat, persists the newest
// user message and streams one turn back.
func (h *Handler) apiChat(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req ChatRequest
	if err := h.decodeJSON(w, r, &req); err != nil || strings.TrimSpace(req.ID) == "" || req.Messages == nil {
		writeText(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	for _, msg := range req.Messages {
		if !msg.valid() {
			writeText(w, http.StatusBadRequest, "Invalid request body")
			return
		}
	}

	user, ok := h.requireUser(w, r)
	if !ok {
		return
	}
	ctx = observability.AddUserID(observability.AddChatID(ctx, req.ID), user.ID)

	orchestrator := h.config.Orchestrator
	if orchestrator == nil {
		writeText(w, http.StatusServiceUnavailable, "No model provider configured")
		return
	}
	if _, _, ok := orchestrator.Catalog().Resolve(req.ModelID); !ok {
		writeText(w, http.StatusNotFound, "Model not found")
		return
	}

	history := canonicalHistory(req.ID, req.Messages)
	if len(history) == 0 {
		writeText(w, http.StatusBadRequest, "No user message found")
		return
	}
	userMessage := history[len(history)-1]

	if _, err := h.config.Sessions.Resolve(ctx, sessions.ResolveRequest{
		ChatID:       req.ID,
		UserID:       user.ID,
		FirstMessage: canonical.Flatten(userMessage.Content),
	}); err != nil {
		h.writeError(w, r, err)
		return
	}

	if result := h.config.Writer.SaveMessages(ctx, []*models.Message{userMessage}); !result.OK() {
		h.writeError(w, r, apierr.Persistence(result.Err))
		return
	}

	system := strings.TrimSpace(req.SystemPrompt)
	if system == "" {
		system = h.config.Prompts.Current().System()
	}

	turn, err := orchestrator.Run(ctx, &agent.TurnRequest{
		ChatID:  req.ID,
		UserID:  user.ID,
		Model:   req.ModelID,
		System:  system,
		History: history,
	})
	if err != nil {
		h.writeError(w, r, classifyTurnError(err))
		return
	}

	writer, err := h.streamWriter(w, r)
	if err != nil {
		turn.Abandon()
		turn.Wait()
		h.writeError(w, r, err)
		return
	}
	if err := stream.Pump(ctx, turn, writer, h.config.HeartbeatInterval); err != nil {
		h.logger.InfoContext(ctx, "client stopped reading", "chat_id", req.ID, "error", err)
	}

	// Persistence may outlive the stream but not the request.
	result := turn.Wait()
	if !result.Persist.OK() && result.Persist.Err != nil {
		h.logger.WarnContext(ctx, "turn output not persisted",
			"chat_id", req.ID,
			"turn_id", result.TurnID,
			"attempts", result.Persist.Attempts,
			"error", result.Persist.Err,
		)
	}
}

// streamWriter picks plain text when the client asks for it, else SSE.
func (h *Handler) streamWriter(w http.ResponseWriter, r *http.Request) (stream.Writer, error) {
	if r.URL.Query().Get("format") == "text" || strings.HasPrefix(r.Header.Get("Accept"), "text/plain") {
		return stream.NewTextWriter(w), nil
	}
	writer, err := stream.NewSSEWriter(w)
	if errors.Is(err, stream.ErrStreamingUnsupported) {
		return stream.NewTextWriter(w), nil
	}
	return writer, err
}

// canonicalHistory converts client messages up to and including the most
// recent user message. It returns nil when there is no user message.
func canonicalHistory(chatID string, messages []ChatMessage) []*models.Message {
	last := -1
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == models.RoleUser {
			last = i
			break
		}
	}
	if last < 0 {
		return nil
	}
	history := make([]*models.Message, 0, last+1)
	for _, msg := range messages[:last+1] {
		m := canonical.Message(chatID, msg.Role, json.RawMessage(msg.Content))
		if msg.ID != "" {
			m.ID = msg.ID
		}
		history = append(history, m)
	}
	return history
}

func classifyTurnError(err error) error {
	switch {
	case errors.Is(err, agent.ErrUnknownModel):
		return apierr.New(apierr.KindNotFound, "Model not found", err)
	case errors.Is(err, agent.ErrInvalidTurn):
		return apierr.New(apierr.KindValidation, "Invalid request body", err)
	case errors.Is(err, agent.ErrNoProvider):
		return apierr.ModelTransport(err)
	}
	return err
}

// apiChatDelete handles DELETE /api/chat?id=.
func (h *Handler) apiChatDelete(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.URL.Query().Get("id"))
	if id == "" {
		writeText(w, http.StatusNotFound, "Not Found")
		return
	}
	user, ok := h.requireUser(w, r)
	if !ok {
		return
	}
	if err := h.config.Sessions.Delete(r.Context(), id, user.ID); err != nil {
		h.writeError(w, r, err)
		return
	}
	writeText(w, http.StatusOK, "Chat deleted")
}

// apiChatGet handles GET /api/chat/{id}.
func (h *Handler) apiChatGet(w http.ResponseWriter, r *http.Request) {
	user, ok := h.requireUser(w, r)
	if !ok {
		return
	}
	view, err := h.config.Sessions.Get(r.Context(), r.PathValue("id"), user.ID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, view)
}

type titleRequest struct {
	Title string `json:"title"`
}

// apiChatTitle handles PUT /api/chat/{id}/title.
func (h *Handler) apiChatTitle(w http.ResponseWriter, r *http.Request) {
	user, ok := h.requireUser(w, r)
	if !ok {
		return
	}
	var req titleRequest
	if err := h.decodeJSON(w, r, &req); err != nil {
		writeText(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	chat, err := h.config.Sessions.Rename(r.Context(), r.PathValue("id"), user.ID, req.Title)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, chat)
}

// apiHistory handles GET /api/history.
func (h *Handler) apiHistory(w http.ResponseWriter, r *http.Request) {
	user, ok := h.requireUser(w, r)
	if !ok {
		return
	}
	chats, err := h.config.Sessions.List(r.Context(), user.ID, queryLimit(r, sessions.DefaultListLimit))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if chats == nil {
		chats = []*models.Chat{}
	}
	h.writeJSON(w, http.StatusOK, chats)
}

type modelsResponse struct {
	Default string        `json:"default"`
	Models  []agent.Model `json:"models"`
}

// apiModels handles GET /api/models.
func (h *Handler) apiModels(w http.ResponseWriter, r *http.Request) {
	resp := modelsResponse{Models: []agent.Model{}}
	if o := h.config.Orchestrator; o != nil {
		resp.Default = o.Catalog().Default()
		resp.Models = append(resp.Models, o.Catalog().Models()...)
	}
	h.writeJSON(w, http.StatusOK, resp)
}
