// Package sessions resolves the chat a turn belongs to: it creates chats on
// first use, enforces ownership and serves the chat management operations.
package sessions

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/haasonsaas/chatturn/internal/apierr"
	"github.com/haasonsaas/chatturn/internal/persist"
	"github.com/haasonsaas/chatturn/internal/storage"
	"github.com/haasonsaas/chatturn/pkg/models"
)

// DefaultSummarizeTimeout bounds title generation for a new chat.
const DefaultSummarizeTimeout = 10 * time.Second

// DefaultListLimit is the history page size when none is given.
const DefaultListLimit = 50

// Summarizer produces a chat title from the first user message.
type Summarizer interface {
	Summarize(ctx context.Context, text string) (string, error)
}

// ResolveRequest identifies the chat a turn targets.
type ResolveRequest struct {
	ChatID string
	UserID string
	// Title is used as is when set.
	Title string
	// FirstMessage is summarized into a title when Title is empty.
	FirstMessage string
}

// Resolution is the outcome of Resolve.
type Resolution struct {
	Chat    *models.Chat
	Created bool
}

// ChatView is a chat with its transcript.
type ChatView struct {
	Chat     *models.Chat      `json:"chat"`
	Messages []*models.Message `json:"messages"`
	Votes    []models.Vote     `json:"votes"`
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithSummarizer enables model-generated titles.
func WithSummarizer(s Summarizer, timeout time.Duration) Option {
	return func(r *Resolver) {
		r.summarizer = s
		if timeout > 0 {
			r.summarizeTimeout = timeout
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Resolver) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithClock overrides the clock.
func WithClock(now func() time.Time) Option {
	return func(r *Resolver) {
		if now != nil {
			r.now = now
		}
	}
}

// Resolver owns chat lifecycle and ownership checks.
type Resolver struct {
	store            storage.Store
	writer           *persist.Writer
	summarizer       Summarizer
	summarizeTimeout time.Duration
	logger           *slog.Logger
	now              func() time.Time
}

// NewResolver creates a resolver. Chat creation goes through writer so it is
// retried like every other write.
func NewResolver(store storage.Store, writer *persist.Writer, opts ...Option) *Resolver {
	r := &Resolver{
		store:            store,
		writer:           writer,
		summarizeTimeout: DefaultSummarizeTimeout,
		logger:           slog.Default(),
		now:              time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With("component", "sessions")
	return r
}

// Resolve returns the chat req targets, creating it when absent. A chat owned
// by someone else is an auth error, never not-found.
func (r *Resolver) Resolve(ctx context.Context, req ResolveRequest) (*Resolution, error) {
	if strings.TrimSpace(req.UserID) == "" {
		return nil, apierr.Unauthorized("Unauthorized")
	}
	if strings.TrimSpace(req.ChatID) == "" {
		return nil, apierr.Validation("chat id is required")
	}

	chat, err := r.owned(ctx, req.ChatID, req.UserID)
	if err == nil {
		return &Resolution{Chat: chat}, nil
	}
	if !apierr.Is(err, apierr.KindNotFound) {
		return nil, err
	}

	now := r.now()
	chat = &models.Chat{
		ID:        req.ChatID,
		OwnerID:   req.UserID,
		Title:     r.title(ctx, req),
		CreatedAt: now,
		UpdatedAt: now,
	}
	result := r.writer.SaveChat(ctx, chat)
	switch {
	case result.OK():
		r.logger.InfoContext(ctx, "chat created", "chat_id", chat.ID, "user_id", chat.OwnerID)
		return &Resolution{Chat: chat, Created: true}, nil
	case errors.Is(result.Err, storage.ErrAlreadyExists):
		// Lost a create race; the winner's record decides ownership.
		existing, err := r.owned(ctx, req.ChatID, req.UserID)
		if err != nil {
			return nil, err
		}
		return &Resolution{Chat: existing}, nil
	default:
		return nil, apierr.Persistence(result.Err)
	}
}

// title picks the title of a new chat: the supplied one, a summary, or the
// fallback derived from the first message.
func (r *Resolver) title(ctx context.Context, req ResolveRequest) string {
	if title := clampTitle(req.Title); title != "" {
		return title
	}
	if r.summarizer != nil && strings.TrimSpace(req.FirstMessage) != "" {
		sctx, cancel := context.WithTimeout(ctx, r.summarizeTimeout)
		title, err := r.summarizer.Summarize(sctx, req.FirstMessage)
		cancel()
		if err == nil {
			if title = clampTitle(title); title != "" {
				return title
			}
		} else {
			r.logger.WarnContext(ctx, "title generation failed, using fallback", "chat_id", req.ChatID, "error", err)
		}
	}
	return FallbackTitle(req.FirstMessage)
}

// owned loads a chat and checks that userID owns it.
func (r *Resolver) owned(ctx context.Context, chatID, userID string) (*models.Chat, error) {
	chat, err := r.store.GetChat(ctx, chatID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, apierr.NotFound("Chat not found")
	}
	if err != nil {
		return nil, apierr.Persistence(err)
	}
	if !chat.OwnedBy(userID) {
		return nil, apierr.Unauthorized("Unauthorized")
	}
	return chat, nil
}

// Get returns a chat with its messages and votes.
func (r *Resolver) Get(ctx context.Context, chatID, userID string) (*ChatView, error) {
	chat, err := r.owned(ctx, chatID, userID)
	if err != nil {
		return nil, err
	}
	messages, err := r.store.ListMessages(ctx, chatID)
	if err != nil {
		return nil, apierr.Persistence(err)
	}
	votes, err := r.store.ListVotes(ctx, chatID)
	if err != nil {
		return nil, apierr.Persistence(err)
	}
	return &ChatView{Chat: chat, Messages: messages, Votes: votes}, nil
}

// List returns the user's chats, most recently updated first.
func (r *Resolver) List(ctx context.Context, userID string, limit int) ([]*models.Chat, error) {
	if userID == "" {
		return nil, apierr.Unauthorized("Unauthorized")
	}
	if limit <= 0 {
		limit = DefaultListLimit
	}
	chats, err := r.store.ListChats(ctx, userID, limit)
	if err != nil {
		return nil, apierr.Persistence(err)
	}
	return chats, nil
}

// Rename replaces a chat's title.
func (r *Resolver) Rename(ctx context.Context, chatID, userID, title string) (*models.Chat, error) {
	title = clampTitle(title)
	if title == "" {
		return nil, apierr.Validation("title is required")
	}
	chat, err := r.owned(ctx, chatID, userID)
	if err != nil {
		return nil, err
	}
	now := r.now()
	if err := r.store.UpdateChatTitle(ctx, chatID, title, now); err != nil {
		return nil, apierr.Persistence(err)
	}
	chat.Title = title
	chat.UpdatedAt = now
	return chat, nil
}

// Delete removes a chat with its messages and votes.
func (r *Resolver) Delete(ctx context.Context, chatID, userID string) error {
	if _, err := r.owned(ctx, chatID, userID); err != nil {
		return err
	}
	if err := r.store.DeleteChat(ctx, chatID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return apierr.NotFound("Chat not found")
		}
		return apierr.Persistence(err)
	}
	r.logger.InfoContext(ctx, "chat deleted", "chat_id", chatID, "user_id", userID)
	return nil
}

// Vote records the user's rating of a message in one of their chats.
func (r *Resolver) Vote(ctx context.Context, userID string, vote models.Vote) error {
	if vote.ChatID == "" || vote.MessageID == "" {
		return apierr.Validation("chatId and messageId are required")
	}
	if _, err := r.owned(ctx, vote.ChatID, userID); err != nil {
		return err
	}
	if err := r.store.VoteMessage(ctx, vote); err != nil {
		return apierr.Persistence(err)
	}
	return nil
}
