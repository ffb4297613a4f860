// Package storage persists chats, messages, document versions, suggestions and
// votes. Backends: in-memory, Postgres (lib/pq) and SQLite (modernc).
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/haasonsaas/chatturn/pkg/models"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")

	// ErrVersionConflict is returned when a document version is not strictly later
	// than the latest stored version for the same id.
	ErrVersionConflict = errors.New("document version conflict")
)

// ChatStore persists chat records.
type ChatStore interface {
	CreateChat(ctx context.Context, chat *models.Chat) error
	GetChat(ctx context.Context, id string) (*models.Chat, error)
	ListChats(ctx context.Context, ownerID string, limit int) ([]*models.Chat, error)
	UpdateChatTitle(ctx context.Context, id, title string, at time.Time) error
	// DeleteChat removes the chat together with its messages and votes.
	DeleteChat(ctx context.Context, id string) error
}

// MessageStore persists chat messages. AppendMessages ignores messages whose id
// is already stored, so a retried batch never duplicates rows.
type MessageStore interface {
	AppendMessages(ctx context.Context, messages []*models.Message) error
	ListMessages(ctx context.Context, chatID string) ([]*models.Message, error)
}

// DocumentStore persists versioned documents.
type DocumentStore interface {
	InsertDocumentVersion(ctx context.Context, doc *models.Document) error
	GetDocument(ctx context.Context, id string) (*models.Document, error)
	ListDocumentVersions(ctx context.Context, id string) ([]*models.Document, error)
	// DeleteDocumentVersionsAfter removes versions created strictly after the given
	// time and the suggestions attached to them.
	DeleteDocumentVersionsAfter(ctx context.Context, id string, after time.Time) (int, error)
}

// SuggestionStore persists suggestions tied to a document version.
type SuggestionStore interface {
	InsertSuggestions(ctx context.Context, suggestions []*models.Suggestion) error
	ListSuggestions(ctx context.Context, documentID string) ([]*models.Suggestion, error)
	ResolveSuggestion(ctx context.Context, id string) error
}

// VoteStore persists message votes.
type VoteStore interface {
	VoteMessage(ctx context.Context, vote models.Vote) error
	ListVotes(ctx context.Context, chatID string) ([]models.Vote, error)
}

// Store groups every storage dependency.
type Store interface {
	ChatStore
	MessageStore
	DocumentStore
	SuggestionStore
	VoteStore
	Close() error
}
