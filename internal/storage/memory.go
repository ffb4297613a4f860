package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/haasonsaas/chatturn/pkg/models"
)

// MemoryStore provides an in-memory Store. Values are copied on the way in and
// out so callers never share state with the store.
type MemoryStore struct {
	mu          sync.RWMutex
	chats       map[string]*models.Chat
	messages    map[string][]*models.Message
	messageChat map[string]string
	documents   map[string][]*models.Document
	suggestions []*models.Suggestion
	votes       map[string]map[string]bool
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		chats:       make(map[string]*models.Chat),
		messages:    make(map[string][]*models.Message),
		messageChat: make(map[string]string),
		documents:   make(map[string][]*models.Document),
		votes:       make(map[string]map[string]bool),
	}
}

func (s *MemoryStore) Close() error { return nil }

func (s *MemoryStore) CreateChat(ctx context.Context, chat *models.Chat) error {
	if chat == nil || chat.ID == "" {
		return fmt.Errorf("chat is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.chats[chat.ID]; exists {
		return ErrAlreadyExists
	}
	c := *chat
	s.chats[chat.ID] = &c
	return nil
}

func (s *MemoryStore) GetChat(ctx context.Context, id string) (*models.Chat, error) {
	if id == "" {
		return nil, ErrNotFound
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	chat, ok := s.chats[id]
	if !ok {
		return nil, ErrNotFound
	}
	c := *chat
	return &c, nil
}

func (s *MemoryStore) ListChats(ctx context.Context, ownerID string, limit int) ([]*models.Chat, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	chats := make([]*models.Chat, 0)
	for _, chat := range s.chats {
		if chat.OwnerID != ownerID {
			continue
		}
		c := *chat
		chats = append(chats, &c)
	}
	sort.Slice(chats, func(i, j int) bool {
		if chats[i].UpdatedAt.Equal(chats[j].UpdatedAt) {
			return chats[i].ID < chats[j].ID
		}
		return chats[i].UpdatedAt.After(chats[j].UpdatedAt)
	})
	if limit > 0 && len(chats) > limit {
		chats = chats[:limit]
	}
	return chats, nil
}

func (s *MemoryStore) UpdateChatTitle(ctx context.Context, id, title string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	chat, ok := s.chats[id]
	if !ok {
		return ErrNotFound
	}
	chat.Title = title
	chat.UpdatedAt = at
	return nil
}

func (s *MemoryStore) DeleteChat(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.chats[id]; !ok {
		return ErrNotFound
	}
	for _, msg := range s.messages[id] {
		delete(s.messageChat, msg.ID)
	}
	delete(s.messages, id)
	delete(s.votes, id)
	delete(s.chats, id)
	return nil
}

func (s *MemoryStore) AppendMessages(ctx context.Context, messages []*models.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, msg := range messages {
		if msg == nil || msg.ID == "" {
			return fmt.Errorf("message id is required")
		}
		if _, ok := s.chats[msg.ChatID]; !ok {
			return fmt.Errorf("chat %s: %w", msg.ChatID, ErrNotFound)
		}
	}
	for _, msg := range messages {
		if _, exists := s.messageChat[msg.ID]; exists {
			continue
		}
		m := *msg
		m.Content = append(models.Content(nil), msg.Content...)
		s.messages[msg.ChatID] = append(s.messages[msg.ChatID], &m)
		s.messageChat[msg.ID] = msg.ChatID
	}
	return nil
}

func (s *MemoryStore) ListMessages(ctx context.Context, chatID string) ([]*models.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stored := s.messages[chatID]
	out := make([]*models.Message, 0, len(stored))
	for _, msg := range stored {
		m := *msg
		out = append(out, &m)
	}
	return out, nil
}

func (s *MemoryStore) InsertDocumentVersion(ctx context.Context, doc *models.Document) error {
	if doc == nil || doc.ID == "" {
		return fmt.Errorf("document is required")
	}
	d := *doc
	d.CreatedAt = models.VersionTime(doc.CreatedAt)

	s.mu.Lock()
	defer s.mu.Unlock()
	versions := s.documents[d.ID]
	if n := len(versions); n > 0 && !d.CreatedAt.After(versions[n-1].CreatedAt) {
		return ErrVersionConflict
	}
	s.documents[d.ID] = append(versions, &d)
	return nil
}

func (s *MemoryStore) GetDocument(ctx context.Context, id string) (*models.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	versions := s.documents[id]
	if len(versions) == 0 {
		return nil, ErrNotFound
	}
	d := *versions[len(versions)-1]
	return &d, nil
}

func (s *MemoryStore) ListDocumentVersions(ctx context.Context, id string) ([]*models.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	versions := s.documents[id]
	out := make([]*models.Document, 0, len(versions))
	for _, doc := range versions {
		d := *doc
		out = append(out, &d)
	}
	return out, nil
}

func (s *MemoryStore) DeleteDocumentVersionsAfter(ctx context.Context, id string, after time.Time) (int, error) {
	after = models.VersionTime(after)
	s.mu.Lock()
	defer s.mu.Unlock()

	versions := s.documents[id]
	kept := versions[:0]
	removed := 0
	for _, doc := range versions {
		if doc.CreatedAt.After(after) {
			removed++
			continue
		}
		kept = append(kept, doc)
	}
	if len(kept) == 0 {
		delete(s.documents, id)
	} else {
		s.documents[id] = kept
	}

	suggestions := s.suggestions[:0]
	for _, sg := range s.suggestions {
		if sg.DocumentID == id && sg.DocumentCreatedAt.After(after) {
			continue
		}
		suggestions = append(suggestions, sg)
	}
	s.suggestions = suggestions
	return removed, nil
}

func (s *MemoryStore) InsertSuggestions(ctx context.Context, suggestions []*models.Suggestion) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	seen := make(map[string]bool, len(s.suggestions))
	for _, sg := range s.suggestions {
		seen[sg.ID] = true
	}
	for _, sg := range suggestions {
		if sg == nil || sg.ID == "" {
			return fmt.Errorf("suggestion id is required")
		}
		if seen[sg.ID] {
			return ErrAlreadyExists
		}
		if !s.hasVersionLocked(sg.DocumentID, sg.DocumentCreatedAt) {
			return fmt.Errorf("document %s version: %w", sg.DocumentID, ErrNotFound)
		}
		seen[sg.ID] = true
	}
	for _, sg := range suggestions {
		c := *sg
		c.DocumentCreatedAt = models.VersionTime(sg.DocumentCreatedAt)
		s.suggestions = append(s.suggestions, &c)
	}
	return nil
}

func (s *MemoryStore) hasVersionLocked(id string, at time.Time) bool {
	at = models.VersionTime(at)
	for _, doc := range s.documents[id] {
		if doc.CreatedAt.Equal(at) {
			return true
		}
	}
	return false
}

func (s *MemoryStore) ListSuggestions(ctx context.Context, documentID string) ([]*models.Suggestion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*models.Suggestion, 0)
	for _, sg := range s.suggestions {
		if sg.DocumentID == documentID {
			c := *sg
			out = append(out, &c)
		}
	}
	return out, nil
}

func (s *MemoryStore) ResolveSuggestion(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sg := range s.suggestions {
		if sg.ID == id {
			sg.IsResolved = true
			return nil
		}
	}
	return ErrNotFound
}

func (s *MemoryStore) VoteMessage(ctx context.Context, vote models.Vote) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if chatID, ok := s.messageChat[vote.MessageID]; !ok || chatID != vote.ChatID {
		return fmt.Errorf("message %s: %w", vote.MessageID, ErrNotFound)
	}
	if s.votes[vote.ChatID] == nil {
		s.votes[vote.ChatID] = make(map[string]bool)
	}
	s.votes[vote.ChatID][vote.MessageID] = vote.IsUpvoted
	return nil
}

func (s *MemoryStore) ListVotes(ctx context.Context, chatID string) ([]models.Vote, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	votes := make([]models.Vote, 0, len(s.votes[chatID]))
	for messageID, up := range s.votes[chatID] {
		votes = append(votes, models.Vote{ChatID: chatID, MessageID: messageID, IsUpvoted: up})
	}
	sort.Slice(votes, func(i, j int) bool { return votes[i].MessageID < votes[j].MessageID })
	return votes, nil
}

var _ Store = (*MemoryStore)(nil)
