package sessions

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/haasonsaas/chatturn/internal/apierr"
	"github.com/haasonsaas/chatturn/internal/persist"
	"github.com/haasonsaas/chatturn/internal/storage"
	"github.com/haasonsaas/chatturn/pkg/models"
)

type stubSummarizer struct {
	title string
	err   error
	calls int
}

func (s *stubSummarizer) Summarize(ctx context.Context, text string) (string, error) {
	s.calls++
	return s.title, s.err
}

// racingStore simulates another request creating the chat between the
// resolver's read and its insert.
type racingStore struct {
	*storage.MemoryStore
	winner *models.Chat
}

func (s *racingStore) CreateChat(ctx context.Context, chat *models.Chat) error {
	if s.winner != nil {
		_ = s.MemoryStore.CreateChat(ctx, s.winner)
	}
	return s.MemoryStore.CreateChat(ctx, chat)
}

var fixedNow = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func newResolver(store storage.Store, opts ...Option) *Resolver {
	opts = append(opts, WithClock(func() time.Time { return fixedNow }))
	return NewResolver(store, persist.NewWriter(store, persist.DefaultConfig()), opts...)
}

func seedChat(t *testing.T, store storage.Store, id, owner string) {
	t.Helper()
	err := store.CreateChat(context.Background(), &models.Chat{ID: id, OwnerID: owner, Title: "Existing", CreatedAt: fixedNow, UpdatedAt: fixedNow})
	if err != nil {
		t.Fatalf("CreateChat() error = %v", err)
	}
}

func TestResolve(t *testing.T) {
	tests := []struct {
		name        string
		seedOwner   string
		req         ResolveRequest
		summarizer  *stubSummarizer
		wantKind    apierr.Kind
		wantCreated bool
		wantTitle   string
	}{
		{
			name:      "existing chat",
			seedOwner: "user-1",
			req:       ResolveRequest{ChatID: "chat-1", UserID: "user-1", FirstMessage: "hi"},
			wantTitle: "Existing",
		},
		{
			name:      "foreign chat is unauthorized",
			seedOwner: "user-2",
			req:       ResolveRequest{ChatID: "chat-1", UserID: "user-1"},
			wantKind:  apierr.KindAuth,
		},
		{
			name:     "no user",
			req:      ResolveRequest{ChatID: "chat-1"},
			wantKind: apierr.KindAuth,
		},
		{
			name:     "no chat id",
			req:      ResolveRequest{UserID: "user-1"},
			wantKind: apierr.KindValidation,
		},
		{
			name:        "create with supplied title",
			req:         ResolveRequest{ChatID: "chat-1", UserID: "user-1", Title: "  Brake noise  ", FirstMessage: "ignored"},
			summarizer:  &stubSummarizer{title: "unused"},
			wantCreated: true,
			wantTitle:   "Brake noise",
		},
		{
			name:        "create with summary",
			req:         ResolveRequest{ChatID: "chat-1", UserID: "user-1", FirstMessage: "My Toyota Corolla 2020 makes noise"},
			summarizer:  &stubSummarizer{title: "Toyota Corolla 2020"},
			wantCreated: true,
			wantTitle:   "Toyota Corolla 2020",
		},
		{
			name:        "summary failure falls back",
			req:         ResolveRequest{ChatID: "chat-1", UserID: "user-1", FirstMessage: "\n  first line  \nsecond"},
			summarizer:  &stubSummarizer{err: errors.New("model down")},
			wantCreated: true,
			wantTitle:   "first line",
		},
		{
			name:        "no text at all",
			req:         ResolveRequest{ChatID: "chat-1", UserID: "user-1"},
			wantCreated: true,
			wantTitle:   DefaultTitle,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := storage.NewMemoryStore()
			if tt.seedOwner != "" {
				seedChat(t, store, "chat-1", tt.seedOwner)
			}
			var opts []Option
			if tt.summarizer != nil {
				opts = append(opts, WithSummarizer(tt.summarizer, time.Second))
			}
			res, err := newResolver(store, opts...).Resolve(context.Background(), tt.req)
			if tt.wantKind != "" {
				if apierr.KindOf(err) != tt.wantKind {
					t.Fatalf("Resolve() error = %v, want kind %s", err, tt.wantKind)
				}
				return
			}
			if err != nil {
				t.Fatalf("Resolve() error = %v", err)
			}
			if res.Created != tt.wantCreated || res.Chat.Title != tt.wantTitle {
				t.Errorf("Resolve() = created %v title %q, want %v %q", res.Created, res.Chat.Title, tt.wantCreated, tt.wantTitle)
			}
			stored, err := store.GetChat(context.Background(), "chat-1")
			if err != nil {
				t.Fatalf("GetChat() error = %v", err)
			}
			if stored.Title != tt.wantTitle {
				t.Errorf("stored title = %q", stored.Title)
			}
		})
	}
}

func TestResolve_CreateRace(t *testing.T) {
	tests := []struct {
		name     string
		winner   string
		wantKind apierr.Kind
	}{
		{name: "same user won", winner: "user-1"},
		{name: "other user won", winner: "user-2", wantKind: apierr.KindAuth},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := &racingStore{
				MemoryStore: storage.NewMemoryStore(),
				winner:      &models.Chat{ID: "chat-1", OwnerID: tt.winner, Title: "Winner", CreatedAt: fixedNow, UpdatedAt: fixedNow},
			}
			res, err := newResolver(store).Resolve(context.Background(), ResolveRequest{ChatID: "chat-1", UserID: "user-1", FirstMessage: "hello"})
			if tt.wantKind != "" {
				if apierr.KindOf(err) != tt.wantKind {
					t.Fatalf("Resolve() error = %v, want kind %s", err, tt.wantKind)
				}
				return
			}
			if err != nil {
				t.Fatalf("Resolve() error = %v", err)
			}
			if res.Created || res.Chat.Title != "Winner" {
				t.Errorf("Resolve() = %+v", res)
			}
		})
	}
}

func TestDelete(t *testing.T) {
	tests := []struct {
		name     string
		seed     bool
		user     string
		wantKind apierr.Kind
	}{
		{name: "owner deletes", seed: true, user: "user-1"},
		{name: "missing chat", user: "user-1", wantKind: apierr.KindNotFound},
		{name: "not owner", seed: true, user: "user-2", wantKind: apierr.KindAuth},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := storage.NewMemoryStore()
			if tt.seed {
				seedChat(t, store, "chat-1", "user-1")
				msg := &models.Message{ID: "m1", ChatID: "chat-1", Role: models.RoleUser, Content: models.Content{models.TextPart("hi")}, CreatedAt: fixedNow}
				if err := store.AppendMessages(context.Background(), []*models.Message{msg}); err != nil {
					t.Fatalf("AppendMessages() error = %v", err)
				}
			}
			err := newResolver(store).Delete(context.Background(), "chat-1", tt.user)
			if tt.wantKind != "" {
				if apierr.KindOf(err) != tt.wantKind {
					t.Fatalf("Delete() error = %v, want kind %s", err, tt.wantKind)
				}
				if tt.seed {
					if _, err := store.GetChat(context.Background(), "chat-1"); err != nil {
						t.Error("rejected delete removed the chat")
					}
				}
				return
			}
			if err != nil {
				t.Fatalf("Delete() error = %v", err)
			}
			if _, err := store.GetChat(context.Background(), "chat-1"); !errors.Is(err, storage.ErrNotFound) {
				t.Errorf("GetChat() after delete error = %v", err)
			}
			if msgs, _ := store.ListMessages(context.Background(), "chat-1"); len(msgs) != 0 {
				t.Errorf("messages survived delete: %d", len(msgs))
			}
		})
	}
}

func TestGetListRenameVote(t *testing.T) {
	store := storage.NewMemoryStore()
	seedChat(t, store, "chat-1", "user-1")
	seedChat(t, store, "chat-2", "user-2")
	msg := &models.Message{ID: "m1", ChatID: "chat-1", Role: models.RoleAssistant, Content: models.Content{models.TextPart("hello")}, CreatedAt: fixedNow}
	if err := store.AppendMessages(context.Background(), []*models.Message{msg}); err != nil {
		t.Fatalf("AppendMessages() error = %v", err)
	}
	r := newResolver(store)
	ctx := context.Background()

	if err := r.Vote(ctx, "user-1", models.Vote{ChatID: "chat-1", MessageID: "m1", IsUpvoted: true}); err != nil {
		t.Fatalf("Vote() error = %v", err)
	}
	if err := r.Vote(ctx, "user-1", models.Vote{ChatID: "chat-2", MessageID: "m1"}); apierr.KindOf(err) != apierr.KindAuth {
		t.Errorf("Vote() on foreign chat error = %v", err)
	}

	view, err := r.Get(ctx, "chat-1", "user-1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if len(view.Messages) != 1 || len(view.Votes) != 1 || !view.Votes[0].IsUpvoted {
		t.Errorf("Get() = %+v", view)
	}
	if _, err := r.Get(ctx, "chat-2", "user-1"); apierr.KindOf(err) != apierr.KindAuth {
		t.Errorf("Get() foreign error = %v", err)
	}

	chats, err := r.List(ctx, "user-1", 0)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(chats) != 1 || chats[0].ID != "chat-1" {
		t.Errorf("List() = %+v", chats)
	}

	renamed, err := r.Rename(ctx, "chat-1", "user-1", "Brakes")
	if err != nil {
		t.Fatalf("Rename() error = %v", err)
	}
	if renamed.Title != "Brakes" {
		t.Errorf("Rename() title = %q", renamed.Title)
	}
	if _, err := r.Rename(ctx, "chat-1", "user-1", "   "); apierr.KindOf(err) != apierr.KindValidation {
		t.Errorf("Rename() blank error = %v", err)
	}
}

func TestFallbackTitle(t *testing.T) {
	long := strings.Repeat("á", 100)
	tests := []struct {
		name string
		in   string
		want string
	}{
		{name: "first line", in: "Oil change\nand more", want: "Oil change"},
		{name: "skips blank lines", in: "\n\n   \n  Brakes  squeal ", want: "Brakes squeal"},
		{name: "empty", in: "", want: DefaultTitle},
		{name: "whitespace only", in: " \t\n ", want: DefaultTitle},
		{name: "truncated by runes", in: long, want: strings.Repeat("á", MaxTitleRunes)},
		// "e" followed by a combining acute accent composes to one rune.
		{name: "normalized", in: "Cafe\u0301", want: "Caf\u00e9"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := FallbackTitle(tt.in); got != tt.want {
				t.Errorf("FallbackTitle(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}
