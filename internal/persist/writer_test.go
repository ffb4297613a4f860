package persist

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/haasonsaas/chatturn/internal/observability"
	"github.com/haasonsaas/chatturn/internal/storage"
	"github.com/haasonsaas/chatturn/pkg/models"
)

var errUnavailable = errors.New("connection refused")

// flakyStore fails the first failAppends AppendMessages calls.
type flakyStore struct {
	*storage.MemoryStore
	failAppends atomic.Int32
	appendCalls atomic.Int32
}

func (s *flakyStore) AppendMessages(ctx context.Context, messages []*models.Message) error {
	s.appendCalls.Add(1)
	if s.failAppends.Add(-1) >= 0 {
		return errUnavailable
	}
	return s.MemoryStore.AppendMessages(ctx, messages)
}

type sleepRecorder struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (r *sleepRecorder) sleep(ctx context.Context, d time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.delays = append(r.delays, d)
	return nil
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func seedChat(t *testing.T, store storage.Store, id string) {
	t.Helper()
	now := time.Now()
	if err := store.CreateChat(context.Background(), &models.Chat{ID: id, OwnerID: "u1", Title: "t", CreatedAt: now, UpdatedAt: now}); err != nil {
		t.Fatalf("CreateChat() error = %v", err)
	}
}

func assistantMessage(id, chatID, text string) *models.Message {
	return &models.Message{
		ID:        id,
		ChatID:    chatID,
		Role:      models.RoleAssistant,
		Content:   models.Content{models.TextPart(text)},
		CreatedAt: time.Now(),
	}
}

func TestSaveMessages_ExhaustsRetriesAndRecordsGap(t *testing.T) {
	store := &flakyStore{MemoryStore: storage.NewMemoryStore()}
	seedChat(t, store, "c1")
	store.failAppends.Store(10)

	sleeper := &sleepRecorder{}
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	w := NewWriter(store, DefaultConfig(), WithSleep(sleeper.sleep), WithMetrics(metrics), WithLogger(quietLogger()))

	result := w.SaveMessages(context.Background(), []*models.Message{assistantMessage("m1", "c1", "hi")})
	if result.OK() || !result.Soft() {
		t.Fatalf("SaveMessages() result = %+v, want soft failure", result)
	}
	if !errors.Is(result.Err, errUnavailable) {
		t.Errorf("SaveMessages() error = %v, want %v", result.Err, errUnavailable)
	}
	if result.Attempts != 3 || store.appendCalls.Load() != 3 {
		t.Errorf("attempts = %d, store calls = %d, want 3 and 3", result.Attempts, store.appendCalls.Load())
	}
	want := []time.Duration{time.Second, 2 * time.Second}
	if len(sleeper.delays) != len(want) {
		t.Fatalf("delays = %v, want %v", sleeper.delays, want)
	}
	for i := range want {
		if sleeper.delays[i] != want[i] {
			t.Errorf("delay[%d] = %v, want %v", i, sleeper.delays[i], want[i])
		}
	}

	gaps := w.Gaps().List()
	if len(gaps) != 1 {
		t.Fatalf("gaps = %d, want 1", len(gaps))
	}
	if gaps[0].Operation != OpSaveMessages || gaps[0].ChatID != "c1" || gaps[0].Attempts != 3 || gaps[0].ID == "" {
		t.Errorf("gap = %+v", gaps[0])
	}
	if got := testutil.ToFloat64(metrics.PersistenceGaps.WithLabelValues("save_messages")); got != 1 {
		t.Errorf("gap metric = %v, want 1", got)
	}
	if got := testutil.ToFloat64(metrics.PersistenceAttempts.WithLabelValues("save_messages", "failure")); got != 1 {
		t.Errorf("failure metric = %v, want 1", got)
	}
}

func TestSaveMessages_RecoversWithinRetries(t *testing.T) {
	store := &flakyStore{MemoryStore: storage.NewMemoryStore()}
	seedChat(t, store, "c1")
	store.failAppends.Store(1)

	sleeper := &sleepRecorder{}
	w := NewWriter(store, DefaultConfig(), WithSleep(sleeper.sleep), WithLogger(quietLogger()))

	result := w.SaveMessages(context.Background(), []*models.Message{assistantMessage("m1", "c1", "hi")})
	if !result.OK() {
		t.Fatalf("SaveMessages() error = %v", result.Err)
	}
	if result.Attempts != 2 {
		t.Errorf("attempts = %d, want 2", result.Attempts)
	}
	if w.Gaps().Len() != 0 {
		t.Errorf("gaps = %d, want 0", w.Gaps().Len())
	}
	msgs, _ := store.ListMessages(context.Background(), "c1")
	if len(msgs) != 1 {
		t.Errorf("stored messages = %d, want 1", len(msgs))
	}
}

func TestSaveMessages_PermanentErrorsAreNotRetried(t *testing.T) {
	tests := []struct {
		name     string
		messages []*models.Message
		wantErr  error
		attempts int
	}{
		{
			name:     "missing chat",
			messages: []*models.Message{assistantMessage("m1", "missing", "hi")},
			wantErr:  storage.ErrNotFound,
			attempts: 1,
		},
		{
			name:     "invalid role",
			messages: []*models.Message{{ID: "m1", ChatID: "c1", Role: "robot"}},
			wantErr:  ErrInvalid,
			attempts: 0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := storage.NewMemoryStore()
			seedChat(t, store, "c1")
			sleeper := &sleepRecorder{}
			w := NewWriter(store, DefaultConfig(), WithSleep(sleeper.sleep), WithLogger(quietLogger()))

			result := w.SaveMessages(context.Background(), tt.messages)
			if !errors.Is(result.Err, tt.wantErr) {
				t.Fatalf("SaveMessages() error = %v, want %v", result.Err, tt.wantErr)
			}
			if result.Attempts != tt.attempts {
				t.Errorf("attempts = %d, want %d", result.Attempts, tt.attempts)
			}
			if len(sleeper.delays) != 0 {
				t.Errorf("delays = %v, want none", sleeper.delays)
			}
			if w.Gaps().Len() != 0 {
				t.Errorf("gaps = %d, want 0", w.Gaps().Len())
			}
		})
	}
}

func TestSaveMessages_Idempotent(t *testing.T) {
	store := storage.NewMemoryStore()
	seedChat(t, store, "c1")
	w := NewWriter(store, DefaultConfig(), WithLogger(quietLogger()))
	batch := []*models.Message{assistantMessage("m1", "c1", "a"), assistantMessage("m2", "c1", "b")}

	for i := 0; i < 2; i++ {
		if result := w.SaveMessages(context.Background(), batch); !result.OK() {
			t.Fatalf("SaveMessages() error = %v", result.Err)
		}
	}
	msgs, _ := store.ListMessages(context.Background(), "c1")
	if len(msgs) != 2 {
		t.Errorf("stored messages = %d, want 2", len(msgs))
	}
}

func TestSaveChat_AlreadyExists(t *testing.T) {
	store := storage.NewMemoryStore()
	seedChat(t, store, "c1")
	w := NewWriter(store, DefaultConfig(), WithLogger(quietLogger()))

	result := w.SaveChat(context.Background(), &models.Chat{ID: "c1", OwnerID: "u2"})
	if !errors.Is(result.Err, storage.ErrAlreadyExists) {
		t.Fatalf("SaveChat() error = %v, want ErrAlreadyExists", result.Err)
	}
	if result.Attempts != 1 || w.Gaps().Len() != 0 {
		t.Errorf("attempts = %d, gaps = %d", result.Attempts, w.Gaps().Len())
	}
}

func TestSaveDocument_ResolvesVersionCollision(t *testing.T) {
	store := storage.NewMemoryStore()
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	w := NewWriter(store, DefaultConfig(), WithClock(func() time.Time { return now }), WithLogger(quietLogger()))
	ctx := context.Background()

	first := &models.Document{ID: "d1", OwnerID: "u1", Title: "Doc", Content: "v1"}
	if result := w.SaveDocument(ctx, first); !result.OK() {
		t.Fatalf("SaveDocument() error = %v", result.Err)
	}
	second := &models.Document{ID: "d1", OwnerID: "u1", Title: "Doc", Content: "v2"}
	result := w.SaveDocument(ctx, second)
	if !result.OK() {
		t.Fatalf("SaveDocument() error = %v", result.Err)
	}
	if result.Collisions != 1 {
		t.Errorf("collisions = %d, want 1", result.Collisions)
	}
	if want := now.Add(time.Millisecond); !second.CreatedAt.Equal(want) {
		t.Errorf("second version = %v, want %v", second.CreatedAt, want)
	}

	latest, err := store.GetDocument(ctx, "d1")
	if err != nil {
		t.Fatalf("GetDocument() error = %v", err)
	}
	if latest.Content != "v2" {
		t.Errorf("latest content = %q, want v2", latest.Content)
	}
}

func TestSaveDocument_ConcurrentVersionsStrictlyIncrease(t *testing.T) {
	store := storage.NewMemoryStore()
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	config := DefaultConfig()
	config.MaxVersionCollisions = 20
	w := NewWriter(store, config,
		WithClock(func() time.Time { return now }),
		WithSleep(func(context.Context, time.Duration) error { return nil }),
		WithLogger(quietLogger()),
	)

	const writers = 10
	var wg sync.WaitGroup
	results := make([]Result, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			doc := &models.Document{ID: "d1", OwnerID: "u1", Title: "Doc", Content: "update"}
			results[i] = w.SaveDocument(context.Background(), doc)
		}(i)
	}
	wg.Wait()

	for i, result := range results {
		if !result.OK() {
			t.Fatalf("writer %d: SaveDocument() error = %v", i, result.Err)
		}
	}
	versions, err := store.ListDocumentVersions(context.Background(), "d1")
	if err != nil {
		t.Fatalf("ListDocumentVersions() error = %v", err)
	}
	if len(versions) != writers {
		t.Fatalf("versions = %d, want %d", len(versions), writers)
	}
	for i := 1; i < len(versions); i++ {
		if !versions[i].CreatedAt.After(versions[i-1].CreatedAt) {
			t.Errorf("version %d (%v) not after version %d (%v)", i, versions[i].CreatedAt, i-1, versions[i-1].CreatedAt)
		}
	}
}

func TestNextVersion(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 500_000, time.UTC)
	tests := []struct {
		name   string
		latest *models.Document
		want   time.Time
	}{
		{name: "no latest", latest: nil, want: now.Truncate(time.Millisecond)},
		{name: "latest in past", latest: &models.Document{CreatedAt: now.Add(-time.Second)}, want: now.Truncate(time.Millisecond)},
		{name: "latest equal", latest: &models.Document{CreatedAt: now.Truncate(time.Millisecond)}, want: now.Truncate(time.Millisecond).Add(time.Millisecond)},
		{name: "latest in future", latest: &models.Document{CreatedAt: now.Add(time.Minute).Truncate(time.Millisecond)}, want: now.Add(time.Minute).Truncate(time.Millisecond).Add(time.Millisecond)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := NextVersion(now, tt.latest); !got.Equal(tt.want) {
				t.Errorf("NextVersion() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestSaveSuggestions_RequiresVersion(t *testing.T) {
	store := storage.NewMemoryStore()
	w := NewWriter(store, DefaultConfig(), WithLogger(quietLogger()))
	ctx := context.Background()
	at := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	suggestion := &models.Suggestion{ID: "s1", DocumentID: "d1", DocumentCreatedAt: at, OriginalText: "a", SuggestedText: "b", OwnerID: "u1", CreatedAt: at}
	if result := w.SaveSuggestions(ctx, []*models.Suggestion{suggestion}); !errors.Is(result.Err, storage.ErrNotFound) {
		t.Fatalf("SaveSuggestions() error = %v, want ErrNotFound", result.Err)
	}

	if err := store.InsertDocumentVersion(ctx, &models.Document{ID: "d1", OwnerID: "u1", CreatedAt: at}); err != nil {
		t.Fatalf("InsertDocumentVersion() error = %v", err)
	}
	if result := w.SaveSuggestions(ctx, []*models.Suggestion{suggestion}); !result.OK() {
		t.Fatalf("SaveSuggestions() error = %v", result.Err)
	}
	if result := w.ResolveSuggestion(ctx, "s1"); !result.OK() {
		t.Fatalf("ResolveSuggestion() error = %v", result.Err)
	}
	stored, _ := store.ListSuggestions(ctx, "d1")
	if len(stored) != 1 || !stored[0].IsResolved {
		t.Errorf("suggestions = %+v", stored)
	}
}
