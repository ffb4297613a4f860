package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/haasonsaas/chatturn/pkg/models"
)

// runStoreSuite exercises the Store contract against any backend.
func runStoreSuite(t *testing.T, newStore func(t *testing.T) Store) {
	t.Run("chat lifecycle", func(t *testing.T) {
		testChatLifecycle(t, newStore(t))
	})
	t.Run("messages", func(t *testing.T) {
		testMessages(t, newStore(t))
	})
	t.Run("document versions", func(t *testing.T) {
		testDocumentVersions(t, newStore(t))
	})
	t.Run("suggestions", func(t *testing.T) {
		testSuggestions(t, newStore(t))
	})
	t.Run("votes and cascade", func(t *testing.T) {
		testVotesAndCascade(t, newStore(t))
	})
}

var base = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func newChat(id, owner string, at time.Time) *models.Chat {
	return &models.Chat{ID: id, OwnerID: owner, Title: "Chat " + id, CreatedAt: at, UpdatedAt: at}
}

func testChatLifecycle(t *testing.T, store Store) {
	ctx := context.Background()

	if err := store.CreateChat(ctx, newChat("c1", "u1", base)); err != nil {
		t.Fatalf("CreateChat() error = %v", err)
	}
	if err := store.CreateChat(ctx, newChat("c1", "u1", base)); !errors.Is(err, ErrAlreadyExists) {
		t.Fatalf("CreateChat() duplicate error = %v, want ErrAlreadyExists", err)
	}
	if err := store.CreateChat(ctx, newChat("c2", "u1", base.Add(time.Minute))); err != nil {
		t.Fatalf("CreateChat() error = %v", err)
	}
	if err := store.CreateChat(ctx, newChat("c3", "u2", base)); err != nil {
		t.Fatalf("CreateChat() error = %v", err)
	}

	got, err := store.GetChat(ctx, "c1")
	if err != nil {
		t.Fatalf("GetChat() error = %v", err)
	}
	if got.OwnerID != "u1" || got.Title != "Chat c1" || !got.CreatedAt.Equal(base) {
		t.Errorf("GetChat() = %+v", got)
	}
	if _, err := store.GetChat(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetChat() missing error = %v, want ErrNotFound", err)
	}

	list, err := store.ListChats(ctx, "u1", 10)
	if err != nil {
		t.Fatalf("ListChats() error = %v", err)
	}
	if len(list) != 2 || list[0].ID != "c2" {
		t.Fatalf("ListChats() = %d chats, first %v", len(list), list)
	}

	if err := store.UpdateChatTitle(ctx, "c1", "Renamed", base.Add(time.Hour)); err != nil {
		t.Fatalf("UpdateChatTitle() error = %v", err)
	}
	list, _ = store.ListChats(ctx, "u1", 1)
	if len(list) != 1 || list[0].ID != "c1" || list[0].Title != "Renamed" {
		t.Errorf("ListChats() after rename = %+v", list)
	}
	if err := store.UpdateChatTitle(ctx, "missing", "x", base); !errors.Is(err, ErrNotFound) {
		t.Errorf("UpdateChatTitle() missing error = %v", err)
	}

	if err := store.DeleteChat(ctx, "c1"); err != nil {
		t.Fatalf("DeleteChat() error = %v", err)
	}
	if err := store.DeleteChat(ctx, "c1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("DeleteChat() twice error = %v, want ErrNotFound", err)
	}
}

func testMessages(t *testing.T, store Store) {
	ctx := context.Background()
	if err := store.CreateChat(ctx, newChat("c1", "u1", base)); err != nil {
		t.Fatalf("CreateChat() error = %v", err)
	}

	msgs := []*models.Message{
		{ID: "m1", ChatID: "c1", Role: models.RoleUser, Content: models.Content{models.TextPart("hi")}, CreatedAt: base},
		{ID: "m2", ChatID: "c1", Role: models.RoleAssistant, Content: models.Content{
			models.TextPart("calling"),
			models.ToolCallPart(models.ToolCall{ID: "call-1", Name: "getWeather", Input: []byte(`{"latitude":1,"longitude":2}`)}),
		}, CreatedAt: base},
		{ID: "m3", ChatID: "c1", Role: models.RoleTool, Content: models.Content{
			models.ToolResultPart("call-1", "getWeather", []byte(`{"temp":20}`), false),
		}, CreatedAt: base},
	}
	if err := store.AppendMessages(ctx, msgs); err != nil {
		t.Fatalf("AppendMessages() error = %v", err)
	}
	// A retried batch must not duplicate rows.
	if err := store.AppendMessages(ctx, msgs); err != nil {
		t.Fatalf("AppendMessages() retry error = %v", err)
	}

	got, err := store.ListMessages(ctx, "c1")
	if err != nil {
		t.Fatalf("ListMessages() error = %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("ListMessages() = %d messages, want 3", len(got))
	}
	for i, msg := range got {
		if msg.ID != msgs[i].ID {
			t.Errorf("message %d id = %q, want %q", i, msg.ID, msgs[i].ID)
		}
		if !msg.Content.Equal(msgs[i].Content) {
			t.Errorf("message %d content = %+v, want %+v", i, msg.Content, msgs[i].Content)
		}
	}
	if calls := got[1].ToolCalls(); len(calls) != 1 || calls[0].Name != "getWeather" {
		t.Errorf("ToolCalls() = %+v", calls)
	}

	orphan := []*models.Message{{ID: "m9", ChatID: "missing", Role: models.RoleUser, CreatedAt: base}}
	if err := store.AppendMessages(ctx, orphan); !errors.Is(err, ErrNotFound) {
		t.Errorf("AppendMessages() orphan error = %v, want ErrNotFound", err)
	}
}

func testDocumentVersions(t *testing.T, store Store) {
	ctx := context.Background()
	doc := func(at time.Time, content string) *models.Document {
		return &models.Document{ID: "d1", OwnerID: "u1", Title: "Essay", Content: content, CreatedAt: at}
	}

	if _, err := store.GetDocument(ctx, "d1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("GetDocument() empty error = %v", err)
	}
	if err := store.InsertDocumentVersion(ctx, doc(base, "v1")); err != nil {
		t.Fatalf("InsertDocumentVersion() error = %v", err)
	}
	if err := store.InsertDocumentVersion(ctx, doc(base, "dup")); !errors.Is(err, ErrVersionConflict) {
		t.Fatalf("same version error = %v, want ErrVersionConflict", err)
	}
	if err := store.InsertDocumentVersion(ctx, doc(base.Add(-time.Second), "old")); !errors.Is(err, ErrVersionConflict) {
		t.Fatalf("older version error = %v, want ErrVersionConflict", err)
	}
	// Sub-millisecond differences collapse to the same version.
	if err := store.InsertDocumentVersion(ctx, doc(base.Add(500*time.Microsecond), "sub")); !errors.Is(err, ErrVersionConflict) {
		t.Fatalf("sub-millisecond version error = %v, want ErrVersionConflict", err)
	}
	if err := store.InsertDocumentVersion(ctx, doc(base.Add(time.Millisecond), "v2")); err != nil {
		t.Fatalf("InsertDocumentVersion() error = %v", err)
	}
	if err := store.InsertDocumentVersion(ctx, doc(base.Add(time.Second), "v3")); err != nil {
		t.Fatalf("InsertDocumentVersion() error = %v", err)
	}

	latest, err := store.GetDocument(ctx, "d1")
	if err != nil {
		t.Fatalf("GetDocument() error = %v", err)
	}
	if latest.Content != "v3" || !latest.CreatedAt.Equal(base.Add(time.Second)) {
		t.Errorf("GetDocument() = %+v", latest)
	}

	versions, err := store.ListDocumentVersions(ctx, "d1")
	if err != nil {
		t.Fatalf("ListDocumentVersions() error = %v", err)
	}
	if len(versions) != 3 || versions[0].Content != "v1" || versions[2].Content != "v3" {
		t.Fatalf("ListDocumentVersions() = %+v", versions)
	}

	removed, err := store.DeleteDocumentVersionsAfter(ctx, "d1", base)
	if err != nil {
		t.Fatalf("DeleteDocumentVersionsAfter() error = %v", err)
	}
	if removed != 2 {
		t.Errorf("removed = %d, want 2", removed)
	}
	latest, _ = store.GetDocument(ctx, "d1")
	if latest == nil || latest.Content != "v1" {
		t.Errorf("GetDocument() after delete = %+v", latest)
	}
}

func testSuggestions(t *testing.T, store Store) {
	ctx := context.Background()
	v1 := base
	v2 := base.Add(time.Minute)
	for _, at := range []time.Time{v1, v2} {
		if err := store.InsertDocumentVersion(ctx, &models.Document{ID: "d1", OwnerID: "u1", Title: "T", Content: "c", CreatedAt: at}); err != nil {
			t.Fatalf("InsertDocumentVersion() error = %v", err)
		}
	}

	suggestions := []*models.Suggestion{
		{ID: "s1", DocumentID: "d1", DocumentCreatedAt: v1, OriginalText: "a", SuggestedText: "b", Description: "x", OwnerID: "u1", CreatedAt: base},
		{ID: "s2", DocumentID: "d1", DocumentCreatedAt: v2, OriginalText: "c", SuggestedText: "d", Description: "y", OwnerID: "u1", CreatedAt: base.Add(time.Second)},
	}
	if err := store.InsertSuggestions(ctx, suggestions); err != nil {
		t.Fatalf("InsertSuggestions() error = %v", err)
	}
	if err := store.InsertSuggestions(ctx, suggestions[:1]); !errors.Is(err, ErrAlreadyExists) {
		t.Errorf("InsertSuggestions() duplicate error = %v", err)
	}
	dangling := []*models.Suggestion{{ID: "s3", DocumentID: "d1", DocumentCreatedAt: base.Add(time.Hour), OwnerID: "u1", CreatedAt: base}}
	if err := store.InsertSuggestions(ctx, dangling); !errors.Is(err, ErrNotFound) {
		t.Errorf("InsertSuggestions() unknown version error = %v, want ErrNotFound", err)
	}

	if err := store.ResolveSuggestion(ctx, "s1"); err != nil {
		t.Fatalf("ResolveSuggestion() error = %v", err)
	}
	if err := store.ResolveSuggestion(ctx, "nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("ResolveSuggestion() missing error = %v", err)
	}

	got, err := store.ListSuggestions(ctx, "d1")
	if err != nil {
		t.Fatalf("ListSuggestions() error = %v", err)
	}
	if len(got) != 2 || !got[0].IsResolved || got[1].IsResolved {
		t.Fatalf("ListSuggestions() = %+v", got)
	}
	if !got[1].DocumentCreatedAt.Equal(v2) {
		t.Errorf("DocumentCreatedAt = %v, want %v", got[1].DocumentCreatedAt, v2)
	}

	if _, err := store.DeleteDocumentVersionsAfter(ctx, "d1", v1); err != nil {
		t.Fatalf("DeleteDocumentVersionsAfter() error = %v", err)
	}
	got, _ = store.ListSuggestions(ctx, "d1")
	if len(got) != 1 || got[0].ID != "s1" {
		t.Errorf("ListSuggestions() after version delete = %+v", got)
	}
}

func testVotesAndCascade(t *testing.T, store Store) {
	ctx := context.Background()
	if err := store.CreateChat(ctx, newChat("c1", "u1", base)); err != nil {
		t.Fatalf("CreateChat() error = %v", err)
	}
	msg := &models.Message{ID: "m1", ChatID: "c1", Role: models.RoleAssistant, Content: models.Content{models.TextPart("ok")}, CreatedAt: base}
	if err := store.AppendMessages(ctx, []*models.Message{msg}); err != nil {
		t.Fatalf("AppendMessages() error = %v", err)
	}

	if err := store.VoteMessage(ctx, models.Vote{ChatID: "c1", MessageID: "m1", IsUpvoted: true}); err != nil {
		t.Fatalf("VoteMessage() error = %v", err)
	}
	if err := store.VoteMessage(ctx, models.Vote{ChatID: "c1", MessageID: "m1", IsUpvoted: false}); err != nil {
		t.Fatalf("VoteMessage() upsert error = %v", err)
	}
	votes, err := store.ListVotes(ctx, "c1")
	if err != nil {
		t.Fatalf("ListVotes() error = %v", err)
	}
	if len(votes) != 1 || votes[0].IsUpvoted {
		t.Fatalf("ListVotes() = %+v", votes)
	}

	if err := store.DeleteChat(ctx, "c1"); err != nil {
		t.Fatalf("DeleteChat() error = %v", err)
	}
	msgs, _ := store.ListMessages(ctx, "c1")
	votes, _ = store.ListVotes(ctx, "c1")
	if len(msgs) != 0 || len(votes) != 0 {
		t.Errorf("cascade left %d messages and %d votes", len(msgs), len(votes))
	}
}
