package models

import (
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func TestVersionTime(t *testing.T) {
	loc := time.FixedZone("UTC+2", 2*60*60)
	in := time.Date(2024, 3, 1, 12, 0, 0, 123_456_789, loc)

	got := VersionTime(in)
	if got.Location() != time.UTC {
		t.Errorf("VersionTime() location = %v, want UTC", got.Location())
	}
	if got.Nanosecond() != 123_000_000 {
		t.Errorf("VersionTime() nanos = %d, want 123000000", got.Nanosecond())
	}
	if !got.Equal(in.Truncate(time.Millisecond)) {
		t.Errorf("VersionTime() = %v, want same instant truncated", got)
	}
	if VersionTime(got) != got {
		t.Error("VersionTime() is not idempotent")
	}
	if !VersionTime(Document{}.CreatedAt).IsZero() {
		t.Error("VersionTime() of the zero time should stay zero")
	}
}

func TestSuggestion_JSONFieldNames(t *testing.T) {
	s := Suggestion{
		ID:            "s1",
		DocumentID:    "d1",
		OriginalText:  "teh",
		SuggestedText: "the",
		OwnerID:       "alice",
	}
	data, err := json.Marshal(s)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	for _, key := range []string{`"documentId"`, `"documentCreatedAt"`, `"originalText"`, `"suggestedText"`, `"isResolved"`} {
		if !strings.Contains(string(data), key) {
			t.Errorf("Marshal() = %s, missing %s", data, key)
		}
	}
	if strings.Contains(string(data), `"description"`) {
		t.Errorf("Marshal() = %s, empty description should be omitted", data)
	}
}
