package repo

import (
	"context"
	"errors"
	"testing"
)

func TestMemRepo_UnknownLookupsFail(t *testing.T) {
	m := NewMemRepo()
	ctx := context.Background()

	checks := []struct {
		name string
		call func() error
	}{
		{"session messages", func() error { _, err := m.GetSessionMessages(ctx, "ghost"); return err }},
		{"save session message", func() error { _, err := m.SaveSessionMessage(ctx, "ghost", "h", "a"); return err }},
		{"checkpoint", func() error { _, err := m.GetCompressionCheckpoint(ctx, "ghost", "keep_last_2"); return err }},
		{"scoped history", func() error { _, err := m.GetOrCreateScopedHistory(ctx, "ghost", "t", "n"); return err }},
		{"scoped messages", func() error { _, err := m.GetScopedMessages(ctx, 99); return err }},
		{"provider", func() error { _, err := m.GetProvider(ctx, 1); return err }},
		{"chat service", func() error { _, err := m.GetChatService(ctx, 1); return err }},
		{"assistant", func() error { _, err := m.GetAssistant(ctx, 1); return err }},
		{"source material", func() error { _, err := m.GetSourceMaterial(ctx, 1); return err }},
		{"collection", func() error { _, err := m.GetCollection(ctx, 1); return err }},
		{"collection file", func() error { _, err := m.GetCollectionFileInfo(ctx, 1); return err }},
		{"attach files", func() error { return m.AttachFilesToSession(ctx, "ghost", nil) }},
	}

	for _, c := range checks {
		t.Run(c.name, func(t *testing.T) {
			if err := c.call(); !errors.Is(err, ErrNotFound) {
				t.Errorf("expected ErrNotFound, got %v", err)
			}
		})
	}
}

func TestMemRepo_GlobalTurns(t *testing.T) {
	m := NewMemRepo()
	m.AddSession("s1")
	ctx := context.Background()

	t1, err := m.SaveSessionMessage(ctx, "s1", "hi", "hello")
	if err != nil {
		t.Fatal(err)
	}
	t2, err := m.SaveSessionMessage(ctx, "s1", "bye", "goodbye")
	if err != nil {
		t.Fatal(err)
	}
	if t2.ID <= t1.ID {
		t.Errorf("turn ids must increase: %d then %d", t1.ID, t2.ID)
	}

	turns, err := m.GetSessionMessages(ctx, "s1")
	if err != nil {
		t.Fatal(err)
	}
	if len(turns) != 2 || turns[0].Human != "hi" || turns[1].AI != "goodbye" {
		t.Errorf("unexpected turns: %+v", turns)
	}

	// Returned slice is a copy.
	turns[0].Human = "mutated"
	again, _ := m.GetSessionMessages(ctx, "s1")
	if again[0].Human != "hi" {
		t.Error("stored turns shared with caller slice")
	}
}

func TestMemRepo_CheckpointPaths(t *testing.T) {
	m := NewMemRepo()
	m.AddSession("s1")
	ctx := context.Background()

	t1, _ := m.SaveSessionMessage(ctx, "s1", "u1", "a1")
	if _, err := m.SaveSessionMessage(ctx, "s1", "u2", "a2"); err != nil {
		t.Fatal(err)
	}

	// Summary path writes both the checkpoint and the turn summary.
	if err := m.SaveCompressionCheckpoint(ctx, "s1", t1.ID, "keep_last_1", CompressionSummary("folded")); err != nil {
		t.Fatal(err)
	}
	cp, err := m.GetCompressionCheckpoint(ctx, "s1", "keep_last_1")
	if err != nil {
		t.Fatal(err)
	}
	if cp.TurnID != t1.ID {
		t.Errorf("checkpoint turn = %d, want %d", cp.TurnID, t1.ID)
	}
	turns, _ := m.GetSessionMessages(ctx, "s1")
	if turns[0].Summary != "folded" {
		t.Errorf("summary = %q", turns[0].Summary)
	}

	// Marker path only moves the checkpoint.
	if err := m.SaveCompressionCheckpoint(ctx, "s1", t1.ID, "keep_last_1", CompressionMarker()); err != nil {
		t.Fatal(err)
	}
	turns, _ = m.GetSessionMessages(ctx, "s1")
	if turns[0].Summary != "folded" {
		t.Error("marker path must not rewrite summaries")
	}

	// Summary path against a missing turn fails.
	err = m.SaveCompressionCheckpoint(ctx, "s1", 999, "keep_last_1", CompressionSummary("x"))
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound for missing turn, got %v", err)
	}
}

func TestMemRepo_ScopedHistories(t *testing.T) {
	m := NewMemRepo()
	m.AddSession("s1")
	ctx := context.Background()

	a, err := m.GetOrCreateScopedHistory(ctx, "s1", "generate", "triage")
	if err != nil {
		t.Fatal(err)
	}
	again, err := m.GetOrCreateScopedHistory(ctx, "s1", "generate", "triage")
	if err != nil {
		t.Fatal(err)
	}
	if again.ID != a.ID {
		t.Error("same scope key must resolve to the same history")
	}
	b, _ := m.GetOrCreateScopedHistory(ctx, "s1", "generate", "booking")
	if b.ID == a.ID {
		t.Error("distinct names must get distinct histories")
	}

	turn, err := m.SaveScopedMessage(ctx, a.ID, "q", "r")
	if err != nil {
		t.Fatal(err)
	}
	if err := m.UpdateScopedCompression(ctx, a.ID, turn.ID, "keep_last_1", CompressionSummary("scoped summary")); err != nil {
		t.Fatal(err)
	}

	reloaded, _ := m.GetOrCreateScopedHistory(ctx, "s1", "generate", "triage")
	if reloaded.CheckpointTurn != turn.ID || reloaded.Marker != "keep_last_1" {
		t.Errorf("compression state not persisted: %+v", reloaded)
	}
	turns, _ := m.GetScopedMessages(ctx, a.ID)
	if turns[0].Summary != "scoped summary" {
		t.Errorf("scoped summary = %q", turns[0].Summary)
	}

	other, _ := m.GetScopedMessages(ctx, b.ID)
	if len(other) != 0 {
		t.Error("scoped turns leaked across scopes")
	}
}

func TestMemRepo_FilesAndParticipants(t *testing.T) {
	m := NewMemRepo()
	m.AddSession("s1")
	ctx := context.Background()

	f, err := m.CreateFile(ctx, File{Name: "a.txt", ContentType: "text/plain", Data: []byte("x")})
	if err != nil {
		t.Fatal(err)
	}
	if f.ID == "" {
		t.Fatal("CreateFile must assign an id")
	}
	if err := m.AttachFilesToSession(ctx, "s1", []string{f.ID}); err != nil {
		t.Fatal(err)
	}
	if err := m.AttachFilesToSession(ctx, "s1", []string{"missing"}); !errors.Is(err, ErrNotFound) {
		t.Errorf("attaching unknown file should fail, got %v", err)
	}

	if err := m.SetParticipantGlobalData(ctx, "p1", "k", "v"); err != nil {
		t.Fatal(err)
	}
	data, err := m.GetParticipantGlobalData(ctx, "p1")
	if err != nil {
		t.Fatal(err)
	}
	if data["k"] != "v" {
		t.Errorf("data = %v", data)
	}
	// The returned map is a copy.
	data["k"] = "mutated"
	again, _ := m.GetParticipantGlobalData(ctx, "p1")
	if again["k"] != "v" {
		t.Error("participant data shared with caller map")
	}
}

func TestMemRepo_SearchableCollections(t *testing.T) {
	m := NewMemRepo()
	ctx := context.Background()
	m.AddCollection(Collection{ID: 1, Name: "docs", Searchable: true},
		CollectionFile{ID: 10, Name: "guide.pdf", Summary: "setup guide"})
	m.AddCollection(Collection{ID: 2, Name: "archive", Searchable: false})

	out, err := m.GetCollectionsForSearch(ctx, []int64{1, 2})
	if err != nil {
		t.Fatal(err)
	}
	if len(out) != 1 || out[0].ID != 1 {
		t.Errorf("searchable filter wrong: %+v", out)
	}

	files, err := m.GetCollectionIndexSummaries(ctx, 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(files) != 1 || files[0].CollectionID != 1 {
		t.Errorf("index summaries wrong: %+v", files)
	}

	if _, err := m.GetCollectionsForSearch(ctx, []int64{1, 99}); !errors.Is(err, ErrNotFound) {
		t.Errorf("unknown collection id should fail, got %v", err)
	}
}

func TestCompression_Tagging(t *testing.T) {
	m := CompressionMarker()
	if !m.IsMarker() {
		t.Error("marker must report IsMarker")
	}
	s := CompressionSummary("text")
	if s.IsMarker() {
		t.Error("summary must not report IsMarker")
	}
	if s.SummaryText() != "text" {
		t.Errorf("SummaryText = %q", s.SummaryText())
	}
	// An empty summary is still a summary, not a marker.
	if CompressionSummary("").IsMarker() {
		t.Error("empty summary must stay tagged as summary")
	}
}
