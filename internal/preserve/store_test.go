package preserve

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

func setupTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	s := miniredis.RunT(t)
	store, err := NewStore("redis://" + s.Addr())
	if err != nil {
		t.Fatalf("failed to create preserve store: %v", err)
	}
	return store, s
}

func TestSaveAndRestoreLatest(t *testing.T) {
	store, s := setupTestStore(t)
	defer store.Close()
	defer s.Close()
	ctx := context.Background()

	if err := store.Save(ctx, "note", "<p>draft</p>", "editNoteForm", "/state/main", "auto-save"); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	snap, err := store.RestoreLatest(ctx, "note", "editNoteForm", "/state/main")
	if err != nil {
		t.Fatalf("RestoreLatest failed: %v", err)
	}
	if snap == nil || snap.Content != "<p>draft</p>" {
		t.Fatalf("unexpected snapshot %#v", snap)
	}
	if snap.Reason != "auto-save" {
		t.Errorf("expected reason auto-save, got %s", snap.Reason)
	}
}

func TestRestoreIsSingleUse(t *testing.T) {
	store, s := setupTestStore(t)
	defer store.Close()
	defer s.Close()
	ctx := context.Background()

	if err := store.Save(ctx, "note", "<p>draft</p>", "editNoteForm", "/", "auto-save"); err != nil {
		t.Fatal(err)
	}
	if snap, _ := store.RestoreLatest(ctx, "note", "editNoteForm", "/"); snap == nil {
		t.Fatal("first restore returned nothing")
	}
	snap, err := store.RestoreLatest(ctx, "note", "editNoteForm", "/")
	if err != nil {
		t.Fatal(err)
	}
	if snap != nil {
		t.Fatalf("consumed snapshot restored again: %#v", snap)
	}
}

func TestSaveEmptyContentIsNoop(t *testing.T) {
	store, s := setupTestStore(t)
	defer store.Close()
	defer s.Close()
	ctx := context.Background()

	if err := store.Save(ctx, "note", "", "editNoteForm", "/", "auto-save"); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if err := store.Save(ctx, "note", "   \n\t", "editNoteForm", "/", "auto-save"); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	snap, err := store.RestoreLatest(ctx, "note", "editNoteForm", "/")
	if err != nil {
		t.Fatal(err)
	}
	if snap != nil {
		t.Fatalf("blank content created a snapshot: %#v", snap)
	}
}

func TestSaveUnchangedContentIsNoop(t *testing.T) {
	store, s := setupTestStore(t)
	defer store.Close()
	defer s.Close()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := store.Save(ctx, "note", "<p>same</p>", "editNoteForm", "/", "auto-save"); err != nil {
			t.Fatal(err)
		}
	}

	if snap, _ := store.RestoreLatest(ctx, "note", "editNoteForm", "/"); snap == nil {
		t.Fatal("expected one snapshot")
	}
	if snap, _ := store.RestoreLatest(ctx, "note", "editNoteForm", "/"); snap != nil {
		t.Fatalf("duplicate saves created extra snapshots: %#v", snap)
	}
}

func TestOldestSnapshotsEvictedFirst(t *testing.T) {
	store, s := setupTestStore(t)
	defer store.Close()
	defer s.Close()
	ctx := context.Background()

	base := time.Now()
	for i := 0; i < DefaultMaxPerKey+3; i++ {
		tick := base.Add(time.Duration(i) * time.Second)
		store.now = func() time.Time { return tick }
		content := fmt.Sprintf("<p>version %d</p>", i)
		if err := store.Save(ctx, "note", content, "editNoteForm", "/", "auto-save"); err != nil {
			t.Fatal(err)
		}
	}
	store.now = time.Now

	var contents []string
	for {
		snap, err := store.RestoreLatest(ctx, "note", "editNoteForm", "/")
		if err != nil {
			t.Fatal(err)
		}
		if snap == nil {
			break
		}
		contents = append(contents, snap.Content)
	}
	if len(contents) != DefaultMaxPerKey {
		t.Fatalf("expected %d retained snapshots, got %d", DefaultMaxPerKey, len(contents))
	}
	if contents[0] != fmt.Sprintf("<p>version %d</p>", DefaultMaxPerKey+2) {
		t.Fatalf("newest snapshot missing, got %s", contents[0])
	}
	for _, content := range contents {
		if content == "<p>version 0</p>" || content == "<p>version 1</p>" || content == "<p>version 2</p>" {
			t.Fatalf("oldest snapshot survived eviction: %s", content)
		}
	}
}

func TestExpiredSnapshotIgnoredOnLookup(t *testing.T) {
	store, s := setupTestStore(t)
	defer store.Close()
	defer s.Close()
	ctx := context.Background()

	past := time.Now().Add(-2 * time.Hour)
	store.now = func() time.Time { return past }
	if err := store.Save(ctx, "note", "<p>stale</p>", "editNoteForm", "/", "auto-save"); err != nil {
		t.Fatal(err)
	}
	store.now = time.Now

	snap, err := store.RestoreLatest(ctx, "note", "editNoteForm", "/")
	if err != nil {
		t.Fatal(err)
	}
	if snap != nil {
		t.Fatalf("snapshot past the age ceiling was restored: %#v", snap)
	}
}

func TestKeyExpiresViaTTL(t *testing.T) {
	store, s := setupTestStore(t)
	defer store.Close()
	defer s.Close()
	ctx := context.Background()

	if err := store.Save(ctx, "note", "<p>draft</p>", "editNoteForm", "/", "auto-save"); err != nil {
		t.Fatal(err)
	}
	s.FastForward(DefaultMaxAge + time.Minute)

	snap, err := store.RestoreLatest(ctx, "note", "editNoteForm", "/")
	if err != nil {
		t.Fatal(err)
	}
	if snap != nil {
		t.Fatalf("snapshot survived TTL expiry: %#v", snap)
	}
}

func TestClearPendingDiscardsRecentOnly(t *testing.T) {
	store, s := setupTestStore(t)
	defer store.Close()
	defer s.Close()
	ctx := context.Background()

	old := time.Now().Add(-20 * time.Minute)
	store.now = func() time.Time { return old }
	if err := store.Save(ctx, "note", "<p>old work</p>", "editNoteForm", "/", "auto-save"); err != nil {
		t.Fatal(err)
	}

	store.now = time.Now
	if err := store.Save(ctx, "note", "<p>cancelled edit</p>", "editNoteForm", "/", "auto-save"); err != nil {
		t.Fatal(err)
	}

	if err := store.ClearPending(ctx, "note", "editNoteForm", "/"); err != nil {
		t.Fatalf("ClearPending failed: %v", err)
	}

	snap, err := store.RestoreLatest(ctx, "note", "editNoteForm", "/")
	if err != nil {
		t.Fatal(err)
	}
	if snap == nil {
		t.Fatal("older snapshot should survive ClearPending")
	}
	if snap.Content != "<p>old work</p>" {
		t.Fatalf("recent snapshot survived ClearPending: %s", snap.Content)
	}
}

func TestKeysAreIsolated(t *testing.T) {
	store, s := setupTestStore(t)
	defer store.Close()
	defer s.Close()
	ctx := context.Background()

	if err := store.Save(ctx, "note", "<p>note body</p>", "editNoteForm", "/", "auto-save"); err != nil {
		t.Fatal(err)
	}
	if err := store.Save(ctx, "section", "<p>section body</p>", "editSectionForm", "/", "auto-save"); err != nil {
		t.Fatal(err)
	}

	snap, err := store.RestoreLatest(ctx, "section", "editSectionForm", "/")
	if err != nil {
		t.Fatal(err)
	}
	if snap == nil || snap.Content != "<p>section body</p>" {
		t.Fatalf("wrong snapshot for key: %#v", snap)
	}
}

func TestKeeperTickGatedOnChange(t *testing.T) {
	store, s := setupTestStore(t)
	defer store.Close()
	defer s.Close()
	ctx := context.Background()

	content := "<p>v1</p>"
	keeper := NewKeeper(store, "note", "editNoteForm", "/", func() string { return content })

	if err := keeper.Tick(ctx); err != nil {
		t.Fatal(err)
	}
	if err := keeper.Tick(ctx); err != nil {
		t.Fatal(err)
	}
	content = "<p>v2</p>"
	if err := keeper.Tick(ctx); err != nil {
		t.Fatal(err)
	}

	first, _ := store.RestoreLatest(ctx, "note", "editNoteForm", "/")
	second, _ := store.RestoreLatest(ctx, "note", "editNoteForm", "/")
	third, _ := store.RestoreLatest(ctx, "note", "editNoteForm", "/")
	if first == nil || first.Content != "<p>v2</p>" {
		t.Fatalf("unexpected first restore %#v", first)
	}
	if second == nil || second.Content != "<p>v1</p>" {
		t.Fatalf("unexpected second restore %#v", second)
	}
	if third != nil {
		t.Fatalf("idle tick created a snapshot: %#v", third)
	}
}

func TestKeeperFlushSavesWithReason(t *testing.T) {
	store, s := setupTestStore(t)
	defer store.Close()
	defer s.Close()
	ctx := context.Background()

	keeper := NewKeeper(store, "note", "editNoteForm", "/", func() string { return "<p>submitting</p>" })
	if err := keeper.Flush(ctx, "pre-submit"); err != nil {
		t.Fatal(err)
	}

	snap, err := store.RestoreLatest(ctx, "note", "editNoteForm", "/")
	if err != nil {
		t.Fatal(err)
	}
	if snap == nil || snap.Reason != "pre-submit" {
		t.Fatalf("unexpected snapshot %#v", snap)
	}
}
