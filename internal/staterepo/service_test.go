package staterepo

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"tagdoc/api/internal/tags"
)

func testState(title string) *tags.Document {
	doc := tags.NewDocument(title)
	doc.Sections = []tags.Section{
		{
			ID:    "sec-1",
			Title: "Backend",
			Tags:  []string{"Backend"},
			Notes: []tags.Note{
				{ID: "note-1", Title: "Schema", BodyHTML: "<p>draft</p>", Tags: []string{"Python"}},
			},
		},
	}
	return doc
}

func TestStateRepoLifecycle(t *testing.T) {
	tempDir := t.TempDir()
	svc := New(tempDir)

	initial := testState("Notes")
	if err := svc.EnsureStateRepo("state-1", initial, "Avery"); err != nil {
		t.Fatalf("EnsureStateRepo() error = %v", err)
	}
	if _, err := os.Stat(filepath.Join(tempDir, "state-1")); err != nil {
		t.Fatalf("repo directory missing: %v", err)
	}

	// Ensure is idempotent.
	if err := svc.EnsureStateRepo("state-1", initial, "Avery"); err != nil {
		t.Fatalf("second EnsureStateRepo() error = %v", err)
	}

	updated := testState("Notes")
	updated.Sections[0].Notes[0].BodyHTML = "<p>edited</p>"
	commit, err := svc.CommitState("state-1", updated, "Avery", "Edit note body")
	if err != nil {
		t.Fatalf("CommitState() error = %v", err)
	}
	if commit.Hash == "" {
		t.Fatal("expected commit hash")
	}

	history, err := svc.History("state-1", 10)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("expected 2 history entries, got %d", len(history))
	}
	if history[0].Message != "Edit note body" {
		t.Fatalf("unexpected newest entry %+v", history[0])
	}

	restored, err := svc.StateAt("state-1", commit.Hash)
	if err != nil {
		t.Fatalf("StateAt() error = %v", err)
	}
	if restored.Sections[0].Notes[0].BodyHTML != "<p>edited</p>" {
		t.Fatalf("unexpected restored state: %+v", restored)
	}

	baseline, err := svc.StateAt("state-1", history[1].Hash)
	if err != nil {
		t.Fatalf("StateAt(baseline) error = %v", err)
	}
	if baseline.Sections[0].Notes[0].BodyHTML != "<p>draft</p>" {
		t.Fatalf("baseline state lost: %+v", baseline)
	}
}

func TestHasChanges(t *testing.T) {
	a := testState("Notes")
	b := testState("Notes")
	if HasChanges(a, b) {
		t.Fatal("identical states reported as changed")
	}
	b.KnownTags = append(b.KnownTags, "Extra")
	if !HasChanges(a, b) {
		t.Fatal("changed state not detected")
	}
}

func TestConcurrentCommitsSameState(t *testing.T) {
	tempDir := t.TempDir()
	svc := New(tempDir)

	if err := svc.EnsureStateRepo("state-1", testState("Notes"), "Avery"); err != nil {
		t.Fatalf("EnsureStateRepo() error = %v", err)
	}

	const writers = 8
	var wg sync.WaitGroup
	errCh := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			next := testState("Notes")
			next.Sections[0].Notes[0].BodyHTML = fmt.Sprintf("<p>rev %02d</p>", idx)
			if _, err := svc.CommitState("state-1", next, "Avery", fmt.Sprintf("Commit %02d", idx)); err != nil {
				errCh <- err
			}
		}(i)
	}
	wg.Wait()
	close(errCh)

	for err := range errCh {
		if err != nil {
			t.Fatalf("CommitState() concurrent error = %v", err)
		}
	}

	history, err := svc.History("state-1", 100)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(history) != writers+1 {
		t.Fatalf("expected %d commits, got %d", writers+1, len(history))
	}
}
