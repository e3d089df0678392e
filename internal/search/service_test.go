package search

import (
	"testing"

	"tagdoc/api/internal/tags"
)

func TestRecordsForStateFlattensDocument(t *testing.T) {
	doc := tags.NewDocument("Notes")
	doc.Sections = []tags.Section{
		{
			ID:    "sec-1",
			Title: "Backend",
			Tags:  []string{"Backend"},
			Notes: []tags.Note{
				{ID: "note-1", Title: "Schema", BodyHTML: "<p>Design the <strong>schema</strong></p>", Tags: []string{"Python", "Database"}},
				{ID: "note-2", Title: "API", BodyHTML: "<p>Draft</p>"},
			},
		},
		{ID: "sec-2", Title: "Frontend"},
	}

	notes, sections := RecordsForState("state-1", doc)

	if len(notes) != 2 {
		t.Fatalf("expected 2 note records, got %d", len(notes))
	}
	if notes[0].ID != "state-1:note-1" || notes[0].SectionID != "sec-1" {
		t.Fatalf("unexpected note record %+v", notes[0])
	}
	if notes[0].Body != "Design the schema" {
		t.Fatalf("body not reduced to plain text: %q", notes[0].Body)
	}
	if len(notes[0].Tags) != 2 {
		t.Fatalf("note tags lost: %v", notes[0].Tags)
	}
	if len(sections) != 2 || sections[1].ID != "state-1:sec-2" {
		t.Fatalf("unexpected section records %+v", sections)
	}
}
