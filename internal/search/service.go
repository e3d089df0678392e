package search

import (
	"context"
	"log"

	"tagdoc/api/internal/editor"
	"tagdoc/api/internal/store"
	"tagdoc/api/internal/tags"
)

// Service is the facade that tries Meilisearch first and falls back to
// Postgres FTS.
type Service struct {
	meili *Meili
	pgfts *PgFTS
	store *store.PostgresStore
}

// NewService creates a search service. meili may be nil when Meilisearch is
// not configured.
func NewService(meili *Meili, pgfts *PgFTS, st *store.PostgresStore) *Service {
	return &Service{meili: meili, pgfts: pgfts, store: st}
}

// Search tries Meilisearch if healthy, otherwise falls back to PG FTS.
func (s *Service) Search(q Query) Response {
	if s.meili != nil && s.meili.Healthy() {
		results, total, err := s.meili.Search(q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text}
		}
		log.Printf("search: meilisearch error, falling back to pgfts: %v", err)
	}

	results, total, err := s.pgfts.Search(q)
	if err != nil {
		log.Printf("search: pgfts error: %v", err)
		return Response{Results: []Result{}, Total: 0, Query: q.Text}
	}
	return Response{Results: nonNil(results), Total: total, Query: q.Text}
}

// IndexState rebuilds both backends' indexes for one state: the Postgres
// note_search table synchronously, Meilisearch fire-and-forget.
func (s *Service) IndexState(ctx context.Context, stateID string, doc *tags.Document) {
	notes, sections := RecordsForState(stateID, doc)

	rows := make([]store.NoteIndexRow, len(notes))
	for i, note := range notes {
		rows[i] = store.NoteIndexRow{
			SectionID: note.SectionID,
			NoteID:    note.NoteID,
			Title:     note.Title,
			Body:      note.Body,
			Tags:      note.Tags,
		}
	}
	if err := s.store.ReindexState(ctx, stateID, rows); err != nil {
		log.Printf("search: reindex state %s: %v", stateID, err)
	}

	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := s.meili.IndexNotes(notes); err != nil {
			log.Printf("search: index notes for %s: %v", stateID, err)
		}
		if err := s.meili.IndexSections(sections); err != nil {
			log.Printf("search: index sections for %s: %v", stateID, err)
		}
	}()
}

// RecordsForState flattens a document into index records. Note bodies are
// reduced to plain text.
func RecordsForState(stateID string, doc *tags.Document) ([]NoteRecord, []SectionRecord) {
	var notes []NoteRecord
	var sections []SectionRecord
	for _, section := range doc.Sections {
		sections = append(sections, SectionRecord{
			ID:        stateID + ":" + section.ID,
			StateID:   stateID,
			SectionID: section.ID,
			Title:     section.Title,
			Tags:      section.Tags,
		})
		for _, note := range section.Notes {
			notes = append(notes, NoteRecord{
				ID:        stateID + ":" + note.ID,
				StateID:   stateID,
				SectionID: section.ID,
				NoteID:    note.ID,
				Title:     note.Title,
				Body:      editor.PlainText(note.BodyHTML),
				Tags:      note.Tags,
			})
		}
	}
	return notes, sections
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}
