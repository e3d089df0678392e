package search

import (
	"context"
	"strings"

	"tagdoc/api/internal/store"
)

// PgFTS implements Searcher using the note_search table in Postgres as a
// fallback when Meilisearch is unavailable. Only notes are indexed there;
// section titles are searchable through their notes.
type PgFTS struct {
	store *store.PostgresStore
}

// NewPgFTS creates a PostgreSQL FTS searcher.
func NewPgFTS(st *store.PostgresStore) *PgFTS {
	return &PgFTS{store: st}
}

// Healthy always returns true. If Postgres is down, the whole app is down.
func (p *PgFTS) Healthy() bool {
	return true
}

// Search runs a ranked full-text query over the note index.
func (p *PgFTS) Search(q Query) ([]Result, int, error) {
	if strings.TrimSpace(q.Text) == "" {
		return nil, 0, nil
	}
	if q.FilterType == ResultSection {
		return nil, 0, nil
	}

	hits, err := p.store.SearchNotes(context.Background(), q.Text, q.Limit)
	if err != nil {
		return nil, 0, err
	}

	var results []Result
	for _, hit := range hits {
		if q.FilterStateID != "" && hit.StateID != q.FilterStateID {
			continue
		}
		if q.FilterTag != "" && !containsFold(hit.Tags, q.FilterTag) {
			continue
		}
		results = append(results, Result{
			Type:      ResultNote,
			ID:        hit.StateID + ":" + hit.NoteID,
			Title:     hit.Title,
			Snippet:   hit.Snippet,
			StateID:   hit.StateID,
			SectionID: hit.SectionID,
			NoteID:    hit.NoteID,
			Tags:      hit.Tags,
		})
	}
	return results, len(results), nil
}

func containsFold(values []string, target string) bool {
	for _, value := range values {
		if strings.EqualFold(value, target) {
			return true
		}
	}
	return false
}
