package search

// ResultType identifies the kind of entity in a search result.
type ResultType string

const (
	ResultNote    ResultType = "note"
	ResultSection ResultType = "section"
)

// Result is a single search hit returned to the caller.
type Result struct {
	Type      ResultType `json:"type"`
	ID        string     `json:"id"`
	Title     string     `json:"title"`
	Snippet   string     `json:"snippet"`
	StateID   string     `json:"stateId"`
	SectionID string     `json:"sectionId"`
	NoteID    string     `json:"noteId,omitempty"`
	Tags      []string   `json:"tags,omitempty"`
}

// Query describes a search request.
type Query struct {
	Text          string
	FilterType    ResultType // empty = all types
	FilterStateID string
	FilterTag     string
	Limit         int
	Offset        int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Searcher can execute a full-text search.
type Searcher interface {
	Search(q Query) ([]Result, int, error)
	Healthy() bool
}

// NoteRecord is the data indexed for a note. Body is plain text with markup
// stripped.
type NoteRecord struct {
	ID        string   `json:"id"`
	StateID   string   `json:"stateId"`
	SectionID string   `json:"sectionId"`
	NoteID    string   `json:"noteId"`
	Title     string   `json:"title"`
	Body      string   `json:"body"`
	Tags      []string `json:"tags"`
}

// SectionRecord is the data indexed for a section.
type SectionRecord struct {
	ID        string   `json:"id"`
	StateID   string   `json:"stateId"`
	SectionID string   `json:"sectionId"`
	Title     string   `json:"title"`
	Tags      []string `json:"tags"`
}
