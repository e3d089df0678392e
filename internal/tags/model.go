package tags

import (
	"strings"
	"sync"

	"github.com/google/uuid"
)

// Category is a named grouping bucket for tags, independent of filtering.
type Category struct {
	ID   string   `json:"id"`
	Name string   `json:"name"`
	Tags []string `json:"tags"`
}

// Note is a rich-text content item nested under a section.
type Note struct {
	ID         string   `json:"id"`
	Title      string   `json:"title"`
	BodyHTML   string   `json:"bodyHtml"`
	Tags       []string `json:"tags"`
	Categories []string `json:"categories,omitempty"`
}

// Section is an ordered content item holding ordered notes.
type Section struct {
	ID         string   `json:"id"`
	Title      string   `json:"title"`
	Tags       []string `json:"tags"`
	Categories []string `json:"categories,omitempty"`
	Notes      []Note   `json:"notes"`
}

// Document is one loadable document state: the content tree plus the tag
// universe it references.
type Document struct {
	Title      string     `json:"documentTitle"`
	Sections   []Section  `json:"sections"`
	KnownTags  []string   `json:"known_tags"`
	AndTags    []string   `json:"and_tags"`
	Categories []Category `json:"tag_categories"`
}

// NewDocument creates a blank document state with the reserved "All" tag and
// the Uncategorized landing category.
func NewDocument(title string) *Document {
	return &Document{
		Title:     title,
		Sections:  []Section{},
		KnownTags: []string{ReservedAll},
		AndTags:   []string{},
		Categories: []Category{
			{ID: uuid.NewString(), Name: UncategorizedName, Tags: []string{ReservedAll}},
		},
	}
}

// Model is the shared, session-wide mutable view of a document's tag
// universe. Every widget on a page holds the same *Model and re-reads it on
// each pass instead of caching a private snapshot.
type Model struct {
	mu  sync.Mutex
	doc *Document
}

// NewModel wraps a document, bootstrapping the Uncategorized category if the
// loaded state predates categories.
func NewModel(doc *Document) *Model {
	m := &Model{doc: doc}
	m.ensureUncategorizedLocked()
	return m
}

// Document returns a deep copy of the current state, safe to persist or
// serialize while the model keeps mutating.
func (m *Model) Document() *Document {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.doc.Clone()
}

// MutateContent applies fn to the underlying document under the model lock.
// Content-tree edits go through here so they serialize with tag operations on
// the same model.
func (m *Model) MutateContent(fn func(doc *Document) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return fn(m.doc)
}

// Clone deep-copies a document.
func (d *Document) Clone() *Document {
	out := &Document{
		Title:      d.Title,
		Sections:   make([]Section, len(d.Sections)),
		KnownTags:  append([]string(nil), d.KnownTags...),
		AndTags:    append([]string(nil), d.AndTags...),
		Categories: make([]Category, len(d.Categories)),
	}
	for i, section := range d.Sections {
		copied := section
		copied.Tags = append([]string(nil), section.Tags...)
		copied.Categories = append([]string(nil), section.Categories...)
		copied.Notes = make([]Note, len(section.Notes))
		for j, note := range section.Notes {
			copiedNote := note
			copiedNote.Tags = append([]string(nil), note.Tags...)
			copiedNote.Categories = append([]string(nil), note.Categories...)
			copied.Notes[j] = copiedNote
		}
		out.Sections[i] = copied
	}
	for i, category := range d.Categories {
		copied := category
		copied.Tags = append([]string(nil), category.Tags...)
		out.Categories[i] = copied
	}
	return out
}

// KnownTags returns the singular tag universe, sorted case-insensitively.
func (m *Model) KnownTags() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := append([]string(nil), m.doc.KnownTags...)
	sortFold(out)
	return out
}

// AndTags returns the combined tag list.
func (m *Model) AndTags() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := append([]string(nil), m.doc.AndTags...)
	sortFold(out)
	return out
}

// SuggestionPool returns every tag offered by suggestion lists: singular tags
// plus combined tags.
func (m *Model) SuggestionPool() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.doc.KnownTags)+len(m.doc.AndTags))
	out = append(out, m.doc.KnownTags...)
	out = append(out, m.doc.AndTags...)
	out = dedupeFold(out)
	sortFold(out)
	return out
}

// Categories returns a copy of the category list.
func (m *Model) Categories() []Category {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Category, len(m.doc.Categories))
	for i, category := range m.doc.Categories {
		copied := category
		copied.Tags = append([]string(nil), category.Tags...)
		out[i] = copied
	}
	return out
}

// FindCategory resolves a category by id. The pseudo ids resolve to
// Uncategorized for lookup purposes, matching how drops on the virtual
// buckets land.
func (m *Model) FindCategory(id string) (Category, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	category := m.findCategoryLocked(id)
	if category == nil {
		return Category{}, false
	}
	copied := *category
	copied.Tags = append([]string(nil), category.Tags...)
	return copied, true
}

// CategoryByName resolves a category by display name, case-insensitively.
func (m *Model) CategoryByName(name string) (Category, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.doc.Categories {
		if strings.EqualFold(m.doc.Categories[i].Name, name) {
			copied := m.doc.Categories[i]
			copied.Tags = append([]string(nil), copied.Tags...)
			return copied, true
		}
	}
	return Category{}, false
}

// HasTag reports whether name exists in the tag universe (singular or
// combined), case-insensitively.
func (m *Model) HasTag(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return containsFold(m.doc.KnownTags, name) || containsFold(m.doc.AndTags, name)
}

// CreateTag inserts a new tag into the universe. AND-form input is
// normalized to canonical form first. The tag lands in the given category,
// or Uncategorized when the id is empty or unknown.
func (m *Model) CreateTag(name, categoryID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	canonical := Canonical(name)
	if canonical == "" {
		return "", ErrEmptyName
	}
	if containsFold(m.doc.KnownTags, canonical) || containsFold(m.doc.AndTags, canonical) {
		return "", ErrDuplicateTag
	}

	if IsAnd(canonical) {
		m.doc.AndTags = append(m.doc.AndTags, canonical)
		for _, component := range Components(canonical) {
			if !containsFold(m.doc.KnownTags, component) {
				m.doc.KnownTags = append(m.doc.KnownTags, component)
				m.addToCategoryLocked(component, "")
			}
		}
	} else {
		m.doc.KnownTags = append(m.doc.KnownTags, canonical)
	}
	m.addToCategoryLocked(canonical, categoryID)
	sortFold(m.doc.KnownTags)
	return canonical, nil
}

// RenameTag renames a tag everywhere: the universe, every content item,
// every category, and every combined tag carrying it as a component. A
// case-insensitive self-rename is a no-op.
func (m *Model) RenameTag(old, replacement string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	replacement = Canonical(replacement)
	if replacement == "" {
		return ErrEmptyName
	}
	if IsReservedTag(old) {
		return ErrReservedName
	}
	if !containsFold(m.doc.KnownTags, old) && !containsFold(m.doc.AndTags, old) {
		return ErrTagNotFound
	}
	if strings.EqualFold(old, replacement) {
		return nil
	}
	if containsFold(m.doc.KnownTags, replacement) || containsFold(m.doc.AndTags, replacement) {
		return ErrDuplicateTag
	}

	for i := range m.doc.Sections {
		m.doc.Sections[i].Tags = replaceFold(m.doc.Sections[i].Tags, old, replacement)
		for j := range m.doc.Sections[i].Notes {
			m.doc.Sections[i].Notes[j].Tags = replaceFold(m.doc.Sections[i].Notes[j].Tags, old, replacement)
		}
	}
	for i := range m.doc.Categories {
		m.doc.Categories[i].Tags = replaceFold(m.doc.Categories[i].Tags, old, replacement)
		sortFold(m.doc.Categories[i].Tags)
	}
	m.doc.KnownTags = replaceFold(m.doc.KnownTags, old, replacement)

	if IsAnd(replacement) {
		// A rename into AND form moves the entry to the combined list and
		// auto-creates any unknown components.
		m.doc.KnownTags = removeFold(m.doc.KnownTags, replacement)
		if !containsFold(m.doc.AndTags, replacement) {
			m.doc.AndTags = append(m.doc.AndTags, replacement)
		}
		for _, component := range Components(replacement) {
			if !containsFold(m.doc.KnownTags, component) {
				m.doc.KnownTags = append(m.doc.KnownTags, component)
				m.addToCategoryLocked(component, "")
			}
		}
	}

	if IsAnd(old) {
		m.doc.AndTags = removeFold(m.doc.AndTags, old)
		if IsAnd(replacement) {
			if !containsFold(m.doc.AndTags, replacement) {
				m.doc.AndTags = append(m.doc.AndTags, replacement)
			}
		} else if !containsFold(m.doc.KnownTags, replacement) {
			m.doc.KnownTags = append(m.doc.KnownTags, replacement)
			m.addToCategoryLocked(replacement, "")
		}
	}

	// Component-wise substitution inside combined tags, then content items
	// referencing the recombined form.
	if !IsAnd(old) {
		for i, andTag := range m.doc.AndTags {
			components := Components(andTag)
			if !containsFold(components, old) {
				continue
			}
			rebuilt := Combine(replaceFold(components, old, replacement))
			m.replaceContentTagLocked(andTag, rebuilt)
			m.doc.AndTags[i] = rebuilt
		}
		m.doc.AndTags = dedupeFold(m.doc.AndTags)
	}

	sortFold(m.doc.KnownTags)
	m.cleanupLocked()
	return nil
}

// DeleteTag removes a tag from the universe, every content item, and every
// category. Combined tags carrying it as a component shrink; a two-component
// tag degrades to the surviving singular tag.
func (m *Model) DeleteTag(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if IsReservedTag(name) {
		return ErrReservedName
	}
	if !containsFold(m.doc.KnownTags, name) && !containsFold(m.doc.AndTags, name) {
		return ErrTagNotFound
	}

	m.doc.KnownTags = removeFold(m.doc.KnownTags, name)
	m.doc.AndTags = removeFold(m.doc.AndTags, name)
	m.removeContentTagLocked(name)
	for i := range m.doc.Categories {
		m.doc.Categories[i].Tags = removeFold(m.doc.Categories[i].Tags, name)
	}

	if !IsAnd(name) {
		kept := m.doc.AndTags[:0]
		for _, andTag := range m.doc.AndTags {
			components := Components(andTag)
			if !containsFold(components, name) {
				kept = append(kept, andTag)
				continue
			}
			survivors := removeFold(append([]string(nil), components...), name)
			switch len(survivors) {
			case 0:
				m.removeContentTagLocked(andTag)
			case 1:
				survivor := survivors[0]
				m.replaceContentTagLocked(andTag, survivor)
				if !containsFold(m.doc.KnownTags, survivor) {
					m.doc.KnownTags = append(m.doc.KnownTags, survivor)
					m.addToCategoryLocked(survivor, "")
				}
			default:
				rebuilt := Combine(survivors)
				m.replaceContentTagLocked(andTag, rebuilt)
				kept = append(kept, rebuilt)
			}
		}
		m.doc.AndTags = dedupeFold(kept)
	}

	m.cleanupLocked()
	return nil
}

// MoveTag moves a tag's membership from one category to another. The virtual
// "all tags" and "and tags" buckets are never valid targets.
func (m *Model) MoveTag(name, fromCategoryID, toCategoryID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if IsPseudoCategory(toCategoryID) {
		return ErrInvalidTarget
	}
	target := m.findCategoryLocked(toCategoryID)
	if target == nil {
		return ErrCategoryNotFound
	}
	if source := m.findCategoryLocked(fromCategoryID); source != nil {
		source.Tags = removeFold(source.Tags, name)
	}
	if !containsFold(target.Tags, name) {
		target.Tags = append(target.Tags, name)
		sortFold(target.Tags)
	}
	return nil
}

// RemoveTagFromCategory drops a tag's membership in one category. A tag left
// with no category membership is orphaned and removed from the universe by
// cleanup; callers are expected to have confirmed the destructive path.
func (m *Model) RemoveTagFromCategory(name, categoryID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	category := m.findCategoryLocked(categoryID)
	if category == nil {
		return ErrCategoryNotFound
	}
	if !containsFold(category.Tags, name) {
		return ErrTagNotFound
	}
	category.Tags = removeFold(category.Tags, name)

	if !m.categorizedLocked(name) {
		m.doc.KnownTags = removeFold(m.doc.KnownTags, name)
		m.doc.AndTags = removeFold(m.doc.AndTags, name)
		m.removeContentTagLocked(name)
	}
	m.cleanupLocked()
	return nil
}

// ComposeAndTag builds a combined tag from components, deduplicating
// case-insensitively. Unknown components are auto-created. Fewer than two
// distinct components is an error and leaves the model untouched.
func (m *Model) ComposeAndTag(components []string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.composeLocked(components)
}

func (m *Model) composeLocked(components []string) (string, error) {
	unique := dedupeFold(components)
	if len(unique) < 2 {
		return "", ErrInsufficientComponents
	}
	for _, component := range unique {
		if IsAnd(component) {
			return "", ErrInvariant
		}
		if !containsFold(m.doc.KnownTags, component) {
			m.doc.KnownTags = append(m.doc.KnownTags, component)
			m.addToCategoryLocked(component, "")
		}
	}
	combined := Combine(unique)
	if !containsFold(m.doc.AndTags, combined) {
		m.doc.AndTags = append(m.doc.AndTags, combined)
	}
	sortFold(m.doc.KnownTags)
	return combined, nil
}

// ComposeFromDrop combines a dragged tag with the tag it was dropped onto,
// merging the components of both.
func (m *Model) ComposeFromDrop(dragged, target string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	merged := append(Components(dragged), Components(target)...)
	return m.composeLocked(merged)
}

// RemoveAndTagComponent removes one component from a combined tag. The
// result is the surviving singular tag when one component remains, a smaller
// combined tag when two or more remain. A combined tag that would be left
// empty violates the two-component invariant.
func (m *Model) RemoveAndTagComponent(andTag, component string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	index := -1
	for i, candidate := range m.doc.AndTags {
		if strings.EqualFold(candidate, andTag) {
			index = i
			break
		}
	}
	if index < 0 {
		return "", ErrTagNotFound
	}

	components := Components(m.doc.AndTags[index])
	if !containsFold(components, component) {
		return "", ErrTagNotFound
	}
	survivors := removeFold(append([]string(nil), components...), component)

	original := m.doc.AndTags[index]
	switch len(survivors) {
	case 0:
		return "", ErrInvariant
	case 1:
		survivor := survivors[0]
		m.doc.AndTags = append(m.doc.AndTags[:index], m.doc.AndTags[index+1:]...)
		if !containsFold(m.doc.KnownTags, survivor) {
			m.doc.KnownTags = append(m.doc.KnownTags, survivor)
			m.addToCategoryLocked(survivor, "")
			sortFold(m.doc.KnownTags)
		}
		m.replaceContentTagLocked(original, survivor)
		m.cleanupLocked()
		return survivor, nil
	default:
		rebuilt := Combine(survivors)
		m.doc.AndTags[index] = rebuilt
		m.replaceContentTagLocked(original, rebuilt)
		m.cleanupLocked()
		return rebuilt, nil
	}
}

// SyncKnownTags merges a refreshed server snapshot of the tag universe into
// the shared model, used when a create round-trip resolves.
func (m *Model) SyncKnownTags(snapshot []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, tag := range snapshot {
		canonical := Canonical(tag)
		if canonical == "" {
			continue
		}
		if IsAnd(canonical) {
			if !containsFold(m.doc.AndTags, canonical) {
				m.doc.AndTags = append(m.doc.AndTags, canonical)
			}
			continue
		}
		if !containsFold(m.doc.KnownTags, canonical) {
			m.doc.KnownTags = append(m.doc.KnownTags, canonical)
			m.addToCategoryLocked(canonical, "")
		}
	}
	sortFold(m.doc.KnownTags)
}

// AddCategory creates a category. Display-name uniqueness is checked
// case-insensitively; stored case is preserved.
func (m *Model) AddCategory(name string) (Category, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	trimmed := strings.TrimSpace(name)
	if trimmed == "" {
		return Category{}, ErrEmptyName
	}
	for i := range m.doc.Categories {
		if strings.EqualFold(m.doc.Categories[i].Name, trimmed) {
			return Category{}, ErrDuplicateCategory
		}
	}
	category := Category{ID: uuid.NewString(), Name: trimmed, Tags: []string{}}
	m.doc.Categories = append(m.doc.Categories, category)
	return category, nil
}

// RenameCategory renames a category. Uncategorized is immutable.
func (m *Model) RenameCategory(id, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	trimmed := strings.TrimSpace(name)
	if trimmed == "" {
		return ErrEmptyName
	}
	category := m.findCategoryLocked(id)
	if category == nil {
		return ErrCategoryNotFound
	}
	if strings.EqualFold(category.Name, UncategorizedName) && !strings.EqualFold(trimmed, UncategorizedName) {
		return ErrReservedName
	}
	for i := range m.doc.Categories {
		if m.doc.Categories[i].ID != category.ID && strings.EqualFold(m.doc.Categories[i].Name, trimmed) {
			return ErrDuplicateCategory
		}
	}
	category.Name = trimmed
	return nil
}

// DeleteCategory removes a category, moving its tags to Uncategorized.
func (m *Model) DeleteCategory(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	category := m.findCategoryLocked(id)
	if category == nil {
		return ErrCategoryNotFound
	}
	if strings.EqualFold(category.Name, UncategorizedName) {
		return ErrReservedName
	}

	uncategorized := m.ensureUncategorizedLocked()
	uncategorized.Tags = dedupeFold(append(uncategorized.Tags, category.Tags...))
	sortFold(uncategorized.Tags)

	kept := m.doc.Categories[:0]
	for i := range m.doc.Categories {
		if m.doc.Categories[i].ID != category.ID {
			kept = append(kept, m.doc.Categories[i])
		}
	}
	m.doc.Categories = kept
	m.cleanupLocked()
	return nil
}

// CleanupOrphans reconciles the tag universe against actual usage: singular
// tags survive only while used by content or held by an explicit category,
// and reserved variants never accumulate in category lists.
func (m *Model) CleanupOrphans() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cleanupLocked()
}

func (m *Model) cleanupLocked() {
	used := make(map[string]struct{})
	markUsed := func(values []string) {
		for _, value := range values {
			used[strings.ToLower(value)] = struct{}{}
			for _, component := range Components(value) {
				used[strings.ToLower(component)] = struct{}{}
			}
		}
	}
	for i := range m.doc.Sections {
		markUsed(m.doc.Sections[i].Tags)
		for j := range m.doc.Sections[i].Notes {
			markUsed(m.doc.Sections[i].Notes[j].Tags)
		}
	}

	categorized := make(map[string]struct{})
	for i := range m.doc.Categories {
		if strings.EqualFold(m.doc.Categories[i].Name, UncategorizedName) {
			continue
		}
		for _, tag := range m.doc.Categories[i].Tags {
			categorized[strings.ToLower(tag)] = struct{}{}
		}
	}

	keep := func(tag string) bool {
		key := strings.ToLower(tag)
		if _, ok := used[key]; ok {
			return true
		}
		_, ok := categorized[key]
		return ok
	}

	kept := m.doc.KnownTags[:0]
	for _, tag := range m.doc.KnownTags {
		if IsReservedTag(tag) {
			kept = append(kept, tag)
			continue
		}
		if keep(tag) {
			kept = append(kept, tag)
		}
	}
	m.doc.KnownTags = kept
	sortFold(m.doc.KnownTags)

	for i := range m.doc.Categories {
		category := &m.doc.Categories[i]
		uncategorized := strings.EqualFold(category.Name, UncategorizedName)
		filtered := category.Tags[:0]
		for _, tag := range category.Tags {
			if IsReservedTag(tag) {
				if uncategorized {
					filtered = append(filtered, tag)
				}
				continue
			}
			if uncategorized {
				// Uncategorized only holds tags still present in the universe.
				if containsFold(m.doc.KnownTags, tag) || containsFold(m.doc.AndTags, tag) {
					filtered = append(filtered, tag)
				}
				continue
			}
			if keep(tag) {
				filtered = append(filtered, tag)
			}
		}
		category.Tags = filtered
		sortFold(category.Tags)
	}
}

func (m *Model) categorizedLocked(name string) bool {
	for i := range m.doc.Categories {
		if containsFold(m.doc.Categories[i].Tags, name) {
			return true
		}
	}
	return false
}

func (m *Model) findCategoryLocked(id string) *Category {
	if id == "" || id == "uncategorized" || IsPseudoCategory(id) {
		return m.ensureUncategorizedLocked()
	}
	for i := range m.doc.Categories {
		if m.doc.Categories[i].ID == id {
			return &m.doc.Categories[i]
		}
	}
	return nil
}

func (m *Model) ensureUncategorizedLocked() *Category {
	for i := range m.doc.Categories {
		if strings.EqualFold(m.doc.Categories[i].Name, UncategorizedName) {
			return &m.doc.Categories[i]
		}
	}
	category := Category{ID: uuid.NewString(), Name: UncategorizedName, Tags: []string{}}
	m.doc.Categories = append([]Category{category}, m.doc.Categories...)
	return &m.doc.Categories[0]
}

func (m *Model) addToCategoryLocked(tag, categoryID string) {
	category := m.findCategoryLocked(categoryID)
	if category == nil {
		category = m.ensureUncategorizedLocked()
	}
	if !containsFold(category.Tags, tag) {
		category.Tags = append(category.Tags, tag)
		sortFold(category.Tags)
	}
}

func (m *Model) replaceContentTagLocked(old, replacement string) {
	for i := range m.doc.Sections {
		m.doc.Sections[i].Tags = replaceFold(m.doc.Sections[i].Tags, old, replacement)
		for j := range m.doc.Sections[i].Notes {
			m.doc.Sections[i].Notes[j].Tags = replaceFold(m.doc.Sections[i].Notes[j].Tags, old, replacement)
		}
	}
	for i := range m.doc.Categories {
		if containsFold(m.doc.Categories[i].Tags, old) {
			m.doc.Categories[i].Tags = replaceFold(m.doc.Categories[i].Tags, old, replacement)
			sortFold(m.doc.Categories[i].Tags)
		}
	}
}

func (m *Model) removeContentTagLocked(name string) {
	for i := range m.doc.Sections {
		m.doc.Sections[i].Tags = removeFold(m.doc.Sections[i].Tags, name)
		for j := range m.doc.Sections[i].Notes {
			m.doc.Sections[i].Notes[j].Tags = removeFold(m.doc.Sections[i].Notes[j].Tags, name)
		}
	}
}
