// Package filter decides content visibility against an active filter
// expression: OR across tokens, AND within a combined-tag token.
package filter

import (
	"strings"

	"tagdoc/api/internal/tags"
)

// Expression is a set of lowercase filter tokens. Each token is either a
// singular tag or a combined tag with components joined by the separator.
type Expression []string

// Parse normalizes raw filter values into an expression: lowercased,
// trimmed, deduplicated, empty values dropped.
func Parse(raw []string) Expression {
	seen := make(map[string]struct{}, len(raw))
	expr := make(Expression, 0, len(raw))
	for _, value := range raw {
		token := strings.ToLower(strings.TrimSpace(value))
		if token == "" {
			continue
		}
		if _, ok := seen[token]; ok {
			continue
		}
		seen[token] = struct{}{}
		expr = append(expr, token)
	}
	return expr
}

// Matches reports whether an item carrying itemTags is visible under the
// expression. An empty expression shows everything; the reserved "all" tag
// makes an item immune to filtering.
//
// A combined token is satisfied against the item's effective singular-tag
// set: the union of its singular tags and the components of every combined
// tag it carries. A token matches when every component is in that set, so
// both an item holding the combined tag itself and an item holding each
// component separately pass.
func Matches(itemTags []string, expr Expression) bool {
	if len(expr) == 0 {
		return true
	}
	effective := effectiveTagSet(itemTags)
	if _, ok := effective[strings.ToLower(tags.ReservedAll)]; ok {
		return true
	}
	for _, token := range expr {
		if matchesToken(effective, token) {
			return true
		}
	}
	return false
}

func matchesToken(effective map[string]struct{}, token string) bool {
	if !strings.Contains(token, tags.Separator) {
		_, ok := effective[token]
		return ok
	}
	for _, component := range strings.Split(token, tags.Separator) {
		component = strings.ToLower(strings.TrimSpace(component))
		if component == "" {
			continue
		}
		if _, ok := effective[component]; !ok {
			return false
		}
	}
	return true
}

func effectiveTagSet(itemTags []string) map[string]struct{} {
	effective := make(map[string]struct{}, len(itemTags))
	for _, tag := range itemTags {
		effective[strings.ToLower(strings.TrimSpace(tag))] = struct{}{}
		for _, component := range tags.Components(tag) {
			effective[strings.ToLower(component)] = struct{}{}
		}
	}
	return effective
}

// VisibleSections filters a document's content tree. A section is included
// when it matches itself or when any of its notes match; included sections
// carry only their visible notes. A section tagged "all" is included whole.
// Note tag sets are augmented with the tags of categories attached to the
// note before matching.
func VisibleSections(doc *tags.Document, expr Expression) []tags.Section {
	if len(expr) == 0 {
		return doc.Clone().Sections
	}

	categoryTags := make(map[string][]string, len(doc.Categories))
	for _, category := range doc.Categories {
		categoryTags[category.ID] = category.Tags
	}

	visible := make([]tags.Section, 0, len(doc.Sections))
	for _, section := range doc.Sections {
		copied := cloneSection(section)
		if carriesReserved(section.Tags) {
			visible = append(visible, copied)
			continue
		}

		sectionMatches := Matches(augment(section.Tags, section.Categories, categoryTags), expr)

		notes := make([]tags.Note, 0, len(copied.Notes))
		for _, note := range copied.Notes {
			if Matches(augment(note.Tags, note.Categories, categoryTags), expr) {
				notes = append(notes, note)
			}
		}
		copied.Notes = notes

		if sectionMatches || len(notes) > 0 {
			visible = append(visible, copied)
		}
	}
	return visible
}

func augment(itemTags, categoryIDs []string, categoryTags map[string][]string) []string {
	if len(categoryIDs) == 0 {
		return itemTags
	}
	out := append([]string(nil), itemTags...)
	for _, id := range categoryIDs {
		out = append(out, categoryTags[id]...)
	}
	return out
}

func carriesReserved(itemTags []string) bool {
	for _, tag := range itemTags {
		if tags.IsReservedTag(tag) {
			return true
		}
	}
	return false
}

func cloneSection(section tags.Section) tags.Section {
	copied := section
	copied.Tags = append([]string(nil), section.Tags...)
	copied.Categories = append([]string(nil), section.Categories...)
	copied.Notes = make([]tags.Note, len(section.Notes))
	for i, note := range section.Notes {
		copiedNote := note
		copiedNote.Tags = append([]string(nil), note.Tags...)
		copiedNote.Categories = append([]string(nil), note.Categories...)
		copied.Notes[i] = copiedNote
	}
	return copied
}
