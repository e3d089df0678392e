package widget

import (
	"fmt"
	"strings"
)

// SuggestionKind discriminates suggestion entries for rendering.
type SuggestionKind int

const (
	// SuggestTag offers an existing tag from the shared universe.
	SuggestTag SuggestionKind = iota
	// SuggestCategory offers a category, rendered with its own affordance.
	SuggestCategory
	// SuggestCreate is the synthetic entry offering to create the typed
	// text as a new tag.
	SuggestCreate
)

// Suggestion is one entry in the dropdown. Value is what commits (tag name,
// category id, or the text to create); Label is what renders.
type Suggestion struct {
	Kind  SuggestionKind
	Value string
	Label string
}

// Suggestions computes the dropdown for the current input text. The shared
// model is re-read on every call so edits made by other widgets or by server
// reconciliation show up between keystrokes.
func (in *Input) Suggestions(input string) []Suggestion {
	in.mu.Lock()
	defer in.mu.Unlock()

	needle := strings.ToLower(strings.TrimSpace(input))

	committed := make(map[string]struct{}, len(in.committed))
	selectedCategories := make(map[string]struct{})
	for _, token := range in.committed {
		if token.Kind == TokenTag {
			committed[strings.ToLower(token.Value)] = struct{}{}
		} else {
			selectedCategories[token.Value] = struct{}{}
		}
	}
	inPartial := make(map[string]struct{}, len(in.partial))
	for _, component := range in.partial {
		inPartial[strings.ToLower(component)] = struct{}{}
	}

	var out []Suggestion
	exact := false
	for _, tag := range in.model.SuggestionPool() {
		folded := strings.ToLower(tag)
		if folded == needle {
			exact = true
		}
		if needle != "" && !strings.Contains(folded, needle) {
			continue
		}
		if _, ok := committed[folded]; ok {
			continue
		}
		if _, ok := inPartial[folded]; ok {
			continue
		}
		out = append(out, Suggestion{Kind: SuggestTag, Value: tag, Label: tag})
	}

	// Category entries stay out of composite mode: components of a combined
	// tag are always tags.
	if in.partial == nil {
		for _, category := range in.model.Categories() {
			folded := strings.ToLower(category.Name)
			if needle != "" && !strings.Contains(folded, needle) && !strings.Contains(strings.ToLower(category.ID), needle) {
				continue
			}
			if _, ok := selectedCategories[category.ID]; ok {
				continue
			}
			out = append(out, Suggestion{Kind: SuggestCategory, Value: category.ID, Label: category.Name})
		}
	}

	if needle != "" && !exact {
		trimmed := strings.TrimSpace(input)
		out = append(out, Suggestion{
			Kind:  SuggestCreate,
			Value: trimmed,
			Label: fmt.Sprintf("Create new tag: %q", trimmed),
		})
	}
	return out
}

// SelectSuggestion commits a suggestion. Tag and create entries route
// through the same composite-vs-commit logic as typing the value and
// pressing Enter; category entries commit a category reference.
func (in *Input) SelectSuggestion(s Suggestion) {
	if s.Kind == SuggestCategory {
		in.mu.Lock()
		defer in.mu.Unlock()
		in.appendTokenLocked(Token{Kind: TokenCategory, Value: s.Value})
		return
	}
	in.Commit(s.Value)
}
