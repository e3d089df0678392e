// Package widget implements the tag-input state machine: committed tokens,
// composite mode for building combined tags, suggestion filtering, and
// reconciliation of asynchronous tag creation against the shared tag model.
package widget

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"tagdoc/api/internal/tags"
)

// TokenKind discriminates the two entities a committed token can refer to.
type TokenKind int

const (
	// TokenTag is a committed singular or combined tag.
	TokenTag TokenKind = iota
	// TokenCategory is a committed reference to a category, by id.
	TokenCategory
)

// Token is one committed entry in the input: a tag name or a category id.
type Token struct {
	Kind  TokenKind
	Value string
}

// CreateResult is the server's answer to a tag-creation round trip.
type CreateResult struct {
	Success bool
	Tag     string
	AllTags []string
	Message string
}

// Creator performs the tag-creation round trip. Implementations may block;
// the widget never calls it on its own goroutine's critical path.
type Creator interface {
	CreateTag(ctx context.Context, name string) (CreateResult, error)
}

// Input is one tag-input instance. All instances on a page share one
// *tags.Model handle and re-read it on every suggestion pass; the model is
// never snapshotted into the widget.
type Input struct {
	mu      sync.Mutex
	model   *tags.Model
	creator Creator

	committed []Token
	partial   []string // nil when not in composite mode

	// Set when composite mode was entered by clicking a committed tag, so
	// Escape can put the clicked token back where it was.
	restoreToken *Token
	restoreIndex int

	// generation identifies the composite-mode epoch a create call was
	// issued under. It advances on every entry to or exit from composite
	// mode; a create resolving under a stale generation must not touch the
	// committed list.
	generation int

	message string
}

// NewInput builds a widget over the shared model. creator may be nil; tag
// creation is then resolved externally through ResolveCreate.
func NewInput(model *tags.Model, creator Creator) *Input {
	return &Input{model: model, creator: creator}
}

// Committed returns a copy of the committed token list, in commit order.
func (in *Input) Committed() []Token {
	in.mu.Lock()
	defer in.mu.Unlock()
	return append([]Token(nil), in.committed...)
}

// Tags returns the committed tag values, skipping category tokens.
func (in *Input) Tags() []string {
	in.mu.Lock()
	defer in.mu.Unlock()
	out := make([]string, 0, len(in.committed))
	for _, token := range in.committed {
		if token.Kind == TokenTag {
			out = append(out, token.Value)
		}
	}
	return out
}

// SelectedCategories returns the committed category ids.
func (in *Input) SelectedCategories() []string {
	in.mu.Lock()
	defer in.mu.Unlock()
	out := make([]string, 0, len(in.committed))
	for _, token := range in.committed {
		if token.Kind == TokenCategory {
			out = append(out, token.Value)
		}
	}
	return out
}

// InComposite reports whether a combined tag is being built.
func (in *Input) InComposite() bool {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.partial != nil
}

// Partial returns a copy of the in-progress composite components.
func (in *Input) Partial() []string {
	in.mu.Lock()
	defer in.mu.Unlock()
	return append([]string(nil), in.partial...)
}

// Message returns the last user-visible failure message and clears it.
func (in *Input) Message() string {
	in.mu.Lock()
	defer in.mu.Unlock()
	msg := in.message
	in.message = ""
	return msg
}

// Commit handles Enter or comma on the current input text. In composite mode
// the text becomes the final component and the combined tag is finalized;
// otherwise the text is classified as a category reference or a tag and
// committed, auto-creating unknown tags through the creator.
func (in *Input) Commit(input string) {
	in.mu.Lock()
	defer in.mu.Unlock()

	trimmed := strings.TrimSpace(input)
	if in.partial != nil {
		if trimmed != "" {
			in.partial = appendComponent(in.partial, trimmed)
		}
		in.finalizeLocked()
		return
	}
	if trimmed == "" {
		return
	}
	in.commitTokenLocked(trimmed)
}

// Ampersand handles the & key: the current input text becomes a composite
// component. With one component the widget stays in composite mode awaiting
// the next; reaching two finalizes the combined tag immediately.
func (in *Input) Ampersand(input string) {
	in.mu.Lock()
	defer in.mu.Unlock()

	trimmed := strings.TrimSpace(input)
	if trimmed == "" {
		return
	}
	entering := in.partial == nil
	in.partial = appendComponent(in.partial, trimmed)
	if entering {
		in.generation++
	}
	if len(in.partial) >= 2 {
		in.finalizeLocked()
	}
}

// ClickToken re-enters composite mode seeded with the clicked committed
// tag's components, removing it from the committed list so the user can
// extend it into a larger combined tag.
func (in *Input) ClickToken(value string) {
	in.mu.Lock()
	defer in.mu.Unlock()

	for i, token := range in.committed {
		if token.Kind != TokenTag || !strings.EqualFold(token.Value, value) {
			continue
		}
		removed := token
		in.committed = append(in.committed[:i], in.committed[i+1:]...)
		in.restoreToken = &removed
		in.restoreIndex = i
		in.partial = tags.Components(removed.Value)
		in.generation++
		return
	}
}

// Escape discards the composite partial. When the composite was seeded from
// a clicked token, that token is restored verbatim at its old position.
func (in *Input) Escape() {
	in.mu.Lock()
	defer in.mu.Unlock()

	if in.partial == nil {
		return
	}
	in.partial = nil
	in.generation++
	if in.restoreToken != nil {
		idx := in.restoreIndex
		if idx > len(in.committed) {
			idx = len(in.committed)
		}
		in.committed = append(in.committed[:idx], append([]Token{*in.restoreToken}, in.committed[idx:]...)...)
		in.restoreToken = nil
	}
}

// BackspaceEmpty handles backspace on an empty input: the most recently
// committed token is removed.
func (in *Input) BackspaceEmpty() {
	in.mu.Lock()
	defer in.mu.Unlock()
	if len(in.committed) == 0 {
		return
	}
	in.committed = in.committed[:len(in.committed)-1]
}

func (in *Input) finalizeLocked() {
	combined, err := in.model.ComposeAndTag(in.partial)
	if err != nil {
		// Composite mode is preserved so the user can keep typing.
		in.partial = dedupePreserve(in.partial)
		in.message = fmt.Sprintf("combined tag needs at least two distinct components, have %q", strings.Join(in.partial, ", "))
		return
	}
	in.partial = nil
	in.restoreToken = nil
	in.generation++
	in.appendTokenLocked(Token{Kind: TokenTag, Value: combined})
}

func (in *Input) commitTokenLocked(value string) {
	if category, ok := in.classifyCategory(value); ok {
		in.appendTokenLocked(Token{Kind: TokenCategory, Value: category.ID})
		return
	}
	canonical := tags.Canonical(value)
	if in.model.HasTag(canonical) {
		in.appendTokenLocked(Token{Kind: TokenTag, Value: canonical})
		return
	}
	// Optimistic commit; the creator's answer reconciles or rolls back.
	in.appendTokenLocked(Token{Kind: TokenTag, Value: canonical})
	gen := in.generation
	if in.creator != nil {
		go func() {
			res, err := in.creator.CreateTag(context.Background(), canonical)
			in.ResolveCreate(gen, canonical, res, err)
		}()
	}
}

// ResolveCreate applies the outcome of a tag-creation round trip issued
// under generation gen. A failed creation rolls back the optimistic commit
// and surfaces a message. A success under the issuing generation
// canonicalizes the committed token; under a stale generation it updates
// the shared model only, except that a component of the current composite
// partial matching the created name is still canonicalized in place.
func (in *Input) ResolveCreate(gen int, name string, res CreateResult, err error) {
	in.mu.Lock()
	defer in.mu.Unlock()

	if err != nil || !res.Success {
		in.removeCommittedTagLocked(name)
		msg := res.Message
		if msg == "" && err != nil {
			msg = fmt.Sprintf("could not create tag %q: %v", name, err)
		}
		if msg == "" {
			msg = fmt.Sprintf("could not create tag %q", name)
		}
		in.message = msg
		return
	}

	if len(res.AllTags) > 0 {
		in.model.SyncKnownTags(res.AllTags)
	}
	canonical := res.Tag
	if canonical == "" {
		canonical = name
	}
	if gen == in.generation {
		for i, token := range in.committed {
			if token.Kind == TokenTag && strings.EqualFold(token.Value, name) {
				in.committed[i].Value = canonical
				return
			}
		}
		return
	}
	// Stale generation: the input has moved on. If the created tag was
	// carried into the current composite partial, keep it attached there.
	for i, component := range in.partial {
		if strings.EqualFold(component, name) {
			in.partial[i] = canonical
			return
		}
	}
}

func (in *Input) appendTokenLocked(token Token) {
	for _, existing := range in.committed {
		if existing.Kind == token.Kind && strings.EqualFold(existing.Value, token.Value) {
			return
		}
	}
	in.committed = append(in.committed, token)
}

func (in *Input) removeCommittedTagLocked(name string) {
	for i, token := range in.committed {
		if token.Kind == TokenTag && strings.EqualFold(token.Value, name) {
			in.committed = append(in.committed[:i], in.committed[i+1:]...)
			return
		}
	}
}

func (in *Input) classifyCategory(value string) (tags.Category, bool) {
	for _, category := range in.model.Categories() {
		if category.ID == value || strings.EqualFold(category.Name, value) {
			return category, true
		}
	}
	return tags.Category{}, false
}

func appendComponent(partial []string, component string) []string {
	for _, existing := range partial {
		if strings.EqualFold(existing, component) {
			return partial
		}
	}
	return append(partial, component)
}

func dedupePreserve(values []string) []string {
	out := make([]string, 0, len(values))
	for _, value := range values {
		keep := true
		for _, existing := range out {
			if strings.EqualFold(existing, value) {
				keep = false
				break
			}
		}
		if keep {
			out = append(out, value)
		}
	}
	return out
}
