package editor

import (
	"fmt"
	"log"
)

// View identifies which editor surface is active. Visibility is a pure
// function of this state, never the other way around.
type View int

const (
	ViewRich View = iota
	ViewHTML
	ViewPreview
)

func (v View) String() string {
	switch v {
	case ViewRich:
		return "rich"
	case ViewHTML:
		return "html"
	case ViewPreview:
		return "preview"
	default:
		return "unknown"
	}
}

// Format is the active character-formatting state of the rich view.
type Format struct {
	Bold      bool
	Italic    bool
	Underline bool
	Strike    bool
	Code      bool
}

// Engine synchronizes the three views over one shared logical HTML value.
// Every write fully replaces the shared value; a hidden form field mirrors
// it on each transition and each rich edit.
type Engine struct {
	view     View
	shared   string
	hidden   string
	rich     *Node
	htmlText string
	preview  string

	format    Format
	selection int

	warnings []string

	// parse is a seam for tests; production uses ParseHTML.
	parse func(string) (*Node, error)
}

// NewEngine starts in the rich view with empty content.
func NewEngine() *Engine {
	return &Engine{rich: EmptyDoc(), parse: ParseHTML}
}

// ActiveView returns the current view.
func (e *Engine) ActiveView() View { return e.view }

// Visible reports whether the given view should be shown.
func (e *Engine) Visible(v View) bool { return e.view == v }

// Content returns the shared logical HTML value.
func (e *Engine) Content() string { return e.shared }

// HiddenField returns the mirrored form-field value.
func (e *Engine) HiddenField() string { return e.hidden }

// RichDoc returns the structured tree backing the rich view.
func (e *Engine) RichDoc() *Node { return e.rich }

// HTMLText returns the raw text of the html view's textbox.
func (e *Engine) HTMLText() string { return e.htmlText }

// Preview returns the read-only render source.
func (e *Engine) Preview() string { return e.preview }

// Format returns the active character-formatting state.
func (e *Engine) Format() Format { return e.format }

// SetFormat replaces the active character-formatting state.
func (e *Engine) SetFormat(f Format) { e.format = f }

// Selection returns the cursor position.
func (e *Engine) Selection() int { return e.selection }

// SetSelection moves the cursor.
func (e *Engine) SetSelection(pos int) { e.selection = pos }

// Warnings returns recoverable warnings recorded so far.
func (e *Engine) Warnings() []string {
	return append([]string(nil), e.warnings...)
}

// SetContent loads HTML into the engine, normalizing it and populating the
// active view.
func (e *Engine) SetContent(fragment string) {
	e.setShared(fragment)
	e.populate(e.view)
}

// EditRich applies an edit made in the rich view: the tree replaces the
// shared value, and the hidden field mirrors it immediately.
func (e *Engine) EditRich(doc *Node) {
	if doc == nil {
		doc = EmptyDoc()
	}
	e.rich = Normalize(doc)
	e.shared = Serialize(e.rich)
	e.hidden = e.shared
}

// EditHTML records typing in the html view's textbox. The shared value is
// not touched until the view is left.
func (e *Engine) EditHTML(text string) {
	e.htmlText = text
}

// ToView switches the active view: the leaving view's authoritative content
// is captured into the shared value, normalized, and the target view is
// populated from it. Switching to the current view is a no-op.
func (e *Engine) ToView(target View) {
	if target == e.view {
		return
	}
	switch e.view {
	case ViewRich:
		e.shared = Serialize(Normalize(e.rich))
		e.hidden = e.shared
	case ViewHTML:
		e.setShared(e.htmlText)
	case ViewPreview:
		// Read-only; the shared value is already authoritative.
	}
	e.view = target
	e.populate(target)
	e.hidden = e.shared
}

// Reset clears content, formatting state, and selection — used when a modal
// is cancelled so nothing stale leaks into the next edit session.
func (e *Engine) Reset() {
	e.shared = ""
	e.hidden = ""
	e.rich = EmptyDoc()
	e.htmlText = ""
	e.preview = ""
	e.format = Format{}
	e.selection = 0
}

// setShared normalizes fragment into the shared value. When the fragment
// cannot be parsed it is kept verbatim and a recoverable warning is
// recorded; user-typed content is never dropped.
func (e *Engine) setShared(fragment string) {
	doc, err := e.parse(fragment)
	if err != nil {
		e.warn("keeping unparseable content verbatim: %v", err)
		e.shared = fragment
		return
	}
	e.shared = Serialize(Normalize(doc))
}

func (e *Engine) populate(target View) {
	switch target {
	case ViewRich:
		doc, err := e.parse(e.shared)
		if err != nil {
			e.warn("rich view falling back to literal content: %v", err)
			doc = FallbackDoc(e.shared)
		}
		e.rich = Normalize(doc)
	case ViewHTML:
		e.htmlText = e.shared
	case ViewPreview:
		e.preview = e.shared
	}
}

func (e *Engine) warn(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	log.Printf("editor: %s", msg)
	e.warnings = append(e.warnings, msg)
}
