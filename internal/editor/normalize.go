package editor

import "strings"

// Normalize trims blank trailing paragraphs from a document tree: a trailing
// run of two or more empty paragraphs is removed entirely, while a single
// trailing empty paragraph is preserved. Repeated view-switch round trips
// therefore cannot grow the document, and normalizing an already-normalized
// tree is a no-op.
func Normalize(doc *Node) *Node {
	if doc == nil {
		return EmptyDoc()
	}
	content := doc.Content
	run := 0
	for i := len(content) - 1; i >= 0; i-- {
		if !isEmptyParagraph(content[i]) {
			break
		}
		run++
	}
	if run >= 2 {
		content = content[:len(content)-run]
	}
	out := *doc
	out.Content = content
	return &out
}

// NormalizeHTML applies Normalize to an HTML string. Input that cannot be
// parsed is returned unchanged.
func NormalizeHTML(fragment string) string {
	doc, err := ParseHTML(fragment)
	if err != nil {
		return fragment
	}
	return Serialize(Normalize(doc))
}

func isEmptyParagraph(node Node) bool {
	if node.Type != NodeParagraph {
		return false
	}
	for _, child := range node.Content {
		switch child.Type {
		case NodeHardBreak:
		case NodeText:
			if strings.TrimSpace(child.Text) != "" {
				return false
			}
		default:
			return false
		}
	}
	return true
}
