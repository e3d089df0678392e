// Package editor keeps the three views of a rich-text editor (structured,
// raw HTML, preview) synchronized over one shared logical HTML value.
package editor

import (
	"fmt"
	"html"
	"strconv"
	"strings"

	xhtml "golang.org/x/net/html"
)

// Mark is a formatting mark applied to a text node.
type Mark struct {
	Type string `json:"type"`
	Href string `json:"href,omitempty"`
}

// Node is one node in the structured document tree.
type Node struct {
	Type    string `json:"type"`
	Level   int    `json:"level,omitempty"`
	Text    string `json:"text,omitempty"`
	Marks   []Mark `json:"marks,omitempty"`
	Content []Node `json:"content,omitempty"`
}

// Node and mark types understood by the tree.
const (
	NodeDoc        = "doc"
	NodeParagraph  = "paragraph"
	NodeHeading    = "heading"
	NodeBulletList = "bulletList"
	NodeOrderList  = "orderedList"
	NodeListItem   = "listItem"
	NodeBlockquote = "blockquote"
	NodeCodeBlock  = "codeBlock"
	NodeText       = "text"
	NodeHardBreak  = "hardBreak"
	NodeRule       = "horizontalRule"

	MarkBold      = "bold"
	MarkItalic    = "italic"
	MarkCode      = "code"
	MarkLink      = "link"
	MarkStrike    = "strike"
	MarkUnderline = "underline"
)

// EmptyDoc returns a document with no content.
func EmptyDoc() *Node {
	return &Node{Type: NodeDoc}
}

// FallbackDoc wraps raw text as a single literal paragraph, used when HTML
// parsing fails so no user-typed content is lost.
func FallbackDoc(raw string) *Node {
	return &Node{Type: NodeDoc, Content: []Node{
		{Type: NodeParagraph, Content: []Node{{Type: NodeText, Text: raw}}},
	}}
}

// Serialize renders the document tree to HTML.
func Serialize(doc *Node) string {
	if doc == nil {
		return ""
	}
	var b strings.Builder
	for _, child := range doc.Content {
		renderNode(&b, child)
	}
	return b.String()
}

func renderNode(b *strings.Builder, node Node) {
	switch node.Type {
	case NodeParagraph:
		b.WriteString("<p>")
		renderChildren(b, node)
		b.WriteString("</p>\n")
	case NodeHeading:
		level := node.Level
		if level < 1 || level > 6 {
			level = 1
		}
		fmt.Fprintf(b, "<h%d>", level)
		renderChildren(b, node)
		fmt.Fprintf(b, "</h%d>\n", level)
	case NodeBulletList:
		b.WriteString("<ul>\n")
		renderChildren(b, node)
		b.WriteString("</ul>\n")
	case NodeOrderList:
		b.WriteString("<ol>\n")
		renderChildren(b, node)
		b.WriteString("</ol>\n")
	case NodeListItem:
		b.WriteString("<li>")
		renderChildren(b, node)
		b.WriteString("</li>\n")
	case NodeBlockquote:
		b.WriteString("<blockquote>\n")
		renderChildren(b, node)
		b.WriteString("</blockquote>\n")
	case NodeCodeBlock:
		b.WriteString("<pre><code>")
		b.WriteString(html.EscapeString(rawText(node)))
		b.WriteString("</code></pre>\n")
	case NodeText:
		b.WriteString(renderTextWithMarks(node.Text, node.Marks))
	case NodeHardBreak:
		b.WriteString("<br>")
	case NodeRule:
		b.WriteString("<hr>\n")
	default:
		renderChildren(b, node)
	}
}

func renderChildren(b *strings.Builder, node Node) {
	for _, child := range node.Content {
		renderNode(b, child)
	}
}

func renderTextWithMarks(text string, marks []Mark) string {
	if text == "" {
		return ""
	}
	out := html.EscapeString(text)
	for i := len(marks) - 1; i >= 0; i-- {
		switch marks[i].Type {
		case MarkBold:
			out = "<strong>" + out + "</strong>"
		case MarkItalic:
			out = "<em>" + out + "</em>"
		case MarkCode:
			out = "<code>" + out + "</code>"
		case MarkLink:
			out = fmt.Sprintf(`<a href="%s">%s</a>`, html.EscapeString(marks[i].Href), out)
		case MarkStrike:
			out = "<s>" + out + "</s>"
		case MarkUnderline:
			out = "<u>" + out + "</u>"
		}
	}
	return out
}

func rawText(node Node) string {
	if node.Type == NodeText {
		return node.Text
	}
	var b strings.Builder
	for _, child := range node.Content {
		b.WriteString(rawText(child))
	}
	return b.String()
}

// PlainText extracts the readable text of an HTML fragment, with block
// boundaries collapsed to single spaces. Unparseable input is returned
// as-is.
func PlainText(fragment string) string {
	doc, err := ParseHTML(fragment)
	if err != nil {
		return strings.TrimSpace(fragment)
	}
	parts := make([]string, 0, len(doc.Content))
	for _, block := range doc.Content {
		if text := strings.TrimSpace(rawText(block)); text != "" {
			parts = append(parts, text)
		}
	}
	return strings.Join(parts, " ")
}

// ParseHTML builds a document tree from an HTML fragment. The underlying
// parser is tolerant; an error here means the input could not be parsed at
// all and the caller should fall back to FallbackDoc.
func ParseHTML(fragment string) (*Node, error) {
	root, err := xhtml.Parse(strings.NewReader(fragment))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}
	body := findBody(root)
	if body == nil {
		return EmptyDoc(), nil
	}
	doc := EmptyDoc()
	doc.Content = parseBlocks(body)
	return doc, nil
}

func findBody(node *xhtml.Node) *xhtml.Node {
	if node.Type == xhtml.ElementNode && node.Data == "body" {
		return node
	}
	for child := node.FirstChild; child != nil; child = child.NextSibling {
		if body := findBody(child); body != nil {
			return body
		}
	}
	return nil
}

func parseBlocks(container *xhtml.Node) []Node {
	var blocks []Node
	for child := container.FirstChild; child != nil; child = child.NextSibling {
		switch child.Type {
		case xhtml.TextNode:
			if strings.TrimSpace(child.Data) == "" {
				continue
			}
			// Bare text at block level gets its own paragraph.
			blocks = append(blocks, Node{Type: NodeParagraph, Content: []Node{
				{Type: NodeText, Text: child.Data},
			}})
		case xhtml.ElementNode:
			if block, ok := parseBlock(child); ok {
				blocks = append(blocks, block...)
			}
		}
	}
	return blocks
}

func parseBlock(el *xhtml.Node) ([]Node, bool) {
	switch el.Data {
	case "p":
		return []Node{{Type: NodeParagraph, Content: parseInline(el, nil)}}, true
	case "h1", "h2", "h3", "h4", "h5", "h6":
		level, _ := strconv.Atoi(el.Data[1:])
		return []Node{{Type: NodeHeading, Level: level, Content: parseInline(el, nil)}}, true
	case "ul":
		return []Node{{Type: NodeBulletList, Content: parseListItems(el)}}, true
	case "ol":
		return []Node{{Type: NodeOrderList, Content: parseListItems(el)}}, true
	case "blockquote":
		return []Node{{Type: NodeBlockquote, Content: parseBlocks(el)}}, true
	case "pre":
		return []Node{{Type: NodeCodeBlock, Content: []Node{
			{Type: NodeText, Text: textContent(el)},
		}}}, true
	case "hr":
		return []Node{{Type: NodeRule}}, true
	case "div", "section", "article":
		return parseBlocks(el), true
	default:
		// Inline content outside a paragraph gets wrapped in one.
		inline := parseInline(el, marksFor(el, nil))
		if len(inline) == 0 {
			return nil, false
		}
		return []Node{{Type: NodeParagraph, Content: inline}}, true
	}
}

func parseListItems(list *xhtml.Node) []Node {
	var items []Node
	for child := list.FirstChild; child != nil; child = child.NextSibling {
		if child.Type == xhtml.ElementNode && child.Data == "li" {
			items = append(items, Node{Type: NodeListItem, Content: parseInline(child, nil)})
		}
	}
	return items
}

func parseInline(el *xhtml.Node, marks []Mark) []Node {
	var out []Node
	for child := el.FirstChild; child != nil; child = child.NextSibling {
		switch child.Type {
		case xhtml.TextNode:
			if child.Data == "" {
				continue
			}
			out = append(out, Node{Type: NodeText, Text: child.Data, Marks: marks})
		case xhtml.ElementNode:
			if child.Data == "br" {
				out = append(out, Node{Type: NodeHardBreak})
				continue
			}
			out = append(out, parseInline(child, marksFor(child, marks))...)
		}
	}
	return out
}

func marksFor(el *xhtml.Node, parent []Mark) []Mark {
	var mark Mark
	switch el.Data {
	case "strong", "b":
		mark = Mark{Type: MarkBold}
	case "em", "i":
		mark = Mark{Type: MarkItalic}
	case "code":
		mark = Mark{Type: MarkCode}
	case "a":
		mark = Mark{Type: MarkLink, Href: attr(el, "href")}
	case "s", "del", "strike":
		mark = Mark{Type: MarkStrike}
	case "u":
		mark = Mark{Type: MarkUnderline}
	default:
		return parent
	}
	out := append([]Mark(nil), parent...)
	return append(out, mark)
}

func attr(el *xhtml.Node, name string) string {
	for _, a := range el.Attr {
		if a.Key == name {
			return a.Val
		}
	}
	return ""
}

func textContent(el *xhtml.Node) string {
	var b strings.Builder
	var walk func(*xhtml.Node)
	walk = func(node *xhtml.Node) {
		if node.Type == xhtml.TextNode {
			b.WriteString(node.Data)
		}
		for child := node.FirstChild; child != nil; child = child.NextSibling {
			walk(child)
		}
	}
	walk(el)
	return b.String()
}
