// ABOUTME: Converts Markdown-authored answers into WhatsApp text markup
// ABOUTME: Walks the goldmark AST and emits *bold*, _italic_, code spans and plain-text links

package whatsapp

import (
	"strconv"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
)

var markdown = goldmark.New()

// FormatMarkdown renders Markdown as WhatsApp markup. WhatsApp has a single
// emphasis level per marker, so **bold** becomes *bold*, *italic* becomes
// _italic_, headings become bold lines and links become "label (url)".
// Raw HTML is dropped.
func FormatMarkdown(src string) string {
	if strings.TrimSpace(src) == "" {
		return ""
	}
	source := []byte(src)
	doc := markdown.Parser().Parse(text.NewReader(source))

	var b strings.Builder
	_ = ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		switch node := n.(type) {
		case *ast.Heading:
			if entering {
				b.WriteString("*")
			} else {
				b.WriteString("*")
				endBlock(&b, n)
			}
		case *ast.Paragraph, *ast.TextBlock:
			if entering {
				if _, ok := n.Parent().(*ast.Blockquote); ok {
					b.WriteString("> ")
				}
			} else {
				endBlock(&b, n)
			}
		case *ast.ThematicBreak:
			if entering {
				b.WriteString("──────")
				endBlock(&b, n)
			}
		case *ast.List:
			if !entering {
				endBlock(&b, n)
			}
		case *ast.ListItem:
			if entering {
				b.WriteString(listMarker(node))
			}
		case *ast.FencedCodeBlock, *ast.CodeBlock:
			if entering {
				b.WriteString("```\n")
				lines := n.Lines()
				for i := 0; i < lines.Len(); i++ {
					seg := lines.At(i)
					b.Write(seg.Value(source))
				}
				b.WriteString("```")
				endBlock(&b, n)
			}
			return ast.WalkSkipChildren, nil
		case *ast.HTMLBlock, *ast.RawHTML:
			return ast.WalkSkipChildren, nil
		case *ast.Emphasis:
			if node.Level >= 2 {
				b.WriteString("*")
			} else {
				b.WriteString("_")
			}
		case *ast.CodeSpan:
			b.WriteString("`")
		case *ast.Link:
			if !entering {
				dest := string(node.Destination)
				if dest != "" && dest != plainText(n, source) {
					b.WriteString(" (" + dest + ")")
				}
			}
		case *ast.AutoLink:
			if entering {
				b.Write(node.URL(source))
			}
			return ast.WalkSkipChildren, nil
		case *ast.Text:
			if entering {
				b.Write(node.Segment.Value(source))
				if node.HardLineBreak() || node.SoftLineBreak() {
					b.WriteString("\n")
				}
			}
		case *ast.String:
			if entering {
				b.Write(node.Value)
			}
		}
		return ast.WalkContinue, nil
	})

	return tidy(b.String())
}

// endBlock separates block n from what follows: blocks inside list items
// end with a newline, top-level blocks with a blank line.
func endBlock(b *strings.Builder, n ast.Node) {
	if inListItem(n) {
		b.WriteString("\n")
		return
	}
	b.WriteString("\n\n")
}

func inListItem(n ast.Node) bool {
	for p := n.Parent(); p != nil; p = p.Parent() {
		if _, ok := p.(*ast.ListItem); ok {
			return true
		}
	}
	return false
}

func listMarker(item *ast.ListItem) string {
	list, ok := item.Parent().(*ast.List)
	if !ok || !list.IsOrdered() {
		return "• "
	}
	idx := list.Start
	for s := item.PreviousSibling(); s != nil; s = s.PreviousSibling() {
		idx++
	}
	return strconv.Itoa(idx) + ". "
}

func plainText(n ast.Node, source []byte) string {
	var b strings.Builder
	_ = ast.Walk(n, func(c ast.Node, entering bool) (ast.WalkStatus, error) {
		if t, ok := c.(*ast.Text); ok && entering {
			b.Write(t.Segment.Value(source))
		}
		return ast.WalkContinue, nil
	})
	return b.String()
}

// tidy trims trailing spaces on each line and collapses runs of blank lines.
func tidy(s string) string {
	lines := strings.Split(s, "\n")
	out := make([]string, 0, len(lines))
	blank := 0
	for _, l := range lines {
		l = strings.TrimRight(l, " \t")
		if l == "" {
			blank++
			if blank > 1 {
				continue
			}
		} else {
			blank = 0
		}
		out = append(out, l)
	}
	return strings.TrimSpace(strings.Join(out, "\n"))
}
