// Package format renders the agent's markdown answers as plain text
// for chat delivery. Chat surfaces show markdown syntax literally, so
// headings, emphasis, and link syntax are stripped while the document
// structure (paragraphs, list items, code blocks) is kept readable.
package format

import (
	"regexp"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
)

var blankRuns = regexp.MustCompile(`\n{3,}`)

// ToPlainText converts markdown to plain text. Input that is not
// markdown passes through unchanged apart from whitespace
// normalization.
func ToPlainText(markdown string) string {
	src := []byte(markdown)
	doc := goldmark.New().Parser().Parse(text.NewReader(src))

	var b strings.Builder
	_ = ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		switch v := n.(type) {
		case *ast.Text:
			if entering {
				b.Write(v.Segment.Value(src))
				if v.SoftLineBreak() || v.HardLineBreak() {
					b.WriteByte('\n')
				}
			}

		case *ast.Paragraph, *ast.Heading:
			if !entering {
				b.WriteString("\n\n")
			}

		case *ast.ListItem:
			if entering {
				b.WriteString("- ")
			} else {
				b.WriteByte('\n')
			}

		case *ast.FencedCodeBlock, *ast.CodeBlock:
			if entering {
				lines := n.Lines()
				for i := 0; i < lines.Len(); i++ {
					seg := lines.At(i)
					b.Write(seg.Value(src))
				}
				b.WriteByte('\n')
			}
			return ast.WalkSkipChildren, nil

		case *ast.AutoLink:
			if entering {
				b.Write(v.URL(src))
			}
		}
		return ast.WalkContinue, nil
	})

	out := blankRuns.ReplaceAllString(b.String(), "\n\n")
	return strings.TrimSpace(out)
}
