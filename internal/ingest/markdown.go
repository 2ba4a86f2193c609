// Package ingest imports Markdown documents into memory, one fact per
// paragraph or list item.
package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
)

// Rememberer stores a fact under a fresh id. *memory.Store implements it.
type Rememberer interface {
	Remember(ctx context.Context, text string) (int32, error)
}

// Chunk is one fact-sized unit of a document.
type Chunk struct {
	// Section is the text of the nearest heading above the chunk.
	Section string
	Text    string
}

// Fact returns the text stored for c. The section heading is kept as
// a prefix so the fact still makes sense out of context.
func (c Chunk) Fact() string {
	if c.Section == "" {
		return c.Text
	}
	return c.Section + ": " + c.Text
}

// MarkdownIngester parses Markdown into facts.
type MarkdownIngester struct {
	store  Rememberer
	logger *slog.Logger
}

// NewMarkdownIngester creates an ingester that writes to store.
func NewMarkdownIngester(store Rememberer, logger *slog.Logger) *MarkdownIngester {
	if logger == nil {
		logger = slog.Default()
	}
	return &MarkdownIngester{store: store, logger: logger}
}

// IngestFile reads and stores a Markdown file.
func (m *MarkdownIngester) IngestFile(ctx context.Context, path string) (int, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("read file: %w", err)
	}
	return m.Ingest(ctx, src)
}

// Ingest stores every chunk of src and returns how many were stored.
// It stops at the first store error.
func (m *MarkdownIngester) Ingest(ctx context.Context, src []byte) (int, error) {
	chunks := Parse(src)
	for i, c := range chunks {
		id, err := m.store.Remember(ctx, c.Fact())
		if err != nil {
			return i, fmt.Errorf("store chunk %d: %w", i+1, err)
		}
		m.logger.Debug("ingested fact", "id", id, "section", c.Section)
	}
	m.logger.Info("markdown ingested", "facts", len(chunks))
	return len(chunks), nil
}

// Parse splits a Markdown document into chunks: each paragraph outside
// a list and each list item becomes one chunk. Nested list items are
// chunks of their own. Code blocks and raw HTML are skipped.
func Parse(src []byte) []Chunk {
	doc := goldmark.New().Parser().Parse(text.NewReader(src))

	var (
		chunks  []Chunk
		section string
	)
	add := func(s string) {
		if s = strings.Join(strings.Fields(s), " "); s != "" {
			chunks = append(chunks, Chunk{Section: section, Text: s})
		}
	}

	_ = ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		switch n := n.(type) {
		case *ast.Heading:
			section = strings.Join(strings.Fields(inlineText(n, src)), " ")
			return ast.WalkSkipChildren, nil
		case *ast.ListItem:
			var parts []string
			for c := n.FirstChild(); c != nil; c = c.NextSibling() {
				if _, nested := c.(*ast.List); nested {
					continue
				}
				parts = append(parts, inlineText(c, src))
			}
			add(strings.Join(parts, " "))
		case *ast.Paragraph:
			if !insideListItem(n) {
				add(inlineText(n, src))
			}
			return ast.WalkSkipChildren, nil
		case *ast.FencedCodeBlock, *ast.CodeBlock, *ast.HTMLBlock, *ast.ThematicBreak:
			return ast.WalkSkipChildren, nil
		}
		return ast.WalkContinue, nil
	})
	return chunks
}

func insideListItem(n ast.Node) bool {
	for p := n.Parent(); p != nil; p = p.Parent() {
		if _, ok := p.(*ast.ListItem); ok {
			return true
		}
	}
	return false
}

// inlineText flattens the inline content under n. Line breaks inside a
// paragraph become spaces; callers collapse repeated whitespace.
func inlineText(n ast.Node, src []byte) string {
	var sb strings.Builder
	_ = ast.Walk(n, func(c ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		switch c := c.(type) {
		case *ast.Text:
			sb.Write(c.Segment.Value(src))
			if c.SoftLineBreak() || c.HardLineBreak() {
				sb.WriteByte(' ')
			}
		case *ast.String:
			sb.Write(c.Value)
		case *ast.AutoLink:
			sb.Write(c.URL(src))
			return ast.WalkSkipChildren, nil
		case *ast.RawHTML:
			return ast.WalkSkipChildren, nil
		}
		return ast.WalkContinue, nil
	})
	return sb.String()
}
