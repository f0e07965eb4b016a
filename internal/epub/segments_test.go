package epub

import (
	"strings"
	"testing"

	"github.com/PuerkitoBio/goquery"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func documentFromBody(t *testing.T, body string) *Document {
	t.Helper()
	tree, err := goquery.NewDocumentFromReader(strings.NewReader("<html><head><title>T</title></head><body>" + body + "</body></html>"))
	require.NoError(t, err)
	return &Document{ID: "doc", Path: "doc.xhtml", Tree: tree}
}

func texts(segments []Segment) []string {
	out := make([]string, 0, len(segments))
	for _, s := range segments {
		out = append(out, s.Text)
	}
	return out
}

func TestSegmentsDocumentOrder(t *testing.T) {
	doc := documentFromBody(t, `<h1>Title</h1><p>First <b>bold</b> tail.</p><ul><li>Item</li></ul>`)

	segments := NewExtractor().Collect(doc)
	assert.Equal(t, []string{"Title", "First", "bold", "tail.", "Item"}, texts(segments))
	for i, s := range segments {
		assert.Equal(t, i, s.Index)
		assert.Equal(t, "doc", s.DocumentID)
	}
}

func TestSegmentsSkipNonProse(t *testing.T) {
	doc := documentFromBody(t, `
		<p>Keep me</p>
		<script>var x = "skip";</script>
		<style>p { color: red; }</style>
		<pre>skip preformatted</pre>
		<p><code>skipCode()</code> and text</p>
		<p>   </p>
		<p>42</p>
		<p>-- !! ...</p>
		<p>© 2024</p>
		<!-- a comment -->
	`)

	assert.Equal(t, []string{"Keep me", "and text"}, texts(NewExtractor().Collect(doc)))
}

func TestSegmentsRestartable(t *testing.T) {
	doc := documentFromBody(t, `<p>One</p><p>Two</p><p>Three</p>`)
	extractor := NewExtractor()

	first := extractor.Collect(doc)
	second := extractor.Collect(doc)
	assert.Equal(t, texts(first), texts(second))

	var partial []string
	for s := range extractor.Segments(doc) {
		partial = append(partial, s.Text)
		if len(partial) == 2 {
			break
		}
	}
	assert.Equal(t, []string{"One", "Two"}, partial)
	assert.Equal(t, []string{"One", "Two", "Three"}, texts(extractor.Collect(doc)))
}

func TestSegmentsEmptyDocument(t *testing.T) {
	assert.Empty(t, NewExtractor().Collect(documentFromBody(t, "")))
	assert.Empty(t, NewExtractor().Collect(nil))
}

func TestSegmentReplaceKeepsWhitespace(t *testing.T) {
	doc := documentFromBody(t, "<p>\n  Hello world.  \n</p>")

	segments := NewExtractor().Collect(doc)
	require.Len(t, segments, 1)
	assert.Equal(t, "Hello world.", segments[0].Text)

	segments[0].Replace("你好，世界。")
	assert.Equal(t, "你好，世界。", segments[0].Current())

	html, err := doc.Tree.Find("body").Html()
	require.NoError(t, err)
	assert.Equal(t, "<p>\n  你好，世界。  \n</p>", html)
}

func TestIsTranslatable(t *testing.T) {
	tests := []struct {
		text string
		want bool
	}{
		{"Hello", true},
		{"你好", true},
		{"مرحبا", true},
		{"Chapter 1", true},
		{"", false},
		{"   ", false},
		{"1984", false},
		{"...", false},
		{"* * *", false},
		{"→ ©", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, IsTranslatable(tt.text), "%q", tt.text)
	}
}
