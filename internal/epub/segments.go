package epub

import (
	"iter"
	"strings"
	"unicode"

	"golang.org/x/net/html"
)

// skippedElements hold content that is not prose and passes through untouched.
var skippedElements = map[string]bool{
	"script":   true,
	"style":    true,
	"noscript": true,
	"template": true,
	"code":     true,
	"pre":      true,
	"kbd":      true,
	"samp":     true,
	"var":      true,
	"svg":      true,
	"math":     true,
}

// Segment is one translatable text node. Index is the position of the
// segment within its document, in document order.
type Segment struct {
	Index      int
	DocumentID string
	Text       string

	node *html.Node
}

// Replace writes translated text back into the source node, keeping the
// whitespace that surrounded the original text.
func (s Segment) Replace(translated string) {
	if s.node == nil {
		return
	}
	data := s.node.Data
	leading := data[:len(data)-len(strings.TrimLeftFunc(data, unicode.IsSpace))]
	trailing := data[len(strings.TrimRightFunc(data, unicode.IsSpace)):]
	s.node.Data = leading + translated + trailing
}

// Current returns the text presently held by the source node, trimmed.
func (s Segment) Current() string {
	if s.node == nil {
		return ""
	}
	return strings.TrimSpace(s.node.Data)
}

type Extractor struct{}

func NewExtractor() *Extractor {
	return &Extractor{}
}

// Segments yields the translatable text of doc in depth-first document
// order. The sequence reads the tree without modifying it and can be
// iterated any number of times.
func (e *Extractor) Segments(doc *Document) iter.Seq[Segment] {
	return func(yield func(Segment) bool) {
		if doc == nil || doc.Tree == nil {
			return
		}

		body := doc.Tree.Find("body")
		if body.Length() == 0 {
			return
		}

		index := 0
		var walk func(*html.Node) bool
		walk = func(n *html.Node) bool {
			switch n.Type {
			case html.ElementNode:
				if skippedElements[n.Data] {
					return true
				}
			case html.TextNode:
				text := strings.TrimSpace(n.Data)
				if !IsTranslatable(text) {
					return true
				}
				seg := Segment{Index: index, DocumentID: doc.ID, Text: text, node: n}
				index++
				return yield(seg)
			}

			for c := n.FirstChild; c != nil; c = c.NextSibling {
				if !walk(c) {
					return false
				}
			}
			return true
		}

		walk(body.Get(0))
	}
}

// Collect returns every segment of doc.
func (e *Extractor) Collect(doc *Document) []Segment {
	var segments []Segment
	for seg := range e.Segments(doc) {
		segments = append(segments, seg)
	}
	return segments
}

// IsTranslatable reports whether text carries at least one letter. Text made
// of whitespace, digits, punctuation or symbols is never sent for translation.
func IsTranslatable(text string) bool {
	for _, r := range text {
		if unicode.IsLetter(r) {
			return true
		}
	}
	return false
}
