package epub

import (
	"bytes"
	"strings"

	"golang.org/x/net/html"
)

// voidElements never have content, so "<br/>" and "<br>" mean the same thing
// to the HTML parser.
var voidElements = map[string]bool{
	"area": true, "base": true, "br": true, "col": true, "embed": true,
	"hr": true, "img": true, "input": true, "keygen": true, "link": true,
	"meta": true, "param": true, "source": true, "track": true, "wbr": true,
}

// expandSelfClosing rewrites XML empty elements such as <title/> or
// <a id="p1"/> into explicit start and end tags. The HTML parser ignores the
// trailing slash on non-void elements and would otherwise nest the following
// content inside them. Everything else is copied byte for byte.
func expandSelfClosing(data []byte) []byte {
	var out bytes.Buffer
	out.Grow(len(data) + 64)

	z := html.NewTokenizer(bytes.NewReader(data))
	for {
		tt := z.Next()
		if tt == html.ErrorToken {
			// io.EOF, or malformed input: keep whatever was not tokenized.
			out.Write(z.Raw())
			return out.Bytes()
		}

		raw := z.Raw()
		if tt != html.SelfClosingTagToken {
			out.Write(raw)
			continue
		}

		// <title/>, <script/> and friends would switch the tokenizer into
		// raw text mode until a closing tag that never comes.
		z.NextIsNotRawText()

		name := rawTagName(raw)
		if voidElements[strings.ToLower(name)] {
			out.Write(raw)
			continue
		}

		open := bytes.TrimRight(bytes.TrimSuffix(bytes.TrimRight(raw, " \t\r\n"), []byte("/>")), " \t\r\n")
		out.Write(open)
		out.WriteString("></")
		out.WriteString(name)
		out.WriteByte('>')
	}
}

// rawTagName returns the element name of a raw start tag, keeping its case.
func rawTagName(raw []byte) string {
	name := bytes.TrimPrefix(raw, []byte("<"))
	if i := bytes.IndexAny(name, " \t\r\n\f/>"); i >= 0 {
		name = name[:i]
	}
	return string(name)
}

// isXHTML reports whether a document should be read with XML empty-element
// rules.
func isXHTML(mediaType, xmlDecl string) bool {
	return strings.Contains(mediaType, "xhtml") || xmlDecl != ""
}
