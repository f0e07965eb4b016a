// Package epubtest builds small EPUB containers for tests.
package epubtest

import (
	"archive/zip"
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"testing"
)

const containerXML = `<?xml version="1.0" encoding="UTF-8"?>
<container version="1.0" xmlns="urn:oasis:names:tc:opendocument:xmlns:container">
  <rootfiles>
    <rootfile full-path="OEBPS/content.opf" media-type="application/oebps-package+xml"/>
  </rootfiles>
</container>`

// Doc is one XHTML content document; Body is the inner HTML of <body>.
// Raw, when set, is stored as the whole document instead.
type Doc struct {
	ID   string
	Href string
	Body string
	Raw  string
}

// Asset is a non-document manifest item stored verbatim.
type Asset struct {
	ID        string
	Href      string
	MediaType string
	Data      []byte
}

type Book struct {
	Title     string
	Language  string
	Documents []Doc
	Assets    []Asset
	WithNCX   bool
}

// Write stores b as an EPUB container at path.
func Write(tb testing.TB, path string, b Book) {
	tb.Helper()

	out, err := os.Create(path)
	if err != nil {
		tb.Fatalf("create %s: %v", path, err)
	}
	defer func() { _ = out.Close() }()

	zw := zip.NewWriter(out)

	add := func(name string, method uint16, data []byte) {
		w, err := zw.CreateHeader(&zip.FileHeader{Name: name, Method: method})
		if err != nil {
			tb.Fatalf("create entry %s: %v", name, err)
		}
		if _, err := w.Write(data); err != nil {
			tb.Fatalf("write entry %s: %v", name, err)
		}
	}

	add("mimetype", zip.Store, []byte("application/epub+zip"))
	add("META-INF/container.xml", zip.Deflate, []byte(containerXML))
	add("OEBPS/content.opf", zip.Deflate, []byte(packageXML(b)))
	if b.WithNCX {
		add("OEBPS/toc.ncx", zip.Deflate, []byte(ncxXML(b)))
	}
	for _, doc := range b.Documents {
		content := doc.Raw
		if content == "" {
			content = XHTML(doc.Body)
		}
		add("OEBPS/"+doc.Href, zip.Deflate, []byte(content))
	}
	for _, asset := range b.Assets {
		add("OEBPS/"+asset.Href, zip.Deflate, asset.Data)
	}

	if err := zw.Close(); err != nil {
		tb.Fatalf("close zip: %v", err)
	}
}

// XHTML wraps body content in a minimal XHTML document.
func XHTML(body string) string {
	return `<?xml version="1.0" encoding="UTF-8"?>
<!DOCTYPE html>
<html xmlns="http://www.w3.org/1999/xhtml">
<head><title>Chapter</title><link rel="stylesheet" type="text/css" href="style.css"/></head>
<body>` + body + `</body>
</html>`
}

func packageXML(b Book) string {
	var sb strings.Builder
	sb.WriteString(`<?xml version="1.0" encoding="UTF-8"?>
<package version="3.0" unique-identifier="bookid" xmlns="http://www.idpf.org/2007/opf">
  <metadata xmlns:dc="http://purl.org/dc/elements/1.1/">
    <dc:identifier id="bookid">urn:uuid:test-book</dc:identifier>
`)
	fmt.Fprintf(&sb, "    <dc:title>%s</dc:title>\n", b.Title)
	if b.Language != "" {
		fmt.Fprintf(&sb, "    <dc:language>%s</dc:language>\n", b.Language)
	}
	sb.WriteString("    <meta property=\"dcterms:modified\">2024-01-01T00:00:00Z</meta>\n  </metadata>\n  <manifest>\n")
	if b.WithNCX {
		sb.WriteString("    <item id=\"ncx\" href=\"toc.ncx\" media-type=\"application/x-dtbncx+xml\"/>\n")
	}
	for _, doc := range b.Documents {
		fmt.Fprintf(&sb, "    <item id=\"%s\" href=\"%s\" media-type=\"application/xhtml+xml\"/>\n", doc.ID, doc.Href)
	}
	for _, asset := range b.Assets {
		fmt.Fprintf(&sb, "    <item id=\"%s\" href=\"%s\" media-type=\"%s\"/>\n", asset.ID, asset.Href, asset.MediaType)
	}
	sb.WriteString("  </manifest>\n")
	if b.WithNCX {
		sb.WriteString("  <spine toc=\"ncx\">\n")
	} else {
		sb.WriteString("  <spine>\n")
	}
	for _, doc := range b.Documents {
		fmt.Fprintf(&sb, "    <itemref idref=\"%s\"/>\n", doc.ID)
	}
	sb.WriteString("  </spine>\n</package>\n")
	return sb.String()
}

func ncxXML(b Book) string {
	var sb strings.Builder
	sb.WriteString(`<?xml version="1.0" encoding="UTF-8"?>
<ncx xmlns="http://www.daisy.org/z3986/2005/ncx/" version="2005-1">
  <head><meta name="dtb:uid" content="urn:uuid:test-book"/></head>
`)
	fmt.Fprintf(&sb, "  <docTitle><text>%s</text></docTitle>\n  <navMap>\n", b.Title)
	for i, doc := range b.Documents {
		fmt.Fprintf(&sb, "    <navPoint id=\"np%d\" playOrder=\"%d\"><navLabel><text>%s</text></navLabel><content src=\"%s\"/></navPoint>\n",
			i+1, i+1, doc.ID, doc.Href)
	}
	sb.WriteString("  </navMap>\n</ncx>\n")
	return sb.String()
}

// ReadEntries returns every entry of the container at path keyed by name.
func ReadEntries(tb testing.TB, path string) map[string][]byte {
	tb.Helper()

	r, err := zip.OpenReader(path)
	if err != nil {
		tb.Fatalf("open %s: %v", path, err)
	}
	defer func() { _ = r.Close() }()

	entries := make(map[string][]byte, len(r.File))
	for _, f := range r.File {
		rc, err := f.Open()
		if err != nil {
			tb.Fatalf("open entry %s: %v", f.Name, err)
		}
		data, err := io.ReadAll(rc)
		if err != nil {
			tb.Fatalf("read entry %s: %v", f.Name, err)
		}
		_ = rc.Close()
		entries[f.Name] = data
	}
	return entries
}

// EntryNames returns the entry names of the container at path in stored order.
func EntryNames(tb testing.TB, path string) []string {
	tb.Helper()

	r, err := zip.OpenReader(path)
	if err != nil {
		tb.Fatalf("open %s: %v", path, err)
	}
	defer func() { _ = r.Close() }()

	names := make([]string, 0, len(r.File))
	for _, f := range r.File {
		names = append(names, f.Name)
	}
	return names
}

// WellFormedXML decodes data with a strict XML decoder and returns the first
// syntax error.
func WellFormedXML(data []byte) error {
	dec := xml.NewDecoder(bytes.NewReader(data))
	dec.Strict = true
	for {
		if _, err := dec.Token(); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
	}
}
