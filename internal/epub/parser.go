package epub

import (
	"archive/zip"
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const (
	containerPath = "META-INF/container.xml"
	mimetypeName  = "mimetype"
	ncxMediaType  = "application/x-dtbncx+xml"
)

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

type Parser struct {
	logger *logrus.Logger
}

func NewParser(logger *logrus.Logger) *Parser {
	return &Parser{
		logger: logger,
	}
}

// Open reads the EPUB container at epubPath into memory. Any problem with the
// input is reported as *InputError.
func (p *Parser) Open(epubPath string) (*Book, error) {
	p.logger.Debugf("Opening EPUB: %s", epubPath)

	info, err := os.Stat(epubPath)
	if err != nil {
		return nil, &InputError{Path: epubPath, Err: err}
	}
	if info.IsDir() {
		return nil, &InputError{Path: epubPath, Err: errors.New("path is a directory")}
	}

	book := &Book{
		ID:       uuid.New().String(),
		FilePath: epubPath,
		OpenedAt: time.Now(),
	}

	if err := p.readZip(epubPath, book); err != nil {
		return nil, &InputError{Path: epubPath, Err: fmt.Errorf("failed to read ZIP: %w", err)}
	}

	if err := p.parseContainer(book); err != nil {
		return nil, &InputError{Path: epubPath, Err: err}
	}

	if err := p.parsePackage(book); err != nil {
		return nil, &InputError{Path: epubPath, Err: err}
	}

	if err := p.parseDocuments(book); err != nil {
		return nil, &InputError{Path: epubPath, Err: err}
	}

	p.logger.Debugf("Opened EPUB with %d documents and %d entries", len(book.Documents), len(book.Files))
	return book, nil
}

func (p *Parser) readZip(src string, book *Book) error {
	reader, err := zip.OpenReader(src)
	if err != nil {
		return err
	}
	defer func() { _ = reader.Close() }()

	for _, file := range reader.File {
		if file.FileInfo().IsDir() {
			continue
		}

		data, err := readZipFile(file)
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", file.Name, err)
		}

		book.Files = append(book.Files, &File{
			Name:     file.Name,
			Method:   file.Method,
			Modified: file.Modified,
			Data:     data,
		})
	}

	return nil
}

func readZipFile(file *zip.File) ([]byte, error) {
	rc, err := file.Open()
	if err != nil {
		return nil, err
	}
	defer func() { _ = rc.Close() }()

	return io.ReadAll(rc)
}

func (p *Parser) parseContainer(book *Book) error {
	file, ok := book.File(containerPath)
	if !ok {
		return fmt.Errorf("missing %s", containerPath)
	}

	if err := xml.Unmarshal(file.Data, &book.Container); err != nil {
		return fmt.Errorf("failed to parse container.xml: %w", err)
	}

	if len(book.Container.Rootfiles) == 0 || book.Container.Rootfiles[0].FullPath == "" {
		return fmt.Errorf("no rootfiles found in container.xml")
	}

	return nil
}

func (p *Parser) parsePackage(book *Book) error {
	book.OPFPath = book.Container.Rootfiles[0].FullPath

	file, ok := book.File(book.OPFPath)
	if !ok {
		return fmt.Errorf("package file %s not found", book.OPFPath)
	}

	if err := xml.Unmarshal(file.Data, &book.Package); err != nil {
		return fmt.Errorf("failed to parse package file: %w", err)
	}

	if len(book.Package.Manifest.Items) == 0 {
		return fmt.Errorf("no manifest items found")
	}

	book.NCXPath = p.findNCX(book)
	return nil
}

func (p *Parser) findNCX(book *Book) string {
	for _, item := range book.Package.Manifest.Items {
		if item.ID == book.Package.Spine.TOC || item.MediaType == ncxMediaType {
			return resolveHref(book.OPFPath, item.Href)
		}
	}
	return ""
}

func (p *Parser) parseDocuments(book *Book) error {
	itemMap := make(map[string]Item)
	for _, item := range book.Package.Manifest.Items {
		itemMap[item.ID] = item
	}

	seen := make(map[string]bool)
	add := func(item Item, inSpine bool) {
		if seen[item.ID] || !isTextContent(item.MediaType) {
			return
		}
		seen[item.ID] = true

		doc, err := p.parseDocument(book, item)
		if err != nil {
			p.logger.Warnf("Failed to parse document %s: %v", item.Href, err)
			return
		}
		doc.InSpine = inSpine
		book.Documents = append(book.Documents, doc)
	}

	for _, itemRef := range book.Package.Spine.ItemRefs {
		item, exists := itemMap[itemRef.IDRef]
		if !exists {
			p.logger.Warnf("Item not found in manifest: %s", itemRef.IDRef)
			continue
		}
		add(item, true)
	}

	for _, item := range book.Package.Manifest.Items {
		add(item, false)
	}

	if len(book.Documents) == 0 {
		return fmt.Errorf("no content documents found")
	}
	return nil
}

func (p *Parser) parseDocument(book *Book, item Item) (*Document, error) {
	docPath := resolveHref(book.OPFPath, item.Href)

	file, ok := book.File(docPath)
	if !ok {
		return nil, fmt.Errorf("file %s not found in container", docPath)
	}

	body, decl := splitXMLDeclaration(file.Data)
	if isXHTML(item.MediaType, decl) {
		body = expandSelfClosing(body)
	}

	tree, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, err
	}

	return &Document{
		ID:        item.ID,
		Href:      item.Href,
		Path:      docPath,
		MediaType: item.MediaType,
		Tree:      tree,
		xmlDecl:   decl,
	}, nil
}

// Render serializes the document tree, restoring the XML declaration that the
// HTML parser would otherwise turn into a comment.
func (d *Document) Render() ([]byte, error) {
	html, err := d.Tree.Html()
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	if d.xmlDecl != "" {
		buf.WriteString(d.xmlDecl)
		buf.WriteByte('\n')
	}
	buf.WriteString(html)
	return buf.Bytes(), nil
}

func splitXMLDeclaration(data []byte) ([]byte, string) {
	data = bytes.TrimPrefix(data, utf8BOM)
	trimmed := bytes.TrimLeft(data, " \t\r\n")
	if !bytes.HasPrefix(trimmed, []byte("<?xml")) {
		return data, ""
	}

	end := bytes.Index(trimmed, []byte("?>"))
	if end == -1 {
		return data, ""
	}

	return trimmed[end+2:], string(trimmed[:end+2])
}

// resolveHref turns a manifest href into a container path relative to the OPF file.
func resolveHref(opfPath, href string) string {
	if i := strings.IndexByte(href, '#'); i >= 0 {
		href = href[:i]
	}
	if unescaped, err := url.PathUnescape(href); err == nil {
		href = unescaped
	}
	return path.Join(path.Dir(opfPath), href)
}

func isTextContent(mediaType string) bool {
	return strings.Contains(mediaType, "html") || strings.Contains(mediaType, "xhtml")
}
