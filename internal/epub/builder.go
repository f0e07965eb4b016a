package epub

import (
	"archive/zip"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/beevik/etree"
	"github.com/sirupsen/logrus"

	"epub-translator/internal/lang"
)

const (
	epubMimetype       = "application/epub+zip"
	languageStyleID    = "epub-translator-style"
	languageStyleHref  = "style/epub-translator.css"
	languageCSSMarker  = "/* Language support - generated for "
	textElementsForCSS = "p, div, span, h1, h2, h3, h4, h5, h6, li, td, th, blockquote, dd, dt, figcaption"

	outputFileMode os.FileMode = 0644
)

type Builder struct {
	logger *logrus.Logger
}

func NewBuilder(logger *logrus.Logger) *Builder {
	return &Builder{
		logger: logger,
	}
}

// LocalizeOptions tune the language post-processing of a translated book.
type LocalizeOptions struct {
	// TitleSuffix is appended to the package title, e.g. " (Translated)".
	TitleSuffix string
}

// Localize applies a language profile to every document and to the package
// metadata. Existing stylesheets and images are left byte-identical: the
// direction and font rules live in a generated stylesheet linked from each
// document, plus attributes and inline style on the root elements.
func (b *Builder) Localize(book *Book, profile lang.Profile, opts LocalizeOptions) error {
	b.logger.Debugf("Localizing EPUB %s for language: %s (%s)", book.ID, profile.Code, profile.Direction)

	cssPath := b.addLanguageStylesheet(book, profile)

	for _, doc := range book.Documents {
		localizeDocument(doc, profile, relativeHref(path.Dir(doc.Path), cssPath))
	}

	if err := b.updatePackage(book, profile, cssPath, opts); err != nil {
		return fmt.Errorf("failed to update package metadata: %w", err)
	}

	if err := b.updateNCX(book, profile); err != nil {
		b.logger.Warnf("Failed to update NCX language: %v", err)
	}

	return nil
}

func (b *Builder) addLanguageStylesheet(book *Book, profile lang.Profile) string {
	cssPath := path.Join(path.Dir(book.OPFPath), languageStyleHref)

	content := []byte(generateLanguageCSS(profile))
	if existing, ok := book.File(cssPath); ok {
		existing.Data = content
		return cssPath
	}

	book.Added = append(book.Added, &File{
		Name:     cssPath,
		Method:   zip.Deflate,
		Modified: time.Now(),
		Data:     content,
	})
	return cssPath
}

func generateLanguageCSS(profile lang.Profile) string {
	dir := string(profile.Direction)
	align := "left"
	if profile.IsRTL() {
		align = "right"
	}
	fontFamily := lang.FontFamilyCSS(profile.Fonts)

	var b strings.Builder
	b.WriteString(languageCSSMarker + profile.Code + " */\n")
	fmt.Fprintf(&b, "html, body {\n    direction: %s;\n    unicode-bidi: embed;\n}\n\n", dir)
	fmt.Fprintf(&b, "body {\n    text-align: %s;\n    font-family: %s !important;\n}\n\n", align, fontFamily)
	fmt.Fprintf(&b, "%s {\n    direction: %s;\n    font-family: %s !important;\n}\n", textElementsForCSS, dir, fontFamily)
	if profile.IsRTL() {
		b.WriteString("\nblockquote {\n    border-right: 4px solid #ccc;\n    border-left: none;\n    padding-right: 1em;\n    padding-left: 0;\n}\n")
	}
	return b.String()
}

func localizeDocument(doc *Document, profile lang.Profile, cssHref string) {
	dir := string(profile.Direction)

	html := doc.Tree.Find("html")
	if html.Length() > 0 {
		html.SetAttr("lang", profile.Code)
		html.SetAttr("xml:lang", profile.Code)
		html.SetAttr("dir", dir)
	}

	body := doc.Tree.Find("body")
	if body.Length() > 0 {
		body.SetAttr("dir", dir)
		style, _ := body.Attr("style")
		style = setStyleProperty(style, "direction", dir)
		style = setStyleProperty(style, "font-family", lang.FontFamilyCSS(profile.Fonts))
		body.SetAttr("style", style)
	}

	head := doc.Tree.Find("head")
	if head.Length() == 0 {
		doc.Tree.Find("html").PrependHtml("<head></head>")
		head = doc.Tree.Find("head")
	}

	linked := false
	head.Find("link").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		if href, _ := s.Attr("href"); href == cssHref {
			linked = true
			return false
		}
		return true
	})
	if !linked {
		head.AppendHtml(fmt.Sprintf(`<link rel="stylesheet" type="text/css" href="%s"/>`, cssHref))
	}
}

// setStyleProperty sets one declaration in an inline style attribute value,
// replacing any earlier declaration of the same property.
func setStyleProperty(style, property, value string) string {
	var decls []string
	for _, decl := range strings.Split(style, ";") {
		decl = strings.TrimSpace(decl)
		if decl == "" {
			continue
		}
		name, _, _ := strings.Cut(decl, ":")
		if strings.EqualFold(strings.TrimSpace(name), property) {
			continue
		}
		decls = append(decls, decl)
	}
	decls = append(decls, property+": "+value)
	return strings.Join(decls, "; ") + ";"
}

func (b *Builder) updatePackage(book *Book, profile lang.Profile, cssPath string, opts LocalizeOptions) error {
	file, ok := book.File(book.OPFPath)
	if !ok {
		return fmt.Errorf("package file %s not found", book.OPFPath)
	}

	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(file.Data); err != nil {
		return fmt.Errorf("failed to parse package file: %w", err)
	}

	root := doc.Root()
	if root == nil {
		return fmt.Errorf("package file has no root element")
	}

	metadata := root.SelectElement("metadata")
	if metadata == nil {
		return fmt.Errorf("package file has no metadata")
	}

	language := metadata.SelectElement("language")
	if language == nil {
		if metadata.SelectAttr("xmlns:dc") == nil && root.SelectAttr("xmlns:dc") == nil {
			metadata.CreateAttr("xmlns:dc", "http://purl.org/dc/elements/1.1/")
		}
		language = metadata.CreateElement("dc:language")
	}
	language.SetText(profile.Code)

	if title := metadata.SelectElement("title"); title != nil && opts.TitleSuffix != "" {
		if !strings.HasSuffix(title.Text(), opts.TitleSuffix) {
			title.SetText(title.Text() + opts.TitleSuffix)
		}
	}

	if manifest := root.SelectElement("manifest"); manifest != nil {
		if !manifestHasID(manifest, languageStyleID) {
			tag := "item"
			if first := manifest.SelectElement("item"); first != nil && first.Space != "" {
				tag = first.Space + ":item"
			}
			item := manifest.CreateElement(tag)
			item.CreateAttr("id", languageStyleID)
			item.CreateAttr("href", relativeHref(path.Dir(book.OPFPath), cssPath))
			item.CreateAttr("media-type", "text/css")
		}
	}

	data, err := doc.WriteToBytes()
	if err != nil {
		return fmt.Errorf("failed to render package file: %w", err)
	}

	file.Data = data
	book.Package.Metadata.Language = profile.Code
	if opts.TitleSuffix != "" && book.Package.Metadata.Title != "" && !strings.HasSuffix(book.Package.Metadata.Title, opts.TitleSuffix) {
		book.Package.Metadata.Title += opts.TitleSuffix
	}
	return nil
}

func manifestHasID(manifest *etree.Element, id string) bool {
	for _, item := range manifest.SelectElements("item") {
		if item.SelectAttrValue("id", "") == id {
			return true
		}
	}
	return false
}

func (b *Builder) updateNCX(book *Book, profile lang.Profile) error {
	if book.NCXPath == "" {
		return nil
	}

	file, ok := book.File(book.NCXPath)
	if !ok {
		return fmt.Errorf("NCX file %s not found", book.NCXPath)
	}

	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(file.Data); err != nil {
		return err
	}
	if doc.Root() == nil {
		return fmt.Errorf("NCX file has no root element")
	}

	doc.Root().CreateAttr("xml:lang", profile.Code)

	data, err := doc.WriteToBytes()
	if err != nil {
		return err
	}
	file.Data = data
	return nil
}

// Write serializes the book to outputPath. The container is written to a
// temporary file in the same directory and renamed into place, so a failed
// write never leaves a partial file under the requested name.
func (b *Builder) Write(book *Book, outputPath string) (err error) {
	b.logger.Debugf("Writing EPUB %s to %s", book.ID, outputPath)

	rendered := make(map[string][]byte, len(book.Documents))
	for _, doc := range book.Documents {
		data, err := doc.Render()
		if err != nil {
			return &SerializationError{Path: outputPath, Err: fmt.Errorf("failed to render %s: %w", doc.Path, err)}
		}
		rendered[doc.Path] = data
	}

	dir := filepath.Dir(outputPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return &SerializationError{Path: outputPath, Err: err}
	}

	tmp, err := os.CreateTemp(dir, ".epub-translator-*.tmp")
	if err != nil {
		return &SerializationError{Path: outputPath, Err: err}
	}
	tmpPath := tmp.Name()

	defer func() {
		if err != nil {
			_ = tmp.Close()
			_ = os.Remove(tmpPath)
		}
	}()

	if err := tmp.Chmod(outputFileMode); err != nil {
		return &SerializationError{Path: outputPath, Err: err}
	}

	if err := b.writeZip(tmp, book, rendered); err != nil {
		return &SerializationError{Path: outputPath, Err: err}
	}

	if err := tmp.Sync(); err != nil {
		return &SerializationError{Path: outputPath, Err: err}
	}
	if err := tmp.Close(); err != nil {
		return &SerializationError{Path: outputPath, Err: err}
	}

	if err := os.Rename(tmpPath, outputPath); err != nil {
		return &SerializationError{Path: outputPath, Err: err}
	}

	b.logger.Infof("Created translated EPUB: %s", outputPath)
	return nil
}

func (b *Builder) writeZip(out *os.File, book *Book, rendered map[string][]byte) error {
	zipWriter := zip.NewWriter(out)

	mimetype := []byte(epubMimetype)
	if f, ok := book.File(mimetypeName); ok {
		mimetype = f.Data
	}
	if err := b.writeEntry(zipWriter, &File{Name: mimetypeName, Method: zip.Store, Modified: book.OpenedAt}, mimetype); err != nil {
		return err
	}

	for _, f := range book.Files {
		if f.Name == mimetypeName {
			continue
		}
		data := f.Data
		if r, ok := rendered[f.Name]; ok {
			data = r
		}
		if err := b.writeEntry(zipWriter, f, data); err != nil {
			return err
		}
	}

	for _, f := range book.Added {
		if err := b.writeEntry(zipWriter, f, f.Data); err != nil {
			return err
		}
	}

	return zipWriter.Close()
}

func (b *Builder) writeEntry(zipWriter *zip.Writer, f *File, data []byte) error {
	method := f.Method
	if method != zip.Store && method != zip.Deflate {
		method = zip.Deflate
	}

	writer, err := zipWriter.CreateHeader(&zip.FileHeader{
		Name:     f.Name,
		Method:   method,
		Modified: f.Modified,
	})
	if err != nil {
		return fmt.Errorf("failed to create entry %s: %w", f.Name, err)
	}

	if _, err := writer.Write(data); err != nil {
		return fmt.Errorf("failed to write entry %s: %w", f.Name, err)
	}
	return nil
}

// relativeHref returns the slash separated path to target as seen from dir.
func relativeHref(dir, target string) string {
	clean := func(p string) []string {
		p = path.Clean(p)
		if p == "." || p == "" {
			return nil
		}
		return strings.Split(p, "/")
	}

	from := clean(dir)
	to := clean(target)

	common := 0
	for common < len(from) && common < len(to)-1 && from[common] == to[common] {
		common++
	}

	parts := make([]string, 0, len(from)-common+len(to)-common)
	for i := common; i < len(from); i++ {
		parts = append(parts, "..")
	}
	parts = append(parts, to[common:]...)
	return strings.Join(parts, "/")
}
