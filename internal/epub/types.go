package epub

import (
	"encoding/xml"
	"fmt"
	"time"

	"github.com/PuerkitoBio/goquery"
)

// Book is an EPUB container held fully in memory. Documents are mutated in
// place by the translation pipeline and rendered again by the Builder.
type Book struct {
	ID        string
	FilePath  string
	Container Container
	Package   Package
	OPFPath   string
	NCXPath   string
	Documents []*Document
	Files     []*File
	Added     []*File
	OpenedAt  time.Time
}

// File is one entry of the original ZIP container.
type File struct {
	Name     string
	Method   uint16
	Modified time.Time
	Data     []byte
}

// Document is one (X)HTML content document of the book.
type Document struct {
	ID        string
	Href      string
	Path      string
	MediaType string
	InSpine   bool
	Tree      *goquery.Document

	xmlDecl string
}

type Container struct {
	XMLName   xml.Name `xml:"container"`
	Version   string   `xml:"version,attr"`
	Rootfiles []struct {
		FullPath  string `xml:"full-path,attr"`
		MediaType string `xml:"media-type,attr"`
	} `xml:"rootfiles>rootfile"`
}

type Package struct {
	XMLName  xml.Name `xml:"package"`
	Version  string   `xml:"version,attr"`
	UniqueID string   `xml:"unique-identifier,attr"`
	Metadata Metadata `xml:"metadata"`
	Manifest Manifest `xml:"manifest"`
	Spine    Spine    `xml:"spine"`
	Guide    Guide    `xml:"guide"`
}

type Metadata struct {
	XMLName    xml.Name `xml:"metadata"`
	Title      string   `xml:"title"`
	Language   string   `xml:"language"`
	Identifier string   `xml:"identifier"`
	Creator    string   `xml:"creator"`
	Publisher  string   `xml:"publisher"`
	Date       string   `xml:"date"`
}

type Manifest struct {
	XMLName xml.Name `xml:"manifest"`
	Items   []Item   `xml:"item"`
}

type Item struct {
	ID         string `xml:"id,attr"`
	Href       string `xml:"href,attr"`
	MediaType  string `xml:"media-type,attr"`
	Properties string `xml:"properties,attr"`
}

type Spine struct {
	XMLName  xml.Name  `xml:"spine"`
	TOC      string    `xml:"toc,attr"`
	ItemRefs []ItemRef `xml:"itemref"`
}

type ItemRef struct {
	IDRef  string `xml:"idref,attr"`
	Linear string `xml:"linear,attr"`
}

type Guide struct {
	XMLName    xml.Name    `xml:"guide"`
	References []Reference `xml:"reference"`
}

type Reference struct {
	Type  string `xml:"type,attr"`
	Title string `xml:"title,attr"`
	Href  string `xml:"href,attr"`
}

// InputError reports an input container that is missing, unreadable, or not
// a well formed EPUB.
type InputError struct {
	Path string
	Err  error
}

func (e *InputError) Error() string {
	return fmt.Sprintf("invalid input %s: %v", e.Path, e.Err)
}

func (e *InputError) Unwrap() error { return e.Err }

// SerializationError reports a failure to write the output container.
type SerializationError struct {
	Path string
	Err  error
}

func (e *SerializationError) Error() string {
	return fmt.Sprintf("failed to write %s: %v", e.Path, e.Err)
}

func (e *SerializationError) Unwrap() error { return e.Err }

// File returns the container entry with the given name.
func (b *Book) File(name string) (*File, bool) {
	for _, f := range b.Files {
		if f.Name == name {
			return f, true
		}
	}
	for _, f := range b.Added {
		if f.Name == name {
			return f, true
		}
	}
	return nil, false
}

// Title returns the package title, if any.
func (b *Book) Title() string {
	return b.Package.Metadata.Title
}

// Language returns the declared package language, if any.
func (b *Book) Language() string {
	return b.Package.Metadata.Language
}
