// Package atom splits Reader Atom documents into per-item entry fragments and
// reassembles fragments into feed documents.
package atom

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/bryan-buckman/readerarchive/internal/model"
)

// Namespace is the Atom namespace.
const Namespace = "http://www.w3.org/2005/Atom"

// Entry is one <entry> element, verbatim apart from namespace declarations
// copied down from the enclosing feed so it can be parsed on its own.
type Entry struct {
	ID   model.ItemID
	Data []byte
}

// ParseError reports a document that is not well-formed or whose entries
// lack a usable item ID.
type ParseError struct {
	Err error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse atom: %s", e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// Split returns the entries of a feed document in document order.
func Split(data []byte) ([]Entry, error) {
	var (
		d       = xml.NewDecoder(bytes.NewReader(data))
		entries []Entry
		rootNS  []xml.Attr
		depth   int
		start   int64
		entry   *Entry
		ownNS   map[string]bool
		inID    bool
		idText  strings.Builder
	)
	for {
		offset := d.InputOffset()
		tok, err := d.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, &ParseError{Err: err}
		}
		switch t := tok.(type) {
		case xml.StartElement:
			depth++
			switch {
			case depth == 1:
				if t.Name.Local != "feed" {
					return nil, &ParseError{Err: fmt.Errorf("unexpected root element <%s>", t.Name.Local)}
				}
				rootNS = namespaceDecls(t.Attr)
			case depth == 2 && t.Name.Local == "entry":
				start = offset
				entry = &Entry{}
				ownNS = map[string]bool{}
				for _, a := range namespaceDecls(t.Attr) {
					ownNS[declName(a)] = true
				}
				idText.Reset()
			case depth == 3 && entry != nil && t.Name.Local == "id":
				inID = true
			}
		case xml.CharData:
			if inID {
				idText.Write(t)
			}
		case xml.EndElement:
			if depth == 3 && inID {
				inID = false
			}
			if depth == 2 && entry != nil {
				raw := data[start:d.InputOffset()]
				id, err := model.ItemIDFromAtomForm(strings.TrimSpace(idText.String()))
				if err != nil {
					return nil, &ParseError{Err: err}
				}
				entry.ID = id
				entry.Data = withNamespaces(raw, rootNS, ownNS)
				entries = append(entries, *entry)
				entry = nil
			}
			depth--
		}
	}
	if depth != 0 {
		return nil, &ParseError{Err: errors.New("unexpected end of document")}
	}
	return entries, nil
}

// Feed wraps entry fragments in a feed document.
func Feed(fragments [][]byte) []byte {
	var buf bytes.Buffer
	buf.WriteString(xml.Header)
	buf.WriteString(`<feed xmlns="` + Namespace + `">` + "\n")
	for _, f := range fragments {
		buf.Write(f)
		buf.WriteByte('\n')
	}
	buf.WriteString("</feed>\n")
	return buf.Bytes()
}

func namespaceDecls(attrs []xml.Attr) []xml.Attr {
	var decls []xml.Attr
	for _, a := range attrs {
		if a.Name.Space == "xmlns" || (a.Name.Space == "" && a.Name.Local == "xmlns") {
			decls = append(decls, a)
		}
	}
	return decls
}

func declName(a xml.Attr) string {
	if a.Name.Space == "xmlns" {
		return "xmlns:" + a.Name.Local
	}
	return "xmlns"
}

// withNamespaces inserts the feed's namespace declarations into the entry's
// start tag, skipping prefixes the entry declares itself.
func withNamespaces(raw []byte, rootNS []xml.Attr, ownNS map[string]bool) []byte {
	var decls bytes.Buffer
	for _, a := range rootNS {
		name := declName(a)
		if ownNS[name] {
			continue
		}
		decls.WriteString(" " + name + `="`)
		xml.EscapeText(&decls, []byte(a.Value))
		decls.WriteString(`"`)
	}
	if decls.Len() == 0 {
		return append([]byte(nil), raw...)
	}
	nameEnd := bytes.IndexAny(raw, " \t\r\n/>")
	if nameEnd < 0 {
		return append([]byte(nil), raw...)
	}
	out := make([]byte, 0, len(raw)+decls.Len())
	out = append(out, raw[:nameEnd]...)
	out = append(out, decls.Bytes()...)
	return append(out, raw[nameEnd:]...)
}
