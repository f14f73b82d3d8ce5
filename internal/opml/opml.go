// Package opml handles importing and exporting OPML files.
package opml

import (
	"encoding/xml"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/bryan-buckman/readerarchive/internal/model"
)

// OPML represents the root of an OPML document.
type OPML struct {
	XMLName xml.Name `xml:"opml"`
	Version string   `xml:"version,attr"`
	Head    Head     `xml:"head"`
	Body    Body     `xml:"body"`
}

// Head contains OPML metadata.
type Head struct {
	Title       string `xml:"title,omitempty"`
	DateCreated string `xml:"dateCreated,omitempty"`
}

// Body contains the outlines.
type Body struct {
	Outlines []Outline `xml:"outline"`
}

// Outline represents a single outline element (folder or feed).
type Outline struct {
	Text     string    `xml:"text,attr"`
	Title    string    `xml:"title,attr,omitempty"`
	Type     string    `xml:"type,attr,omitempty"`
	XMLURL   string    `xml:"xmlUrl,attr,omitempty"`
	HTMLURL  string    `xml:"htmlUrl,attr,omitempty"`
	Outlines []Outline `xml:"outline,omitempty"`
}

// FeedEntry represents a flattened feed with its folder path.
type FeedEntry struct {
	FolderPath []string // e.g., ["Tech", "Google"]
	Title      string
	URL        string
}

// StreamID returns the Reader stream of the feed.
func (e FeedEntry) StreamID() string {
	return model.FeedStreamID(e.URL)
}

// Parse reads an OPML document and returns a flat list of FeedEntry.
func Parse(r io.Reader) ([]FeedEntry, error) {
	var doc OPML
	if err := xml.NewDecoder(r).Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode opml: %w", err)
	}
	var entries []FeedEntry
	var walk func(outlines []Outline, path []string)
	walk = func(outlines []Outline, path []string) {
		for _, o := range outlines {
			if o.XMLURL != "" {
				title := o.Title
				if title == "" {
					title = o.Text
				}
				entries = append(entries, FeedEntry{
					FolderPath: append([]string{}, path...),
					Title:      title,
					URL:        o.XMLURL,
				})
			} else if len(o.Outlines) > 0 {
				name := o.Text
				if name == "" {
					name = o.Title
				}
				walk(o.Outlines, append(path, name))
			}
		}
	}
	walk(doc.Body.Outlines, nil)
	return entries, nil
}

// StreamIDs returns the distinct feed streams of entries, in document order.
func StreamIDs(entries []FeedEntry) []string {
	seen := make(map[string]bool, len(entries))
	var ids []string
	for _, e := range entries {
		id := e.StreamID()
		if seen[id] {
			continue
		}
		seen[id] = true
		ids = append(ids, id)
	}
	return ids
}

// Export generates an OPML document from Reader subscriptions. Subscriptions
// are filed under a folder per category label (a subscription with several
// labels appears in each); uncategorized ones stay at the top level.
// Non-feed subscriptions are skipped.
func Export(title string, subscriptions []model.Subscription) ([]byte, error) {
	doc := OPML{
		Version: "1.0",
		Head: Head{
			Title:       title,
			DateCreated: time.Now().Format(time.RFC1123Z),
		},
	}

	folders := make(map[string]*Outline)
	var rootOutlines []Outline
	for _, sub := range subscriptions {
		feedURL := model.FeedURL(sub.ID)
		if feedURL == "" {
			continue
		}
		feedOutline := Outline{
			Text:    sub.Title,
			Title:   sub.Title,
			Type:    "rss",
			XMLURL:  feedURL,
			HTMLURL: sub.HTMLURL,
		}
		if len(sub.Categories) == 0 {
			rootOutlines = append(rootOutlines, feedOutline)
			continue
		}
		for _, c := range sub.Categories {
			if fo, ok := folders[c.Label]; ok {
				fo.Outlines = append(fo.Outlines, feedOutline)
			} else {
				folders[c.Label] = &Outline{
					Text:     c.Label,
					Title:    c.Label,
					Outlines: []Outline{feedOutline},
				}
			}
		}
	}

	labels := make([]string, 0, len(folders))
	for label := range folders {
		labels = append(labels, label)
	}
	sort.Strings(labels)
	for _, label := range labels {
		rootOutlines = append(rootOutlines, *folders[label])
	}
	doc.Body.Outlines = rootOutlines

	output, err := xml.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, err
	}
	return append([]byte(xml.Header), output...), nil
}
