// Package readertest provides an in-process fake of the Reader API for tests.
package readertest

import (
	"encoding/json"
	"fmt"
	"html"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"

	"github.com/go-chi/chi/v5"

	"github.com/bryan-buckman/readerarchive/internal/model"
)

// Failure makes the contents endpoint misbehave for an item.
type Failure int

const (
	// FailWithMediaRSS returns a 500 while mediaRss=true.
	FailWithMediaRSS Failure = iota + 1
	// FailWithHighFidelity returns a 500 while output=atom-hifi.
	FailWithHighFidelity
	// FailAlways returns a 500 whenever the item is requested.
	FailAlways
	// MalformedAlways returns invalid XML whenever the item is requested.
	MalformedAlways
)

// Comment is a comment as the fake serves it.
type Comment struct {
	ID      string
	ItemID  model.ItemID
	Author  string
	Content string
	Created int64
}

// Server is a fake Reader API rooted at URL + "/reader/api/0/".
type Server struct {
	*httptest.Server

	mu             sync.Mutex
	UserInfo       model.UserInfo
	Tags           []model.Tag
	Subscriptions  []model.Subscription
	Friends        []model.Friend
	EncodedSharers string
	Bundles        []model.Bundle
	Recs           []model.Recommendation
	Raw            map[string]json.RawMessage
	Streams        map[string][]model.ItemRef
	Private        map[string]bool
	Items          map[model.ItemID]string
	Failures       map[model.ItemID]Failure
	Comments       map[string][]Comment
	// AuthToken, when set, is required as a bearer or GoogleLogin token.
	AuthToken string

	hits map[string]int
}

// New starts a fake server with empty data.
func New() *Server {
	s := &Server{
		Raw:      map[string]json.RawMessage{},
		Streams:  map[string][]model.ItemRef{},
		Private:  map[string]bool{},
		Items:    map[model.ItemID]string{},
		Failures: map[model.ItemID]Failure{},
		Comments: map[string][]Comment{},
		hits:     map[string]int{},
	}
	r := chi.NewRouter()
	r.Use(s.count, s.authenticate)
	r.Route("/reader/api/0", func(r chi.Router) {
		r.Get("/user-info", s.handleJSON(func() any { return s.UserInfo }))
		r.Get("/tag/list", s.handleJSON(func() any { return map[string]any{"tags": s.Tags} }))
		r.Get("/subscription/list", s.handleJSON(func() any { return map[string]any{"subscriptions": s.Subscriptions} }))
		r.Get("/friend/list", s.handleJSON(func() any {
			return map[string]any{"friends": s.Friends, "encodedSharers": s.EncodedSharers}
		}))
		r.Get("/bundle/list", s.handleJSON(func() any { return map[string]any{"bundles": s.Bundles} }))
		r.Get("/recommendation/list", s.handleJSON(func() any { return map[string]any{"recs": s.Recs} }))
		r.Get("/preference/list", s.handleRaw("preference/list"))
		r.Get("/preference/stream/list", s.handleRaw("preference/stream/list"))
		r.Get("/friend/groups", s.handleRaw("friend/groups"))
		r.Get("/friend/acl", s.handleRaw("friend/acl"))
		r.Get("/stream/items/ids", s.handleItemIDs)
		r.Post("/stream/items/contents", s.handleContents)
		r.Get("/stream/comments", s.handleComments)
	})
	s.Server = httptest.NewServer(r)
	return s
}

// BaseURL is the API root to hand to api.Options.
func (s *Server) BaseURL() string {
	return s.URL + "/reader/api/0/"
}

// Hits returns how many requests reached path (relative to the API root).
func (s *Server) Hits(path string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hits[path]
}

// Lock guards mutation of the exported fields while the server is running.
func (s *Server) Lock() { s.mu.Lock() }

// Unlock releases Lock.
func (s *Server) Unlock() { s.mu.Unlock() }

func (s *Server) count(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.hits[strings.TrimPrefix(r.URL.Path, "/reader/api/0/")]++
		s.mu.Unlock()
		next.ServeHTTP(w, r)
	})
}

func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		token := s.AuthToken
		s.mu.Unlock()
		if token != "" {
			auth := r.Header.Get("Authorization")
			if auth != "Bearer "+token && auth != "GoogleLogin auth="+token {
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleJSON(fn func() any) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		v := fn()
		s.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(v)
	}
}

func (s *Server) handleRaw(key string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		raw, ok := s.Raw[key]
		s.mu.Unlock()
		if !ok {
			raw = json.RawMessage(`{}`)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(raw)
	}
}

func page(r *http.Request, total int) (start, end int, next string) {
	n, _ := strconv.Atoi(r.URL.Query().Get("n"))
	if n <= 0 {
		n = 20
	}
	start, _ = strconv.Atoi(r.URL.Query().Get("c"))
	if start > total {
		start = total
	}
	end = start + n
	if end >= total {
		return start, total, ""
	}
	return start, end, strconv.Itoa(end)
}

func (s *Server) handleItemIDs(w http.ResponseWriter, r *http.Request) {
	streamID := r.URL.Query().Get("s")
	s.mu.Lock()
	refs, ok := s.Streams[streamID]
	private := s.Private[streamID]
	s.mu.Unlock()
	if private {
		http.Error(w, "Permission denied", http.StatusBadRequest)
		return
	}
	if !ok {
		refs = nil
	}
	start, end, next := page(r, len(refs))
	out := struct {
		ItemRefs     []map[string]any `json:"itemRefs"`
		Continuation string           `json:"continuation,omitempty"`
	}{ItemRefs: []map[string]any{}, Continuation: next}
	for _, ref := range refs[start:end] {
		out.ItemRefs = append(out.ItemRefs, map[string]any{
			"id":              ref.ID.Decimal(),
			"timestampUsec":   strconv.FormatInt(ref.TimestampUsec, 10),
			"directStreamIds": []string{},
		})
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(out)
}

func (s *Server) handleContents(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	var (
		output   = r.URL.Query().Get("output")
		mediaRSS = r.URL.Query().Get("mediaRss") == "true"
		hifi     = output == "atom-hifi"
	)
	s.mu.Lock()
	defer s.mu.Unlock()

	var ids []model.ItemID
	for _, raw := range r.PostForm["i"] {
		id, err := model.ItemIDFromDecimalForm(raw)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		ids = append(ids, id)
	}
	for _, id := range ids {
		switch s.Failures[id] {
		case FailAlways:
			http.Error(w, "Internal error", http.StatusInternalServerError)
			return
		case FailWithMediaRSS:
			if mediaRSS {
				http.Error(w, "Internal error", http.StatusInternalServerError)
				return
			}
		case FailWithHighFidelity:
			if hifi {
				http.Error(w, "Internal error", http.StatusInternalServerError)
				return
			}
		case MalformedAlways:
			w.Header().Set("Content-Type", "application/atom+xml")
			fmt.Fprint(w, `<?xml version="1.0"?><feed xmlns="http://www.w3.org/2005/Atom"><entry><id>broken`)
			return
		}
	}

	if output == "json" {
		var items []map[string]any
		for _, id := range ids {
			if title, ok := s.Items[id]; ok {
				items = append(items, map[string]any{"id": id.Atom(), "title": title})
			}
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"items": items})
		return
	}

	w.Header().Set("Content-Type", "application/atom+xml")
	fmt.Fprint(w, `<?xml version="1.0"?>`+"\n")
	fmt.Fprint(w, `<feed xmlns="http://www.w3.org/2005/Atom" xmlns:gr="http://www.google.com/schemas/reader/atom/">`)
	for _, id := range ids {
		title, ok := s.Items[id]
		if !ok {
			continue
		}
		fmt.Fprintf(w, `<entry gr:crawl-timestamp-msec="1"><id gr:original-id="%s">%s</id><title>%s</title>`+
			`<link rel="alternate" href="http://example.com/%s"/><updated>2013-06-30T12:00:00Z</updated>`+
			`<content type="html">body of %s</content></entry>`,
			id.Compact(), id.Atom(), html.EscapeString(title), id.Compact(), html.EscapeString(title))
	}
	fmt.Fprint(w, `</feed>`)
}

func (s *Server) handleComments(w http.ResponseWriter, r *http.Request) {
	streamID := r.URL.Query().Get("s")
	s.mu.Lock()
	comments := s.Comments[streamID]
	s.mu.Unlock()
	start, end, next := page(r, len(comments))
	out := struct {
		Comments     []map[string]any `json:"comments"`
		Continuation string           `json:"continuation,omitempty"`
	}{Comments: []map[string]any{}, Continuation: next}
	for _, c := range comments[start:end] {
		out.Comments = append(out.Comments, map[string]any{
			"id":            c.ID,
			"itemId":        c.ItemID.Decimal(),
			"venueStreamId": streamID,
			"content":       c.Content,
			"author":        c.Author,
			"createdTime":   c.Created,
		})
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(out)
}
