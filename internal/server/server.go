// Package server serves an archive over a read-only subset of the Reader API.
package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/mmcdole/gofeed"
	log "github.com/sirupsen/logrus"

	"github.com/bryan-buckman/readerarchive/internal/api"
	"github.com/bryan-buckman/readerarchive/internal/archive"
	"github.com/bryan-buckman/readerarchive/internal/atom"
	"github.com/bryan-buckman/readerarchive/internal/database"
	"github.com/bryan-buckman/readerarchive/internal/model"
	"github.com/bryan-buckman/readerarchive/internal/opml"
)

const (
	defaultPageSize = 20
	maxPageSize     = 10000
)

// Server is the archive HTTP server.
type Server struct {
	layout archive.Layout
	index  database.Index
	format string
	items  *archive.BundleStore
	router chi.Router
}

// New creates a server for the archive at layout, using index for stream
// lookups. The item body format is taken from the archive info file and
// defaults to Atom for archives without one.
func New(layout archive.Layout, index database.Index) (*Server, error) {
	format := api.FormatAtom
	info, err := layout.ReadInfo()
	switch {
	case err == nil:
		if info.ItemBodyFormat != "" {
			format = info.ItemBodyFormat
		}
	case errors.Is(err, archive.ErrNotFound):
	default:
		return nil, fmt.Errorf("read archive info: %w", err)
	}
	items, err := layout.Items(format)
	if err != nil {
		return nil, err
	}

	s := &Server{
		layout: layout,
		index:  index,
		format: format,
		items:  items,
	}
	s.setupRoutes()
	return s, nil
}

func (s *Server) setupRoutes() {
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5))

	r.Route("/reader/api/0", func(r chi.Router) {
		r.Get("/user-info", s.handleUserInfo)
		r.Get("/tag/list", s.handleTagList)
		r.Get("/subscription/list", s.handleSubscriptionList)
		r.Get("/stream/items/ids", s.handleItemIDs)
		r.Get("/stream/items/contents", s.handleContents)
		r.Post("/stream/items/contents", s.handleContents)
		r.Get("/stream/comments", s.handleComments)
	})
	r.Get("/reader/subscriptions/export", s.handleExportOPML)
	r.Get("/api/streams", s.handleStreams)
	r.Get("/api/items/{itemID}", s.handleItem)

	s.router = r
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Start serves the archive on addr until the listener fails.
func (s *Server) Start(addr string) error {
	log.WithFields(log.Fields{
		"addr":     addr,
		"archive":  s.layout.Root,
		"database": s.index.DatabaseType(),
	}).Info("Server starting")
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return srv.ListenAndServe()
}

// --- Metadata Handlers ---

func (s *Server) handleUserInfo(w http.ResponseWriter, r *http.Request) {
	var info model.UserInfo
	if !s.readData(w, "user-info.json", &info) {
		return
	}
	writeJSON(w, info)
}

func (s *Server) handleTagList(w http.ResponseWriter, r *http.Request) {
	var tags []model.Tag
	if !s.readData(w, "tags.json", &tags) {
		return
	}
	writeJSON(w, map[string]any{"tags": tags})
}

func (s *Server) handleSubscriptionList(w http.ResponseWriter, r *http.Request) {
	var subs []model.Subscription
	if !s.readData(w, "subscriptions.json", &subs) {
		return
	}
	writeJSON(w, map[string]any{"subscriptions": subs})
}

func (s *Server) handleExportOPML(w http.ResponseWriter, r *http.Request) {
	var subs []model.Subscription
	if !s.readData(w, "subscriptions.json", &subs) {
		return
	}
	data, err := opml.Export("Google Reader subscriptions", subs)
	if err != nil {
		http.Error(w, "Failed to export", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/xml")
	w.Header().Set("Content-Disposition", "attachment; filename=google-reader-subscriptions.xml")
	w.Write(data)
}

// --- Stream Handlers ---

type itemRefJSON struct {
	ID              string   `json:"id"`
	TimestampUsec   string   `json:"timestampUsec"`
	DirectStreamIDs []string `json:"directStreamIds"`
}

func (s *Server) handleItemIDs(w http.ResponseWriter, r *http.Request) {
	streamID := r.URL.Query().Get("s")
	if streamID == "" {
		http.Error(w, "Missing stream", http.StatusBadRequest)
		return
	}
	n := defaultPageSize
	if raw := r.URL.Query().Get("n"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v <= 0 {
			http.Error(w, "Invalid count", http.StatusBadRequest)
			return
		}
		n = min(v, maxPageSize)
	}

	refs, next, err := s.index.ItemRefs(r.Context(), streamID, n, r.URL.Query().Get("c"))
	if errors.Is(err, database.ErrUnknownStream) {
		http.Error(w, "Unknown stream", http.StatusNotFound)
		return
	}
	if err != nil {
		log.WithField("stream", streamID).Errorf("Item refs lookup failed: %s", err)
		http.Error(w, "Lookup failed", http.StatusInternalServerError)
		return
	}

	out := struct {
		ItemRefs     []itemRefJSON `json:"itemRefs"`
		Continuation string        `json:"continuation,omitempty"`
	}{ItemRefs: make([]itemRefJSON, 0, len(refs)), Continuation: next}
	for _, ref := range refs {
		out.ItemRefs = append(out.ItemRefs, itemRefJSON{
			ID:              ref.ID.Decimal(),
			TimestampUsec:   strconv.FormatInt(ref.TimestampUsec, 10),
			DirectStreamIDs: []string{},
		})
	}
	writeJSON(w, out)
}

func (s *Server) handleContents(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "Invalid request", http.StatusBadRequest)
		return
	}
	ids := make([]model.ItemID, 0, len(r.Form["i"]))
	for _, raw := range r.Form["i"] {
		id, err := model.ItemIDFromAnyForm(raw)
		if err != nil {
			http.Error(w, fmt.Sprintf("Invalid item id %q", raw), http.StatusBadRequest)
			return
		}
		ids = append(ids, id)
	}

	var bodies [][]byte
	for _, id := range ids {
		body, err := s.items.Get(id)
		if errors.Is(err, archive.ErrNotFound) {
			continue
		}
		if err != nil {
			log.WithField("item", id).Errorf("Item body read failed: %s", err)
			http.Error(w, "Read failed", http.StatusInternalServerError)
			return
		}
		bodies = append(bodies, body)
	}

	if s.format == api.FormatJSON {
		items := make([]json.RawMessage, len(bodies))
		for i, b := range bodies {
			items[i] = b
		}
		writeJSON(w, map[string]any{"items": items})
		return
	}
	w.Header().Set("Content-Type", "application/atom+xml; charset=utf-8")
	w.Write(atom.Feed(bodies))
}

type commentJSON struct {
	ID            string `json:"id"`
	ItemID        string `json:"itemId"`
	VenueStreamID string `json:"venueStreamId"`
	Content       string `json:"content"`
	AuthorUserID  string `json:"authorUserId,omitempty"`
	Author        string `json:"author"`
	CreatedTime   int64  `json:"createdTime"`
	ModifiedTime  int64  `json:"modifiedTime,omitempty"`
}

func (s *Server) handleComments(w http.ResponseWriter, r *http.Request) {
	streamID := r.URL.Query().Get("s")
	if streamID == "" {
		http.Error(w, "Missing stream", http.StatusBadRequest)
		return
	}
	comments := s.layout.Comments()
	out := struct {
		Comments []commentJSON `json:"comments"`
	}{Comments: []commentJSON{}}

	continuation := ""
	for {
		refs, next, err := s.index.ItemRefs(r.Context(), streamID, maxPageSize, continuation)
		if errors.Is(err, database.ErrUnknownStream) {
			http.Error(w, "Unknown stream", http.StatusNotFound)
			return
		}
		if err != nil {
			log.WithField("stream", streamID).Errorf("Item refs lookup failed: %s", err)
			http.Error(w, "Lookup failed", http.StatusInternalServerError)
			return
		}
		for _, ref := range refs {
			data, err := comments.Get(ref.ID)
			if errors.Is(err, archive.ErrNotFound) {
				continue
			}
			var itemComments []model.Comment
			if err == nil {
				err = json.Unmarshal(data, &itemComments)
			}
			if err != nil {
				log.WithField("item", ref.ID).Errorf("Comments read failed: %s", err)
				http.Error(w, "Read failed", http.StatusInternalServerError)
				return
			}
			for _, c := range itemComments {
				if c.VenueStreamID != "" && c.VenueStreamID != streamID {
					continue
				}
				out.Comments = append(out.Comments, commentJSON{
					ID:            c.ID,
					ItemID:        c.ItemID.Decimal(),
					VenueStreamID: c.VenueStreamID,
					Content:       c.Content,
					AuthorUserID:  c.AuthorUserID,
					Author:        c.Author,
					CreatedTime:   c.CreatedTime,
					ModifiedTime:  c.ModifiedTime,
				})
			}
		}
		if next == "" {
			break
		}
		continuation = next
	}
	writeJSON(w, out)
}

// --- Browsing API ---

func (s *Server) handleStreams(w http.ResponseWriter, r *http.Request) {
	streams, err := s.index.Streams(r.Context())
	if err != nil {
		log.Errorf("Stream listing failed: %s", err)
		http.Error(w, "Lookup failed", http.StatusInternalServerError)
		return
	}
	type streamJSON struct {
		ID        string `json:"id"`
		ItemCount int    `json:"item_count"`
	}
	out := make([]streamJSON, len(streams))
	for i, st := range streams {
		out[i] = streamJSON{ID: st.ID, ItemCount: st.ItemCount}
	}
	writeJSON(w, map[string]any{"streams": out})
}

type itemJSON struct {
	ID        string          `json:"id"`
	Title     string          `json:"title,omitempty"`
	Link      string          `json:"link,omitempty"`
	Author    string          `json:"author,omitempty"`
	Content   string          `json:"content,omitempty"`
	Published *time.Time      `json:"published,omitempty"`
	Updated   *time.Time      `json:"updated,omitempty"`
	Streams   []string        `json:"streams"`
	Raw       json.RawMessage `json:"raw,omitempty"`
}

func (s *Server) handleItem(w http.ResponseWriter, r *http.Request) {
	id, err := model.ItemIDFromAnyForm(chi.URLParam(r, "itemID"))
	if err != nil {
		http.Error(w, "Invalid item id", http.StatusBadRequest)
		return
	}
	body, err := s.items.Get(id)
	if errors.Is(err, archive.ErrNotFound) {
		http.Error(w, "Item not found", http.StatusNotFound)
		return
	}
	if err != nil {
		log.WithField("item", id).Errorf("Item body read failed: %s", err)
		http.Error(w, "Read failed", http.StatusInternalServerError)
		return
	}

	out := itemJSON{ID: id.Compact()}
	if s.format == api.FormatJSON {
		out.Raw = body
	} else if err := describeAtomEntry(&out, body); err != nil {
		log.WithField("item", id).Warnf("Item body is not parseable: %s", err)
		http.Error(w, "Unparseable item", http.StatusInternalServerError)
		return
	}

	out.Streams, err = s.index.StreamsForItem(r.Context(), id)
	if err != nil {
		log.WithField("item", id).Errorf("Stream lookup failed: %s", err)
		http.Error(w, "Lookup failed", http.StatusInternalServerError)
		return
	}
	if out.Streams == nil {
		out.Streams = []string{}
	}
	writeJSON(w, out)
}

// describeAtomEntry fills out from a stored Atom entry.
func describeAtomEntry(out *itemJSON, entry []byte) error {
	feed, err := gofeed.NewParser().Parse(bytes.NewReader(atom.Feed([][]byte{entry})))
	if err != nil {
		return err
	}
	if len(feed.Items) == 0 {
		return errors.New("no entry")
	}
	item := feed.Items[0]
	out.Title = item.Title
	out.Link = item.Link
	out.Content = item.Content
	if out.Content == "" {
		out.Content = item.Description
	}
	if len(item.Authors) > 0 {
		out.Author = item.Authors[0].Name
	}
	out.Published = item.PublishedParsed
	out.Updated = item.UpdatedParsed
	return nil
}

// --- Helpers ---

func (s *Server) readData(w http.ResponseWriter, name string, v any) bool {
	err := s.layout.ReadData(name, v)
	if errors.Is(err, archive.ErrNotFound) {
		http.Error(w, "Not archived", http.StatusNotFound)
		return false
	}
	if err != nil {
		log.WithField("file", name).Errorf("Archive data read failed: %s", err)
		http.Error(w, "Read failed", http.StatusInternalServerError)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Errorf("Response encoding failed: %s", err)
	}
}
