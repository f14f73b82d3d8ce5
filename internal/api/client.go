// Package api is a typed client for the Reader REST API.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/bryan-buckman/readerarchive/internal/atom"
	"github.com/bryan-buckman/readerarchive/internal/model"
)

// DefaultBaseURL is the root every API path is resolved against.
const DefaultBaseURL = "https://www.google.com/reader/api/0/"

// Body formats accepted by FetchItemBodies.
const (
	FormatAtom = "atom"
	FormatJSON = "json"
)

// ParseError reports a response body that could not be decoded.
type ParseError struct {
	Err error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("malformed response: %s", e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// IsParseError reports whether err is a malformed response.
func IsParseError(err error) bool {
	var parseErr *ParseError
	return errors.As(err, &parseErr)
}

// MissingItemRecorder is told about items the server did not return. It is
// owned by a single archival run.
type MissingItemRecorder interface {
	IsKnownMissing(id model.ItemID) bool
	RecordMissing(ids ...model.ItemID)
}

// Options configures a Client.
type Options struct {
	// BaseURL defaults to DefaultBaseURL.
	BaseURL string
	// Authenticated signs requests; nil means every call is unauthenticated.
	Authenticated Fetcher
	// Unauthenticated defaults to a plain HTTPFetcher.
	Unauthenticated Fetcher
	// Missing is optional.
	Missing MissingItemRecorder
}

// Client wraps the API endpoints in typed calls.
type Client struct {
	baseURL         string
	authenticated   Fetcher
	unauthenticated Fetcher
	missing         MissingItemRecorder
}

// NewClient creates a client.
func NewClient(opts Options) *Client {
	baseURL := opts.BaseURL
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if !strings.HasSuffix(baseURL, "/") {
		baseURL += "/"
	}
	unauthenticated := opts.Unauthenticated
	if unauthenticated == nil {
		unauthenticated = NewHTTPFetcher(nil, nil)
	}
	return &Client{
		baseURL:         baseURL,
		authenticated:   opts.Authenticated,
		unauthenticated: unauthenticated,
		missing:         opts.Missing,
	}
}

// Authenticated reports whether the client has credentials.
func (c *Client) Authenticated() bool {
	return c.authenticated != nil
}

func (c *Client) fetcher(authenticated bool) Fetcher {
	if authenticated && c.authenticated != nil {
		return c.authenticated
	}
	return c.unauthenticated
}

func (c *Client) get(ctx context.Context, path string, query url.Values, authenticated bool) ([]byte, error) {
	if query == nil {
		query = url.Values{}
	}
	query.Set("client", "readerarchive")
	return c.fetcher(authenticated).Fetch(ctx, &Request{
		Method: http.MethodGet,
		URL:    c.baseURL + path,
		Query:  query,
	})
}

func (c *Client) getJSON(ctx context.Context, path string, query url.Values, result any) error {
	if query == nil {
		query = url.Values{}
	}
	query.Set("output", "json")
	body, err := c.get(ctx, path, query, true)
	if err != nil {
		return fmt.Errorf("fetch %s: %w", path, err)
	}
	if err := json.Unmarshal(body, result); err != nil {
		return fmt.Errorf("fetch %s: %w", path, &ParseError{Err: err})
	}
	return nil
}

// FetchRaw returns the JSON body of an authenticated endpoint as-is.
func (c *Client) FetchRaw(ctx context.Context, path string) (json.RawMessage, error) {
	var raw json.RawMessage
	if err := c.getJSON(ctx, path, nil, &raw); err != nil {
		return nil, err
	}
	return raw, nil
}

// FetchUserInfo returns the account the client is signed in as.
func (c *Client) FetchUserInfo(ctx context.Context) (*model.UserInfo, error) {
	var info model.UserInfo
	if err := c.getJSON(ctx, "user-info", nil, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// FetchTags lists labels and system states.
func (c *Client) FetchTags(ctx context.Context) ([]model.Tag, error) {
	var resp struct {
		Tags []model.Tag `json:"tags"`
	}
	if err := c.getJSON(ctx, "tag/list", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Tags, nil
}

// FetchSubscriptions lists subscribed feeds.
func (c *Client) FetchSubscriptions(ctx context.Context) ([]model.Subscription, error) {
	var resp struct {
		Subscriptions []model.Subscription `json:"subscriptions"`
	}
	if err := c.getJSON(ctx, "subscription/list", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Subscriptions, nil
}

type friendList struct {
	Friends        []model.Friend `json:"friends"`
	EncodedSharers string         `json:"encodedSharers"`
}

// FetchFriends lists the account's sharing graph.
func (c *Client) FetchFriends(ctx context.Context) ([]model.Friend, error) {
	var resp friendList
	if err := c.getJSON(ctx, "friend/list", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Friends, nil
}

// FetchEncodedSharers returns the opaque sharer list comment fetches need.
func (c *Client) FetchEncodedSharers(ctx context.Context) (string, error) {
	var resp friendList
	if err := c.getJSON(ctx, "friend/list", nil, &resp); err != nil {
		return "", err
	}
	return resp.EncodedSharers, nil
}

// FetchBundles lists bundles created by the account.
func (c *Client) FetchBundles(ctx context.Context) ([]model.Bundle, error) {
	var resp struct {
		Bundles []model.Bundle `json:"bundles"`
	}
	if err := c.getJSON(ctx, "bundle/list", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Bundles, nil
}

// FetchRecommendations lists recommended feeds.
func (c *Client) FetchRecommendations(ctx context.Context) ([]model.Recommendation, error) {
	var resp struct {
		Recs []model.Recommendation `json:"recs"`
	}
	if err := c.getJSON(ctx, "recommendation/list", url.Values{"n": {"1000"}}, &resp); err != nil {
		return nil, err
	}
	return resp.Recs, nil
}

type itemRefJSON struct {
	ID            string `json:"id"`
	TimestampUsec string `json:"timestampUsec"`
}

// FetchItemRefs fetches one page of item references for a stream. An empty
// continuation token in the result means the stream is exhausted.
func (c *Client) FetchItemRefs(ctx context.Context, streamID string, count int, continuation string) ([]model.ItemRef, string, error) {
	query := url.Values{
		"s":      {streamID},
		"n":      {strconv.Itoa(count)},
		"output": {"json"},
	}
	if continuation != "" {
		query.Set("c", continuation)
	}
	body, err := c.get(ctx, "stream/items/ids", query, true)
	if err != nil {
		return nil, "", fmt.Errorf("fetch item refs for %s: %w", streamID, err)
	}
	var resp struct {
		ItemRefs     []itemRefJSON `json:"itemRefs"`
		Continuation string        `json:"continuation"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, "", fmt.Errorf("fetch item refs for %s: %w", streamID, &ParseError{Err: err})
	}
	refs := make([]model.ItemRef, 0, len(resp.ItemRefs))
	for _, r := range resp.ItemRefs {
		id, err := model.ItemIDFromDecimalForm(r.ID)
		if err != nil {
			return nil, "", &ParseError{Err: err}
		}
		ts, err := strconv.ParseInt(r.TimestampUsec, 10, 64)
		if err != nil {
			return nil, "", &ParseError{Err: fmt.Errorf("timestamp of item %s: %w", r.ID, err)}
		}
		refs = append(refs, model.ItemRef{ID: id, TimestampUsec: ts})
	}
	return refs, resp.Continuation, nil
}

// BodyOptions controls FetchItemBodies.
type BodyOptions struct {
	Format        string
	MediaRSS      bool
	HighFidelity  bool
	Authenticated bool
}

// Entry is the content of one item in the requested format.
type Entry struct {
	ID   model.ItemID
	Data []byte
}

// FetchItemBodies fetches the content of several items in one request. Items
// the server does not return (deleted or inaccessible) are absent from the
// result and reported to the missing-item recorder.
func (c *Client) FetchItemBodies(ctx context.Context, ids []model.ItemID, opts BodyOptions) (map[model.ItemID]Entry, error) {
	if len(ids) == 0 {
		return map[model.ItemID]Entry{}, nil
	}
	format := opts.Format
	if format == "" {
		format = FormatAtom
	}
	output := format
	if format == FormatAtom && opts.HighFidelity {
		output = "atom-hifi"
	}
	query := url.Values{
		"output":   {output},
		"mediaRss": {strconv.FormatBool(opts.MediaRSS)},
		"client":   {"readerarchive"},
	}
	form := url.Values{}
	for _, id := range ids {
		form.Add("i", id.Decimal())
	}
	body, err := c.fetcher(opts.Authenticated).Fetch(ctx, &Request{
		Method: http.MethodPost,
		URL:    c.baseURL + "stream/items/contents",
		Query:  query,
		Form:   form,
	})
	if err != nil {
		return nil, fmt.Errorf("fetch %d item bodies: %w", len(ids), err)
	}

	var entries []Entry
	switch format {
	case FormatAtom:
		entries, err = splitAtom(body)
	case FormatJSON:
		entries, err = splitJSON(body)
	default:
		return nil, fmt.Errorf("unsupported item body format %q", format)
	}
	if err != nil {
		return nil, err
	}

	result := make(map[model.ItemID]Entry, len(entries))
	for _, e := range entries {
		result[e.ID] = e
	}
	var missing []model.ItemID
	for _, id := range ids {
		if _, ok := result[id]; ok {
			continue
		}
		if c.missing != nil && c.missing.IsKnownMissing(id) {
			continue
		}
		missing = append(missing, id)
	}
	if len(missing) > 0 {
		log.WithField("requested", len(ids)).WithField("missing", len(missing)).Debug("Items missing from body response")
		if c.missing != nil {
			c.missing.RecordMissing(missing...)
		}
	}
	return result, nil
}

func splitAtom(body []byte) ([]Entry, error) {
	atomEntries, err := atom.Split(body)
	if err != nil {
		return nil, &ParseError{Err: err}
	}
	entries := make([]Entry, len(atomEntries))
	for i, e := range atomEntries {
		entries[i] = Entry{ID: e.ID, Data: e.Data}
	}
	return entries, nil
}

func splitJSON(body []byte) ([]Entry, error) {
	var resp struct {
		Items []json.RawMessage `json:"items"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, &ParseError{Err: err}
	}
	entries := make([]Entry, 0, len(resp.Items))
	for _, raw := range resp.Items {
		var item struct {
			ID string `json:"id"`
		}
		if err := json.Unmarshal(raw, &item); err != nil {
			return nil, &ParseError{Err: err}
		}
		id, err := model.ItemIDFromAnyForm(item.ID)
		if err != nil {
			return nil, &ParseError{Err: err}
		}
		entries = append(entries, Entry{ID: id, Data: raw})
	}
	return entries, nil
}

type commentJSON struct {
	ID            string `json:"id"`
	ItemID        string `json:"itemId"`
	VenueStreamID string `json:"venueStreamId"`
	Content       string `json:"content"`
	AuthorUserID  string `json:"authorUserId"`
	Author        string `json:"author"`
	CreatedTime   int64  `json:"createdTime"`
	ModifiedTime  int64  `json:"modifiedTime"`
}

// FetchComments fetches one page of comments made in a shared-items stream,
// grouped by item.
func (c *Client) FetchComments(ctx context.Context, streamID, encodedSharers string, count int, continuation string) (map[model.ItemID][]model.Comment, string, error) {
	query := url.Values{
		"s":      {streamID},
		"n":      {strconv.Itoa(count)},
		"output": {"json"},
	}
	if encodedSharers != "" {
		query.Set("sharers", encodedSharers)
	}
	if continuation != "" {
		query.Set("c", continuation)
	}
	body, err := c.get(ctx, "stream/comments", query, true)
	if err != nil {
		return nil, "", fmt.Errorf("fetch comments for %s: %w", streamID, err)
	}
	var resp struct {
		Comments     []commentJSON `json:"comments"`
		Continuation string        `json:"continuation"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, "", fmt.Errorf("fetch comments for %s: %w", streamID, &ParseError{Err: err})
	}
	result := map[model.ItemID][]model.Comment{}
	for _, cj := range resp.Comments {
		id, err := model.ItemIDFromDecimalForm(cj.ItemID)
		if err != nil {
			return nil, "", &ParseError{Err: err}
		}
		venue := cj.VenueStreamID
		if venue == "" {
			venue = streamID
		}
		result[id] = append(result[id], model.Comment{
			ID:            cj.ID,
			ItemID:        id,
			VenueStreamID: venue,
			Content:       cj.Content,
			AuthorUserID:  cj.AuthorUserID,
			Author:        cj.Author,
			CreatedTime:   cj.CreatedTime,
			ModifiedTime:  cj.ModifiedTime,
		})
	}
	return result, resp.Continuation, nil
}
