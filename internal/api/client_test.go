package api

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bryan-buckman/readerarchive/internal/atom"
	"github.com/bryan-buckman/readerarchive/internal/model"
	"github.com/bryan-buckman/readerarchive/internal/readertest"
)

type missingSet struct {
	mu    sync.Mutex
	known map[model.ItemID]bool
	seen  []model.ItemID
}

func (m *missingSet) IsKnownMissing(id model.ItemID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.known[id]
}

func (m *missingSet) RecordMissing(ids ...model.ItemID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seen = append(m.seen, ids...)
}

func newTestClient(t *testing.T, srv *readertest.Server, missing MissingItemRecorder) *Client {
	t.Helper()
	return NewClient(Options{
		BaseURL:       srv.BaseURL(),
		Authenticated: NewHTTPFetcher(nil, nil),
		Missing:       missing,
	})
}

func TestFetchItemRefsPaging(t *testing.T) {
	srv := readertest.New()
	defer srv.Close()
	var refs []model.ItemRef
	for i := 0; i < 7; i++ {
		refs = append(refs, model.ItemRef{ID: model.ItemID(1<<63 + uint64(i)), TimestampUsec: int64(1000 - i)})
	}
	srv.Streams["feed/http://example.com/rss"] = refs
	client := newTestClient(t, srv, nil)
	ctx := context.Background()

	var (
		got   []model.ItemRef
		token string
		pages int
	)
	for {
		page, next, err := client.FetchItemRefs(ctx, "feed/http://example.com/rss", 3, token)
		require.NoError(t, err)
		got = append(got, page...)
		pages++
		if next == "" {
			break
		}
		token = next
	}
	assert.Equal(t, 3, pages)
	assert.Equal(t, refs, got)
}

func TestFetchItemRefsPermissionDenied(t *testing.T) {
	srv := readertest.New()
	defer srv.Close()
	srv.Private["user/1/label/secret"] = true
	client := newTestClient(t, srv, nil)

	_, _, err := client.FetchItemRefs(context.Background(), "user/1/label/secret", 10, "")
	require.Error(t, err)
	assert.True(t, IsPermissionDenied(err))
	assert.Equal(t, 400, StatusCode(err))
}

func TestFetchItemBodiesAtom(t *testing.T) {
	srv := readertest.New()
	defer srv.Close()
	srv.Items[1] = "one"
	srv.Items[0xfedcba9876543210] = "big & bold"
	missing := &missingSet{known: map[model.ItemID]bool{4: true}}
	client := newTestClient(t, srv, missing)

	bodies, err := client.FetchItemBodies(context.Background(),
		[]model.ItemID{1, 0xfedcba9876543210, 3, 4},
		BodyOptions{Format: FormatAtom, MediaRSS: true, HighFidelity: true, Authenticated: true})
	require.NoError(t, err)

	require.Len(t, bodies, 2)
	assert.Contains(t, string(bodies[1].Data), "<title>one</title>")
	assert.Contains(t, string(bodies[0xfedcba9876543210].Data), "big &amp; bold")
	assert.Contains(t, string(bodies[1].Data), `xmlns:gr="http://www.google.com/schemas/reader/atom/"`)
	assert.Equal(t, []model.ItemID{3}, missing.seen, "known-missing items are not reported again")

	// Every fragment parses on its own.
	for _, e := range bodies {
		entries, err := atom.Split(atom.Feed([][]byte{e.Data}))
		require.NoError(t, err)
		require.Len(t, entries, 1)
		assert.Equal(t, e.ID, entries[0].ID)
	}
}

func TestFetchItemBodiesJSON(t *testing.T) {
	srv := readertest.New()
	defer srv.Close()
	srv.Items[10] = "ten"
	client := newTestClient(t, srv, nil)

	bodies, err := client.FetchItemBodies(context.Background(), []model.ItemID{10, 11}, BodyOptions{Format: FormatJSON})
	require.NoError(t, err)
	require.Len(t, bodies, 1)

	var item map[string]string
	require.NoError(t, json.Unmarshal(bodies[10].Data, &item))
	assert.Equal(t, "ten", item["title"])
}

func TestFetchItemBodiesErrors(t *testing.T) {
	srv := readertest.New()
	defer srv.Close()
	srv.Items[1] = "one"
	srv.Items[2] = "two"
	srv.Failures[1] = readertest.FailWithMediaRSS
	srv.Failures[2] = readertest.MalformedAlways
	client := newTestClient(t, srv, nil)
	ctx := context.Background()

	_, err := client.FetchItemBodies(ctx, []model.ItemID{1}, BodyOptions{MediaRSS: true})
	assert.Equal(t, 500, StatusCode(err))

	bodies, err := client.FetchItemBodies(ctx, []model.ItemID{1}, BodyOptions{MediaRSS: false})
	require.NoError(t, err)
	assert.Len(t, bodies, 1)

	_, err = client.FetchItemBodies(ctx, []model.ItemID{2}, BodyOptions{})
	assert.True(t, IsParseError(err))
}

func TestFetchComments(t *testing.T) {
	srv := readertest.New()
	defer srv.Close()
	stream := model.BroadcastStreamIDForUser("42")
	srv.Comments[stream] = []readertest.Comment{
		{ID: "c1", ItemID: 5, Author: "ann", Content: "first"},
		{ID: "c2", ItemID: 6, Author: "bob", Content: "second"},
		{ID: "c3", ItemID: 5, Author: "cy", Content: "third"},
	}
	client := newTestClient(t, srv, nil)

	first, next, err := client.FetchComments(context.Background(), stream, "sharers", 2, "")
	require.NoError(t, err)
	require.NotEmpty(t, next)
	second, next, err := client.FetchComments(context.Background(), stream, "sharers", 2, next)
	require.NoError(t, err)
	assert.Empty(t, next)

	require.Len(t, first[5], 1)
	assert.Equal(t, "first", first[5][0].Content)
	assert.Equal(t, stream, first[5][0].VenueStreamID)
	require.Len(t, second[5], 1)
	assert.Equal(t, "c3", second[5][0].ID)
}

func TestFetchMetadata(t *testing.T) {
	srv := readertest.New()
	defer srv.Close()
	srv.UserInfo = model.UserInfo{UserID: "42", UserName: "Reader Fan"}
	srv.Tags = []model.Tag{{ID: "user/42/label/go"}, {ID: "user/42/state/com.google/starred"}}
	srv.Subscriptions = []model.Subscription{{ID: "feed/http://a.example/rss", Title: "A", Categories: []model.Category{{ID: "user/42/label/go", Label: "go"}}}}
	srv.Friends = []model.Friend{{UserIDs: []string{"7"}, DisplayName: "Seven", Flags: model.FriendFlagFollowing}}
	srv.EncodedSharers = "enc"
	srv.Recs = []model.Recommendation{{StreamID: "feed/http://b.example/rss", Title: "B"}}
	srv.Raw["preference/list"] = json.RawMessage(`{"prefs":[{"id":"lhn-prefs","value":"x"}]}`)
	client := newTestClient(t, srv, nil)
	ctx := context.Background()

	info, err := client.FetchUserInfo(ctx)
	require.NoError(t, err)
	assert.Equal(t, "42", info.UserID)

	tags, err := client.FetchTags(ctx)
	require.NoError(t, err)
	assert.Len(t, tags, 2)

	subs, err := client.FetchSubscriptions(ctx)
	require.NoError(t, err)
	require.Len(t, subs, 1)
	assert.Equal(t, "go", subs[0].Categories[0].Label)

	friends, err := client.FetchFriends(ctx)
	require.NoError(t, err)
	assert.Equal(t, "user/7/state/com.google/broadcast", friends[0].BroadcastStreamID())

	sharers, err := client.FetchEncodedSharers(ctx)
	require.NoError(t, err)
	assert.Equal(t, "enc", sharers)

	recs, err := client.FetchRecommendations(ctx)
	require.NoError(t, err)
	assert.Equal(t, "B", recs[0].Title)

	bundles, err := client.FetchBundles(ctx)
	require.NoError(t, err)
	assert.Empty(t, bundles)

	prefs, err := client.FetchRaw(ctx, "preference/list")
	require.NoError(t, err)
	assert.JSONEq(t, `{"prefs":[{"id":"lhn-prefs","value":"x"}]}`, string(prefs))
}

func TestClientUnauthenticatedFallback(t *testing.T) {
	srv := readertest.New()
	defer srv.Close()
	srv.Streams["feed/x"] = []model.ItemRef{{ID: 1, TimestampUsec: 1}}
	client := NewClient(Options{BaseURL: srv.BaseURL()})
	assert.False(t, client.Authenticated())

	refs, _, err := client.FetchItemRefs(context.Background(), "feed/x", 10, "")
	require.NoError(t, err)
	assert.Len(t, refs, 1)
}

func TestFetchItemBodiesEmpty(t *testing.T) {
	client := NewClient(Options{BaseURL: "http://127.0.0.1:1/"})
	bodies, err := client.FetchItemBodies(context.Background(), nil, BodyOptions{})
	require.NoError(t, err)
	assert.Empty(t, bodies)
}

func sortedIDs(m map[model.ItemID]Entry) []model.ItemID {
	ids := make([]model.ItemID, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Sort(model.ItemIDs(ids))
	return ids
}

func TestFetchItemBodiesOrderIndependent(t *testing.T) {
	srv := readertest.New()
	defer srv.Close()
	for i := model.ItemID(1); i <= 5; i++ {
		srv.Items[i] = "item"
	}
	client := newTestClient(t, srv, nil)
	bodies, err := client.FetchItemBodies(context.Background(), []model.ItemID{5, 3, 1, 4, 2}, BodyOptions{})
	require.NoError(t, err)
	assert.Equal(t, []model.ItemID{1, 2, 3, 4, 5}, sortedIDs(bodies))
}
