// Package archiver crawls a Reader account into an archive directory.
package archiver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/bryan-buckman/readerarchive/internal/api"
	"github.com/bryan-buckman/readerarchive/internal/archive"
	"github.com/bryan-buckman/readerarchive/internal/model"
	"github.com/bryan-buckman/readerarchive/internal/worker"
)

// API is the part of the Reader API the archiver uses. *api.Client
// implements it.
type API interface {
	BodyFetcher
	FetchUserInfo(ctx context.Context) (*model.UserInfo, error)
	FetchRaw(ctx context.Context, path string) (json.RawMessage, error)
	FetchTags(ctx context.Context) ([]model.Tag, error)
	FetchSubscriptions(ctx context.Context) ([]model.Subscription, error)
	FetchFriends(ctx context.Context) ([]model.Friend, error)
	FetchEncodedSharers(ctx context.Context) (string, error)
	FetchBundles(ctx context.Context) ([]model.Bundle, error)
	FetchRecommendations(ctx context.Context) ([]model.Recommendation, error)
	FetchItemRefs(ctx context.Context, streamID string, count int, continuation string) ([]model.ItemRef, string, error)
	FetchComments(ctx context.Context, streamID, encodedSharers string, count int, continuation string) (map[model.ItemID][]model.Comment, string, error)
}

// ClientFactory creates an API client. Every pool worker gets its own.
type ClientFactory func() API

// Archiver runs the archival phases in order: account metadata, stream
// enumeration, item refs, stream files, item bodies, comments.
type Archiver struct {
	cfg       Config
	newClient ClientFactory
	layout    archive.Layout
	run       *RunContext
	logger    *log.Entry
}

// New creates an archiver writing into layout.
func New(cfg Config, newClient ClientFactory, layout archive.Layout, run *RunContext) *Archiver {
	return &Archiver{
		cfg:       cfg.withDefaults(),
		newClient: newClient,
		layout:    layout,
		run:       run,
		logger:    run.Logger(),
	}
}

type accountMetadata struct {
	userID          string
	tags            []model.Tag
	subscriptions   []model.Subscription
	friends         []model.Friend
	bundles         []model.Bundle
	recommendations []model.Recommendation
	encodedSharers  string
}

// Run archives everything it can. Failures of individual streams, chunks and
// metadata files are counted in the summary; an error is only returned when
// the run cannot proceed at all or ctx was cancelled.
func (a *Archiver) Run(ctx context.Context) (*Summary, error) {
	summary := &Summary{RunID: a.run.ID}
	a.logger.WithField("output", a.layout.Root).Info("Starting archive")

	var additional map[string][]model.ItemRef
	if a.cfg.AdditionalItemRefsPath != "" {
		var err error
		if additional, err = LoadItemRefs(a.cfg.AdditionalItemRefsPath); err != nil {
			return nil, err
		}
	}
	items, err := a.layout.Items(a.cfg.BodyFormat)
	if err != nil {
		return nil, err
	}

	meta := &accountMetadata{}
	if a.cfg.Authenticated {
		meta = a.archiveMetadata(ctx, a.newClient(), summary)
	}

	streamIDs := a.cfg.StreamIDs
	if len(streamIDs) == 0 {
		if meta.userID == "" {
			return nil, errors.New("no streams to archive: user info is unavailable and no streams were given")
		}
		streamIDs = enumerateStreams(meta)
	}
	streamIDs = dedupeStrings(streamIDs)

	streams := a.fetchItemRefs(ctx, streamIDs, summary)
	if len(additional) > 0 {
		streams, summary.AdditionalItemRefs = MergeItemRefs(streams, additional)
		a.logger.WithField("refs", summary.AdditionalItemRefs).Info("Merged additional item refs")
	}
	summary.Streams = len(streams)
	a.writeStreams(streams, summary)

	ids := UnionItemIDs(streams)
	summary.ItemIDs = len(ids)
	chunks := ChunkItemIDs(ids, a.cfg.ItemBodiesChunkSize, items.Sharder)
	a.fetchItemBodies(ctx, chunks, items, summary)

	if a.cfg.IncludeComments && a.cfg.Authenticated {
		a.fetchComments(ctx, broadcastStreamIDs(streams), meta.encodedSharers, summary)
	}

	summary.MissingItems = len(a.run.MissingItemIDs())
	summary.DroppedItems = len(a.run.DroppedItemIDs())
	a.writeInfo(meta.userID, summary)
	if err := a.layout.WriteReadme(); err != nil {
		a.logger.Errorf("Could not write README: %s", err)
		summary.WriteFailures++
	}
	summary.BytesWritten = a.run.BytesWritten()
	summary.Duration = time.Since(a.run.Started)
	summary.Log(a.logger)
	return summary, ctx.Err()
}

func (a *Archiver) progress(phase string) worker.ProgressFunc {
	logger := a.logger.WithField("phase", phase)
	return func(completed, total int) {
		step := total / 10
		if step < 1 {
			step = 1
		}
		if completed%step == 0 || completed == total {
			logger.Infof("%d/%d done", completed, total)
		}
	}
}

func (a *Archiver) writeData(name string, v any, summary *Summary) {
	n, err := a.layout.WriteData(name, v)
	if err != nil {
		a.logger.WithField("file", name).Errorf("Could not write metadata: %s", err)
		summary.WriteFailures++
		return
	}
	a.run.AddBytes(int64(n))
}

// fetchMetadata fetches one metadata file and stores it under data/.
func fetchMetadata[T any](a *Archiver, summary *Summary, name string, fetch func() (T, error)) (T, bool) {
	v, err := fetch()
	if err != nil {
		a.logger.WithField("file", name).Errorf("Could not fetch metadata: %s", err)
		summary.MetadataFailures++
		return v, false
	}
	a.writeData(name, v, summary)
	return v, true
}

var rawMetadataFiles = []struct {
	name string
	path string
}{
	{"preferences.json", "preference/list"},
	{"stream-preferences.json", "preference/stream/list"},
	{"sharing-groups.json", "friend/groups"},
	{"sharing-acl.json", "friend/acl"},
}

func (a *Archiver) archiveMetadata(ctx context.Context, client API, summary *Summary) *accountMetadata {
	a.logger.Info("Archiving account metadata")
	meta := &accountMetadata{}

	if info, ok := fetchMetadata(a, summary, "user-info.json", func() (*model.UserInfo, error) {
		return client.FetchUserInfo(ctx)
	}); ok {
		meta.userID = info.UserID
		a.logger.WithField("user", info.UserID).Info("Archiving account")
	}
	for _, f := range rawMetadataFiles {
		path := f.path
		fetchMetadata(a, summary, f.name, func() (json.RawMessage, error) {
			return client.FetchRaw(ctx, path)
		})
	}
	meta.tags, _ = fetchMetadata(a, summary, "tags.json", func() ([]model.Tag, error) {
		return client.FetchTags(ctx)
	})
	meta.subscriptions, _ = fetchMetadata(a, summary, "subscriptions.json", func() ([]model.Subscription, error) {
		return client.FetchSubscriptions(ctx)
	})
	meta.friends, _ = fetchMetadata(a, summary, "friends.json", func() ([]model.Friend, error) {
		return client.FetchFriends(ctx)
	})
	meta.bundles, _ = fetchMetadata(a, summary, "bundles.json", func() ([]model.Bundle, error) {
		return client.FetchBundles(ctx)
	})
	meta.recommendations, _ = fetchMetadata(a, summary, "recommendations.json", func() ([]model.Recommendation, error) {
		return client.FetchRecommendations(ctx)
	})

	sharers, err := client.FetchEncodedSharers(ctx)
	if err != nil {
		a.logger.Warnf("Could not fetch encoded sharers, comments may be incomplete: %s", err)
	}
	meta.encodedSharers = sharers
	return meta
}

// enumerateStreams lists every stream reachable from the account: tags,
// subscriptions, followed friends' shared items, bundle feeds,
// recommendations, the account's system streams and the explore stream.
func enumerateStreams(meta *accountMetadata) []string {
	var ids []string
	for _, t := range meta.tags {
		ids = append(ids, t.ID)
	}
	for _, s := range meta.subscriptions {
		ids = append(ids, s.ID)
	}
	for _, f := range meta.friends {
		if !f.IsFollowing() {
			continue
		}
		if id := f.BroadcastStreamID(); id != "" {
			ids = append(ids, id)
		}
	}
	for _, b := range meta.bundles {
		for _, s := range b.Subscriptions {
			ids = append(ids, s.ID)
		}
	}
	for _, r := range meta.recommendations {
		ids = append(ids, r.StreamID)
	}
	ids = append(ids, model.SystemStreamIDs(meta.userID)...)
	return dedupeStrings(ids)
}

func dedupeStrings(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

type streamRefs struct {
	stream      model.Stream
	unavailable bool
}

type itemRefsWorker struct {
	client API
	cfg    Config
}

// Work pages through a stream's item refs until the stream is exhausted or
// the per-stream cap is reached. A stream that has become private is reported
// as unavailable rather than failed.
func (w *itemRefsWorker) Work(ctx context.Context, streamID string) (streamRefs, error) {
	var (
		refs         []model.ItemRef
		seen         = map[model.ItemID]bool{}
		continuation string
	)
	for {
		count := w.cfg.ItemRefsChunkSize
		if w.cfg.MaxItemsPerStream > 0 && w.cfg.MaxItemsPerStream-len(refs) < count {
			count = w.cfg.MaxItemsPerStream - len(refs)
		}
		page, next, err := w.client.FetchItemRefs(ctx, streamID, count, continuation)
		if err != nil {
			if api.IsPermissionDenied(err) {
				return streamRefs{unavailable: true}, nil
			}
			return streamRefs{}, err
		}
		added := 0
		for _, ref := range page {
			if !seen[ref.ID] {
				seen[ref.ID] = true
				refs = append(refs, ref)
				added++
			}
		}
		if next == "" || added == 0 || (w.cfg.MaxItemsPerStream > 0 && len(refs) >= w.cfg.MaxItemsPerStream) {
			break
		}
		if next == continuation {
			log.WithField("stream", streamID).Warnf("Continuation %q repeated, stopping after %d refs", next, len(refs))
			break
		}
		continuation = next
	}
	model.SortItemRefs(refs)
	return streamRefs{stream: model.Stream{ID: streamID, ItemRefs: refs}}, nil
}

func (a *Archiver) fetchItemRefs(ctx context.Context, streamIDs []string, summary *Summary) []model.Stream {
	a.logger.WithField("streams", len(streamIDs)).Info("Fetching item refs")
	pool := &worker.Pool[string, streamRefs]{
		Parallelism: a.cfg.Parallelism,
		Factory: func() worker.Worker[string, streamRefs] {
			return &itemRefsWorker{client: a.newClient(), cfg: a.cfg}
		},
		Progress: a.progress("item-refs"),
		Logger:   a.logger.WithField("phase", "item-refs"),
	}
	var streams []model.Stream
	for i, r := range pool.Do(ctx, streamIDs) {
		switch {
		case r.Err != nil:
			summary.FailedStreams = append(summary.FailedStreams, streamIDs[i])
		case r.Value.unavailable:
			a.logger.WithField("stream", streamIDs[i]).Warn("Stream is not accessible, skipping")
			summary.UnavailableStreams = append(summary.UnavailableStreams, streamIDs[i])
		default:
			streams = append(streams, r.Value.stream)
		}
	}
	return streams
}

func (a *Archiver) writeStreams(streams []model.Stream, summary *Summary) {
	for _, s := range streams {
		n, err := a.layout.WriteStream(s)
		if err != nil {
			a.logger.WithField("stream", s.ID).Errorf("Could not write stream: %s", err)
			summary.WriteFailures++
			continue
		}
		a.run.AddBytes(int64(n))
	}
}

type itemBodiesWorker struct {
	policy *FidelityPolicy
	store  *archive.BundleStore
	run    *RunContext
}

// Work fetches one chunk and writes it with a single batch. Bodies for items
// outside the chunk are ignored so that no two workers write the same file.
func (w *itemBodiesWorker) Work(ctx context.Context, chunk []model.ItemID) (int, error) {
	result, err := w.policy.Fetch(ctx, chunk)
	if err != nil {
		return 0, err
	}
	w.run.RecordDropped(result.Dropped...)

	requested := make(map[model.ItemID]bool, len(chunk))
	for _, id := range chunk {
		requested[id] = true
	}
	data := make(map[model.ItemID][]byte, len(result.Bodies))
	for id, e := range result.Bodies {
		if requested[id] {
			data[id] = e.Data
		}
	}
	n, err := w.store.PutBatch(data)
	w.run.AddBytes(n)
	if err != nil {
		return 0, fmt.Errorf("write item bodies: %w", err)
	}
	return len(data), nil
}

func (a *Archiver) fetchItemBodies(ctx context.Context, chunks [][]model.ItemID, store *archive.BundleStore, summary *Summary) {
	a.logger.WithFields(log.Fields{"items": summary.ItemIDs, "chunks": len(chunks)}).Info("Fetching item bodies")
	logger := a.logger.WithField("phase", "item-bodies")
	pool := &worker.Pool[[]model.ItemID, int]{
		Parallelism: a.cfg.Parallelism,
		Factory: func() worker.Worker[[]model.ItemID, int] {
			return &itemBodiesWorker{
				policy: &FidelityPolicy{
					Fetcher: a.newClient(),
					Options: api.BodyOptions{Format: a.cfg.BodyFormat, Authenticated: a.cfg.Authenticated},
					Logger:  logger,
				},
				store: store,
				run:   a.run,
			}
		},
		Progress: a.progress("item-bodies"),
		Logger:   logger,
	}
	for i, r := range pool.Do(ctx, chunks) {
		if r.Err != nil {
			summary.FailedChunks++
			summary.FailedItemIDs += len(chunks[i])
			continue
		}
		summary.ItemBodies += r.Value
	}
}

func broadcastStreamIDs(streams []model.Stream) []string {
	var ids []string
	for _, s := range streams {
		if strings.HasSuffix(s.ID, "/state/com.google/broadcast") {
			ids = append(ids, s.ID)
		}
	}
	return ids
}

type commentsWorker struct {
	client         API
	encodedSharers string
	pageSize       int
}

// Work pages through the comments made in one shared-items stream.
func (w *commentsWorker) Work(ctx context.Context, streamID string) (map[model.ItemID][]model.Comment, error) {
	all := map[model.ItemID][]model.Comment{}
	continuation := ""
	for {
		page, next, err := w.client.FetchComments(ctx, streamID, w.encodedSharers, w.pageSize, continuation)
		if err != nil {
			return nil, err
		}
		for id, comments := range page {
			all[id] = append(all[id], comments...)
		}
		if next == "" || len(page) == 0 {
			return all, nil
		}
		if next == continuation {
			log.WithField("stream", streamID).Warnf("Continuation %q repeated, stopping", next)
			return all, nil
		}
		continuation = next
	}
}

func (a *Archiver) fetchComments(ctx context.Context, streamIDs []string, encodedSharers string, summary *Summary) {
	summary.CommentStreams = len(streamIDs)
	if len(streamIDs) == 0 {
		return
	}
	a.logger.WithField("streams", len(streamIDs)).Info("Fetching comments")
	pool := &worker.Pool[string, map[model.ItemID][]model.Comment]{
		Parallelism: a.cfg.Parallelism,
		Factory: func() worker.Worker[string, map[model.ItemID][]model.Comment] {
			return &commentsWorker{client: a.newClient(), encodedSharers: encodedSharers, pageSize: a.cfg.CommentsChunkSize}
		},
		Progress: a.progress("comments"),
		Logger:   a.logger.WithField("phase", "comments"),
	}

	merged := map[model.ItemID]map[string]model.Comment{}
	for _, r := range pool.Do(ctx, streamIDs) {
		if r.Err != nil {
			summary.FailedCommentStreams++
			continue
		}
		for id, comments := range r.Value {
			if merged[id] == nil {
				merged[id] = map[string]model.Comment{}
			}
			for _, c := range comments {
				merged[id][c.ID] = c
			}
		}
	}

	store := a.layout.Comments()
	for id, byCommentID := range merged {
		comments := make([]model.Comment, 0, len(byCommentID))
		for _, c := range byCommentID {
			comments = append(comments, c)
		}
		sort.Slice(comments, func(i, j int) bool {
			if comments[i].CreatedTime != comments[j].CreatedTime {
				return comments[i].CreatedTime < comments[j].CreatedTime
			}
			return comments[i].ID < comments[j].ID
		})
		data, err := json.MarshalIndent(comments, "", "  ")
		if err == nil {
			err = store.Put(id, data)
		}
		if err != nil {
			a.logger.WithField("item", id.Compact()).Errorf("Could not write comments: %s", err)
			summary.WriteFailures++
			continue
		}
		a.run.AddBytes(int64(len(data)))
		summary.ItemsWithComments++
	}
}

func (a *Archiver) writeInfo(userID string, summary *Summary) {
	a.writeData(archive.InfoFile, archive.Info{
		RunID:            a.run.ID,
		ItemBodyFormat:   a.cfg.BodyFormat,
		Started:          a.run.Started,
		Finished:         time.Now(),
		UserID:           userID,
		StreamCount:      summary.Streams,
		ItemCount:        summary.ItemIDs,
		MissingItemCount: summary.MissingItems,
	}, summary)
}
