// Package database indexes an archive's streams so they can be served
// without rereading every stream file.
package database

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	log "github.com/sirupsen/logrus"

	"github.com/bryan-buckman/readerarchive/internal/archive"
	"github.com/bryan-buckman/readerarchive/internal/model"
	"github.com/bryan-buckman/readerarchive/internal/worker"
)

// ErrUnknownStream is returned for streams that are not in the index.
var ErrUnknownStream = errors.New("unknown stream")

// StreamInfo summarizes an indexed stream.
type StreamInfo struct {
	ID        string
	ItemCount int
}

// Index defines the archive index operations.
// Both SQLite and PostgreSQL implementations satisfy this interface.
type Index interface {
	Close() error

	// DatabaseType returns the name of the database backend ("SQLite" or "PostgreSQL").
	DatabaseType() string

	// SupportsHighConcurrency returns true if the database can handle
	// many concurrent write transactions (e.g., PostgreSQL).
	SupportsHighConcurrency() bool

	// ReplaceStream stores a stream, replacing any previous version.
	ReplaceStream(ctx context.Context, stream model.Stream) error
	// Streams lists indexed streams ordered by ID.
	Streams(ctx context.Context) ([]StreamInfo, error)
	// ItemRefs returns up to limit refs of a stream, newest first, starting
	// at continuation. An empty next token means there are no more.
	ItemRefs(ctx context.Context, streamID string, limit int, continuation string) ([]model.ItemRef, string, error)
	// StreamsForItem lists the streams an item appears in.
	StreamsForItem(ctx context.Context, id model.ItemID) ([]string, error)
}

// Open opens the index backend named by dbType ("sqlite" or "postgres").
func Open(dbType, dsn string) (Index, error) {
	switch dbType {
	case "", "sqlite":
		return New(dsn)
	case "postgres", "postgresql":
		return NewPostgres(dsn)
	}
	return nil, fmt.Errorf("unknown database type %q", dbType)
}

func parseContinuation(continuation string) (int, error) {
	if continuation == "" {
		return 0, nil
	}
	offset, err := strconv.Atoi(continuation)
	if err != nil || offset < 0 {
		return 0, fmt.Errorf("invalid continuation %q", continuation)
	}
	return offset, nil
}

func nextContinuation(offset, limit, got int) string {
	if got < limit {
		return ""
	}
	return strconv.Itoa(offset + got)
}

// Build loads every stream file of an archive into idx and returns the number
// of streams loaded. Streams are loaded in parallel when the backend allows it.
func Build(ctx context.Context, idx Index, layout archive.Layout) (int, error) {
	names, err := layout.ListStreams()
	if err != nil {
		return 0, fmt.Errorf("list streams: %w", err)
	}
	parallelism := 1
	if idx.SupportsHighConcurrency() {
		parallelism = worker.DefaultParallelism
	}
	logger := log.WithField("database", idx.DatabaseType())
	logger.WithField("streams", len(names)).Info("Building archive index")

	pool := &worker.Pool[string, int]{
		Parallelism: parallelism,
		Factory: func() worker.Worker[string, int] {
			return worker.WorkerFunc[string, int](func(ctx context.Context, name string) (int, error) {
				stream, err := layout.ReadStreamFile(name)
				if err != nil {
					return 0, err
				}
				if err := idx.ReplaceStream(ctx, stream); err != nil {
					return 0, fmt.Errorf("index %s: %w", stream.ID, err)
				}
				return len(stream.ItemRefs), nil
			})
		},
		Logger: logger,
	}
	loaded, refs, failed := 0, 0, 0
	for _, r := range pool.Do(ctx, names) {
		if r.Err != nil {
			failed++
			continue
		}
		loaded++
		refs += r.Value
	}
	logger.WithFields(log.Fields{"streams": loaded, "item_refs": refs}).Info("Archive index built")
	if failed > 0 {
		return loaded, fmt.Errorf("%d of %d streams could not be indexed", failed, len(names))
	}
	return loaded, nil
}
