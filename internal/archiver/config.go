package archiver

import "github.com/bryan-buckman/readerarchive/internal/api"

// Defaults applied to zero Config fields.
const (
	DefaultItemRefsChunkSize   = 10000
	DefaultItemBodiesChunkSize = 250
	DefaultCommentsChunkSize   = 250
	DefaultParallelism         = 10
)

// Config controls an archival run.
type Config struct {
	// StreamIDs restricts the run to these streams. Empty means every stream
	// reachable from the account.
	StreamIDs []string
	// MaxItemsPerStream caps item refs per stream; 0 means no cap.
	MaxItemsPerStream   int
	ItemRefsChunkSize   int
	ItemBodiesChunkSize int
	CommentsChunkSize   int
	Parallelism         int
	// AdditionalItemRefsPath names a supplementary item refs file to merge.
	AdditionalItemRefsPath string
	IncludeComments        bool
	// Authenticated is set when credentials are configured. Account metadata
	// and comments need it.
	Authenticated bool
	// BodyFormat is api.FormatAtom or api.FormatJSON.
	BodyFormat string
}

func (c Config) withDefaults() Config {
	if c.ItemRefsChunkSize <= 0 {
		c.ItemRefsChunkSize = DefaultItemRefsChunkSize
	}
	if c.ItemBodiesChunkSize <= 0 {
		c.ItemBodiesChunkSize = DefaultItemBodiesChunkSize
	}
	if c.CommentsChunkSize <= 0 {
		c.CommentsChunkSize = DefaultCommentsChunkSize
	}
	if c.Parallelism <= 0 {
		c.Parallelism = DefaultParallelism
	}
	if c.BodyFormat == "" {
		c.BodyFormat = api.FormatAtom
	}
	return c
}
