package archiver

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bryan-buckman/readerarchive/internal/archive"
	"github.com/bryan-buckman/readerarchive/internal/model"
)

func TestChunkItemIDsKeepsFileGroupsTogether(t *testing.T) {
	sharder := archive.PrefixSharder{FileDigits: 14}
	ids := []model.ItemID{0x100, 0x101, 0x102, 0x200, 0x300, 0x301}

	chunks := ChunkItemIDs(ids, 2, sharder)
	assert.Equal(t, [][]model.ItemID{
		{0x100, 0x101, 0x102},
		{0x200},
		{0x300, 0x301},
	}, chunks)

	chunks = ChunkItemIDs(ids, 4, sharder)
	assert.Equal(t, [][]model.ItemID{
		{0x100, 0x101, 0x102, 0x200},
		{0x300, 0x301},
	}, chunks)
}

func TestChunkItemIDsDedupesAndSorts(t *testing.T) {
	chunks := ChunkItemIDs([]model.ItemID{3, 1, 2, 1, 3}, 10, archive.PrefixSharder{FileDigits: 16})
	assert.Equal(t, [][]model.ItemID{{1, 2, 3}}, chunks)
	assert.Empty(t, ChunkItemIDs(nil, 10, archive.PrefixSharder{}))
}

func TestChunkItemIDsNeverSplitsAFile(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	sharder := archive.PrefixSharder{FileDigits: 14}
	for trial := 0; trial < 200; trial++ {
		var ids []model.ItemID
		for i := rng.Intn(300); i > 0; i-- {
			// Few distinct prefixes so that files hold several items.
			ids = append(ids, model.ItemID(rng.Intn(8))<<8|model.ItemID(rng.Intn(256)))
		}
		size := 1 + rng.Intn(40)
		chunks := ChunkItemIDs(ids, size, sharder)

		chunkOfFile := map[string]int{}
		total := 0
		for i, chunk := range chunks {
			require.NotEmpty(t, chunk)
			files := map[string]bool{}
			for _, id := range chunk {
				p := sharder.Path(id)
				files[p] = true
				if prev, ok := chunkOfFile[p]; ok {
					require.Equal(t, prev, i, "file %s split across chunks", p)
				}
				chunkOfFile[p] = i
			}
			if len(chunk) > size {
				assert.Len(t, files, 1, "oversized chunk must be a single file group")
			}
			total += len(chunk)
		}
		assert.Equal(t, len(dedupeItemIDs(ids)), total)
	}
}

type modSharder struct{}

func (modSharder) Path(id model.ItemID) string {
	if id%2 == 0 {
		return "even"
	}
	return "odd"
}

func TestChunkItemIDsNonPrefixSharder(t *testing.T) {
	chunks := ChunkItemIDs([]model.ItemID{1, 2, 3, 4}, 2, modSharder{})
	assert.Equal(t, [][]model.ItemID{{1, 3}, {2, 4}}, chunks)
}
