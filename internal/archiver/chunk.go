package archiver

import (
	"sort"

	"github.com/bryan-buckman/readerarchive/internal/archive"
	"github.com/bryan-buckman/readerarchive/internal/model"
)

// ChunkItemIDs splits ids into chunks of about size items for body fetching.
// IDs that the sharder maps to the same file always land in the same chunk,
// so size is a soft bound: a chunk is closed before a group that would
// overflow it, and a group larger than size becomes a chunk of its own.
// The result is deterministic; groups appear in order of their smallest ID.
func ChunkItemIDs(ids []model.ItemID, size int, sharder archive.Sharder) [][]model.ItemID {
	if size < 1 {
		size = 1
	}
	var (
		paths  []string
		groups = map[string][]model.ItemID{}
	)
	for _, id := range dedupeItemIDs(ids) {
		p := sharder.Path(id)
		if _, ok := groups[p]; !ok {
			paths = append(paths, p)
		}
		groups[p] = append(groups[p], id)
	}

	var (
		chunks  [][]model.ItemID
		current []model.ItemID
	)
	for _, p := range paths {
		group := groups[p]
		if len(current) > 0 && len(current)+len(group) > size {
			chunks = append(chunks, current)
			current = nil
		}
		current = append(current, group...)
	}
	if len(current) > 0 {
		chunks = append(chunks, current)
	}
	return chunks
}

func dedupeItemIDs(ids []model.ItemID) []model.ItemID {
	sorted := append([]model.ItemID(nil), ids...)
	sort.Sort(model.ItemIDs(sorted))
	out := sorted[:0]
	for _, id := range sorted {
		if len(out) > 0 && out[len(out)-1] == id {
			continue
		}
		out = append(out, id)
	}
	return out
}
