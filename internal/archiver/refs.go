package archiver

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"

	log "github.com/sirupsen/logrus"

	"github.com/bryan-buckman/readerarchive/internal/model"
)

// LoadItemRefs reads a supplementary item refs file of the form
// {"<stream id>": {"<item id in any form>": <timestamp usec>}}. Timestamps
// may be numbers or numeric strings. Keys of exactly 16 decimal digits are
// read as hex and logged, since they are also valid decimal IDs.
func LoadItemRefs(path string) (map[string][]model.ItemRef, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read additional item refs: %w", err)
	}
	var raw map[string]map[string]json.Number
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse additional item refs %s: %w", path, err)
	}
	refs := make(map[string][]model.ItemRef, len(raw))
	for streamID, items := range raw {
		streamRefs := make([]model.ItemRef, 0, len(items))
		for rawID, rawTS := range items {
			id, err := model.ItemIDFromAnyForm(rawID)
			if err != nil {
				return nil, fmt.Errorf("additional item refs for %s: %w", streamID, err)
			}
			if model.IsAmbiguousItemID(rawID) {
				log.WithFields(log.Fields{"stream": streamID, "item": rawID}).
					Warnf("Item ID read as hex %s; prefix decimal IDs with +", id.Compact())
			}
			ts, err := rawTS.Int64()
			if err != nil {
				return nil, fmt.Errorf("additional item refs for %s: timestamp of %s: %w", streamID, rawID, err)
			}
			streamRefs = append(streamRefs, model.ItemRef{ID: id, TimestampUsec: ts})
		}
		model.SortItemRefs(streamRefs)
		refs[streamID] = streamRefs
	}
	return refs, nil
}

// MergeItemRefs adds extra refs to streams. Refs to items a stream already
// has are ignored; streams not yet present are added whole. The result is
// sorted by stream ID, and the number of refs added is returned.
func MergeItemRefs(streams []model.Stream, extra map[string][]model.ItemRef) ([]model.Stream, int) {
	byID := make(map[string]*model.Stream, len(streams)+len(extra))
	for i := range streams {
		s := model.Stream{ID: streams[i].ID, ItemRefs: append([]model.ItemRef(nil), streams[i].ItemRefs...)}
		byID[s.ID] = &s
	}

	added := 0
	for streamID, refs := range extra {
		s, ok := byID[streamID]
		if !ok {
			s = &model.Stream{ID: streamID}
			byID[streamID] = s
		}
		known := make(map[model.ItemID]bool, len(s.ItemRefs))
		for _, ref := range s.ItemRefs {
			known[ref.ID] = true
		}
		for _, ref := range refs {
			if known[ref.ID] {
				continue
			}
			known[ref.ID] = true
			s.ItemRefs = append(s.ItemRefs, ref)
			added++
		}
		model.SortItemRefs(s.ItemRefs)
	}

	merged := make([]model.Stream, 0, len(byID))
	for _, s := range byID {
		merged = append(merged, *s)
	}
	sort.Slice(merged, func(i, j int) bool { return merged[i].ID < merged[j].ID })
	return merged, added
}

// UnionItemIDs returns every item referenced by streams, sorted and without
// duplicates.
func UnionItemIDs(streams []model.Stream) []model.ItemID {
	var ids []model.ItemID
	for _, s := range streams {
		for _, ref := range s.ItemRefs {
			ids = append(ids, ref.ID)
		}
	}
	return dedupeItemIDs(ids)
}
