package archive

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"github.com/bryan-buckman/readerarchive/internal/atom"
	"github.com/bryan-buckman/readerarchive/internal/fsutil"
	"github.com/bryan-buckman/readerarchive/internal/model"
)

// Codec serializes the items sharing one bundle file.
type Codec interface {
	Encode(items map[model.ItemID][]byte) ([]byte, error)
	Decode(data []byte) (map[model.ItemID][]byte, error)
}

// AtomCodec stores items as the entries of an Atom feed document. Item data
// must be a standalone <entry> fragment.
type AtomCodec struct{}

// Encode implements Codec.
func (AtomCodec) Encode(items map[model.ItemID][]byte) ([]byte, error) {
	ids := sortedIDs(items)
	fragments := make([][]byte, len(ids))
	for i, id := range ids {
		fragments[i] = items[id]
	}
	return atom.Feed(fragments), nil
}

// Decode implements Codec.
func (AtomCodec) Decode(data []byte) (map[model.ItemID][]byte, error) {
	entries, err := atom.Split(data)
	if err != nil {
		return nil, err
	}
	items := make(map[model.ItemID][]byte, len(entries))
	for _, e := range entries {
		items[e.ID] = e.Data
	}
	return items, nil
}

// JSONCodec stores items as a JSON object keyed by compact item ID. Item data
// must be a JSON value.
type JSONCodec struct{}

// Encode implements Codec.
func (JSONCodec) Encode(items map[model.ItemID][]byte) ([]byte, error) {
	out := make(map[model.ItemID]json.RawMessage, len(items))
	for id, data := range items {
		out[id] = data
	}
	return json.MarshalIndent(out, "", "  ")
}

// Decode implements Codec.
func (JSONCodec) Decode(data []byte) (map[model.ItemID][]byte, error) {
	var in map[model.ItemID]json.RawMessage
	if err := json.Unmarshal(data, &in); err != nil {
		return nil, err
	}
	items := make(map[model.ItemID][]byte, len(in))
	for id, raw := range in {
		items[id] = raw
	}
	return items, nil
}

// CodecForFormat returns the codec for an item body format ("atom" or "json").
func CodecForFormat(format string) (Codec, error) {
	switch format {
	case "", "atom":
		return AtomCodec{}, nil
	case "json":
		return JSONCodec{}, nil
	}
	return nil, fmt.Errorf("unknown item body format %q", format)
}

// BundleStore keeps several items per file. Concurrent writers must never
// touch the same file; chunks built by grouping on Sharder paths satisfy that.
type BundleStore struct {
	Root    string
	Sharder Sharder
	Codec   Codec
}

// NewBundleStore creates a store rooted at root that groups up to 256
// neighbouring IDs per file.
func NewBundleStore(root string, codec Codec) *BundleStore {
	return &BundleStore{Root: root, Sharder: PrefixSharder{FileDigits: 14}, Codec: codec}
}

// Group buckets ids by the relative path of the file that holds them.
func (s *BundleStore) Group(ids []model.ItemID) map[string][]model.ItemID {
	groups := map[string][]model.ItemID{}
	for _, id := range ids {
		p := s.Sharder.Path(id)
		groups[p] = append(groups[p], id)
	}
	return groups
}

func (s *BundleStore) file(rel string) string {
	return filepath.Join(s.Root, filepath.FromSlash(rel))
}

func (s *BundleStore) readFile(rel string) (map[model.ItemID][]byte, error) {
	data, err := os.ReadFile(s.file(rel))
	if errors.Is(err, fs.ErrNotExist) {
		return map[model.ItemID][]byte{}, nil
	}
	if err != nil {
		return nil, err
	}
	items, err := s.Codec.Decode(data)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", rel, err)
	}
	return items, nil
}

// Put implements Store.
func (s *BundleStore) Put(id model.ItemID, data []byte) error {
	_, err := s.PutBatch(map[model.ItemID][]byte{id: data})
	return err
}

// PutBatch writes items, rewriting each touched file once and keeping the
// items already stored in it. It returns the number of bytes written.
func (s *BundleStore) PutBatch(items map[model.ItemID][]byte) (int64, error) {
	ids := sortedIDs(items)
	groups := s.Group(ids)
	paths := make([]string, 0, len(groups))
	for p := range groups {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	var written int64
	for _, rel := range paths {
		existing, err := s.readFile(rel)
		if err != nil {
			return written, err
		}
		for _, id := range groups[rel] {
			existing[id] = items[id]
		}
		data, err := s.Codec.Encode(existing)
		if err != nil {
			return written, fmt.Errorf("encode %s: %w", rel, err)
		}
		if err := fsutil.WriteFileAtomic(s.file(rel), data); err != nil {
			return written, err
		}
		written += int64(len(data))
	}
	return written, nil
}

// Get implements Store.
func (s *BundleStore) Get(id model.ItemID) ([]byte, error) {
	items, err := s.readFile(s.Sharder.Path(id))
	if err != nil {
		return nil, err
	}
	data, ok := items[id]
	if !ok {
		return nil, fmt.Errorf("item %s: %w", id, ErrNotFound)
	}
	return data, nil
}

func sortedIDs(items map[model.ItemID][]byte) []model.ItemID {
	ids := make([]model.ItemID, 0, len(items))
	for id := range items {
		ids = append(ids, id)
	}
	sort.Sort(model.ItemIDs(ids))
	return ids
}
