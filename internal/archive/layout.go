package archive

import (
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/bryan-buckman/readerarchive/internal/fsutil"
	"github.com/bryan-buckman/readerarchive/internal/model"
)

// Archive directory names.
const (
	DataDir     = "data"
	StreamsDir  = "streams"
	ItemsDir    = "items"
	CommentsDir = "comments"
	ReadmeFile  = "README"
	InfoFile    = "archive-info.json"
)

const maxStreamFileNameLength = 200

// Info describes how an archive was produced. It is stored in data/.
type Info struct {
	RunID            string    `json:"run_id"`
	ItemBodyFormat   string    `json:"item_body_format"`
	Started          time.Time `json:"started"`
	Finished         time.Time `json:"finished"`
	UserID           string    `json:"user_id,omitempty"`
	StreamCount      int       `json:"stream_count"`
	ItemCount        int       `json:"item_count"`
	MissingItemCount int       `json:"missing_item_count"`
}

// Layout locates the parts of an archive under Root.
type Layout struct {
	Root string
}

// Dir returns the path of a top-level archive directory.
func (l Layout) Dir(name string) string {
	return filepath.Join(l.Root, name)
}

// Items returns the item body store for the given body format.
func (l Layout) Items(format string) (*BundleStore, error) {
	codec, err := CodecForFormat(format)
	if err != nil {
		return nil, err
	}
	return NewBundleStore(l.Dir(ItemsDir), codec), nil
}

// Comments returns the per-item comment store.
func (l Layout) Comments() *FileStore {
	return NewFileStore(l.Dir(CommentsDir))
}

// StreamFileName maps a stream ID to a file name. IDs are query-escaped; IDs
// too long for a file name are truncated and suffixed with a hash of the
// full ID.
func StreamFileName(streamID string) string {
	name := url.QueryEscape(streamID)
	if len(name) > maxStreamFileNameLength {
		sum := sha1.Sum([]byte(streamID))
		name = name[:maxStreamFileNameLength-len(sum)*2-1] + "-" + hex.EncodeToString(sum[:])
	}
	return name + ".json"
}

// WriteStream stores a stream file and returns its size.
func (l Layout) WriteStream(stream model.Stream) (int, error) {
	data, err := json.Marshal(stream)
	if err != nil {
		return 0, fmt.Errorf("encode stream %s: %w", stream.ID, err)
	}
	if err := fsutil.WriteFileAtomic(filepath.Join(l.Dir(StreamsDir), StreamFileName(stream.ID)), data); err != nil {
		return 0, err
	}
	return len(data), nil
}

// ReadStream loads the stream file for streamID.
func (l Layout) ReadStream(streamID string) (model.Stream, error) {
	return l.ReadStreamFile(StreamFileName(streamID))
}

// ReadStreamFile loads a stream file by name.
func (l Layout) ReadStreamFile(name string) (model.Stream, error) {
	var stream model.Stream
	data, err := os.ReadFile(filepath.Join(l.Dir(StreamsDir), name))
	if errors.Is(err, fs.ErrNotExist) {
		return stream, fmt.Errorf("stream file %s: %w", name, ErrNotFound)
	}
	if err != nil {
		return stream, err
	}
	if err := json.Unmarshal(data, &stream); err != nil {
		return stream, fmt.Errorf("decode stream file %s: %w", name, err)
	}
	return stream, nil
}

// ListStreams returns the sorted names of all stream files.
func (l Layout) ListStreams() ([]string, error) {
	entries, err := os.ReadDir(l.Dir(StreamsDir))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names, nil
}

// WriteData stores v as indented JSON in data/<name> and returns its size.
func (l Layout) WriteData(name string, v any) (int, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return 0, fmt.Errorf("encode %s: %w", name, err)
	}
	if err := fsutil.WriteFileAtomic(filepath.Join(l.Dir(DataDir), name), data); err != nil {
		return 0, err
	}
	return len(data), nil
}

// ReadData decodes data/<name> into v.
func (l Layout) ReadData(name string, v any) error {
	data, err := os.ReadFile(filepath.Join(l.Dir(DataDir), name))
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%s: %w", name, ErrNotFound)
	}
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

// ReadInfo loads data/archive-info.json.
func (l Layout) ReadInfo() (Info, error) {
	var info Info
	err := l.ReadData(InfoFile, &info)
	return info, err
}

const readme = `This directory is an archive of a Google Reader account.

data/       account metadata (user info, preferences, tags, subscriptions,
            friends, bundles, recommendations) as returned by the API, plus
            archive-info.json describing the run that produced the archive.
streams/    one JSON file per stream:
            {"stream_id": "...", "item_refs": {"<item id>": <timestamp usec>}}
            Item IDs are 16 lowercase hex digits.
items/      item bodies. items/xx/yy/<first 14 digits of the item id> holds
            every archived item whose ID starts with those digits, as an Atom
            feed (or a JSON object keyed by item ID for JSON archives).
comments/   comments/xx/yy/<item id> is a JSON array of the comments made on
            an item.
`

// WriteReadme writes the README describing the archive format.
func (l Layout) WriteReadme() error {
	return fsutil.WriteFileAtomic(filepath.Join(l.Root, ReadmeFile), []byte(readme))
}
