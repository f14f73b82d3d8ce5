// Package archive implements the on-disk archive format: content-addressable
// item stores sharded by item ID, and the directory layout around them.
package archive

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/bryan-buckman/readerarchive/internal/fsutil"
	"github.com/bryan-buckman/readerarchive/internal/model"
)

// ErrNotFound is returned by stores for items they do not hold.
var ErrNotFound = errors.New("not found in archive")

// Sharder maps an item ID to the slash-separated path of the file that holds
// it, relative to the store root. It must depend on the ID alone.
type Sharder interface {
	Path(id model.ItemID) string
}

// PrefixSharder places items under xx/yy/ directories taken from the first
// four hex digits of the compact form, in a file named after the first
// FileDigits digits. FileDigits of 16 gives one file per item; 14 groups up
// to 256 neighbouring IDs into one file.
type PrefixSharder struct {
	FileDigits int
}

// Path implements Sharder.
func (s PrefixSharder) Path(id model.ItemID) string {
	digits := s.FileDigits
	if digits < 4 || digits > 16 {
		digits = 16
	}
	compact := id.Compact()
	return compact[0:2] + "/" + compact[2:4] + "/" + compact[:digits]
}

// Store is a content-addressable store of item data.
type Store interface {
	Put(id model.ItemID, data []byte) error
	// Get returns ErrNotFound for unknown items.
	Get(id model.ItemID) ([]byte, error)
}

// FileStore keeps one file per item with the data stored verbatim.
type FileStore struct {
	Root    string
	Sharder Sharder
}

// NewFileStore creates a store rooted at root with one file per item.
func NewFileStore(root string) *FileStore {
	return &FileStore{Root: root, Sharder: PrefixSharder{FileDigits: 16}}
}

func (s *FileStore) path(id model.ItemID) string {
	return filepath.Join(s.Root, filepath.FromSlash(s.Sharder.Path(id)))
}

// Put implements Store.
func (s *FileStore) Put(id model.ItemID, data []byte) error {
	if err := fsutil.WriteFileAtomic(s.path(id), data); err != nil {
		return fmt.Errorf("store item %s: %w", id, err)
	}
	return nil
}

// Get implements Store.
func (s *FileStore) Get(id model.ItemID) ([]byte, error) {
	data, err := os.ReadFile(s.path(id))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("item %s: %w", id, ErrNotFound)
	}
	return data, err
}
