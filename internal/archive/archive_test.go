package archive

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bryan-buckman/readerarchive/internal/model"
)

func TestPrefixSharder(t *testing.T) {
	id := model.ItemID(0x5d0cfa30041d4348)
	assert.Equal(t, "5d/0c/5d0cfa30041d4348", PrefixSharder{FileDigits: 16}.Path(id))
	assert.Equal(t, "5d/0c/5d0cfa30041d43", PrefixSharder{FileDigits: 14}.Path(id))
	assert.Equal(t, "00/00/0000000000000001", PrefixSharder{}.Path(1))
	assert.Equal(t, PrefixSharder{FileDigits: 14}.Path(0x5d0cfa30041d4300), PrefixSharder{FileDigits: 14}.Path(id))
}

func TestFileStore(t *testing.T) {
	store := NewFileStore(t.TempDir())
	id := model.ItemID(0xfedcba9876543210)

	_, err := store.Get(id)
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, store.Put(id, []byte(`[{"id":"c1"}]`)))
	data, err := store.Get(id)
	require.NoError(t, err)
	assert.Equal(t, `[{"id":"c1"}]`, string(data))
	assert.FileExists(t, filepath.Join(store.Root, "fe", "dc", "fedcba9876543210"))
}

type flatSharder struct{}

func (flatSharder) Path(id model.ItemID) string { return "all" }

func TestFileStoreCustomSharder(t *testing.T) {
	store := &FileStore{Root: t.TempDir(), Sharder: flatSharder{}}
	require.NoError(t, store.Put(1, []byte("x")))
	assert.FileExists(t, filepath.Join(store.Root, "all"))
}

func entry(id model.ItemID, title string) []byte {
	return []byte(`<entry xmlns="http://www.w3.org/2005/Atom"><id>` + id.Atom() + `</id><title>` + title + `</title></entry>`)
}

func TestBundleStoreAtom(t *testing.T) {
	store := NewBundleStore(t.TempDir(), AtomCodec{})
	a, b, c := model.ItemID(0x1100), model.ItemID(0x1101), model.ItemID(0x2200)

	written, err := store.PutBatch(map[model.ItemID][]byte{a: entry(a, "a"), c: entry(c, "c")})
	require.NoError(t, err)
	assert.Positive(t, written)

	// A later batch merges into the existing file.
	_, err = store.PutBatch(map[model.ItemID][]byte{b: entry(b, "b")})
	require.NoError(t, err)

	for id, title := range map[model.ItemID]string{a: "a", b: "b", c: "c"} {
		data, err := store.Get(id)
		require.NoError(t, err)
		assert.Contains(t, string(data), "<title>"+title+"</title>")
	}
	_, err = store.Get(0x1102)
	assert.ErrorIs(t, err, ErrNotFound)

	files, err := filepath.Glob(filepath.Join(store.Root, "00", "00", "*"))
	require.NoError(t, err)
	assert.Len(t, files, 2)
}

func TestBundleStoreJSON(t *testing.T) {
	store := NewBundleStore(t.TempDir(), JSONCodec{})
	require.NoError(t, store.Put(7, []byte(`{"title":"seven"}`)))
	require.NoError(t, store.Put(8, []byte(`{"title":"eight"}`)))

	data, err := store.Get(7)
	require.NoError(t, err)
	assert.JSONEq(t, `{"title":"seven"}`, string(data))

	raw, err := os.ReadFile(filepath.Join(store.Root, "00", "00", "00000000000000"))
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"0000000000000008"`)
}

func TestBundleStoreGroup(t *testing.T) {
	store := NewBundleStore(t.TempDir(), AtomCodec{})
	groups := store.Group([]model.ItemID{0x100, 0x1ff, 0x200})
	assert.Equal(t, map[string][]model.ItemID{
		"00/00/00000000000001": {0x100, 0x1ff},
		"00/00/00000000000002": {0x200},
	}, groups)
}

func TestCodecForFormat(t *testing.T) {
	c, err := CodecForFormat("")
	require.NoError(t, err)
	assert.IsType(t, AtomCodec{}, c)
	c, err = CodecForFormat("json")
	require.NoError(t, err)
	assert.IsType(t, JSONCodec{}, c)
	_, err = CodecForFormat("rss")
	assert.Error(t, err)
}

func TestStreamFileName(t *testing.T) {
	assert.Equal(t, "feed%2Fhttp%3A%2F%2Fexample.com%2Frss.json", StreamFileName("feed/http://example.com/rss"))

	long := "feed/http://example.com/" + strings.Repeat("x", 300)
	name := StreamFileName(long)
	assert.LessOrEqual(t, len(name), maxStreamFileNameLength+len(".json"))
	assert.NotEqual(t, name, StreamFileName(long+"y"))
}

func TestLayoutStreams(t *testing.T) {
	layout := Layout{Root: t.TempDir()}
	stream := model.Stream{
		ID: "user/1/label/go",
		ItemRefs: []model.ItemRef{
			{ID: 2, TimestampUsec: 200},
			{ID: 1, TimestampUsec: 100},
		},
	}
	n, err := layout.WriteStream(stream)
	require.NoError(t, err)
	assert.Positive(t, n)
	_, err = layout.WriteStream(model.Stream{ID: "feed/x"})
	require.NoError(t, err)

	got, err := layout.ReadStream("user/1/label/go")
	require.NoError(t, err)
	assert.Equal(t, stream, got)

	names, err := layout.ListStreams()
	require.NoError(t, err)
	assert.Equal(t, []string{StreamFileName("feed/x"), StreamFileName("user/1/label/go")}, names)

	_, err = layout.ReadStream("feed/missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestLayoutData(t *testing.T) {
	layout := Layout{Root: t.TempDir()}
	_, err := layout.WriteData("tags.json", []model.Tag{{ID: "user/1/label/go"}})
	require.NoError(t, err)

	var tags []model.Tag
	require.NoError(t, layout.ReadData("tags.json", &tags))
	assert.Equal(t, "user/1/label/go", tags[0].ID)

	err = layout.ReadData("friends.json", &tags)
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, layout.WriteReadme())
	assert.FileExists(t, filepath.Join(layout.Root, ReadmeFile))
}

func TestListStreamsEmptyArchive(t *testing.T) {
	names, err := Layout{Root: t.TempDir()}.ListStreams()
	require.NoError(t, err)
	assert.Empty(t, names)
}
