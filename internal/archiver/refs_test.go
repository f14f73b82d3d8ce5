package archiver

import (
	"os"
	"path/filepath"
	"testing"

	log "github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bryan-buckman/readerarchive/internal/model"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadItemRefs(t *testing.T) {
	path := writeFile(t, "refs.json", `{
		"user/1/label/x": {
			"tag:google.com,2005:reader/item/5d0cfa30041d4348": 100,
			"0x0000000000000002": "300",
			"-1": 200
		}
	}`)
	refs, err := LoadItemRefs(path)
	require.NoError(t, err)
	assert.Equal(t, []model.ItemRef{
		{ID: 2, TimestampUsec: 300},
		{ID: 0xffffffffffffffff, TimestampUsec: 200},
		{ID: 0x5d0cfa30041d4348, TimestampUsec: 100},
	}, refs["user/1/label/x"])
}

func TestLoadItemRefsWarnsOnDecimalLookingHex(t *testing.T) {
	hook := test.NewGlobal()
	defer hook.Reset()

	path := writeFile(t, "refs.json", `{"s": {"1234567890123456": 1, "+1234567890123456": 2}}`)
	refs, err := LoadItemRefs(path)
	require.NoError(t, err)
	assert.Equal(t, []model.ItemRef{
		{ID: 1234567890123456, TimestampUsec: 2},
		{ID: 0x1234567890123456, TimestampUsec: 1},
	}, refs["s"])

	require.Len(t, hook.AllEntries(), 1)
	entry := hook.LastEntry()
	assert.Equal(t, log.WarnLevel, entry.Level)
	assert.Equal(t, "1234567890123456", entry.Data["item"])
}

func TestLoadItemRefsErrors(t *testing.T) {
	_, err := LoadItemRefs(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)

	_, err = LoadItemRefs(writeFile(t, "bad.json", `{"s": {"not an id": 1}}`))
	assert.Error(t, err)

	_, err = LoadItemRefs(writeFile(t, "bad.json", `{"s": {"1": "soon"}}`))
	assert.Error(t, err)

	_, err = LoadItemRefs(writeFile(t, "bad.json", `[]`))
	assert.Error(t, err)
}

func TestMergeItemRefs(t *testing.T) {
	streams := []model.Stream{
		{ID: "feed/b", ItemRefs: []model.ItemRef{{ID: 1, TimestampUsec: 10}}},
	}
	extra := map[string][]model.ItemRef{
		"feed/b": {{ID: 1, TimestampUsec: 99}, {ID: 2, TimestampUsec: 20}},
		"feed/a": {{ID: 3, TimestampUsec: 30}},
	}
	merged, added := MergeItemRefs(streams, extra)
	assert.Equal(t, 2, added)
	assert.Equal(t, []model.Stream{
		{ID: "feed/a", ItemRefs: []model.ItemRef{{ID: 3, TimestampUsec: 30}}},
		{ID: "feed/b", ItemRefs: []model.ItemRef{{ID: 2, TimestampUsec: 20}, {ID: 1, TimestampUsec: 10}}},
	}, merged)
	// The input is left alone.
	assert.Len(t, streams[0].ItemRefs, 1)
}

func TestUnionItemIDs(t *testing.T) {
	ids := UnionItemIDs([]model.Stream{
		{ID: "a", ItemRefs: []model.ItemRef{{ID: 3}, {ID: 1}}},
		{ID: "b", ItemRefs: []model.ItemRef{{ID: 1}, {ID: 2}}},
	})
	assert.Equal(t, []model.ItemID{1, 2, 3}, ids)
}
