package archiver

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bryan-buckman/readerarchive/internal/model"
)

// stuckAPI keeps handing out the same page and continuation token.
type stuckAPI struct {
	API
	calls int
}

func (s *stuckAPI) FetchItemRefs(ctx context.Context, streamID string, count int, continuation string) ([]model.ItemRef, string, error) {
	s.calls++
	if s.calls > 50 {
		return nil, "", errors.New("still paging")
	}
	return []model.ItemRef{{ID: 1, TimestampUsec: 1}}, "same-token", nil
}

func (s *stuckAPI) FetchComments(ctx context.Context, streamID, encodedSharers string, count int, continuation string) (map[model.ItemID][]model.Comment, string, error) {
	s.calls++
	if s.calls > 50 {
		return nil, "", errors.New("still paging")
	}
	return map[model.ItemID][]model.Comment{1: {{ID: "c1", ItemID: 1}}}, "same-token", nil
}

func TestItemRefsStopOnRepeatedContinuation(t *testing.T) {
	client := &stuckAPI{}
	w := &itemRefsWorker{client: client, cfg: Config{}.withDefaults()}

	got, err := w.Work(context.Background(), "feed/x")
	require.NoError(t, err)
	assert.Equal(t, []model.ItemRef{{ID: 1, TimestampUsec: 1}}, got.stream.ItemRefs)
	assert.LessOrEqual(t, client.calls, 2)
}

func TestCommentsStopOnRepeatedContinuation(t *testing.T) {
	client := &stuckAPI{}
	w := &commentsWorker{client: client, pageSize: 10}

	got, err := w.Work(context.Background(), "user/1/state/com.google/broadcast")
	require.NoError(t, err)
	assert.Len(t, got[1], 2)
	assert.Equal(t, 2, client.calls)
}
