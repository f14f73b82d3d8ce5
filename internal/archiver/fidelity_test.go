package archiver

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bryan-buckman/readerarchive/internal/api"
	"github.com/bryan-buckman/readerarchive/internal/model"
)

type fakeBodies struct {
	mu sync.Mutex
	// fail decides the error for a request; nil means success.
	fail  func(ids []model.ItemID, opts api.BodyOptions) error
	calls []api.BodyOptions
	sizes []int
}

func (f *fakeBodies) FetchItemBodies(ctx context.Context, ids []model.ItemID, opts api.BodyOptions) (map[model.ItemID]api.Entry, error) {
	f.mu.Lock()
	f.calls = append(f.calls, opts)
	f.sizes = append(f.sizes, len(ids))
	f.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if f.fail != nil {
		if err := f.fail(ids, opts); err != nil {
			return nil, err
		}
	}
	bodies := map[model.ItemID]api.Entry{}
	for _, id := range ids {
		bodies[id] = api.Entry{ID: id, Data: []byte(id.Compact())}
	}
	return bodies, nil
}

func contains(ids []model.ItemID, want model.ItemID) bool {
	for _, id := range ids {
		if id == want {
			return true
		}
	}
	return false
}

var serverError = &api.HTTPError{StatusCode: 500, Body: "Internal error"}

func newPolicy(fetcher BodyFetcher) (*FidelityPolicy, *test.Hook) {
	logger, hook := test.NewNullLogger()
	return &FidelityPolicy{Fetcher: fetcher, Options: api.BodyOptions{Format: api.FormatAtom}, Logger: logger}, hook
}

func TestFidelityTransitions(t *testing.T) {
	assert.Equal(t, NoMediaRSS, FullFidelity.Next())
	assert.Equal(t, NoHighFidelity, NoMediaRSS.Next())
	assert.Equal(t, Bisecting, NoHighFidelity.Next())
	assert.Equal(t, Bisecting, Bisecting.Next())

	base := api.BodyOptions{Format: api.FormatAtom, Authenticated: true}
	full := FullFidelity.Options(base)
	assert.True(t, full.MediaRSS)
	assert.True(t, full.HighFidelity)
	assert.True(t, full.Authenticated)
	noMedia := NoMediaRSS.Options(base)
	assert.False(t, noMedia.MediaRSS)
	assert.True(t, noMedia.HighFidelity)
	low := NoHighFidelity.Options(base)
	assert.False(t, low.MediaRSS)
	assert.False(t, low.HighFidelity)

	assert.Equal(t, "no-media-rss", NoMediaRSS.String())
}

func TestDegradable(t *testing.T) {
	assert.True(t, Degradable(serverError))
	assert.True(t, Degradable(&api.ParseError{Err: errors.New("bad xml")}))
	assert.False(t, Degradable(&api.HTTPError{StatusCode: 403}))
	assert.False(t, Degradable(context.Canceled))
}

func TestFidelityPolicySucceedsAtFullFidelity(t *testing.T) {
	fetcher := &fakeBodies{}
	policy, hook := newPolicy(fetcher)
	result, err := policy.Fetch(context.Background(), []model.ItemID{1, 2, 3})
	require.NoError(t, err)
	assert.Len(t, result.Bodies, 3)
	assert.Empty(t, result.Dropped)
	assert.Equal(t, 1, result.Requests)
	assert.True(t, fetcher.calls[0].MediaRSS)
	assert.True(t, fetcher.calls[0].HighFidelity)
	assert.Empty(t, hook.AllEntries())
}

func TestFidelityPolicyDropsMediaRSS(t *testing.T) {
	fetcher := &fakeBodies{fail: func(ids []model.ItemID, opts api.BodyOptions) error {
		if opts.MediaRSS && contains(ids, 3) {
			return serverError
		}
		return nil
	}}
	policy, hook := newPolicy(fetcher)
	result, err := policy.Fetch(context.Background(), []model.ItemID{1, 2, 3})
	require.NoError(t, err)
	assert.Len(t, result.Bodies, 3)
	assert.Equal(t, 2, result.Requests)
	assert.False(t, fetcher.calls[1].MediaRSS)
	assert.True(t, fetcher.calls[1].HighFidelity)
	require.Len(t, hook.AllEntries(), 1)
	assert.Equal(t, logrus.WarnLevel, hook.LastEntry().Level)
}

func TestFidelityPolicyBisectsAndDropsSingleItem(t *testing.T) {
	fetcher := &fakeBodies{fail: func(ids []model.ItemID, opts api.BodyOptions) error {
		if contains(ids, 3) {
			return serverError
		}
		return nil
	}}
	policy, hook := newPolicy(fetcher)
	result, err := policy.Fetch(context.Background(), []model.ItemID{1, 2, 3, 4})
	require.NoError(t, err)

	assert.Equal(t, []model.ItemID{3}, result.Dropped)
	assert.Len(t, result.Bodies, 3)
	assert.NotContains(t, result.Bodies, model.ItemID(3))
	// [1 2 3 4] x3, [1 2], [3 4] x3, [3] x3, [4]
	assert.Equal(t, []int{4, 4, 4, 2, 2, 2, 2, 1, 1, 1, 1}, fetcher.sizes)
	assert.Equal(t, 11, result.Requests)
	// Each bisected half starts again at full fidelity.
	assert.True(t, fetcher.calls[3].MediaRSS)
	assert.True(t, fetcher.calls[4].MediaRSS)

	assert.Equal(t, logrus.ErrorLevel, hook.LastEntry().Level)
	assert.Equal(t, model.ItemID(3).Compact(), hook.LastEntry().Data["item"])
}

func TestFidelityPolicyParseErrorDegrades(t *testing.T) {
	fetcher := &fakeBodies{fail: func(ids []model.ItemID, opts api.BodyOptions) error {
		if opts.HighFidelity {
			return &api.ParseError{Err: errors.New("unexpected EOF")}
		}
		return nil
	}}
	policy, _ := newPolicy(fetcher)
	result, err := policy.Fetch(context.Background(), []model.ItemID{1, 2})
	require.NoError(t, err)
	assert.Len(t, result.Bodies, 2)
	assert.Equal(t, 3, result.Requests)
}

func TestFidelityPolicyOtherErrorsFailTheChunk(t *testing.T) {
	fetcher := &fakeBodies{fail: func(ids []model.ItemID, opts api.BodyOptions) error {
		return &api.HTTPError{StatusCode: 403, Body: "forbidden"}
	}}
	policy, _ := newPolicy(fetcher)
	_, err := policy.Fetch(context.Background(), []model.ItemID{1, 2})
	assert.Equal(t, 403, api.StatusCode(err))
	assert.Len(t, fetcher.calls, 1)
}

func TestFidelityPolicyCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	fetcher := &fakeBodies{}
	policy, _ := newPolicy(fetcher)
	_, err := policy.Fetch(ctx, []model.ItemID{1})
	assert.ErrorIs(t, err, context.Canceled)
}
