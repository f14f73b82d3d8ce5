package archiver

import (
	"context"
	"fmt"
	"net/http"

	log "github.com/sirupsen/logrus"

	"github.com/bryan-buckman/readerarchive/internal/api"
	"github.com/bryan-buckman/readerarchive/internal/model"
)

// FidelityState is a step of the item body degradation ladder.
type FidelityState int

const (
	// FullFidelity requests high-fidelity output with Media RSS.
	FullFidelity FidelityState = iota
	// NoMediaRSS drops Media RSS extensions.
	NoMediaRSS
	// NoHighFidelity drops Media RSS and high-fidelity output.
	NoHighFidelity
	// Bisecting splits the chunk and retries each half from FullFidelity.
	Bisecting
)

var fidelityNames = map[FidelityState]string{
	FullFidelity:   "full-fidelity",
	NoMediaRSS:     "no-media-rss",
	NoHighFidelity: "no-high-fidelity",
	Bisecting:      "bisecting",
}

func (s FidelityState) String() string {
	if name, ok := fidelityNames[s]; ok {
		return name
	}
	return fmt.Sprintf("FidelityState(%d)", int(s))
}

// fidelityTransitions is taken after a degradable failure. Bisecting has no
// successor: it is resolved by splitting, or by dropping a single item.
var fidelityTransitions = map[FidelityState]FidelityState{
	FullFidelity:   NoMediaRSS,
	NoMediaRSS:     NoHighFidelity,
	NoHighFidelity: Bisecting,
}

// Next returns the state to move to after a degradable failure in s.
func (s FidelityState) Next() FidelityState {
	if next, ok := fidelityTransitions[s]; ok {
		return next
	}
	return Bisecting
}

// Options adjusts base request options for the state.
func (s FidelityState) Options(base api.BodyOptions) api.BodyOptions {
	opts := base
	opts.MediaRSS = s == FullFidelity
	opts.HighFidelity = s == FullFidelity || s == NoMediaRSS
	return opts
}

// Degradable reports whether a body fetch error should move the policy down
// the fidelity ladder rather than fail the chunk: server errors and
// unparseable responses.
func Degradable(err error) bool {
	return api.StatusCode(err) == http.StatusInternalServerError || api.IsParseError(err)
}

// BodyFetcher fetches item bodies.
type BodyFetcher interface {
	FetchItemBodies(ctx context.Context, ids []model.ItemID, opts api.BodyOptions) (map[model.ItemID]api.Entry, error)
}

// FidelityPolicy fetches a chunk of item bodies, lowering fidelity and then
// bisecting the chunk when the server fails to render it.
type FidelityPolicy struct {
	Fetcher BodyFetcher
	// Options carries the format and authentication; fidelity fields are
	// set per state.
	Options api.BodyOptions
	Logger  log.FieldLogger
}

// FetchResult is the outcome of FidelityPolicy.Fetch.
type FetchResult struct {
	Bodies map[model.ItemID]api.Entry
	// Dropped lists items that failed on their own at the lowest fidelity.
	Dropped  []model.ItemID
	Requests int
}

// Fetch fetches ids. Only non-degradable errors are returned; they fail the
// whole chunk.
func (p *FidelityPolicy) Fetch(ctx context.Context, ids []model.ItemID) (*FetchResult, error) {
	result := &FetchResult{Bodies: map[model.ItemID]api.Entry{}}
	if err := p.fetch(ctx, ids, result); err != nil {
		return nil, err
	}
	return result, nil
}

func (p *FidelityPolicy) logger() log.FieldLogger {
	if p.Logger == nil {
		return log.StandardLogger()
	}
	return p.Logger
}

func (p *FidelityPolicy) fetch(ctx context.Context, ids []model.ItemID, result *FetchResult) error {
	if len(ids) == 0 {
		return nil
	}
	state := FullFidelity
	for state != Bisecting {
		result.Requests++
		bodies, err := p.Fetcher.FetchItemBodies(ctx, ids, state.Options(p.Options))
		if err == nil {
			for id, e := range bodies {
				result.Bodies[id] = e
			}
			return nil
		}
		if !Degradable(err) {
			return err
		}
		next := state.Next()
		p.logger().WithFields(log.Fields{
			"items": len(ids),
			"first": ids[0].Compact(),
			"from":  state,
			"to":    next,
		}).Warnf("Item body fetch failed, degrading: %s", err)
		state = next
	}

	if len(ids) == 1 {
		p.logger().WithField("item", ids[0].Compact()).Error("Dropping item that fails at every fidelity")
		result.Dropped = append(result.Dropped, ids[0])
		return nil
	}
	mid := len(ids) / 2
	if err := p.fetch(ctx, ids[:mid], result); err != nil {
		return err
	}
	return p.fetch(ctx, ids[mid:], result)
}
