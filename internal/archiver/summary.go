package archiver

import (
	"time"

	"github.com/dustin/go-humanize"
	log "github.com/sirupsen/logrus"
)

// Summary counts what a run archived and what it could not.
type Summary struct {
	RunID string

	Streams            int
	UnavailableStreams []string
	FailedStreams      []string
	AdditionalItemRefs int

	ItemIDs        int
	ItemBodies     int
	MissingItems   int
	DroppedItems   int
	FailedChunks   int
	FailedItemIDs  int
	CommentStreams int
	// FailedCommentStreams counts broadcast streams whose comments could not
	// be fetched.
	FailedCommentStreams int
	ItemsWithComments    int
	MetadataFailures     int
	WriteFailures        int

	BytesWritten int64
	Duration     time.Duration
}

// HasFailures reports whether anything that should have been archived was
// not. Missing items and private streams are gone upstream and do not count.
func (s *Summary) HasFailures() bool {
	return len(s.FailedStreams) > 0 ||
		s.FailedChunks > 0 ||
		s.DroppedItems > 0 ||
		s.FailedCommentStreams > 0 ||
		s.MetadataFailures > 0 ||
		s.WriteFailures > 0
}

// Log writes the summary.
func (s *Summary) Log(logger log.FieldLogger) {
	logger.WithFields(log.Fields{
		"streams":     s.Streams,
		"items":       s.ItemIDs,
		"bodies":      s.ItemBodies,
		"comments_on": s.ItemsWithComments,
		"written":     humanize.Bytes(uint64(s.BytesWritten)),
		"duration":    s.Duration.Round(time.Second),
	}).Infof("Archived %s streams and %s item bodies", humanize.Comma(int64(s.Streams)), humanize.Comma(int64(s.ItemBodies)))

	if len(s.UnavailableStreams) > 0 {
		logger.WithField("streams", s.UnavailableStreams).Warnf("%d streams were not accessible", len(s.UnavailableStreams))
	}
	if len(s.FailedStreams) > 0 {
		logger.WithField("streams", s.FailedStreams).Errorf("%d streams could not be fetched", len(s.FailedStreams))
	}
	if s.MissingItems > 0 {
		logger.Warnf("%s items were missing from body responses", humanize.Comma(int64(s.MissingItems)))
	}
	if s.DroppedItems > 0 {
		logger.Errorf("%d items were dropped after failing at every fidelity", s.DroppedItems)
	}
	if s.FailedChunks > 0 {
		logger.Errorf("%d item body chunks (%s items) failed", s.FailedChunks, humanize.Comma(int64(s.FailedItemIDs)))
	}
	if s.FailedCommentStreams > 0 {
		logger.Errorf("Comments could not be fetched for %d streams", s.FailedCommentStreams)
	}
	if s.MetadataFailures > 0 {
		logger.Errorf("%d metadata files could not be archived", s.MetadataFailures)
	}
	if s.WriteFailures > 0 {
		logger.Errorf("%d archive files could not be written", s.WriteFailures)
	}
}
