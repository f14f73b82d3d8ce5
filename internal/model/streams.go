package model

import (
	"fmt"
	"strings"
)

// ExploreStreamID is the global "explore" stream.
const ExploreStreamID = "pop/topic/top/language/en"

// SystemStates are the com.google states every account has a stream for.
var SystemStates = []string{
	"broadcast",
	"broadcast-friends",
	"broadcast-friends-comments",
	"created",
	"kept-unread",
	"like",
	"read",
	"reading-list",
	"starred",
	"tracking-body-link-used",
	"tracking-emailed",
	"tracking-item-link-used",
	"tracking-kept-unread",
	"tracking-mobile-read",
}

// StateStreamID returns user/<userID>/state/com.google/<state>.
func StateStreamID(userID, state string) string {
	return fmt.Sprintf("user/%s/state/com.google/%s", userID, state)
}

// BroadcastStreamIDForUser returns the shared-items stream of a user.
func BroadcastStreamIDForUser(userID string) string {
	return StateStreamID(userID, "broadcast")
}

// SystemStreamIDs lists the state streams of a user followed by the explore
// stream.
func SystemStreamIDs(userID string) []string {
	ids := make([]string, 0, len(SystemStates)+1)
	for _, state := range SystemStates {
		ids = append(ids, StateStreamID(userID, state))
	}
	return append(ids, ExploreStreamID)
}

// FeedStreamID returns the stream ID of a feed URL.
func FeedStreamID(feedURL string) string {
	return "feed/" + feedURL
}

// FeedURL returns the URL of a feed stream, or "" for other streams.
func FeedURL(streamID string) string {
	if !strings.HasPrefix(streamID, "feed/") {
		return ""
	}
	return streamID[len("feed/"):]
}
