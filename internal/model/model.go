// Package model defines shared data structures.
package model

import (
	"encoding/json"
	"fmt"
	"sort"
)

// ItemRef pairs an item with the time it entered a stream.
type ItemRef struct {
	ID            ItemID
	TimestampUsec int64
}

// Stream is a named, ordered collection of item references (a feed, a tag,
// a friend's shared items, ...).
type Stream struct {
	ID       string
	ItemRefs []ItemRef
}

type streamJSON struct {
	StreamID string           `json:"stream_id"`
	ItemRefs map[ItemID]int64 `json:"item_refs"`
}

// MarshalJSON writes the archive stream file format:
// {"stream_id": ..., "item_refs": {"<compact id>": <timestamp usec>}}.
func (s Stream) MarshalJSON() ([]byte, error) {
	out := streamJSON{
		StreamID: s.ID,
		ItemRefs: make(map[ItemID]int64, len(s.ItemRefs)),
	}
	for _, ref := range s.ItemRefs {
		out.ItemRefs[ref.ID] = ref.TimestampUsec
	}
	return json.Marshal(out)
}

// UnmarshalJSON reads the archive stream file format. Item refs come back
// ordered newest first, ties broken by ID.
func (s *Stream) UnmarshalJSON(data []byte) error {
	var in streamJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	if in.StreamID == "" {
		return fmt.Errorf("stream file has no stream_id")
	}
	s.ID = in.StreamID
	s.ItemRefs = make([]ItemRef, 0, len(in.ItemRefs))
	for id, ts := range in.ItemRefs {
		s.ItemRefs = append(s.ItemRefs, ItemRef{ID: id, TimestampUsec: ts})
	}
	SortItemRefs(s.ItemRefs)
	return nil
}

// SortItemRefs orders refs newest first, ties broken by ID.
func SortItemRefs(refs []ItemRef) {
	sort.Slice(refs, func(i, j int) bool {
		if refs[i].TimestampUsec != refs[j].TimestampUsec {
			return refs[i].TimestampUsec > refs[j].TimestampUsec
		}
		return refs[i].ID < refs[j].ID
	})
}

// Category is a folder/label a subscription is filed under.
type Category struct {
	ID    string `json:"id"`
	Label string `json:"label"`
}

// Subscription represents a feed the account is subscribed to.
type Subscription struct {
	ID            string     `json:"id"`
	Title         string     `json:"title"`
	SortID        string     `json:"sortid,omitempty"`
	FirstItemMsec string     `json:"firstitemmsec,omitempty"`
	HTMLURL       string     `json:"htmlUrl,omitempty"`
	Categories    []Category `json:"categories,omitempty"`
}

// Tag is a user-created label or a system state.
type Tag struct {
	ID     string `json:"id"`
	SortID string `json:"sortid,omitempty"`
}

// Friend is a person in the account's sharing graph.
type Friend struct {
	UserIDs     []string `json:"userIds"`
	ProfileIDs  []string `json:"profileIds,omitempty"`
	DisplayName string   `json:"displayName"`
	GivenName   string   `json:"givenName,omitempty"`
	Email       string   `json:"email,omitempty"`
	StreamID    string   `json:"stream,omitempty"`
	Flags       int      `json:"flags"`
	Types       []int    `json:"types,omitempty"`
}

// Friend flag bits.
const (
	FriendFlagFollowing = 1 << 0
	FriendFlagFollower  = 1 << 1
)

// IsFollowing reports whether the account follows this friend's shares.
func (f Friend) IsFollowing() bool {
	return f.Flags&FriendFlagFollowing != 0
}

// BroadcastStreamID returns the shared-items stream of the friend.
func (f Friend) BroadcastStreamID() string {
	if f.StreamID != "" {
		return f.StreamID
	}
	if len(f.UserIDs) == 0 {
		return ""
	}
	return BroadcastStreamIDForUser(f.UserIDs[0])
}

// Bundle is a curated set of feeds.
type Bundle struct {
	ID            string         `json:"id"`
	Title         string         `json:"title"`
	Subscriptions []Subscription `json:"subscriptions"`
}

// Recommendation is a feed suggested to the account.
type Recommendation struct {
	StreamID string `json:"streamId"`
	Title    string `json:"title"`
}

// Comment is attached to a shared item.
type Comment struct {
	ID            string `json:"id"`
	ItemID        ItemID `json:"item_id"`
	VenueStreamID string `json:"venue_stream_id"`
	Content       string `json:"content"`
	AuthorUserID  string `json:"author_user_id"`
	Author        string `json:"author"`
	CreatedTime   int64  `json:"created_time"`
	ModifiedTime  int64  `json:"modified_time,omitempty"`
}

// UserInfo describes the archived account.
type UserInfo struct {
	UserID        string `json:"userId"`
	UserName      string `json:"userName"`
	UserProfileID string `json:"userProfileId,omitempty"`
	UserEmail     string `json:"userEmail,omitempty"`
}
