package model

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// AtomItemIDPrefix precedes the compact form in the Atom form of an item ID.
const AtomItemIDPrefix = "tag:google.com,2005:reader/item/"

// ItemID identifies a Reader item. The API hands it out as a signed decimal,
// Atom feeds use a tag URI, and the archive uses the 16 hex digit compact form.
type ItemID uint64

// Compact returns the zero-padded, 16 lowercase hex digit form.
func (id ItemID) Compact() string {
	return fmt.Sprintf("%016x", uint64(id))
}

// Decimal returns the signed decimal form used in API calls. Values at or
// above 2^63 wrap around to negative numbers.
func (id ItemID) Decimal() string {
	return strconv.FormatInt(int64(id), 10)
}

// Atom returns the tag URI form used in Atom feeds.
func (id ItemID) Atom() string {
	return AtomItemIDPrefix + id.Compact()
}

func (id ItemID) String() string {
	return id.Compact()
}

// MarshalText encodes the compact form, which also makes ItemID usable as a
// JSON object key.
func (id ItemID) MarshalText() ([]byte, error) {
	return []byte(id.Compact()), nil
}

// UnmarshalText accepts any of the textual forms.
func (id *ItemID) UnmarshalText(text []byte) error {
	parsed, err := ItemIDFromAnyForm(string(text))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// UnmarshalJSON accepts either a JSON string in any form or a bare number in
// decimal form.
func (id *ItemID) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		return id.UnmarshalText([]byte(s))
	}
	parsed, err := ItemIDFromDecimalForm(string(data))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// ItemIDFromCompactForm parses a hex form (at most 16 digits).
func ItemIDFromCompactForm(s string) (ItemID, error) {
	if s == "" || len(s) > 16 {
		return 0, fmt.Errorf("invalid compact item id %q", s)
	}
	v, err := strconv.ParseUint(s, 16, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid compact item id %q: %w", s, err)
	}
	return ItemID(v), nil
}

// ItemIDFromDecimalForm parses the signed decimal form. Unsigned values above
// 2^63 are accepted as well.
func ItemIDFromDecimalForm(s string) (ItemID, error) {
	if v, err := strconv.ParseInt(s, 10, 64); err == nil {
		return ItemID(uint64(v)), nil
	}
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid decimal item id %q: %w", s, err)
	}
	return ItemID(v), nil
}

// ItemIDFromAtomForm parses a tag URI of the form
// tag:google.com,2005:reader/item/<hex>.
func ItemIDFromAtomForm(s string) (ItemID, error) {
	if !strings.HasPrefix(s, AtomItemIDPrefix) {
		return 0, fmt.Errorf("invalid atom item id %q", s)
	}
	return ItemIDFromCompactForm(s[len(AtomItemIDPrefix):])
}

// ItemIDFromAnyForm accepts the Atom form, a 0x-prefixed hex value, the
// 16-character compact form, or the signed decimal form. A 16 character input
// is always read as hex.
func ItemIDFromAnyForm(s string) (ItemID, error) {
	s = strings.TrimSpace(s)
	switch {
	case strings.HasPrefix(s, "tag:"):
		return ItemIDFromAtomForm(s)
	case strings.HasPrefix(s, "0x"), strings.HasPrefix(s, "0X"):
		return ItemIDFromCompactForm(s[2:])
	case len(s) == 16:
		return ItemIDFromCompactForm(s)
	default:
		return ItemIDFromDecimalForm(s)
	}
}

// IsAmbiguousItemID reports whether s is 16 decimal digits, which
// ItemIDFromAnyForm reads as hex even though it is also a valid decimal ID.
func IsAmbiguousItemID(s string) bool {
	s = strings.TrimSpace(s)
	if len(s) != 16 {
		return false
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}

// ItemIDs is a sortable list of item IDs.
type ItemIDs []ItemID

func (ids ItemIDs) Len() int           { return len(ids) }
func (ids ItemIDs) Less(i, j int) bool { return ids[i] < ids[j] }
func (ids ItemIDs) Swap(i, j int)      { ids[i], ids[j] = ids[j], ids[i] }
