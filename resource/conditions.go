package resource

import (
	"slices"
	"strconv"
	"time"
)

// Conditions are preconditions evaluated against the current state of a
// resource before an operation proceeds.
type Conditions interface {
	// MatchesMetadata evaluates against metadata; nil metadata means the
	// resource does not exist.
	MatchesMetadata(metadata *Metadata) bool
	// Matches evaluates against an entity tag and last-modified time. Empty
	// etag or zero time mean unknown.
	Matches(etag string, lastModified time.Time) bool
}

// BasicConditions implements RFC 7232 style preconditions. Zero times and nil
// slices mean the corresponding header was absent.
type BasicConditions struct {
	MatchesETag     []string
	NotMatchesETag  []string
	ModifiedSince   time.Time
	UnmodifiedSince time.Time
}

var _ Conditions = (*BasicConditions)(nil)

// MatchesMetadata implements Conditions.
func (c *BasicConditions) MatchesMetadata(metadata *Metadata) bool {
	if c == nil {
		return true
	}
	if metadata == nil {
		// If-Match requires a current representation.
		return len(c.MatchesETag) == 0
	}
	modified, _ := metadata.Modified()
	return c.Matches(ETag(metadata), modified)
}

// Matches implements Conditions.
func (c *BasicConditions) Matches(etag string, lastModified time.Time) bool {
	if c == nil {
		return true
	}
	if slices.Contains(c.NotMatchesETag, "*") {
		return false
	}
	if len(c.MatchesETag) > 0 && !slices.Contains(c.MatchesETag, "*") {
		if etag == "" || !slices.Contains(c.MatchesETag, etag) {
			return false
		}
	}
	if etag != "" && slices.Contains(c.NotMatchesETag, etag) {
		return false
	}
	if !lastModified.IsZero() {
		lm := lastModified.Truncate(time.Second)
		if !c.ModifiedSince.IsZero() && !lm.After(c.ModifiedSince.Truncate(time.Second)) {
			return false
		}
		if !c.UnmodifiedSince.IsZero() && lm.After(c.UnmodifiedSince.Truncate(time.Second)) {
			return false
		}
	}
	return true
}

// IsEmpty reports whether no precondition is set.
func (c *BasicConditions) IsEmpty() bool {
	return c == nil || (len(c.MatchesETag) == 0 && len(c.NotMatchesETag) == 0 &&
		c.ModifiedSince.IsZero() && c.UnmodifiedSince.IsZero())
}

// ETag derives the entity tag of metadata from its modification date. It
// returns "" when the date is unknown.
func ETag(metadata *Metadata) string {
	if metadata == nil {
		return ""
	}
	modified, ok := metadata.Modified()
	if !ok {
		return ""
	}
	return ETagFor(modified)
}

// ETagFor formats the entity tag of a modification time.
func ETagFor(modified time.Time) string {
	return `"` + strconv.FormatInt(modified.UnixMilli(), 10) + `"`
}
