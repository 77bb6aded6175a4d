// Package ulid provides prefixed, monotonic identifiers built on
// github.com/oklog/ulid/v2.
//
// Identifiers sort lexicographically by creation time, and ids generated
// within the same millisecond keep their generation order. The sync queue
// relies on this: ordering by id is the same as ordering by creation.
package ulid

import (
	"crypto/rand"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// Prefixes for the kinds of ids the agent hands out
const (
	PrefixMutation = "mut"
	PrefixBlob     = "blob"
	PrefixPhoto    = "photo"
	PrefixPoint    = "pt"
	PrefixTest     = "tst"
	PrefixSync     = "sync"
	PrefixSetting  = "set"
	PrefixRequest  = "req"

	// PrefixSeparator is used to separate the prefix from the ULID
	PrefixSeparator = "-"
)

// ErrWrongPrefix is returned by Validate for a well-formed id of another kind
var ErrWrongPrefix = errors.New("wrong id prefix")

var (
	entropy     = ulid.Monotonic(rand.Reader, 0)
	entropyLock sync.Mutex
)

// ULID wraps ulid.ULID with an optional prefix.
type ULID struct {
	ulid.ULID
	prefix string
}

// GenerateWithPrefix creates a new ULID with the current timestamp and a prefix.
func GenerateWithPrefix(prefix string) ULID {
	entropyLock.Lock()
	id := ulid.MustNew(ulid.Timestamp(time.Now()), entropy)
	entropyLock.Unlock()
	return ULID{ULID: id, prefix: prefix}
}

// Parse parses a plain ("01AN4Z07BY79KA1307SR9X4MV3") or prefixed
// ("mut-01AN4Z07BY79KA1307SR9X4MV3") ULID.
func Parse(id string) (ULID, error) {
	prefix, raw, found := strings.Cut(id, PrefixSeparator)
	if !found {
		raw, prefix = id, ""
	}

	parsed, err := ulid.Parse(raw)
	if err != nil {
		return ULID{}, err
	}
	return ULID{ULID: parsed, prefix: prefix}, nil
}

// Validate checks that id is a well-formed ULID carrying prefix
func Validate(id, prefix string) error {
	parsed, err := Parse(id)
	if err != nil {
		return fmt.Errorf("malformed id %q: %w", id, err)
	}
	if parsed.prefix != prefix {
		return fmt.Errorf("%w: %q is not a %s id", ErrWrongPrefix, id, prefix)
	}
	return nil
}

// Prefix returns the prefix of the ULID.
func (u ULID) Prefix() string {
	return u.prefix
}

// String returns "prefix-ulid", or the bare ULID when there is no prefix.
func (u ULID) String() string {
	if u.prefix != "" {
		return u.prefix + PrefixSeparator + u.ULID.String()
	}
	return u.ULID.String()
}

// MutationID generates an id for a sync queue item
func MutationID() string {
	return GenerateWithPrefix(PrefixMutation).String()
}

// BlobID generates an id for a pending blob
func BlobID() string {
	return GenerateWithPrefix(PrefixBlob).String()
}

// PhotoID generates an id for a photo metadata record
func PhotoID() string {
	return GenerateWithPrefix(PrefixPhoto).String()
}

// PointID generates an id for an anchor point created offline
func PointID() string {
	return GenerateWithPrefix(PrefixPoint).String()
}

// TestID generates an id for an inspection test created offline
func TestID() string {
	return GenerateWithPrefix(PrefixTest).String()
}

// SyncID generates an id for a sync log entry
func SyncID() string {
	return GenerateWithPrefix(PrefixSync).String()
}

// SettingID generates an id for a persisted setting
func SettingID() string {
	return GenerateWithPrefix(PrefixSetting).String()
}

// RequestID generates an id for request-scoped logging
func RequestID() string {
	return GenerateWithPrefix(PrefixRequest).String()
}
