// Package idgen generates identifiers for idempotency keys and demo records.
package idgen

import (
	"strings"

	"github.com/google/uuid"
)

// New returns a random (version 4) UUID string.
func New() string {
	return uuid.NewString()
}

// WithPrefix returns prefix followed by 24 hex chars, e.g. "ord_1f2e...".
func WithPrefix(prefix string) string {
	return prefix + strings.ReplaceAll(uuid.NewString(), "-", "")[:24]
}

// IdempotencyKey returns a fresh key for a state-changing request.
func IdempotencyKey() string {
	return uuid.NewString()
}

// keySpace namespaces derived keys so they never collide with other
// name-based UUIDs.
var keySpace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("https://accountmarket/idempotency"))

// DerivedKey returns a stable (version 5) key for an action. The same parts
// always give the same key, so a resubmitted action is recognised by the
// marketplace as a replay.
func DerivedKey(parts ...string) string {
	return uuid.NewSHA1(keySpace, []byte(strings.Join(parts, "\x1f"))).String()
}
