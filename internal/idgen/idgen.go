// Package idgen generates opaque, globally-unique identifiers for
// TransactionGroups and, where a backing store has no natural monotonic
// sequence available at the call site, for other engine entities.
//
// Grounded on the imshanimaurya-telecom-platform and community-bank-
// platform (other_examples) use of google/uuid for request/entity ids.
package idgen

import "github.com/google/uuid"

// NewGroupID returns a fresh UUIDv4 string suitable for a
// walletcore.GroupID.
func NewGroupID() string {
	return uuid.NewString()
}

// NewIdempotencyKey returns a fresh UUIDv4 string for callers that want a
// generated (rather than caller-supplied) idempotency key.
func NewIdempotencyKey() string {
	return uuid.NewString()
}
