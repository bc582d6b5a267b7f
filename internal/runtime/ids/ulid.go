// Package ids mints the identifiers burrow puts on the wire and in the pool.
package ids

import "github.com/oklog/ulid/v2"

const ownerPrefix = "owner-"

// CreateULID returns a ULID string. IDs minted by one process sort in
// creation order.
func CreateULID() string {
	return ulid.Make().String()
}

// NewOwnerID returns an identifier for a pool owner.
func NewOwnerID() string {
	return ownerPrefix + CreateULID()
}

// NewCorrelationID returns an identifier pairing an rpc request with its reply.
func NewCorrelationID() string {
	return CreateULID()
}
