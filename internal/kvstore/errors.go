package kvstore

import "errors"

var (
	// ErrNotPresent is returned when decoding a missing or corrupt result.
	ErrNotPresent = errors.New("kvstore: value not present")

	// ErrNilClient is returned when constructing a backend without a client.
	ErrNilClient = errors.New("kvstore: redis client is required")
)
