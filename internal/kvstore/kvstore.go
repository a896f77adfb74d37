// Package kvstore provides per-namespace JSON document storage on Redis.
//
// Keys written through a namespace are prefixed with the namespace's KV prefix
// and recorded in the attempt's index set, which is the only way keys are
// enumerated or dropped. Redis KEYS/SCAN are never used.
package kvstore

import (
	"context"
	"encoding/json"
)

// State tags a lookup result.
type State int

const (
	// Missing means no value is stored under the key.
	Missing State = iota
	// Corrupt means a value is stored but could not be decoded.
	Corrupt
	// Present means the value was decoded successfully.
	Present
)

func (s State) String() string {
	switch s {
	case Missing:
		return "missing"
	case Corrupt:
		return "corrupt"
	case Present:
		return "present"
	default:
		return "unknown"
	}
}

// Result is the outcome of reading one key.
type Result struct {
	State State
	// Value holds the decoded JSON value when State is Present.
	Value any
	// Raw holds the stored bytes for Present and Corrupt results.
	Raw string
}

// Decode unmarshals the raw value of a present result into v.
func (r Result) Decode(v any) error {
	if r.State != Present {
		return ErrNotPresent
	}
	return json.Unmarshal([]byte(r.Raw), v)
}

// Store is a key-value view scoped to one logical namespace of one attempt.
type Store interface {
	// Get returns the value stored under id.
	Get(ctx context.Context, id string) (Result, error)

	// GetMany returns one result per id, in input order. When fields is
	// non-empty, object values are projected onto those fields.
	GetMany(ctx context.Context, ids []string, fields []string) ([]Result, error)

	// FilterMissing returns the ids that have no stored value, in input order.
	FilterMissing(ctx context.Context, ids []string) ([]string, error)

	// UpsertMany writes every entry and records each key in the attempt index
	// in one atomic transaction. Empty input is a no-op.
	UpsertMany(ctx context.Context, entries map[string]any) error

	// EnumerateAll returns the logical ids written through this namespace.
	EnumerateAll(ctx context.Context) ([]string, error)

	// Drop deletes every key of this namespace and removes them from the
	// attempt index. Other namespaces of the attempt are left intact.
	Drop(ctx context.Context) error
}
