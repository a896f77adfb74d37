// Package namespace derives the physical identifiers that isolate one build
// attempt inside the shared key-value, vector and graph stores.
//
// Every identifier is a pure function of (corpus id, attempt id, logical
// namespace). Segments are restricted to lowercase alphanumerics joined by
// single underscores, so the "__" and ":" separators used to compose
// identifiers can never occur inside a segment and distinct inputs always map
// to distinct outputs.
package namespace

import (
	"encoding/hex"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

const (
	// DefaultCollectionPrefix is used when no collection prefix is configured.
	DefaultCollectionPrefix = "col"

	// GraphNamespaceSuffix is appended to the graph namespace label.
	GraphNamespaceSuffix = "chunk_entity_relation"

	// IndexSuffix names the per-attempt key index set.
	IndexSuffix = "__keys"

	maxSegmentLen = 64

	// MaxCollectionNameLen is the longest vector collection name the vector
	// backends accept.
	MaxCollectionNameLen = 64

	// generatedIDLen is the length of ids from NewCorpusID and NewAttemptID.
	generatedIDLen = 14
)

// Common errors.
var (
	ErrInvalidCorpusID  = errors.New("invalid corpus ID")
	ErrInvalidAttemptID = errors.New("invalid attempt ID")
	ErrInvalidNamespace = errors.New("invalid logical namespace")
	ErrInvalidPrefix    = errors.New("invalid collection prefix")
	ErrNameTooLong      = errors.New("collection name too long")
)

var segmentPattern = regexp.MustCompile(`^[a-z0-9]+(_[a-z0-9]+)*$`)

// Namespace is the set of physical identifiers for one
// (corpus, attempt, logical namespace) triple.
type Namespace struct {
	CorpusID  string
	AttemptID string
	Logical   string

	// KVPrefix is prepended to every key written for this namespace.
	KVPrefix string
	// KVIndexKey is the set holding every key written for the attempt.
	KVIndexKey string
	// VectorCollection is the vector store collection name.
	VectorCollection string
	// GraphTag is the tenant tag carried by graph nodes and edges.
	GraphTag string
	// GraphNamespace is the label used by label-partitioned graph backends.
	GraphNamespace string
}

// Resolver derives namespaces. The zero value uses DefaultCollectionPrefix.
type Resolver struct {
	CollectionPrefix string
}

// NewResolver creates a resolver with the given collection prefix.
func NewResolver(collectionPrefix string) (*Resolver, error) {
	if collectionPrefix == "" {
		collectionPrefix = DefaultCollectionPrefix
	}
	if !ValidSegment(collectionPrefix) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidPrefix, collectionPrefix)
	}
	// room for "__{attempt}__{ns}" with a generated attempt id and a
	// one-character namespace
	if n := len(collectionPrefix) + 2 + generatedIDLen + 2 + 1; n > MaxCollectionNameLen {
		return nil, fmt.Errorf("%w: %q leaves no room for attempt collections", ErrInvalidPrefix, collectionPrefix)
	}
	return &Resolver{CollectionPrefix: collectionPrefix}, nil
}

func (r *Resolver) prefix() string {
	if r == nil || r.CollectionPrefix == "" {
		return DefaultCollectionPrefix
	}
	return r.CollectionPrefix
}

// Resolve returns the identifiers for the given triple.
func (r *Resolver) Resolve(corpusID, attemptID, logical string) (Namespace, error) {
	if err := validate(corpusID, attemptID); err != nil {
		return Namespace{}, err
	}
	if !ValidSegment(logical) {
		return Namespace{}, fmt.Errorf("%w: %q", ErrInvalidNamespace, logical)
	}
	collection := r.VectorCollection(attemptID, logical)
	if len(collection) > MaxCollectionNameLen {
		return Namespace{}, fmt.Errorf("%w: %q is %d characters, max %d",
			ErrNameTooLong, collection, len(collection), MaxCollectionNameLen)
	}

	return Namespace{
		CorpusID:         corpusID,
		AttemptID:        attemptID,
		Logical:          logical,
		KVPrefix:         AttemptKVPrefix(attemptID) + logical + ":",
		KVIndexKey:       KVIndexKey(attemptID),
		VectorCollection: collection,
		GraphTag:         attemptID,
		GraphNamespace:   GraphNamespace(corpusID, attemptID),
	}, nil
}

// VectorCollection returns "{prefix}__{attempt}__{logical}". Inputs are not
// validated; callers that accept external input should use Resolve.
func (r *Resolver) VectorCollection(attemptID, logical string) string {
	return r.prefix() + "__" + attemptID + "__" + logical
}

// AttemptKVPrefix returns the prefix shared by every key of an attempt.
func AttemptKVPrefix(attemptID string) string {
	return "kv:" + attemptID + ":"
}

// KVIndexKey returns the per-attempt index set key.
func KVIndexKey(attemptID string) string {
	return AttemptKVPrefix(attemptID) + IndexSuffix
}

// GraphNamespace returns the graph label for an attempt.
func GraphNamespace(corpusID, attemptID string) string {
	return corpusID + "__" + attemptID + "__" + GraphNamespaceSuffix
}

// ValidSegment reports whether s may be used as an identifier segment.
func ValidSegment(s string) bool {
	return len(s) <= maxSegmentLen && segmentPattern.MatchString(s)
}

// ValidateAttemptID checks an attempt identifier.
func ValidateAttemptID(attemptID string) error {
	if !ValidSegment(attemptID) {
		return fmt.Errorf("%w: %q", ErrInvalidAttemptID, attemptID)
	}
	return nil
}

func validate(corpusID, attemptID string) error {
	if !ValidSegment(corpusID) {
		return fmt.Errorf("%w: %q", ErrInvalidCorpusID, corpusID)
	}
	return ValidateAttemptID(attemptID)
}

// NewCorpusID returns a fresh corpus identifier ("c_" + 12 hex chars).
func NewCorpusID() string { return newID("c") }

// NewAttemptID returns a fresh attempt identifier ("a_" + 12 hex chars).
func NewAttemptID() string { return newID("a") }

func newID(prefix string) string {
	u := uuid.New()
	return prefix + "_" + strings.ToLower(hex.EncodeToString(u[:]))[:12]
}
