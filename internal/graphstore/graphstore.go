// Package graphstore stores entity/relation graphs partitioned by build
// attempt.
//
// Every node and edge carries the attempt's tenant tag. Nodes additionally
// carry a namespace label so label-partitioned backends can drop an attempt's
// graph without scanning properties. Traversals never cross tenants.
package graphstore

import (
	"context"
	"errors"
	"fmt"
	"regexp"

	"github.com/fyrsmithlabs/corpusd/internal/storeerr"
)

var (
	// ErrUnavailable marks a graph backend that could not be reached.
	ErrUnavailable = errors.New("graph store unavailable")

	// ErrInvalidNamespace is returned for namespace labels that cannot be
	// quoted safely.
	ErrInvalidNamespace = errors.New("invalid graph namespace")

	// ErrInvalidTag is returned for an empty tenant tag.
	ErrInvalidTag = errors.New("invalid tenant tag")
)

var namespacePattern = regexp.MustCompile(`^[a-z0-9_]{1,200}$`)

// Entity is a graph node.
type Entity struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Type        string   `json:"type,omitempty"`
	Description string   `json:"description,omitempty"`
	SourceIDs   []string `json:"source_ids,omitempty"`
}

// Relation is a directed, typed edge between two entities of the same tenant.
type Relation struct {
	Source      string  `json:"source"`
	Target      string  `json:"target"`
	Type        string  `json:"type"`
	Description string  `json:"description,omitempty"`
	Weight      float64 `json:"weight,omitempty"`
}

// Scope identifies where merged data lands.
type Scope struct {
	// Tag is the tenant tag (the attempt id).
	Tag string
	// Namespace is the label applied to nodes for label-partitioned deletion.
	Namespace string
	// CorpusID is stored on nodes for diagnostics.
	CorpusID string
}

// Validate checks the scope.
func (s Scope) Validate() error {
	if s.Tag == "" {
		return ErrInvalidTag
	}
	return ValidateNamespace(s.Namespace)
}

// ValidateNamespace checks a namespace label.
func ValidateNamespace(ns string) error {
	if !namespacePattern.MatchString(ns) {
		return fmt.Errorf("%w: %q", ErrInvalidNamespace, ns)
	}
	return nil
}

// Store is a tenant-partitioned property graph.
type Store interface {
	// MergeEntities creates or updates nodes keyed by (id, tag).
	MergeEntities(ctx context.Context, scope Scope, entities []Entity) error

	// MergeRelations creates or updates edges keyed by
	// (source, target, type, tag). Relations whose endpoints do not exist in
	// the tenant are skipped.
	MergeRelations(ctx context.Context, scope Scope, relations []Relation) error

	// Neighbors returns the distinct entities one outgoing hop from the
	// seeds, within the tenant. Unknown seeds contribute nothing.
	Neighbors(ctx context.Context, tag string, seedIDs []string) ([]Entity, error)

	// DeleteTenant removes every node and edge carrying tag.
	DeleteTenant(ctx context.Context, tag string) (int, error)

	// DeleteNamespace removes every node labelled ns and its edges. An
	// absent namespace is not an error.
	DeleteNamespace(ctx context.Context, ns string) (int, error)

	// Ping checks backend reachability.
	Ping(ctx context.Context) error

	// Close releases backend resources.
	Close(ctx context.Context) error
}

func wrap(op string, err error) error {
	return storeerr.Wrap(storeerr.BackendGraph, op, err)
}
