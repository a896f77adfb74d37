package graphstore

import (
	"context"
	"sort"
	"sync"
)

type relKey struct {
	source, target, typ string
}

type tenantGraph struct {
	nodes map[string]*Entity
	// labels maps node id to its namespace label.
	labels map[string]string
	edges  map[relKey]Relation
}

// MemoryStore is an in-process Store. It backs tests and single-process
// development setups.
type MemoryStore struct {
	mu      sync.RWMutex
	tenants map[string]*tenantGraph
}

// NewMemoryStore creates an empty in-memory graph.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{tenants: make(map[string]*tenantGraph)}
}

func (m *MemoryStore) tenant(tag string) *tenantGraph {
	g, ok := m.tenants[tag]
	if !ok {
		g = &tenantGraph{
			nodes:  make(map[string]*Entity),
			labels: make(map[string]string),
			edges:  make(map[relKey]Relation),
		}
		m.tenants[tag] = g
	}
	return g
}

// MergeEntities upserts nodes. Later values overwrite non-empty fields and
// source ids accumulate.
func (m *MemoryStore) MergeEntities(_ context.Context, scope Scope, entities []Entity) error {
	if err := scope.Validate(); err != nil {
		return err
	}
	if len(entities) == 0 {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	g := m.tenant(scope.Tag)
	for _, e := range entities {
		if e.ID == "" {
			continue
		}
		existing, ok := g.nodes[e.ID]
		if !ok {
			cp := e
			cp.SourceIDs = append([]string(nil), e.SourceIDs...)
			g.nodes[e.ID] = &cp
		} else {
			if e.Name != "" {
				existing.Name = e.Name
			}
			if e.Type != "" {
				existing.Type = e.Type
			}
			if e.Description != "" {
				existing.Description = e.Description
			}
			existing.SourceIDs = mergeIDs(existing.SourceIDs, e.SourceIDs)
		}
		g.labels[e.ID] = scope.Namespace
	}
	return nil
}

// MergeRelations upserts edges whose endpoints exist in the tenant.
func (m *MemoryStore) MergeRelations(_ context.Context, scope Scope, relations []Relation) error {
	if err := scope.Validate(); err != nil {
		return err
	}
	if len(relations) == 0 {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	g := m.tenant(scope.Tag)
	for _, r := range relations {
		if _, ok := g.nodes[r.Source]; !ok {
			continue
		}
		if _, ok := g.nodes[r.Target]; !ok {
			continue
		}
		g.edges[relKey{r.Source, r.Target, r.Type}] = r
	}
	return nil
}

// Neighbors follows outgoing edges from the seeds.
func (m *MemoryStore) Neighbors(_ context.Context, tag string, seedIDs []string) ([]Entity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	g, ok := m.tenants[tag]
	if !ok || len(seedIDs) == 0 {
		return []Entity{}, nil
	}

	seeds := make(map[string]bool, len(seedIDs))
	for _, id := range seedIDs {
		seeds[id] = true
	}

	seen := make(map[string]bool)
	out := []Entity{}
	for k := range g.edges {
		if !seeds[k.source] || seen[k.target] {
			continue
		}
		if n, ok := g.nodes[k.target]; ok {
			seen[k.target] = true
			out = append(out, *n)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// DeleteTenant removes the tenant's graph.
func (m *MemoryStore) DeleteTenant(_ context.Context, tag string) (int, error) {
	if tag == "" {
		return 0, ErrInvalidTag
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	g, ok := m.tenants[tag]
	if !ok {
		return 0, nil
	}
	delete(m.tenants, tag)
	return len(g.nodes), nil
}

// DeleteNamespace removes nodes labelled ns from every tenant, with their
// edges.
func (m *MemoryStore) DeleteNamespace(_ context.Context, ns string) (int, error) {
	if err := ValidateNamespace(ns); err != nil {
		return 0, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	deleted := 0
	for tag, g := range m.tenants {
		for id, label := range g.labels {
			if label != ns {
				continue
			}
			delete(g.nodes, id)
			delete(g.labels, id)
			deleted++
			for k := range g.edges {
				if k.source == id || k.target == id {
					delete(g.edges, k)
				}
			}
		}
		if len(g.nodes) == 0 {
			delete(m.tenants, tag)
		}
	}
	return deleted, nil
}

// NodeCount returns the number of nodes stored for tag.
func (m *MemoryStore) NodeCount(tag string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if g, ok := m.tenants[tag]; ok {
		return len(g.nodes)
	}
	return 0
}

// EdgeCount returns the number of edges stored for tag.
func (m *MemoryStore) EdgeCount(tag string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if g, ok := m.tenants[tag]; ok {
		return len(g.edges)
	}
	return 0
}

// Ping always succeeds.
func (m *MemoryStore) Ping(context.Context) error { return nil }

// Close is a no-op.
func (m *MemoryStore) Close(context.Context) error { return nil }

func mergeIDs(a, b []string) []string {
	seen := make(map[string]bool, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, s := range append(append([]string(nil), a...), b...) {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}

var _ Store = (*MemoryStore)(nil)
