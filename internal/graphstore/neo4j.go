package graphstore

import (
	"context"
	"fmt"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/corpusd/internal/config"
)

// Neo4jConfig holds Neo4j connection settings.
type Neo4jConfig struct {
	URI      string        `koanf:"uri"`
	Username string        `koanf:"username"`
	Password config.Secret `koanf:"password"`
	Database string        `koanf:"database"`

	// ConnectTimeout bounds the initial connectivity check.
	ConnectTimeout time.Duration `koanf:"connect_timeout"`
}

// ApplyDefaults fills unset fields.
func (c *Neo4jConfig) ApplyDefaults() {
	if c.URI == "" {
		c.URI = "neo4j://localhost:7687"
	}
	if c.Username == "" {
		c.Username = "neo4j"
	}
	if c.Database == "" {
		c.Database = "neo4j"
	}
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = 10 * time.Second
	}
}

const (
	cypherEntityIndex = `CREATE INDEX entity_tenant IF NOT EXISTS FOR (e:Entity) ON (e.attempt_id, e.id)`

	// The namespace label is spliced in after validation; labels cannot be
	// parameterised.
	cypherMergeEntities = `
UNWIND $entities AS ent
MERGE (e:Entity {id: ent.id, attempt_id: $tag})
SET e.name = coalesce(ent.name, e.name),
    e.type = coalesce(ent.type, e.type),
    e.description = coalesce(ent.description, e.description),
    e.corpus_id = $corpus_id,
    e.source_ids = reduce(acc = coalesce(e.source_ids, []), s IN ent.source_ids |
        CASE WHEN s IN acc THEN acc ELSE acc + s END)
SET e:%s`

	cypherMergeRelations = `
UNWIND $relations AS rel
MATCH (s:Entity {id: rel.source, attempt_id: $tag})
MATCH (t:Entity {id: rel.target, attempt_id: $tag})
MERGE (s)-[r:REL {type: rel.type, attempt_id: $tag}]->(t)
SET r.description = rel.description, r.weight = rel.weight`

	cypherNeighbors = `
MATCH (e:Entity {attempt_id: $tag}) WHERE e.id IN $ids
MATCH (e)-[:REL {attempt_id: $tag}]->(n:Entity {attempt_id: $tag})
RETURN DISTINCT n.id AS id, n.name AS name, n.type AS type, n.description AS description
ORDER BY id`

	cypherDeleteTenant = `
MATCH (n:Entity {attempt_id: $tag})
DETACH DELETE n
RETURN count(n) AS deleted`

	cypherDeleteNamespace = `
MATCH (n:%s)
DETACH DELETE n
RETURN count(n) AS deleted`
)

// Neo4jStore implements Store on Neo4j.
type Neo4jStore struct {
	driver neo4j.DriverWithContext
	config Neo4jConfig
	logger *zap.Logger
}

// NewNeo4jStore connects to Neo4j, verifies connectivity and ensures the
// tenant index exists.
func NewNeo4jStore(ctx context.Context, cfg Neo4jConfig, logger *zap.Logger) (*Neo4jStore, error) {
	cfg.ApplyDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}

	driver, err := neo4j.NewDriverWithContext(cfg.URI, neo4j.BasicAuth(cfg.Username, cfg.Password.Value(), ""))
	if err != nil {
		return nil, fmt.Errorf("%w: creating driver: %v", ErrUnavailable, err)
	}

	s := &Neo4jStore{driver: driver, config: cfg, logger: logger}

	connectCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()

	if err := s.Ping(connectCtx); err != nil {
		_ = driver.Close(ctx)
		return nil, err
	}
	if _, err := s.run(connectCtx, cypherEntityIndex, nil); err != nil {
		_ = driver.Close(ctx)
		return nil, wrap("create index", err)
	}

	logger.Info("neo4j graph store initialized",
		zap.String("uri", cfg.URI),
		zap.String("database", cfg.Database),
	)
	return s, nil
}

func (s *Neo4jStore) run(ctx context.Context, query string, params map[string]any) (*neo4j.EagerResult, error) {
	res, err := neo4j.ExecuteQuery(ctx, s.driver, query, params,
		neo4j.EagerResultTransformer,
		neo4j.ExecuteQueryWithDatabase(s.config.Database),
	)
	if err != nil && neo4j.IsConnectivityError(err) {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return res, err
}

// quoteLabel backtick-quotes a validated label.
func quoteLabel(ns string) (string, error) {
	if err := ValidateNamespace(ns); err != nil {
		return "", err
	}
	return "`" + ns + "`", nil
}

// MergeEntities upserts nodes and applies the namespace label.
func (s *Neo4jStore) MergeEntities(ctx context.Context, scope Scope, entities []Entity) error {
	if err := scope.Validate(); err != nil {
		return err
	}
	if len(entities) == 0 {
		return nil
	}
	label, err := quoteLabel(scope.Namespace)
	if err != nil {
		return err
	}

	rows := make([]map[string]any, 0, len(entities))
	for _, e := range entities {
		if e.ID == "" {
			continue
		}
		rows = append(rows, map[string]any{
			"id":          e.ID,
			"name":        nullable(e.Name),
			"type":        nullable(e.Type),
			"description": nullable(e.Description),
			"source_ids":  stringsToAny(e.SourceIDs),
		})
	}

	_, err = s.run(ctx, fmt.Sprintf(cypherMergeEntities, label), map[string]any{
		"entities":  rows,
		"tag":       scope.Tag,
		"corpus_id": scope.CorpusID,
	})
	if err != nil {
		return wrap("merge entities", err)
	}

	s.logger.Debug("merged entities", zap.String("tag", scope.Tag), zap.Int("count", len(rows)))
	return nil
}

// MergeRelations upserts edges between existing tenant nodes.
func (s *Neo4jStore) MergeRelations(ctx context.Context, scope Scope, relations []Relation) error {
	if err := scope.Validate(); err != nil {
		return err
	}
	if len(relations) == 0 {
		return nil
	}

	rows := make([]map[string]any, len(relations))
	for i, r := range relations {
		rows[i] = map[string]any{
			"source":      r.Source,
			"target":      r.Target,
			"type":        r.Type,
			"description": r.Description,
			"weight":      r.Weight,
		}
	}

	if _, err := s.run(ctx, cypherMergeRelations, map[string]any{"relations": rows, "tag": scope.Tag}); err != nil {
		return wrap("merge relations", err)
	}
	return nil
}

// Neighbors returns one-hop outgoing neighbours within the tenant.
func (s *Neo4jStore) Neighbors(ctx context.Context, tag string, seedIDs []string) ([]Entity, error) {
	if len(seedIDs) == 0 {
		return []Entity{}, nil
	}

	res, err := s.run(ctx, cypherNeighbors, map[string]any{"tag": tag, "ids": stringsToAny(seedIDs)})
	if err != nil {
		return nil, wrap("neighbors", err)
	}

	out := make([]Entity, 0, len(res.Records))
	for _, rec := range res.Records {
		id, _, err := neo4j.GetRecordValue[string](rec, "id")
		if err != nil {
			return nil, wrap("neighbors", err)
		}
		out = append(out, Entity{
			ID:          id,
			Name:        recordString(rec, "name"),
			Type:        recordString(rec, "type"),
			Description: recordString(rec, "description"),
		})
	}
	return out, nil
}

// DeleteTenant detaches and deletes every node carrying tag.
func (s *Neo4jStore) DeleteTenant(ctx context.Context, tag string) (int, error) {
	if tag == "" {
		return 0, ErrInvalidTag
	}
	res, err := s.run(ctx, cypherDeleteTenant, map[string]any{"tag": tag})
	if err != nil {
		return 0, wrap("delete tenant", err)
	}
	return deletedCount(res), nil
}

// DeleteNamespace detaches and deletes every node labelled ns.
func (s *Neo4jStore) DeleteNamespace(ctx context.Context, ns string) (int, error) {
	label, err := quoteLabel(ns)
	if err != nil {
		return 0, err
	}
	res, err := s.run(ctx, fmt.Sprintf(cypherDeleteNamespace, label), nil)
	if err != nil {
		return 0, wrap("delete namespace", err)
	}
	return deletedCount(res), nil
}

// Ping verifies connectivity.
func (s *Neo4jStore) Ping(ctx context.Context) error {
	if err := s.driver.VerifyConnectivity(ctx); err != nil {
		return wrap("ping", fmt.Errorf("%w: %v", ErrUnavailable, err))
	}
	return nil
}

// Close closes the driver.
func (s *Neo4jStore) Close(ctx context.Context) error {
	return s.driver.Close(ctx)
}

func deletedCount(res *neo4j.EagerResult) int {
	if res == nil || len(res.Records) == 0 {
		return 0
	}
	n, _, err := neo4j.GetRecordValue[int64](res.Records[0], "deleted")
	if err != nil {
		return 0
	}
	return int(n)
}

func recordString(rec *neo4j.Record, key string) string {
	v, ok := rec.Get(key)
	if !ok || v == nil {
		return ""
	}
	s, _ := v.(string)
	return s
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func stringsToAny(in []string) []any {
	out := make([]any, len(in))
	for i, s := range in {
		out[i] = s
	}
	return out
}

var _ Store = (*Neo4jStore)(nil)
