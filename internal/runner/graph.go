package runner

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fyrsmithlabs/corpusd/internal/corpus"
	"github.com/fyrsmithlabs/corpusd/internal/extraction"
	"github.com/fyrsmithlabs/corpusd/internal/graphstore"
	"github.com/fyrsmithlabs/corpusd/internal/kvstore"
	"github.com/fyrsmithlabs/corpusd/internal/namespace"
	"github.com/fyrsmithlabs/corpusd/internal/sourcestore"
	"github.com/fyrsmithlabs/corpusd/internal/storeerr"
	"github.com/fyrsmithlabs/corpusd/internal/vectorstore"
)

// Logical namespaces written by the graph runner.
const (
	NamespaceFullDocs   = "full_docs"
	NamespaceTextChunks = "text_chunks"
	NamespaceChunks     = "chunks"
	NamespaceEntities   = "entities"
)

// VectorNamespaces lists the logical namespaces the graph runner keeps in
// vector collections, in artifact pointer order.
var VectorNamespaces = []string{NamespaceEntities, NamespaceChunks}

const defaultExtractConcurrency = 4

// ErrNoLLM is returned by Answer when no chat model is configured.
var ErrNoLLM = errors.New("no LLM configured for answers")

const answerSystemPrompt = "You answer questions using provided contexts. " +
	"If the answer is not contained, say you don't know."

// GraphDeps are the collaborators of a GraphRunner.
type GraphDeps struct {
	Resolver  *namespace.Resolver
	KV        *kvstore.Backend
	Vectors   vectorstore.Backend
	Embedder  vectorstore.Embedder
	Graph     graphstore.Store
	Extractor extraction.Extractor
	Sources   sourcestore.Store
	// LLM answers questions. Optional.
	LLM extraction.LLMClient

	MaxBatchSize       int
	EmbedConcurrency   int
	ExtractConcurrency int
}

// GraphRunner chunks the source, embeds chunks, extracts an entity graph
// from each chunk and embeds the entities.
type GraphRunner struct {
	deps   GraphDeps
	logger *zap.Logger
}

// NewGraphRunner validates deps and creates a runner.
func NewGraphRunner(deps GraphDeps, logger *zap.Logger) (*GraphRunner, error) {
	switch {
	case deps.KV == nil:
		return nil, errors.New("graph runner: kv backend is required")
	case deps.Vectors == nil || deps.Embedder == nil:
		return nil, errors.New("graph runner: vector backend and embedder are required")
	case deps.Graph == nil:
		return nil, errors.New("graph runner: graph store is required")
	case deps.Extractor == nil:
		return nil, errors.New("graph runner: extractor is required")
	case deps.Sources == nil:
		return nil, errors.New("graph runner: source store is required")
	}
	if deps.Resolver == nil {
		deps.Resolver = &namespace.Resolver{}
	}
	if deps.ExtractConcurrency <= 0 {
		deps.ExtractConcurrency = defaultExtractConcurrency
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GraphRunner{deps: deps, logger: logger}, nil
}

type attemptStores struct {
	fullDocs   *kvstore.RedisStore
	textChunks *kvstore.RedisStore
	chunks     *vectorstore.Collection
	entities   *vectorstore.Collection
	graphScope graphstore.Scope
}

func (r *GraphRunner) open(corpusID, attemptID string) (*attemptStores, error) {
	resolve := func(logical string) (namespace.Namespace, error) {
		return r.deps.Resolver.Resolve(corpusID, attemptID, logical)
	}

	docsNS, err := resolve(NamespaceFullDocs)
	if err != nil {
		return nil, err
	}
	textNS, err := resolve(NamespaceTextChunks)
	if err != nil {
		return nil, err
	}
	chunksNS, err := resolve(NamespaceChunks)
	if err != nil {
		return nil, err
	}
	entitiesNS, err := resolve(NamespaceEntities)
	if err != nil {
		return nil, err
	}

	opts := vectorstore.CollectionOptions{
		MaxBatchSize: r.deps.MaxBatchSize,
		Concurrency:  r.deps.EmbedConcurrency,
	}
	chunkOpts := opts
	chunkOpts.MetaFields = []string{"full_doc_id", "chunk_order_index"}
	chunks, err := vectorstore.NewCollection(r.deps.Vectors, r.deps.Embedder, chunksNS.VectorCollection, chunkOpts, r.logger)
	if err != nil {
		return nil, err
	}
	entityOpts := opts
	entityOpts.MetaFields = []string{"entity_name", "source_ids"}
	entities, err := vectorstore.NewCollection(r.deps.Vectors, r.deps.Embedder, entitiesNS.VectorCollection, entityOpts, r.logger)
	if err != nil {
		return nil, err
	}

	return &attemptStores{
		fullDocs:   r.deps.KV.Namespace(docsNS),
		textChunks: r.deps.KV.Namespace(textNS),
		chunks:     chunks,
		entities:   entities,
		graphScope: graphstore.Scope{
			Tag:       docsNS.GraphTag,
			Namespace: docsNS.GraphNamespace,
			CorpusID:  corpusID,
		},
	}, nil
}

// BuildIndex implements Runner.
func (r *GraphRunner) BuildIndex(ctx context.Context, req BuildRequest) (*corpus.ArtifactPointer, error) {
	cfg := req.Config.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("build config: %w", err)
	}
	logger := r.logger.With(zap.String("corpus_id", req.CorpusID), zap.String("attempt_id", req.AttemptID))

	stores, err := r.open(req.CorpusID, req.AttemptID)
	if err != nil {
		return nil, err
	}

	text, err := r.deps.Sources.ReadSource(ctx, req.SourceKey)
	if err != nil {
		return nil, fmt.Errorf("reading source: %w", err)
	}

	docID := HashID("doc-", text)
	missing, err := stores.fullDocs.FilterMissing(ctx, []string{docID})
	if err != nil {
		return nil, err
	}
	if len(missing) > 0 {
		if err := stores.fullDocs.UpsertMany(ctx, map[string]any{
			docID: map[string]any{"content": text, "book_name": req.BookName},
		}); err != nil {
			return nil, err
		}
	}

	chunks, err := r.newChunks(ctx, stores, text, docID, cfg)
	if err != nil {
		return nil, err
	}
	logger.Info("chunked source", zap.Int("new_chunks", len(chunks)))

	if len(chunks) > 0 {
		entries, err := r.indexChunks(ctx, stores, chunks, docID)
		if err != nil {
			return nil, err
		}
		if err := r.indexGraph(ctx, stores, chunks, logger); err != nil {
			return nil, err
		}
		// Chunk text is written last: FilterMissing on text_chunks decides
		// what a retried build re-processes, so a chunk only counts as done
		// once its vectors and graph are stored.
		if err := stores.textChunks.UpsertMany(ctx, entries); err != nil {
			return nil, err
		}
	}

	return &corpus.ArtifactPointer{
		VectorCollections: []string{stores.entities.Name(), stores.chunks.Name()},
		GraphNamespace:    stores.graphScope.Namespace,
		GraphTag:          stores.graphScope.Tag,
		KVPrefix:          namespace.AttemptKVPrefix(req.AttemptID),
	}, nil
}

// newChunks returns the chunks of text not already stored for the attempt.
func (r *GraphRunner) newChunks(ctx context.Context, stores *attemptStores, text, docID string, cfg corpus.BuildConfig) ([]Chunk, error) {
	all := ChunkText(text, cfg.ChunkTokenSize, cfg.ChunkOverlapTokenSize)
	if len(all) == 0 {
		return nil, nil
	}

	byID := make(map[string]Chunk, len(all))
	ids := make([]string, 0, len(all))
	for _, c := range all {
		if _, dup := byID[c.ID]; dup {
			continue
		}
		byID[c.ID] = c
		ids = append(ids, c.ID)
	}

	missing, err := stores.textChunks.FilterMissing(ctx, ids)
	if err != nil {
		return nil, err
	}
	out := make([]Chunk, 0, len(missing))
	for _, id := range missing {
		out = append(out, byID[id])
	}
	return out, nil
}

// indexChunks embeds the chunks and returns their key-value entries.
func (r *GraphRunner) indexChunks(ctx context.Context, stores *attemptStores, chunks []Chunk, docID string) (map[string]any, error) {
	entries := make(map[string]any, len(chunks))
	records := make([]vectorstore.Record, len(chunks))
	for i, c := range chunks {
		entries[c.ID] = map[string]any{
			"content":           c.Content,
			"tokens":            c.Tokens,
			"chunk_order_index": c.Order,
			"full_doc_id":       docID,
		}
		records[i] = vectorstore.Record{
			ID:      c.ID,
			Content: c.Content,
			Metadata: map[string]any{
				"full_doc_id":       docID,
				"chunk_order_index": c.Order,
			},
		}
	}

	if err := stores.chunks.Upsert(ctx, records); err != nil {
		return nil, err
	}
	return entries, nil
}

func (r *GraphRunner) indexGraph(ctx context.Context, stores *attemptStores, chunks []Chunk, logger *zap.Logger) error {
	graphs := make([]extraction.Graph, len(chunks))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.deps.ExtractConcurrency)
	for i, c := range chunks {
		g.Go(func() error {
			out, err := r.deps.Extractor.Extract(gctx, c.ID, c.Content)
			if err != nil {
				return fmt.Errorf("chunk %s: %w", c.ID, err)
			}
			graphs[i] = out
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	entities, relations := mergeGraphs(graphs)
	logger.Info("extracted graph", zap.Int("entities", len(entities)), zap.Int("relations", len(relations)))
	if len(entities) == 0 {
		return nil
	}

	if err := r.deps.Graph.MergeEntities(ctx, stores.graphScope, entities); err != nil {
		return err
	}
	if err := r.deps.Graph.MergeRelations(ctx, stores.graphScope, relations); err != nil {
		return err
	}

	records := make([]vectorstore.Record, len(entities))
	for i, e := range entities {
		records[i] = vectorstore.Record{
			ID:      HashID("ent-", e.ID),
			Content: strings.TrimSpace(e.Name + " " + e.Description),
			Metadata: map[string]any{
				"entity_name": e.ID,
				"source_ids":  strings.Join(e.SourceIDs, ","),
			},
		}
	}
	return stores.entities.Upsert(ctx, records)
}

// mergeGraphs folds per-chunk graphs into one. Entities merge by id,
// accumulating source chunks and distinct descriptions; relations merge by
// (source, target, type) with weights summed.
func mergeGraphs(graphs []extraction.Graph) ([]graphstore.Entity, []graphstore.Relation) {
	entities := make(map[string]*graphstore.Entity)
	var entityOrder []string
	type relKey struct{ s, t, typ string }
	relations := make(map[relKey]*graphstore.Relation)
	var relOrder []relKey

	for _, g := range graphs {
		for _, e := range g.Entities {
			cur, ok := entities[e.ID]
			if !ok {
				cp := e
				cp.SourceIDs = append([]string(nil), e.SourceIDs...)
				entities[e.ID] = &cp
				entityOrder = append(entityOrder, e.ID)
				continue
			}
			if cur.Type == "" {
				cur.Type = e.Type
			}
			cur.Description = joinDistinct(cur.Description, e.Description)
			cur.SourceIDs = appendDistinct(cur.SourceIDs, e.SourceIDs...)
		}
		for _, rel := range g.Relations {
			k := relKey{rel.Source, rel.Target, rel.Type}
			cur, ok := relations[k]
			if !ok {
				cp := rel
				relations[k] = &cp
				relOrder = append(relOrder, k)
				continue
			}
			cur.Weight += rel.Weight
			cur.Description = joinDistinct(cur.Description, rel.Description)
		}
	}

	outE := make([]graphstore.Entity, 0, len(entityOrder))
	for _, id := range entityOrder {
		e := entities[id]
		sort.Strings(e.SourceIDs)
		outE = append(outE, *e)
	}
	outR := make([]graphstore.Relation, 0, len(relOrder))
	for _, k := range relOrder {
		outR = append(outR, *relations[k])
	}
	return outE, outR
}

func joinDistinct(cur, add string) string {
	if add == "" {
		return cur
	}
	if cur == "" {
		return add
	}
	for _, part := range strings.Split(cur, " | ") {
		if part == add {
			return cur
		}
	}
	return cur + " | " + add
}

func appendDistinct(dst []string, add ...string) []string {
	for _, a := range add {
		found := false
		for _, d := range dst {
			if d == a {
				found = true
				break
			}
		}
		if !found {
			dst = append(dst, a)
		}
	}
	return dst
}

// Retrieve implements Runner. Naive mode searches chunks. With ExpandGraph
// it searches entities, expands them one hop in the graph and adds the
// chunks those entities came from, followed by the chunk hits. When the
// graph or entity index is unavailable or absent, expansion falls back to
// naive mode; any other failure is returned.
func (r *GraphRunner) Retrieve(ctx context.Context, req RetrieveRequest) ([]Context, error) {
	topK := req.TopK
	if topK <= 0 {
		topK = corpus.DefaultTopK
	}
	stores, err := r.open(req.CorpusID, req.AttemptID)
	if err != nil {
		return nil, err
	}

	naive, err := r.chunkContexts(ctx, stores, req.Question, topK, "naive")
	if err != nil {
		return nil, err
	}
	if !req.ExpandGraph {
		return naive, nil
	}

	local, err := r.localContexts(ctx, stores, req.Question, topK)
	if err != nil {
		if errors.Is(err, graphstore.ErrUnavailable) || storeerr.IsNotFound(err) {
			r.logger.Warn("graph expansion unavailable, using naive retrieval",
				zap.String("attempt_id", req.AttemptID), zap.Error(err))
			for _, c := range naive {
				c.Meta["fallback"] = true
			}
			return naive, nil
		}
		return nil, err
	}

	seen := make(map[string]bool)
	out := make([]Context, 0, len(local)+len(naive))
	for _, c := range append(local, naive...) {
		id, _ := c.Meta["id"].(string)
		if id != "" && seen[id] {
			continue
		}
		seen[id] = true
		c.Meta["mode"] = "local"
		out = append(out, c)
	}
	return out, nil
}

func (r *GraphRunner) chunkContexts(ctx context.Context, stores *attemptStores, question string, topK int, mode string) ([]Context, error) {
	hits, err := stores.chunks.Query(ctx, question, topK)
	if err != nil {
		return nil, err
	}
	out := make([]Context, 0, len(hits))
	for _, h := range hits {
		meta := h.Flatten()
		delete(meta, "distance")
		meta["mode"] = mode
		meta["kind"] = "chunk"
		out = append(out, Context{Text: h.Content, Score: 1 - float64(h.Distance), Meta: meta})
	}
	return out, nil
}

func (r *GraphRunner) localContexts(ctx context.Context, stores *attemptStores, question string, topK int) ([]Context, error) {
	hits, err := stores.entities.Query(ctx, question, topK)
	if err != nil {
		return nil, err
	}

	var out []Context
	var seeds []string
	var sourceIDs []string
	for _, h := range hits {
		name := fmt.Sprint(h.Fields["entity_name"])
		seeds = append(seeds, name)
		if s, _ := h.Fields["source_ids"].(string); s != "" {
			sourceIDs = appendDistinct(sourceIDs, strings.Split(s, ",")...)
		}
		out = append(out, Context{
			Text:  h.Content,
			Score: 1 - float64(h.Distance),
			Meta:  map[string]any{"id": name, "kind": "entity"},
		})
	}
	if len(seeds) == 0 {
		return out, nil
	}

	neighbors, err := r.deps.Graph.Neighbors(ctx, stores.graphScope.Tag, seeds)
	if err != nil {
		return nil, err
	}
	for _, n := range neighbors {
		sourceIDs = appendDistinct(sourceIDs, n.SourceIDs...)
		out = append(out, Context{
			Text:  strings.TrimSpace(n.Name + " " + n.Description),
			Score: 0,
			Meta:  map[string]any{"id": n.ID, "kind": "neighbor"},
		})
	}

	if len(sourceIDs) > topK {
		sourceIDs = sourceIDs[:topK]
	}
	if len(sourceIDs) == 0 {
		return out, nil
	}
	results, err := stores.textChunks.GetMany(ctx, sourceIDs, []string{"content"})
	if err != nil {
		return nil, err
	}
	for i, res := range results {
		if res.State != kvstore.Present {
			continue
		}
		var chunk struct {
			Content string `json:"content"`
		}
		if err := res.Decode(&chunk); err != nil || chunk.Content == "" {
			continue
		}
		out = append(out, Context{
			Text: chunk.Content,
			Meta: map[string]any{"id": sourceIDs[i], "kind": "chunk"},
		})
	}
	return out, nil
}

// Answer implements Runner.
func (r *GraphRunner) Answer(ctx context.Context, question string, contexts []Context) (string, error) {
	if r.deps.LLM == nil {
		return "", ErrNoLLM
	}
	return r.deps.LLM.Complete(ctx, extraction.CompletionRequest{
		System:      answerSystemPrompt,
		User:        AnswerPrompt(question, contexts),
		Temperature: 0.2,
	})
}

// AnswerPrompt renders the user message for Answer.
func AnswerPrompt(question string, contexts []Context) string {
	parts := make([]string, len(contexts))
	for i, c := range contexts {
		parts[i] = fmt.Sprintf("[Context %d]\n%s", i+1, c.Text)
	}
	return "Question: " + question + "\n\n" +
		"Contexts:\n" + strings.Join(parts, "\n\n") + "\n\n" +
		"Answer concisely and cite relevant context numbers in parentheses."
}

var _ Runner = (*GraphRunner)(nil)
