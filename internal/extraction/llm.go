package extraction

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/corpusd/internal/graphstore"
)

const extractSystemPrompt = "You extract entities and relations from text. " +
	"Return only strict JSON with keys: entities (list), relations (list). " +
	"Each entity: {id, name, type, description}. Each relation: {source, target, type, description}."

// LLMExtractor asks a chat model for a chunk's graph.
type LLMExtractor struct {
	client      LLMClient
	maxEntities int
	logger      *zap.Logger
}

// NewLLMExtractor creates an extractor backed by client.
func NewLLMExtractor(client LLMClient, maxEntities int, logger *zap.Logger) *LLMExtractor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LLMExtractor{client: client, maxEntities: maxEntities, logger: logger}
}

// Extract prompts the model. Unparsable output yields an empty graph; only
// transport and API failures are errors.
func (e *LLMExtractor) Extract(ctx context.Context, chunkID, text string) (Graph, error) {
	out, err := e.client.Complete(ctx, CompletionRequest{
		System: extractSystemPrompt,
		User: "Text:\n" + text + "\n\n" +
			"Return compact JSON only. Limit to the most salient entities and relations.",
		Temperature: 0,
	})
	if err != nil {
		return Graph{}, fmt.Errorf("extracting graph: %w", err)
	}

	g := ParseGraph(out, chunkID)
	if e.maxEntities > 0 && len(g.Entities) > e.maxEntities {
		g = capEntities(g, e.maxEntities)
	}
	if len(g.Entities) == 0 {
		e.logger.Debug("no entities extracted", zap.String("chunk_id", chunkID))
	}
	return g, nil
}

type rawGraph struct {
	Entities []struct {
		ID          string `json:"id"`
		Name        string `json:"name"`
		Type        string `json:"type"`
		Description string `json:"description"`
	} `json:"entities"`
	Relations []struct {
		Source      string  `json:"source"`
		Target      string  `json:"target"`
		Type        string  `json:"type"`
		Description string  `json:"description"`
		Weight      float64 `json:"weight"`
	} `json:"relations"`
}

// ParseGraph decodes model output into a Graph. When the whole text is not
// JSON it retries on the span from the first '{' to the last '}'. Entities
// are deduplicated by normalized id; relations referencing unknown ids or
// missing a type are dropped.
func ParseGraph(content, chunkID string) Graph {
	var raw rawGraph
	if err := json.Unmarshal([]byte(content), &raw); err != nil {
		start := strings.Index(content, "{")
		end := strings.LastIndex(content, "}")
		if start == -1 || end <= start {
			return Graph{}
		}
		raw = rawGraph{}
		if err := json.Unmarshal([]byte(content[start:end+1]), &raw); err != nil {
			return Graph{}
		}
	}

	var g Graph
	seen := make(map[string]bool)
	for _, re := range raw.Entities {
		id := NormalizeID(re.ID)
		if id == "" {
			id = NormalizeID(re.Name)
		}
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true

		name := strings.TrimSpace(re.Name)
		if name == "" {
			name = id
		}
		ent := graphstore.Entity{
			ID:          id,
			Name:        name,
			Type:        strings.ToUpper(strings.TrimSpace(re.Type)),
			Description: strings.TrimSpace(re.Description),
		}
		if chunkID != "" {
			ent.SourceIDs = []string{chunkID}
		}
		g.Entities = append(g.Entities, ent)
	}

	for _, rr := range raw.Relations {
		src, dst := NormalizeID(rr.Source), NormalizeID(rr.Target)
		typ := strings.ToUpper(strings.TrimSpace(rr.Type))
		if !seen[src] || !seen[dst] || typ == "" {
			continue
		}
		weight := rr.Weight
		if weight <= 0 {
			weight = 1
		}
		g.Relations = append(g.Relations, graphstore.Relation{
			Source:      src,
			Target:      dst,
			Type:        typ,
			Description: strings.TrimSpace(rr.Description),
			Weight:      weight,
		})
	}
	return g
}

func capEntities(g Graph, n int) Graph {
	kept := make(map[string]bool, n)
	for _, e := range g.Entities[:n] {
		kept[e.ID] = true
	}
	out := Graph{Entities: g.Entities[:n]}
	for _, r := range g.Relations {
		if kept[r.Source] && kept[r.Target] {
			out.Relations = append(out.Relations, r)
		}
	}
	return out
}

var _ Extractor = (*LLMExtractor)(nil)
