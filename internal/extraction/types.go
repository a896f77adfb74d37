// Package extraction turns text chunks into entity/relation graphs.
//
// LLMExtractor prompts a chat model for strict JSON. HeuristicExtractor
// needs no model: it treats repeated capitalized phrases as entities and
// links those that co-occur in a sentence. It is meant for local
// development and tests.
package extraction

import (
	"context"
	"strings"

	"github.com/fyrsmithlabs/corpusd/internal/graphstore"
)

// Graph is the extraction result for one chunk.
type Graph struct {
	Entities  []graphstore.Entity
	Relations []graphstore.Relation
}

// Extractor extracts a graph from one chunk of text. chunkID is recorded as
// the source of every returned entity.
type Extractor interface {
	Extract(ctx context.Context, chunkID, text string) (Graph, error)
}

// NormalizeID canonicalizes an entity id: trimmed, quotes stripped, upper case.
func NormalizeID(id string) string {
	id = strings.TrimSpace(id)
	id = strings.Trim(id, `"'`)
	return strings.ToUpper(strings.TrimSpace(id))
}

// Config selects the extractor.
type Config struct {
	// Provider is "llm" or "heuristic".
	Provider string `koanf:"provider"`
	// MaxEntities caps entities kept per chunk. Zero means no cap.
	MaxEntities int `koanf:"max_entities"`
	// LLM configures the chat model used by the llm provider and for answers.
	LLM LLMConfig `koanf:"llm"`
}
