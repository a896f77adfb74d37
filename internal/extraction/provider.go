package extraction

import (
	"fmt"

	"go.uber.org/zap"
)

// NewExtractor creates the extractor named by cfg.Provider. The llm provider
// uses client, which must be non-nil.
func NewExtractor(cfg Config, client LLMClient, logger *zap.Logger) (Extractor, error) {
	switch cfg.Provider {
	case "llm", "":
		if client == nil {
			return nil, fmt.Errorf("llm extractor requires an LLM client")
		}
		return NewLLMExtractor(client, cfg.MaxEntities, logger), nil
	case "heuristic":
		return NewHeuristicExtractor(1, cfg.MaxEntities), nil
	default:
		return nil, fmt.Errorf("unknown extraction provider: %s", cfg.Provider)
	}
}
