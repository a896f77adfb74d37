package extraction

import (
	"context"
	"regexp"
	"sort"
	"strings"

	"github.com/fyrsmithlabs/corpusd/internal/graphstore"
)

var (
	// One or more capitalized words, e.g. "Mr Darcy", "Netherfield Park".
	properNounPattern = regexp.MustCompile(`\b[A-Z][a-z]+(?:\s+[A-Z][a-z]+)*\b`)
	sentencePattern   = regexp.MustCompile(`[^.!?]+[.!?]*`)
)

// stopwords are capitalized words that start sentences but name nothing.
var stopwords = map[string]bool{
	"The": true, "A": true, "An": true, "And": true, "But": true, "It": true,
	"He": true, "She": true, "They": true, "We": true, "I": true, "In": true,
	"On": true, "At": true, "Of": true, "This": true, "That": true, "There": true,
	"When": true, "Then": true, "If": true, "As": true, "His": true, "Her": true,
}

// HeuristicExtractor finds entities without a model.
type HeuristicExtractor struct {
	minMentions int
	maxEntities int
}

// NewHeuristicExtractor creates an extractor that keeps phrases mentioned at
// least minMentions times in a chunk.
func NewHeuristicExtractor(minMentions, maxEntities int) *HeuristicExtractor {
	if minMentions <= 0 {
		minMentions = 1
	}
	return &HeuristicExtractor{minMentions: minMentions, maxEntities: maxEntities}
}

// Extract returns capitalized phrases as entities and links every pair that
// shares a sentence with a CO_OCCURS relation weighted by shared sentences.
func (h *HeuristicExtractor) Extract(_ context.Context, chunkID, text string) (Graph, error) {
	counts := make(map[string]int)
	names := make(map[string]string)
	var sentences [][]string

	for _, sentence := range sentencePattern.FindAllString(text, -1) {
		var ids []string
		for _, m := range properNounPattern.FindAllString(sentence, -1) {
			m = trimStopwords(m)
			if m == "" {
				continue
			}
			id := NormalizeID(m)
			counts[id]++
			if _, ok := names[id]; !ok {
				names[id] = m
			}
			ids = append(ids, id)
		}
		sentences = append(sentences, ids)
	}

	var ids []string
	for id, n := range counts {
		if n >= h.minMentions {
			ids = append(ids, id)
		}
	}
	// Most mentioned first, then by id for determinism.
	sort.Slice(ids, func(i, j int) bool {
		if counts[ids[i]] != counts[ids[j]] {
			return counts[ids[i]] > counts[ids[j]]
		}
		return ids[i] < ids[j]
	})
	if h.maxEntities > 0 && len(ids) > h.maxEntities {
		ids = ids[:h.maxEntities]
	}

	kept := make(map[string]bool, len(ids))
	g := Graph{}
	for _, id := range ids {
		kept[id] = true
		ent := graphstore.Entity{ID: id, Name: names[id], Type: "UNKNOWN"}
		if chunkID != "" {
			ent.SourceIDs = []string{chunkID}
		}
		g.Entities = append(g.Entities, ent)
	}

	type pair struct{ a, b string }
	weights := make(map[pair]float64)
	for _, s := range sentences {
		uniq := dedupe(s)
		for i := 0; i < len(uniq); i++ {
			for j := i + 1; j < len(uniq); j++ {
				a, b := uniq[i], uniq[j]
				if !kept[a] || !kept[b] {
					continue
				}
				if b < a {
					a, b = b, a
				}
				weights[pair{a, b}]++
			}
		}
	}
	pairs := make([]pair, 0, len(weights))
	for p := range weights {
		pairs = append(pairs, p)
	}
	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].a != pairs[j].a {
			return pairs[i].a < pairs[j].a
		}
		return pairs[i].b < pairs[j].b
	})
	for _, p := range pairs {
		g.Relations = append(g.Relations, graphstore.Relation{
			Source: p.a, Target: p.b, Type: "CO_OCCURS", Weight: weights[p],
		})
	}
	return g, nil
}

func trimStopwords(phrase string) string {
	words := strings.Fields(phrase)
	for len(words) > 0 && stopwords[words[0]] {
		words = words[1:]
	}
	return strings.Join(words, " ")
}

func dedupe(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := ids[:0:0]
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}

var _ Extractor = (*HeuristicExtractor)(nil)
