package runner

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func words(n int) string {
	w := make([]string, n)
	for i := range w {
		w[i] = "w" + string(rune('a'+i%26))
	}
	return strings.Join(w, " ")
}

func TestChunkText(t *testing.T) {
	tests := []struct {
		name       string
		tokens     int
		size       int
		overlap    int
		wantTokens []int
	}{
		{name: "single chunk", tokens: 5, size: 10, overlap: 2, wantTokens: []int{5}},
		{name: "exact fit", tokens: 10, size: 10, overlap: 0, wantTokens: []int{10}},
		{name: "overlap", tokens: 10, size: 4, overlap: 1, wantTokens: []int{4, 4, 4}},
		{name: "no overlap", tokens: 9, size: 4, overlap: 0, wantTokens: []int{4, 4, 1}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			chunks := ChunkText(words(tt.tokens), tt.size, tt.overlap)
			got := make([]int, len(chunks))
			for i, c := range chunks {
				got[i] = c.Tokens
				assert.Equal(t, i, c.Order)
				assert.True(t, strings.HasPrefix(c.ID, "chunk-"))
			}
			assert.Equal(t, tt.wantTokens, got)
		})
	}
}

func TestChunkText_OverlapSharesTokens(t *testing.T) {
	chunks := ChunkText("one two three four five six seven", 4, 2)
	require.Len(t, chunks, 3)
	assert.Equal(t, "one two three four", chunks[0].Content)
	assert.Equal(t, "three four five six", chunks[1].Content)
	assert.Equal(t, "five six seven", chunks[2].Content)
}

func TestChunkText_PreservesInnerWhitespace(t *testing.T) {
	chunks := ChunkText("  first line\n\nsecond   line  ", 10, 0)
	require.Len(t, chunks, 1)
	assert.Equal(t, "first line\n\nsecond   line", chunks[0].Content)
}

func TestChunkText_Empty(t *testing.T) {
	assert.Empty(t, ChunkText("   \n\t ", 10, 0))
	assert.Empty(t, ChunkText("text", 0, 0))
}

func TestHashID_Deterministic(t *testing.T) {
	assert.Equal(t, HashID("doc-", "abc"), HashID("doc-", "abc"))
	assert.NotEqual(t, HashID("doc-", "abc"), HashID("doc-", "abd"))
	assert.Equal(t, "doc-900150983cd24fb0d6963f7d28e17f72", HashID("doc-", "abc"))
}
