package runner

import (
	"crypto/md5"
	"encoding/hex"
	"regexp"
)

var tokenPattern = regexp.MustCompile(`\S+`)

// Chunk is a window of the source text.
type Chunk struct {
	ID      string
	Content string
	Tokens  int
	Order   int
}

// ChunkText splits text into windows of size whitespace-delimited tokens,
// each window starting size-overlap tokens after the previous one. Content
// is sliced from the original text, so inner whitespace is preserved.
// overlap must be smaller than size.
func ChunkText(text string, size, overlap int) []Chunk {
	spans := tokenPattern.FindAllStringIndex(text, -1)
	if len(spans) == 0 || size <= 0 {
		return nil
	}
	step := size - overlap
	if step <= 0 {
		step = size
	}

	var chunks []Chunk
	for start := 0; start < len(spans); start += step {
		end := min(start+size, len(spans))
		content := text[spans[start][0]:spans[end-1][1]]
		chunks = append(chunks, Chunk{
			ID:      HashID("chunk-", content),
			Content: content,
			Tokens:  end - start,
			Order:   len(chunks),
		})
		if end == len(spans) {
			break
		}
	}
	return chunks
}

// HashID returns prefix followed by the hex md5 of content. Identical content
// always maps to the same id, which makes re-inserting a document a no-op.
func HashID(prefix, content string) string {
	sum := md5.Sum([]byte(content))
	return prefix + hex.EncodeToString(sum[:])
}
