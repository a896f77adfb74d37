package vectorstore

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/corpusd/internal/storeerr"
)

func TestCollection_UpsertBatchesEmbeddings(t *testing.T) {
	tests := []struct {
		name      string
		records   int
		batchSize int
		wantCalls []int
	}{
		{name: "single partial batch", records: 5, batchSize: 32, wantCalls: []int{5}},
		{name: "exact multiple", records: 64, batchSize: 32, wantCalls: []int{32, 32}},
		{name: "remainder batch", records: 70, batchSize: 32, wantCalls: []int{32, 32, 6}},
		{name: "batch size one", records: 3, batchSize: 1, wantCalls: []int{1, 1, 1}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			embedder := newKeywordEmbedder()
			col, err := NewCollection(newTestChromem(t), embedder, "col__a_1__chunks",
				CollectionOptions{MaxBatchSize: tt.batchSize}, nil)
			require.NoError(t, err)

			records := make([]Record, tt.records)
			for i := range records {
				records[i] = Record{ID: fmt.Sprintf("r-%03d", i), Content: "alpha"}
			}
			require.NoError(t, col.Upsert(ctx, records))

			// concurrent batches may finish in any order
			assert.ElementsMatch(t, tt.wantCalls, embedder.calls())
		})
	}
}

func TestCollection_UpsertPreservesOrder(t *testing.T) {
	ctx := context.Background()
	embedder := newKeywordEmbedder()
	backend := newTestChromem(t)
	col, err := NewCollection(backend, embedder, "col__a_1__chunks",
		CollectionOptions{MaxBatchSize: 2, MetaFields: []string{"order"}}, nil)
	require.NoError(t, err)

	words := []string{"alpha", "beta", "gamma", "delta", "omega"}
	records := make([]Record, len(words))
	for i, w := range words {
		records[i] = Record{ID: w, Content: w, Metadata: map[string]any{"order": i}}
	}
	require.NoError(t, col.Upsert(ctx, records))

	// each record must be stored with its own vector: querying a word
	// returns that word's record first
	for i, w := range words {
		hits, err := col.Query(ctx, w, 1)
		require.NoError(t, err)
		require.Len(t, hits, 1)
		assert.Equal(t, w, hits[0].ID)
		assert.EqualValues(t, i, hits[0].Fields["order"])
	}
}

func TestCollection_QueryReturnsDeclaredFieldsOnly(t *testing.T) {
	ctx := context.Background()
	col, err := NewCollection(newTestChromem(t), newKeywordEmbedder(), "col__a_1__entities",
		CollectionOptions{MetaFields: []string{"entity_name", "source_id"}}, nil)
	require.NoError(t, err)

	require.NoError(t, col.Upsert(ctx, []Record{
		{ID: "e1", Content: "alpha alpha", Metadata: map[string]any{"entity_name": "ALPHA", "secret": "x"}},
		{ID: "e2", Content: "beta", Metadata: map[string]any{"entity_name": "BETA", "source_id": "chunk-1"}},
		{ID: "e3", Content: "gamma"},
	}))

	hits, err := col.Query(ctx, "alpha", 2)
	require.NoError(t, err)
	require.Len(t, hits, 2)

	assert.Equal(t, "e1", hits[0].ID)
	assert.Equal(t, map[string]any{"entity_name": "ALPHA"}, hits[0].Fields)
	assert.LessOrEqual(t, hits[0].Distance, hits[1].Distance)

	flat := hits[0].Flatten()
	assert.Equal(t, "e1", flat["id"])
	assert.Contains(t, flat, "distance")
	assert.NotContains(t, flat, "secret")
	assert.NotContains(t, flat, "source_id")
}

func TestCollection_QueryTopKBound(t *testing.T) {
	ctx := context.Background()
	col, err := NewCollection(newTestChromem(t), newKeywordEmbedder(), "col__a_1__chunks", CollectionOptions{}, nil)
	require.NoError(t, err)

	require.NoError(t, col.Upsert(ctx, []Record{
		{ID: "1", Content: "alpha"}, {ID: "2", Content: "beta"}, {ID: "3", Content: "gamma"},
	}))

	hits, err := col.Query(ctx, "alpha", 2)
	require.NoError(t, err)
	assert.Len(t, hits, 2)

	// topK beyond the collection size returns everything
	hits, err = col.Query(ctx, "alpha", 10)
	require.NoError(t, err)
	assert.Len(t, hits, 3)

	hits, err = col.Query(ctx, "alpha", 0)
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestCollection_UpsertIsIdempotentByID(t *testing.T) {
	ctx := context.Background()
	col, err := NewCollection(newTestChromem(t), newKeywordEmbedder(), "col__a_1__chunks", CollectionOptions{}, nil)
	require.NoError(t, err)

	require.NoError(t, col.Upsert(ctx, []Record{{ID: "1", Content: "alpha"}}))
	require.NoError(t, col.Upsert(ctx, []Record{{ID: "1", Content: "beta"}}))

	hits, err := col.Query(ctx, "beta", 5)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "beta", hits[0].Content)
}

func TestCollection_EmptyUpsertIsNoop(t *testing.T) {
	embedder := newKeywordEmbedder()
	backend := newTestChromem(t)
	col, err := NewCollection(backend, embedder, "col__a_1__chunks", CollectionOptions{}, nil)
	require.NoError(t, err)

	require.NoError(t, col.Upsert(context.Background(), nil))
	assert.Empty(t, embedder.calls())

	exists, err := backend.CollectionExists(context.Background(), "col__a_1__chunks")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestCollection_EmbedderFailure(t *testing.T) {
	embedder := newKeywordEmbedder()
	embedder.fail = true
	col, err := NewCollection(newTestChromem(t), embedder, "col__a_1__chunks", CollectionOptions{}, nil)
	require.NoError(t, err)

	err = col.Upsert(context.Background(), []Record{{ID: "1", Content: "alpha"}})
	assert.ErrorIs(t, err, ErrEmbeddingFailed)
}

func TestCollection_QueryMissingCollectionIsNotFound(t *testing.T) {
	col, err := NewCollection(newTestChromem(t), newKeywordEmbedder(), "col__a_1__chunks", CollectionOptions{}, nil)
	require.NoError(t, err)

	_, err = col.Query(context.Background(), "alpha", 3)
	require.Error(t, err)
	assert.True(t, storeerr.IsNotFound(err))
	assert.ErrorIs(t, err, ErrCollectionNotFound)
}

func TestNewCollection_Validation(t *testing.T) {
	_, err := NewCollection(nil, newKeywordEmbedder(), "col__a__b", CollectionOptions{}, nil)
	assert.ErrorIs(t, err, ErrInvalidConfig)

	_, err = NewCollection(newTestChromem(t), newKeywordEmbedder(), "Bad-Name", CollectionOptions{}, nil)
	assert.ErrorIs(t, err, ErrInvalidCollectionName)
}
