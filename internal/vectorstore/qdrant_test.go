package vectorstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/qdrant/go-client/qdrant"
	"github.com/stretchr/testify/assert"
	grpccodes "google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestQdrantConfig_ApplyDefaults(t *testing.T) {
	var cfg QdrantConfig
	cfg.ApplyDefaults()

	assert.Equal(t, "localhost", cfg.Host)
	assert.Equal(t, 6334, cfg.Port)
	assert.Equal(t, 3, cfg.MaxRetries)
	assert.Equal(t, 200*time.Millisecond, cfg.RetryBackoff)
	assert.Equal(t, 64<<20, cfg.MaxMessageSize)
	assert.Equal(t, qdrant.Distance_Cosine, cfg.Distance)
	assert.NoError(t, cfg.Validate())
}

func TestQdrantConfig_Validate(t *testing.T) {
	tests := []struct {
		name string
		cfg  QdrantConfig
	}{
		{name: "missing host", cfg: QdrantConfig{Port: 6334}},
		{name: "port out of range", cfg: QdrantConfig{Host: "localhost", Port: 70000}},
		{name: "negative retries", cfg: QdrantConfig{Host: "localhost", Port: 6334, MaxRetries: -1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, tt.cfg.Validate(), ErrInvalidConfig)
		})
	}
}

func TestValidateCollectionName(t *testing.T) {
	assert.NoError(t, ValidateCollectionName("col__a_0123456789ab__text_chunks"))
	assert.ErrorIs(t, ValidateCollectionName(""), ErrInvalidCollectionName)
	assert.ErrorIs(t, ValidateCollectionName("Col"), ErrInvalidCollectionName)
	assert.ErrorIs(t, ValidateCollectionName("../etc"), ErrInvalidCollectionName)
}

func TestIsTransientError(t *testing.T) {
	assert.False(t, IsTransientError(nil))
	assert.False(t, IsTransientError(errors.New("plain")))
	assert.True(t, IsTransientError(status.Error(grpccodes.Unavailable, "down")))
	assert.True(t, IsTransientError(status.Error(grpccodes.DeadlineExceeded, "slow")))
	assert.False(t, IsTransientError(status.Error(grpccodes.NotFound, "gone")))
	assert.False(t, IsTransientError(status.Error(grpccodes.InvalidArgument, "bad")))
}

func TestPointID(t *testing.T) {
	a := PointID("chunk-abc")
	assert.Equal(t, a, PointID("chunk-abc"))
	assert.NotEqual(t, a, PointID("chunk-abd"))

	uuidID := "0b6a1d38-2a5c-4d1f-9f0e-4b1c2f3a4d5e"
	assert.Equal(t, uuidID, PointID(uuidID))
}

func TestQdrantBackend_Distance(t *testing.T) {
	cosine := &QdrantBackend{config: QdrantConfig{Distance: qdrant.Distance_Cosine}}
	assert.InDelta(t, 0.25, cosine.distance(0.75), 1e-6)

	euclid := &QdrantBackend{config: QdrantConfig{Distance: qdrant.Distance_Euclid}}
	assert.InDelta(t, 0.75, euclid.distance(0.75), 1e-6)
}

func TestPayloadConversion(t *testing.T) {
	payload := toPayload(map[string]any{"name": "x", "n": 3, "ok": true, "f": 1.5})
	for k, want := range map[string]any{"name": "x", "n": int64(3), "ok": true, "f": 1.5} {
		got, ok := fromValue(payload[k])
		assert.True(t, ok)
		assert.Equal(t, want, got)
	}
}

func TestQdrantBackend_DoRetriesTransient(t *testing.T) {
	b := &QdrantBackend{config: QdrantConfig{MaxRetries: 3, RetryBackoff: time.Millisecond}}

	calls := 0
	err := b.do(context.Background(), "upsert", "col", func(context.Context) error {
		calls++
		if calls < 3 {
			return status.Error(grpccodes.Unavailable, "down")
		}
		return nil
	})
	assert.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestQdrantBackend_DoStopsOnPermanent(t *testing.T) {
	b := &QdrantBackend{config: QdrantConfig{MaxRetries: 3, RetryBackoff: time.Millisecond}}

	calls := 0
	err := b.do(context.Background(), "upsert", "col", func(context.Context) error {
		calls++
		return status.Error(grpccodes.InvalidArgument, "bad vector")
	})
	assert.ErrorContains(t, err, "bad vector")
	assert.Equal(t, 1, calls)

	err = b.do(context.Background(), "query", "col", func(context.Context) error {
		return status.Error(grpccodes.NotFound, "no collection")
	})
	assert.ErrorIs(t, err, ErrCollectionNotFound)
}

func TestQdrantBackend_DoGivesUp(t *testing.T) {
	b := &QdrantBackend{config: QdrantConfig{MaxRetries: 2, RetryBackoff: time.Millisecond}}

	calls := 0
	err := b.do(context.Background(), "upsert", "col", func(context.Context) error {
		calls++
		return status.Error(grpccodes.Unavailable, "down")
	})
	assert.True(t, IsTransientError(errors.Unwrap(err)))
	assert.Equal(t, 3, calls)
}
