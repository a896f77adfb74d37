// Package sourcestore keeps corpus source text and per-attempt build logs.
package sourcestore

import (
	"context"
	"fmt"
	"path"
	"strings"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/corpusd/internal/storeerr"
)

// ErrNotFound is returned when a source object does not exist. It wraps
// storeerr.ErrNotFound.
var ErrNotFound = fmt.Errorf("source %w", storeerr.ErrNotFound)

// Store persists corpus sources and attempt logs under stable keys:
//
//	corpora/{corpus_id}/source.txt
//	corpora/{corpus_id}/attempts/{attempt_id}/logs.txt
type Store interface {
	// WriteSource stores text and returns its key.
	WriteSource(ctx context.Context, corpusID, text string) (string, error)

	// ReadSource returns the text stored under key.
	ReadSource(ctx context.Context, key string) (string, error)

	// AppendAttemptLog appends one timestamped line to the attempt's log.
	AppendAttemptLog(ctx context.Context, corpusID, attemptID, line string) error

	// ReadAttemptLog returns the attempt's log lines. A missing log is empty.
	ReadAttemptLog(ctx context.Context, corpusID, attemptID string) ([]string, error)

	// DeleteCorpus removes everything stored for the corpus. Deleting an
	// absent corpus succeeds.
	DeleteCorpus(ctx context.Context, corpusID string) error
}

// SourceKey returns the key of a corpus source.
func SourceKey(corpusID string) string {
	return path.Join(corpusPrefix(corpusID), "source.txt")
}

// LogKey returns the key of an attempt log.
func LogKey(corpusID, attemptID string) string {
	return path.Join(corpusPrefix(corpusID), "attempts", attemptID, "logs.txt")
}

func corpusPrefix(corpusID string) string {
	return path.Join("corpora", corpusID)
}

func validateID(kind, id string) error {
	if id == "" || strings.ContainsAny(id, `/\`) || id == "." || id == ".." {
		return fmt.Errorf("invalid %s %q", kind, id)
	}
	return nil
}

// formatLogLine stores the message as given, one line per entry.
func formatLogLine(line string) string {
	return strings.ReplaceAll(line, "\n", " ") + "\n"
}

func splitLog(data string) []string {
	data = strings.TrimRight(data, "\n")
	if data == "" {
		return []string{}
	}
	return strings.Split(data, "\n")
}

// Provider selects a Store implementation.
type Provider string

const (
	ProviderFS    Provider = "fs"
	ProviderMinIO Provider = "minio"
)

// Config selects and configures source storage.
type Config struct {
	Provider Provider    `koanf:"provider"`
	FS       FSConfig    `koanf:"fs"`
	MinIO    MinIOConfig `koanf:"minio"`
}

// New creates the store named by cfg.Provider. The default is the filesystem.
func New(ctx context.Context, cfg Config, logger *zap.Logger) (Store, error) {
	switch cfg.Provider {
	case ProviderFS, "":
		return NewFSStore(cfg.FS.DataDir, logger)
	case ProviderMinIO:
		return NewMinIOStore(ctx, cfg.MinIO, logger)
	default:
		return nil, fmt.Errorf("unsupported storage provider %q (supported: fs, minio)", cfg.Provider)
	}
}
