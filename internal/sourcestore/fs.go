package sourcestore

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"go.uber.org/zap"
)

// FSConfig configures the filesystem store.
type FSConfig struct {
	DataDir string `koanf:"data_dir"`
}

// FSStore stores sources under a local directory.
type FSStore struct {
	root   string
	logger *zap.Logger
}

// NewFSStore creates a filesystem store rooted at dataDir.
func NewFSStore(dataDir string, logger *zap.Logger) (*FSStore, error) {
	if dataDir == "" {
		return nil, errors.New("storage data_dir is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}
	return &FSStore{root: dataDir, logger: logger}, nil
}

func (s *FSStore) abs(key string) string {
	return filepath.Join(s.root, filepath.FromSlash(key))
}

// WriteSource writes the source file atomically.
func (s *FSStore) WriteSource(_ context.Context, corpusID, text string) (string, error) {
	if err := validateID("corpus id", corpusID); err != nil {
		return "", err
	}
	key := SourceKey(corpusID)
	p := s.abs(key)
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return "", fmt.Errorf("creating corpus directory: %w", err)
	}

	tmp := p + ".tmp"
	if err := os.WriteFile(tmp, []byte(text), 0o644); err != nil {
		return "", fmt.Errorf("writing source: %w", err)
	}
	if err := os.Rename(tmp, p); err != nil {
		return "", fmt.Errorf("writing source: %w", err)
	}

	s.logger.Debug("source written", zap.String("key", key), zap.Int("bytes", len(text)))
	return key, nil
}

// ReadSource reads a source file.
func (s *FSStore) ReadSource(_ context.Context, key string) (string, error) {
	if !filepath.IsLocal(filepath.FromSlash(key)) {
		return "", fmt.Errorf("invalid source key %q", key)
	}
	data, err := os.ReadFile(s.abs(key))
	if errors.Is(err, fs.ErrNotExist) {
		return "", fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	if err != nil {
		return "", fmt.Errorf("reading source %s: %w", key, err)
	}
	return string(data), nil
}

// AppendAttemptLog appends a line to the attempt log file.
func (s *FSStore) AppendAttemptLog(_ context.Context, corpusID, attemptID, line string) error {
	if err := validateID("corpus id", corpusID); err != nil {
		return err
	}
	if err := validateID("attempt id", attemptID); err != nil {
		return err
	}
	p := s.abs(LogKey(corpusID, attemptID))
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return fmt.Errorf("creating attempt directory: %w", err)
	}

	f, err := os.OpenFile(p, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("opening attempt log: %w", err)
	}
	defer f.Close()

	if _, err := f.WriteString(formatLogLine(line)); err != nil {
		return fmt.Errorf("appending attempt log: %w", err)
	}
	return nil
}

// ReadAttemptLog reads the attempt log file.
func (s *FSStore) ReadAttemptLog(_ context.Context, corpusID, attemptID string) ([]string, error) {
	data, err := os.ReadFile(s.abs(LogKey(corpusID, attemptID)))
	if errors.Is(err, fs.ErrNotExist) {
		return []string{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading attempt log: %w", err)
	}
	return splitLog(string(data)), nil
}

// DeleteCorpus removes the corpus directory.
func (s *FSStore) DeleteCorpus(_ context.Context, corpusID string) error {
	if err := validateID("corpus id", corpusID); err != nil {
		return err
	}
	if err := os.RemoveAll(s.abs(corpusPrefix(corpusID))); err != nil {
		return fmt.Errorf("deleting corpus storage: %w", err)
	}
	return nil
}

var _ Store = (*FSStore)(nil)
