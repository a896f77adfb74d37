// Package config loads layered configuration into caller-defined structs
// and provides the Duration and Secret field types.
//
// Sources, lowest precedence first:
//  1. Values already set on the target (defaults)
//  2. YAML config file
//  3. .env files, loaded into the process environment
//  4. Environment variables with the configured prefix
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

const maxConfigFileSize = 1024 * 1024 // 1MB

// ErrInvalidConfigFile is returned when the config file fails path,
// permission or size checks.
var ErrInvalidConfigFile = errors.New("invalid config file")

// Options controls Load.
type Options struct {
	// Path is the YAML file. Empty or missing skips the file.
	Path string

	// AllowedDirs restricts where Path may live. Empty allows any directory.
	AllowedDirs []string

	// DotEnv lists .env files to load first. Missing files are skipped and
	// variables already set in the environment win.
	DotEnv []string

	// EnvPrefix selects environment variables, for example "CORPUSD_".
	EnvPrefix string

	// Nested lists dotted subsections reachable from the environment.
	// With "vectorstore.qdrant", PREFIX_VECTORSTORE_QDRANT_HOST maps to
	// vectorstore.qdrant.host instead of vectorstore.qdrant_host.
	Nested []string
}

// Load overlays the YAML file and environment onto target, which must be
// a pointer to a struct with koanf tags. Fields absent from every source
// keep their current values.
//
// Environment variables map by stripping the prefix, lower-casing and
// splitting on the first underscore:
//
//	CORPUSD_SERVER_HTTP_PORT  -> server.http_port
//	CORPUSD_INGEST_MAX_TEXT_CHARS -> ingest.max_text_chars
func Load(opts Options, target any) error {
	k := koanf.New(".")

	for _, f := range opts.DotEnv {
		if _, err := os.Stat(f); err != nil {
			continue
		}
		if err := godotenv.Load(f); err != nil {
			return fmt.Errorf("loading %s: %w", f, err)
		}
	}

	if opts.Path != "" {
		content, err := readConfigFile(opts.Path, opts.AllowedDirs)
		if err != nil {
			return err
		}
		if content != nil {
			if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
				return fmt.Errorf("failed to load config file %s: %w", opts.Path, err)
			}
		}
	}

	if opts.EnvPrefix != "" {
		transform := envTransformer(opts.EnvPrefix, opts.Nested)
		if err := k.Load(env.Provider(opts.EnvPrefix, ".", transform), nil); err != nil {
			return fmt.Errorf("failed to load environment variables: %w", err)
		}
	}

	if err := k.Unmarshal("", target); err != nil {
		return fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return nil
}

func envTransformer(prefix string, nested []string) func(string) string {
	return func(s string) string {
		lower := strings.ToLower(strings.TrimPrefix(s, prefix))
		section, field, ok := strings.Cut(lower, "_")
		if !ok {
			return lower
		}
		for _, n := range nested {
			sec, sub, _ := strings.Cut(n, ".")
			if sec != section {
				continue
			}
			if rest, found := strings.CutPrefix(field, sub+"_"); found {
				return section + "." + sub + "." + rest
			}
		}
		return section + "." + field
	}
}

// readConfigFile returns nil content when the file does not exist. The
// file is validated through the opened descriptor to avoid a TOCTOU race.
func readConfigFile(path string, allowedDirs []string) ([]byte, error) {
	if err := validateConfigPath(path, allowedDirs); err != nil {
		return nil, err
	}

	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	if err := validateConfigFileProperties(info); err != nil {
		return nil, err
	}

	content, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return content, nil
}

// validateConfigPath resolves symlinks so a link inside an allowed
// directory cannot point outside it.
func validateConfigPath(path string, allowedDirs []string) error {
	if len(allowedDirs) == 0 {
		return nil
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("failed to resolve path: %w", err)
	}
	resolved, err := filepath.EvalSymlinks(absPath)
	if err != nil {
		// The file may not exist yet.
		resolved = absPath
	}

	for _, dir := range allowedDirs {
		rel, err := filepath.Rel(dir, resolved)
		if err == nil && filepath.IsLocal(rel) {
			return nil
		}
	}
	return fmt.Errorf("%w: %s is outside %s", ErrInvalidConfigFile, path, strings.Join(allowedDirs, ", "))
}

// validateConfigFileProperties requires 0600 or 0400 permissions and at
// most 1MB.
func validateConfigFileProperties(info os.FileInfo) error {
	if runtime.GOOS != "windows" {
		perm := info.Mode().Perm()
		if perm != 0600 && perm != 0400 {
			return fmt.Errorf("%w: insecure permissions %v (expected 0600 or 0400)", ErrInvalidConfigFile, perm)
		}
	}
	if info.Size() > maxConfigFileSize {
		return fmt.Errorf("%w: too large: %d bytes (max %d)", ErrInvalidConfigFile, info.Size(), maxConfigFileSize)
	}
	return nil
}

// DefaultDirs returns the standard config directories for app:
// ~/.config/{app} and /etc/{app}.
func DefaultDirs(app string) []string {
	dirs := []string{filepath.Join("/etc", app)}
	if home, err := os.UserHomeDir(); err == nil {
		dirs = append([]string{filepath.Join(home, ".config", app)}, dirs...)
	}
	return dirs
}
