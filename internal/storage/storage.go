package storage

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"

	"module_vali/internal/config"
)

var ErrInvalidPath = errors.New("invalid storage path")

// Storage keeps JSON records addressed by slash separated paths such as
// "base.subspace/model.openai" or "votes/subspace/base".
type Storage interface {
	// Get decodes the record at p into out. It reports false when p does not exist.
	Get(ctx context.Context, p string, out any) (bool, error)
	Put(ctx context.Context, p string, value any) error
	// List returns the paths of every record below prefix.
	List(ctx context.Context, prefix string) ([]string, error)
	// Remove deletes the record at prefix and everything below it.
	Remove(ctx context.Context, prefix string) error
	Close() error
}

// Open builds the backend selected in the configuration.
func Open(cfg config.StorageConfig) (Storage, error) {
	switch cfg.Backend {
	case "", "file":
		return NewFileStore(cfg.Path)
	case "sqlite":
		return NewSQLiteStore(cfg.Path, WithCompression(cfg.Compress))
	case "badger":
		return NewBadgerStore(cfg.Path, WithCompression(cfg.Compress))
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}

func cleanPath(p string) (string, error) {
	p = strings.Trim(p, "/")
	if p == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidPath)
	}
	for _, seg := range strings.Split(p, "/") {
		if seg == "" || seg == "." || seg == ".." {
			return "", fmt.Errorf("%w: %q", ErrInvalidPath, p)
		}
	}
	return path.Clean(p), nil
}

// Base returns the last element of a record path, the peer name for score records.
func Base(p string) string {
	return path.Base(p)
}

// Join builds a record path from its parts.
func Join(parts ...string) string {
	return path.Join(parts...)
}
