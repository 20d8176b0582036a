package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

const fileExt = ".json"

// FileStore writes one JSON file per record below a root directory.
type FileStore struct {
	root string
}

func NewFileStore(root string) (*FileStore, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("failed to create storage dir %s: %w", root, err)
	}
	return &FileStore{root: root}, nil
}

func (s *FileStore) file(p string) string {
	return filepath.Join(s.root, filepath.FromSlash(p)) + fileExt
}

func (s *FileStore) Get(_ context.Context, p string, out any) (bool, error) {
	p, err := cleanPath(p)
	if err != nil {
		return false, err
	}
	data, err := os.ReadFile(s.file(p))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	if err := json.Unmarshal(data, out); err != nil {
		return false, fmt.Errorf("failed to decode %s: %w", p, err)
	}
	return true, nil
}

// Put writes through a temp file and rename so readers never see a partial record.
func (s *FileStore) Put(_ context.Context, p string, value any) error {
	p, err := cleanPath(p)
	if err != nil {
		return err
	}
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", p, err)
	}
	target := s.file(p)
	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(target), ".tmp-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), target)
}

func (s *FileStore) List(_ context.Context, prefix string) ([]string, error) {
	prefix, err := cleanPath(prefix)
	if err != nil {
		return nil, err
	}
	dir := filepath.Join(s.root, filepath.FromSlash(prefix))
	var paths []string
	err = filepath.WalkDir(dir, func(fp string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(d.Name(), fileExt) || strings.HasPrefix(d.Name(), ".tmp-") {
			return nil
		}
		rel, err := filepath.Rel(s.root, fp)
		if err != nil {
			return err
		}
		paths = append(paths, strings.TrimSuffix(filepath.ToSlash(rel), fileExt))
		return nil
	})
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return []string{}, nil
		}
		return nil, err
	}
	sort.Strings(paths)
	return paths, nil
}

func (s *FileStore) Remove(_ context.Context, prefix string) error {
	prefix, err := cleanPath(prefix)
	if err != nil {
		return err
	}
	if err := os.Remove(s.file(prefix)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return os.RemoveAll(filepath.Join(s.root, filepath.FromSlash(prefix)))
}

func (s *FileStore) Close() error {
	return nil
}
