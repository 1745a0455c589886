package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

const entityExt = ".json"

// FileProvider keeps one <entity>.json document per entity in a directory.
type FileProvider struct {
	mu  sync.RWMutex
	dir string
}

// NewFileProvider creates the directory if needed.
func NewFileProvider(dir string) (*FileProvider, error) {
	if dir == "" {
		return nil, errors.New("file provider requires a directory")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}
	return &FileProvider{dir: dir}, nil
}

func (p *FileProvider) path(entity string) (string, error) {
	if entity == "" {
		return "", ErrEmptyEntity
	}
	if strings.ContainsAny(entity, `/\`) || entity == "." || entity == ".." {
		return "", fmt.Errorf("invalid entity name %q", entity)
	}
	return filepath.Join(p.dir, entity+entityExt), nil
}

func (p *FileProvider) Get(_ context.Context, entity string) ([]byte, error) {
	path, err := p.path(entity)
	if err != nil {
		return nil, err
	}

	p.mu.RLock()
	defer p.mu.RUnlock()

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrEntityNotFound
	}
	return data, err
}

// Set writes the entity to a temporary file and renames it into place.
func (p *FileProvider) Set(_ context.Context, entity string, data []byte) error {
	if err := validate(entity, data); err != nil {
		return err
	}
	path, err := p.path(entity)
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	tmp, err := os.CreateTemp(p.dir, entity+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write %s: %w", entity, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}

func (p *FileProvider) Entities(_ context.Context) ([]string, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	files, err := os.ReadDir(p.dir)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, f := range files {
		if f.IsDir() || filepath.Ext(f.Name()) != entityExt {
			continue
		}
		names = append(names, strings.TrimSuffix(f.Name(), entityExt))
	}
	sort.Strings(names)
	return names, nil
}

func (p *FileProvider) Close() error { return nil }
