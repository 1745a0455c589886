package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/arohanajit/configserver/internal/config"
)

var (
	ErrEntityNotFound = errors.New("entity not found")
	ErrEmptyEntity    = errors.New("entity name cannot be empty")
	ErrInvalidJSON    = errors.New("entity content is not valid JSON")
)

// Provider persists the configuration entities of a single tenant. Content is
// always a JSON document.
type Provider interface {
	Get(ctx context.Context, entity string) ([]byte, error)
	Set(ctx context.Context, entity string, data []byte) error
	Entities(ctx context.Context) ([]string, error)
	Close() error
}

// Open creates the provider configured for a tenant.
func Open(ctx context.Context, cfg config.StoreConfig, tenantID string) (Provider, error) {
	switch strings.ToLower(cfg.Provider) {
	case "", "memory":
		return NewMemoryProvider(), nil
	case "file":
		return NewFileProvider(cfg.Connection)
	case "redis":
		return NewRedisProvider(ctx, cfg.Connection, cfg.Prefix, tenantID)
	case "postgres":
		return NewPostgresProvider(ctx, cfg.Connection, tenantID)
	default:
		return nil, fmt.Errorf("unknown storage provider %q", cfg.Provider)
	}
}

func validate(entity string, data []byte) error {
	if entity == "" {
		return ErrEmptyEntity
	}
	if !json.Valid(data) {
		return ErrInvalidJSON
	}
	return nil
}

// MemoryProvider is a thread-safe in-memory provider
type MemoryProvider struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewMemoryProvider creates an empty in-memory provider
func NewMemoryProvider() *MemoryProvider {
	return &MemoryProvider{
		data: make(map[string][]byte),
	}
}

// Set stores the content of an entity
func (s *MemoryProvider) Set(_ context.Context, entity string, data []byte) error {
	if err := validate(entity, data); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Create a copy of the data to prevent external modifications
	valueCopy := make([]byte, len(data))
	copy(valueCopy, data)

	s.data[entity] = valueCopy
	return nil
}

// Get retrieves the content of an entity
func (s *MemoryProvider) Get(_ context.Context, entity string) ([]byte, error) {
	if entity == "" {
		return nil, ErrEmptyEntity
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	item, exists := s.data[entity]
	if !exists {
		return nil, ErrEntityNotFound
	}

	// Return a copy to prevent external modifications
	valueCopy := make([]byte, len(item))
	copy(valueCopy, item)

	return valueCopy, nil
}

// Entities returns all entity names in sorted order
func (s *MemoryProvider) Entities(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	names := make([]string, 0, len(s.data))
	for k := range s.data {
		names = append(names, k)
	}
	sort.Strings(names)
	return names, nil
}

func (s *MemoryProvider) Close() error { return nil }
