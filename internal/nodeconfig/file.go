package nodeconfig

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/arohanajit/configserver/internal/cluster"
)

type fileDocument struct {
	Nodes []cluster.NodeConfig `yaml:"nodes"`
}

// FileStore keeps the node list in a YAML file.
type FileStore struct {
	mu   sync.Mutex
	path string
}

func NewFileStore(path string) (*FileStore, error) {
	if path == "" {
		return nil, errors.New("node store path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create node store dir: %w", err)
	}
	return &FileStore{path: path}, nil
}

func (s *FileStore) read() ([]cluster.NodeConfig, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var doc fileDocument
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse %s: %w", s.path, err)
	}
	return doc.Nodes, nil
}

func (s *FileStore) write(nodes []cluster.NodeConfig) error {
	data, err := yaml.Marshal(fileDocument{Nodes: nodes})
	if err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}

func (s *FileStore) List(ctx context.Context) ([]cluster.NodeConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.read()
}

// AddNode inserts node or replaces the stored entry with the same id.
func (s *FileStore) AddNode(ctx context.Context, node cluster.NodeConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	nodes, err := s.read()
	if err != nil {
		return err
	}
	for i := range nodes {
		if nodes[i].ID == node.ID {
			nodes[i] = node
			return s.write(nodes)
		}
	}
	return s.write(append(nodes, node))
}

func (s *FileStore) DisableNode(ctx context.Context, nodeID string) error {
	return s.setEnabled(nodeID, false)
}

func (s *FileStore) EnableNode(ctx context.Context, nodeID string) error {
	return s.setEnabled(nodeID, true)
}

func (s *FileStore) setEnabled(nodeID string, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	nodes, err := s.read()
	if err != nil {
		return err
	}
	for i := range nodes {
		if nodes[i].ID == nodeID {
			nodes[i].Enabled = enabled
			return s.write(nodes)
		}
	}
	// statically configured nodes are only recorded once their state changes
	return s.write(append(nodes, cluster.NodeConfig{ID: nodeID, Enabled: enabled}))
}

func (s *FileStore) Close() error { return nil }
