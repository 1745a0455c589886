// Package logstore persists the self node change log.
package logstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"

	"github.com/arohanajit/configserver/internal/cluster"
	"github.com/arohanajit/configserver/internal/config"
)

// BoltStore keeps log entries in a bolt file, indexed by log id.
type BoltStore struct {
	store *raftboltdb.BoltStore
}

// Open returns the persister selected by cfg, or nil for the memory driver.
func Open(cfg config.LogStoreConfig) (cluster.LogPersister, error) {
	switch strings.ToLower(cfg.Driver) {
	case "", "memory":
		return nil, nil
	case "bolt":
		store, err := NewBoltStore(cfg.Path)
		if err != nil {
			return nil, err
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown log store driver %q", cfg.Driver)
	}
}

// NewBoltStore opens or creates the bolt file at path.
func NewBoltStore(path string) (*BoltStore, error) {
	if path == "" {
		return nil, errors.New("log store path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create log store dir: %w", err)
	}
	store, err := raftboltdb.NewBoltStore(path)
	if err != nil {
		return nil, fmt.Errorf("open bolt store: %w", err)
	}
	return &BoltStore{store: store}, nil
}

func (s *BoltStore) Append(entries ...cluster.LogMessage) error {
	logs := make([]*raft.Log, 0, len(entries))
	for _, e := range entries {
		if e.LogID <= 0 {
			return fmt.Errorf("invalid log id %d", e.LogID)
		}
		data, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("encode log entry %d: %w", e.LogID, err)
		}
		logs = append(logs, &raft.Log{
			Index:      uint64(e.LogID),
			Type:       raft.LogCommand,
			Data:       data,
			AppendedAt: e.Created,
		})
	}
	if len(logs) == 0 {
		return nil
	}
	return s.store.StoreLogs(logs)
}

// Load returns every stored entry in log id order. raft-boltdb has no range
// scan, so every index between first and last is looked up. Ids only jump
// forward to a peer's id, so the range never exceeds the highest log id in
// the cluster and a missing index costs one b-tree lookup.
func (s *BoltStore) Load() ([]cluster.LogMessage, error) {
	first, err := s.store.FirstIndex()
	if err != nil {
		return nil, err
	}
	last, err := s.store.LastIndex()
	if err != nil {
		return nil, err
	}
	if last == 0 {
		return nil, nil
	}

	var entries []cluster.LogMessage
	for idx := first; idx <= last; idx++ {
		var l raft.Log
		if err := s.store.GetLog(idx, &l); err != nil {
			if errors.Is(err, raft.ErrLogNotFound) {
				continue
			}
			return nil, fmt.Errorf("read log entry %d: %w", idx, err)
		}
		var e cluster.LogMessage
		if err := json.Unmarshal(l.Data, &e); err != nil {
			return nil, fmt.Errorf("decode log entry %d: %w", idx, err)
		}
		entries = append(entries, e)
	}
	return entries, nil
}

func (s *BoltStore) Close() error {
	return s.store.Close()
}
