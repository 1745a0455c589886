// Package nodeconfig persists cluster membership changes: nodes learned
// through discovery and nodes disabled by the circuit breaker or an operator.
package nodeconfig

import (
	"context"
	"fmt"
	"strings"

	"github.com/arohanajit/configserver/internal/cluster"
	"github.com/arohanajit/configserver/internal/config"
)

// Store is a persistent node list.
type Store interface {
	cluster.NodeStore
	List(ctx context.Context) ([]cluster.NodeConfig, error)
	Close() error
}

// Open returns the store selected by cfg, or nil when persistence is off.
func Open(cfg config.NodeStoreConfig) (Store, error) {
	switch strings.ToLower(cfg.Driver) {
	case "", "none":
		return nil, nil
	case "file":
		s, err := NewFileStore(cfg.Path)
		if err != nil {
			return nil, err
		}
		return s, nil
	case "etcd":
		s, err := NewEtcdStore(cfg.Endpoints, cfg.Prefix)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown node store driver %q", cfg.Driver)
	}
}

// Merge overlays the stored nodes on the configured ones. Stored entries win
// for the enabled flag and addresses; unknown stored nodes are appended when
// they carry an address.
func Merge(configured, stored []cluster.NodeConfig) []cluster.NodeConfig {
	index := make(map[string]int, len(configured))
	out := make([]cluster.NodeConfig, len(configured))
	copy(out, configured)
	for i, n := range out {
		index[n.ID] = i
	}
	for _, n := range stored {
		if i, ok := index[n.ID]; ok {
			out[i].Enabled = n.Enabled
			if n.Address != "" {
				out[i].Address = n.Address
			}
			continue
		}
		if n.Address == "" {
			continue
		}
		index[n.ID] = len(out)
		out = append(out, n)
	}
	return out
}
