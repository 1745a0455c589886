package nodeconfig

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/arohanajit/configserver/internal/cluster"
)

const (
	defaultEtcdPrefix = "/configserver/nodes/"
	etcdTimeout       = 5 * time.Second
)

// EtcdStore keeps one JSON encoded node per key under a prefix, which lets
// nodes sharing the etcd cluster learn about each other.
type EtcdStore struct {
	client *clientv3.Client
	prefix string
}

func NewEtcdStore(endpoints []string, prefix string) (*EtcdStore, error) {
	if len(endpoints) == 0 {
		return nil, fmt.Errorf("no etcd endpoints provided")
	}
	client, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: etcdTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to etcd: %w", err)
	}
	if prefix == "" {
		prefix = defaultEtcdPrefix
	}
	return &EtcdStore{client: client, prefix: prefix}, nil
}

func (s *EtcdStore) key(id string) string {
	return s.prefix + id
}

func (s *EtcdStore) put(ctx context.Context, node cluster.NodeConfig) error {
	data, err := json.Marshal(node)
	if err != nil {
		return fmt.Errorf("failed to marshal node: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, etcdTimeout)
	defer cancel()
	if _, err := s.client.Put(ctx, s.key(node.ID), string(data)); err != nil {
		return fmt.Errorf("failed to store node %s: %w", node.ID, err)
	}
	return nil
}

func (s *EtcdStore) List(ctx context.Context) ([]cluster.NodeConfig, error) {
	ctx, cancel := context.WithTimeout(ctx, etcdTimeout)
	defer cancel()

	resp, err := s.client.Get(ctx, s.prefix, clientv3.WithPrefix(), clientv3.WithSort(clientv3.SortByKey, clientv3.SortAscend))
	if err != nil {
		return nil, fmt.Errorf("failed to get nodes from etcd: %w", err)
	}
	nodes := make([]cluster.NodeConfig, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var node cluster.NodeConfig
		if err := json.Unmarshal(kv.Value, &node); err != nil {
			continue
		}
		nodes = append(nodes, node)
	}
	return nodes, nil
}

func (s *EtcdStore) AddNode(ctx context.Context, node cluster.NodeConfig) error {
	return s.put(ctx, node)
}

func (s *EtcdStore) DisableNode(ctx context.Context, nodeID string) error {
	return s.setEnabled(ctx, nodeID, false)
}

func (s *EtcdStore) EnableNode(ctx context.Context, nodeID string) error {
	return s.setEnabled(ctx, nodeID, true)
}

func (s *EtcdStore) setEnabled(ctx context.Context, nodeID string, enabled bool) error {
	getCtx, cancel := context.WithTimeout(ctx, etcdTimeout)
	resp, err := s.client.Get(getCtx, s.key(nodeID))
	cancel()
	if err != nil {
		return fmt.Errorf("failed to get node %s: %w", nodeID, err)
	}

	node := cluster.NodeConfig{ID: nodeID}
	if len(resp.Kvs) > 0 {
		if err := json.Unmarshal(resp.Kvs[0].Value, &node); err != nil {
			return fmt.Errorf("failed to decode node %s: %w", nodeID, err)
		}
	}
	node.Enabled = enabled
	return s.put(ctx, node)
}

// Watch calls fn with every node written under the prefix by any member
// until ctx is done.
func (s *EtcdStore) Watch(ctx context.Context, fn func([]cluster.NodeConfig)) {
	watchChan := s.client.Watch(ctx, s.prefix, clientv3.WithPrefix())
	go func() {
		for watchResp := range watchChan {
			var nodes []cluster.NodeConfig
			for _, event := range watchResp.Events {
				if event.Type != clientv3.EventTypePut {
					continue
				}
				var node cluster.NodeConfig
				if err := json.Unmarshal(event.Kv.Value, &node); err != nil {
					continue
				}
				nodes = append(nodes, node)
			}
			if len(nodes) > 0 {
				fn(nodes)
			}
		}
	}()
}

func (s *EtcdStore) Close() error {
	return s.client.Close()
}
