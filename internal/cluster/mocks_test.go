package cluster

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	jsonpatch "github.com/evanphx/json-patch/v5"
	"github.com/stretchr/testify/require"
)

// mockStorage is an in-memory Storage with per tenant entity maps
type mockStorage struct {
	mu      sync.Mutex
	tenants map[string]map[string]json.RawMessage
	failSet bool
}

func newMockStorage(tenants ...string) *mockStorage {
	s := &mockStorage{tenants: make(map[string]map[string]json.RawMessage)}
	for _, t := range tenants {
		s.tenants[t] = make(map[string]json.RawMessage)
	}
	return s
}

func (s *mockStorage) TenantIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.tenants))
	for id := range s.tenants {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (s *mockStorage) Entities(ctx context.Context, tenantID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tenants[tenantID]
	if !ok {
		return nil, fmt.Errorf("tenant %s not found", tenantID)
	}
	names := make([]string, 0, len(t))
	for name := range t {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (s *mockStorage) GetRawSnapshot(ctx context.Context, entity, tenantID string) (json.RawMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tenants[tenantID]
	if !ok {
		return nil, fmt.Errorf("tenant %s not found", tenantID)
	}
	data, ok := t[entity]
	if !ok {
		return nil, errors.New("entity not found")
	}
	return data, nil
}

func (s *mockStorage) ApplyIncrementalDiff(ctx context.Context, tenantID, entity string, diff json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failSet {
		return errors.New("storage unavailable")
	}
	t, ok := s.tenants[tenantID]
	if !ok {
		return fmt.Errorf("tenant %s not found", tenantID)
	}
	prev, ok := t[entity]
	if !ok {
		prev = json.RawMessage(`{}`)
	}
	merged, err := jsonpatch.MergePatch(prev, diff)
	if err != nil {
		return err
	}
	t[entity] = merged
	return nil
}

func (s *mockStorage) SetSnapshot(ctx context.Context, tenantID, entity string, token json.RawMessage, isReplication bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failSet {
		return errors.New("storage unavailable")
	}
	t, ok := s.tenants[tenantID]
	if !ok {
		return fmt.Errorf("tenant %s not found", tenantID)
	}
	t[entity] = append(json.RawMessage(nil), token...)
	return nil
}

func (s *mockStorage) GetDataHash(ctx context.Context, tenantID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tenants[tenantID]
	if !ok {
		return "", fmt.Errorf("tenant %s not found", tenantID)
	}
	names := make([]string, 0, len(t))
	for name := range t {
		names = append(names, name)
	}
	sort.Strings(names)
	h := sha256.New()
	for _, name := range names {
		var v interface{}
		json.Unmarshal(t[name], &v)
		canonical, _ := json.Marshal(v)
		h.Write([]byte(name))
		h.Write(canonical)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func (s *mockStorage) put(tenantID, entity, doc string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tenants[tenantID][entity] = json.RawMessage(doc)
}

func (s *mockStorage) get(tenantID, entity string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return string(s.tenants[tenantID][entity])
}

// mockNodeStore records persisted membership changes
type mockNodeStore struct {
	mu       sync.Mutex
	added    []NodeConfig
	disabled []string
	enabled  []string
}

func (m *mockNodeStore) AddNode(ctx context.Context, node NodeConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.added = append(m.added, node)
	return nil
}

func (m *mockNodeStore) DisableNode(ctx context.Context, nodeID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.disabled = append(m.disabled, nodeID)
	return nil
}

func (m *mockNodeStore) EnableNode(ctx context.Context, nodeID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.enabled = append(m.enabled, nodeID)
	return nil
}

// transportFunc adapts a function to Transport
type transportFunc func(ctx context.Context, node Node, msg *Message) (*Message, error)

func (f transportFunc) Send(ctx context.Context, node Node, msg *Message) (*Message, error) {
	return f(ctx, node, msg)
}

// loopbackTransport delivers messages to in-process protocols through a JSON
// round trip, the same encoding the HTTP transport uses.
type loopbackTransport struct {
	mu    sync.Mutex
	peers map[string]*Protocol
	sent  []Command
}

func newLoopbackTransport() *loopbackTransport {
	return &loopbackTransport{peers: make(map[string]*Protocol)}
}

func (l *loopbackTransport) register(p *Protocol) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.peers[p.Registry().SelfID()] = p
}

func (l *loopbackTransport) commands() []Command {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Command(nil), l.sent...)
}

func (l *loopbackTransport) Send(ctx context.Context, node Node, msg *Message) (*Message, error) {
	l.mu.Lock()
	peer, ok := l.peers[node.ID]
	l.sent = append(l.sent, msg.Command)
	l.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("no route to %s", node.ID)
	}

	var req Message
	if err := roundTrip(msg, &req); err != nil {
		return nil, err
	}
	resp := peer.HandleRequest(ctx, &req)
	var out Message
	if err := roundTrip(resp, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func roundTrip(in, out interface{}) error {
	data, err := json.Marshal(in)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}

func testNodes(ids ...string) []NodeConfig {
	nodes := make([]NodeConfig, 0, len(ids))
	for _, id := range ids {
		nodes = append(nodes, NodeConfig{ID: id, Address: id + ":8080", Enabled: true})
	}
	return nodes
}

func testRegistryConfig(self string) RegistryConfig {
	return RegistryConfig{SelfID: self, MaxAttempts: 3, SkipAttemptsOnFail: 3, Life: 2}
}

func newTestRegistry(t *testing.T, self string, store NodeStore, ids ...string) *Registry {
	t.Helper()
	r, err := NewRegistry(testRegistryConfig(self), testNodes(ids...), store, nil)
	require.NoError(t, err)
	return r
}

type testNode struct {
	protocol *Protocol
	storage  *mockStorage
	log      *SelfLog
}

func newTestNode(t *testing.T, self string, transport Transport, ids ...string) *testNode {
	t.Helper()
	storage := newMockStorage("acme")
	log, err := NewSelfLog(nil)
	require.NoError(t, err)
	p := NewProtocol(newTestRegistry(t, self, nil, ids...), log, storage, transport, time.Second, nil)
	t.Cleanup(p.Close)
	return &testNode{protocol: p, storage: storage, log: log}
}

// change writes doc to storage and records it the way the change observer does
func (n *testNode) change(t *testing.T, entity, doc string) {
	t.Helper()
	n.storage.put("acme", entity, doc)
	_, err := n.protocol.RecordChange("acme", entity, json.RawMessage(doc), true)
	require.NoError(t, err)
}

// memoryPersister is a LogPersister kept in memory
type memoryPersister struct {
	mu      sync.Mutex
	entries []LogMessage
	fail    bool
	closed  bool
}

func (m *memoryPersister) Append(entries ...LogMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return errors.New("disk full")
	}
	m.entries = append(m.entries, entries...)
	return nil
}

func (m *memoryPersister) Load() ([]LogMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]LogMessage(nil), m.entries...), nil
}

func (m *memoryPersister) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
