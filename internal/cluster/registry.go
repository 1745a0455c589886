package cluster

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/arohanajit/configserver/internal/metrics"
)

var (
	ErrNoSelfNode    = errors.New("own node identity does not resolve to a configured node")
	ErrDuplicateSelf = errors.New("own node identity is configured more than once")
	ErrNodeNotFound  = errors.New("node not found")
	ErrNodeBusy      = errors.New("node in use")
	ErrSelfNode      = errors.New("operation not allowed on own node")
)

// NodeStore persists membership changes to the external node configuration.
type NodeStore interface {
	AddNode(ctx context.Context, node NodeConfig) error
	DisableNode(ctx context.Context, nodeID string) error
	EnableNode(ctx context.Context, nodeID string) error
}

// RegistryConfig holds the identity and circuit breaker settings
type RegistryConfig struct {
	SelfID             string
	MaxAttempts        int
	SkipAttemptsOnFail int
	Life               int
}

// Registry tracks cluster membership and per node health. Every mutation
// happens under mu; callers only ever see copies.
type Registry struct {
	mu     sync.RWMutex
	nodes  map[string]*Node
	order  []string
	selfID string

	maxAttempts int
	skipOnFail  int
	maxLife     int

	store  NodeStore
	logger *zap.Logger
}

// NewRegistry loads the configured nodes. Exactly one of them must carry the
// own node identity.
func NewRegistry(cfg RegistryConfig, nodes []NodeConfig, store NodeStore, logger *zap.Logger) (*Registry, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}

	r := &Registry{
		nodes:       make(map[string]*Node),
		selfID:      cfg.SelfID,
		maxAttempts: cfg.MaxAttempts,
		skipOnFail:  cfg.SkipAttemptsOnFail,
		maxLife:     cfg.Life,
		store:       store,
		logger:      logger.Named("registry"),
	}

	selfCount := 0
	for _, nc := range nodes {
		if nc.ID == "" {
			return nil, fmt.Errorf("node without id (address %q)", nc.Address)
		}
		if nc.ID == cfg.SelfID {
			selfCount++
		}
		if _, exists := r.nodes[nc.ID]; exists {
			if nc.ID == cfg.SelfID {
				continue
			}
			return nil, fmt.Errorf("node %s configured twice", nc.ID)
		}
		node := r.newNode(nc)
		node.IsSelf = nc.ID == cfg.SelfID
		if node.IsSelf {
			node.Active = true
			node.Disabled = false
		}
		r.nodes[nc.ID] = node
		r.order = append(r.order, nc.ID)
	}

	if cfg.SelfID == "" || selfCount == 0 {
		return nil, ErrNoSelfNode
	}
	if selfCount > 1 {
		return nil, ErrDuplicateSelf
	}

	r.updateGauges()
	return r, nil
}

func (r *Registry) newNode(nc NodeConfig) *Node {
	return &Node{
		ID:       nc.ID,
		Address:  nc.Address,
		URI:      nc.URI,
		WANURI:   nc.WANURI,
		Active:   nc.Enabled,
		Disabled: !nc.Enabled,
		Life:     r.maxLife,
	}
}

// SelfID returns the own node identity.
func (r *Registry) SelfID() string {
	return r.selfID
}

// Self returns a copy of the own node entry.
func (r *Registry) Self() Node {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return *r.nodes[r.selfID]
}

// ListNodes returns a snapshot of all nodes in registration order
func (r *Registry) ListNodes() []Node {
	r.mu.RLock()
	defer r.mu.RUnlock()

	nodes := make([]Node, 0, len(r.order))
	for _, id := range r.order {
		nodes = append(nodes, *r.nodes[id])
	}
	return nodes
}

// FindNode retrieves a copy of a node by id
func (r *Registry) FindNode(id string) (Node, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	node, ok := r.nodes[id]
	if !ok {
		return Node{}, false
	}
	return *node, true
}

// NodeConfigs returns the node list announced in outgoing messages.
func (r *Registry) NodeConfigs() []NodeConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()

	configs := make([]NodeConfig, 0, len(r.order))
	for _, id := range r.order {
		configs = append(configs, r.nodes[id].Config())
	}
	return configs
}

// MergeDiscovered adds enabled nodes announced by a peer that are not yet
// known and marks known ones active. Nodes disabled locally stay disabled.
func (r *Registry) MergeDiscovered(ctx context.Context, announced []NodeConfig) {
	var added []NodeConfig

	r.mu.Lock()
	for _, nc := range announced {
		if !nc.Enabled || nc.ID == "" {
			continue
		}
		if node, ok := r.nodes[nc.ID]; ok {
			if !node.Disabled {
				node.Active = true
			}
			continue
		}
		node := r.newNode(nc)
		r.nodes[nc.ID] = node
		r.order = append(r.order, nc.ID)
		added = append(added, nc)
	}
	if len(added) > 0 {
		r.updateGauges()
	}
	r.mu.Unlock()

	for _, nc := range added {
		r.logger.Info("Adding new node", zap.String("node", nc.ID), zap.String("address", nc.Address))
		if r.store == nil {
			continue
		}
		if err := r.store.AddNode(ctx, nc); err != nil {
			r.logger.Error("Failed to persist discovered node", zap.String("node", nc.ID), zap.Error(err))
		}
	}
}

// DueForHeartbeat walks the active nodes once per scheduler tick. Nodes in
// cooldown have their skip counter decremented and are left out, as are the
// self node and nodes with an exchange in flight.
func (r *Registry) DueForHeartbeat() []Node {
	r.mu.Lock()
	defer r.mu.Unlock()

	var due []Node
	for _, id := range r.order {
		node := r.nodes[id]
		if !node.Active {
			continue
		}
		if node.SkipAttempts > 0 {
			node.SkipAttempts--
			continue
		}
		if node.IsSelf || node.InUse {
			continue
		}
		due = append(due, *node)
	}
	return due
}

// TryAcquire marks a node as in use. It fails when an exchange with the node
// is already in flight.
func (r *Registry) TryAcquire(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	node, ok := r.nodes[id]
	if !ok || node.InUse {
		return false
	}
	node.InUse = true
	return true
}

// Release clears the in use mark set by TryAcquire.
func (r *Registry) Release(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if node, ok := r.nodes[id]; ok {
		node.InUse = false
	}
}

// IsInUse reports whether a node has an exchange in flight.
func (r *Registry) IsInUse(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	node, ok := r.nodes[id]
	return ok && node.InUse
}

// RecordSuccess resets the failure counters and restores the node's life.
func (r *Registry) RecordSuccess(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	node, ok := r.nodes[id]
	if !ok {
		return
	}
	node.Attempts = 0
	node.SkipAttempts = 0
	node.Life = r.maxLife
	metrics.GetMetrics().SetNodeLife(id, node.Life)
}

// RecordFailure counts a failed exchange. Once MaxAttempts consecutive
// failures are reached the node loses one life and cools down for
// SkipAttemptsOnFail ticks; with no life left it is disabled and the
// disablement persisted. Returns true when the node got disabled.
func (r *Registry) RecordFailure(ctx context.Context, id string) bool {
	r.mu.Lock()
	node, ok := r.nodes[id]
	if !ok {
		r.mu.Unlock()
		return false
	}

	node.Attempts++
	if node.Attempts < r.maxAttempts {
		r.mu.Unlock()
		return false
	}

	disabled := false
	if node.Life == 0 {
		node.Active = false
		node.Disabled = true
		node.Attempts = 0
		disabled = true
		r.updateGauges()
	} else {
		node.SkipAttempts = r.skipOnFail
		node.Attempts = 0
		node.Life--
	}
	life, skip := node.Life, node.SkipAttempts
	r.mu.Unlock()

	m := metrics.GetMetrics()
	m.SetNodeLife(id, life)
	if !disabled {
		r.logger.Warn("Heartbeat attempts exhausted; cooling down",
			zap.String("node", id), zap.Int("skip", skip), zap.Int("life", life))
		return false
	}

	m.IncNodesDisabled()
	r.logger.Error("Node life out; disabled", zap.String("node", id))
	if r.store != nil {
		if err := r.store.DisableNode(ctx, id); err != nil {
			r.logger.Error("Failed to persist node disablement", zap.String("node", id), zap.Error(err))
		}
	}
	return true
}

// EnableNode re-enables a node and resets its health counters.
func (r *Registry) EnableNode(ctx context.Context, id string) error {
	r.mu.Lock()
	node, ok := r.nodes[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNodeNotFound, id)
	}
	node.Active = true
	node.Disabled = false
	node.Attempts = 0
	node.SkipAttempts = 0
	node.Life = r.maxLife
	r.updateGauges()
	r.mu.Unlock()

	r.logger.Info("Node enabled", zap.String("node", id))
	if r.store != nil {
		return r.store.EnableNode(ctx, id)
	}
	return nil
}

// DisableNode deactivates a node until it is enabled again.
func (r *Registry) DisableNode(ctx context.Context, id string) error {
	r.mu.Lock()
	node, ok := r.nodes[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNodeNotFound, id)
	}
	if node.IsSelf {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrSelfNode, id)
	}
	node.Active = false
	node.Disabled = true
	node.Attempts = 0
	r.updateGauges()
	r.mu.Unlock()

	r.logger.Info("Node disabled", zap.String("node", id))
	if r.store != nil {
		return r.store.DisableNode(ctx, id)
	}
	return nil
}

// SetAllActive toggles the active flag of every node that is not disabled.
func (r *Registry) SetAllActive(active bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, node := range r.nodes {
		if node.Disabled && active {
			continue
		}
		node.Active = active
	}
	r.updateGauges()
}

// updateGauges must be called with mu held.
func (r *Registry) updateGauges() {
	active := 0
	for _, node := range r.nodes {
		if node.Active {
			active++
		}
	}
	m := metrics.GetMetrics()
	m.SetClusterNodesTotal(len(r.nodes))
	m.SetClusterNodesActive(active)
}
