package cluster

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/arohanajit/configserver/internal/metrics"
	"github.com/arohanajit/configserver/internal/utils"
)

const defaultRequestTimeout = 5 * time.Second

var errEmptySnapshot = errors.New("full entry without content")

// Storage is the tenant data the replication engine reads and writes.
type Storage interface {
	TenantIDs() []string
	Entities(ctx context.Context, tenantID string) ([]string, error)
	GetRawSnapshot(ctx context.Context, entity, tenantID string) (json.RawMessage, error)
	ApplyIncrementalDiff(ctx context.Context, tenantID, entity string, diff json.RawMessage) error
	SetSnapshot(ctx context.Context, tenantID, entity string, token json.RawMessage, isReplication bool) error
	GetDataHash(ctx context.Context, tenantID string) (string, error)
}

// Protocol implements the heartbeat and sync state machine of one node.
type Protocol struct {
	registry  *Registry
	log       *SelfLog
	storage   Storage
	transport Transport
	timeout   time.Duration

	// exchangeMu serializes building requests, evaluating peers and
	// mutating the self log. It is never held across network calls.
	exchangeMu sync.Mutex

	baseCtx  context.Context
	cancel   context.CancelFunc
	inflight sync.WaitGroup

	logger *zap.Logger
}

// NewProtocol wires the protocol to its collaborators. A zero timeout uses
// the default request timeout.
func NewProtocol(registry *Registry, log *SelfLog, storage Storage, transport Transport, timeout time.Duration, logger *zap.Logger) *Protocol {
	if logger == nil {
		logger = zap.NewNop()
	}
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Protocol{
		registry:  registry,
		log:       log,
		storage:   storage,
		transport: transport,
		timeout:   timeout,
		baseCtx:   ctx,
		cancel:    cancel,
		logger:    logger.Named("cluster"),
	}
}

// Registry exposes the node registry the protocol works on.
func (p *Protocol) Registry() *Registry { return p.registry }

// Log exposes the self node log.
func (p *Protocol) Log() *SelfLog { return p.log }

// SendHeartbeat performs one heartbeat exchange with a node and updates its
// health counters. When the reply shows this node is behind, the matching
// sync exchange follows immediately.
func (p *Protocol) SendHeartbeat(ctx context.Context, nodeID string) error {
	if !p.registry.TryAcquire(nodeID) {
		return fmt.Errorf("%w: %s", ErrNodeBusy, nodeID)
	}
	defer p.registry.Release(nodeID)

	node, ok := p.registry.FindNode(nodeID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNodeNotFound, nodeID)
	}

	req := p.buildRequest(ctx, CommandHeartbeatRequest, nil)
	p.logger.Debug("Heartbeat",
		zap.String("node", nodeID),
		zap.Int64("lastLogId", req.LastLogID))

	sendCtx, cancel := context.WithTimeout(ctx, p.timeout)
	resp, err := p.transport.Send(sendCtx, node, req)
	cancel()
	if err == nil {
		err = validateHeartbeatResponse(resp)
	}
	if err != nil {
		metrics.GetMetrics().RecordHeartbeat(nodeID, "failure")
		p.registry.RecordFailure(ctx, nodeID)
		p.logger.Warn("Heartbeat failed", zap.String("node", nodeID), zap.Error(err))
		return err
	}

	p.registry.RecordSuccess(nodeID)
	if resp.Command == CommandInUse {
		metrics.GetMetrics().RecordHeartbeat(nodeID, "in_use")
		p.logger.Debug("Node in use", zap.String("node", nodeID))
		return nil
	}
	metrics.GetMetrics().RecordHeartbeat(nodeID, "success")
	if resp.Result == ResultError {
		p.logger.Warn("Peer could not process heartbeat", zap.String("node", nodeID))
	}
	p.registry.MergeDiscovered(ctx, resp.Nodes)

	decision := p.evaluate(ctx, resp)
	if decision.Action == ActionNone {
		return nil
	}
	if !p.registry.TryAcquire(p.registry.SelfID()) {
		p.logger.Debug("Self node busy; sync postponed", zap.String("node", nodeID))
		return nil
	}
	defer p.registry.Release(p.registry.SelfID())
	return p.syncLocked(ctx, node, decision)
}

func validateHeartbeatResponse(resp *Message) error {
	if resp == nil {
		return fmt.Errorf("%w: null item", ErrInvalidResponse)
	}
	if resp.Command != CommandHeartbeatResponse && resp.Command != CommandInUse {
		return fmt.Errorf("%w: unexpected command %s", ErrInvalidResponse, resp.Command)
	}
	return nil
}

// evaluate checks a heartbeat reply for missing log entries.
func (p *Protocol) evaluate(ctx context.Context, peer *Message) Decision {
	p.exchangeMu.Lock()
	defer p.exchangeMu.Unlock()

	decision := DecideOnResponse(p.localState(ctx), StateOf(peer))
	if decision.Action != ActionNone {
		p.log.SetStatus(StatusUnsynchronized)
		p.logger.Info("Self node behind peer",
			zap.String("node", peer.NodeID),
			zap.Stringer("action", decision.Action),
			zap.Strings("tenants", decision.Tenants),
			zap.Int64("selfLastLogId", p.log.LastLogID()),
			zap.Int64("peerLastLogId", peer.LastLogID))
	}
	return decision
}

// HandleRequest answers a message received from a peer.
func (p *Protocol) HandleRequest(ctx context.Context, req *Message) *Message {
	if req == nil {
		return &Message{Command: CommandUnknown, Created: time.Now().UTC(), NodeID: p.registry.SelfID(), Result: ResultError}
	}

	p.registry.MergeDiscovered(ctx, req.Nodes)

	if p.registry.IsInUse(p.registry.SelfID()) {
		p.logger.Debug("Self node in use; ignoring request",
			zap.String("node", req.NodeID), zap.Stringer("command", req.Command))
		return &Message{
			Command:   CommandInUse,
			Created:   time.Now().UTC(),
			RequestID: req.RequestID,
			NodeID:    p.registry.SelfID(),
			LastLogID: p.log.LastLogID(),
			Result:    ResultSuccess,
		}
	}

	p.exchangeMu.Lock()
	defer p.exchangeMu.Unlock()

	resp := p.selfMessage(ctx, CommandUnknown)
	resp.RequestID = req.RequestID
	resp.Result = ResultSuccess

	switch req.Command {
	case CommandSyncRequest:
		p.logger.Debug("Sync request", zap.String("node", req.NodeID), zap.Int64("after", req.LastLogID))
		resp.Command = CommandSyncResponse
		resp.Log = p.log.EntriesAfter(req.LastLogID)

	case CommandFullSyncRequest:
		p.logger.Debug("Full sync request", zap.String("node", req.NodeID), zap.Int("tenants", len(req.Log)))
		resp.Command = CommandFullSyncResponse
		resp.Log = p.snapshotEntries(ctx, req.Log)

	case CommandHeartbeatRequest:
		resp.Command = CommandHeartbeatResponse
		decision := Decide(p.localState(ctx), StateOf(req))
		if decision.Action == ActionNone {
			break
		}
		p.log.SetStatus(StatusUnsynchronized)
		p.logger.Info("Self node behind requester",
			zap.String("node", req.NodeID),
			zap.Stringer("action", decision.Action),
			zap.Strings("tenants", decision.Tenants))
		err := p.scheduleSync(req.NodeID, decision)
		switch {
		case errors.Is(err, ErrNodeNotFound):
			p.logger.Error("Requester not found in node list; sync aborted", zap.String("node", req.NodeID))
			resp.Result = ResultError
		case err != nil:
			p.logger.Debug("Sync postponed", zap.String("node", req.NodeID), zap.Error(err))
		}

	default:
		p.logger.Warn("Unknown command", zap.String("node", req.NodeID), zap.Stringer("command", req.Command))
		resp.Command = CommandUnknown
		resp.Result = ResultError
	}
	return resp
}

// scheduleSync starts a sync exchange with a requester in the background.
// Both the self node and the requester are held for its whole duration.
func (p *Protocol) scheduleSync(nodeID string, decision Decision) error {
	node, ok := p.registry.FindNode(nodeID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNodeNotFound, nodeID)
	}
	selfID := p.registry.SelfID()
	if !p.registry.TryAcquire(selfID) {
		return fmt.Errorf("%w: %s", ErrNodeBusy, selfID)
	}
	if !p.registry.TryAcquire(nodeID) {
		p.registry.Release(selfID)
		return fmt.Errorf("%w: %s", ErrNodeBusy, nodeID)
	}

	p.inflight.Add(1)
	go func() {
		defer p.inflight.Done()
		defer p.registry.Release(selfID)
		defer p.registry.Release(nodeID)

		if err := p.syncLocked(p.baseCtx, node, decision); err != nil {
			p.logger.Warn("Sync failed", zap.String("node", nodeID), zap.Error(err))
		}
	}()
	return nil
}

// syncLocked requests missing entries or snapshots from node and applies
// them. Callers hold the self node and node.
func (p *Protocol) syncLocked(ctx context.Context, node Node, decision Decision) error {
	cmd, kind := CommandSyncRequest, "incremental"
	var placeholders []LogMessage
	if decision.Action == ActionFullSync {
		cmd, kind = CommandFullSyncRequest, "full"
		now := time.Now().UTC()
		for _, t := range decision.Tenants {
			placeholders = append(placeholders, LogMessage{Created: now, TenantID: t})
		}
	}

	req := p.buildRequest(ctx, cmd, placeholders)
	p.logger.Debug("Sync", zap.String("node", node.ID), zap.Stringer("command", cmd))

	sendCtx, cancel := context.WithTimeout(ctx, p.timeout)
	resp, err := p.transport.Send(sendCtx, node, req)
	cancel()
	if err == nil {
		err = validateSyncResponse(resp)
	}
	if err != nil {
		metrics.GetMetrics().RecordSync(node.ID, kind, "failure")
		p.registry.RecordFailure(ctx, node.ID)
		return fmt.Errorf("sync with %s: %w", node.ID, err)
	}

	p.registry.RecordSuccess(node.ID)
	if resp.Command == CommandInUse {
		metrics.GetMetrics().RecordSync(node.ID, kind, "in_use")
		p.logger.Debug("Sync source in use", zap.String("node", node.ID))
		return nil
	}

	applied, failed := p.applySync(ctx, resp)
	result := "success"
	if failed > 0 {
		result = "partial"
	}
	metrics.GetMetrics().RecordSync(node.ID, kind, result)
	p.logger.Info("Sync applied",
		zap.String("node", node.ID),
		zap.Stringer("command", resp.Command),
		zap.Int("applied", applied),
		zap.Int("failed", failed),
		zap.Int64("lastLogId", p.log.LastLogID()))
	return nil
}

func validateSyncResponse(resp *Message) error {
	if resp == nil {
		return fmt.Errorf("%w: null item", ErrInvalidResponse)
	}
	if resp.Command == CommandInUse {
		return nil
	}
	if resp.Command != CommandSyncResponse && resp.Command != CommandFullSyncResponse {
		return fmt.Errorf("%w: unexpected command %s", ErrInvalidResponse, resp.Command)
	}
	if resp.Log == nil {
		return fmt.Errorf("%w: log null", ErrInvalidResponse)
	}
	if len(resp.Log) == 0 {
		return fmt.Errorf("%w: log empty", ErrInvalidResponse)
	}
	return nil
}

// applySync applies a sync response in log id order. Entries that fail to
// apply are skipped and never reach the self log.
func (p *Protocol) applySync(ctx context.Context, resp *Message) (applied, failed int) {
	p.exchangeMu.Lock()
	defer p.exchangeMu.Unlock()

	full := resp.Command == CommandFullSyncResponse
	kind := "incremental"
	if full {
		kind = "full"
	}

	entries := append([]LogMessage(nil), resp.Log...)
	sort.SliceStable(entries, func(i, j int) bool { return entries[i].LogID < entries[j].LogID })

	for _, entry := range entries {
		if !full && entry.LogID <= p.log.LastLogID() {
			continue
		}
		if err := p.applyEntry(ctx, entry, full); err != nil {
			failed++
			p.logger.Warn("Log entry not applied",
				zap.Int64("logId", entry.LogID),
				zap.String("tenant", entry.TenantID),
				zap.String("entity", entry.Entity),
				zap.Error(err))
			continue
		}
		if _, err := p.log.AppendReplicated(entry); err != nil {
			failed++
			p.logger.Error("Failed to append replicated entry", zap.Int64("logId", entry.LogID), zap.Error(err))
			continue
		}
		applied++
		metrics.GetMetrics().IncLogApplied(kind)
	}

	if failed == 0 {
		p.log.SetStatus(StatusSynchronized)
	}
	return applied, failed
}

func (p *Protocol) applyEntry(ctx context.Context, entry LogMessage, full bool) error {
	switch {
	case full || entry.Full:
		if !entry.HasDiff() {
			if entry.Entity == "" {
				// the source tenant has no entities
				return nil
			}
			return errEmptySnapshot
		}
		return p.storage.SetSnapshot(ctx, entry.TenantID, entry.Entity, entry.JSONDiff, true)
	case !entry.HasDiff():
		// resync marker, nothing to apply
		return nil
	default:
		return p.storage.ApplyIncrementalDiff(ctx, entry.TenantID, entry.Entity, entry.JSONDiff)
	}
}

// snapshotEntries builds one full entry per entity of every tenant named in
// the request placeholders. Callers hold exchangeMu.
func (p *Protocol) snapshotEntries(ctx context.Context, placeholders []LogMessage) []LogMessage {
	lastID := p.log.LastLogID()
	now := time.Now().UTC()
	seen := make(map[string]bool, len(placeholders))
	entries := make([]LogMessage, 0, len(placeholders))

	for _, ph := range placeholders {
		if seen[ph.TenantID] {
			continue
		}
		seen[ph.TenantID] = true

		names, err := p.storage.Entities(ctx, ph.TenantID)
		if err != nil {
			p.logger.Warn("Tenant not available for full sync", zap.String("tenant", ph.TenantID), zap.Error(err))
			continue
		}
		if len(names) == 0 {
			entries = append(entries, LogMessage{LogID: lastID, Created: now, TenantID: ph.TenantID, Full: true})
			continue
		}
		for _, name := range names {
			raw, err := p.storage.GetRawSnapshot(ctx, name, ph.TenantID)
			if err != nil {
				p.logger.Warn("Entity not available for full sync",
					zap.String("tenant", ph.TenantID), zap.String("entity", name), zap.Error(err))
				continue
			}
			entries = append(entries, LogMessage{
				LogID:    lastID,
				Created:  now,
				TenantID: ph.TenantID,
				Entity:   name,
				JSONDiff: raw,
				Full:     true,
			})
		}
	}
	return entries
}

// RecordChange appends a locally originated change to the self log.
func (p *Protocol) RecordChange(tenantID, entity string, diff json.RawMessage, full bool) (LogMessage, error) {
	p.exchangeMu.Lock()
	defer p.exchangeMu.Unlock()

	entry, err := p.log.Append(tenantID, entity, diff, full)
	if err != nil {
		p.logger.Error("Failed to record change", zap.String("tenant", tenantID), zap.String("entity", entity), zap.Error(err))
		return LogMessage{}, err
	}
	p.logger.Info("Change recorded",
		zap.Int64("logId", entry.LogID),
		zap.String("tenant", tenantID),
		zap.String("entity", entity))
	return entry, nil
}

func (p *Protocol) buildRequest(ctx context.Context, cmd Command, log []LogMessage) *Message {
	p.exchangeMu.Lock()
	defer p.exchangeMu.Unlock()

	msg := p.selfMessage(ctx, cmd)
	msg.RequestID = utils.GenerateRequestID()
	if log != nil {
		msg.Log = log
	}
	return msg
}

// selfMessage fills the fields every message carries. Callers hold exchangeMu.
func (p *Protocol) selfMessage(ctx context.Context, cmd Command) *Message {
	return &Message{
		Command:        cmd,
		Created:        time.Now().UTC(),
		NodeID:         p.registry.SelfID(),
		NodeAliveSince: p.log.AliveSince(),
		LastLogID:      p.log.LastLogID(),
		LastLogDate:    p.log.LastLogDate(),
		DataHash:       p.dataHashes(ctx),
		Nodes:          p.registry.NodeConfigs(),
		Log:            []LogMessage{},
	}
}

func (p *Protocol) localState(ctx context.Context) NodeState {
	return NodeState{
		AliveSince:  p.log.AliveSince(),
		LastLogID:   p.log.LastLogID(),
		LastLogDate: p.log.LastLogDate(),
		DataHash:    p.dataHashes(ctx),
	}
}

func (p *Protocol) dataHashes(ctx context.Context) []TenantHash {
	ids := p.storage.TenantIDs()
	hashes := make([]TenantHash, 0, len(ids))
	for _, id := range ids {
		h, err := p.storage.GetDataHash(ctx, id)
		if err != nil {
			p.logger.Warn("Data hash unavailable", zap.String("tenant", id), zap.Error(err))
			continue
		}
		hashes = append(hashes, TenantHash{TenantID: id, Hash: h})
	}
	return hashes
}

// StatusReport summarizes the self node
type StatusReport struct {
	NodeID      string       `json:"nodeId"`
	Status      SelfStatus   `json:"status"`
	AliveSince  time.Time    `json:"aliveSince"`
	LastLogID   int64        `json:"lastLogId"`
	LastLogDate time.Time    `json:"lastLogDate"`
	LogSize     int          `json:"logSize"`
	InUse       bool         `json:"inUse"`
	DataHash    []TenantHash `json:"dataHash"`
}

func (p *Protocol) Status(ctx context.Context) StatusReport {
	return StatusReport{
		NodeID:      p.registry.SelfID(),
		Status:      p.log.Status(),
		AliveSince:  p.log.AliveSince(),
		LastLogID:   p.log.LastLogID(),
		LastLogDate: p.log.LastLogDate(),
		LogSize:     p.log.Len(),
		InUse:       p.registry.IsInUse(p.registry.SelfID()),
		DataHash:    p.dataHashes(ctx),
	}
}

// Wait blocks until background sync exchanges finish or ctx is done.
func (p *Protocol) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		p.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close cancels background sync exchanges and waits for them.
func (p *Protocol) Close() {
	p.cancel()
	p.inflight.Wait()
}
