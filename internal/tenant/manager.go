package tenant

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	jsonpatch "github.com/evanphx/json-patch/v5"
	gocache "github.com/patrickmn/go-cache"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/arohanajit/configserver/internal/config"
	"github.com/arohanajit/configserver/internal/metrics"
	"github.com/arohanajit/configserver/internal/storage"
)

var ErrTenantNotFound = errors.New("tenant not found")

var emptyDocument = []byte(`{}`)

// ChangeEvent describes a local, non replicated change of one entity.
// Full is set when Diff holds the complete document instead of a merge patch.
type ChangeEvent struct {
	TenantID string
	Entity   string
	Diff     json.RawMessage
	Full     bool
}

// Observer receives change events from the dispatcher goroutine, in write order.
type Observer interface {
	OnChange(ctx context.Context, ev ChangeEvent)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(ctx context.Context, ev ChangeEvent)

func (f ObserverFunc) OnChange(ctx context.Context, ev ChangeEvent) { f(ctx, ev) }

type tenant struct {
	id          string
	startEntity string
	provider    storage.Provider

	mu   sync.Mutex
	seen map[string][]byte
	gen  atomic.Uint64

	// events queued under mu, delivered by flush after mu is released
	pendMu  sync.Mutex
	pending []ChangeEvent
	pubMu   sync.Mutex
}

// Manager owns the tenants of this node and their storage providers.
type Manager struct {
	mu      sync.RWMutex
	tenants map[string]*tenant

	hashes *gocache.Cache
	group  singleflight.Group

	events    chan ChangeEvent
	observers []Observer
	obsMu     sync.RWMutex

	pollInterval time.Duration
	stopOnce     sync.Once
	stopCh       chan struct{}
	wg           sync.WaitGroup

	logger *zap.Logger
}

// NewManager creates an empty tenant manager.
func NewManager(settings config.TenantSettings, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	ttl := settings.HashCacheTTL
	if ttl <= 0 {
		ttl = gocache.NoExpiration
	}
	buffer := settings.EventBuffer
	if buffer <= 0 {
		buffer = 256
	}
	return &Manager{
		tenants:      make(map[string]*tenant),
		hashes:       gocache.New(ttl, time.Minute),
		events:       make(chan ChangeEvent, buffer),
		pollInterval: settings.PollInterval,
		stopCh:       make(chan struct{}),
		logger:       logger.Named("tenant"),
	}
}

// AddTenant registers a tenant and records the current content of its entities
// so that later external edits can be detected by Reload.
func (m *Manager) AddTenant(ctx context.Context, id, startEntity string, provider storage.Provider) error {
	if id == "" {
		return errors.New("tenant id cannot be empty")
	}
	t := &tenant{
		id:          id,
		startEntity: startEntity,
		provider:    provider,
		seen:        make(map[string][]byte),
	}
	names, err := provider.Entities(ctx)
	if err != nil {
		return fmt.Errorf("list entities of %s: %w", id, err)
	}
	for _, name := range names {
		data, err := provider.Get(ctx, name)
		if err != nil {
			return fmt.Errorf("read %s/%s: %w", id, name, err)
		}
		t.seen[name] = data
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.tenants[id]; exists {
		return fmt.Errorf("tenant %s already registered", id)
	}
	m.tenants[id] = t
	m.logger.Info("Tenant loaded", zap.String("tenant", id), zap.Int("entities", len(names)))
	return nil
}

func (m *Manager) tenant(id string) (*tenant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tenants[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTenantNotFound, id)
	}
	return t, nil
}

// TenantIDs returns the registered tenant ids in sorted order.
func (m *Manager) TenantIDs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.tenants))
	for id := range m.tenants {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Subscribe registers an observer for local changes.
func (m *Manager) Subscribe(o Observer) {
	m.obsMu.Lock()
	defer m.obsMu.Unlock()
	m.observers = append(m.observers, o)
}

// Get returns the raw content of an entity. An empty entity name selects the
// tenant's start entity.
func (m *Manager) Get(ctx context.Context, tenantID, entity string) ([]byte, error) {
	t, err := m.tenant(tenantID)
	if err != nil {
		return nil, err
	}
	if entity == "" {
		entity = t.startEntity
	}
	return t.provider.Get(ctx, entity)
}

// GetRawSnapshot returns the complete current document of an entity.
func (m *Manager) GetRawSnapshot(ctx context.Context, entity, tenantID string) (json.RawMessage, error) {
	data, err := m.Get(ctx, tenantID, entity)
	if err != nil {
		return nil, err
	}
	return json.RawMessage(data), nil
}

// Entities lists the entities of a tenant.
func (m *Manager) Entities(ctx context.Context, tenantID string) ([]string, error) {
	t, err := m.tenant(tenantID)
	if err != nil {
		return nil, err
	}
	return t.provider.Entities(ctx)
}

// Set writes a whole entity. Local writes (isReplication=false) notify
// observers with a merge patch against the previous content.
func (m *Manager) Set(ctx context.Context, tenantID, entity string, data []byte, isReplication bool) error {
	t, err := m.tenant(tenantID)
	if err != nil {
		return err
	}
	if entity == "" {
		entity = t.startEntity
	}

	if err := m.set(ctx, t, entity, data, isReplication); err != nil {
		return err
	}
	m.flush(t)
	return nil
}

func (m *Manager) set(ctx context.Context, t *tenant, entity string, data []byte, isReplication bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	prev, err := m.current(ctx, t, entity)
	if err != nil {
		return err
	}
	if err := t.provider.Set(ctx, entity, data); err != nil {
		return err
	}
	m.written(t, entity, data)

	if isReplication {
		return nil
	}
	if ev, changed := changeEvent(t.id, entity, prev, data); changed {
		t.enqueue(ev)
	}
	return nil
}

// SetSnapshot replaces an entity with a complete document.
func (m *Manager) SetSnapshot(ctx context.Context, tenantID, entity string, token json.RawMessage, isReplication bool) error {
	return m.Set(ctx, tenantID, entity, token, isReplication)
}

// ApplyIncrementalDiff merges an RFC 7386 patch into an entity. Applied
// patches never notify observers.
func (m *Manager) ApplyIncrementalDiff(ctx context.Context, tenantID, entity string, diff json.RawMessage) error {
	t, err := m.tenant(tenantID)
	if err != nil {
		return err
	}
	if entity == "" {
		entity = t.startEntity
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	prev, err := m.current(ctx, t, entity)
	if err != nil {
		return err
	}
	merged, err := jsonpatch.MergePatch(prev, diff)
	if err != nil {
		return fmt.Errorf("apply diff to %s/%s: %w", tenantID, entity, err)
	}
	if err := t.provider.Set(ctx, entity, merged); err != nil {
		return err
	}
	m.written(t, entity, merged)
	return nil
}

// current returns the stored content, or an empty document when the entity
// does not exist yet. Callers hold t.mu.
func (m *Manager) current(ctx context.Context, t *tenant, entity string) ([]byte, error) {
	prev, err := t.provider.Get(ctx, entity)
	if errors.Is(err, storage.ErrEntityNotFound) {
		return emptyDocument, nil
	}
	return prev, err
}

func (m *Manager) written(t *tenant, entity string, data []byte) {
	t.seen[entity] = append([]byte(nil), data...)
	t.gen.Add(1)
	m.hashes.Delete(t.id)
}

// GetDataHash returns a sha256 over the canonical JSON of all entities of a
// tenant. Results are cached until the next write.
func (m *Manager) GetDataHash(ctx context.Context, tenantID string) (string, error) {
	t, err := m.tenant(tenantID)
	if err != nil {
		return "", err
	}
	if h, ok := m.hashes.Get(tenantID); ok {
		metrics.GetMetrics().RecordHashCache(true)
		return h.(string), nil
	}
	metrics.GetMetrics().RecordHashCache(false)

	v, err, _ := m.group.Do(tenantID, func() (interface{}, error) {
		gen := t.gen.Load()
		h, err := m.computeHash(ctx, t)
		if err != nil {
			return "", err
		}
		if t.gen.Load() == gen {
			m.hashes.Set(tenantID, h, gocache.DefaultExpiration)
		}
		return h, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (m *Manager) computeHash(ctx context.Context, t *tenant) (string, error) {
	names, err := t.provider.Entities(ctx)
	if err != nil {
		return "", err
	}
	sort.Strings(names)

	h := sha256.New()
	for _, name := range names {
		data, err := t.provider.Get(ctx, name)
		if errors.Is(err, storage.ErrEntityNotFound) {
			continue
		}
		if err != nil {
			return "", err
		}
		canon, err := canonical(data)
		if err != nil {
			return "", fmt.Errorf("entity %s/%s: %w", t.id, name, err)
		}
		h.Write([]byte(name))
		h.Write([]byte{'\n'})
		h.Write(canon)
		h.Write([]byte{'\n'})
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// canonical re-encodes a document with sorted object keys so that equal
// content hashes equally regardless of formatting.
func canonical(data []byte) ([]byte, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var v interface{}
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	return json.Marshal(v)
}

func changeEvent(tenantID, entity string, prev, next []byte) (ChangeEvent, bool) {
	a, errA := canonical(prev)
	b, errB := canonical(next)
	if errA == nil && errB == nil && bytes.Equal(a, b) {
		return ChangeEvent{}, false
	}

	ev := ChangeEvent{TenantID: tenantID, Entity: entity}
	patch, err := jsonpatch.CreateMergePatch(prev, next)
	if err != nil {
		// non-object documents cannot be expressed as a merge patch
		ev.Diff = append(json.RawMessage(nil), next...)
		ev.Full = true
		return ev, true
	}
	ev.Diff = patch
	return ev, true
}

// enqueue records an event in write order. Callers hold t.mu.
func (t *tenant) enqueue(ev ChangeEvent) {
	t.pendMu.Lock()
	t.pending = append(t.pending, ev)
	t.pendMu.Unlock()
}

// flush hands queued events to the dispatcher in the order they were queued.
// It must not be called with t.mu held: publish may block on a full buffer,
// and the dispatcher's observers may wait on a sync that needs t.mu.
func (m *Manager) flush(t *tenant) {
	t.pubMu.Lock()
	defer t.pubMu.Unlock()
	for {
		t.pendMu.Lock()
		if len(t.pending) == 0 {
			t.pendMu.Unlock()
			return
		}
		ev := t.pending[0]
		t.pending = t.pending[1:]
		t.pendMu.Unlock()
		m.publish(ev)
	}
}

// publish blocks while the event buffer is full. Request cancellation is
// ignored so that an accepted write always reaches the change log.
func (m *Manager) publish(ev ChangeEvent) {
	select {
	case m.events <- ev:
		metrics.GetMetrics().IncTenantChange(ev.TenantID)
	case <-m.stopCh:
		m.logger.Warn("Change event dropped during shutdown",
			zap.String("tenant", ev.TenantID),
			zap.String("entity", ev.Entity))
	}
}

// Reload re-reads every entity and publishes changes made to the backing
// stores outside of this process.
func (m *Manager) Reload(ctx context.Context) error {
	var errs error
	for _, id := range m.TenantIDs() {
		t, err := m.tenant(id)
		if err != nil {
			continue
		}
		errs = multierr.Append(errs, m.reloadTenant(ctx, t))
		m.flush(t)
	}
	return errs
}

func (m *Manager) reloadTenant(ctx context.Context, t *tenant) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	names, err := t.provider.Entities(ctx)
	if err != nil {
		return fmt.Errorf("list entities of %s: %w", t.id, err)
	}
	for _, name := range names {
		data, err := t.provider.Get(ctx, name)
		if err != nil {
			return fmt.Errorf("read %s/%s: %w", t.id, name, err)
		}
		prev, known := t.seen[name]
		if !known {
			prev = emptyDocument
		}
		ev, changed := changeEvent(t.id, name, prev, data)
		if !changed {
			continue
		}
		m.written(t, name, data)
		m.logger.Info("External change detected", zap.String("tenant", t.id), zap.String("entity", name))
		t.enqueue(ev)
	}
	return nil
}

// Start launches the change dispatcher and, when configured, the store poller.
func (m *Manager) Start(ctx context.Context) {
	m.wg.Add(1)
	go m.dispatch(ctx)

	if m.pollInterval > 0 {
		m.wg.Add(1)
		go m.poll(ctx)
	}
}

// Stop terminates the background goroutines started by Start.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
	m.wg.Wait()
}

func (m *Manager) dispatch(ctx context.Context) {
	defer m.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			// writes already accepted still reach the observers
			for {
				select {
				case ev := <-m.events:
					m.notify(ctx, ev)
				default:
					return
				}
			}
		case ev := <-m.events:
			m.notify(ctx, ev)
		}
	}
}

func (m *Manager) notify(ctx context.Context, ev ChangeEvent) {
	m.obsMu.RLock()
	observers := append([]Observer(nil), m.observers...)
	m.obsMu.RUnlock()
	for _, o := range observers {
		o.OnChange(ctx, ev)
	}
}

func (m *Manager) poll(ctx context.Context) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			if err := m.Reload(ctx); err != nil {
				m.logger.Error("Store reload failed", zap.Error(err))
			}
		}
	}
}

// Close releases every provider.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var errs error
	for _, t := range m.tenants {
		errs = multierr.Append(errs, t.provider.Close())
	}
	return errs
}
