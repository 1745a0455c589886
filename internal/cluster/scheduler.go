package cluster

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	defaultHeartbeatInterval = 2 * time.Second
	defaultMaxExchanges      = 8
)

// Heartbeater performs one heartbeat exchange with a node
type Heartbeater interface {
	SendHeartbeat(ctx context.Context, nodeID string) error
}

// Scheduler drives periodic heartbeats to every due node. The timer is
// re-armed only after a pass completes, so passes never overlap.
type Scheduler struct {
	registry    *Registry
	heartbeater Heartbeater
	interval    time.Duration
	maxParallel int

	mu      sync.Mutex
	parent  context.Context
	stopCh  chan struct{}
	doneCh  chan struct{}
	ticking atomic.Bool

	logger *zap.Logger
}

// NewScheduler creates a stopped scheduler.
func NewScheduler(registry *Registry, heartbeater Heartbeater, interval time.Duration, maxParallel int, logger *zap.Logger) *Scheduler {
	if interval <= 0 {
		interval = defaultHeartbeatInterval
	}
	if maxParallel <= 0 {
		maxParallel = defaultMaxExchanges
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		registry:    registry,
		heartbeater: heartbeater,
		interval:    interval,
		maxParallel: maxParallel,
		logger:      logger.Named("scheduler"),
	}
}

// Start begins ticking until ctx is done or Stop is called.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.parent = ctx
	s.startLocked()
}

func (s *Scheduler) startLocked() {
	if s.stopCh != nil || s.parent == nil {
		return
	}
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	go s.run(s.parent, s.stopCh, s.doneCh)
	s.logger.Info("Heartbeat scheduler started", zap.Duration("interval", s.interval))
}

// Stop halts the ticker and waits for a running pass to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked()
}

func (s *Scheduler) stopLocked() {
	if s.stopCh == nil {
		return
	}
	close(s.stopCh)
	<-s.doneCh
	s.stopCh, s.doneCh = nil, nil
	s.logger.Info("Heartbeat scheduler stopped")
}

// Running reports whether the ticker is armed.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopCh != nil
}

// StartManaging activates every node that is not disabled and restarts the ticker.
func (s *Scheduler) StartManaging() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked()
	s.registry.SetAllActive(true)
	s.startLocked()
}

// StopManaging deactivates every node and restarts the ticker, which then
// has nothing to contact.
func (s *Scheduler) StopManaging() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked()
	s.registry.SetAllActive(false)
	s.startLocked()
}

func (s *Scheduler) run(ctx context.Context, stopCh <-chan struct{}, doneCh chan<- struct{}) {
	defer close(doneCh)

	timer := time.NewTimer(s.interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case <-timer.C:
			s.Tick(ctx)
			timer.Reset(s.interval)
		}
	}
}

// Tick runs one heartbeat pass over the due nodes. It returns false without
// doing anything when another pass is still running.
func (s *Scheduler) Tick(ctx context.Context) bool {
	if !s.ticking.CompareAndSwap(false, true) {
		return false
	}
	defer s.ticking.Store(false)

	due := s.registry.DueForHeartbeat()
	if len(due) == 0 {
		return true
	}

	var g errgroup.Group
	g.SetLimit(s.maxParallel)
	for _, node := range due {
		nodeID := node.ID
		g.Go(func() error {
			err := s.heartbeater.SendHeartbeat(ctx, nodeID)
			if err != nil && !errors.Is(err, ErrNodeBusy) {
				s.logger.Debug("Heartbeat exchange failed", zap.String("node", nodeID), zap.Error(err))
			}
			// per node failures never abort the pass
			return nil
		})
	}
	g.Wait()
	return true
}
