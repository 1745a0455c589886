package cluster

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

var ErrShutdownInProgress = errors.New("shutdown already in progress")

// Stopper is a background component that stops synchronously
type Stopper interface {
	Stop()
}

// ShutdownManager handles the graceful shutdown sequence for a node
type ShutdownManager struct {
	server    *http.Server
	scheduler Stopper
	protocol  *Protocol
	tenants   Stopper
	closers   []io.Closer
	logger    *zap.Logger
	timeout   time.Duration

	mu             sync.Mutex
	isShuttingDown bool
}

// NewShutdownManager creates a new ShutdownManager instance. Closers are
// closed in order once every exchange has finished.
func NewShutdownManager(
	server *http.Server,
	scheduler Stopper,
	protocol *Protocol,
	tenants Stopper,
	logger *zap.Logger,
	timeout time.Duration,
	closers ...io.Closer,
) *ShutdownManager {
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ShutdownManager{
		server:    server,
		scheduler: scheduler,
		protocol:  protocol,
		tenants:   tenants,
		closers:   closers,
		logger:    logger,
		timeout:   timeout,
	}
}

// Shutdown performs a graceful shutdown of the node
func (sm *ShutdownManager) Shutdown(ctx context.Context) error {
	sm.mu.Lock()
	if sm.isShuttingDown {
		sm.mu.Unlock()
		return ErrShutdownInProgress
	}
	sm.isShuttingDown = true
	sm.mu.Unlock()

	sm.logger.Info("Starting graceful shutdown sequence")

	ctx, cancel := context.WithTimeout(ctx, sm.timeout)
	defer cancel()

	var errs error

	// Step 1: no new heartbeats
	if sm.scheduler != nil {
		sm.logger.Info("Stopping heartbeat scheduler")
		sm.scheduler.Stop()
	}

	// Step 2: no new requests from peers or clients
	if sm.server != nil {
		sm.logger.Info("Stopping HTTP server - no longer accepting new requests")
		if err := sm.server.Shutdown(ctx); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("http server: %w", err))
		}
	}

	// Step 3: let running sync exchanges finish, then cancel the rest
	if sm.protocol != nil {
		sm.logger.Info("Waiting for in-flight sync exchanges")
		if err := sm.protocol.Wait(ctx); err != nil {
			sm.logger.Warn("Timed out waiting for sync exchanges", zap.Error(err))
		}
		sm.protocol.Close()
	}

	// Step 4: flush pending change events into the self log
	if sm.tenants != nil {
		sm.logger.Info("Stopping tenant change dispatcher")
		sm.tenants.Stop()
	}

	// Step 5: release stores
	for _, c := range sm.closers {
		if c == nil {
			continue
		}
		errs = multierr.Append(errs, c.Close())
	}

	if errs != nil {
		sm.logger.Error("Graceful shutdown completed with errors", zap.Error(errs))
		return errs
	}
	sm.logger.Info("Graceful shutdown completed successfully")
	return nil
}
