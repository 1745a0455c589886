package cluster

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type orderRecorder struct {
	mu    sync.Mutex
	steps []string
}

func (o *orderRecorder) add(step string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.steps = append(o.steps, step)
}

type stopperFunc func()

func (f stopperFunc) Stop() { f() }

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

func startServer(t *testing.T) (*http.Server, string) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	srv := &http.Server{Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})}
	go srv.Serve(ln)
	return srv, "http://" + ln.Addr().String()
}

func TestShutdownManager_Shutdown(t *testing.T) {
	srv, url := startServer(t)
	resp, err := http.Get(url)
	require.NoError(t, err)
	resp.Body.Close()

	node := newTestNode(t, "a", newLoopbackTransport(), "a", "b")
	order := &orderRecorder{}

	sm := NewShutdownManager(
		srv,
		stopperFunc(func() { order.add("scheduler") }),
		node.protocol,
		stopperFunc(func() { order.add("tenants") }),
		nil,
		time.Second,
		closerFunc(func() error { order.add("log"); return nil }),
		nil,
		closerFunc(func() error { order.add("nodes"); return nil }),
	)

	require.NoError(t, sm.Shutdown(context.Background()))
	assert.Equal(t, []string{"scheduler", "tenants", "log", "nodes"}, order.steps)

	_, err = http.Get(url)
	assert.Error(t, err, "server must not accept requests after shutdown")

	assert.True(t, errors.Is(sm.Shutdown(context.Background()), ErrShutdownInProgress))
}

func TestShutdownManager_AggregatesErrors(t *testing.T) {
	first := errors.New("close log")
	second := errors.New("close node store")

	sm := NewShutdownManager(nil, nil, nil, nil, nil, 0,
		closerFunc(func() error { return first }),
		closerFunc(func() error { return second }),
	)
	assert.Equal(t, 30*time.Second, sm.timeout)

	err := sm.Shutdown(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, first))
	assert.True(t, errors.Is(err, second))
}

func TestShutdownManager_WaitsForSyncExchanges(t *testing.T) {
	release := make(chan struct{})
	var finished bool
	slow := transportFunc(func(ctx context.Context, node Node, msg *Message) (*Message, error) {
		select {
		case <-release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		finished = true
		return &Message{Command: CommandSyncResponse, Log: []LogMessage{{LogID: 1, TenantID: "acme"}}}, nil
	})
	node := newTestNode(t, "a", slow, "a", "b")

	require.NoError(t, node.protocol.scheduleSync("b", Decision{Action: ActionSync}))

	sm := NewShutdownManager(nil, nil, node.protocol, nil, nil, 2*time.Second)
	go func() {
		time.Sleep(20 * time.Millisecond)
		close(release)
	}()
	require.NoError(t, sm.Shutdown(context.Background()))
	assert.True(t, finished)
	assert.False(t, node.protocol.Registry().IsInUse("a"))
}
