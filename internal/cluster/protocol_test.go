package cluster

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func waitSynced(t *testing.T, p *Protocol) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, p.Wait(ctx))
}

func TestProtocol_HeartbeatPullsMissingEntries(t *testing.T) {
	transport := newLoopbackTransport()
	b := newTestNode(t, "b", transport, "a", "b")
	a := newTestNode(t, "a", transport, "a", "b")
	transport.register(a.protocol)
	transport.register(b.protocol)

	b.change(t, "main", `{"a":1}`)
	b.storage.put("acme", "main", `{"a":1,"b":2}`)
	_, err := b.protocol.RecordChange("acme", "main", json.RawMessage(`{"b":2}`), false)
	require.NoError(t, err)
	b.change(t, "flags", `{"beta":true}`)
	b.change(t, "limits", `{"rps":10}`)
	b.change(t, "limits", `{"rps":20}`)
	require.Equal(t, int64(5), b.log.LastLogID())

	require.NoError(t, a.protocol.SendHeartbeat(context.Background(), "b"))

	assert.Equal(t, int64(5), a.log.LastLogID())
	assert.Equal(t, StatusSynchronized, a.log.Status())
	for _, entity := range []string{"main", "flags", "limits"} {
		assert.JSONEq(t, b.storage.get("acme", entity), a.storage.get("acme", entity), entity)
	}
	assert.Equal(t, []Command{CommandHeartbeatRequest, CommandSyncRequest}, transport.commands())

	// replicated entries keep their ids
	for i, e := range a.log.EntriesAfter(0) {
		assert.Equal(t, int64(i+1), e.LogID)
	}

	node, _ := a.protocol.Registry().FindNode("b")
	assert.Equal(t, 0, node.Attempts)
	assert.False(t, a.protocol.Registry().IsInUse("a"), "self lease is released after the exchange")
	assert.False(t, a.protocol.Registry().IsInUse("b"))
}

func TestProtocol_ResponderPullsFromOlderRequester(t *testing.T) {
	transport := newLoopbackTransport()
	a := newTestNode(t, "a", transport, "a", "b")
	b := newTestNode(t, "b", transport, "a", "b")
	transport.register(a.protocol)
	transport.register(b.protocol)

	// a is older and empty, so it pulls b's log instead of trusting hashes
	a.log.aliveSince = b.log.AliveSince().Add(-time.Minute)
	b.change(t, "main", `{"x":1}`)
	b.change(t, "main", `{"x":2}`)
	b.change(t, "other", `{"y":1}`)

	require.NoError(t, b.protocol.SendHeartbeat(context.Background(), "a"))
	waitSynced(t, a.protocol)

	assert.Equal(t, int64(3), a.log.LastLogID())
	assert.JSONEq(t, `{"x":2}`, a.storage.get("acme", "main"))
	assert.JSONEq(t, `{"y":1}`, a.storage.get("acme", "other"))
	assert.Contains(t, transport.commands(), CommandSyncRequest)
	assert.False(t, a.protocol.Registry().IsInUse("a"))
}

func TestProtocol_YoungerEmptyNodeFullSync(t *testing.T) {
	transport := newLoopbackTransport()
	b := newTestNode(t, "b", transport, "a", "b")
	a := newTestNode(t, "a", transport, "a", "b")
	transport.register(a.protocol)
	transport.register(b.protocol)

	a.log.aliveSince = b.log.AliveSince().Add(time.Minute)
	b.change(t, "main", `{"x":1}`)
	b.change(t, "flags", `{"on":true}`)

	require.NoError(t, b.protocol.SendHeartbeat(context.Background(), "a"))
	waitSynced(t, a.protocol)

	assert.Contains(t, transport.commands(), CommandFullSyncRequest)
	assert.JSONEq(t, `{"x":1}`, a.storage.get("acme", "main"))
	assert.JSONEq(t, `{"on":true}`, a.storage.get("acme", "flags"))

	hashA, err := a.storage.GetDataHash(context.Background(), "acme")
	require.NoError(t, err)
	hashB, err := b.storage.GetDataHash(context.Background(), "acme")
	require.NoError(t, err)
	assert.Equal(t, hashB, hashA)

	// the first snapshot takes the sender's last id, the rest are renumbered
	entries := a.log.EntriesAfter(0)
	require.Len(t, entries, 2)
	assert.Equal(t, int64(2), entries[0].LogID)
	assert.Equal(t, int64(3), entries[1].LogID)
	assert.True(t, entries[0].Full)
}

func TestProtocol_HandleSyncRequest(t *testing.T) {
	b := newTestNode(t, "b", newLoopbackTransport(), "a", "b")
	b.change(t, "main", `{"v":1}`)
	b.change(t, "main", `{"v":2}`)
	b.change(t, "main", `{"v":3}`)

	tests := []struct {
		after   int64
		wantIDs []int64
	}{
		{0, []int64{1, 2, 3}},
		{1, []int64{2, 3}},
		{3, nil},
	}
	for _, tt := range tests {
		resp := b.protocol.HandleRequest(context.Background(), &Message{Command: CommandSyncRequest, NodeID: "a", LastLogID: tt.after})
		assert.Equal(t, CommandSyncResponse, resp.Command)
		assert.Equal(t, ResultSuccess, resp.Result)

		var ids []int64
		for _, e := range resp.Log {
			ids = append(ids, e.LogID)
		}
		assert.Equal(t, tt.wantIDs, ids, "after %d", tt.after)
	}
}

func TestProtocol_HandleFullSyncRequest(t *testing.T) {
	b := newTestNode(t, "b", newLoopbackTransport(), "a", "b")

	resp := b.protocol.HandleRequest(context.Background(), &Message{
		Command: CommandFullSyncRequest,
		NodeID:  "a",
		Log:     []LogMessage{{TenantID: "acme"}, {TenantID: "ghost"}},
	})
	require.Equal(t, CommandFullSyncResponse, resp.Command)
	require.Len(t, resp.Log, 1, "unknown tenants are skipped")
	assert.Equal(t, "acme", resp.Log[0].TenantID)
	assert.Empty(t, resp.Log[0].Entity)
	assert.True(t, resp.Log[0].Full)
	assert.False(t, resp.Log[0].HasDiff())

	b.change(t, "main", `{"v":1}`)
	b.change(t, "flags", `{"f":0}`)
	resp = b.protocol.HandleRequest(context.Background(), &Message{
		Command: CommandFullSyncRequest,
		NodeID:  "a",
		Log:     []LogMessage{{TenantID: "acme"}, {TenantID: "acme"}},
	})
	require.Len(t, resp.Log, 2)
	for _, e := range resp.Log {
		assert.Equal(t, int64(2), e.LogID)
		assert.True(t, e.Full)
	}
	assert.Equal(t, "flags", resp.Log[0].Entity)
	assert.JSONEq(t, `{"v":1}`, string(resp.Log[1].JSONDiff))
}

func TestProtocol_HandleRequestEdgeCases(t *testing.T) {
	n := newTestNode(t, "a", newLoopbackTransport(), "a", "b")
	ctx := context.Background()

	resp := n.protocol.HandleRequest(ctx, nil)
	assert.Equal(t, ResultError, resp.Result)

	resp = n.protocol.HandleRequest(ctx, &Message{Command: CommandUnknown, NodeID: "b", RequestID: "r1"})
	assert.Equal(t, CommandUnknown, resp.Command)
	assert.Equal(t, ResultError, resp.Result)
	assert.Equal(t, "r1", resp.RequestID)

	// requester ahead of us but unknown to the registry
	resp = n.protocol.HandleRequest(ctx, &Message{Command: CommandHeartbeatRequest, NodeID: "zz", LastLogID: 4})
	assert.Equal(t, CommandHeartbeatResponse, resp.Command)
	assert.Equal(t, ResultError, resp.Result)

	resp = n.protocol.HandleRequest(ctx, &Message{
		Command:        CommandHeartbeatRequest,
		NodeID:         "b",
		NodeAliveSince: time.Now().Add(time.Hour),
		Nodes:          []NodeConfig{{ID: "c", Address: "c:8080", Enabled: true}},
	})
	assert.Equal(t, ResultSuccess, resp.Result)
	_, ok := n.protocol.Registry().FindNode("c")
	assert.True(t, ok, "announced nodes are merged")
}

func TestProtocol_InUse(t *testing.T) {
	n := newTestNode(t, "a", newLoopbackTransport(), "a", "b")
	n.change(t, "main", `{}`)

	require.True(t, n.protocol.Registry().TryAcquire("a"))
	resp := n.protocol.HandleRequest(context.Background(), &Message{Command: CommandSyncRequest, NodeID: "b", RequestID: "r9"})
	assert.Equal(t, CommandInUse, resp.Command)
	assert.Equal(t, ResultSuccess, resp.Result)
	assert.Equal(t, "r9", resp.RequestID)
	assert.Equal(t, int64(1), resp.LastLogID)
	assert.Empty(t, resp.Log)
	n.protocol.Registry().Release("a")

	// a peer answering InUse is alive
	var calls int32
	busy := transportFunc(func(ctx context.Context, node Node, msg *Message) (*Message, error) {
		atomic.AddInt32(&calls, 1)
		return &Message{Command: CommandInUse, NodeID: node.ID, LastLogID: 99}, nil
	})
	m := newTestNode(t, "a", busy, "a", "b")
	m.protocol.Registry().RecordFailure(context.Background(), "b")

	require.NoError(t, m.protocol.SendHeartbeat(context.Background(), "b"))
	assert.Equal(t, int32(1), calls, "no sync is attempted against a busy peer")
	node, _ := m.protocol.Registry().FindNode("b")
	assert.Equal(t, 0, node.Attempts)
}

func TestProtocol_SendHeartbeatBusyNode(t *testing.T) {
	called := false
	n := newTestNode(t, "a", transportFunc(func(ctx context.Context, node Node, msg *Message) (*Message, error) {
		called = true
		return nil, nil
	}), "a", "b")

	require.True(t, n.protocol.Registry().TryAcquire("b"))
	err := n.protocol.SendHeartbeat(context.Background(), "b")
	assert.True(t, errors.Is(err, ErrNodeBusy))
	assert.False(t, called)

	err = n.protocol.SendHeartbeat(context.Background(), "unknown")
	assert.Error(t, err)
}

func TestProtocol_InvalidHeartbeatResponses(t *testing.T) {
	tests := []struct {
		name string
		resp *Message
		err  error
	}{
		{"null item", nil, nil},
		{"wrong command", &Message{Command: CommandSyncResponse}, nil},
		{"transport error", nil, errors.New("connection refused")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n := newTestNode(t, "a", transportFunc(func(ctx context.Context, node Node, msg *Message) (*Message, error) {
				return tt.resp, tt.err
			}), "a", "b")

			err := n.protocol.SendHeartbeat(context.Background(), "b")
			require.Error(t, err)
			if tt.err == nil && !errors.Is(err, ErrInvalidResponse) {
				t.Errorf("SendHeartbeat() error = %v, want ErrInvalidResponse", err)
			}
			node, _ := n.protocol.Registry().FindNode("b")
			assert.Equal(t, 1, node.Attempts)
		})
	}
}

func TestProtocol_InvalidSyncResponses(t *testing.T) {
	tests := []struct {
		name string
		resp *Message
	}{
		{"null item", nil},
		{"wrong command", &Message{Command: CommandHeartbeatResponse, Log: []LogMessage{{LogID: 1}}}},
		{"null log", &Message{Command: CommandSyncResponse}},
		{"empty log", &Message{Command: CommandSyncResponse, Log: []LogMessage{}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n := newTestNode(t, "a", transportFunc(func(ctx context.Context, node Node, msg *Message) (*Message, error) {
				if msg.Command == CommandHeartbeatRequest {
					return &Message{Command: CommandHeartbeatResponse, NodeID: "b", LastLogID: 3, Result: ResultSuccess}, nil
				}
				return tt.resp, nil
			}), "a", "b")

			err := n.protocol.SendHeartbeat(context.Background(), "b")
			assert.True(t, errors.Is(err, ErrInvalidResponse), "got %v", err)

			node, _ := n.protocol.Registry().FindNode("b")
			assert.Equal(t, 1, node.Attempts, "a failed sync counts against the peer")
			assert.Equal(t, int64(0), n.log.LastLogID())
			assert.Equal(t, StatusUnsynchronized, n.log.Status())
		})
	}
}

func TestProtocol_ErrorResultIsNotFailure(t *testing.T) {
	n := newTestNode(t, "a", transportFunc(func(ctx context.Context, node Node, msg *Message) (*Message, error) {
		return &Message{Command: CommandHeartbeatResponse, NodeID: "b", Result: ResultError}, nil
	}), "a", "b")
	n.protocol.Registry().RecordFailure(context.Background(), "b")

	require.NoError(t, n.protocol.SendHeartbeat(context.Background(), "b"))
	node, _ := n.protocol.Registry().FindNode("b")
	assert.Equal(t, 0, node.Attempts)
}

func TestProtocol_SkipsEntriesThatFailToApply(t *testing.T) {
	n := newTestNode(t, "a", transportFunc(func(ctx context.Context, node Node, msg *Message) (*Message, error) {
		if msg.Command == CommandHeartbeatRequest {
			return &Message{Command: CommandHeartbeatResponse, NodeID: "b", LastLogID: 3}, nil
		}
		assert.Equal(t, int64(0), msg.LastLogID)
		return &Message{Command: CommandSyncResponse, NodeID: "b", Log: []LogMessage{
			{LogID: 3, TenantID: "acme", Entity: "flags", JSONDiff: json.RawMessage(`{"on":true}`)},
			{LogID: 1, TenantID: "ghost", Entity: "main", JSONDiff: json.RawMessage(`{"a":1}`)},
			{LogID: 2, TenantID: "acme", Entity: "main", JSONDiff: json.RawMessage(`{"a":1}`), Full: true},
		}}, nil
	}), "a", "b")

	require.NoError(t, n.protocol.SendHeartbeat(context.Background(), "b"))

	entries := n.log.EntriesAfter(0)
	require.Len(t, entries, 2)
	assert.Equal(t, int64(2), entries[0].LogID)
	assert.Equal(t, int64(3), entries[1].LogID)
	assert.JSONEq(t, `{"a":1}`, n.storage.get("acme", "main"))
	assert.JSONEq(t, `{"on":true}`, n.storage.get("acme", "flags"))
	assert.Equal(t, StatusUnsynchronized, n.log.Status(), "a partial sync stays unsynchronized")
}

func TestProtocol_SyncAlreadyApplied(t *testing.T) {
	n := newTestNode(t, "a", transportFunc(func(ctx context.Context, node Node, msg *Message) (*Message, error) {
		if msg.Command == CommandHeartbeatRequest {
			return &Message{Command: CommandHeartbeatResponse, NodeID: "b", LastLogID: 2}, nil
		}
		return &Message{Command: CommandSyncResponse, NodeID: "b", Log: []LogMessage{
			{LogID: 1, TenantID: "acme", Entity: "main", JSONDiff: json.RawMessage(`{"stale":true}`)},
			{LogID: 2, TenantID: "acme", Entity: "main", JSONDiff: json.RawMessage(`{"fresh":true}`)},
		}}, nil
	}), "a", "b")
	n.change(t, "main", `{"local":true}`)

	require.NoError(t, n.protocol.SendHeartbeat(context.Background(), "b"))
	assert.Equal(t, int64(2), n.log.LastLogID())
	assert.JSONEq(t, `{"local":true,"fresh":true}`, n.storage.get("acme", "main"))
}

func TestProtocol_Status(t *testing.T) {
	n := newTestNode(t, "a", newLoopbackTransport(), "a", "b")
	n.change(t, "main", `{"k":"v"}`)

	status := n.protocol.Status(context.Background())
	assert.Equal(t, "a", status.NodeID)
	assert.Equal(t, int64(1), status.LastLogID)
	assert.Equal(t, 1, status.LogSize)
	assert.False(t, status.InUse)
	require.Len(t, status.DataHash, 1)
	assert.Equal(t, "acme", status.DataHash[0].TenantID)
}

func TestProtocol_SnapshotApplyIsIdempotent(t *testing.T) {
	n := newTestNode(t, "a", newLoopbackTransport(), "a", "b")
	resp := &Message{Command: CommandFullSyncResponse, Log: []LogMessage{
		{LogID: 4, TenantID: "acme", Entity: "main", JSONDiff: json.RawMessage(`{"v":{"nested":[1,2]}}`), Full: true},
	}}

	applied, failed := n.protocol.applySync(context.Background(), resp)
	require.Equal(t, 1, applied)
	require.Zero(t, failed)
	once, err := n.storage.GetDataHash(context.Background(), "acme")
	require.NoError(t, err)

	applied, failed = n.protocol.applySync(context.Background(), resp)
	require.Equal(t, 1, applied)
	require.Zero(t, failed)
	twice, err := n.storage.GetDataHash(context.Background(), "acme")
	require.NoError(t, err)

	assert.Equal(t, once, twice)
	assert.Equal(t, int64(5), n.log.LastLogID())
}
