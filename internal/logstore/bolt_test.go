package logstore

import (
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arohanajit/configserver/internal/cluster"
	"github.com/arohanajit/configserver/internal/config"
)

func entry(id int64, tenant, entity, diff string) cluster.LogMessage {
	return cluster.LogMessage{
		LogID:    id,
		Created:  time.Date(2024, 1, 1, 0, 0, int(id), 0, time.UTC),
		TenantID: tenant,
		Entity:   entity,
		JSONDiff: json.RawMessage(diff),
	}
}

func TestBoltStore_AppendAndLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "log", "self.db")

	store, err := NewBoltStore(path)
	require.NoError(t, err)

	require.NoError(t, store.Append(entry(1, "acme", "main", `{"a":1}`)))
	require.NoError(t, store.Append(entry(2, "acme", "main", `{"b":2}`), entry(3, "globex", "flags", `{"on":true}`)))
	require.NoError(t, store.Append())
	require.NoError(t, store.Close())

	reopened, err := NewBoltStore(path)
	require.NoError(t, err)
	defer reopened.Close()

	entries, err := reopened.Load()
	require.NoError(t, err)
	require.Len(t, entries, 3)
	for i, e := range entries {
		assert.Equal(t, int64(i+1), e.LogID)
	}
	assert.Equal(t, "globex", entries[2].TenantID)
	assert.JSONEq(t, `{"on":true}`, string(entries[2].JSONDiff))
	assert.True(t, entries[0].Created.Equal(time.Date(2024, 1, 1, 0, 0, 1, 0, time.UTC)))
}

func TestBoltStore_LoadSkipsGaps(t *testing.T) {
	store, err := NewBoltStore(filepath.Join(t.TempDir(), "self.db"))
	require.NoError(t, err)
	defer store.Close()

	// replicated entries keep the sender's ids
	require.NoError(t, store.Append(entry(2, "acme", "main", `{"a":1}`)))
	require.NoError(t, store.Append(entry(40, "acme", "main", `{"b":2}`), entry(41, "acme", "flags", `{}`)))
	require.NoError(t, store.Append(entry(500, "acme", "main", `{"c":3}`)))

	entries, err := store.Load()
	require.NoError(t, err)
	ids := make([]int64, 0, len(entries))
	for _, e := range entries {
		ids = append(ids, e.LogID)
	}
	assert.Equal(t, []int64{2, 40, 41, 500}, ids)
}

func TestBoltStore_LoadEmpty(t *testing.T) {
	store, err := NewBoltStore(filepath.Join(t.TempDir(), "self.db"))
	require.NoError(t, err)
	defer store.Close()

	entries, err := store.Load()
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestBoltStore_RejectsInvalidID(t *testing.T) {
	store, err := NewBoltStore(filepath.Join(t.TempDir(), "self.db"))
	require.NoError(t, err)
	defer store.Close()

	assert.Error(t, store.Append(entry(0, "acme", "main", `{}`)))
}

func TestBoltStore_RebuildsSelfLog(t *testing.T) {
	path := filepath.Join(t.TempDir(), "self.db")
	store, err := NewBoltStore(path)
	require.NoError(t, err)

	log, err := cluster.NewSelfLog(store)
	require.NoError(t, err)
	_, err = log.Append("acme", "main", json.RawMessage(`{"a":1}`), false)
	require.NoError(t, err)
	_, err = log.Append("acme", "main", json.RawMessage(`{"a":2}`), false)
	require.NoError(t, err)
	require.NoError(t, log.Close())

	store, err = NewBoltStore(path)
	require.NoError(t, err)
	log, err = cluster.NewSelfLog(store)
	require.NoError(t, err)
	defer log.Close()

	assert.Equal(t, int64(2), log.LastLogID())
	next, err := log.Append("acme", "main", json.RawMessage(`{"a":3}`), false)
	require.NoError(t, err)
	assert.Equal(t, int64(3), next.LogID)
}

func TestOpen(t *testing.T) {
	p, err := Open(config.LogStoreConfig{Driver: "memory"})
	require.NoError(t, err)
	assert.Nil(t, p)

	p, err = Open(config.LogStoreConfig{Driver: "bolt", Path: filepath.Join(t.TempDir(), "self.db")})
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.NoError(t, p.Close())

	_, err = Open(config.LogStoreConfig{Driver: "bolt"})
	assert.Error(t, err)

	_, err = Open(config.LogStoreConfig{Driver: "sqlite"})
	assert.Error(t, err)
}
