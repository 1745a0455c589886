package cluster

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/arohanajit/configserver/internal/metrics"
)

// MaxLogDate is reported as the last log date of an empty log
var MaxLogDate = time.Date(9999, time.December, 31, 23, 59, 59, 0, time.UTC)

// LogPersister stores the self node log across restarts.
type LogPersister interface {
	Append(entries ...LogMessage) error
	Load() ([]LogMessage, error)
	Close() error
}

// SelfLog is the authoritative append-only change log of the own node.
// Log ids are strictly increasing.
type SelfLog struct {
	mu         sync.RWMutex
	entries    []LogMessage
	persister  LogPersister
	aliveSince time.Time
	status     SelfStatus
	now        func() time.Time
}

// NewSelfLog rebuilds the log from persister, which may be nil.
func NewSelfLog(persister LogPersister) (*SelfLog, error) {
	l := &SelfLog{
		persister:  persister,
		aliveSince: time.Now().UTC(),
		now:        func() time.Time { return time.Now().UTC() },
	}
	if persister == nil {
		return l, nil
	}

	entries, err := persister.Load()
	if err != nil {
		return nil, fmt.Errorf("load self log: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].LogID < entries[j].LogID })
	for _, e := range entries {
		if len(l.entries) > 0 && e.LogID <= l.entries[len(l.entries)-1].LogID {
			continue
		}
		l.entries = append(l.entries, e)
	}
	metrics.GetMetrics().SetSelfLastLogID(l.lastLocked())
	return l, nil
}

// Append records a locally originated change with the next log id.
func (l *SelfLog) Append(tenantID, entity string, diff json.RawMessage, full bool) (LogMessage, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry := LogMessage{
		LogID:    l.lastLocked() + 1,
		Created:  l.now(),
		TenantID: tenantID,
		Entity:   entity,
		JSONDiff: diff,
		Full:     full,
	}
	if err := l.store(entry); err != nil {
		return LogMessage{}, err
	}
	return entry, nil
}

// AppendReplicated records an entry received from a peer. The sender's log
// id is kept when it extends the log; otherwise the entry is renumbered to
// the next local id so the sequence stays strictly increasing.
func (l *SelfLog) AppendReplicated(entry LogMessage) (LogMessage, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if last := l.lastLocked(); entry.LogID <= last {
		entry.LogID = last + 1
	}
	if entry.Created.IsZero() {
		entry.Created = l.now()
	}
	if err := l.store(entry); err != nil {
		return LogMessage{}, err
	}
	return entry, nil
}

func (l *SelfLog) store(entry LogMessage) error {
	if l.persister != nil {
		if err := l.persister.Append(entry); err != nil {
			return fmt.Errorf("persist log %d: %w", entry.LogID, err)
		}
	}
	l.entries = append(l.entries, entry)
	metrics.GetMetrics().SetSelfLastLogID(entry.LogID)
	return nil
}

// EntriesAfter returns the entries with a log id greater than id, in order.
func (l *SelfLog) EntriesAfter(id int64) []LogMessage {
	l.mu.RLock()
	defer l.mu.RUnlock()

	i := sort.Search(len(l.entries), func(i int) bool { return l.entries[i].LogID > id })
	out := make([]LogMessage, len(l.entries)-i)
	copy(out, l.entries[i:])
	return out
}

func (l *SelfLog) lastLocked() int64 {
	if len(l.entries) == 0 {
		return 0
	}
	return l.entries[len(l.entries)-1].LogID
}

// LastLogID is the id of the last entry, 0 when empty
func (l *SelfLog) LastLogID() int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.lastLocked()
}

// LastLogDate is the creation time of the last entry, MaxLogDate when empty
func (l *SelfLog) LastLogDate() time.Time {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if len(l.entries) == 0 {
		return MaxLogDate
	}
	return l.entries[len(l.entries)-1].Created
}

func (l *SelfLog) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

func (l *SelfLog) AliveSince() time.Time {
	return l.aliveSince
}

func (l *SelfLog) Status() SelfStatus {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.status
}

func (l *SelfLog) SetStatus(s SelfStatus) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.status = s
}

// Close releases the persister.
func (l *SelfLog) Close() error {
	if l.persister == nil {
		return nil
	}
	return l.persister.Close()
}
