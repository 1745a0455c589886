package cluster

import "time"

// Action is what a node should do after comparing itself with a peer
type Action int

const (
	ActionNone Action = iota
	ActionSync
	ActionFullSync
)

func (a Action) String() string {
	switch a {
	case ActionSync:
		return "sync"
	case ActionFullSync:
		return "full-sync"
	default:
		return "none"
	}
}

// NodeState is the part of a node's state relevant to divergence detection
type NodeState struct {
	AliveSince  time.Time
	LastLogID   int64
	LastLogDate time.Time
	DataHash    []TenantHash
}

// Decision carries the action and, for full syncs, the diverging tenants
type Decision struct {
	Action  Action
	Tenants []string
}

// StateOf extracts the peer state announced in a message.
func StateOf(msg *Message) NodeState {
	return NodeState{
		AliveSince:  msg.NodeAliveSince,
		LastLogID:   msg.LastLogID,
		LastLogDate: msg.LastLogDate,
		DataHash:    msg.DataHash,
	}
}

// Decide compares the local node with a peer. Only the node that is behind
// acts; a node ahead of its peer waits for the peer to pull.
func Decide(self, peer NodeState) Decision {
	switch {
	case self.LastLogID == 0 && self.AliveSince.After(peer.AliveSince):
		// younger and empty: trust the hashes
		return fullSyncIfDivergent(self, peer)
	case self.LastLogID > peer.LastLogID:
		return Decision{Action: ActionNone}
	case self.LastLogID < peer.LastLogID:
		return Decision{Action: ActionSync}
	case self.LastLogID == peer.LastLogID && self.LastLogID > 0 && self.LastLogDate.Before(peer.LastLogDate):
		return fullSyncIfDivergent(self, peer)
	default:
		return Decision{Action: ActionNone}
	}
}

// DecideOnResponse is applied by the initiator of a heartbeat to the reply.
// The initiator only pulls missing log entries; hash based full syncs are
// left to the responder side of Decide.
func DecideOnResponse(self, peer NodeState) Decision {
	if self.LastLogID < peer.LastLogID {
		return Decision{Action: ActionSync}
	}
	return Decision{Action: ActionNone}
}

func fullSyncIfDivergent(self, peer NodeState) Decision {
	tenants := ComputeDivergentTenants(self.DataHash, peer.DataHash)
	if len(tenants) == 0 {
		return Decision{Action: ActionNone}
	}
	return Decision{Action: ActionFullSync, Tenants: tenants}
}

// ComputeDivergentTenants returns, in local order, the tenants whose local
// hash differs from the one reported by the peer. A tenant the peer does not
// report at all is divergent.
func ComputeDivergentTenants(local, remote []TenantHash) []string {
	reported := make(map[string]string, len(remote))
	for _, h := range remote {
		reported[h.TenantID] = h.Hash
	}

	var divergent []string
	for _, h := range local {
		if hash, ok := reported[h.TenantID]; !ok || hash != h.Hash {
			divergent = append(divergent, h.TenantID)
		}
	}
	return divergent
}
