package cluster

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// Command identifies the kind of a heartbeat message
type Command int

const (
	CommandUnknown Command = iota
	CommandHeartbeatRequest
	CommandHeartbeatResponse
	CommandSyncRequest
	CommandSyncResponse
	CommandFullSyncRequest
	CommandFullSyncResponse
	// CommandInUse is returned by a node busy applying a sync batch
	CommandInUse
)

var commandNames = map[Command]string{
	CommandUnknown:           "Unknown",
	CommandHeartbeatRequest:  "HeartbeatRequest",
	CommandHeartbeatResponse: "HeartbeatResponse",
	CommandSyncRequest:       "SyncRequest",
	CommandSyncResponse:      "SyncResponse",
	CommandFullSyncRequest:   "FullSyncRequest",
	CommandFullSyncResponse:  "FullSyncResponse",
	CommandInUse:             "InUse",
}

func (c Command) String() string {
	if name, ok := commandNames[c]; ok {
		return name
	}
	return commandNames[CommandUnknown]
}

// ParseCommand maps a command name to its value; unrecognized names map to CommandUnknown.
func ParseCommand(name string) Command {
	for c, n := range commandNames {
		if n == name {
			return c
		}
	}
	return CommandUnknown
}

func (c Command) MarshalJSON() ([]byte, error) {
	return json.Marshal(c.String())
}

func (c *Command) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return fmt.Errorf("invalid command: %w", err)
	}
	*c = ParseCommand(name)
	return nil
}

// Result is set by the responder on every reply
type Result string

const (
	ResultSuccess Result = "success"
	ResultError   Result = "error"
)

// SelfStatus is observational only
type SelfStatus int

const (
	StatusSynchronized SelfStatus = iota
	StatusUnsynchronized
)

func (s SelfStatus) String() string {
	if s == StatusUnsynchronized {
		return "Unsynchronized"
	}
	return "Synchronized"
}

func (s SelfStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *SelfStatus) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	*s = StatusSynchronized
	if name == "Unsynchronized" {
		*s = StatusUnsynchronized
	}
	return nil
}

// NodeConfig is the descriptor of a node as configured and as announced to peers
type NodeConfig struct {
	ID      string `json:"id" yaml:"id"`
	Address string `json:"address" yaml:"address"`
	Enabled bool   `json:"enabled" yaml:"enabled"`
	URI     string `json:"uri,omitempty" yaml:"uri,omitempty"`
	WANURI  string `json:"wanUri,omitempty" yaml:"wan_uri,omitempty"`
}

// Node represents a peer participant in the cluster
type Node struct {
	// ID is the unique identifier of the node
	ID string `json:"id"`
	// Address is the base URL the node is reachable at
	Address string `json:"address"`
	URI     string `json:"uri,omitempty"`
	WANURI  string `json:"wanUri,omitempty"`
	// Active nodes are contacted by the scheduler
	Active bool `json:"active"`
	// Disabled nodes ran out of life and stay inactive until re-enabled
	Disabled bool `json:"disabled"`
	IsSelf   bool `json:"isSelf"`

	Attempts     int  `json:"attempts"`
	SkipAttempts int  `json:"skipAttempts"`
	Life         int  `json:"life"`
	InUse        bool `json:"inUse"`
}

// Config returns the descriptor announced to peers.
func (n Node) Config() NodeConfig {
	return NodeConfig{
		ID:      n.ID,
		Address: n.Address,
		Enabled: !n.Disabled,
		URI:     n.URI,
		WANURI:  n.WANURI,
	}
}

// LogMessage is one unit of replicated change
type LogMessage struct {
	LogID    int64           `json:"logId"`
	Created  time.Time       `json:"created"`
	TenantID string          `json:"tenantId"`
	Entity   string          `json:"entity"`
	JSONDiff json.RawMessage `json:"jsonDiff,omitempty"`
	Full     bool            `json:"full"`
}

// HasDiff reports whether the entry carries a payload. Entries without one
// only ask for a resync of their tenant.
func (m LogMessage) HasDiff() bool {
	trimmed := bytes.TrimSpace(m.JSONDiff)
	return len(trimmed) > 0 && !bytes.Equal(trimmed, []byte("null"))
}

// TenantHash is the content fingerprint of a tenant
type TenantHash struct {
	TenantID string `json:"tenantId"`
	Hash     string `json:"hash"`
}

// Message is the heartbeat envelope shared by requests and responses
type Message struct {
	Command        Command      `json:"command"`
	Created        time.Time    `json:"created"`
	RequestID      string       `json:"requestId,omitempty"`
	NodeID         string       `json:"nodeId"`
	NodeAliveSince time.Time    `json:"nodeAliveSince"`
	LastLogID      int64        `json:"lastLogId"`
	LastLogDate    time.Time    `json:"lastLogDate"`
	DataHash       []TenantHash `json:"dataHash"`
	Nodes          []NodeConfig `json:"nodes"`
	Log            []LogMessage `json:"log"`
	Result         Result       `json:"result,omitempty"`
}

// Envelope wraps a message on the wire
type Envelope struct {
	Item  *Message `json:"item"`
	Error string   `json:"error,omitempty"`
}
