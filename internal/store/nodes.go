package store

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// NodeCap is a capability a paired node advertises.
type NodeCap string

const (
	CapCanvas    NodeCap = "canvas"
	CapCamera    NodeCap = "camera"
	CapVoiceWake NodeCap = "voiceWake"
)

// PairedNode is a companion device pairing record. Token is the shared
// 128-bit secret; it must never be logged or emitted on events.
type PairedNode struct {
	NodeID          string    `json:"nodeId"`
	DisplayName     string    `json:"displayName,omitempty"`
	Platform        string    `json:"platform,omitempty"`
	Version         string    `json:"version,omitempty"`
	DeviceFamily    string    `json:"deviceFamily,omitempty"`
	ModelIdentifier string    `json:"modelIdentifier,omitempty"`
	Token           string    `json:"token"`
	Caps            []NodeCap `json:"caps,omitempty"`
	Commands        []string  `json:"commands,omitempty"`
	CreatedAtMs     int64     `json:"createdAtMs"`
	LastSeenAtMs    int64     `json:"lastSeenAtMs"`
}

// Redacted returns a copy safe for events and RPC responses.
func (n PairedNode) Redacted() PairedNode {
	n.Token = "<redacted>"
	return n
}

// SupportsCommand reports whether the node declared the command at pairing.
func (n PairedNode) SupportsCommand(cmd string) bool {
	for _, c := range n.Commands {
		if c == cmd {
			return true
		}
	}
	return false
}

// NewNodeToken generates a 128-bit random token, hex-encoded.
func NewNodeToken() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate node token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// NodeStore persists nodeId → PairedNode in bridge/paired-nodes.json.
type NodeStore struct {
	path string

	mu    sync.RWMutex
	nodes map[string]*PairedNode

	actor fileActor
}

// NewNodeStore loads the registry from the state dir (missing = empty).
func NewNodeStore(stateDir string) (*NodeStore, error) {
	st := &NodeStore{
		path:  filepath.Join(stateDir, "bridge", "paired-nodes.json"),
		nodes: make(map[string]*PairedNode),
	}
	data, err := os.ReadFile(st.path)
	if err != nil {
		if os.IsNotExist(err) {
			return st, nil
		}
		return nil, fmt.Errorf("read paired nodes: %w", err)
	}
	if err := json.Unmarshal(data, &st.nodes); err != nil {
		return nil, fmt.Errorf("paired nodes corrupted: %w", err)
	}
	return st, nil
}

// Get returns a copy of the node record.
func (st *NodeStore) Get(nodeID string) (PairedNode, bool) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	n, ok := st.nodes[nodeID]
	if !ok {
		return PairedNode{}, false
	}
	return *n, true
}

// List returns every node record, tokens intact. Callers crossing a
// serialization boundary must use Redacted().
func (st *NodeStore) List() []PairedNode {
	st.mu.RLock()
	defer st.mu.RUnlock()
	out := make([]PairedNode, 0, len(st.nodes))
	for _, n := range st.nodes {
		out = append(out, *n)
	}
	return out
}

// Put inserts or replaces a node record and flushes.
func (st *NodeStore) Put(node PairedNode) error {
	if node.CreatedAtMs == 0 {
		node.CreatedAtMs = time.Now().UnixMilli()
	}
	return st.actor.do(func() error {
		st.mu.Lock()
		st.nodes[node.NodeID] = &node
		snapshot := st.snapshotLocked()
		st.mu.Unlock()
		return writeJSONAtomic(st.path, snapshot)
	})
}

// TouchSeen updates lastSeenAtMs and flushes.
func (st *NodeStore) TouchSeen(nodeID string) error {
	return st.actor.do(func() error {
		st.mu.Lock()
		n, ok := st.nodes[nodeID]
		if !ok {
			st.mu.Unlock()
			return os.ErrNotExist
		}
		n.LastSeenAtMs = time.Now().UnixMilli()
		snapshot := st.snapshotLocked()
		st.mu.Unlock()
		return writeJSONAtomic(st.path, snapshot)
	})
}

// Remove deletes a node record. Removal is always operator-explicit.
func (st *NodeStore) Remove(nodeID string) error {
	return st.actor.do(func() error {
		st.mu.Lock()
		delete(st.nodes, nodeID)
		snapshot := st.snapshotLocked()
		st.mu.Unlock()
		return writeJSONAtomic(st.path, snapshot)
	})
}

func (st *NodeStore) snapshotLocked() map[string]*PairedNode {
	out := make(map[string]*PairedNode, len(st.nodes))
	for k, v := range st.nodes {
		copied := *v
		out[k] = &copied
	}
	return out
}
