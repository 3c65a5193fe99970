package bridge

import (
	"sync"
	"time"
)

// pairingPromptTimeout bounds how long a node waits for operator approval.
const pairingPromptTimeout = 60 * time.Second

// PairRequest describes a node asking to pair.
type PairRequest struct {
	NodeID      string `json:"nodeId"`
	DisplayName string `json:"displayName,omitempty"`
	Platform    string `json:"platform,omitempty"`
	Version     string `json:"version,omitempty"`
	Repair      bool   `json:"repair"`
}

// OperatorPrompt asks the host operator to approve or reject a pairing.
// Implementations block until a decision or their own timeout.
type OperatorPrompt interface {
	PromptPair(req PairRequest) bool
}

// PairingRegistry is the default OperatorPrompt: it parks pairing requests
// until the control plane approves or rejects them, and notifies subscribers
// when a request arrives.
type PairingRegistry struct {
	mu      sync.Mutex
	pending map[string]chan bool
	reqs    map[string]PairRequest

	// OnPending, when set, is invoked for each new request so the gateway
	// can broadcast a pairing.pending event.
	OnPending func(req PairRequest)
}

// NewPairingRegistry creates an empty registry.
func NewPairingRegistry() *PairingRegistry {
	return &PairingRegistry{
		pending: make(map[string]chan bool),
		reqs:    make(map[string]PairRequest),
	}
}

// PromptPair parks the request and waits for Approve/Reject, up to the
// pairing timeout. A second request for the same node replaces the first.
func (p *PairingRegistry) PromptPair(req PairRequest) bool {
	ch := make(chan bool, 1)
	p.mu.Lock()
	if old, ok := p.pending[req.NodeID]; ok {
		close(old)
	}
	p.pending[req.NodeID] = ch
	p.reqs[req.NodeID] = req
	notify := p.OnPending
	p.mu.Unlock()

	if notify != nil {
		notify(req)
	}

	timer := time.NewTimer(pairingPromptTimeout)
	defer timer.Stop()
	var approved bool
	select {
	case approved = <-ch:
	case <-timer.C:
	}

	p.mu.Lock()
	if cur, ok := p.pending[req.NodeID]; ok && cur == ch {
		delete(p.pending, req.NodeID)
		delete(p.reqs, req.NodeID)
	}
	p.mu.Unlock()
	return approved
}

// Pending lists requests awaiting a decision.
func (p *PairingRegistry) Pending() []PairRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]PairRequest, 0, len(p.reqs))
	for _, r := range p.reqs {
		out = append(out, r)
	}
	return out
}

// Approve resolves a pending request. Returns false when none is pending.
func (p *PairingRegistry) Approve(nodeID string) bool { return p.resolve(nodeID, true) }

// Reject resolves a pending request negatively.
func (p *PairingRegistry) Reject(nodeID string) bool { return p.resolve(nodeID, false) }

func (p *PairingRegistry) resolve(nodeID string, approved bool) bool {
	p.mu.Lock()
	ch, ok := p.pending[nodeID]
	if ok {
		delete(p.pending, nodeID)
		delete(p.reqs, nodeID)
	}
	p.mu.Unlock()
	if !ok {
		return false
	}
	ch <- approved
	return true
}
