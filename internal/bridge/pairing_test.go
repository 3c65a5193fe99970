package bridge

import (
	"testing"
	"time"
)

// promptAsync runs PromptPair in a goroutine and returns its eventual result
// plus a channel signalling the request became visible to the registry.
func promptAsync(reg *PairingRegistry, req PairRequest) (<-chan bool, <-chan struct{}) {
	visible := make(chan struct{}, 1)
	reg.OnPending = func(PairRequest) { visible <- struct{}{} }
	result := make(chan bool, 1)
	go func() { result <- reg.PromptPair(req) }()
	return result, visible
}

func awaitBool(t *testing.T, ch <-chan bool) bool {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(2 * time.Second):
		t.Fatal("PromptPair did not return")
		return false
	}
}

func TestPairingRegistry_Approve(t *testing.T) {
	reg := NewPairingRegistry()
	result, visible := promptAsync(reg, PairRequest{NodeID: "node-1", DisplayName: "MacBook"})
	<-visible

	pending := reg.Pending()
	if len(pending) != 1 || pending[0].NodeID != "node-1" {
		t.Fatalf("Pending = %+v, want node-1", pending)
	}
	if !reg.Approve("node-1") {
		t.Fatal("Approve returned false for pending node")
	}
	if !awaitBool(t, result) {
		t.Error("PromptPair = false after approval")
	}
	if len(reg.Pending()) != 0 {
		t.Error("request still pending after resolution")
	}
}

func TestPairingRegistry_Reject(t *testing.T) {
	reg := NewPairingRegistry()
	result, visible := promptAsync(reg, PairRequest{NodeID: "node-1"})
	<-visible

	if !reg.Reject("node-1") {
		t.Fatal("Reject returned false for pending node")
	}
	if awaitBool(t, result) {
		t.Error("PromptPair = true after rejection")
	}
}

func TestPairingRegistry_ResolveUnknown(t *testing.T) {
	reg := NewPairingRegistry()
	if reg.Approve("ghost") {
		t.Error("Approve of unknown node returned true")
	}
	if reg.Reject("ghost") {
		t.Error("Reject of unknown node returned true")
	}
}

func TestPairingRegistry_RepeatRequestReplacesFirst(t *testing.T) {
	reg := NewPairingRegistry()
	first, visible := promptAsync(reg, PairRequest{NodeID: "node-1"})
	<-visible

	second, visible2 := promptAsync(reg, PairRequest{NodeID: "node-1", Repair: true})
	<-visible2

	// The superseded waiter resolves negatively right away.
	if awaitBool(t, first) {
		t.Error("superseded request approved")
	}
	if got := reg.Pending(); len(got) != 1 || !got[0].Repair {
		t.Fatalf("Pending = %+v, want single repair request", got)
	}
	if !reg.Approve("node-1") {
		t.Fatal("Approve returned false")
	}
	if !awaitBool(t, second) {
		t.Error("replacement request not approved")
	}
}
