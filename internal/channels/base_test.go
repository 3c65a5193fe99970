package channels

import (
	"fmt"
	"testing"
)

func TestDeduper(t *testing.T) {
	d := NewDeduper()

	if d.Seen("msg-1") {
		t.Error("first sighting reported as seen")
	}
	if !d.Seen("msg-1") {
		t.Error("redelivery not detected")
	}
	if d.Seen("msg-2") {
		t.Error("distinct id reported as seen")
	}
	if d.Seen("") || d.Seen("") {
		t.Error("empty ids must never deduplicate")
	}
}

func TestDeduper_WindowEviction(t *testing.T) {
	d := NewDeduper()
	d.Seen("oldest")
	for i := 0; i < dedupeWindow; i++ {
		d.Seen(fmt.Sprintf("filler-%d", i))
	}
	// "oldest" has been pushed out of the ring and reads as new again.
	if d.Seen("oldest") {
		t.Error("evicted id still reported as seen")
	}
	// Recent ids are still tracked.
	if !d.Seen(fmt.Sprintf("filler-%d", dedupeWindow-1)) {
		t.Error("recent id evicted prematurely")
	}
}
