package events

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestMemoryKeepsOrder(t *testing.T) {
	p := NewMemory()
	p.Publish(Event{Name: "ensure_start", ModelID: "m"})
	p.Publish(Event{Name: "ensure_ready", ModelID: "m", Fields: map[string]any{"dur_ms": 3}})
	p.Publish(Event{Name: "ensure_start", ModelID: "n"})

	if diff := cmp.Diff([]string{"ensure_start", "ensure_ready", "ensure_start"}, p.Names()); diff != "" {
		t.Fatalf("names (-want +got):\n%s", diff)
	}
	if got := p.Count("ensure_start"); got != 2 {
		t.Fatalf("count=%d want 2", got)
	}
	evs := p.Events()
	evs[0].Name = "mutated"
	if p.Events()[0].Name != "ensure_start" {
		t.Fatalf("Events must return a copy")
	}
}

func TestNopDrops(t *testing.T) {
	var p Publisher = Nop{}
	p.Publish(Event{Name: "x"})
}
