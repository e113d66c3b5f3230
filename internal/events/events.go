// Package events carries lifecycle notifications from the manager and the
// engines to an optional subscriber.
package events

import "sync"

// Event is a lifecycle notification: a name, the model it concerns and
// optional fields.
type Event struct {
	Name    string
	ModelID string
	Fields  map[string]any
}

// Publisher receives events. Implementations must not block or panic;
// they are called from engine loops.
type Publisher interface {
	Publish(Event)
}

// Nop drops every event.
type Nop struct{}

func (Nop) Publish(Event) {}

// Memory stores events in order. Used by tests and the bench command.
type Memory struct {
	mu     sync.Mutex
	events []Event
}

func NewMemory() *Memory { return &Memory{} }

func (p *Memory) Publish(e Event) {
	p.mu.Lock()
	p.events = append(p.events, e)
	p.mu.Unlock()
}

func (p *Memory) Events() []Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Event, len(p.events))
	copy(out, p.events)
	return out
}

// Names returns the names of the stored events in order.
func (p *Memory) Names() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.events))
	for i, e := range p.events {
		out[i] = e.Name
	}
	return out
}

// Count returns how many stored events are called name.
func (p *Memory) Count(name string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, e := range p.events {
		if e.Name == name {
			n++
		}
	}
	return n
}
