package runtime

import (
	"github.com/drblury/natsflow/internal/runtime/engine"
)

// SourceInfo describes a registered source and its counters.
type SourceInfo struct {
	Name        string               `json:"name"`
	Kind        string               `json:"kind"`
	MessageType string               `json:"message_type"`
	Stream      string               `json:"stream,omitempty"`
	Consumer    string               `json:"consumer,omitempty"`
	Subject     string               `json:"subject,omitempty"`
	Queue       string               `json:"queue,omitempty"`
	Concurrency int                  `json:"concurrency"`
	Stats       engine.StatsSnapshot `json:"stats"`
}

// Sources returns a snapshot of every registered source in registration
// order.
func (b *Bus) Sources() []SourceInfo {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]SourceInfo, 0, len(b.sources))
	for _, reg := range b.sources {
		opts := reg.options
		out = append(out, SourceInfo{
			Name:        opts.Name,
			Kind:        reg.source.Kind().String(),
			MessageType: opts.MessageType,
			Stream:      opts.Stream,
			Consumer:    opts.Consumer,
			Subject:     opts.Subject,
			Queue:       opts.Queue,
			Concurrency: opts.Concurrency,
			Stats:       reg.stats.Snapshot(),
		})
	}
	return out
}

// Targets returns how many targets of each kind are registered.
func (b *Bus) Targets() map[string]int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make(map[string]int, len(b.targets))
	for kind, sel := range b.targets {
		out[kind.String()] = sel.Len()
	}
	return out
}
