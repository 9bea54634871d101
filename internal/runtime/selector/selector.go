// Package selector picks the registered target that best matches the
// runtime type of an outgoing message.
package selector

import (
	"fmt"
	"reflect"
	"sort"
	"sync"

	errspkg "github.com/drblury/natsflow/internal/runtime/errors"
)

// Match is a candidate target together with its distance from the message type.
type Match[H any] struct {
	Base     reflect.Type
	Handler  H
	Distance int
	Order    int
}

type entry[H any] struct {
	base    reflect.Type
	handler H
}

// Selector holds targets in registration order and caches the ranking for
// every concrete message type it has seen. It is owned by one bus.
type Selector[H any] struct {
	mu      sync.RWMutex
	entries []entry[H]
	cache   sync.Map // reflect.Type -> []Match[H]
}

// New returns an empty selector.
func New[H any]() *Selector[H] {
	return &Selector[H]{}
}

// Register adds a target for messages whose type is base or has base as an
// ancestor. Registering drops cached rankings.
func (s *Selector[H]) Register(base reflect.Type, handler H) error {
	if base == nil {
		return errspkg.NewConfigurationError("register target", errspkg.ErrMessageTypeRequired)
	}
	s.mu.Lock()
	s.entries = append(s.entries, entry[H]{base: base, handler: handler})
	s.mu.Unlock()
	s.cache.Clear()
	return nil
}

// Len returns the number of registered targets.
func (s *Selector[H]) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Rank returns every candidate for t ordered by distance, then by
// registration order.
func (s *Selector[H]) Rank(t reflect.Type) []Match[H] {
	if cached, ok := s.cache.Load(t); ok {
		return cached.([]Match[H])
	}

	s.mu.RLock()
	matches := make([]Match[H], 0, len(s.entries))
	for i, e := range s.entries {
		if d, ok := Distance(t, e.base); ok {
			matches = append(matches, Match[H]{Base: e.base, Handler: e.handler, Distance: d, Order: i})
		}
	}
	s.mu.RUnlock()

	sort.SliceStable(matches, func(i, j int) bool {
		return matches[i].Distance < matches[j].Distance
	})
	actual, _ := s.cache.LoadOrStore(t, matches)
	return actual.([]Match[H])
}

// Find returns the nearest target for the dynamic type of msg.
func (s *Selector[H]) Find(msg any) (H, error) {
	if msg == nil {
		var zero H
		return zero, errspkg.NewConfigurationError("find target", errspkg.ErrMessageRequired)
	}
	return s.FindType(reflect.TypeOf(msg))
}

// FindType returns the nearest target for t.
func (s *Selector[H]) FindType(t reflect.Type) (H, error) {
	matches := s.Rank(t)
	if len(matches) == 0 {
		var zero H
		return zero, errspkg.NewConfigurationError("find target", fmt.Errorf("%w: %s", errspkg.ErrNoTarget, t))
	}
	return matches[0].Handler, nil
}
