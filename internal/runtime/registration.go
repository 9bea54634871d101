package runtime

import (
	"fmt"
	"time"

	"github.com/drblury/natsflow/internal/runtime/engine"
	errspkg "github.com/drblury/natsflow/internal/runtime/errors"
	"github.com/drblury/natsflow/internal/runtime/handlers"
	"github.com/drblury/natsflow/internal/runtime/selector"
)

// RegisterTarget adds t to the targets of its kind. A message is sent through
// the registered target whose base type is nearest to the message type.
func (b *Bus) RegisterTarget(t handlers.Target) error {
	if t == nil {
		return errspkg.NewConfigurationError("register target", errspkg.ErrMessageTypeRequired)
	}
	if err := t.Validate(); err != nil {
		return errspkg.NewConfigurationError(fmt.Sprintf("register %s target %s", t.Kind(), t.Type()), err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.started {
		return errspkg.ErrBusStarted
	}
	sel, ok := b.targets[t.Kind()]
	if !ok {
		sel = selector.New[handlers.Target]()
		b.targets[t.Kind()] = sel
	}
	return sel.Register(t.Type(), t)
}

// RegisterSource runs d for every message src receives once the bus starts.
// Zero-valued concurrency, keep-alive and nak settings come from the bus
// configuration.
func (b *Bus) RegisterSource(src handlers.Source, d engine.Dispatcher) error {
	if src == nil {
		return errspkg.NewConfigurationError("register source", errspkg.ErrMessageTypeRequired)
	}
	if d == nil {
		return errspkg.NewConfigurationError("register source", errspkg.ErrDispatcherRequired)
	}
	if err := src.Validate(); err != nil {
		return errspkg.NewConfigurationError(fmt.Sprintf("register %s source %s", src.Kind(), src.Type()), err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.started {
		return errspkg.ErrBusStarted
	}

	stats := &engine.Stats{}
	opts := src.Options(b.resolver)
	for _, existing := range b.sources {
		if existing.options.Name == opts.Name {
			return errspkg.NewConfigurationError("register source", fmt.Errorf("duplicate source name %q", opts.Name))
		}
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = b.Conf.DefaultConcurrency
	}
	if opts.KeepAliveInterval <= 0 {
		opts.KeepAliveInterval = b.Conf.KeepAliveInterval
	}
	opts.NakOnFailure = opts.NakOnFailure || b.Conf.NakOnFailure
	opts.Toolbox = b.toolbox
	opts.Logger = b.Logger
	opts.Stats = stats

	b.sources = append(b.sources, &sourceRegistration{
		source:     src,
		dispatcher: d,
		stats:      stats,
		options:    opts,
	})
	return nil
}

// RegisterCommandTarget sends commands of type T to subject.
func RegisterCommandTarget[T any](b *Bus, subject string) error {
	if b == nil {
		return errspkg.ErrBusRequired
	}
	return b.RegisterTarget(handlers.CommandTarget[T]{Subject: subject})
}

// RegisterEventTarget publishes events of type T on subject.
func RegisterEventTarget[T any](b *Bus, subject string) error {
	if b == nil {
		return errspkg.ErrBusRequired
	}
	return b.RegisterTarget(handlers.EventTarget[T]{Subject: subject})
}

// RegisterQueryTarget sends queries of type T to subject and expects R back.
// A zero timeout uses the configured query timeout.
func RegisterQueryTarget[T any, R any](b *Bus, subject string, timeout time.Duration) error {
	if b == nil {
		return errspkg.ErrBusRequired
	}
	return b.RegisterTarget(handlers.QueryTarget[T, R]{Subject: subject, Timeout: timeout})
}

// RegisterRequestTarget sends requests of type T through the stream bound to
// subject and waits for R. A zero timeout uses the configured request timeout.
func RegisterRequestTarget[T any, R any](b *Bus, subject string, timeout time.Duration) error {
	if b == nil {
		return errspkg.ErrBusRequired
	}
	return b.RegisterTarget(handlers.RequestTarget[T, R]{Subject: subject, Timeout: timeout})
}

// RegisterCommandSource receives commands of type T.
func RegisterCommandSource[T any](b *Bus, spec handlers.SourceSpec, d engine.Dispatcher) error {
	if b == nil {
		return errspkg.ErrBusRequired
	}
	return b.RegisterSource(handlers.CommandSource[T]{SourceSpec: spec}, d)
}

// RegisterEventSource receives events of type T.
func RegisterEventSource[T any](b *Bus, spec handlers.SourceSpec, d engine.Dispatcher) error {
	if b == nil {
		return errspkg.ErrBusRequired
	}
	return b.RegisterSource(handlers.EventSource[T]{SourceSpec: spec}, d)
}

// RegisterQuerySource answers queries of type T with R.
func RegisterQuerySource[T any, R any](b *Bus, spec handlers.SourceSpec, d engine.Dispatcher) error {
	if b == nil {
		return errspkg.ErrBusRequired
	}
	return b.RegisterSource(handlers.QuerySource[T, R]{SourceSpec: spec}, d)
}

// RegisterRequestSource answers stream-backed requests of type T with R.
func RegisterRequestSource[T any, R any](b *Bus, spec handlers.SourceSpec, d engine.Dispatcher) error {
	if b == nil {
		return errspkg.ErrBusRequired
	}
	return b.RegisterSource(handlers.RequestSource[T, R]{SourceSpec: spec}, d)
}
