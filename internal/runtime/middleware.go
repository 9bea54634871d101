package runtime

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/drblury/natsflow/internal/runtime/engine"
	errspkg "github.com/drblury/natsflow/internal/runtime/errors"
	"github.com/drblury/natsflow/internal/runtime/handlers"
	idspkg "github.com/drblury/natsflow/internal/runtime/ids"
	loggingpkg "github.com/drblury/natsflow/internal/runtime/logging"
)

// MiddlewareBuilder constructs a dispatch middleware using the bus it is
// registered on.
type MiddlewareBuilder func(*Bus) (engine.Middleware, error)

// MiddlewareRegistration captures how a middleware should be registered on a
// Bus. Middlewares wrap the dispatcher of every source in registration order,
// the first registered being the outermost.
type MiddlewareRegistration struct {
	Name       string
	Middleware engine.Middleware
	Builder    MiddlewareBuilder
}

// RetryMiddlewareConfig customises the retry middleware behaviour.
type RetryMiddlewareConfig struct {
	MaxRetries      int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	RetryIf         func(error) bool
}

func (cfg RetryMiddlewareConfig) withDefaults() RetryMiddlewareConfig {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.InitialInterval <= 0 {
		cfg.InitialInterval = 100 * time.Millisecond
	}
	if cfg.MaxInterval <= 0 {
		cfg.MaxInterval = 2 * time.Second
	}
	return cfg
}

// UnprocessableMessageError wraps payloads that failed validation. Retrying
// them is pointless.
type UnprocessableMessageError struct {
	MessageType string
	Err         error
}

func (e *UnprocessableMessageError) Error() string {
	return "unprocessable message " + e.MessageType + ": " + e.Err.Error()
}

func (e *UnprocessableMessageError) Unwrap() error { return e.Err }

// DefaultMiddlewares returns the chain NewBus installs unless disabled.
func DefaultMiddlewares() []MiddlewareRegistration {
	return []MiddlewareRegistration{
		CorrelationIDMiddleware(),
		LogMessagesMiddleware(nil),
		ValidateMiddleware(),
	}
}

// CorrelationIDMiddleware gives every dispatched message a correlation ID and
// carries it onto anything the dispatcher sends.
func CorrelationIDMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name:       "correlation_id",
		Middleware: correlationIDMiddleware,
	}
}

func correlationIDMiddleware(next engine.Dispatcher) engine.Dispatcher {
	return engine.DispatcherFunc(func(ctx context.Context, msg any) (any, error) {
		info, _ := engine.MessageInfoFromContext(ctx)
		id := info.Metadata[handlers.MetadataKeyCorrelationID]
		if id == "" {
			id = idspkg.CreateULID()
			info.Metadata = info.Metadata.With(handlers.MetadataKeyCorrelationID, id)
			ctx = engine.WithMessageInfo(ctx, info)
		}
		ctx = handlers.WithMetadata(ctx, map[string]string{handlers.MetadataKeyCorrelationID: id})
		return next.Dispatch(ctx, msg)
	})
}

// LogMessagesMiddleware logs the source, subject and metadata of dispatched
// messages at debug level.
func LogMessagesMiddleware(logger loggingpkg.ServiceLogger) MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "log_messages",
		Builder: func(b *Bus) (engine.Middleware, error) {
			l := logger
			if l == nil {
				l = b.Logger
			}
			if l == nil {
				return nil, errors.New("log messages middleware requires a logger")
			}
			return logMessagesMiddleware(l), nil
		},
	}
}

func logMessagesMiddleware(logger loggingpkg.ServiceLogger) engine.Middleware {
	return func(next engine.Dispatcher) engine.Dispatcher {
		return engine.DispatcherFunc(func(ctx context.Context, msg any) (any, error) {
			info, _ := engine.MessageInfoFromContext(ctx)
			logger.Debug("Processing message", loggingpkg.LogFields{
				"source":       info.Source,
				"subject":      info.Subject,
				"message_type": info.MessageType,
				"metadata":     info.Metadata,
			})
			return next.Dispatch(ctx, msg)
		})
	}
}

// ValidateMiddleware runs the bus Validator on every decoded message. It is a
// no-op without a Validator.
func ValidateMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "validate",
		Builder: func(b *Bus) (engine.Middleware, error) {
			if b.validator == nil {
				return nil, nil
			}
			return validateMiddleware(b.validator), nil
		},
	}
}

func validateMiddleware(v Validator) engine.Middleware {
	return func(next engine.Dispatcher) engine.Dispatcher {
		return engine.DispatcherFunc(func(ctx context.Context, msg any) (any, error) {
			if err := v.Validate(msg); err != nil {
				info, _ := engine.MessageInfoFromContext(ctx)
				return nil, &UnprocessableMessageError{MessageType: info.MessageType, Err: err}
			}
			return next.Dispatch(ctx, msg)
		})
	}
}

// RetryMiddleware retries a failing dispatch in process with exponential
// backoff before the failure reaches the engine. Unprocessable messages and
// configuration errors are never retried.
func RetryMiddleware(cfg RetryMiddlewareConfig) MiddlewareRegistration {
	normalized := cfg.withDefaults()
	return MiddlewareRegistration{
		Name:       "retry",
		Middleware: retryMiddleware(normalized),
	}
}

func retryMiddleware(cfg RetryMiddlewareConfig) engine.Middleware {
	return func(next engine.Dispatcher) engine.Dispatcher {
		return engine.DispatcherFunc(func(ctx context.Context, msg any) (any, error) {
			policy := backoff.NewExponentialBackOff()
			policy.InitialInterval = cfg.InitialInterval
			policy.MaxInterval = cfg.MaxInterval

			return backoff.Retry(ctx, func() (any, error) {
				out, err := next.Dispatch(ctx, msg)
				if err != nil && !retryable(cfg, err) {
					return out, backoff.Permanent(err)
				}
				return out, err
			}, backoff.WithBackOff(policy), backoff.WithMaxTries(uint(cfg.MaxRetries)+1))
		})
	}
}

func retryable(cfg RetryMiddlewareConfig, err error) bool {
	var unprocessable *UnprocessableMessageError
	if errors.As(err, &unprocessable) || errspkg.IsConfiguration(err) {
		return false
	}
	if cfg.RetryIf != nil {
		return cfg.RetryIf(err)
	}
	return true
}

// RegisterMiddleware appends a middleware to the dispatch chain of every
// source.
func (b *Bus) RegisterMiddleware(cfg MiddlewareRegistration) error {
	var mw engine.Middleware
	switch {
	case cfg.Middleware != nil:
		mw = cfg.Middleware
	case cfg.Builder != nil:
		var err error
		mw, err = cfg.Builder(b)
		if err != nil {
			return err
		}
	default:
		return errors.New("middleware registration requires Middleware or Builder")
	}

	if mw == nil {
		return nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.started {
		return errspkg.ErrBusStarted
	}
	b.middlewares = append(b.middlewares, mw)
	return nil
}
