package natsflow

import (
	"context"
	"time"

	"github.com/drblury/natsflow/broker"
	_ "github.com/drblury/natsflow/broker/memory"
	_ "github.com/drblury/natsflow/broker/nats"
	runtimepkg "github.com/drblury/natsflow/internal/runtime"
	configpkg "github.com/drblury/natsflow/internal/runtime/config"
	"github.com/drblury/natsflow/internal/runtime/engine"
	errspkg "github.com/drblury/natsflow/internal/runtime/errors"
	handlerpkg "github.com/drblury/natsflow/internal/runtime/handlers"
	idspkg "github.com/drblury/natsflow/internal/runtime/ids"
	jsoncodec "github.com/drblury/natsflow/internal/runtime/jsoncodec"
	"github.com/drblury/natsflow/internal/runtime/lock"
	loggingpkg "github.com/drblury/natsflow/internal/runtime/logging"
	metadatapkg "github.com/drblury/natsflow/internal/runtime/metadata"
	"github.com/drblury/natsflow/internal/runtime/serialization"
)

type (
	Config          = configpkg.Config
	Bus             = runtimepkg.Bus
	BusDependencies = runtimepkg.BusDependencies
	Validator       = runtimepkg.Validator

	SourceSpec                  = handlerpkg.SourceSpec
	Target                      = handlerpkg.Target
	Source                      = handlerpkg.Source
	CommandTarget[T any]        = handlerpkg.CommandTarget[T]
	EventTarget[T any]          = handlerpkg.EventTarget[T]
	QueryTarget[T any, R any]   = handlerpkg.QueryTarget[T, R]
	RequestTarget[T any, R any] = handlerpkg.RequestTarget[T, R]
	CommandSource[T any]        = handlerpkg.CommandSource[T]
	EventSource[T any]          = handlerpkg.EventSource[T]
	QuerySource[T any, R any]   = handlerpkg.QuerySource[T, R]
	RequestSource[T any, R any] = handlerpkg.RequestSource[T, R]
	MessageContext              = handlerpkg.MessageContext
	Handler[T any, R any]       = handlerpkg.Handler[T, R]
	Dispatcher                  = engine.Dispatcher
	DispatcherFunc              = engine.DispatcherFunc
	Middleware                  = engine.Middleware
	MessageInfo                 = engine.MessageInfo
	Kind                        = engine.Kind
	StatsSnapshot               = engine.StatsSnapshot
	SerializerPair[T any]       = serialization.Pair[T]
	Serializer[T any]           = serialization.Serializer[T]
	SerializerAdapter[T any]    = serialization.Adapter[T]
	Resolver                    = serialization.Resolver
	JSONSerializer[T any]       = serialization.JSONSerializer[T]
	ProtoSerializer[T any]      = serialization.ProtoSerializer[T]
	ProtoJSONSerializer[T any]  = serialization.ProtoJSONSerializer[T]
	Locker                      = lock.Locker
	LockOptions                 = lock.Options
	Lease                       = lock.Lease
	StreamSpec                  = broker.StreamSpec
	ConsumerSpec                = broker.ConsumerSpec
	BucketSpec                  = broker.BucketSpec
	Broker                      = broker.Broker
	BrokerRegistry              = broker.Registry

	MiddlewareBuilder      = runtimepkg.MiddlewareBuilder
	MiddlewareRegistration = runtimepkg.MiddlewareRegistration
	RetryMiddlewareConfig  = runtimepkg.RetryMiddlewareConfig

	Metadata = metadatapkg.Metadata

	LogFields                 = loggingpkg.LogFields
	ServiceLogger             = loggingpkg.ServiceLogger
	EntryLogger               = loggingpkg.EntryLogger
	EntryLoggerAdapter[T any] = loggingpkg.EntryLoggerAdapter[T]

	UnprocessableMessageError = runtimepkg.UnprocessableMessageError
	ConfigurationError        = errspkg.ConfigurationError
	TimeoutError              = errspkg.TimeoutError
	RemoteError               = errspkg.RemoteError
	ConfigValidationError     = errspkg.ConfigValidationError

	SourceInfo = runtimepkg.SourceInfo

	// Job lifecycle hooks
	JobContext = runtimepkg.JobContext
	JobHooks   = runtimepkg.JobHooks
)

const (
	KindCommand = engine.KindCommand
	KindEvent   = engine.KindEvent
	KindQuery   = engine.KindQuery
	KindRequest = engine.KindRequest
)

var (
	NewBus            = runtimepkg.NewBus
	NewLock           = lock.New
	NewBrokerRegistry = broker.NewRegistry
	NewResolver       = serialization.NewResolver

	DefaultBrokerRegistry = broker.DefaultRegistry
	RegisterBroker        = broker.Register

	DefaultMiddlewares      = runtimepkg.DefaultMiddlewares
	CorrelationIDMiddleware = runtimepkg.CorrelationIDMiddleware
	LogMessagesMiddleware   = runtimepkg.LogMessagesMiddleware
	ValidateMiddleware      = runtimepkg.ValidateMiddleware
	RetryMiddleware         = runtimepkg.RetryMiddleware
	Chain                   = engine.Chain

	// Job lifecycle hooks
	JobHooksMiddleware = runtimepkg.JobHooksMiddleware
	LoggingHooks       = runtimepkg.LoggingHooks
	MetricsHooks       = runtimepkg.MetricsHooks
	AlertingHooks      = runtimepkg.AlertingHooks

	WithMetadata        = handlerpkg.WithMetadata
	MetadataFromContext = handlerpkg.MetadataFromContext

	Marshal   = jsoncodec.Marshal
	Unmarshal = jsoncodec.Unmarshal
	Encode    = jsoncodec.Encode
	Decode    = jsoncodec.Decode

	IsTimeout       = errspkg.IsTimeout
	IsConfiguration = errspkg.IsConfiguration
	IsRemote        = errspkg.IsRemote

	ErrBusRequired           = errspkg.ErrBusRequired
	ErrBusStarted            = errspkg.ErrBusStarted
	ErrBrokerRequired        = errspkg.ErrBrokerRequired
	ErrDispatcherRequired    = errspkg.ErrDispatcherRequired
	ErrSubjectRequired       = errspkg.ErrSubjectRequired
	ErrStreamRequired        = errspkg.ErrStreamRequired
	ErrConsumerRequired      = errspkg.ErrConsumerRequired
	ErrMessageRequired       = errspkg.ErrMessageRequired
	ErrConfigRequired        = errspkg.ErrConfigRequired
	ErrNoTarget              = errspkg.ErrNoTarget
	ErrNoSerializer          = errspkg.ErrNoSerializer
	ErrInvalidPair           = errspkg.ErrInvalidPair
	ErrUnexpectedMessageType = errspkg.ErrUnexpectedMessageType
	ErrLockTimeout           = errspkg.ErrLockTimeout
	ErrLockKeyRequired       = errspkg.ErrLockKeyRequired

	NewSlogServiceLogger = loggingpkg.NewSlogServiceLogger
	NewNopLogger         = loggingpkg.NewNopLogger

	NewMetadata = metadatapkg.New

	CreateULID = idspkg.CreateULID
)

// Metadata keys carried as message headers.
const (
	MetadataKeyCorrelationID = handlerpkg.MetadataKeyCorrelationID
	MetadataKeyMessageType   = handlerpkg.MetadataKeyMessageType
)

func RegisterCommandTarget[T any](b *Bus, subject string) error {
	return runtimepkg.RegisterCommandTarget[T](b, subject)
}

func RegisterEventTarget[T any](b *Bus, subject string) error {
	return runtimepkg.RegisterEventTarget[T](b, subject)
}

func RegisterQueryTarget[T any, R any](b *Bus, subject string, timeout time.Duration) error {
	return runtimepkg.RegisterQueryTarget[T, R](b, subject, timeout)
}

func RegisterRequestTarget[T any, R any](b *Bus, subject string, timeout time.Duration) error {
	return runtimepkg.RegisterRequestTarget[T, R](b, subject, timeout)
}

func RegisterCommandSource[T any](b *Bus, spec SourceSpec, d Dispatcher) error {
	return runtimepkg.RegisterCommandSource[T](b, spec, d)
}

func RegisterEventSource[T any](b *Bus, spec SourceSpec, d Dispatcher) error {
	return runtimepkg.RegisterEventSource[T](b, spec, d)
}

func RegisterQuerySource[T any, R any](b *Bus, spec SourceSpec, d Dispatcher) error {
	return runtimepkg.RegisterQuerySource[T, R](b, spec, d)
}

func RegisterRequestSource[T any, R any](b *Bus, spec SourceSpec, d Dispatcher) error {
	return runtimepkg.RegisterRequestSource[T, R](b, spec, d)
}

// Query sends msg through the nearest query target and returns the reply as R.
func Query[R any](ctx context.Context, b *Bus, msg any) (R, error) {
	return runtimepkg.Query[R](ctx, b, msg)
}

// Request sends msg through the nearest request target and returns the reply
// as R.
func Request[R any](ctx context.Context, b *Bus, msg any) (R, error) {
	return runtimepkg.Request[R](ctx, b, msg)
}

// Handle adapts a typed handler into a Dispatcher for source registration.
func Handle[T any, R any](h Handler[T, R], logger ServiceLogger) (Dispatcher, error) {
	return handlerpkg.Handle(h, logger)
}

// RegisterSerializer makes p the serializer of T on r.
func RegisterSerializer[T any](r *Resolver, p SerializerPair[T]) error {
	return serialization.Register(r, p)
}

// RegisterKnownType lets replies declared as an interface or base type be
// decoded into T when they carry alias.
func RegisterKnownType[T any](r *Resolver, alias string) error {
	return serialization.RegisterKnownType[T](r, alias)
}

func NewEntryServiceLogger[T EntryLoggerAdapter[T]](entry T) ServiceLogger {
	return loggingpkg.NewEntryServiceLogger(entry)
}
