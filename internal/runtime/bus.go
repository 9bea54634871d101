package runtime

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/drblury/natsflow/broker"
	configpkg "github.com/drblury/natsflow/internal/runtime/config"
	"github.com/drblury/natsflow/internal/runtime/engine"
	errspkg "github.com/drblury/natsflow/internal/runtime/errors"
	"github.com/drblury/natsflow/internal/runtime/handlers"
	"github.com/drblury/natsflow/internal/runtime/lock"
	loggingpkg "github.com/drblury/natsflow/internal/runtime/logging"
	"github.com/drblury/natsflow/internal/runtime/selector"
	"github.com/drblury/natsflow/internal/runtime/serialization"
	"github.com/drblury/natsflow/internal/runtime/toolbox"
)

const httpShutdownTimeout = 5 * time.Second

// Validator validates decoded payloads before they reach the dispatcher.
type Validator interface {
	Validate(value any) error
}

// BusDependencies holds the optional collaborators a Bus can use. Leave
// fields nil to get the defaults.
type BusDependencies struct {
	// Broker is used as is instead of building one from the configuration.
	Broker broker.Broker
	// Registry builds the broker when Broker is nil. Defaults to
	// broker.DefaultRegistry.
	Registry *broker.Registry
	// Resolver lets several buses share serializer registrations.
	Resolver  *serialization.Resolver
	Validator Validator
	// Middlewares are appended after the default middleware chain.
	Middlewares               []MiddlewareRegistration
	DisableDefaultMiddlewares bool
	// MetricsRegistry receives the bus metrics and backs the /metrics
	// endpoint. Defaults to the global Prometheus registry.
	MetricsRegistry *prometheus.Registry
	Tracer          trace.Tracer
}

type sourceRegistration struct {
	source     handlers.Source
	dispatcher engine.Dispatcher
	stats      *engine.Stats
	options    engine.Options
}

// Bus owns the broker connection, the registered targets and sources, and the
// lock service of one application.
type Bus struct {
	Conf   *configpkg.Config
	Logger loggingpkg.ServiceLogger

	broker    broker.Broker
	ownBroker bool
	toolbox   *toolbox.Toolbox
	resolver  *serialization.Resolver
	validator Validator
	registry  *prometheus.Registry

	mu          sync.RWMutex
	started     bool
	targets     map[engine.Kind]*selector.Selector[handlers.Target]
	sources     []*sourceRegistration
	middlewares []engine.Middleware
	locker      *lock.Locker
	group       *errgroup.Group
	runCtx      context.Context

	httpServers   map[int]*http.ServeMux
	httpServersMu sync.Mutex
}

// NewBus validates conf, connects the broker and prepares an empty Bus.
// Register targets and sources before calling Start.
func NewBus(ctx context.Context, conf *configpkg.Config, log loggingpkg.ServiceLogger, deps BusDependencies) (*Bus, error) {
	if conf == nil {
		return nil, errspkg.ErrConfigRequired
	}
	c := conf.WithDefaults()
	if err := c.Validate(); err != nil {
		return nil, errspkg.NewConfigValidationError(err)
	}
	log = loggingpkg.OrNop(log)
	log.Info("Creating bus", loggingpkg.LogFields{"broker": c.Broker, "config": c.String()})

	b := &Bus{
		Conf:      &c,
		Logger:    log,
		resolver:  deps.Resolver,
		validator: deps.Validator,
		registry:  deps.MetricsRegistry,
		targets:   make(map[engine.Kind]*selector.Selector[handlers.Target]),
	}
	if b.resolver == nil {
		b.resolver = serialization.NewResolver()
	}

	b.broker = deps.Broker
	if b.broker == nil {
		registry := deps.Registry
		if registry == nil {
			registry = broker.DefaultRegistry
		}
		built, err := registry.Build(ctx, &c, loggingpkg.NewWatermillAdapter(log))
		if err != nil {
			return nil, err
		}
		b.broker = built
		b.ownBroker = true
	}

	var metrics *toolbox.Metrics
	if c.MetricsEnabled {
		var registerer prometheus.Registerer = prometheus.DefaultRegisterer
		if b.registry != nil {
			registerer = b.registry
		}
		metrics = toolbox.NewMetrics(c.MetricsNamespace, registerer)
		if err := metrics.Register(); err != nil {
			b.closeBroker()
			return nil, fmt.Errorf("register metrics: %w", err)
		}
		if c.MetricsPort > 0 {
			b.RegisterHTTPHandler(c.MetricsPort, "/metrics", b.metricsHandler())
		}
	}

	tb, err := toolbox.New(toolbox.Options{Broker: b.broker, Logger: log, Metrics: metrics, Tracer: deps.Tracer})
	if err != nil {
		b.closeBroker()
		return nil, err
	}
	b.toolbox = tb

	if err := b.registerConfiguredMiddlewares(deps); err != nil {
		b.closeBroker()
		return nil, err
	}
	return b, nil
}

func (b *Bus) metricsHandler() http.Handler {
	if b.registry != nil {
		return promhttp.HandlerFor(b.registry, promhttp.HandlerOpts{})
	}
	return promhttp.Handler()
}

func (b *Bus) registerConfiguredMiddlewares(deps BusDependencies) error {
	var defaults []MiddlewareRegistration
	if !deps.DisableDefaultMiddlewares {
		defaults = DefaultMiddlewares()
	}
	registrations := make([]MiddlewareRegistration, 0, len(defaults)+len(deps.Middlewares))
	registrations = append(registrations, defaults...)
	registrations = append(registrations, deps.Middlewares...)

	for _, reg := range registrations {
		if err := b.RegisterMiddleware(reg); err != nil {
			name := reg.Name
			if name == "" {
				name = "anonymous_middleware"
			}
			return fmt.Errorf("register middleware %s: %w", name, err)
		}
	}
	return nil
}

// Toolbox exposes the broker façade the bus sends through.
func (b *Bus) Toolbox() *toolbox.Toolbox { return b.toolbox }

// Broker returns the underlying broker.
func (b *Bus) Broker() broker.Broker { return b.broker }

// Resolver returns the serializer resolver shared by every target and source.
func (b *Bus) Resolver() *serialization.Resolver { return b.resolver }

// Provision creates streams and consumers when the broker supports it.
func (b *Bus) Provision(ctx context.Context, streams []broker.StreamSpec, consumers []broker.ConsumerSpec) error {
	return broker.Provision(ctx, b.broker, streams, consumers)
}

// Locker returns the bus lock service, opening the lock bucket on first use.
// Its observer runs with the bus once Start is called.
func (b *Bus) Locker(ctx context.Context) (*lock.Locker, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.locker != nil {
		return b.locker, nil
	}

	l, err := lock.New(ctx, lock.Options{
		Broker:     b.broker,
		Bucket:     b.Conf.LockBucket,
		TTL:        b.Conf.LockTTL,
		BackoffMin: b.Conf.LockBackoffMin,
		BackoffMax: b.Conf.LockBackoffMax,
		Logger:     b.Logger,
	})
	if err != nil {
		return nil, err
	}
	b.locker = l
	if b.group != nil {
		runCtx := b.runCtx
		b.group.Go(func() error { return l.Run(runCtx) })
	}
	return l, nil
}

// Start runs every registered source and the lock observer until ctx is
// cancelled or a source fails to start. Registrations are frozen from here on.
func (b *Bus) Start(ctx context.Context) error {
	b.mu.Lock()
	if b.started {
		b.mu.Unlock()
		return errspkg.ErrBusStarted
	}

	engines := make([]*engine.Engine, 0, len(b.sources))
	for _, reg := range b.sources {
		opts := reg.options
		opts.Dispatcher = engine.Chain(reg.dispatcher, b.middlewares...)
		e, err := engine.New(opts)
		if err != nil {
			b.mu.Unlock()
			return err
		}
		engines = append(engines, e)
	}

	b.started = true
	g, gctx := errgroup.WithContext(ctx)
	b.group, b.runCtx = g, gctx
	locker := b.locker
	b.mu.Unlock()

	for _, e := range engines {
		g.Go(func() error { return e.Run(gctx) })
	}
	if locker != nil {
		g.Go(func() error { return locker.Run(gctx) })
	}

	servers := b.startHTTPServers(g)
	// Keeps the group alive until shutdown so late Locker calls can join it.
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), httpShutdownTimeout)
		defer cancel()
		for _, srv := range servers {
			if err := srv.Shutdown(shutdownCtx); err != nil {
				b.Logger.Error("Failed to stop HTTP server", err, loggingpkg.LogFields{"address": srv.Addr})
			}
		}
		return nil
	})

	b.Logger.Info("Bus started", loggingpkg.LogFields{"sources": len(engines)})
	err := g.Wait()
	b.Logger.Info("Bus stopped", nil)
	return err
}

// Started reports whether Start has been called.
func (b *Bus) Started() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.started
}

// Close releases the broker when the bus created it.
func (b *Bus) Close() error {
	if !b.ownBroker {
		return nil
	}
	return b.broker.Close()
}

func (b *Bus) closeBroker() {
	if b.ownBroker && b.broker != nil {
		_ = b.broker.Close()
	}
}

// RegisterHTTPHandler mounts handler on the server for port. Servers start
// with the bus.
func (b *Bus) RegisterHTTPHandler(port int, pattern string, handler http.Handler) {
	b.httpServersMu.Lock()
	defer b.httpServersMu.Unlock()

	if b.httpServers == nil {
		b.httpServers = make(map[int]*http.ServeMux)
	}

	mux, ok := b.httpServers[port]
	if !ok {
		mux = http.NewServeMux()
		b.httpServers[port] = mux
	}

	mux.Handle(pattern, handler)
}

func (b *Bus) startHTTPServers(g *errgroup.Group) []*http.Server {
	b.httpServersMu.Lock()
	defer b.httpServersMu.Unlock()

	servers := make([]*http.Server, 0, len(b.httpServers))
	for port, mux := range b.httpServers {
		srv := &http.Server{Addr: fmt.Sprintf(":%d", port), Handler: mux, ReadHeaderTimeout: 10 * time.Second}
		servers = append(servers, srv)
		b.Logger.Info("Starting HTTP server", loggingpkg.LogFields{"address": srv.Addr})
		g.Go(func() error {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("http server %s: %w", srv.Addr, err)
			}
			return nil
		})
	}
	return servers
}
