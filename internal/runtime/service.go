package runtime

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"

	configpkg "github.com/streamkit/streamkit/internal/runtime/config"
	errspkg "github.com/streamkit/streamkit/internal/runtime/errors"
	loggingpkg "github.com/streamkit/streamkit/internal/runtime/logging"
	transportpkg "github.com/streamkit/streamkit/internal/runtime/transport"
)

type lifecycleState int32

const (
	stateCreated lifecycleState = iota
	stateStarting
	stateRunning
	stateStopping
	stateStopped
)

func (s lifecycleState) String() string {
	switch s {
	case stateCreated:
		return "created"
	case stateStarting:
		return "starting"
	case stateRunning:
		return "running"
	case stateStopping:
		return "stopping"
	case stateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("unknown(%d)", int32(s))
	}
}

// ServiceDependencies holds optional collaborators for the Service. Leave
// fields nil to use the defaults.
type ServiceDependencies struct {
	// TransportFactory overrides how the broker connection is built.
	TransportFactory transportpkg.Factory

	// Middlewares are appended after the default receive middleware chain.
	Middlewares []Middleware

	// PublishMiddlewares are appended after the default publish chain.
	PublishMiddlewares []PublishMiddleware

	// DisableDefaultMiddlewares skips the default chains entirely.
	DisableDefaultMiddlewares bool
}

// Service aggregates subscriptions and publishers over one transport
// connection and drives their lifecycle: created -> starting -> running ->
// stopping -> stopped. Registration happens before Start; the registry is
// immutable while running.
type Service struct {
	Conf   *configpkg.Config
	Logger loggingpkg.ServiceLogger

	publisher  message.Publisher
	subscriber message.Subscriber
	transport  transportpkg.Transport

	middlewares        []Middleware
	publishMiddlewares []PublishMiddleware
	publishFunc        PublishFunc

	subscriptions   []*Subscription
	subscriptionsMu sync.Mutex

	publishers   []*Publisher
	publishersMu sync.Mutex

	inFlight   map[*StreamMessage]struct{}
	inFlightMu sync.Mutex

	state         atomic.Int32
	cancelReceive context.CancelFunc
	loops         sync.WaitGroup
	metricsServer *http.Server
}

// DefaultMiddlewares returns the standard receive chain: correlation id,
// message logging, tracing, and panic recovery (innermost, so a panic is
// converted before the outer middlewares unwind).
func DefaultMiddlewares(logger loggingpkg.ServiceLogger) []Middleware {
	return []Middleware{
		CorrelationIDMiddleware(),
		LogMessagesMiddleware(logger),
		TracerMiddleware(),
		RecovererMiddleware(),
	}
}

// DefaultPublishMiddlewares returns the standard publish chain.
func DefaultPublishMiddlewares(logger loggingpkg.ServiceLogger) []PublishMiddleware {
	return []PublishMiddleware{
		PublishCorrelationIDMiddleware(),
		PublishLogMiddleware(logger),
	}
}

// NewService constructs a Service for the supplied configuration, panicking
// when the transport cannot be built. Register subscribers and publishers on
// the returned Service before calling Start.
func NewService(conf *configpkg.Config, log loggingpkg.ServiceLogger, ctx context.Context, deps ServiceDependencies) *Service {
	s, err := TryNewService(conf, log, ctx, deps)
	if err != nil {
		panic(err)
	}
	return s
}

// TryNewService is NewService returning an error instead of panicking.
func TryNewService(conf *configpkg.Config, log loggingpkg.ServiceLogger, ctx context.Context, deps ServiceDependencies) (*Service, error) {
	if log == nil {
		return nil, errors.New("streamkit: logger is required")
	}
	if err := configpkg.ValidateConfig(conf); err != nil {
		return nil, fmt.Errorf("streamkit: invalid config: %w", err)
	}

	log.Info("Creating stream service", loggingpkg.LogFields{
		"pubsub_system": conf.PubSubSystem,
		"config":        conf,
	})

	s := &Service{
		Conf:     conf,
		Logger:   log,
		inFlight: map[*StreamMessage]struct{}{},
	}

	factory := deps.TransportFactory
	if factory == nil {
		factory = transportpkg.DefaultFactory()
	}
	transport, err := factory.Build(ctx, conf, loggingpkg.NewWatermillAdapter(log))
	if err != nil {
		return nil, fmt.Errorf("streamkit: failed to build transport: %w", err)
	}
	s.transport = transport
	s.publisher = transport.Publisher
	s.subscriber = transport.Subscriber

	if !deps.DisableDefaultMiddlewares {
		s.middlewares = DefaultMiddlewares(log)
		s.publishMiddlewares = DefaultPublishMiddlewares(log)
	}
	s.middlewares = append(s.middlewares, deps.Middlewares...)
	s.publishMiddlewares = append(s.publishMiddlewares, deps.PublishMiddlewares...)
	s.publishFunc = chainPublishMiddlewares(s.transportPublish, s.publishMiddlewares)

	if conf.MetricsEnabled {
		RegisterMetrics(nil)
	}

	return s, nil
}

// NewTestService builds a Service on the in-process transport. Publishes are
// enqueued directly to matching subscriptions, so the full dispatch pipeline
// runs deterministically without a broker.
func NewTestService(log loggingpkg.ServiceLogger) *Service {
	return NewService(&configpkg.Config{
		PubSubSystem:    "memory",
		GracefulTimeout: 5 * time.Second,
	}, log, context.Background(), ServiceDependencies{})
}

// transportPublish is the innermost publish stage.
func (s *Service) transportPublish(ctx context.Context, topic string, msg *message.Message) error {
	msg.SetContext(ctx)
	return s.publisher.Publish(topic, msg)
}

// Start opens one receive loop per registered subscription and transitions
// the service to running. It does not block; drive shutdown with Stop or use
// Run.
func (s *Service) Start(ctx context.Context) error {
	if !s.state.CompareAndSwap(int32(stateCreated), int32(stateStarting)) {
		if s.isState(stateStopped) || s.isState(stateStopping) {
			return errspkg.ErrServiceClosed
		}
		return errspkg.ErrServiceRunning
	}

	receiveCtx, cancel := context.WithCancel(ctx)
	s.cancelReceive = cancel

	s.subscriptionsMu.Lock()
	subscriptions := make([]*Subscription, len(s.subscriptions))
	copy(subscriptions, s.subscriptions)
	s.subscriptionsMu.Unlock()

	for _, sub := range subscriptions {
		messages, err := s.subscriber.Subscribe(receiveCtx, sub.conf.Routing)
		if err != nil {
			cancel()
			s.state.Store(int32(stateStopped))
			return fmt.Errorf("streamkit: failed to subscribe to %s: %w", sub.conf.Routing, err)
		}

		s.loops.Add(1)
		go func(sub *Subscription, messages <-chan *message.Message) {
			defer s.loops.Done()
			s.runSubscription(receiveCtx, sub, messages)
		}(sub, messages)
	}

	s.startMetricsServer()

	s.state.Store(int32(stateRunning))
	s.Logger.Info("Stream service running", loggingpkg.LogFields{
		"subscriptions": len(subscriptions),
	})
	return nil
}

// Run starts the service and blocks until the context is cancelled, then
// performs a graceful stop.
func (s *Service) Run(ctx context.Context) error {
	if err := s.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	return s.Stop()
}

// Stop signals all receive loops to stop accepting work, waits up to the
// graceful timeout for in-flight messages to resolve, force-requeues the
// stragglers, and closes the transport.
func (s *Service) Stop() error {
	switch {
	case s.state.CompareAndSwap(int32(stateRunning), int32(stateStopping)):
	case s.state.CompareAndSwap(int32(stateStarting), int32(stateStopping)):
	case s.state.CompareAndSwap(int32(stateCreated), int32(stateStopping)):
		// Never started: just release the transport.
		err := s.transport.Close()
		s.state.Store(int32(stateStopped))
		return err
	default:
		return errspkg.ErrServiceClosed
	}

	s.Logger.Info("Stopping stream service", loggingpkg.LogFields{
		"graceful_timeout": s.Conf.EffectiveGracefulTimeout(),
	})

	if s.cancelReceive != nil {
		s.cancelReceive()
	}

	if !s.waitForLoops(s.Conf.EffectiveGracefulTimeout()) {
		s.Logger.Info("Graceful timeout expired, requeueing in-flight messages", nil)
		s.forceNackInFlight()
	}

	s.stopMetricsServer()

	err := s.transport.Close()
	s.state.Store(int32(stateStopped))
	s.Logger.Info("Stream service stopped", nil)
	return err
}

// waitForLoops waits for all subscription loops to finish, bounded by the
// graceful timeout. Returns false when the deadline expired first.
func (s *Service) waitForLoops(timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		s.loops.Wait()
		close(done)
	}()

	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}

// State reports the current lifecycle state.
func (s *Service) State() string {
	return lifecycleState(s.state.Load()).String()
}

func (s *Service) isState(st lifecycleState) bool {
	return lifecycleState(s.state.Load()) == st
}

// Subscriptions returns the registered subscriptions in registration order.
func (s *Service) Subscriptions() []*Subscription {
	s.subscriptionsMu.Lock()
	defer s.subscriptionsMu.Unlock()
	out := make([]*Subscription, len(s.subscriptions))
	copy(out, s.subscriptions)
	return out
}

func (s *Service) startMetricsServer() {
	if !s.Conf.MetricsEnabled || s.Conf.MetricsPort <= 0 {
		return
	}

	s.metricsServer = newMetricsServer(s.Conf.MetricsPort)
	s.Logger.Info("Starting metrics server", loggingpkg.LogFields{
		"address": s.metricsServer.Addr,
	})
	go func(server *http.Server) {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.Logger.Error("Metrics server failed", err, loggingpkg.LogFields{
				"address": server.Addr,
			})
		}
	}(s.metricsServer)
}

func (s *Service) stopMetricsServer() {
	if s.metricsServer == nil {
		return
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.metricsServer.Shutdown(shutdownCtx); err != nil {
		s.Logger.Error("Failed to shut down metrics server", err, nil)
	}
	s.metricsServer = nil
}
