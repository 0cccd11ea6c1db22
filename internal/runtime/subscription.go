package runtime

import (
	"context"
	"fmt"
	"time"

	errspkg "github.com/streamkit/streamkit/internal/runtime/errors"
)

const (
	defaultMaxRecords   = 10
	defaultBatchTimeout = 200 * time.Millisecond
)

// SubscriberConfig declares a logical consumer registration. Routing is the
// only required field; zero values select sensible defaults.
type SubscriberConfig struct {
	// Routing is the transport-level target (topic, queue, subject).
	Routing string

	// Batch collects up to MaxRecords deliveries (bounded by BatchTimeout)
	// and dispatches them as a single unit of work: the whole batch is acked
	// or nacked together.
	Batch        bool
	MaxRecords   int
	BatchTimeout time.Duration

	// ConcurrencyLimit bounds simultaneously in-flight messages. The receive
	// loop stops pulling once the limit is reached, which is the backpressure
	// mechanism. Zero means 1; set to 1 to preserve end-to-end ordering.
	ConcurrencyLimit int

	// Retry is the default retry policy for handlers on this subscription.
	Retry RetryPolicy

	// NoAck suppresses automatic acknowledgment; handlers resolve the
	// message themselves via its Ack/Nack/Reject methods.
	NoAck bool

	// Parser and Decoder override how raw deliveries become an envelope and
	// how the envelope body becomes a payload.
	Parser  Parser
	Decoder Decoder
}

func (c SubscriberConfig) withDefaults() SubscriberConfig {
	if c.MaxRecords <= 0 {
		c.MaxRecords = defaultMaxRecords
	}
	if c.BatchTimeout <= 0 {
		c.BatchTimeout = defaultBatchTimeout
	}
	if c.ConcurrencyLimit <= 0 {
		c.ConcurrencyLimit = 1
	}
	if c.Parser == nil {
		c.Parser = DefaultParser
	}
	if c.Decoder == nil {
		c.Decoder = DefaultDecoder
	}
	return c
}

// transportEquals reports whether two configs can share one physical
// subscription. Only transport-level parameters matter here; handlers,
// filters, and retry policies are per-binding.
func (c SubscriberConfig) transportEquals(other SubscriberConfig) bool {
	return c.Batch == other.Batch &&
		c.MaxRecords == other.MaxRecords &&
		c.BatchTimeout == other.BatchTimeout &&
		c.ConcurrencyLimit == other.ConcurrencyLimit &&
		c.NoAck == other.NoAck
}

// HandlerConfig binds one handler function to a subscription.
type HandlerConfig struct {
	// Name identifies the handler in logs and metrics. Generated from the
	// routing target when empty.
	Name string

	// Handler is the processing function. Required.
	Handler HandlerFunc

	// Filter decides whether this handler claims a message. Nil accepts
	// everything. Evaluation order is registration order; first match wins.
	Filter Filter

	// Middlewares wrap this handler inside the service-level chain.
	Middlewares []Middleware

	// Decoder overrides payload decoding for this handler's argument
	// resolution. The envelope itself is still decoded once with the
	// subscription decoder.
	Decoder Decoder

	// Retry overrides the subscription retry policy. Nil inherits it.
	Retry *RetryPolicy

	// NoAck suppresses automatic acknowledgment for this handler only.
	NoAck bool

	// Resolver overrides argument resolution. Nil uses the default resolver.
	Resolver ArgumentResolver
}

// handlerBinding is a registered handler with its effective settings applied.
type handlerBinding struct {
	name     string
	invoke   HandlerFunc
	filter   Filter
	resolver ArgumentResolver
	watcher  attemptWatcher
	noAck    bool
}

// Subscription owns the ordered handler bindings for one routing target.
// Bindings are immutable once the service starts.
type Subscription struct {
	conf SubscriberConfig
	svc  *Service

	handlers []*handlerBinding
}

// Config returns the effective subscriber configuration.
func (s *Subscription) Config() SubscriberConfig {
	return s.conf
}

// Routing returns the subscription's transport target.
func (s *Subscription) Routing() string {
	return s.conf.Routing
}

// AddSubscriber registers (or returns the existing) subscription for the
// given routing target. Transport-level settings that conflict with an
// existing registration fail with a ConfigValidationError.
func (s *Service) AddSubscriber(cfg SubscriberConfig) (*Subscription, error) {
	if cfg.Routing == "" {
		return nil, errspkg.ErrRoutingRequired
	}
	if !s.isState(stateCreated) {
		return nil, errspkg.ErrServiceRunning
	}

	cfg = cfg.withDefaults()

	s.subscriptionsMu.Lock()
	defer s.subscriptionsMu.Unlock()

	for _, existing := range s.subscriptions {
		if existing.conf.Routing != cfg.Routing {
			continue
		}
		if !existing.conf.transportEquals(cfg) {
			return nil, &errspkg.ConfigValidationError{
				Field:  cfg.Routing,
				Reason: "subscriber settings conflict with an existing registration for the same routing target",
			}
		}
		return existing, nil
	}

	sub := &Subscription{conf: cfg, svc: s}
	s.subscriptions = append(s.subscriptions, sub)
	return sub, nil
}

// AddHandler binds a handler to the subscription. Handlers registered first
// get first claim on messages.
func (sub *Subscription) AddHandler(cfg HandlerConfig) error {
	if cfg.Handler == nil {
		return errspkg.ErrHandlerRequired
	}
	if !sub.svc.isState(stateCreated) {
		return errspkg.ErrServiceRunning
	}

	name := cfg.Name
	if name == "" {
		name = fmt.Sprintf("%s-handler-%d", sub.conf.Routing, len(sub.handlers)+1)
	}

	retry := sub.conf.Retry
	if cfg.Retry != nil {
		retry = *cfg.Retry
	}

	resolver := cfg.Resolver
	if resolver == nil {
		resolver = newDefaultResolver(sub.svc.Logger, cfg.Decoder)
	}

	binding := &handlerBinding{
		name:     name,
		filter:   cfg.Filter,
		resolver: resolver,
		watcher:  newAttemptWatcher(retry),
		noAck:    sub.conf.NoAck || cfg.NoAck,
	}
	binding.invoke = sub.svc.buildInvocationChain(binding, cfg)

	sub.handlers = append(sub.handlers, binding)
	return nil
}

// match returns the first handler whose filter claims the message, or nil
// when no handler wants it.
func (sub *Subscription) match(msg *StreamMessage) *handlerBinding {
	for _, binding := range sub.handlers {
		if evaluateFilter(binding.filter, msg, binding.name, sub.svc.Logger) {
			return binding
		}
	}
	return nil
}

// buildInvocationChain composes service middlewares, handler middlewares, and
// the resolve-then-invoke core. Service middlewares run outermost; a resolver
// failure rejects before the handler is ever invoked.
func (s *Service) buildInvocationChain(binding *handlerBinding, cfg HandlerConfig) HandlerFunc {
	core := func(ctx context.Context, msg *StreamMessage) (any, error) {
		call, err := binding.resolver.Resolve(ctx, msg)
		if err != nil {
			return nil, asResolutionError(binding.name, err)
		}
		msg.call = call
		return cfg.Handler(ctx, msg)
	}

	middlewares := make([]Middleware, 0, len(s.middlewares)+len(cfg.Middlewares)+1)
	middlewares = append(middlewares, s.middlewares...)
	if s.Conf != nil && s.Conf.MetricsEnabled {
		middlewares = append(middlewares, MetricsMiddleware(binding.name))
	}
	middlewares = append(middlewares, cfg.Middlewares...)

	return chainMiddlewares(core, middlewares)
}
