// Package streamkit is a broker-agnostic message-processing runtime built on
// Watermill transports. Application code registers handler functions against
// logical subscriptions; streamkit receives raw deliveries from the broker,
// decodes them, routes them through filters and middleware, invokes the
// claiming handler, and resolves acknowledgment from the handler's outcome
// and the configured retry policy.
//
// A minimal setup fills Config with the target transport (Kafka, RabbitMQ,
// NATS, AWS SNS/SQS, Go channels, or the in-process memory broker), creates a
// Service, registers subscribers and publishers, and calls Start:
//
//	svc := streamkit.NewService(conf, logger, ctx, streamkit.ServiceDependencies{})
//	sub, _ := svc.AddSubscriber(streamkit.SubscriberConfig{Routing: "orders"})
//	_ = sub.AddHandler(streamkit.HandlerConfig{
//		Name:    "order-processor",
//		Handler: streamkit.JSONHandler(processOrder),
//	})
//	_ = svc.Start(ctx)
//
// # Acknowledgment
//
// Every message moves from pending to exactly one of acked, nacked, or
// rejected. A handler that returns nil acks; a failing handler is requeued
// while its RetryPolicy has budget and rejected once it is spent. Decode and
// argument-resolution failures are terminal and reject immediately, since
// redelivery cannot fix malformed content. Rejected messages are forwarded to
// Config.PoisonQueue when one is configured. The sentinel errors
// ErrSkipMessage, ErrAckMessage, ErrNackMessage, and ErrRejectMessage force a
// specific outcome from inside a handler or middleware.
//
// # Batching and concurrency
//
// A subscription with Batch set collects up to MaxRecords deliveries (bounded
// by BatchTimeout) and dispatches them as one unit of work: the whole batch
// is acked or nacked together. ConcurrencyLimit bounds in-flight messages per
// subscription and doubles as the backpressure mechanism; a limit of one
// preserves end-to-end ordering.
//
// # Testing
//
// NewTestService wires the in-process memory broker, so publishes reach
// subscriptions directly and the full dispatch pipeline runs deterministically
// in a single process without a live broker.
package streamkit
