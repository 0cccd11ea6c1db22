package runtime

import (
	"context"
	"fmt"

	"github.com/ThreeDotsLabs/watermill/message"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	idspkg "github.com/streamkit/streamkit/internal/runtime/ids"
	loggingpkg "github.com/streamkit/streamkit/internal/runtime/logging"
	metadatapkg "github.com/streamkit/streamkit/internal/runtime/metadata"
)

// HandlerFunc processes one stream message. The returned value, if non-nil,
// is published as a reply when the message carries a reply_to header.
type HandlerFunc func(ctx context.Context, msg *StreamMessage) (any, error)

// Middleware wraps a HandlerFunc on the receive path. The first registered
// middleware runs outermost: it observes the message first and the handler
// result last, mirroring a nested scope.
type Middleware func(next HandlerFunc) HandlerFunc

// PublishFunc sends one encoded message to a routing target.
type PublishFunc func(ctx context.Context, topic string, msg *message.Message) error

// PublishMiddleware wraps a PublishFunc on the publish path.
type PublishMiddleware func(next PublishFunc) PublishFunc

// chainMiddlewares composes the middlewares around h so that the first entry
// of the slice runs outermost.
func chainMiddlewares(h HandlerFunc, middlewares []Middleware) HandlerFunc {
	for i := len(middlewares) - 1; i >= 0; i-- {
		h = middlewares[i](h)
	}
	return h
}

// chainPublishMiddlewares composes publish middlewares, first entry outermost.
func chainPublishMiddlewares(p PublishFunc, middlewares []PublishMiddleware) PublishFunc {
	for i := len(middlewares) - 1; i >= 0; i-- {
		p = middlewares[i](p)
	}
	return p
}

// CorrelationIDMiddleware ensures every processed message carries a
// correlation identifier.
func CorrelationIDMiddleware() Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, msg *StreamMessage) (any, error) {
			if msg.CorrelationID() == "" {
				msg.Headers[metadatapkg.KeyCorrelationID] = idspkg.CreateULID()
			}
			return next(ctx, msg)
		}
	}
}

// LogMessagesMiddleware logs each handled message with its metadata.
func LogMessagesMiddleware(logger loggingpkg.ServiceLogger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, msg *StreamMessage) (any, error) {
			logger.Debug("Processing message", loggingpkg.LogFields{
				"message_id":     msg.UUID(),
				"routing":        msg.Routing,
				"correlation_id": msg.CorrelationID(),
				"metadata":       msg.Headers,
				"batch_size":     len(msg.Deliveries()),
			})
			return next(ctx, msg)
		}
	}
}

// RecovererMiddleware converts handler panics into errors so the
// acknowledgment pipeline can retry or reject them instead of crashing the
// dispatch loop.
func RecovererMiddleware() Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, msg *StreamMessage) (result any, err error) {
			defer func() {
				if r := recover(); r != nil {
					result = nil
					err = fmt.Errorf("handler panic: %v", r)
				}
			}()
			return next(ctx, msg)
		}
	}
}

// TracerMiddleware wraps handler execution in an OpenTelemetry span.
func TracerMiddleware() Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, msg *StreamMessage) (any, error) {
			tracer := otel.Tracer("streamkit-dispatch")
			ctx, span := tracer.Start(ctx, "ProcessMessage")
			defer span.End()
			msg.SetContext(ctx)

			span.SetAttributes(
				attribute.String("message.id", msg.UUID()),
				attribute.String("message.routing", msg.Routing),
				attribute.String("message.correlation_id", msg.CorrelationID()),
			)
			return next(ctx, msg)
		}
	}
}

// PublishCorrelationIDMiddleware stamps outgoing messages with a correlation
// identifier when the producer did not set one.
func PublishCorrelationIDMiddleware() PublishMiddleware {
	return func(next PublishFunc) PublishFunc {
		return func(ctx context.Context, topic string, msg *message.Message) error {
			if msg.Metadata.Get(metadatapkg.KeyCorrelationID) == "" {
				msg.Metadata.Set(metadatapkg.KeyCorrelationID, idspkg.CreateULID())
			}
			return next(ctx, topic, msg)
		}
	}
}

// PublishLogMiddleware logs outgoing messages.
func PublishLogMiddleware(logger loggingpkg.ServiceLogger) PublishMiddleware {
	return func(next PublishFunc) PublishFunc {
		return func(ctx context.Context, topic string, msg *message.Message) error {
			logger.Debug("Publishing message", loggingpkg.LogFields{
				"message_id": msg.UUID,
				"routing":    topic,
			})
			return next(ctx, topic, msg)
		}
	}
}
