package runtime

import (
	"context"
	"fmt"

	errspkg "github.com/streamkit/streamkit/internal/runtime/errors"
	loggingpkg "github.com/streamkit/streamkit/internal/runtime/logging"
	metadatapkg "github.com/streamkit/streamkit/internal/runtime/metadata"
)

// HandlerCall carries the resolved arguments for one handler invocation.
type HandlerCall struct {
	// Payload is the decoded message body. For batches it is a []any with
	// one entry per delivery.
	Payload any
	// Metadata is the transport metadata of the message.
	Metadata metadatapkg.Metadata
	// Routing is the subscription target the message arrived on.
	Routing string
	// CorrelationID is the correlation header, never empty once the default
	// middleware chain has run.
	CorrelationID string
	// Logger is scoped to the message being processed.
	Logger loggingpkg.ServiceLogger
}

// ArgumentResolver builds the call arguments for a handler from the decoded
// payload and ambient context. Implementations live outside the dispatch
// pipeline; a failure rejects the message without invoking the handler.
type ArgumentResolver interface {
	Resolve(ctx context.Context, msg *StreamMessage) (*HandlerCall, error)
}

// defaultResolver injects the decoded payload, metadata, routing target,
// correlation id, and a scoped logger. A handler-level decoder overrides how
// the payload is produced.
type defaultResolver struct {
	logger  loggingpkg.ServiceLogger
	decoder Decoder
}

func newDefaultResolver(logger loggingpkg.ServiceLogger, decoder Decoder) *defaultResolver {
	return &defaultResolver{logger: logger, decoder: decoder}
}

func (r *defaultResolver) Resolve(ctx context.Context, msg *StreamMessage) (*HandlerCall, error) {
	payload, err := r.resolvePayload(msg)
	if err != nil {
		return nil, err
	}

	return &HandlerCall{
		Payload:       payload,
		Metadata:      msg.Headers,
		Routing:       msg.Routing,
		CorrelationID: msg.CorrelationID(),
		Logger: r.logger.With(loggingpkg.LogFields{
			"routing":        msg.Routing,
			"message_id":     msg.UUID(),
			"correlation_id": msg.CorrelationID(),
		}),
	}, nil
}

func (r *defaultResolver) resolvePayload(msg *StreamMessage) (any, error) {
	if r.decoder == nil {
		return msg.Decoded()
	}

	if !msg.Batch {
		return r.decoder(msg.Body)
	}

	items := make([]any, 0, len(msg.Deliveries()))
	for _, body := range msg.Bodies() {
		item, err := r.decoder(body)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, nil
}

// asResolutionError keeps decode failures intact and wraps everything else so
// resolver failures surface as pre-invocation rejections.
func asResolutionError(handlerName string, err error) error {
	if err == nil {
		return nil
	}
	if isTerminalError(err) {
		return err
	}
	return &errspkg.ResolutionError{
		Handler: handlerName,
		Err:     fmt.Errorf("argument resolution failed: %w", err),
	}
}
