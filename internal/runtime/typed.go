package runtime

import (
	"context"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"

	errspkg "github.com/streamkit/streamkit/internal/runtime/errors"
	"github.com/streamkit/streamkit/internal/runtime/jsoncodec"
)

// JSONHandler adapts a typed function into a HandlerFunc. The message body is
// decoded strictly into T; a malformed payload rejects the message without
// invoking fn.
func JSONHandler[T any](fn func(ctx context.Context, payload T, msg *StreamMessage) (any, error)) HandlerFunc {
	return func(ctx context.Context, msg *StreamMessage) (any, error) {
		var payload T
		if err := jsoncodec.Unmarshal(msg.Body, &payload); err != nil {
			return nil, &errspkg.DecodeError{Body: msg.Body, Err: err}
		}
		return fn(ctx, payload, msg)
	}
}

// JSONBatchHandler adapts a typed function over a whole batch. Every delivery
// must decode into T or the batch is rejected as one unit.
func JSONBatchHandler[T any](fn func(ctx context.Context, payloads []T, msg *StreamMessage) (any, error)) HandlerFunc {
	return func(ctx context.Context, msg *StreamMessage) (any, error) {
		bodies := msg.Bodies()
		payloads := make([]T, 0, len(bodies))
		for _, body := range bodies {
			var payload T
			if err := jsoncodec.Unmarshal(body, &payload); err != nil {
				return nil, &errspkg.DecodeError{Body: body, Err: err}
			}
			payloads = append(payloads, payload)
		}
		return fn(ctx, payloads, msg)
	}
}

// ProtoHandler adapts a typed function over a protojson payload. newMessage
// supplies fresh instances, typically the generated type's constructor.
func ProtoHandler[T proto.Message](newMessage func() T, fn func(ctx context.Context, payload T, msg *StreamMessage) (any, error)) HandlerFunc {
	return func(ctx context.Context, msg *StreamMessage) (any, error) {
		payload := newMessage()
		if err := protojson.Unmarshal(msg.Body, payload); err != nil {
			return nil, &errspkg.DecodeError{Body: msg.Body, Err: err}
		}
		return fn(ctx, payload, msg)
	}
}
