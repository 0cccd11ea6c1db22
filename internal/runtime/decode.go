package runtime

import (
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"

	errspkg "github.com/streamkit/streamkit/internal/runtime/errors"
	"github.com/streamkit/streamkit/internal/runtime/jsoncodec"
)

// Decoder turns a raw message body into a typed value. Custom decoders may be
// set per subscription or per handler and may delegate to DefaultDecoder to
// extend the default behaviour instead of replacing it.
type Decoder func(body []byte) (any, error)

// DefaultDecoder attempts a structured JSON decode and falls back to the raw
// bytes when the body is not valid JSON. It never fails: only schemas that
// strictly require structured data should reject unparsable input.
func DefaultDecoder(body []byte) (any, error) {
	if len(body) == 0 {
		return nil, nil
	}

	var decoded any
	if err := jsoncodec.Unmarshal(body, &decoded); err != nil {
		return body, nil
	}
	return decoded, nil
}

// StrictJSONDecoder requires the body to be valid JSON and fails with a
// DecodeError carrying the original bytes otherwise. Decode failures are
// terminal: the message is rejected, never requeued.
func StrictJSONDecoder(body []byte) (any, error) {
	var decoded any
	if err := jsoncodec.Unmarshal(body, &decoded); err != nil {
		return nil, &errspkg.DecodeError{Body: body, Err: err}
	}
	return decoded, nil
}

// JSONDecoderFor decodes the body into a fresh value produced by newTarget,
// failing with a DecodeError on malformed or mismatching input.
func JSONDecoderFor(newTarget func() any) Decoder {
	return func(body []byte) (any, error) {
		target := newTarget()
		if err := jsoncodec.Unmarshal(body, target); err != nil {
			return nil, &errspkg.DecodeError{Body: body, Err: err}
		}
		return target, nil
	}
}

// ProtoDecoderFor decodes protojson bodies into fresh copies of the supplied
// prototype.
func ProtoDecoderFor(prototype proto.Message) Decoder {
	return func(body []byte) (any, error) {
		target := prototype.ProtoReflect().New().Interface()
		if err := protojson.Unmarshal(body, target); err != nil {
			return nil, &errspkg.DecodeError{Body: body, Err: err}
		}
		return target, nil
	}
}
