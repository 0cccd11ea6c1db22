package runtime

import (
	"errors"
	"testing"

	"google.golang.org/protobuf/types/known/structpb"

	errspkg "github.com/streamkit/streamkit/internal/runtime/errors"
)

func TestDefaultDecoderStructured(t *testing.T) {
	decoded, err := DefaultDecoder([]byte(`{"x":1}`))
	if err != nil {
		t.Fatalf("DefaultDecoder: %v", err)
	}
	payload, ok := decoded.(map[string]any)
	if !ok {
		t.Fatalf("expected map, got %T", decoded)
	}
	if payload["x"] != float64(1) {
		t.Fatalf("unexpected payload %v", payload)
	}
}

func TestDefaultDecoderFallsBackToRawBytes(t *testing.T) {
	body := []byte("plain text, not json")
	decoded, err := DefaultDecoder(body)
	if err != nil {
		t.Fatalf("the lenient decoder must never fail, got %v", err)
	}
	raw, ok := decoded.([]byte)
	if !ok {
		t.Fatalf("expected raw bytes fallback, got %T", decoded)
	}
	if string(raw) != string(body) {
		t.Fatalf("fallback must preserve the body, got %q", raw)
	}
}

func TestDefaultDecoderEmptyBody(t *testing.T) {
	decoded, err := DefaultDecoder(nil)
	if err != nil || decoded != nil {
		t.Fatalf("expected nil payload for empty body, got %v, %v", decoded, err)
	}
}

func TestStrictJSONDecoderFailsWithDecodeError(t *testing.T) {
	body := []byte("not-json")
	_, err := StrictJSONDecoder(body)

	var decodeErr *errspkg.DecodeError
	if !errors.As(err, &decodeErr) {
		t.Fatalf("expected DecodeError, got %v", err)
	}
	if string(decodeErr.Body) != "not-json" {
		t.Fatalf("DecodeError must carry the original bytes, got %q", decodeErr.Body)
	}
}

func TestJSONDecoderFor(t *testing.T) {
	type order struct {
		ID string `json:"id"`
	}
	decoder := JSONDecoderFor(func() any { return &order{} })

	decoded, err := decoder([]byte(`{"id":"o-1"}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.(*order).ID != "o-1" {
		t.Fatalf("unexpected order %+v", decoded)
	}

	if _, err := decoder([]byte(`{`)); err == nil {
		t.Fatal("expected failure on malformed input")
	}
}

func TestProtoDecoderFor(t *testing.T) {
	decoder := ProtoDecoderFor(&structpb.Struct{})

	decoded, err := decoder([]byte(`{"x":1}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	value, ok := decoded.(*structpb.Struct)
	if !ok {
		t.Fatalf("expected struct proto, got %T", decoded)
	}
	if value.Fields["x"].GetNumberValue() != 1 {
		t.Fatalf("unexpected value %v", value)
	}

	_, err = decoder([]byte("not-json"))
	var decodeErr *errspkg.DecodeError
	if !errors.As(err, &decodeErr) {
		t.Fatalf("expected DecodeError, got %v", err)
	}
}
