package runtime

import (
	"context"
	"errors"
	"testing"

	errspkg "github.com/streamkit/streamkit/internal/runtime/errors"
	metadatapkg "github.com/streamkit/streamkit/internal/runtime/metadata"
)

func TestDefaultResolverInjectsArguments(t *testing.T) {
	raw := rawMessage("m1", []byte(`{"x":1}`))
	raw.Metadata.Set(metadatapkg.KeyCorrelationID, "corr-1")
	sm := NewStreamMessage("orders", raw)

	call, err := newDefaultResolver(testLogger(), nil).Resolve(context.Background(), sm)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	if call.Routing != "orders" {
		t.Fatalf("unexpected routing %q", call.Routing)
	}
	if call.CorrelationID != "corr-1" {
		t.Fatalf("unexpected correlation id %q", call.CorrelationID)
	}
	if call.Logger == nil {
		t.Fatal("expected a scoped logger")
	}
	payload, ok := call.Payload.(map[string]any)
	if !ok || payload["x"] != float64(1) {
		t.Fatalf("unexpected payload %v", call.Payload)
	}
}

func TestDefaultResolverHandlerDecoderOverride(t *testing.T) {
	type order struct {
		ID string `json:"id"`
	}
	decoder := JSONDecoderFor(func() any { return &order{} })

	sm := NewStreamMessage("orders", rawMessage("m1", []byte(`{"id":"o-1"}`)))
	call, err := newDefaultResolver(testLogger(), decoder).Resolve(context.Background(), sm)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	typed, ok := call.Payload.(*order)
	if !ok || typed.ID != "o-1" {
		t.Fatalf("unexpected payload %v", call.Payload)
	}
}

func TestAsResolutionErrorWrapsPlainFailures(t *testing.T) {
	err := asResolutionError("handler", errors.New("missing binding"))

	var resolutionErr *errspkg.ResolutionError
	if !errors.As(err, &resolutionErr) {
		t.Fatalf("expected ResolutionError, got %v", err)
	}
	if resolutionErr.Handler != "handler" {
		t.Fatalf("expected the handler name, got %q", resolutionErr.Handler)
	}
}

func TestAsResolutionErrorKeepsDecodeErrors(t *testing.T) {
	decodeErr := &errspkg.DecodeError{Body: []byte("x"), Err: errors.New("bad")}
	err := asResolutionError("handler", decodeErr)

	var got *errspkg.DecodeError
	if !errors.As(err, &got) {
		t.Fatalf("decode failures must stay decode failures, got %v", err)
	}
	var wrongly *errspkg.ResolutionError
	if errors.As(err, &wrongly) {
		t.Fatal("decode failures must not be rewrapped")
	}
}

func TestResolutionFailureRejectsBeforeInvocation(t *testing.T) {
	svc := newMemoryService(t, nil)
	sub, err := svc.AddSubscriber(SubscriberConfig{
		Routing: "orders.resolver",
		Retry:   RetryForever(),
	})
	if err != nil {
		t.Fatalf("AddSubscriber: %v", err)
	}

	invoked := false
	err = sub.AddHandler(HandlerConfig{
		Name: "never-called",
		Handler: func(ctx context.Context, msg *StreamMessage) (any, error) {
			invoked = true
			return nil, nil
		},
		Resolver: failingResolver{},
	})
	if err != nil {
		t.Fatalf("AddHandler: %v", err)
	}

	binding := sub.handlers[0]
	sm := NewStreamMessage("orders.resolver", rawMessage("m1", nil))
	_, err = binding.invoke(context.Background(), sm)

	var resolutionErr *errspkg.ResolutionError
	if !errors.As(err, &resolutionErr) {
		t.Fatalf("expected ResolutionError, got %v", err)
	}
	if invoked {
		t.Fatal("the handler must not run when resolution fails")
	}
}

type failingResolver struct{}

func (failingResolver) Resolve(ctx context.Context, msg *StreamMessage) (*HandlerCall, error) {
	return nil, errors.New("no binding for parameter")
}
