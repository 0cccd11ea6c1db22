package errors

import (
	sterrors "errors"
	"strings"
	"testing"
	"time"
)

func TestDecodeErrorKeepsOriginalBytes(t *testing.T) {
	cause := sterrors.New("unexpected token")
	err := &DecodeError{Body: []byte("{broken"), Err: cause}

	if !strings.Contains(err.Error(), "{broken") {
		t.Fatalf("expected body in error message, got %s", err.Error())
	}
	if !sterrors.Is(err, cause) {
		t.Fatal("expected DecodeError to unwrap to its cause")
	}
}

func TestResolutionErrorUnwraps(t *testing.T) {
	cause := sterrors.New("missing binding")
	err := &ResolutionError{Handler: "orders", Err: cause}

	if !sterrors.Is(err, cause) {
		t.Fatal("expected ResolutionError to unwrap to its cause")
	}
	if !strings.Contains(err.Error(), "orders") {
		t.Fatalf("expected handler name in error message, got %s", err.Error())
	}
}

func TestConfigValidationErrorMessage(t *testing.T) {
	err := &ConfigValidationError{Field: "subscriber.orders", Reason: "batch settings conflict"}
	if !strings.Contains(err.Error(), "subscriber.orders") || !strings.Contains(err.Error(), "conflict") {
		t.Fatalf("unexpected message: %s", err.Error())
	}
}

func TestTimeoutErrorMessage(t *testing.T) {
	err := &TimeoutError{Routing: "topic.a", Timeout: 2 * time.Second}
	if !strings.Contains(err.Error(), "topic.a") || !strings.Contains(err.Error(), "2s") {
		t.Fatalf("unexpected message: %s", err.Error())
	}
}
