package runtime

import (
	"context"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"

	configpkg "github.com/streamkit/streamkit/internal/runtime/config"
	loggingpkg "github.com/streamkit/streamkit/internal/runtime/logging"
)

func testLogger() loggingpkg.ServiceLogger {
	return loggingpkg.NewWatermillServiceLogger(watermill.NopLogger{})
}

// newMemoryService builds a service on the in-process transport and tears it
// down with the test.
func newMemoryService(t *testing.T, conf *configpkg.Config) *Service {
	t.Helper()

	if conf == nil {
		conf = &configpkg.Config{}
	}
	if conf.PubSubSystem == "" {
		conf.PubSubSystem = "memory"
	}
	if conf.GracefulTimeout == 0 {
		conf.GracefulTimeout = 2 * time.Second
	}

	svc, err := TryNewService(conf, testLogger(), context.Background(), ServiceDependencies{})
	if err != nil {
		t.Fatalf("TryNewService: %v", err)
	}
	t.Cleanup(func() {
		_ = svc.Stop()
	})
	return svc
}

func startService(t *testing.T, svc *Service) {
	t.Helper()
	if err := svc.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
}

// waitFor polls cond until it holds or the deadline expires.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", msg)
}

func rawMessage(id string, payload []byte) *message.Message {
	return message.NewMessage(id, payload)
}
