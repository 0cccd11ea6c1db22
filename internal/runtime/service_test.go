package runtime

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	configpkg "github.com/streamkit/streamkit/internal/runtime/config"
	errspkg "github.com/streamkit/streamkit/internal/runtime/errors"
	metadatapkg "github.com/streamkit/streamkit/internal/runtime/metadata"
)

func outcomeCount(routing, outcome string) float64 {
	return testutil.ToFloat64(messagesProcessedTotal.WithLabelValues(routing, outcome))
}

func unroutedCount(routing string) float64 {
	return testutil.ToFloat64(unroutedMessagesTotal.WithLabelValues(routing))
}

func TestServiceLifecycle(t *testing.T) {
	svc := newMemoryService(t, nil)
	if svc.State() != "created" {
		t.Fatalf("expected created, got %s", svc.State())
	}

	startService(t, svc)
	if svc.State() != "running" {
		t.Fatalf("expected running, got %s", svc.State())
	}

	if err := svc.Start(context.Background()); !errors.Is(err, errspkg.ErrServiceRunning) {
		t.Fatalf("expected ErrServiceRunning on double start, got %v", err)
	}

	if err := svc.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if svc.State() != "stopped" {
		t.Fatalf("expected stopped, got %s", svc.State())
	}

	if err := svc.Stop(); !errors.Is(err, errspkg.ErrServiceClosed) {
		t.Fatalf("expected ErrServiceClosed on double stop, got %v", err)
	}
	if err := svc.Start(context.Background()); !errors.Is(err, errspkg.ErrServiceClosed) {
		t.Fatalf("expected ErrServiceClosed on restart, got %v", err)
	}
}

func TestTryNewServiceValidatesConfig(t *testing.T) {
	_, err := TryNewService(&configpkg.Config{PubSubSystem: "kafka"}, testLogger(), context.Background(), ServiceDependencies{})
	if err == nil {
		t.Fatal("expected validation failure for kafka without brokers")
	}

	_, err = TryNewService(&configpkg.Config{PubSubSystem: "memory"}, nil, context.Background(), ServiceDependencies{})
	if err == nil {
		t.Fatal("expected failure without a logger")
	}
}

func TestPipelinePublishReachesSubscriberDecoded(t *testing.T) {
	svc := newMemoryService(t, nil)

	payloads := make(chan any, 1)
	sub, err := svc.AddSubscriber(SubscriberConfig{Routing: "topic.a"})
	if err != nil {
		t.Fatalf("AddSubscriber: %v", err)
	}
	err = sub.AddHandler(HandlerConfig{
		Name: "collector",
		Handler: func(ctx context.Context, msg *StreamMessage) (any, error) {
			payload, err := msg.Decoded()
			if err != nil {
				return nil, err
			}
			payloads <- payload
			return nil, nil
		},
	})
	if err != nil {
		t.Fatalf("AddHandler: %v", err)
	}

	startService(t, svc)

	producer, err := svc.AddPublisher(PublisherConfig{Routing: "topic.a"})
	if err != nil {
		t.Fatalf("AddPublisher: %v", err)
	}
	if err := producer.Publish(context.Background(), map[string]int{"x": 1}); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	select {
	case payload := <-payloads:
		decoded, ok := payload.(map[string]any)
		if !ok {
			t.Fatalf("expected decoded map, got %T", payload)
		}
		if decoded["x"] != float64(1) {
			t.Fatalf("unexpected payload %v", decoded)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for delivery")
	}
}

func TestPipelineNoRouteAcksWithoutInvoking(t *testing.T) {
	const routing = "orders.noroute"
	svc := newMemoryService(t, nil)

	var invoked atomic.Int32
	sub, err := svc.AddSubscriber(SubscriberConfig{Routing: routing})
	if err != nil {
		t.Fatalf("AddSubscriber: %v", err)
	}
	err = sub.AddHandler(HandlerConfig{
		Name:   "picky",
		Filter: func(*StreamMessage) bool { return false },
		Handler: func(ctx context.Context, msg *StreamMessage) (any, error) {
			invoked.Add(1)
			return nil, nil
		},
	})
	if err != nil {
		t.Fatalf("AddHandler: %v", err)
	}

	startService(t, svc)

	ackedBefore := outcomeCount(routing, "acked")
	unroutedBefore := unroutedCount(routing)

	producer, err := svc.AddPublisher(PublisherConfig{Routing: routing})
	if err != nil {
		t.Fatalf("AddPublisher: %v", err)
	}
	if err := producer.Publish(context.Background(), map[string]int{"x": 1}); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool {
		return outcomeCount(routing, "acked") == ackedBefore+1
	}, "no-route ack")

	if unroutedCount(routing) != unroutedBefore+1 {
		t.Fatal("expected the unrouted counter to increment")
	}
	if invoked.Load() != 0 {
		t.Fatalf("no handler may be invoked, got %d invocations", invoked.Load())
	}
}

func TestPipelineDecodeFailureRejectedNeverRequeued(t *testing.T) {
	const routing = "orders.badjson"
	svc := newMemoryService(t, &configpkg.Config{PoisonQueue: "orders.poison"})

	var invoked atomic.Int32
	sub, err := svc.AddSubscriber(SubscriberConfig{
		Routing: routing,
		Decoder: StrictJSONDecoder,
		Retry:   RetryForever(),
	})
	if err != nil {
		t.Fatalf("AddSubscriber: %v", err)
	}
	err = sub.AddHandler(HandlerConfig{
		Name: "strict",
		Handler: func(ctx context.Context, msg *StreamMessage) (any, error) {
			invoked.Add(1)
			return nil, nil
		},
	})
	if err != nil {
		t.Fatalf("AddHandler: %v", err)
	}

	poisoned := make(chan *StreamMessage, 1)
	poisonSub, err := svc.AddSubscriber(SubscriberConfig{Routing: "orders.poison"})
	if err != nil {
		t.Fatalf("AddSubscriber(poison): %v", err)
	}
	err = poisonSub.AddHandler(HandlerConfig{
		Name: "poison-collector",
		Handler: func(ctx context.Context, msg *StreamMessage) (any, error) {
			poisoned <- msg
			return nil, nil
		},
	})
	if err != nil {
		t.Fatalf("AddHandler(poison): %v", err)
	}

	startService(t, svc)

	nackedBefore := outcomeCount(routing, "nacked")
	rejectedBefore := outcomeCount(routing, "rejected")

	producer, err := svc.AddPublisher(PublisherConfig{Routing: routing})
	if err != nil {
		t.Fatalf("AddPublisher: %v", err)
	}
	if err := producer.Publish(context.Background(), "this is not json"); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	select {
	case msg := <-poisoned:
		if msg.Headers.Get(metadatapkg.KeyOriginTopic) != routing {
			t.Fatalf("expected origin topic %q, got %q", routing, msg.Headers.Get(metadatapkg.KeyOriginTopic))
		}
		if msg.Headers.Get(metadatapkg.KeyRejectReason) == "" {
			t.Fatal("expected a reject reason on the poison copy")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for the poison copy")
	}

	waitFor(t, time.Second, func() bool {
		return outcomeCount(routing, "rejected") == rejectedBefore+1
	}, "rejection")

	if outcomeCount(routing, "nacked") != nackedBefore {
		t.Fatal("a decode failure must never be nacked")
	}
	if invoked.Load() != 0 {
		t.Fatalf("the handler must not see malformed payloads, got %d invocations", invoked.Load())
	}
}

func TestPipelineBoundedRetryRejectsAfterBudget(t *testing.T) {
	const routing = "orders.budget"
	svc := newMemoryService(t, nil)

	var invoked atomic.Int32
	sub, err := svc.AddSubscriber(SubscriberConfig{
		Routing: routing,
		Retry:   MaxAttempts(2),
	})
	if err != nil {
		t.Fatalf("AddSubscriber: %v", err)
	}
	err = sub.AddHandler(HandlerConfig{
		Name: "always-fails",
		Handler: func(ctx context.Context, msg *StreamMessage) (any, error) {
			invoked.Add(1)
			return nil, errors.New("permanent failure")
		},
	})
	if err != nil {
		t.Fatalf("AddHandler: %v", err)
	}

	startService(t, svc)

	rejectedBefore := outcomeCount(routing, "rejected")

	producer, err := svc.AddPublisher(PublisherConfig{Routing: routing})
	if err != nil {
		t.Fatalf("AddPublisher: %v", err)
	}
	if err := producer.Publish(context.Background(), map[string]int{"x": 1}); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool {
		return outcomeCount(routing, "rejected") == rejectedBefore+1
	}, "rejection after spent budget")

	if invoked.Load() != 2 {
		t.Fatalf("expected exactly 2 attempts, got %d", invoked.Load())
	}
}

func TestPipelineRetryOnceThenSucceed(t *testing.T) {
	const routing = "orders.flaky"
	svc := newMemoryService(t, nil)

	var invoked atomic.Int32
	done := make(chan struct{})
	sub, err := svc.AddSubscriber(SubscriberConfig{
		Routing: routing,
		Retry:   MaxAttempts(2),
	})
	if err != nil {
		t.Fatalf("AddSubscriber: %v", err)
	}
	err = sub.AddHandler(HandlerConfig{
		Name: "flaky",
		Handler: func(ctx context.Context, msg *StreamMessage) (any, error) {
			if invoked.Add(1) == 1 {
				return nil, errors.New("transient failure")
			}
			close(done)
			return nil, nil
		},
	})
	if err != nil {
		t.Fatalf("AddHandler: %v", err)
	}

	startService(t, svc)

	ackedBefore := outcomeCount(routing, "acked")

	producer, err := svc.AddPublisher(PublisherConfig{Routing: routing})
	if err != nil {
		t.Fatalf("AddPublisher: %v", err)
	}
	if err := producer.Publish(context.Background(), map[string]int{"x": 1}); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for the retry to succeed")
	}

	waitFor(t, time.Second, func() bool {
		return outcomeCount(routing, "acked") == ackedBefore+1
	}, "final ack")

	if invoked.Load() != 2 {
		t.Fatalf("expected exactly 2 invocations, got %d", invoked.Load())
	}
}

func TestPipelineUnlimitedRetryKeepsRequeueing(t *testing.T) {
	const routing = "orders.endless"
	svc := newMemoryService(t, nil)

	var invoked atomic.Int32
	done := make(chan struct{})
	sub, err := svc.AddSubscriber(SubscriberConfig{
		Routing: routing,
		Retry:   RetryForever(),
	})
	if err != nil {
		t.Fatalf("AddSubscriber: %v", err)
	}
	err = sub.AddHandler(HandlerConfig{
		Name: "eventually",
		Handler: func(ctx context.Context, msg *StreamMessage) (any, error) {
			if invoked.Add(1) < 5 {
				return nil, errors.New("still failing")
			}
			close(done)
			return nil, nil
		},
	})
	if err != nil {
		t.Fatalf("AddHandler: %v", err)
	}

	startService(t, svc)

	nackedBefore := outcomeCount(routing, "nacked")
	rejectedBefore := outcomeCount(routing, "rejected")

	producer, err := svc.AddPublisher(PublisherConfig{Routing: routing})
	if err != nil {
		t.Fatalf("AddPublisher: %v", err)
	}
	if err := producer.Publish(context.Background(), map[string]int{"x": 1}); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for the unlimited retries")
	}

	if invoked.Load() != 5 {
		t.Fatalf("expected 5 invocations, got %d", invoked.Load())
	}
	waitFor(t, time.Second, func() bool {
		return outcomeCount(routing, "nacked") == nackedBefore+4
	}, "four requeues")
	if outcomeCount(routing, "rejected") != rejectedBefore {
		t.Fatal("an unlimited policy must never reject")
	}
}

func TestPipelineConcurrencyLimitOnePreservesOrder(t *testing.T) {
	const routing = "orders.ordered"
	svc := newMemoryService(t, nil)

	var mu sync.Mutex
	var order []string
	sub, err := svc.AddSubscriber(SubscriberConfig{
		Routing:          routing,
		ConcurrencyLimit: 1,
	})
	if err != nil {
		t.Fatalf("AddSubscriber: %v", err)
	}
	err = sub.AddHandler(HandlerConfig{
		Name: "recorder",
		Handler: func(ctx context.Context, msg *StreamMessage) (any, error) {
			mu.Lock()
			order = append(order, string(msg.Body))
			mu.Unlock()
			return nil, nil
		},
	})
	if err != nil {
		t.Fatalf("AddHandler: %v", err)
	}

	startService(t, svc)

	producer, err := svc.AddPublisher(PublisherConfig{Routing: routing})
	if err != nil {
		t.Fatalf("AddPublisher: %v", err)
	}
	for _, id := range []string{"m1", "m2", "m3"} {
		if err := producer.Publish(context.Background(), id); err != nil {
			t.Fatalf("Publish(%s): %v", id, err)
		}
	}

	waitFor(t, 2*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 3
	}, "all three deliveries")

	mu.Lock()
	defer mu.Unlock()
	for i, want := range []string{"m1", "m2", "m3"} {
		if order[i] != want {
			t.Fatalf("expected order [m1 m2 m3], got %v", order)
		}
	}
}

func TestPipelineBatchIsSingleUnitOfWork(t *testing.T) {
	const routing = "orders.batch"
	svc := newMemoryService(t, nil)

	var mu sync.Mutex
	var firstBatch []string
	succeeded := map[string]bool{}
	var invocations atomic.Int32

	sub, err := svc.AddSubscriber(SubscriberConfig{
		Routing:      routing,
		Batch:        true,
		MaxRecords:   3,
		BatchTimeout: 100 * time.Millisecond,
		Retry:        MaxAttempts(5),
	})
	if err != nil {
		t.Fatalf("AddSubscriber: %v", err)
	}
	err = sub.AddHandler(HandlerConfig{
		Name: "batcher",
		Handler: func(ctx context.Context, msg *StreamMessage) (any, error) {
			mu.Lock()
			defer mu.Unlock()

			if invocations.Add(1) == 1 {
				for _, body := range msg.Bodies() {
					firstBatch = append(firstBatch, string(body))
				}
				return nil, errors.New("batch failure")
			}
			for _, body := range msg.Bodies() {
				succeeded[string(body)] = true
			}
			return nil, nil
		},
	})
	if err != nil {
		t.Fatalf("AddHandler: %v", err)
	}

	startService(t, svc)

	producer, err := svc.AddPublisher(PublisherConfig{Routing: routing})
	if err != nil {
		t.Fatalf("AddPublisher: %v", err)
	}
	for _, id := range []string{"b1", "b2", "b3"} {
		if err := producer.Publish(context.Background(), id); err != nil {
			t.Fatalf("Publish(%s): %v", id, err)
		}
	}

	waitFor(t, 5*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(succeeded) == 3
	}, "full batch redelivery")

	mu.Lock()
	defer mu.Unlock()
	if len(firstBatch) != 3 {
		t.Fatalf("expected the first invocation to see the whole batch, got %v", firstBatch)
	}
	for _, id := range firstBatch {
		if !succeeded[id] {
			t.Fatalf("message %s from the failed batch was never redelivered", id)
		}
	}
}

func TestPipelineReplyPublishing(t *testing.T) {
	const routing = "orders.request"
	const replyTopic = "orders.request.replies"
	svc := newMemoryService(t, nil)

	sub, err := svc.AddSubscriber(SubscriberConfig{Routing: routing})
	if err != nil {
		t.Fatalf("AddSubscriber: %v", err)
	}
	err = sub.AddHandler(HandlerConfig{
		Name: "responder",
		Handler: func(ctx context.Context, msg *StreamMessage) (any, error) {
			return map[string]bool{"ok": true}, nil
		},
	})
	if err != nil {
		t.Fatalf("AddHandler: %v", err)
	}

	replies := make(chan *StreamMessage, 1)
	replySub, err := svc.AddSubscriber(SubscriberConfig{Routing: replyTopic})
	if err != nil {
		t.Fatalf("AddSubscriber(reply): %v", err)
	}
	err = replySub.AddHandler(HandlerConfig{
		Name: "reply-collector",
		Handler: func(ctx context.Context, msg *StreamMessage) (any, error) {
			replies <- msg
			return nil, nil
		},
	})
	if err != nil {
		t.Fatalf("AddHandler(reply): %v", err)
	}

	startService(t, svc)

	producer, err := svc.AddPublisher(PublisherConfig{Routing: routing})
	if err != nil {
		t.Fatalf("AddPublisher: %v", err)
	}
	err = producer.Publish(context.Background(), map[string]int{"x": 1},
		WithReplyTo(replyTopic),
		WithCorrelationID("corr-42"),
	)
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}

	select {
	case reply := <-replies:
		if reply.CorrelationID() != "corr-42" {
			t.Fatalf("reply must carry the request correlation id, got %q", reply.CorrelationID())
		}
		decoded, err := reply.Decoded()
		if err != nil {
			t.Fatalf("Decoded: %v", err)
		}
		if decoded.(map[string]any)["ok"] != true {
			t.Fatalf("unexpected reply payload %v", decoded)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for the reply")
	}
}

func TestStopForcesRequeueOfInFlightMessages(t *testing.T) {
	const routing = "orders.shutdown"
	svc := newMemoryService(t, &configpkg.Config{GracefulTimeout: 50 * time.Millisecond})

	started := make(chan struct{})
	release := make(chan struct{})
	sub, err := svc.AddSubscriber(SubscriberConfig{Routing: routing})
	if err != nil {
		t.Fatalf("AddSubscriber: %v", err)
	}
	err = sub.AddHandler(HandlerConfig{
		Name: "slow",
		Handler: func(ctx context.Context, msg *StreamMessage) (any, error) {
			close(started)
			<-release
			return nil, nil
		},
	})
	if err != nil {
		t.Fatalf("AddHandler: %v", err)
	}

	startService(t, svc)
	defer close(release)

	nackedBefore := outcomeCount(routing, "nacked")

	producer, err := svc.AddPublisher(PublisherConfig{Routing: routing})
	if err != nil {
		t.Fatalf("AddPublisher: %v", err)
	}
	if err := producer.Publish(context.Background(), map[string]int{"x": 1}); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for the handler to start")
	}

	if err := svc.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	if outcomeCount(routing, "nacked") != nackedBefore+1 {
		t.Fatal("expected the in-flight message to be force-requeued on shutdown")
	}
}

func TestMetricsRegistrationIsIdempotent(t *testing.T) {
	registry := prometheus.NewRegistry()
	RegisterMetrics(registry)
	RegisterMetrics(registry)
}
