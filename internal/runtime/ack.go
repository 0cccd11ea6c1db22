package runtime

import (
	"context"
	"errors"
	"sync"

	errspkg "github.com/streamkit/streamkit/internal/runtime/errors"
	loggingpkg "github.com/streamkit/streamkit/internal/runtime/logging"
	metadatapkg "github.com/streamkit/streamkit/internal/runtime/metadata"
)

// RetryPolicy bounds how often a failing message is requeued before it is
// rejected. Attach one to a subscription and optionally override it per
// handler.
type RetryPolicy struct {
	enabled     bool
	maxAttempts int
}

// NoRetry gives every message a single attempt: the first failure rejects it.
func NoRetry() RetryPolicy {
	return RetryPolicy{}
}

// RetryForever requeues failing messages indefinitely.
func RetryForever() RetryPolicy {
	return RetryPolicy{enabled: true}
}

// MaxAttempts allows up to n handler invocations before a still-failing
// message is rejected. n < 1 behaves like NoRetry.
func MaxAttempts(n int) RetryPolicy {
	if n < 1 {
		return NoRetry()
	}
	return RetryPolicy{enabled: true, maxAttempts: n}
}

// attemptWatcher tracks failed attempts per message id and decides when the
// retry budget is spent. Redelivered messages keep their transport id, which
// is what the counter is keyed on.
type attemptWatcher interface {
	add(id string)
	isMax(id string) bool
	remove(id string)
}

func newAttemptWatcher(policy RetryPolicy) attemptWatcher {
	switch {
	case !policy.enabled:
		return oneTryWatcher{}
	case policy.maxAttempts <= 0:
		return endlessWatcher{}
	default:
		return &counterWatcher{max: policy.maxAttempts, counts: map[string]int{}}
	}
}

type oneTryWatcher struct{}

func (oneTryWatcher) add(string) {}

func (oneTryWatcher) isMax(string) bool { return true }

func (oneTryWatcher) remove(string) {}

type endlessWatcher struct{}

func (endlessWatcher) add(string) {}

func (endlessWatcher) isMax(string) bool { return false }

func (endlessWatcher) remove(string) {}

type counterWatcher struct {
	max int

	mu     sync.Mutex
	counts map[string]int
}

func (w *counterWatcher) add(id string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.counts[id]++
}

func (w *counterWatcher) isMax(id string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.counts[id] >= w.max
}

func (w *counterWatcher) remove(id string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.counts, id)
}

// ackController translates a handler outcome into exactly one terminal
// acknowledgment state. It is the single point issuing transport ack calls
// for dispatched messages.
type ackController struct {
	logger      loggingpkg.ServiceLogger
	watcher     attemptWatcher
	noAck       bool
	poisonQueue string
	publish     PublishFunc
}

// resolve applies the state machine: success acks, a retryable failure nacks
// for redelivery, a spent budget or terminal error rejects. With noAck set
// the handler manages acknowledgment itself and resolve only records metrics.
func (c *ackController) resolve(ctx context.Context, msg *StreamMessage, handlerErr error) {
	if c.noAck {
		if handlerErr != nil && !c.isForcedOutcome(handlerErr) {
			c.logError(msg, handlerErr, "Handler failed on no-ack subscription")
		}
		return
	}

	switch {
	case handlerErr == nil,
		errors.Is(handlerErr, errspkg.ErrSkipMessage),
		errors.Is(handlerErr, errspkg.ErrAckMessage):
		c.ack(msg)

	case errors.Is(handlerErr, errspkg.ErrNackMessage):
		c.nack(msg)

	case errors.Is(handlerErr, errspkg.ErrRejectMessage),
		isTerminalError(handlerErr):
		c.logError(msg, handlerErr, "Rejecting message")
		c.reject(ctx, msg, handlerErr)

	default:
		c.watcher.add(msg.UUID())
		if c.watcher.isMax(msg.UUID()) {
			c.logError(msg, handlerErr, "Retry budget spent, rejecting message")
			c.reject(ctx, msg, handlerErr)
			return
		}
		c.logError(msg, handlerErr, "Handler failed, requeueing message")
		c.nack(msg)
	}
}

// isTerminalError reports failures redelivery cannot fix.
func isTerminalError(err error) bool {
	var decodeErr *errspkg.DecodeError
	var resolutionErr *errspkg.ResolutionError
	return errors.As(err, &decodeErr) || errors.As(err, &resolutionErr)
}

func (c *ackController) isForcedOutcome(err error) bool {
	return errors.Is(err, errspkg.ErrSkipMessage) ||
		errors.Is(err, errspkg.ErrAckMessage) ||
		errors.Is(err, errspkg.ErrNackMessage) ||
		errors.Is(err, errspkg.ErrRejectMessage)
}

func (c *ackController) ack(msg *StreamMessage) {
	if msg.Ack() {
		c.watcher.remove(msg.UUID())
		observeOutcome(msg.Routing, AckAcked)
	}
}

func (c *ackController) nack(msg *StreamMessage) {
	if msg.Nack() {
		observeOutcome(msg.Routing, AckNacked)
	}
}

// reject forwards a copy to the poison queue when one is configured, then
// drops the message. The watcher entry is cleared so a transport that
// redelivers anyway starts with a fresh budget.
func (c *ackController) reject(ctx context.Context, msg *StreamMessage, cause error) {
	if c.poisonQueue != "" && c.publish != nil {
		for _, delivery := range msg.Deliveries() {
			poisoned := delivery.Copy()
			poisoned.Metadata.Set(metadatapkg.KeyOriginTopic, msg.Routing)
			if cause != nil {
				poisoned.Metadata.Set(metadatapkg.KeyRejectReason, cause.Error())
			}
			if err := c.publish(ctx, c.poisonQueue, poisoned); err != nil {
				c.logError(msg, err, "Failed to forward message to poison queue")
			}
		}
	}

	if msg.Reject() {
		c.watcher.remove(msg.UUID())
		observeOutcome(msg.Routing, AckRejected)
	}
}

func (c *ackController) logError(msg *StreamMessage, err error, logMsg string) {
	c.logger.Error(logMsg, err, loggingpkg.LogFields{
		"routing":        msg.Routing,
		"message_id":     msg.UUID(),
		"correlation_id": msg.CorrelationID(),
	})
}
