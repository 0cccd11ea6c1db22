package runtime

import (
	"context"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"

	errspkg "github.com/streamkit/streamkit/internal/runtime/errors"
	loggingpkg "github.com/streamkit/streamkit/internal/runtime/logging"
	metadatapkg "github.com/streamkit/streamkit/internal/runtime/metadata"
)

// runSubscription is the per-subscription processing loop. It pulls messages
// (singly or batched) from the transport channel and dispatches them through
// decode, filter, middleware, resolver, handler, and the ack controller.
//
// The concurrency semaphore is acquired before pulling the next message:
// once ConcurrencyLimit messages are in flight, the loop stops reading and
// the transport buffers, which is the backpressure mechanism. With a limit
// of 1 the dispatch order equals the delivery order.
func (s *Service) runSubscription(ctx context.Context, sub *Subscription, messages <-chan *message.Message) {
	sem := make(chan struct{}, sub.conf.ConcurrencyLimit)
	var inFlight sync.WaitGroup

	defer func() {
		inFlight.Wait()
		s.Logger.Debug("Subscription loop stopped", loggingpkg.LogFields{
			"routing": sub.conf.Routing,
		})
	}()

	for {
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			return
		}

		deliveries, ok := s.nextUnit(ctx, sub, messages)
		if !ok {
			<-sem
			return
		}
		if len(deliveries) == 0 {
			<-sem
			continue
		}

		inFlight.Add(1)
		go func(deliveries []*message.Message) {
			defer inFlight.Done()
			defer func() { <-sem }()
			s.dispatch(ctx, sub, deliveries)
		}(deliveries)
	}
}

// nextUnit pulls the next unit of work: a single delivery, or a batch bounded
// by MaxRecords and BatchTimeout. ok is false when the loop should stop.
func (s *Service) nextUnit(ctx context.Context, sub *Subscription, messages <-chan *message.Message) ([]*message.Message, bool) {
	select {
	case first, open := <-messages:
		if !open {
			return nil, false
		}
		if !sub.conf.Batch {
			return []*message.Message{first}, true
		}
		return s.collectBatch(ctx, sub, first, messages), true
	case <-ctx.Done():
		return nil, false
	}
}

// collectBatch drains up to MaxRecords deliveries, waiting at most
// BatchTimeout after the first one.
func (s *Service) collectBatch(ctx context.Context, sub *Subscription, first *message.Message, messages <-chan *message.Message) []*message.Message {
	batch := make([]*message.Message, 0, sub.conf.MaxRecords)
	batch = append(batch, first)

	timer := time.NewTimer(sub.conf.BatchTimeout)
	defer timer.Stop()

	for len(batch) < sub.conf.MaxRecords {
		select {
		case msg, open := <-messages:
			if !open {
				return batch
			}
			batch = append(batch, msg)
		case <-timer.C:
			return batch
		case <-ctx.Done():
			return batch
		}
	}
	return batch
}

// dispatch processes one unit of work to its terminal acknowledgment state.
// A batch is a single unit: all deliveries are acked or nacked together.
func (s *Service) dispatch(ctx context.Context, sub *Subscription, deliveries []*message.Message) {
	sm, err := sub.conf.Parser(sub.conf.Routing, deliveries)
	if err != nil {
		// A parser that cannot build the envelope leaves nothing to retry.
		sm = NewStreamMessage(sub.conf.Routing, deliveries...)
		s.trackInFlight(sm)
		defer s.untrackInFlight(sm)

		controller := s.newAckController(oneTryWatcher{}, false)
		controller.resolve(ctx, sm, &errspkg.DecodeError{Body: sm.Body, Err: err})
		return
	}
	sm.decoder = sub.conf.Decoder

	s.trackInFlight(sm)
	defer s.untrackInFlight(sm)

	if _, err := sm.Decoded(); err != nil {
		controller := s.newAckController(oneTryWatcher{}, false)
		controller.resolve(ctx, sm, err)
		return
	}

	binding := sub.match(sm)
	if binding == nil {
		// Legitimately delivered but not owned by this process. Never
		// retried, so an unroutable message cannot block the partition.
		observeUnrouted(sm.Routing)
		s.Logger.Debug("No handler claimed message, acknowledging", loggingpkg.LogFields{
			"routing":    sm.Routing,
			"message_id": sm.UUID(),
		})
		if sm.Ack() {
			observeOutcome(sm.Routing, AckAcked)
		}
		return
	}

	controller := s.newAckController(binding.watcher, binding.noAck)

	result, err := binding.invoke(ctx, sm)
	if err == nil && result != nil {
		if replyErr := s.publishReply(ctx, sm, result); replyErr != nil {
			err = replyErr
		}
	}

	controller.resolve(ctx, sm, err)
}

func (s *Service) newAckController(watcher attemptWatcher, noAck bool) *ackController {
	return &ackController{
		logger:      s.Logger,
		watcher:     watcher,
		noAck:       noAck,
		poisonQueue: s.Conf.PoisonQueue,
		publish:     s.publishFunc,
	}
}

// publishReply sends the handler's return value to the reply_to target, if
// the incoming message requested one.
func (s *Service) publishReply(ctx context.Context, sm *StreamMessage, result any) error {
	replyTo := sm.ReplyTo()
	if replyTo == "" {
		return nil
	}

	body, err := EncodePayload(result, nil)
	if err != nil {
		return err
	}

	reply := message.NewMessage(newMessageID(), body)
	reply.Metadata.Set(metadatapkg.KeyCorrelationID, sm.CorrelationID())
	reply.Metadata.Set(metadatapkg.KeyOriginTopic, sm.Routing)

	return s.publishFunc(ctx, replyTo, reply)
}

// trackInFlight records a pending message so shutdown can force-nack it when
// the graceful window expires.
func (s *Service) trackInFlight(sm *StreamMessage) {
	s.inFlightMu.Lock()
	defer s.inFlightMu.Unlock()
	if s.inFlight == nil {
		s.inFlight = map[*StreamMessage]struct{}{}
	}
	s.inFlight[sm] = struct{}{}
}

func (s *Service) untrackInFlight(sm *StreamMessage) {
	s.inFlightMu.Lock()
	defer s.inFlightMu.Unlock()
	delete(s.inFlight, sm)
}

// forceNackInFlight requeues every message still pending. Called when the
// graceful shutdown window expires so no message is silently dropped.
func (s *Service) forceNackInFlight() {
	s.inFlightMu.Lock()
	pending := make([]*StreamMessage, 0, len(s.inFlight))
	for sm := range s.inFlight {
		pending = append(pending, sm)
	}
	s.inFlightMu.Unlock()

	for _, sm := range pending {
		if sm.Nack() {
			observeOutcome(sm.Routing, AckNacked)
			s.Logger.Info("Forced requeue of in-flight message on shutdown", loggingpkg.LogFields{
				"routing":    sm.Routing,
				"message_id": sm.UUID(),
			})
		}
	}
}
