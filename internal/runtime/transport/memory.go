package transport

import (
	"context"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/streamkit/streamkit/internal/runtime/config"
)

// MemoryPubSub is an in-process broker with deterministic FIFO delivery.
// Unlike the channel transport it serialises delivery per subscriber, so the
// order messages are published is the order a subscriber receives them, and a
// nacked message is redelivered before anything published after it. That makes
// it the default backend for tests and local development.
type MemoryPubSub struct {
	logger watermill.LoggerAdapter

	mu          sync.Mutex
	subscribers map[string][]*memorySubscription
	closed      bool
}

// NewMemoryPubSub creates an empty in-process broker.
func NewMemoryPubSub(logger watermill.LoggerAdapter) *MemoryPubSub {
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	return &MemoryPubSub{
		logger:      logger,
		subscribers: map[string][]*memorySubscription{},
	}
}

func memoryTransport(conf *config.Config, logger watermill.LoggerAdapter) (Transport, error) {
	pubSub := NewMemoryPubSub(logger)
	return Transport{Publisher: pubSub, Subscriber: pubSub}, nil
}

// Publish enqueues copies of the messages on every active subscription for the
// topic. Messages published before any subscription exists are dropped.
func (p *MemoryPubSub) Publish(topic string, messages ...*message.Message) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrTransportClosed
	}
	subs := make([]*memorySubscription, len(p.subscribers[topic]))
	copy(subs, p.subscribers[topic])
	p.mu.Unlock()

	for _, msg := range messages {
		for _, sub := range subs {
			sub.enqueue(msg.Copy())
		}
	}
	return nil
}

// Subscribe registers a FIFO subscription for the topic. The returned channel
// is closed when ctx is cancelled or the broker is closed.
func (p *MemoryPubSub) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, ErrTransportClosed
	}

	sub := newMemorySubscription(ctx, topic, p.logger)
	p.subscribers[topic] = append(p.subscribers[topic], sub)

	go sub.run()
	go func() {
		<-ctx.Done()
		p.removeSubscription(topic, sub)
		sub.close()
	}()

	return sub.out, nil
}

// Close shuts the broker down and closes every subscription channel.
func (p *MemoryPubSub) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	var subs []*memorySubscription
	for _, topicSubs := range p.subscribers {
		subs = append(subs, topicSubs...)
	}
	p.subscribers = map[string][]*memorySubscription{}
	p.mu.Unlock()

	for _, sub := range subs {
		sub.close()
	}
	return nil
}

func (p *MemoryPubSub) removeSubscription(topic string, sub *memorySubscription) {
	p.mu.Lock()
	defer p.mu.Unlock()
	subs := p.subscribers[topic]
	for i, s := range subs {
		if s == sub {
			p.subscribers[topic] = append(subs[:i:i], subs[i+1:]...)
			return
		}
	}
}

// memorySubscription holds the pending queue for one Subscribe call. A single
// pump goroutine drains the queue into out, preserving enqueue order. The pump
// does not wait for an ack before delivering the next message, so concurrent
// consumers still see FIFO handoff.
type memorySubscription struct {
	ctx    context.Context
	topic  string
	logger watermill.LoggerAdapter
	out    chan *message.Message

	mu      sync.Mutex
	cond    *sync.Cond
	pending []*message.Message
	closed  bool
}

func newMemorySubscription(ctx context.Context, topic string, logger watermill.LoggerAdapter) *memorySubscription {
	s := &memorySubscription{
		ctx:    ctx,
		topic:  topic,
		logger: logger,
		out:    make(chan *message.Message),
	}
	s.cond = sync.NewCond(&s.mu)
	return s
}

func (s *memorySubscription) enqueue(msg *message.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.pending = append(s.pending, msg)
	s.cond.Signal()
}

// requeue puts a nacked message at the head of the queue so it is redelivered
// before anything published after it.
func (s *memorySubscription) requeue(msg *message.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.pending = append([]*message.Message{msg}, s.pending...)
	s.cond.Signal()
}

func (s *memorySubscription) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.cond.Signal()
}

func (s *memorySubscription) next() (*message.Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for len(s.pending) == 0 && !s.closed {
		s.cond.Wait()
	}
	if s.closed {
		return nil, false
	}
	msg := s.pending[0]
	s.pending = s.pending[1:]
	return msg, true
}

func (s *memorySubscription) run() {
	defer close(s.out)

	for {
		msg, ok := s.next()
		if !ok {
			return
		}

		// Each delivery attempt gets a fresh ack handle; the stored message
		// keeps its UUID so redeliveries are correlated by consumers.
		delivery := msg.Copy()
		delivery.SetContext(s.ctx)

		select {
		case s.out <- delivery:
		case <-s.ctx.Done():
			return
		}

		go s.watchOutcome(msg, delivery)
	}
}

func (s *memorySubscription) watchOutcome(stored, delivery *message.Message) {
	select {
	case <-delivery.Acked():
	case <-delivery.Nacked():
		s.logger.Trace("Redelivering nacked message", watermill.LogFields{
			"topic":      s.topic,
			"message_id": stored.UUID,
		})
		s.requeue(stored)
	case <-s.ctx.Done():
	}
}
