package runtime

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/ThreeDotsLabs/watermill/message"

	metadatapkg "github.com/streamkit/streamkit/internal/runtime/metadata"
)

// AckState tracks the acknowledgment resolution of a StreamMessage. A message
// starts pending and reaches exactly one terminal state; later transitions are
// ignored so a consumed transport handle is never touched twice.
type AckState int32

const (
	AckPending AckState = iota
	AckAcked
	AckNacked
	AckRejected
)

func (s AckState) String() string {
	switch s {
	case AckPending:
		return "pending"
	case AckAcked:
		return "acked"
	case AckNacked:
		return "nacked"
	case AckRejected:
		return "rejected"
	default:
		return fmt.Sprintf("unknown(%d)", int32(s))
	}
}

// StreamMessage is the uniform envelope the dispatch pipeline works on. It
// wraps one raw transport delivery, or several for batched subscriptions, and
// owns their acknowledgment handles until a terminal state is reached.
type StreamMessage struct {
	// Body is the raw payload of a single delivery. Nil for batches; use
	// Bodies there.
	Body []byte
	// Headers carries the transport metadata of the first delivery.
	Headers metadatapkg.Metadata
	// Routing is the logical subscription target the message arrived on.
	Routing string
	// Batch marks an envelope spanning more than one delivery.
	Batch bool

	raw     []*message.Message
	decoder Decoder

	decodeOnce sync.Once
	decoded    any
	decodeErr  error

	call  *HandlerCall
	state atomic.Int32
}

// NewStreamMessage wraps raw deliveries into an envelope. At least one
// delivery is required; more than one marks the envelope as a batch.
func NewStreamMessage(routing string, deliveries ...*message.Message) *StreamMessage {
	if len(deliveries) == 0 {
		panic("streamkit: a stream message requires at least one delivery")
	}

	sm := &StreamMessage{
		Routing: routing,
		Batch:   len(deliveries) > 1,
		raw:     deliveries,
		Headers: metadatapkg.FromWatermill(deliveries[0].Metadata),
	}
	if !sm.Batch {
		sm.Body = deliveries[0].Payload
	}
	return sm
}

// Parser turns raw transport deliveries into a StreamMessage. Custom parsers
// may wrap DefaultParser to extend rather than replace it.
type Parser func(routing string, deliveries []*message.Message) (*StreamMessage, error)

// DefaultParser builds the envelope straight from the deliveries.
func DefaultParser(routing string, deliveries []*message.Message) (*StreamMessage, error) {
	return NewStreamMessage(routing, deliveries...), nil
}

// UUID returns the transport id of the first underlying delivery. Redelivered
// messages keep their id, which is what the retry budget is keyed on.
func (m *StreamMessage) UUID() string {
	return m.raw[0].UUID
}

// Deliveries exposes the underlying raw deliveries. Size 1 unless batched.
func (m *StreamMessage) Deliveries() []*message.Message {
	return m.raw
}

// Bodies returns the payload of every underlying delivery.
func (m *StreamMessage) Bodies() [][]byte {
	bodies := make([][]byte, len(m.raw))
	for i, d := range m.raw {
		bodies[i] = d.Payload
	}
	return bodies
}

// Context returns the delivery context of the first raw message.
func (m *StreamMessage) Context() context.Context {
	return m.raw[0].Context()
}

// SetContext replaces the delivery context on all underlying deliveries.
func (m *StreamMessage) SetContext(ctx context.Context) {
	for _, d := range m.raw {
		d.SetContext(ctx)
	}
}

// CorrelationID returns the correlation header, if any.
func (m *StreamMessage) CorrelationID() string {
	return m.Headers.Get(metadatapkg.KeyCorrelationID)
}

// ReplyTo returns the reply routing requested by the producer, if any.
func (m *StreamMessage) ReplyTo() string {
	return m.Headers.Get(metadatapkg.KeyReplyTo)
}

// Decoded returns the decoded payload, computing it at most once. For a batch
// the result is a []any with one entry per delivery. Without an explicit
// decoder the payload decodes leniently and never fails.
func (m *StreamMessage) Decoded() (any, error) {
	m.decodeOnce.Do(func() {
		decoder := m.decoder
		if decoder == nil {
			decoder = DefaultDecoder
		}

		if !m.Batch {
			m.decoded, m.decodeErr = decoder(m.Body)
			return
		}

		items := make([]any, 0, len(m.raw))
		for _, d := range m.raw {
			item, err := decoder(d.Payload)
			if err != nil {
				m.decodeErr = err
				return
			}
			items = append(items, item)
		}
		m.decoded = items
	})
	return m.decoded, m.decodeErr
}

// Call returns the resolved handler arguments. Nil until the argument
// resolver has run for the claiming handler.
func (m *StreamMessage) Call() *HandlerCall {
	return m.call
}

// AckState returns the current acknowledgment state.
func (m *StreamMessage) AckState() AckState {
	return AckState(m.state.Load())
}

// Ack acknowledges every underlying delivery. Returns false when the message
// already reached a terminal state.
func (m *StreamMessage) Ack() bool {
	return m.resolveState(AckAcked, func(d *message.Message) { d.Ack() })
}

// Nack requeues every underlying delivery for redelivery.
func (m *StreamMessage) Nack() bool {
	return m.resolveState(AckNacked, func(d *message.Message) { d.Nack() })
}

// Reject drops the message. Watermill transports have no separate reject
// primitive, so the deliveries are acked; routing a copy to a dead-letter
// queue beforehand is the caller's job.
func (m *StreamMessage) Reject() bool {
	return m.resolveState(AckRejected, func(d *message.Message) { d.Ack() })
}

// resolveState performs the guarded PENDING -> terminal transition. The swap
// makes double resolution a no-op: only the first caller touches the
// transport handles.
func (m *StreamMessage) resolveState(target AckState, resolve func(*message.Message)) bool {
	if !m.state.CompareAndSwap(int32(AckPending), int32(target)) {
		return false
	}
	for _, d := range m.raw {
		resolve(d)
	}
	return true
}
