package runtime

import (
	"context"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"

	errspkg "github.com/streamkit/streamkit/internal/runtime/errors"
	idspkg "github.com/streamkit/streamkit/internal/runtime/ids"
	"github.com/streamkit/streamkit/internal/runtime/jsoncodec"
	metadatapkg "github.com/streamkit/streamkit/internal/runtime/metadata"
)

// Encoder turns an outgoing payload into a message body.
type Encoder func(payload any) ([]byte, error)

// EncodePayload applies the encoder, or the default encoding when encoder is
// nil: byte slices and strings pass through, proto messages marshal as
// protojson, everything else as JSON.
func EncodePayload(payload any, encoder Encoder) ([]byte, error) {
	if encoder != nil {
		return encoder(payload)
	}

	switch v := payload.(type) {
	case []byte:
		return v, nil
	case string:
		return []byte(v), nil
	case proto.Message:
		return protojson.Marshal(v)
	default:
		return jsoncodec.Marshal(payload)
	}
}

func newMessageID() string {
	return idspkg.CreateULID()
}

// PublisherConfig declares a producer registration.
type PublisherConfig struct {
	// Routing is the default target. Required; overridable per publish call.
	Routing string

	// Encoder overrides payload encoding. Nil uses the default encoding.
	Encoder Encoder

	// Middlewares wrap this publisher inside the service publish chain.
	Middlewares []PublishMiddleware

	// ReplyTo, when set, stamps outgoing messages with a reply target and is
	// the reply subscription used by Request.
	ReplyTo string
}

// Publisher encodes payloads, runs publish middleware, and hands the result
// to the transport.
type Publisher struct {
	conf PublisherConfig
	svc  *Service
	send PublishFunc
}

// AddPublisher registers a producer for the given routing target.
func (s *Service) AddPublisher(cfg PublisherConfig) (*Publisher, error) {
	if cfg.Routing == "" {
		return nil, errspkg.ErrRoutingRequired
	}

	// Service publish middlewares stay outermost.
	send := s.publishFunc
	if len(cfg.Middlewares) > 0 {
		send = chainPublishMiddlewares(s.transportPublish, append(append([]PublishMiddleware{}, s.publishMiddlewares...), cfg.Middlewares...))
	}

	p := &Publisher{conf: cfg, svc: s, send: send}

	s.publishersMu.Lock()
	s.publishers = append(s.publishers, p)
	s.publishersMu.Unlock()

	return p, nil
}

type publishOptions struct {
	routing       string
	headers       metadatapkg.Metadata
	replyTo       string
	correlationID string
}

// PublishOption customises a single publish call.
type PublishOption func(*publishOptions)

// WithRouting overrides the publisher's default routing target.
func WithRouting(routing string) PublishOption {
	return func(o *publishOptions) { o.routing = routing }
}

// WithHeaders merges the given metadata into the outgoing message.
func WithHeaders(headers metadatapkg.Metadata) PublishOption {
	return func(o *publishOptions) { o.headers = o.headers.WithAll(headers) }
}

// WithHeader sets one outgoing metadata entry.
func WithHeader(key, value string) PublishOption {
	return func(o *publishOptions) { o.headers = o.headers.With(key, value) }
}

// WithReplyTo asks consumers to publish handler results to the given target.
func WithReplyTo(replyTo string) PublishOption {
	return func(o *publishOptions) { o.replyTo = replyTo }
}

// WithCorrelationID pins the correlation identifier instead of generating one.
func WithCorrelationID(id string) PublishOption {
	return func(o *publishOptions) { o.correlationID = id }
}

// Publish encodes the payload, applies the publish middleware chain, and
// sends the message to the transport.
func (p *Publisher) Publish(ctx context.Context, payload any, opts ...PublishOption) error {
	if payload == nil {
		return errspkg.ErrPayloadRequired
	}
	if p.svc.isState(stateStopped) {
		return errspkg.ErrServiceClosed
	}

	options := publishOptions{replyTo: p.conf.ReplyTo}
	for _, opt := range opts {
		opt(&options)
	}

	body, err := EncodePayload(payload, p.conf.Encoder)
	if err != nil {
		return err
	}

	msg := message.NewMessage(newMessageID(), body)
	for key, value := range options.headers {
		msg.Metadata.Set(key, value)
	}
	if options.correlationID != "" {
		msg.Metadata.Set(metadatapkg.KeyCorrelationID, options.correlationID)
	}
	if options.replyTo != "" {
		msg.Metadata.Set(metadatapkg.KeyReplyTo, options.replyTo)
	}

	routing := options.routing
	if routing == "" {
		routing = p.conf.Routing
	}

	return p.send(ctx, routing, msg)
}

// Request publishes the payload and blocks for a correlated reply. The reply
// arrives on an ephemeral subscription matched by correlation id; an
// unanswered exchange fails with a TimeoutError.
func (p *Publisher) Request(ctx context.Context, payload any, timeout time.Duration, opts ...PublishOption) (*StreamMessage, error) {
	if payload == nil {
		return nil, errspkg.ErrPayloadRequired
	}

	correlationID := newMessageID()
	replyTopic := p.conf.ReplyTo
	if replyTopic == "" {
		replyTopic = "streamkit.reply." + correlationID
	}

	replyCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	replies, err := p.svc.subscriber.Subscribe(replyCtx, replyTopic)
	if err != nil {
		return nil, err
	}

	publishOpts := append([]PublishOption{
		WithReplyTo(replyTopic),
		WithCorrelationID(correlationID),
	}, opts...)
	if err := p.Publish(ctx, payload, publishOpts...); err != nil {
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case reply, open := <-replies:
			if !open {
				return nil, errspkg.ErrServiceClosed
			}
			if reply.Metadata.Get(metadatapkg.KeyCorrelationID) != correlationID {
				// Foreign reply on a shared reply topic; drop it here.
				reply.Ack()
				continue
			}
			sm := NewStreamMessage(replyTopic, reply)
			sm.Ack()
			return sm, nil
		case <-timer.C:
			return nil, &errspkg.TimeoutError{Routing: replyTopic, Timeout: timeout}
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}
