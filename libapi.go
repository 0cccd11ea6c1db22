package streamkit

import (
	"context"

	"google.golang.org/protobuf/proto"

	runtimepkg "github.com/streamkit/streamkit/internal/runtime"
	configpkg "github.com/streamkit/streamkit/internal/runtime/config"
	errspkg "github.com/streamkit/streamkit/internal/runtime/errors"
	idspkg "github.com/streamkit/streamkit/internal/runtime/ids"
	jsoncodec "github.com/streamkit/streamkit/internal/runtime/jsoncodec"
	loggingpkg "github.com/streamkit/streamkit/internal/runtime/logging"
	metadatapkg "github.com/streamkit/streamkit/internal/runtime/metadata"
	transportpkg "github.com/streamkit/streamkit/internal/runtime/transport"
)

type (
	Config              = configpkg.Config
	Service             = runtimepkg.Service
	ServiceDependencies = runtimepkg.ServiceDependencies
	Transport           = transportpkg.Transport
	TransportFactory    = transportpkg.Factory
	MemoryPubSub        = transportpkg.MemoryPubSub

	StreamMessage = runtimepkg.StreamMessage
	AckState      = runtimepkg.AckState
	Parser        = runtimepkg.Parser
	Decoder       = runtimepkg.Decoder
	Encoder       = runtimepkg.Encoder
	Filter        = runtimepkg.Filter

	HandlerFunc       = runtimepkg.HandlerFunc
	Middleware        = runtimepkg.Middleware
	PublishFunc       = runtimepkg.PublishFunc
	PublishMiddleware = runtimepkg.PublishMiddleware

	Subscription     = runtimepkg.Subscription
	SubscriberConfig = runtimepkg.SubscriberConfig
	HandlerConfig    = runtimepkg.HandlerConfig
	RetryPolicy      = runtimepkg.RetryPolicy

	Publisher       = runtimepkg.Publisher
	PublisherConfig = runtimepkg.PublisherConfig
	PublishOption   = runtimepkg.PublishOption

	ArgumentResolver = runtimepkg.ArgumentResolver
	HandlerCall      = runtimepkg.HandlerCall

	Metadata = metadatapkg.Metadata

	LogFields     = loggingpkg.LogFields
	ServiceLogger = loggingpkg.ServiceLogger

	ConfigValidationError = errspkg.ConfigValidationError
	DecodeError           = errspkg.DecodeError
	ResolutionError       = errspkg.ResolutionError
	TimeoutError          = errspkg.TimeoutError
)

const (
	AckPending  = runtimepkg.AckPending
	AckAcked    = runtimepkg.AckAcked
	AckNacked   = runtimepkg.AckNacked
	AckRejected = runtimepkg.AckRejected
)

var (
	NewService     = runtimepkg.NewService
	TryNewService  = runtimepkg.TryNewService
	NewTestService = runtimepkg.NewTestService
	ValidateConfig = configpkg.ValidateConfig

	NewStreamMessage = runtimepkg.NewStreamMessage
	DefaultParser    = runtimepkg.DefaultParser

	DefaultDecoder    = runtimepkg.DefaultDecoder
	StrictJSONDecoder = runtimepkg.StrictJSONDecoder
	JSONDecoderFor    = runtimepkg.JSONDecoderFor
	ProtoDecoderFor   = runtimepkg.ProtoDecoderFor
	EncodePayload     = runtimepkg.EncodePayload

	AcceptAll    = runtimepkg.AcceptAll
	HeaderFilter = runtimepkg.HeaderFilter

	NoRetry      = runtimepkg.NoRetry
	RetryForever = runtimepkg.RetryForever
	MaxAttempts  = runtimepkg.MaxAttempts

	DefaultMiddlewares        = runtimepkg.DefaultMiddlewares
	DefaultPublishMiddlewares = runtimepkg.DefaultPublishMiddlewares
	CorrelationIDMiddleware   = runtimepkg.CorrelationIDMiddleware
	LogMessagesMiddleware     = runtimepkg.LogMessagesMiddleware
	TracerMiddleware          = runtimepkg.TracerMiddleware
	MetricsMiddleware         = runtimepkg.MetricsMiddleware
	RecovererMiddleware       = runtimepkg.RecovererMiddleware
	RegisterMetrics           = runtimepkg.RegisterMetrics

	WithRouting       = runtimepkg.WithRouting
	WithHeaders       = runtimepkg.WithHeaders
	WithHeader        = runtimepkg.WithHeader
	WithReplyTo       = runtimepkg.WithReplyTo
	WithCorrelationID = runtimepkg.WithCorrelationID

	DefaultTransportFactory = transportpkg.DefaultFactory
	NewMemoryPubSub         = transportpkg.NewMemoryPubSub

	Marshal       = jsoncodec.Marshal
	MarshalIndent = jsoncodec.MarshalIndent
	Unmarshal     = jsoncodec.Unmarshal
	Encode        = jsoncodec.Encode
	Decode        = jsoncodec.Decode

	ErrServiceRequired     = errspkg.ErrServiceRequired
	ErrHandlerRequired     = errspkg.ErrHandlerRequired
	ErrRoutingRequired     = errspkg.ErrRoutingRequired
	ErrHandlerNameRequired = errspkg.ErrHandlerNameRequired
	ErrPublisherRequired   = errspkg.ErrPublisherRequired
	ErrPayloadRequired     = errspkg.ErrPayloadRequired
	ErrServiceNotRunning   = errspkg.ErrServiceNotRunning
	ErrServiceRunning      = errspkg.ErrServiceRunning
	ErrServiceClosed       = errspkg.ErrServiceClosed
	ErrSkipMessage         = errspkg.ErrSkipMessage
	ErrAckMessage          = errspkg.ErrAckMessage
	ErrNackMessage         = errspkg.ErrNackMessage
	ErrRejectMessage       = errspkg.ErrRejectMessage

	NewSlogServiceLogger      = loggingpkg.NewSlogServiceLogger
	NewWatermillServiceLogger = loggingpkg.NewWatermillServiceLogger

	NewMetadata = metadatapkg.New

	CreateULID = idspkg.CreateULID
)

// Metadata keys - use these constants for standard metadata fields.
const (
	MetadataKeyCorrelationID = metadatapkg.KeyCorrelationID
	MetadataKeyReplyTo       = metadatapkg.KeyReplyTo
	MetadataKeyOriginTopic   = metadatapkg.KeyOriginTopic
	MetadataKeyRejectReason  = metadatapkg.KeyRejectReason
)

// JSONHandler adapts a typed function into a HandlerFunc with strict JSON
// decoding of the payload.
func JSONHandler[T any](fn func(ctx context.Context, payload T, msg *StreamMessage) (any, error)) HandlerFunc {
	return runtimepkg.JSONHandler(fn)
}

// JSONBatchHandler adapts a typed function over a whole batch.
func JSONBatchHandler[T any](fn func(ctx context.Context, payloads []T, msg *StreamMessage) (any, error)) HandlerFunc {
	return runtimepkg.JSONBatchHandler(fn)
}

// ProtoHandler adapts a typed function over a protojson payload.
func ProtoHandler[T proto.Message](newMessage func() T, fn func(ctx context.Context, payload T, msg *StreamMessage) (any, error)) HandlerFunc {
	return runtimepkg.ProtoHandler(newMessage, fn)
}
