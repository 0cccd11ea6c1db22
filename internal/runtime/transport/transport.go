package transport

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/streamkit/streamkit/internal/runtime/config"
)

// ErrTransportClosed is returned by transport operations after Close.
var ErrTransportClosed = errors.New("streamkit: transport is closed")

// Transport combines the publisher and subscriber pair the dispatch pipeline
// talks to. The pipeline never sees anything broker-specific past this point.
type Transport struct {
	Publisher  message.Publisher
	Subscriber message.Subscriber
}

// Close releases both halves of the transport.
func (t Transport) Close() error {
	var errs []error
	if t.Subscriber != nil {
		if err := t.Subscriber.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if t.Publisher != nil {
		if err := t.Publisher.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("transport close: %v", errs)
	}
	return nil
}

// Factory abstracts how streamkit initialises message transports. Supply a
// custom implementation through ServiceDependencies to plug in brokers the
// built-in factory does not know about.
type Factory interface {
	Build(ctx context.Context, conf *config.Config, logger watermill.LoggerAdapter) (Transport, error)
}

// DefaultFactory returns the built-in transport factory.
func DefaultFactory() Factory {
	return defaultFactory{}
}

type defaultFactory struct{}

func (defaultFactory) Build(ctx context.Context, conf *config.Config, logger watermill.LoggerAdapter) (Transport, error) {
	if conf == nil {
		return Transport{}, fmt.Errorf("config is required")
	}

	switch strings.ToLower(conf.PubSubSystem) {
	case "kafka":
		return kafkaTransport(conf, logger)
	case "rabbitmq":
		return rabbitTransport(conf, logger)
	case "nats":
		return natsTransport(conf, logger)
	case "aws":
		return awsTransport(ctx, conf, logger)
	case "channel":
		return channelTransport(conf, logger)
	case "memory", "":
		return memoryTransport(conf, logger)
	default:
		return Transport{}, fmt.Errorf("unsupported pubsub system: %s", conf.PubSubSystem)
	}
}
