package transport

import (
	"time"

	"github.com/ThreeDotsLabs/watermill"
	wmnats "github.com/ThreeDotsLabs/watermill-nats/v2/pkg/nats"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/nats-io/nats.go"

	"github.com/streamkit/streamkit/internal/runtime/config"
)

var (
	NATSPublisherFactory = func(cfg wmnats.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
		return wmnats.NewPublisher(cfg, logger)
	}
	NATSSubscriberFactory = func(cfg wmnats.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
		return wmnats.NewSubscriber(cfg, logger)
	}
)

func natsConnectOptions() []nats.Option {
	return []nats.Option{
		nats.Name("streamkit"),
		nats.RetryOnFailedConnect(true),
		nats.Timeout(10 * time.Second),
		nats.ReconnectWait(time.Second),
	}
}

func natsTransport(conf *config.Config, logger watermill.LoggerAdapter) (Transport, error) {
	marshaler := &wmnats.NATSMarshaler{}

	publisher, err := NATSPublisherFactory(
		wmnats.PublisherConfig{
			URL:         conf.NATSURL,
			NatsOptions: natsConnectOptions(),
			Marshaler:   marshaler,
		},
		logger,
	)
	if err != nil {
		return Transport{}, err
	}

	subscriber, err := NATSSubscriberFactory(
		wmnats.SubscriberConfig{
			URL:         conf.NATSURL,
			NatsOptions: natsConnectOptions(),
			Unmarshaler: marshaler,
		},
		logger,
	)
	if err != nil {
		return Transport{}, err
	}

	return Transport{Publisher: publisher, Subscriber: subscriber}, nil
}
