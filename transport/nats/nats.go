// Package nats provides a NATS Core relay sink.
package nats

import (
	"context"
	"errors"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-nats/v2/pkg/nats"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/zmqflow/transport"
)

// SinkName is the name used to register this sink.
const SinkName = "nats"

// ErrURLRequired is returned when no NATS URL is configured.
var ErrURLRequired = errors.New("nats: url is required")

// PublisherFactory allows overriding the publisher creation for testing.
var PublisherFactory = func(cfg nats.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
	return nats.NewPublisher(cfg, logger)
}

func init() {
	Register()
}

// Register registers the NATS sink with the default registry.
func Register() {
	transport.RegisterWithCapabilities(SinkName, Build, transport.NATSCapabilities)
}

// Build creates a new NATS sink. Metadata travels as NATS headers.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (message.Publisher, error) {
	url := cfg.GetNATSURL()
	if url == "" {
		return nil, ErrURLRequired
	}

	return PublisherFactory(
		nats.PublisherConfig{
			URL:       url,
			Marshaler: &nats.NATSMarshaler{},
		},
		logger,
	)
}

// Capabilities returns the capabilities of this sink.
func Capabilities() transport.Capabilities {
	return transport.NATSCapabilities
}
