// Package transport defines the relay sink registry. A sink is the Watermill
// publisher that forwarder and streamer output is republished to. Each sink
// implementation (kafka, rabbitmq, aws, etc.) lives in its own sub-package and
// registers itself with the default registry.
package transport

import (
	"context"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
)

// Builder creates a sink publisher from config.
type Builder func(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (message.Publisher, error)

// Config provides the configuration values needed by sinks without
// depending on the full config package.
type Config interface {
	// GetSink returns the sink name.
	GetSink() string

	// Kafka
	GetKafkaBrokers() []string

	// RabbitMQ
	GetRabbitMQURL() string

	// NATS
	GetNATSURL() string

	// HTTP
	GetHTTPPublisherURL() string

	// AWS
	GetAWSRegion() string
	GetAWSAccountID() string
	GetAWSAccessKeyID() string
	GetAWSSecretAccessKey() string
	GetAWSEndpoint() string
}

// CapabilitiesProvider is implemented by sinks that can report their capabilities.
type CapabilitiesProvider interface {
	Capabilities() Capabilities
}
