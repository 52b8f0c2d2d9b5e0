package transport

// Capabilities describes what a relay sink guarantees for published messages.
type Capabilities struct {
	// Name is the registered sink name.
	Name string

	// SupportsOrdering indicates messages on one topic arrive in publish order.
	SupportsOrdering bool

	// SupportsTracing indicates the sink propagates metadata as broker headers.
	SupportsTracing bool

	// SupportsBatching indicates several messages can be published in one call.
	SupportsBatching bool

	// SupportsPartitioning indicates the sink spreads a topic over partitions.
	SupportsPartitioning bool

	// Durable indicates published messages survive a broker restart.
	Durable bool

	// MaxMessageSize is the largest payload in bytes (0 = unlimited/unknown).
	MaxMessageSize int64
}

// Accepts reports whether a payload of size bytes fits the sink.
func (c Capabilities) Accepts(size int) bool {
	return c.MaxMessageSize <= 0 || int64(size) <= c.MaxMessageSize
}

// Predefined capability sets for the built-in sinks.
var (
	// ChannelCapabilities for the in-memory Go channel sink.
	ChannelCapabilities = Capabilities{
		Name:             "channel",
		SupportsOrdering: true,
	}

	// KafkaCapabilities for Apache Kafka.
	KafkaCapabilities = Capabilities{
		Name:                 "kafka",
		SupportsOrdering:     true,
		SupportsTracing:      true,
		SupportsBatching:     true,
		SupportsPartitioning: true,
		Durable:              true,
		MaxMessageSize:       1048576, // Default 1MB
	}

	// RabbitMQCapabilities for RabbitMQ/AMQP.
	RabbitMQCapabilities = Capabilities{
		Name:             "rabbitmq",
		SupportsOrdering: true,
		SupportsTracing:  true,
		Durable:          true,
	}

	// NATSCapabilities for NATS Core.
	NATSCapabilities = Capabilities{
		Name:            "nats",
		SupportsTracing: true,
		MaxMessageSize:  1048576, // Default 1MB
	}

	// NATSJetStreamCapabilities for NATS JetStream.
	NATSJetStreamCapabilities = Capabilities{
		Name:             "nats-jetstream",
		SupportsOrdering: true,
		SupportsTracing:  true,
		Durable:          true,
		MaxMessageSize:   1048576, // Default 1MB
	}

	// AWSCapabilities for AWS SNS.
	AWSCapabilities = Capabilities{
		Name:             "aws",
		SupportsTracing:  true,
		SupportsBatching: true,
		Durable:          true,
		MaxMessageSize:   262144, // 256KB
	}

	// AWSSQSCapabilities for AWS SQS.
	AWSSQSCapabilities = Capabilities{
		Name:             "aws-sqs",
		SupportsTracing:  true,
		SupportsBatching: true,
		Durable:          true,
		MaxMessageSize:   262144, // 256KB
	}

	// HTTPCapabilities for the HTTP webhook sink.
	HTTPCapabilities = Capabilities{
		Name:            "http",
		SupportsTracing: true,
	}
)

// GetCapabilities returns the registered capabilities of a sink by name.
func GetCapabilities(sinkName string) Capabilities {
	return DefaultRegistry.GetCapabilities(sinkName)
}
