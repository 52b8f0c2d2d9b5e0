// Package transports imports all built-in relay sinks for auto-registration.
// Import this package to have every sink registered with the default registry.
package transports

import (
	// Import all sinks for side-effect registration
	_ "github.com/drblury/zmqflow/transport/aws"
	_ "github.com/drblury/zmqflow/transport/channel"
	_ "github.com/drblury/zmqflow/transport/http"
	_ "github.com/drblury/zmqflow/transport/jetstream"
	_ "github.com/drblury/zmqflow/transport/kafka"
	_ "github.com/drblury/zmqflow/transport/nats"
	_ "github.com/drblury/zmqflow/transport/rabbitmq"
)
