// Package channel provides an in-memory Go channel relay sink. Relayed
// messages stay inside the process, which is useful for tests and for
// embedding a relay next to its consumers.
package channel

import (
	"context"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	"github.com/drblury/zmqflow/transport"
)

// SinkName is the name used to register this sink.
const SinkName = "channel"

// Factory allows overriding the channel creation for testing.
var Factory = func(cfg gochannel.Config, logger watermill.LoggerAdapter) message.Publisher {
	return gochannel.NewGoChannel(cfg, logger)
}

func init() {
	Register()
}

// Register registers the channel sink with the default registry.
func Register() {
	transport.RegisterWithCapabilities(SinkName, Build, transport.ChannelCapabilities)
}

// Build creates a new Go channel sink. Relayed messages are buffered so a
// slow in-process consumer does not stall the relay.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (message.Publisher, error) {
	return Factory(gochannel.Config{OutputChannelBuffer: 64}, logger), nil
}

// Capabilities returns the capabilities of this sink.
func Capabilities() transport.Capabilities {
	return transport.ChannelCapabilities
}
