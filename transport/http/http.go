// Package http provides an HTTP webhook relay sink. Each relayed message is
// POSTed to the configured base URL with the topic appended.
package http

import (
	"context"
	"errors"
	nethttp "net/http"
	"strings"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-http/v2/pkg/http"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/zmqflow/transport"
)

// SinkName is the name used to register this sink.
const SinkName = "http"

// ErrURLRequired is returned when no publisher URL is configured.
var ErrURLRequired = errors.New("http: publisher url is required")

// PublisherFactory allows overriding the publisher creation for testing.
var PublisherFactory = func(config http.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
	return http.NewPublisher(config, logger)
}

func init() {
	Register()
}

// Register registers the HTTP sink with the default registry.
func Register() {
	transport.RegisterWithCapabilities(SinkName, Build, transport.HTTPCapabilities)
}

// Build creates a new HTTP sink.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (message.Publisher, error) {
	publisherURL := cfg.GetHTTPPublisherURL()
	if publisherURL == "" {
		return nil, ErrURLRequired
	}

	return PublisherFactory(
		http.PublisherConfig{
			MarshalMessageFunc: MarshalMessageFunc(publisherURL),
		},
		logger,
	)
}

// MarshalMessageFunc targets baseURL/topic.
func MarshalMessageFunc(baseURL string) http.MarshalMessageFunc {
	base := strings.TrimRight(baseURL, "/") + "/"
	return func(topic string, msg *message.Message) (*nethttp.Request, error) {
		return http.DefaultMarshalMessageFunc(base+topic, msg)
	}
}

// Capabilities returns the capabilities of this sink.
func Capabilities() transport.Capabilities {
	return transport.HTTPCapabilities
}
