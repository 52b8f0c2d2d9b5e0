// Package jetstream provides a NATS JetStream relay sink. Relayed messages
// are persisted in one stream with a subject per topic.
package jetstream

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/nats-io/nats.go"

	"github.com/drblury/zmqflow/transport"
)

// SinkName is the name used to register this sink.
const SinkName = "nats-jetstream"

const (
	// DefaultStreamName is the stream relayed messages are stored in.
	DefaultStreamName = "ZMQFLOW"

	// DefaultMaxAge bounds how long relayed messages are retained.
	DefaultMaxAge = 7 * 24 * time.Hour
)

// ErrURLRequired is returned when no NATS URL is configured.
var ErrURLRequired = errors.New("jetstream: url is required")

// ErrClosed is returned when publishing on a closed sink.
var ErrClosed = errors.New("jetstream: sink is closed")

// StreamContext is the part of nats.JetStreamContext the sink uses.
type StreamContext interface {
	AddStream(cfg *nats.StreamConfig, opts ...nats.JSOpt) (*nats.StreamInfo, error)
	UpdateStream(cfg *nats.StreamConfig, opts ...nats.JSOpt) (*nats.StreamInfo, error)
	PublishMsg(m *nats.Msg, opts ...nats.PubOpt) (*nats.PubAck, error)
}

// Connect allows overriding the connection for testing. The returned func
// closes the underlying connection.
var Connect = func(url string) (StreamContext, func(), error) {
	nc, err := nats.Connect(url, nats.Name("zmqflow-relay"))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}
	return js, nc.Close, nil
}

func init() {
	Register()
}

// Register registers the JetStream sink with the default registry.
func Register() {
	transport.RegisterWithCapabilities(SinkName, Build, transport.NATSJetStreamCapabilities)
}

// Build creates a new JetStream sink.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (message.Publisher, error) {
	return New(Config{URL: cfg.GetNATSURL()}, logger)
}

// Capabilities returns the capabilities of this sink.
func Capabilities() transport.Capabilities {
	return transport.NATSJetStreamCapabilities
}

// Config holds JetStream-specific configuration.
type Config struct {
	// URL is the NATS server URL.
	URL string

	// StreamName is the JetStream stream to use. Defaults to "ZMQFLOW".
	StreamName string

	// MaxAge bounds retention. Defaults to seven days.
	MaxAge time.Duration

	// Replicas is the number of stream replicas (for clustering).
	Replicas int

	// RetentionPolicy: "limits" (default), "interest", or "workqueue"
	RetentionPolicy string
}

func (c Config) withDefaults() Config {
	if c.StreamName == "" {
		c.StreamName = DefaultStreamName
	}
	if c.MaxAge <= 0 {
		c.MaxAge = DefaultMaxAge
	}
	if c.Replicas <= 0 {
		c.Replicas = 1
	}
	return c
}

func (c Config) streamConfig() *nats.StreamConfig {
	streamCfg := &nats.StreamConfig{
		Name:     c.StreamName,
		Subjects: []string{c.StreamName + ".>"},
		MaxAge:   c.MaxAge,
		Replicas: c.Replicas,
	}

	switch c.RetentionPolicy {
	case "interest":
		streamCfg.Retention = nats.InterestPolicy
	case "workqueue":
		streamCfg.Retention = nats.WorkQueuePolicy
	default:
		streamCfg.Retention = nats.LimitsPolicy
	}
	return streamCfg
}

// Publisher publishes relayed messages into a JetStream stream.
type Publisher struct {
	js     StreamContext
	close  func()
	config Config
	logger watermill.LoggerAdapter

	mu     sync.RWMutex
	closed bool
}

// New connects and makes sure the stream exists.
func New(cfg Config, logger watermill.LoggerAdapter) (*Publisher, error) {
	if cfg.URL == "" {
		return nil, ErrURLRequired
	}
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	cfg = cfg.withDefaults()

	js, closeConn, err := Connect(cfg.URL)
	if err != nil {
		return nil, err
	}

	p := &Publisher{
		js:     js,
		close:  closeConn,
		config: cfg,
		logger: logger,
	}

	if err := p.ensureStream(); err != nil {
		closeConn()
		return nil, fmt.Errorf("failed to ensure stream: %w", err)
	}

	return p, nil
}

func (p *Publisher) ensureStream() error {
	streamCfg := p.config.streamConfig()
	if _, err := p.js.AddStream(streamCfg); err == nil {
		return nil
	}
	if _, err := p.js.UpdateStream(streamCfg); err != nil {
		return err
	}
	p.logger.Info("JetStream stream updated", watermill.LogFields{
		"stream": p.config.StreamName,
	})
	return nil
}

// Publish publishes messages to the stream. Metadata travels as headers.
func (p *Publisher) Publish(topic string, messages ...*message.Message) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrClosed
	}

	subject := p.Subject(topic)
	for _, msg := range messages {
		headers := nats.Header{}
		for k, v := range msg.Metadata {
			headers.Set(k, v)
		}
		headers.Set(nats.MsgIdHdr, msg.UUID)

		natsMsg := &nats.Msg{
			Subject: subject,
			Data:    msg.Payload,
			Header:  headers,
		}

		if _, err := p.js.PublishMsg(natsMsg); err != nil {
			return fmt.Errorf("failed to publish to JetStream: %w", err)
		}
	}

	return nil
}

// Subject maps a topic into the stream's subject space.
func (p *Publisher) Subject(topic string) string {
	return p.config.StreamName + "." + topic
}

// Close closes the connection. It is safe to call more than once.
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	if p.close != nil {
		p.close()
	}
	return nil
}

// GetCapabilities returns the JetStream sink capabilities.
func (p *Publisher) GetCapabilities() transport.Capabilities {
	return transport.NATSJetStreamCapabilities
}
