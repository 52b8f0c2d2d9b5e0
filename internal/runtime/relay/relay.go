// Package relay republishes forwarder and streamer traffic into an external
// broker through a Watermill publisher.
package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/zmqflow/internal/runtime/cloudevents"
	"github.com/drblury/zmqflow/internal/runtime/codec"
	errspkg "github.com/drblury/zmqflow/internal/runtime/errors"
	"github.com/drblury/zmqflow/internal/runtime/ids"
	"github.com/drblury/zmqflow/internal/runtime/jsoncodec"
	"github.com/drblury/zmqflow/internal/runtime/logging"
	"github.com/drblury/zmqflow/internal/runtime/metadata"
	"github.com/drblury/zmqflow/internal/runtime/topology"
	"github.com/drblury/zmqflow/transport"
)

// DefaultTopic is used for streamer messages, which carry no channel.
const DefaultTopic = "zmqflow"

// Drop reasons reported to OnDropped.
const (
	DropOversize = "oversize"
	DropEncode   = "encode"
	DropPublish  = "publish"
)

// Payload formats.
const (
	FormatJSON        = "json"
	FormatCloudEvents = "cloudevents"
)

// ContentTypeKey is the metadata key describing the payload format.
const ContentTypeKey = "content-type"

// Source is the receiving side of a forwarder or streamer topology.
// *node.Frontend satisfies it.
type Source interface {
	Mode() topology.Mode
	Stream(ctx context.Context, channel string, fn func(codec.Envelope) error) error
}

// Options configures a Relay.
type Options struct {
	Source Source
	Sink   message.Publisher
	// Capabilities of the sink. Oversized payloads are dropped.
	Capabilities transport.Capabilities
	// Channels limits a forwarder relay to these channels. Empty relays all.
	Channels []string
	// Topic overrides the destination topic.
	Topic string
	// Format is FormatJSON (the body only) or FormatCloudEvents.
	Format string
	// Name identifies this relay in the "relay" header.
	Name   string
	Logger logging.ServiceLogger

	OnRelayed func(topic string)
	OnDropped func(reason string)
}

// Relay streams envelopes from a Source into a sink.
type Relay struct {
	opts Options
	log  logging.ServiceLogger
}

// New validates opts. Queue sources are rejected since requests expect a reply.
func New(opts Options) (*Relay, error) {
	if opts.Source == nil {
		return nil, errors.New("relay: source is required")
	}
	if opts.Sink == nil {
		return nil, errspkg.ErrSinkRequired
	}
	if opts.Source.Mode() == topology.Queue {
		return nil, fmt.Errorf("%w: relay on queue source", errspkg.ErrWrongMode)
	}
	switch opts.Format {
	case "":
		opts.Format = FormatJSON
	case FormatJSON, FormatCloudEvents:
	default:
		return nil, fmt.Errorf("relay: unknown format %q", opts.Format)
	}
	if opts.Name == "" {
		opts.Name = ids.NewNodeID()
	}
	log := opts.Logger
	if log == nil {
		log = logging.Nop()
	}
	return &Relay{
		opts: opts,
		log:  log.With(logging.LogFields{"relay": opts.Name}),
	}, nil
}

// Run relays until ctx is done. Publish failures are logged and counted;
// only a failing source stops the relay.
func (r *Relay) Run(ctx context.Context) error {
	channels := r.streams()
	r.log.Info("Relay started", logging.LogFields{
		"mode":     r.opts.Source.Mode().String(),
		"channels": channels,
		"sink":     r.opts.Capabilities.Name,
	})
	defer r.log.Info("Relay stopped", nil)

	if len(channels) == 1 {
		return r.stream(ctx, channels[0])
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for _, channel := range channels {
		wg.Add(1)
		go func(channel string) {
			defer wg.Done()
			if err := r.stream(ctx, channel); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
				cancel()
			}
		}(channel)
	}
	wg.Wait()
	return errors.Join(errs...)
}

func (r *Relay) streams() []string {
	if r.opts.Source.Mode() != topology.Forwarder || len(r.opts.Channels) == 0 {
		return []string{""}
	}
	return r.opts.Channels
}

func (r *Relay) stream(ctx context.Context, channel string) error {
	err := r.opts.Source.Stream(ctx, channel, func(env codec.Envelope) error {
		r.forward(env)
		return nil
	})
	if err != nil && ctx.Err() == nil {
		return fmt.Errorf("relay: stream %q: %w", channel, err)
	}
	return nil
}

func (r *Relay) forward(env codec.Envelope) {
	topic := r.Topic(env)
	fields := logging.LogFields{"topic": topic, "channel": env.Meta.Channel}

	msg, err := r.Message(env)
	if err != nil {
		r.log.Error("Cannot encode relayed message", err, fields)
		r.dropped(DropEncode)
		return
	}
	if !r.opts.Capabilities.Accepts(len(msg.Payload)) {
		fields["size"] = len(msg.Payload)
		fields["max_size"] = r.opts.Capabilities.MaxMessageSize
		r.log.Error("Relayed message exceeds sink limit", nil, fields)
		r.dropped(DropOversize)
		return
	}
	if err := r.opts.Sink.Publish(topic, msg); err != nil {
		r.log.Error("Relay publish failed", err, fields)
		r.dropped(DropPublish)
		return
	}
	r.log.Debug("Relayed message", fields)
	if r.opts.OnRelayed != nil {
		r.opts.OnRelayed(topic)
	}
}

func (r *Relay) dropped(reason string) {
	if r.opts.OnDropped != nil {
		r.opts.OnDropped(reason)
	}
}

// Topic is the configured topic, else the envelope channel, else DefaultTopic.
func (r *Relay) Topic(env codec.Envelope) string {
	switch {
	case r.opts.Topic != "":
		return r.opts.Topic
	case env.Meta.Channel != "":
		return env.Meta.Channel
	default:
		return DefaultTopic
	}
}

// Message converts an envelope to a Watermill message. The payload is the
// JSON body, or a CloudEvent wrapping it; routing data travels as metadata
// in both formats.
func (r *Relay) Message(env codec.Envelope) (*message.Message, error) {
	md, err := metadata.FromEnvelope(env)
	if err != nil {
		return nil, err
	}
	md = md.With(metadata.KeyRelay, r.opts.Name)

	var payload []byte
	id := ids.CreateULID()
	if r.opts.Format == FormatCloudEvents {
		evt, err := cloudevents.FromEnvelope(env, "zmqflow/"+r.opts.Name)
		if err != nil {
			return nil, err
		}
		id = evt.ID
		payload, err = evt.MarshalJSON()
		if err != nil {
			return nil, err
		}
		md = md.With(ContentTypeKey, cloudevents.ContentType)
	} else {
		payload, err = jsoncodec.Marshal(env.Body)
		if err != nil {
			return nil, err
		}
		md = md.With(ContentTypeKey, "application/json")
	}

	return metadata.NewMessage(id, payload, md), nil
}
