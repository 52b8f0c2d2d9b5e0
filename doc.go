// Package zmqflow runs request/reply, publish/subscribe and push/pull
// messaging over ZeroMQ. A pool of workers binds (or attaches behind a proxy
// device) on the backend address, and clients reach it through a frontend.
//
// An Application carries what the workers share: the executor answering
// queries in queue mode, the publisher and pusher tasks run in forwarder and
// streamer mode, lifecycle hooks and shared values. NewServer validates a
// Config against it and Server.Run serves until the context ends. Main wraps
// all of that in the run, keygen, channels and tasks commands, so an
// application binary is usually a handful of registrations and a call to
// Main.
//
// # Topologies
//
//   - queue: REQ frontends, REP workers, a ROUTER/DEALER device in between
//   - forwarder: SUB frontends, PUB workers, a SUB/PUB device
//   - streamer: PULL frontends, PUSH workers, a PULL/PUSH device
//
// # Wire format
//
// Every message carries the channel, a command byte, a JSON meta frame with
// the CRC-32 of the compressed body, then the head and body frames encoded
// by the configured serializer (json, cbor or proto) and compressor (zlib,
// zstd, lz4 or none).
//
// # Middleware
//
// The default executor chain assigns request ids, logs queries, opens an
// OpenTelemetry span, records Prometheus metrics and recovers panics. Custom
// middleware can be added via ServerDependencies.Middlewares or
// Application.Use.
//
// # Relay
//
// Forwarder and streamer traffic can be relayed into a Watermill publisher:
// Kafka, RabbitMQ, NATS (core or JetStream), HTTP, AWS SNS or SQS, or Go
// channels. Payloads are the JSON body or a structured CloudEvent.
//
// # Job Hooks
//
// JobHooks provide OnJobStart, OnJobDone and OnJobError callbacks around
// every request and task run for custom logging, metrics and alerting.
package zmqflow
