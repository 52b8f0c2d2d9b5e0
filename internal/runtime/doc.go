/*
Package runtime runs a zmqflow pool: a set of ZeroMQ workers sharing one
topology, one executor and one task registry.

# Architecture Overview

An Application collects what every worker shares. A Server takes the
Application and a validated configuration and runs the pool under the
supervisor, or under the reload watcher in debug mode. The same binary is
re-executed for process-role workers; Run detects that case and serves the
single worker described by the environment.

# Package Structure

## Server (server.go)

The Server struct wires together:
  - The worker descriptors built from the configuration
  - The executor middleware chain
  - The supervisor or reload watcher
  - HTTP servers for metrics and the debug endpoints
  - The optional relay to an external sink

## Application (app.go)

Registration of the executor, publisher and pusher tasks, lifecycle hooks
and shared values.

## Middleware (middleware.go)

Executor middlewares run around every query answered in queue mode:
  - RequestID: Assigns or propagates a request id
  - LogRequests: Debug logging of queries and outcomes
  - Tracer: OpenTelemetry spans
  - Metrics: Prometheus counters and durations
  - Recoverer: Panic recovery

## Metrics (metrics.go, resources.go)

Prometheus collectors under the zmqflow namespace and a sampled view of the
process resources served by the debug endpoints.

## Debug Server (debugserver.go)

In debug mode /graphql forwards a query through a frontend exactly as a
client would, and /api/workers lists the pool.

# Subpackages

  - codec: the multipart wire format, serializers and compression
  - topology: queue, forwarder and streamer socket pairs
  - node: frontend and backend endpoints over ZeroMQ
  - worker, supervisor, watcher: the pool lifecycle
  - scheduler: publisher and pusher tasks
  - executor, handlers: the query boundary and typed adapters
  - relay, cloudevents: forwarding pool traffic to Watermill sinks
  - config, logging, errors, hooks, ids, jsoncodec, metadata, auth
*/
package runtime
