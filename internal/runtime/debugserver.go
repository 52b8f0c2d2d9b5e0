package runtime

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	errspkg "github.com/drblury/zmqflow/internal/runtime/errors"
	"github.com/drblury/zmqflow/internal/runtime/executor"
	"github.com/drblury/zmqflow/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/zmqflow/internal/runtime/logging"
	"github.com/drblury/zmqflow/internal/runtime/node"
	"github.com/drblury/zmqflow/internal/runtime/supervisor"
)

// ContextHeader carries the caller context of a debug query as a JSON object.
const ContextHeader = "X-Context"

// maxQueryBytes bounds the body of a debug query.
const maxQueryBytes = 1 << 20

// Requester sends one query through the frontend.
type Requester interface {
	Execute(ctx context.Context, req executor.Request) (executor.Result, error)
}

// DebugServer exposes the pool over HTTP during development: queries are
// forwarded through a frontend exactly as a client would send them.
type DebugServer struct {
	server   *Server
	frontend Requester
	log      loggingpkg.ServiceLogger
}

type graphQLRequest struct {
	Query         string         `json:"query"`
	OperationName string         `json:"operationName"`
	Operation     string         `json:"operation"`
	Variables     map[string]any `json:"variables"`
}

type workersResponse struct {
	Node      string            `json:"node"`
	Mode      string            `json:"mode"`
	Workers   []supervisor.Info `json:"workers"`
	Running   int               `json:"running"`
	Resources ResourceUsage     `json:"resources"`
}

// NewDebugServer connects the debug endpoints to the server's frontend.
func NewDebugServer(s *Server) (*DebugServer, error) {
	opts, err := s.frontendOptions(s.Conf.Node + "-debug")
	if err != nil {
		return nil, err
	}
	frontend, err := node.NewFrontend(opts)
	if err != nil {
		return nil, err
	}
	return newDebugServer(s, frontend), nil
}

func newDebugServer(s *Server, frontend Requester) *DebugServer {
	return &DebugServer{
		server:   s,
		frontend: frontend,
		log:      s.Logger.With(loggingpkg.LogFields{"component": "debug_server"}),
	}
}

// Addr is the listen address built from the debug host and port.
func (d *DebugServer) Addr() string {
	return fmt.Sprintf("%s:%d", d.server.Conf.DebugHost, d.server.Conf.DebugPort)
}

// Register mounts the endpoints on the server's HTTP registry.
func (d *DebugServer) Register() {
	addr := d.Addr()
	d.server.RegisterHTTPHandler(addr, "/graphql", http.HandlerFunc(d.handleGraphQL))
	d.server.RegisterHTTPHandler(addr, "/api/workers", http.HandlerFunc(d.handleWorkers))
	if m := d.server.metrics; m != nil {
		d.server.RegisterHTTPHandler(addr, "/metrics", m.Handler())
	}
}

func (d *DebugServer) handleGraphQL(w http.ResponseWriter, r *http.Request) {
	setCORSHeaders(w, "POST, OPTIONS")
	switch r.Method {
	case http.MethodOptions:
		w.WriteHeader(http.StatusNoContent)
		return
	case http.MethodPost:
	default:
		w.Header().Set("Allow", "POST, OPTIONS")
		d.writeFailure(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}

	req, err := decodeQuery(r)
	if err != nil {
		d.writeFailure(w, http.StatusBadRequest, err)
		return
	}

	res, err := d.frontend.Execute(r.Context(), req)
	if err != nil {
		d.log.Error("Debug query failed", err, loggingpkg.LogFields{"operation": req.Operation})
		d.writeFailure(w, statusFor(err), err)
		return
	}
	d.writeJSON(w, http.StatusOK, res.Body())
}

func decodeQuery(r *http.Request) (executor.Request, error) {
	var body graphQLRequest
	if err := jsoncodec.Decode(io.LimitReader(r.Body, maxQueryBytes), &body); err != nil {
		return executor.Request{}, fmt.Errorf("invalid query body: %w", err)
	}
	req := executor.Request{
		Query:     body.Query,
		Variables: body.Variables,
		Operation: body.OperationName,
	}
	if req.Operation == "" {
		req.Operation = body.Operation
	}

	if raw := strings.TrimSpace(r.Header.Get(ContextHeader)); raw != "" {
		var callerCtx map[string]any
		if err := jsoncodec.Unmarshal([]byte(raw), &callerCtx); err != nil {
			return executor.Request{}, fmt.Errorf("invalid %s header: %w", ContextHeader, err)
		}
		req.Context = callerCtx
	}
	return req, nil
}

func statusFor(err error) int {
	switch {
	case errspkg.IsTimeout(err), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, errspkg.ErrWrongMode):
		return http.StatusConflict
	default:
		return http.StatusBadGateway
	}
}

func (d *DebugServer) handleWorkers(w http.ResponseWriter, r *http.Request) {
	setCORSHeaders(w, "GET, OPTIONS")
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", "GET, OPTIONS")
		d.writeFailure(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}

	workers := d.server.Workers()
	if workers == nil {
		workers = []supervisor.Info{}
	}
	d.writeJSON(w, http.StatusOK, workersResponse{
		Node:      d.server.Conf.Node,
		Mode:      d.server.Conf.Mode,
		Workers:   workers,
		Running:   d.server.runningWorkers(),
		Resources: d.server.resourceTracker.Snapshot(),
	})
}

func setCORSHeaders(w http.ResponseWriter, methods string) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", methods)
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, "+ContextHeader)
}

func (d *DebugServer) writeFailure(w http.ResponseWriter, status int, err error) {
	d.writeJSON(w, status, executor.Failure(err).Body())
}

func (d *DebugServer) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := jsoncodec.Encode(w, v); err != nil {
		d.log.Error("Failed to encode response", err, nil)
	}
}
