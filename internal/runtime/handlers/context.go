package handlers

import (
	"fmt"

	loggingpkg "github.com/drblury/zmqflow/internal/runtime/logging"
)

// Keys a client may set in the caller context of a request.
const (
	ContextKeyRequestID = "request_id"
	ContextKeyUser      = "user"
	ContextKeyTraceID   = "trace_id"
)

// RequestContextBase provides common functionality for typed request contexts.
// It holds the caller context and the logger shared by JSON and Proto handlers.
type RequestContextBase struct {
	Query     string
	Operation string
	Caller    map[string]any
	Logger    loggingpkg.ServiceLogger
}

// CloneCaller returns a copy of the caller context so handlers can pass it on
// without touching the original map.
func (b RequestContextBase) CloneCaller() map[string]any {
	out := make(map[string]any, len(b.Caller))
	for k, v := range b.Caller {
		out[k] = v
	}
	return out
}

// Get returns a caller context value as a string, or "" when missing.
func (b RequestContextBase) Get(key string) string {
	v, ok := b.Caller[key]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}

func (b RequestContextBase) RequestID() string {
	return b.Get(ContextKeyRequestID)
}

func (b RequestContextBase) User() string {
	return b.Get(ContextKeyUser)
}
