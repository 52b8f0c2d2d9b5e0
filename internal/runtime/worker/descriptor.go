package worker

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/drblury/zmqflow/internal/runtime/auth"
	"github.com/drblury/zmqflow/internal/runtime/codec"
	errspkg "github.com/drblury/zmqflow/internal/runtime/errors"
	"github.com/drblury/zmqflow/internal/runtime/jsoncodec"
	"github.com/drblury/zmqflow/internal/runtime/logging"
	"github.com/drblury/zmqflow/internal/runtime/node"
	"github.com/drblury/zmqflow/internal/runtime/topology"
)

// EnvDescriptor carries the JSON descriptor into a child worker process.
const EnvDescriptor = "ZMQFLOW_WORKER_DESCRIPTOR"

// Role decides where a worker runs.
type Role string

const (
	RoleThread  Role = "thread"
	RoleProcess Role = "process"
)

// ParseRole accepts "thread" and "process". Empty means thread.
func ParseRole(s string) (Role, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "thread", "goroutine":
		return RoleThread, nil
	case "process":
		return RoleProcess, nil
	default:
		return "", fmt.Errorf("worker: unknown role %q", s)
	}
}

// Descriptor describes one worker. It is built before start and never
// changed afterwards; the process role ships it to the child as JSON.
type Descriptor struct {
	Name         string           `json:"name"`
	Mode         topology.Mode    `json:"mode"`
	BackendAddr  string           `json:"backend"`
	FrontendAddr string           `json:"frontend"`
	Attach       bool             `json:"attach"`
	Role         Role             `json:"role"`
	Device       bool             `json:"device,omitempty"`
	Credentials  auth.Credentials `json:"credentials"`
	Timeout      time.Duration    `json:"timeout"`
	Serializer   string           `json:"serializer,omitempty"`
	Compression  string           `json:"compression,omitempty"`
}

// Normalize returns d with its mode in canonical lower case and the thread
// role filled in when none is set.
func (d Descriptor) Normalize() Descriptor {
	if m, err := topology.ParseMode(d.Mode.String()); err == nil {
		d.Mode = m
	}
	if d.Role == "" {
		d.Role = RoleThread
	}
	return d
}

// Validate checks the fields a worker cannot start without.
func (d Descriptor) Validate() error {
	if !d.Mode.Valid() {
		return fmt.Errorf("%w: mode %q", errspkg.ErrInvalidDescriptor, d.Mode)
	}
	if d.BackendAddr == "" {
		return fmt.Errorf("%w: backend address is empty", errspkg.ErrInvalidDescriptor)
	}
	if d.Device && d.FrontendAddr == "" {
		return fmt.Errorf("%w: device needs a frontend address", errspkg.ErrInvalidDescriptor)
	}
	if d.Role != RoleThread && d.Role != RoleProcess {
		return fmt.Errorf("%w: role %q", errspkg.ErrInvalidDescriptor, d.Role)
	}
	if d.Timeout < 0 {
		return fmt.Errorf("%w: negative timeout", errspkg.ErrInvalidDescriptor)
	}
	return nil
}

// Codec builds the wire codec named by the descriptor.
func (d Descriptor) Codec() (*codec.Codec, error) {
	return codec.ByName(d.Serializer, d.Compression)
}

// NodeOptions translates the descriptor into socket options.
func (d Descriptor) NodeOptions(log logging.ServiceLogger) (node.Options, error) {
	c, err := d.Codec()
	if err != nil {
		return node.Options{}, err
	}
	return node.Options{
		Name:         d.Name,
		Mode:         d.Mode,
		BackendAddr:  d.BackendAddr,
		FrontendAddr: d.FrontendAddr,
		Attach:       d.Attach,
		Credentials:  d.Credentials,
		Timeout:      d.Timeout,
		Codec:        c,
		Logger:       log,
	}, nil
}

// Encode returns the JSON form handed to child processes.
func (d Descriptor) Encode() (string, error) {
	data, err := jsoncodec.Marshal(d)
	if err != nil {
		return "", fmt.Errorf("worker: encode descriptor: %w", err)
	}
	return string(data), nil
}

// DecodeDescriptor parses the JSON produced by Encode.
func DecodeDescriptor(raw string) (Descriptor, error) {
	var d Descriptor
	if err := jsoncodec.Unmarshal([]byte(raw), &d); err != nil {
		return Descriptor{}, fmt.Errorf("%w: %v", errspkg.ErrInvalidDescriptor, err)
	}
	if err := d.Validate(); err != nil {
		return Descriptor{}, err
	}
	return d, nil
}

// DescriptorFromEnv reports whether this process was started as a worker
// child, and if so returns its descriptor.
func DescriptorFromEnv() (Descriptor, bool, error) {
	raw, ok := os.LookupEnv(EnvDescriptor)
	if !ok || strings.TrimSpace(raw) == "" {
		return Descriptor{}, false, nil
	}
	d, err := DecodeDescriptor(raw)
	return d, true, err
}
