// Package topology maps a messaging mode onto the socket roles of the device,
// the frontend and the backend. The mapping is a fixed table.
package topology

import (
	"fmt"
	"strings"

	errspkg "github.com/drblury/zmqflow/internal/runtime/errors"
)

// Mode selects the messaging pattern of a node. It never changes after the
// node is built.
type Mode string

const (
	Queue     Mode = "queue"
	Forwarder Mode = "forwarder"
	Streamer  Mode = "streamer"
)

// Modes lists every supported mode.
func Modes() []Mode {
	return []Mode{Queue, Forwarder, Streamer}
}

// ParseMode is case-insensitive and rejects unknown names.
func ParseMode(name string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(name))) {
	case Queue:
		return Queue, nil
	case Forwarder:
		return Forwarder, nil
	case Streamer:
		return Streamer, nil
	default:
		return "", fmt.Errorf("%w: %q", errspkg.ErrUnknownMode, name)
	}
}

func (m Mode) String() string { return string(m) }

// Valid reports whether m is one of the known modes.
func (m Mode) Valid() bool {
	_, err := ParseMode(string(m))
	return err == nil
}

// Replies reports whether a backend in this mode answers each message it
// receives. Only queue does.
func (m Mode) Replies() bool { return m == Queue }

// SocketType names a socket role independently of the socket library.
type SocketType string

const (
	REQ    SocketType = "REQ"
	REP    SocketType = "REP"
	ROUTER SocketType = "ROUTER"
	DEALER SocketType = "DEALER"
	PUB    SocketType = "PUB"
	SUB    SocketType = "SUB"
	PUSH   SocketType = "PUSH"
	PULL   SocketType = "PULL"
)

// Device holds the inbound and outbound halves of a proxy device.
type Device struct {
	In  SocketType
	Out SocketType
	// InBindsFrontend is true when the inbound half binds the frontend
	// address. Otherwise the inbound half binds the backend address.
	InBindsFrontend bool
	// SubscribeAll is set when the inbound half must subscribe to every topic.
	SubscribeAll bool
}

// Pairing is the complete socket layout for a mode.
type Pairing struct {
	Mode     Mode
	Device   Device
	Frontend SocketType
	Backend  SocketType
}

// DeviceEndpoints returns the addresses the inbound and outbound halves bind.
func (p Pairing) DeviceEndpoints(frontendAddr, backendAddr string) (in, out string) {
	if p.Device.InBindsFrontend {
		return frontendAddr, backendAddr
	}
	return backendAddr, frontendAddr
}

var table = map[Mode]Pairing{
	Queue: {
		Mode:     Queue,
		Device:   Device{In: ROUTER, Out: DEALER, InBindsFrontend: true},
		Frontend: REQ,
		Backend:  REP,
	},
	Forwarder: {
		Mode:     Forwarder,
		Device:   Device{In: SUB, Out: PUB, SubscribeAll: true},
		Frontend: SUB,
		Backend:  PUB,
	},
	Streamer: {
		Mode:     Streamer,
		Device:   Device{In: PULL, Out: PUSH},
		Frontend: PULL,
		Backend:  PUSH,
	},
}

// Resolve returns the pairing for mode. Like ParseMode it ignores case and
// surrounding space.
func Resolve(mode Mode) (Pairing, error) {
	m, err := ParseMode(string(mode))
	if err != nil {
		return Pairing{}, err
	}
	return table[m], nil
}

// MustResolve panics on an unknown mode.
func MustResolve(mode Mode) Pairing {
	p, err := Resolve(mode)
	if err != nil {
		panic(err)
	}
	return p
}
