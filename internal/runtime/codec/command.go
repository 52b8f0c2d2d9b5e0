package codec

import (
	"fmt"
	"strings"

	errspkg "github.com/drblury/zmqflow/internal/runtime/errors"
)

// Command is the one-byte message type carried in the second frame.
type Command byte

const (
	Heartbeat Command = 0x01
	Ping      Command = 0x02
	Pong      Command = 0x03
	Request   Command = 0x04
	Response  Command = 0x05
	Pub       Command = 0x06
	Push      Command = 0x07
)

var commandNames = map[Command]string{
	Heartbeat: "HEARTBEAT",
	Ping:      "PING",
	Pong:      "PONG",
	Request:   "REQUEST",
	Response:  "RESPONSE",
	Pub:       "PUB",
	Push:      "PUSH",
}

func (c Command) String() string {
	if name, ok := commandNames[c]; ok {
		return name
	}
	return fmt.Sprintf("Command(0x%02x)", byte(c))
}

// Valid reports whether c is one of the known command tags.
func (c Command) Valid() bool {
	_, ok := commandNames[c]
	return ok
}

// IsControl reports whether messages of this command carry only a meta frame.
func (c Command) IsControl() bool {
	return c == Heartbeat || c == Ping || c == Pong
}

// ParseCommand resolves a command name such as "request" or "PUB".
func ParseCommand(name string) (Command, error) {
	upper := strings.ToUpper(strings.TrimSpace(name))
	for cmd, n := range commandNames {
		if n == upper {
			return cmd, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", errspkg.ErrUnknownCommand, name)
}

func commandFromFrame(frame []byte) (Command, error) {
	if len(frame) != 1 {
		return 0, fmt.Errorf("%w: tag frame has %d bytes", errspkg.ErrUnknownCommand, len(frame))
	}
	cmd := Command(frame[0])
	if !cmd.Valid() {
		return 0, fmt.Errorf("%w: 0x%02x", errspkg.ErrUnknownCommand, frame[0])
	}
	return cmd, nil
}
