// Package metadata maps zmq envelope routing data onto broker message headers.
package metadata

import (
	"fmt"

	"github.com/drblury/zmqflow/internal/runtime/codec"
	"github.com/drblury/zmqflow/internal/runtime/jsoncodec"
)

// Header keys set on every relayed message.
const (
	KeyChannel  = "channel"
	KeyNode     = "node"
	KeyCommand  = "command"
	KeyHead     = "head"
	KeyChecksum = "checksum"
	KeyRelay    = "relay"
)

// Metadata represents the headers carried alongside a relayed message.
type Metadata map[string]string

func (m Metadata) cloneWithExtra(extra int) Metadata {
	size := len(m) + extra
	if size <= 0 {
		return Metadata{}
	}

	cloned := make(Metadata, size)
	for k, v := range m {
		cloned[k] = v
	}
	return cloned
}

// Clone returns a shallow copy of the metadata map.
func (m Metadata) Clone() Metadata {
	return m.cloneWithExtra(0)
}

// With returns a cloned metadata map containing the provided key/value pair.
func (m Metadata) With(key, value string) Metadata {
	cloned := m.cloneWithExtra(1)
	cloned[key] = value
	return cloned
}

// FromEnvelope builds headers from an envelope's meta and head. The head is
// JSON encoded; an empty head is omitted.
func FromEnvelope(env codec.Envelope) (Metadata, error) {
	md := Metadata{
		KeyChannel: env.Meta.Channel,
		KeyNode:    env.Meta.Node,
		KeyCommand: env.Meta.Command,
	}
	if env.Meta.Checksum != 0 {
		md[KeyChecksum] = fmt.Sprintf("%08x", env.Meta.Checksum)
	}
	if len(env.Head) > 0 {
		head, err := jsoncodec.Marshal(env.Head)
		if err != nil {
			return nil, fmt.Errorf("metadata: encode head: %w", err)
		}
		md[KeyHead] = string(head)
	}
	return md, nil
}

// Head decodes the JSON head header. A missing header yields an empty map.
func (m Metadata) Head() (map[string]any, error) {
	raw := m[KeyHead]
	if raw == "" {
		return map[string]any{}, nil
	}
	head := map[string]any{}
	if err := jsoncodec.Unmarshal([]byte(raw), &head); err != nil {
		return nil, fmt.Errorf("metadata: decode head: %w", err)
	}
	return head, nil
}
