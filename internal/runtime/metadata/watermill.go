package metadata

import (
	"fmt"
	"strconv"

	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/zmqflow/internal/runtime/codec"
)

// NewMessage builds a Watermill message carrying md as its headers.
func NewMessage(id string, payload []byte, md Metadata) *message.Message {
	msg := message.NewMessage(id, payload)
	for k, v := range md {
		msg.Metadata.Set(k, v)
	}
	return msg
}

// FromMessage reads the relay headers back from a Watermill message.
func FromMessage(msg *message.Message) Metadata {
	if msg == nil || len(msg.Metadata) == 0 {
		return Metadata{}
	}
	md := make(Metadata, len(msg.Metadata))
	for k, v := range msg.Metadata {
		md[k] = v
	}
	return md
}

// Meta rebuilds the envelope meta from the routing headers.
func (m Metadata) Meta() (codec.Meta, error) {
	meta := codec.Meta{
		Command: m[KeyCommand],
		Channel: m[KeyChannel],
		Node:    m[KeyNode],
	}
	if raw := m[KeyChecksum]; raw != "" {
		sum, err := strconv.ParseUint(raw, 16, 32)
		if err != nil {
			return codec.Meta{}, fmt.Errorf("metadata: decode checksum: %w", err)
		}
		meta.Checksum = uint32(sum)
	}
	return meta, nil
}
