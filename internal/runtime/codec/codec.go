// Package codec implements the multipart wire format:
//
//	frame 0  channel (lower-cased utf-8, may be empty)
//	frame 1  command tag, one byte
//	frame 2  meta, JSON {command, channel, node, checksum}
//	frame 3  head, serialized
//	frame 4  body, serialized then compressed
//
// The checksum is the CRC-32 (IEEE) of frame 4 exactly as sent. HEARTBEAT,
// PING and PONG stop after frame 2.
package codec

import (
	"errors"
	"fmt"
	"hash/crc32"
	"strings"

	errspkg "github.com/drblury/zmqflow/internal/runtime/errors"
	"github.com/drblury/zmqflow/internal/runtime/jsoncodec"
)

const (
	controlFrames = 3
	fullFrames    = 5
)

// Codec pairs a serializer with a compressor.
type Codec struct {
	serializer Serializer
	compressor Compressor
}

// Option configures a Codec.
type Option func(*Codec)

func WithSerializer(s Serializer) Option {
	return func(c *Codec) {
		if s != nil {
			c.serializer = s
		}
	}
}

func WithCompressor(comp Compressor) Option {
	return func(c *Codec) {
		if comp != nil {
			c.compressor = comp
		}
	}
}

// New returns a JSON + zlib codec adjusted by opts.
func New(opts ...Option) *Codec {
	c := &Codec{serializer: JSON{}, compressor: Zlib{}}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ByName builds a codec from configuration names.
func ByName(serializer, compression string) (*Codec, error) {
	s, err := SerializerByName(serializer)
	if err != nil {
		return nil, err
	}
	comp, err := CompressorByName(compression)
	if err != nil {
		return nil, err
	}
	return New(WithSerializer(s), WithCompressor(comp)), nil
}

var defaultCodec = New()

// Default returns the shared JSON + zlib codec.
func Default() *Codec {
	return defaultCodec
}

func (c *Codec) Serializer() Serializer { return c.serializer }

func (c *Codec) Compressor() Compressor { return c.compressor }

// Checksum is the value written into Meta.Checksum for a compressed body.
func Checksum(compressed []byte) uint32 {
	return crc32.ChecksumIEEE(compressed)
}

// Encode builds the five-frame message. Nil head and body are sent as empty
// objects. Control commands are delegated to EncodeControl.
func (c *Codec) Encode(cmd Command, channel, node string, head map[string]any, body any) ([][]byte, error) {
	if !cmd.Valid() {
		return nil, fmt.Errorf("%w: 0x%02x", errspkg.ErrUnknownCommand, byte(cmd))
	}
	if cmd.IsControl() {
		return c.EncodeControl(cmd, channel, node)
	}
	if head == nil {
		head = map[string]any{}
	}
	if body == nil {
		body = map[string]any{}
	}

	rawBody, err := c.serializer.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("codec: serialize body: %w", err)
	}
	compressed, err := c.compressor.Compress(rawBody)
	if err != nil {
		return nil, fmt.Errorf("codec: compress body: %w", err)
	}
	rawHead, err := c.serializer.Marshal(head)
	if err != nil {
		return nil, fmt.Errorf("codec: serialize head: %w", err)
	}

	meta := newMeta(cmd, channel, node)
	meta.Checksum = Checksum(compressed)
	rawMeta, err := jsoncodec.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("codec: serialize meta: %w", err)
	}
	return [][]byte{[]byte(meta.Channel), {byte(cmd)}, rawMeta, rawHead, compressed}, nil
}

// EncodeControl builds the three-frame message used by HEARTBEAT, PING and PONG.
func (c *Codec) EncodeControl(cmd Command, channel, node string) ([][]byte, error) {
	if !cmd.IsControl() {
		return nil, fmt.Errorf("%w: %s is not a control command", errspkg.ErrUnknownCommand, cmd)
	}
	meta := newMeta(cmd, channel, node)
	rawMeta, err := jsoncodec.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("codec: serialize meta: %w", err)
	}
	return [][]byte{[]byte(meta.Channel), {byte(cmd)}, rawMeta}, nil
}

// Decode parses a received message. A body whose checksum does not match the
// meta frame yields *errors.ChecksumError.
func (c *Codec) Decode(frames [][]byte) (Envelope, error) {
	if len(frames) < controlFrames {
		return Envelope{}, fmt.Errorf("%w: got %d", errspkg.ErrShortMessage, len(frames))
	}
	cmd, err := commandFromFrame(frames[1])
	if err != nil {
		return Envelope{}, err
	}

	var meta Meta
	if err := jsoncodec.Unmarshal(frames[2], &meta); err != nil {
		return Envelope{}, &DecodeError{Part: "meta", Err: err}
	}
	if cmd.IsControl() {
		return Envelope{Meta: meta}, nil
	}
	if len(frames) < fullFrames {
		return Envelope{}, fmt.Errorf("%w: %s needs %d frames, got %d", errspkg.ErrShortMessage, cmd, fullFrames, len(frames))
	}

	if actual := Checksum(frames[4]); actual != meta.Checksum {
		return Envelope{}, &errspkg.ChecksumError{Expected: meta.Checksum, Actual: actual}
	}
	rawBody, err := c.compressor.Decompress(frames[4])
	if err != nil {
		return Envelope{}, &DecodeError{Part: "compressed body", Err: err}
	}
	body, err := c.serializer.Unmarshal(rawBody)
	if err != nil {
		return Envelope{}, &DecodeError{Part: "body", Err: err}
	}
	headValue, err := c.serializer.Unmarshal(frames[3])
	if err != nil {
		return Envelope{}, &DecodeError{Part: "head", Err: err}
	}
	head, _ := headValue.(map[string]any)

	return Envelope{Meta: meta, Head: head, Body: body}, nil
}

// DecodeError reports a frame that could not be parsed.
type DecodeError struct {
	Part string
	Err  error
}

func (e *DecodeError) Error() string {
	return "codec: decode " + e.Part + ": " + e.Err.Error()
}

func (e *DecodeError) Unwrap() error { return e.Err }

// IsMalformed reports whether err concerns a single bad message rather than
// the socket: decode failures, checksum mismatches and bad frame layouts.
func IsMalformed(err error) bool {
	var decErr *DecodeError
	var csErr *errspkg.ChecksumError
	return errors.As(err, &decErr) || errors.As(err, &csErr) ||
		errors.Is(err, errspkg.ErrUnknownCommand) || errors.Is(err, errspkg.ErrShortMessage)
}

// Encode uses the default codec.
func Encode(cmd Command, channel, node string, head map[string]any, body any) ([][]byte, error) {
	return defaultCodec.Encode(cmd, channel, node, head, body)
}

// Decode uses the default codec.
func Decode(frames [][]byte) (Envelope, error) {
	return defaultCodec.Decode(frames)
}

func newMeta(cmd Command, channel, node string) Meta {
	return Meta{
		Command: cmd.String(),
		Channel: strings.ToLower(channel),
		Node:    strings.ToLower(node),
	}
}
