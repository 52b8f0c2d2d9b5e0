// Package jsoncodec is the JSON engine shared by the wire codec, the debug
// HTTP server and the relay. It is backed by sonic in std-compatible mode so
// map keys are sorted and HTML is escaped like encoding/json. Integers decoded
// into interface values stay int64 so they survive the wire unchanged.
package jsoncodec

import (
	"io"

	"github.com/bytedance/sonic"
)

var defaultConfig = sonic.Config{
	EscapeHTML:       true,
	SortMapKeys:      true,
	CompactMarshaler: true,
	CopyString:       true,
	ValidateString:   true,
	UseInt64:         true,
}.Froze()

func Marshal(v any) ([]byte, error) {
	return defaultConfig.Marshal(v)
}

func MarshalIndent(v any, prefix, indent string) ([]byte, error) {
	return defaultConfig.MarshalIndent(v, prefix, indent)
}

func Unmarshal(data []byte, v any) error {
	return defaultConfig.Unmarshal(data, v)
}

// UnmarshalAny decodes data into generic values: objects become
// map[string]any, arrays []any, integers int64 and other numbers float64.
// Empty input yields nil.
func UnmarshalAny(data []byte) (any, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var out any
	if err := defaultConfig.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Normalize round-trips v through JSON so structs and typed maps become the
// generic shapes produced by UnmarshalAny.
func Normalize(v any) (any, error) {
	data, err := Marshal(v)
	if err != nil {
		return nil, err
	}
	return UnmarshalAny(data)
}

func Encode(w io.Writer, v any) error {
	enc := defaultConfig.NewEncoder(w)
	return enc.Encode(v)
}

func Decode(r io.Reader, v any) error {
	dec := defaultConfig.NewDecoder(r)
	return dec.Decode(v)
}
