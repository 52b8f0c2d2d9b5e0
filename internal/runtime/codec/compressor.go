package codec

import (
	"bytes"
	"fmt"
	"io"
	"strings"

	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Compressor compresses serialized bodies before they are checksummed.
type Compressor interface {
	Name() string
	Compress(src []byte) ([]byte, error)
	Decompress(src []byte) ([]byte, error)
}

const (
	CompressionZlib = "zlib"
	CompressionZstd = "zstd"
	CompressionLZ4  = "lz4"
	CompressionNone = "none"
)

// Zlib is the default and matches the framing of zlib.compress peers.
type Zlib struct{}

func (Zlib) Name() string { return CompressionZlib }

func (Zlib) Compress(src []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := zlib.NewWriter(&buf)
	if _, err := w.Write(src); err != nil {
		_ = w.Close()
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (Zlib) Decompress(src []byte) ([]byte, error) {
	r, err := zlib.NewReader(bytes.NewReader(src))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}

var (
	zstdEncoder, _ = zstd.NewWriter(nil)
	zstdDecoder, _ = zstd.NewReader(nil)
)

// Zstd uses shared stateless encoder and decoder instances.
type Zstd struct{}

func (Zstd) Name() string { return CompressionZstd }

func (Zstd) Compress(src []byte) ([]byte, error) {
	return zstdEncoder.EncodeAll(src, nil), nil
}

func (Zstd) Decompress(src []byte) ([]byte, error) {
	return zstdDecoder.DecodeAll(src, nil)
}

// LZ4 writes the LZ4 frame format.
type LZ4 struct{}

func (LZ4) Name() string { return CompressionLZ4 }

func (LZ4) Compress(src []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := lz4.NewWriter(&buf)
	if _, err := w.Write(src); err != nil {
		_ = w.Close()
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (LZ4) Decompress(src []byte) ([]byte, error) {
	return io.ReadAll(lz4.NewReader(bytes.NewReader(src)))
}

// None leaves bodies untouched.
type None struct{}

func (None) Name() string { return CompressionNone }

func (None) Compress(src []byte) ([]byte, error) { return src, nil }

func (None) Decompress(src []byte) ([]byte, error) { return src, nil }

// CompressorByName resolves zlib, zstd, lz4 or none. The empty name is zlib.
func CompressorByName(name string) (Compressor, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", CompressionZlib:
		return Zlib{}, nil
	case CompressionZstd:
		return Zstd{}, nil
	case CompressionLZ4:
		return LZ4{}, nil
	case CompressionNone:
		return None{}, nil
	default:
		return nil, fmt.Errorf("codec: unknown compression %q", name)
	}
}
