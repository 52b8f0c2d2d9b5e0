package codec

import (
	"fmt"
	"math"
	"reflect"
	"strings"

	"github.com/fxamacker/cbor/v2"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/drblury/zmqflow/internal/runtime/jsoncodec"
)

// Serializer turns head and body values into bytes. Both peers of a socket
// must use the same serializer.
type Serializer interface {
	Name() string
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte) (any, error)
}

const (
	SerializerJSON  = "json"
	SerializerCBOR  = "cbor"
	SerializerProto = "proto"
)

// JSON is the default serializer, compatible with orjson-style peers.
type JSON struct{}

func (JSON) Name() string { return SerializerJSON }

func (JSON) Marshal(v any) ([]byte, error) { return jsoncodec.Marshal(v) }

func (JSON) Unmarshal(data []byte) (any, error) { return jsoncodec.UnmarshalAny(data) }

var cborDecMode = func() cbor.DecMode {
	mode, err := cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
		IntDec:         cbor.IntDecConvertSigned,
	}.DecMode()
	if err != nil {
		panic(err)
	}
	return mode
}()

// CBOR encodes values with RFC 8949 CBOR. Maps decode as map[string]any and
// integers as int64, matching the JSON serializer.
type CBOR struct{}

func (CBOR) Name() string { return SerializerCBOR }

func (CBOR) Marshal(v any) ([]byte, error) { return cbor.Marshal(v) }

func (CBOR) Unmarshal(data []byte) (any, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var out any
	if err := cborDecMode.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Proto encodes values as a google.protobuf.Value. Values are first reduced
// to their JSON shape. google.protobuf.Value only carries doubles, so whole
// numbers decode as int64 and integers beyond 2^53 lose precision.
type Proto struct{}

func (Proto) Name() string { return SerializerProto }

func (Proto) Marshal(v any) ([]byte, error) {
	generic, err := jsoncodec.Normalize(v)
	if err != nil {
		return nil, err
	}
	value, err := structpb.NewValue(generic)
	if err != nil {
		return nil, err
	}
	return proto.Marshal(value)
}

func (Proto) Unmarshal(data []byte) (any, error) {
	if len(data) == 0 {
		return nil, nil
	}
	value := &structpb.Value{}
	if err := proto.Unmarshal(data, value); err != nil {
		return nil, err
	}
	return wholeNumbers(value.AsInterface()), nil
}

// wholeNumbers turns integral float64 values back into int64.
func wholeNumbers(v any) any {
	switch t := v.(type) {
	case float64:
		if t == math.Trunc(t) && math.Abs(t) < 1<<63 {
			return int64(t)
		}
		return t
	case map[string]any:
		for k, item := range t {
			t[k] = wholeNumbers(item)
		}
		return t
	case []any:
		for i, item := range t {
			t[i] = wholeNumbers(item)
		}
		return t
	default:
		return v
	}
}

// SerializerByName resolves json, cbor or proto. The empty name is json.
func SerializerByName(name string) (Serializer, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", SerializerJSON:
		return JSON{}, nil
	case SerializerCBOR:
		return CBOR{}, nil
	case SerializerProto, "protobuf":
		return Proto{}, nil
	default:
		return nil, fmt.Errorf("codec: unknown serializer %q", name)
	}
}
