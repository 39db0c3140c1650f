package store

import (
	"errors"
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"
)

// Every chunk is one protobuf message holding a single packed repeated
// field, so readers in any language with a protobuf runtime can decode it
// as `message Chunk { repeated <type> values = 1 [packed = true]; }`.
const valuesField protowire.Number = 1

var errChunkField = errors.New("store: chunk does not start with the packed values field")

func appendPacked(b []byte, packed []byte) []byte {
	b = protowire.AppendTag(b, valuesField, protowire.BytesType)
	return protowire.AppendBytes(b, packed)
}

func consumePacked(b []byte) ([]byte, error) {
	if len(b) == 0 {
		return nil, nil
	}
	num, typ, n := protowire.ConsumeTag(b)
	if n < 0 {
		return nil, protowire.ParseError(n)
	}
	if num != valuesField || typ != protowire.BytesType {
		return nil, errChunkField
	}
	packed, m := protowire.ConsumeBytes(b[n:])
	if m < 0 {
		return nil, protowire.ParseError(m)
	}
	return packed, nil
}

func encodeFloat64s(v []float64) []byte {
	packed := make([]byte, 0, len(v)*8)
	for _, x := range v {
		packed = protowire.AppendFixed64(packed, math.Float64bits(x))
	}
	return appendPacked(nil, packed)
}

func decodeFloat64s(b []byte) ([]float64, error) {
	packed, err := consumePacked(b)
	if err != nil {
		return nil, err
	}
	out := make([]float64, 0, len(packed)/8)
	for len(packed) > 0 {
		v, n := protowire.ConsumeFixed64(packed)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		out = append(out, math.Float64frombits(v))
		packed = packed[n:]
	}
	return out, nil
}

func encodeFloat32s(v []float32) []byte {
	packed := make([]byte, 0, len(v)*4)
	for _, x := range v {
		packed = protowire.AppendFixed32(packed, math.Float32bits(x))
	}
	return appendPacked(nil, packed)
}

func decodeFloat32s(b []byte) ([]float32, error) {
	packed, err := consumePacked(b)
	if err != nil {
		return nil, err
	}
	out := make([]float32, 0, len(packed)/4)
	for len(packed) > 0 {
		v, n := protowire.ConsumeFixed32(packed)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		out = append(out, math.Float32frombits(v))
		packed = packed[n:]
	}
	return out, nil
}

func encodeUint32s(v []uint32) []byte {
	packed := make([]byte, 0, len(v))
	for _, x := range v {
		packed = protowire.AppendVarint(packed, uint64(x))
	}
	return appendPacked(nil, packed)
}

func decodeUint32s(b []byte) ([]uint32, error) {
	packed, err := consumePacked(b)
	if err != nil {
		return nil, err
	}
	var out []uint32
	for len(packed) > 0 {
		v, n := protowire.ConsumeVarint(packed)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		if v > math.MaxUint32 {
			return nil, fmt.Errorf("store: value %d overflows uint32", v)
		}
		out = append(out, uint32(v))
		packed = packed[n:]
	}
	return out, nil
}

func encodeInt32s(v []int32) []byte {
	packed := make([]byte, 0, len(v))
	for _, x := range v {
		packed = protowire.AppendVarint(packed, protowire.EncodeZigZag(int64(x)))
	}
	return appendPacked(nil, packed)
}

func decodeInt32s(b []byte) ([]int32, error) {
	packed, err := consumePacked(b)
	if err != nil {
		return nil, err
	}
	var out []int32
	for len(packed) > 0 {
		v, n := protowire.ConsumeVarint(packed)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		out = append(out, int32(protowire.DecodeZigZag(v)))
		packed = packed[n:]
	}
	return out, nil
}
