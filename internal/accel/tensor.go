package accel

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// ErrUnknownDType reports a tensor element type outside the declared
// set. It is a client input error: a model declaring one is rejected,
// never compiled.
var ErrUnknownDType = errors.New("unknown tensor element type")

// DType is a tensor element type. The set mirrors what the runtime can
// declare for model inputs; anything else is rejected at the boundary.
type DType string

const (
	Float32 DType = "float32"
	Float64 DType = "float64"
	Int8    DType = "int8"
	Uint8   DType = "uint8"
	Int16   DType = "int16"
	Int32   DType = "int32"
	Int64   DType = "int64"
	Bool    DType = "bool"
)

var dtypeSizes = map[DType]int{
	Float32: 4,
	Float64: 8,
	Int8:    1,
	Uint8:   1,
	Int16:   2,
	Int32:   4,
	Int64:   8,
	Bool:    1,
}

// ParseDType validates a dtype name. The runtime reports "float" for
// float32; accept both spellings.
func ParseDType(s string) (DType, error) {
	if s == "float" {
		return Float32, nil
	}
	dt := DType(s)
	if _, ok := dtypeSizes[dt]; !ok {
		return "", fmt.Errorf("%w %q", ErrUnknownDType, s)
	}
	return dt, nil
}

// Size returns the element size in bytes.
func (d DType) Size() int { return dtypeSizes[d] }

// TensorInfo describes one declared model input.
type TensorInfo struct {
	Name  string  `json:"name"`
	Shape []int64 `json:"shape"`
	DType DType   `json:"dtype"`
}

// NumElements returns the element count of the declared shape.
func (ti TensorInfo) NumElements() int64 {
	n := int64(1)
	for _, d := range ti.Shape {
		n *= d
	}
	return n
}

// Tensor is a dense tensor with a raw little-endian payload. JSON
// encoding base64s the payload, which is the on-disk calibration sample
// representation.
type Tensor struct {
	DType DType   `json:"dtype"`
	Shape []int64 `json:"shape"`
	Data  []byte  `json:"data"`
}

// Info returns the tensor's shape/dtype description under the given name.
func (t Tensor) Info(name string) TensorInfo {
	return TensorInfo{Name: name, Shape: t.Shape, DType: t.DType}
}

// Full builds a tensor of the declared shape/dtype with every element
// set to value. Values are truncated to the target integer types the
// same way a numeric cast would.
func Full(info TensorInfo, value float64) (Tensor, error) {
	size := info.DType.Size()
	if size == 0 {
		return Tensor{}, fmt.Errorf("%w %q", ErrUnknownDType, info.DType)
	}

	n := info.NumElements()
	data := make([]byte, n*int64(size))
	elem := make([]byte, size)

	switch info.DType {
	case Float32:
		binary.LittleEndian.PutUint32(elem, math.Float32bits(float32(value)))
	case Float64:
		binary.LittleEndian.PutUint64(elem, math.Float64bits(value))
	case Int8:
		elem[0] = byte(int8(value))
	case Uint8:
		elem[0] = uint8(value)
	case Int16:
		binary.LittleEndian.PutUint16(elem, uint16(int16(value)))
	case Int32:
		binary.LittleEndian.PutUint32(elem, uint32(int32(value)))
	case Int64:
		binary.LittleEndian.PutUint64(elem, uint64(int64(value)))
	case Bool:
		if value != 0 {
			elem[0] = 1
		}
	}

	for i := int64(0); i < n; i++ {
		copy(data[i*int64(size):], elem)
	}
	return Tensor{DType: info.DType, Shape: append([]int64(nil), info.Shape...), Data: data}, nil
}

// Ones builds an all-ones tensor of the declared shape/dtype. This is
// the fixed dummy feed used for benchmarking.
func Ones(info TensorInfo) (Tensor, error) {
	return Full(info, 1)
}
