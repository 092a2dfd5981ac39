// Copyright 2026 The MeshTrain Authors. SPDX-License-Identifier: Apache-2.0

// Package tensors implements the small dense CPU tensor used throughout
// meshtrain: a shape plus a flat float32 buffer.
//
// It intentionally supports only what the training orchestration needs --
// flat access for sharding and collectives, in-place update primitives for
// the optimizer, and half-precision round-trip for checkpoints. Model math
// happens in the model collaborator, not here.
package tensors

import (
	"fmt"
	"math"
	"strings"

	. "github.com/gomlx/exceptions"
	"github.com/x448/float16"
)

// Tensor is a dense float32 tensor on the host.
//
// The zero value is invalid; create one with FromDimensions or
// FromFlatDataAndDimensions.
type Tensor struct {
	dims []int
	flat []float32
}

// FromDimensions creates a zero-initialized tensor with the given dimensions.
// A call without dimensions creates a scalar.
func FromDimensions(dimensions ...int) *Tensor {
	size := 1
	for _, dim := range dimensions {
		if dim <= 0 {
			Panicf("tensors.FromDimensions: invalid dimension %d in %v", dim, dimensions)
		}
		size *= dim
	}
	return &Tensor{
		dims: append([]int{}, dimensions...),
		flat: make([]float32, size),
	}
}

// FromFlatDataAndDimensions creates a tensor wrapping the given flat data.
// The data is not copied, ownership moves to the tensor.
func FromFlatDataAndDimensions(data []float32, dimensions ...int) *Tensor {
	t := &Tensor{
		dims: append([]int{}, dimensions...),
		flat: data,
	}
	size := 1
	for _, dim := range dimensions {
		size *= dim
	}
	if size != len(data) {
		Panicf("tensors.FromFlatDataAndDimensions: dimensions %v require %d values, got %d", dimensions, size, len(data))
	}
	return t
}

// FromValue creates a 1D tensor with a copy of the given values.
func FromValue(values []float32) *Tensor {
	return FromFlatDataAndDimensions(append([]float32{}, values...), len(values))
}

// AssertValid panics if the tensor is nil or has no storage.
func (t *Tensor) AssertValid() {
	if t == nil {
		Panicf("tensors.Tensor is nil")
	}
	if t.flat == nil {
		Panicf("tensors.Tensor has no storage")
	}
}

// Dimensions returns the tensor dimensions. Do not modify the returned slice.
func (t *Tensor) Dimensions() []int { return t.dims }

// Rank returns the number of dimensions.
func (t *Tensor) Rank() int { return len(t.dims) }

// IsScalar returns whether the tensor holds a single value with rank 0.
func (t *Tensor) IsScalar() bool { return len(t.dims) == 0 }

// Size returns the number of elements.
func (t *Tensor) Size() int { return len(t.flat) }

// Memory returns the bytes used by the tensor data.
func (t *Tensor) Memory() uintptr { return uintptr(len(t.flat)) * 4 }

// Flat returns the underlying flat data. Mutations are visible to all
// holders of the tensor.
func (t *Tensor) Flat() []float32 {
	t.AssertValid()
	return t.flat
}

// Clone returns a deep copy.
func (t *Tensor) Clone() *Tensor {
	t.AssertValid()
	return &Tensor{
		dims: append([]int{}, t.dims...),
		flat: append([]float32{}, t.flat...),
	}
}

// Slice returns a 1D view over the flat data in [offset, offset+length).
// The view shares storage with t.
func (t *Tensor) Slice(offset, length int) *Tensor {
	t.AssertValid()
	if offset < 0 || length < 0 || offset+length > len(t.flat) {
		Panicf("tensors.Slice: range [%d, %d) out of bounds for size %d", offset, offset+length, len(t.flat))
	}
	return &Tensor{
		dims: []int{length},
		flat: t.flat[offset : offset+length],
	}
}

// String prints dimensions and a prefix of the values.
func (t *Tensor) String() string {
	if t == nil || t.flat == nil {
		return "INVALID TENSOR"
	}
	const maxValues = 8
	var sb strings.Builder
	fmt.Fprintf(&sb, "dims=%v: [", t.dims)
	for ii, v := range t.flat {
		if ii >= maxValues {
			sb.WriteString(", ...")
			break
		}
		if ii > 0 {
			sb.WriteString(", ")
		}
		fmt.Fprintf(&sb, "%g", v)
	}
	sb.WriteString("]")
	return sb.String()
}

// IsFinite reports whether every element is finite (no NaN or Inf).
func IsFinite(values []float32) bool {
	for _, v := range values {
		v64 := float64(v)
		if math.IsNaN(v64) || math.IsInf(v64, 0) {
			return false
		}
	}
	return true
}

// AddScaled performs dst[i] += scale * src[i]. The slices must have the
// same length.
func AddScaled(dst, src []float32, scale float32) {
	if len(dst) != len(src) {
		Panicf("tensors.AddScaled: length mismatch %d vs %d", len(dst), len(src))
	}
	for ii, v := range src {
		dst[ii] += scale * v
	}
}

// Scale performs values[i] *= scale in place.
func Scale(values []float32, scale float32) {
	for ii := range values {
		values[ii] *= scale
	}
}

// Accumulate performs dst[i] += src[i], used when summing gradient
// contributions.
func Accumulate(dst, src []float32) {
	AddScaled(dst, src, 1)
}

// ToFloat16 packs the values to IEEE 754 half-precision bit patterns.
// Used by checkpoints when saving in half precision.
func ToFloat16(values []float32) []uint16 {
	packed := make([]uint16, len(values))
	for ii, v := range values {
		packed[ii] = float16.Fromfloat32(v).Bits()
	}
	return packed
}

// FromFloat16 unpacks half-precision bit patterns back to float32.
func FromFloat16(packed []uint16) []float32 {
	values := make([]float32, len(packed))
	for ii, bits := range packed {
		values[ii] = float16.Frombits(bits).Float32()
	}
	return values
}
