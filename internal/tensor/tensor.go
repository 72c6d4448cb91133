// Package tensor holds the flat, explicitly shaped value type exchanged between
// the shard manager, the ground truth cache and the validator.
package tensor

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/pkg/errors"

	"pouw-captcha/internal/hashing"
)

var ErrShapeMismatch = errors.New("tensor shape mismatch")

// BatchDim marks an unspecified (batch) dimension, written as None in manifests.
const BatchDim = -1

type Tensor struct {
	Shape []int     `json:"shape"`
	Data  []float64 `json:"data"`
}

// New builds a tensor and checks that data fills the concrete shape exactly.
func New(shape []int, data []float64) (Tensor, error) {
	t := Tensor{Shape: append([]int(nil), shape...), Data: data}
	if err := t.Validate(); err != nil {
		return Tensor{}, err
	}
	return t, nil
}

// Flat wraps a flattened vector as a rank-1 tensor.
func Flat(data []float64) Tensor {
	return Tensor{Shape: []int{len(data)}, Data: data}
}

// Size returns the number of elements described by shape, ignoring batch dims.
// An empty shape describes a scalar.
func Size(shape []int) int {
	size := 1
	for _, dim := range shape {
		if dim == BatchDim {
			continue
		}
		size *= dim
	}
	return size
}

// Concrete drops batch dimensions.
func Concrete(shape []int) []int {
	out := make([]int, 0, len(shape))
	for _, dim := range shape {
		if dim != BatchDim {
			out = append(out, dim)
		}
	}
	return out
}

func SameShape(a, b []int) bool {
	a, b = Concrete(a), Concrete(b)
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func (t Tensor) Size() int {
	return Size(t.Shape)
}

func (t Tensor) Validate() error {
	for _, dim := range t.Shape {
		if dim < 0 && dim != BatchDim {
			return errors.Wrapf(ErrShapeMismatch, "negative dimension in %v", t.Shape)
		}
	}
	if len(t.Shape) == 0 && len(t.Data) == 0 {
		return errors.Wrap(ErrShapeMismatch, "empty tensor")
	}
	if t.Size() != len(t.Data) {
		return errors.Wrapf(ErrShapeMismatch, "shape %v holds %d values, got %d", t.Shape, t.Size(), len(t.Data))
	}
	return nil
}

// Matches reports whether t can stand for a tensor of the given shape. A rank-1
// tensor is the flattened form and only needs the same element count.
func (t Tensor) Matches(shape []int) bool {
	if len(t.Shape) <= 1 {
		return len(t.Data) == Size(shape)
	}
	return SameShape(t.Shape, shape)
}

func (t Tensor) String() string {
	return fmt.Sprintf("Tensor%v(%d values)", t.Shape, len(t.Data))
}

// CanonicalBytes encodes every element as a little-endian float32. Client and
// server compute in float32, so float64 noise below that precision never changes
// the hash.
func CanonicalBytes(values []float64) []byte {
	buf := make([]byte, 4*len(values))
	for i, v := range values {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(float32(v)))
	}
	return buf
}

// Hash returns the canonical hash of the flattened values. Shape is not part of
// the hash because clients report flattened outputs.
func Hash(values []float64) string {
	return hashing.ShortHash(CanonicalBytes(values))
}

func (t Tensor) Hash() string {
	return Hash(t.Data)
}

// ArgMax returns the index of the largest element, or -1 for an empty vector.
func ArgMax(values []float64) int {
	if len(values) == 0 {
		return -1
	}
	best := 0
	for i, v := range values {
		if v > values[best] {
			best = i
		}
	}
	return best
}

// SoftmaxConfidence returns softmax(values)[index], computed with the max
// subtracted for numerical stability. ok is false when the sum degenerates.
func SoftmaxConfidence(values []float64, index int) (float64, bool) {
	if index < 0 || index >= len(values) {
		return 0, false
	}
	maxValue := values[ArgMax(values)]
	sum := 0.0
	for _, v := range values {
		sum += math.Exp(v - maxValue)
	}
	if sum <= 0 || math.IsNaN(sum) || math.IsInf(sum, 0) {
		return 0, false
	}
	return math.Exp(values[index]-maxValue) / sum, true
}

// MaxAbsDiff returns max |a[i]-b[i]|. Length differences are a shape mismatch.
func MaxAbsDiff(a, b []float64) (float64, error) {
	if len(a) != len(b) {
		return 0, errors.Wrapf(ErrShapeMismatch, "length %d vs %d", len(a), len(b))
	}
	maxDiff := 0.0
	for i := range a {
		diff := math.Abs(a[i] - b[i])
		if math.IsNaN(diff) {
			return math.Inf(1), nil
		}
		if diff > maxDiff {
			maxDiff = diff
		}
	}
	return maxDiff, nil
}
