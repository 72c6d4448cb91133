package shards

import (
	"context"
	"math"

	"github.com/pkg/errors"

	"pouw-captcha/internal/tensor"
	"pouw-captcha/registry"
)

// ErrNotExecutable is returned when a shard's weights cannot be run on the
// server, e.g. opaque blobs or missing kernels.
var ErrNotExecutable = errors.New("shard is not executable")

const finalLayer = -1

// Forward runs the model's shards in order up to and including position layer,
// or all of them when layer is -1. Only Dense shards with a "kernel" of shape
// [in, out] and an optional "bias" of shape [out] are supported.
func (m *Manager) Forward(ctx context.Context, modelName string, input tensor.Tensor, layer int) (tensor.Tensor, error) {
	loaded, ok := m.Shards(modelName)
	if !ok {
		return tensor.Tensor{}, errors.Wrapf(registry.ErrModelNotFound, "model %q has no shards", modelName)
	}
	last := layer
	if layer == finalLayer {
		last = len(loaded) - 1
	}
	if last < 0 || last >= len(loaded) {
		return tensor.Tensor{}, errors.Errorf("layer %d out of range for model %s", layer, modelName)
	}

	values := append([]float64(nil), input.Data...)
	for _, shard := range loaded[:last+1] {
		if err := ctx.Err(); err != nil {
			return tensor.Tensor{}, err
		}
		out, err := shard.apply(values)
		if err != nil {
			return tensor.Tensor{}, errors.Wrapf(err, "model %s shard %s", modelName, shard.Name)
		}
		values = out
	}
	return tensor.Flat(values), nil
}

func (s Shard) apply(in []float64) ([]float64, error) {
	weights, ok := s.Weights.(DenseWeights)
	if !ok || s.Type != "Dense" {
		return nil, errors.Wrapf(ErrNotExecutable, "%s shard with %s weights", s.Type, s.Weights.Kind())
	}
	kernel, ok := weights.Tensors["kernel"]
	if !ok || len(kernel.Shape) != 2 {
		return nil, errors.Wrap(ErrNotExecutable, "missing 2-d kernel")
	}
	rows, cols := kernel.Shape[0], kernel.Shape[1]
	if rows != len(in) {
		return nil, errors.Wrapf(tensor.ErrShapeMismatch, "input has %d values, kernel expects %d", len(in), rows)
	}

	out := make([]float64, cols)
	if bias, ok := weights.Tensors["bias"]; ok {
		if len(bias.Data) != cols {
			return nil, errors.Wrapf(tensor.ErrShapeMismatch, "bias has %d values, kernel has %d columns", len(bias.Data), cols)
		}
		copy(out, bias.Data)
	}
	for i, x := range in {
		row := kernel.Data[i*cols : (i+1)*cols]
		for j, w := range row {
			out[j] += x * w
		}
	}
	activate(s.Activation, out)
	return out, nil
}

func activate(activation Activation, values []float64) {
	switch activation {
	case ActivationReLU:
		for i, v := range values {
			values[i] = math.Max(0, v)
		}
	case ActivationSigmoid:
		for i, v := range values {
			values[i] = 1 / (1 + math.Exp(-v))
		}
	case ActivationSoftmax:
		peak := math.Inf(-1)
		for _, v := range values {
			peak = math.Max(peak, v)
		}
		sum := 0.0
		for i, v := range values {
			values[i] = math.Exp(v - peak)
			sum += values[i]
		}
		for i := range values {
			values[i] /= sum
		}
	}
}
