package shards

import (
	"encoding/json"
	"strings"

	"pouw-captcha/internal/hashing"
	"pouw-captcha/internal/tensor"
)

type Activation string

const (
	ActivationNone    Activation = "none"
	ActivationReLU    Activation = "relu"
	ActivationSoftmax Activation = "softmax"
	ActivationSigmoid Activation = "sigmoid"
)

// InferActivation guesses the activation from the exported layer name.
func InferActivation(layerName string) Activation {
	name := strings.ToLower(layerName)
	switch {
	case strings.Contains(name, "relu"):
		return ActivationReLU
	case strings.Contains(name, "softmax"):
		return ActivationSoftmax
	case strings.Contains(name, "sigmoid"):
		return ActivationSigmoid
	}
	return ActivationNone
}

// Weights is one of NoWeights, DenseWeights or OpaqueWeights.
type Weights interface {
	Kind() string
}

type NoWeights struct{}

func (NoWeights) Kind() string { return "none" }

// DenseWeights holds named parameter tensors, e.g. "kernel" and "bias".
type DenseWeights struct {
	Tensors map[string]tensor.Tensor
}

func (DenseWeights) Kind() string { return "dense" }

// OpaqueWeights is a serialized blob the client knows how to decode.
type OpaqueWeights struct {
	Format string
	Raw    []byte
}

func (OpaqueWeights) Kind() string { return "opaque" }

// Shard is a single layer of a model. Shards are never mutated after loading.
type Shard struct {
	Index       int
	Name        string
	Type        string
	InputShape  []int
	OutputShape []int
	SizeBytes   int64
	Activation  Activation
	Weights     Weights
}

type shardDocument struct {
	Index       int        `json:"index"`
	Name        string     `json:"name"`
	LayerType   string     `json:"layer_type"`
	Weights     any        `json:"weights"`
	InputShape  []int      `json:"input_shape"`
	OutputShape []int      `json:"output_shape"`
	Activation  Activation `json:"activation"`
}

type opaqueDocument struct {
	Format string `json:"format"`
	Raw    []byte `json:"raw"`
}

func (s Shard) document() shardDocument {
	var weights any = map[string]tensor.Tensor{}
	switch w := s.Weights.(type) {
	case DenseWeights:
		if w.Tensors != nil {
			weights = w.Tensors
		}
	case OpaqueWeights:
		weights = opaqueDocument{Format: w.Format, Raw: w.Raw}
	}
	return shardDocument{
		Index:       s.Index,
		Name:        s.Name,
		LayerType:   s.Type,
		Weights:     weights,
		InputShape:  s.InputShape,
		OutputShape: s.OutputShape,
		Activation:  s.Activation,
	}
}

func (s Shard) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.document())
}

// ID is the content hash of the shard's canonical serialization.
func (s Shard) ID() string {
	id, err := hashing.CanonicalJSONHash(s.document())
	if err != nil {
		// Only NaN/Inf weights fail to encode; hash the identity fields instead.
		id, _ = hashing.CanonicalJSONHash(shardDocument{Index: s.Index, Name: s.Name, LayerType: s.Type})
	}
	return id
}

// Difficulty is the shard difficulty label attached to an assignment.
type Difficulty string

const (
	Easy   Difficulty = "easy"
	Medium Difficulty = "medium"
	Hard   Difficulty = "hard"
)

// LayerCount is the number of leading shards handed out for d. Unknown labels get one layer.
func (d Difficulty) LayerCount() int {
	switch d {
	case Medium:
		return 3
	case Hard:
		return 6
	default:
		return 1
	}
}

var layerTimeMs = map[string]int{
	"Conv2D":       5,
	"MaxPooling2D": 2,
	"Flatten":      1,
	"Dense":        3,
	"Activation":   1,
}

const defaultLayerTimeMs = 5

// EstimateComputationTime sums per-layer cost estimates in milliseconds.
func EstimateComputationTime(shards []Shard) int {
	total := 0
	for _, s := range shards {
		ms, ok := layerTimeMs[s.Type]
		if !ok {
			ms = defaultLayerTimeMs
		}
		total += ms
	}
	return total
}

// VerifyShardHash reports whether shard still has the given content id.
func VerifyShardHash(shard Shard, expected string) bool {
	return hashing.ConstantTimeEqual(shard.ID(), expected)
}

// Assignment is the prefix of a model's shards handed to one client.
type Assignment struct {
	TaskID         string        `json:"task_id"`
	ModelName      string        `json:"model_name"`
	ModelVersion   string        `json:"model_version"`
	Shards         []Shard       `json:"shards"`
	Input          tensor.Tensor `json:"input"`
	ExpectedLayers int           `json:"expected_layers"`
	Difficulty     Difficulty    `json:"difficulty"`
}
