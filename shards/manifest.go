package shards

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pkg/errors"

	"pouw-captcha/internal/tensor"
)

const ManifestFile = "shard_manifest.json"

var ErrManifestMissing = errors.New("shard manifest missing")

type manifestFile struct {
	Shards []manifestShard `json:"shards"`
}

type manifestShard struct {
	Index         *int            `json:"index"`
	Name          string          `json:"name"`
	Type          string          `json:"type"`
	InputShape    json.RawMessage `json:"input_shape"`
	OutputShape   json.RawMessage `json:"output_shape"`
	SizeBytes     int64           `json:"size_bytes"`
	WeightsFile   string          `json:"weights_file,omitempty"`
	WeightsFormat string          `json:"weights_format,omitempty"`
}

// defaultInputShape applies when the manifest omits the first layer's input.
var defaultInputShape = []int{28, 28, 1}

// LoadManifest reads a model directory's shard manifest. Shards that cannot be
// parsed are dropped and reported through skipped; the rest are sorted by index.
func LoadManifest(modelDir string) (shards []Shard, skipped []error, err error) {
	path := filepath.Join(modelDir, ManifestFile)
	bytes, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil, errors.Wrapf(ErrManifestMissing, "%s", path)
		}
		return nil, nil, errors.Wrapf(err, "read %s", path)
	}
	var manifest manifestFile
	if err := json.Unmarshal(bytes, &manifest); err != nil {
		return nil, nil, errors.Wrapf(err, "parse %s", path)
	}

	for _, raw := range manifest.Shards {
		shard, err := parseShard(modelDir, raw)
		if err != nil {
			skipped = append(skipped, errors.Wrapf(err, "shard %q", raw.Name))
			continue
		}
		shards = append(shards, shard)
	}
	sort.SliceStable(shards, func(i, j int) bool { return shards[i].Index < shards[j].Index })
	return shards, skipped, nil
}

func parseShard(modelDir string, raw manifestShard) (Shard, error) {
	if raw.Index == nil || raw.Name == "" || raw.Type == "" {
		return Shard{}, errors.New("index, name and type are required")
	}
	if len(raw.OutputShape) == 0 {
		return Shard{}, errors.New("output_shape is required")
	}
	inputShape := defaultInputShape
	if len(raw.InputShape) > 0 {
		parsed, err := tensor.ParseShape(raw.InputShape)
		if err != nil {
			return Shard{}, err
		}
		inputShape = parsed
	}
	outputShape, err := tensor.ParseShape(raw.OutputShape)
	if err != nil {
		return Shard{}, err
	}
	weights, err := loadWeights(modelDir, raw)
	if err != nil {
		return Shard{}, err
	}
	return Shard{
		Index:       *raw.Index,
		Name:        raw.Name,
		Type:        raw.Type,
		InputShape:  append([]int(nil), inputShape...),
		OutputShape: outputShape,
		SizeBytes:   raw.SizeBytes,
		Activation:  InferActivation(raw.Name),
		Weights:     weights,
	}, nil
}

func loadWeights(modelDir string, raw manifestShard) (Weights, error) {
	if raw.WeightsFile == "" {
		return NoWeights{}, nil
	}
	path := filepath.Join(modelDir, filepath.Clean("/"+raw.WeightsFile))
	bytes, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "read weights %s", raw.WeightsFile)
	}
	format := strings.ToLower(raw.WeightsFormat)
	if format == "" {
		format = strings.TrimPrefix(strings.ToLower(filepath.Ext(raw.WeightsFile)), ".")
	}
	if format != "json" {
		return OpaqueWeights{Format: format, Raw: bytes}, nil
	}

	var tensors map[string]tensor.Tensor
	if err := json.Unmarshal(bytes, &tensors); err != nil {
		return nil, errors.Wrapf(err, "parse weights %s", raw.WeightsFile)
	}
	for name, t := range tensors {
		if err := t.Validate(); err != nil {
			return nil, errors.Wrapf(err, "weights tensor %s", name)
		}
	}
	return DenseWeights{Tensors: tensors}, nil
}
