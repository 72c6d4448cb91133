package groundtruth

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

var ErrMalformedKey = errors.New("malformed ground truth key")

// FinalLayer addresses the model's final output.
const FinalLayer = -1

// Key identifies one cache entry: {model}:{sample}:{layer}.
type Key struct {
	Model    string
	SampleID string
	Layer    int
}

func MakeKey(model, sampleID string, layer int) Key {
	return Key{Model: model, SampleID: sampleID, Layer: layer}
}

func (k Key) String() string {
	return fmt.Sprintf("%s:%s:%d", k.Model, k.SampleID, k.Layer)
}

// ParseKey takes the last two colon-separated fields as sample id and layer.
// Everything before them is the model name, which may contain colons.
func ParseKey(raw string) (Key, error) {
	parts := strings.Split(raw, ":")
	if len(parts) < 3 {
		return Key{}, errors.Wrapf(ErrMalformedKey, "%q has %d parts", raw, len(parts))
	}
	n := len(parts)
	layer, err := strconv.Atoi(parts[n-1])
	if err != nil {
		return Key{}, errors.Wrapf(ErrMalformedKey, "%q has non-numeric layer", raw)
	}
	model := strings.Join(parts[:n-2], ":")
	if model == "" || parts[n-2] == "" {
		return Key{}, errors.Wrapf(ErrMalformedKey, "%q has an empty part", raw)
	}
	return Key{Model: model, SampleID: parts[n-2], Layer: layer}, nil
}
