package groundtruth

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"pouw-captcha/internal/tensor"
)

type labelMap map[string]int

func (l labelMap) LabelCount(model string) int { return l[model] }

var input = []float64{0.1, 0.2, 0.3, 0.4}

func logits() tensor.Tensor {
	return tensor.Tensor{Shape: []int{3}, Data: []float64{0.2, 1.7, -0.4}}
}

func newCache(t *testing.T) *Cache {
	return New(t.TempDir(), labelMap{"pets": 3, "mnist": 10})
}

func TestAddGetRoundTrip(t *testing.T) {
	c := newCache(t)
	out := logits()

	added, err := c.Add(AddRequest{SampleID: "s1", Model: "pets", Version: "1.0.0", LayerIndex: FinalLayer, Input: input, Output: out})
	require.NoError(t, err)

	got, ok := c.Get("s1", "pets", FinalLayer)
	require.True(t, ok)
	require.Equal(t, out.Hash(), got.OutputHash)
	require.Equal(t, tensor.Hash(input), got.InputHash)
	require.Equal(t, added, got)
	require.Equal(t, Classification, got.Kind)
	require.NotNil(t, got.TopPrediction)
	require.Equal(t, 1, *got.TopPrediction)
	require.NotNil(t, got.Confidence)
	require.Nil(t, got.OutputData)
	require.Equal(t, "output", got.LayerName)

	_, ok = c.Get("s1", "pets", 0)
	require.False(t, ok)
}

func TestAddRejectsBadOutput(t *testing.T) {
	c := newCache(t)
	_, err := c.Add(AddRequest{SampleID: "s1", Model: "pets", Output: tensor.Tensor{Shape: []int{4}, Data: []float64{1}}})
	require.True(t, errors.Is(err, tensor.ErrShapeMismatch))

	_, err = c.Add(AddRequest{Model: "pets", Output: logits()})
	require.True(t, errors.Is(err, ErrMalformedKey))
}

func TestOutputKind(t *testing.T) {
	c := newCache(t)
	feature := tensor.Tensor{Shape: []int{2, 2}, Data: []float64{1, 2, 3, 4}}

	tests := []struct {
		name  string
		model string
		layer int
		out   tensor.Tensor
		kind  OutputKind
		top   bool
	}{
		{name: "label sized", model: "pets", layer: FinalLayer, out: logits(), kind: Classification, top: true},
		{name: "final wrong size", model: "pets", layer: FinalLayer, out: feature, kind: Regression},
		{name: "intermediate", model: "mnist", layer: 1, out: feature, kind: Opaque},
		{name: "unknown model", model: "other", layer: 0, out: feature, kind: Classification, top: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			entry, err := c.Add(AddRequest{SampleID: "s", Model: tt.model, LayerIndex: tt.layer, Input: input, Output: tt.out})
			require.NoError(t, err)
			require.Equal(t, tt.kind, entry.Kind)
			require.Equal(t, tt.top, entry.TopPrediction != nil)
		})
	}
}

func TestReAddOverwritesWholeEntry(t *testing.T) {
	c := newCache(t)
	_, err := c.Add(AddRequest{SampleID: "s1", Model: "pets", LayerIndex: 0, Input: input, Output: logits(), StoreFull: true})
	require.NoError(t, err)

	second := tensor.Tensor{Shape: []int{3}, Data: []float64{9, 0, 0}}
	_, err = c.Add(AddRequest{SampleID: "s1", Model: "pets", LayerIndex: 0, Input: input, Output: second})
	require.NoError(t, err)

	got, ok := c.Get("s1", "pets", 0)
	require.True(t, ok)
	require.Equal(t, second.Hash(), got.OutputHash)
	require.Nil(t, got.OutputData)
	require.Equal(t, 0, *got.TopPrediction)
	require.Equal(t, 1, c.Len())
}

func TestValidate(t *testing.T) {
	c := newCache(t)
	out := logits()
	_, err := c.Add(AddRequest{SampleID: "hashed", Model: "pets", LayerIndex: 0, Input: input, Output: out})
	require.NoError(t, err)
	_, err = c.Add(AddRequest{SampleID: "full", Model: "pets", LayerIndex: FinalLayer, Input: input, Output: out, StoreFull: true})
	require.NoError(t, err)

	near := tensor.Tensor{Shape: []int{3}, Data: []float64{0.2 + 1e-6, 1.7, -0.4}}
	far := tensor.Tensor{Shape: []int{3}, Data: []float64{0.2, 1.9, -0.4}}
	short := tensor.Tensor{Shape: []int{2}, Data: []float64{0.2, 1.7}}

	tests := []struct {
		name      string
		sample    string
		layer     int
		output    tensor.Tensor
		tolerance float64
		status    Status
		prefix    string
	}{
		{name: "exact hash", sample: "hashed", layer: 0, output: out, status: Matched},
		{name: "hash mismatch without full output", sample: "hashed", layer: 0, output: near, tolerance: 1, status: Mismatched, prefix: "output hash mismatch"},
		{name: "within tolerance", sample: "full", layer: FinalLayer, output: near, tolerance: 1e-5, status: Matched},
		{name: "default tolerance", sample: "full", layer: FinalLayer, output: near, tolerance: -1, status: Matched},
		{name: "beyond tolerance", sample: "full", layer: FinalLayer, output: far, tolerance: 1e-5, status: Mismatched, prefix: "output mismatch"},
		{name: "shape mismatch", sample: "full", layer: FinalLayer, output: short, status: Mismatched, prefix: "output shape mismatch"},
		{name: "missing", sample: "unknown", layer: 0, output: out, status: Missing, prefix: "no ground truth"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			first := c.Validate(tt.sample, "pets", tt.layer, tt.output, tt.tolerance)
			second := c.Validate(tt.sample, "pets", tt.layer, tt.output, tt.tolerance)
			require.Equal(t, first, second)
			require.Equal(t, tt.status, first.Status)
			require.Equal(t, tt.status == Matched, first.Valid())
			if tt.prefix == "" {
				require.Empty(t, first.Message)
			} else {
				require.True(t, strings.HasPrefix(first.Message, tt.prefix), first.Message)
			}
		})
	}
}

func TestParseKey(t *testing.T) {
	tests := []struct {
		raw     string
		want    Key
		wantErr bool
	}{
		{raw: "mnist:abc:-1", want: Key{Model: "mnist", SampleID: "abc", Layer: -1}},
		{raw: "ns:mnist:abc:2", want: Key{Model: "ns:mnist", SampleID: "abc", Layer: 2}},
		{raw: "mnist:abc", wantErr: true},
		{raw: "mnist:abc:x", wantErr: true},
		{raw: ":abc:0", wantErr: true},
		{raw: "", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			got, err := ParseKey(tt.raw)
			if tt.wantErr {
				require.True(t, errors.Is(err, ErrMalformedKey))
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
			require.Equal(t, tt.raw, got.String())
		})
	}
}

func TestSaveLoad(t *testing.T) {
	c := newCache(t)
	_, err := c.Add(AddRequest{SampleID: "s1", Model: "pets", LayerIndex: FinalLayer, Input: input, Output: logits(), StoreFull: true})
	require.NoError(t, err)
	_, err = c.Add(AddRequest{SampleID: "s1", Model: "mnist", LayerIndex: 0, Input: input, Output: logits()})
	require.NoError(t, err)
	require.NoError(t, c.Save(""))

	require.FileExists(t, filepath.Join(c.Dir(), FileName("pets")))
	require.FileExists(t, filepath.Join(c.Dir(), FileName("mnist")))

	single := `{"sample_id": "s9", "model_name": "legacy", "model_version": "1.0.0", "layer_index": -1,
	  "layer_name": "output", "input_hash": "aaaa", "output_hash": "bbbb", "output_data": null,
	  "top_prediction": 3, "confidence": 0.9}`
	require.NoError(t, os.WriteFile(filepath.Join(c.Dir(), "legacy_ground_truth.json"), []byte(single), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(c.Dir(), "corrupt_ground_truth.json"), []byte("[{"), 0o644))

	reloaded := New(c.Dir(), labelMap{"pets": 3})
	n, err := reloaded.Load()
	require.NoError(t, err)
	require.Equal(t, 3, n)

	verdict := reloaded.Validate("s1", "pets", FinalLayer, logits(), DefaultTolerance)
	require.True(t, verdict.Valid())

	legacy, ok := reloaded.Get("s9", "legacy", FinalLayer)
	require.True(t, ok)
	require.Equal(t, 3, *legacy.TopPrediction)

	stats := reloaded.Stats()
	require.Equal(t, 3, stats.TotalEntries)
	require.Equal(t, []string{"legacy", "mnist", "pets"}, stats.ModelsCached)
	require.InDelta(t, 1.0, stats.AvgEntriesPerModel, 1e-9)
	require.Greater(t, stats.CacheSizeMB, 0.0)
}

func TestEvictAndClear(t *testing.T) {
	c := newCache(t)
	for i, model := range []string{"pets", "pets", "mnist"} {
		_, err := c.Add(AddRequest{SampleID: fmt.Sprintf("s%d", i), Model: model, Input: input, Output: logits()})
		require.NoError(t, err)
	}
	require.Equal(t, 2, c.Evict("pets"))
	require.Equal(t, 1, c.Len())
	c.Clear()
	require.Equal(t, 0, c.Len())
	require.Empty(t, c.Stats().ModelsCached)
}

func TestEvictionSurvivesReload(t *testing.T) {
	dir := t.TempDir()
	c := New(dir, nil)
	for i, model := range []string{"pets", "mnist"} {
		_, err := c.Add(AddRequest{SampleID: fmt.Sprintf("s%d", i), Model: model, Input: input, Output: logits()})
		require.NoError(t, err)
	}
	require.NoError(t, c.Save(""))
	require.FileExists(t, filepath.Join(dir, FileName("pets")))

	require.Equal(t, 1, c.Evict("pets"))
	require.NoFileExists(t, filepath.Join(dir, FileName("pets")))
	require.NoError(t, c.Save(""))

	reloaded := New(dir, nil)
	loaded, err := reloaded.Load()
	require.NoError(t, err)
	require.Equal(t, 1, loaded)
	require.Equal(t, []string{"mnist"}, reloaded.Stats().ModelsCached)
}

func TestSaveEmptyModelRemovesFile(t *testing.T) {
	dir := t.TempDir()
	c := New(dir, nil)
	_, err := c.Add(AddRequest{SampleID: "s1", Model: "pets", Input: input, Output: logits()})
	require.NoError(t, err)
	require.NoError(t, c.Save("pets"))
	require.FileExists(t, filepath.Join(dir, FileName("pets")))

	c.Clear()
	require.NoError(t, c.Save("pets"))
	require.NoFileExists(t, filepath.Join(dir, FileName("pets")))
	require.NoError(t, c.Save("never-cached"))
}

func TestGetOrComputeDeduplicates(t *testing.T) {
	c := newCache(t)
	key := MakeKey("pets", "s1", 0)
	var calls atomic.Int32

	compute := func(ctx context.Context) (AddRequest, error) {
		calls.Add(1)
		time.Sleep(20 * time.Millisecond)
		return AddRequest{Input: input, Output: logits()}, nil
	}

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			entry, err := c.GetOrCompute(context.Background(), key, compute)
			assert.NoError(t, err)
			assert.Equal(t, logits().Hash(), entry.OutputHash)
		}()
	}
	wg.Wait()
	require.Equal(t, int32(1), calls.Load())

	_, err := c.GetOrCompute(context.Background(), MakeKey("pets", "s2", 0), func(context.Context) (AddRequest, error) {
		return AddRequest{}, errors.New("model offline")
	})
	require.Error(t, err)
	_, ok := c.Get("s2", "pets", 0)
	require.False(t, ok)
}

func TestWarm(t *testing.T) {
	c := newCache(t)
	forward := func(ctx context.Context, in tensor.Tensor, layer int) (tensor.Tensor, error) {
		if layer == 2 {
			return tensor.Tensor{}, errors.New("layer not exported")
		}
		return tensor.Tensor{Shape: []int{3}, Data: []float64{in.Data[0], float64(layer), 1}}, nil
	}
	samples := []Sample{
		{ID: "a", Input: tensor.Flat([]float64{0.1, 0.2})},
		{ID: "b", Input: tensor.Flat([]float64{0.3, 0.4})},
	}

	report, err := c.Warm(context.Background(), WarmRequest{
		Model: "pets", Version: "1.0.0", Samples: samples, Layers: []int{0, 2, FinalLayer}, Forward: forward, Concurrency: 2,
	})
	require.NoError(t, err)
	require.Equal(t, WarmReport{Computed: 4, Failed: 2, Saved: true}, report)

	final, ok := c.Get("a", "pets", FinalLayer)
	require.True(t, ok)
	require.NotNil(t, final.OutputData)
	first, ok := c.Get("a", "pets", 0)
	require.True(t, ok)
	require.Nil(t, first.OutputData)
	require.FileExists(t, filepath.Join(c.Dir(), FileName("pets")))

	_, err = c.Warm(context.Background(), WarmRequest{Model: "pets"})
	require.Error(t, err)
}

func TestConcurrentAddAndValidate(t *testing.T) {
	c := newCache(t)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			out := tensor.Tensor{Shape: []int{3}, Data: []float64{float64(i), 1, 2}}
			_, err := c.Add(AddRequest{SampleID: "s", Model: "pets", LayerIndex: 0, Input: input, Output: out, StoreFull: true})
			assert.NoError(t, err)
		}(i)
		go func() {
			defer wg.Done()
			verdict := c.Validate("s", "pets", 0, logits(), DefaultTolerance)
			assert.Contains(t, []Status{Matched, Mismatched, Missing}, verdict.Status)
		}()
	}
	wg.Wait()
	require.Equal(t, 1, c.Len())
}

func TestAddThenValidateProperty(t *testing.T) {
	c := newCache(t)
	rapid.Check(t, func(t *rapid.T) {
		data := rapid.SliceOfN(rapid.Float64Range(-100, 100), 1, 32).Draw(t, "output")
		sample := rapid.StringMatching(`[a-f0-9]{16}`).Draw(t, "sample")
		out := tensor.Flat(data)

		entry, err := c.Add(AddRequest{SampleID: sample, Model: "prop", Input: data, Output: out})
		if err != nil {
			t.Fatal(err)
		}
		got, ok := c.Get(sample, "prop", 0)
		if !ok || got.OutputHash != entry.OutputHash {
			t.Fatalf("round trip lost entry %s", sample)
		}
		if !c.Validate(sample, "prop", 0, out, DefaultTolerance).Valid() {
			t.Fatalf("exact output did not validate")
		}
	})
}
