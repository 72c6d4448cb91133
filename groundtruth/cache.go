// Package groundtruth keeps the pre-computed layer outputs that client proofs
// are checked against.
package groundtruth

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/sync/singleflight"

	"pouw-captcha/internal/metrics"
	"pouw-captcha/internal/tensor"
	"pouw-captcha/logging"
)

const DefaultTolerance = 1e-5

type OutputKind string

const (
	Classification OutputKind = "classification"
	Regression     OutputKind = "regression"
	Opaque         OutputKind = "opaque"
)

type Entry struct {
	SampleID      string     `json:"sample_id"`
	ModelName     string     `json:"model_name"`
	ModelVersion  string     `json:"model_version"`
	LayerIndex    int        `json:"layer_index"`
	LayerName     string     `json:"layer_name"`
	InputHash     string     `json:"input_hash"`
	OutputHash    string     `json:"output_hash"`
	OutputShape   []int      `json:"output_shape,omitempty"`
	OutputData    []float64  `json:"output_data"`
	Kind          OutputKind `json:"output_kind,omitempty"`
	TopPrediction *int       `json:"top_prediction"`
	Confidence    *float64   `json:"confidence"`
}

func (e Entry) Key() Key {
	return MakeKey(e.ModelName, e.SampleID, e.LayerIndex)
}

func (e Entry) clone() Entry {
	if e.OutputShape != nil {
		e.OutputShape = append([]int(nil), e.OutputShape...)
	}
	if e.OutputData != nil {
		e.OutputData = append([]float64(nil), e.OutputData...)
	}
	return e
}

type AddRequest struct {
	SampleID   string
	Model      string
	Version    string
	LayerIndex int
	LayerName  string
	Input      []float64
	Output     tensor.Tensor
	StoreFull  bool
}

// LabelCounter reports how many class labels a model has; 0 means unknown.
type LabelCounter interface {
	LabelCount(model string) int
}

type Cache struct {
	dir    string
	labels LabelCounter

	mu      sync.RWMutex
	entries map[Key]Entry
	flight  singleflight.Group
}

func New(dir string, labels LabelCounter) *Cache {
	return &Cache{
		dir:     dir,
		labels:  labels,
		entries: make(map[Key]Entry),
	}
}

func (c *Cache) Dir() string {
	return c.dir
}

// Add computes hashes for the output and stores the entry, replacing any
// previous entry for the same model, sample and layer.
func (c *Cache) Add(req AddRequest) (Entry, error) {
	if req.Model == "" || req.SampleID == "" {
		return Entry{}, errors.Wrap(ErrMalformedKey, "model and sample id are required")
	}
	if err := req.Output.Validate(); err != nil {
		return Entry{}, errors.Wrapf(err, "output for %s", MakeKey(req.Model, req.SampleID, req.LayerIndex))
	}

	entry := Entry{
		SampleID:     req.SampleID,
		ModelName:    req.Model,
		ModelVersion: req.Version,
		LayerIndex:   req.LayerIndex,
		LayerName:    req.LayerName,
		InputHash:    tensor.Hash(req.Input),
		OutputHash:   req.Output.Hash(),
		OutputShape:  append([]int(nil), req.Output.Shape...),
		Kind:         c.outputKind(req.Model, req.LayerIndex, req.Output.Size()),
	}
	if entry.LayerName == "" {
		entry.LayerName = layerName(req.LayerIndex)
	}
	if entry.Kind == Classification {
		top := tensor.ArgMax(req.Output.Data)
		entry.TopPrediction = &top
		if confidence, ok := tensor.SoftmaxConfidence(req.Output.Data, top); ok {
			entry.Confidence = &confidence
		}
	}
	if req.StoreFull {
		entry.OutputData = append([]float64(nil), req.Output.Data...)
	}

	c.mu.Lock()
	c.entries[entry.Key()] = entry
	size := len(c.entries)
	c.mu.Unlock()

	metrics.GroundTruthEntries.Set(float64(size))
	return entry.clone(), nil
}

func (c *Cache) outputKind(model string, layer int, size int) OutputKind {
	labels := 0
	if c.labels != nil {
		labels = c.labels.LabelCount(model)
	}
	switch {
	case labels == 0 || size == labels:
		return Classification
	case layer == FinalLayer:
		return Regression
	default:
		return Opaque
	}
}

func layerName(layer int) string {
	if layer == FinalLayer {
		return "output"
	}
	return fmt.Sprintf("layer_%d", layer)
}

func (c *Cache) Get(sampleID, model string, layer int) (Entry, bool) {
	return c.GetKey(MakeKey(model, sampleID, layer))
}

func (c *Cache) GetKey(key Key) (Entry, bool) {
	c.mu.RLock()
	entry, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok {
		metrics.GroundTruthLookups.WithLabelValues("miss").Inc()
		return Entry{}, false
	}
	metrics.GroundTruthLookups.WithLabelValues("hit").Inc()
	return entry.clone(), true
}

// ComputeFunc produces the entry to add for a key that is not cached yet.
type ComputeFunc func(ctx context.Context) (AddRequest, error)

// GetOrCompute returns the cached entry for key, computing it at most once
// across concurrent callers when it is missing.
func (c *Cache) GetOrCompute(ctx context.Context, key Key, compute ComputeFunc) (Entry, error) {
	if entry, ok := c.GetKey(key); ok {
		return entry, nil
	}
	v, err, _ := c.flight.Do(key.String(), func() (interface{}, error) {
		if entry, ok := c.GetKey(key); ok {
			return entry, nil
		}
		req, err := compute(ctx)
		if err != nil {
			return nil, err
		}
		req.Model, req.SampleID, req.LayerIndex = key.Model, key.SampleID, key.Layer
		return c.Add(req)
	})
	if err != nil {
		return Entry{}, err
	}
	return v.(Entry).clone(), nil
}

// Evict drops every entry of one model, in memory and on disk, and returns
// how many in-memory entries were removed.
func (c *Cache) Evict(model string) int {
	c.mu.Lock()
	removed := 0
	for key := range c.entries {
		if key.Model == model {
			delete(c.entries, key)
			removed++
		}
	}
	size := len(c.entries)
	c.mu.Unlock()

	metrics.GroundTruthEntries.Set(float64(size))
	if err := c.removeModelFile(model); err != nil {
		logging.Warn("Failed to remove evicted ground truth file", logging.GroundTruth, "model", model, "error", err)
	}
	logging.Info("Evicted ground truth", logging.GroundTruth, "model", model, "entries", removed)
	return removed
}

// Clear empties the in-memory cache. Saved files are left in place.
func (c *Cache) Clear() {
	c.mu.Lock()
	c.entries = make(map[Key]Entry)
	c.mu.Unlock()

	metrics.GroundTruthEntries.Set(0)
	logging.Info("Ground truth cache cleared", logging.GroundTruth)
}

func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

type Stats struct {
	TotalEntries       int      `json:"total_entries"`
	ModelsCached       []string `json:"models_cached"`
	AvgEntriesPerModel float64  `json:"avg_entries_per_model"`
	CacheSizeMB        float64  `json:"cache_size_mb"`
}

func (c *Cache) Stats() Stats {
	c.mu.RLock()
	models := map[string]struct{}{}
	for key := range c.entries {
		models[key.Model] = struct{}{}
	}
	total := len(c.entries)
	c.mu.RUnlock()

	names := make([]string, 0, len(models))
	for name := range models {
		names = append(names, name)
	}
	sort.Strings(names)

	var size int64
	files, _ := filepath.Glob(filepath.Join(c.dir, "*.json"))
	for _, file := range files {
		if info, err := os.Stat(file); err == nil {
			size += info.Size()
		}
	}

	return Stats{
		TotalEntries:       total,
		ModelsCached:       names,
		AvgEntriesPerModel: float64(total) / float64(max(len(names), 1)),
		CacheSizeMB:        float64(size) / (1024 * 1024),
	}
}

// snapshot returns a copy of the entries matching model, or all entries when
// model is empty, ordered by key.
func (c *Cache) snapshot(model string) []Entry {
	c.mu.RLock()
	out := make([]Entry, 0, len(c.entries))
	for key, entry := range c.entries {
		if model == "" || key.Model == model {
			out = append(out, entry)
		}
	}
	c.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.ModelName != b.ModelName {
			return a.ModelName < b.ModelName
		}
		if a.SampleID != b.SampleID {
			return a.SampleID < b.SampleID
		}
		return a.LayerIndex < b.LayerIndex
	})
	return out
}
