package shards

import (
	"context"
	"math/rand/v2"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"

	"pouw-captcha/internal/tensor"
	"pouw-captcha/internal/timing"
	"pouw-captcha/logging"
	"pouw-captcha/registry"
)

// DefaultLayerIndex maps the layer names of the reference CNN export to shard
// indices. It is used for models whose manifest does not name the layer.
var DefaultLayerIndex = map[string]int{
	"conv1":   0,
	"pool1":   1,
	"conv2":   2,
	"pool2":   3,
	"flatten": 4,
	"dense1":  5,
	"output":  6,
}

type model struct {
	shards     []Shard
	meta       registry.ModelMetadata
	hasMeta    bool
	layerIndex map[string]int
}

type snapshot struct {
	models map[string]model
	names  []string
}

type MetadataSource interface {
	Get(name string) (registry.ModelMetadata, bool)
}

// Manager serves shard prefixes for the models found under its directory.
type Manager struct {
	dir      string
	metadata MetadataSource

	reloadMu sync.Mutex
	current  atomic.Pointer[snapshot]
}

func NewManager(dir string, metadata MetadataSource) *Manager {
	m := &Manager{dir: dir, metadata: metadata}
	m.current.Store(&snapshot{models: map[string]model{}})
	return m
}

func (m *Manager) Load(ctx context.Context) error {
	return m.Reload(ctx)
}

// Reload rebuilds the whole catalog from disk and swaps it in at once. On error
// the previous catalog stays active.
func (m *Manager) Reload(ctx context.Context) error {
	defer timing.TimeOperation("shards_reload")()

	m.reloadMu.Lock()
	defer m.reloadMu.Unlock()

	next, err := m.scan(ctx)
	if err != nil {
		return err
	}
	m.current.Store(next)
	logging.Info("ShardManager loaded", logging.Shards, "dir", m.dir, "models", len(next.names))
	return nil
}

func (m *Manager) scan(ctx context.Context) (*snapshot, error) {
	next := &snapshot{models: map[string]model{}}
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		if os.IsNotExist(err) {
			logging.Warn("Models directory does not exist", logging.Shards, "dir", m.dir)
			return next, nil
		}
		return nil, errors.Wrapf(err, "read models dir %s", m.dir)
	}

	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !entry.IsDir() {
			continue
		}
		name := entry.Name()
		loaded, skipped, err := LoadManifest(filepath.Join(m.dir, name))
		if err != nil {
			logging.Warn("Skipping model", logging.Shards, "model", name, "error", err)
			continue
		}
		for _, skipErr := range skipped {
			logging.Warn("Skipping shard", logging.Shards, "model", name, "error", skipErr)
		}
		if len(loaded) == 0 {
			logging.Warn("Model has no usable shards", logging.Shards, "model", name)
			continue
		}

		catalogued := model{shards: loaded, layerIndex: make(map[string]int, len(loaded))}
		for i, s := range loaded {
			catalogued.layerIndex[s.Name] = i
		}
		if m.metadata != nil {
			catalogued.meta, catalogued.hasMeta = m.metadata.Get(name)
		}
		next.models[name] = catalogued
		next.names = append(next.names, name)
		logging.Debug("Loaded shards", logging.Shards, "model", name, "shards", len(loaded))
	}
	sort.Strings(next.names)
	return next, nil
}

func (m *Manager) AvailableModels() []string {
	return append([]string(nil), m.current.Load().names...)
}

func (m *Manager) HasModel(name string) bool {
	_, ok := m.current.Load().models[name]
	return ok
}

// Metadata returns the registry metadata captured when the model was loaded.
func (m *Manager) Metadata(name string) (registry.ModelMetadata, bool) {
	entry, ok := m.current.Load().models[name]
	if !ok || !entry.hasMeta {
		return registry.ModelMetadata{}, false
	}
	return entry.meta, true
}

func (m *Manager) Version(name string) string {
	if meta, ok := m.Metadata(name); ok && meta.Version != "" {
		return meta.Version
	}
	return registry.DefaultVersion
}

func (m *Manager) Shards(name string) ([]Shard, bool) {
	entry, ok := m.current.Load().models[name]
	if !ok {
		return nil, false
	}
	return append([]Shard(nil), entry.shards...), true
}

func (m *Manager) ShardByIndex(name string, index int) (Shard, bool) {
	entry, ok := m.current.Load().models[name]
	if !ok || index < 0 || index >= len(entry.shards) {
		return Shard{}, false
	}
	return entry.shards[index], true
}

// LayerIndex resolves a reported layer name to its shard position.
func (m *Manager) LayerIndex(modelName, layerName string) (int, bool) {
	if entry, ok := m.current.Load().models[modelName]; ok {
		if index, ok := entry.layerIndex[layerName]; ok {
			return index, true
		}
	}
	index, ok := DefaultLayerIndex[layerName]
	return index, ok
}

// AssignShards hands out the first difficulty.LayerCount() shards of a model.
// A nil input is replaced with random values shaped for the first shard.
func (m *Manager) AssignShards(taskID, modelName string, difficulty Difficulty, input *tensor.Tensor) (Assignment, error) {
	return m.AssignLayers(taskID, modelName, difficulty, difficulty.LayerCount(), input)
}

// AssignLayers hands out the first layers shards of a model, capped by the
// model depth. A non-positive count falls back to difficulty.LayerCount().
func (m *Manager) AssignLayers(taskID, modelName string, difficulty Difficulty, layers int, input *tensor.Tensor) (Assignment, error) {
	entry, ok := m.current.Load().models[modelName]
	if !ok {
		return Assignment{}, errors.Wrapf(registry.ErrModelNotFound, "model %q has no shards", modelName)
	}

	if layers <= 0 {
		layers = difficulty.LayerCount()
	}
	count := min(layers, len(entry.shards))
	assigned := append([]Shard(nil), entry.shards[:count]...)
	inputShape := tensor.Concrete(assigned[0].InputShape)

	var in tensor.Tensor
	if input == nil {
		in = randomInput(inputShape)
	} else {
		if !input.Matches(inputShape) {
			return Assignment{}, errors.Wrapf(tensor.ErrShapeMismatch, "input %s does not fit %v", input, inputShape)
		}
		in = tensor.Tensor{Shape: inputShape, Data: input.Data}
	}

	version := registry.DefaultVersion
	if entry.hasMeta && entry.meta.Version != "" {
		version = entry.meta.Version
	}

	logging.Debug("Assigned shards", logging.Shards, "taskId", taskID, "model", modelName, "layers", count, "difficulty", difficulty)
	return Assignment{
		TaskID:         taskID,
		ModelName:      modelName,
		ModelVersion:   version,
		Shards:         assigned,
		Input:          in,
		ExpectedLayers: count,
		Difficulty:     difficulty,
	}, nil
}

// randomInput draws normalized values in [0, 1).
func randomInput(shape []int) tensor.Tensor {
	data := make([]float64, tensor.Size(shape))
	for i := range data {
		data[i] = rand.Float64()
	}
	return tensor.Tensor{Shape: shape, Data: data}
}
