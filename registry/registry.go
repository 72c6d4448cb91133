package registry

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"pouw-captcha/internal/tensor"
	"pouw-captcha/logging"
)

var (
	ErrModelNotFound = errors.New("model not found")
	ErrInvalidConfig = errors.New("invalid model configuration")
)

const (
	MetadataFile   = "metadata.json"
	DefaultVersion = "1.0.0"
)

type ModelMetadata struct {
	Name                string   `json:"name"`
	Version             string   `json:"version"`
	Description         string   `json:"description,omitempty"`
	TaskType            string   `json:"task_type,omitempty"`
	Labels              []string `json:"labels,omitempty"`
	InputShape          []int    `json:"input_shape,omitempty"`
	OutputShape         []int    `json:"output_shape,omitempty"`
	ExpectedInferenceMs int      `json:"expected_inference_ms,omitempty"`
}

func (m ModelMetadata) clone() ModelMetadata {
	m.Labels = append([]string(nil), m.Labels...)
	m.InputShape = append([]int(nil), m.InputShape...)
	m.OutputShape = append([]int(nil), m.OutputShape...)
	return m
}

// metadataFile mirrors the metadata.json written by the model export tooling.
type metadataFile struct {
	Name         string   `json:"name"`
	Version      string   `json:"version"`
	Description  string   `json:"description"`
	TaskType     string   `json:"task_type"`
	Labels       []string `json:"labels"`
	Architecture struct {
		InputShape  json.RawMessage `json:"input_shape"`
		OutputShape json.RawMessage `json:"output_shape"`
	} `json:"architecture"`
	Performance struct {
		ExpectedInferenceMs int `json:"expected_inference_ms"`
	} `json:"performance"`
}

type catalog struct {
	models   map[string]ModelMetadata
	loadedAt time.Time
}

// Registry holds model metadata. Readers always see a complete catalog: writers
// build a new one and publish it with a single pointer swap.
type Registry struct {
	dir      string
	writeMu  sync.Mutex
	snapshot atomic.Pointer[catalog]
}

func New(dir string) *Registry {
	r := &Registry{dir: dir}
	r.snapshot.Store(&catalog{models: map[string]ModelMetadata{}})
	return r
}

func (r *Registry) Dir() string {
	return r.dir
}

// Load scans the models directory and replaces the catalog. Directories without
// a readable metadata file are skipped; the shard manager falls back to defaults
// for them.
func (r *Registry) Load(ctx context.Context) error {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		if os.IsNotExist(err) {
			logging.Warn("Models directory does not exist", logging.Registry, "dir", r.dir)
			r.publish(map[string]ModelMetadata{})
			return nil
		}
		return errors.Wrapf(ErrInvalidConfig, "read models dir %s: %v", r.dir, err)
	}

	models := make(map[string]ModelMetadata, len(entries))
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !entry.IsDir() {
			continue
		}
		path := filepath.Join(r.dir, entry.Name(), MetadataFile)
		meta, err := readMetadata(path, entry.Name())
		if err != nil {
			if !os.IsNotExist(errors.Cause(err)) {
				logging.Warn("Skipping unreadable model metadata", logging.Registry, "path", path, "error", err)
			}
			continue
		}
		models[meta.Name] = meta
	}

	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	r.publish(models)
	logging.Info("Model registry loaded", logging.Registry, "dir", r.dir, "models", len(models))
	return nil
}

func readMetadata(path string, dirName string) (ModelMetadata, error) {
	bytes, err := os.ReadFile(path)
	if err != nil {
		return ModelMetadata{}, errors.WithStack(err)
	}
	var file metadataFile
	if err := json.Unmarshal(bytes, &file); err != nil {
		return ModelMetadata{}, errors.Wrapf(ErrInvalidConfig, "parse %s: %v", path, err)
	}
	inputShape, err := tensor.ParseShape(file.Architecture.InputShape)
	if err != nil {
		return ModelMetadata{}, errors.Wrapf(ErrInvalidConfig, "input shape in %s: %v", path, err)
	}
	outputShape, err := tensor.ParseShape(file.Architecture.OutputShape)
	if err != nil {
		return ModelMetadata{}, errors.Wrapf(ErrInvalidConfig, "output shape in %s: %v", path, err)
	}

	meta := ModelMetadata{
		// The directory name is the model's identity; metadata names are informational.
		Name:                dirName,
		Version:             file.Version,
		Description:         file.Description,
		TaskType:            file.TaskType,
		Labels:              file.Labels,
		InputShape:          inputShape,
		OutputShape:         outputShape,
		ExpectedInferenceMs: file.Performance.ExpectedInferenceMs,
	}
	if meta.Version == "" {
		meta.Version = DefaultVersion
	}
	return meta, nil
}

// Register adds or replaces one model's metadata.
func (r *Registry) Register(meta ModelMetadata) error {
	if meta.Name == "" {
		return errors.Wrap(ErrInvalidConfig, "model name is required")
	}
	if meta.Version == "" {
		meta.Version = DefaultVersion
	}

	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	current := r.snapshot.Load().models
	next := make(map[string]ModelMetadata, len(current)+1)
	for name, m := range current {
		next[name] = m
	}
	next[meta.Name] = meta.clone()
	r.publish(next)
	return nil
}

func (r *Registry) publish(models map[string]ModelMetadata) {
	r.snapshot.Store(&catalog{models: models, loadedAt: time.Now()})
}

func (r *Registry) Get(name string) (ModelMetadata, bool) {
	meta, ok := r.snapshot.Load().models[name]
	if !ok {
		return ModelMetadata{}, false
	}
	return meta.clone(), true
}

func (r *Registry) Lookup(name string) (ModelMetadata, error) {
	meta, ok := r.Get(name)
	if !ok {
		return ModelMetadata{}, errors.Wrapf(ErrModelNotFound, "model %q", name)
	}
	return meta, nil
}

// LabelCount returns the number of output labels, or 0 when the model is unknown.
func (r *Registry) LabelCount(name string) int {
	return len(r.snapshot.Load().models[name].Labels)
}

func (r *Registry) List() []ModelMetadata {
	models := r.snapshot.Load().models
	out := make([]ModelMetadata, 0, len(models))
	for _, m := range models {
		out = append(out, m.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (r *Registry) LoadedAt() time.Time {
	return r.snapshot.Load().loadedAt
}
