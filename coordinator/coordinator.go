// Package coordinator turns a risk score into a concrete shard task.
package coordinator

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"pouw-captcha/difficulty"
	"pouw-captcha/groundtruth"
	"pouw-captcha/internal/metrics"
	"pouw-captcha/internal/tensor"
	"pouw-captcha/internal/timing"
	"pouw-captcha/logging"
	"pouw-captcha/shards"
)

var (
	ErrNoModelsAvailable = errors.New("no models available")
	ErrUnsupportedSample = errors.New("unsupported sample kind")
)

const DefaultModel = "mnist-tiny"

type Config struct {
	DefaultModel    string
	KnownSampleRate float64
	// Tolerance for ValidateShardOutput; zero or negative selects the cache default.
	Tolerance float64
}

func DefaultConfig() Config {
	return Config{DefaultModel: DefaultModel, KnownSampleRate: 0.1, Tolerance: -1}
}

// ShardSource is the part of shards.Manager the coordinator needs.
type ShardSource interface {
	AvailableModels() []string
	HasModel(name string) bool
	AssignLayers(taskID, modelName string, difficulty shards.Difficulty, layers int, input *tensor.Tensor) (shards.Assignment, error)
}

type AssignRequest struct {
	SessionID string
	RiskScore float64
	// DomainMultiplier scales the time budget; values <= 0 mean 1.
	DomainMultiplier float64
	AttackLevel      float64
	// Sample is optional; without one the pool or a random input is used.
	Sample Sample
}

type Task struct {
	ID                      string                `json:"task_id"`
	SessionID               string                `json:"session_id"`
	ModelName               string                `json:"model_name"`
	ModelVersion            string                `json:"model_version"`
	Shards                  []shards.Shard        `json:"shards"`
	Input                   tensor.Tensor         `json:"input"`
	SampleID                string                `json:"sample_id,omitempty"`
	ExpectedLayers          int                   `json:"expected_layers"`
	Difficulty              shards.Difficulty     `json:"difficulty"`
	Tier                    difficulty.Tier       `json:"tier"`
	Budget                  difficulty.TimeBudget `json:"time_budget"`
	ExpectedTimeMs          int                   `json:"expected_time_ms"`
	GroundTruthKey          string                `json:"ground_truth_key"`
	EstimatedComputeMs      int                   `json:"estimated_compute_ms"`
	TaskType                string                `json:"task_type"`
	BatchSize               int                   `json:"batch_size"`
	KnownLabel              string                `json:"-"`
	VerificationProbability float64               `json:"-"`
	CreatedAt               time.Time             `json:"created_at"`
}

func (t Task) IsKnownSample() bool {
	return t.KnownLabel != ""
}

// TierConfig rebuilds the configuration the task was assigned under.
func (t Task) TierConfig() difficulty.TierConfig {
	return difficulty.TierConfig{
		Tier:                    t.Tier,
		Layers:                  t.ExpectedLayers,
		ShardDifficulty:         string(t.Difficulty),
		Budget:                  t.Budget,
		VerificationProbability: t.VerificationProbability,
		Model:                   t.ModelName,
		TaskType:                t.TaskType,
		BatchSize:               t.BatchSize,
	}
}

// Escalation is the input for the later human-verification decision.
type Escalation struct {
	Tier                    difficulty.Tier `json:"tier"`
	VerificationProbability float64         `json:"verification_probability"`
}

type Coordinator struct {
	cfg     Config
	policy  *difficulty.Policy
	shards  ShardSource
	cache   *groundtruth.Cache
	samples SampleSource
	forward ModelForwardFunc
	chance  func() float64
	now     func() time.Time

	assigned map[difficulty.Tier]*atomic.Int64
}

func New(cfg Config, policy *difficulty.Policy, source ShardSource, cache *groundtruth.Cache) *Coordinator {
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = DefaultModel
	}
	if cfg.Tolerance <= 0 {
		cfg.Tolerance = groundtruth.DefaultTolerance
	}
	assigned := make(map[difficulty.Tier]*atomic.Int64, len(difficulty.Tiers))
	for _, tier := range difficulty.Tiers {
		assigned[tier] = &atomic.Int64{}
	}
	return &Coordinator{
		cfg:      cfg,
		policy:   policy,
		shards:   source,
		cache:    cache,
		chance:   rand.Float64,
		now:      time.Now,
		assigned: assigned,
	}
}

func (c *Coordinator) WithSampleSource(source SampleSource) *Coordinator {
	c.samples = source
	return c
}

// ModelForwardFunc is a ForwardFunc that also names the model to run.
type ModelForwardFunc func(ctx context.Context, model string, input tensor.Tensor, layer int) (tensor.Tensor, error)

// WithForward enables lazy ground-truth computation for assigned layers. The
// same forward pass serves every model.
func (c *Coordinator) WithForward(forward groundtruth.ForwardFunc) *Coordinator {
	c.forward = func(ctx context.Context, _ string, input tensor.Tensor, layer int) (tensor.Tensor, error) {
		return forward(ctx, input, layer)
	}
	return c
}

func (c *Coordinator) WithModelForward(forward ModelForwardFunc) *Coordinator {
	c.forward = forward
	return c
}

// WithChance replaces the source of the honeypot draw. fn returns values in [0, 1).
func (c *Coordinator) WithChance(fn func() float64) *Coordinator {
	c.chance = fn
	return c
}

func (c *Coordinator) WithClock(now func() time.Time) *Coordinator {
	c.now = now
	return c
}

// TierFor never fails: NaN and out-of-range scores resolve through the policy's
// clamping, which maps NaN to normal.
func (c *Coordinator) TierFor(risk float64) difficulty.Tier {
	return c.policy.TierFor(risk)
}

// TierConfig returns the adjusted configuration a task in tier would get now.
func (c *Coordinator) TierConfig(tier difficulty.Tier) difficulty.TierConfig {
	return c.policy.Adjusted(tier, 1, 0)
}

func (c *Coordinator) AssignTask(ctx context.Context, req AssignRequest) (Task, Escalation, error) {
	defer timing.TimeOperation("assign_task")()

	tier := c.TierFor(req.RiskScore)
	tc := c.policy.Adjusted(tier, req.DomainMultiplier, req.AttackLevel)

	modelName, err := c.chooseModel(tc)
	if err != nil {
		return Task{}, Escalation{}, err
	}

	sample, honeypot := c.chooseSample(ctx, req.Sample)
	var input *tensor.Tensor
	if sample != nil {
		image, ok := sample.(ImageSample)
		if !ok {
			return Task{}, Escalation{}, errors.Wrapf(ErrUnsupportedSample, "%s samples cannot drive tensor shards", sample.Kind())
		}
		input = &image.Tensor
	}

	taskID := uuid.NewString()
	assignment, err := c.shards.AssignLayers(taskID, modelName, shards.Difficulty(tc.ShardDifficulty), tc.Layers, input)
	if err != nil {
		return Task{}, Escalation{}, errors.Wrapf(err, "assign shards for task %s", taskID)
	}

	inputHash := assignment.Input.Hash()
	task := Task{
		ID:                      taskID,
		SessionID:               req.SessionID,
		ModelName:               assignment.ModelName,
		ModelVersion:            assignment.ModelVersion,
		Shards:                  assignment.Shards,
		Input:                   assignment.Input,
		ExpectedLayers:          assignment.ExpectedLayers,
		Difficulty:              assignment.Difficulty,
		Tier:                    tier,
		Budget:                  tc.Budget,
		ExpectedTimeMs:          tc.Budget.TypicalMs,
		GroundTruthKey:          groundtruth.MakeKey(assignment.ModelName, inputHash, assignment.ExpectedLayers-1).String(),
		EstimatedComputeMs:      shards.EstimateComputationTime(assignment.Shards),
		TaskType:                tc.TaskType,
		BatchSize:               tc.BatchSize,
		VerificationProbability: tc.VerificationProbability,
		CreatedAt:               c.now(),
	}
	if sample != nil {
		task.SampleID = sample.SampleID()
	}
	if honeypot {
		task.KnownLabel = sample.KnownLabel()
	}

	if c.forward != nil {
		c.ensureGroundTruth(ctx, assignment, inputHash)
	}

	c.assigned[tier].Add(1)
	metrics.TasksAssigned.WithLabelValues(string(tier)).Inc()
	logging.Debug("Assigned task", logging.Coordinator,
		"taskId", task.ID, "session", task.SessionID, "tier", tier, "model", task.ModelName,
		"layers", task.ExpectedLayers, "known", task.IsKnownSample())

	return task, Escalation{Tier: tier, VerificationProbability: tc.VerificationProbability}, nil
}

func (c *Coordinator) chooseModel(tc difficulty.TierConfig) (string, error) {
	if tc.Model != "" && c.shards.HasModel(tc.Model) {
		return tc.Model, nil
	}
	if tc.Model != "" {
		logging.Warn("Tier model not loaded, falling back", logging.Coordinator, "tier", tc.Tier, "model", tc.Model)
	}
	if c.shards.HasModel(c.cfg.DefaultModel) {
		return c.cfg.DefaultModel, nil
	}
	available := c.shards.AvailableModels()
	if len(available) == 0 {
		return "", ErrNoModelsAvailable
	}
	return available[0], nil
}

// chooseSample injects a known-label sample at the configured rate and reports
// whether it did. Otherwise the requested sample is kept, or one is drawn from
// the pool. A nil sample means a random input.
func (c *Coordinator) chooseSample(ctx context.Context, requested Sample) (Sample, bool) {
	if c.samples == nil {
		return requested, false
	}
	if c.cfg.KnownSampleRate > 0 && c.chance() < c.cfg.KnownSampleRate {
		known, ok, err := c.samples.NextSample(ctx, true)
		if err != nil {
			logging.Warn("Known sample source failed", logging.Coordinator, "error", err)
		} else if ok {
			return known, true
		}
	}
	if requested != nil {
		return requested, false
	}
	sample, ok, err := c.samples.NextSample(ctx, false)
	if err != nil {
		logging.Warn("Sample source failed, using random input", logging.Coordinator, "error", err)
		return nil, false
	}
	if !ok {
		return nil, false
	}
	return sample, false
}

// ensureGroundTruth computes missing entries for every assigned layer and the
// final output. Failures are logged; the task is still handed out.
func (c *Coordinator) ensureGroundTruth(ctx context.Context, assignment shards.Assignment, inputHash string) {
	input := assignment.Input
	layers := make([]int, 0, len(assignment.Shards)+1)
	names := make(map[int]string, len(assignment.Shards))
	for i, s := range assignment.Shards {
		layers = append(layers, i)
		names[i] = s.Name
	}
	layers = append(layers, groundtruth.FinalLayer)

	for _, layer := range layers {
		key := groundtruth.MakeKey(assignment.ModelName, inputHash, layer)
		_, err := c.cache.GetOrCompute(ctx, key, func(ctx context.Context) (groundtruth.AddRequest, error) {
			output, err := c.forward(ctx, assignment.ModelName, input, layer)
			if err != nil {
				return groundtruth.AddRequest{}, err
			}
			return groundtruth.AddRequest{
				Version:   assignment.ModelVersion,
				LayerName: names[layer],
				Input:     input.Data,
				Output:    output,
				StoreFull: layer == groundtruth.FinalLayer,
			}, nil
		})
		if err != nil {
			logging.Warn("Ground truth unavailable", logging.Coordinator, "key", key, "error", err)
		}
	}
}

// ValidateShardOutput checks one layer of a task's output against the cache.
func (c *Coordinator) ValidateShardOutput(task Task, layerIndex int, output tensor.Tensor) groundtruth.Verdict {
	key, err := groundtruth.ParseKey(task.GroundTruthKey)
	if err != nil {
		return groundtruth.Verdict{Status: groundtruth.Mismatched, Message: fmt.Sprintf("invalid ground truth key: %v", err)}
	}
	return c.cache.Validate(key.SampleID, key.Model, layerIndex, output, c.cfg.Tolerance)
}

type Stats struct {
	TasksByTier map[difficulty.Tier]int64 `json:"task_counts"`
	TotalTasks  int64                     `json:"total_tasks"`
}

func (c *Coordinator) Stats() Stats {
	stats := Stats{TasksByTier: make(map[difficulty.Tier]int64, len(c.assigned))}
	for tier, counter := range c.assigned {
		n := counter.Load()
		stats.TasksByTier[tier] = n
		stats.TotalTasks += n
	}
	return stats
}
