package validation

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"sort"
	"strings"

	"pouw-captcha/coordinator"
	"pouw-captcha/difficulty"
	"pouw-captcha/groundtruth"
	"pouw-captcha/internal/metrics"
	"pouw-captcha/internal/tensor"
	"pouw-captcha/internal/timing"
	"pouw-captcha/logging"
	"pouw-captcha/risk"
)

type LayerStatus string

const (
	Pass       LayerStatus = "pass"
	Fail       LayerStatus = "fail"
	Unverified LayerStatus = "unverified"
)

type Config struct {
	// MinTimeFraction of the expected time below which a report is too fast.
	MinTimeFraction float64
	// Tolerance for the numeric fallback; zero or negative selects the cache default.
	Tolerance               float64
	LowConfidenceThreshold  float64
	LowConfidenceMultiplier float64
	MaxConfidenceSum        float64
}

func DefaultConfig() Config {
	return Config{
		MinTimeFraction:         0.1,
		Tolerance:               groundtruth.DefaultTolerance,
		LowConfidenceThreshold:  0.5,
		LowConfidenceMultiplier: 1.5,
		MaxConfidenceSum:        1.1,
	}
}

// LayerIndexer resolves reported layer names; shards.Manager implements it.
type LayerIndexer interface {
	LayerIndex(modelName, layerName string) (int, bool)
}

// ClientProof is what the client returns for a shard task: the flattened
// output of each layer it computed, keyed by layer name.
type ClientProof struct {
	LayerOutputs    map[string][]float64 `json:"layer_outputs"`
	FinalPrediction *int                 `json:"final_prediction,omitempty"`
}

type TimingReport struct {
	InferenceMs float64 `json:"inference_ms"`
	TotalMs     float64 `json:"total_ms,omitempty"`
}

type RankedLabel struct {
	Label      string  `json:"label"`
	Confidence float64 `json:"confidence"`
}

type Prediction struct {
	Label      string        `json:"label"`
	Confidence float64       `json:"confidence"`
	TopK       []RankedLabel `json:"top_k"`
}

type TimingCheck struct {
	Valid bool `json:"valid"`
	// Slow is set above the budget maximum. It never fails the check.
	Slow        bool    `json:"slow"`
	InferenceMs float64 `json:"inference_ms"`
	MinMs       float64 `json:"min_ms"`
	Reason      string  `json:"reason,omitempty"`
}

type LayerResult struct {
	Layer    string      `json:"layer"`
	Index    int         `json:"index"`
	Status   LayerStatus `json:"status"`
	Expected string      `json:"expected_hash,omitempty"`
	Actual   string      `json:"actual_hash,omitempty"`
	Reason   string      `json:"reason,omitempty"`
}

type FinalPredictionCheck struct {
	Status    LayerStatus `json:"status"`
	Predicted int         `json:"predicted"`
	Expected  *int        `json:"expected,omitempty"`
	Reason    string      `json:"reason,omitempty"`
}

type ShardValidationResult struct {
	TaskID          string                `json:"task_id"`
	Timing          TimingCheck           `json:"timing"`
	Layers          []LayerResult         `json:"layers"`
	FinalPrediction *FinalPredictionCheck `json:"final_prediction,omitempty"`
	// Diagnostic is set when the task itself could not be checked, or when
	// nothing reported was compared against ground truth. The latter does not
	// change Valid.
	Diagnostic string `json:"diagnostic,omitempty"`
	Valid      bool   `json:"valid"`
}

func (r ShardValidationResult) IsSuccessful() bool {
	return r.Valid
}

// Unverified counts layers that had no ground truth to compare against. A
// result where every layer is unverified is still Valid when timing passed.
func (r ShardValidationResult) Unverified() int {
	n := 0
	for _, l := range r.Layers {
		if l.Status == Unverified {
			n++
		}
	}
	return n
}

func (r ShardValidationResult) verifiedAny() bool {
	for _, l := range r.Layers {
		if l.Status != Unverified {
			return true
		}
	}
	return r.FinalPrediction != nil && r.FinalPrediction.Status != Unverified
}

type KnownSampleCheck struct {
	Expected  string `json:"expected"`
	Predicted string `json:"predicted"`
	Correct   bool   `json:"correct"`
}

type PredictionValidationResult struct {
	TaskID      string            `json:"task_id"`
	Timing      TimingCheck       `json:"timing"`
	KnownSample *KnownSampleCheck `json:"known_sample,omitempty"`
	Plausible   bool              `json:"plausible"`
	Reason      string            `json:"reason,omitempty"`
	Valid       bool              `json:"valid"`
}

func (r PredictionValidationResult) IsSuccessful() bool {
	return r.Valid
}

type InferenceValidator struct {
	cfg        Config
	cache      *groundtruth.Cache
	layers     LayerIndexer
	reputation risk.ReputationClient
	chance     func() float64
}

// NewInferenceValidator builds a validator. reputation may be nil, in which case
// known-sample results are only logged.
func NewInferenceValidator(cfg Config, cache *groundtruth.Cache, layers LayerIndexer, reputation risk.ReputationClient) *InferenceValidator {
	if cfg.Tolerance <= 0 {
		cfg.Tolerance = groundtruth.DefaultTolerance
	}
	return &InferenceValidator{
		cfg:        cfg,
		cache:      cache,
		layers:     layers,
		reputation: reputation,
		chance:     rand.Float64,
	}
}

// WithChance replaces the source of the verification draw. fn returns values in [0, 1).
func (v *InferenceValidator) WithChance(fn func() float64) *InferenceValidator {
	v.chance = fn
	return v
}

// ValidateShards checks every reported layer and never stops at the first
// failure. Layers without ground truth are reported as unverified and do not
// fail the result.
func (v *InferenceValidator) ValidateShards(task coordinator.Task, proof ClientProof, report TimingReport) ShardValidationResult {
	defer timing.TimeOperation("validate_shards")()

	result := ShardValidationResult{TaskID: task.ID}
	result.Timing = v.checkTiming(task, report)

	key, err := groundtruth.ParseKey(task.GroundTruthKey)
	if err != nil {
		result.Diagnostic = fmt.Sprintf("invalid ground truth key: %v", err)
		countCheck("ground_truth_key", false)
		logging.Error("Cannot validate task", logging.Validation, "taskId", task.ID, "key", task.GroundTruthKey, "error", err)
		return result
	}

	failed := false
	for _, name := range v.orderedLayers(key.Model, proof.LayerOutputs) {
		layer := v.checkLayer(key, name, proof.LayerOutputs[name])
		metrics.ValidationChecks.WithLabelValues("layer", string(layer.Status)).Inc()
		if layer.Status == Fail {
			failed = true
			logging.Warn("Shard validation failed", logging.Validation, "taskId", task.ID, "layer", name, "reason", layer.Reason)
		}
		result.Layers = append(result.Layers, layer)
	}

	if proof.FinalPrediction != nil {
		final := v.checkFinalPrediction(key, *proof.FinalPrediction)
		metrics.ValidationChecks.WithLabelValues("final_prediction", string(final.Status)).Inc()
		if final.Status == Fail {
			failed = true
			logging.Warn("Final prediction mismatch", logging.Validation,
				"taskId", task.ID, "predicted", final.Predicted, "expected", final.Expected)
		}
		result.FinalPrediction = &final
	}

	result.Valid = result.Timing.Valid && !failed
	switch {
	case len(result.Layers) == 0 && result.FinalPrediction == nil:
		result.Diagnostic = "no layers reported"
	case !result.verifiedAny():
		result.Diagnostic = "no reported output had ground truth"
	}
	logging.Debug("Validated shard task", logging.Validation,
		"taskId", task.ID, "valid", result.Valid, "layers", len(result.Layers), "unverified", result.Unverified())
	return result
}

// orderedLayers sorts reported layers by resolved index; unknown names go last.
func (v *InferenceValidator) orderedLayers(model string, outputs map[string][]float64) []string {
	names := make([]string, 0, len(outputs))
	for name := range outputs {
		names = append(names, name)
	}
	rank := func(name string) int {
		if index, ok := v.layers.LayerIndex(model, name); ok {
			return index
		}
		return math.MaxInt
	}
	sort.Slice(names, func(i, j int) bool {
		ri, rj := rank(names[i]), rank(names[j])
		if ri != rj {
			return ri < rj
		}
		return names[i] < names[j]
	})
	return names
}

func (v *InferenceValidator) checkLayer(key groundtruth.Key, name string, output []float64) LayerResult {
	index, ok := v.layers.LayerIndex(key.Model, name)
	if !ok {
		return LayerResult{Layer: name, Index: -1, Status: Fail, Actual: tensor.Hash(output), Reason: "unknown layer"}
	}
	verdict := v.cache.Validate(key.SampleID, key.Model, index, tensor.Flat(output), v.cfg.Tolerance)
	result := LayerResult{Layer: name, Index: index, Expected: verdict.Expected, Actual: verdict.Actual, Reason: verdict.Message}
	switch verdict.Status {
	case groundtruth.Matched:
		result.Status = Pass
	case groundtruth.Missing:
		result.Status = Unverified
	default:
		result.Status = Fail
	}
	return result
}

func (v *InferenceValidator) checkFinalPrediction(key groundtruth.Key, predicted int) FinalPredictionCheck {
	check := FinalPredictionCheck{Predicted: predicted}
	entry, ok := v.cache.Get(key.SampleID, key.Model, groundtruth.FinalLayer)
	if !ok || entry.TopPrediction == nil {
		check.Status = Unverified
		check.Reason = "no final prediction on record"
		return check
	}
	check.Expected = entry.TopPrediction
	if predicted != *entry.TopPrediction {
		check.Status = Fail
		check.Reason = fmt.Sprintf("predicted %d, expected %d", predicted, *entry.TopPrediction)
		return check
	}
	check.Status = Pass
	return check
}

// checkTiming rejects reports faster than the minimum fraction of the expected
// time. Reports slower than the budget maximum are flagged only.
func (v *InferenceValidator) checkTiming(task coordinator.Task, report TimingReport) TimingCheck {
	check := TimingCheck{
		Valid:       true,
		InferenceMs: report.InferenceMs,
		MinMs:       float64(task.ExpectedTimeMs) * v.cfg.MinTimeFraction,
	}
	if math.IsNaN(report.InferenceMs) || report.InferenceMs < check.MinMs {
		check.Valid = false
		check.Reason = fmt.Sprintf("inference took %gms, minimum is %gms", report.InferenceMs, check.MinMs)
		logging.Warn("Suspiciously fast inference", logging.Validation,
			"taskId", task.ID, "inferenceMs", report.InferenceMs, "minMs", check.MinMs)
	}
	if task.Budget.MaxMs > 0 && report.InferenceMs > float64(task.Budget.MaxMs) {
		check.Slow = true
		logging.Info("Slow inference", logging.Validation, "taskId", task.ID, "inferenceMs", report.InferenceMs, "maxMs", task.Budget.MaxMs)
	}
	countCheck("timing", check.Valid)
	return check
}

// ValidatePrediction checks a whole-model prediction: timing, then the known
// sample, then plausibility. A wrong answer on a known sample is reported to the
// reputation client but does not fail the result.
func (v *InferenceValidator) ValidatePrediction(ctx context.Context, task coordinator.Task, fingerprint string, prediction Prediction, report TimingReport) PredictionValidationResult {
	defer timing.TimeOperation("validate_prediction")()

	result := PredictionValidationResult{TaskID: task.ID}
	result.Timing = v.checkTiming(task, report)

	if task.IsKnownSample() {
		known := KnownSampleCheck{
			Expected:  task.KnownLabel,
			Predicted: prediction.Label,
			Correct:   strings.EqualFold(strings.TrimSpace(prediction.Label), strings.TrimSpace(task.KnownLabel)),
		}
		result.KnownSample = &known
		countCheck("known_sample", known.Correct)
		if !known.Correct {
			logging.Info("Known sample mismatch", logging.Validation,
				"taskId", task.ID, "predicted", prediction.Label, "expected", task.KnownLabel)
		}
		v.recordKnownSample(ctx, fingerprint, known.Correct)
	}

	result.Plausible, result.Reason = v.checkPlausibility(prediction)
	countCheck("plausibility", result.Plausible)

	result.Valid = result.Timing.Valid && result.Plausible
	if !result.Valid {
		logging.Warn("Prediction validation failed", logging.Validation,
			"taskId", task.ID, "timing", result.Timing.Valid, "plausibility", result.Plausible, "reason", result.Reason)
	}
	return result
}

func (v *InferenceValidator) recordKnownSample(ctx context.Context, fingerprint string, correct bool) {
	if v.reputation == nil {
		return
	}
	if err := v.reputation.RecordKnownSampleResult(ctx, fingerprint, correct); err != nil {
		logging.Warn("Failed to record known sample result", logging.Validation, "error", err)
	}
}

func (v *InferenceValidator) checkPlausibility(p Prediction) (bool, string) {
	if math.IsNaN(p.Confidence) || p.Confidence < 0 || p.Confidence > 1 {
		return false, fmt.Sprintf("confidence %g outside [0, 1]", p.Confidence)
	}
	if len(p.TopK) == 0 {
		return false, "empty top-k list"
	}
	if p.TopK[0].Label != p.Label {
		return false, fmt.Sprintf("top-k leader %q differs from label %q", p.TopK[0].Label, p.Label)
	}
	sum := 0.0
	for _, ranked := range p.TopK {
		sum += ranked.Confidence
	}
	if sum > v.cfg.MaxConfidenceSum {
		logging.Warn("Top-k confidences exceed one", logging.Validation, "sum", sum)
	}
	return true, ""
}

// ShouldRequireVerification draws whether the session goes to human
// verification. The bot-like tier, or a probability of 1, always requires it
// without a draw. Low confidence scales the probability up.
func (v *InferenceValidator) ShouldRequireVerification(tc difficulty.TierConfig, confidence *float64) bool {
	p := tc.VerificationProbability
	if tc.Tier == difficulty.BotLike || p >= 1 {
		metrics.ValidationChecks.WithLabelValues("verification", "required").Inc()
		return true
	}
	if confidence != nil && *confidence < v.cfg.LowConfidenceThreshold {
		p = math.Min(1, p*v.cfg.LowConfidenceMultiplier)
	}
	required := v.chance() < p
	outcome := "skipped"
	if required {
		outcome = "required"
	}
	metrics.ValidationChecks.WithLabelValues("verification", outcome).Inc()
	return required
}

type Summary struct {
	TaskID             string   `json:"task_id"`
	GroundTruthEntries int      `json:"ground_truth_entries"`
	ModelsCached       []string `json:"models_cached"`
	CacheSizeMB        float64  `json:"cache_size_mb"`
}

// Summary reports the cache state a task was validated against.
func (v *InferenceValidator) Summary(taskID string) Summary {
	stats := v.cache.Stats()
	return Summary{
		TaskID:             taskID,
		GroundTruthEntries: stats.TotalEntries,
		ModelsCached:       stats.ModelsCached,
		CacheSizeMB:        math.Round(stats.CacheSizeMB*100) / 100,
	}
}

func countCheck(check string, ok bool) {
	result := string(Pass)
	if !ok {
		result = string(Fail)
	}
	metrics.ValidationChecks.WithLabelValues(check, result).Inc()
}
