package risk

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"pouw-captcha/internal/store"
	"pouw-captcha/logging"
)

// ReputationClient is the reputation service as seen by the scorer and the
// validator.
type ReputationClient interface {
	// ReputationScore returns the stored score; ok is false for unknown fingerprints.
	ReputationScore(ctx context.Context, fingerprint string) (score float64, ok bool, err error)
	RecordKnownSampleResult(ctx context.Context, fingerprint string, correct bool) error
}

func ReputationKey(fingerprint string) string    { return "reputation:" + fingerprint }
func KnownAccuracyKey(fingerprint string) string { return "known_accuracy:" + fingerprint }

type ReputationConfig struct {
	Initial       float64
	Min           float64
	Max           float64
	Bonus         float64
	Penalty       float64
	AccuracyAlpha float64
	AccuracyTTL   time.Duration
}

func DefaultReputationConfig() ReputationConfig {
	return ReputationConfig{
		Initial:       1.0,
		Min:           0,
		Max:           5.0,
		Bonus:         0.1,
		Penalty:       0.2,
		AccuracyAlpha: 0.2,
		AccuracyTTL:   24 * time.Hour,
	}
}

// StoreReputation keeps reputation and honeypot accuracy in the signal store.
type StoreReputation struct {
	store store.Store
	cfg   ReputationConfig
}

func NewStoreReputation(s store.Store, cfg ReputationConfig) *StoreReputation {
	return &StoreReputation{store: s, cfg: cfg}
}

func (r *StoreReputation) ReputationScore(ctx context.Context, fingerprint string) (float64, bool, error) {
	return r.store.GetFloat(ctx, ReputationKey(fingerprint))
}

// RecordKnownSampleResult folds one honeypot outcome into the accuracy moving
// average and nudges the reputation score.
func (r *StoreReputation) RecordKnownSampleResult(ctx context.Context, fingerprint string, correct bool) error {
	if fingerprint == "" {
		return nil
	}
	observed := 0.0
	if correct {
		observed = 1.0
	}
	accuracy, err := r.store.Update(ctx, KnownAccuracyKey(fingerprint), r.cfg.AccuracyTTL, func(current float64, ok bool) float64 {
		return ema(current, ok, observed, r.cfg.AccuracyAlpha)
	})
	if err != nil {
		return errors.Wrap(err, "update known sample accuracy")
	}

	delta := -r.cfg.Penalty
	if correct {
		delta = r.cfg.Bonus
	}
	score, err := r.store.Update(ctx, ReputationKey(fingerprint), 0, func(current float64, ok bool) float64 {
		if !ok {
			current = r.cfg.Initial
		}
		return clamp(current+delta, r.cfg.Min, r.cfg.Max)
	})
	if err != nil {
		return errors.Wrap(err, "update reputation")
	}

	logging.Debug("Recorded known sample result", logging.Risk, "fingerprint", fingerprint, "correct", correct, "accuracy", accuracy, "reputation", score)
	return nil
}

func ema(current float64, ok bool, observed, alpha float64) float64 {
	if !ok {
		return observed
	}
	return alpha*observed + (1-alpha)*current
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
