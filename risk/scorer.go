// Package risk turns request signals into a score in [0, 1]. Higher means more
// likely automated.
package risk

import (
	"context"
	"math"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"pouw-captcha/internal/hashing"
	"pouw-captcha/internal/metrics"
	"pouw-captcha/internal/store"
	"pouw-captcha/logging"
)

type Weights struct {
	Frequency  float64
	Velocity   float64
	Behavioral float64
	Reputation float64
	Honeypot   float64
}

type Config struct {
	Weights               Weights
	FrequencyThreshold    int
	FastVelocityMs        float64
	NormalTimeMs          float64
	MaxReputation         float64
	DefaultReputationRisk float64
	VelocityAlpha         float64
	RateTTL               time.Duration
	VelocityTTL           time.Duration
}

func DefaultConfig() Config {
	return Config{
		Weights: Weights{
			Frequency:  0.30,
			Velocity:   0.20,
			Behavioral: 0.20,
			Reputation: 0.15,
			Honeypot:   0.15,
		},
		FrequencyThreshold:    10,
		FastVelocityMs:        200,
		NormalTimeMs:          500,
		MaxReputation:         5.0,
		DefaultReputationRisk: 0.3,
		VelocityAlpha:         0.3,
		RateTTL:               60 * time.Second,
		VelocityTTL:           time.Hour,
	}
}

var headlessMarkers = []string{"headlesschrome", "phantomjs", "selenium", "webdriver", "puppeteer"}

const shortUserAgent = 20

type ClientSignals struct {
	IP          string
	UserAgent   string
	SiteKey     string
	Fingerprint string
}

type Components struct {
	Frequency  float64 `json:"frequency"`
	Velocity   float64 `json:"velocity"`
	Behavioral float64 `json:"behavioral"`
	Reputation float64 `json:"reputation"`
	Honeypot   float64 `json:"honeypot"`
}

type Score struct {
	Value float64 `json:"value"`
	// ClientID is the anonymized ip/user-agent hash the rate and velocity
	// signals are keyed by.
	ClientID   string     `json:"client_id"`
	Components Components `json:"components"`
}

type Scorer struct {
	cfg        Config
	store      store.Store
	reputation ReputationClient
}

// NewScorer builds a scorer. reputation may be nil, in which case the reputation
// sub-score always takes its default.
func NewScorer(cfg Config, s store.Store, reputation ReputationClient) *Scorer {
	return &Scorer{cfg: cfg, store: s, reputation: reputation}
}

func ClientID(ip, userAgent string) string {
	return hashing.Fingerprint(ip, userAgent)
}

func RateKey(clientID string) string     { return "rate:" + clientID }
func VelocityKey(clientID string) string { return "velocity:" + clientID }

// Score never fails: a signal that cannot be read falls back to its default.
// Each call counts as one request for the frequency signal.
func (s *Scorer) Score(ctx context.Context, signals ClientSignals) Score {
	clientID := ClientID(signals.IP, signals.UserAgent)
	c := Components{
		Frequency:  s.frequency(ctx, clientID),
		Velocity:   s.velocity(ctx, clientID),
		Behavioral: Behavioral(signals.UserAgent),
		Reputation: s.reputationRisk(ctx, signals.Fingerprint),
		Honeypot:   s.honeypotRisk(ctx, signals.Fingerprint),
	}
	value := s.combine(c)
	metrics.RiskScores.Observe(value)

	logging.Debug("Computed risk score", logging.Risk,
		"client", clientID, "score", value,
		"frequency", c.Frequency, "velocity", c.Velocity, "behavioral", c.Behavioral,
		"reputation", c.Reputation, "honeypot", c.Honeypot)
	return Score{Value: value, ClientID: clientID, Components: c}
}

// combine computes the weighted sum in decimal so that scores sitting on a tier
// boundary are not pushed across it by float rounding.
func (s *Scorer) combine(c Components) float64 {
	w := s.cfg.Weights
	pairs := [][2]float64{
		{w.Frequency, c.Frequency},
		{w.Velocity, c.Velocity},
		{w.Behavioral, c.Behavioral},
		{w.Reputation, c.Reputation},
		{w.Honeypot, c.Honeypot},
	}
	sum := decimal.Zero
	for _, p := range pairs {
		sum = sum.Add(decimal.NewFromFloat(finite(p[0])).Mul(decimal.NewFromFloat(unit(p[1]))))
	}
	return unit(sum.Round(6).InexactFloat64())
}

func (s *Scorer) frequency(ctx context.Context, clientID string) float64 {
	count, err := s.store.Incr(ctx, RateKey(clientID), s.cfg.RateTTL)
	if err != nil {
		s.degraded("frequency", err)
		return 0
	}
	// The counter now includes this request; score on the ones before it.
	previous := count - 1
	if previous <= 1 {
		return 0
	}
	threshold := max(s.cfg.FrequencyThreshold, 1)
	return math.Min(1, float64(previous)/float64(threshold))
}

func (s *Scorer) velocity(ctx context.Context, clientID string) float64 {
	avg, ok, err := s.store.GetFloat(ctx, VelocityKey(clientID))
	if err != nil {
		s.degraded("velocity", err)
		return 0
	}
	if !ok {
		return 0
	}
	return VelocityRisk(avg, s.cfg.FastVelocityMs, s.cfg.NormalTimeMs)
}

// VelocityRisk is 1 below fast, 0 at or above normal, linear in between.
func VelocityRisk(avgMs, fast, normal float64) float64 {
	switch {
	case avgMs >= normal:
		return 0
	case avgMs < fast:
		return 1
	default:
		return 1 - (avgMs-fast)/(normal-fast)
	}
}

// Behavioral scores the user agent: 0.5 per headless marker, 0.3 when the agent
// is missing or implausibly short, capped at 1.
func Behavioral(userAgent string) float64 {
	risk := 0.0
	lower := strings.ToLower(userAgent)
	for _, marker := range headlessMarkers {
		if strings.Contains(lower, marker) {
			risk += 0.5
		}
	}
	if len(userAgent) < shortUserAgent {
		risk += 0.3
	}
	return math.Min(1, risk)
}

func (s *Scorer) reputationRisk(ctx context.Context, fingerprint string) float64 {
	if fingerprint == "" || s.reputation == nil {
		return s.cfg.DefaultReputationRisk
	}
	score, ok, err := s.reputation.ReputationScore(ctx, fingerprint)
	if err != nil {
		s.degraded("reputation", err)
		return s.cfg.DefaultReputationRisk
	}
	if !ok {
		return s.cfg.DefaultReputationRisk
	}
	maxReputation := s.cfg.MaxReputation
	if maxReputation <= 0 {
		maxReputation = DefaultReputationConfig().Max
	}
	return unit(1 - score/maxReputation)
}

func (s *Scorer) honeypotRisk(ctx context.Context, fingerprint string) float64 {
	if fingerprint == "" {
		return 0
	}
	accuracy, ok, err := s.store.GetFloat(ctx, KnownAccuracyKey(fingerprint))
	if err != nil {
		s.degraded("honeypot", err)
		return 0
	}
	if !ok {
		return 0
	}
	return math.Max(0, 1-accuracy)
}

// RecordCompletion folds a session completion time into the velocity average.
func (s *Scorer) RecordCompletion(ctx context.Context, clientID string, completionMs float64) error {
	_, err := s.store.Update(ctx, VelocityKey(clientID), s.cfg.VelocityTTL, func(current float64, ok bool) float64 {
		return ema(current, ok, completionMs, s.cfg.VelocityAlpha)
	})
	return err
}

func (s *Scorer) degraded(signal string, err error) {
	metrics.RiskSignalFailures.WithLabelValues(signal).Inc()
	logging.Warn("Risk signal unavailable, using default", logging.Risk, "signal", signal, "error", err)
}

func finite(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return v
}

// unit clamps to [0, 1] and maps NaN to 0.
func unit(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return clamp(v, 0, 1)
}
