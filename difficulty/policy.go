// Package difficulty maps risk scores to difficulty tiers and the work each
// tier demands.
package difficulty

import (
	"math"
	"time"

	"pouw-captcha/logging"
)

type Tier string

const (
	Normal     Tier = "normal"
	Suspicious Tier = "suspicious"
	BotLike    Tier = "bot_like"
)

var Tiers = []Tier{Normal, Suspicious, BotLike}

type TimeBudget struct {
	MinMs     int `json:"min_ms"`
	TypicalMs int `json:"typical_ms"`
	MaxMs     int `json:"max_ms"`
}

// BudgetFor derives the accepted window from the typical time: 10% to 4x.
func BudgetFor(typicalMs int) TimeBudget {
	return TimeBudget{MinMs: typicalMs / 10, TypicalMs: typicalMs, MaxMs: typicalMs * 4}
}

func (b TimeBudget) scale(factor float64) TimeBudget {
	return TimeBudget{
		MinMs:     int(float64(b.MinMs) * factor),
		TypicalMs: int(float64(b.TypicalMs) * factor),
		MaxMs:     int(float64(b.MaxMs) * factor),
	}
}

type TierConfig struct {
	Tier                    Tier       `json:"tier"`
	RiskCeiling             float64    `json:"risk_ceiling"`
	Layers                  int        `json:"layers"`
	ShardDifficulty         string     `json:"shard_difficulty"`
	Budget                  TimeBudget `json:"budget"`
	VerificationProbability float64    `json:"verification_probability"`
	// Model overrides the coordinator's default model when set.
	Model     string `json:"model,omitempty"`
	TaskType  string `json:"task_type"`
	BatchSize int    `json:"batch_size"`
}

// Window is a UTC hour range [StartHour, EndHour). It wraps past midnight when
// StartHour > EndHour.
type Window struct {
	StartHour int
	EndHour   int
}

func (w Window) Contains(t time.Time) bool {
	hour := t.UTC().Hour()
	if w.StartHour <= w.EndHour {
		return hour >= w.StartHour && hour < w.EndHour
	}
	return hour >= w.StartHour || hour < w.EndHour
}

type Config struct {
	Tiers            map[Tier]TierConfig
	PeakWindow       Window
	PeakFactor       float64
	AttackThreshold  float64
	AttackProbWeight float64
}

func DefaultConfig() Config {
	return Config{
		Tiers: map[Tier]TierConfig{
			Normal: {
				Tier: Normal, RiskCeiling: 0.3, Layers: 1, ShardDifficulty: "easy",
				Budget: BudgetFor(500), VerificationProbability: 0.1,
				TaskType: "inference", BatchSize: 1,
			},
			Suspicious: {
				Tier: Suspicious, RiskCeiling: 0.7, Layers: 3, ShardDifficulty: "medium",
				Budget: BudgetFor(3000), VerificationProbability: 0.5,
				TaskType: "inference", BatchSize: 1,
			},
			BotLike: {
				Tier: BotLike, RiskCeiling: 1.0, Layers: 6, ShardDifficulty: "hard",
				Budget: BudgetFor(10000), VerificationProbability: 1.0,
				TaskType: "training", BatchSize: 10,
			},
		},
		PeakWindow:       Window{StartHour: 0, EndHour: 6},
		PeakFactor:       1.2,
		AttackThreshold:  0.5,
		AttackProbWeight: 0.3,
	}
}

type Policy struct {
	cfg Config
	now func() time.Time
}

// NewPolicy fills tiers missing from cfg with the defaults.
func NewPolicy(cfg Config) *Policy {
	defaults := DefaultConfig()
	tiers := make(map[Tier]TierConfig, len(Tiers))
	for _, tier := range Tiers {
		tc, ok := cfg.Tiers[tier]
		if !ok {
			tc = defaults.Tiers[tier]
		}
		tc.Tier = tier
		tiers[tier] = tc
	}
	cfg.Tiers = tiers
	if cfg.PeakFactor < 1 {
		cfg.PeakFactor = 1
	}
	return &Policy{cfg: cfg, now: time.Now}
}

func (p *Policy) WithClock(now func() time.Time) *Policy {
	p.now = now
	return p
}

// TierFor places risk in the first tier whose ceiling it does not exceed.
// NaN and values below 0 are treated as 0; values above 1 as 1.
func (p *Policy) TierFor(risk float64) Tier {
	if math.IsNaN(risk) || risk < 0 {
		risk = 0
	}
	if risk > 1 {
		risk = 1
	}
	if risk <= p.cfg.Tiers[Normal].RiskCeiling {
		return Normal
	}
	if risk <= p.cfg.Tiers[Suspicious].RiskCeiling {
		return Suspicious
	}
	return BotLike
}

// ConfigFor returns the tier's base configuration with the time budget scaled
// by domainMultiplier. Unknown tiers get the normal configuration.
func (p *Policy) ConfigFor(tier Tier, domainMultiplier float64) TierConfig {
	tc, ok := p.cfg.Tiers[tier]
	if !ok {
		logging.Warn("Unknown tier, using normal", logging.Difficulty, "tier", tier)
		tc = p.cfg.Tiers[Normal]
	}
	if domainMultiplier <= 0 || math.IsNaN(domainMultiplier) || math.IsInf(domainMultiplier, 0) {
		domainMultiplier = 1
	}
	tc.Budget = tc.Budget.scale(domainMultiplier)
	return tc
}

// Adjusted is ConfigFor followed by the time-of-day and attack adjustments,
// in that order.
func (p *Policy) Adjusted(tier Tier, domainMultiplier, attackLevel float64) TierConfig {
	tc := p.ConfigFor(tier, domainMultiplier)
	tc = p.AdjustForTimeOfDay(tc)
	return p.AdjustForAttack(tc, attackLevel)
}

func (p *Policy) AdjustForTimeOfDay(tc TierConfig) TierConfig {
	if !p.cfg.PeakWindow.Contains(p.now()) {
		return tc
	}
	tc.Budget = tc.Budget.scale(p.cfg.PeakFactor)
	tc.VerificationProbability = math.Min(1, tc.VerificationProbability*p.cfg.PeakFactor)
	return tc
}

func (p *Policy) AdjustForAttack(tc TierConfig, attackLevel float64) TierConfig {
	if math.IsNaN(attackLevel) {
		return tc
	}
	level := math.Max(0, math.Min(1, attackLevel))
	if level <= p.cfg.AttackThreshold {
		return tc
	}
	tc.Budget = tc.Budget.scale(1 + level)
	tc.VerificationProbability = math.Min(1, tc.VerificationProbability+level*p.cfg.AttackProbWeight)
	tc.BatchSize = max(1, int(float64(tc.BatchSize)*(1+level)))
	logging.Debug("Attack adjustment applied", logging.Difficulty, "tier", tc.Tier, "level", level)
	return tc
}
