package apiconfig

import (
	"pouw-captcha/coordinator"
	"pouw-captcha/difficulty"
	"pouw-captcha/internal/validation"
	"pouw-captcha/logging"
	"pouw-captcha/risk"
)

func (c RiskConfig) ScorerConfig() risk.Config {
	cfg := risk.DefaultConfig()
	cfg.Weights = risk.Weights{
		Frequency:  c.Weights.Frequency,
		Velocity:   c.Weights.Velocity,
		Behavioral: c.Weights.Behavioral,
		Reputation: c.Weights.Reputation,
		Honeypot:   c.Weights.Honeypot,
	}
	cfg.FrequencyThreshold = c.FrequencyThreshold
	cfg.FastVelocityMs = c.FastVelocityMs
	cfg.NormalTimeMs = c.NormalTimeMs
	cfg.MaxReputation = c.MaxReputation
	cfg.DefaultReputationRisk = c.DefaultReputationRisk
	if c.RateTTL > 0 {
		cfg.RateTTL = c.RateTTL
	}
	if c.VelocityTTL > 0 {
		cfg.VelocityTTL = c.VelocityTTL
	}
	return cfg
}

func (c RiskConfig) ReputationConfig() risk.ReputationConfig {
	cfg := risk.DefaultReputationConfig()
	if c.MaxReputation > 0 {
		cfg.Max = c.MaxReputation
	}
	if c.AccuracyTTL > 0 {
		cfg.AccuracyTTL = c.AccuracyTTL
	}
	return cfg
}

// PolicyConfig converts the tier table. Unknown tier names are logged and
// ignored; missing tiers keep their defaults.
func (c DifficultyConfig) PolicyConfig() difficulty.Config {
	cfg := difficulty.DefaultConfig()
	for name, settings := range c.Tiers {
		tier := difficulty.Tier(name)
		base, ok := cfg.Tiers[tier]
		if !ok {
			logging.Warn("Ignoring unknown difficulty tier", logging.Config, "tier", name)
			continue
		}
		base.RiskCeiling = settings.RiskCeiling
		base.Layers = settings.Layers
		if settings.ShardDifficulty != "" {
			base.ShardDifficulty = settings.ShardDifficulty
		}
		if settings.TypicalMs > 0 {
			base.Budget = difficulty.BudgetFor(settings.TypicalMs)
		}
		base.VerificationProbability = settings.VerificationProbability
		base.Model = settings.Model
		if settings.TaskType != "" {
			base.TaskType = settings.TaskType
		}
		if settings.BatchSize > 0 {
			base.BatchSize = settings.BatchSize
		}
		cfg.Tiers[tier] = base
	}
	cfg.PeakWindow = difficulty.Window{StartHour: c.PeakStartHour, EndHour: c.PeakEndHour}
	cfg.PeakFactor = c.PeakFactor
	cfg.AttackThreshold = c.AttackThreshold
	cfg.AttackProbWeight = c.AttackProbWeight
	return cfg
}

func (c Config) CoordinatorConfig() coordinator.Config {
	return coordinator.Config{
		DefaultModel:    c.Models.DefaultModel,
		KnownSampleRate: c.Coordinator.KnownSampleRate,
		Tolerance:       c.GroundTruth.Tolerance,
	}
}

func (c Config) ValidatorConfig() validation.Config {
	cfg := validation.DefaultConfig()
	cfg.Tolerance = c.GroundTruth.Tolerance
	if c.Validation.MinTimeFraction > 0 {
		cfg.MinTimeFraction = c.Validation.MinTimeFraction
	}
	if c.Validation.LowConfidenceThreshold > 0 {
		cfg.LowConfidenceThreshold = c.Validation.LowConfidenceThreshold
	}
	if c.Validation.LowConfidenceMultiplier > 0 {
		cfg.LowConfidenceMultiplier = c.Validation.LowConfidenceMultiplier
	}
	return cfg
}
