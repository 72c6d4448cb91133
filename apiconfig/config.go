package apiconfig

import (
	"time"

	"pouw-captcha/coordinator"
	"pouw-captcha/difficulty"
	"pouw-captcha/groundtruth"
	"pouw-captcha/internal/validation"
	"pouw-captcha/risk"
)

type Config struct {
	Api         ApiConfig         `koanf:"api"`
	Models      ModelsConfig      `koanf:"models"`
	GroundTruth GroundTruthConfig `koanf:"ground_truth"`
	Risk        RiskConfig        `koanf:"risk"`
	Difficulty  DifficultyConfig  `koanf:"difficulty"`
	Coordinator CoordinatorConfig `koanf:"coordinator"`
	Validation  ValidationConfig  `koanf:"validation"`
	Redis       RedisConfig       `koanf:"redis"`
	Nats        NatsConfig        `koanf:"nats"`
	Logging     LoggingConfig     `koanf:"logging"`
}

type ApiConfig struct {
	AdminPort int `koanf:"admin_port"`
}

type ModelsConfig struct {
	Dir          string `koanf:"dir"`
	DefaultModel string `koanf:"default_model"`
	Watch        bool   `koanf:"watch"`
	// WatchDebounce is how long the directory must stay quiet before a reload.
	WatchDebounce time.Duration `koanf:"watch_debounce"`
}

type GroundTruthConfig struct {
	Dir             string  `koanf:"dir"`
	Tolerance       float64 `koanf:"tolerance"`
	WarmConcurrency int     `koanf:"warm_concurrency"`
	SaveOnShutdown  bool    `koanf:"save_on_shutdown"`
}

type RiskWeights struct {
	Frequency  float64 `koanf:"frequency"`
	Velocity   float64 `koanf:"velocity"`
	Behavioral float64 `koanf:"behavioral"`
	Reputation float64 `koanf:"reputation"`
	Honeypot   float64 `koanf:"honeypot"`
}

type RiskConfig struct {
	Weights               RiskWeights   `koanf:"weights"`
	FrequencyThreshold    int           `koanf:"frequency_threshold"`
	FastVelocityMs        float64       `koanf:"fast_velocity_ms"`
	NormalTimeMs          float64       `koanf:"normal_time_ms"`
	MaxReputation         float64       `koanf:"max_reputation"`
	DefaultReputationRisk float64       `koanf:"default_reputation_risk"`
	RateTTL               time.Duration `koanf:"rate_ttl"`
	VelocityTTL           time.Duration `koanf:"velocity_ttl"`
	AccuracyTTL           time.Duration `koanf:"accuracy_ttl"`
}

type TierSettings struct {
	RiskCeiling             float64 `koanf:"risk_ceiling"`
	Layers                  int     `koanf:"layers"`
	ShardDifficulty         string  `koanf:"shard_difficulty"`
	TypicalMs               int     `koanf:"typical_ms"`
	VerificationProbability float64 `koanf:"verification_probability"`
	Model                   string  `koanf:"model"`
	TaskType                string  `koanf:"task_type"`
	BatchSize               int     `koanf:"batch_size"`
}

type DifficultyConfig struct {
	Tiers            map[string]TierSettings `koanf:"tiers"`
	PeakStartHour    int                     `koanf:"peak_start_hour"`
	PeakEndHour      int                     `koanf:"peak_end_hour"`
	PeakFactor       float64                 `koanf:"peak_factor"`
	AttackThreshold  float64                 `koanf:"attack_threshold"`
	AttackProbWeight float64                 `koanf:"attack_prob_weight"`
}

type CoordinatorConfig struct {
	KnownSampleRate float64 `koanf:"known_sample_rate"`
}

type ValidationConfig struct {
	MinTimeFraction         float64 `koanf:"min_time_fraction"`
	LowConfidenceThreshold  float64 `koanf:"low_confidence_threshold"`
	LowConfidenceMultiplier float64 `koanf:"low_confidence_multiplier"`
}

type RedisConfig struct {
	Enabled bool   `koanf:"enabled"`
	Url     string `koanf:"url"`
	Addr    string `koanf:"addr"`
	DB      int    `koanf:"db"`
}

type NatsConfig struct {
	Enabled bool   `koanf:"enabled"`
	Url     string `koanf:"url"`
	// Embedded starts an in-process server on Host:Port instead of dialing Url.
	Embedded bool   `koanf:"embedded"`
	Host     string `koanf:"host"`
	Port     int    `koanf:"port"`
	// StorageDir is ignored in test mode.
	StorageDir        string `koanf:"storage_dir"`
	TestMode          bool   `koanf:"test_mode"`
	ReputationSubject string `koanf:"reputation_subject"`
	GoldenSubject     string `koanf:"golden_subject"`
}

type LoggingConfig struct {
	Level string `koanf:"level"`
	Json  bool   `koanf:"json"`
}

// DefaultConfig is loaded underneath the config file, so a file only needs the
// keys it changes.
func DefaultConfig() Config {
	scorer := risk.DefaultConfig()
	reputation := risk.DefaultReputationConfig()
	policy := difficulty.DefaultConfig()
	validator := validation.DefaultConfig()

	tiers := make(map[string]TierSettings, len(policy.Tiers))
	for tier, tc := range policy.Tiers {
		tiers[string(tier)] = TierSettings{
			RiskCeiling:             tc.RiskCeiling,
			Layers:                  tc.Layers,
			ShardDifficulty:         tc.ShardDifficulty,
			TypicalMs:               tc.Budget.TypicalMs,
			VerificationProbability: tc.VerificationProbability,
			Model:                   tc.Model,
			TaskType:                tc.TaskType,
			BatchSize:               tc.BatchSize,
		}
	}

	return Config{
		Api: ApiConfig{AdminPort: 9300},
		Models: ModelsConfig{
			Dir:           "models",
			DefaultModel:  coordinator.DefaultModel,
			Watch:         true,
			WatchDebounce: 500 * time.Millisecond,
		},
		GroundTruth: GroundTruthConfig{
			Dir:             "cache/ground_truth",
			Tolerance:       groundtruth.DefaultTolerance,
			WarmConcurrency: 4,
			SaveOnShutdown:  true,
		},
		Risk: RiskConfig{
			Weights: RiskWeights{
				Frequency:  scorer.Weights.Frequency,
				Velocity:   scorer.Weights.Velocity,
				Behavioral: scorer.Weights.Behavioral,
				Reputation: scorer.Weights.Reputation,
				Honeypot:   scorer.Weights.Honeypot,
			},
			FrequencyThreshold:    scorer.FrequencyThreshold,
			FastVelocityMs:        scorer.FastVelocityMs,
			NormalTimeMs:          scorer.NormalTimeMs,
			MaxReputation:         scorer.MaxReputation,
			DefaultReputationRisk: scorer.DefaultReputationRisk,
			RateTTL:               scorer.RateTTL,
			VelocityTTL:           scorer.VelocityTTL,
			AccuracyTTL:           reputation.AccuracyTTL,
		},
		Difficulty: DifficultyConfig{
			Tiers:            tiers,
			PeakStartHour:    policy.PeakWindow.StartHour,
			PeakEndHour:      policy.PeakWindow.EndHour,
			PeakFactor:       policy.PeakFactor,
			AttackThreshold:  policy.AttackThreshold,
			AttackProbWeight: policy.AttackProbWeight,
		},
		Coordinator: CoordinatorConfig{KnownSampleRate: coordinator.DefaultConfig().KnownSampleRate},
		Validation: ValidationConfig{
			MinTimeFraction:         validator.MinTimeFraction,
			LowConfidenceThreshold:  validator.LowConfidenceThreshold,
			LowConfidenceMultiplier: validator.LowConfidenceMultiplier,
		},
		Redis: RedisConfig{Addr: "localhost:6379"},
		Nats: NatsConfig{
			Url:               "nats://localhost:4222",
			Host:              "localhost",
			Port:              4222,
			StorageDir:        "nats",
			ReputationSubject: "pouw.reputation.known_sample",
			GoldenSubject:     "pouw.golden.verified_label",
		},
		Logging: LoggingConfig{Level: "info"},
	}
}
