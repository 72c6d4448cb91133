package admin

import (
	"time"

	"pouw-captcha/coordinator"
	"pouw-captcha/difficulty"
	"pouw-captcha/internal/timing"
	"pouw-captcha/internal/validation"
	"pouw-captcha/risk"
)

type StatusDto struct {
	Status           string            `json:"status"`
	StartedAt        time.Time         `json:"started_at"`
	UptimeSeconds    int64             `json:"uptime_seconds"`
	ModelsLoaded     int               `json:"models_loaded"`
	DefaultModel     string            `json:"default_model"`
	GroundTruthCount int               `json:"ground_truth_entries"`
	Tasks            coordinator.Stats `json:"tasks"`
	Operations       []timing.Summary  `json:"operations"`
}

type ModelDto struct {
	Name        string   `json:"name"`
	Version     string   `json:"version"`
	Description string   `json:"description,omitempty"`
	TaskType    string   `json:"task_type,omitempty"`
	Shards      int      `json:"shards"`
	Layers      []string `json:"layers"`
	Labels      int      `json:"labels"`
}

type ReloadDto struct {
	Models   []string `json:"models"`
	Previous int      `json:"previous"`
}

type SaveGroundTruthDto struct {
	Model string `json:"model"`
}

type ErrorDto struct {
	Error string `json:"error"`
}

type ScoreRequestDto struct {
	IP          string `json:"ip"`
	UserAgent   string `json:"user_agent"`
	SiteKey     string `json:"site_key"`
	Fingerprint string `json:"fingerprint"`
}

type ScoreResponseDto struct {
	Score risk.Score            `json:"score"`
	Tier  difficulty.TierConfig `json:"tier"`
}

type AssignRequestDto struct {
	SessionID        string  `json:"session_id"`
	RiskScore        float64 `json:"risk_score"`
	DomainMultiplier float64 `json:"domain_multiplier"`
	AttackLevel      float64 `json:"attack_level"`
}

type AssignResponseDto struct {
	Task       coordinator.Task       `json:"task"`
	Escalation coordinator.Escalation `json:"escalation"`
}

// ValidateRequestDto carries the task fields validation reads. Budget defaults
// to the one derived from ExpectedTimeMs.
type ValidateRequestDto struct {
	TaskID         string                  `json:"task_id"`
	Model          string                  `json:"model"`
	GroundTruthKey string                  `json:"ground_truth_key"`
	ExpectedTimeMs int                     `json:"expected_time_ms"`
	Budget         *difficulty.TimeBudget  `json:"time_budget,omitempty"`
	Proof          validation.ClientProof  `json:"proof"`
	Timing         validation.TimingReport `json:"timing"`
}
