package apiconfig_test

import (
	"testing"
	"time"

	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/stretchr/testify/require"

	"pouw-captcha/apiconfig"
	"pouw-captcha/difficulty"
)

func TestConfigLoad(t *testing.T) {
	testManager := &apiconfig.ConfigManager{
		KoanProvider: rawbytes.Provider([]byte(testYaml)),
	}
	require.NoError(t, testManager.Load())
	config := testManager.GetConfig()

	require.Equal(t, 9400, config.Api.AdminPort)
	require.Equal(t, "/srv/models", config.Models.Dir)
	require.Equal(t, "digits", config.Models.DefaultModel)
	require.Equal(t, 250*time.Millisecond, config.Models.WatchDebounce)
	require.Equal(t, 0.25, config.Risk.Weights.Frequency)
	require.Equal(t, 0.2, config.Risk.Weights.Velocity)
	require.Equal(t, 2*time.Minute, config.Risk.RateTTL)
	require.True(t, config.Redis.Enabled)

	// keys the file leaves out keep their defaults
	require.Equal(t, "cache/ground_truth", config.GroundTruth.Dir)
	require.Equal(t, "pouw.reputation.known_sample", config.Nats.ReputationSubject)
}

func TestTierOverrides(t *testing.T) {
	testManager := &apiconfig.ConfigManager{
		KoanProvider: rawbytes.Provider([]byte(testYaml)),
	}
	require.NoError(t, testManager.Load())

	policy := testManager.GetConfig().Difficulty.PolicyConfig()
	suspicious := policy.Tiers[difficulty.Suspicious]
	require.Equal(t, 4000, suspicious.Budget.TypicalMs)
	require.Equal(t, 400, suspicious.Budget.MinMs)
	require.Equal(t, "digits-large", suspicious.Model)
	require.Equal(t, 3, suspicious.Layers)
	require.Equal(t, 0.5, suspicious.VerificationProbability)

	require.Equal(t, difficulty.DefaultConfig().Tiers[difficulty.Normal], policy.Tiers[difficulty.Normal])
	require.Equal(t, difficulty.Window{StartHour: 1, EndHour: 5}, policy.PeakWindow)
}

func TestEnvOverridesFile(t *testing.T) {
	t.Setenv("POUW_API__ADMIN_PORT", "9555")
	t.Setenv("POUW_GROUND_TRUTH__DIR", "/var/cache/gt")
	t.Setenv("POUW_NATS__EMBEDDED", "true")

	testManager := &apiconfig.ConfigManager{
		KoanProvider: rawbytes.Provider([]byte(testYaml)),
	}
	require.NoError(t, testManager.Load())
	config := testManager.GetConfig()
	require.Equal(t, 9555, config.Api.AdminPort)
	require.Equal(t, "/var/cache/gt", config.GroundTruth.Dir)
	require.True(t, config.Nats.Embedded)
}

func TestDefaultsWithoutFile(t *testing.T) {
	testManager := &apiconfig.ConfigManager{}
	require.NoError(t, testManager.Load())
	require.Equal(t, apiconfig.DefaultConfig().Api, testManager.GetConfig().Api)
	require.Equal(t, 0.1, testManager.GetConfig().CoordinatorConfig().KnownSampleRate)
}

type CaptureWriterProvider struct {
	CapturedData string
}

func (c *CaptureWriterProvider) Write(data []byte) (int, error) {
	c.CapturedData += string(data)
	return len(data), nil
}

func (c *CaptureWriterProvider) Close() error {
	return nil
}

func (c *CaptureWriterProvider) GetWriter() (apiconfig.WriteCloser, error) {
	return c, nil
}

func TestConfigRoundTrip(t *testing.T) {
	writeCapture := &CaptureWriterProvider{}
	testManager := &apiconfig.ConfigManager{
		KoanProvider:   rawbytes.Provider([]byte(testYaml)),
		WriterProvider: writeCapture,
	}
	require.NoError(t, testManager.Load())
	require.NoError(t, testManager.Write())

	t.Log(writeCapture.CapturedData)
	testManager2 := &apiconfig.ConfigManager{
		KoanProvider: rawbytes.Provider([]byte(writeCapture.CapturedData)),
	}
	require.NoError(t, testManager2.Load())
	require.Equal(t, testManager.GetConfig(), testManager2.GetConfig())
}

func TestSetDefaultModelPersists(t *testing.T) {
	writeCapture := &CaptureWriterProvider{}
	testManager := &apiconfig.ConfigManager{
		KoanProvider:   rawbytes.Provider([]byte(testYaml)),
		WriterProvider: writeCapture,
	}
	require.NoError(t, testManager.Load())
	require.NoError(t, testManager.SetDefaultModel("letters"))
	require.Contains(t, writeCapture.CapturedData, "default_model: letters")
	require.Equal(t, "letters", testManager.GetConfig().Models.DefaultModel)
}

var testYaml = `
api:
    admin_port: 9400
models:
    dir: /srv/models
    default_model: digits
    watch_debounce: 250ms
risk:
    weights:
        frequency: 0.25
    rate_ttl: 2m
difficulty:
    peak_start_hour: 1
    peak_end_hour: 5
    tiers:
        suspicious:
            typical_ms: 4000
            model: digits-large
redis:
    enabled: true
    addr: redis:6379
`
