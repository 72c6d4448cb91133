package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"pouw-captcha/apiconfig"
	"pouw-captcha/coordinator"
	"pouw-captcha/groundtruth"
	"pouw-captcha/internal/events"
	"pouw-captcha/risk"
)

const manifest = `{"shards": [
  {"index": 0, "name": "dense_relu", "type": "Dense", "input_shape": [2], "output_shape": [2], "weights_file": "hidden.json"},
  {"index": 1, "name": "output_softmax", "type": "Dense", "input_shape": [2], "output_shape": [2], "weights_file": "out.json"}
]}`

func writeExecutableModel(t *testing.T, root, name string) {
	t.Helper()
	dir := filepath.Join(root, name)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	files := map[string]string{
		"shard_manifest.json": manifest,
		"hidden.json":         `{"kernel": {"shape": [2, 2], "data": [1, -1, 2, 1]}, "bias": {"shape": [2], "data": [0, -4]}}`,
		"out.json":            `{"kernel": {"shape": [2, 2], "data": [1, 0, 0, 1]}}`,
		"metadata.json":       fmt.Sprintf(`{"name": %q, "version": "1.2.0", "labels": ["even", "odd"]}`, name),
	}
	for file, content := range files {
		require.NoError(t, os.WriteFile(filepath.Join(dir, file), []byte(content), 0o644))
	}
}

func testConfig(t *testing.T) apiconfig.Config {
	t.Helper()
	cfg := apiconfig.DefaultConfig()
	cfg.Models.Dir = filepath.Join(t.TempDir(), "models")
	cfg.Models.DefaultModel = "xor"
	cfg.Models.Watch = false
	cfg.GroundTruth.Dir = filepath.Join(t.TempDir(), "ground_truth")
	cfg.Nats.Port = -1
	cfg.Nats.Host = "127.0.0.1"
	cfg.Nats.TestMode = true
	return cfg
}

func TestAppComputesGroundTruthOnAssign(t *testing.T) {
	cfg := testConfig(t)
	writeExecutableModel(t, cfg.Models.Dir, "xor")

	a, err := newApp(context.Background(), cfg)
	require.NoError(t, err)

	task, _, err := a.coordinator.AssignTask(context.Background(), coordinator.AssignRequest{RiskScore: 0.9})
	require.NoError(t, err)
	require.Equal(t, "xor", task.ModelName)
	require.Equal(t, "1.2.0", task.ModelVersion)

	key, err := groundtruth.ParseKey(task.GroundTruthKey)
	require.NoError(t, err)
	final, ok := a.cache.Get(key.SampleID, "xor", groundtruth.FinalLayer)
	require.True(t, ok)

	output, err := a.shards.Forward(context.Background(), "xor", task.Input, -1)
	require.NoError(t, err)
	require.Equal(t, output.Hash(), final.OutputHash)

	a.Close()
	require.FileExists(t, filepath.Join(cfg.GroundTruth.Dir, groundtruth.FileName("xor")))
}

func TestAppPublishesKnownSampleResults(t *testing.T) {
	cfg := testConfig(t)
	cfg.Nats.Enabled = true
	cfg.Nats.Embedded = true

	a, err := newApp(context.Background(), cfg)
	require.NoError(t, err)
	defer a.Close()

	_, ok := a.reputation.(*events.PublishingReputation)
	require.True(t, ok)

	sub, err := a.nc.SubscribeSync(cfg.Nats.ReputationSubject)
	require.NoError(t, err)
	require.NoError(t, a.reputation.RecordKnownSampleResult(context.Background(), "fp-1", true))

	msg, err := sub.NextMsg(2 * time.Second)
	require.NoError(t, err)
	var event events.KnownSampleEvent
	require.NoError(t, json.Unmarshal(msg.Data, &event))
	require.Equal(t, "fp-1", event.Fingerprint)

	score, ok, err := a.reputation.ReputationScore(context.Background(), "fp-1")
	require.NoError(t, err)
	require.True(t, ok)
	require.InDelta(t, risk.DefaultReputationConfig().Initial+risk.DefaultReputationConfig().Bonus, score, 1e-9)
}

func TestAppAdminRoutes(t *testing.T) {
	cfg := testConfig(t)
	writeExecutableModel(t, cfg.Models.Dir, "xor")
	a, err := newApp(context.Background(), cfg)
	require.NoError(t, err)
	defer a.Close()

	rec := httptest.NewRecorder()
	a.admin.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/models", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"name":"xor"`)
}

func TestNewAppFailsOnUnreachableRedis(t *testing.T) {
	cfg := testConfig(t)
	cfg.Redis.Enabled = true
	cfg.Redis.Addr = "127.0.0.1:1"

	a, err := newApp(context.Background(), cfg)
	require.Error(t, err)
	require.Nil(t, a)
}

func TestNewAppFailsWhenModelsDirIsAFile(t *testing.T) {
	cfg := testConfig(t)
	cfg.Models.Dir = filepath.Join(t.TempDir(), "models")
	require.NoError(t, os.WriteFile(cfg.Models.Dir, []byte("x"), 0o644))

	a, err := newApp(context.Background(), cfg)
	require.Error(t, err)
	require.Nil(t, a)
}

func TestCloseOnNilApp(t *testing.T) {
	var a *app
	require.NotPanics(t, a.Close)
}

func TestModelsCommand(t *testing.T) {
	cfg := testConfig(t)
	writeExecutableModel(t, cfg.Models.Dir, "xor")
	writeExecutableModel(t, cfg.Models.Dir, "parity")

	path := filepath.Join(t.TempDir(), "config.yaml")
	yaml := fmt.Sprintf("models:\n    dir: %s\n    default_model: xor\n", cfg.Models.Dir)
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o644))

	root := NewRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"--config", path, "models"})
	require.NoError(t, root.Execute())

	var models []modelSummary
	require.NoError(t, json.Unmarshal(out.Bytes(), &models))
	require.Len(t, models, 2)
	require.Equal(t, "parity", models[0].Name)
	require.False(t, models[0].Default)
	require.Equal(t, "xor", models[1].Name)
	require.True(t, models[1].Default)
	require.Equal(t, []string{"dense_relu", "output_softmax"}, models[1].Layers)
	require.Equal(t, 6, models[1].EstimatedCompute)
}

func TestSetDefaultModelCommand(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("models:\n    default_model: xor\n"), 0o644))

	root := NewRootCmd()
	root.SetOut(&bytes.Buffer{})
	root.SetArgs([]string{"--config", path, "models", "set-default", "parity"})
	require.NoError(t, root.Execute())

	manager, err := apiconfig.LoadConfigManager(path)
	require.NoError(t, err)
	require.Equal(t, "parity", manager.GetConfig().Models.DefaultModel)
}

func TestStatusCommand(t *testing.T) {
	cfg := testConfig(t)
	a, err := newApp(context.Background(), cfg)
	require.NoError(t, err)
	defer a.Close()

	srv := httptest.NewServer(a.admin.Handler())
	defer srv.Close()

	body, err := fetchStatus(srv.URL + "/v1/status")
	require.NoError(t, err)
	var status map[string]any
	require.NoError(t, json.Unmarshal(body, &status))
	require.Equal(t, "degraded", status["status"])

	_, err = fetchStatus(srv.URL + "/v1/missing")
	require.Error(t, err)
}
