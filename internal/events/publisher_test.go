package events

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"pouw-captcha/internal/nats_server"
	"pouw-captcha/internal/store"
	"pouw-captcha/risk"
)

var fixedNow = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func startServer(t *testing.T, subjects ...string) *nats.Conn {
	t.Helper()
	srv := nats_server.NewServer(nats_server.Config{
		Host:     "127.0.0.1",
		Port:     -1,
		TestMode: true,
		Subjects: subjects,
	})
	require.NoError(t, srv.Start())
	t.Cleanup(srv.Shutdown)

	nc, err := Connect(srv.ClientURL(), "events-test")
	require.NoError(t, err)
	t.Cleanup(nc.Close)
	return nc
}

func TestSubmitVerifiedLabel(t *testing.T) {
	nc := startServer(t)
	sub, err := nc.SubscribeSync(DefaultGoldenSubject)
	require.NoError(t, err)

	var golden GoldenDataset = NewPublisher(nc, DefaultSubjects()).WithClock(func() time.Time { return fixedNow })
	require.NoError(t, golden.SubmitVerifiedLabel(context.Background(), "sample-7", "cat", 2.5, "shop.example"))

	msg, err := sub.NextMsg(2 * time.Second)
	require.NoError(t, err)
	var event VerifiedLabelEvent
	require.NoError(t, json.Unmarshal(msg.Data, &event))
	require.Equal(t, VerifiedLabelEvent{
		SampleID:         "sample-7",
		Label:            "cat",
		ReputationWeight: 2.5,
		Domain:           "shop.example",
		Timestamp:        fixedNow,
	}, event)
}

func TestSubmitVerifiedLabelRequiresLabel(t *testing.T) {
	nc := startServer(t)
	err := NewPublisher(nc, DefaultSubjects()).SubmitVerifiedLabel(context.Background(), "sample-7", "", 1, "")
	require.Error(t, err)
}

func TestPublishRespectsCancelledContext(t *testing.T) {
	nc := startServer(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := NewPublisher(nc, DefaultSubjects()).PublishKnownSample(ctx, "fp", true)
	require.ErrorIs(t, err, context.Canceled)
}

func TestJetStreamPublisherStoresEvents(t *testing.T) {
	nc := startServer(t, DefaultReputationSubject, DefaultGoldenSubject)
	publisher, err := NewJetStreamPublisher(nc, DefaultSubjects())
	require.NoError(t, err)

	require.NoError(t, publisher.PublishKnownSample(context.Background(), "fp-1", false))
	require.NoError(t, publisher.PublishKnownSample(context.Background(), "fp-2", true))

	js, err := nc.JetStream()
	require.NoError(t, err)
	info, err := js.StreamInfo(nats_server.StreamName(DefaultReputationSubject))
	require.NoError(t, err)
	require.Equal(t, uint64(2), info.State.Msgs)
}

func TestJetStreamPublisherWithoutStream(t *testing.T) {
	nc := startServer(t)
	publisher, err := NewJetStreamPublisher(nc, DefaultSubjects())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.Error(t, publisher.PublishKnownSample(ctx, "fp", true))
}

type failingReputation struct {
	risk.ReputationClient
}

func (failingReputation) RecordKnownSampleResult(context.Context, string, bool) error {
	return errors.New("store down")
}

func TestPublishingReputation(t *testing.T) {
	nc := startServer(t)
	sub, err := nc.SubscribeSync(DefaultReputationSubject)
	require.NoError(t, err)

	inner := risk.NewStoreReputation(store.NewMemory(), risk.DefaultReputationConfig())
	var client risk.ReputationClient = NewPublishingReputation(inner, NewPublisher(nc, DefaultSubjects()))

	require.NoError(t, client.RecordKnownSampleResult(context.Background(), "fp-9", true))

	score, ok, err := client.ReputationScore(context.Background(), "fp-9")
	require.NoError(t, err)
	require.True(t, ok)
	require.InDelta(t, 1.1, score, 1e-9)

	msg, err := sub.NextMsg(2 * time.Second)
	require.NoError(t, err)
	var event KnownSampleEvent
	require.NoError(t, json.Unmarshal(msg.Data, &event))
	require.Equal(t, "fp-9", event.Fingerprint)
	require.True(t, event.Correct)
}

func TestPublishingReputationSkipsPublishOnStoreFailure(t *testing.T) {
	nc := startServer(t)
	sub, err := nc.SubscribeSync(DefaultReputationSubject)
	require.NoError(t, err)

	client := NewPublishingReputation(failingReputation{}, NewPublisher(nc, DefaultSubjects()))
	require.Error(t, client.RecordKnownSampleResult(context.Background(), "fp", false))

	_, err = sub.NextMsg(200 * time.Millisecond)
	require.ErrorIs(t, err, nats.ErrTimeout)
}

type brokenPublisher struct{}

func (brokenPublisher) PublishKnownSample(context.Context, string, bool) error {
	return errors.New("nats down")
}

func TestPublishFailureIsNotReturned(t *testing.T) {
	inner := risk.NewStoreReputation(store.NewMemory(), risk.DefaultReputationConfig())
	client := NewPublishingReputation(inner, brokenPublisher{})
	require.NoError(t, client.RecordKnownSampleResult(context.Background(), "fp", false))
}
