package events

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/pkg/errors"

	"pouw-captcha/internal/metrics"
	"pouw-captcha/logging"
)

const (
	DefaultReputationSubject = "pouw.reputation.known_sample"
	DefaultGoldenSubject     = "pouw.golden.verified_label"
)

// GoldenDataset receives labels that verified clients agreed on.
type GoldenDataset interface {
	SubmitVerifiedLabel(ctx context.Context, sampleID, label string, reputationWeight float64, domain string) error
}

type Subjects struct {
	Reputation string
	Golden     string
}

func DefaultSubjects() Subjects {
	return Subjects{Reputation: DefaultReputationSubject, Golden: DefaultGoldenSubject}
}

type KnownSampleEvent struct {
	Fingerprint string    `json:"fingerprint"`
	Correct     bool      `json:"correct"`
	Timestamp   time.Time `json:"timestamp"`
}

type VerifiedLabelEvent struct {
	SampleID         string    `json:"sample_id"`
	Label            string    `json:"label"`
	ReputationWeight float64   `json:"reputation_weight"`
	Domain           string    `json:"domain,omitempty"`
	Timestamp        time.Time `json:"timestamp"`
}

// Publisher writes events to NATS. With a JetStream context every publish waits
// for the stream ack; otherwise it is a plain core publish.
type Publisher struct {
	nc       *nats.Conn
	js       nats.JetStreamContext
	subjects Subjects
	now      func() time.Time
}

func NewPublisher(nc *nats.Conn, subjects Subjects) *Publisher {
	return &Publisher{nc: nc, subjects: subjects, now: time.Now}
}

// NewJetStreamPublisher expects a stream to exist for each subject.
func NewJetStreamPublisher(nc *nats.Conn, subjects Subjects) (*Publisher, error) {
	js, err := nc.JetStream()
	if err != nil {
		return nil, errors.Wrap(err, "failed to get JetStream context")
	}
	p := NewPublisher(nc, subjects)
	p.js = js
	return p, nil
}

func (p *Publisher) WithClock(now func() time.Time) *Publisher {
	p.now = now
	return p
}

func (p *Publisher) PublishKnownSample(ctx context.Context, fingerprint string, correct bool) error {
	return p.publish(ctx, p.subjects.Reputation, KnownSampleEvent{
		Fingerprint: fingerprint,
		Correct:     correct,
		Timestamp:   p.now().UTC(),
	})
}

func (p *Publisher) SubmitVerifiedLabel(ctx context.Context, sampleID, label string, reputationWeight float64, domain string) error {
	if sampleID == "" || label == "" {
		return errors.New("sample id and label are required")
	}
	return p.publish(ctx, p.subjects.Golden, VerifiedLabelEvent{
		SampleID:         sampleID,
		Label:            label,
		ReputationWeight: reputationWeight,
		Domain:           domain,
		Timestamp:        p.now().UTC(),
	})
}

func (p *Publisher) publish(ctx context.Context, subject string, event any) (err error) {
	defer func() {
		metrics.EventsPublished.WithLabelValues(subject, metrics.Result(err == nil)).Inc()
	}()

	if err = ctx.Err(); err != nil {
		return err
	}
	b, err := json.Marshal(event)
	if err != nil {
		return errors.Wrap(err, "marshal event")
	}

	if p.js != nil {
		ack, jsErr := p.js.Publish(subject, b, nats.Context(ctx))
		if jsErr != nil {
			err = errors.Wrapf(jsErr, "publish %s", subject)
			return err
		}
		logging.Debug("Event stored", logging.Events, "subject", subject, "stream", ack.Stream, "seq", ack.Sequence)
		return nil
	}

	if err = p.nc.Publish(subject, b); err != nil {
		err = errors.Wrapf(err, "publish %s", subject)
		return err
	}
	logging.Debug("Event published", logging.Events, "subject", subject)
	return nil
}

func Connect(url, name string) (*nats.Conn, error) {
	return nats.Connect(
		url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
}

func ConnectToNats(host string, port int, name string) (*nats.Conn, error) {
	return Connect("nats://"+host+":"+strconv.Itoa(port), name)
}
