package events

import (
	"context"

	"pouw-captcha/logging"
	"pouw-captcha/risk"
)

type knownSamplePublisher interface {
	PublishKnownSample(ctx context.Context, fingerprint string, correct bool) error
}

// PublishingReputation records honeypot outcomes in the wrapped client and
// then announces them. A failed publish is logged and never returned.
type PublishingReputation struct {
	inner     risk.ReputationClient
	publisher knownSamplePublisher
}

func NewPublishingReputation(inner risk.ReputationClient, publisher knownSamplePublisher) *PublishingReputation {
	return &PublishingReputation{inner: inner, publisher: publisher}
}

func (r *PublishingReputation) ReputationScore(ctx context.Context, fingerprint string) (float64, bool, error) {
	return r.inner.ReputationScore(ctx, fingerprint)
}

func (r *PublishingReputation) RecordKnownSampleResult(ctx context.Context, fingerprint string, correct bool) error {
	if err := r.inner.RecordKnownSampleResult(ctx, fingerprint, correct); err != nil {
		return err
	}
	if fingerprint == "" {
		return nil
	}
	if err := r.publisher.PublishKnownSample(ctx, fingerprint, correct); err != nil {
		logging.Warn("Failed to publish known sample result", logging.Events, "fingerprint", fingerprint, "error", err)
	}
	return nil
}
