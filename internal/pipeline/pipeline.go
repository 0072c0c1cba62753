// Package pipeline turns decoded scanning reports into side effects: stored
// observation records, chat reports, customer matches and match actions.
package pipeline

import (
	"context"
	"errors"

	"github.com/CiscoSE/serverless-cmx/internal/effect"
	"github.com/CiscoSE/serverless-cmx/internal/model"
)

// ObservationWriter persists observation records.
type ObservationWriter interface {
	InsertObservation(ctx context.Context, r model.ObservationRecord) (string, error)
}

// CustomerStore is the reference table the matcher reads and updates.
type CustomerStore interface {
	FindCustomers(ctx context.Context, clientID string) ([]model.CustomerRecord, error)
	RecordSighting(ctx context.Context, id string, expectedVersion, seenEpoch int64, apIdentifier string) (model.CustomerRecord, error)
}

// IngestionRecorder keeps payloads that could not be decoded.
type IngestionRecorder interface {
	InsertIngestionError(ctx context.Context, e model.IngestionError) error
}

// Publisher sends a payload to a pub/sub topic.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte) error
}

// Poster delivers a markdown message to a chat room.
type Poster interface {
	PostMessage(ctx context.Context, roomID, markdown string) error
}

// Metrics receives pipeline counters. A nil Metrics is allowed.
type Metrics interface {
	EnvelopeRouted(ctx context.Context, kind model.Kind, observations int)
	CustomerMatched(ctx context.Context, matches int)
}

type noopMetrics struct{}

func (noopMetrics) EnvelopeRouted(context.Context, model.Kind, int) {}
func (noopMetrics) CustomerMatched(context.Context, int)            {}

// classify marks errors whose Retryable method returns false as permanent.
func classify(err error) error {
	var r interface{ Retryable() bool }
	if errors.As(err, &r) && !r.Retryable() {
		return effect.Permanent(err)
	}
	return err
}
