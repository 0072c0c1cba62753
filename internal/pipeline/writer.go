package pipeline

import (
	"context"
	"fmt"
	"strconv"

	"github.com/CiscoSE/serverless-cmx/internal/effect"
	"github.com/CiscoSE/serverless-cmx/internal/model"
)

// NewRecord flattens one observation into the persisted shape. Every field is
// present; absent optional values are model.NullValue.
func NewRecord(obs model.Observation, apIdentifier string, kind model.RecordKind) model.ObservationRecord {
	associated := "N"
	if obs.Network != nil {
		associated = "Y"
	}

	return model.ObservationRecord{
		Kind:           kind,
		SeenAt:         obs.SeenAt,
		SeenAtEpoch:    strconv.FormatInt(obs.SeenAtEpoch, 10),
		ClientID:       obs.ClientID,
		APIdentifier:   apIdentifier,
		Associated:     associated,
		Network:        orNull(obs.Network),
		IPv4:           orNull(obs.IPv4),
		IPv6:           orNull(obs.IPv6),
		Manufacturer:   orNull(obs.ManufacturerGuess),
		SignalStrength: intOrNull(obs.SignalStrength),
		OS:             orNull(obs.OSGuess),
	}
}

func orNull(s *string) string {
	if s == nil {
		return model.NullValue
	}
	return *s
}

func intOrNull(n *int) string {
	if n == nil {
		return model.NullValue
	}
	return strconv.Itoa(*n)
}

// Writer stores one record per observation.
type Writer struct {
	store  ObservationWriter
	runner *effect.Runner
}

// NewWriter builds a Writer over store.
func NewWriter(store ObservationWriter, runner *effect.Runner) *Writer {
	return &Writer{store: store, runner: runner}
}

// Write launches the insert and returns immediately. The store assigns the
// record identifier, so writing the same observation twice yields two records.
func (w *Writer) Write(ctx context.Context, obs model.Observation, apIdentifier string, kind model.RecordKind) *effect.Handle {
	rec := NewRecord(obs, apIdentifier, kind)
	return w.runner.Go(ctx, "store.observation", func(ctx context.Context) error {
		if _, err := w.store.InsertObservation(ctx, rec); err != nil {
			return fmt.Errorf("insert %s: %w", kind, err)
		}
		return nil
	}, "client", obs.ClientID, "ap", apIdentifier)
}
