package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/CiscoSE/serverless-cmx/internal/effect"
	"github.com/CiscoSE/serverless-cmx/internal/model"
	"github.com/CiscoSE/serverless-cmx/internal/store"
)

const defaultConflictRetries = 3

// Matcher correlates Wi-Fi observations with the customer reference table.
type Matcher struct {
	customers CustomerStore
	publisher Publisher
	topic     string
	runner    *effect.Runner
	logger    *slog.Logger
	metrics   Metrics

	conflictRetries int
}

// MatcherConfig wires a Matcher.
type MatcherConfig struct {
	Customers CustomerStore
	Publisher Publisher
	// Topic receives one MatchEvent per hit.
	Topic   string
	Runner  *effect.Runner
	Logger  *slog.Logger
	Metrics Metrics
	// ConflictRetries bounds re-reads after a version conflict. Zero means 3.
	ConflictRetries int
}

// NewMatcher builds a Matcher.
func NewMatcher(cfg MatcherConfig) *Matcher {
	m := &Matcher{
		customers:       cfg.Customers,
		publisher:       cfg.Publisher,
		topic:           cfg.Topic,
		runner:          cfg.Runner,
		logger:          cfg.Logger,
		metrics:         cfg.Metrics,
		conflictRetries: cfg.ConflictRetries,
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	if m.metrics == nil {
		m.metrics = noopMetrics{}
	}
	if m.conflictRetries <= 0 {
		m.conflictRetries = defaultConflictRetries
	}
	return m
}

// Match launches the lookup for one observation. A hit updates the customer's
// last-seen fields with a versioned write and publishes a MatchEvent carrying
// the updated record. Lookup failures count as no match.
func (m *Matcher) Match(ctx context.Context, obs model.Observation, apIdentifier string) *effect.Handle {
	var sighted *model.CustomerRecord

	return m.runner.Go(ctx, "customer.match", func(ctx context.Context) error {
		// A retry after a failed publish must not record the sighting again.
		if sighted == nil {
			c, ok, err := m.recordSighting(ctx, obs, apIdentifier)
			if err != nil || !ok {
				return err
			}
			sighted = &c
		}

		payload, err := json.Marshal(model.MatchEvent{
			Customer:     *sighted,
			APIdentifier: apIdentifier,
			SeenAtEpoch:  obs.SeenAtEpoch,
		})
		if err != nil {
			return effect.Permanent(fmt.Errorf("encode match event: %w", err))
		}
		if err := m.publisher.Publish(ctx, m.topic, payload); err != nil {
			return fmt.Errorf("publish match event: %w", err)
		}

		m.logger.Info("customer detected",
			"customer", sighted.Surname,
			"email", sighted.Email,
			"ap", apIdentifier,
			"seen_epoch", obs.SeenAtEpoch,
		)
		return nil
	}, "client", obs.ClientID, "ap", apIdentifier)
}

func (m *Matcher) recordSighting(ctx context.Context, obs model.Observation, apIdentifier string) (model.CustomerRecord, bool, error) {
	found, err := m.customers.FindCustomers(ctx, obs.ClientID)
	if err != nil {
		m.logger.Warn("customer lookup failed", "client", obs.ClientID, "error", err)
		return model.CustomerRecord{}, false, nil
	}
	m.metrics.CustomerMatched(ctx, len(found))
	if len(found) == 0 {
		return model.CustomerRecord{}, false, nil
	}
	if len(found) > 1 {
		m.logger.Warn("multiple customer records share a client id, using the first",
			"client", obs.ClientID,
			"matches", len(found),
		)
	}

	current := found[0]
	for attempt := 0; attempt <= m.conflictRetries; attempt++ {
		updated, err := m.customers.RecordSighting(ctx, current.ID, current.Version, obs.SeenAtEpoch, apIdentifier)
		switch {
		case err == nil:
			return updated, true, nil
		case errors.Is(err, store.ErrVersionConflict):
			m.logger.Debug("customer record changed underneath, retrying",
				"customer_id", current.ID,
				"expected_version", current.Version,
				"current_version", updated.Version,
			)
			current = updated
		case errors.Is(err, store.ErrNotFound):
			m.logger.Warn("customer record disappeared before update", "customer_id", current.ID)
			return model.CustomerRecord{}, false, nil
		default:
			return model.CustomerRecord{}, false, fmt.Errorf("record sighting: %w", err)
		}
	}

	return model.CustomerRecord{}, false, fmt.Errorf("record sighting for %s: %w", current.ID, store.ErrVersionConflict)
}
