package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CiscoSE/serverless-cmx/internal/model"
)

type matcherFixture struct {
	matcher   *Matcher
	customers *fakeCustomers
	publisher *fakePublisher
}

func newMatcherFixture(retries int, customers *fakeCustomers, publisher *fakePublisher) matcherFixture {
	return matcherFixture{
		matcher: NewMatcher(MatcherConfig{
			Customers: customers,
			Publisher: publisher,
			Topic:     customerTopic,
			Runner:    testRunner(retries),
			Logger:    discardLogger(),
		}),
		customers: customers,
		publisher: publisher,
	}
}

func sighting(mac string) model.Observation {
	return model.Observation{ClientID: mac, SeenAt: "2018-05-01T10:00:00Z", SeenAtEpoch: 1525168800}
}

func TestMatcherNoMatchIsNoop(t *testing.T) {
	f := newMatcherFixture(0, &fakeCustomers{records: []model.CustomerRecord{barney()}}, &fakePublisher{})

	require.NoError(t, f.matcher.Match(context.Background(), sighting(unknownClientID), testAP).Wait(waitCtx(t)))

	lookups, updates := f.customers.counts()
	assert.Equal(t, 1, lookups)
	assert.Zero(t, updates)
	assert.Empty(t, f.publisher.all())
}

func TestMatcherLookupFailureCountsAsNoMatch(t *testing.T) {
	f := newMatcherFixture(2, &fakeCustomers{findErr: errors.New("datastore unavailable")}, &fakePublisher{})

	require.NoError(t, f.matcher.Match(context.Background(), sighting(barneyMAC), testAP).Wait(waitCtx(t)))

	lookups, updates := f.customers.counts()
	assert.Equal(t, 1, lookups, "lookup failures are not retried")
	assert.Zero(t, updates)
	assert.Empty(t, f.publisher.all())
}

func TestMatcherUsesFirstOfMultipleMatches(t *testing.T) {
	first := barney()
	second := barney()
	second.ID = "cust-barney-dup"
	second.FirstName = "Bamm-Bamm"

	f := newMatcherFixture(0, &fakeCustomers{records: []model.CustomerRecord{first, second}}, &fakePublisher{})
	require.NoError(t, f.matcher.Match(context.Background(), sighting(barneyMAC), testAP).Wait(waitCtx(t)))

	events := f.publisher.all()
	require.Len(t, events, 1)

	var event model.MatchEvent
	require.NoError(t, json.Unmarshal(events[0].payload, &event))
	assert.Equal(t, "cust-barney", event.Customer.ID)

	f.customers.mu.Lock()
	defer f.customers.mu.Unlock()
	assert.Equal(t, int64(0), f.customers.records[1].Version, "the duplicate is left alone")
}

func TestMatcherRetriesVersionConflicts(t *testing.T) {
	customers := &fakeCustomers{records: []model.CustomerRecord{barney()}, conflicts: 2}
	f := newMatcherFixture(0, customers, &fakePublisher{})

	require.NoError(t, f.matcher.Match(context.Background(), sighting(barneyMAC), testAP).Wait(waitCtx(t)))

	_, updates := customers.counts()
	assert.Equal(t, 3, updates)

	events := f.publisher.all()
	require.Len(t, events, 1)

	var event model.MatchEvent
	require.NoError(t, json.Unmarshal(events[0].payload, &event))
	assert.Equal(t, int64(3), event.Customer.Version)
	assert.Equal(t, int64(1525168800), event.Customer.LastSeenEpoch)
	assert.Equal(t, testAP, event.Customer.ObservingAP)
}

func TestMatcherGivesUpOnPersistentConflicts(t *testing.T) {
	customers := &fakeCustomers{records: []model.CustomerRecord{barney()}, conflicts: 100}
	f := newMatcherFixture(0, customers, &fakePublisher{})

	err := f.matcher.Match(context.Background(), sighting(barneyMAC), testAP).Wait(waitCtx(t))
	require.Error(t, err)

	_, updates := customers.counts()
	assert.Equal(t, defaultConflictRetries+1, updates)
	assert.Empty(t, f.publisher.all())
}

func TestMatcherPublishRetryDoesNotRecordTwice(t *testing.T) {
	customers := &fakeCustomers{records: []model.CustomerRecord{barney()}}
	publisher := &fakePublisher{failures: 1}
	f := newMatcherFixture(1, customers, publisher)

	require.NoError(t, f.matcher.Match(context.Background(), sighting(barneyMAC), testAP).Wait(waitCtx(t)))

	lookups, updates := customers.counts()
	assert.Equal(t, 1, lookups)
	assert.Equal(t, 1, updates)
	assert.Len(t, publisher.all(), 1)

	publisher.mu.Lock()
	defer publisher.mu.Unlock()
	assert.Equal(t, 2, publisher.attempts)
}
