package pipeline

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff"

	"github.com/CiscoSE/serverless-cmx/internal/effect"
	"github.com/CiscoSE/serverless-cmx/internal/model"
	"github.com/CiscoSE/serverless-cmx/internal/store"
)

const (
	testAP          = "00:18:0a:13:dd:b0"
	barneyMAC       = "60:f6:77:05:f0:9b"
	reportRoom      = "room-report"
	actionRoom      = "room-action"
	customerTopic   = "projects/serverless-cmx/topics/customer-detected"
	waitTimeout     = 5 * time.Second
	unknownClientID = "aa:bb:cc:dd:ee:ff"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testRunner(retries int) *effect.Runner {
	return effect.NewRunner(discardLogger(), retries,
		effect.WithBackOff(func() backoff.BackOff { return &backoff.ZeroBackOff{} }))
}

func waitCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	t.Cleanup(cancel)
	return ctx
}

type fakeObservations struct {
	mu      sync.Mutex
	records []model.ObservationRecord
	err     error
}

func (f *fakeObservations) InsertObservation(_ context.Context, r model.ObservationRecord) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.records = append(f.records, r)
	return "", nil
}

func (f *fakeObservations) all() []model.ObservationRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]model.ObservationRecord(nil), f.records...)
}

type fakeCustomers struct {
	mu        sync.Mutex
	records   []model.CustomerRecord
	findErr   error
	conflicts int
	lookups   int
	updates   int
}

func (f *fakeCustomers) FindCustomers(_ context.Context, clientID string) ([]model.CustomerRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lookups++
	if f.findErr != nil {
		return nil, f.findErr
	}
	var out []model.CustomerRecord
	for _, c := range f.records {
		if c.ClientID == clientID {
			out = append(out, c)
		}
	}
	return out, nil
}

func (f *fakeCustomers) RecordSighting(_ context.Context, id string, expectedVersion, seenEpoch int64, ap string) (model.CustomerRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates++
	for i := range f.records {
		c := &f.records[i]
		if c.ID != id {
			continue
		}
		if f.conflicts > 0 {
			// Simulate a concurrent writer landing first.
			f.conflicts--
			c.Version++
			return *c, store.ErrVersionConflict
		}
		if c.Version != expectedVersion {
			return *c, store.ErrVersionConflict
		}
		c.LastSeenEpoch = seenEpoch
		c.ObservingAP = ap
		c.Version++
		return *c, nil
	}
	return model.CustomerRecord{}, store.ErrNotFound
}

func (f *fakeCustomers) counts() (lookups, updates int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lookups, f.updates
}

type published struct {
	topic   string
	payload []byte
}

type fakePublisher struct {
	mu       sync.Mutex
	messages []published
	failures int
	attempts int
}

func (f *fakePublisher) Publish(_ context.Context, topic string, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempts++
	if f.failures > 0 {
		f.failures--
		return io.ErrUnexpectedEOF
	}
	f.messages = append(f.messages, published{topic: topic, payload: payload})
	return nil
}

func (f *fakePublisher) all() []published {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]published(nil), f.messages...)
}

type posted struct {
	roomID   string
	markdown string
}

type fakePoster struct {
	mu       sync.Mutex
	messages []posted
	err      error
	attempts int
}

func (f *fakePoster) PostMessage(_ context.Context, roomID, markdown string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempts++
	if f.err != nil {
		return f.err
	}
	f.messages = append(f.messages, posted{roomID: roomID, markdown: markdown})
	return nil
}

func (f *fakePoster) all() []posted {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]posted(nil), f.messages...)
}

type fakeIngestion struct {
	mu      sync.Mutex
	entries []model.IngestionError
}

func (f *fakeIngestion) InsertIngestionError(_ context.Context, e model.IngestionError) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries = append(f.entries, e)
	return nil
}

func (f *fakeIngestion) all() []model.IngestionError {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]model.IngestionError(nil), f.entries...)
}

// seqRand returns the queued values in order.
type seqRand struct {
	mu     sync.Mutex
	values []int
	bounds []int
}

func (s *seqRand) Intn(n int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bounds = append(s.bounds, n)
	v := s.values[0]
	s.values = s.values[1:]
	return v
}

type harness struct {
	router       *Router
	observations *fakeObservations
	customers    *fakeCustomers
	publisher    *fakePublisher
	poster       *fakePoster
	ingestion    *fakeIngestion
}

func newHarness(t *testing.T, customers ...model.CustomerRecord) *harness {
	t.Helper()

	h := &harness{
		observations: &fakeObservations{},
		customers:    &fakeCustomers{records: customers},
		publisher:    &fakePublisher{},
		poster:       &fakePoster{},
		ingestion:    &fakeIngestion{},
	}
	h.router = newTestRouter(t, h.observations, h.customers, h.publisher, h.poster, h.ingestion)
	return h
}

func newTestRouter(t *testing.T, obs ObservationWriter, customers CustomerStore, pub Publisher, poster Poster, ingestion IngestionRecorder) *Router {
	t.Helper()

	runner := testRunner(0)
	router, err := NewRouter(RouterConfig{
		Writer:   NewWriter(obs, runner),
		Reporter: NewReporter(poster, reportRoom, runner),
		Matcher: NewMatcher(MatcherConfig{
			Customers: customers,
			Publisher: pub,
			Topic:     customerTopic,
			Runner:    runner,
			Logger:    discardLogger(),
		}),
		Ingestion: ingestion,
		Runner:    runner,
		Logger:    discardLogger(),
	})
	if err != nil {
		t.Fatalf("new router: %v", err)
	}
	return router
}
