package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"

	"github.com/CiscoSE/serverless-cmx/internal/config"
	"github.com/CiscoSE/serverless-cmx/internal/effect"
	"github.com/CiscoSE/serverless-cmx/internal/ingress"
	"github.com/CiscoSE/serverless-cmx/internal/model"
	"github.com/CiscoSE/serverless-cmx/internal/mqttbroker"
	"github.com/CiscoSE/serverless-cmx/internal/pipeline"
	"github.com/CiscoSE/serverless-cmx/internal/pubsub"
	"github.com/CiscoSE/serverless-cmx/internal/store"
	"github.com/CiscoSE/serverless-cmx/internal/store/dynamostore"
	"github.com/CiscoSE/serverless-cmx/internal/telemetry"
)

// Version is reported in telemetry resources and the mDNS TXT record.
var Version = "dev"

// Backend is the document store behind the pipeline and the read APIs.
// Both the SQLite and DynamoDB stores satisfy it.
type Backend interface {
	InsertObservation(ctx context.Context, r model.ObservationRecord) (string, error)
	RecentObservations(ctx context.Context, kind model.RecordKind, limit int) ([]model.ObservationRecord, error)
	AllObservations(ctx context.Context) ([]model.ObservationRecord, error)
	InsertCustomer(ctx context.Context, c model.CustomerRecord) (model.CustomerRecord, error)
	FindCustomers(ctx context.Context, clientID string) ([]model.CustomerRecord, error)
	ListCustomers(ctx context.Context) ([]model.CustomerRecord, error)
	RecordSighting(ctx context.Context, id string, expectedVersion, seenEpoch int64, apIdentifier string) (model.CustomerRecord, error)
	InsertIngestionError(ctx context.Context, e model.IngestionError) error
	Close() error
}

// App wires together the scanning relay services and manages their lifecycle.
type App struct {
	cfg    config.Config
	logger *slog.Logger

	backend   Backend
	broker    *mqttbroker.Broker
	publisher *pubsub.Publisher
	ingress   *ingress.Handler
	mdns      *zeroconf.Server

	mu       sync.Mutex
	httpAddr string
	ready    chan struct{}
}

// New constructs a new application instance.
func New(cfg config.Config, logger *slog.Logger) *App {
	if logger == nil {
		logger = slog.Default()
	}
	return &App{cfg: cfg, logger: logger, ready: make(chan struct{})}
}

// Ready is closed once every listener is up.
func (a *App) Ready() <-chan struct{} {
	return a.ready
}

// HTTPAddr returns the bound webhook address, or "" before Run is ready.
func (a *App) HTTPAddr() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.httpAddr
}

// Run starts all configured services and blocks until the context is cancelled or an error occurs.
func (a *App) Run(ctx context.Context) error {
	tel, err := telemetry.New(ctx, telemetry.Config{
		ServiceName:    "serverless-cmx",
		ServiceVersion: Version,
		OTLPEndpoint:   a.cfg.OTLPEndpoint,
		Insecure:       true,
	}, a.logger)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tel.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("telemetry shutdown", "error", err)
		}
	}()

	backend, err := a.openBackend(ctx)
	if err != nil {
		return err
	}
	a.backend = backend
	defer func() {
		if cerr := a.backend.Close(); cerr != nil {
			a.logger.Error("close store", "error", cerr)
		}
	}()

	runner := effect.NewRunner(a.logger, a.cfg.EffectRetries, effect.WithObserver(tel))

	poster, err := a.newPoster()
	if err != nil {
		return err
	}

	broker := mqttbroker.New(a.logger)
	brokerErrCh, err := broker.Start(a.cfg.MQTTBindAddress)
	if err != nil {
		return err
	}
	a.broker = broker

	brokerURL := a.cfg.MQTTBrokerURL
	if brokerURL == "" {
		brokerURL = "tcp://" + broker.Addr()
	}
	publisher, err := pubsub.Dial(ctx, pubsub.Config{
		BrokerURL:    brokerURL,
		ClientPrefix: a.cfg.StoreProjectID,
		Logger:       a.logger,
	})
	if err != nil {
		_ = broker.Stop()
		return err
	}
	a.publisher = publisher

	router, err := pipeline.NewRouter(pipeline.RouterConfig{
		Writer:   pipeline.NewWriter(backend, runner),
		Reporter: pipeline.NewReporter(poster, a.cfg.ReportRoomID, runner),
		Matcher: pipeline.NewMatcher(pipeline.MatcherConfig{
			Customers: backend,
			Publisher: publisher,
			Topic:     a.cfg.CustomerTopic(),
			Runner:    runner,
			Logger:    a.logger,
			Metrics:   tel,
		}),
		Ingestion: backend,
		Runner:    runner,
		Logger:    a.logger,
		Metrics:   tel,
	})
	if err != nil {
		publisher.Close()
		_ = broker.Stop()
		return err
	}
	actions := pipeline.NewActionHandler(poster, a.cfg.ActionRoomID, pipeline.DefaultRand, runner, a.logger)

	if err := a.consume(ctx, a.cfg.ScanningTopic(), a.handleScanningPost(router)); err != nil {
		publisher.Close()
		_ = broker.Stop()
		return err
	}
	if err := a.consume(ctx, a.cfg.CustomerTopic(), a.handleCustomerDetected(actions)); err != nil {
		publisher.Close()
		_ = broker.Stop()
		return err
	}

	a.ingress = ingress.New(ingress.Config{
		SharedSecret:   a.cfg.SharedSecret,
		ValidatorToken: a.cfg.ValidatorToken,
		Topic:          a.cfg.ScanningTopic(),
		RateLimitRPS:   float64(a.cfg.RateLimitRPS),
		RateLimitBurst: a.cfg.RateLimitBurst,
	}, publisher, runner, tel, a.logger)

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", a.cfg.HTTPPort))
	if err != nil {
		publisher.Close()
		_ = broker.Stop()
		return fmt.Errorf("http listen: %w", err)
	}

	httpServer := &http.Server{
		Handler:           a.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	httpErrCh := make(chan error, 1)
	go func() {
		a.logger.Info("http server started", "addr", ln.Addr().String())
		if err := httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			httpErrCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	a.mu.Lock()
	a.httpAddr = ln.Addr().String()
	a.mu.Unlock()

	if a.cfg.MDNSEnabled {
		if err := a.startMDNS(ln.Addr().(*net.TCPAddr).Port); err != nil {
			a.logger.Warn("mDNS advertisement failed", "error", err)
		}
	}

	close(a.ready)

	for {
		select {
		case <-ctx.Done():
			return a.shutdown(httpServer)
		case err := <-httpErrCh:
			_ = a.shutdown(httpServer)
			return err
		case err, ok := <-brokerErrCh:
			if !ok {
				brokerErrCh = nil
				continue
			}
			_ = a.shutdown(httpServer)
			return err
		}
	}
}

func (a *App) shutdown(httpServer *http.Server) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	a.stopMDNS()

	var errs []error
	if err := httpServer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("http server shutdown: %w", err))
	}
	a.logger.Info("http server stopped")

	if err := a.ingress.Drain(ctx); err != nil {
		errs = append(errs, fmt.Errorf("drain webhook forwards: %w", err))
	}

	a.publisher.Close()

	if err := a.broker.Stop(); err != nil {
		errs = append(errs, err)
	}
	a.logger.Info("mqtt broker stopped")

	return errors.Join(errs...)
}

func (a *App) openBackend(ctx context.Context) (Backend, error) {
	switch strings.ToLower(a.cfg.StoreBackend) {
	case config.BackendDynamoDB:
		db, err := dynamostore.Open(ctx, dynamostore.Config{
			Region:      a.cfg.DynamoRegion,
			Endpoint:    a.cfg.DynamoEndpoint,
			TablePrefix: a.cfg.StoreProjectID,
		})
		if err != nil {
			return nil, err
		}
		a.logger.Info("using dynamodb store", "region", a.cfg.DynamoRegion, "table_prefix", a.cfg.StoreProjectID)
		return db, nil
	default:
		db, err := store.Open(a.cfg.DatabasePath)
		if err != nil {
			return nil, err
		}
		if err := db.InitSchema(ctx); err != nil {
			_ = db.Close()
			return nil, err
		}
		a.logger.Info("using sqlite store", "path", a.cfg.DatabasePath)
		return db, nil
	}
}

// consume attaches h to topic. With no external broker configured the
// embedded broker invokes h in-process; otherwise h is fed by a subscription
// on the external broker, where the webhook publishes.
func (a *App) consume(ctx context.Context, topic string, h pubsub.MessageHandler) error {
	if a.cfg.MQTTBrokerURL == "" {
		a.broker.Handle(topic, func(ctx context.Context, msg mqttbroker.Message) {
			h(ctx, msg.Payload)
		})
		return nil
	}

	if err := a.publisher.Subscribe(ctx, topic, h); err != nil {
		return err
	}
	a.logger.Info("consuming topic from external broker", "topic", topic, "broker", a.cfg.MQTTBrokerURL)
	return nil
}

// handleScanningPost feeds envelopes republished by the webhook into the router.
func (a *App) handleScanningPost(router *pipeline.Router) pubsub.MessageHandler {
	return func(ctx context.Context, payload []byte) {
		d := router.Route(ctx, payload)
		if d.Err != nil {
			return
		}
		a.logger.Debug("scanning post dispatched",
			"kind", d.Kind,
			"ap", d.APIdentifier,
			"effects", len(d.Handles),
		)
	}
}

func (a *App) handleCustomerDetected(actions *pipeline.ActionHandler) pubsub.MessageHandler {
	return func(ctx context.Context, payload []byte) {
		// Decode failures are logged by the handler.
		_, _ = actions.Handle(ctx, payload)
	}
}
