package pipeline

import (
	"bytes"
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/CiscoSE/serverless-cmx/internal/effect"
	"github.com/CiscoSE/serverless-cmx/internal/model"
)

//go:embed envelope.schema.json
var envelopeSchemaJSON string

const envelopeSchemaURL = "https://serverless-cmx.local/schemas/envelope.schema.json"

// maxStoredPayload caps the runes kept for a rejected payload.
const maxStoredPayload = 4096

func compileEnvelopeSchema() (*jsonschema.Schema, error) {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	if err := c.AddResource(envelopeSchemaURL, strings.NewReader(envelopeSchemaJSON)); err != nil {
		return nil, fmt.Errorf("envelope schema load failed: %w", err)
	}
	schema, err := c.Compile(envelopeSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("envelope schema compile failed: %w", err)
	}
	return schema, nil
}

// Dispatch describes what Route launched for one envelope.
type Dispatch struct {
	Kind         model.Kind
	APIdentifier string
	Handles      []*effect.Handle
	// Err is set when the payload could not be decoded.
	Err error
}

// Wait blocks until every launched effect has finished.
func (d Dispatch) Wait(ctx context.Context) error {
	return effect.WaitAll(ctx, d.Handles...)
}

// RouterConfig wires a Router.
type RouterConfig struct {
	Writer    *Writer
	Reporter  *Reporter
	Matcher   *Matcher
	Ingestion IngestionRecorder
	Runner    *effect.Runner
	Logger    *slog.Logger
	Metrics   Metrics
}

// Router classifies scanning envelopes and fans them out.
type Router struct {
	schema    *jsonschema.Schema
	writer    *Writer
	reporter  *Reporter
	matcher   *Matcher
	ingestion IngestionRecorder
	runner    *effect.Runner
	logger    *slog.Logger
	metrics   Metrics
}

// NewRouter compiles the envelope schema and returns a Router.
func NewRouter(cfg RouterConfig) (*Router, error) {
	schema, err := compileEnvelopeSchema()
	if err != nil {
		return nil, err
	}

	r := &Router{
		schema:    schema,
		writer:    cfg.Writer,
		reporter:  cfg.Reporter,
		matcher:   cfg.Matcher,
		ingestion: cfg.Ingestion,
		runner:    cfg.Runner,
		logger:    cfg.Logger,
		metrics:   cfg.Metrics,
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	if r.metrics == nil {
		r.metrics = noopMetrics{}
	}
	return r, nil
}

// Route decodes raw and dispatches it by kind. Wi-Fi envelopes are written,
// reported and matched; radio envelopes are written and reported only;
// anything else is logged and dropped. Route keeps no state between calls.
func (r *Router) Route(ctx context.Context, raw []byte) Dispatch {
	env, err := r.decode(raw)
	if err != nil {
		r.logger.Warn("discarding undecodable scanning post", "error", err)
		d := Dispatch{Kind: model.KindUnknown, Err: err}
		if h := r.recordIngestionError(ctx, raw, err); h != nil {
			d.Handles = append(d.Handles, h)
		}
		return d
	}

	d := Dispatch{Kind: env.Kind, APIdentifier: env.APIdentifier}
	r.metrics.EnvelopeRouted(ctx, env.Kind, len(env.Observations))

	recordKind, ok := model.RecordKindFor(env.Kind)
	if !ok {
		r.logger.Warn("unknown type of scanning post", "type", env.VendorType, "ap", env.APIdentifier)
		return d
	}

	r.logger.Info("scanning report received",
		"version", env.Version,
		"kind", env.Kind,
		"ap", env.APIdentifier,
		"observations", len(env.Observations),
	)

	for _, obs := range env.Observations {
		d.Handles = append(d.Handles, r.writer.Write(ctx, obs, env.APIdentifier, recordKind))
	}
	d.Handles = append(d.Handles, r.reporter.Report(ctx, env))

	if env.Kind == model.KindWifiSeen && r.matcher != nil {
		for _, obs := range env.Observations {
			d.Handles = append(d.Handles, r.matcher.Match(ctx, obs, env.APIdentifier))
		}
	}

	return d
}

func (r *Router) decode(raw []byte) (model.Envelope, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return model.Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	// Unrecognised or missing types are dropped by Route, so the body of
	// such an envelope is never validated.
	if obj, ok := doc.(map[string]any); ok {
		vendorType, _ := obj["type"].(string)
		if model.ParseKind(vendorType) == model.KindUnknown {
			env := model.Envelope{VendorType: vendorType, Kind: model.KindUnknown}
			if data, ok := obj["data"].(map[string]any); ok {
				env.APIdentifier, _ = data["apMac"].(string)
			}
			if version, ok := obj["version"].(string); ok {
				env.Version = version
			}
			return env, nil
		}
	}

	if err := r.schema.Validate(doc); err != nil {
		return model.Envelope{}, fmt.Errorf("envelope schema validation failed: %w", err)
	}

	var wire model.WireEnvelope
	if err := json.Unmarshal(raw, &wire); err != nil {
		return model.Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	return wire.Envelope(), nil
}

func (r *Router) recordIngestionError(ctx context.Context, raw []byte, cause error) *effect.Handle {
	if r.ingestion == nil || r.runner == nil {
		return nil
	}

	entry := model.IngestionError{
		Source:  "scanning",
		Payload: truncateRunes(string(raw), maxStoredPayload),
		Error:   cause.Error(),
	}
	return r.runner.Go(ctx, "store.ingestion_error", func(ctx context.Context) error {
		return r.ingestion.InsertIngestionError(ctx, entry)
	})
}

func truncateRunes(s string, limit int) string {
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit])
}
