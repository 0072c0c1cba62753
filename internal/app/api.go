package app

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/CiscoSE/serverless-cmx/internal/crm"
	"github.com/CiscoSE/serverless-cmx/internal/model"
)

// Optional store capabilities; the DynamoDB store offers neither.
type (
	ingestionLister interface {
		RecentIngestionErrors(ctx context.Context, limit int) ([]model.IngestionError, error)
	}
	observationWiper interface {
		WipeObservations(ctx context.Context) error
	}
)

func (a *App) routes() http.Handler {
	r := chi.NewRouter()
	r.Get("/healthz", a.handleHealthz)
	r.Get("/readyz", a.handleReadyz)

	r.Route("/api", func(r chi.Router) {
		r.Get("/observations", a.handleRecentObservations)
		r.Get("/customers", a.handleCustomers)
		r.Get("/ingestion-errors", a.handleIngestionErrors)
		r.Get("/export/observations", a.handleExportObservations)
		r.Post("/admin/seed", a.handleSeed)
		r.Post("/admin/wipe", a.handleWipe)
		if a.ingress != nil {
			r.Mount("/scanning", a.ingress)
		}
	})

	// The scanning API dashboard is usually pointed at the bare host.
	if a.ingress != nil {
		r.Handle("/", a.ingress)
	}

	return r
}

func (a *App) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

func (a *App) handleReadyz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if a.backend == nil || a.publisher == nil || !a.publisher.Connected() {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"status":"starting"}`))
		return
	}
	_, _ = w.Write([]byte(`{"status":"ready"}`))
}

func (a *App) handleRecentObservations(w http.ResponseWriter, r *http.Request) {
	if a.backend == nil {
		http.Error(w, "store not initialized", http.StatusServiceUnavailable)
		return
	}

	limit := 25
	if v := r.URL.Query().Get("limit"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			if parsed > 0 && parsed <= 250 {
				limit = parsed
			}
		}
	}

	kind := model.RecordKind(r.URL.Query().Get("kind"))
	switch kind {
	case "", model.RecordKindWifi, model.RecordKindRadio:
	default:
		http.Error(w, "kind must be wifi-observation or radio-observation", http.StatusBadRequest)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	records, err := a.backend.RecentObservations(ctx, kind, limit)
	if err != nil {
		a.logger.Error("failed to load recent observations", "error", err)
		http.Error(w, "failed to load observations", http.StatusInternalServerError)
		return
	}
	if records == nil {
		records = []model.ObservationRecord{}
	}

	response := struct {
		Observations []model.ObservationRecord `json:"observations"`
	}{Observations: records}

	a.writeJSON(w, http.StatusOK, response)
}

func (a *App) handleCustomers(w http.ResponseWriter, r *http.Request) {
	if a.backend == nil {
		http.Error(w, "store not initialized", http.StatusServiceUnavailable)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	customers, err := a.backend.ListCustomers(ctx)
	if err != nil {
		a.logger.Error("failed to list customers", "error", err)
		http.Error(w, "failed to load customers", http.StatusInternalServerError)
		return
	}
	if customers == nil {
		customers = []model.CustomerRecord{}
	}

	response := struct {
		Customers []model.CustomerRecord `json:"customers"`
	}{Customers: customers}

	a.writeJSON(w, http.StatusOK, response)
}

func (a *App) handleIngestionErrors(w http.ResponseWriter, r *http.Request) {
	lister, ok := a.backend.(ingestionLister)
	if !ok {
		http.Error(w, "not supported by this store", http.StatusNotImplemented)
		return
	}

	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			if parsed > 0 && parsed <= 500 {
				limit = parsed
			}
		}
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	entries, err := lister.RecentIngestionErrors(ctx, limit)
	if err != nil {
		a.logger.Error("failed to load ingestion errors", "error", err)
		http.Error(w, "failed to load ingestion errors", http.StatusInternalServerError)
		return
	}
	if entries == nil {
		entries = []model.IngestionError{}
	}

	response := struct {
		Errors []model.IngestionError `json:"errors"`
	}{Errors: entries}

	a.writeJSON(w, http.StatusOK, response)
}

func (a *App) handleExportObservations(w http.ResponseWriter, r *http.Request) {
	if a.backend == nil {
		http.Error(w, "store not initialized", http.StatusServiceUnavailable)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()

	records, err := a.backend.AllObservations(ctx)
	if err != nil {
		a.logger.Error("export: failed to load observations", "error", err)
		http.Error(w, "failed to load observations", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", "attachment; filename=serverless-cmx_observations.csv")

	csvWriter := csv.NewWriter(w)
	defer csvWriter.Flush()

	if err := csvWriter.Write([]string{
		"id",
		"kind",
		"received_at",
		"seen_time",
		"seen_epoch",
		"mac",
		"ap_mac",
		"associated",
		"ssid",
		"ipv4",
		"ipv6",
		"manufacturer",
		"rssi",
		"os",
	}); err != nil {
		a.logger.Error("export: failed to write header", "error", err)
		return
	}

	for _, rec := range records {
		row := []string{
			rec.ID,
			string(rec.Kind),
			rec.ReceivedAt.UTC().Format(time.RFC3339Nano),
			rec.SeenAt,
			rec.SeenAtEpoch,
			rec.ClientID,
			rec.APIdentifier,
			rec.Associated,
			rec.Network,
			rec.IPv4,
			rec.IPv6,
			rec.Manufacturer,
			rec.SignalStrength,
			rec.OS,
		}
		if err := csvWriter.Write(row); err != nil {
			a.logger.Error("export: failed to write row", "error", err)
			return
		}
	}

	if err := csvWriter.Error(); err != nil {
		a.logger.Error("export: writer error", "error", err)
	}
}

func (a *App) handleSeed(w http.ResponseWriter, r *http.Request) {
	if a.backend == nil {
		http.Error(w, "store not initialized", http.StatusServiceUnavailable)
		return
	}
	if !confirmed(r, "seed") {
		http.Error(w, "confirmation required", http.StatusBadRequest)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	inserted, err := crm.Seed(ctx, a.backend, a.logger)
	if err != nil {
		a.logger.Error("seed: failed", "inserted", len(inserted), "error", err)
		http.Error(w, "failed to seed customer records", http.StatusInternalServerError)
		return
	}

	response := struct {
		Customers []model.CustomerRecord `json:"customers"`
	}{Customers: inserted}

	a.writeJSON(w, http.StatusCreated, response)
}

func (a *App) handleWipe(w http.ResponseWriter, r *http.Request) {
	wiper, ok := a.backend.(observationWiper)
	if !ok {
		http.Error(w, "not supported by this store", http.StatusNotImplemented)
		return
	}
	if !confirmed(r, "wipe") {
		http.Error(w, "confirmation required", http.StatusBadRequest)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	if err := wiper.WipeObservations(ctx); err != nil {
		a.logger.Error("wipe: failed", "error", err)
		http.Error(w, "failed to wipe data", http.StatusInternalServerError)
		return
	}

	a.logger.Warn("wipe: observation records cleared")
	w.WriteHeader(http.StatusNoContent)
}

func confirmed(r *http.Request, word string) bool {
	var body struct {
		Confirm string `json:"confirm"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		return false
	}
	return strings.ToLower(strings.TrimSpace(body.Confirm)) == word
}

func (a *App) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		a.logger.Error("failed to encode response", "error", err)
	}
}
