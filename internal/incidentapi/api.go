// Package incidentapi exposes the HTTP surface for submitting failure
// signals and following investigations.
package incidentapi

import (
	"context"
	"encoding/json"
	"net/http"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/go-chi/chi/v5"
	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"

	"github.com/linnemanlabs/remedy/internal/ensemble"
	"github.com/linnemanlabs/remedy/internal/incident"
	"github.com/linnemanlabs/remedy/internal/investigate"
)

// IncidentService defines the business operations incidentapi needs.
type IncidentService interface {
	Submit(ctx context.Context, sig *incident.Signal) (*investigate.SubmitResult, error)
	Get(ctx context.Context, id string) (*incident.Incident, bool, error)
	Cancel(id string) bool
}

// ProviderHealth exposes the ensemble's per-provider status.
type ProviderHealth interface {
	Snapshot() []ensemble.ProviderStatus
}

// API holds dependencies for HTTP handlers.
type API struct {
	logger log.Logger
	svc    IncidentService
	health ProviderHealth
}

// New creates a new API handler. health may be nil, in which case the
// providers endpoint is not registered.
func New(logger log.Logger, svc IncidentService, health ProviderHealth) *API {
	if logger == nil {
		logger = log.Nop()
	}
	if svc == nil {
		panic(xerrors.New("incident service is required"))
	}
	return &API{
		logger: logger,
		svc:    svc,
		health: health,
	}
}

// RegisterRoutes attaches API endpoints to the router.
func (a *API) RegisterRoutes(r chi.Router) {
	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/incidents", a.handleSubmitSignal)
		r.Get("/incidents/{id}", a.handleGetIncident)
		r.Post("/incidents/{id}/cancel", a.handleCancelIncident)
		if a.health != nil {
			r.Get("/providers", a.handleProviders)
		}
	})
}

func (a *API) handleSubmitSignal(w http.ResponseWriter, r *http.Request) {
	var sig incident.Signal
	if err := json.NewDecoder(r.Body).Decode(&sig); err != nil {
		http.Error(w, `{"error":"invalid payload"}`, http.StatusBadRequest)
		return
	}
	if sig.SourceDescription == "" {
		http.Error(w, `{"error":"source_description is required"}`, http.StatusBadRequest)
		return
	}

	res, err := a.svc.Submit(r.Context(), &sig)
	if err != nil {
		a.logger.Error(r.Context(), err, "failed to submit signal")
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}

	span := trace.SpanFromContext(r.Context())
	span.SetAttributes(
		attribute.String("remedy.incident.id", res.ID),
		attribute.Bool("remedy.incident.skipped", res.Skipped),
	)

	w.Header().Set("Content-Type", "application/json")
	if res.Skipped {
		w.WriteHeader(http.StatusOK)
	} else {
		w.WriteHeader(http.StatusAccepted)
	}
	_ = json.NewEncoder(w).Encode(map[string]any{
		"id":      res.ID,
		"skipped": res.Skipped,
		"reason":  res.Reason,
	})
}

func (a *API) handleGetIncident(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	span := trace.SpanFromContext(r.Context())
	span.SetAttributes(attribute.String("remedy.incident.id", id))

	inc, ok, err := a.svc.Get(r.Context(), id)
	if err != nil {
		a.logger.Error(r.Context(), err, "failed to get incident", "id", id)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	if !ok {
		http.Error(w, `{"error":"not found"}`, http.StatusNotFound)
		return
	}

	span.SetAttributes(attribute.String("remedy.incident.state", string(inc.State)))

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(inc)
}

func (a *API) handleCancelIncident(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if !a.svc.Cancel(id) {
		http.Error(w, `{"error":"no active investigation"}`, http.StatusNotFound)
		return
	}

	a.logger.Info(r.Context(), "investigation cancelled via API", "id", id)
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"cancelled": id})
}

func (a *API) handleProviders(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"providers": a.health.Snapshot(),
	})
}
