// Package httpapi exposes turn ingestion, case responses and read-only views
// over HTTP.
package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/rcliao/care-companion/internal/aggregator"
	"github.com/rcliao/care-companion/internal/events"
	"github.com/rcliao/care-companion/internal/metrics"
	"github.com/rcliao/care-companion/internal/model"
	"github.com/rcliao/care-companion/internal/pipeline"
	"github.com/rcliao/care-companion/internal/store"
)

// Turns accepts conversation turns.
type Turns interface {
	Submit(ctx context.Context, t pipeline.Turn) (*model.ConversationTurn, <-chan pipeline.Result, error)
	ProcessSync(ctx context.Context, t pipeline.Turn) (pipeline.Result, error)
}

// Cases applies patient choices to open emergency cases.
type Cases interface {
	Respond(ctx context.Context, caseID string, choice model.PatientChoice) (model.EmergencyCase, error)
}

type ContextBuilder interface {
	BuildContext(ctx context.Context, patientID string, maxTurns, maxChars int) (*aggregator.Context, error)
}

// Store serves the read-only views.
type Store interface {
	GetOpenCase(ctx context.Context, patientID string) (*model.EmergencyCase, error)
	ListAlerts(ctx context.Context, p store.ListAlertsParams) ([]model.Alert, error)
	ListEscalations(ctx context.Context, patientID string, limit int) ([]model.EscalationEntry, error)
}

// Deps are the components the router serves.
type Deps struct {
	Turns    Turns
	Cases    Cases
	Contexts ContextBuilder
	Store    Store
	Events   *events.Broadcaster
	Metrics  *metrics.Collector
}

// NewRouter builds the HTTP handler.
func NewRouter(d Deps, logger *zap.Logger) http.Handler {
	h := &handler{deps: d, logger: logger.Named("http")}

	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(requestLogger(h.logger))

	r.Get("/healthz", h.health)
	r.Handle("/metrics", d.Metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Route("/patients/{patientID}", func(r chi.Router) {
			r.Post("/turns", h.postTurn)
			r.Get("/context", h.getContext)
			r.Get("/case", h.getOpenCase)
		})
		r.Post("/cases/{caseID}/response", h.postResponse)
		r.Get("/alerts", h.listAlerts)
		r.Get("/escalations", h.listEscalations)
		if d.Events != nil {
			r.Get("/events", h.streamEvents)
		}
	})
	return r
}

func requestLogger(logger *zap.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			logger.Debug("request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", chimiddleware.GetReqID(r.Context())),
			)
		})
	}
}
