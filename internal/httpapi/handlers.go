package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/rcliao/care-companion/internal/aggregator"
	"github.com/rcliao/care-companion/internal/emergency"
	"github.com/rcliao/care-companion/internal/model"
	"github.com/rcliao/care-companion/internal/pipeline"
	"github.com/rcliao/care-companion/internal/store"
)

var validate = validator.New()

type handler struct {
	deps   Deps
	logger *zap.Logger
}

type turnRequest struct {
	Speaker   model.Speaker `json:"speaker" validate:"required,oneof=patient agent"`
	Text      string        `json:"text" validate:"required,max=8000"`
	Timestamp *time.Time    `json:"timestamp,omitempty"`
}

type responseRequest struct {
	Choice model.PatientChoice `json:"choice" validate:"required,oneof=self_resolve contact_caregiver"`
}

func (h *handler) health(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// postTurn stores a turn and queues it. With ?wait=true the turn is
// processed inline and the classification is returned.
func (h *handler) postTurn(w http.ResponseWriter, r *http.Request) {
	var req turnRequest
	if !decode(w, r, &req) {
		return
	}
	t := pipeline.Turn{PatientID: chi.URLParam(r, "patientID"), Speaker: req.Speaker, Text: req.Text}
	if req.Timestamp != nil {
		t.Timestamp = *req.Timestamp
	}

	if wait, _ := strconv.ParseBool(r.URL.Query().Get("wait")); wait {
		res, err := h.deps.Turns.ProcessSync(r.Context(), t)
		if err != nil && res.Turn.ID == "" {
			h.respondErr(w, err)
			return
		}
		if err != nil {
			h.logger.Warn("turn processed with error", zap.String("turn_id", res.Turn.ID), zap.Error(err))
		}
		respondJSON(w, http.StatusOK, res)
		return
	}

	turn, _, err := h.deps.Turns.Submit(r.Context(), t)
	if err != nil {
		h.respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusAccepted, turn)
}

func (h *handler) postResponse(w http.ResponseWriter, r *http.Request) {
	var req responseRequest
	if !decode(w, r, &req) {
		return
	}
	c, err := h.deps.Cases.Respond(r.Context(), chi.URLParam(r, "caseID"), req.Choice)
	if err != nil {
		h.respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, c)
}

func (h *handler) getContext(w http.ResponseWriter, r *http.Request) {
	turns, err := intParam(r, "turns")
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	chars, err := intParam(r, "chars")
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	c, err := h.deps.Contexts.BuildContext(r.Context(), chi.URLParam(r, "patientID"), turns, chars)
	if err != nil {
		h.respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, c)
}

func (h *handler) getOpenCase(w http.ResponseWriter, r *http.Request) {
	c, err := h.deps.Store.GetOpenCase(r.Context(), chi.URLParam(r, "patientID"))
	if err != nil {
		h.respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, c)
}

func (h *handler) listAlerts(w http.ResponseWriter, r *http.Request) {
	limit, err := intParam(r, "limit")
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	q := r.URL.Query()
	alerts, err := h.deps.Store.ListAlerts(r.Context(), store.ListAlertsParams{
		PatientID: q.Get("patient"),
		Status:    model.AlertStatus(q.Get("status")),
		Limit:     limit,
	})
	if err != nil {
		h.respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"alerts": alerts})
}

func (h *handler) listEscalations(w http.ResponseWriter, r *http.Request) {
	limit, err := intParam(r, "limit")
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	entries, err := h.deps.Store.ListEscalations(r.Context(), r.URL.Query().Get("patient"), limit)
	if err != nil {
		h.respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"escalations": entries})
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return false
	}
	if err := validate.Struct(v); err != nil {
		respondError(w, http.StatusBadRequest, validationMessage(err))
		return false
	}
	return true
}

func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	msgs := make([]string, 0, len(verrs))
	for _, e := range verrs {
		field := strings.ToLower(e.Field())
		switch e.Tag() {
		case "required":
			msgs = append(msgs, field+" is required")
		case "oneof":
			msgs = append(msgs, fmt.Sprintf("%s must be one of: %s", field, e.Param()))
		case "max":
			msgs = append(msgs, fmt.Sprintf("%s must be at most %s characters", field, e.Param()))
		default:
			msgs = append(msgs, field+" is invalid")
		}
	}
	return strings.Join(msgs, "; ")
}

func intParam(r *http.Request, name string) (int, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%s must be a non-negative integer", name)
	}
	return n, nil
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, store.ErrNotFound),
		errors.Is(err, emergency.ErrCaseNotFound),
		errors.Is(err, aggregator.ErrDataUnavailable):
		return http.StatusNotFound
	case errors.Is(err, emergency.ErrNoPendingAction):
		return http.StatusConflict
	case errors.Is(err, emergency.ErrInvalidChoice):
		return http.StatusBadRequest
	case errors.Is(err, pipeline.ErrQueueFull), errors.Is(err, pipeline.ErrClosed):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func (h *handler) respondErr(w http.ResponseWriter, err error) {
	status := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		h.logger.Error("request failed", zap.Error(err))
		msg = "internal error"
	}
	respondError(w, status, msg)
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, map[string]string{"error": msg})
}
