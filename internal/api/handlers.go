/**
 * @description
 * This file contains the HTTP handlers for the tipping-service's API endpoints.
 * Handlers are responsible for parsing incoming requests, calling the appropriate
 * methods on the application service, and writing the HTTP response. They act as the
 * bridge between the web layer and the business logic layer.
 *
 * @dependencies
 * - encoding/json, log, net/http: Standard Go libraries.
 * - internal/app, internal/domain, internal/store: For service logic, models, and custom errors.
 */

package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/tipjar/tipping-service/internal/app"
	"github.com/tipjar/tipping-service/internal/domain"
	"github.com/tipjar/tipping-service/internal/store"
)

// TipHandlers holds the application service that handlers will use.
type TipHandlers struct {
	service *app.Service
}

// NewTipHandlers creates a new instance of TipHandlers.
func NewTipHandlers(service *app.Service) *TipHandlers {
	return &TipHandlers{service: service}
}

// tipResponse is sent back to the mobile client for any endpoint that returns
// a single tip. It mirrors the shape the app's tip screens consume.
type tipResponse struct {
	TipID               string  `json:"tip_id"`
	JarID               string  `json:"jar_id"`
	Status              string  `json:"status"`
	Amount              int64   `json:"amount"`
	Message             *string `json:"message,omitempty"`
	DisplayName         string  `json:"display_name"`
	SettlementReference *string `json:"settlement_reference,omitempty"`
	FailureReason       *string `json:"failure_reason,omitempty"`
}

// reconcileRequest carries the client-reported settlement outcome.
type reconcileRequest struct {
	Confirmed bool   `json:"confirmed"`
	Reference string `json:"reference,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

func buildTipResponse(tip *domain.TipRecord) tipResponse {
	return tipResponse{
		TipID:               tip.ID.String(),
		JarID:               tip.JarID.String(),
		Status:              tip.Status,
		Amount:              tip.Amount,
		Message:             tip.Message,
		DisplayName:         tip.DisplayName(),
		SettlementReference: tip.SettlementReference,
		FailureReason:       tip.FailureReason,
	}
}

// InitiateTipHandler records a pending tip without touching the chain. The
// client then drives the settlement itself and reports the outcome via the
// reconcile endpoint.
func (h *TipHandlers) InitiateTipHandler(w http.ResponseWriter, r *http.Request) {
	subject, ok := GetSupporterSubject(r.Context())
	if !ok {
		http.Error(w, "Could not get subject from context", http.StatusInternalServerError)
		return
	}

	var req domain.RecordTipRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		log.Printf("level=warn component=api endpoint=initiate_tip outcome=reject reason=invalid_json err=%v", err)
		http.Error(w, fmt.Sprintf("Invalid request body: %v", err), http.StatusBadRequest)
		return
	}

	tip, err := h.service.InitiateTip(r.Context(), subject, req)
	if err != nil {
		h.writeTipError(w, "initiate_tip", err)
		return
	}

	log.Printf("level=info component=api endpoint=initiate_tip outcome=accepted tip_id=%s jar_id=%s amount=%d", tip.ID, tip.JarID, tip.Amount)
	h.writeJSON(w, http.StatusCreated, buildTipResponse(tip))
}

// SupportTipHandler runs the full tip flow server-side: record the pending
// tip, broadcast the custodial transfer, wait for the outcome, and reconcile.
func (h *TipHandlers) SupportTipHandler(w http.ResponseWriter, r *http.Request) {
	subject, ok := GetSupporterSubject(r.Context())
	if !ok {
		http.Error(w, "Could not get subject from context", http.StatusInternalServerError)
		return
	}

	var req domain.RecordTipRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		log.Printf("level=warn component=api endpoint=support_tip outcome=reject reason=invalid_json err=%v", err)
		http.Error(w, fmt.Sprintf("Invalid request body: %v", err), http.StatusBadRequest)
		return
	}

	tip, err := h.service.SupportTip(r.Context(), subject, req, nil)
	if err != nil {
		if tip != nil {
			// The tip exists but the flow did not reach a terminal state;
			// return it so the client can resume or wait for the sweep.
			log.Printf("level=warn component=api endpoint=support_tip outcome=incomplete tip_id=%s err=%v", tip.ID, err)
			h.writeJSON(w, http.StatusAccepted, buildTipResponse(tip))
			return
		}
		h.writeTipError(w, "support_tip", err)
		return
	}

	log.Printf("level=info component=api endpoint=support_tip outcome=%s tip_id=%s jar_id=%s amount=%d", tip.Status, tip.ID, tip.JarID, tip.Amount)
	h.writeJSON(w, http.StatusOK, buildTipResponse(tip))
}

// SubmitSettlementHandler resumes settlement for an existing pending tip.
func (h *TipHandlers) SubmitSettlementHandler(w http.ResponseWriter, r *http.Request) {
	tipID, ok := h.parseUUIDParam(w, r, "tipID")
	if !ok {
		return
	}

	tip, err := h.service.SettlePendingTip(r.Context(), tipID)
	if err != nil {
		if tip != nil {
			log.Printf("level=warn component=api endpoint=submit_settlement outcome=incomplete tip_id=%s err=%v", tip.ID, err)
			h.writeJSON(w, http.StatusAccepted, buildTipResponse(tip))
			return
		}
		h.writeTipError(w, "submit_settlement", err)
		return
	}

	h.writeJSON(w, http.StatusOK, buildTipResponse(tip))
}

// ReconcileTipHandler applies a client-reported settlement outcome to a tip.
// Repeated or stale reports are harmless: the terminal record is returned
// unchanged.
func (h *TipHandlers) ReconcileTipHandler(w http.ResponseWriter, r *http.Request) {
	tipID, ok := h.parseUUIDParam(w, r, "tipID")
	if !ok {
		return
	}

	var req reconcileRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		log.Printf("level=warn component=api endpoint=reconcile_tip outcome=reject reason=invalid_json err=%v", err)
		http.Error(w, fmt.Sprintf("Invalid request body: %v", err), http.StatusBadRequest)
		return
	}

	var outcome domain.SettlementOutcome
	if req.Confirmed {
		outcome = domain.ConfirmedOutcome(req.Reference)
	} else {
		outcome = domain.FailedOutcome(req.Reason)
	}

	tip, err := h.service.Reconcile(r.Context(), tipID, outcome)
	if err != nil {
		h.writeTipError(w, "reconcile_tip", err)
		return
	}

	h.writeJSON(w, http.StatusOK, buildTipResponse(tip))
}

// GetTipHandler returns a single tip, typically polled by a client resuming
// an interrupted flow.
func (h *TipHandlers) GetTipHandler(w http.ResponseWriter, r *http.Request) {
	tipID, ok := h.parseUUIDParam(w, r, "tipID")
	if !ok {
		return
	}

	tip, err := h.service.GetTip(r.Context(), tipID)
	if err != nil {
		h.writeTipError(w, "get_tip", err)
		return
	}

	h.writeJSON(w, http.StatusOK, buildTipResponse(tip))
}

// GetJarHandler returns a jar's display metadata.
func (h *TipHandlers) GetJarHandler(w http.ResponseWriter, r *http.Request) {
	jarID, ok := h.parseUUIDParam(w, r, "jarID")
	if !ok {
		return
	}

	jar, err := h.service.GetJar(r.Context(), jarID)
	if err != nil {
		h.writeTipError(w, "get_jar", err)
		return
	}

	h.writeJSON(w, http.StatusOK, jar)
}

// ListConfirmedTipsHandler returns a jar's confirmed tips, most recent first.
func (h *TipHandlers) ListConfirmedTipsHandler(w http.ResponseWriter, r *http.Request) {
	jarID, ok := h.parseUUIDParam(w, r, "jarID")
	if !ok {
		return
	}

	tips, err := h.service.ListConfirmedTips(r.Context(), jarID)
	if err != nil {
		h.writeTipError(w, "list_confirmed_tips", err)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{"tips": tips})
}

// GetJarStatisticsHandler returns a jar's total raised and supporter count.
func (h *TipHandlers) GetJarStatisticsHandler(w http.ResponseWriter, r *http.Request) {
	jarID, ok := h.parseUUIDParam(w, r, "jarID")
	if !ok {
		return
	}

	stats, err := h.service.GetJarStatistics(r.Context(), jarID)
	if err != nil {
		h.writeTipError(w, "get_jar_statistics", err)
		return
	}

	h.writeJSON(w, http.StatusOK, stats)
}

// ReconcileSweepHandler triggers an on-demand reconciliation sweep. The cron
// scheduler runs the same sweep; this endpoint exists for operators.
func (h *TipHandlers) ReconcileSweepHandler(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			http.Error(w, "Invalid limit parameter", http.StatusBadRequest)
			return
		}
		limit = parsed
	}

	result, err := h.service.ReconcileAbandonedTips(r.Context(), limit)
	if err != nil {
		log.Printf("level=error component=api endpoint=reconcile_sweep outcome=failed err=%v", err)
		h.writeError(w, http.StatusInternalServerError, "Reconciliation sweep failed")
		return
	}

	h.writeJSON(w, http.StatusOK, result)
}

func (h *TipHandlers) parseUUIDParam(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	raw := chi.URLParam(r, name)
	id, err := uuid.Parse(raw)
	if err != nil {
		http.Error(w, fmt.Sprintf("Invalid %s format", name), http.StatusBadRequest)
		return uuid.Nil, false
	}
	return id, true
}

// writeTipError maps service and store errors onto HTTP status codes.
func (h *TipHandlers) writeTipError(w http.ResponseWriter, endpoint string, err error) {
	switch {
	case errors.Is(err, store.ErrTipNotFound):
		h.writeError(w, http.StatusNotFound, "Tip not found")
	case errors.Is(err, store.ErrJarNotFound):
		h.writeError(w, http.StatusNotFound, "Tip jar not found")
	case errors.Is(err, app.ErrJarRequired),
		errors.Is(err, app.ErrInvalidTipAmount),
		errors.Is(err, app.ErrMessageTooLong),
		errors.Is(err, app.ErrMissingSettlementReference):
		h.writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, app.ErrTipNotPending):
		h.writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, app.ErrTipRateLimited):
		h.writeError(w, http.StatusTooManyRequests, "Too many tip attempts. Please wait and try again.")
	case errors.Is(err, app.ErrOrphanedConfirmation):
		log.Printf("level=error component=api endpoint=%s msg=\"orphaned confirmation\" err=%v", endpoint, err)
		h.writeError(w, http.StatusInternalServerError, "Settlement confirmed but the record update failed. It will be resolved automatically.")
	default:
		log.Printf("level=error component=api endpoint=%s outcome=failed err=%v", endpoint, err)
		h.writeError(w, http.StatusInternalServerError, "Internal server error")
	}
}

func (h *TipHandlers) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// writeError is a helper for writing JSON error responses.
func (h *TipHandlers) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}
