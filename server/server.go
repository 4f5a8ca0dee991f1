// Package server is the thin HTTP surface over the pipeline core: trigger a
// workflow run, read a lead's status, read integration health.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"

	contractx "github.com/tanpawarit/Leadflow-Autonomous-Sales-Pipeline/agent/contract"
	gatewayx "github.com/tanpawarit/Leadflow-Autonomous-Sales-Pipeline/agent/gateway"
	healthx "github.com/tanpawarit/Leadflow-Autonomous-Sales-Pipeline/agent/health"
	leadx "github.com/tanpawarit/Leadflow-Autonomous-Sales-Pipeline/agent/lead"
)

const maxRequestBodySize = 1 << 20 // 1 MB

type Config struct {
	Addr            string        `envconfig:"ADDR" split_words:"true" default:":8080"`
	ReadTimeout     time.Duration `envconfig:"READ_TIMEOUT" split_words:"true" default:"15s"`
	WriteTimeout    time.Duration `envconfig:"WRITE_TIMEOUT" split_words:"true" default:"5m"`
	ShutdownTimeout time.Duration `envconfig:"SHUTDOWN_TIMEOUT" split_words:"true" default:"10s"`
}

// Runner triggers one workflow run for a lead.
type Runner interface {
	Run(ctx context.Context, leadID string, inbound contractx.InboundEvent) (contractx.WorkflowResult, error)
}

// LeadReader reads the durable lead record.
type LeadReader interface {
	Get(ctx context.Context, id string) (*leadx.Lead, error)
}

// HealthReader reads the monitor's per-integration snapshots.
type HealthReader interface {
	Snapshots() []healthx.Snapshot
}

// InvocationReader reads recent gateway attempts against one integration.
type InvocationReader interface {
	Recent(ctx context.Context, integration string, limit int) ([]gatewayx.Invocation, error)
}

type Handlers struct {
	runner      Runner
	leads       LeadReader
	health      HealthReader
	invocations InvocationReader
}

func NewHandlers(runner Runner, leads LeadReader, health HealthReader, invocations InvocationReader) *Handlers {
	return &Handlers{runner: runner, leads: leads, health: health, invocations: invocations}
}

// NewRouter builds the chi router with the API mounted under /api/v1.
func NewRouter(h *Handlers) chi.Router {
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.Recoverer)

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/workflows/{leadID}/events", h.TriggerWorkflow)
		r.Get("/leads/{leadID}/status", h.GetLeadStatus)
		r.Get("/integrations/health", h.GetIntegrationHealth)
		r.Get("/integrations/{integration}/invocations", h.GetRecentInvocations)
	})
	return r
}

// New wires the router into an http.Server.
func New(cfg Config, h *Handlers) *http.Server {
	return &http.Server{
		Addr:         cfg.Addr,
		Handler:      NewRouter(h),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
}

type triggerRequest struct {
	Type    contractx.EventType `json:"type"`
	Channel string              `json:"channel,omitempty"`
	Message string              `json:"message,omitempty"`
}

type triggerResponse struct {
	LeadID string                   `json:"lead_id"`
	Result contractx.WorkflowResult `json:"result"`
}

func (h *Handlers) TriggerWorkflow(w http.ResponseWriter, r *http.Request) {
	leadID := chi.URLParam(r, "leadID")
	if leadID == "" {
		writeError(w, http.StatusBadRequest, "lead id is required")
		return
	}

	var req triggerRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if !validEventType(req.Type) {
		writeError(w, http.StatusBadRequest, "unknown event type")
		return
	}

	result, err := h.runner.Run(r.Context(), leadID, contractx.InboundEvent{
		Type:       req.Type,
		LeadID:     leadID,
		Channel:    req.Channel,
		Message:    req.Message,
		OccurredAt: time.Now().UTC(),
	})
	if err != nil {
		switch {
		case errors.Is(err, contractx.ErrWorkflowBusy):
			writeJSON(w, http.StatusConflict, triggerResponse{LeadID: leadID, Result: contractx.ResultBusy})
		case errors.Is(err, leadx.ErrLeadNotFound):
			writeError(w, http.StatusNotFound, "lead not found")
		case errors.Is(err, contractx.ErrValidation):
			writeError(w, http.StatusBadRequest, strings.TrimPrefix(err.Error(), contractx.ErrValidation.Error()+": "))
		default:
			log.Error().Err(err).Str("lead_id", leadID).Msg("workflow run failed")
			writeError(w, http.StatusInternalServerError, "internal server error")
		}
		return
	}
	writeJSON(w, http.StatusOK, triggerResponse{LeadID: leadID, Result: result})
}

type leadStatusResponse struct {
	LeadID           string       `json:"lead_id"`
	Status           leadx.Status `json:"status"`
	Role             string       `json:"role"`
	Qualified        bool         `json:"qualified"`
	Contacted        bool         `json:"contacted"`
	MeetingScheduled bool         `json:"meeting_scheduled"`
	Archived         bool         `json:"archived"`
	LastTransitionAt time.Time    `json:"last_transition_at"`
}

func (h *Handlers) GetLeadStatus(w http.ResponseWriter, r *http.Request) {
	leadID := chi.URLParam(r, "leadID")
	l, err := h.leads.Get(r.Context(), leadID)
	if err != nil {
		if errors.Is(err, leadx.ErrLeadNotFound) {
			writeError(w, http.StatusNotFound, "lead not found")
			return
		}
		log.Error().Err(err).Str("lead_id", leadID).Msg("lead lookup failed")
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	writeJSON(w, http.StatusOK, leadStatusResponse{
		LeadID:           l.ID,
		Status:           l.Status,
		Role:             l.Role,
		Qualified:        l.Qualified(),
		Contacted:        l.Contacted(),
		MeetingScheduled: l.MeetingScheduled(),
		Archived:         l.Archived,
		LastTransitionAt: l.LastTransitionAt,
	})
}

func (h *Handlers) GetIntegrationHealth(w http.ResponseWriter, r *http.Request) {
	if h.health == nil {
		writeJSON(w, http.StatusOK, map[string]any{"integrations": []healthx.Snapshot{}})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"integrations": h.health.Snapshots()})
}

const defaultInvocationLimit = 20

func (h *Handlers) GetRecentInvocations(w http.ResponseWriter, r *http.Request) {
	integration := chi.URLParam(r, "integration")
	if h.invocations == nil {
		writeJSON(w, http.StatusOK, map[string]any{"invocations": []gatewayx.Invocation{}})
		return
	}

	limit := defaultInvocationLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	invocations, err := h.invocations.Recent(r.Context(), integration, limit)
	if err != nil {
		log.Error().Err(err).Str("integration", integration).Msg("invocation lookup failed")
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	if invocations == nil {
		invocations = []gatewayx.Invocation{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"invocations": invocations})
}

func validEventType(t contractx.EventType) bool {
	switch t {
	case contractx.EventNewLead, contractx.EventInboundMessage, contractx.EventInternalTimer:
		return true
	}
	return false
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Error().Err(err).Msg("failed to write JSON response")
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Error: message})
}
