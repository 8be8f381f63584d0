package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/famcare/medengine/internal/orchestrator"
)

// AdminHandler exposes the sweep triggers. The scheduler binary runs the
// loops; these endpoints exist for on-demand runs, and re-running either
// sweep is harmless.
type AdminHandler struct {
	detector *orchestrator.Detector
	rollover *orchestrator.Rollover
	logger   *zap.Logger
}

// NewAdminHandler creates the handler.
func NewAdminHandler(detector *orchestrator.Detector, rollover *orchestrator.Rollover, logger *zap.Logger) *AdminHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AdminHandler{detector: detector, rollover: rollover, logger: logger}
}

// Routes returns the admin route tree. Mounted under /internal.
func (h *AdminHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/sweeps/missed", h.TriggerMissed)
	r.Post("/sweeps/rollover", h.TriggerRollover)
	return r
}

// TriggerMissed handles POST /internal/sweeps/missed.
func (h *AdminHandler) TriggerMissed(w http.ResponseWriter, r *http.Request) {
	report := h.detector.SweepOnce(r.Context())
	h.logger.Info("missed-dose sweep triggered",
		zap.Int("examined", report.Examined),
		zap.Int("missed", report.Missed),
		zap.Int("failures", report.Failures))
	writeJSON(w, http.StatusOK, report)
}

// TriggerRollover handles POST /internal/sweeps/rollover.
func (h *AdminHandler) TriggerRollover(w http.ResponseWriter, r *http.Request) {
	report := h.rollover.RunOnce(r.Context())
	h.logger.Info("rollover triggered",
		zap.Int("commands", report.Commands),
		zap.Int("doses_generated", report.DosesGenerated),
		zap.Int("events_archived", report.EventsArchived),
		zap.Int("failures", report.Failures))
	writeJSON(w, http.StatusOK, report)
}
