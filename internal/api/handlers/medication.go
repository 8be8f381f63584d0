// Package handlers provides HTTP handlers for the medication API.
package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/famcare/medengine/internal/api/middleware"
	"github.com/famcare/medengine/internal/domain/medication"
	"github.com/famcare/medengine/internal/orchestrator"
	"github.com/famcare/medengine/internal/store"
)

// MedicationHandler exposes the medication operation surface.
type MedicationHandler struct {
	orch   *orchestrator.Orchestrator
	logger *zap.Logger
}

// NewMedicationHandler creates the handler.
func NewMedicationHandler(orch *orchestrator.Orchestrator, logger *zap.Logger) *MedicationHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MedicationHandler{orch: orch, logger: logger}
}

// Routes returns the per-patient route tree. Mounted under
// /patients/{patientID}.
func (h *MedicationHandler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Route("/medications", func(r chi.Router) {
		r.Post("/", h.Create)
		r.Get("/", h.List)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", h.Get)
			r.Delete("/", h.Delete)
			r.Patch("/schedule", h.PatchSchedule)
			r.Patch("/reminders", h.PatchReminders)
			r.Patch("/status", h.PatchStatus)
			r.Route("/doses/{eventID}", func(r chi.Router) {
				r.Post("/take", h.Take)
				r.Post("/undo", h.Undo)
				r.Post("/skip", h.Skip)
				r.Post("/snooze", h.Snooze)
			})
		})
	})

	r.Get("/events", h.Events)
	r.Get("/events/missed", h.MissedEvents)
	r.Get("/adherence", h.Adherence)
	r.Get("/today", h.Today)

	return r
}

// CreateRequest is the body for POST /medications.
type CreateRequest struct {
	Facts     medication.Facts      `json:"facts"`
	Schedule  medication.Schedule   `json:"schedule"`
	Reminders *medication.Reminders `json:"reminders,omitempty"`
	Grace     *medication.Grace     `json:"grace_period,omitempty"`
	CreatedBy string                `json:"created_by,omitempty"`
}

// CreateResponse returns the created command and its generated schedule.
type CreateResponse struct {
	Command *medication.Command `json:"command"`
	Events  []*medication.Event `json:"events"`
}

// Create handles POST /medications.
func (h *MedicationHandler) Create(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	patientID := chi.URLParam(r, "patientID")

	var req CreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	cmd := medication.NewCommand(patientID, req.CreatedBy)
	cmd.Facts = req.Facts
	cmd.Schedule = req.Schedule
	if req.Reminders != nil {
		cmd.Reminders = *req.Reminders
	}
	if req.Grace != nil {
		cmd.Grace = *req.Grace
	}

	created, events, err := h.orch.CreateMedication(ctx, cmd)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	h.logger.Info("medication created",
		zap.String("command_id", created.ID),
		zap.String("patient_id", patientID),
		zap.Int("doses", len(events)),
		zap.String("request_id", middleware.GetRequestID(ctx)),
	)
	writeJSON(w, http.StatusCreated, CreateResponse{Command: created, Events: events})
}

// List handles GET /medications. Supports active, status, type, frequency,
// prn filters and sort/order.
func (h *MedicationHandler) List(w http.ResponseWriter, r *http.Request) {
	patientID := chi.URLParam(r, "patientID")
	q := r.URL.Query()

	filter := store.CommandFilter{
		PatientID: patientID,
		Status:    medication.Status(q.Get("status")),
		Type:      medication.Type(q.Get("type")),
		Frequency: medication.Frequency(q.Get("frequency")),
	}
	if v := q.Get("active"); v != "" {
		active := v == "true"
		filter.IsActive = &active
	}
	if v := q.Get("prn"); v != "" {
		prn := v == "true"
		filter.IsPRN = &prn
	}

	sort := store.Sort{Field: q.Get("sort"), Desc: q.Get("order") == "desc"}

	cmds, err := h.orch.ListMedications(r.Context(), filter, sort)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"medications": cmds, "count": len(cmds)})
}

// Get handles GET /medications/{id}.
func (h *MedicationHandler) Get(w http.ResponseWriter, r *http.Request) {
	cmd, err := h.orch.GetMedication(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, cmd)
}

// Delete handles DELETE /medications/{id}. ?hard=true removes the command
// and every event referencing it; otherwise the medication is discontinued.
func (h *MedicationHandler) Delete(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")
	hard := r.URL.Query().Get("hard") == "true"

	if err := h.orch.DeleteMedication(ctx, id, hard); err != nil {
		h.writeError(w, r, err)
		return
	}

	h.logger.Info("medication deleted",
		zap.String("command_id", id),
		zap.Bool("hard", hard),
		zap.String("request_id", middleware.GetRequestID(ctx)),
	)
	w.WriteHeader(http.StatusNoContent)
}

// PatchSchedule handles PATCH /medications/{id}/schedule.
func (h *MedicationHandler) PatchSchedule(w http.ResponseWriter, r *http.Request) {
	var patch medication.SchedulePatch
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	cmd, err := h.orch.PatchSchedule(r.Context(), chi.URLParam(r, "id"), patch)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, cmd)
}

// PatchReminders handles PATCH /medications/{id}/reminders.
func (h *MedicationHandler) PatchReminders(w http.ResponseWriter, r *http.Request) {
	var patch medication.RemindersPatch
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	cmd, err := h.orch.PatchReminders(r.Context(), chi.URLParam(r, "id"), patch)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, cmd)
}

// PatchStatus handles PATCH /medications/{id}/status.
func (h *MedicationHandler) PatchStatus(w http.ResponseWriter, r *http.Request) {
	var change medication.StatusChange
	if err := json.NewDecoder(r.Body).Decode(&change); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	cmd, err := h.orch.ChangeStatus(r.Context(), chi.URLParam(r, "id"), change)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, cmd)
}

// TakeRequest is the body for POST .../take.
type TakeRequest struct {
	TakenAt time.Time `json:"taken_at"`
	Notes   string    `json:"notes,omitempty"`
}

// Take handles POST /medications/{id}/doses/{eventID}/take.
func (h *MedicationHandler) Take(w http.ResponseWriter, r *http.Request) {
	var req TakeRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			jsonError(w, "invalid request body", http.StatusBadRequest)
			return
		}
	}
	if req.TakenAt.IsZero() {
		req.TakenAt = time.Now().UTC()
	}

	res, err := h.orch.MarkTaken(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "eventID"), req.TakenAt, req.Notes)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// Undo handles POST /medications/{id}/doses/{eventID}/undo.
func (h *MedicationHandler) Undo(w http.ResponseWriter, r *http.Request) {
	res, err := h.orch.Undo(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "eventID"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// SkipRequest is the body for POST .../skip.
type SkipRequest struct {
	Reason string `json:"reason,omitempty"`
}

// Skip handles POST /medications/{id}/doses/{eventID}/skip.
func (h *MedicationHandler) Skip(w http.ResponseWriter, r *http.Request) {
	var req SkipRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			jsonError(w, "invalid request body", http.StatusBadRequest)
			return
		}
	}

	res, err := h.orch.SkipDose(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "eventID"), req.Reason)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// SnoozeRequest is the body for POST .../snooze.
type SnoozeRequest struct {
	Minutes int `json:"minutes"`
}

// Snooze handles POST /medications/{id}/doses/{eventID}/snooze.
func (h *MedicationHandler) Snooze(w http.ResponseWriter, r *http.Request) {
	var req SnoozeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	res, err := h.orch.SnoozeDose(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "eventID"), req.Minutes)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// Events handles GET /events with command_id, type, from, to, open filters.
func (h *MedicationHandler) Events(w http.ResponseWriter, r *http.Request) {
	patientID := chi.URLParam(r, "patientID")
	q := r.URL.Query()

	filter := store.EventFilter{
		PatientID:       patientID,
		CommandID:       q.Get("command_id"),
		OpenOnly:        q.Get("open") == "true",
		IncludeArchived: q.Get("archived") == "true",
	}
	if types := q.Get("type"); types != "" {
		for _, t := range strings.Split(types, ",") {
			filter.Types = append(filter.Types, medication.EventType(t))
		}
	}
	var err error
	if filter.From, filter.To, err = parseRange(q.Get("from"), q.Get("to")); err != nil {
		jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}
	if v := q.Get("limit"); v != "" {
		if filter.Limit, err = strconv.Atoi(v); err != nil {
			jsonError(w, "invalid limit", http.StatusBadRequest)
			return
		}
	}

	events, err := h.orch.QueryEvents(r.Context(), filter)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events, "count": len(events)})
}

// MissedEvents handles GET /events/missed.
func (h *MedicationHandler) MissedEvents(w http.ResponseWriter, r *http.Request) {
	patientID := chi.URLParam(r, "patientID")
	q := r.URL.Query()

	from, to, err := parseRange(q.Get("from"), q.Get("to"))
	if err != nil {
		jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}

	events, err := h.orch.QueryEvents(r.Context(), store.EventFilter{
		PatientID: patientID,
		Types:     []medication.EventType{medication.EventDoseMissed},
		From:      from,
		To:        to,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events, "count": len(events)})
}

// Adherence handles GET /adherence. Defaults to the trailing 7 days.
func (h *MedicationHandler) Adherence(w http.ResponseWriter, r *http.Request) {
	patientID := chi.URLParam(r, "patientID")
	q := r.URL.Query()

	from, to, err := parseRange(q.Get("from"), q.Get("to"))
	if err != nil {
		jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}
	if to.IsZero() {
		to = time.Now().UTC()
	}
	if from.IsZero() {
		from = to.AddDate(0, 0, -7)
	}

	adherence, err := h.orch.Adherence(r.Context(), patientID, from, to)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, adherence)
}

// Today handles GET /today, the derived buckets view.
func (h *MedicationHandler) Today(w http.ResponseWriter, r *http.Request) {
	view, err := h.orch.TodayView(r.Context(), chi.URLParam(r, "patientID"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// writeError maps the domain error taxonomy onto HTTP status codes.
func (h *MedicationHandler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var status int
	switch medication.Classify(err) {
	case medication.ClassValidation:
		status = http.StatusBadRequest
	case medication.ClassNotFound:
		status = http.StatusNotFound
	case medication.ClassConflict:
		status = http.StatusConflict
	case medication.ClassTransient:
		status = http.StatusServiceUnavailable
	default:
		status = http.StatusInternalServerError
	}

	if status >= 500 {
		h.logger.Error("request failed",
			zap.String("path", r.URL.Path),
			zap.String("request_id", middleware.GetRequestID(r.Context())),
			zap.Error(err))
		jsonError(w, "internal error", status)
		return
	}
	jsonError(w, err.Error(), status)
}

func parseRange(fromStr, toStr string) (from, to time.Time, err error) {
	if fromStr != "" {
		if from, err = time.Parse(time.RFC3339, fromStr); err != nil {
			return from, to, errors.New("invalid from timestamp")
		}
	}
	if toStr != "" {
		if to, err = time.Parse(time.RFC3339, toStr); err != nil {
			return from, to, errors.New("invalid to timestamp")
		}
	}
	return from, to, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func jsonError(w http.ResponseWriter, message string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
