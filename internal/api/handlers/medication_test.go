package handlers_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/famcare/medengine/internal/api/handlers"
	"github.com/famcare/medengine/internal/domain/medication"
	"github.com/famcare/medengine/internal/orchestrator"
	"github.com/famcare/medengine/internal/store/memory"
)

var monday = time.Date(2026, time.January, 5, 7, 0, 0, 0, time.UTC)

func newServer(t *testing.T) *httptest.Server {
	t.Helper()
	orch := orchestrator.New(memory.New(), zap.NewNop(),
		orchestrator.WithClock(func() time.Time { return monday }),
		orchestrator.WithConfig(orchestrator.Config{
			InitialWindowDays:  1,
			RolloverWindowDays: 1,
			RetentionDays:      30,
			DetectorBatch:      500,
		}),
	)
	h := handlers.NewMedicationHandler(orch, zap.NewNop())

	r := chi.NewRouter()
	r.Mount("/patients/{patientID}", h.Routes())

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

func doJSON(t *testing.T, method, url string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, url, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func decode(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

func createBody(name string) handlers.CreateRequest {
	return handlers.CreateRequest{
		Facts: medication.Facts{Name: name, Dosage: "10mg", Form: "tablet"},
		Schedule: medication.Schedule{
			Frequency:    medication.FrequencyTwiceDaily,
			Times:        []string{"08:00", "20:00"},
			StartDate:    monday,
			IsIndefinite: true,
		},
		Grace:     &medication.Grace{Type: medication.TypeStandard},
		CreatedBy: "caregiver-1",
	}
}

func createMed(t *testing.T, base, name string) handlers.CreateResponse {
	t.Helper()
	resp := doJSON(t, http.MethodPost, base+"/patients/pat-1/medications", createBody(name))
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var out handlers.CreateResponse
	decode(t, resp, &out)
	return out
}

// scheduledDose picks the generated DOSE_SCHEDULED event at one instant out
// of a create response.
func scheduledDose(t *testing.T, created handlers.CreateResponse, at time.Time) *medication.Event {
	t.Helper()
	for _, ev := range created.Events {
		if ev.Type == medication.EventDoseScheduled && ev.ScheduledAt.Equal(at) {
			return ev
		}
	}
	t.Fatalf("no scheduled dose at %s", at)
	return nil
}

func TestCreateMedicationEndpoint(t *testing.T) {
	srv := newServer(t)

	out := createMed(t, srv.URL, "Lisinopril")
	require.NotNil(t, out.Command)
	assert.Equal(t, "pat-1", out.Command.PatientID)
	assert.Equal(t, "Lisinopril", out.Command.Facts.Name)
	assert.NotEmpty(t, out.Command.ID)

	var doses, markers int
	for _, ev := range out.Events {
		switch ev.Type {
		case medication.EventDoseScheduled:
			doses++
		case medication.EventScheduleCreated:
			markers++
		}
	}
	assert.Equal(t, 4, doses)
	assert.Equal(t, 1, markers)

	// Second active medication with the same name conflicts.
	resp := doJSON(t, http.MethodPost, srv.URL+"/patients/pat-1/medications", createBody("Lisinopril"))
	resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestCreateMedicationRejectsBadInput(t *testing.T) {
	srv := newServer(t)

	body := createBody("Lisinopril")
	body.Facts.Name = ""
	resp := doJSON(t, http.MethodPost, srv.URL+"/patients/pat-1/medications", body)
	var errBody map[string]string
	decode(t, resp, &errBody)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.NotEmpty(t, errBody["error"])

	// Malformed JSON never reaches validation.
	req, err := http.NewRequest(http.MethodPost, srv.URL+"/patients/pat-1/medications", bytes.NewBufferString("{not json"))
	require.NoError(t, err)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestGetMedicationEndpoint(t *testing.T) {
	srv := newServer(t)
	out := createMed(t, srv.URL, "Lisinopril")

	resp := doJSON(t, http.MethodGet, srv.URL+"/patients/pat-1/medications/"+out.Command.ID, nil)
	var got medication.Command
	decode(t, resp, &got)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, out.Command.ID, got.ID)

	resp = doJSON(t, http.MethodGet, srv.URL+"/patients/pat-1/medications/no-such-id", nil)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestListMedicationsEndpoint(t *testing.T) {
	srv := newServer(t)
	createMed(t, srv.URL, "Lisinopril")
	createMed(t, srv.URL, "Metformin")

	resp := doJSON(t, http.MethodGet, srv.URL+"/patients/pat-1/medications/?active=true", nil)
	var out struct {
		Medications []*medication.Command `json:"medications"`
		Count       int                   `json:"count"`
	}
	decode(t, resp, &out)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 2, out.Count)
	require.Len(t, out.Medications, 2)
}

func TestTakeDoseEndpoint(t *testing.T) {
	srv := newServer(t)
	out := createMed(t, srv.URL, "Lisinopril")
	dose := scheduledDose(t, out, monday.Add(time.Hour)) // 08:00

	url := srv.URL + "/patients/pat-1/medications/" + out.Command.ID + "/doses/" + dose.ID + "/take"
	resp := doJSON(t, http.MethodPost, url, handlers.TakeRequest{TakenAt: monday.Add(65 * time.Minute), Notes: "with food"})
	var res orchestrator.ActionResult
	decode(t, resp, &res)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NotNil(t, res.Event)
	assert.Equal(t, medication.EventDoseTaken, res.Event.Type)
	assert.Equal(t, dose.ID, res.Event.ClosesEventID)
	assert.False(t, res.AlreadyHandled)

	// Re-taking is idempotent: same stored event back.
	resp = doJSON(t, http.MethodPost, url, handlers.TakeRequest{TakenAt: monday.Add(70 * time.Minute)})
	var again orchestrator.ActionResult
	decode(t, resp, &again)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, again.AlreadyHandled)
	assert.Equal(t, res.Event.ID, again.Event.ID)

	// Skipping a taken dose is a conflict, not an idempotent replay.
	skipURL := srv.URL + "/patients/pat-1/medications/" + out.Command.ID + "/doses/" + dose.ID + "/skip"
	resp = doJSON(t, http.MethodPost, skipURL, handlers.SkipRequest{Reason: "changed my mind"})
	resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestSnoozeDoseEndpoint(t *testing.T) {
	srv := newServer(t)
	out := createMed(t, srv.URL, "Lisinopril")
	dose := scheduledDose(t, out, monday.Add(time.Hour))

	url := srv.URL + "/patients/pat-1/medications/" + out.Command.ID + "/doses/" + dose.ID + "/snooze"
	resp := doJSON(t, http.MethodPost, url, handlers.SnoozeRequest{Minutes: 30})
	var res orchestrator.ActionResult
	decode(t, resp, &res)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, medication.EventDoseSnoozed, res.Event.Type)

	resp = doJSON(t, http.MethodPost, url, handlers.SnoozeRequest{Minutes: 0})
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestDeleteMedicationEndpoint(t *testing.T) {
	srv := newServer(t)

	soft := createMed(t, srv.URL, "Lisinopril")
	resp := doJSON(t, http.MethodDelete, srv.URL+"/patients/pat-1/medications/"+soft.Command.ID, nil)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = doJSON(t, http.MethodGet, srv.URL+"/patients/pat-1/medications/"+soft.Command.ID, nil)
	var got medication.Command
	decode(t, resp, &got)
	assert.Equal(t, medication.StatusDiscontinued, got.State.Current)

	hard := createMed(t, srv.URL, "Metformin")
	resp = doJSON(t, http.MethodDelete, srv.URL+"/patients/pat-1/medications/"+hard.Command.ID+"?hard=true", nil)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = doJSON(t, http.MethodGet, srv.URL+"/patients/pat-1/medications/"+hard.Command.ID, nil)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestPatchStatusEndpoint(t *testing.T) {
	srv := newServer(t)
	out := createMed(t, srv.URL, "Lisinopril")

	url := srv.URL + "/patients/pat-1/medications/" + out.Command.ID + "/status"
	resp := doJSON(t, http.MethodPatch, url, medication.StatusChange{To: medication.StatusPaused, Reason: "hospital stay"})
	var got medication.Command
	decode(t, resp, &got)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, medication.StatusPaused, got.State.Current)
	assert.False(t, got.State.IsActive)

	// Discontinued is terminal.
	resp = doJSON(t, http.MethodPatch, url, medication.StatusChange{To: medication.StatusDiscontinued})
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp = doJSON(t, http.MethodPatch, url, medication.StatusChange{To: medication.StatusActive})
	resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestEventsEndpoint(t *testing.T) {
	srv := newServer(t)
	out := createMed(t, srv.URL, "Lisinopril")

	resp := doJSON(t, http.MethodGet, srv.URL+"/patients/pat-1/events?type=DOSE_SCHEDULED&open=true&command_id="+out.Command.ID, nil)
	var list struct {
		Events []*medication.Event `json:"events"`
		Count  int                 `json:"count"`
	}
	decode(t, resp, &list)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 4, list.Count)

	resp = doJSON(t, http.MethodGet, srv.URL+"/patients/pat-1/events?from=yesterday", nil)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAdherenceEndpoint(t *testing.T) {
	srv := newServer(t)
	out := createMed(t, srv.URL, "Lisinopril")
	dose := scheduledDose(t, out, monday.Add(time.Hour))

	takeURL := srv.URL + "/patients/pat-1/medications/" + out.Command.ID + "/doses/" + dose.ID + "/take"
	resp := doJSON(t, http.MethodPost, takeURL, handlers.TakeRequest{TakenAt: monday.Add(time.Hour)})
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	from := monday.AddDate(0, 0, -1).Format(time.RFC3339)
	to := monday.AddDate(0, 0, 2).Format(time.RFC3339)
	resp = doJSON(t, http.MethodGet, srv.URL+"/patients/pat-1/adherence?from="+from+"&to="+to, nil)
	var stats medication.Adherence
	decode(t, resp, &stats)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 4, stats.Scheduled)
	assert.Equal(t, 1, stats.Taken)
}

func TestTodayEndpoint(t *testing.T) {
	srv := newServer(t)
	createMed(t, srv.URL, "Lisinopril")

	// Clock sits at 07:00: the 08:00 dose is inside the hour, the 20:00
	// dose lands in its evening slot.
	resp := doJSON(t, http.MethodGet, srv.URL+"/patients/pat-1/today", nil)
	var view struct {
		PatientID string                       `json:"patient_id"`
		Buckets   map[string][]json.RawMessage `json:"buckets"`
	}
	decode(t, resp, &view)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "pat-1", view.PatientID)
	assert.Len(t, view.Buckets["due_soon"], 1)
	assert.Len(t, view.Buckets["evening"], 1)
	assert.Empty(t, view.Buckets["overdue"])
}
