package handlers_test

import (
	"context"
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

func newAdminServer(t *testing.T) (*httptest.Server, *orchestrator.Orchestrator) {
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
	h := handlers.NewAdminHandler(
		orchestrator.NewDetector(orch, time.Minute),
		orchestrator.NewRollover(orch, nil, 24*time.Hour),
		zap.NewNop(),
	)

	r := chi.NewRouter()
	r.Mount("/internal", h.Routes())

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv, orch
}

func TestAdminSweepEndpoints(t *testing.T) {
	srv, orch := newAdminServer(t)

	cmd := medication.NewCommand("pat-1", "caregiver-1")
	cmd.Facts = medication.Facts{Name: "Lisinopril", Dosage: "10mg"}
	cmd.Schedule = medication.Schedule{
		Frequency:    medication.FrequencyTwiceDaily,
		Times:        []string{"08:00", "20:00"},
		StartDate:    monday,
		IsIndefinite: true,
	}
	cmd.Grace = medication.Grace{Type: medication.TypeStandard}
	_, _, err := orch.CreateMedication(context.Background(), cmd)
	require.NoError(t, err)

	// Nothing is past its grace window at 07:00.
	resp := doJSON(t, http.MethodPost, srv.URL+"/internal/sweeps/missed", nil)
	var sweep orchestrator.SweepReport
	decode(t, resp, &sweep)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 0, sweep.Missed)
	assert.Equal(t, 0, sweep.Failures)

	// The initial window already covers the rolling horizon, so the
	// on-demand rollover visits the command but generates nothing new.
	resp = doJSON(t, http.MethodPost, srv.URL+"/internal/sweeps/rollover", nil)
	var roll orchestrator.RolloverReport
	decode(t, resp, &roll)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 1, roll.Commands)
	assert.Equal(t, 0, roll.DosesGenerated)
	assert.Equal(t, 0, roll.Failures)
}
