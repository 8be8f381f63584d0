package middleware_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/famcare/medengine/internal/api/middleware"
)

func TestRequestIDGenerated(t *testing.T) {
	var seen string
	h := middleware.RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = middleware.GetRequestID(r.Context())
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	if seen == "" {
		t.Fatal("no request id in context")
	}
	if got := rec.Header().Get("X-Request-ID"); got != seen {
		t.Errorf("response header %q, context %q", got, seen)
	}
}

func TestRequestIDPropagated(t *testing.T) {
	var seen string
	h := middleware.RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = middleware.GetRequestID(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Request-ID", "req-abc")
	h.ServeHTTP(httptest.NewRecorder(), req)

	if seen != "req-abc" {
		t.Errorf("request id = %q, want req-abc", seen)
	}
}

func TestIdentity(t *testing.T) {
	var seen string
	h := middleware.Identity(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = middleware.GetUserID(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-User-ID", "caregiver-1")
	h.ServeHTTP(httptest.NewRecorder(), req)

	if seen != "caregiver-1" {
		t.Errorf("user id = %q, want caregiver-1", seen)
	}
}

type fakeChecker struct {
	allowed bool
	err     error
	calls   int
}

func (c *fakeChecker) Check(ctx context.Context, userID, patientID, action string) (bool, error) {
	c.calls++
	return c.allowed, c.err
}

func permissionRouter(checker *fakeChecker) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Identity)
	r.Use(middleware.Permission(checker, zap.NewNop()))
	r.Route("/patients/{patientID}", func(r chi.Router) {
		r.Get("/medications", func(w http.ResponseWriter, r *http.Request) {})
		r.Post("/medications", func(w http.ResponseWriter, r *http.Request) {})
	})
	return r
}

func TestPermissionSkipsReads(t *testing.T) {
	checker := &fakeChecker{allowed: false}
	h := permissionRouter(checker)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/patients/pat-1/medications", nil))

	if rec.Code != http.StatusOK {
		t.Errorf("GET status = %d, want 200", rec.Code)
	}
	if checker.calls != 0 {
		t.Errorf("checker consulted %d times for a read", checker.calls)
	}
}

func TestPermissionGatesWrites(t *testing.T) {
	tests := []struct {
		name    string
		checker *fakeChecker
		want    int
	}{
		{"allowed", &fakeChecker{allowed: true}, http.StatusOK},
		{"denied", &fakeChecker{allowed: false}, http.StatusForbidden},
		{"store down", &fakeChecker{err: errors.New("connection refused")}, http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := permissionRouter(tt.checker)
			req := httptest.NewRequest(http.MethodPost, "/patients/pat-1/medications", nil)
			req.Header.Set("X-User-ID", "caregiver-1")

			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d", rec.Code, tt.want)
			}
			if tt.checker.calls != 1 {
				t.Errorf("checker consulted %d times, want 1", tt.checker.calls)
			}
		})
	}
}

func TestRecover(t *testing.T) {
	h := middleware.Recover(zap.NewNop())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", rec.Code)
	}
}

func TestCORSPreflight(t *testing.T) {
	h := middleware.CORS(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("preflight should not reach the handler")
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodOptions, "/", nil))

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
	if rec.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Error("missing Access-Control-Allow-Origin header")
	}
}
