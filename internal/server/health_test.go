package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

func TestHandleLiveness(t *testing.T) {
	srv := newProbeTestServer()

	t.Run("always returns 200 OK", func(t *testing.T) {
		rec := probeEndpoint(t, srv, "/healthz/live", srv.handleLiveness)
		assertProbeResponse(t, rec, http.StatusOK, "OK")
	})
}

func TestHandleReadiness(t *testing.T) {
	t.Run("returns 200 when all services are SERVING", func(t *testing.T) {
		srv := newProbeTestServer()
		srv.SetReady()

		rec := probeEndpoint(t, srv, "/healthz/ready", srv.handleReadiness)
		assertProbeResponse(t, rec, http.StatusOK, "SERVING")
	})

	t.Run("returns 503 when no services are SERVING", func(t *testing.T) {
		// Everything starts NOT_SERVING before SetReady
		srv := newProbeTestServer()

		rec := probeEndpoint(t, srv, "/healthz/ready", srv.handleReadiness)
		body := assertProbeResponse(t, rec, http.StatusServiceUnavailable, "NOT_SERVING")

		// The response names the first unready service
		if body["service"] != healthServices[0] {
			t.Errorf("expected service %q, got %q", healthServices[0], body["service"])
		}
	})

	t.Run("returns 503 identifying the specific failing service", func(t *testing.T) {
		for _, failing := range healthServices {
			t.Run(failing, func(t *testing.T) {
				srv := newProbeTestServer()
				srv.SetReady()

				srv.healthServer.SetServingStatus(failing, healthpb.HealthCheckResponse_NOT_SERVING)

				rec := probeEndpoint(t, srv, "/healthz/ready", srv.handleReadiness)
				body := assertProbeResponse(t, rec, http.StatusServiceUnavailable, "NOT_SERVING")

				if body["service"] != failing {
					t.Errorf("expected failing service %q, got %q", failing, body["service"])
				}
			})
		}
	})

	t.Run("returns 503 after health server shutdown", func(t *testing.T) {
		srv := newProbeTestServer()
		srv.SetReady()

		// Shutdown forces NOT_SERVING and makes later status updates no-ops
		srv.healthServer.Shutdown()

		rec := probeEndpoint(t, srv, "/healthz/ready", srv.handleReadiness)
		assertProbeResponse(t, rec, http.StatusServiceUnavailable, "NOT_SERVING")
	})
}

func TestReadinessTransitions(t *testing.T) {
	srv := newProbeTestServer()
	srv.SetReady()

	t.Run("SetNotReady degrades readiness", func(t *testing.T) {
		srv.SetNotReady()

		rec := probeEndpoint(t, srv, "/healthz/ready", srv.handleReadiness)
		assertProbeResponse(t, rec, http.StatusServiceUnavailable, "NOT_SERVING")
	})

	t.Run("SetNotReady leaves overall server status SERVING", func(t *testing.T) {
		resp, err := srv.healthServer.Check(context.Background(), &healthpb.HealthCheckRequest{Service: ""})
		if err != nil {
			t.Fatalf("Check failed: %v", err)
		}
		if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
			t.Errorf("overall status = %v, want SERVING", resp.GetStatus())
		}
	})

	t.Run("SetReady restores readiness", func(t *testing.T) {
		srv.SetReady()

		rec := probeEndpoint(t, srv, "/healthz/ready", srv.handleReadiness)
		assertProbeResponse(t, rec, http.StatusOK, "SERVING")
	})
}

// newProbeTestServer builds a Server with just enough state to drive the
// liveness and readiness handlers. Services start NOT_SERVING, matching what
// Start() registers before initialization completes.
func newProbeTestServer() *Server {
	hs := health.NewServer()
	for _, svc := range healthServices {
		hs.SetServingStatus(svc, healthpb.HealthCheckResponse_NOT_SERVING)
	}
	return &Server{healthServer: hs}
}

func probeEndpoint(t *testing.T, srv *Server, path string, handler http.HandlerFunc) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	handler(rec, req)
	return rec
}

// assertProbeResponse checks the HTTP status code and the "status" body field,
// returning the decoded body so callers can inspect the "service" field.
func assertProbeResponse(t *testing.T, rec *httptest.ResponseRecorder, wantCode int, wantStatus string) map[string]string {
	t.Helper()

	if rec.Code != wantCode {
		t.Fatalf("expected HTTP %d, got %d", wantCode, rec.Code)
	}

	var body map[string]string
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode body: %v", err)
	}

	if body["status"] != wantStatus {
		t.Errorf("expected status %q, got %q", wantStatus, body["status"])
	}

	return body
}
