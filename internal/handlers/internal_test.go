package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/portal-agro/api/internal/services"
)

type stubScanRunner struct {
	result services.ScanResult
	err    error
	calls  int
}

func (s *stubScanRunner) RunOnce(context.Context) (services.ScanResult, error) {
	s.calls++
	return s.result, s.err
}

func newInternalRouter(h *InternalHandlers) chi.Router {
	router := chi.NewRouter()
	router.Route("/internal", h.Routes)
	return router
}

func TestInternalHandlersRunExpiryScan(t *testing.T) {
	expiry := &stubScanRunner{result: services.ScanResult{Selected: 3, Advanced: 2, Conflicts: 1}}
	autoComplete := &stubScanRunner{}
	var events []string
	h := NewInternalHandlers(expiry, autoComplete, WithInternalLogger(func(_ context.Context, event string, _ map[string]any) {
		events = append(events, event)
	}))

	rr := httptest.NewRecorder()
	newInternalRouter(h).ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/internal/orders:expire-awaiting-payment", nil))

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var body scanResultPayload
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if body.Scanner != "expiry" || body.Selected != 3 || body.Advanced != 2 || body.Conflicts != 1 {
		t.Fatalf("unexpected body %#v", body)
	}
	if expiry.calls != 1 || autoComplete.calls != 0 {
		t.Fatalf("expected only expiry scanner to run, got %d/%d", expiry.calls, autoComplete.calls)
	}
	if len(events) != 1 || events[0] != "internal.scan.completed" {
		t.Fatalf("unexpected events %v", events)
	}
}

func TestInternalHandlersRunAutoCompleteScan(t *testing.T) {
	autoComplete := &stubScanRunner{result: services.ScanResult{Selected: 1, Advanced: 1}}
	rr := httptest.NewRecorder()
	newInternalRouter(NewInternalHandlers(nil, autoComplete)).
		ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/internal/orders:auto-complete-delivered", nil))

	if rr.Code != http.StatusOK || autoComplete.calls != 1 {
		t.Fatalf("expected auto-complete run, got %d (calls %d)", rr.Code, autoComplete.calls)
	}
}

func TestInternalHandlersScanFailure(t *testing.T) {
	expiry := &stubScanRunner{err: errors.New("select failed")}
	rr := httptest.NewRecorder()
	newInternalRouter(NewInternalHandlers(expiry, nil)).
		ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/internal/orders:expire-awaiting-payment", nil))

	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("expected status 500, got %d", rr.Code)
	}
}

func TestInternalHandlersMissingScanner(t *testing.T) {
	rr := httptest.NewRecorder()
	newInternalRouter(NewInternalHandlers(nil, nil)).
		ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/internal/orders:auto-complete-delivered", nil))

	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected status 503, got %d", rr.Code)
	}
}
