package handlers

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/portal-agro/api/internal/platform/auth"
	"github.com/portal-agro/api/internal/platform/httpx"
	"github.com/portal-agro/api/internal/services"
)

// ScanRunner runs a single scanner cycle.
type ScanRunner interface {
	RunOnce(ctx context.Context) (services.ScanResult, error)
}

// InternalHandlers lets Cloud Scheduler trigger scanner cycles when the in-process tickers are off.
type InternalHandlers struct {
	expiry       ScanRunner
	autoComplete ScanRunner
	logger       func(ctx context.Context, event string, fields map[string]any)
}

// InternalOption customises InternalHandlers.
type InternalOption func(*InternalHandlers)

// WithInternalLogger sets the structured event logger.
func WithInternalLogger(logger func(ctx context.Context, event string, fields map[string]any)) InternalOption {
	return func(h *InternalHandlers) {
		if logger != nil {
			h.logger = logger
		}
	}
}

// NewInternalHandlers constructs InternalHandlers. Either scanner may be nil.
func NewInternalHandlers(expiry, autoComplete ScanRunner, opts ...InternalOption) *InternalHandlers {
	h := &InternalHandlers{
		expiry:       expiry,
		autoComplete: autoComplete,
		logger:       func(context.Context, string, map[string]any) {},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// Routes registers the /internal endpoints.
func (h *InternalHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/orders:expire-awaiting-payment", h.runScan("expiry", h.expiry))
	r.Post("/orders:auto-complete-delivered", h.runScan("auto_complete", h.autoComplete))
}

type scanResultPayload struct {
	Scanner   string `json:"scanner"`
	Selected  int    `json:"selected"`
	Advanced  int    `json:"advanced"`
	Skipped   int    `json:"skipped"`
	Conflicts int    `json:"conflicts"`
	Failed    int    `json:"failed"`
}

func (h *InternalHandlers) runScan(name string, runner ScanRunner) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if runner == nil {
			httpx.WriteError(ctx, w, httpx.NewError("scanner_unavailable", name+" scanner is not configured", http.StatusServiceUnavailable))
			return
		}

		fields := map[string]any{"scanner": name}
		if caller, ok := auth.ServiceIdentityFromContext(ctx); ok {
			fields["caller"] = caller.Email
		}

		result, err := runner.RunOnce(ctx)
		if err != nil {
			fields["error"] = err
			h.logger(ctx, "internal.scan.failed", fields)
			httpx.WriteError(ctx, w, httpx.NewError("scan_failed", "scanner cycle failed", http.StatusInternalServerError))
			return
		}

		fields["selected"] = result.Selected
		fields["advanced"] = result.Advanced
		h.logger(ctx, "internal.scan.completed", fields)
		httpx.WriteJSON(w, http.StatusOK, scanResultPayload{
			Scanner:   name,
			Selected:  result.Selected,
			Advanced:  result.Advanced,
			Skipped:   result.Skipped,
			Conflicts: result.Conflicts,
			Failed:    result.Failed,
		})
	}
}
