package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"gudangku/backend/internal/domain"
	"gudangku/backend/internal/service"
)

const maxBodyBytes = 1 << 20

type HealthCheck func(ctx context.Context) error

type API struct {
	service       *service.Service
	verifier      *TokenVerifier
	allowedOrigin string
	logger        *zap.Logger
	checks        map[string]HealthCheck
}

func New(svc *service.Service, verifier *TokenVerifier, allowedOrigin string, logger *zap.Logger) *API {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &API{
		service:       svc,
		verifier:      verifier,
		allowedOrigin: allowedOrigin,
		logger:        logger,
		checks:        map[string]HealthCheck{},
	}
}

// AddHealthCheck registers a dependency checked by /healthz.
func (a *API) AddHealthCheck(name string, check HealthCheck) {
	a.checks[name] = check
}

func (a *API) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", a.handleHealth)

	mux.HandleFunc("GET /api/v1/shops/{shopID}/items", a.requireAuth(a.handleListItems))
	mux.HandleFunc("POST /api/v1/shops/{shopID}/items", a.requireAuth(a.handleCreateItem))
	mux.HandleFunc("GET /api/v1/shops/{shopID}/items/{itemID}", a.requireAuth(a.handleGetItem))
	mux.HandleFunc("PATCH /api/v1/shops/{shopID}/items/{itemID}", a.requireAuth(a.handleUpdateItem))
	mux.HandleFunc("DELETE /api/v1/shops/{shopID}/items/{itemID}", a.requireAuth(a.handleRetireItem))
	mux.HandleFunc("POST /api/v1/shops/{shopID}/items/{itemID}/adjustments", a.requireAuth(a.handleAdjustStock))
	mux.HandleFunc("GET /api/v1/shops/{shopID}/items/{itemID}/adjustments", a.requireAuth(a.handleListAdjustments))
	mux.HandleFunc("GET /api/v1/shops/{shopID}/items/{itemID}/reconciliation", a.requireAuth(a.handleReconcile))
	mux.HandleFunc("POST /api/v1/shops/{shopID}/sales", a.requireAuth(a.handleRecordSale))
	mux.HandleFunc("GET /api/v1/shops/{shopID}/reports/sales-trend", a.requireAuth(a.handleSalesTrend))

	return a.withMiddleware(mux)
}

func (a *API) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		authorization := strings.TrimSpace(r.Header.Get("Authorization"))
		if !strings.HasPrefix(strings.ToLower(authorization), "bearer ") {
			a.writeError(w, http.StatusUnauthorized, errors.New("missing bearer token"))
			return
		}

		token := strings.TrimSpace(authorization[len("Bearer "):])
		actor, err := a.verifier.ParseToken(token)
		if err != nil {
			a.writeError(w, http.StatusUnauthorized, err)
			return
		}

		if shopID := r.PathValue("shopID"); shopID != "" && !actor.CanAccessShop(shopID) {
			a.writeError(w, http.StatusForbidden, errors.New("no access to shop"))
			return
		}

		next(w, r.WithContext(service.WithActor(r.Context(), actor)))
	}
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status := http.StatusOK
	deps := make(map[string]string, len(a.checks))
	for name, check := range a.checks {
		if err := check(ctx); err != nil {
			a.logger.Warn("health check failed", zap.String("dependency", name), zap.Error(err))
			deps[name] = "down"
			status = http.StatusServiceUnavailable
			continue
		}
		deps[name] = "up"
	}

	writeJSON(w, status, map[string]any{
		"ok":           status == http.StatusOK,
		"at":           time.Now().UTC().Format(time.RFC3339),
		"dependencies": deps,
	})
}

func (a *API) handleListItems(w http.ResponseWriter, r *http.Request) {
	lowStock := false
	if raw := strings.TrimSpace(r.URL.Query().Get("low_stock")); raw != "" {
		parsed, err := strconv.ParseBool(raw)
		if err != nil {
			a.writeError(w, http.StatusBadRequest, errors.New("low_stock must be a boolean"))
			return
		}
		lowStock = parsed
	}

	items, err := a.service.ListItems(r.Context(), r.PathValue("shopID"), lowStock)
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (a *API) handleCreateItem(w http.ResponseWriter, r *http.Request) {
	var req domain.ItemCreateRequest
	if err := decodeJSON(r, &req); err != nil {
		a.writeError(w, http.StatusBadRequest, err)
		return
	}

	item, err := a.service.CreateItem(r.Context(), r.PathValue("shopID"), req)
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"item": item})
}

func (a *API) handleGetItem(w http.ResponseWriter, r *http.Request) {
	item, err := a.service.GetItem(r.Context(), r.PathValue("shopID"), r.PathValue("itemID"))
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"item": item})
}

func (a *API) handleUpdateItem(w http.ResponseWriter, r *http.Request) {
	var req domain.ItemUpdateRequest
	if err := decodeJSON(r, &req); err != nil {
		a.writeError(w, http.StatusBadRequest, err)
		return
	}

	resp, err := a.service.UpdateItem(r.Context(), r.PathValue("shopID"), r.PathValue("itemID"), req)
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleRetireItem(w http.ResponseWriter, r *http.Request) {
	if err := a.service.RetireItem(r.Context(), r.PathValue("shopID"), r.PathValue("itemID")); err != nil {
		a.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleAdjustStock(w http.ResponseWriter, r *http.Request) {
	var req domain.AdjustmentRequest
	if err := decodeJSON(r, &req); err != nil {
		a.writeError(w, http.StatusBadRequest, err)
		return
	}
	req.ShopID = r.PathValue("shopID")
	req.ItemID = r.PathValue("itemID")

	resp, err := a.service.AdjustStock(r.Context(), req)
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, resp)
}

func (a *API) handleListAdjustments(w http.ResponseWriter, r *http.Request) {
	limit := parsePositiveLimit(r.URL.Query().Get("limit"), 0, 0)
	resp, err := a.service.ListAdjustments(r.Context(), r.PathValue("shopID"), r.PathValue("itemID"), limit)
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleReconcile(w http.ResponseWriter, r *http.Request) {
	result, err := a.service.ReconcileItem(r.Context(), r.PathValue("shopID"), r.PathValue("itemID"))
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (a *API) handleRecordSale(w http.ResponseWriter, r *http.Request) {
	var req domain.SaleRequest
	if err := decodeJSON(r, &req); err != nil {
		a.writeError(w, http.StatusBadRequest, err)
		return
	}
	req.ShopID = r.PathValue("shopID")

	resp, err := a.service.RecordSale(r.Context(), req)
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, resp)
}

func (a *API) handleSalesTrend(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	days := 0
	if raw := strings.TrimSpace(query.Get("days")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			a.writeError(w, http.StatusBadRequest, errors.New("days must be an integer"))
			return
		}
		days = parsed
	}

	trend, err := a.service.SalesTrend(r.Context(), r.PathValue("shopID"), days, query.Get("tz"))
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, trend)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(status int) {
	s.status = status
	s.ResponseWriter.WriteHeader(status)
}

func (a *API) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		w.Header().Set("Cross-Origin-Opener-Policy", "same-origin")
		w.Header().Set("Access-Control-Allow-Origin", a.allowedOrigin)
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,PATCH,DELETE,OPTIONS")
		w.Header().Set("Vary", "Origin")

		if r.Method == http.MethodPost || r.Method == http.MethodPatch || r.Method == http.MethodPut {
			r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		startedAt := time.Now()
		next.ServeHTTP(rec, r)
		a.logger.Info("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rec.status),
			zap.Duration("duration", time.Since(startedAt)),
		)
	})
}

// statusFor maps the domain error taxonomy onto HTTP status codes.
func statusFor(err error) int {
	switch domain.KindOf(err) {
	case domain.KindValidation:
		return http.StatusBadRequest
	case domain.KindForbidden:
		return http.StatusForbidden
	case domain.KindNotFound:
		return http.StatusNotFound
	case domain.KindConflict:
		return http.StatusConflict
	case domain.KindTransaction:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (a *API) fail(w http.ResponseWriter, err error) {
	a.writeError(w, statusFor(err), err)
}

func (a *API) writeError(w http.ResponseWriter, status int, err error) {
	// 5xx bodies stay generic; the cause goes to the log only.
	msg := err.Error()
	if status >= 500 {
		a.logger.Error("request failed", zap.Int("status", status), zap.Error(err))
		msg = http.StatusText(status)
	}
	body := map[string]any{"error": msg}
	if kind := domain.KindOf(err); kind != "" {
		body["kind"] = kind
	}
	writeJSON(w, status, body)
}

func decodeJSON(r *http.Request, dest any) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dest); err != nil {
		return err
	}
	return nil
}

func parsePositiveLimit(raw string, fallback int, max int) int {
	limit := fallback
	trimmed := strings.TrimSpace(raw)
	if trimmed != "" {
		if parsed, err := strconv.Atoi(trimmed); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	if max > 0 && limit > max {
		return max
	}
	return limit
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
