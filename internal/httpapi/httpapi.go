package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"

	"marketplace/backend/internal/domain"
	"marketplace/backend/internal/service"
)

const maxBodyBytes = 1 << 20

type API struct {
	service       *service.Service
	auth          *AuthManager
	allowedOrigin string
	logger        *zap.Logger
}

func New(svc *service.Service, auth *AuthManager, allowedOrigin string, logger *zap.Logger) *API {
	if logger == nil {
		logger = zap.NewNop()
	}
	if allowedOrigin == "" {
		allowedOrigin = "*"
	}
	return &API{
		service:       svc,
		auth:          auth,
		allowedOrigin: allowedOrigin,
		logger:        logger,
	}
}

func (a *API) Handler() http.Handler {
	mux := http.NewServeMux()
	handle := func(pattern string, handler http.HandlerFunc) {
		mux.Handle(pattern, otelhttp.WithRouteTag(pattern, handler))
	}

	handle("GET /healthz", a.handleHealth)
	handle("POST /api/v1/auth/login", a.handleLogin)

	handle("POST /api/v1/availability", a.requireAuth(a.handleAvailability))
	handle("POST /api/v1/orders", a.requireAuth(a.handleCreateOrder, domain.RoleCustomer, domain.RoleAdmin))
	handle("GET /api/v1/orders", a.requireAuth(a.handleListOrders, domain.RoleCustomer, domain.RoleAdmin))
	handle("GET /api/v1/orders/{id}", a.requireAuth(a.handleGetOrder))
	handle("GET /api/v1/orders/{id}/history", a.requireAuth(a.handleOrderHistory))
	handle("POST /api/v1/orders/{id}/status", a.requireAuth(a.handleOrderStatus, domain.RoleVendor, domain.RoleAdmin))
	handle("POST /api/v1/orders/{id}/payment", a.requireAuth(a.handleOrderPayment, domain.RoleAdmin))
	handle("POST /api/v1/orders/{id}/cancel", a.requireAuth(a.handleCancelOrder, domain.RoleCustomer, domain.RoleAdmin))
	handle("GET /api/v1/vendor/orders", a.requireAuth(a.handleVendorOrders, domain.RoleVendor, domain.RoleAdmin))

	handle("POST /api/v1/inventory/movements", a.requireAuth(a.handleStockMovement, domain.RoleVendor, domain.RoleAdmin))
	handle("GET /api/v1/inventory/{productID}/ledger", a.requireAuth(a.handleLedger, domain.RoleVendor, domain.RoleAdmin))
	handle("GET /api/v1/inventory/{productID}/reconcile", a.requireAuth(a.handleReconcile, domain.RoleAdmin))

	return otelhttp.NewHandler(a.withMiddleware(mux), "marketplace-http")
}

func (a *API) requireAuth(next http.HandlerFunc, roles ...domain.Role) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		authorization := strings.TrimSpace(r.Header.Get("Authorization"))
		if !strings.HasPrefix(strings.ToLower(authorization), "bearer ") {
			a.writeError(w, http.StatusUnauthorized, errors.New("missing bearer token"))
			return
		}

		token := strings.TrimSpace(authorization[len("Bearer "):])
		actor, err := a.auth.ParseToken(token)
		if err != nil {
			a.writeError(w, http.StatusUnauthorized, err)
			return
		}

		if len(roles) > 0 && !isRoleAllowed(actor.Role, roles) {
			a.writeError(w, http.StatusForbidden, errors.New("forbidden role"))
			return
		}

		next(w, r.WithContext(WithActor(r.Context(), actor)))
	}
}

func isRoleAllowed(role domain.Role, allowed []domain.Role) bool {
	for _, allow := range allowed {
		if role == allow {
			return true
		}
	}
	return false
}

func (a *API) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"ok": true,
		"at": time.Now().UTC().Format(time.RFC3339),
	})
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req domain.LoginRequest
	if err := decodeJSON(r, &req); err != nil {
		a.writeError(w, http.StatusBadRequest, err)
		return
	}

	resp, err := a.auth.Login(r.Context(), req)
	if err != nil {
		if errors.Is(err, domain.ErrPersistence) {
			a.writeServiceError(w, err)
			return
		}
		a.writeError(w, http.StatusUnauthorized, err)
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleAvailability(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Items []domain.ItemRequest `json:"items"`
	}
	if err := decodeJSON(r, &req); err != nil {
		a.writeError(w, http.StatusBadRequest, err)
		return
	}

	shortfalls, err := a.service.CheckAvailability(r.Context(), req.Items)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"available":  len(shortfalls) == 0,
		"shortfalls": shortfalls,
	})
}

func (a *API) handleCreateOrder(w http.ResponseWriter, r *http.Request) {
	actor, _ := ActorFromContext(r.Context())

	var req service.CreateOrderRequest
	if err := decodeJSON(r, &req); err != nil {
		a.writeError(w, http.StatusBadRequest, err)
		return
	}

	order, err := a.service.CreateOrder(r.Context(), actor, req)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"order": order})
}

func (a *API) handleListOrders(w http.ResponseWriter, r *http.Request) {
	actor, _ := ActorFromContext(r.Context())
	query := r.URL.Query()

	orders, err := a.service.ListCustomerOrders(r.Context(), actor, query.Get("customer_id"), parsePositiveLimit(query.Get("limit"), 50, 200))
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"orders": orders})
}

func (a *API) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	actor, _ := ActorFromContext(r.Context())

	order, err := a.service.ViewOrder(r.Context(), actor, r.PathValue("id"))
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"order": order})
}

func (a *API) handleOrderHistory(w http.ResponseWriter, r *http.Request) {
	actor, _ := ActorFromContext(r.Context())

	changes, err := a.service.OrderHistory(r.Context(), actor, r.PathValue("id"))
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"history": changes})
}

func (a *API) handleOrderStatus(w http.ResponseWriter, r *http.Request) {
	actor, _ := ActorFromContext(r.Context())

	var req struct {
		Status domain.OrderStatus `json:"status"`
		Notes  string             `json:"notes"`
	}
	if err := decodeJSON(r, &req); err != nil {
		a.writeError(w, http.StatusBadRequest, err)
		return
	}

	order, err := a.service.UpdateOrderStatus(r.Context(), actor, r.PathValue("id"), req.Status, req.Notes)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"order": order})
}

func (a *API) handleOrderPayment(w http.ResponseWriter, r *http.Request) {
	actor, _ := ActorFromContext(r.Context())

	var req struct {
		PaymentStatus domain.PaymentStatus `json:"payment_status"`
		TransactionID string               `json:"transaction_id"`
	}
	if err := decodeJSON(r, &req); err != nil {
		a.writeError(w, http.StatusBadRequest, err)
		return
	}

	order, err := a.service.UpdatePaymentStatus(r.Context(), actor, r.PathValue("id"), req.PaymentStatus, req.TransactionID)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"order": order})
}

func (a *API) handleCancelOrder(w http.ResponseWriter, r *http.Request) {
	actor, _ := ActorFromContext(r.Context())

	var req struct {
		Reason string `json:"reason"`
	}
	if r.ContentLength != 0 {
		if err := decodeJSON(r, &req); err != nil {
			a.writeError(w, http.StatusBadRequest, err)
			return
		}
	}

	order, err := a.service.CancelOrder(r.Context(), actor, r.PathValue("id"), req.Reason)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"order": order})
}

func (a *API) handleVendorOrders(w http.ResponseWriter, r *http.Request) {
	actor, _ := ActorFromContext(r.Context())
	query := r.URL.Query()

	orders, err := a.service.ListVendorOrders(r.Context(), actor, query.Get("vendor_id"), parsePositiveLimit(query.Get("limit"), 50, 200))
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"orders": orders})
}

func (a *API) handleStockMovement(w http.ResponseWriter, r *http.Request) {
	actor, _ := ActorFromContext(r.Context())

	var req struct {
		Type domain.TransactionType `json:"type"`
		service.StockChangeRequest
	}
	if err := decodeJSON(r, &req); err != nil {
		a.writeError(w, http.StatusBadRequest, err)
		return
	}

	var (
		entry domain.LedgerEntry
		err   error
	)
	switch req.Type {
	case domain.TxPurchase:
		entry, err = a.service.ReceiveStock(r.Context(), actor, req.StockChangeRequest)
	case domain.TxAdjustment:
		entry, err = a.service.AdjustStock(r.Context(), actor, req.StockChangeRequest)
	default:
		err = domain.Invalid("type", "must be purchase or adjustment")
	}
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"entry": entry})
}

func (a *API) handleLedger(w http.ResponseWriter, r *http.Request) {
	actor, _ := ActorFromContext(r.Context())
	query := r.URL.Query()

	entries, err := a.service.LedgerHistory(r.Context(), actor, r.PathValue("productID"), query.Get("variant_id"), parsePositiveLimit(query.Get("limit"), 50, 200))
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func (a *API) handleReconcile(w http.ResponseWriter, r *http.Request) {
	actor, _ := ActorFromContext(r.Context())

	rec, err := a.service.ReconcileStock(r.Context(), actor, r.PathValue("productID"), r.URL.Query().Get("variant_id"))
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"reconciliation": rec,
		"consistent":     rec.Consistent(),
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (a *API) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		w.Header().Set("Cross-Origin-Opener-Policy", "same-origin")
		w.Header().Set("Access-Control-Allow-Origin", a.allowedOrigin)
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
		w.Header().Set("Vary", "Origin")

		if r.Method == http.MethodPost {
			r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		startedAt := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		a.logger.Info("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rec.status),
			zap.Duration("duration", time.Since(startedAt)),
		)
	})
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

// writeServiceError maps service errors to statuses. Shortfalls ride along
// with insufficient stock so clients can show what is missing.
func (a *API) writeServiceError(w http.ResponseWriter, err error) {
	var stockErr *domain.InsufficientStockError
	switch {
	case errors.As(err, &stockErr):
		writeJSON(w, http.StatusConflict, map[string]any{
			"error":      err.Error(),
			"shortfalls": stockErr.Shortfalls,
		})
	case errors.Is(err, domain.ErrValidation):
		a.writeError(w, http.StatusBadRequest, err)
	case errors.Is(err, domain.ErrForbidden):
		a.writeError(w, http.StatusForbidden, err)
	case errors.Is(err, domain.ErrOrderNotFound), errors.Is(err, domain.ErrEntityNotFound):
		a.writeError(w, http.StatusNotFound, err)
	case errors.Is(err, domain.ErrInvalidTransition), errors.Is(err, domain.ErrCannotCancel):
		a.writeError(w, http.StatusConflict, err)
	case errors.Is(err, domain.ErrPersistence):
		a.writeError(w, http.StatusServiceUnavailable, err)
	default:
		a.writeError(w, http.StatusInternalServerError, err)
	}
}

func (a *API) writeError(w http.ResponseWriter, status int, err error) {
	// 5xx bodies stay generic; the detail goes to the log only.
	msg := err.Error()
	if status >= 500 {
		a.logger.Error("request failed", zap.Int("status", status), zap.Error(err))
		msg = "internal server error"
		if status == http.StatusServiceUnavailable {
			msg = "service temporarily unavailable"
		}
	}
	writeJSON(w, status, map[string]any{
		"error": msg,
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
