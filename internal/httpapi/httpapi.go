package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"dukaan/backend/internal/domain"
	"dukaan/backend/internal/money"
	"dukaan/backend/internal/service"
)

type API struct {
	service       *service.Service
	auth          *AuthManager
	allowedOrigin string
	pinLimiter    *attemptLimiter
	logger        *zap.Logger
}

func New(svc *service.Service, auth *AuthManager, allowedOrigin string, logger *zap.Logger) *API {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &API{
		service:       svc,
		auth:          auth,
		allowedOrigin: allowedOrigin,
		pinLimiter:    newAttemptLimiter(8, time.Minute),
		logger:        logger,
	}
}

type attemptLimiter struct {
	mu      sync.Mutex
	max     int
	window  time.Duration
	entries map[string][]time.Time
}

func newAttemptLimiter(max int, window time.Duration) *attemptLimiter {
	if max < 1 {
		max = 1
	}
	if window <= 0 {
		window = time.Minute
	}
	return &attemptLimiter{max: max, window: window, entries: make(map[string][]time.Time)}
}

func (l *attemptLimiter) Allow(key string) bool {
	if l == nil {
		return true
	}
	now := time.Now()
	cutoff := now.Add(-l.window)

	l.mu.Lock()
	defer l.mu.Unlock()

	history := l.entries[key]
	kept := make([]time.Time, 0, len(history)+1)
	for _, ts := range history {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	if len(kept) >= l.max {
		l.entries[key] = kept
		return false
	}
	kept = append(kept, now)
	l.entries[key] = kept
	return true
}

func clientKey(r *http.Request) string {
	host := strings.TrimSpace(r.RemoteAddr)
	if host == "" {
		return "unknown"
	}
	if addr, err := netip.ParseAddrPort(host); err == nil {
		return addr.Addr().String()
	}
	if idx := strings.LastIndex(host, ":"); idx > 0 {
		return host[:idx]
	}
	return host
}

func (a *API) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", a.handleHealth)

	mux.HandleFunc("POST /api/v1/carts", a.requireAuth(a.handleOpenCart, "cashier", "admin"))
	mux.HandleFunc("GET /api/v1/carts", a.requireAuth(a.handleListCarts, "cashier", "admin"))
	mux.HandleFunc("GET /api/v1/carts/{id}", a.requireAuth(a.handleGetCart, "cashier", "admin"))
	mux.HandleFunc("PATCH /api/v1/carts/{id}", a.requireAuth(a.handleUpdateCart, "cashier", "admin"))
	mux.HandleFunc("DELETE /api/v1/carts/{id}", a.requireAuth(a.handleCloseCart, "cashier", "admin"))
	mux.HandleFunc("POST /api/v1/carts/{id}/activate", a.requireAuth(a.handleActivateCart, "cashier", "admin"))
	mux.HandleFunc("POST /api/v1/carts/{id}/lines", a.requireAuth(a.handleAddLine, "cashier", "admin"))
	mux.HandleFunc("PATCH /api/v1/carts/{id}/lines/{pid}", a.requireAuth(a.handleUpdateLine, "cashier", "admin"))
	mux.HandleFunc("DELETE /api/v1/carts/{id}/lines/{pid}", a.requireAuth(a.handleRemoveLine, "cashier", "admin"))
	mux.HandleFunc("POST /api/v1/carts/{id}/lines/{pid}/lot", a.requireAuth(a.handleReassignLot, "cashier", "admin"))
	mux.HandleFunc("POST /api/v1/carts/{id}/settlement", a.requireAuth(a.handleSettlement, "cashier", "admin"))
	mux.HandleFunc("POST /api/v1/carts/{id}/submit", a.requireAuth(a.handleSubmit, "cashier", "admin"))

	mux.HandleFunc("POST /api/v1/transfers", a.requireAuth(a.handleTransfer, "cashier", "admin"))
	mux.HandleFunc("POST /api/v1/lots/{pid}/refresh", a.requireAuth(a.handleRefreshLots, "cashier", "admin"))

	mux.HandleFunc("GET /api/v1/sagas/orphaned", a.requireAuth(a.handleOrphaned, "cashier", "admin"))
	mux.HandleFunc("POST /api/v1/sagas/{id}/retry-sale", a.requireAuth(a.handleRetrySale, "cashier", "admin"))
	mux.HandleFunc("POST /api/v1/sagas/{id}/resolve-exchange", a.requireAuth(a.handleResolveExchange, "cashier", "admin"))

	return a.withMiddleware(mux)
}

func (a *API) requireAuth(next http.HandlerFunc, roles ...string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		authorization := strings.TrimSpace(r.Header.Get("Authorization"))
		if !strings.HasPrefix(strings.ToLower(authorization), "bearer ") {
			writeError(w, http.StatusUnauthorized, errors.New("missing bearer token"))
			return
		}

		token := strings.TrimSpace(authorization[len("Bearer "):])
		actor, err := a.auth.ParseToken(token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, err)
			return
		}

		if len(roles) > 0 && !isRoleAllowed(actor.Role, roles) {
			writeError(w, http.StatusForbidden, errors.New("forbidden role"))
			return
		}

		next(w, r.WithContext(service.WithActor(r.Context(), actor)))
	}
}

func isRoleAllowed(role string, allowed []string) bool {
	for _, allow := range allowed {
		if role == allow {
			return true
		}
	}
	return false
}

// checkManagerPIN writes the error response itself and returns false when the
// PIN is rate limited or wrong.
func (a *API) checkManagerPIN(w http.ResponseWriter, r *http.Request, scope string, pin string) bool {
	if !a.pinLimiter.Allow("pin:" + scope + ":" + clientKey(r)) {
		writeError(w, http.StatusTooManyRequests, errors.New("too many manager pin attempts"))
		return false
	}
	if !a.auth.ValidateManagerPIN(pin) {
		writeError(w, http.StatusForbidden, errors.New("invalid manager pin"))
		return false
	}
	return true
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"ok": true,
		"at": time.Now().UTC().Format(time.RFC3339),
	})
}

type openCartRequest struct {
	TerminalID string `json:"terminal_id"`
	StoreID    string `json:"store_id"`
}

func (a *API) handleOpenCart(w http.ResponseWriter, r *http.Request) {
	var req openCartRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	view, err := a.service.OpenCart(r.Context(), req.TerminalID, req.StoreID)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, view)
}

func (a *API) handleListCarts(w http.ResponseWriter, r *http.Request) {
	terminalID := strings.TrimSpace(r.URL.Query().Get("terminal_id"))
	writeJSON(w, http.StatusOK, a.service.ListCarts(r.Context(), terminalID))
}

func (a *API) handleGetCart(w http.ResponseWriter, r *http.Request) {
	view, err := a.service.GetCart(r.PathValue("id"))
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

type updateCartRequest struct {
	CustomerID string `json:"customer_id"`
}

func (a *API) handleUpdateCart(w http.ResponseWriter, r *http.Request) {
	var req updateCartRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	view, err := a.service.SetCustomer(r.PathValue("id"), req.CustomerID)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (a *API) handleCloseCart(w http.ResponseWriter, r *http.Request) {
	if err := a.service.CloseCart(r.Context(), r.PathValue("id")); err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

type activateCartRequest struct {
	TerminalID string `json:"terminal_id"`
}

func (a *API) handleActivateCart(w http.ResponseWriter, r *http.Request) {
	var req activateCartRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	view, err := a.service.ActivateCart(r.Context(), strings.TrimSpace(req.TerminalID), r.PathValue("id"))
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

type addLineRequest struct {
	ProductID string     `json:"product_id"`
	Name      string     `json:"name"`
	Price     flexString `json:"price"`
}

func (a *API) handleAddLine(w http.ResponseWriter, r *http.Request) {
	var req addLineRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	price, _ := money.ParseAmount(string(req.Price))
	view, err := a.service.AddProduct(r.Context(), r.PathValue("id"), domain.Product{
		ID:    req.ProductID,
		Name:  strings.TrimSpace(req.Name),
		Price: price,
	})
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

type updateLineRequest struct {
	Quantity  *flexString `json:"quantity"`
	UnitPrice *flexString `json:"unit_price"`
}

func (a *API) handleUpdateLine(w http.ResponseWriter, r *http.Request) {
	var req updateLineRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	view, err := a.service.UpdateLine(r.PathValue("id"), r.PathValue("pid"), service.LineUpdate{
		Quantity:  req.Quantity.ptr(),
		UnitPrice: req.UnitPrice.ptr(),
	})
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (a *API) handleRemoveLine(w http.ResponseWriter, r *http.Request) {
	view, err := a.service.RemoveLine(r.PathValue("id"), r.PathValue("pid"))
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

type reassignLotRequest struct {
	BatchID string `json:"batch_id"`
	Refresh bool   `json:"refresh"`
}

func (a *API) handleReassignLot(w http.ResponseWriter, r *http.Request) {
	var req reassignLotRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	view, err := a.service.ReassignLot(r.Context(), r.PathValue("id"), r.PathValue("pid"), req.BatchID, req.Refresh)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

type tenderRequest struct {
	TenderUSD flexString `json:"tender_usd"`
	TenderSOS flexString `json:"tender_sos"`
}

func (t tenderRequest) state() domain.TenderState {
	return service.ParseTender(string(t.TenderUSD), string(t.TenderSOS))
}

func (a *API) handleSettlement(w http.ResponseWriter, r *http.Request) {
	var req tenderRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	preview, err := a.service.Preview(r.Context(), r.PathValue("id"), req.state())
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, preview)
}

type submitRequest struct {
	tenderRequest
	ChangeOption       string `json:"change_option"`
	ManagerPIN         string `json:"manager_pin"`
	OverrideAllocation bool   `json:"override_allocation"`
}

func (a *API) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	approved := false
	if strings.TrimSpace(req.ManagerPIN) != "" {
		if !a.checkManagerPIN(w, r, "submit", req.ManagerPIN) {
			return
		}
		approved = true
	}
	if req.OverrideAllocation && !approved {
		writeError(w, http.StatusForbidden, errors.New("manager pin required to override allocation"))
		return
	}

	res, err := a.service.Submit(r.Context(), r.PathValue("id"), service.SubmitRequest{
		Tender:             req.state(),
		Option:             req.ChangeOption,
		OperatorOverride:   approved,
		OverrideAllocation: req.OverrideAllocation,
	})
	if err != nil {
		a.writeSubmitError(w, res, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

func (a *API) handleTransfer(w http.ResponseWriter, r *http.Request) {
	var req domain.TransferRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	resp, err := a.service.RequestTransfer(r.Context(), req)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, resp)
}

func (a *API) handleRefreshLots(w http.ResponseWriter, r *http.Request) {
	lots, err := a.service.RefreshLots(r.Context(), r.PathValue("pid"))
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	if lots == nil {
		lots = []domain.Lot{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"lots": lots})
}

func (a *API) handleOrphaned(w http.ResponseWriter, r *http.Request) {
	limit := parsePositiveLimit(r.URL.Query().Get("limit"), 50, 500)
	sagas, err := a.service.ListOrphaned(r.Context(), limit)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sagas": sagas})
}

type retrySaleRequest struct {
	ManagerPIN string `json:"manager_pin"`
}

func (a *API) handleRetrySale(w http.ResponseWriter, r *http.Request) {
	var req retrySaleRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if !a.checkManagerPIN(w, r, "retry", req.ManagerPIN) {
		return
	}
	res, err := a.service.RetrySale(r.Context(), r.PathValue("id"))
	if err != nil {
		a.writeSubmitError(w, res, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// resolveExchangeRequest carries the back office's exchange id when the
// exchange was applied; an empty id records that it was not.
type resolveExchangeRequest struct {
	ManagerPIN string `json:"manager_pin"`
	ExchangeID string `json:"exchange_id"`
}

func (a *API) handleResolveExchange(w http.ResponseWriter, r *http.Request) {
	var req resolveExchangeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if !a.checkManagerPIN(w, r, "resolve", req.ManagerPIN) {
		return
	}
	res, err := a.service.ResolveExchange(r.Context(), r.PathValue("id"), req.ExchangeID)
	if err != nil {
		a.writeSubmitError(w, res, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
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
			r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		startedAt := time.Now()
		next.ServeHTTP(w, r)
		a.logger.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Duration("took", time.Since(startedAt)),
		)
	})
}

// flexString accepts a JSON string or number so tills can send whatever the
// operator typed. Parsing happens later and is lenient.
type flexString string

func (f *flexString) UnmarshalJSON(data []byte) error {
	raw := strings.TrimSpace(string(data))
	if raw == "null" {
		*f = ""
		return nil
	}
	if strings.HasPrefix(raw, `"`) {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*f = flexString(s)
		return nil
	}
	*f = flexString(raw)
	return nil
}

func (f *flexString) ptr() *string {
	if f == nil {
		return nil
	}
	s := string(*f)
	return &s
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

func writeError(w http.ResponseWriter, status int, err error) {
	msg := err.Error()
	if status >= 500 {
		msg = "internal server error"
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
