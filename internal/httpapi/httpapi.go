package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelprop "go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"makerhub/backend/internal/domain"
	"makerhub/backend/internal/metrics"
	"makerhub/backend/internal/propagation"
	"makerhub/backend/internal/service"
	"makerhub/backend/internal/store"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

type Options struct {
	AllowedOrigin string
	// KeepAlive is how often an idle event stream sends a comment line.
	KeepAlive time.Duration
}

type API struct {
	service       *service.Service
	auth          *AuthManager
	hub           *propagation.Hub
	refresher     *propagation.Refresher
	logger        *zap.Logger
	allowedOrigin string
	keepAlive     time.Duration
	loginLimiter  *attemptLimiter
}

func New(svc *service.Service, auth *AuthManager, hub *propagation.Hub, logger *zap.Logger, opts Options) *API {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.KeepAlive <= 0 {
		opts.KeepAlive = 25 * time.Second
	}
	if opts.AllowedOrigin == "" {
		opts.AllowedOrigin = "http://localhost:5173"
	}
	refresher := propagation.NewRefresher(svc.Snapshot, 5*time.Second, logger)
	if hub != nil {
		hub.OnDeliver(refresher.Invalidate)
	}
	return &API{
		service:       svc,
		auth:          auth,
		hub:           hub,
		refresher:     refresher,
		logger:        logger.Named("http"),
		allowedOrigin: opts.AllowedOrigin,
		keepAlive:     opts.KeepAlive,
		loginLimiter:  newAttemptLimiter(5, time.Minute),
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

	mux.HandleFunc("/healthz", a.handleHealth)
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/api/v1/auth/login", a.handleLogin)

	mux.HandleFunc("/api/v1/orders", a.requireAuth(a.handleOrders))
	mux.HandleFunc("/api/v1/orders/", a.requireAuth(a.handleOrderActions))
	mux.HandleFunc("/api/v1/complaints", a.requireAuth(a.handleComplaints))
	mux.HandleFunc("/api/v1/complaints/", a.requireAuth(a.handleComplaintActions))
	mux.HandleFunc("/api/v1/notifications", a.requireAuth(a.handleNotifications))
	mux.HandleFunc("/api/v1/notifications/", a.requireAuth(a.handleNotificationActions))
	mux.HandleFunc("/api/v1/accounts/", a.requireAuth(a.handleAccountActions))
	mux.HandleFunc("/api/v1/events", a.requireAuth(a.handleEvents))

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
		actor, err := a.auth.ParseToken(token)
		if err != nil {
			a.writeError(w, http.StatusUnauthorized, err)
			return
		}

		next(w, r.WithContext(service.WithActor(r.Context(), actor)))
	}
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		a.writeMethodNotAllowed(w)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"ok": true,
		"at": time.Now().UTC().Format(time.RFC3339),
	})
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		a.writeMethodNotAllowed(w)
		return
	}
	if !a.loginLimiter.Allow(clientKey(r)) {
		a.writeError(w, http.StatusTooManyRequests, errors.New("too many login attempts"))
		return
	}

	var req domain.LoginRequest
	if err := decodeJSON(r, &req); err != nil {
		a.writeError(w, http.StatusBadRequest, err)
		return
	}

	resp, err := a.auth.Login(r.Context(), req)
	if err != nil {
		status := http.StatusUnauthorized
		if !errors.Is(err, ErrInvalidCredentials) && !errors.Is(err, ErrAccountInactive) {
			status = statusForError(err)
		}
		a.writeError(w, status, err)
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleOrders(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		query := domain.OrdersQuery{
			CustomerID:     strings.TrimSpace(r.URL.Query().Get("customer_id")),
			ManufacturerID: strings.TrimSpace(r.URL.Query().Get("manufacturer_id")),
			Limit:          parsePositiveLimit(r.URL.Query().Get("limit"), defaultListLimit, maxListLimit),
		}
		var (
			orders []domain.Order
			err    error
		)
		if active, _ := strconv.ParseBool(r.URL.Query().Get("active")); active {
			orders, err = a.service.GetActiveOrders(r.Context(), query)
		} else {
			orders, err = a.service.ListOrders(r.Context(), query)
		}
		if err != nil {
			a.writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"orders": orders})
	case http.MethodPost:
		var req domain.CreateOrderRequest
		if err := decodeJSON(r, &req); err != nil {
			a.writeError(w, http.StatusBadRequest, err)
			return
		}
		order, err := a.service.CreateOrder(r.Context(), req)
		if err != nil {
			a.writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, order)
	default:
		a.writeMethodNotAllowed(w)
	}
}

// handleOrderActions serves /api/v1/orders/{id}, /{id}/verify-payment and /{id}/status.
func (a *API) handleOrderActions(w http.ResponseWriter, r *http.Request) {
	orderID, action, ok := splitResourcePath(r.URL.Path, "/api/v1/orders/")
	if !ok {
		a.writeError(w, http.StatusNotFound, errors.New("unknown order path"))
		return
	}

	switch {
	case action == "" && r.Method == http.MethodGet:
		order, err := a.service.GetOrder(r.Context(), orderID)
		if err != nil {
			a.writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, order)
	case action == "verify-payment" && r.Method == http.MethodPost:
		var req domain.VerifyPaymentRequest
		if err := decodeJSON(r, &req); err != nil {
			a.writeError(w, http.StatusBadRequest, err)
			return
		}
		order, err := a.service.VerifyPayment(r.Context(), orderID, req)
		if err != nil {
			a.writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, order)
	case action == "status" && r.Method == http.MethodPost:
		var req domain.AdvanceStatusRequest
		if err := decodeJSON(r, &req); err != nil {
			a.writeError(w, http.StatusBadRequest, err)
			return
		}
		order, err := a.service.AdvanceStatus(r.Context(), orderID, req.Status)
		if err != nil {
			a.writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, order)
	case action == "" || action == "verify-payment" || action == "status":
		a.writeMethodNotAllowed(w)
	default:
		a.writeError(w, http.StatusNotFound, errors.New("unknown order action"))
	}
}

func (a *API) handleComplaints(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		complaints, err := a.service.ListComplaints(r.Context(), domain.ComplaintsQuery{
			Status: domain.ComplaintStatus(strings.TrimSpace(r.URL.Query().Get("status"))),
			Limit:  parsePositiveLimit(r.URL.Query().Get("limit"), defaultListLimit, maxListLimit),
		})
		if err != nil {
			a.writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"complaints": complaints})
	case http.MethodPost:
		var req domain.FileComplaintRequest
		if err := decodeJSON(r, &req); err != nil {
			a.writeError(w, http.StatusBadRequest, err)
			return
		}
		complaint, err := a.service.FileComplaint(r.Context(), req)
		if err != nil {
			a.writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, complaint)
	default:
		a.writeMethodNotAllowed(w)
	}
}

// handleComplaintActions serves /api/v1/complaints/{id} and the four admin verdicts.
func (a *API) handleComplaintActions(w http.ResponseWriter, r *http.Request) {
	complaintID, action, ok := splitResourcePath(r.URL.Path, "/api/v1/complaints/")
	if !ok {
		a.writeError(w, http.StatusNotFound, errors.New("unknown complaint path"))
		return
	}
	if action == "" {
		if r.Method != http.MethodGet {
			a.writeMethodNotAllowed(w)
			return
		}
		detail, err := a.service.GetComplaint(r.Context(), complaintID)
		if err != nil {
			a.writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, detail)
		return
	}

	switch action {
	case "resolve", "warn-accused", "warn-complainant", "restrict-account":
	default:
		a.writeError(w, http.StatusNotFound, errors.New("unknown complaint action"))
		return
	}
	if r.Method != http.MethodPost {
		a.writeMethodNotAllowed(w)
		return
	}

	var req domain.AdminResponseRequest
	if action != "restrict-account" && r.ContentLength != 0 {
		if err := decodeJSON(r, &req); err != nil {
			a.writeError(w, http.StatusBadRequest, err)
			return
		}
	}

	var (
		payload any
		err     error
	)
	switch action {
	case "resolve":
		payload, err = a.service.Resolve(r.Context(), complaintID, req.Response)
	case "warn-accused":
		payload, err = a.service.WarnAccused(r.Context(), complaintID, req.Response)
	case "warn-complainant":
		payload, err = a.service.WarnComplainant(r.Context(), complaintID, req.Response)
	case "restrict-account":
		payload, err = a.service.RestrictAccount(r.Context(), complaintID)
	}
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, payload)
}

func (a *API) handleNotifications(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		a.writeMethodNotAllowed(w)
		return
	}
	unreadOnly, _ := strconv.ParseBool(r.URL.Query().Get("unread"))
	notifications, err := a.service.ListNotifications(r.Context(), domain.NotificationsQuery{
		UnreadOnly: unreadOnly,
		Limit:      parsePositiveLimit(r.URL.Query().Get("limit"), defaultListLimit, maxListLimit),
	})
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"notifications": notifications})
}

// handleNotificationActions serves /api/v1/notifications/read-all and /{id}/read.
func (a *API) handleNotificationActions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		a.writeMethodNotAllowed(w)
		return
	}
	if r.URL.Path == "/api/v1/notifications/read-all" {
		marked, err := a.service.MarkAllNotificationsRead(r.Context())
		if err != nil {
			a.writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"marked": marked})
		return
	}

	notificationID, action, ok := splitResourcePath(r.URL.Path, "/api/v1/notifications/")
	if !ok || action != "read" {
		a.writeError(w, http.StatusNotFound, errors.New("unknown notification action"))
		return
	}
	notification, err := a.service.MarkNotificationRead(r.Context(), notificationID)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, notification)
}

// handleAccountActions serves /api/v1/accounts/{id}, /{id}/deliveries and /{id}/reconcile.
func (a *API) handleAccountActions(w http.ResponseWriter, r *http.Request) {
	accountID, action, ok := splitResourcePath(r.URL.Path, "/api/v1/accounts/")
	if !ok {
		a.writeError(w, http.StatusNotFound, errors.New("unknown account path"))
		return
	}

	switch {
	case action == "" && r.Method == http.MethodGet:
		account, err := a.service.GetAccount(r.Context(), accountID)
		if err != nil {
			a.writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, account)
	case action == "deliveries" && r.Method == http.MethodGet:
		deliveries, err := a.service.ListDeliveries(r.Context(), accountID, parsePositiveLimit(r.URL.Query().Get("limit"), defaultListLimit, maxListLimit))
		if err != nil {
			a.writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"deliveries": deliveries})
	case action == "reconcile" && r.Method == http.MethodPost:
		account, err := a.service.ReconcileManufacturer(r.Context(), accountID)
		if err != nil {
			a.writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, account)
	case action == "" || action == "deliveries" || action == "reconcile":
		a.writeMethodNotAllowed(w)
	default:
		a.writeError(w, http.StatusNotFound, errors.New("unknown account action"))
	}
}

// splitResourcePath turns "/prefix/{id}" or "/prefix/{id}/{action}" into its parts.
func splitResourcePath(path string, prefix string) (id string, action string, ok bool) {
	rest, found := strings.CutPrefix(path, prefix)
	if !found {
		return "", "", false
	}
	parts := strings.Split(strings.Trim(rest, "/"), "/")
	switch {
	case len(parts) == 1 && parts[0] != "":
		return parts[0], "", true
	case len(parts) == 2 && parts[0] != "" && parts[1] != "":
		return parts[0], parts[1], true
	}
	return "", "", false
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

		if r.Method == http.MethodPost && strings.Contains(strings.ToLower(r.Header.Get("Content-Type")), "application/json") {
			r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		ctx := otel.GetTextMapPropagator().Extract(r.Context(), otelprop.HeaderCarrier(r.Header))
		ctx, span := otel.Tracer("makerhub/http").Start(ctx, r.Method+" "+r.URL.Path, trace.WithSpanKind(trace.SpanKindServer))
		defer span.End()
		r = r.WithContext(ctx)

		startedAt := time.Now()
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(recorder, r)
		latency := time.Since(startedAt)

		endpoint := r.Pattern
		if endpoint == "" {
			endpoint = "unmatched"
		}
		metrics.ObserveHTTPRequest(r.Method, endpoint, strconv.Itoa(recorder.status), latency.Seconds())
		span.SetAttributes(
			attribute.String("http.route", endpoint),
			attribute.Int("http.status_code", recorder.status),
		)

		traceID := ""
		if span.SpanContext().IsValid() {
			traceID = span.SpanContext().TraceID().String()
		}
		a.logger.Info("HTTP request",
			zap.String("trace_id", traceID),
			zap.Int("status", recorder.status),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.String("ip", clientKey(r)),
			zap.Duration("latency", latency),
		)
	})
}

// statusRecorder remembers the response status. Unwrap lets http.ResponseController
// reach the underlying writer's Flush for event streams.
type statusRecorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (s *statusRecorder) WriteHeader(status int) {
	if !s.wroteHeader {
		s.status = status
		s.wroteHeader = true
	}
	s.ResponseWriter.WriteHeader(status)
}

func (s *statusRecorder) Write(p []byte) (int, error) {
	s.wroteHeader = true
	return s.ResponseWriter.Write(p)
}

func (s *statusRecorder) Unwrap() http.ResponseWriter {
	return s.ResponseWriter
}

// statusForError maps the engine's error taxonomy onto HTTP.
func statusForError(err error) int {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, service.ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, domain.ErrInvalidTransition), errors.Is(err, store.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, store.ErrUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, service.ErrInvalidRequest), errors.Is(err, store.ErrInvalidRecord):
		return http.StatusBadRequest
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

// writeServiceError reports an engine failure with its taxonomy code. Conflicts and
// unavailability are marked retryable: the caller re-reads and decides again.
func (a *API) writeServiceError(w http.ResponseWriter, err error) {
	status := statusForError(err)
	reason := service.FailureReason(err)
	retryable := errors.Is(err, store.ErrConflict) || errors.Is(err, store.ErrUnavailable)

	msg := err.Error()
	switch {
	case status == http.StatusServiceUnavailable:
		a.logger.Warn("store unavailable", zap.Error(err))
		msg = "service temporarily unavailable, retry shortly"
	case status >= 500:
		a.logger.Error("internal error", zap.Int("status", status), zap.Error(err))
		msg = "internal server error"
	}
	writeJSON(w, status, map[string]any{
		"error":     msg,
		"code":      reason,
		"retryable": retryable,
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

func (a *API) writeMethodNotAllowed(w http.ResponseWriter) {
	a.writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
}

func (a *API) writeError(w http.ResponseWriter, status int, err error) {
	// 5xx details stay in the log; 4xx messages are meant for the caller.
	msg := err.Error()
	if status >= 500 {
		a.logger.Error("internal error", zap.Int("status", status), zap.Error(err))
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
