package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-playground/validator/v10"
	"github.com/poyrazK/cardgate/internal/core/domain"
	"github.com/poyrazK/cardgate/internal/core/ports"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	defaultAuditLimit = 100
	maxListLimit      = 1000
)

// HealthCheck checks one backend.
type HealthCheck func(ctx context.Context) error

// Services groups the core services served over HTTP. A nil Simulator disables the
// simulator route and a nil Readiness disables GET /ready.
type Services struct {
	Verifier    ports.VerificationService
	Attestation ports.AttestationService
	Cards       ports.CardService
	Simulator   ports.SimulatorService
	Audit       ports.AuditReader
	Readiness   ports.ReadinessReporter
}

// APIHandler serves the reader, attestation and administration endpoints.
type APIHandler struct {
	svc      Services
	keys     ports.APIKeyRepository
	checks   map[string]HealthCheck
	limiter  *RateLimiter
	validate *validator.Validate
	logger   *slog.Logger
}

// NewAPIHandler creates and returns a new APIHandler instance.
func NewAPIHandler(svc Services, keys ports.APIKeyRepository, checks map[string]HealthCheck, limiter *RateLimiter, logger *slog.Logger) *APIHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &APIHandler{
		svc:      svc,
		keys:     keys,
		checks:   checks,
		limiter:  limiter,
		validate: NewValidator(),
		logger:   logger,
	}
}

// RegisterRoutes registers the API routes with the provided ServeMux.
func (h *APIHandler) RegisterRoutes(mux *http.ServeMux) {
	// Public Routes
	mux.HandleFunc("GET /health", h.HealthCheck)
	mux.HandleFunc("GET /metrics", h.Metrics)
	if h.svc.Readiness != nil {
		mux.HandleFunc("GET /ready", h.Ready)
	}

	limited := func(route string, fn http.HandlerFunc) http.Handler {
		return RateLimit(h.limiter, route)(WithRequestMeta(fn))
	}

	// Reader routes
	mux.Handle("POST /api/cards/verify", limited("verify", h.VerifyCard))
	mux.Handle("POST /api/qr/verify", limited("qr_verify", h.VerifyQR))
	mux.Handle("POST /api/attest/challenge/{readerId}", limited("attest_challenge", h.IssueChallenge))
	mux.Handle("POST /api/attest/verify/{readerId}", limited("attest_verify", h.VerifyAttestation))
	mux.Handle("GET /api/attest/status/{readerId}", limited("attest_status", h.AttestationStatus))
	if h.svc.Simulator != nil {
		mux.Handle("POST /api/sim/response/{cardId}", limited("sim", h.SimulatorResponse))
	}

	// Middleware
	auth := func(fn http.HandlerFunc, roles ...domain.Role) http.Handler {
		return AuthMiddleware(h.keys)(RequireRole(roles...)(WithRequestMeta(fn)))
	}
	admin := domain.RoleAdmin
	auditor := domain.RoleAuditor

	// Protected Routes
	mux.Handle("POST /api/cards", auth(h.CreateCard, admin))
	mux.Handle("GET /api/qr/generate/{cardId}", auth(h.GenerateQR, admin))
	mux.Handle("GET /api/admin/list", auth(h.ListCards, admin, auditor))
	mux.Handle("GET /api/admin/status/{cardId}", auth(h.CardStatus, admin, auditor))
	mux.Handle("POST /api/admin/revoke/{cardId}", auth(h.RevokeCard, admin))
	mux.Handle("POST /api/admin/extend/{cardId}", auth(h.ExtendCard, admin))
	mux.Handle("POST /api/admin/readers", auth(h.RegisterReader, admin))
	mux.Handle("GET /api/admin/readers", auth(h.ListReaders, admin, auditor))
	mux.Handle("GET /api/audit/events", auth(h.ListAuditEvents, admin, auditor))
	mux.Handle("GET /api/audit/last-access/{cardId}", auth(h.LastAccess, admin, auditor))
}

// Metrics handles Prometheus metrics scraping requests.
func (h *APIHandler) Metrics(w http.ResponseWriter, r *http.Request) {
	promhttp.Handler().ServeHTTP(w, r)
}

// Ready answers load balancer checks from the last background health check.
func (h *APIHandler) Ready(w http.ResponseWriter, _ *http.Request) {
	if !h.svc.Readiness.Ready() {
		w.Header().Set("Retry-After", "1")
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "NOT_READY"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "READY"})
}

// HealthCheck handles health check requests.
func (h *APIHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	status := "UP"
	details := make(map[string]string, len(h.checks))
	for name, check := range h.checks {
		if checkErr := check(r.Context()); checkErr != nil {
			status = "DEGRADED"
			details[name] = checkErr.Error()
		} else {
			details[name] = "OK"
		}
	}

	code := http.StatusOK
	if status == "DEGRADED" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]interface{}{
		"status":  status,
		"details": details,
	})
}

// VerifyCard handles a reader's counter-MAC proof. An unreadable body is still
// submitted so that the attempt is audited as a malformed proof.
func (h *APIHandler) VerifyCard(w http.ResponseWriter, r *http.Request) {
	var body VerifyCardRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&body); err != nil {
		body = VerifyCardRequest{}
	}
	res := h.svc.Verifier.Verify(r.Context(), domain.VerifyRequest{
		CardID:      body.CardID,
		Ctr:         body.Ctr,
		Tag:         body.Tag,
		ReaderID:    r.Header.Get("X-Reader-Id"),
		ReaderToken: r.Header.Get("X-Reader-Token"),
	})
	writeDecision(w, res, false)
}

// VerifyQR handles a scanned QR payload in either supported format.
func (h *APIHandler) VerifyQR(w http.ResponseWriter, r *http.Request) {
	var body VerifyQRRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&body); err != nil || h.validate.Struct(body) != nil {
		// Still verified, so the attempt is audited as malformed.
		body = VerifyQRRequest{}
	}
	res := h.svc.Verifier.VerifyQR(r.Context(), domain.QRVerifyRequest{
		QRCode:      body.QRCode,
		ReaderID:    r.Header.Get("X-Reader-Id"),
		ReaderToken: r.Header.Get("X-Reader-Token"),
	})
	writeDecision(w, res, true)
}

// writeDecision collapses every rejection into FAIL. Only the retryable outcomes are
// distinguishable, by status code, so a reader knows to try the same proof again.
func writeDecision(w http.ResponseWriter, res domain.VerifyResult, withDetail bool) {
	switch {
	case res.Granted:
		resp := StatusResponse{Status: StatusOK}
		if withDetail {
			resp.CardID = res.CardID
			resp.Message = "access granted"
		}
		writeJSON(w, http.StatusOK, resp)
	case res.Reason.Retryable():
		w.Header().Set("Retry-After", "1")
		writeJSON(w, http.StatusServiceUnavailable, StatusResponse{Status: StatusFail, Error: "temporarily unavailable"})
	default:
		resp := StatusResponse{Status: StatusFail}
		if withDetail {
			resp.Error = "access denied"
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func (h *APIHandler) IssueChallenge(w http.ResponseWriter, r *http.Request) {
	readerID := r.PathValue("readerId")
	ch, err := h.svc.Attestation.IssueChallenge(r.Context(), readerID)
	if err != nil {
		h.writeAttestError(w, readerID, err)
		return
	}
	writeJSON(w, http.StatusOK, ChallengeResponse{Challenge: ch.Value, ReaderID: ch.ReaderID, ExpiresAt: ch.ExpiresAt})
}

func (h *APIHandler) VerifyAttestation(w http.ResponseWriter, r *http.Request) {
	readerID := r.PathValue("readerId")
	var body AttestVerifyRequest
	if !h.decodeBody(w, r, &body) {
		return
	}
	tok, err := h.svc.Attestation.VerifyAttestation(r.Context(), readerID, body.Challenge, body.Signature)
	if err != nil {
		h.writeAttestError(w, readerID, err)
		return
	}
	writeJSON(w, http.StatusOK, AttestResponse{
		Status:     StatusOK,
		ReaderID:   tok.ReaderID,
		AttestedAt: &tok.IssuedAt,
		Token:      tok.Token,
		ExpiresAt:  &tok.ExpiresAt,
	})
}

// writeAttestError reports attestation failures by reason code, which readers use to
// decide whether to request a fresh challenge.
func (h *APIHandler) writeAttestError(w http.ResponseWriter, readerID string, err error) {
	code := statusFor(err)
	switch code {
	case http.StatusServiceUnavailable:
		w.Header().Set("Retry-After", "1")
	case http.StatusInternalServerError:
		h.logger.Error("attestation failed", "reader_id", readerID, "error", err)
	}
	writeJSON(w, code, AttestResponse{Status: StatusFail, ReaderID: readerID, Error: string(domain.ReasonOf(err))})
}

func (h *APIHandler) AttestationStatus(w http.ResponseWriter, r *http.Request) {
	st, err := h.svc.Attestation.Status(r.Context(), r.PathValue("readerId"))
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	resp := AttestStatusResponse{ReaderID: st.ReaderID, Attested: st.Attested}
	if !st.AttestedAt.IsZero() {
		resp.AttestedAt = &st.AttestedAt
		resp.ExpiresAt = &st.ExpiresAt
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *APIHandler) SimulatorResponse(w http.ResponseWriter, r *http.Request) {
	p, err := h.svc.Simulator.Respond(r.Context(), r.PathValue("cardId"))
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Status string `json:"status"`
		*domain.SimulatedProof
	}{Status: StatusOK, SimulatedProof: p})
}

func (h *APIHandler) CreateCard(w http.ResponseWriter, r *http.Request) {
	var body CreateCardRequest
	if !h.decodeBody(w, r, &body) {
		return
	}
	issued, err := h.svc.Cards.Issue(r.Context(), domain.IssueRequest{
		Owner:      body.Owner,
		TTLSeconds: body.TTLSeconds,
		Role:       body.Role,
	})
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, cardResponse(issued.Card))
}

func (h *APIHandler) GenerateQR(w http.ResponseWriter, r *http.Request) {
	cardID := r.PathValue("cardId")
	token, err := h.svc.Cards.GenerateQR(r.Context(), cardID)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, QRResponse{Status: StatusOK, CardID: cardID, QRCode: token})
}

func (h *APIHandler) ListCards(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := domain.CardFilter{Owner: q.Get("owner")}
	if role := q.Get("role"); role != "" {
		parsed, err := domain.ParseCardRole(role)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		filter.Role = parsed
	}
	if v := q.Get("active"); v != "" {
		active, err := strconv.ParseBool(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "active must be true or false")
			return
		}
		filter.Active = &active
	}
	limit, ok := parseLimit(w, q.Get("limit"), 0)
	if !ok {
		return
	}
	filter.Limit = limit

	cards, err := h.svc.Cards.List(r.Context(), filter)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	if cards == nil {
		cards = []domain.CardSummary{}
	}
	writeJSON(w, http.StatusOK, cards)
}

func (h *APIHandler) CardStatus(w http.ResponseWriter, r *http.Request) {
	card, err := h.svc.Cards.Get(r.Context(), r.PathValue("cardId"))
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, card)
}

func (h *APIHandler) RevokeCard(w http.ResponseWriter, r *http.Request) {
	card, err := h.svc.Cards.Revoke(r.Context(), r.PathValue("cardId"))
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cardResponse(*card))
}

func (h *APIHandler) ExtendCard(w http.ResponseWriter, r *http.Request) {
	extra, err := strconv.ParseInt(r.URL.Query().Get("extraSeconds"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "extraSeconds must be an integer")
		return
	}
	card, err := h.svc.Cards.Extend(r.Context(), r.PathValue("cardId"), extra)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cardResponse(*card))
}

func (h *APIHandler) RegisterReader(w http.ResponseWriter, r *http.Request) {
	var body RegisterReaderRequest
	if !h.decodeBody(w, r, &body) {
		return
	}
	reader, err := h.svc.Attestation.RegisterReader(r.Context(), body.ReaderID, body.Name, []byte(body.PublicKey))
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, reader)
}

func (h *APIHandler) ListReaders(w http.ResponseWriter, r *http.Request) {
	readers, err := h.svc.Attestation.ListReaders(r.Context())
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	if readers == nil {
		readers = []domain.Reader{}
	}
	writeJSON(w, http.StatusOK, readers)
}

// ListAuditEvents retrieves audit entries, newest first.
func (h *APIHandler) ListAuditEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := domain.AuditFilter{
		CardID:   q.Get("cardId"),
		ReaderID: q.Get("readerId"),
		Type:     domain.EventType(q.Get("type")),
	}
	if v := q.Get("success"); v != "" {
		success, err := strconv.ParseBool(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "success must be true or false")
			return
		}
		filter.Success = &success
	}
	limit, ok := parseLimit(w, q.Get("limit"), defaultAuditLimit)
	if !ok {
		return
	}
	filter.Limit = limit

	events, err := h.svc.Audit.ListAuditEvents(r.Context(), filter)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	if events == nil {
		events = []domain.AuditEvent{}
	}
	writeJSON(w, http.StatusOK, events)
}

// LastAccess returns the most recent verification event for a card.
func (h *APIHandler) LastAccess(w http.ResponseWriter, r *http.Request) {
	cardID := r.PathValue("cardId")
	events, err := h.svc.Audit.ListAuditEvents(r.Context(), domain.AuditFilter{CardID: cardID, Limit: 50})
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	for i := range events {
		if events[i].Type.Category() == domain.CategoryAuthorization {
			writeJSON(w, http.StatusOK, events[i])
			return
		}
	}
	writeError(w, http.StatusNotFound, "no access recorded for card")
}

func parseLimit(w http.ResponseWriter, raw string, fallback int) (int, bool) {
	if raw == "" {
		return fallback, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 || n > maxListLimit {
		writeError(w, http.StatusBadRequest, "limit must be between 1 and 1000")
		return 0, false
	}
	return n, true
}

func cardResponse(c domain.CardSummary) CardResponse {
	return CardResponse{
		Status:    StatusOK,
		CardID:    c.ID,
		Owner:     c.Owner,
		Role:      c.Role,
		Active:    c.Active,
		ExpiresAt: c.ExpiresAt,
	}
}

func (h *APIHandler) writeServiceError(w http.ResponseWriter, err error) {
	code := statusFor(err)
	msg := err.Error()
	switch code {
	case http.StatusInternalServerError:
		h.logger.Error("request failed", "error", err)
		msg = "internal server error"
	case http.StatusServiceUnavailable:
		h.logger.Warn("backend unavailable", "error", err)
		w.Header().Set("Retry-After", "1")
		msg = string(domain.ReasonOf(err))
	}
	writeError(w, code, msg)
}

// statusFor maps service errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrCardNotFound),
		errors.Is(err, domain.ErrUnknownReader),
		errors.Is(err, domain.ErrChallengeNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrInvalidTTL),
		errors.Is(err, domain.ErrInvalidRole),
		errors.Is(err, domain.ErrInvalidOwner),
		errors.Is(err, domain.ErrInvalidPublicKey),
		errors.Is(err, domain.ErrMalformedProof):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrCardInactive),
		errors.Is(err, domain.ErrCardExpired),
		errors.Is(err, domain.ErrCardExists),
		errors.Is(err, domain.ErrReaderExists):
		return http.StatusConflict
	case errors.Is(err, domain.ErrChallengeExpired):
		return http.StatusGone
	case errors.Is(err, domain.ErrSignatureInvalid),
		errors.Is(err, domain.ErrReaderNotAttested):
		return http.StatusUnauthorized
	case errors.Is(err, domain.ErrStoreUnavailable),
		errors.Is(err, domain.ErrTimeout),
		errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, ErrorResponse{Status: StatusFail, Error: msg})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("failed to encode response", "error", err)
	}
}
