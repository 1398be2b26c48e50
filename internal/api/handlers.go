package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/finbase/ledgercore/internal/domain"
	"github.com/finbase/ledgercore/internal/service"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_http_requests_total",
		Help: "Total HTTP requests processed, labeled by status code",
	}, []string{"method", "endpoint", "status"})

	httpRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ledger_http_request_duration_seconds",
		Help:    "Latency distribution of HTTP requests",
		Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
	}, []string{"method", "endpoint"})
)

type Handler struct {
	accounts  *service.AccountManager
	processor *service.Processor
	validate  *validator.Validate
	log       zerolog.Logger
}

func NewHandler(accounts *service.AccountManager, processor *service.Processor, log zerolog.Logger) *Handler {
	return &Handler{
		accounts:  accounts,
		processor: processor,
		validate:  validator.New(),
		log:       log,
	}
}

// Register wires the handler's routes onto the router.
func (h *Handler) Register(r *mux.Router) {
	r.HandleFunc("/health", h.Health).Methods(http.MethodGet)

	apiV1 := r.PathPrefix("/api/v1").Subrouter()
	apiV1.HandleFunc("/accounts", h.CreateAccount).Methods(http.MethodPost)
	apiV1.HandleFunc("/accounts/{id}", h.GetAccount).Methods(http.MethodGet)
	apiV1.HandleFunc("/accounts/{id}/entries", h.ListEntries).Methods(http.MethodGet)
	apiV1.HandleFunc("/accounts/{id}/status", h.SetAccountStatus).Methods(http.MethodPut)
	apiV1.HandleFunc("/transactions", h.SubmitTransaction).Methods(http.MethodPost)
	apiV1.HandleFunc("/transactions/{id}", h.GetTransaction).Methods(http.MethodGet)
}

type createAccountRequest struct {
	Name     string `json:"name" validate:"required,max=128"`
	Currency string `json:"currency" validate:"required,len=3,alpha,uppercase"`
}

type setStatusRequest struct {
	Status string `json:"status" validate:"required,oneof=ACTIVE FROZEN CLOSED"`
}

type transactionRequest struct {
	Kind           string          `json:"kind" validate:"required,oneof=DEPOSIT WITHDRAWAL TRANSFER"`
	Amount         decimal.Decimal `json:"amount"`
	Currency       string          `json:"currency" validate:"required,len=3,alpha,uppercase"`
	SourceID       *uuid.UUID      `json:"source_account_id"`
	DestinationID  *uuid.UUID      `json:"destination_account_id"`
	IdempotencyKey string          `json:"idempotency_key"`
	Description    string          `json:"description" validate:"max=255"`
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	h.respondJSON(w, r, "/health", http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) CreateAccount(w http.ResponseWriter, r *http.Request) {
	var req createAccountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, r, "/accounts", http.StatusBadRequest, "Malformed JSON body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		h.respondError(w, r, "/accounts", http.StatusBadRequest, err.Error())
		return
	}

	acct, err := h.accounts.CreateAccount(r.Context(), req.Name, req.Currency)
	if err != nil {
		h.respondDomainError(w, r, "/accounts", err)
		return
	}
	h.respondJSON(w, r, "/accounts", http.StatusCreated, acct)
}

func (h *Handler) GetAccount(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		h.respondError(w, r, "/accounts/{id}", http.StatusBadRequest, "Invalid account id")
		return
	}

	acct, err := h.accounts.GetAccount(r.Context(), id)
	if err != nil {
		h.respondDomainError(w, r, "/accounts/{id}", err)
		return
	}
	h.respondJSON(w, r, "/accounts/{id}", http.StatusOK, acct)
}

func (h *Handler) ListEntries(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		h.respondError(w, r, "/accounts/{id}/entries", http.StatusBadRequest, "Invalid account id")
		return
	}

	entries, err := h.accounts.ListEntries(r.Context(), id)
	if err != nil {
		h.respondDomainError(w, r, "/accounts/{id}/entries", err)
		return
	}
	if entries == nil {
		entries = []domain.Entry{}
	}
	h.respondJSON(w, r, "/accounts/{id}/entries", http.StatusOK, entries)
}

func (h *Handler) SetAccountStatus(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		h.respondError(w, r, "/accounts/{id}/status", http.StatusBadRequest, "Invalid account id")
		return
	}
	var req setStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, r, "/accounts/{id}/status", http.StatusBadRequest, "Malformed JSON body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		h.respondError(w, r, "/accounts/{id}/status", http.StatusBadRequest, err.Error())
		return
	}

	if err := h.accounts.SetStatus(r.Context(), id, domain.AccountStatus(req.Status)); err != nil {
		h.respondDomainError(w, r, "/accounts/{id}/status", err)
		return
	}
	h.respondJSON(w, r, "/accounts/{id}/status", http.StatusOK, map[string]string{"status": req.Status})
}

func (h *Handler) SubmitTransaction(w http.ResponseWriter, r *http.Request) {
	timer := prometheus.NewTimer(httpRequestDuration.WithLabelValues(r.Method, "/transactions"))
	defer timer.ObserveDuration()

	var req transactionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, r, "/transactions", http.StatusBadRequest, "Malformed JSON body")
		return
	}
	if key := r.Header.Get("Idempotency-Key"); key != "" {
		req.IdempotencyKey = key
	}
	if req.IdempotencyKey == "" {
		h.respondError(w, r, "/transactions", http.StatusBadRequest, "Missing Idempotency-Key header")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		h.respondError(w, r, "/transactions", http.StatusBadRequest, err.Error())
		return
	}

	outcome, err := h.processor.Submit(r.Context(), service.Request{
		Kind:           domain.TransactionKind(req.Kind),
		Amount:         req.Amount,
		Currency:       req.Currency,
		SourceID:       req.SourceID,
		DestinationID:  req.DestinationID,
		IdempotencyKey: req.IdempotencyKey,
		Description:    req.Description,
	})
	if err != nil {
		code := statusForError(err)
		if outcome != nil {
			// Rejections carry the terminal transaction so the client can
			// see the recorded outcome alongside the error status.
			h.respondJSON(w, r, "/transactions", code, outcome)
			return
		}
		h.respondError(w, r, "/transactions", code, err.Error())
		return
	}

	code := http.StatusCreated
	if outcome.Replayed {
		code = http.StatusOK
	} else {
		w.Header().Set("Location", fmt.Sprintf("/api/v1/transactions/%s", outcome.Transaction.ID))
	}
	h.respondJSON(w, r, "/transactions", code, outcome)
}

func (h *Handler) GetTransaction(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		h.respondError(w, r, "/transactions/{id}", http.StatusBadRequest, "Invalid transaction id")
		return
	}

	txn, entries, err := h.accounts.GetTransaction(r.Context(), id)
	if err != nil {
		h.respondDomainError(w, r, "/transactions/{id}", err)
		return
	}
	h.respondJSON(w, r, "/transactions/{id}", http.StatusOK, domain.Outcome{Transaction: *txn, Entries: entries})
}

func statusForError(err error) int {
	switch {
	case errors.Is(err, domain.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, domain.ErrValidation),
		errors.Is(err, domain.ErrCurrencyMismatch),
		errors.Is(err, domain.ErrInsufficientFunds),
		errors.Is(err, domain.ErrKeyReuseMismatch):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) respondDomainError(w http.ResponseWriter, r *http.Request, endpoint string, err error) {
	code := statusForError(err)
	if code == http.StatusInternalServerError {
		h.log.Error().Err(err).Str("endpoint", endpoint).Msg("request failed")
		h.respondError(w, r, endpoint, code, "Internal Server Error")
		return
	}
	h.respondError(w, r, endpoint, code, err.Error())
}

func (h *Handler) respondError(w http.ResponseWriter, r *http.Request, endpoint string, code int, message string) {
	h.respondJSON(w, r, endpoint, code, map[string]string{"error": message})
}

func (h *Handler) respondJSON(w http.ResponseWriter, r *http.Request, endpoint string, code int, payload interface{}) {
	httpRequestsTotal.WithLabelValues(r.Method, endpoint, strconv.Itoa(code)).Inc()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if payload != nil {
		json.NewEncoder(w).Encode(payload)
	}
}
