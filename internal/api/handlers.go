package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/abkawan/atomic-ledger/internal/models"
	"github.com/abkawan/atomic-ledger/internal/service"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Handler is for handling api requests
type Handler struct {
	accountService     *service.AccountService
	transactionService *service.TransactionService
	log                *zap.Logger
}

func NewHandler(accountService *service.AccountService, transactionService *service.TransactionService, log *zap.Logger) *Handler {
	return &Handler{
		accountService:     accountService,
		transactionService: transactionService,
		log:                log,
	}
}

type errorResponse struct {
	Status           string           `json:"status"`
	Error            string           `json:"error"`
	Retryable        bool             `json:"retryable"`
	AvailableBalance *decimal.Decimal `json:"availableBalance,omitempty"`
}

// respondJSON sends a JSON response
func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// for error response
func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, errorResponse{Status: "fail", Error: message})
}

// respondLedgerError maps a typed ledger error to its HTTP response. Storage
// failures are logged and reported without detail.
func (h *Handler) respondLedgerError(w http.ResponseWriter, r *http.Request, err error) {
	var ledgerErr *models.Error
	if !errors.As(err, &ledgerErr) {
		ledgerErr = &models.Error{Code: models.CodeStorageFailure, Err: err}
	}

	resp := errorResponse{
		Status:    "fail",
		Error:     ledgerErr.Message,
		Retryable: ledgerErr.Code.Retryable(),
	}
	var status int
	switch ledgerErr.Code {
	case models.CodeValidation:
		status = http.StatusBadRequest
	case models.CodeInsufficientFunds:
		status = http.StatusBadRequest
		resp.AvailableBalance = ledgerErr.Available
	case models.CodeNotFound:
		status = http.StatusNotFound
	case models.CodeUnassignedAccount, models.CodeForbidden:
		status = http.StatusForbidden
	case models.CodeOperationConflict:
		status = http.StatusConflict
		resp.Error = "operation conflicted with another request, please retry"
	case models.CodeDuplicateAccountNumber:
		status = http.StatusConflict
		resp.Error = "could not allocate an account number, please retry"
	default:
		h.log.Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
		status = http.StatusInternalServerError
		resp.Status = "error"
		resp.Error = "internal server error"
	}
	if resp.Error == "" {
		resp.Error = ledgerErr.Code.String()
	}
	respondJSON(w, status, resp)
}

func decode(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func pathID(r *http.Request, name string) (uuid.UUID, error) {
	id, err := uuid.Parse(mux.Vars(r)[name])
	if err != nil {
		return uuid.Nil, models.Validation("malformed account id")
	}
	return id, nil
}

func initiator(r *http.Request) models.Initiator {
	return models.Initiator{
		UserID:   UserFromContext(r.Context()),
		Metadata: requestMetadata(r),
	}
}

// account creation
func (h *Handler) CreateAccount(w http.ResponseWriter, r *http.Request) {
	// the body is optional
	var req models.OpenAccountRequest
	if err := decode(r, &req); err != nil && !errors.Is(err, io.EOF) {
		respondError(w, http.StatusBadRequest, "invalid request payload")
		return
	}

	account, err := h.accountService.Open(r.Context(), UserFromContext(r.Context()), req.Type)
	if err != nil {
		h.respondLedgerError(w, r, err)
		return
	}

	respondJSON(w, http.StatusCreated, account.Summary())
}

// handles account retrieval
func (h *Handler) GetAccount(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		h.respondLedgerError(w, r, err)
		return
	}

	if _, err := h.accountService.Authorize(r.Context(), UserFromContext(r.Context()), id); err != nil {
		h.respondLedgerError(w, r, err)
		return
	}
	summary, err := h.accountService.GetAccountSummary(r.Context(), id)
	if err != nil {
		h.respondLedgerError(w, r, err)
		return
	}

	respondJSON(w, http.StatusOK, summary)
}

// handles transfers between accounts
func (h *Handler) Transfer(w http.ResponseWriter, r *http.Request) {
	var req models.TransferRequest
	if err := decode(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request payload")
		return
	}

	result, err := h.transactionService.Transfer(r.Context(), initiator(r), &req)
	if err != nil {
		h.respondLedgerError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, result)
}

// handles deposits of external funds
func (h *Handler) Deposit(w http.ResponseWriter, r *http.Request) {
	var req models.DepositRequest
	if err := decode(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request payload")
		return
	}

	result, err := h.transactionService.Deposit(r.Context(), initiator(r), &req)
	if err != nil {
		h.respondLedgerError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, result)
}

// handles withdrawals
func (h *Handler) Withdraw(w http.ResponseWriter, r *http.Request) {
	var req models.WithdrawalRequest
	if err := decode(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request payload")
		return
	}

	result, err := h.transactionService.Withdraw(r.Context(), initiator(r), &req)
	if err != nil {
		h.respondLedgerError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, result)
}

// GetTransaction handles transaction retrieval
func (h *Handler) GetTransaction(w http.ResponseWriter, r *http.Request) {
	ref := mux.Vars(r)["ref"]

	tx, err := h.transactionService.GetTransaction(r.Context(), UserFromContext(r.Context()), ref)
	if err != nil {
		h.respondLedgerError(w, r, err)
		return
	}

	respondJSON(w, http.StatusOK, tx)
}

// GetTransactions handles transaction history of an account
func (h *Handler) GetTransactions(w http.ResponseWriter, r *http.Request) {
	accountID, err := pathID(r, "id")
	if err != nil {
		h.respondLedgerError(w, r, err)
		return
	}
	if _, err := h.accountService.Authorize(r.Context(), UserFromContext(r.Context()), accountID); err != nil {
		h.respondLedgerError(w, r, err)
		return
	}

	// Parsing the query parameters, bad values fall back to defaults
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	result, err := h.transactionService.ListTransactionsForAccount(r.Context(), accountID, page, limit)
	if err != nil {
		h.respondLedgerError(w, r, err)
		return
	}

	respondJSON(w, http.StatusOK, result)
}

// Dashboard returns the caller's accounts, total balance and latest movements
func (h *Handler) Dashboard(w http.ResponseWriter, r *http.Request) {
	dash, err := h.transactionService.Dashboard(r.Context(), UserFromContext(r.Context()))
	if err != nil {
		h.respondLedgerError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, dash)
}

// ListTransactions handles the caller's own history, optionally filtered by
// type and account
func (h *Handler) ListTransactions(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	var q service.HistoryQuery

	if v := query.Get("type"); v != "" {
		t, err := models.ParseTransactionType(v)
		if err != nil {
			h.respondLedgerError(w, r, err)
			return
		}
		q.Type = &t
	}
	if v := query.Get("account_id"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			h.respondLedgerError(w, r, models.Validation("malformed account id"))
			return
		}
		q.AccountID = &id
	}
	q.Page, _ = strconv.Atoi(query.Get("page"))
	q.Limit, _ = strconv.Atoi(query.Get("limit"))

	result, err := h.transactionService.ListTransactionsForUser(r.Context(), UserFromContext(r.Context()), q)
	if err != nil {
		h.respondLedgerError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, result)
}

// handles health check
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Routes groups what SetupRoutes needs
type Routes struct {
	Accounts     *service.AccountService
	Transactions *service.TransactionService
	Auth         *Authenticator
	// Cache may be nil, then Idempotency-Key headers are ignored
	Cache   ResponseCache
	Metrics http.Handler
	Log     *zap.Logger
}

// sets up the API routes
func SetupRoutes(r *mux.Router, cfg Routes) {
	h := NewHandler(cfg.Accounts, cfg.Transactions, cfg.Log)

	// Health check (check if API is working)
	r.HandleFunc("/health", h.HealthCheck).Methods("GET")
	if cfg.Metrics != nil {
		r.Handle("/metrics", cfg.Metrics).Methods("GET")
	}

	protected := r.NewRoute().Subrouter()
	protected.Use(cfg.Auth.Protect)

	// Account routes
	protected.HandleFunc("/accounts", h.CreateAccount).Methods("POST")
	protected.HandleFunc("/accounts/{id}", h.GetAccount).Methods("GET")
	protected.HandleFunc("/accounts/{id}/transactions", h.GetTransactions).Methods("GET")
	protected.HandleFunc("/dashboard", h.Dashboard).Methods("GET")

	// Transaction routes
	idem := Idempotent(cfg.Cache, cfg.Log)
	protected.Handle("/transfers", idem(http.HandlerFunc(h.Transfer))).Methods("POST")
	protected.Handle("/deposits", idem(http.HandlerFunc(h.Deposit))).Methods("POST")
	protected.Handle("/withdrawals", idem(http.HandlerFunc(h.Withdraw))).Methods("POST")
	protected.HandleFunc("/transactions", h.ListTransactions).Methods("GET")
	protected.HandleFunc("/transactions/{ref}", h.GetTransaction).Methods("GET")
}
