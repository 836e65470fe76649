// Package api exposes the award engine over HTTP.
package api

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"github.com/shopspring/decimal"

	"github.com/opensource-finance/kestrel/internal/award"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/ledger"
	"github.com/opensource-finance/kestrel/internal/logger"
	"github.com/opensource-finance/kestrel/internal/rules"
)

// Deps are the services the HTTP layer drives. Repo, Cache and Bus are only
// used for health checks and may be nil.
type Deps struct {
	Awards  *award.Orchestrator
	Catalog *rules.Catalog
	Ledger  *ledger.Service
	Repo    domain.Repository
	Cache   domain.Cache
	Bus     domain.EventBus
	Version string

	// Async enables ?async=true finalization through the bus worker.
	Async  bool
	Logger *slog.Logger
}

// Handler holds dependencies for API handlers.
type Handler struct {
	awards  *award.Orchestrator
	catalog *rules.Catalog
	ledger  *ledger.Service
	repo    domain.Repository
	cache   domain.Cache
	bus     domain.EventBus
	version string
	async   bool
	logger  *slog.Logger
}

// NewHandler creates a new API handler.
func NewHandler(deps Deps) *Handler {
	log := deps.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Handler{
		awards:  deps.Awards,
		catalog: deps.Catalog,
		ledger:  deps.Ledger,
		repo:    deps.Repo,
		cache:   deps.Cache,
		bus:     deps.Bus,
		version: deps.Version,
		async:   deps.Async,
		logger:  log,
	}
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Health reports the state of each backend. It always answers 200.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	status := "healthy"
	checks := map[string]string{}

	check := func(name string, ping func() error) {
		if err := ping(); err != nil {
			checks[name] = err.Error()
			status = "degraded"
			return
		}
		checks[name] = "ok"
	}
	if h.repo != nil {
		check("database", func() error { return h.repo.Ping(ctx) })
	}
	if h.cache != nil {
		check("cache", func() error { return h.cache.Ping(ctx) })
	}
	if h.bus != nil {
		check("bus", func() error { return h.bus.Ping(ctx) })
	}

	render.JSON(w, r, map[string]any{
		"status":  status,
		"version": h.version,
		"checks":  checks,
	})
}

// Ready answers 503 until the database is reachable.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	if h.repo != nil {
		if err := h.repo.Ping(r.Context()); err != nil {
			render.Status(r, http.StatusServiceUnavailable)
			render.JSON(w, r, map[string]any{"ready": false})
			return
		}
	}
	render.JSON(w, r, map[string]any{"ready": true})
}

// CalculatePoints previews the points of a purchase without side effects.
func (h *Handler) CalculatePoints(w http.ResponseWriter, r *http.Request) {
	var tc domain.TransactionContext
	if !decode(w, r, &tc) {
		return
	}

	breakdown, err := h.awards.Calculate(r.Context(), &tc)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	render.JSON(w, r, breakdown)
}

// ApplicableRules lists the rules a purchase would be scored against.
func (h *Handler) ApplicableRules(w http.ResponseWriter, r *http.Request) {
	var tc domain.TransactionContext
	if !decode(w, r, &tc) {
		return
	}

	applicable, err := h.awards.ApplicableRules(r.Context(), &tc)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	render.JSON(w, r, map[string]any{
		"rules": applicable,
		"count": len(applicable),
	})
}

// RuleRequest is the body of rule create and update requests.
// Active defaults to true.
type RuleRequest struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Type        domain.RuleType `json:"type"`
	Parameters  domain.Values   `json:"parameters,omitempty"`
	Conditions  domain.Values   `json:"conditions,omitempty"`
	Priority    int             `json:"priority"`
	Scope       domain.Scope    `json:"scope"`
	Active      *bool           `json:"active,omitempty"`
}

func (req *RuleRequest) rule(id string) *domain.Rule {
	active := true
	if req.Active != nil {
		active = *req.Active
	}
	return &domain.Rule{
		ID:          id,
		Name:        req.Name,
		Description: req.Description,
		Type:        req.Type,
		Parameters:  req.Parameters,
		Conditions:  req.Conditions,
		Priority:    req.Priority,
		Scope:       req.Scope,
		Active:      active,
	}
}

// ListRules handles GET /rules?scope=merchant&id=m-1.
func (h *Handler) ListRules(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	kind := q.Get("scope")
	if kind == "" {
		kind = string(domain.ScopeGlobal)
	}
	scope, err := domain.ParseScope(kind, q.Get("id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}

	list, err := h.catalog.List(r.Context(), scope)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	render.JSON(w, r, map[string]any{
		"scope": scope,
		"rules": list,
		"count": len(list),
	})
}

// GetRule returns one rule, active or not.
func (h *Handler) GetRule(w http.ResponseWriter, r *http.Request) {
	rule, err := h.catalog.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	render.JSON(w, r, rule)
}

// CreateRule validates and stores a new rule.
func (h *Handler) CreateRule(w http.ResponseWriter, r *http.Request) {
	var req RuleRequest
	if !decode(w, r, &req) {
		return
	}

	rule := req.rule("")
	if err := h.catalog.Save(r.Context(), rule); err != nil {
		h.fail(w, r, err)
		return
	}
	render.Status(r, http.StatusCreated)
	render.JSON(w, r, rule)
}

// UpdateRule replaces an existing rule.
func (h *Handler) UpdateRule(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")

	var req RuleRequest
	if !decode(w, r, &req) {
		return
	}
	if _, err := h.catalog.Get(ctx, id); err != nil {
		h.fail(w, r, err)
		return
	}

	rule := req.rule(id)
	if err := h.catalog.Save(ctx, rule); err != nil {
		h.fail(w, r, err)
		return
	}
	render.JSON(w, r, rule)
}

// DeactivateRule soft-deletes a rule.
func (h *Handler) DeactivateRule(w http.ResponseWriter, r *http.Request) {
	if err := h.catalog.Deactivate(r.Context(), chi.URLParam(r, "id")); err != nil {
		h.fail(w, r, err)
		return
	}
	render.NoContent(w, r)
}

// TransactionRequest is the body of POST /transactions.
type TransactionRequest struct {
	ID         string            `json:"id,omitempty"`
	MerchantID string            `json:"merchantId"`
	CustomerID string            `json:"customerId,omitempty"`
	Amount     decimal.Decimal   `json:"amount"`
	Items      []domain.LineItem `json:"items"`
	Timestamp  time.Time         `json:"timestamp,omitempty"`
}

// RecordTransaction stores a purchase awaiting finalization.
func (h *Handler) RecordTransaction(w http.ResponseWriter, r *http.Request) {
	var req TransactionRequest
	if !decode(w, r, &req) {
		return
	}

	tx, err := h.awards.Record(r.Context(), &domain.Transaction{
		ID:         req.ID,
		MerchantID: req.MerchantID,
		CustomerID: req.CustomerID,
		Amount:     req.Amount,
		Items:      req.Items,
		Timestamp:  req.Timestamp,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	render.Status(r, http.StatusCreated)
	render.JSON(w, r, tx)
}

// GetTransaction retrieves a transaction by ID.
func (h *Handler) GetTransaction(w http.ResponseWriter, r *http.Request) {
	tx, err := h.awards.Transaction(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	render.JSON(w, r, tx)
}

// FinalizeTransaction awards the points of a recorded transaction. With
// ?async=true the work is handed to the bus worker and 202 is returned.
func (h *Handler) FinalizeTransaction(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")

	if async, _ := strconv.ParseBool(r.URL.Query().Get("async")); async {
		if !h.async {
			render.Status(r, http.StatusBadRequest)
			render.JSON(w, r, ErrorResponse{Code: "ERR_ASYNC_DISABLED", Message: "asynchronous finalization is not enabled"})
			return
		}
		if err := h.awards.Submit(ctx, id); err != nil {
			h.fail(w, r, err)
			return
		}
		render.Status(r, http.StatusAccepted)
		render.JSON(w, r, map[string]string{
			"transactionId": id,
			"status":        "submitted",
		})
		return
	}

	result, err := h.awards.Finalize(ctx, id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	render.JSON(w, r, result)
}

// RecalculateRequest is the body of PUT /transactions/{id}.
type RecalculateRequest struct {
	Amount decimal.Decimal   `json:"amount"`
	Items  []domain.LineItem `json:"items"`
}

// RecalculateTransaction re-scores a finalized transaction after an edit.
func (h *Handler) RecalculateTransaction(w http.ResponseWriter, r *http.Request) {
	var req RecalculateRequest
	if !decode(w, r, &req) {
		return
	}

	result, err := h.awards.Recalculate(r.Context(), chi.URLParam(r, "id"), req.Amount, req.Items)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	render.JSON(w, r, result)
}

// BalanceResponse is the body of GET /ledger/{customerId}/{merchantId}.
type BalanceResponse struct {
	*domain.LedgerEntry
	Movements []*domain.Movement `json:"movements,omitempty"`
}

// GetBalance returns a ledger entry. ?movements=N adds the N latest movements.
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	customerID := chi.URLParam(r, "customerId")
	merchantID := chi.URLParam(r, "merchantId")

	entry, err := h.ledger.Entry(ctx, customerID, merchantID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	resp := BalanceResponse{LedgerEntry: entry}

	if raw := r.URL.Query().Get("movements"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			render.Status(r, http.StatusBadRequest)
			render.JSON(w, r, ErrorResponse{Code: "ERR_INVALID_QUERY_PARAM", Message: "movements must be a non-negative integer"})
			return
		}
		resp.Movements, err = h.ledger.Movements(ctx, customerID, merchantID, limit)
		if err != nil {
			h.fail(w, r, err)
			return
		}
	}
	render.JSON(w, r, resp)
}

// SpendRequest is the body of a redemption.
type SpendRequest struct {
	Points    int64  `json:"points"`
	Reason    string `json:"reason,omitempty"`
	Reference string `json:"reference,omitempty"`
}

// SpendPoints debits a balance. An uncovered spend answers 409.
func (h *Handler) SpendPoints(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	customerID := chi.URLParam(r, "customerId")
	merchantID := chi.URLParam(r, "merchantId")

	var req SpendRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Reason == "" {
		req.Reason = domain.ReasonRedemption
	}

	ok, err := h.ledger.Spend(ctx, customerID, merchantID, req.Points, req.Reason, req.Reference)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if !ok {
		h.fail(w, r, domain.ErrInsufficientPoints)
		return
	}

	balance, err := h.ledger.Balance(ctx, customerID, merchantID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	render.JSON(w, r, map[string]any{
		"spent":   req.Points,
		"balance": balance,
	})
}

// TransferRequest is the body of a transfer between two merchants.
type TransferRequest struct {
	FromMerchantID string `json:"fromMerchantId"`
	ToMerchantID   string `json:"toMerchantId"`
	Points         int64  `json:"points"`
}

// TransferPoints moves points between two merchants of one customer.
func (h *Handler) TransferPoints(w http.ResponseWriter, r *http.Request) {
	customerID := chi.URLParam(r, "customerId")

	var req TransferRequest
	if !decode(w, r, &req) {
		return
	}

	ok, err := h.ledger.Transfer(r.Context(), customerID, req.FromMerchantID, req.ToMerchantID, req.Points)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if !ok {
		h.fail(w, r, domain.ErrInsufficientPoints)
		return
	}
	render.JSON(w, r, map[string]any{
		"customerId":     customerID,
		"fromMerchantId": req.FromMerchantID,
		"toMerchantId":   req.ToMerchantID,
		"transferred":    req.Points,
	})
}

// decode reads a JSON body, answering 400 itself when it cannot.
func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := render.DecodeJSON(r.Body, v); err != nil {
		logger.FromContext(r.Context()).Warn("invalid json payload", "error", err)
		render.Status(r, http.StatusBadRequest)
		render.JSON(w, r, ErrorResponse{Code: "ERR_INVALID_JSON", Message: "invalid JSON payload: " + err.Error()})
		return false
	}
	return true
}

// fail maps a domain error to its HTTP status.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, code := http.StatusInternalServerError, "ERR_INTERNAL"
	switch {
	case errors.Is(err, domain.ErrReservedRuleType):
		status, code = http.StatusBadRequest, "ERR_RESERVED_RULE_TYPE"
	case errors.Is(err, domain.ErrInvalidRule):
		status, code = http.StatusBadRequest, "ERR_INVALID_RULE"
	case errors.Is(err, domain.ErrInvalidInput):
		status, code = http.StatusBadRequest, "ERR_INVALID_INPUT"
	case errors.Is(err, domain.ErrNotFound):
		status, code = http.StatusNotFound, "ERR_NOT_FOUND"
	case errors.Is(err, domain.ErrAlreadyFinalized):
		status, code = http.StatusConflict, "ERR_ALREADY_FINALIZED"
	case errors.Is(err, domain.ErrNotFinalized):
		status, code = http.StatusConflict, "ERR_NOT_FINALIZED"
	case errors.Is(err, domain.ErrConflict), errors.Is(err, domain.ErrFirstPurchaseTaken):
		status, code = http.StatusConflict, "ERR_CONFLICT"
	case errors.Is(err, domain.ErrInsufficientPoints):
		status, code = http.StatusConflict, "ERR_INSUFFICIENT_POINTS"
	case errors.Is(err, domain.ErrTransient):
		status, code = http.StatusServiceUnavailable, "ERR_BUSY"
	}

	message := err.Error()
	if status == http.StatusInternalServerError {
		logger.FromContext(r.Context()).Error("request failed", "path", r.URL.Path, "error", err)
		message = "internal server error"
	}

	render.Status(r, status)
	render.JSON(w, r, ErrorResponse{Code: code, Message: message})
}
