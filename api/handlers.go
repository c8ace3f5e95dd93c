/*
handlers.go - HTTP API handlers for the star ledger

PURPOSE:
  Exposes the ledger coordinator and the household catalog via REST API.
  Handles HTTP request/response, JSON serialization, and delegates to
  ledger.Coordinator and catalog.Service.

ENDPOINTS:
  Accounts:
    POST   /api/accounts                  Open an account
    GET    /api/accounts/{id}             Account aggregate
    GET    /api/accounts/{id}/balance     Display balance
    GET    /api/accounts/{id}/events      History, keyset paginated
    POST   /api/accounts/{id}/award       Credit stars
    POST   /api/accounts/{id}/redeem      Debit stars
    GET    /api/accounts/{id}/reconcile   Cached balance vs event sum
    POST   /api/accounts/{id}/repair      Realign a drifted aggregate

  Catalog:
    GET    /api/children                  List children with balances
    POST   /api/children                  Create child (opens account)
    GET    /api/children/{id}/tasks       Tasks the child can complete
    GET    /api/children/{id}/rewards     Rewards the child can redeem
    POST   /api/children/{id}/tasks/{taskID}/complete
    POST   /api/children/{id}/rewards/{rewardID}/redeem
    POST   /api/tasks                     Create task
    POST   /api/rewards                   Create reward

  Reconciliation:
    GET    /api/reconciliation/runs       Recent scheduler runs
    POST   /api/reconciliation/run        Run a pass now

  Scenarios (scenarios.go):
    GET    /api/scenarios                 Demo households
    POST   /api/scenarios/load            Load one

REQUEST FLOW:
  1. Parse HTTP request
  2. Call the coordinator or catalog (all validation lives there)
  3. Serialize response
  4. Map errors to status codes

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Invalid amount, invalid catalog item, malformed body
  - 404: Account, child, task or reward not found
  - 409: Insufficient balance (with shortfall), account already exists,
         repair refused because the events sum negative
  - 503: Concurrency exhausted or storage unavailable (Retry-After set)
  - 500: Anything else

SECURITY NOTE:
  No authentication. The server is meant for a household LAN.

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/warp/star-ledger/catalog"
	"github.com/warp/star-ledger/ledger"
)

const maxPageSize = 500

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Ledger    *ledger.Coordinator
	Catalog   *catalog.Service
	Scheduler *ReconciliationScheduler
	PageSize  int

	// Health reports whether storage is reachable. Nil means always healthy.
	Health func(ctx context.Context) error
}

func NewHandler(coord *ledger.Coordinator, svc *catalog.Service) *Handler {
	return &Handler{
		Ledger:   coord,
		Catalog:  svc,
		PageSize: ledger.DefaultHistoryPageSize,
	}
}

// =============================================================================
// HEALTH
// =============================================================================

func (h *Handler) GetHealth(w http.ResponseWriter, r *http.Request) {
	if h.Health != nil {
		if err := h.Health(r.Context()); err != nil {
			writeError(w, http.StatusServiceUnavailable, "storage unavailable", err)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// ACCOUNT ENDPOINTS
// =============================================================================

// OpenAccount handles POST /api/accounts
func (h *Handler) OpenAccount(w http.ResponseWriter, r *http.Request) {
	var req OpenAccountRequest
	if !decodeBody(w, r, &req) {
		return
	}

	acct, err := h.Ledger.OpenAccount(r.Context(), ledger.AccountID(strings.TrimSpace(req.ID)))
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toAccountDTO(acct))
}

// GetAccount handles GET /api/accounts/{id}
func (h *Handler) GetAccount(w http.ResponseWriter, r *http.Request) {
	acct, err := h.Ledger.Account(r.Context(), accountParam(r))
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toAccountDTO(acct))
}

// GetBalance handles GET /api/accounts/{id}/balance
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	acct, err := h.Ledger.Account(r.Context(), accountParam(r))
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, BalanceDTO{
		AccountID: string(acct.ID),
		Balance:   acct.Balance,
		Version:   acct.Version,
	})
}

// GetEvents handles GET /api/accounts/{id}/events?limit=N&cursor=C
func (h *Handler) GetEvents(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := accountParam(r)

	limit := h.PageSize
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer", err)
			return
		}
		limit = min(n, maxPageSize)
	}
	after, err := decodeCursor(r.URL.Query().Get("cursor"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid cursor", err)
		return
	}

	events, err := h.Ledger.EventsPage(ctx, id, after, limit)
	if err != nil {
		writeLedgerError(w, err)
		return
	}

	resp := EventPageResponse{Events: toEventDTOs(events)}
	if len(events) == limit {
		resp.NextCursor = encodeCursor(ledger.PositionOf(events[len(events)-1]))
	}
	writeJSON(w, http.StatusOK, resp)
}

// Award handles POST /api/accounts/{id}/award
func (h *Handler) Award(w http.ResponseWriter, r *http.Request) {
	var req AwardRequest
	if !decodeBody(w, r, &req) {
		return
	}

	res, err := h.Ledger.Award(r.Context(), ledger.AwardRequest{
		AccountID: accountParam(r),
		Amount:    req.Amount,
		Reference: req.Reference,
	})
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toResultDTO(res))
}

// Redeem handles POST /api/accounts/{id}/redeem
func (h *Handler) Redeem(w http.ResponseWriter, r *http.Request) {
	var req RedeemRequest
	if !decodeBody(w, r, &req) {
		return
	}

	res, err := h.Ledger.Redeem(r.Context(), ledger.RedeemRequest{
		AccountID: accountParam(r),
		Cost:      req.Cost,
		Reference: req.Reference,
	})
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toResultDTO(res))
}

// Reconcile handles GET /api/accounts/{id}/reconcile
func (h *Handler) Reconcile(w http.ResponseWriter, r *http.Request) {
	report, err := h.Ledger.Reconcile(r.Context(), accountParam(r))
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toReportDTO(report))
}

// Repair handles POST /api/accounts/{id}/repair. The response is the
// report the repair acted on.
func (h *Handler) Repair(w http.ResponseWriter, r *http.Request) {
	report, err := h.Ledger.Repair(r.Context(), accountParam(r))
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toReportDTO(report))
}

// =============================================================================
// CATALOG ENDPOINTS
// =============================================================================

// ListChildren handles GET /api/children
func (h *Handler) ListChildren(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	children, err := h.Catalog.Children(ctx)
	if err != nil {
		writeLedgerError(w, err)
		return
	}

	result := make([]ChildDTO, 0, len(children))
	for _, c := range children {
		dto := ChildDTO{ID: c.ID, Name: c.Name, CreatedAt: c.CreatedAt}
		if balance, err := h.Ledger.Balance(ctx, c.AccountID()); err == nil {
			dto.Balance = &balance
		}
		result = append(result, dto)
	}
	writeJSON(w, http.StatusOK, result)
}

// CreateChild handles POST /api/children
func (h *Handler) CreateChild(w http.ResponseWriter, r *http.Request) {
	var req CreateChildRequest
	if !decodeBody(w, r, &req) {
		return
	}

	child, acct, err := h.Catalog.CreateChild(r.Context(), catalog.Child{ID: req.ID, Name: req.Name})
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, ChildDTO{
		ID:        child.ID,
		Name:      child.Name,
		Balance:   &acct.Balance,
		CreatedAt: child.CreatedAt,
	})
}

// CreateTask handles POST /api/tasks
func (h *Handler) CreateTask(w http.ResponseWriter, r *http.Request) {
	var req CreateTaskRequest
	if !decodeBody(w, r, &req) {
		return
	}

	repeat := true
	if req.Repeat != nil {
		repeat = *req.Repeat
	}
	task, err := h.Catalog.AddTask(r.Context(), catalog.Task{
		ChildID: req.ChildID,
		Title:   req.Title,
		Stars:   req.Stars,
		Repeat:  repeat,
	})
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toTaskDTO(task))
}

// ListTasks handles GET /api/children/{id}/tasks
func (h *Handler) ListTasks(w http.ResponseWriter, r *http.Request) {
	tasks, err := h.Catalog.Tasks(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	result := make([]TaskDTO, 0, len(tasks))
	for _, t := range tasks {
		result = append(result, toTaskDTO(t))
	}
	writeJSON(w, http.StatusOK, result)
}

// CompleteTask handles POST /api/children/{id}/tasks/{taskID}/complete
func (h *Handler) CompleteTask(w http.ResponseWriter, r *http.Request) {
	res, err := h.Catalog.CompleteTask(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "taskID"))
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toResultDTO(res))
}

// CreateReward handles POST /api/rewards
func (h *Handler) CreateReward(w http.ResponseWriter, r *http.Request) {
	var req CreateRewardRequest
	if !decodeBody(w, r, &req) {
		return
	}

	reward, err := h.Catalog.AddReward(r.Context(), catalog.Reward{
		ChildID: req.ChildID,
		Title:   req.Title,
		Cost:    req.Cost,
		Repeat:  req.Repeat,
	})
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toRewardDTO(reward))
}

// ListRewards handles GET /api/children/{id}/rewards
func (h *Handler) ListRewards(w http.ResponseWriter, r *http.Request) {
	rewards, err := h.Catalog.Rewards(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	result := make([]RewardDTO, 0, len(rewards))
	for _, rw := range rewards {
		result = append(result, toRewardDTO(rw))
	}
	writeJSON(w, http.StatusOK, result)
}

// RedeemReward handles POST /api/children/{id}/rewards/{rewardID}/redeem
func (h *Handler) RedeemReward(w http.ResponseWriter, r *http.Request) {
	res, err := h.Catalog.RedeemReward(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "rewardID"))
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toResultDTO(res))
}

// =============================================================================
// RECONCILIATION ENDPOINTS
// =============================================================================

// ListReconciliationRuns handles GET /api/reconciliation/runs
func (h *Handler) ListReconciliationRuns(w http.ResponseWriter, r *http.Request) {
	if h.Scheduler == nil {
		writeJSON(w, http.StatusOK, []ReconciliationRun{})
		return
	}
	writeJSON(w, http.StatusOK, h.Scheduler.Runs())
}

// TriggerReconciliation handles POST /api/reconciliation/run
func (h *Handler) TriggerReconciliation(w http.ResponseWriter, r *http.Request) {
	if h.Scheduler == nil {
		writeError(w, http.StatusServiceUnavailable, "reconciliation scheduler not configured", nil)
		return
	}
	run := h.Scheduler.RunOnce(r.Context())
	writeJSON(w, http.StatusOK, run)
}

// =============================================================================
// HELPERS
// =============================================================================

func accountParam(r *http.Request) ledger.AccountID {
	return ledger.AccountID(chi.URLParam(r, "id"))
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// writeLedgerError maps ledger and catalog errors to HTTP statuses.
func writeLedgerError(w http.ResponseWriter, err error) {
	var insufficient *ledger.InsufficientBalanceError
	switch {
	case errors.As(err, &insufficient):
		writeJSON(w, http.StatusConflict, ErrorResponse{
			Error:   "insufficient balance",
			Details: err.Error(),
			Shortfall: &ShortfallDTO{
				Available: insufficient.Available,
				Requested: insufficient.Requested,
				Missing:   insufficient.Shortfall,
			},
		})
	case ledger.IsNotFound(err), catalog.IsNotFound(err):
		writeError(w, http.StatusNotFound, "not found", err)
	case errors.Is(err, ledger.ErrAccountExists):
		writeError(w, http.StatusConflict, "account already exists", err)
	case errors.Is(err, ledger.ErrNegativeBalance):
		writeError(w, http.StatusConflict, "refused: events sum negative", err)
	case errors.Is(err, ledger.ErrInvalidAmount),
		errors.Is(err, catalog.ErrInvalid),
		errors.Is(err, catalog.ErrNotOwned):
		writeError(w, http.StatusBadRequest, "invalid request", err)
	case ledger.IsRetryable(err),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusServiceUnavailable, "temporarily unavailable, retry", err)
	default:
		writeError(w, http.StatusInternalServerError, "internal error", err)
	}
}

// Cursors are opaque to clients: base64url("<RFC3339Nano>|<eventID>").
func encodeCursor(p ledger.Position) string {
	raw := p.OccurredAt.UTC().Format(time.RFC3339Nano) + "|" + string(p.EventID)
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

func decodeCursor(s string) (ledger.Position, error) {
	if s == "" {
		return ledger.Position{}, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return ledger.Position{}, err
	}
	at, id, ok := strings.Cut(string(raw), "|")
	if !ok || id == "" {
		return ledger.Position{}, fmt.Errorf("malformed cursor %q", s)
	}
	t, err := time.Parse(time.RFC3339Nano, at)
	if err != nil {
		return ledger.Position{}, err
	}
	return ledger.Position{OccurredAt: t, EventID: ledger.EventID(id)}, nil
}
