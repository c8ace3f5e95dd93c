/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the ledger and catalog types from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - *Response: Complex response wrappers

TYPES:
  Ledger:
    AccountDTO, BalanceDTO, EventDTO, ResultDTO, ReportDTO, EventPageResponse
    OpenAccountRequest, AwardRequest, RedeemRequest

  Catalog:
    ChildDTO, TaskDTO, RewardDTO
    CreateChildRequest, CreateTaskRequest, CreateRewardRequest

  Errors:
    ErrorResponse, ShortfallDTO

VALIDATION:
  Validation is done by the ledger and catalog, not in DTOs. Handlers only
  reject bodies that fail to decode.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"time"

	"github.com/warp/star-ledger/catalog"
	"github.com/warp/star-ledger/ledger"
)

// =============================================================================
// LEDGER TYPES
// =============================================================================

type AccountDTO struct {
	ID        string    `json:"id"`
	Balance   int64     `json:"balance"`
	Version   int64     `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// BalanceDTO is for display. Version lets a client notice it is stale.
type BalanceDTO struct {
	AccountID string `json:"account_id"`
	Balance   int64  `json:"balance"`
	Version   int64  `json:"version"`
}

type EventDTO struct {
	ID         string    `json:"id"`
	AccountID  string    `json:"account_id"`
	Kind       string    `json:"kind"`
	Delta      int64     `json:"delta"`
	Reference  string    `json:"reference,omitempty"`
	Version    int64     `json:"version"`
	OccurredAt time.Time `json:"occurred_at"`
}

// EventPageResponse is one keyset page of history. NextCursor is set
// whenever the page is full, so a history that ends exactly on a page
// boundary is followed by one empty page with no NextCursor.
type EventPageResponse struct {
	Events     []EventDTO `json:"events"`
	NextCursor string     `json:"next_cursor,omitempty"`
}

type ResultDTO struct {
	AccountID  string   `json:"account_id"`
	NewBalance int64    `json:"new_balance"`
	Version    int64    `json:"version"`
	Attempts   int      `json:"attempts"`
	Event      EventDTO `json:"event"`
}

type ReportDTO struct {
	AccountID     string `json:"account_id"`
	CachedBalance int64  `json:"cached_balance"`
	EventSum      int64  `json:"event_sum"`
	EventCount    int    `json:"event_count"`
	Version       int64  `json:"version"`
	Consistent    bool   `json:"consistent"`
}

type OpenAccountRequest struct {
	ID string `json:"id"`
}

type AwardRequest struct {
	Amount    int64  `json:"amount"`
	Reference string `json:"reference,omitempty"`
}

type RedeemRequest struct {
	Cost      int64  `json:"cost"`
	Reference string `json:"reference,omitempty"`
}

// =============================================================================
// CATALOG TYPES
// =============================================================================

type ChildDTO struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Balance   *int64    `json:"balance,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

type TaskDTO struct {
	ID        string    `json:"id"`
	ChildID   string    `json:"child_id,omitempty"`
	Title     string    `json:"title"`
	Stars     int64     `json:"stars"`
	Repeat    bool      `json:"repeat"`
	CreatedAt time.Time `json:"created_at"`
}

type RewardDTO struct {
	ID        string    `json:"id"`
	ChildID   string    `json:"child_id,omitempty"`
	Title     string    `json:"title"`
	Cost      int64     `json:"cost"`
	Repeat    bool      `json:"repeat"`
	CreatedAt time.Time `json:"created_at"`
}

type CreateChildRequest struct {
	ID   string `json:"id,omitempty"`
	Name string `json:"name"`
}

// CreateTaskRequest defaults Repeat to true when omitted.
type CreateTaskRequest struct {
	ChildID string `json:"child_id,omitempty"`
	Title   string `json:"title"`
	Stars   int64  `json:"stars"`
	Repeat  *bool  `json:"repeat,omitempty"`
}

type CreateRewardRequest struct {
	ChildID string `json:"child_id,omitempty"`
	Title   string `json:"title"`
	Cost    int64  `json:"cost"`
	Repeat  bool   `json:"repeat"`
}

// =============================================================================
// SCENARIO DTOs
// =============================================================================

// ScenarioDTO describes a demo household.
type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id"`
}

// =============================================================================
// ERRORS
// =============================================================================

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error     string        `json:"error"`
	Details   string        `json:"details,omitempty"`
	Shortfall *ShortfallDTO `json:"shortfall,omitempty"`
}

// ShortfallDTO explains a refused redemption.
type ShortfallDTO struct {
	Available int64 `json:"available"`
	Requested int64 `json:"requested"`
	Missing   int64 `json:"missing"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func toAccountDTO(a ledger.Account) AccountDTO {
	return AccountDTO{
		ID:        string(a.ID),
		Balance:   a.Balance,
		Version:   a.Version,
		CreatedAt: a.CreatedAt,
		UpdatedAt: a.UpdatedAt,
	}
}

func toEventDTO(ev ledger.LedgerEvent) EventDTO {
	return EventDTO{
		ID:         string(ev.ID),
		AccountID:  string(ev.AccountID),
		Kind:       string(ev.Kind),
		Delta:      ev.Delta,
		Reference:  ev.Reference,
		Version:    ev.Version,
		OccurredAt: ev.OccurredAt,
	}
}

func toEventDTOs(evs []ledger.LedgerEvent) []EventDTO {
	out := make([]EventDTO, 0, len(evs))
	for _, ev := range evs {
		out = append(out, toEventDTO(ev))
	}
	return out
}

func toResultDTO(r ledger.Result) ResultDTO {
	return ResultDTO{
		AccountID:  string(r.AccountID),
		NewBalance: r.NewBalance,
		Version:    r.Version,
		Attempts:   r.Attempts,
		Event:      toEventDTO(r.Event),
	}
}

func toReportDTO(r ledger.Report) ReportDTO {
	return ReportDTO{
		AccountID:     string(r.AccountID),
		CachedBalance: r.CachedBalance,
		EventSum:      r.EventSum,
		EventCount:    r.EventCount,
		Version:       r.Version,
		Consistent:    r.Consistent,
	}
}

func toTaskDTO(t catalog.Task) TaskDTO {
	return TaskDTO{
		ID:        t.ID,
		ChildID:   t.ChildID,
		Title:     t.Title,
		Stars:     t.Stars,
		Repeat:    t.Repeat,
		CreatedAt: t.CreatedAt,
	}
}

func toRewardDTO(r catalog.Reward) RewardDTO {
	return RewardDTO{
		ID:        r.ID,
		ChildID:   r.ChildID,
		Title:     r.Title,
		Cost:      r.Cost,
		Repeat:    r.Repeat,
		CreatedAt: r.CreatedAt,
	}
}
