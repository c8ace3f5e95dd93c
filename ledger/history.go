package ledger

import "context"

// History is a lazy, restartable cursor over one account's events in
// (OccurredAt, ID) order. It fetches pages of pageSize from the EventLog
// as it advances and ends after the last page.
//
//	h := coord.History("kid-1")
//	for h.Next(ctx) {
//	    ev := h.Event()
//	}
//	if err := h.Err(); err != nil { ... }
type History struct {
	log      EventLog
	id       AccountID
	pageSize int

	page []LedgerEvent
	idx  int
	pos  Position
	cur  LedgerEvent
	last bool
	err  error
}

func NewHistory(log EventLog, id AccountID, pageSize int) *History {
	if pageSize <= 0 {
		pageSize = DefaultHistoryPageSize
	}
	return &History{log: log, id: id, pageSize: pageSize}
}

// Next advances to the next event. It returns false at the end of the
// history or on error; check Err afterwards.
func (h *History) Next(ctx context.Context) bool {
	if h.err != nil {
		return false
	}
	if h.idx >= len(h.page) {
		if h.last {
			return false
		}
		page, err := h.log.ListByAccount(ctx, h.id, h.pos, h.pageSize)
		if err != nil {
			h.err = err
			return false
		}
		h.page, h.idx = page, 0
		h.last = len(page) < h.pageSize
		if len(page) == 0 {
			return false
		}
	}
	h.cur = h.page[h.idx]
	h.idx++
	h.pos = PositionOf(h.cur)
	return true
}

func (h *History) Event() LedgerEvent { return h.cur }

func (h *History) Err() error { return h.err }

// Reset rewinds the cursor to the beginning. Events committed since the
// previous pass are included on the next one.
func (h *History) Reset() {
	h.page, h.idx = nil, 0
	h.pos = Position{}
	h.cur = LedgerEvent{}
	h.last = false
	h.err = nil
}

// Collect drains h into a slice.
func Collect(ctx context.Context, h *History) ([]LedgerEvent, error) {
	events := []LedgerEvent{}
	for h.Next(ctx) {
		events = append(events, h.Event())
	}
	return events, h.Err()
}
