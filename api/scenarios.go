/*
scenarios.go - Demo household loaders for testing and demonstrations

PURPOSE:

	Provides pre-built households that populate the store with realistic
	data for demos. Each scenario creates children, tasks and rewards, then
	drives awards and redemptions through the coordinator so the history
	looks like real use.

AVAILABLE SCENARIOS:

	first-week:  One child, a few chores, one reward redeemed
	siblings:    Two children sharing chores and rewards
	saving-up:   A child saving for an expensive reward (one refusal)

HOW SCENARIOS WORK:
 1. Refuse if any of the scenario's children already exists
 2. Create children (opens their accounts)
 3. Create tasks and rewards
 4. Complete tasks and redeem rewards in order

NOTE:

	The ledger is append-only, so scenarios never reset anything. Loading
	the same scenario twice returns ErrScenarioLoaded.

SEE ALSO:
  - handlers.go: Shared error mapping
  - cli/ledger.go: demo command
*/
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/warp/star-ledger/catalog"
	"github.com/warp/star-ledger/ledger"
)

var (
	ErrUnknownScenario = errors.New("unknown scenario")
	ErrScenarioLoaded  = errors.New("scenario already loaded")
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

// step is one action against the ledger: complete a task or redeem a reward.
type step struct {
	child   string
	task    string
	reward  string
	mayFail bool
}

type scenario struct {
	ScenarioDTO
	children []catalog.Child
	tasks    []catalog.Task
	rewards  []catalog.Reward
	steps    []step
}

var scenarios = []scenario{
	{
		ScenarioDTO: ScenarioDTO{
			ID:          "first-week",
			Name:        "First Week",
			Description: "One child, daily chores, one small reward redeemed",
		},
		children: []catalog.Child{{ID: "demo-mia", Name: "Mia"}},
		tasks: []catalog.Task{
			{ID: "demo-mia-bed", ChildID: "demo-mia", Title: "Make the bed", Stars: 1, Repeat: true},
			{ID: "demo-mia-table", ChildID: "demo-mia", Title: "Set the table", Stars: 2, Repeat: true},
			{ID: "demo-mia-garage", ChildID: "demo-mia", Title: "Help clean the garage", Stars: 5},
		},
		rewards: []catalog.Reward{
			{ID: "demo-mia-sticker", ChildID: "demo-mia", Title: "Sticker", Cost: 3, Repeat: true},
		},
		steps: []step{
			{child: "demo-mia", task: "demo-mia-bed"},
			{child: "demo-mia", task: "demo-mia-table"},
			{child: "demo-mia", task: "demo-mia-bed"},
			{child: "demo-mia", task: "demo-mia-garage"},
			{child: "demo-mia", reward: "demo-mia-sticker"},
		},
	},
	{
		ScenarioDTO: ScenarioDTO{
			ID:          "siblings",
			Name:        "Siblings",
			Description: "Two children with shared chores and a shared movie night",
		},
		children: []catalog.Child{{ID: "demo-leo", Name: "Leo"}, {ID: "demo-zoe", Name: "Zoe"}},
		tasks: []catalog.Task{
			{ID: "demo-shared-dishes", Title: "Dishes", Stars: 3, Repeat: true},
			{ID: "demo-shared-trash", Title: "Take out the trash", Stars: 1, Repeat: true},
			{ID: "demo-leo-piano", ChildID: "demo-leo", Title: "Piano practice", Stars: 2, Repeat: true},
		},
		rewards: []catalog.Reward{
			{ID: "demo-shared-movie", Title: "Pick the movie", Cost: 4, Repeat: true},
			{ID: "demo-zoe-late", ChildID: "demo-zoe", Title: "Stay up 30 minutes", Cost: 2, Repeat: true},
		},
		steps: []step{
			{child: "demo-leo", task: "demo-shared-dishes"},
			{child: "demo-zoe", task: "demo-shared-dishes"},
			{child: "demo-zoe", task: "demo-shared-trash"},
			{child: "demo-leo", task: "demo-leo-piano"},
			{child: "demo-leo", reward: "demo-shared-movie"},
			{child: "demo-zoe", reward: "demo-zoe-late"},
		},
	},
	{
		ScenarioDTO: ScenarioDTO{
			ID:          "saving-up",
			Name:        "Saving Up",
			Description: "A child tries a big reward too early, then saves for it",
		},
		children: []catalog.Child{{ID: "demo-sam", Name: "Sam"}},
		tasks: []catalog.Task{
			{ID: "demo-sam-homework", ChildID: "demo-sam", Title: "Homework done", Stars: 3, Repeat: true},
			{ID: "demo-sam-dog", ChildID: "demo-sam", Title: "Walk the dog", Stars: 2, Repeat: true},
		},
		rewards: []catalog.Reward{
			{ID: "demo-sam-zoo", ChildID: "demo-sam", Title: "Trip to the zoo", Cost: 10},
		},
		steps: []step{
			{child: "demo-sam", task: "demo-sam-homework"},
			{child: "demo-sam", task: "demo-sam-dog"},
			{child: "demo-sam", reward: "demo-sam-zoo", mayFail: true},
			{child: "demo-sam", task: "demo-sam-homework"},
			{child: "demo-sam", task: "demo-sam-dog"},
			{child: "demo-sam", task: "demo-sam-homework"},
			{child: "demo-sam", reward: "demo-sam-zoo"},
		},
	},
}

// Scenarios lists the available demo households.
func Scenarios() []ScenarioDTO {
	out := make([]ScenarioDTO, 0, len(scenarios))
	for _, s := range scenarios {
		out = append(out, s.ScenarioDTO)
	}
	return out
}

// LoadScenario creates the scenario's household and replays its steps.
func LoadScenario(ctx context.Context, svc *catalog.Service, id string) error {
	var sc *scenario
	for i := range scenarios {
		if scenarios[i].ID == id {
			sc = &scenarios[i]
			break
		}
	}
	if sc == nil {
		return fmt.Errorf("%w: %s", ErrUnknownScenario, id)
	}

	for _, c := range sc.children {
		_, err := svc.Child(ctx, c.ID)
		if err == nil {
			return fmt.Errorf("%w: %s", ErrScenarioLoaded, id)
		}
		if !errors.Is(err, catalog.ErrChildNotFound) {
			return err
		}
	}

	for _, c := range sc.children {
		if _, _, err := svc.CreateChild(ctx, c); err != nil {
			return fmt.Errorf("create child %s: %w", c.ID, err)
		}
	}
	for _, t := range sc.tasks {
		if _, err := svc.AddTask(ctx, t); err != nil {
			return fmt.Errorf("create task %s: %w", t.ID, err)
		}
	}
	for _, r := range sc.rewards {
		if _, err := svc.AddReward(ctx, r); err != nil {
			return fmt.Errorf("create reward %s: %w", r.ID, err)
		}
	}

	for _, st := range sc.steps {
		var err error
		if st.task != "" {
			_, err = svc.CompleteTask(ctx, st.child, st.task)
		} else {
			_, err = svc.RedeemReward(ctx, st.child, st.reward)
		}
		if err != nil && !(st.mayFail && errors.Is(err, ledger.ErrInsufficientBalance)) {
			return fmt.Errorf("scenario %s: %w", id, err)
		}
	}
	return nil
}

// =============================================================================
// HANDLERS
// =============================================================================

// ListScenarios handles GET /api/scenarios
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, Scenarios())
}

// LoadScenario handles POST /api/scenarios/load
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if !decodeBody(w, r, &req) {
		return
	}

	err := LoadScenario(r.Context(), h.Catalog, req.ScenarioID)
	switch {
	case errors.Is(err, ErrUnknownScenario):
		writeError(w, http.StatusNotFound, "scenario not found", err)
		return
	case errors.Is(err, ErrScenarioLoaded):
		writeError(w, http.StatusConflict, "scenario already loaded", err)
		return
	case err != nil:
		writeLedgerError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status":   "loaded",
		"scenario": req.ScenarioID,
	})
}
