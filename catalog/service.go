package catalog

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/warp/star-ledger/ledger"
)

const restoreTimeout = 5 * time.Second

// Service is the task-completion and reward-redemption surface. Each
// call builds one ledger request and hands it to the Coordinator.
type Service struct {
	store  Store
	ledger *ledger.Coordinator
	logger *log.Logger
}

func NewService(store Store, coord *ledger.Coordinator, logger *log.Logger) *Service {
	if logger == nil {
		logger = log.Default()
	}
	return &Service{store: store, ledger: coord, logger: logger}
}

// =============================================================================
// CHILDREN
// =============================================================================

// CreateChild saves the profile and opens its ledger account at 0 stars.
// Running it again for the same ID updates the name and keeps the account.
func (s *Service) CreateChild(ctx context.Context, c Child) (Child, ledger.Account, error) {
	c.Name = strings.TrimSpace(c.Name)
	if c.Name == "" {
		return Child{}, ledger.Account{}, fmt.Errorf("%w: child name is required", ErrInvalid)
	}
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	if err := s.store.SaveChild(ctx, c); err != nil {
		return Child{}, ledger.Account{}, err
	}

	acct, err := s.ledger.OpenAccount(ctx, c.AccountID())
	if errors.Is(err, ledger.ErrAccountExists) {
		acct, err = s.ledger.Account(ctx, c.AccountID())
	}
	if err != nil {
		return Child{}, ledger.Account{}, err
	}
	return c, acct, nil
}

func (s *Service) Children(ctx context.Context) ([]Child, error) {
	return s.store.ListChildren(ctx)
}

// Child returns the profile or ErrChildNotFound.
func (s *Service) Child(ctx context.Context, id string) (Child, error) {
	c, err := s.child(ctx, id)
	if err != nil {
		return Child{}, err
	}
	return *c, nil
}

func (s *Service) child(ctx context.Context, id string) (*Child, error) {
	c, err := s.store.GetChild(ctx, id)
	if err != nil {
		return nil, err
	}
	if c == nil {
		return nil, fmt.Errorf("%w: %s", ErrChildNotFound, id)
	}
	return c, nil
}

// =============================================================================
// TASKS
// =============================================================================

// AddTask stores a task. An empty ChildID makes it available to every child.
func (s *Service) AddTask(ctx context.Context, t Task) (Task, error) {
	t.Title = strings.TrimSpace(t.Title)
	if t.Title == "" {
		return Task{}, fmt.Errorf("%w: task title is required", ErrInvalid)
	}
	if t.Stars <= 0 {
		return Task{}, fmt.Errorf("%w: task stars must be positive, got %d", ErrInvalid, t.Stars)
	}
	if t.ChildID != "" {
		if _, err := s.child(ctx, t.ChildID); err != nil {
			return Task{}, err
		}
	}
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	return t, s.store.SaveTask(ctx, t)
}

// Tasks lists the tasks a child can complete, shared ones included.
func (s *Service) Tasks(ctx context.Context, childID string) ([]Task, error) {
	return s.store.ListTasks(ctx, childID)
}

// CompleteTask awards the task's stars to the child. A non-repeating task
// is claimed (removed) before the award, so of two concurrent completions
// only one reaches the ledger; it is put back if the award fails.
func (s *Service) CompleteTask(ctx context.Context, childID, taskID string) (ledger.Result, error) {
	if _, err := s.child(ctx, childID); err != nil {
		return ledger.Result{}, err
	}
	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return ledger.Result{}, err
	}
	if task == nil {
		return ledger.Result{}, fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	if task.ChildID != "" && task.ChildID != childID {
		return ledger.Result{}, fmt.Errorf("%w: task %s", ErrNotOwned, taskID)
	}

	if !task.Repeat {
		claimed, err := s.store.DeleteTask(ctx, task.ID)
		if err != nil {
			return ledger.Result{}, err
		}
		if !claimed {
			return ledger.Result{}, fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
		}
	}

	res, err := s.ledger.Award(ctx, ledger.AwardRequest{
		AccountID: ledger.AccountID(childID),
		Amount:    task.Stars,
		Reference: task.ID,
	})
	if err != nil {
		if !task.Repeat {
			s.restoreTask(*task, err)
		}
		return ledger.Result{}, err
	}
	return res, nil
}

func (s *Service) restoreTask(t Task, cause error) {
	// The request context may be the reason the award failed.
	ctx, cancel := context.WithTimeout(context.Background(), restoreTimeout)
	defer cancel()
	if err := s.store.SaveTask(ctx, t); err != nil {
		s.logger.Printf("catalog: award for one-off task %s failed (%v) and restoring it failed: %v", t.ID, cause, err)
	}
}

// =============================================================================
// REWARDS
// =============================================================================

// AddReward stores a reward. A zero cost is a free reward.
func (s *Service) AddReward(ctx context.Context, r Reward) (Reward, error) {
	r.Title = strings.TrimSpace(r.Title)
	if r.Title == "" {
		return Reward{}, fmt.Errorf("%w: reward title is required", ErrInvalid)
	}
	if r.Cost < 0 {
		return Reward{}, fmt.Errorf("%w: reward cost must not be negative, got %d", ErrInvalid, r.Cost)
	}
	if r.ChildID != "" {
		if _, err := s.child(ctx, r.ChildID); err != nil {
			return Reward{}, err
		}
	}
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	return r, s.store.SaveReward(ctx, r)
}

func (s *Service) Rewards(ctx context.Context, childID string) ([]Reward, error) {
	return s.store.ListRewards(ctx, childID)
}

// RedeemReward debits the reward's cost. A non-repeating reward is claimed
// (removed) before the redemption, so it can be redeemed only once even by
// concurrent callers; it is put back if the redemption is refused or fails.
func (s *Service) RedeemReward(ctx context.Context, childID, rewardID string) (ledger.Result, error) {
	if _, err := s.child(ctx, childID); err != nil {
		return ledger.Result{}, err
	}
	reward, err := s.store.GetReward(ctx, rewardID)
	if err != nil {
		return ledger.Result{}, err
	}
	if reward == nil {
		return ledger.Result{}, fmt.Errorf("%w: %s", ErrRewardNotFound, rewardID)
	}
	if reward.ChildID != "" && reward.ChildID != childID {
		return ledger.Result{}, fmt.Errorf("%w: reward %s", ErrNotOwned, rewardID)
	}

	if !reward.Repeat {
		claimed, err := s.store.DeleteReward(ctx, reward.ID)
		if err != nil {
			return ledger.Result{}, err
		}
		if !claimed {
			return ledger.Result{}, fmt.Errorf("%w: %s", ErrRewardNotFound, rewardID)
		}
	}

	res, err := s.ledger.Redeem(ctx, ledger.RedeemRequest{
		AccountID: ledger.AccountID(childID),
		Cost:      reward.Cost,
		Reference: reward.ID,
	})
	if err != nil {
		if !reward.Repeat {
			s.restoreReward(*reward, err)
		}
		return ledger.Result{}, err
	}
	return res, nil
}

func (s *Service) restoreReward(r Reward, cause error) {
	ctx, cancel := context.WithTimeout(context.Background(), restoreTimeout)
	defer cancel()
	if err := s.store.SaveReward(ctx, r); err != nil {
		s.logger.Printf("catalog: redemption of one-off reward %s failed (%v) and restoring it failed: %v", r.ID, cause, err)
	}
}

// IsNotFound reports whether err names a missing catalog record.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrChildNotFound) ||
		errors.Is(err, ErrTaskNotFound) ||
		errors.Is(err, ErrRewardNotFound)
}
