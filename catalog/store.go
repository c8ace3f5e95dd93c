package catalog

import "context"

// Store persists catalog records. Getters return (nil, nil) when the
// record does not exist, like the rest of the SQL stores.
type Store interface {
	SaveChild(ctx context.Context, c Child) error
	GetChild(ctx context.Context, id string) (*Child, error)
	ListChildren(ctx context.Context) ([]Child, error)

	SaveTask(ctx context.Context, t Task) error
	GetTask(ctx context.Context, id string) (*Task, error)
	ListTasks(ctx context.Context, childID string) ([]Task, error)

	// DeleteTask reports whether this call removed the task. Of several
	// concurrent deletes of one task, exactly one sees true.
	DeleteTask(ctx context.Context, id string) (bool, error)

	SaveReward(ctx context.Context, r Reward) error
	GetReward(ctx context.Context, id string) (*Reward, error)
	ListRewards(ctx context.Context, childID string) ([]Reward, error)
	DeleteReward(ctx context.Context, id string) (bool, error)
}
