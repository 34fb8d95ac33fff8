package worker

import (
	"context"

	"listproc/models"
)

// ListRepository is the list and subscriber store used by a cycle.
type ListRepository interface {
	AllWithSubscribers(ctx context.Context) ([]models.List, error)
	RemoveSubscriber(ctx context.Context, slug, email string) (bool, error)
	MarkUsed(ctx context.Context, slug string) error
}

// BlocklistRepository is the barred address store.
type BlocklistRepository interface {
	IsBlocked(ctx context.Context, email string) (bool, error)
	Add(ctx context.Context, email string, code int) error
	AllAsMap(ctx context.Context) (map[string]int, error)
}

// SettingsRepository is the key/value settings store.
type SettingsRepository interface {
	Get(ctx context.Context, key, def string) (string, error)
	Set(ctx context.Context, key, value string) error
}
