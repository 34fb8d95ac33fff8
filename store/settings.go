package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"listproc/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// SettingsStore is the key/value settings table.
type SettingsStore struct {
	db *gorm.DB
}

func NewSettingsStore(db *gorm.DB) *SettingsStore {
	return &SettingsStore{db: db}
}

// Get returns the stored value, or def when the key is absent or empty.
func (s *SettingsStore) Get(ctx context.Context, key, def string) (string, error) {
	var setting models.Setting
	err := s.db.WithContext(ctx).Where(map[string]interface{}{"key": key}).First(&setting).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return def, nil
	}
	if err != nil {
		return def, fmt.Errorf("failed to read setting %s: %w", key, err)
	}
	if setting.Value == "" {
		return def, nil
	}
	return setting.Value, nil
}

func (s *SettingsStore) Set(ctx context.Context, key, value string) error {
	setting := models.Setting{Key: key, Value: value, UpdatedAt: time.Now()}
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "key"}},
			DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
		}).
		Create(&setting).Error
	if err != nil {
		return fmt.Errorf("failed to write setting %s: %w", key, err)
	}
	return nil
}
