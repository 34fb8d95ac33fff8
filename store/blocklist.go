package store

import (
	"context"
	"errors"
	"fmt"

	"listproc/models"
	"listproc/utils"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// BlocklistStore persists barred addresses.
type BlocklistStore struct {
	db *gorm.DB
}

func NewBlocklistStore(db *gorm.DB) *BlocklistStore {
	return &BlocklistStore{db: db}
}

func (s *BlocklistStore) IsBlocked(ctx context.Context, email string) (bool, error) {
	var entry models.BlocklistEntry
	err := s.db.WithContext(ctx).Where("email = ?", utils.NormalizeEmail(email)).First(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check blocklist: %w", err)
	}
	return true, nil
}

// Add blocks email, replacing the code of an existing entry.
func (s *BlocklistStore) Add(ctx context.Context, email string, code int) error {
	entry := models.BlocklistEntry{Email: email, Code: code}
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "email"}},
			DoUpdates: clause.AssignmentColumns([]string{"code"}),
		}).
		Create(&entry).Error
	if err != nil {
		return fmt.Errorf("failed to block %s: %w", email, err)
	}
	return nil
}

func (s *BlocklistStore) Remove(ctx context.Context, email string) (bool, error) {
	res := s.db.WithContext(ctx).
		Where("email = ?", utils.NormalizeEmail(email)).
		Delete(&models.BlocklistEntry{})
	if res.Error != nil {
		return false, fmt.Errorf("failed to unblock %s: %w", email, res.Error)
	}
	return res.RowsAffected > 0, nil
}

// AllAsMap returns every blocked address with its code.
func (s *BlocklistStore) AllAsMap(ctx context.Context) (map[string]int, error) {
	var entries []models.BlocklistEntry
	if err := s.db.WithContext(ctx).Find(&entries).Error; err != nil {
		return nil, fmt.Errorf("failed to load blocklist: %w", err)
	}
	out := make(map[string]int, len(entries))
	for _, e := range entries {
		out[e.Email] = e.Code
	}
	return out, nil
}
