package store

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"listproc/models"
	"listproc/utils"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var ErrListNotFound = errors.New("list not found")

// ListStore persists lists and their subscribers.
type ListStore struct {
	db *gorm.DB
}

func NewListStore(db *gorm.DB) *ListStore {
	return &ListStore{db: db}
}

// AllWithSubscribers loads every list with its active subscribers.
func (s *ListStore) AllWithSubscribers(ctx context.Context) ([]models.List, error) {
	var lists []models.List
	err := s.db.WithContext(ctx).
		Preload("Subscribers", "active = ?", true).
		Order("slug").
		Find(&lists).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load lists: %w", err)
	}
	return lists, nil
}

func (s *ListStore) FindBySlug(ctx context.Context, slug string) (*models.List, error) {
	var l models.List
	err := s.db.WithContext(ctx).
		Preload("Subscribers", func(db *gorm.DB) *gorm.DB { return db.Order("email") }).
		Where("slug = ?", strings.ToLower(strings.TrimSpace(slug))).
		First(&l).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrListNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load list %s: %w", slug, err)
	}
	return &l, nil
}

func (s *ListStore) CreateList(ctx context.Context, l *models.List) error {
	if err := utils.ValidateStruct(l); err != nil {
		return err
	}
	if err := s.db.WithContext(ctx).Create(l).Error; err != nil {
		return fmt.Errorf("failed to create list %s: %w", l.Slug, err)
	}
	return nil
}

// RemoveSubscriber deletes exactly one (list, email) membership. It reports
// whether a row was removed.
func (s *ListStore) RemoveSubscriber(ctx context.Context, slug, email string) (bool, error) {
	l, err := s.FindBySlug(ctx, slug)
	if err != nil {
		return false, err
	}
	res := s.db.WithContext(ctx).
		Where("list_id = ? AND email = ?", l.ID, utils.NormalizeEmail(email)).
		Delete(&models.Subscriber{})
	if res.Error != nil {
		return false, fmt.Errorf("failed to remove %s from %s: %w", email, slug, res.Error)
	}
	return res.RowsAffected > 0, nil
}

// MarkUsed records that the list just relayed a message.
func (s *ListStore) MarkUsed(ctx context.Context, slug string) error {
	return s.db.WithContext(ctx).
		Model(&models.List{}).
		Where("slug = ?", slug).
		UpdateColumn("last_used", time.Now()).Error
}

// AddSubscribers subscribes every address found in raw (newline, semicolon
// or comma separated). Malformed addresses are returned, existing members are
// left untouched.
func (s *ListStore) AddSubscribers(ctx context.Context, slug, raw string) (int, []string, error) {
	l, err := s.FindBySlug(ctx, slug)
	if err != nil {
		return 0, nil, err
	}

	var invalid []string
	var subs []models.Subscriber
	for _, email := range utils.SplitAddresses(raw) {
		if !utils.IsValidEmail(email) {
			invalid = append(invalid, email)
			continue
		}
		subs = append(subs, models.Subscriber{ListID: l.ID, Email: email, Active: true})
	}
	if len(subs) == 0 {
		return 0, invalid, nil
	}

	res := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&subs)
	if res.Error != nil {
		return 0, invalid, fmt.Errorf("failed to add subscribers to %s: %w", slug, res.Error)
	}
	return int(res.RowsAffected), invalid, nil
}

// ExportCSV writes one active subscriber address per line, without header.
func (s *ListStore) ExportCSV(ctx context.Context, slug string, w io.Writer) error {
	l, err := s.FindBySlug(ctx, slug)
	if err != nil {
		return err
	}

	cw := csv.NewWriter(w)
	for _, sub := range l.Subscribers {
		if !sub.Active {
			continue
		}
		if err := cw.Write([]string{sub.Email}); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}
