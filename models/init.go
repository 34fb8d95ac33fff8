package models

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"

	"gorm.io/gorm"
)

// CreateDefaultSettings seeds settings rows that must exist before the first
// run. Existing values are never overwritten.
func CreateDefaultSettings(db *gorm.DB, defaults map[string]string) error {
	seed := make(map[string]string, len(defaults)+1)
	for k, v := range defaults {
		seed[k] = v
	}
	if seed[SettingCronKey] == "" {
		key, err := randomKey(16)
		if err != nil {
			return err
		}
		seed[SettingCronKey] = key
	}

	for key, value := range seed {
		var existing Setting
		err := db.Where(map[string]interface{}{"key": key}).First(&existing).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("failed to read setting %s: %w", key, err)
		}
		if err := db.Create(&Setting{Key: key, Value: value}).Error; err != nil {
			return fmt.Errorf("failed to seed setting %s: %w", key, err)
		}
	}
	return nil
}

func randomKey(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate key: %w", err)
	}
	return hex.EncodeToString(b), nil
}
