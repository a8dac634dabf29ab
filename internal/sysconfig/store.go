// Package sysconfig persists runtime key/value settings (sys_config table),
// such as the upstream connection details read by the sync handlers.
package sysconfig

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"scmbridge/internal/storage"
)

var (
	ErrNotFound = errors.New("sysconfig: key not found")
	ErrEmptyKey = errors.New("sysconfig: empty key")
)

// Entry is one setting.
type Entry struct {
	Key         string    `gorm:"column:config_key;primaryKey;size:128" json:"configKey"`
	Value       string    `gorm:"column:config_value;type:text" json:"configValue"`
	Description string    `gorm:"column:config_desc;size:255" json:"configDesc,omitempty"`
	UpdatedAt   time.Time `gorm:"column:updated_at" json:"updatedAt"`
}

func (Entry) TableName() string { return "sys_config" }

// Store reads and writes settings on one routed store.
type Store struct {
	stores *storage.Registry
	marker storage.Marker
}

func New(stores *storage.Registry, marker storage.Marker) *Store {
	return &Store{stores: stores, marker: marker}
}

func (s *Store) Migrate(ctx context.Context) error {
	db, err := s.stores.DB(ctx, s.marker)
	if err != nil {
		return err
	}
	return db.AutoMigrate(&Entry{})
}

func (s *Store) List(ctx context.Context) ([]Entry, error) {
	db, err := s.stores.DB(ctx, s.marker)
	if err != nil {
		return nil, err
	}
	var out []Entry
	if err := db.Order("config_key").Find(&out).Error; err != nil {
		return nil, fmt.Errorf("list sys config: %w", err)
	}
	return out, nil
}

func (s *Store) Get(ctx context.Context, key string) (Entry, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return Entry{}, ErrEmptyKey
	}
	db, err := s.stores.DB(ctx, s.marker)
	if err != nil {
		return Entry{}, err
	}
	var e Entry
	err = db.Where("config_key = ?", key).First(&e).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Entry{}, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	if err != nil {
		return Entry{}, fmt.Errorf("get sys config %s: %w", key, err)
	}
	return e, nil
}

// Value returns the value for key, or "" when the key is absent.
func (s *Store) Value(ctx context.Context, key string) (string, error) {
	e, err := s.Get(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return "", nil
	}
	return e.Value, err
}

// Set inserts or replaces a setting.
func (s *Store) Set(ctx context.Context, e Entry) error {
	e.Key = strings.TrimSpace(e.Key)
	if e.Key == "" {
		return ErrEmptyKey
	}
	db, err := s.stores.DB(ctx, s.marker)
	if err != nil {
		return err
	}
	e.UpdatedAt = time.Now()
	err = db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "config_key"}},
		DoUpdates: clause.AssignmentColumns([]string{"config_value", "config_desc", "updated_at"}),
	}).Create(&e).Error
	if err != nil {
		return fmt.Errorf("set sys config %s: %w", e.Key, err)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return ErrEmptyKey
	}
	db, err := s.stores.DB(ctx, s.marker)
	if err != nil {
		return err
	}
	res := db.Where("config_key = ?", key).Delete(&Entry{})
	if res.Error != nil {
		return fmt.Errorf("delete sys config %s: %w", key, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return nil
}
