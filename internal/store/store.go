// Package store provides database operations using GORM.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/gantrylabs/gantry/internal/model"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("record not found")

// Store wraps GORM DB for database operations.
type Store struct {
	db *gorm.DB
}

// New creates a new Store with the given GORM DB.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// DB returns the underlying GORM DB for advanced queries.
func (s *Store) DB() *gorm.DB {
	return s.db
}

// GetSandbox returns the sandbox record with the given id.
func (s *Store) GetSandbox(ctx context.Context, id string) (*model.Sandbox, error) {
	var sb model.Sandbox
	if err := s.db.WithContext(ctx).First(&sb, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &sb, nil
}

// ListSandboxes returns all sandbox records ordered by creation time.
func (s *Store) ListSandboxes(ctx context.Context) ([]*model.Sandbox, error) {
	var sandboxes []*model.Sandbox
	err := s.db.WithContext(ctx).Order("created_at").Find(&sandboxes).Error
	return sandboxes, err
}

// EnsureSandbox returns the record for id, creating a cold one with the
// given image if none exists. Idempotent.
func (s *Store) EnsureSandbox(ctx context.Context, id, image string) (*model.Sandbox, error) {
	sb := &model.Sandbox{
		ID:     id,
		Status: model.SandboxStatusCold,
		Image:  image,
	}
	if err := s.db.WithContext(ctx).Where("id = ?", id).FirstOrCreate(sb).Error; err != nil {
		return nil, err
	}
	return sb, nil
}

// UpdateSandboxStatus updates only the status and last error fields.
func (s *Store) UpdateSandboxStatus(ctx context.Context, id, status string, lastError *string) error {
	updates := map[string]interface{}{
		"status": status,
	}
	if lastError != nil {
		updates["last_error"] = *lastError
	} else {
		updates["last_error"] = nil
	}
	return s.db.WithContext(ctx).Model(&model.Sandbox{}).Where("id = ?", id).Updates(updates).Error
}

// UpdateSandboxActivity records the last time the sandbox served an
// operation. Driven by the instance's throttled renewal, not per request.
func (s *Store) UpdateSandboxActivity(ctx context.Context, id string, at time.Time) error {
	return s.db.WithContext(ctx).Model(&model.Sandbox{}).Where("id = ?", id).
		Update("last_active_at", at).Error
}

// UpdateSandboxName sets or clears the sandbox display name.
func (s *Store) UpdateSandboxName(ctx context.Context, id string, name *string) error {
	return s.db.WithContext(ctx).Model(&model.Sandbox{}).Where("id = ?", id).
		Update("name", name).Error
}

// UpdateSandboxBaseURL sets or clears the preview base URL override.
func (s *Store) UpdateSandboxBaseURL(ctx context.Context, id string, baseURL *string) error {
	return s.db.WithContext(ctx).Model(&model.Sandbox{}).Where("id = ?", id).
		Update("base_url", baseURL).Error
}

// UpdateSandboxSleepAfter sets the idle stop timeout in seconds. Zero
// restores the daemon default.
func (s *Store) UpdateSandboxSleepAfter(ctx context.Context, id string, seconds int) error {
	return s.db.WithContext(ctx).Model(&model.Sandbox{}).Where("id = ?", id).
		Update("sleep_after_seconds", seconds).Error
}

// UpdateSandboxKeepAlive toggles idle stop suppression.
func (s *Store) UpdateSandboxKeepAlive(ctx context.Context, id string, keepAlive bool) error {
	return s.db.WithContext(ctx).Model(&model.Sandbox{}).Where("id = ?", id).
		Update("keep_alive", keepAlive).Error
}

// UpdateSandboxEnvVars replaces the stored per-sandbox environment.
func (s *Store) UpdateSandboxEnvVars(ctx context.Context, id string, env map[string]string) error {
	var raw json.RawMessage
	if len(env) > 0 {
		data, err := json.Marshal(env)
		if err != nil {
			return err
		}
		raw = data
	}
	return s.db.WithContext(ctx).Model(&model.Sandbox{}).Where("id = ?", id).
		Update("env_vars", raw).Error
}

// DeleteSandbox removes the sandbox record.
func (s *Store) DeleteSandbox(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).Delete(&model.Sandbox{}, "id = ?", id).Error
}
