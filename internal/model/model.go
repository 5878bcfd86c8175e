// Package model defines the database models used by gantryd.
// These models work with both PostgreSQL and SQLite via GORM.
package model

import (
	"encoding/json"
	"time"
)

// Sandbox status constants representing the control-plane lifecycle.
const (
	SandboxStatusCold     = "cold"     // no container
	SandboxStatusStarting = "starting" // container start in progress
	SandboxStatusHealthy  = "healthy"  // container running and answering pings
	SandboxStatusSleeping = "sleeping" // stopped by the idle monitor
	SandboxStatusFailed   = "failed"   // container died or failed to start
)

// Sandbox is the persisted per-sandbox record: identity, settings, and the
// last observed status. Exposed-port tokens are deliberately absent; they
// live only in instance memory and the in-container registry.
type Sandbox struct {
	ID     string  `gorm:"primaryKey;type:text" json:"id"`
	Name   *string `gorm:"type:text" json:"name,omitempty"`
	Status string  `gorm:"not null;type:text;default:cold" json:"status"`
	Image  string  `gorm:"type:text" json:"image"`

	// BaseURL overrides the hostname preview URLs are built from.
	BaseURL *string `gorm:"column:base_url;type:text" json:"baseUrl,omitempty"`

	// SleepAfterSeconds overrides the daemon's idle stop timeout.
	// Zero means use the daemon default.
	SleepAfterSeconds int  `gorm:"column:sleep_after_seconds;default:0" json:"sleepAfterSeconds"`
	KeepAlive         bool `gorm:"column:keep_alive;default:false" json:"keepAlive"`

	// EnvVars holds the per-sandbox environment as a JSON object.
	EnvVars json.RawMessage `gorm:"column:env_vars;type:text" json:"envVars,omitempty"`

	LastError    *string    `gorm:"column:last_error;type:text" json:"lastError,omitempty"`
	LastActiveAt *time.Time `gorm:"column:last_active_at" json:"lastActiveAt,omitempty"`

	CreatedAt time.Time `gorm:"autoCreateTime" json:"createdAt"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updatedAt"`
}

func (Sandbox) TableName() string { return "sandboxes" }

// EnvMap decodes the stored environment variables. Returns an empty map
// when none are set.
func (s *Sandbox) EnvMap() map[string]string {
	env := make(map[string]string)
	if len(s.EnvVars) == 0 {
		return env
	}
	// A record written by an older daemon may hold anything; treat
	// undecodable env as empty rather than failing the instance.
	_ = json.Unmarshal(s.EnvVars, &env)
	return env
}

// SetEnvMap encodes env into the record. A nil or empty map clears it.
func (s *Sandbox) SetEnvMap(env map[string]string) error {
	if len(env) == 0 {
		s.EnvVars = nil
		return nil
	}
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	s.EnvVars = data
	return nil
}

// SleepAfter returns the per-sandbox idle timeout, or def when unset.
func (s *Sandbox) SleepAfter(def time.Duration) time.Duration {
	if s.SleepAfterSeconds <= 0 {
		return def
	}
	return time.Duration(s.SleepAfterSeconds) * time.Second
}

// AllModels returns all model types for migration.
func AllModels() []interface{} {
	return []interface{}{
		&Sandbox{},
	}
}
