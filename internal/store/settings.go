package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"keyprint/internal/settings"
)

// GetUserSettings returns a user's override, or nil, nil when the user
// follows the defaults.
func (s *Store) GetUserSettings(ctx context.Context, userID string) (*settings.Settings, error) {
	var data string
	err := s.db.QueryRowContext(ctx,
		"SELECT data FROM security_settings WHERE user_id = ?", userID,
	).Scan(&data)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get user settings: %w", err)
	}

	var st settings.Settings
	if err := json.Unmarshal([]byte(data), &st); err != nil {
		return nil, fmt.Errorf("decode user settings %q: %w", userID, err)
	}
	return &st, nil
}

// PutUserSettings validates and stores a per-user override.
func (s *Store) PutUserSettings(ctx context.Context, userID string, st settings.Settings) error {
	if err := st.Validate(); err != nil {
		return err
	}
	data, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("encode user settings: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO security_settings (user_id, data, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at`,
		userID, string(data), time.Now().UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("put user settings: %w", err)
	}
	return nil
}

// DeleteUserSettings drops a user's override.
func (s *Store) DeleteUserSettings(ctx context.Context, userID string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM security_settings WHERE user_id = ?", userID); err != nil {
		return fmt.Errorf("delete user settings: %w", err)
	}
	return nil
}

// SettingsProvider serves per-user overrides from the store and falls
// back to another provider for everyone else.
type SettingsProvider struct {
	store    *Store
	fallback settings.Provider
}

var _ settings.Provider = (*SettingsProvider)(nil)

// NewSettingsProvider wraps fallback with the store's overrides.
func NewSettingsProvider(s *Store, fallback settings.Provider) *SettingsProvider {
	return &SettingsProvider{store: s, fallback: fallback}
}

// Settings returns the override for userID when one exists. A stored
// override that no longer validates is an error, not a silent fallback.
func (p *SettingsProvider) Settings(ctx context.Context, userID string) (settings.Settings, error) {
	st, err := p.store.GetUserSettings(ctx, userID)
	if err != nil {
		return settings.Settings{}, err
	}
	if st == nil {
		return p.fallback.Settings(ctx, userID)
	}
	if err := st.Validate(); err != nil {
		return settings.Settings{}, fmt.Errorf("user settings %q: %w", userID, err)
	}
	return *st, nil
}
