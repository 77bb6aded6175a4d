package config

import (
	"context"
	"fmt"
	"time"

	"github.com/tildaslashalef/anchorsync/internal/loggy"
)

// SettingsService provides operations for managing persisted settings
type SettingsService struct {
	repo   SettingsRepository
	config *Config
	logger *loggy.Logger
}

// NewSettingsService creates a new settings service
func NewSettingsService(db Querier, config *Config, logger *loggy.Logger) *SettingsService {
	return &SettingsService{
		repo:   NewSQLSettingsRepository(db, logger),
		config: config,
		logger: logger,
	}
}

// GetSetting retrieves a setting by key
func (s *SettingsService) GetSetting(ctx context.Context, key string) (string, error) {
	return s.repo.GetSetting(ctx, key)
}

// GetSettings retrieves multiple settings by prefix
func (s *SettingsService) GetSettings(ctx context.Context, prefix string) (map[string]string, error) {
	return s.repo.GetSettings(ctx, prefix)
}

// SetSetting sets a setting value
func (s *SettingsService) SetSetting(ctx context.Context, key, value string) error {
	return s.repo.SetSetting(ctx, key, value)
}

// DeleteSetting deletes a setting
func (s *SettingsService) DeleteSetting(ctx context.Context, key string) error {
	return s.repo.DeleteSetting(ctx, key)
}

// LoadPersisted overlays persisted settings onto the live config
func (s *SettingsService) LoadPersisted(ctx context.Context) error {
	return LoadPersistedSettings(ctx, s.config, s.repo)
}

// SetToken stores the upstream token, obfuscated
func (s *SettingsService) SetToken(ctx context.Context, token string) error {
	s.config.Server.Token = token
	return s.repo.SetSetting(ctx, KeyServerToken, token)
}

// SetDeviceName stores the device name
func (s *SettingsService) SetDeviceName(ctx context.Context, name string) error {
	s.config.Server.DeviceName = name
	return s.repo.SetSetting(ctx, KeyDeviceName, name)
}

// ActiveCacheVersion returns the cache version recorded at the last activation
func (s *SettingsService) ActiveCacheVersion(ctx context.Context) (string, error) {
	return s.repo.GetSetting(ctx, KeyActiveCacheVersion)
}

// SetActiveCacheVersion records the activated cache version
func (s *SettingsService) SetActiveCacheVersion(ctx context.Context, version string) error {
	return s.repo.SetSetting(ctx, KeyActiveCacheVersion, version)
}

// LastDrainAt returns the completion time of the last drain, zero if none
func (s *SettingsService) LastDrainAt(ctx context.Context) (time.Time, error) {
	value, err := s.repo.GetSetting(ctx, KeyLastDrainAt)
	if err != nil || value == "" {
		return time.Time{}, err
	}

	t, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing %s: %w", KeyLastDrainAt, err)
	}
	return t, nil
}

// SetLastDrainAt records the completion time of a drain
func (s *SettingsService) SetLastDrainAt(ctx context.Context, t time.Time) error {
	return s.repo.SetSetting(ctx, KeyLastDrainAt, t.UTC().Format(time.RFC3339Nano))
}
