package audit

import (
	"context"
	"errors"
)

// MinRetentionDays is the regulatory floor (7 years).
const MinRetentionDays = 2555

// Settings controls audit behavior per organization. Loaded from the store
// for each recording path, never held as process-global state, so concurrent
// requests for different tenants cannot observe each other's policy.
type Settings struct {
	OrganizationID     string `json:"organization_id"`
	RetentionDays      int    `json:"retention_days"`
	ArchiveAfterDays   int    `json:"archive_after_days"`
	AsyncEnabled       bool   `json:"async_enabled"`
	MaskSensitiveData  bool   `json:"mask_sensitive_data"`
	LogReadOperations  bool   `json:"log_read_operations"`
	AlertOnPHIAccess   bool   `json:"alert_on_phi_access"`
	AlertOnFailedLogin bool   `json:"alert_on_failed_login"`
}

// DefaultSettings is the policy applied when an organization has none stored.
func DefaultSettings(organizationID string) Settings {
	return Settings{
		OrganizationID:     organizationID,
		RetentionDays:      MinRetentionDays,
		ArchiveAfterDays:   90,
		AsyncEnabled:       true,
		MaskSensitiveData:  true,
		LogReadOperations:  true,
		AlertOnPHIAccess:   true,
		AlertOnFailedLogin: true,
	}
}

// Validate enforces the retention floor.
func (s Settings) Validate() error {
	if s.RetentionDays < MinRetentionDays {
		return errors.New("audit: retention below regulatory minimum")
	}
	return nil
}

// SettingsStore loads and saves per-organization audit policy.
type SettingsStore interface {
	OrganizationSettings(ctx context.Context, organizationID string) (Settings, error)
	SaveSettings(ctx context.Context, s Settings) error
}

// settingsLoader falls back to defaults when an organization has no stored
// policy or the lookup fails; recording never blocks on policy reads.
type settingsLoader struct {
	store SettingsStore
}

func (l *settingsLoader) load(ctx context.Context, organizationID string) Settings {
	if l == nil || l.store == nil || organizationID == "" {
		return DefaultSettings(organizationID)
	}
	s, err := l.store.OrganizationSettings(ctx, organizationID)
	if err != nil {
		return DefaultSettings(organizationID)
	}
	return s
}
