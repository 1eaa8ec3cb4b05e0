package domain

import "time"

// SyncConfig is the desired polling/QR/visibility behaviour for one
// controller bundle. The controller merges caller options with defaults and
// pushes the result into the store, so every autonomous behaviour reads one
// authoritative config.
type SyncConfig struct {
	TenantID           string        `json:"tenant_id,omitempty"`
	CampaignInstanceID string        `json:"campaign_instance_id,omitempty"`
	AllowedTenants     []string      `json:"allowed_tenants,omitempty"`
	FilterByTenant     bool          `json:"filter_by_tenant"`
	AutoRefresh        bool          `json:"auto_refresh"`
	PollInterval       time.Duration `json:"poll_interval"`
	PauseWhenHidden    bool          `json:"pause_when_hidden"`
	AutoQR             bool          `json:"auto_qr"`
	InitialFetch       bool          `json:"initial_fetch"`
	Realtime           bool          `json:"realtime"`
}

// DefaultSyncConfig returns the controller defaults. Callers override
// individual fields through ControllerOptions.
func DefaultSyncConfig() SyncConfig {
	return SyncConfig{
		AutoRefresh:     true,
		PollInterval:    30 * time.Second,
		PauseWhenHidden: true,
		AutoQR:          true,
		InitialFetch:    true,
		Realtime:        true,
	}
}
