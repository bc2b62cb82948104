package models

import (
	"fmt"
	"time"
)

// Default marketplace names.
const (
	MarketplaceAmazon  = "amazon"
	MarketplaceWalmart = "walmart"
	MarketplaceTarget  = "target"
)

// Settings is the user-editable runtime configuration, replaced wholesale.
type Settings struct {
	Enabled                  bool            `json:"enabled"`
	CycleIntervalMinutes     int             `json:"cycle_interval_minutes"`
	DiscountThresholdPercent float64         `json:"discount_threshold_percent"`
	NotificationsEnabled     bool            `json:"notifications_enabled"`
	EnabledMarketplaces      map[string]bool `json:"enabled_marketplaces"`
}

// DefaultSettings returns the settings written on first run.
func DefaultSettings() Settings {
	return Settings{
		Enabled:                  true,
		CycleIntervalMinutes:     30,
		DiscountThresholdPercent: 20,
		NotificationsEnabled:     true,
		EnabledMarketplaces: map[string]bool{
			MarketplaceAmazon:  true,
			MarketplaceWalmart: true,
			MarketplaceTarget:  true,
		},
	}
}

// MarketplaceEnabled reports whether name should be probed. Marketplaces
// missing from the set are enabled.
func (s Settings) MarketplaceEnabled(name string) bool {
	enabled, ok := s.EnabledMarketplaces[name]
	return !ok || enabled
}

// Interval is the recurring cycle period.
func (s Settings) Interval() time.Duration {
	return time.Duration(s.CycleIntervalMinutes) * time.Minute
}

// Validate checks that the settings can drive a cycle.
func (s Settings) Validate() error {
	if s.CycleIntervalMinutes <= 0 {
		return fmt.Errorf("cycle interval must be positive")
	}
	if s.DiscountThresholdPercent < 0 || s.DiscountThresholdPercent > 100 {
		return fmt.Errorf("discount threshold must be between 0 and 100")
	}
	return nil
}

// Clone returns a copy that does not share the marketplace map.
func (s Settings) Clone() Settings {
	out := s
	if s.EnabledMarketplaces != nil {
		out.EnabledMarketplaces = make(map[string]bool, len(s.EnabledMarketplaces))
		for k, v := range s.EnabledMarketplaces {
			out.EnabledMarketplaces[k] = v
		}
	}
	return out
}

// SettingsPatch is a partial settings update; nil fields are left unchanged.
type SettingsPatch struct {
	Enabled                  *bool           `json:"enabled,omitempty"`
	CycleIntervalMinutes     *int            `json:"cycle_interval_minutes,omitempty"`
	DiscountThresholdPercent *float64        `json:"discount_threshold_percent,omitempty"`
	NotificationsEnabled     *bool           `json:"notifications_enabled,omitempty"`
	EnabledMarketplaces      map[string]bool `json:"enabled_marketplaces,omitempty"`
}

// Apply merges the patch into s and returns the result.
func (p SettingsPatch) Apply(s Settings) Settings {
	out := s.Clone()
	if p.Enabled != nil {
		out.Enabled = *p.Enabled
	}
	if p.CycleIntervalMinutes != nil {
		out.CycleIntervalMinutes = *p.CycleIntervalMinutes
	}
	if p.DiscountThresholdPercent != nil {
		out.DiscountThresholdPercent = *p.DiscountThresholdPercent
	}
	if p.NotificationsEnabled != nil {
		out.NotificationsEnabled = *p.NotificationsEnabled
	}
	if len(p.EnabledMarketplaces) > 0 {
		if out.EnabledMarketplaces == nil {
			out.EnabledMarketplaces = make(map[string]bool, len(p.EnabledMarketplaces))
		}
		for k, v := range p.EnabledMarketplaces {
			out.EnabledMarketplaces[k] = v
		}
	}
	return out
}

// RunMetadata holds cumulative run statistics.
type RunMetadata struct {
	LastCycleAt                *time.Time `json:"last_cycle_at"`
	TotalCycles                int64      `json:"total_cycles"`
	TotalOpportunitiesEverSeen int        `json:"total_opportunities_ever_seen"`
	LastOpportunityAt          *time.Time `json:"last_opportunity_at"`
	InstalledAt                *time.Time `json:"installed_at"`
}

// StatsPatch is shallow-merged into RunMetadata; nil fields are left unchanged.
type StatsPatch struct {
	LastCycleAt                *time.Time
	TotalCycles                *int64
	TotalOpportunitiesEverSeen *int
	LastOpportunityAt          *time.Time
	InstalledAt                *time.Time
}

// Apply merges the patch into m and returns the result.
func (p StatsPatch) Apply(m RunMetadata) RunMetadata {
	if p.LastCycleAt != nil {
		m.LastCycleAt = p.LastCycleAt
	}
	if p.TotalCycles != nil {
		m.TotalCycles = *p.TotalCycles
	}
	if p.TotalOpportunitiesEverSeen != nil {
		m.TotalOpportunitiesEverSeen = *p.TotalOpportunitiesEverSeen
	}
	if p.LastOpportunityAt != nil {
		m.LastOpportunityAt = p.LastOpportunityAt
	}
	if p.InstalledAt != nil {
		m.InstalledAt = p.InstalledAt
	}
	return m
}

// ErrorRecord is one entry of the bounded error log.
type ErrorRecord struct {
	ID         string    `json:"id"`
	Message    string    `json:"message"`
	Context    string    `json:"context,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}
