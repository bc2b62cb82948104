// Package store persists watcher state as JSON documents in a key-value backend.
//
// Every mutating operation is a read-modify-write of one document. Operations
// are serialised within the process; a single watcher process is assumed per
// key prefix.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/aluiziolira/go-arbitrage-watch/models"
)

// Document keys, relative to the key prefix.
const (
	KeySettings      = "settings"
	KeyOpportunities = "opportunities"
	KeyLastScrape    = "last_scrape"
	KeyErrors        = "errors"
	KeyStats         = "stats"
)

const (
	MaxOpportunities = 100
	MaxErrors        = 20
)

// Store is the watcher's durable state.
type Store struct {
	backend Backend
	prefix  string
	now     func() time.Time
	mu      sync.Mutex
}

// New wraps backend. prefix namespaces every key (e.g. "watcher:").
func New(backend Backend, prefix string) *Store {
	return &Store{backend: backend, prefix: prefix, now: time.Now}
}

// Close releases the backend.
func (s *Store) Close() error {
	return s.backend.Close()
}

func (s *Store) load(ctx context.Context, key string, dst any) (bool, error) {
	raw, err := s.backend.Get(ctx, s.prefix+key)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return false, fmt.Errorf("decode %s: %w", key, err)
	}
	return true, nil
}

func (s *Store) save(ctx context.Context, key string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	return s.backend.Set(ctx, s.prefix+key, raw)
}

// GetSettings returns the stored settings, or the defaults when none were saved.
func (s *Store) GetSettings(ctx context.Context) (models.Settings, error) {
	var settings models.Settings
	found, err := s.load(ctx, KeySettings, &settings)
	if err != nil {
		return models.Settings{}, err
	}
	if !found {
		return models.DefaultSettings(), nil
	}
	return settings, nil
}

// SetSettings replaces the settings document.
func (s *Store) SetSettings(ctx context.Context, settings models.Settings) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.save(ctx, KeySettings, settings)
}

// PatchSettings merges patch into the stored settings and persists the result.
func (s *Store) PatchSettings(ctx context.Context, patch models.SettingsPatch) (models.Settings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current := models.DefaultSettings()
	var stored models.Settings
	found, err := s.load(ctx, KeySettings, &stored)
	if err != nil {
		return models.Settings{}, err
	}
	if found {
		current = stored
	}
	next := patch.Apply(current)
	if err := next.Validate(); err != nil {
		return models.Settings{}, err
	}
	if err := s.save(ctx, KeySettings, next); err != nil {
		return models.Settings{}, err
	}
	return next, nil
}

// EnsureSettings writes the default settings and the install time on first
// run. It reports whether anything was written.
func (s *Store) EnsureSettings(ctx context.Context) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var existing models.Settings
	found, err := s.load(ctx, KeySettings, &existing)
	if err != nil {
		return false, err
	}
	if found {
		return false, nil
	}
	if err := s.save(ctx, KeySettings, models.DefaultSettings()); err != nil {
		return false, err
	}

	var stats models.RunMetadata
	if _, err := s.load(ctx, KeyStats, &stats); err != nil {
		return true, err
	}
	if stats.InstalledAt == nil {
		now := s.now().UTC()
		stats.InstalledAt = &now
		if err := s.save(ctx, KeyStats, stats); err != nil {
			return true, err
		}
	}
	return true, nil
}

// GetOpportunities returns the persisted opportunities, newest first.
func (s *Store) GetOpportunities(ctx context.Context) ([]models.Opportunity, error) {
	var opps []models.Opportunity
	if _, err := s.load(ctx, KeyOpportunities, &opps); err != nil {
		return nil, err
	}
	if opps == nil {
		opps = []models.Opportunity{}
	}
	return opps, nil
}

// AddOpportunities merges batch into the stored set. Per item and marketplace
// the entry with the later ObservedAt wins; the merged set is sorted newest
// first and cut to MaxOpportunities. The run statistics record the kept
// count and the time of this write.
func (s *Store) AddOpportunities(ctx context.Context, batch []models.Opportunity) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var existing []models.Opportunity
	if _, err := s.load(ctx, KeyOpportunities, &existing); err != nil {
		return err
	}

	merged := make(map[models.OpportunityKey]models.Opportunity, len(existing)+len(batch))
	for _, o := range existing {
		merged[o.Key()] = o
	}
	for _, o := range batch {
		if prev, ok := merged[o.Key()]; ok && o.ObservedAt.Before(prev.ObservedAt) {
			continue
		}
		merged[o.Key()] = o
	}

	out := make([]models.Opportunity, 0, len(merged))
	for _, o := range merged {
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].ObservedAt.Equal(out[j].ObservedAt) {
			return out[i].ObservedAt.After(out[j].ObservedAt)
		}
		return out[i].Key().String() < out[j].Key().String()
	})
	if len(out) > MaxOpportunities {
		out = out[:MaxOpportunities]
	}
	if err := s.save(ctx, KeyOpportunities, out); err != nil {
		return err
	}

	now := s.now().UTC()
	count := len(out)
	_, err := s.updateStats(ctx, models.StatsPatch{
		TotalOpportunitiesEverSeen: &count,
		LastOpportunityAt:          &now,
	})
	return err
}

// ClearOpportunities empties the opportunity set.
func (s *Store) ClearOpportunities(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.save(ctx, KeyOpportunities, []models.Opportunity{})
}

// RemoveOpportunity drops the entry for one item and marketplace. It reports
// whether an entry was removed.
func (s *Store) RemoveOpportunity(ctx context.Context, catalogItemID, marketplace string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var opps []models.Opportunity
	if _, err := s.load(ctx, KeyOpportunities, &opps); err != nil {
		return false, err
	}
	target := models.OpportunityKey{CatalogItemID: catalogItemID, Marketplace: marketplace}
	kept := make([]models.Opportunity, 0, len(opps))
	for _, o := range opps {
		if o.Key() != target {
			kept = append(kept, o)
		}
	}
	if len(kept) == len(opps) {
		return false, nil
	}
	return true, s.save(ctx, KeyOpportunities, kept)
}

// GetLastScrape returns the time of the last finished cycle, or nil.
func (s *Store) GetLastScrape(ctx context.Context) (*time.Time, error) {
	var ts time.Time
	found, err := s.load(ctx, KeyLastScrape, &ts)
	if err != nil || !found {
		return nil, err
	}
	return &ts, nil
}

// UpdateLastScrape records at as the last finished cycle.
func (s *Store) UpdateLastScrape(ctx context.Context, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.save(ctx, KeyLastScrape, at.UTC())
}

// LogError prepends record to the error log, keeping the newest MaxErrors.
func (s *Store) LogError(ctx context.Context, record models.ErrorRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var records []models.ErrorRecord
	if _, err := s.load(ctx, KeyErrors, &records); err != nil {
		return err
	}
	if record.OccurredAt.IsZero() {
		record.OccurredAt = s.now().UTC()
	}
	records = append([]models.ErrorRecord{record}, records...)
	if len(records) > MaxErrors {
		records = records[:MaxErrors]
	}
	return s.save(ctx, KeyErrors, records)
}

// GetErrors returns the error log, most recent first.
func (s *Store) GetErrors(ctx context.Context) ([]models.ErrorRecord, error) {
	var records []models.ErrorRecord
	if _, err := s.load(ctx, KeyErrors, &records); err != nil {
		return nil, err
	}
	if records == nil {
		records = []models.ErrorRecord{}
	}
	return records, nil
}

// ClearErrors empties the error log.
func (s *Store) ClearErrors(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.save(ctx, KeyErrors, []models.ErrorRecord{})
}

// GetStats returns the run statistics; a fresh store yields zero values.
func (s *Store) GetStats(ctx context.Context) (models.RunMetadata, error) {
	var stats models.RunMetadata
	if _, err := s.load(ctx, KeyStats, &stats); err != nil {
		return models.RunMetadata{}, err
	}
	return stats, nil
}

// UpdateStats shallow-merges patch into the run statistics.
func (s *Store) UpdateStats(ctx context.Context, patch models.StatsPatch) (models.RunMetadata, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updateStats(ctx, patch)
}

// RecordCycle counts one finished cycle ending at at.
func (s *Store) RecordCycle(ctx context.Context, at time.Time) (models.RunMetadata, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var stats models.RunMetadata
	if _, err := s.load(ctx, KeyStats, &stats); err != nil {
		return models.RunMetadata{}, err
	}
	at = at.UTC()
	stats.LastCycleAt = &at
	stats.TotalCycles++
	if err := s.save(ctx, KeyStats, stats); err != nil {
		return models.RunMetadata{}, err
	}
	return stats, nil
}

func (s *Store) updateStats(ctx context.Context, patch models.StatsPatch) (models.RunMetadata, error) {
	var stats models.RunMetadata
	if _, err := s.load(ctx, KeyStats, &stats); err != nil {
		return models.RunMetadata{}, err
	}
	stats = patch.Apply(stats)
	if err := s.save(ctx, KeyStats, stats); err != nil {
		return models.RunMetadata{}, err
	}
	return stats, nil
}
