package anomaly

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryStore implements EventStore and AnalysisStore in memory.
// Used in demo mode and tests; data does not survive a restart.
type MemoryStore struct {
	mu       sync.RWMutex
	events   []Event
	analyses []*Analysis
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) RecordEvent(ctx context.Context, ev *Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, *ev)
	return nil
}

func (s *MemoryStore) CountEvents(ctx context.Context, f EventFilter) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	count := 0
	for i := range s.events {
		if matchEvent(&s.events[i], f) {
			count++
		}
	}
	return count, nil
}

func (s *MemoryStore) RecentEvents(ctx context.Context, f EventFilter, limit int) ([]Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []Event
	for i := range s.events {
		if matchEvent(&s.events[i], f) {
			result = append(result, s.events[i])
		}
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].Timestamp.After(result[j].Timestamp)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (s *MemoryStore) Insert(ctx context.Context, a *Analysis) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Shallow copy is enough: analyses are never mutated after creation.
	cp := *a
	s.analyses = append(s.analyses, &cp)
	return nil
}

func (s *MemoryStore) Stats(ctx context.Context, window time.Duration) (*Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cutoff := time.Now().Add(-window)

	levelCounts := make(map[RiskLevel]int)
	levelTotals := make(map[RiskLevel]float64)
	typeCounts := make(map[SignalType]int)
	total := 0

	for _, a := range s.analyses {
		if a.Timestamp.Before(cutoff) {
			continue
		}
		total++
		levelCounts[a.RiskLevel]++
		levelTotals[a.RiskLevel] += a.RiskScore
		for _, sig := range a.Anomalies {
			typeCounts[sig.Type]++
		}
	}

	stats := &Stats{
		RiskLevels:    make(map[RiskLevel]LevelStats, len(levelCounts)),
		TotalAnalyses: total,
		Window:        window,
	}
	for level, count := range levelCounts {
		stats.RiskLevels[level] = LevelStats{
			Count:    count,
			AvgScore: levelTotals[level] / float64(count),
		}
	}

	for t, c := range typeCounts {
		stats.TopAnomalies = append(stats.TopAnomalies, TypeCount{Type: t, Count: c})
	}
	sort.Slice(stats.TopAnomalies, func(i, j int) bool {
		if stats.TopAnomalies[i].Count != stats.TopAnomalies[j].Count {
			return stats.TopAnomalies[i].Count > stats.TopAnomalies[j].Count
		}
		return stats.TopAnomalies[i].Type < stats.TopAnomalies[j].Type
	})
	if len(stats.TopAnomalies) > 10 {
		stats.TopAnomalies = stats.TopAnomalies[:10]
	}
	return stats, nil
}

// RecentAnalyses returns up to limit analyses, newest first. Used by the
// HTTP surface; not part of the detector's own contract.
func (s *MemoryStore) RecentAnalyses(ctx context.Context, limit int) ([]*Analysis, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := len(s.analyses)
	if limit <= 0 || limit > n {
		limit = n
	}

	result := make([]*Analysis, 0, limit)
	for i := n - 1; i >= n-limit; i-- {
		cp := *s.analyses[i]
		result = append(result, &cp)
	}
	return result, nil
}

// matchEvent applies an EventFilter to a single event.
func matchEvent(ev *Event, f EventFilter) bool {
	if len(f.Types) > 0 {
		ok := false
		for _, t := range f.Types {
			if ev.Type == t {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}

	if !f.Since.IsZero() && ev.Timestamp.Before(f.Since) {
		return false
	}

	if !f.Before.IsZero() && !ev.Timestamp.Before(f.Before) {
		return false
	}

	if f.EndpointPrefix != "" && !strings.HasPrefix(ev.Endpoint, f.EndpointPrefix) {
		return false
	}

	if f.MatchAny {
		if f.UserID == "" && f.IP == "" {
			return true
		}
		return (f.UserID != "" && ev.UserID == f.UserID) ||
			(f.IP != "" && ev.IP == f.IP)
	}

	if f.UserID != "" && ev.UserID != f.UserID {
		return false
	}
	if f.IP != "" && ev.IP != f.IP {
		return false
	}
	return true
}
