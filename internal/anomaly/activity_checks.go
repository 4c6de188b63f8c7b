package anomaly

import (
	"context"
	"strings"
	"time"
)

// checkRequestFrequency counts this user's requests over the trailing minute
// and hour and flags floods.
func (d *Detector) checkRequestFrequency(ctx context.Context, userID string) (Signal, error) {
	now := d.now()

	perMinute, err := d.events.CountEvents(ctx, EventFilter{
		Types:  []string{EventRequest},
		UserID: userID,
		Since:  now.Add(-time.Minute),
	})
	if err != nil {
		return Signal{}, err
	}

	perHour, err := d.events.CountEvents(ctx, EventFilter{
		Types:  []string{EventRequest},
		UserID: userID,
		Since:  now.Add(-time.Hour),
	})
	if err != nil {
		return Signal{}, err
	}

	sig := Signal{
		Type: SignalHighFrequency,
		Details: map[string]any{
			"perMinute":    perMinute,
			"perHour":      perHour,
			"maxPerMinute": d.cfg.MaxRequestsPerMinute,
			"maxPerHour":   d.cfg.MaxRequestsPerHour,
		},
	}
	if perMinute > d.cfg.MaxRequestsPerMinute || perHour > d.cfg.MaxRequestsPerHour {
		sig.Anomalous = true
		sig.RiskScore = capScore(
			float64(perMinute)*frequencyMinuteWeight+float64(perHour)/frequencyHourDivisor,
			frequencyCap,
		)
	}
	return sig, nil
}

// checkUnusualEndpoint flags a user's first touch of a privileged endpoint
// family. Endpoints outside the privileged prefixes are trivially clean.
func (d *Detector) checkUnusualEndpoint(ctx context.Context, userID, endpoint string) (Signal, error) {
	sig := Signal{
		Type: SignalUnusualEndpoint,
		Details: map[string]any{
			"endpoint": endpoint,
		},
	}

	prefix := ""
	for _, p := range d.cfg.PrivilegedPrefixes {
		if strings.HasPrefix(endpoint, p) {
			prefix = p
			break
		}
	}
	if prefix == "" {
		return sig, nil
	}

	prior, err := d.events.CountEvents(ctx, EventFilter{
		Types:          []string{EventRequest},
		UserID:         userID,
		EndpointPrefix: prefix,
		Since:          d.now().Add(-time.Duration(d.cfg.EndpointWindowDays) * 24 * time.Hour),
	})
	if err != nil {
		return Signal{}, err
	}

	sig.Details["privilegedPrefix"] = prefix
	sig.Details["priorAccesses"] = prior

	if prior == 0 {
		sig.Anomalous = true
		sig.RiskScore = unusualEndpointScore
	}
	return sig, nil
}

// checkPermissionChanges counts role and account mutations for this user in
// the trailing hour. The score has no cap: each further change past the
// threshold raises it.
func (d *Detector) checkPermissionChanges(ctx context.Context, userID string) (Signal, error) {
	count, err := d.events.CountEvents(ctx, EventFilter{
		Types:  []string{EventRoleChange, EventUserUpdate},
		UserID: userID,
		Since:  d.now().Add(-time.Hour),
	})
	if err != nil {
		return Signal{}, err
	}

	sig := Signal{
		Type: SignalPermissionChanges,
		Details: map[string]any{
			"changesLastHour": count,
			"maxPerHour":      d.cfg.MaxPermissionChangesPerHour,
		},
	}
	if count > d.cfg.MaxPermissionChangesPerHour {
		sig.Anomalous = true
		sig.RiskScore = float64(count) * d.cfg.PermissionChangeWeight
	}
	return sig, nil
}

// checkBulkDataAccess flags export-like actions whose caller-supplied volume
// indicator exceeds the bulk threshold. Pure function of its inputs.
func (d *Detector) checkBulkDataAccess(action string, metadata map[string]any) Signal {
	sig := Signal{
		Type: SignalBulkDataAccess,
		Details: map[string]any{
			"action": action,
		},
	}

	lower := strings.ToLower(action)
	matched := false
	for _, kw := range d.cfg.BulkKeywords {
		if strings.Contains(lower, kw) {
			matched = true
			break
		}
	}
	if !matched {
		return sig
	}

	volume := volumeIndicator(metadata)
	sig.Details["records"] = volume
	sig.Details["maxRecords"] = d.cfg.MaxBulkRecords

	if volume > d.cfg.MaxBulkRecords {
		sig.Anomalous = true
		sig.RiskScore = capScore(volume/bulkScoreDivisor, bulkCap)
	}
	return sig
}

// volumeIndicator extracts the record count from caller-supplied metadata.
// Accepts count, records, or items; JSON-decoded numbers arrive as float64.
func volumeIndicator(metadata map[string]any) float64 {
	for _, key := range []string{"count", "records", "items"} {
		switch v := metadata[key].(type) {
		case float64:
			return v
		case int:
			return float64(v)
		case int64:
			return float64(v)
		}
	}
	return 0
}
