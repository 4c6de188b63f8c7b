package anomaly

import (
	"context"
	"time"

	"github.com/acormier/vigil/internal/geo"
)

// checkFailedLogins counts recent failed attempts for this user or address.
// A shared NAT can trip the threshold for an innocent user; the Details map
// carries both windows so callers can tell a user burst from an address burst.
func (d *Detector) checkFailedLogins(ctx context.Context, userID, ip string) (Signal, error) {
	now := d.now()

	base := EventFilter{
		Types:    []string{EventLoginFailed},
		UserID:   userID,
		IP:       ip,
		MatchAny: true,
	}

	hourFilter := base
	hourFilter.Since = now.Add(-time.Hour)
	hourly, err := d.events.CountEvents(ctx, hourFilter)
	if err != nil {
		return Signal{}, err
	}

	dayFilter := base
	dayFilter.Since = now.Add(-24 * time.Hour)
	daily, err := d.events.CountEvents(ctx, dayFilter)
	if err != nil {
		return Signal{}, err
	}

	sig := Signal{
		Type: SignalFailedLogins,
		Details: map[string]any{
			"hourlyCount": hourly,
			"dailyCount":  daily,
			"maxPerHour":  d.cfg.MaxFailedPerHour,
			"maxPerDay":   d.cfg.MaxFailedPerDay,
		},
	}

	if hourly > d.cfg.MaxFailedPerHour || daily > d.cfg.MaxFailedPerDay {
		sig.Anomalous = true
		sig.RiskScore = capScore(
			float64(hourly)*failedLoginHourlyWeight+float64(daily)*failedLoginDailyWeight,
			failedLoginCap,
		)
	}
	return sig, nil
}

// checkUnusualTime flags logins during the configured quiet hours.
// Pure function of the wall clock; cannot fail.
func (d *Detector) checkUnusualTime() Signal {
	hour := d.now().Hour()

	sig := Signal{
		Type: SignalUnusualTime,
		Details: map[string]any{
			"hour": hour,
		},
	}
	if d.cfg.UnusualHours[hour] {
		sig.Anomalous = true
		sig.RiskScore = unusualTimeScore
	}
	return sig
}

// checkUnusualLocation compares the estimated position of the current address
// against recent successful logins and flags impossible travel: a large
// distance covered in under an hour.
func (d *Detector) checkUnusualLocation(ctx context.Context, userID, ip string) (Signal, error) {
	now := d.now()

	history, err := d.events.RecentEvents(ctx, EventFilter{
		Types:  []string{EventLoginSuccess},
		UserID: userID,
		Since:  now.Add(-time.Duration(d.cfg.LocationWindowDays) * 24 * time.Hour),
	}, d.cfg.LocationLookback)
	if err != nil {
		return Signal{}, err
	}

	current := d.locator.Estimate(ip)

	var maxDistance float64
	for _, prev := range history {
		if prev.IP == "" || prev.IP == ip {
			continue
		}
		distance := geo.DistanceKm(current, d.locator.Estimate(prev.IP))
		elapsed := now.Sub(prev.Timestamp)

		if distance > d.cfg.MaxTravelKm && elapsed < time.Hour && distance > maxDistance {
			maxDistance = distance
		}
	}

	sig := Signal{
		Type: SignalUnusualLocation,
		Details: map[string]any{
			"priorLogins": len(history),
			"maxTravelKm": d.cfg.MaxTravelKm,
		},
	}
	if maxDistance > 0 {
		sig.Anomalous = true
		sig.RiskScore = capScore(maxDistance/locationScoreDivisor, locationCap)
		sig.Details["distanceKm"] = maxDistance
	}
	return sig, nil
}

// checkUnusualDevice flags a user-agent never seen for this user inside the
// device window. First-seen heuristic: an exact string match counts as known.
func (d *Detector) checkUnusualDevice(ctx context.Context, userID, userAgent string) (Signal, error) {
	history, err := d.events.RecentEvents(ctx, EventFilter{
		Types:  []string{EventLoginSuccess},
		UserID: userID,
		Since:  d.now().Add(-time.Duration(d.cfg.DeviceWindowDays) * 24 * time.Hour),
	}, 0)
	if err != nil {
		return Signal{}, err
	}

	known := false
	for _, prev := range history {
		if prev.UserAgent == userAgent {
			known = true
			break
		}
	}

	sig := Signal{
		Type: SignalUnusualDevice,
		Details: map[string]any{
			"priorLogins": len(history),
			"knownDevice": known,
		},
	}
	if !known {
		sig.Anomalous = true
		sig.RiskScore = unusualDeviceScore
	}
	return sig, nil
}

func capScore(score, limit float64) float64 {
	if score > limit {
		return limit
	}
	return score
}
