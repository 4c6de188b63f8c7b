package anomaly

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/acormier/vigil/internal/geo"
	"github.com/acormier/vigil/internal/idgen"
	"github.com/acormier/vigil/internal/metrics"
	"github.com/acormier/vigil/internal/traces"
)

// Detector fans an event out to its signal checks, sums the scores, and maps
// the classification to decision flags. Checks are independent and
// read-mostly; ordering among them never changes the result.
type Detector struct {
	cfg      Config
	events   EventStore
	analyses AnalysisStore
	locator  geo.Locator
	logger   *slog.Logger
	now      func() time.Time
}

// New creates a detector over the given stores with default thresholds.
func New(events EventStore, analyses AnalysisStore) *Detector {
	return &Detector{
		cfg:      DefaultConfig(),
		events:   events,
		analyses: analyses,
		locator:  geo.NewHashLocator(),
		logger:   slog.Default(),
		now:      time.Now,
	}
}

// WithConfig overrides the detection thresholds.
func (d *Detector) WithConfig(cfg Config) *Detector {
	d.cfg = cfg
	return d
}

// WithLocator substitutes the geolocation provider.
func (d *Detector) WithLocator(l geo.Locator) *Detector {
	d.locator = l
	return d
}

// WithLogger sets a custom logger.
func (d *Detector) WithLogger(logger *slog.Logger) *Detector {
	d.logger = logger
	return d
}

// AnalyzeLogin evaluates a login attempt and returns the decision flags for
// the authentication flow. It never returns an error: failed checks degrade
// to zero-score signals and an unexpected failure yields the safe default.
func (d *Detector) AnalyzeLogin(ctx context.Context, ev LoginEvent) (decision LoginDecision) {
	decision = LoginDecision{RiskLevel: RiskMinimal, Anomalies: []Signal{}}

	// Detection must never take logins down with it.
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("login analysis failed, returning safe default",
				"panic", r, "user_id", ev.UserID)
			decision = LoginDecision{RiskLevel: RiskMinimal, Anomalies: []Signal{}}
		}
	}()

	ctx, span := traces.StartSpan(ctx, "anomaly.AnalyzeLogin",
		traces.UserID(ev.UserID), traces.SourceIP(ev.IP))
	defer span.End()

	start := time.Now()
	signals := []Signal{
		d.runCheck(SignalFailedLogins, func() (Signal, error) {
			return d.checkFailedLogins(ctx, ev.UserID, ev.IP)
		}),
		d.checkUnusualTime(),
		d.runCheck(SignalUnusualLocation, func() (Signal, error) {
			return d.checkUnusualLocation(ctx, ev.UserID, ev.IP)
		}),
		d.runCheck(SignalUnusualDevice, func() (Signal, error) {
			return d.checkUnusualDevice(ctx, ev.UserID, ev.UserAgent)
		}),
	}

	analysis := d.compose(AnalysisLogin, signals)
	analysis.UserID = ev.UserID
	analysis.IP = ev.IP
	analysis.UserAgent = ev.UserAgent
	analysis.Success = ev.Success
	analysis.Metadata = ev.Metadata

	d.record(ctx, analysis)
	span.SetAttributes(traces.RiskLevel(string(analysis.RiskLevel)), traces.RiskScore(analysis.RiskScore))
	metrics.AnalysisDuration.WithLabelValues(string(AnalysisLogin)).Observe(time.Since(start).Seconds())

	decision = LoginDecision{
		AnalysisID:       analysis.ID,
		Anomalous:        len(analysis.Anomalies) > 0,
		RiskScore:        analysis.RiskScore,
		RiskLevel:        analysis.RiskLevel,
		Anomalies:        analysis.Anomalies,
		ShouldBlock:      analysis.RiskLevel == RiskHigh && !ev.Success,
		ShouldRequire2FA: analysis.RiskLevel == RiskHigh || analysis.RiskLevel == RiskMedium,
	}
	if decision.ShouldBlock {
		metrics.LoginBlocksTotal.Inc()
	}
	return decision
}

// AnalyzeActivity evaluates a user action and returns the decision flags for
// the request-handling flow. Same fail-open contract as AnalyzeLogin.
func (d *Detector) AnalyzeActivity(ctx context.Context, ev ActivityEvent) (decision ActivityDecision) {
	decision = ActivityDecision{RiskLevel: RiskMinimal, Anomalies: []Signal{}}

	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("activity analysis failed, returning safe default",
				"panic", r, "user_id", ev.UserID, "action", ev.Action)
			decision = ActivityDecision{RiskLevel: RiskMinimal, Anomalies: []Signal{}}
		}
	}()

	ctx, span := traces.StartSpan(ctx, "anomaly.AnalyzeActivity",
		traces.UserID(ev.UserID), traces.Action(ev.Action))
	defer span.End()

	start := time.Now()
	signals := []Signal{
		d.runCheck(SignalHighFrequency, func() (Signal, error) {
			return d.checkRequestFrequency(ctx, ev.UserID)
		}),
		d.runCheck(SignalUnusualEndpoint, func() (Signal, error) {
			return d.checkUnusualEndpoint(ctx, ev.UserID, ev.Endpoint)
		}),
		d.checkBulkDataAccess(ev.Action, ev.Metadata),
	}
	if mentionsPermissions(ev.Action) {
		signals = append(signals, d.runCheck(SignalPermissionChanges, func() (Signal, error) {
			return d.checkPermissionChanges(ctx, ev.UserID)
		}))
	}

	analysis := d.compose(AnalysisActivity, signals)
	analysis.UserID = ev.UserID
	analysis.Action = ev.Action
	analysis.Endpoint = ev.Endpoint
	analysis.Metadata = ev.Metadata

	d.record(ctx, analysis)
	span.SetAttributes(traces.RiskLevel(string(analysis.RiskLevel)), traces.RiskScore(analysis.RiskScore))
	metrics.AnalysisDuration.WithLabelValues(string(AnalysisActivity)).Observe(time.Since(start).Seconds())

	return ActivityDecision{
		AnalysisID:     analysis.ID,
		Anomalous:      len(analysis.Anomalies) > 0,
		RiskScore:      analysis.RiskScore,
		RiskLevel:      analysis.RiskLevel,
		Anomalies:      analysis.Anomalies,
		ShouldAlert:    analysis.RiskLevel == RiskHigh,
		ShouldThrottle: analysis.RiskLevel == RiskHigh || analysis.RiskLevel == RiskMedium,
	}
}

// Stats returns aggregate statistics over persisted analyses. A zero window
// defaults to 24 hours.
func (d *Detector) Stats(ctx context.Context, window time.Duration) (*Stats, error) {
	if window <= 0 {
		window = 24 * time.Hour
	}
	if d.analyses == nil {
		return &Stats{RiskLevels: map[RiskLevel]LevelStats{}, Window: window}, nil
	}
	return d.analyses.Stats(ctx, window)
}

// runCheck applies the fail-open contract: a check that errors contributes a
// zero-score non-anomalous signal instead of aborting the analysis.
func (d *Detector) runCheck(t SignalType, fn func() (Signal, error)) Signal {
	sig, err := fn()
	if err != nil {
		metrics.CheckFailuresTotal.WithLabelValues(string(t)).Inc()
		d.logger.Debug("anomaly check degraded to zero score", "signal", t, "error", err)
		return zeroSignal(t)
	}
	return sig
}

// compose folds signals into an Analysis: anomalous signals only, score as
// their sum, level as a pure function of the score.
func (d *Detector) compose(t AnalysisType, signals []Signal) *Analysis {
	anomalies := make([]Signal, 0, len(signals))
	var total float64
	for _, sig := range signals {
		if sig.Anomalous {
			anomalies = append(anomalies, sig)
			total += sig.RiskScore
			metrics.AnomalySignalsTotal.WithLabelValues(string(sig.Type)).Inc()
		}
	}

	a := &Analysis{
		ID:        idgen.WithPrefix("ana_"),
		Type:      t,
		Anomalies: anomalies,
		RiskScore: total,
		RiskLevel: Classify(total),
		Timestamp: d.now(),
	}
	metrics.AnalysesTotal.WithLabelValues(string(t), string(a.RiskLevel)).Inc()
	return a
}

// record persists the analysis and raises the HIGH-risk log line. Both are
// best-effort: a persistence failure is logged, never surfaced.
func (d *Detector) record(ctx context.Context, a *Analysis) {
	if d.analyses != nil {
		if err := d.analyses.Insert(ctx, a); err != nil {
			d.logger.Warn("failed to persist analysis", "analysis_id", a.ID, "error", err)
		}
	}

	if a.RiskLevel == RiskHigh {
		metrics.HighRiskAlertsTotal.Inc()
		types := make([]string, 0, len(a.Anomalies))
		scores := make([]float64, 0, len(a.Anomalies))
		for _, sig := range a.Anomalies {
			types = append(types, string(sig.Type))
			scores = append(scores, sig.RiskScore)
		}
		d.logger.Warn("high risk activity detected",
			"category", "security",
			"analysis_id", a.ID,
			"type", a.Type,
			"user_id", a.UserID,
			"risk_score", a.RiskScore,
			"signals", types,
			"signal_scores", scores,
		)
	}
}

// mentionsPermissions reports whether an action name concerns roles or
// permissions, gating the permission-churn check.
func mentionsPermissions(action string) bool {
	lower := strings.ToLower(action)
	return strings.Contains(lower, "permission") || strings.Contains(lower, "role")
}
