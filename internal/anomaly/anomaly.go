// Package anomaly implements behavioral anomaly detection and risk scoring
// for authentication and user-activity events.
//
// Every login attempt and sensitive user action is evaluated by a set of
// independent signal checks (failed-login bursts, odd hours, impossible
// travel, new devices, request floods, first-touch privileged endpoints,
// rapid permission churn, bulk data pulls). Signal scores are summed into a
// composite risk score, classified into a risk level, and mapped to decision
// flags the authentication flow acts on: block, require a second factor,
// alert, throttle.
//
// The detector is deliberately fail-open: a store outage or a failing check
// degrades to a zero-score signal rather than an error. Detection must never
// become an availability hazard for login.
package anomaly

import (
	"context"
	"time"
)

// RiskLevel classifies a composite risk score.
type RiskLevel string

const (
	RiskMinimal RiskLevel = "MINIMAL"
	RiskLow     RiskLevel = "LOW"
	RiskMedium  RiskLevel = "MEDIUM"
	RiskHigh    RiskLevel = "HIGH"
)

// Risk level boundaries, evaluated high to low.
const (
	HighThreshold   = 80.0
	MediumThreshold = 60.0
	LowThreshold    = 30.0
)

// Classify maps a risk score to its level.
func Classify(score float64) RiskLevel {
	switch {
	case score >= HighThreshold:
		return RiskHigh
	case score >= MediumThreshold:
		return RiskMedium
	case score >= LowThreshold:
		return RiskLow
	default:
		return RiskMinimal
	}
}

// SignalType identifies one anomaly check.
type SignalType string

const (
	SignalFailedLogins      SignalType = "failed_logins"
	SignalUnusualTime       SignalType = "unusual_time"
	SignalUnusualLocation   SignalType = "unusual_location"
	SignalUnusualDevice     SignalType = "unusual_device"
	SignalHighFrequency     SignalType = "high_frequency"
	SignalUnusualEndpoint   SignalType = "unusual_endpoint"
	SignalPermissionChanges SignalType = "rapid_permission_changes"
	SignalBulkDataAccess    SignalType = "bulk_data_access"
)

// Signal is the verdict of a single anomaly check. Signals are created fresh
// per analysis, folded into an Analysis, and never mutated.
type Signal struct {
	Type      SignalType     `json:"type"`
	Anomalous bool           `json:"anomalous"`
	RiskScore float64        `json:"riskScore"`
	Details   map[string]any `json:"details,omitempty"`
}

// zeroSignal is the fail-open default for a check that errored or found
// nothing: non-anomalous, score zero.
func zeroSignal(t SignalType) Signal {
	return Signal{Type: t}
}

// AnalysisType distinguishes the two evaluation flows.
type AnalysisType string

const (
	AnalysisLogin    AnalysisType = "login_attempt"
	AnalysisActivity AnalysisType = "user_activity"
)

// Analysis is one composite risk evaluation for one event. Persisted
// append-only; never updated or deleted by this package.
type Analysis struct {
	ID        string         `json:"id"`
	Type      AnalysisType   `json:"type"`
	UserID    string         `json:"userId,omitempty"`
	IP        string         `json:"ip,omitempty"`
	UserAgent string         `json:"userAgent,omitempty"`
	Success   bool           `json:"success"`
	Action    string         `json:"action,omitempty"`
	Endpoint  string         `json:"endpoint,omitempty"`
	Anomalies []Signal       `json:"anomalies"`
	RiskScore float64        `json:"riskScore"`
	RiskLevel RiskLevel      `json:"riskLevel"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// LoginEvent describes an inbound login attempt.
type LoginEvent struct {
	UserID    string
	IP        string
	UserAgent string
	Success   bool
	Metadata  map[string]any
}

// ActivityEvent describes a user action against an endpoint.
type ActivityEvent struct {
	UserID   string
	Action   string
	Endpoint string
	Metadata map[string]any
}

// LoginDecision is returned to the authentication flow.
type LoginDecision struct {
	AnalysisID       string    `json:"analysisId,omitempty"`
	Anomalous        bool      `json:"anomalous"`
	RiskScore        float64   `json:"riskScore"`
	RiskLevel        RiskLevel `json:"riskLevel"`
	Anomalies        []Signal  `json:"anomalies"`
	ShouldBlock      bool      `json:"shouldBlock"`
	ShouldRequire2FA bool      `json:"shouldRequire2FA"`
}

// ActivityDecision is returned to the request-handling flow.
type ActivityDecision struct {
	AnalysisID     string    `json:"analysisId,omitempty"`
	Anomalous      bool      `json:"anomalous"`
	RiskScore      float64   `json:"riskScore"`
	RiskLevel      RiskLevel `json:"riskLevel"`
	Anomalies      []Signal  `json:"anomalies"`
	ShouldAlert    bool      `json:"shouldAlert"`
	ShouldThrottle bool      `json:"shouldThrottle"`
}

// Event is a raw security event as recorded by the surrounding application:
// login outcomes, requests, permission changes.
type Event struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	UserID    string    `json:"userId,omitempty"`
	IP        string    `json:"ip,omitempty"`
	UserAgent string    `json:"userAgent,omitempty"`
	Endpoint  string    `json:"endpoint,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Well-known event types consumed by the checks.
const (
	EventLoginFailed  = "login_failed"
	EventLoginSuccess = "login_success"
	EventRequest      = "request"
	EventRoleChange   = "role_change"
	EventUserUpdate   = "user_update"
)

// EventFilter selects historical events. Zero-value fields are ignored.
type EventFilter struct {
	// Types restricts to the given event types.
	Types []string
	// UserID matches the event's user.
	UserID string
	// IP matches the event's source address.
	IP string
	// MatchAny widens UserID/IP into an OR: same user or same address.
	// With MatchAny false, set fields must all match.
	MatchAny bool
	// EndpointPrefix matches events whose endpoint starts with the prefix.
	EndpointPrefix string
	// Since is the inclusive lower bound on the event timestamp.
	Since time.Time
	// Before is the exclusive upper bound on the event timestamp. Used for
	// cursor pagination over the event feed.
	Before time.Time
}

// EventStore provides read access to historical security events plus the
// ingest path. Implementations must be safe for concurrent use.
type EventStore interface {
	RecordEvent(ctx context.Context, ev *Event) error
	CountEvents(ctx context.Context, f EventFilter) (int, error)
	// RecentEvents returns up to limit matching events, newest first.
	RecentEvents(ctx context.Context, f EventFilter, limit int) ([]Event, error)
}

// AnalysisStore persists composite analyses for audit and statistics.
type AnalysisStore interface {
	Insert(ctx context.Context, a *Analysis) error
	Stats(ctx context.Context, window time.Duration) (*Stats, error)
}

// LevelStats aggregates persisted analyses for one risk level.
type LevelStats struct {
	Count    int     `json:"count"`
	AvgScore float64 `json:"avgScore"`
}

// TypeCount ranks one anomaly type by frequency.
type TypeCount struct {
	Type  SignalType `json:"type"`
	Count int        `json:"count"`
}

// Stats summarizes persisted analyses over a lookback window.
type Stats struct {
	RiskLevels    map[RiskLevel]LevelStats `json:"riskLevels"`
	TopAnomalies  []TypeCount              `json:"topAnomalies"`
	TotalAnalyses int                      `json:"totalAnalyses"`
	Window        time.Duration            `json:"-"`
}
