package notify

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/acormier/vigil/internal/anomaly"
	"github.com/acormier/vigil/internal/idgen"
)

var (
	webhookEmitTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "vigil",
		Subsystem: "webhook",
		Name:      "emit_total",
		Help:      "Total webhook emit attempts by event type.",
	}, []string{"event_type"})

	webhookEmitErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "vigil",
		Subsystem: "webhook",
		Name:      "emit_errors_total",
		Help:      "Total webhook emit failures by event type.",
	}, []string{"event_type"})
)

func init() {
	prometheus.MustRegister(webhookEmitTotal, webhookEmitErrors)
}

// Emitter wraps a Dispatcher to emit detection events to subscribers.
// All methods are fire-and-forget: errors are logged but never returned.
type Emitter struct {
	d      *Dispatcher
	logger *slog.Logger
}

// NewEmitter creates a new webhook emitter.
func NewEmitter(d *Dispatcher, logger *slog.Logger) *Emitter {
	return &Emitter{d: d, logger: logger}
}

func (e *Emitter) emit(eventType EventType, data map[string]interface{}) {
	if e == nil || e.d == nil {
		return
	}
	webhookEmitTotal.WithLabelValues(string(eventType)).Inc()
	event := &Event{
		ID:        idgen.WithPrefix("evt_"),
		Type:      eventType,
		Timestamp: time.Now(),
		Data:      data,
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := e.d.Dispatch(ctx, event); err != nil {
		webhookEmitErrors.WithLabelValues(string(eventType)).Inc()
		e.logger.Warn("webhook emit failed", "event", eventType, "error", err)
	}
}

// EmitHighRisk emits an analysis.high_risk event.
func (e *Emitter) EmitHighRisk(a *anomaly.Analysis) {
	signals := make([]string, 0, len(a.Anomalies))
	for _, sig := range a.Anomalies {
		signals = append(signals, string(sig.Type))
	}
	e.emit(EventHighRisk, map[string]interface{}{
		"analysisId": a.ID,
		"type":       string(a.Type),
		"userId":     a.UserID,
		"ip":         a.IP,
		"riskScore":  a.RiskScore,
		"riskLevel":  string(a.RiskLevel),
		"signals":    signals,
	})
}

// EmitLoginBlocked emits a login.blocked event.
func (e *Emitter) EmitLoginBlocked(userID, ip string, score float64) {
	e.emit(EventLoginBlocked, map[string]interface{}{
		"userId":    userID,
		"ip":        ip,
		"riskScore": score,
	})
}

// EmitThrottle emits an activity.throttled event.
func (e *Emitter) EmitThrottle(userID, action string, score float64) {
	e.emit(EventThrottle, map[string]interface{}{
		"userId":    userID,
		"action":    action,
		"riskScore": score,
	})
}
