package anomaly

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// PostgresStore persists security events and analyses in PostgreSQL.
// It implements both EventStore and AnalysisStore.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed event and analysis store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the security_events and anomaly_analyses tables if they
// don't exist. cmd/migrate applies the same schema through goose; this path
// covers deployments that skip the migration step.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS security_events (
			id          VARCHAR(64) PRIMARY KEY,
			event_type  VARCHAR(32) NOT NULL,
			user_id     VARCHAR(64) NOT NULL DEFAULT '',
			ip          VARCHAR(64) NOT NULL DEFAULT '',
			user_agent  TEXT NOT NULL DEFAULT '',
			endpoint    TEXT NOT NULL DEFAULT '',
			occurred_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE INDEX IF NOT EXISTS idx_security_events_user
			ON security_events (user_id, event_type, occurred_at DESC);

		CREATE INDEX IF NOT EXISTS idx_security_events_ip
			ON security_events (ip, event_type, occurred_at DESC);

		CREATE TABLE IF NOT EXISTS anomaly_analyses (
			id          VARCHAR(64) PRIMARY KEY,
			type        VARCHAR(20) NOT NULL CHECK (type IN ('login_attempt', 'user_activity')),
			user_id     VARCHAR(64) NOT NULL DEFAULT '',
			ip          VARCHAR(64) NOT NULL DEFAULT '',
			risk_score  NUMERIC(8,2) NOT NULL,
			risk_level  VARCHAR(10) NOT NULL CHECK (risk_level IN ('MINIMAL', 'LOW', 'MEDIUM', 'HIGH')),
			anomalies   JSONB NOT NULL DEFAULT '[]',
			metadata    JSONB NOT NULL DEFAULT '{}',
			analyzed_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE INDEX IF NOT EXISTS idx_anomaly_analyses_time
			ON anomaly_analyses (analyzed_at DESC);

		CREATE INDEX IF NOT EXISTS idx_anomaly_analyses_user
			ON anomaly_analyses (user_id, analyzed_at DESC);
	`)
	return err
}

func (s *PostgresStore) RecordEvent(ctx context.Context, ev *Event) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO security_events (id, event_type, user_id, ip, user_agent, endpoint, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, ev.ID, ev.Type, ev.UserID, ev.IP, ev.UserAgent, ev.Endpoint, ev.Timestamp)
	if err != nil {
		return fmt.Errorf("failed to record security event: %w", err)
	}
	return nil
}

func (s *PostgresStore) CountEvents(ctx context.Context, f EventFilter) (int, error) {
	where, args := buildEventWhere(f)

	var count int
	query := "SELECT COUNT(*) FROM security_events" + where
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count security events: %w", err)
	}
	return count, nil
}

func (s *PostgresStore) RecentEvents(ctx context.Context, f EventFilter, limit int) ([]Event, error) {
	where, args := buildEventWhere(f)

	query := `
		SELECT id, event_type, user_id, ip, user_agent, endpoint, occurred_at
		FROM security_events` + where + `
		ORDER BY occurred_at DESC`
	if limit > 0 {
		args = append(args, limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list security events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var result []Event
	for rows.Next() {
		var ev Event
		if err := rows.Scan(&ev.ID, &ev.Type, &ev.UserID, &ev.IP, &ev.UserAgent, &ev.Endpoint, &ev.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan security event: %w", err)
		}
		result = append(result, ev)
	}
	return result, rows.Err()
}

// buildEventWhere translates an EventFilter into a WHERE clause. MatchAny
// widens the user and address conditions into a single OR group.
func buildEventWhere(f EventFilter) (string, []any) {
	var conds []string
	var args []any

	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if len(f.Types) > 0 {
		placeholders := make([]string, len(f.Types))
		for i, t := range f.Types {
			placeholders[i] = arg(t)
		}
		conds = append(conds, "event_type IN ("+strings.Join(placeholders, ", ")+")")
	}

	if f.MatchAny && (f.UserID != "" || f.IP != "") {
		var ors []string
		if f.UserID != "" {
			ors = append(ors, "user_id = "+arg(f.UserID))
		}
		if f.IP != "" {
			ors = append(ors, "ip = "+arg(f.IP))
		}
		conds = append(conds, "("+strings.Join(ors, " OR ")+")")
	} else {
		if f.UserID != "" {
			conds = append(conds, "user_id = "+arg(f.UserID))
		}
		if f.IP != "" {
			conds = append(conds, "ip = "+arg(f.IP))
		}
	}

	if f.EndpointPrefix != "" {
		conds = append(conds, "endpoint LIKE "+arg(f.EndpointPrefix+"%"))
	}

	if !f.Since.IsZero() {
		conds = append(conds, "occurred_at >= "+arg(f.Since))
	}

	if !f.Before.IsZero() {
		conds = append(conds, "occurred_at < "+arg(f.Before))
	}

	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func (s *PostgresStore) Insert(ctx context.Context, a *Analysis) error {
	anomaliesJSON, err := json.Marshal(a.Anomalies)
	if err != nil {
		return fmt.Errorf("failed to marshal anomalies: %w", err)
	}
	metadata := a.Metadata
	if metadata == nil {
		metadata = map[string]any{}
	}
	metadataJSON, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO anomaly_analyses (id, type, user_id, ip, risk_score, risk_level, anomalies, metadata, analyzed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`,
		a.ID,
		string(a.Type),
		a.UserID,
		a.IP,
		a.RiskScore,
		string(a.RiskLevel),
		anomaliesJSON,
		metadataJSON,
		a.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("failed to insert analysis: %w", err)
	}
	return nil
}

func (s *PostgresStore) Stats(ctx context.Context, window time.Duration) (*Stats, error) {
	cutoff := time.Now().Add(-window)

	stats := &Stats{
		RiskLevels: make(map[RiskLevel]LevelStats),
		Window:     window,
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT risk_level, COUNT(*), AVG(risk_score)
		FROM anomaly_analyses
		WHERE analyzed_at >= $1
		GROUP BY risk_level
	`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate risk levels: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var level string
		var ls LevelStats
		if err := rows.Scan(&level, &ls.Count, &ls.AvgScore); err != nil {
			return nil, fmt.Errorf("failed to scan risk level row: %w", err)
		}
		stats.RiskLevels[RiskLevel(level)] = ls
		stats.TotalAnalyses += ls.Count
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sigRows, err := s.db.QueryContext(ctx, `
		SELECT sig->>'type' AS signal, COUNT(*)
		FROM anomaly_analyses, jsonb_array_elements(anomalies) AS sig
		WHERE analyzed_at >= $1
		GROUP BY signal
		ORDER BY COUNT(*) DESC, signal ASC
		LIMIT 10
	`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate signals: %w", err)
	}
	defer func() { _ = sigRows.Close() }()

	for sigRows.Next() {
		var tc TypeCount
		if err := sigRows.Scan(&tc.Type, &tc.Count); err != nil {
			return nil, fmt.Errorf("failed to scan signal row: %w", err)
		}
		stats.TopAnomalies = append(stats.TopAnomalies, tc)
	}
	return stats, sigRows.Err()
}

// RecentAnalyses returns up to limit analyses, newest first.
func (s *PostgresStore) RecentAnalyses(ctx context.Context, limit int) ([]*Analysis, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, type, user_id, ip, risk_score, risk_level, anomalies, metadata, analyzed_at
		FROM anomaly_analyses
		ORDER BY analyzed_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list analyses: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var result []*Analysis
	for rows.Next() {
		var a Analysis
		var anomaliesJSON, metadataJSON []byte

		if err := rows.Scan(&a.ID, &a.Type, &a.UserID, &a.IP, &a.RiskScore, &a.RiskLevel,
			&anomaliesJSON, &metadataJSON, &a.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan analysis: %w", err)
		}
		a.Anomalies = []Signal{}
		_ = json.Unmarshal(anomaliesJSON, &a.Anomalies)
		_ = json.Unmarshal(metadataJSON, &a.Metadata)
		result = append(result, &a)
	}
	return result, rows.Err()
}
