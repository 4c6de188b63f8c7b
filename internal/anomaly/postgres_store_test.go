package anomaly

import (
	"context"
	"testing"
	"time"

	"github.com/acormier/vigil/internal/testutil"
)

func TestPostgresStore_EventRoundTrip(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	events := []Event{
		{ID: "evt_1", Type: EventLoginFailed, UserID: "u1", IP: "1.1.1.1", Timestamp: now.Add(-10 * time.Minute)},
		{ID: "evt_2", Type: EventLoginFailed, UserID: "u2", IP: "1.1.1.1", Timestamp: now.Add(-20 * time.Minute)},
		{ID: "evt_3", Type: EventLoginSuccess, UserID: "u1", IP: "2.2.2.2", UserAgent: "Mozilla/5.0", Timestamp: now.Add(-5 * time.Minute)},
		{ID: "evt_4", Type: EventRequest, UserID: "u1", Endpoint: "/api/admin/users", Timestamp: now.Add(-time.Minute)},
	}
	for i := range events {
		if err := store.RecordEvent(ctx, &events[i]); err != nil {
			t.Fatalf("record event: %v", err)
		}
	}

	count, err := store.CountEvents(ctx, EventFilter{
		Types: []string{EventLoginFailed}, UserID: "u1", IP: "1.1.1.1", MatchAny: true,
	})
	if err != nil {
		t.Fatal(err)
	}
	if count != 2 {
		t.Errorf("match-any count = %d, want 2", count)
	}

	count, err = store.CountEvents(ctx, EventFilter{
		Types: []string{EventRequest}, UserID: "u1", EndpointPrefix: "/api/admin",
	})
	if err != nil {
		t.Fatal(err)
	}
	if count != 1 {
		t.Errorf("prefix count = %d, want 1", count)
	}

	recent, err := store.RecentEvents(ctx, EventFilter{UserID: "u1"}, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(recent) != 2 {
		t.Fatalf("recent events = %d, want 2", len(recent))
	}
	if recent[0].ID != "evt_4" {
		t.Errorf("newest event = %s, want evt_4", recent[0].ID)
	}
}

func TestPostgresStore_AnalysisRoundTrip(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	a := &Analysis{
		ID:        "ana_test1",
		Type:      AnalysisLogin,
		UserID:    "u1",
		IP:        "1.1.1.1",
		RiskScore: 85,
		RiskLevel: RiskHigh,
		Anomalies: []Signal{
			{Type: SignalFailedLogins, Anomalous: true, RiskScore: 50,
				Details: map[string]any{"hourlyCount": 12}},
			{Type: SignalUnusualDevice, Anomalous: true, RiskScore: 20},
			{Type: SignalUnusualTime, Anomalous: true, RiskScore: 15},
		},
		Metadata:  map[string]any{"source": "test"},
		Timestamp: now,
	}
	if err := store.Insert(ctx, a); err != nil {
		t.Fatalf("insert analysis: %v", err)
	}

	got, err := store.RecentAnalyses(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 {
		t.Fatalf("expected 1 analysis, got %d", len(got))
	}
	if got[0].RiskLevel != RiskHigh || got[0].RiskScore != 85 {
		t.Errorf("round trip lost score/level: %+v", got[0])
	}
	if len(got[0].Anomalies) != 3 {
		t.Errorf("round trip lost anomalies: %+v", got[0].Anomalies)
	}
}

func TestPostgresStore_Stats(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()
	now := time.Now().UTC()

	seed := []*Analysis{
		{ID: "s1", Type: AnalysisLogin, RiskScore: 80, RiskLevel: RiskHigh, Timestamp: now,
			Anomalies: []Signal{{Type: SignalFailedLogins, Anomalous: true, RiskScore: 50}}},
		{ID: "s2", Type: AnalysisLogin, RiskScore: 100, RiskLevel: RiskHigh, Timestamp: now,
			Anomalies: []Signal{{Type: SignalFailedLogins, Anomalous: true, RiskScore: 50}}},
		{ID: "s3", Type: AnalysisActivity, RiskScore: 0, RiskLevel: RiskMinimal, Timestamp: now},
		{ID: "s4", Type: AnalysisLogin, RiskScore: 40, RiskLevel: RiskLow, Timestamp: now.Add(-48 * time.Hour)},
	}
	for _, a := range seed {
		if err := store.Insert(ctx, a); err != nil {
			t.Fatal(err)
		}
	}

	stats, err := store.Stats(ctx, 24*time.Hour)
	if err != nil {
		t.Fatal(err)
	}

	if stats.TotalAnalyses != 3 {
		t.Errorf("total = %d, want 3", stats.TotalAnalyses)
	}
	high := stats.RiskLevels[RiskHigh]
	if high.Count != 2 || high.AvgScore != 90 {
		t.Errorf("HIGH stats = %+v, want count 2 avg 90", high)
	}
	if len(stats.TopAnomalies) != 1 || stats.TopAnomalies[0].Count != 2 {
		t.Errorf("top anomalies = %+v, want failed_logins x2", stats.TopAnomalies)
	}
}
