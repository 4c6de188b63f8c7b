package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"testing"
	"time"

	"github.com/acormier/vigil/internal/anomaly"
)

func testHub() *Hub {
	return NewHub(slog.Default())
}

// ---------------------------------------------------------------------------
// shouldSend tests
// ---------------------------------------------------------------------------

func TestShouldSend_AllEvents(t *testing.T) {
	h := testHub()
	client := &Client{sub: Subscription{AllEvents: true}}

	event := &Event{Type: EventAnalysis, Timestamp: time.Now()}
	if !h.shouldSend(client, event) {
		t.Error("AllEvents client should receive all events")
	}
}

func TestShouldSend_EventTypeFilter(t *testing.T) {
	h := testHub()

	client := &Client{sub: Subscription{
		EventTypes: []EventType{EventHighRisk, EventLoginBlock},
	}}

	alertEvent := &Event{Type: EventHighRisk}
	blockEvent := &Event{Type: EventLoginBlock}
	analysisEvent := &Event{Type: EventAnalysis}

	if !h.shouldSend(client, alertEvent) {
		t.Error("Should receive high_risk_alert events")
	}
	if !h.shouldSend(client, blockEvent) {
		t.Error("Should receive login_block events")
	}
	if h.shouldSend(client, analysisEvent) {
		t.Error("Should NOT receive plain analysis events")
	}
}

func TestShouldSend_UserFilter(t *testing.T) {
	h := testHub()

	client := &Client{sub: Subscription{
		UserIDs: []string{"alice"},
	}}

	matching := &Event{
		Type: EventAnalysis,
		Data: map[string]interface{}{"userId": "alice"},
	}
	notMatching := &Event{
		Type: EventAnalysis,
		Data: map[string]interface{}{"userId": "bob"},
	}

	if !h.shouldSend(client, matching) {
		t.Error("Should match on userId")
	}
	if h.shouldSend(client, notMatching) {
		t.Error("Should NOT match other users")
	}
}

func TestShouldSend_RiskLevelFilter(t *testing.T) {
	h := testHub()

	client := &Client{sub: Subscription{
		RiskLevels: []string{"HIGH", "MEDIUM"},
	}}

	high := &Event{
		Type: EventHighRisk,
		Data: map[string]interface{}{"riskLevel": "HIGH"},
	}
	minimal := &Event{
		Type: EventAnalysis,
		Data: map[string]interface{}{"riskLevel": "MINIMAL"},
	}

	if !h.shouldSend(client, high) {
		t.Error("Should receive HIGH analyses")
	}
	if h.shouldSend(client, minimal) {
		t.Error("Should NOT receive MINIMAL analyses")
	}
}

func TestShouldSend_MinScoreFilter(t *testing.T) {
	h := testHub()

	client := &Client{sub: Subscription{
		MinScore: 50.0,
	}}

	risky := &Event{
		Type: EventAnalysis,
		Data: map[string]interface{}{"riskScore": 85.0},
	}
	quiet := &Event{
		Type: EventAnalysis,
		Data: map[string]interface{}{"riskScore": 15.0},
	}
	noScore := &Event{
		Type: EventStatsUpdate,
		Data: map[string]interface{}{"total": 3},
	}

	if !h.shouldSend(client, risky) {
		t.Error("Should receive high-scoring analysis")
	}
	if h.shouldSend(client, quiet) {
		t.Error("Should NOT receive low-scoring analysis")
	}
	if !h.shouldSend(client, noScore) {
		t.Error("MinScore filter should only apply to scored events")
	}
}

func TestShouldSend_EmptySubscription(t *testing.T) {
	h := testHub()

	// No filters, not AllEvents
	client := &Client{sub: Subscription{}}

	event := &Event{Type: EventAnalysis}
	if !h.shouldSend(client, event) {
		t.Error("Empty subscription (no filters) should receive events")
	}
}

func TestShouldSend_NonMapData(t *testing.T) {
	h := testHub()

	client := &Client{sub: Subscription{
		UserIDs: []string{"alice"},
	}}

	// Event with non-map data should not crash
	event := &Event{
		Type: EventStatsUpdate,
		Data: "string data not a map",
	}

	// User filter skips non-map data (can't extract the user), so event passes through
	if !h.shouldSend(client, event) {
		t.Error("Non-map data should pass through when user filter can't extract user")
	}
}

// ---------------------------------------------------------------------------
// Hub lifecycle tests
// ---------------------------------------------------------------------------

func TestHub_Stats_Initial(t *testing.T) {
	h := testHub()

	stats := h.Stats()
	if stats["connectedClients"].(int) != 0 {
		t.Errorf("Expected 0 connected clients, got %v", stats["connectedClients"])
	}
	if stats["totalEvents"].(int64) != 0 {
		t.Errorf("Expected 0 total events, got %v", stats["totalEvents"])
	}
}

func TestHub_BroadcastAndStats(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.Run(ctx)
	time.Sleep(50 * time.Millisecond)

	// Broadcast an event
	h.Broadcast(&Event{Type: EventAnalysis, Timestamp: time.Now()})
	time.Sleep(50 * time.Millisecond)

	stats := h.Stats()
	if stats["totalEvents"].(int64) != 1 {
		t.Errorf("Expected 1 total event, got %v", stats["totalEvents"])
	}
}

func TestHub_RegisterUnregister(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.Run(ctx)
	time.Sleep(50 * time.Millisecond)

	client := &Client{
		hub:  h,
		send: make(chan []byte, 256),
		sub:  Subscription{AllEvents: true},
	}

	h.register <- client
	time.Sleep(50 * time.Millisecond)

	stats := h.Stats()
	if stats["connectedClients"].(int) != 1 {
		t.Errorf("Expected 1 connected client, got %v", stats["connectedClients"])
	}
	if stats["peakClients"].(int64) != 1 {
		t.Errorf("Expected peak 1, got %v", stats["peakClients"])
	}

	h.unregister <- client
	time.Sleep(50 * time.Millisecond)

	stats = h.Stats()
	if stats["connectedClients"].(int) != 0 {
		t.Errorf("Expected 0 connected clients after unregister, got %v", stats["connectedClients"])
	}
	// Peak should still be 1
	if stats["peakClients"].(int64) != 1 {
		t.Errorf("Expected peak still 1, got %v", stats["peakClients"])
	}
}

func TestHub_BroadcastToClient(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.Run(ctx)
	time.Sleep(50 * time.Millisecond)

	client := &Client{
		hub:  h,
		send: make(chan []byte, 256),
		sub:  Subscription{AllEvents: true},
	}

	h.register <- client
	time.Sleep(50 * time.Millisecond)

	h.Broadcast(&Event{
		Type:      EventAnalysis,
		Timestamp: time.Now(),
		Data:      map[string]interface{}{"riskScore": 42.0},
	})

	select {
	case msg := <-client.send:
		if len(msg) == 0 {
			t.Error("Expected non-empty message")
		}
	case <-time.After(time.Second):
		t.Error("Timeout waiting for broadcast")
	}
}

func TestHub_BroadcastAnalysis_HighRiskBecomesAlert(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.Run(ctx)
	time.Sleep(50 * time.Millisecond)

	client := &Client{
		hub:  h,
		send: make(chan []byte, 256),
		sub:  Subscription{EventTypes: []EventType{EventHighRisk}},
	}

	h.register <- client
	time.Sleep(50 * time.Millisecond)

	h.BroadcastAnalysis(&anomaly.Analysis{
		ID:        "ana_1",
		Type:      anomaly.AnalysisLogin,
		UserID:    "alice",
		RiskScore: 85,
		RiskLevel: anomaly.RiskHigh,
		Anomalies: []anomaly.Signal{{Type: anomaly.SignalFailedLogins}},
	})

	select {
	case msg := <-client.send:
		var ev Event
		if err := json.Unmarshal(msg, &ev); err != nil {
			t.Fatalf("bad payload: %v", err)
		}
		if ev.Type != EventHighRisk {
			t.Errorf("event type = %s, want %s", ev.Type, EventHighRisk)
		}
	case <-time.After(time.Second):
		t.Error("Timeout waiting for high-risk alert")
	}

	// A MINIMAL analysis must not reach an alerts-only subscriber.
	h.BroadcastAnalysis(&anomaly.Analysis{
		ID: "ana_2", Type: anomaly.AnalysisActivity, RiskLevel: anomaly.RiskMinimal,
	})
	time.Sleep(100 * time.Millisecond)

	select {
	case <-client.send:
		t.Error("alerts-only client should not receive MINIMAL analysis")
	default:
	}
}

func TestHub_ContextCancellation(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		h.Run(ctx)
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case <-done:
		// Hub stopped
	case <-time.After(2 * time.Second):
		t.Error("Hub did not stop after context cancellation")
	}
}

func TestHub_FilteredBroadcast(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.Run(ctx)
	time.Sleep(50 * time.Millisecond)

	// Client only wants login blocks
	client := &Client{
		hub:  h,
		send: make(chan []byte, 256),
		sub:  Subscription{EventTypes: []EventType{EventLoginBlock}},
	}

	h.register <- client
	time.Sleep(50 * time.Millisecond)

	// Send an analysis event (should be filtered out)
	h.Broadcast(&Event{Type: EventAnalysis, Timestamp: time.Now()})
	time.Sleep(100 * time.Millisecond)

	select {
	case <-client.send:
		t.Error("Client should NOT receive analysis event")
	default:
		// Good - filtered out
	}

	// Send a login block (should be received)
	h.BroadcastLoginBlock("alice", "1.1.1.1", 90)

	select {
	case msg := <-client.send:
		if len(msg) == 0 {
			t.Error("Expected non-empty message")
		}
	case <-time.After(time.Second):
		t.Error("Client should receive login block event")
	}
}
