package server

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/acormier/vigil/internal/anomaly"
	"github.com/acormier/vigil/internal/config"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// testConfig returns a minimal config for testing
func testConfig() *config.Config {
	return &config.Config{
		Port:         "0",
		Env:          "development",
		LogLevel:     "error",
		RateLimitRPS: 100,
	}
}

// newTestServer creates a server backed by in-memory stores
func newTestServer(t *testing.T) (*Server, *anomaly.MemoryStore) {
	t.Helper()
	store := anomaly.NewMemoryStore()
	s, err := New(testConfig(), WithStores(store, store))
	if err != nil {
		t.Fatalf("Failed to create server: %v", err)
	}
	return s, store
}

func doJSON(s *Server, method, path, body string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	s.router.ServeHTTP(w, req)
	return w
}

// ---------------------------------------------------------------------------
// Health endpoint tests
// ---------------------------------------------------------------------------

func TestHealthEndpoint(t *testing.T) {
	s, _ := newTestServer(t)

	w := doJSON(s, "GET", "/health", "")

	if w.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", w.Code)
	}

	var resp map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to parse response: %v", err)
	}

	if resp["status"] != "healthy" {
		t.Errorf("Expected status 'healthy', got %v", resp["status"])
	}
}

func TestLivenessEndpoint(t *testing.T) {
	s, _ := newTestServer(t)

	w := doJSON(s, "GET", "/health/live", "")
	if w.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", w.Code)
	}
}

func TestReadinessEndpoint(t *testing.T) {
	s, _ := newTestServer(t)

	w := doJSON(s, "GET", "/health/ready", "")

	// Server hasn't called Run() so ready is false
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected 503 (not ready), got %d", w.Code)
	}
}

// ---------------------------------------------------------------------------
// Route registration tests
// ---------------------------------------------------------------------------

func TestCoreRoutesRegistered(t *testing.T) {
	s, _ := newTestServer(t)

	routes := s.router.Routes()
	expected := []string{
		"GET:/health",
		"GET:/health/live",
		"GET:/health/ready",
		"GET:/metrics",
		"GET:/ws",
		"POST:/v1/analyze/login",
		"POST:/v1/analyze/activity",
		"POST:/v1/events",
		"GET:/v1/events/recent",
		"GET:/v1/stats/anomalies",
		"POST:/v1/webhooks",
		"GET:/v1/webhooks",
		"DELETE:/v1/webhooks/:webhookId",
	}

	routeSet := make(map[string]bool)
	for _, route := range routes {
		routeSet[route.Method+":"+route.Path] = true
	}

	for _, e := range expected {
		if !routeSet[e] {
			t.Errorf("Core route %s not registered", e)
		}
	}
}

// ---------------------------------------------------------------------------
// Login analysis tests
// ---------------------------------------------------------------------------

func TestAnalyzeLogin_CleanHistory(t *testing.T) {
	s, _ := newTestServer(t)

	body := `{"userId":"alice","ip":"203.0.113.7","userAgent":"Mozilla/5.0","success":true}`
	w := doJSON(s, "POST", "/v1/analyze/login", body)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var resp struct {
		Decision anomaly.LoginDecision `json:"decision"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to parse response: %v", err)
	}

	// A first login can still trip the odd-hours check depending on when the
	// test runs, but it never reaches a risk level with consequences.
	if resp.Decision.ShouldBlock {
		t.Error("Clean first login must not be blocked")
	}
	if resp.Decision.RiskLevel != anomaly.RiskMinimal {
		t.Errorf("Expected MINIMAL, got %s", resp.Decision.RiskLevel)
	}
	if resp.Decision.AnalysisID == "" {
		t.Error("Expected analysisId in decision")
	}
}

func TestAnalyzeLogin_FailedBurst(t *testing.T) {
	s, store := newTestServer(t)

	ctx := context.Background()
	for i := 0; i < 6; i++ {
		store.RecordEvent(ctx, &anomaly.Event{
			ID:        fmt.Sprintf("evt_%d", i),
			Type:      anomaly.EventLoginFailed,
			UserID:    "mallory",
			IP:        "203.0.113.9",
			Timestamp: time.Now().Add(-10 * time.Minute),
		})
	}

	body := `{"userId":"mallory","ip":"203.0.113.9","success":false}`
	w := doJSON(s, "POST", "/v1/analyze/login", body)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var resp struct {
		Decision anomaly.LoginDecision `json:"decision"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to parse response: %v", err)
	}

	if !resp.Decision.Anomalous {
		t.Error("Expected anomalous decision after failed-login burst")
	}
	if resp.Decision.RiskScore < 40 {
		t.Errorf("Expected score >= 40, got %.1f", resp.Decision.RiskScore)
	}
	found := false
	for _, sig := range resp.Decision.Anomalies {
		if sig.Type == anomaly.SignalFailedLogins {
			found = true
		}
	}
	if !found {
		t.Error("Expected failed_logins signal in anomalies")
	}
}

func TestAnalyzeLogin_RecordsAttemptAsHistory(t *testing.T) {
	s, store := newTestServer(t)

	body := `{"userId":"bob","ip":"198.51.100.4","success":false}`
	doJSON(s, "POST", "/v1/analyze/login", body)

	count, err := store.CountEvents(context.Background(), anomaly.EventFilter{
		Types:  []string{anomaly.EventLoginFailed},
		UserID: "bob",
	})
	if err != nil {
		t.Fatalf("CountEvents failed: %v", err)
	}
	if count != 1 {
		t.Errorf("Expected 1 recorded login_failed event, got %d", count)
	}
}

func TestAnalyzeLogin_Validation(t *testing.T) {
	s, _ := newTestServer(t)

	tests := []struct {
		name string
		body string
	}{
		{"missing fields", `{}`},
		{"bad ip", `{"userId":"alice","ip":"not-an-ip"}`},
		{"bad user id", `{"userId":"has space","ip":"203.0.113.7"}`},
		{"not json", `not json`},
	}

	for _, tc := range tests {
		w := doJSON(s, "POST", "/v1/analyze/login", tc.body)
		if w.Code != http.StatusBadRequest {
			t.Errorf("%s: expected 400, got %d", tc.name, w.Code)
		}
	}
}

// ---------------------------------------------------------------------------
// Activity analysis tests
// ---------------------------------------------------------------------------

func TestAnalyzeActivity_BulkExport(t *testing.T) {
	s, _ := newTestServer(t)

	body := `{"userId":"carol","action":"export_users","endpoint":"/api/data/export","metadata":{"count":250}}`
	w := doJSON(s, "POST", "/v1/analyze/activity", body)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var resp struct {
		Decision anomaly.ActivityDecision `json:"decision"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to parse response: %v", err)
	}

	if !resp.Decision.Anomalous {
		t.Error("Expected anomalous decision for bulk export")
	}
	if resp.Decision.RiskScore != 25 {
		t.Errorf("Expected score 25, got %.1f", resp.Decision.RiskScore)
	}
	if len(resp.Decision.Anomalies) != 1 || resp.Decision.Anomalies[0].Type != anomaly.SignalBulkDataAccess {
		t.Errorf("Expected single bulk_data_access signal, got %+v", resp.Decision.Anomalies)
	}
	if resp.Decision.ShouldThrottle {
		t.Error("MINIMAL-level decision must not recommend throttling")
	}
}

func TestAnalyzeActivity_PermissionChurnThrottles(t *testing.T) {
	s, store := newTestServer(t)

	ctx := context.Background()
	for i := 0; i < 9; i++ {
		store.RecordEvent(ctx, &anomaly.Event{
			ID:        fmt.Sprintf("role_%d", i),
			Type:      anomaly.EventRoleChange,
			UserID:    "dave",
			Timestamp: time.Now().Add(-5 * time.Minute),
		})
	}

	body := `{"userId":"dave","action":"update_role","endpoint":"/api/admin/roles"}`
	w := doJSON(s, "POST", "/v1/analyze/activity", body)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var resp struct {
		Decision anomaly.ActivityDecision `json:"decision"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to parse response: %v", err)
	}

	// 9 role changes at weight 8 plus first privileged endpoint access.
	if resp.Decision.RiskScore != 97 {
		t.Errorf("Expected score 97, got %.1f", resp.Decision.RiskScore)
	}
	if resp.Decision.RiskLevel != anomaly.RiskHigh {
		t.Errorf("Expected HIGH, got %s", resp.Decision.RiskLevel)
	}
	if !resp.Decision.ShouldAlert || !resp.Decision.ShouldThrottle {
		t.Error("HIGH-risk activity must alert and throttle")
	}
}

func TestAnalyzeActivity_Validation(t *testing.T) {
	s, _ := newTestServer(t)

	w := doJSON(s, "POST", "/v1/analyze/activity", `{"userId":"carol"}`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for missing action, got %d", w.Code)
	}

	w = doJSON(s, "POST", "/v1/analyze/activity", `{"userId":"carol","action":"view","endpoint":"no-slash"}`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for relative endpoint, got %d", w.Code)
	}
}

// ---------------------------------------------------------------------------
// Event ingest tests
// ---------------------------------------------------------------------------

func TestIngestEvent(t *testing.T) {
	s, _ := newTestServer(t)

	body := `{"type":"login_failed","userId":"eve","ip":"203.0.113.50"}`
	w := doJSON(s, "POST", "/v1/events", body)

	if w.Code != http.StatusCreated {
		t.Fatalf("Expected 201, got %d: %s", w.Code, w.Body.String())
	}

	var resp struct {
		Event anomaly.Event `json:"event"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to parse response: %v", err)
	}
	if !strings.HasPrefix(resp.Event.ID, "evt_") {
		t.Errorf("Expected evt_ ID, got %q", resp.Event.ID)
	}

	// The ingested event is visible in the recent feed
	w = doJSON(s, "GET", "/v1/events/recent?userId=eve", "")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	var feed struct {
		Events []anomaly.Event `json:"events"`
		Count  int             `json:"count"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &feed); err != nil {
		t.Fatalf("Failed to parse feed: %v", err)
	}
	if feed.Count != 1 || feed.Events[0].UserID != "eve" {
		t.Errorf("Expected 1 event for eve, got %+v", feed)
	}
}

func TestRecentEvents_CursorPagination(t *testing.T) {
	s, store := newTestServer(t)

	ctx := context.Background()
	base := time.Now().Add(-time.Hour)
	for i := 0; i < 5; i++ {
		store.RecordEvent(ctx, &anomaly.Event{
			ID:        fmt.Sprintf("evt_%d", i),
			Type:      anomaly.EventRequest,
			UserID:    "frank",
			Timestamp: base.Add(time.Duration(i) * time.Minute),
		})
	}

	w := doJSON(s, "GET", "/v1/events/recent?userId=frank&limit=3", "")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	var page struct {
		Events     []anomaly.Event `json:"events"`
		NextCursor string          `json:"nextCursor"`
		HasMore    bool            `json:"hasMore"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &page); err != nil {
		t.Fatalf("Failed to parse page: %v", err)
	}
	if len(page.Events) != 3 || !page.HasMore || page.NextCursor == "" {
		t.Fatalf("Expected full first page with cursor, got %+v", page)
	}
	if page.Events[0].ID != "evt_4" {
		t.Errorf("Expected newest event first, got %s", page.Events[0].ID)
	}

	w = doJSON(s, "GET", "/v1/events/recent?userId=frank&limit=3&cursor="+page.NextCursor, "")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200 for second page, got %d", w.Code)
	}
	if err := json.Unmarshal(w.Body.Bytes(), &page); err != nil {
		t.Fatalf("Failed to parse second page: %v", err)
	}
	if len(page.Events) != 2 || page.HasMore {
		t.Fatalf("Expected final page of 2, got %+v", page)
	}
	if page.Events[0].ID != "evt_1" {
		t.Errorf("Expected evt_1 first on second page, got %s", page.Events[0].ID)
	}
}

func TestRecentEvents_BadParams(t *testing.T) {
	s, _ := newTestServer(t)

	w := doJSON(s, "GET", "/v1/events/recent?since=yesterday", "")
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for bad since, got %d", w.Code)
	}

	w = doJSON(s, "GET", "/v1/events/recent?limit=9999", "")
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for oversized limit, got %d", w.Code)
	}

	w = doJSON(s, "GET", "/v1/events/recent?cursor=not-base64!!!", "")
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for bad cursor, got %d", w.Code)
	}
}

// ---------------------------------------------------------------------------
// Stats tests
// ---------------------------------------------------------------------------

func TestAnomalyStats(t *testing.T) {
	s, _ := newTestServer(t)

	// Produce a couple of analyses first
	doJSON(s, "POST", "/v1/analyze/login", `{"userId":"alice","ip":"203.0.113.7","success":true}`)
	doJSON(s, "POST", "/v1/analyze/activity", `{"userId":"alice","action":"view_profile"}`)

	w := doJSON(s, "GET", "/v1/stats/anomalies?window=24h", "")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var resp struct {
		Window string        `json:"window"`
		Stats  anomaly.Stats `json:"stats"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to parse response: %v", err)
	}
	if resp.Window != "24h0m0s" {
		t.Errorf("Expected window 24h0m0s, got %s", resp.Window)
	}
	if resp.Stats.TotalAnalyses != 2 {
		t.Errorf("Expected 2 analyses, got %d", resp.Stats.TotalAnalyses)
	}
}

func TestAnomalyStats_BadWindow(t *testing.T) {
	s, _ := newTestServer(t)

	w := doJSON(s, "GET", "/v1/stats/anomalies?window=-1h", "")
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for negative window, got %d", w.Code)
	}
}

// ---------------------------------------------------------------------------
// Admin guard tests
// ---------------------------------------------------------------------------

func TestWebhookRoutes_AdminSecret(t *testing.T) {
	cfg := testConfig()
	cfg.AdminSecret = "s3cret"
	store := anomaly.NewMemoryStore()
	s, err := New(cfg, WithStores(store, store))
	if err != nil {
		t.Fatalf("Failed to create server: %v", err)
	}

	// Without the header
	w := doJSON(s, "GET", "/v1/webhooks", "")
	if w.Code != http.StatusForbidden {
		t.Errorf("Expected 403 without admin secret, got %d", w.Code)
	}

	// With the header
	w = httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/v1/webhooks", nil)
	req.Header.Set("X-Admin-Secret", "s3cret")
	s.router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("Expected 200 with admin secret, got %d: %s", w.Code, w.Body.String())
	}
}

// ---------------------------------------------------------------------------
// 404 test
// ---------------------------------------------------------------------------

func TestNotFoundRoute(t *testing.T) {
	s, _ := newTestServer(t)

	w := doJSON(s, "GET", "/v1/nonexistent", "")
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected 404, got %d", w.Code)
	}
}

// ---------------------------------------------------------------------------
// Lifecycle tests
// ---------------------------------------------------------------------------

func TestRun_ReadyAndStopsOnContextCancel(t *testing.T) {
	s, _ := newTestServer(t)

	// Attach a lazy DB handle so Run starts the pool stats collector.
	// sql.Open does not connect, and reading pool stats needs no connection.
	db, err := sql.Open("postgres", "postgres://localhost:1/vigil?sslmode=disable")
	if err != nil {
		t.Fatal(err)
	}
	s.db = db

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for !s.ready.Load() {
		if time.Now().After(deadline) {
			t.Fatal("server never became ready")
		}
		time.Sleep(10 * time.Millisecond)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run returned error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after context cancel")
	}
}
