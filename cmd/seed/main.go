// Command seed generates synthetic traffic against a running Vigil instance.
//
// It simulates a population of users with stable devices and addresses, mixes
// in a few attack patterns (credential stuffing, bulk exports, permission
// churn), and reports the decisions the service returned.
//
// Usage:
//
//	go run ./cmd/seed -addr http://localhost:8080 -users 20 -events 200
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/brianvoe/gofakeit/v7"
)

type user struct {
	ID        string
	IP        string
	UserAgent string
}

type client struct {
	addr string
	http *http.Client
}

func main() {
	addr := flag.String("addr", "http://localhost:8080", "Vigil base URL")
	users := flag.Int("users", 20, "number of simulated users")
	events := flag.Int("events", 200, "number of events to send")
	seed := flag.Uint64("seed", 0, "random seed (0 uses a random one)")
	flag.Parse()

	var faker *gofakeit.Faker
	if *seed != 0 {
		faker = gofakeit.New(*seed)
	} else {
		faker = gofakeit.New(0)
	}

	population := make([]user, *users)
	for i := range population {
		population[i] = user{
			ID:        faker.Username(),
			IP:        faker.IPv4Address(),
			UserAgent: faker.UserAgent(),
		}
	}

	c := &client{addr: *addr, http: &http.Client{Timeout: 10 * time.Second}}

	var flagged, blocked int
	for i := 0; i < *events; i++ {
		u := population[faker.Number(0, len(population)-1)]

		var anomalous, shouldBlock bool
		var err error
		switch faker.Number(0, 9) {
		case 0: // credential stuffing burst
			for j := 0; j < 8; j++ {
				anomalous, shouldBlock, err = c.login(u.ID, faker.IPv4Address(), u.UserAgent, false)
			}
		case 1: // bulk export
			anomalous, _, err = c.activity(u.ID, "export_records", "/api/reports", map[string]any{
				"count": faker.Number(150, 5000),
			})
		case 2: // permission churn
			anomalous, _, err = c.activity(u.ID, "update_role", "/api/admin/roles", nil)
		case 3: // ordinary activity
			anomalous, _, err = c.activity(u.ID, "view_profile", "/api/profile", nil)
		default: // ordinary login
			anomalous, shouldBlock, err = c.login(u.ID, u.IP, u.UserAgent, faker.Number(0, 20) != 0)
		}
		if err != nil {
			log.Fatalf("request failed: %v", err)
		}
		if anomalous {
			flagged++
		}
		if shouldBlock {
			blocked++
		}
	}

	fmt.Printf("sent %d events: %d flagged, %d block recommendations\n", *events, flagged, blocked)
}

type decisionResponse struct {
	Decision struct {
		Anomalous   bool    `json:"anomalous"`
		RiskScore   float64 `json:"riskScore"`
		ShouldBlock bool    `json:"shouldBlock"`
	} `json:"decision"`
}

func (c *client) login(userID, ip, ua string, success bool) (anomalous, shouldBlock bool, err error) {
	resp, err := c.post("/v1/analyze/login", map[string]any{
		"userId":    userID,
		"ip":        ip,
		"userAgent": ua,
		"success":   success,
	})
	if err != nil {
		return false, false, err
	}
	return resp.Decision.Anomalous, resp.Decision.ShouldBlock, nil
}

func (c *client) activity(userID, action, endpoint string, metadata map[string]any) (anomalous, shouldBlock bool, err error) {
	resp, err := c.post("/v1/analyze/activity", map[string]any{
		"userId":   userID,
		"action":   action,
		"endpoint": endpoint,
		"metadata": metadata,
	})
	if err != nil {
		return false, false, err
	}
	return resp.Decision.Anomalous, false, nil
}

func (c *client) post(path string, payload map[string]any) (*decisionResponse, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	resp, err := c.http.Post(c.addr+path, "application/json", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%s returned status %d", path, resp.StatusCode)
	}

	var out decisionResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, err
	}
	return &out, nil
}
