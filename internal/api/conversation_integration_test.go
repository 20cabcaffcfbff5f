//go:build integration

package api_test

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/soaringjerry/Elicit/internal/middleware"
)

// Runs against a server started with the example seed file, e.g.
//
//	ELICIT_SEED_FILE=deploy/seed.example.yaml ELICIT_DB_DRIVER=memory go run ./cmd/server
func baseURL() string {
	if v := os.Getenv("ELICIT_TEST_BASE_URL"); strings.TrimSpace(v) != "" {
		return strings.TrimRight(v, "/")
	}
	return "http://127.0.0.1:8080"
}

func projectID() string {
	if v := os.Getenv("ELICIT_TEST_PROJECT"); v != "" {
		return v
	}
	return "demo"
}

func TestConversationJourneyIntegration(t *testing.T) {
	client := &http.Client{Timeout: 5 * time.Second}
	base := baseURL()
	auth := middleware.NewAuth(os.Getenv("ELICIT_JWT_SECRET"))
	gateway, err := auth.SignToken("integration", middleware.RoleGateway, time.Hour)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	reviewer, err := auth.SignToken("integration", "linguist", time.Hour)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}

	address := fmt.Sprintf("+2557%09d", time.Now().UnixNano()%1_000_000_000)
	type reply struct {
		Replies []struct {
			Text string `json:"text"`
		} `json:"replies"`
		Duplicate bool   `json:"duplicate"`
		State     string `json:"state"`
	}
	send := func(id, text string) reply {
		var out reply
		doPost(t, client, base+"/api/inbound", gateway, map[string]any{
			"project_id":      projectID(),
			"channel_address": address,
			"message_id":      id,
			"modality":        "text",
			"payload":         text,
		}, &out)
		return out
	}

	first := send("m1", "hello")
	if len(first.Replies) == 0 || first.State != "awaiting_answer" {
		t.Fatalf("unexpected first reply: %+v", first)
	}
	second := send("m2", "mama")
	if len(second.Replies) == 0 {
		t.Fatalf("no reply to answer: %+v", second)
	}
	if dup := send("m2", "mama"); !dup.Duplicate {
		t.Fatalf("redelivered message not flagged duplicate: %+v", dup)
	}

	req, err := http.NewRequest(http.MethodGet, base+"/api/projects/"+projectID()+"/progress", nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+reviewer)
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("progress request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("unexpected progress status %d: %s", resp.StatusCode, body)
	}
	var progress struct {
		Progress []struct {
			Answered int `json:"answered"`
		} `json:"progress"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&progress); err != nil {
		t.Fatalf("decode progress: %v", err)
	}
	if len(progress.Progress) == 0 {
		t.Fatalf("expected progress rows")
	}
}

func doPost(t *testing.T, client *http.Client, url, token string, body any, out any) {
	t.Helper()
	payload, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal body: %v", err)
	}
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if strings.TrimSpace(token) != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("http post %s failed: %v", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		bodyBytes, _ := io.ReadAll(resp.Body)
		t.Fatalf("unexpected status %d for %s: %s", resp.StatusCode, url, string(bodyBytes))
	}
	if out != nil {
		decoder := json.NewDecoder(resp.Body)
		if err := decoder.Decode(out); err != nil && err != io.EOF {
			t.Fatalf("decode response from %s: %v", url, err)
		}
	}
}
