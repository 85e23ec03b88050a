//go:build integration
// +build integration

package main

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	_ "github.com/lib/pq"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/conduitcrm/automation/automation"
)

// setupTestDB creates a PostgreSQL testcontainer and runs migrations
func setupTestDB(t *testing.T) (string, func()) {
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "postgres:15-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "test",
			"POSTGRES_PASSWORD": "test",
			"POSTGRES_DB":       "automation_test",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(60 * time.Second),
	}

	postgresContainer, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Fatalf("Failed to start postgres container: %v", err)
	}

	host, err := postgresContainer.Host(ctx)
	if err != nil {
		t.Fatalf("Failed to get container host: %v", err)
	}
	port, err := postgresContainer.MappedPort(ctx, "5432")
	if err != nil {
		t.Fatalf("Failed to get container port: %v", err)
	}

	connStr := fmt.Sprintf("host=%s port=%s user=test password=test dbname=automation_test sslmode=disable", host, port.Port())

	var db *sql.DB
	for i := 0; i < 30; i++ {
		db, err = sql.Open("postgres", connStr)
		if err == nil {
			err = db.Ping()
			if err == nil {
				break
			}
		}
		time.Sleep(time.Second)
	}
	if err != nil {
		t.Fatalf("Failed to connect to database: %v", err)
	}

	migrationSQL, err := os.ReadFile(filepath.Join("..", "..", "migrations", "000001_initial_schema.up.sql"))
	if err != nil {
		t.Fatalf("Failed to read migration file: %v", err)
	}
	if _, err := db.Exec(string(migrationSQL)); err != nil {
		t.Fatalf("Failed to run migrations: %v", err)
	}
	db.Close()

	cleanup := func() {
		postgresContainer.Terminate(ctx)
	}
	return connStr, cleanup
}

func setupServer(t *testing.T) (*httptest.Server, *Server, func()) {
	connStr, cleanupDB := setupTestDB(t)

	server, err := NewServer(connStr, 2, 16)
	if err != nil {
		cleanupDB()
		t.Fatalf("NewServer() failed: %v", err)
	}
	if err := server.pool.Start(context.Background()); err != nil {
		cleanupDB()
		t.Fatalf("pool.Start() failed: %v", err)
	}

	ts := httptest.NewServer(server)
	cleanup := func() {
		ts.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		server.pool.Stop(ctx)
		server.db.Close()
		cleanupDB()
	}
	return ts, server, cleanup
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	if err != nil {
		t.Fatalf("POST %s failed: %v", url, err)
	}
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var out T
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return out
}

func createTestWorkspace(t *testing.T, baseURL string) string {
	resp := postJSON(t, baseURL+"/api/v1/workspaces/", CreateWorkspaceRequest{Name: "acme"})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create workspace status = %d", resp.StatusCode)
	}
	ws := decode[map[string]any](t, resp)
	id, _ := ws["id"].(string)
	if id == "" {
		t.Fatal("create workspace returned no id")
	}
	return id
}

func ruleRequestBody() RuleRequest {
	return RuleRequest{
		Name:        "greeting",
		TriggerType: string(automation.TriggerNewMessage),
		Active:      true,
		Priority:    5,
		Body: automation.FlatBody(automation.Action{
			Type:   automation.ActionSendMessage,
			Params: map[string]any{"body": "welcome"},
		}),
	}
}

func TestServer_Health(t *testing.T) {
	ts, _, cleanup := setupServer(t)
	defer cleanup()

	resp, err := http.Get(ts.URL + "/api/v1/health")
	if err != nil {
		t.Fatalf("GET /health failed: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("health status = %d, want 200", resp.StatusCode)
	}
	body := decode[map[string]any](t, resp)
	if body["status"] != "healthy" {
		t.Errorf("status = %v, want healthy", body["status"])
	}
}

func TestServer_RuleLifecycle(t *testing.T) {
	ts, _, cleanup := setupServer(t)
	defer cleanup()

	wsID := createTestWorkspace(t, ts.URL)
	rulesURL := fmt.Sprintf("%s/api/v1/workspaces/%s/rules", ts.URL, wsID)

	// Create
	resp := postJSON(t, rulesURL, ruleRequestBody())
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create rule status = %d", resp.StatusCode)
	}
	created := decode[automation.BusinessRule](t, resp)
	if created.ID == "" {
		t.Fatal("created rule has no ID")
	}

	// Get
	resp, err := http.Get(fmt.Sprintf("%s/%s", rulesURL, created.ID))
	if err != nil {
		t.Fatalf("GET rule failed: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get rule status = %d", resp.StatusCode)
	}
	got := decode[automation.BusinessRule](t, resp)
	if got.Name != "greeting" || got.Priority != 5 {
		t.Errorf("rule round-trip mismatch: %+v", got)
	}

	// Update
	update := ruleRequestBody()
	update.Name = "renamed"
	data, _ := json.Marshal(update)
	req, _ := http.NewRequest(http.MethodPut, fmt.Sprintf("%s/%s", rulesURL, created.ID), bytes.NewReader(data))
	req.Header.Set("Content-Type", "application/json")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("PUT rule failed: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("update rule status = %d", resp.StatusCode)
	}
	resp.Body.Close()

	// Toggle without a body flips the flag.
	resp = postJSON(t, fmt.Sprintf("%s/%s/toggle", rulesURL, created.ID), struct{}{})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("toggle status = %d", resp.StatusCode)
	}
	toggled := decode[automation.BusinessRule](t, resp)
	if toggled.Active {
		t.Error("toggle should have deactivated the rule")
	}

	// Delete
	req, _ = http.NewRequest(http.MethodDelete, fmt.Sprintf("%s/%s", rulesURL, created.ID), nil)
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("DELETE rule failed: %v", err)
	}
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("delete rule status = %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp, _ = http.Get(fmt.Sprintf("%s/%s", rulesURL, created.ID))
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("get deleted rule status = %d, want 404", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestServer_RejectsInvalidRule(t *testing.T) {
	ts, _, cleanup := setupServer(t)
	defer cleanup()

	wsID := createTestWorkspace(t, ts.URL)
	rulesURL := fmt.Sprintf("%s/api/v1/workspaces/%s/rules", ts.URL, wsID)

	bad := ruleRequestBody()
	bad.Priority = 42
	resp := postJSON(t, rulesURL, bad)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("invalid priority status = %d, want 400", resp.StatusCode)
	}
	resp.Body.Close()

	bad = ruleRequestBody()
	bad.Condition = `payload.(((`
	resp = postJSON(t, rulesURL, bad)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("malformed condition status = %d, want 400", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestServer_SyncEventEvaluation(t *testing.T) {
	ts, _, cleanup := setupServer(t)
	defer cleanup()

	wsID := createTestWorkspace(t, ts.URL)
	rulesURL := fmt.Sprintf("%s/api/v1/workspaces/%s/rules", ts.URL, wsID)

	resp := postJSON(t, rulesURL, ruleRequestBody())
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create rule status = %d", resp.StatusCode)
	}
	created := decode[automation.BusinessRule](t, resp)

	resp = postJSON(t, ts.URL+"/api/v1/events", EventRequest{
		TriggerType: string(automation.TriggerNewMessage),
		WorkspaceID: wsID,
		ScopeKey:    "conv-1",
		Payload:     map[string]any{"message": "hello"},
		Sync:        true,
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("sync event status = %d", resp.StatusCode)
	}
	result := decode[EventResult](t, resp)
	if len(result.Records) != 1 || result.Records[0].Outcome != automation.OutcomeSuccess {
		t.Fatalf("records = %+v, want one success", result.Records)
	}

	// The execution shows up in the rule's log and counters.
	resp, err := http.Get(fmt.Sprintf("%s/%s/executions?limit=10", rulesURL, created.ID))
	if err != nil {
		t.Fatalf("GET executions failed: %v", err)
	}
	executions := decode[map[string][]*automation.ExecutionRecord](t, resp)
	if len(executions["executions"]) != 1 {
		t.Errorf("executions = %d entries, want 1", len(executions["executions"]))
	}

	resp, _ = http.Get(fmt.Sprintf("%s/%s", rulesURL, created.ID))
	rule := decode[automation.BusinessRule](t, resp)
	if rule.ExecutionCount != 1 || rule.SuccessCount != 1 {
		t.Errorf("counters: count=%d successes=%d, want 1/1", rule.ExecutionCount, rule.SuccessCount)
	}
}

func TestServer_QueuedEventEvaluation(t *testing.T) {
	ts, _, cleanup := setupServer(t)
	defer cleanup()

	wsID := createTestWorkspace(t, ts.URL)
	rulesURL := fmt.Sprintf("%s/api/v1/workspaces/%s/rules", ts.URL, wsID)

	resp := postJSON(t, rulesURL, ruleRequestBody())
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create rule status = %d", resp.StatusCode)
	}
	created := decode[automation.BusinessRule](t, resp)

	resp = postJSON(t, ts.URL+"/api/v1/events", EventRequest{
		TriggerType: string(automation.TriggerNewMessage),
		WorkspaceID: wsID,
		ScopeKey:    "conv-1",
		Payload:     map[string]any{"message": "hello"},
	})
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("queued event status = %d, want 202", resp.StatusCode)
	}
	accepted := decode[EventAccepted](t, resp)
	if accepted.Status != "queued" || accepted.EventID == "" {
		t.Errorf("accepted = %+v", accepted)
	}

	// Poll until the worker has recorded the execution.
	deadline := time.Now().Add(10 * time.Second)
	for {
		resp, _ = http.Get(fmt.Sprintf("%s/%s", rulesURL, created.ID))
		rule := decode[automation.BusinessRule](t, resp)
		if rule.ExecutionCount == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("queued event never executed, counters: %+v", rule.ExecutionCount)
		}
		time.Sleep(100 * time.Millisecond)
	}
}

func TestServer_TestRuleEndpoint(t *testing.T) {
	ts, _, cleanup := setupServer(t)
	defer cleanup()

	wsID := createTestWorkspace(t, ts.URL)
	rulesURL := fmt.Sprintf("%s/api/v1/workspaces/%s/rules", ts.URL, wsID)

	resp := postJSON(t, rulesURL, ruleRequestBody())
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create rule status = %d", resp.StatusCode)
	}
	created := decode[automation.BusinessRule](t, resp)

	resp = postJSON(t, fmt.Sprintf("%s/%s/test", rulesURL, created.ID), TestRuleRequest{})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("test rule status = %d", resp.StatusCode)
	}
	result := decode[automation.DryRunResult](t, resp)
	if result.Status != automation.DryRunSimulatedOK {
		t.Errorf("dry run status = %s, want %s", result.Status, automation.DryRunSimulatedOK)
	}

	// Dry runs never touch the counters.
	resp, _ = http.Get(fmt.Sprintf("%s/%s", rulesURL, created.ID))
	rule := decode[automation.BusinessRule](t, resp)
	if rule.ExecutionCount != 0 {
		t.Errorf("dry run mutated counters: %d", rule.ExecutionCount)
	}
}

func TestServer_UnknownWorkspace(t *testing.T) {
	ts, _, cleanup := setupServer(t)
	defer cleanup()

	resp := postJSON(t, ts.URL+"/api/v1/workspaces/00000000-0000-0000-0000-000000000000/rules", ruleRequestBody())
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown workspace status = %d, want 404", resp.StatusCode)
	}
	resp.Body.Close()
}
