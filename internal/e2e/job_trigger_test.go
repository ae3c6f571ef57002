package e2e

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func loginToken(t *testing.T, srv *httptest.Server, username, password string) string {
	t.Helper()
	resp := postJSON(t, srv.Client(), srv.URL+"/auth/login", "", map[string]string{
		"username": username,
		"password": password,
	})
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("login status: %d", resp.StatusCode)
	}
	var login struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&login); err != nil {
		t.Fatalf("decode login: %v", err)
	}
	return login.Token
}

func TestOnDemandSweepIsAdminOnly(t *testing.T) {
	srv, queue := newServerWithQueue(t)
	client := srv.Client()
	admin := loginToken(t, srv, "admin", "Adm1n-Secret!")

	// Anonymous callers never reach the queue.
	resp := postJSON(t, client, srv.URL+"/jobs/sweep", "", struct{}{})
	if resp.StatusCode != http.StatusNotFound && resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected refusal without a token, got %d", resp.StatusCode)
	}
	_ = resp.Body.Close()

	resp = postJSON(t, client, srv.URL+"/users", admin, map[string]any{
		"username": "dev",
		"email":    "dev@nimbus.local",
		"password": "Dev-Secret1!",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create user status: %d", resp.StatusCode)
	}
	_ = resp.Body.Close()

	dev := loginToken(t, srv, "dev", "Dev-Secret1!")
	resp = postJSON(t, client, srv.URL+"/jobs/sweep", dev, struct{}{})
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 for non-admin, got %d", resp.StatusCode)
	}
	_ = resp.Body.Close()
	if queue.sweeps != 0 {
		t.Fatalf("queue touched by refused callers: %d", queue.sweeps)
	}

	resp = postJSON(t, client, srv.URL+"/jobs/sweep", admin, struct{}{})
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202 for admin, got %d", resp.StatusCode)
	}
	var enqueued struct {
		TaskID string `json:"task_id"`
		Queue  string `json:"queue"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&enqueued); err != nil {
		t.Fatalf("decode enqueue response: %v", err)
	}
	_ = resp.Body.Close()
	if enqueued.TaskID == "" {
		t.Fatal("expected a task id")
	}
	if queue.sweeps != 1 {
		t.Fatalf("expected 1 sweep enqueued, got %d", queue.sweeps)
	}
}

func TestOnDemandCleanupOverHTTP(t *testing.T) {
	srv, queue := newServerWithQueue(t)
	admin := loginToken(t, srv, "admin", "Adm1n-Secret!")

	resp := postJSON(t, srv.Client(), srv.URL+"/jobs/cleanup", admin, map[string]int{
		"max_age_hours": 12,
	})
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", resp.StatusCode)
	}
	_ = resp.Body.Close()
	if queue.cleanups != 1 {
		t.Fatalf("expected 1 cleanup enqueued, got %d", queue.cleanups)
	}
}
