// cmd/server/server_test.go
package main

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/valpere/crawlguard/internal/scraper"
)

func writeConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "crawlguard.yaml")
	yaml := fmt.Sprintf(`server:
  address: "127.0.0.1:0"
  shutdown_timeout: 2s
  requests_per_second: 0
metrics:
  listen_address: "127.0.0.1:0"
storage:
  sql:
    driver: sqlite
    dsn: %q
`, filepath.Join(dir, "server.db"))
	if err := os.WriteFile(path, []byte(yaml), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestConfigPath(t *testing.T) {
	t.Setenv("CRAWLGUARD_CONFIG", "/etc/crawlguard.yaml")

	if got := configPath([]string{"local.yaml"}); got != "local.yaml" {
		t.Errorf("argument ignored: %q", got)
	}
	if got := configPath(nil); got != "/etc/crawlguard.yaml" {
		t.Errorf("environment ignored: %q", got)
	}
}

func TestHealthEndpoint(t *testing.T) {
	cfg, err := loadConfig(writeConfig(t))
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	rt, err := scraper.Build(context.Background(), cfg, "test")
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	defer rt.Close()

	server := httptest.NewServer(newHTTPServer(cfg, rt).Handler)
	defer server.Close()

	resp, err := http.Get(server.URL + "/health")
	if err != nil {
		t.Fatalf("health check failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected status 200, got %d", resp.StatusCode)
	}
}

func TestRun_ShutsDownOnCancel(t *testing.T) {
	path := writeConfig(t)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- run(ctx, path) }()

	time.Sleep(200 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("run: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("server did not shut down")
	}
}

func TestRun_BadConfig(t *testing.T) {
	if err := run(context.Background(), filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing config")
	}
}
