package internal

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	pkgconfig "github.com/starford/veritas/pkg/config"
)

func testApp(t *testing.T) *App {
	t.Helper()
	cfg := NewDefaultConfig()
	cfg.SQLite.Path = filepath.Join(t.TempDir(), "veritas.db")
	app, err := New(context.Background(), WithConfig(cfg), WithLogOutput(io.Discard))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { app.Close() })
	return app
}

func TestNew_RequiresConfig(t *testing.T) {
	if _, err := New(context.Background()); err == nil {
		t.Fatal("expected error without config")
	}
}

func TestNew_UnknownRedis(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.SQLite.Path = filepath.Join(t.TempDir(), "veritas.db")
	cfg.Learner.Backend = BackendRedis
	cfg.Learner.RedisURL = "redis://127.0.0.1:1/0"
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := New(ctx, WithConfig(cfg), WithLogOutput(io.Discard)); err == nil {
		t.Fatal("expected error for unreachable redis")
	}
}

func TestRouter_Health(t *testing.T) {
	router := testApp(t).Router()

	for _, path := range []string{"/health/live", "/health/ready"} {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
		if w.Code != http.StatusOK {
			t.Errorf("%s = %d, want 200", path, w.Code)
		}
	}
}

func TestRouter_CommitQueryAndMetrics(t *testing.T) {
	router := testApp(t).Router()

	batch := `{"summary":"seed","vertices":[{"id":"paris","label":"Paris"},{"id":"france","label":"France"}],
"relationships":[{"subject":"paris","predicate":"capitalOf","object":"france"}]}`
	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/versions", strings.NewReader(batch)))
	if w.Code != http.StatusCreated {
		t.Fatalf("commit = %d, body = %s", w.Code, w.Body.String())
	}

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/query",
		strings.NewReader(`{"query":"What is the capital of France?"}`)))
	if w.Code != http.StatusOK {
		t.Fatalf("query = %d, body = %s", w.Code, w.Body.String())
	}
	if !strings.Contains(w.Body.String(), "Paris") {
		t.Errorf("answer missing Paris: %s", w.Body.String())
	}

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("metrics = %d", w.Code)
	}
	for _, name := range []string{"veritas_commits_total", "veritas_queries_total", "veritas_http_requests_total"} {
		if !strings.Contains(w.Body.String(), name) {
			t.Errorf("metrics output missing %s", name)
		}
	}
}

func TestRouter_MetricsDisabled(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.SQLite.Path = filepath.Join(t.TempDir(), "veritas.db")
	cfg.Telemetry.Metrics = false
	app, err := New(context.Background(), WithConfig(cfg), WithLogOutput(io.Discard))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer app.Close()

	w := httptest.NewRecorder()
	app.Router().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if w.Code != http.StatusNotFound {
		t.Errorf("metrics = %d, want 404", w.Code)
	}
}

func TestExampleConfigLoads(t *testing.T) {
	cfg := NewDefaultConfig()
	if err := pkgconfig.Load(filepath.Join("..", "config", "config.yaml"), cfg); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !cfg.Ingest.Enabled || cfg.Generator.Provider != ProviderExtractive {
		t.Errorf("cfg = %+v", cfg)
	}
}
