package httpapi

import (
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gobbyhq/gobby/internal/config"
	"github.com/gobbyhq/gobby/internal/secrets"
)

func configEnv(t *testing.T) *testEnv {
	env := newTestEnv(t)
	dir := t.TempDir()
	manager := config.NewManager(filepath.Join(dir, "config.json"), config.Default())
	svc, err := secrets.NewService(dir, env.stores.Secrets)
	if err != nil {
		t.Fatalf("secrets: %v", err)
	}
	NewConfigHandler(manager, svc, nil).RegisterRoutes(env.mux)
	return env
}

func TestConfigValuesRoundTrip(t *testing.T) {
	env := configEnv(t)

	code, values := env.do(t, "GET", "/api/config/values", nil)
	if code != http.StatusOK {
		t.Fatalf("get = %d", code)
	}
	daemon := values["daemon"].(map[string]any)
	if daemon["port"] != float64(7077) {
		t.Fatalf("default port = %v", daemon["port"])
	}

	code, _ = env.do(t, "PUT", "/api/config/values", map[string]any{
		"daemon": map[string]any{"port": 8088},
	})
	if code != http.StatusOK {
		t.Fatalf("put = %d", code)
	}

	_, values = env.do(t, "GET", "/api/config/values", nil)
	if values["daemon"].(map[string]any)["port"] != float64(8088) {
		t.Fatalf("updated values = %v", values)
	}
}

func TestConfigValidateEndpoint(t *testing.T) {
	env := configEnv(t)

	code, body := env.do(t, "POST", "/api/config/values/validate", map[string]any{
		"logging": map[string]any{"level": "verbose"},
	})
	if code != http.StatusOK || body["valid"] != false {
		t.Fatalf("invalid update = %d %v", code, body)
	}

	code, body = env.do(t, "POST", "/api/config/values/validate", map[string]any{
		"logging": map[string]any{"level": "debug"},
	})
	if code != http.StatusOK || body["valid"] != true {
		t.Fatalf("valid update = %d %v", code, body)
	}
}

func TestConfigResetEndpoint(t *testing.T) {
	env := configEnv(t)
	env.do(t, "PUT", "/api/config/values", map[string]any{
		"daemon": map[string]any{"port": 8088},
	})

	code, _ := env.do(t, "POST", "/api/config/values/reset", nil)
	if code != http.StatusOK {
		t.Fatalf("reset = %d", code)
	}
	_, values := env.do(t, "GET", "/api/config/values", nil)
	if values["daemon"].(map[string]any)["port"] != float64(7077) {
		t.Fatalf("values after reset = %v", values)
	}
}

func TestConfigTemplateEndpoint(t *testing.T) {
	env := configEnv(t)
	req := httptest.NewRequest("GET", "/api/config/template", nil)
	rec := httptest.NewRecorder()
	env.mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("template = %d", rec.Code)
	}
	body := rec.Body.String()
	if !strings.Contains(body, "7077") || !strings.HasPrefix(body, "//") {
		t.Fatalf("template body: %s", body[:min(len(body), 120)])
	}
}

func TestSecretsNeverEchoValues(t *testing.T) {
	env := configEnv(t)

	code, body := env.do(t, "POST", "/api/config/secrets", map[string]any{
		"name": "anthropic_api_key", "value": "sk-ant-test-12345", "category": "llm",
	})
	if code != http.StatusCreated {
		t.Fatalf("set secret = %d %v", code, body)
	}
	for _, v := range body {
		if s, ok := v.(string); ok && strings.Contains(s, "sk-ant") {
			t.Fatalf("secret value leaked in response: %v", body)
		}
	}

	code, body = env.do(t, "GET", "/api/config/secrets", nil)
	if code != http.StatusOK {
		t.Fatalf("list = %d", code)
	}
	list := body["secrets"].([]any)
	if len(list) != 1 {
		t.Fatalf("secrets = %v", list)
	}
	entry := list[0].(map[string]any)
	if entry["name"] != "anthropic_api_key" || entry["category"] != "llm" {
		t.Fatalf("entry = %v", entry)
	}
	if _, ok := entry["value"]; ok {
		t.Fatal("secret value present in listing")
	}

	code, _ = env.do(t, "DELETE", "/api/config/secrets/anthropic_api_key", nil)
	if code != http.StatusOK {
		t.Fatalf("delete = %d", code)
	}
	code, _ = env.do(t, "DELETE", "/api/config/secrets/anthropic_api_key", nil)
	if code != http.StatusNotFound {
		t.Fatalf("double delete = %d, want 404", code)
	}
}
