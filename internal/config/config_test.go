package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, yaml string) string {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return dir
}

const baseYAML = `
backends:
  - name: openai
    base_url: https://api.openai.com
    headers:
      authorization: Bearer ${TEST_OPENAI_KEY}
  - name: alt
    base_url: http://localhost:9001
    model_map:
      "*": llama-3.1-8b

router:
  default_backends:
    - backend: openai
      weight: 9
    - backend: alt
      weight: 1
  rules:
    - model_prefix: "llama-"
      backend: alt

virtual_keys:
  - id: team-a
    token: ${TEST_VK_TOKEN}
    enabled: true
    limits:
      rpm: 2
      tpm: 100
    budget:
      total_tokens: 1000
`

func TestLoadResolvesPlaceholders(t *testing.T) {
	t.Setenv("TEST_OPENAI_KEY", "sk-real")
	t.Setenv("TEST_VK_TOKEN", "vk-secret")

	cfg, err := LoadFrom(writeConfig(t, baseYAML))
	if err != nil {
		t.Fatalf("LoadFrom: %v", err)
	}

	if got := cfg.Backends[0].Headers["authorization"]; got != "Bearer sk-real" {
		t.Fatalf("header = %q", got)
	}
	if cfg.VirtualKeys[0].Token != "vk-secret" {
		t.Fatalf("token = %q", cfg.VirtualKeys[0].Token)
	}
	if cfg.VirtualKeys[0].Limits.RPM != 2 || cfg.VirtualKeys[0].Budget.TotalTokens != 1000 {
		t.Fatalf("key governance = %+v", cfg.VirtualKeys[0])
	}
	if len(cfg.Router.DefaultBackends) != 2 || cfg.Router.DefaultBackends[0].Weight != 9 {
		t.Fatalf("router = %+v", cfg.Router)
	}
	if cfg.Backends[1].ModelMap["*"] != "llama-3.1-8b" {
		t.Fatalf("model_map = %+v", cfg.Backends[1].ModelMap)
	}
}

func TestLoadMissingEnvIsFatal(t *testing.T) {
	t.Setenv("TEST_OPENAI_KEY", "sk-real")
	os.Unsetenv("TEST_VK_TOKEN")

	_, err := LoadFrom(writeConfig(t, baseYAML))
	var me *MissingEnvError
	if !errors.As(err, &me) {
		t.Fatalf("expected MissingEnvError, got %v", err)
	}
	if len(me.Vars) != 1 || me.Vars[0] != "TEST_VK_TOKEN" {
		t.Fatalf("missing vars = %v", me.Vars)
	}
}

func TestLoadRejectsUnknownRouteBackend(t *testing.T) {
	yaml := `
backends:
  - name: openai
    base_url: https://api.openai.com
virtual_keys:
  - id: k
    token: t
    route: nonexistent
`
	if _, err := LoadFrom(writeConfig(t, yaml)); err == nil {
		t.Fatal("unknown route backend accepted")
	}
}

func TestLoadRejectsLegacyDefaultBackendConflict(t *testing.T) {
	yaml := `
backends:
  - name: a
    base_url: http://a
router:
  default_backend: a
  default_backends:
    - backend: a
`
	if _, err := LoadFrom(writeConfig(t, yaml)); err == nil {
		t.Fatal("conflicting router defaults accepted")
	}
}

func TestLoadLegacyDefaultBackendUpgraded(t *testing.T) {
	yaml := `
backends:
  - name: a
    base_url: http://a
router:
  default_backend: a
`
	cfg, err := LoadFrom(writeConfig(t, yaml))
	if err != nil {
		t.Fatalf("LoadFrom: %v", err)
	}
	if len(cfg.Router.DefaultBackends) != 1 || cfg.Router.DefaultBackends[0].Name != "a" {
		t.Fatalf("router = %+v", cfg.Router)
	}
}

func TestLoadRejectsDuplicateBackends(t *testing.T) {
	yaml := `
backends:
  - name: a
    base_url: http://a
  - name: a
    base_url: http://b
`
	if _, err := LoadFrom(writeConfig(t, yaml)); err == nil {
		t.Fatal("duplicate backend names accepted")
	}
}

func TestDefaultsApplied(t *testing.T) {
	cfg, err := LoadFrom(writeConfig(t, "backends:\n  - name: a\n    base_url: http://a\n"))
	if err != nil {
		t.Fatalf("LoadFrom: %v", err)
	}
	if cfg.Proxy.MaxBodyBytes != DefaultMaxBodyBytes {
		t.Fatalf("max body = %d", cfg.Proxy.MaxBodyBytes)
	}
	if cfg.Store.Mode != "memory" {
		t.Fatalf("store mode = %q", cfg.Store.Mode)
	}
	if !cfg.Retry.IsRetryableStatus(503) || cfg.Retry.IsRetryableStatus(404) {
		t.Fatal("default retryable statuses wrong")
	}
	if cfg.Health.FailureThreshold != 3 {
		t.Fatalf("failure threshold = %d", cfg.Health.FailureThreshold)
	}
}
