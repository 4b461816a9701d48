package cli

import (
	"bytes"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
)

func runCommand(t *testing.T, opts Options, args ...string) (string, error) {
	t.Helper()
	root := NewRootCommand(opts)
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestConfigCommandPrintsRedactedConfig(t *testing.T) {
	dir := t.TempDir()
	doc := "[database]\nuri = \"postgres://app:hunter2@db:5432/app\"\n"
	if err := os.WriteFile(filepath.Join(dir, "default.toml"), []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}

	out, err := runCommand(t, Options{ConfigDir: dir}, "config")
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(out, "hunter2") {
		t.Fatal("config output leaked a credential")
	}
	if !strings.Contains(out, "db:5432") {
		t.Fatalf("output should keep the host: %s", out)
	}
}

func TestConfigCommandEnvironmentFlag(t *testing.T) {
	dir := t.TempDir()
	files := map[string]string{
		"default.toml":    "[app]\nname = \"base\"\n",
		"production.toml": "[app]\nname = \"prod\"\n",
	}
	for name, body := range files {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	out, err := runCommand(t, Options{ConfigDir: dir}, "config", "--environment", "production")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "prod") {
		t.Fatalf("environment flag not honored: %s", out)
	}
}

func TestHealthCommandNoDependencies(t *testing.T) {
	// No database or redis configured: no checks registered, report is
	// healthy.
	out, err := runCommand(t, Options{ConfigDir: t.TempDir()}, "health")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, `"healthy": true`) {
		t.Fatalf("unexpected report: %s", out)
	}
}

func TestMigrateRequiresConfig(t *testing.T) {
	_, err := runCommand(t, Options{ConfigDir: t.TempDir()}, "migrate", "up")
	if err == nil {
		t.Fatal("migrate must fail without database config")
	}
	if !strings.Contains(err.Error(), "migration-source") {
		t.Fatalf("err = %v", err)
	}
}

func TestRoutesCommandListsDefaultAndUserRoutes(t *testing.T) {
	opts := Options{
		ConfigDir: t.TempDir(),
		Routes: func(r chi.Router) {
			r.Get("/widgets", func(w http.ResponseWriter, r *http.Request) {})
			r.Post("/widgets", func(w http.ResponseWriter, r *http.Request) {})
		},
	}

	out, err := runCommand(t, opts, "routes")
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{"/healthz", "/metrics", "/widgets"} {
		if !strings.Contains(out, want) {
			t.Fatalf("expected %q in output:\n%s", want, out)
		}
	}
	if !strings.Contains(out, "POST") {
		t.Fatalf("expected POST method in output:\n%s", out)
	}
}
