package logger

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestInitWritesToMultipleOutputs(t *testing.T) {
	dir := t.TempDir()
	first := filepath.Join(dir, "a.log")
	second := filepath.Join(dir, "nested", "b.log")

	if err := Init(Config{Level: "debug", Format: "json", OutputPaths: []string{first, second}}); err != nil {
		t.Fatalf("init logger: %v", err)
	}
	Named("runner").Info("step dispatched", "step_id", "s-1")
	if err := Sync(); err != nil {
		t.Fatalf("sync: %v", err)
	}

	for _, path := range []string{first, second} {
		data, err := os.ReadFile(path)
		if err != nil {
			t.Fatalf("read %s: %v", path, err)
		}
		var record map[string]any
		if err := json.Unmarshal(bytes.TrimSpace(data), &record); err != nil {
			t.Fatalf("decode %s: %v (%q)", path, err, data)
		}
		if record["component"] != "runner" || record["step_id"] != "s-1" {
			t.Fatalf("unexpected record in %s: %v", path, record)
		}
	}
}

func TestAuditLoggerRequiresPath(t *testing.T) {
	err := Init(Config{Audit: AuditConfig{Enabled: true}})
	if err == nil {
		t.Fatalf("expected error for empty audit path")
	}
}

func TestAuditLoggerSeparateFile(t *testing.T) {
	dir := t.TempDir()
	auditPath := filepath.Join(dir, "audit", "audit.log")
	if err := Init(Config{OutputPaths: []string{filepath.Join(dir, "app.log")}, Audit: AuditConfig{Enabled: true, Path: auditPath}}); err != nil {
		t.Fatalf("init logger: %v", err)
	}
	Audit().Info("plan completed", "plan_id", "p-1")
	if err := Sync(); err != nil {
		t.Fatalf("sync: %v", err)
	}
	data, err := os.ReadFile(auditPath)
	if err != nil {
		t.Fatalf("read audit log: %v", err)
	}
	if !strings.Contains(string(data), "p-1") {
		t.Fatalf("audit log missing entry: %s", data)
	}
}

func TestNewTextLogger(t *testing.T) {
	var buf bytes.Buffer
	New(&buf, "text", "warn").Info("hidden")
	New(&buf, "text", "warn").Warn("shown")
	if strings.Contains(buf.String(), "hidden") || !strings.Contains(buf.String(), "shown") {
		t.Fatalf("unexpected output: %q", buf.String())
	}
}
