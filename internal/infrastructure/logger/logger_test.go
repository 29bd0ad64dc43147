package logger

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"go.uber.org/zap"
)

func TestNew_JSONToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gateway.log")

	log, err := New("info", "json", path)
	if err != nil {
		t.Fatal(err)
	}
	log.Info("hello", zap.String("k", "v"))
	_ = log.Sync()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	var line map[string]any
	if err := json.Unmarshal(data, &line); err != nil {
		t.Fatalf("log line not JSON: %v (%q)", err, data)
	}
	if line["msg"] != "hello" || line["k"] != "v" {
		t.Errorf("line = %v", line)
	}
	if _, ok := line["timestamp"]; !ok {
		t.Error("timestamp key missing")
	}
}

func TestNew_LevelFiltersAndFallsBack(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gateway.log")

	// Unknown level falls back to info, so debug lines are dropped.
	log, err := New("not-a-level", "json", path)
	if err != nil {
		t.Fatal(err)
	}
	log.Debug("invisible")
	log.Info("visible")
	_ = log.Sync()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(data) == 0 {
		t.Fatal("info line missing")
	}
	var line map[string]any
	if err := json.Unmarshal(data, &line); err != nil {
		t.Fatalf("expected exactly one JSON line, got %q", data)
	}
	if line["msg"] != "visible" {
		t.Errorf("line = %v", line)
	}
}

func TestNew_ConsoleFormat(t *testing.T) {
	log, err := New("debug", "console", "stderr")
	if err != nil {
		t.Fatal(err)
	}
	log.Debug("console logger works")
}
