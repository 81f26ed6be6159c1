package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sandboxws/strata/pkg/config"
)

func TestParseLevel(t *testing.T) {
	for in, want := range map[string]slog.Level{
		"debug": slog.LevelDebug,
		"INFO":  slog.LevelInfo,
		"warn":  slog.LevelWarn,
		"error": slog.LevelError,
	} {
		got, err := ParseLevel(in)
		if err != nil || got != want {
			t.Errorf("ParseLevel(%q) = %v, %v; want %v", in, got, err, want)
		}
	}
	if _, err := ParseLevel("loud"); err == nil {
		t.Error("expected error for unknown level")
	}
}

func TestTextLevelFilter(t *testing.T) {
	var buf bytes.Buffer
	logger, closer, err := New(config.LoggingConfig{Level: "warn", Format: "text"}, &buf)
	if err != nil {
		t.Fatal(err)
	}
	defer closer.Close()

	logger.Info("hidden")
	logger.Warn("batch retry", "batch_id", 7)

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Errorf("info record passed a warn level filter: %s", out)
	}
	if !strings.Contains(out, "batch_id=7") {
		t.Errorf("missing warn record: %s", out)
	}
}

func TestFileFanout(t *testing.T) {
	path := filepath.Join(t.TempDir(), "strata.log")
	var buf bytes.Buffer
	logger, closer, err := New(config.LoggingConfig{
		Level: "info", Format: "json", File: path, MaxSizeMB: 1,
	}, &buf)
	if err != nil {
		t.Fatal(err)
	}

	logger.Info("committed", "version", 3)
	if err := closer.Close(); err != nil {
		t.Fatal(err)
	}

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("console output is not JSON: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), `"version":3`) {
		t.Errorf("file log missing record: %s", data)
	}
}
