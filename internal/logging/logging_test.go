package logging

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestNew_JSON(t *testing.T) {
	var buf bytes.Buffer
	log, closeFn, err := New(Options{Level: "debug", JSON: true, Out: &buf})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer closeFn()
	log.Debug().Str("job", "j1").Msg("hello")
	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("not JSON: %q", buf.String())
	}
	if line["job"] != "j1" || line["message"] != "hello" {
		t.Errorf("line = %v", line)
	}
}

func TestNew_LevelFilters(t *testing.T) {
	var buf bytes.Buffer
	log, _, err := New(Options{Level: "warn", JSON: true, Out: &buf})
	if err != nil {
		t.Fatal(err)
	}
	log.Info().Msg("dropped")
	if buf.Len() != 0 {
		t.Errorf("info logged at warn level: %q", buf.String())
	}
	if _, _, err := New(Options{Level: "loud"}); err == nil {
		t.Error("bad level should fail")
	}
}

func TestNew_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "llmshrink.log")
	var console bytes.Buffer
	log, closeFn, err := New(Options{File: path, Out: &console})
	if err != nil {
		t.Fatal(err)
	}
	log.Info().Msg("first")
	log.Info().Msg("second")
	if err := closeFn(); err != nil {
		t.Fatal(err)
	}
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if n := strings.Count(string(b), "\n"); n != 2 {
		t.Errorf("log file has %d lines, want 2", n)
	}
	if !strings.Contains(console.String(), "first") {
		t.Errorf("console output = %q", console.String())
	}
}
