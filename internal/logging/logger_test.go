package logging

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var m map[string]any
		if err := json.Unmarshal([]byte(line), &m); err != nil {
			t.Fatalf("invalid JSON line %q: %v", line, err)
		}
		out = append(out, m)
	}
	return out
}

func TestLogger_ContextAttributes(t *testing.T) {
	var buf bytes.Buffer
	root := NewWithWriter(&buf, LevelDebug, "json")

	child := root.WithClient("client-a").WithActor("ana").WithRecord("tasks", "t-1").WithField("title")
	child.Info("lock acquired", "lease_ms", 30000)
	root.Info("plain")

	lines := decodeLines(t, &buf)
	if len(lines) != 2 {
		t.Fatalf("got %d lines, want 2", len(lines))
	}
	want := map[string]any{
		KeyClient: "client-a",
		KeyActor:  "ana",
		KeyTable:  "tasks",
		KeyRecord: "t-1",
		KeyField:  "title",
		"msg":     "lock acquired",
	}
	for k, v := range want {
		if lines[0][k] != v {
			t.Errorf("line[0][%q] = %v, want %v", k, lines[0][k], v)
		}
	}
	if _, ok := lines[1][KeyClient]; ok {
		t.Error("parent logger should not inherit child attributes")
	}
}

func TestLogger_LevelFiltering(t *testing.T) {
	tests := []struct {
		level string
		want  int
	}{
		{LevelDebug, 4},
		{LevelInfo, 3},
		{"warning", 2},
		{LevelError, 1},
		{"bogus", 3},
	}
	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			var buf bytes.Buffer
			l := NewWithWriter(&buf, tt.level, "json")
			l.Debug("d")
			l.Info("i")
			l.Warn("w")
			l.Error("e")
			if got := len(decodeLines(t, &buf)); got != tt.want {
				t.Errorf("got %d lines, want %d", got, tt.want)
			}
		})
	}
}

func TestLogger_TextFormat(t *testing.T) {
	var buf bytes.Buffer
	NewWithWriter(&buf, LevelInfo, "text").WithClient("c1").Info("hello")
	if !strings.Contains(buf.String(), "client_id=c1") {
		t.Errorf("text output = %q, want client_id=c1", buf.String())
	}
}

func TestNew_WritesToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "coedit.log")
	l, err := New(Options{Path: path, Level: LevelInfo, Rotation: DefaultRotationConfig()})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	l.WithRecord("tasks", "t-9").Warn("commit failed")
	if err := l.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	entries, err := ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	if len(entries) != 1 || entries[0].RecordID != "t-9" || entries[0].Level != LevelWarn {
		t.Errorf("entries = %+v", entries)
	}
}

func TestNopLogger(t *testing.T) {
	l := NopLogger()
	l.WithClient("x").Error("discarded")
	if err := l.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
}

func TestParseLevel(t *testing.T) {
	tests := map[string]string{
		"debug":   LevelDebug,
		" INFO ":  LevelInfo,
		"Warn":    LevelWarn,
		"warning": LevelWarn,
		"error":   LevelError,
		"":        LevelInfo,
		"trace":   LevelInfo,
	}
	for in, want := range tests {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestRotatingWriter_Rotates(t *testing.T) {
	path := filepath.Join(t.TempDir(), "r.log")
	rw, err := NewRotatingWriter(path, RotationConfig{MaxSizeMB: 1, MaxBackups: 2})
	if err != nil {
		t.Fatalf("NewRotatingWriter() error = %v", err)
	}

	chunk := bytes.Repeat([]byte("x"), 600*1024)
	for range 3 {
		if _, err := rw.Write(chunk); err != nil {
			t.Fatalf("Write() error = %v", err)
		}
	}
	if err := rw.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	for _, p := range []string{path, path + ".1", path + ".2"} {
		if _, err := os.Stat(p); err != nil {
			t.Errorf("expected %s to exist: %v", p, err)
		}
	}
	if _, err := os.Stat(path + ".3"); !os.IsNotExist(err) {
		t.Errorf("expected %s.3 not to exist", path)
	}
}

func TestRotatingWriter_Compress(t *testing.T) {
	path := filepath.Join(t.TempDir(), "c.log")
	rw, err := NewRotatingWriter(path, RotationConfig{MaxSizeMB: 1, MaxBackups: 1, Compress: true})
	if err != nil {
		t.Fatalf("NewRotatingWriter() error = %v", err)
	}
	chunk := bytes.Repeat([]byte("y"), 700*1024)
	_, _ = rw.Write(chunk)
	_, _ = rw.Write(chunk)
	if err := rw.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	if _, err := os.Stat(path + ".1.gz"); err != nil {
		t.Errorf("expected compressed backup: %v", err)
	}
	if _, err := os.Stat(path + ".1"); !os.IsNotExist(err) {
		t.Error("uncompressed backup should be removed")
	}
}

func TestRotatingWriter_WriteAfterClose(t *testing.T) {
	rw, err := NewRotatingWriter(filepath.Join(t.TempDir(), "x.log"), RotationConfig{})
	if err != nil {
		t.Fatal(err)
	}
	_ = rw.Close()
	if _, err := rw.Write([]byte("late")); err == nil {
		t.Error("Write() after Close should fail")
	}
}
