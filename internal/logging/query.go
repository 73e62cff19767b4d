package logging

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"
)

// Entry is one parsed JSON log line.
type Entry struct {
	Time     time.Time
	Level    string
	Message  string
	ClientID string
	RecordID string
	Field    string
	Attrs    map[string]any
}

// Filter selects entries. Zero-valued fields match everything.
type Filter struct {
	MinLevel        string
	ClientID        string
	RecordID        string
	Since           time.Time
	MessageContains string
}

var levelRank = map[string]int{LevelDebug: 0, LevelInfo: 1, LevelWarn: 2, LevelError: 3}

// ReadFile parses the JSON log at path. Malformed lines are skipped.
func ReadFile(path string) ([]Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open log: %w", err)
	}
	defer f.Close()
	return Read(f)
}

// Read parses JSON log lines from r.
func Read(r io.Reader) ([]Entry, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1<<20)

	var out []Entry
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var raw map[string]any
		if err := json.Unmarshal([]byte(line), &raw); err != nil {
			continue
		}
		out = append(out, entryFrom(raw))
	}
	return out, sc.Err()
}

func entryFrom(raw map[string]any) Entry {
	take := func(k string) string {
		s, _ := raw[k].(string)
		delete(raw, k)
		return s
	}
	e := Entry{
		Level:    take("level"),
		Message:  take("msg"),
		ClientID: take(KeyClient),
		RecordID: take(KeyRecord),
		Field:    take(KeyField),
	}
	if ts := take("time"); ts != "" {
		e.Time, _ = time.Parse(time.RFC3339Nano, ts)
	}
	e.Attrs = raw
	return e
}

// Apply returns the entries matching f, preserving order.
func (f Filter) Apply(entries []Entry) []Entry {
	var out []Entry
	for _, e := range entries {
		if f.Match(e) {
			out = append(out, e)
		}
	}
	return out
}

// Match reports whether e satisfies every set criterion.
func (f Filter) Match(e Entry) bool {
	if f.MinLevel != "" && levelRank[e.Level] < levelRank[ParseLevel(f.MinLevel)] {
		return false
	}
	if f.ClientID != "" && e.ClientID != f.ClientID {
		return false
	}
	if f.RecordID != "" && e.RecordID != f.RecordID {
		return false
	}
	if !f.Since.IsZero() && e.Time.Before(f.Since) {
		return false
	}
	if f.MessageContains != "" && !strings.Contains(e.Message, f.MessageContains) {
		return false
	}
	return true
}
