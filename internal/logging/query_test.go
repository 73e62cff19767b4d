package logging

import (
	"strings"
	"testing"
	"time"
)

const sampleLog = `{"time":"2026-03-01T10:00:00Z","level":"INFO","msg":"lock acquired","client_id":"a","record_id":"t-1","field":"title"}
not json
{"time":"2026-03-01T10:00:05Z","level":"WARN","msg":"commit failed","client_id":"b","record_id":"t-1","attempt":2}

{"time":"2026-03-01T10:01:00Z","level":"ERROR","msg":"audit write failed","client_id":"a","record_id":"t-2"}
`

func TestRead_SkipsMalformedLines(t *testing.T) {
	entries, err := Read(strings.NewReader(sampleLog))
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("got %d entries, want 3", len(entries))
	}
	if entries[1].Attrs["attempt"] != float64(2) {
		t.Errorf("Attrs[attempt] = %v, want 2", entries[1].Attrs["attempt"])
	}
	if _, ok := entries[0].Attrs["msg"]; ok {
		t.Error("standard keys should not appear in Attrs")
	}
}

func TestFilter_Apply(t *testing.T) {
	entries, _ := Read(strings.NewReader(sampleLog))

	tests := []struct {
		name   string
		filter Filter
		want   []string
	}{
		{"empty", Filter{}, []string{"lock acquired", "commit failed", "audit write failed"}},
		{"min level", Filter{MinLevel: "warn"}, []string{"commit failed", "audit write failed"}},
		{"client", Filter{ClientID: "a"}, []string{"lock acquired", "audit write failed"}},
		{"record", Filter{RecordID: "t-1"}, []string{"lock acquired", "commit failed"}},
		{"since", Filter{Since: time.Date(2026, 3, 1, 10, 0, 30, 0, time.UTC)}, []string{"audit write failed"}},
		{"message", Filter{MessageContains: "commit"}, []string{"commit failed"}},
		{"combined", Filter{ClientID: "a", MinLevel: "ERROR"}, []string{"audit write failed"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got []string
			for _, e := range tt.filter.Apply(entries) {
				got = append(got, e.Message)
			}
			if strings.Join(got, "|") != strings.Join(tt.want, "|") {
				t.Errorf("Apply() = %v, want %v", got, tt.want)
			}
		})
	}
}
