package obs

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func TestLogEmitsJSONLine(t *testing.T) {
	l := Logger()
	orig := l.Writer()
	var buf bytes.Buffer
	l.SetOutput(&buf)
	defer l.SetOutput(orig)

	Warn("kappa_override_expired", map[string]any{"tick": 110})

	var entry map[string]any
	if err := json.Unmarshal([]byte(strings.TrimSpace(buf.String())), &entry); err != nil {
		t.Fatalf("log not valid JSON: %v", err)
	}
	if entry["level"] != "warn" || entry["msg"] != "kappa_override_expired" {
		t.Fatalf("unexpected entry: %v", entry)
	}
	if entry["tick"] != float64(110) {
		t.Fatalf("field missing: %v", entry)
	}
	if _, ok := entry["ts"]; !ok {
		t.Fatalf("ts missing: %v", entry)
	}
}
