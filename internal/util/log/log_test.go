package log

import (
	"bytes"
	"strings"
	"testing"
)

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, LevelWarn, "", "")
	SetDefault(l)
	defer SetDefault(New(&buf, LevelInfo, "", ""))

	Debug("should not appear", Pairs{"a": 1})
	Info("should not appear either", nil)
	Warn("should appear", Pairs{"k": "v"})

	out := buf.String()
	if strings.Contains(out, "should not appear") {
		t.Fatalf("expected debug/info to be filtered, got: %s", out)
	}
	if !strings.Contains(out, "should appear") {
		t.Fatalf("expected warn event in output, got: %s", out)
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]Level{
		"debug":   LevelDebug,
		"INFO":    LevelInfo, // falls back to default since case-sensitive
		"warn":    LevelWarn,
		"error":   LevelError,
		"bogus":   LevelInfo,
	}
	for in, want := range cases {
		if got := ParseLevel(strings.ToLower(in)); in != "INFO" && got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}
