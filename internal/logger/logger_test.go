package logger

import (
	"bytes"
	"strings"
	"testing"
)

func TestWriterFields(t *testing.T) {
	var buf bytes.Buffer
	l := NewWriter(&buf)
	l.Info("weight bound", "layer", 3, "role", "attn_q")

	out := buf.String()
	for _, want := range []string{"weight bound", `"layer":3`, `"role":"attn_q"`} {
		if !strings.Contains(out, want) {
			t.Errorf("log output missing %q: %s", want, out)
		}
	}
}

func TestWithChild(t *testing.T) {
	var buf bytes.Buffer
	l := NewWriter(&buf).With("session", "abc")
	l.Warn("cache full")
	if !strings.Contains(buf.String(), `"session":"abc"`) {
		t.Errorf("child field missing: %s", buf.String())
	}
}

func TestOddArgsIgnored(t *testing.T) {
	var buf bytes.Buffer
	l := NewWriter(&buf)
	l.Error("parse failed", "offset") // dangling key dropped
	if !strings.Contains(buf.String(), "parse failed") {
		t.Errorf("message missing: %s", buf.String())
	}
}

func TestSetupLevels(t *testing.T) {
	for _, lvl := range []string{"DEBUG", "INFO", "WARN", "ERROR", "bogus"} {
		Setup(lvl, "json")
		if Log == nil {
			t.Fatalf("Setup(%q) left Log nil", lvl)
		}
	}
	Setup("INFO", "console")
}
