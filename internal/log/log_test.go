package log

import (
	"bytes"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	for in, want := range map[string]Level{"error": ErrorLevel, "INFO": InfoLevel, " debug ": DebugLevel} {
		got, err := ParseLevel(in)
		if err != nil {
			t.Fatalf("ParseLevel(%q): %v", in, err)
		}
		if got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}

	if _, err := ParseLevel("trace"); err == nil {
		t.Error("expected error for unknown level")
	}
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, InfoLevel)

	l.Errorf("e")
	l.Infof("i")
	l.Debugf("d")

	out := buf.String()
	if !strings.Contains(out, "[ERROR] e") || !strings.Contains(out, "[INFO] i") {
		t.Fatalf("missing expected output: %q", out)
	}
	if strings.Contains(out, "[DEBUG]") {
		t.Fatalf("debug emitted at info level: %q", out)
	}
}

func TestNamed(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, DebugLevel).Named("session-3")

	l.Debugf("hello")
	if !strings.Contains(buf.String(), "[session-3] [DEBUG] hello") {
		t.Fatalf("unexpected output: %q", buf.String())
	}
}

func TestNopDoesNothing(t *testing.T) {
	Nop.Errorf("e")
	Nop.Infof("i")
	Nop.Debugf("d")
}
