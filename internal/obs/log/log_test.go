package log

import (
	"bytes"
	"strings"
	"testing"

	"github.com/barqly/vault-core/internal/obs/redact"
)

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, LevelWarn, nil)

	l.Info("should not appear")
	l.Warn("should appear")

	out := buf.String()
	if strings.Contains(out, "should not appear") {
		t.Fatal("Info line emitted below configured level")
	}
	if !strings.Contains(out, "should appear") {
		t.Fatal("Warn line was filtered out but should have passed")
	}
}

func TestWithFieldsMerges(t *testing.T) {
	var buf bytes.Buffer
	base := New(&buf, LevelDebug, nil)
	child := base.WithFields(String("vault_id", "v-1"))
	child.Info("opened", Int("files", 3))

	out := buf.String()
	if !strings.Contains(out, "vault_id=v-1") {
		t.Fatalf("base field missing from output: %q", out)
	}
	if !strings.Contains(out, "files=3") {
		t.Fatalf("call-site field missing from output: %q", out)
	}
}

func TestRedactionAppliesToMessageAndFields(t *testing.T) {
	var buf bytes.Buffer
	reg := redact.NewRegistry()
	reg.Track("hunter2-correct-horse")
	l := New(&buf, LevelDebug, reg)

	l.Error("unlock failed", String("attempted", "hunter2-correct-horse"))

	out := buf.String()
	if strings.Contains(out, "hunter2-correct-horse") {
		t.Fatalf("secret leaked through logger: %q", out)
	}
}

func TestDiscardIsSafeNoop(t *testing.T) {
	d := Discard()
	d.Info("anything", String("k", "v"))
	d.WithFields(Int("n", 1)).Error("still nothing")
}

func TestParseLevel(t *testing.T) {
	cases := map[string]Level{
		"debug": LevelDebug,
		"info":  LevelInfo,
		"warn":  LevelWarn,
		"error": LevelError,
	}
	for s, want := range cases {
		got, ok := ParseLevel(s)
		if !ok || got != want {
			t.Fatalf("ParseLevel(%q) = %v, %v; want %v, true", s, got, ok, want)
		}
	}
	if _, ok := ParseLevel("nonsense"); ok {
		t.Fatal("ParseLevel should reject unknown level strings")
	}
}
