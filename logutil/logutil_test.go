package logutil

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestCappedFileShiftsArchives(t *testing.T) {
	old := sizeCap
	sizeCap = 32
	defer func() { sizeCap = old }()

	name := filepath.Join(t.TempDir(), "debug.log")
	w, err := newCappedFile(name)
	if err != nil {
		t.Fatal(err)
	}

	line := []byte("0123456789abcdef\n") // 17 bytes
	for i := 0; i < 4; i++ {
		if _, err := w.Write(line); err != nil {
			t.Fatal(err)
		}
	}

	if _, err := os.Stat(name + ".1"); err != nil {
		t.Errorf("expected first archive after exceeding the cap: %v", err)
	}
	data, err := os.ReadFile(name)
	if err != nil {
		t.Fatal(err)
	}
	if int64(len(data)) > sizeCap {
		t.Errorf("live file grew past the cap: %d bytes", len(data))
	}
}

func TestRedactKeyShort(t *testing.T) {
	for _, k := range []string{"", "abc", "12345678"} {
		if got := RedactKey(k); got != "********" {
			t.Errorf("RedactKey(%q) = %q, want fully masked", k, got)
		}
	}
}

func TestRedactKeyLong(t *testing.T) {
	got := RedactKey("sk-abcdefghijklmnop")
	if got != "sk-a...mnop" {
		t.Errorf("RedactKey = %q", got)
	}
	if strings.Contains(got, "bcdefghijkl") {
		t.Errorf("middle of the key leaked: %q", got)
	}
}
