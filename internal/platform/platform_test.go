package platform

import (
	"os"
	"path/filepath"
	"syscall"
	"testing"

	"github.com/barqly/vault-core/internal/vaulterr"
)

func TestDirsCreatedWithOwnerOnlyPermissions(t *testing.T) {
	root := t.TempDir()
	p := New(filepath.Join(root, "app"))

	for _, f := range []func() (string, error){p.AppDir, p.KeysDir, p.LogsDir, p.StagingDir} {
		dir, err := f()
		if err != nil {
			t.Fatalf("dir creation failed: %v", err)
		}
		info, err := os.Stat(dir)
		if err != nil {
			t.Fatalf("stat failed: %v", err)
		}
		if info.Mode().Perm() != dirPerm {
			t.Fatalf("expected 0700 got %o for %s", info.Mode().Perm(), dir)
		}
	}
}

func TestSymlinkInPathRejected(t *testing.T) {
	root := t.TempDir()
	real := filepath.Join(root, "real")
	if err := os.MkdirAll(real, 0700); err != nil {
		t.Fatal(err)
	}
	link := filepath.Join(root, "link")
	if err := os.Symlink(real, link); err != nil {
		t.Skipf("symlinks unsupported: %v", err)
	}

	p := New(filepath.Join(link, "app"))
	if _, err := p.AppDir(); !vaulterr.Is(err, vaulterr.KindInvalidPath) {
		t.Fatalf("expected InvalidPath, got %v", err)
	}
}

func TestRetryTransientRetriesOnlyTransientErrors(t *testing.T) {
	calls := 0
	err := RetryTransient(func() error {
		calls++
		if calls < 3 {
			return &os.PathError{Op: "open", Path: "x", Err: syscall.EAGAIN}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected success after transient retries, got %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", calls)
	}

	calls = 0
	permanent := &os.PathError{Op: "open", Path: "x", Err: syscall.EACCES}
	err = RetryTransient(func() error {
		calls++
		return permanent
	})
	if err == nil || calls != 1 {
		t.Fatalf("expected immediate failure on a permanent error, got err=%v calls=%d", err, calls)
	}
}

func TestValidateLabel(t *testing.T) {
	cases := []struct {
		label string
		ok    bool
	}{
		{"family", true},
		{"inheritance-kit_2026", true},
		{"", false},
		{"../etc/passwd", false},
		{"a/b", false},
		{"a\\b", false},
		{string(make([]byte, 65)), false},
	}
	for _, c := range cases {
		err := ValidateLabel(c.label)
		if c.ok && err != nil {
			t.Errorf("label %q: expected valid, got %v", c.label, err)
		}
		if !c.ok && err == nil {
			t.Errorf("label %q: expected error, got nil", c.label)
		}
	}
}
