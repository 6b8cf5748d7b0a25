package notebook

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeFile(t *testing.T, path, contents string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func TestScanListsAutomationsSortedByName(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "automations", "b.md"), "second")
	writeFile(t, filepath.Join(root, "automations", "a.md"), "first")

	l := New(root, nil)
	got, err := l.Scan()
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if len(got) != 2 || got[0].FileName != "a.md" || got[1].FileName != "b.md" {
		t.Fatalf("got %+v", got)
	}
	if got[0].Hash == got[1].Hash {
		t.Fatal("distinct contents must hash differently")
	}
}

func TestScanMissingDirReturnsEmptyNotError(t *testing.T) {
	root := t.TempDir()
	l := New(root, nil)
	got, err := l.Scan()
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected no automations, got %+v", got)
	}
}

func TestContentHashStableAcrossRenames(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "automations", "original.md"), "turn on the lights")
	l := New(root, nil)
	before, err := l.Scan()
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}

	if err := os.Rename(
		filepath.Join(root, "automations", "original.md"),
		filepath.Join(root, "automations", "renamed.md"),
	); err != nil {
		t.Fatalf("rename: %v", err)
	}
	after, err := l.Scan()
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if before[0].Hash != after[0].Hash {
		t.Fatalf("hash changed across rename: %s != %s", before[0].Hash, after[0].Hash)
	}
	if after[0].FileName != "renamed.md" {
		t.Fatalf("filename not updated: %s", after[0].FileName)
	}
}

func TestWatchNotifiesOnWrite(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "automations", "a.md"), "v1")

	l := New(root, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	defer l.Close()

	changed := make(chan struct{}, 1)
	if err := l.Watch(ctx, func() {
		select {
		case changed <- struct{}{}:
		default:
		}
	}); err != nil {
		t.Fatalf("Watch: %v", err)
	}

	time.Sleep(20 * time.Millisecond)
	writeFile(t, filepath.Join(root, "automations", "a.md"), "v2")

	select {
	case <-changed:
	case <-time.After(2 * time.Second):
		t.Fatal("expected debounced change notification")
	}
}
