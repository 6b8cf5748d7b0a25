// Package notebook loads the automation/cue directory tree: automations
// under automations/*.md, cues under cues/*.md, and a shared memory.md
// scratchpad. It notifies on any change via a debounced fsnotify watch.
package notebook

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/beatrix-ha/beatrix/internal/model"
)

const (
	automationsDir = "automations"
	cuesDir        = "cues"
	memoryFile     = "memory.md"
)

// Loader scans a notebook directory tree and watches it for changes.
type Loader struct {
	root   string
	logger *slog.Logger

	watchDebounce time.Duration

	mu        sync.Mutex
	watcher   *fsnotify.Watcher
	watchWg   sync.WaitGroup
	watchStop context.CancelFunc
}

// New creates a Loader rooted at root (a directory containing automations/,
// cues/, and memory.md).
func New(root string, logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{root: root, logger: logger, watchDebounce: 250 * time.Millisecond}
}

// MemoryPath returns the path to the shared scratchpad file.
func (l *Loader) MemoryPath() string {
	return filepath.Join(l.root, memoryFile)
}

// Scan lists every automation file under automations/.
func (l *Loader) Scan() ([]model.Automation, error) {
	return scanDir(filepath.Join(l.root, automationsDir))
}

// ScanCues lists every cue file under cues/; cues share the automation
// shape but only fire via explicit invocation.
func (l *Loader) ScanCues() ([]model.Automation, error) {
	return scanDir(filepath.Join(l.root, cuesDir))
}

func scanDir(dir string) ([]model.Automation, error) {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".md") {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	out := make([]model.Automation, 0, len(names))
	for _, name := range names {
		contents, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, err
		}
		out = append(out, model.Automation{
			Hash:     ContentHash(contents),
			FileName: name,
			Contents: string(contents),
		})
	}
	return out, nil
}

// ContentHash is the stable content hash used as an Automation's identity;
// it survives file renames.
func ContentHash(contents []byte) string {
	sum := sha256.Sum256(contents)
	return hex.EncodeToString(sum[:])
}

// Watch starts a debounced fsnotify watch over the notebook root and
// invokes onChange (with no arguments: callers re-Scan) after each burst of
// filesystem activity settles. Watching stops when ctx is cancelled or
// Close is called.
func (l *Loader) Watch(ctx context.Context, onChange func()) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	for _, dir := range []string{filepath.Join(l.root, automationsDir), filepath.Join(l.root, cuesDir), l.root} {
		if err := watcher.Add(dir); err != nil {
			l.logger.Warn("notebook: watch add failed", "dir", dir, "error", err)
		}
	}

	watchCtx, cancel := context.WithCancel(ctx)
	l.mu.Lock()
	l.watcher = watcher
	l.watchStop = cancel
	l.mu.Unlock()

	l.watchWg.Add(1)
	go l.watchLoop(watchCtx, watcher, onChange)
	return nil
}

func (l *Loader) watchLoop(ctx context.Context, watcher *fsnotify.Watcher, onChange func()) {
	defer l.watchWg.Done()

	var mu sync.Mutex
	var timer *time.Timer
	schedule := func() {
		mu.Lock()
		defer mu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(l.watchDebounce, onChange)
	}

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) != 0 {
				schedule()
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			l.logger.Warn("notebook: watch error", "error", err)
		}
	}
}

// Close stops the active watch, if any.
func (l *Loader) Close() error {
	l.mu.Lock()
	stop := l.watchStop
	watcher := l.watcher
	l.watchStop = nil
	l.watcher = nil
	l.mu.Unlock()

	if stop != nil {
		stop()
	}
	var err error
	if watcher != nil {
		err = watcher.Close()
	}
	l.watchWg.Wait()
	return err
}
