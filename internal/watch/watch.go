// Package watch re-runs a rule's tests when its sources change on disk.
package watch

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// DefaultDebounce collapses the burst of events editors produce on save.
const DefaultDebounce = 300 * time.Millisecond

var watchedExtensions = map[string]bool{
	".co": true, ".xp": true, ".en": true, ".agr": true, ".tl": true,
	".wld": true, ".js": true, ".sc": true, ".txt": true, ".json": true,
}

// RuleWatcher monitors a rule directory and its tests directory.
type RuleWatcher struct {
	dirs     []string
	watcher  *fsnotify.Watcher
	debounce time.Duration
	logger   zerolog.Logger
}

// NewRuleWatcher creates a watcher for the given directories. Directories
// that do not exist yet are skipped with a warning.
func NewRuleWatcher(logger zerolog.Logger, dirs ...string) (*RuleWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating fsnotify watcher: %w", err)
	}

	rw := &RuleWatcher{
		watcher:  watcher,
		debounce: DefaultDebounce,
		logger:   logger.With().Str("component", "watcher").Logger(),
	}
	for _, dir := range dirs {
		if _, err := os.Stat(dir); err != nil {
			rw.logger.Warn().Err(err).Str("path", dir).Msg("cannot watch directory")
			continue
		}
		if err := watcher.Add(dir); err != nil {
			watcher.Close()
			return nil, fmt.Errorf("watching %s: %w", dir, err)
		}
		rw.dirs = append(rw.dirs, dir)
	}
	if len(rw.dirs) == 0 {
		watcher.Close()
		return nil, fmt.Errorf("no directory to watch")
	}
	return rw, nil
}

// SetDebounce changes the quiet period before a change is reported.
func (rw *RuleWatcher) SetDebounce(d time.Duration) { rw.debounce = d }

// Dirs returns the directories being watched.
func (rw *RuleWatcher) Dirs() []string { return rw.dirs }

// Run blocks until ctx is done, calling onChange with the paths changed
// during each quiet period. onChange runs on the watcher goroutine, so
// changes made while it runs are reported in the next call.
func (rw *RuleWatcher) Run(ctx context.Context, onChange func(ctx context.Context, paths []string)) error {
	defer rw.watcher.Close()

	var (
		timer   *time.Timer
		fire    <-chan time.Time
		pending = make(map[string]struct{})
	)

	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil

		case event, ok := <-rw.watcher.Events:
			if !ok {
				return nil
			}
			if !relevant(event) {
				continue
			}
			rw.logger.Debug().Str("file", event.Name).Str("op", event.Op.String()).Msg("change detected")
			pending[event.Name] = struct{}{}
			if timer == nil {
				timer = time.NewTimer(rw.debounce)
			} else {
				timer.Reset(rw.debounce)
			}
			fire = timer.C

		case <-fire:
			fire = nil
			paths := make([]string, 0, len(pending))
			for p := range pending {
				paths = append(paths, p)
			}
			clear(pending)
			onChange(ctx, paths)

		case err, ok := <-rw.watcher.Errors:
			if !ok {
				return nil
			}
			rw.logger.Error().Err(err).Msg("watcher error")
		}
	}
}

func relevant(event fsnotify.Event) bool {
	if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
		return false
	}
	base := filepath.Base(event.Name)
	if strings.HasPrefix(base, ".") || strings.HasSuffix(base, "~") {
		return false
	}
	return watchedExtensions[strings.ToLower(filepath.Ext(base))]
}
