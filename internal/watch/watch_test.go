package watch

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRuleWatcher_ReportsDebouncedChanges(t *testing.T) {
	ruleDir := t.TempDir()
	testsDir := filepath.Join(ruleDir, "tests")
	require.NoError(t, os.Mkdir(testsDir, 0o755))

	rw, err := NewRuleWatcher(zerolog.Nop(), ruleDir, testsDir)
	require.NoError(t, err)
	rw.SetDebounce(50 * time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	changes := make(chan []string, 4)
	done := make(chan error, 1)
	go func() {
		done <- rw.Run(ctx, func(_ context.Context, paths []string) { changes <- paths })
	}()

	rule := filepath.Join(ruleDir, "rule.co")
	test := filepath.Join(testsDir, "test_1.sc")
	require.NoError(t, os.WriteFile(rule, []byte("event A:"), 0o644))
	require.NoError(t, os.WriteFile(test, []byte("expect 1 {}"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(ruleDir, ".rule.co.swp"), []byte("x"), 0o644))

	var seen []string
	timeout := time.After(5 * time.Second)
	for len(seen) < 2 {
		select {
		case paths := <-changes:
			seen = append(seen, paths...)
		case <-timeout:
			t.Fatalf("timed out, saw %v", seen)
		}
	}
	assert.Contains(t, seen, rule)
	assert.Contains(t, seen, test)
	assert.NotContains(t, seen, filepath.Join(ruleDir, ".rule.co.swp"))

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestNewRuleWatcher_MissingDirectories(t *testing.T) {
	_, err := NewRuleWatcher(zerolog.Nop(), filepath.Join(t.TempDir(), "absent"))
	assert.Error(t, err)

	rw, err := NewRuleWatcher(zerolog.Nop(), t.TempDir(), filepath.Join(t.TempDir(), "absent"))
	require.NoError(t, err)
	assert.Len(t, rw.Dirs(), 1)
	rw.watcher.Close()
}

func TestRelevant(t *testing.T) {
	tests := []struct {
		event fsnotify.Event
		want  bool
	}{
		{fsnotify.Event{Name: "/kb/Rule/rule.co", Op: fsnotify.Write}, true},
		{fsnotify.Event{Name: "/kb/Rule/tests/raw_events_1.json", Op: fsnotify.Create}, true},
		{fsnotify.Event{Name: "/kb/Rule/rule.co", Op: fsnotify.Chmod}, false},
		{fsnotify.Event{Name: "/kb/Rule/rule.co~", Op: fsnotify.Write}, false},
		{fsnotify.Event{Name: "/kb/Rule/notes.md", Op: fsnotify.Write}, false},
	}

	for _, tc := range tests {
		t.Run(tc.event.String(), func(t *testing.T) {
			assert.Equal(t, tc.want, relevant(tc.event))
		})
	}
}
