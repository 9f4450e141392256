package logging

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/rs/zerolog"

	"github.com/xp-kbt/kbrunner/internal/config"
)

// ---------------------------------------------------------------------------
// NewRotatingWriter
// ---------------------------------------------------------------------------

func TestNewRotatingWriter_CreatesDirectoryAndFile(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "nested", "output", "tools.log")

	rw, err := NewRotatingWriter(logPath, 10, 3)
	if err != nil {
		t.Fatalf("NewRotatingWriter returned error: %v", err)
	}
	defer rw.Close()

	if _, err := os.Stat(logPath); os.IsNotExist(err) {
		t.Fatal("expected output log to be created")
	}
	if rw.Path() != logPath {
		t.Errorf("Path() = %q, want %q", rw.Path(), logPath)
	}
}

func TestNewRotatingWriter_Defaults(t *testing.T) {
	tests := []struct {
		name        string
		sizeMB      int
		backups     int
		wantSizeMB  int
		wantBackups int
	}{
		{name: "zero values", sizeMB: 0, backups: 0, wantSizeMB: 20, wantBackups: 3},
		{name: "negative values", sizeMB: -5, backups: -2, wantSizeMB: 20, wantBackups: 3},
		{name: "explicit values", sizeMB: 25, backups: 7, wantSizeMB: 25, wantBackups: 7},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rw, err := NewRotatingWriter(filepath.Join(t.TempDir(), "tools.log"), tc.sizeMB, tc.backups)
			if err != nil {
				t.Fatalf("NewRotatingWriter returned error: %v", err)
			}
			defer rw.Close()

			if rw.maxSizeMB != tc.wantSizeMB {
				t.Errorf("maxSizeMB = %d, want %d", rw.maxSizeMB, tc.wantSizeMB)
			}
			if rw.maxBackups != tc.wantBackups {
				t.Errorf("maxBackups = %d, want %d", rw.maxBackups, tc.wantBackups)
			}
		})
	}
}

func TestNewRotatingWriter_AppendsAndTracksExistingSize(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "tools.log")
	seed := []byte("previous run\n")
	if err := os.WriteFile(logPath, seed, 0640); err != nil {
		t.Fatal(err)
	}

	rw, err := NewRotatingWriter(logPath, 10, 3)
	if err != nil {
		t.Fatalf("NewRotatingWriter returned error: %v", err)
	}
	if rw.size != int64(len(seed)) {
		t.Errorf("initial size = %d, want %d", rw.size, len(seed))
	}
	if _, err := rw.Write([]byte("current run\n")); err != nil {
		t.Fatal(err)
	}
	rw.Close()

	data, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "previous run") || !strings.Contains(string(data), "current run") {
		t.Errorf("unexpected log content %q", data)
	}
}

// ---------------------------------------------------------------------------
// Write / Section / Close
// ---------------------------------------------------------------------------

func TestWrite_TracksSize(t *testing.T) {
	rw, err := NewRotatingWriter(filepath.Join(t.TempDir(), "tools.log"), 10, 3)
	if err != nil {
		t.Fatal(err)
	}
	defer rw.Close()

	line := []byte("[INFO] normalizer started\n")
	total := 0
	for i := 0; i < 10; i++ {
		n, err := rw.Write(line)
		if err != nil {
			t.Fatalf("Write #%d returned error: %v", i, err)
		}
		total += n
	}
	if rw.size != int64(total) {
		t.Errorf("size = %d, want %d", rw.size, total)
	}
}

func TestSection_WritesHeader(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "tools.log")
	rw, err := NewRotatingWriter(logPath, 10, 3)
	if err != nil {
		t.Fatal(err)
	}
	if err := rw.Section("  siemj main  "); err != nil {
		t.Fatal(err)
	}
	rw.Write([]byte("SUBPROCESS EXIT CODE: 0\n"))
	rw.Close()

	data, _ := os.ReadFile(logPath)
	if !strings.Contains(string(data), "siemj main =====") {
		t.Errorf("header missing from %q", data)
	}
}

func TestWrite_AfterCloseFails(t *testing.T) {
	rw, err := NewRotatingWriter(filepath.Join(t.TempDir(), "tools.log"), 10, 3)
	if err != nil {
		t.Fatal(err)
	}
	if err := rw.Close(); err != nil {
		t.Fatalf("Close returned error: %v", err)
	}
	if _, err := rw.Write([]byte("late")); err == nil {
		t.Error("expected error writing to closed log")
	}
	if err := rw.Close(); err != nil {
		t.Errorf("second Close returned error: %v", err)
	}
}

func TestClose_NilFileIsNoOp(t *testing.T) {
	rw := &RotatingWriter{}
	if err := rw.Close(); err != nil {
		t.Fatalf("Close on nil file returned error: %v", err)
	}
}

// ---------------------------------------------------------------------------
// Rotation
// ---------------------------------------------------------------------------

func chunk(size int) []byte {
	return bytes.Repeat([]byte{'A'}, size)
}

func TestRotation_CreatesBackup(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "tools.log")
	rw, err := NewRotatingWriter(logPath, 1, 3)
	if err != nil {
		t.Fatal(err)
	}
	defer rw.Close()

	for i := 0; i < 5; i++ {
		if _, err := rw.Write(chunk(256 * 1024)); err != nil {
			t.Fatalf("Write #%d returned error: %v", i, err)
		}
	}

	if _, err := os.Stat(logPath + ".1"); os.IsNotExist(err) {
		t.Error("expected backup .1 after rotation")
	}
	info, err := os.Stat(logPath)
	if err != nil {
		t.Fatalf("live log missing after rotation: %v", err)
	}
	if info.Size() > 1024*1024 {
		t.Errorf("live log is %d bytes, want at most 1 MB", info.Size())
	}
	if rw.size != info.Size() {
		t.Errorf("tracked size %d does not match file size %d", rw.size, info.Size())
	}
}

func TestRotation_KeepsAtMostMaxBackups(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "tools.log")
	rw, err := NewRotatingWriter(logPath, 1, 2)
	if err != nil {
		t.Fatal(err)
	}
	defer rw.Close()

	for i := 0; i < 6; i++ {
		if _, err := rw.Write(chunk(700 * 1024)); err != nil {
			t.Fatal(err)
		}
	}

	for _, suffix := range []string{".1", ".2"} {
		if _, err := os.Stat(logPath + suffix); os.IsNotExist(err) {
			t.Errorf("expected backup %s", suffix)
		}
	}
	if _, err := os.Stat(logPath + ".3"); !os.IsNotExist(err) {
		t.Error("backup .3 must not exist with maxBackups=2")
	}
}

func TestWrite_ConcurrentSafety(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "tools.log")
	rw, err := NewRotatingWriter(logPath, 10, 3)
	if err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	line := []byte("0123456789\n")
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				rw.Write(line)
			}
		}()
	}
	wg.Wait()
	rw.Close()

	info, err := os.Stat(logPath)
	if err != nil {
		t.Fatal(err)
	}
	if want := int64(8 * 100 * len(line)); info.Size() != want {
		t.Errorf("file size = %d, want %d", info.Size(), want)
	}
}

// ---------------------------------------------------------------------------
// Setup / OpenOutputLog
// ---------------------------------------------------------------------------

func TestSetup_JSONFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := Setup(config.LoggingConfig{Level: "debug", Format: "json"}, &buf)
	logger.Info().Str("component", "runner").Msg("started")

	out := buf.String()
	if !strings.Contains(out, `"component":"runner"`) || !strings.Contains(out, `"message":"started"`) {
		t.Errorf("unexpected json log line %q", out)
	}
	if zerolog.GlobalLevel() != zerolog.DebugLevel {
		t.Errorf("global level = %v, want debug", zerolog.GlobalLevel())
	}
}

func TestSetup_InvalidLevelFallsBackToInfo(t *testing.T) {
	var buf bytes.Buffer
	Setup(config.LoggingConfig{Level: "loud", Format: "console"}, &buf)
	if zerolog.GlobalLevel() != zerolog.InfoLevel {
		t.Errorf("global level = %v, want info", zerolog.GlobalLevel())
	}
}

func TestOpenOutputLog(t *testing.T) {
	rw, err := OpenOutputLog(config.LoggingConfig{})
	if err != nil || rw != nil {
		t.Fatalf("disabled output log: rw=%v err=%v", rw, err)
	}

	path := filepath.Join(t.TempDir(), "out.log")
	rw, err = OpenOutputLog(config.LoggingConfig{OutputLog: path, MaxSizeMB: 2, MaxBackups: 1})
	if err != nil {
		t.Fatal(err)
	}
	defer rw.Close()
	if rw.maxSizeMB != 2 || rw.maxBackups != 1 {
		t.Errorf("limits = %d/%d", rw.maxSizeMB, rw.maxBackups)
	}
}
