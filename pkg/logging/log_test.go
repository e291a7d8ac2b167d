package logging

import (
	"bytes"
	"log"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func captureLog(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	log.SetOutput(&buf)
	prev := mode
	t.Cleanup(func() {
		log.SetOutput(os.Stderr)
		SetLogMode(prev)
	})
	return &buf
}

func TestLogModeFilters(t *testing.T) {
	buf := captureLog(t)

	SetLogMode(WarningMode)
	Debugf("debug %d", 1)
	Infof("info %d", 2)
	Warningf("warning %d", 3)
	Errorf("error %d", 4)

	out := buf.String()
	if strings.Contains(out, "debug 1") || strings.Contains(out, "info 2") {
		t.Errorf("messages below WarningMode were printed: %q", out)
	}
	if !strings.Contains(out, "WARNING warning 3") || !strings.Contains(out, "ERROR error 4") {
		t.Errorf("expected warning and error lines, got %q", out)
	}

	buf.Reset()
	SetLogMode(SilentMode)
	Errorf("error")
	if buf.Len() != 0 {
		t.Errorf("SilentMode printed %q", buf.String())
	}
}

func TestTimeLog(t *testing.T) {
	buf := captureLog(t)
	SetLogMode(DebugMode)

	tl := NewTimeLog()
	tl.Infof("stage %s finished", "affine")
	if out := buf.String(); !strings.Contains(out, "INFO stage affine finished: ") {
		t.Errorf("unexpected TimeLog output %q", out)
	}
}

func TestSetLoggerWritesFile(t *testing.T) {
	captureLog(t)
	prev := logger
	t.Cleanup(func() { logger = prev })

	path := filepath.Join(t.TempDir(), "atlas.log")
	cfg := &LogConfig{Logfile: path, MaxSize: 1, MaxAge: 1}
	cfg.SetLogger()
	SetLogMode(InfoMode)
	Infof("written to file")
	Shutdown()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("log file not written: %v", err)
	}
	if !strings.Contains(string(data), "written to file") {
		t.Errorf("log file content %q", data)
	}
}
