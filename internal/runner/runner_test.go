package runner

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/bobarin/beatsync/internal/logging"
)

func skipIfNoShell(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
}

func TestLimitedWriter_KeepsOnlyTail(t *testing.T) {
	var buf bytes.Buffer
	lw := &limitedWriter{w: &buf, limit: 10}

	lw.Write([]byte("hello"))
	if buf.String() != "hello" {
		t.Errorf("after short write got %q, want %q", buf.String(), "hello")
	}

	lw.Write([]byte(" world of test data"))
	if got := buf.String(); got != " test data" {
		t.Errorf("after overflow got %q, want %q", got, " test data")
	}
}

func TestTruncate(t *testing.T) {
	tests := []struct {
		input  string
		maxLen int
		want   string
	}{
		{"hello", 10, "hello"},
		{"hello", 5, "hello"},
		{"hello world", 5, "...world"},
	}
	for _, tt := range tests {
		if got := Truncate(tt.input, tt.maxLen); got != tt.want {
			t.Errorf("Truncate(%q, %d) = %q, want %q", tt.input, tt.maxLen, got, tt.want)
		}
	}
}

func TestRun_CapturesExitCodeAndStreams(t *testing.T) {
	skipIfNoShell(t)
	logFile := filepath.Join(t.TempDir(), "logs", "take.log")

	r := New(logging.Discard())
	res := r.Run(context.Background(), Command{
		Name:    "sh",
		Args:    []string{"-c", "echo rendering; echo 'unrecognized arguments: --teacache' 1>&2; exit 2"},
		LogFile: logFile,
	})

	if res.ExitCode != 2 || res.Success() {
		t.Fatalf("expected exit code 2, got %+v", res)
	}
	if !strings.Contains(res.StdoutTail, "rendering") {
		t.Errorf("stdout tail missing output: %q", res.StdoutTail)
	}
	if !strings.Contains(res.Output(), "unrecognized arguments: --teacache") {
		t.Errorf("combined output missing stderr: %q", res.Output())
	}

	data, err := os.ReadFile(logFile)
	if err != nil {
		t.Fatalf("log file not written: %v", err)
	}
	if !strings.Contains(string(data), "rendering") || !strings.Contains(string(data), "--teacache") {
		t.Errorf("log file missing output: %q", data)
	}
}

func TestRun_TimeoutIsFailure(t *testing.T) {
	skipIfNoShell(t)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	res := New(nil).Run(ctx, Command{Name: "sh", Args: []string{"-c", "sleep 5"}})
	if !res.TimedOut {
		t.Fatalf("expected timeout, got %+v", res)
	}
	if res.Success() {
		t.Error("timed out run must not be a success")
	}
}

func TestRun_MissingBinary(t *testing.T) {
	res := New(nil).Run(context.Background(), Command{Name: "/nonexistent/engine-binary"})
	if res.ExitCode != -1 {
		t.Errorf("expected exit code -1, got %d", res.ExitCode)
	}
	if res.StderrTail == "" {
		t.Error("expected start error in stderr tail")
	}
}

func TestRun_StreamsStdout(t *testing.T) {
	skipIfNoShell(t)
	var full bytes.Buffer
	res := New(nil).Run(context.Background(), Command{
		Name:   "sh",
		Args:   []string{"-c", "printf 'abc'"},
		Stdout: &full,
	})
	if !res.Success() {
		t.Fatalf("unexpected failure: %+v", res)
	}
	if full.String() != "abc" {
		t.Errorf("expected streamed stdout abc, got %q", full.String())
	}
}
