package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/bobarin/beatsync/internal/logging"
)

const defaultTailBytes = 64 * 1024

// Command describes one external process invocation.
type Command struct {
	Name string
	Args []string
	Dir  string
	Env  []string

	// Stdout receives the full stdout stream when set. The tail is kept either way.
	Stdout io.Writer

	// LogFile, when set, receives the combined stdout and stderr of the process.
	LogFile string
}

func (c Command) String() string {
	return fmt.Sprintf("%s %v", c.Name, c.Args)
}

// Result is what happened when a Command ran.
type Result struct {
	ExitCode   int
	StdoutTail string
	StderrTail string
	Duration   time.Duration
	TimedOut   bool
	Cancelled  bool
}

func (r Result) Success() bool {
	return r.ExitCode == 0 && !r.TimedOut && !r.Cancelled
}

// Output joins the stdout and stderr tails. Render engines print errors on either stream.
func (r Result) Output() string {
	if r.StdoutTail == "" {
		return r.StderrTail
	}
	if r.StderrTail == "" {
		return r.StdoutTail
	}
	return r.StdoutTail + "\n" + r.StderrTail
}

// Runner executes commands. Exec is the real implementation; tests inject fakes.
type Runner interface {
	Run(ctx context.Context, cmd Command) Result
}

type Exec struct {
	log       logrus.FieldLogger
	tailBytes int
}

func New(log logrus.FieldLogger) *Exec {
	return &Exec{log: logging.Component(log, "runner"), tailBytes: defaultTailBytes}
}

// Run starts the command and waits for it. Cancelling ctx kills the process.
func (e *Exec) Run(ctx context.Context, c Command) Result {
	start := time.Now()

	var stdoutBuf, stderrBuf bytes.Buffer
	stdoutTail := &limitedWriter{w: &stdoutBuf, limit: e.tailBytes}
	stderrTail := &limitedWriter{w: &stderrBuf, limit: e.tailBytes}

	var stdout io.Writer = stdoutTail
	var stderr io.Writer = stderrTail
	if c.Stdout != nil {
		stdout = io.MultiWriter(c.Stdout, stdoutTail)
	}

	if c.LogFile != "" {
		if err := os.MkdirAll(filepath.Dir(c.LogFile), 0755); err == nil {
			if f, err := os.Create(c.LogFile); err == nil {
				defer f.Close()
				shared := &lockedWriter{w: f}
				stdout = io.MultiWriter(stdout, shared)
				stderr = io.MultiWriter(stderr, shared)
			} else {
				e.log.Warnf("[Runner] Cannot create log file %s: %v", c.LogFile, err)
			}
		}
	}

	cmd := exec.CommandContext(ctx, c.Name, c.Args...)
	cmd.Dir = c.Dir
	if len(c.Env) > 0 {
		cmd.Env = append(os.Environ(), c.Env...)
	}
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.WaitDelay = 5 * time.Second

	e.log.WithField("args", c.Args).Debugf("[Runner] Executing %s", c.Name)

	err := cmd.Run()
	elapsed := time.Since(start)

	result := Result{Duration: elapsed}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
		} else {
			result.ExitCode = -1
			stderrBuf.WriteString("\n" + err.Error())
		}
	}
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		result.TimedOut = true
	case errors.Is(ctx.Err(), context.Canceled):
		result.Cancelled = true
	}
	if (result.TimedOut || result.Cancelled) && result.ExitCode == 0 {
		result.ExitCode = -1
	}

	result.StdoutTail = stdoutBuf.String()
	result.StderrTail = stderrBuf.String()

	if !result.Success() {
		e.log.WithFields(logrus.Fields{
			"exit_code":   result.ExitCode,
			"duration_ms": elapsed.Milliseconds(),
			"timed_out":   result.TimedOut,
			"stderr_tail": Truncate(result.StderrTail, 512),
		}).Warnf("[Runner] %s failed", c.Name)
	}
	return result
}

// Truncate keeps the last maxLen bytes of s.
func Truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return "..." + s[len(s)-maxLen:]
}

// limitedWriter is an io.Writer that keeps only the last `limit` bytes.
type limitedWriter struct {
	w     *bytes.Buffer
	limit int
}

func (lw *limitedWriter) Write(p []byte) (int, error) {
	n := len(p)
	lw.w.Write(p)
	if lw.w.Len() > lw.limit {
		b := lw.w.Bytes()
		tail := append([]byte(nil), b[len(b)-lw.limit:]...)
		lw.w.Reset()
		lw.w.Write(tail)
	}
	return n, nil
}

// lockedWriter serializes writes from the stdout and stderr copiers into one file.
type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}
