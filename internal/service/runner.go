package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"sync"
	"time"

	"github.com/mattn/go-shellwords"

	"github.com/CZERTAINLY/Archiver/internal/model"
)

// outputLimit caps captured stdout and stderr of a single run.
const outputLimit = 64 << 10

// waitDelay bounds Wait after the watchdog killed the process group, in
// case a stray descendant keeps the output pipes open.
const waitDelay = 2 * time.Second

type StderrFunc func(ctx context.Context, line string)

// Runner executes resolved command lines under a watchdog. It never uses a
// shell: parameters are split into an argument vector and passed to the
// program directly.
type Runner struct {
	env        []string
	stderrFunc StderrFunc
}

func NewRunner() *Runner {
	return &Runner{stderrFunc: logStderr}
}

// WithEnv sets the environment of started processes, nil inherits ours.
func (r *Runner) WithEnv(env ...string) *Runner {
	r.env = append([]string(nil), env...)
	return r
}

// WithStderr replaces the per line stderr callback, nil disables it.
func (r *Runner) WithStderr(f StderrFunc) *Runner {
	r.stderrFunc = f
	return r
}

// Run starts the command line and waits for it. The watchdog kills the
// whole process group once timeout expires. A non positive timeout gets
// the default one. Launch and I/O failures are reported in the result,
// the exit code is recorded for diagnostics only.
//
// ctx is used for logging, it does not cancel the process.
func (r *Runner) Run(ctx context.Context, cl model.CommandLine, timeout time.Duration) model.RunResult {
	res := model.RunResult{
		CommandLine: cl,
		ExitCode:    -1,
		Stdout:      &bytes.Buffer{},
		Stderr:      &bytes.Buffer{},
	}
	if timeout <= 0 {
		slog.WarnContext(ctx, "command has no timeout: using default", "program", cl.Program)
		timeout = model.EffectiveTimeout(0)
	}

	args, err := shellwords.Parse(cl.Parameters)
	if err != nil {
		res.LaunchErr = fmt.Errorf("parsing parameters: %w", err)
		return res
	}

	cmd := exec.Command(cl.Program, args...)
	cmd.Env = r.env
	cmd.Stdout = &limitedBuffer{buf: res.Stdout, n: outputLimit}
	cmd.Stderr = &lineWriter{
		ctx:   ctx,
		out:   &limitedBuffer{buf: res.Stderr, n: outputLimit},
		lineF: r.stderrFunc,
	}
	cmd.WaitDelay = waitDelay
	setProcessGroup(cmd)

	res.Started = time.Now().UTC()
	if err := cmd.Start(); err != nil {
		res.Stopped = time.Now().UTC()
		res.LaunchErr = err
		return res
	}
	slog.DebugContext(ctx, "process started", "program", cl.Program, "pid", cmd.Process.Pid, "timeout", timeout.String())

	var (
		mx       sync.Mutex
		exited   bool
		timedOut bool
	)
	watchdog := time.AfterFunc(timeout, func() {
		mx.Lock()
		defer mx.Unlock()
		if exited {
			return
		}
		timedOut = true
		slog.WarnContext(ctx, "process timed out: killing", "program", cl.Program, "pid", cmd.Process.Pid, "timeout", timeout.String())
		killProcessGroup(cmd.Process.Pid)
		_ = cmd.Process.Kill()
	})

	err = cmd.Wait()
	mx.Lock()
	exited = true
	res.TerminatedByTimeout = timedOut
	mx.Unlock()
	watchdog.Stop()

	res.Stopped = time.Now().UTC()
	if cmd.ProcessState != nil {
		res.ExitCode = cmd.ProcessState.ExitCode()
	}
	var exitErr *exec.ExitError
	if err != nil && !errors.As(err, &exitErr) {
		res.LaunchErr = err
	}
	if lw, ok := cmd.Stderr.(*lineWriter); ok {
		lw.flush()
	}
	slog.DebugContext(ctx, "process finished",
		"program", cl.Program,
		"exit_code", res.ExitCode,
		"timed_out", res.TerminatedByTimeout,
		"duration", res.Stopped.Sub(res.Started).String(),
	)
	return res
}

func logStderr(ctx context.Context, line string) {
	slog.DebugContext(ctx, "tool stderr", "line", line)
}

// limitedBuffer keeps the first n bytes and silently drops the rest, so
// a chatty tool never fails on a full pipe.
type limitedBuffer struct {
	buf *bytes.Buffer
	n   int
}

func (l *limitedBuffer) Write(p []byte) (int, error) {
	if room := l.n - l.buf.Len(); room > 0 {
		if len(p) > room {
			l.buf.Write(p[:room])
		} else {
			l.buf.Write(p)
		}
	}
	return len(p), nil
}

// lineWriter passes complete lines to lineF.
type lineWriter struct {
	ctx     context.Context
	out     *limitedBuffer
	lineF   StderrFunc
	partial []byte
}

func (w *lineWriter) Write(p []byte) (int, error) {
	_, _ = w.out.Write(p)
	if w.lineF == nil {
		return len(p), nil
	}
	w.partial = append(w.partial, p...)
	for {
		i := bytes.IndexByte(w.partial, '\n')
		if i < 0 {
			break
		}
		w.lineF(w.ctx, string(bytes.TrimRight(w.partial[:i], "\r")))
		w.partial = w.partial[i+1:]
	}
	if len(w.partial) > outputLimit {
		w.partial = w.partial[:0]
	}
	return len(p), nil
}

func (w *lineWriter) flush() {
	if w.lineF != nil && len(w.partial) > 0 {
		w.lineF(w.ctx, string(w.partial))
		w.partial = nil
	}
}
