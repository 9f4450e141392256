// Package tool runs the external knowledge base utilities (siemj, rcc, the
// normalizer and the correlation test CLI) and captures their output.
package tool

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/text/encoding"

	"github.com/xp-kbt/kbrunner/internal/config"
	kberrors "github.com/xp-kbt/kbrunner/internal/errors"
)

// waitDelay bounds how long a killed tool may hold its output pipes open.
const waitDelay = 2 * time.Second

// Command is one external process invocation.
type Command struct {
	Path string
	Args []string
	Dir  string
	Env  []string // appended to the current environment
}

func (c Command) String() string {
	return strings.TrimSpace(c.Path + " " + strings.Join(c.Args, " "))
}

// Result holds what a finished process produced. A non-zero exit code is not
// an error by itself; callers decide from the output and the code.
type Result struct {
	Output      string
	ExitCode    int
	Interrupted bool
	Duration    time.Duration
}

// Executor runs external commands.
type Executor interface {
	Run(ctx context.Context, cmd Command) (Result, error)
}

// OutputSink receives a copy of every tool's output. The rotating output log
// satisfies it.
type OutputSink interface {
	io.Writer
	Section(title string) error
}

// ProcessExecutor runs commands as child processes.
type ProcessExecutor struct {
	enc     encoding.Encoding
	timeout time.Duration
	logger  zerolog.Logger

	mu   sync.Mutex // serializes sink sections
	sink OutputSink
}

// NewProcessExecutor creates an executor decoding output with the configured
// encoding. sink may be nil.
func NewProcessExecutor(cfg *config.Config, sink OutputSink, logger zerolog.Logger) (*ProcessExecutor, error) {
	enc, err := Encoding(cfg.Tools.OutputEncoding)
	if err != nil {
		return nil, kberrors.Wrap(kberrors.ErrValidation, "unsupported tool output encoding", err)
	}
	return &ProcessExecutor{
		enc:     enc,
		timeout: cfg.Runner.TestTimeout,
		sink:    sink,
		logger:  logger.With().Str("component", "executor").Logger(),
	}, nil
}

// Run starts cmd and waits for it. Canceling ctx kills the process and the
// result is marked Interrupted rather than failed.
func (e *ProcessExecutor) Run(ctx context.Context, cmd Command) (Result, error) {
	if ctx.Err() != nil {
		return Result{Interrupted: true}, nil
	}

	runCtx := ctx
	if e.timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	c := exec.CommandContext(runCtx, cmd.Path, cmd.Args...)
	c.Dir = cmd.Dir
	c.WaitDelay = waitDelay
	if len(cmd.Env) > 0 {
		c.Env = append(os.Environ(), cmd.Env...)
	}
	var buf bytes.Buffer
	c.Stdout = &buf
	c.Stderr = &buf

	e.logger.Debug().Str("cmd", cmd.String()).Str("dir", cmd.Dir).Msg("starting tool")
	start := time.Now()
	runErr := c.Run()

	res := Result{Duration: time.Since(start)}
	out, err := Decode(e.enc, buf.Bytes())
	if err != nil {
		e.logger.Warn().Err(err).Str("cmd", cmd.Path).Msg("tool output is not valid in the configured encoding, using raw bytes")
		out = buf.String()
	}
	res.Output = out
	e.record(cmd, res.Output)

	switch {
	case ctx.Err() != nil:
		res.Interrupted = true
		e.logger.Info().Str("cmd", cmd.Path).Msg("tool run interrupted")
		return res, nil
	case runCtx.Err() == context.DeadlineExceeded:
		return res, kberrors.New(kberrors.ErrTool, "tool run timed out").
			WithDetails("cmd", cmd.String()).
			WithDetails("timeout", e.timeout.String())
	}

	var exitErr *exec.ExitError
	if errors.As(runErr, &exitErr) {
		res.ExitCode = exitErr.ExitCode()
	} else if runErr != nil {
		return res, kberrors.Wrap(kberrors.ErrTool, "cannot start tool", runErr).WithDetails("cmd", cmd.Path)
	}

	e.logger.Debug().
		Str("cmd", cmd.Path).
		Int("exit_code", res.ExitCode).
		Dur("duration", res.Duration).
		Msg("tool finished")
	return res, nil
}

func (e *ProcessExecutor) record(cmd Command, output string) {
	if e.sink == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.sink.Section(cmd.String()); err != nil {
		e.logger.Warn().Err(err).Msg("cannot write tool output log")
		return
	}
	if _, err := io.WriteString(e.sink, output); err != nil {
		e.logger.Warn().Err(err).Msg("cannot write tool output log")
	}
}
