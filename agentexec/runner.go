// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

package agentexec

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"sort"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/warden-foundation/warden/lib/clock"
)

// killGracePeriod is the delay between SIGTERM and SIGKILL, and again
// between SIGKILL and the gave-up warning.
const killGracePeriod = 5 * time.Second

// Request describes one agent invocation.
type Request struct {
	// Agent is the path (or $PATH name) of the agent executable.
	Agent string

	// Action is the operation to perform (start, stop, monitor, off,
	// reboot, list, status, ...). Passed as the "action" parameter.
	Action string

	// Params are written to the agent's stdin as KEY=VALUE lines.
	Params map[string]string

	// Env is appended to the child's environment as KEY=VALUE
	// strings (the stonith device id travels here).
	Env []string

	// Timeout is how long the agent may run before the SIGTERM /
	// SIGKILL escalation starts. Zero means no timeout.
	Timeout time.Duration
}

// Result is the outcome of one completed invocation.
type Result struct {
	// RC is the agent's exit code mapped into the OCF range. When
	// the agent died on a signal (including our own escalation), RC
	// is OCFUnknownError.
	RC int

	// Stdout is the agent's captured standard output.
	Stdout string

	// TimedOut is set when the escalation path fired.
	TimedOut bool
}

// Runner starts agent child processes. Safe to share; each Start is
// independent.
type Runner struct {
	logger *slog.Logger
	clock  clock.Clock
}

// NewRunner returns a Runner.
func NewRunner(logger *slog.Logger, clk clock.Clock) *Runner {
	return &Runner{
		logger: logger.With("component", "agentexec"),
		clock:  clk,
	}
}

// Child is one running agent process.
type Child struct {
	// PID of the agent process.
	PID int

	done chan Result
}

// Done delivers exactly one Result when the agent exits.
func (c *Child) Done() <-chan Result { return c.done }

// Start launches the agent and returns without waiting. The
// completion Result is delivered on Child.Done; the caller's event
// loop selects on it.
func (r *Runner) Start(request Request) (*Child, error) {
	cmd := exec.Command(request.Agent)
	cmd.Env = append(cmd.Environ(), request.Env...)
	// Each agent gets its own process group so the timeout signals
	// reach shell-wrapper descendants too.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	var stdout bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &logWriter{logger: r.logger, agent: request.Agent}
	cmd.Stdin = strings.NewReader(renderParams(request))

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting agent %s: %w", request.Agent, err)
	}

	child := &Child{
		PID:  cmd.Process.Pid,
		done: make(chan Result, 1),
	}
	r.logger.Debug("agent started",
		"agent", request.Agent, "action", request.Action, "pid", child.PID)

	timedOut := make(chan struct{}, 1)
	var termTimer, killTimer, warnTimer *clock.Timer
	if request.Timeout > 0 {
		group := -child.PID
		termTimer = r.clock.AfterFunc(request.Timeout, func() {
			select {
			case timedOut <- struct{}{}:
			default:
			}
			r.logger.Warn("agent timed out, sending SIGTERM",
				"agent", request.Agent, "action", request.Action, "pid", child.PID)
			unix.Kill(group, unix.SIGTERM)
		})
		killTimer = r.clock.AfterFunc(request.Timeout+killGracePeriod, func() {
			r.logger.Warn("agent ignored SIGTERM, sending SIGKILL",
				"agent", request.Agent, "pid", child.PID)
			unix.Kill(group, unix.SIGKILL)
		})
		warnTimer = r.clock.AfterFunc(request.Timeout+2*killGracePeriod, func() {
			r.logger.Error("agent survived SIGKILL, giving up on signals",
				"agent", request.Agent, "pid", child.PID)
		})
	}

	go func() {
		err := cmd.Wait()
		for _, timer := range []*clock.Timer{termTimer, killTimer, warnTimer} {
			if timer != nil {
				timer.Stop()
			}
		}

		result := Result{Stdout: stdout.String()}
		select {
		case <-timedOut:
			result.TimedOut = true
		default:
		}

		switch {
		case err == nil:
			result.RC = OCFSuccess
		default:
			var exitErr *exec.ExitError
			if errors.As(err, &exitErr) && exitErr.ExitCode() >= 0 {
				result.RC = MapExitCode(exitErr.ExitCode())
			} else {
				// Killed by a signal (possibly ours) or failed in
				// some unclassifiable way.
				result.RC = OCFUnknownError
			}
		}
		child.done <- result
	}()

	return child, nil
}

// renderParams produces the stdin byte stream: sorted KEY=VALUE lines
// with the action appended as its own parameter. Sorting keeps agent
// invocations reproducible for tests and log diffing.
func renderParams(request Request) string {
	keys := make([]string, 0, len(request.Params))
	for key := range request.Params {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, key := range keys {
		b.WriteString(key)
		b.WriteByte('=')
		b.WriteString(request.Params[key])
		b.WriteByte('\n')
	}
	b.WriteString("action=")
	b.WriteString(request.Action)
	b.WriteByte('\n')
	return b.String()
}

// logWriter forwards agent stderr lines to the structured log.
type logWriter struct {
	logger *slog.Logger
	agent  string
}

func (w *logWriter) Write(p []byte) (int, error) {
	for _, line := range strings.Split(strings.TrimRight(string(p), "\n"), "\n") {
		if line != "" {
			w.logger.Info("agent stderr", "agent", w.agent, "line", line)
		}
	}
	return len(p), nil
}
