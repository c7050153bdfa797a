// Package execute runs an action's command in its materialized execution
// directory, drains its standard streams concurrently, enforces the
// declared timeout, and packages the result per the worker's
// CAS-insertion controls.
package execute

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/k11v/buildworker/internal/action"
	"github.com/k11v/buildworker/internal/digest"
	"github.com/k11v/buildworker/internal/metrics"
	"github.com/k11v/buildworker/internal/rpc"
)

// reapGrace is how long Execute waits for a force-killed process to be
// reaped before giving up and returning anyway.
const reapGrace = 100 * time.Millisecond

// Config carries the worker's configured stream forwarding and
// CAS-insertion policy for stdout, stderr, and declared output files.
type Config struct {
	StreamStdout bool
	StreamStderr bool

	StdoutControl action.CASInsertionControl
	StderrControl action.CASInsertionControl
	FileControl   action.CASInsertionControl
}

// Executor runs one action's command at a time; it holds no per-call
// state, so a single instance can be reused across actions.
type Executor struct {
	client  rpc.CASClient
	config  Config
	metrics *metrics.Metrics
}

func New(client rpc.CASClient, config Config, m *metrics.Metrics) *Executor {
	return &Executor{client: client, config: config, metrics: m}
}

// Execute runs cmd in execDir under a.Timeout (zero meaning no timeout),
// forwarding live stdout/stderr to the named remote streams when
// enabled, and returns an ActionResult packaged per the configured
// CAS-insertion controls. Output files declared by a are read from
// execDir after the process exits.
func (e *Executor) Execute(ctx context.Context, cmd *action.Command, a *action.Action, execDir, stdoutStreamName, stderrStreamName string) (*action.ActionResult, error) {
	start := time.Now()

	if len(cmd.Argv) == 0 {
		slog.Warn("execute: command has an empty argv")
		return &action.ActionResult{ExitCode: -1}, nil
	}

	c := exec.Command(cmd.Argv[0], cmd.Argv[1:]...)
	c.Dir = execDir
	// exec.Cmd treats a nil Env as "inherit the current process's
	// environment"; the contract here is a full replacement, so an
	// action that declares no variables gets an explicitly empty one.
	c.Env = cmd.Env
	if c.Env == nil {
		c.Env = []string{}
	}
	c.Stdin = nil

	stdoutSink, closeStdoutSink := e.openSink(ctx, e.config.StreamStdout, stdoutStreamName)
	stderrSink, closeStderrSink := e.openSink(ctx, e.config.StreamStderr, stderrStreamName)
	defer closeStdoutSink()
	defer closeStderrSink()

	stdoutPipe, err := c.StdoutPipe()
	if err != nil {
		return &action.ActionResult{ExitCode: -1}, nil
	}
	stderrPipe, err := c.StderrPipe()
	if err != nil {
		return &action.ActionResult{ExitCode: -1}, nil
	}

	if err := c.Start(); err != nil {
		slog.Warn("execute: spawn failed", "argv", cmd.Argv, "error", err)
		return &action.ActionResult{ExitCode: -1}, nil
	}

	var stdoutBuf, stderrBuf bytes.Buffer
	stdoutDone := drain(stdoutPipe, &stdoutBuf, stdoutSink)
	stderrDone := drain(stderrPipe, &stderrBuf, stderrSink)

	waitDone := make(chan error, 1)
	go func() {
		waitDone <- c.Wait()
	}()

	var wait <-chan time.Time
	if a.Timeout > 0 {
		remaining := a.Timeout - time.Since(start)
		timer := time.NewTimer(remaining)
		defer timer.Stop()
		wait = timer.C
	}

	exitCode := -1
	select {
	case err := <-waitDone:
		exitCode = exitCodeOf(c, err)
	case <-wait:
		if e.metrics != nil {
			e.metrics.ExecTimeouts.Inc()
		}
		if c.Process != nil {
			_ = c.Process.Kill()
		}
		select {
		case err := <-waitDone:
			exitCode = exitCodeOf(c, err)
		case <-time.After(reapGrace):
			slog.Warn("execute: process didn't reap within grace period", "argv", cmd.Argv)
		}
	}

	<-stdoutDone
	<-stderrDone

	if e.metrics != nil {
		e.metrics.ExecDuration.Observe(time.Since(start).Seconds())
	}

	result := &action.ActionResult{ExitCode: exitCode}
	result.StdoutRaw, result.StdoutDigest = packageStream(stdoutBuf.Bytes(), e.config.StdoutControl)
	result.StderrRaw, result.StderrDigest = packageStream(stderrBuf.Bytes(), e.config.StderrControl)

	if !result.StdoutDigest.IsEmpty() {
		if _, err := e.client.PutBlob(ctx, stdoutBuf.Bytes()); err != nil {
			return nil, fmt.Errorf("execute: put stdout: %w", err)
		}
	}
	if !result.StderrDigest.IsEmpty() {
		if _, err := e.client.PutBlob(ctx, stderrBuf.Bytes()); err != nil {
			return nil, fmt.Errorf("execute: put stderr: %w", err)
		}
	}

	outputFiles, err := e.collectOutputFiles(ctx, a.OutputFiles, execDir)
	if err != nil {
		return nil, fmt.Errorf("execute: %w", err)
	}
	result.OutputFiles = outputFiles

	return result, nil
}

func exitCodeOf(c *exec.Cmd, waitErr error) int {
	if waitErr == nil {
		return c.ProcessState.ExitCode()
	}
	if exitErr, ok := waitErr.(*exec.ExitError); ok {
		return exitErr.ExitCode()
	}
	return -1
}

// drain copies r into buf and sink concurrently, returning a channel
// closed once the copy reaches EOF or r is closed by process exit.
func drain(r io.Reader, buf *bytes.Buffer, sink io.Writer) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		w := io.MultiWriter(buf, sink)
		if _, err := io.Copy(w, r); err != nil {
			slog.Warn("execute: stream drain ended with error", "error", err)
		}
	}()
	return done
}

func (e *Executor) openSink(ctx context.Context, enabled bool, streamName string) (io.Writer, func()) {
	if !enabled || streamName == "" {
		return io.Discard, func() {}
	}
	w, err := e.client.NewStreamInput(ctx, streamName)
	if err != nil {
		slog.Warn("execute: didn't open remote stream sink", "stream", streamName, "error", err)
		return io.Discard, func() {}
	}
	return w, func() { _ = w.Close() }
}

// packageStream applies the size/limit/policy table from the command
// executor's stream-packaging contract: raw is returned non-nil iff
// size <= limit; digest is returned non-empty iff policy is
// ALWAYS_INSERT, or size > limit and policy is INSERT_ABOVE_LIMIT or
// ALWAYS_INSERT. An empty stream yields both zero values.
func packageStream(content []byte, control action.CASInsertionControl) ([]byte, digest.Digest) {
	if len(content) == 0 {
		return nil, digest.Digest{}
	}

	withinLimit := int64(len(content)) <= control.Limit

	var raw []byte
	if withinLimit {
		raw = content
	}

	insert := control.Policy == action.PolicyAlwaysInsert ||
		(!withinLimit && (control.Policy == action.PolicyInsertAboveLimit || control.Policy == action.PolicyAlwaysInsert))

	var d digest.Digest
	if insert {
		d = digest.FromBytes(content)
	}

	return raw, d
}

func (e *Executor) collectOutputFiles(ctx context.Context, declared []string, execDir string) ([]action.OutputFile, error) {
	var files []action.OutputFile
	var toInsert [][]byte
	pendingIndex := make([]int, 0)

	for _, path := range declared {
		full := filepath.Join(execDir, path)
		info, err := os.Stat(full)
		if err != nil {
			if os.IsNotExist(err) {
				continue // non-existent declared outputs are silently skipped
			}
			return nil, err
		}
		content, err := os.ReadFile(full)
		if err != nil {
			return nil, err
		}

		f := action.OutputFile{
			Path:         path,
			IsExecutable: info.Mode()&0o111 != 0,
		}
		raw, d := packageStream(content, e.config.FileControl)
		f.Content = raw
		if !d.IsEmpty() {
			pendingIndex = append(pendingIndex, len(files))
			toInsert = append(toInsert, content)
		}
		files = append(files, f)
	}

	if len(toInsert) > 0 {
		digests, err := e.client.PutAllBlobs(ctx, toInsert)
		if err != nil {
			return nil, fmt.Errorf("put output files: %w", err)
		}
		for i, idx := range pendingIndex {
			files[idx].Digest = digests[i]
		}
	}

	return files, nil
}
