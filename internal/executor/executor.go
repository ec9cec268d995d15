// Package executor hands an accepted task to the external automation agent
// that clicks and types on the user's behalf.
package executor

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sundai-club/tasks-auto-complete/internal/config"
)

// Allows the command to be replaced in tests.
var execCommandContext = exec.CommandContext

var (
	ErrInvalidAPIKey       = errors.New("executor rejected the API key")
	ErrMissingDependencies = errors.New("executor dependencies are missing")
	ErrEmptyTask           = errors.New("task description is empty")
)

// apiKeyEnv is set in the child environment alongside the positional key.
const apiKeyEnv = "OPENAI_API_KEY"

const maxLineSize = 1024 * 1024

// Result holds what the agent printed.
type Result struct {
	Stdout   string
	Stderr   string
	Duration time.Duration
}

// Executor runs the configured agent command, one task per process.
type Executor struct {
	command string
	args    []string
	apiKey  string
	workDir string
	timeout time.Duration
	logger  *zap.Logger
}

func New(cfg config.ExecutorConfig, logger *zap.Logger) (*Executor, error) {
	if strings.TrimSpace(cfg.Command) == "" {
		return nil, fmt.Errorf("executor.command is required")
	}
	return &Executor{
		command: cfg.Command,
		args:    append([]string(nil), cfg.Args...),
		apiKey:  cfg.APIKey,
		workDir: cfg.WorkDir,
		timeout: cfg.Timeout,
		logger:  logger.Named("executor"),
	}, nil
}

// TaskText prefixes the task with the user profile when one is set.
func TaskText(profile, task string) string {
	profile = strings.TrimSpace(profile)
	if profile == "" {
		return task
	}
	return "User Profile:\n" + profile + "\n\nTask:\n" + task
}

// argv is the configured args followed by the API key (when set) and the task.
func (e *Executor) argv(taskText string) []string {
	argv := append([]string(nil), e.args...)
	if e.apiKey != "" {
		argv = append(argv, e.apiKey)
	}
	return append(argv, taskText)
}

// Run executes the agent for one task and waits for it to exit. Output is
// streamed to the logger line by line as it arrives.
func (e *Executor) Run(ctx context.Context, profile, task string) (*Result, error) {
	task = strings.TrimSpace(task)
	if task == "" {
		return nil, ErrEmptyTask
	}

	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	cmd := execCommandContext(ctx, e.command, e.argv(TaskText(profile, task))...)
	cmd.Dir = e.workDir
	env := cmd.Env
	if env == nil {
		env = os.Environ()
	}
	if e.apiKey != "" {
		env = append(env, apiKeyEnv+"="+e.apiKey)
	}
	cmd.Env = env

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to attach stdout: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to attach stderr: %w", err)
	}

	start := time.Now()
	e.logger.Info("Starting executor", zap.String("command", e.command), zap.Int("task_length", len(task)))
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start executor: %w", err)
	}

	var outBuf, errBuf strings.Builder
	var g errgroup.Group
	g.Go(func() error { return e.stream(stdout, "stdout", &outBuf) })
	g.Go(func() error { return e.stream(stderr, "stderr", &errBuf) })
	streamErr := g.Wait()
	waitErr := cmd.Wait()

	result := &Result{
		Stdout:   outBuf.String(),
		Stderr:   errBuf.String(),
		Duration: time.Since(start),
	}

	if waitErr != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return result, fmt.Errorf("executor stopped after %s: %w", result.Duration.Round(time.Millisecond), ctxErr)
		}
		return result, classify(waitErr, result.Stderr)
	}
	if streamErr != nil {
		e.logger.Warn("Executor output truncated", zap.Error(streamErr))
	}
	e.logger.Info("Executor finished", zap.Duration("duration", result.Duration))
	return result, nil
}

func (e *Executor) stream(r io.Reader, name string, buf *strings.Builder) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	for scanner.Scan() {
		line := scanner.Text()
		buf.WriteString(line)
		buf.WriteByte('\n')
		if name == "stderr" {
			e.logger.Warn("Executor output", zap.String("stream", name), zap.String("line", line))
			continue
		}
		e.logger.Info("Executor output", zap.String("stream", name), zap.String("line", line))
	}
	if err := scanner.Err(); err != nil {
		// Drain so the child is not blocked on a full pipe.
		_, _ = io.Copy(io.Discard, r)
		return fmt.Errorf("failed to read %s: %w", name, err)
	}
	return nil
}

// classify maps well known agent failures onto sentinel errors.
func classify(err error, stderr string) error {
	switch {
	case strings.Contains(stderr, "invalid_api_key"):
		return fmt.Errorf("%w: %v", ErrInvalidAPIKey, err)
	case strings.Contains(stderr, "No module named"):
		return fmt.Errorf("%w: %v", ErrMissingDependencies, err)
	}
	msg := strings.TrimSpace(stderr)
	if msg == "" {
		return fmt.Errorf("executor failed: %w", err)
	}
	return fmt.Errorf("executor failed: %w: %s", err, lastLine(msg))
}

func lastLine(s string) string {
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}
