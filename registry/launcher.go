package registry

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"slices"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Command describes a process to start.
type Command struct {
	Path  string
	Args  []string
	Env   []string
	Dir   string
	Stdin string
}

// ProcessResult is the outcome of a finished process.
type ProcessResult struct {
	Stdout   string        `json:"stdout"`
	Stderr   string        `json:"stderr"`
	ExitCode int           `json:"retcode"`
	Duration time.Duration `json:"duration"`
}

// Launcher starts processes for execution modules.
type Launcher interface {
	Launch(ctx context.Context, cmd Command) (*ProcessResult, error)
}

// LauncherFunc adapts a function to Launcher.
type LauncherFunc func(ctx context.Context, cmd Command) (*ProcessResult, error)

// Launch calls f.
func (f LauncherFunc) Launch(ctx context.Context, cmd Command) (*ProcessResult, error) {
	return f(ctx, cmd)
}

// ExecLauncher runs commands with os/exec.
type ExecLauncher struct{}

// Launch runs cmd to completion. A non-zero exit is reported through
// ExitCode, not as an error.
func (ExecLauncher) Launch(ctx context.Context, cmd Command) (*ProcessResult, error) {
	c := exec.CommandContext(ctx, cmd.Path, cmd.Args...)
	c.Env = cmd.Env
	c.Dir = cmd.Dir
	if cmd.Stdin != "" {
		c.Stdin = strings.NewReader(cmd.Stdin)
	}
	var stdout, stderr bytes.Buffer
	c.Stdout = &stdout
	c.Stderr = &stderr

	start := time.Now()
	err := c.Run()
	res := &ProcessResult{
		Stdout:   strings.TrimRight(stdout.String(), "\n"),
		Stderr:   strings.TrimRight(stderr.String(), "\n"),
		Duration: time.Since(start),
	}
	var exitErr *exec.ExitError
	switch {
	case err == nil:
	case errors.As(err, &exitErr):
		res.ExitCode = exitErr.ExitCode()
	default:
		return nil, err
	}
	return res, nil
}

// Environment variables that are never passed to child processes.
var (
	blockedEnvPrefixes = []string{"LD_", "DYLD_"}
	blockedEnvExact    = []string{"IFS", "LOCPATH", "BASH_ENV", "ENV", "PS4"}
)

// EnvPolicy decides which variables reach a child process.
type EnvPolicy struct {
	// Allow lists extra variable names that are otherwise blocked.
	Allow []string
	// Base is prepended before the command's own variables, e.g. PATH.
	Base []string
}

// SanitizingLauncher wraps another Launcher and filters the environment.
type SanitizingLauncher struct {
	next   Launcher
	policy EnvPolicy
	logger *zap.Logger
}

// NewSanitizingLauncher decorates next with environment filtering.
func NewSanitizingLauncher(next Launcher, policy EnvPolicy, logger *zap.Logger) *SanitizingLauncher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SanitizingLauncher{next: next, policy: policy, logger: logger}
}

// Launch filters cmd.Env and delegates.
func (s *SanitizingLauncher) Launch(ctx context.Context, cmd Command) (*ProcessResult, error) {
	env := make([]string, 0, len(s.policy.Base)+len(cmd.Env))
	env = append(env, s.policy.Base...)
	env = append(env, cmd.Env...)
	cmd.Env = s.Sanitize(env)
	return s.next.Launch(ctx, cmd)
}

// Sanitize drops malformed and blocked variables.
func (s *SanitizingLauncher) Sanitize(env []string) []string {
	out := make([]string, 0, len(env))
	for _, kv := range env {
		key, _, ok := strings.Cut(kv, "=")
		if !ok || key == "" {
			s.logger.Warn("malformed environment variable skipped")
			continue
		}
		upper := strings.ToUpper(key)
		if isBlockedEnv(upper) && !slices.Contains(s.policy.Allow, upper) {
			s.logger.Warn("blocked environment variable", zap.String("env_var", key))
			continue
		}
		out = append(out, kv)
	}
	return out
}

func isBlockedEnv(upper string) bool {
	for _, p := range blockedEnvPrefixes {
		if strings.HasPrefix(upper, p) {
			return true
		}
	}
	return slices.Contains(blockedEnvExact, upper)
}
