// Package debug opens a remote-access window when a run fails with debug
// enabled.
package debug

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/AndreyAkinshin/shipyard/internal/config"
	"github.com/AndreyAkinshin/shipyard/internal/logging"
	"github.com/AndreyAkinshin/shipyard/internal/model"
	"github.com/AndreyAkinshin/shipyard/internal/shell"
)

// Environment variables passed to the session command.
const (
	EnvAllowedActors = "SHIPYARD_DEBUG_ALLOWED_ACTORS"
	EnvSessionID     = "SHIPYARD_DEBUG_SESSION"
	EnvReason        = "SHIPYARD_DEBUG_REASON"
)

// Hook runs the configured session command, typically a tmate or ssh
// server restricted to the allowed actors, and blocks until it exits or the
// session timeout expires.
type Hook struct {
	command     string
	maintainers []string
	timeout     time.Duration
	stdout      io.Writer
	stderr      io.Writer
	logger      *slog.Logger
}

// Option configures a Hook.
type Option func(*Hook)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(h *Hook) { h.logger = logging.OrDiscard(l) }
}

// WithOutput redirects the session command's output.
func WithOutput(stdout, stderr io.Writer) Option {
	return func(h *Hook) {
		h.stdout = stdout
		h.stderr = stderr
	}
}

// New creates a Hook.
func New(cfg config.DebugConfig, opts ...Option) *Hook {
	h := &Hook{
		command:     cfg.Command,
		maintainers: cfg.Maintainers,
		timeout:     time.Duration(cfg.SessionTimeoutMinutes) * time.Minute,
		logger:      logging.Discard(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Open runs one debug session for the failed run. An expired session is
// not an error.
func (h *Hook) Open(ctx context.Context, rc model.RunContext, reason error) error {
	if h.command == "" {
		h.logger.Info("debug requested but no session command configured")
		return nil
	}

	sessionID := uuid.NewString()
	actors := AllowedActors(rc.Trigger.Actor, h.maintainers)
	env := rc.Env()
	env[EnvAllowedActors] = strings.Join(actors, ",")
	env[EnvSessionID] = sessionID
	if reason != nil {
		env[EnvReason] = reason.Error()
	}

	if h.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.timeout)
		defer cancel()
	}

	h.logger.Info("debug session opened", "session", sessionID, "allowed_actors", actors, "timeout", h.timeout)
	code, err := shell.Run(ctx, shell.Command{
		Script: h.command,
		Dir:    rc.RepoPath,
		Env:    env,
		Stdout: h.stdout,
		Stderr: h.stderr,
	})
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		h.logger.Info("debug session expired", "session", sessionID)
		return nil
	case err != nil:
		return fmt.Errorf("debug session: %w", err)
	case code != 0:
		return fmt.Errorf("debug session command exited with code %d", code)
	}
	h.logger.Info("debug session closed", "session", sessionID)
	return nil
}

// AllowedActors returns the triggering actor followed by the maintainers,
// without blanks or duplicates.
func AllowedActors(actor string, maintainers []string) []string {
	var out []string
	for _, a := range append([]string{actor}, maintainers...) {
		a = strings.TrimSpace(a)
		if a == "" || slices.Contains(out, a) {
			continue
		}
		out = append(out, a)
	}
	return out
}
