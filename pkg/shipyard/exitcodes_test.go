package shipyard_test

import (
	"testing"

	"github.com/AndreyAkinshin/shipyard/internal/errors"
	"github.com/AndreyAkinshin/shipyard/internal/model"
	"github.com/AndreyAkinshin/shipyard/pkg/shipyard"
)

func TestExitCodeValues(t *testing.T) {
	tests := []struct {
		name     string
		constant int
		expected int
	}{
		{"ExitSuccess", shipyard.ExitSuccess, 0},
		{"ExitFailure", shipyard.ExitFailure, 1},
		{"ExitConfigError", shipyard.ExitConfigError, 2},
		{"ExitEnvError", shipyard.ExitEnvError, 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.constant != tt.expected {
				t.Errorf("shipyard.%s = %d, want %d", tt.name, tt.constant, tt.expected)
			}
		})
	}
}

// TestExitCodeConsistency keeps the public constants in step with the
// codes the CLI actually returns.
func TestExitCodeConsistency(t *testing.T) {
	tests := []struct {
		name     string
		public   int
		internal int
	}{
		{"Success", shipyard.ExitSuccess, errors.ExitSuccess},
		{"Failure/RuntimeError", shipyard.ExitFailure, errors.ExitRuntimeError},
		{"ConfigError", shipyard.ExitConfigError, errors.ExitConfigError},
		{"EnvError/EnvironmentError", shipyard.ExitEnvError, errors.ExitEnvironmentError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.public != tt.internal {
				t.Errorf("exit code mismatch: shipyard constant = %d, errors constant = %d",
					tt.public, tt.internal)
			}
		})
	}
}

func TestVerdictConsistency(t *testing.T) {
	tests := []struct {
		public   string
		internal model.Verdict
	}{
		{shipyard.VerdictSuccess, model.VerdictSuccess},
		{shipyard.VerdictNoChanges, model.VerdictNoChanges},
		{shipyard.VerdictFailure, model.VerdictFailure},
	}
	for _, tt := range tests {
		if tt.public != string(tt.internal) {
			t.Errorf("verdict mismatch: shipyard constant = %q, model constant = %q", tt.public, tt.internal)
		}
	}
}
