// SPDX-License-Identifier: MPL-2.0

package pipeline

import (
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/charmbracelet/log"

	"relkit/internal/manifest"
)

// Runner executes the project's external build commands. The pipeline never
// shells out directly; tests substitute a fake Runner to exercise stage
// transitions without a working toolchain.
type Runner interface {
	// PrepareEnv creates or refreshes the interpreter environment.
	PrepareEnv(ctx context.Context) error
	// Bundle produces the standalone output for kind (onefile or onedir).
	Bundle(ctx context.Context, kind Kind) error
}

// ExecRunner runs the manifest's build commands as subprocesses from the
// project root.
type ExecRunner struct {
	// Dir is the working directory for every command.
	Dir string
	// Build holds the command vectors from the manifest.
	Build manifest.BuildConfig
	// Logger receives command lifecycle events. Must not be nil.
	Logger *log.Logger
}

func (r *ExecRunner) PrepareEnv(ctx context.Context) error {
	return r.run(ctx, "env_command", r.Build.EnvCommand)
}

func (r *ExecRunner) Bundle(ctx context.Context, kind Kind) error {
	switch kind {
	case KindOnefile:
		return r.run(ctx, "onefile_command", r.Build.OnefileCommand)
	case KindOnedir:
		return r.run(ctx, "onedir_command", r.Build.OnedirCommand)
	}
	return fmt.Errorf("kind %s has no bundle command", kind)
}

func (r *ExecRunner) run(ctx context.Context, name string, argv []string) error {
	if len(argv) == 0 {
		return fmt.Errorf("%s is not configured in %s", name, manifest.DefaultFile)
	}

	r.Logger.Debug("running build command", "name", name, "argv", strings.Join(argv, " "))

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = r.Dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s (%s): %w\n%s", name, strings.Join(argv, " "), err, tail(out, 20))
	}
	return nil
}

// tail returns the last n lines of command output, enough to diagnose a
// failed build without replaying the whole log.
func tail(out []byte, n int) string {
	lines := strings.Split(strings.TrimRight(string(out), "\n"), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}
