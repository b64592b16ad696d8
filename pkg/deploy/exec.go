package deploy

import (
	"context"
	"os"
	"os/exec"
)

// runInstaller executes an installer argv in dir with extra environment
// entries, returning the combined output for error reporting.
func runInstaller(ctx context.Context, argv []string, dir string, extraEnv []string) (string, error) {
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), extraEnv...)
	out, err := cmd.CombinedOutput()
	return string(out), err
}
