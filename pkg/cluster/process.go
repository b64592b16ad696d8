package cluster

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// process wraps a spawned service process. The child is placed in its own
// process group so termination signals reach helpers it forked.
type process struct {
	cmd  *exec.Cmd
	done chan struct{}

	exitCode int
	waitErr  error
}

// spawn launches argv in dir with the given environment, redirecting
// stdout and stderr to the supplied files (either may be nil).
func spawn(argv []string, dir string, env []string, stdout, stderr *os.File) (*process, error) {
	if len(argv) == 0 {
		return nil, fmt.Errorf("empty command")
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = dir
	cmd.Env = env
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		return nil, err
	}

	p := &process{
		cmd:  cmd,
		done: make(chan struct{}),
	}

	go func() {
		p.waitErr = cmd.Wait()
		p.exitCode = cmd.ProcessState.ExitCode()
		close(p.done)
	}()

	return p, nil
}

// runCommand runs argv to completion in dir and returns its combined
// output. Used for one-shot helpers like post-start commands.
func runCommand(ctx context.Context, argv []string, dir string, extraEnv []string) (string, error) {
	if len(argv) == 0 {
		return "", fmt.Errorf("empty command")
	}
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), extraEnv...)
	out, err := cmd.CombinedOutput()
	return string(out), err
}

// pid returns the process ID.
func (p *process) pid() int {
	return p.cmd.Process.Pid
}

// alive reports whether the process is still running.
func (p *process) alive() bool {
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}

// exit returns the exit code once the process has terminated.
func (p *process) exit() (code int, exited bool) {
	select {
	case <-p.done:
		return p.exitCode, true
	default:
		return 0, false
	}
}

// terminate requests graceful termination of the whole process group,
// waits up to grace, then force-kills. Returns the exit code.
func (p *process) terminate(grace time.Duration) int {
	pgid := p.cmd.Process.Pid

	// SIGTERM the group first.
	_ = unix.Kill(-pgid, unix.SIGTERM)

	select {
	case <-p.done:
		return p.exitCode
	case <-time.After(grace):
	}

	// Still alive after the grace period.
	_ = unix.Kill(-pgid, unix.SIGKILL)

	select {
	case <-p.done:
	case <-time.After(5 * time.Second):
		// Wait() is stuck; the kernel has the SIGKILL, give up waiting.
	}
	return p.exitCode
}
