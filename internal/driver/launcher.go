package driver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os/exec"
	"time"
)

// notFoundExit is the shell convention for "command not found".
const notFoundExit = 127

// DefaultNotFoundWindow is how long a fresh process is watched for a
// command-not-found exit before it is considered launched.
const DefaultNotFoundWindow = 200 * time.Millisecond

// Spec describes how to launch the managed process.
type Spec struct {
	Command  string
	Fallback []string // alternate invocation, prepended to Args
	Args     []string
	Env      []string
	Dir      string
}

// Launcher spawns the managed process.
type Launcher interface {
	Launch(ctx context.Context, spec Spec) (Handle, error)
}

// ExecLauncher spawns real processes. Output from every launch is copied to Sink.
type ExecLauncher struct {
	Sink           io.Writer
	NotFoundWindow time.Duration
	Logger         *slog.Logger
}

// Launch starts the preferred command. If it is missing, either at exec time
// or as an exit 127 right after spawning, the fallback invocation is started
// instead and the switch is not reported as an error.
func (l *ExecLauncher) Launch(ctx context.Context, spec Spec) (Handle, error) {
	h, err := startOwned(spec.Command, spec.Args, spec.Env, spec.Dir, l.Sink)
	if err != nil {
		if isNotFound(err) && len(spec.Fallback) > 0 {
			l.logger().Info("preferred command not found, using fallback", "command", spec.Command, "fallback", spec.Fallback[0])
			return l.launchFallback(spec)
		}
		return nil, fmt.Errorf("starting %s: %w", spec.Command, err)
	}
	if len(spec.Fallback) == 0 {
		return h, nil
	}

	window := l.NotFoundWindow
	if window <= 0 {
		window = DefaultNotFoundWindow
	}
	select {
	case <-h.Done():
		if h.Exit().Code == notFoundExit {
			l.logger().Info("preferred command exited 127, using fallback", "command", spec.Command, "fallback", spec.Fallback[0])
			return l.launchFallback(spec)
		}
	case <-time.After(window):
	case <-ctx.Done():
	}
	return h, nil
}

func (l *ExecLauncher) launchFallback(spec Spec) (Handle, error) {
	args := append(append([]string{}, spec.Fallback[1:]...), spec.Args...)
	h, err := startOwned(spec.Fallback[0], args, spec.Env, spec.Dir, l.Sink)
	if err != nil {
		return nil, fmt.Errorf("starting fallback %s: %w", spec.Fallback[0], err)
	}
	return h, nil
}

func (l *ExecLauncher) logger() *slog.Logger {
	if l.Logger != nil {
		return l.Logger
	}
	return slog.Default()
}

func isNotFound(err error) bool {
	return errors.Is(err, exec.ErrNotFound) || errors.Is(err, fs.ErrNotExist)
}

// RunStopCommand runs the managed process's own graceful-stop invocation and
// waits for it up to timeout. Its outcome is advisory.
func RunStopCommand(ctx context.Context, argv, env []string, timeout time.Duration) error {
	if len(argv) == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Env = env
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("stop command %s: %w: %s", argv[0], err, truncate(out, 200))
	}
	return nil
}

func truncate(b []byte, n int) string {
	if len(b) > n {
		b = b[:n]
	}
	return string(b)
}
