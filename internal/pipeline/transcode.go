package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"syscall"
	"time"
)

// Runner invokes the external transcoder once. Injected in tests.
type Runner func(ctx context.Context, binary, input, output string, args []string) error

// spawnError marks failures to start the transcoder process; these are
// transient and worth retrying.
type spawnError struct {
	err error
}

func (e *spawnError) Error() string { return fmt.Sprintf("spawn transcoder: %v", e.err) }
func (e *spawnError) Unwrap() error { return e.err }

// exitError carries the transcoder's exit code and a stderr tail.
type exitError struct {
	code   int
	stderr string
}

func (e *exitError) Error() string {
	if e.stderr == "" {
		return fmt.Sprintf("transcoder exit code %d", e.code)
	}
	return fmt.Sprintf("transcoder exit code %d: %s", e.code, e.stderr)
}

// badInput reports whether the exit code signals unreadable or unsupported
// input. ffmpeg exits with 1 on malformed input and unsupported codecs.
func (e *exitError) badInput() bool { return e.code == 1 }

const stderrTailLimit = 512

// runTranscode executes one transcoder invocation. The subprocess runs in its
// own process group and the whole group is killed on ctx cancellation, since
// the transcoder cannot be trusted to poll a flag.
func runTranscode(ctx context.Context, binary, input, output string, formatArgs []string) error {
	args := make([]string, 0, len(formatArgs)+4)
	args = append(args, "-y", "-i", input)
	args = append(args, formatArgs...)
	args = append(args, output)

	cmd := exec.CommandContext(ctx, binary, args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	cmd.WaitDelay = 3 * time.Second

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return &spawnError{err: err}
	}
	if err := cmd.Wait(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		var ee *exec.ExitError
		if errors.As(err, &ee) {
			return &exitError{code: ee.ExitCode(), stderr: stderrTail(stderr.String())}
		}
		return err
	}
	return nil
}

func stderrTail(s string) string {
	s = strings.TrimSpace(s)
	if len(s) <= stderrTailLimit {
		return s
	}
	return s[len(s)-stderrTailLimit:]
}

// isTransient reports whether an attempt failure is worth retrying:
// process spawn failures and resource-temporarily-unavailable conditions.
func isTransient(err error) bool {
	if err == nil {
		return false
	}
	var se *spawnError
	if errors.As(err, &se) {
		return true
	}
	return errors.Is(err, syscall.EAGAIN)
}
