package shell

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"time"
)

// ErrTimeout is returned by Probe when the command outlives its deadline.
var ErrTimeout = errors.New("probe timed out")

// Probe runs a read-only query such as lsblk without privileges, echo or a sink,
// and returns its stdout. Stderr only shows up in the error.
func Probe(ctx context.Context, timeout time.Duration, name string, args ...string) ([]byte, error) {
	pctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(pctx, name, args...)
	cmd.Stdout, cmd.Stderr = &stdout, &stderr
	err := cmd.Run()
	switch {
	case errors.Is(pctx.Err(), context.DeadlineExceeded):
		return nil, fmt.Errorf("%s: %w after %s", name, ErrTimeout, timeout)
	case err != nil:
		return nil, &CommandError{
			Command:  append([]string{name}, args...),
			ExitCode: exitCode(err),
			Output:   stderr.String(),
			Err:      err,
		}
	}
	return stdout.Bytes(), nil
}

// exitCode is -1 when the process never ran.
func exitCode(err error) int {
	var ee *exec.ExitError
	switch {
	case err == nil:
		return 0
	case errors.As(err, &ee):
		return ee.ExitCode()
	}
	return -1
}
