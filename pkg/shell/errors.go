package shell

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrPrivilegeUnavailable means the process is not root and no escalation helper was found.
	ErrPrivilegeUnavailable = errors.New("privilege escalation unavailable")
	// ErrCommandNotAllowed is returned for privileged commands outside the allowlist.
	ErrCommandNotAllowed = errors.New("command not allowed")
)

// CommandError reports a command that exited nonzero or could not be started.
type CommandError struct {
	Command  []string
	ExitCode int
	Output   string
	Err      error
}

func (e *CommandError) Error() string {
	msg := fmt.Sprintf("command failed: %s (code %d)", strings.Join(e.Command, " "), e.ExitCode)
	if out := strings.TrimSpace(e.Output); out != "" {
		msg += ": " + truncate(out, 512)
	}
	return msg
}

func (e *CommandError) Unwrap() error { return e.Err }

// PrivilegeError ties ErrPrivilegeUnavailable to the command that needed it.
type PrivilegeError struct {
	Command []string
	Helpers []string
}

func (e *PrivilegeError) Error() string {
	return fmt.Sprintf("%s: %s requires root, tried [%s]", ErrPrivilegeUnavailable, strings.Join(e.Command, " "), strings.Join(e.Helpers, " "))
}

func (e *PrivilegeError) Unwrap() error { return ErrPrivilegeUnavailable }

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}
