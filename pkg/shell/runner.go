package shell

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"os"
	"os/exec"
	"strings"

	"github.com/rs/zerolog"
)

// Sink receives audit lines: the echoed command and its captured output.
type Sink func(line string)

type sinkKey struct{}

// WithSink attaches a sink to ctx; Runner.Run forwards command echo and output to it.
func WithSink(ctx context.Context, sink Sink) context.Context {
	return context.WithValue(ctx, sinkKey{}, sink)
}

// SinkFrom returns the sink attached to ctx, or a no-op.
func SinkFrom(ctx context.Context) Sink {
	if s, ok := ctx.Value(sinkKey{}).(Sink); ok && s != nil {
		return s
	}
	return func(string) {}
}

// DefaultHelpers is the escalation search order when none is configured.
var DefaultHelpers = []string{"pkexec", "sudo"}

// Runner executes OS commands, wrapping privileged ones with an escalation helper
// when the process is not already root.
type Runner struct {
	Helpers []string
	Logger  zerolog.Logger

	// test seams
	euid     func() int
	lookPath func(string) (string, error)
}

func NewRunner(logger zerolog.Logger, helpers []string) *Runner {
	if len(helpers) == 0 {
		helpers = DefaultHelpers
	}
	return &Runner{
		Helpers:  helpers,
		Logger:   logger.With().Str("component", "shell").Logger(),
		euid:     os.Geteuid,
		lookPath: exec.LookPath,
	}
}

// Run executes argv and returns its interleaved stdout/stderr. A nonzero exit yields
// *CommandError; the output is forwarded to the sink before that decision is made.
func (r *Runner) Run(ctx context.Context, argv []string, privileged bool) ([]byte, error) {
	if len(argv) == 0 {
		return nil, errors.New("empty command")
	}
	sink := SinkFrom(ctx)
	full := argv
	if privileged {
		if !allowedCommand(argv[0], argv[1:]) {
			r.Logger.Warn().Strs("argv", argv).Msg("refusing privileged command")
			return nil, ErrCommandNotAllowed
		}
		wrapped, err := r.escalate(argv)
		if err != nil {
			sink("ERROR: " + err.Error())
			return nil, err
		}
		full = wrapped
	}

	line := "$ " + strings.Join(full, " ")
	sink(line)
	r.Logger.Info().Strs("argv", full).Bool("privileged", privileged).Msg("exec")

	cmd := exec.CommandContext(ctx, full[0], full[1:]...)
	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf
	runErr := cmd.Run()
	out := buf.Bytes()

	forward(sink, out)
	if runErr != nil {
		cerr := &CommandError{Command: full, ExitCode: exitCode(runErr), Output: string(out), Err: runErr}
		sink("ERROR: " + cerr.Error())
		r.Logger.Error().Strs("argv", full).Int("code", cerr.ExitCode).Str("output", string(out)).Msg("command failed")
		return out, cerr
	}
	return out, nil
}

func (r *Runner) escalate(argv []string) ([]string, error) {
	if r.euid() == 0 {
		return argv, nil
	}
	for _, h := range r.Helpers {
		path, err := r.lookPath(h)
		if err != nil {
			continue
		}
		out := make([]string, 0, len(argv)+1)
		out = append(out, path)
		return append(out, argv...), nil
	}
	return nil, &PrivilegeError{Command: argv, Helpers: r.Helpers}
}

// CheckPrivilege fails early when privileged commands could never run.
func (r *Runner) CheckPrivilege() error {
	_, err := r.escalate([]string{"true"})
	return err
}

func forward(sink Sink, out []byte) {
	sc := bufio.NewScanner(bytes.NewReader(out))
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		if l := strings.TrimRight(sc.Text(), "\r"); l != "" {
			sink(l)
		}
	}
}
