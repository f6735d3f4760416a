package serialcon

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	routeragent "github.com/lime-hil/routeragent"
)

const activateTimeout = 2 * time.Second

// Shell runs commands over the console and recovers their exit status. The
// console merges stdout and stderr, so CommandResult.Stderr is always empty
// here.
type Shell struct {
	console *Console
}

// NewShell wraps a console as a command channel.
func NewShell(console *Console) *Shell {
	return &Shell{console: console}
}

// Activate claims the console for shell use: it sends a newline and waits
// briefly for a prompt. A timeout is not fatal; the next Run decides.
func (s *Shell) Activate() error {
	if err := s.console.SendLine(""); err != nil {
		return errors.Wrap(err, "activate console shell")
	}
	// A sleeping getty answers nothing until woken; the prompt wait is
	// advisory only and the next Run decides.
	_, _, _ = s.console.Expect([]string{"#", "$"}, activateTimeout)
	return nil
}

// Run executes cmd and parses its exit status from a sentinel echo. The
// sentinel is split in the sent command line so the echoed input can never
// match it.
func (s *Shell) Run(cmd string, timeout time.Duration) (routeragent.CommandResult, error) {
	tag := "RC" + strings.ReplaceAll(uuid.NewString()[:8], "-", "")
	marker := tag + ":"
	// `echo RC""xxx:$?` prints `RCxxx:<status>`, while the echoed command
	// text contains the quote characters and cannot match the marker.
	sent := fmt.Sprintf(`%s; echo %s""%s:$?`, cmd, tag[:2], tag[2:])

	if err := s.console.SendLine(sent); err != nil {
		return routeragent.CommandResult{}, errors.Wrapf(err, "send command %q", cmd)
	}
	_, captured, err := s.console.Expect([]string{marker}, timeout)
	if err != nil {
		return routeragent.CommandResult{}, errors.Wrapf(err, "await completion of %q", cmd)
	}
	// The status digits follow the marker; read them with a short grace
	// window.
	_, tail, err := s.console.Expect([]string{"\n"}, time.Second)
	if err != nil {
		return routeragent.CommandResult{}, errors.Wrapf(err, "read exit status of %q", cmd)
	}
	exit, perr := strconv.Atoi(strings.TrimSpace(strings.TrimSuffix(tail, "\n")))
	if perr != nil {
		return routeragent.CommandResult{}, errors.Wrapf(perr, "parse exit status %q of %q", tail, cmd)
	}

	return routeragent.CommandResult{
		Stdout:   outputLines(captured, marker, sent),
		ExitCode: exit,
	}, nil
}

// outputLines strips the echoed command line and the marker line from the
// captured console text.
func outputLines(captured, marker, sent string) []string {
	lines := strings.Split(strings.ReplaceAll(captured, "\r", ""), "\n")
	out := make([]string, 0, len(lines))
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		if strings.Contains(line, sent) || strings.HasSuffix(trimmed, strings.TrimSpace(sent)) {
			continue
		}
		if strings.Contains(line, marker) {
			continue
		}
		out = append(out, line)
	}
	return out
}
