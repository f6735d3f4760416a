package routeragent

import (
	"time"

	"github.com/pkg/errors"
)

// Power switches the device's supply through an external relay.
type Power interface {
	On() error
	Off() error
}

// Serial is a raw console channel: line-oriented writes plus pattern waits.
type Serial interface {
	SendLine(line string) error
	Write(p []byte) error
	// Expect blocks until one of patterns appears in the console stream or
	// the timeout lapses. It returns the index of the matched pattern and
	// the text captured up to and including the match.
	Expect(patterns []string, timeout time.Duration) (int, string, error)
}

// CommandResult carries the outcome of one remote command.
type CommandResult struct {
	Stdout   []string
	Stderr   []string
	ExitCode int
}

// CommandRunner executes a command on the device with an explicit upper
// bound. Every call that talks to the device must carry its own timeout.
type CommandRunner interface {
	Run(cmd string, timeout time.Duration) (CommandResult, error)
}

// Shell is the console-backed command channel. Activate claims the
// underlying serial channel for interactive use; it is idempotent and must
// be re-asserted after other capabilities (e.g. the bootloader) have driven
// the same line.
type Shell interface {
	CommandRunner
	Activate() error
}

// SSH is the network command channel, discovered lazily once the device has
// booted. Connect and Close are idempotent.
type SSH interface {
	CommandRunner
	Upload(localPath, remotePath string) error
	Connect() error
	Close() error
}

// LineIsolator physically interrupts the serial TX/RX path. Some boards emit
// a destructive glitch on the UART during boot; isolating the line for that
// window protects the host side.
type LineIsolator interface {
	Disconnect() error
	Connect() error
}

// Bootloader drives the board's bootloader over the console. Activate blocks
// until the prompt is detected and any configured load commands (e.g.
// tftpboot of a recovery image) have completed.
type Bootloader interface {
	Activate() error
	RunCommand(cmd string) (string, error)
	Boot(args string) error
	AwaitBootComplete(timeout time.Duration) error
	// InitCommands returns the configured initialization commands, used to
	// extract the recovery image filename and the transfer-server address.
	InitCommands() []string
}

// CapabilitySet binds the transports of one physical device. Power and Shell
// are mandatory; the rest are optional and may be nil. A missing optional
// capability degrades behavior (skip a step, fall back to another path)
// rather than failing outright, except where an operation explicitly
// requires it.
type CapabilitySet struct {
	Power      Power
	Shell      Shell
	Serial     Serial
	Isolator   LineIsolator
	SSH        SSH
	Bootloader Bootloader
}

func (c CapabilitySet) validate() error {
	if c.Power == nil {
		return errors.New("capability set: power is required")
	}
	if c.Shell == nil {
		return errors.New("capability set: shell is required")
	}
	return nil
}
