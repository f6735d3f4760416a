package routeragent

import "time"

// BootProfile holds per-device boot tunables. It is supplied by the caller
// and immutable after construction.
type BootProfile struct {
	// BootWait is how long to wait after power-on before polling the shell.
	BootWait time.Duration
	// ConnectionTimeout bounds the shell polling loop.
	ConnectionTimeout time.Duration
	// RequiresLineIsolation enables the isolated boot sequence for boards
	// whose UART glitches the line during boot.
	RequiresLineIsolation bool
	// SmartDetection gates the fast already-on probe that can skip a
	// redundant power cycle.
	SmartDetection bool

	// FastProbeTimeout bounds the serial echo probe.
	FastProbeTimeout time.Duration
	// PollInterval is the sleep between shell poll attempts.
	PollInterval time.Duration
	// PollAttemptTimeout bounds each individual poll command.
	PollAttemptTimeout time.Duration
	// IsolatorSettle is the delay after disconnecting the line before
	// powering on.
	IsolatorSettle time.Duration
	// ReconnectSettle is the delay after reconnecting the line.
	ReconnectSettle time.Duration
	// WakeupLines is the number of blank lines sent to push past a
	// "press enter to activate this console" gate.
	WakeupLines int
	// WakeupDelay is the pause between wake-up lines.
	WakeupDelay time.Duration
}

func (p BootProfile) withDefaults() BootProfile {
	if p.BootWait <= 0 {
		p.BootWait = 20 * time.Second
	}
	if p.ConnectionTimeout <= 0 {
		p.ConnectionTimeout = 60 * time.Second
	}
	if p.FastProbeTimeout <= 0 {
		p.FastProbeTimeout = 2 * time.Second
	}
	if p.PollInterval <= 0 {
		p.PollInterval = 2 * time.Second
	}
	if p.PollAttemptTimeout <= 0 {
		p.PollAttemptTimeout = 5 * time.Second
	}
	if p.IsolatorSettle <= 0 {
		p.IsolatorSettle = 3 * time.Second
	}
	if p.ReconnectSettle <= 0 {
		p.ReconnectSettle = 8 * time.Second
	}
	if p.WakeupLines <= 0 {
		p.WakeupLines = 6
	}
	if p.WakeupDelay <= 0 {
		p.WakeupDelay = 200 * time.Millisecond
	}
	return p
}
