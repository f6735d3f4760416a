package routeragent

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const (
	shutdownCommandTimeout = 10 * time.Second
	shutdownProbeTimeout   = 3 * time.Second
	shutdownPollCycles     = 10
	shutdownPollInterval   = time.Second
	consolePokeLines       = 2
	consolePokeDelay       = 100 * time.Millisecond
)

// ControllerConfig wires one device's capabilities and tunables.
type ControllerConfig struct {
	Name                string
	Capabilities        CapabilitySet
	Profile             BootProfile
	MaxRecoveryAttempts int
	Recorder            EventRecorder
}

// Controller is the device lifecycle state machine. It owns the cached
// DeviceState and brings the device to a caller-requested state with the
// minimal safe action sequence. All operations are synchronous; the serial
// console, SSH session and power relay of one device are never driven
// concurrently.
type Controller struct {
	name     string
	caps     CapabilitySet
	profile  BootProfile
	maxRecov int
	recorder EventRecorder

	state            DeviceState
	smartDetection   bool
	recoveryAttempts int

	// injectable for tests
	sleep func(time.Duration)
	now   func() time.Time
}

// NewController validates the capability set and applies profile defaults.
func NewController(cfg ControllerConfig) (*Controller, error) {
	if strings.TrimSpace(cfg.Name) == "" {
		return nil, errors.New("controller: device name cannot be empty")
	}
	if err := cfg.Capabilities.validate(); err != nil {
		return nil, err
	}
	if cfg.MaxRecoveryAttempts <= 0 {
		cfg.MaxRecoveryAttempts = 2
	}
	return &Controller{
		name:           cfg.Name,
		caps:           cfg.Capabilities,
		profile:        cfg.Profile.withDefaults(),
		maxRecov:       cfg.MaxRecoveryAttempts,
		recorder:       cfg.Recorder,
		state:          StateUnknown,
		smartDetection: cfg.Profile.SmartDetection,
		sleep:          time.Sleep,
		now:            time.Now,
	}, nil
}

// State returns the cached device state. Read-only for other components.
func (c *Controller) State() DeviceState { return c.state }

// Name returns the device name the controller was built for.
func (c *Controller) Name() string { return c.name }

// Invalidate resets the cached state to StateUnknown. Used after operations
// that make prior knowledge stale, such as a flash that reboots the device.
func (c *Controller) Invalidate() {
	c.state = StateUnknown
}

// Transition brings the device to the requested state. Requesting
// StateUnknown is always an error with zero side effects. A transition to
// the already-cached state short-circuits; for StateShellReady it still
// re-activates the shell capability because another capability may have
// taken over the console channel, but issues no power action.
func (c *Controller) Transition(ctx context.Context, target DeviceState) error {
	switch target {
	case StatePoweredOff, StateShellReady:
	default:
		return &ConfigurationError{Reason: fmt.Sprintf("%s: cannot transition to state %q", c.name, target)}
	}

	if c.state == target {
		if target == StateShellReady {
			if err := c.caps.Shell.Activate(); err != nil {
				return errors.Wrapf(err, "%s: reactivate shell", c.name)
			}
		}
		log.Debug().Str("device", c.name).Stringer("state", target).Msg("transition skipped, already in requested state")
		return nil
	}

	switch target {
	case StatePoweredOff:
		if err := c.caps.Power.Off(); err != nil {
			return errors.Wrapf(err, "%s: power off", c.name)
		}
	case StateShellReady:
		if err := c.toShell(ctx); err != nil {
			// Power commands may already have fired; the cached state no
			// longer reflects the device.
			c.state = StateUnknown
			return err
		}
	}

	c.state = target
	c.record(ctx, "transition", target.String())
	log.Info().Str("device", c.name).Stringer("state", target).Msg("device transition complete")
	return nil
}

// ForcePowerCycle guarantees a real power cycle even if a shell appears
// reachable: it bypasses the fast probe, resets the cached state and re-runs
// the shell transition. The smart-detection flag is restored on every exit
// path.
func (c *Controller) ForcePowerCycle(ctx context.Context) error {
	prev := c.smartDetection
	c.smartDetection = false
	defer func() { c.smartDetection = prev }()

	c.state = StateUnknown
	return c.Transition(ctx, StateShellReady)
}

// EnsureOff is a no-op when the device is already known to be powered off.
func (c *Controller) EnsureOff(ctx context.Context) error {
	if c.state == StatePoweredOff {
		return nil
	}
	return c.Transition(ctx, StatePoweredOff)
}

// GracefulShutdown asks the running system to power itself down over SSH,
// waits a bounded number of cycles for the session to stop answering, and in
// every case finishes by cutting power physically. Software shutdown
// failures are logged and fall through; only the final power action can fail
// the operation.
func (c *Controller) GracefulShutdown(ctx context.Context) error {
	if c.state == StateShellReady && c.caps.SSH != nil {
		if _, err := c.caps.SSH.Run("poweroff", shutdownCommandTimeout); err != nil {
			log.Warn().Err(err).Str("device", c.name).Msg("poweroff command failed, falling back to hard power off")
		} else {
			down := false
			for i := 0; i < shutdownPollCycles; i++ {
				if _, err := c.caps.SSH.Run("true", shutdownProbeTimeout); err != nil {
					down = true
					break
				}
				c.sleep(shutdownPollInterval)
			}
			if !down {
				log.Warn().Str("device", c.name).Msg("device still answering after poweroff, cutting power anyway")
			}
		}
	}
	c.state = StateUnknown
	return c.Transition(ctx, StatePoweredOff)
}

// Recoverer re-persists working firmware on a device that failed to boot
// after a flash. Implemented by the recovery engine; stubbed in tests.
type Recoverer interface {
	Recover(ctx context.Context, artifact *FirmwareArtifact) error
}

// WaitShellWithRecovery drives the post-flash boot loop: attempt a shell
// transition, and on failure invoke the recoverer, bounded by the configured
// maximum of consecutive recovery attempts. The counter resets only on a
// verified successful boot.
func (c *Controller) WaitShellWithRecovery(ctx context.Context, rec Recoverer, artifact *FirmwareArtifact) error {
	var lastErr error
	for {
		err := c.Transition(ctx, StateShellReady)
		if err == nil {
			c.recoveryAttempts = 0
			return nil
		}
		lastErr = err
		log.Warn().Err(err).Str("device", c.name).
			Int("recovery_attempts", c.recoveryAttempts).
			Msg("shell not reachable after flash")
		if rec == nil {
			return err
		}
		if c.recoveryAttempts >= c.maxRecov {
			c.record(ctx, "recovery", "exhausted")
			return &RecoveryExhaustedError{Attempts: c.recoveryAttempts, LastErr: lastErr}
		}
		c.recoveryAttempts++
		c.record(ctx, "recovery", fmt.Sprintf("attempt %d/%d", c.recoveryAttempts, c.maxRecov))
		if rerr := rec.Recover(ctx, artifact); rerr != nil {
			// Fatal recovery errors (missing capability, no TFTP server)
			// will not improve on retry; only boot failures are retried.
			var cfgErr *ConfigurationError
			if errors.As(rerr, &cfgErr) {
				return rerr
			}
			lastErr = rerr
			log.Error().Err(rerr).Str("device", c.name).Msg("recovery attempt failed")
		}
		c.state = StateUnknown
	}
}

func (c *Controller) toShell(ctx context.Context) error {
	if c.probeShellActive() {
		log.Info().Str("device", c.name).Msg("shell already active, skipping power cycle")
		return nil
	}

	if c.profile.RequiresLineIsolation && c.caps.Isolator != nil {
		// Boot with the serial line physically disconnected: the board's
		// UART emits a destructive glitch during its boot stage.
		if err := c.caps.Power.Off(); err != nil {
			return errors.Wrapf(err, "%s: power off before isolated boot", c.name)
		}
		if err := c.caps.Isolator.Disconnect(); err != nil {
			return errors.Wrapf(err, "%s: isolate serial line", c.name)
		}
		c.sleep(c.profile.IsolatorSettle)
		if err := c.caps.Power.On(); err != nil {
			return errors.Wrapf(err, "%s: power on", c.name)
		}
		c.sleep(c.profile.BootWait)
		if err := c.caps.Isolator.Connect(); err != nil {
			return errors.Wrapf(err, "%s: reconnect serial line", c.name)
		}
		c.sleep(c.profile.ReconnectSettle)
	} else {
		if err := c.caps.Power.On(); err != nil {
			return errors.Wrapf(err, "%s: power on", c.name)
		}
		c.sleep(c.profile.BootWait)
	}

	c.wakeConsole()
	return c.waitForShell(ctx)
}

// probeShellActive sends a uniquely tagged echo over the serial console and
// waits a short bound for either the tag or an existing prompt. Any failure
// means "not ready", never a fatal error.
func (c *Controller) probeShellActive() bool {
	if !c.smartDetection || c.caps.Serial == nil {
		return false
	}
	tag := "probe-" + uuid.NewString()[:8]
	if err := c.caps.Serial.SendLine("echo " + tag); err != nil {
		return false
	}
	idx, _, err := c.caps.Serial.Expect([]string{tag, "login:", "#"}, c.profile.FastProbeTimeout)
	if err != nil {
		return false
	}
	// The echoed tag or a shell prompt means a live shell; a login prompt
	// means a getty is waiting, which is not a shell.
	return idx == 0 || idx == 2
}

// wakeConsole pushes past the "press enter to activate this console" gate
// some firmware shows on first attach.
func (c *Controller) wakeConsole() {
	if c.caps.Serial == nil {
		return
	}
	for i := 0; i < c.profile.WakeupLines; i++ {
		if err := c.caps.Serial.SendLine(""); err != nil {
			log.Debug().Err(err).Str("device", c.name).Msg("console wake-up write failed")
		}
		c.sleep(c.profile.WakeupDelay)
	}
}

func (c *Controller) pokeConsole() {
	if c.caps.Serial == nil {
		return
	}
	for i := 0; i < consolePokeLines; i++ {
		if err := c.caps.Serial.SendLine(""); err != nil {
			log.Debug().Err(err).Str("device", c.name).Msg("console poke failed")
			return
		}
		c.sleep(consolePokeDelay)
	}
}

// waitForShell polls the shell with a trivial echo until it answers or the
// connection timeout lapses. Individual attempt failures are absorbed and
// counted, not propagated.
func (c *Controller) waitForShell(ctx context.Context) error {
	if err := c.caps.Shell.Activate(); err != nil {
		return errors.Wrapf(err, "%s: activate shell", c.name)
	}

	marker := "ready"
	start := c.now()
	attempts := 0
	var lastErr error
	for {
		elapsed := c.now().Sub(start)
		if elapsed >= c.profile.ConnectionTimeout {
			return &TimeoutError{
				Op:       c.name + ": wait for shell",
				Timeout:  c.profile.ConnectionTimeout,
				Elapsed:  elapsed,
				Attempts: attempts,
				LastErr:  lastErr,
			}
		}
		if err := ctx.Err(); err != nil {
			return errors.Wrapf(err, "%s: wait for shell", c.name)
		}

		attempts++
		res, err := c.caps.Shell.Run("echo "+marker, c.profile.PollAttemptTimeout)
		if err != nil {
			lastErr = err
		} else if res.ExitCode == 0 && containsLine(res.Stdout, marker) {
			log.Debug().Str("device", c.name).Int("attempts", attempts).Msg("shell answered")
			return nil
		}

		c.sleep(c.profile.PollInterval)
		c.pokeConsole()
	}
}

func (c *Controller) record(ctx context.Context, event, detail string) {
	if c.recorder == nil {
		return
	}
	if err := c.recorder.RecordEvent(ctx, c.name, event, detail); err != nil {
		log.Error().Err(err).Str("device", c.name).Str("event", event).Msg("event recorder failed")
	}
}

func containsLine(lines []string, want string) bool {
	for _, line := range lines {
		if strings.Contains(line, want) {
			return true
		}
	}
	return false
}
