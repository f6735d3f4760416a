// Package uboot drives a U-Boot bootloader over the device's serial
// console: prompt detection, environment/load command execution and booting
// a loaded image.
package uboot

import (
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	routeragent "github.com/lime-hil/routeragent"
)

// Config describes the bootloader dialect and its configured load sequence.
type Config struct {
	Serial routeragent.Serial
	// Prompt is the bootloader prompt string, e.g. "=>" or "ath79>".
	Prompt string
	// InitCommands run once at activation, typically setenv serverip/ipaddr
	// followed by a tftpboot of the recovery image.
	InitCommands []string
	// BootCommand starts the loaded image; defaults to "bootm".
	BootCommand string
	// BootCompletePattern marks the RAM image's userspace coming up.
	BootCompletePattern string
	// PromptTimeout bounds the wait for the prompt at activation.
	PromptTimeout time.Duration
	// CommandTimeout bounds each individual command. tftpboot dominates, so
	// the default is generous.
	CommandTimeout time.Duration
}

// Driver implements routeragent.Bootloader.
type Driver struct {
	cfg    Config
	active bool
}

// New validates the wiring and applies dialect defaults.
func New(cfg Config) (*Driver, error) {
	if cfg.Serial == nil {
		return nil, errors.New("uboot: serial capability is required")
	}
	if cfg.Prompt == "" {
		cfg.Prompt = "=>"
	}
	if cfg.BootCommand == "" {
		cfg.BootCommand = "bootm"
	}
	if cfg.BootCompletePattern == "" {
		cfg.BootCompletePattern = "Please press Enter to activate this console"
	}
	if cfg.PromptTimeout <= 0 {
		cfg.PromptTimeout = 60 * time.Second
	}
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = 2 * time.Minute
	}
	return &Driver{cfg: cfg}, nil
}

// Activate blocks until the prompt is detected, then runs the configured
// load commands. Idempotent: a second activation is a no-op until the
// bootloader boots away.
func (d *Driver) Activate() error {
	if d.active {
		return nil
	}
	if _, _, err := d.cfg.Serial.Expect([]string{d.cfg.Prompt}, d.cfg.PromptTimeout); err != nil {
		return errors.Wrap(err, "await bootloader prompt")
	}
	log.Info().Str("prompt", d.cfg.Prompt).Msg("bootloader prompt detected")
	for _, cmd := range d.cfg.InitCommands {
		if _, err := d.RunCommand(cmd); err != nil {
			return errors.Wrapf(err, "bootloader init command %q", cmd)
		}
	}
	d.active = true
	return nil
}

// RunCommand sends one command and waits for the prompt to return, yielding
// the output in between.
func (d *Driver) RunCommand(cmd string) (string, error) {
	if err := d.cfg.Serial.SendLine(cmd); err != nil {
		return "", errors.Wrapf(err, "send %q", cmd)
	}
	_, captured, err := d.cfg.Serial.Expect([]string{d.cfg.Prompt}, d.cfg.CommandTimeout)
	if err != nil {
		return "", errors.Wrapf(err, "await prompt after %q", cmd)
	}
	return strings.TrimSuffix(captured, d.cfg.Prompt), nil
}

// Boot fires the boot command. The bootloader does not return to its
// prompt, so no completion is awaited here; see AwaitBootComplete.
func (d *Driver) Boot(args string) error {
	cmd := d.cfg.BootCommand
	if strings.TrimSpace(args) != "" {
		cmd += " " + args
	}
	if err := d.cfg.Serial.SendLine(cmd); err != nil {
		return errors.Wrapf(err, "send boot command %q", cmd)
	}
	d.active = false
	return nil
}

// AwaitBootComplete waits for the RAM image's boot-complete marker.
func (d *Driver) AwaitBootComplete(timeout time.Duration) error {
	if _, _, err := d.cfg.Serial.Expect([]string{d.cfg.BootCompletePattern}, timeout); err != nil {
		return errors.Wrap(err, "await boot completion")
	}
	return nil
}

// InitCommands exposes the configured load sequence read-only; the recovery
// engine scans it for the image filename and the TFTP server address.
func (d *Driver) InitCommands() []string {
	out := make([]string, len(d.cfg.InitCommands))
	copy(out, d.cfg.InitCommands)
	return out
}
