package config

import (
	"fmt"
	"os"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Lab describes the whole test bench: the TFTP root shared by all
// bootloaders and one entry per physical device.
type Lab struct {
	TFTPRoot string         `yaml:"tftp_root"`
	Devices  []DeviceConfig `yaml:"devices"`
}

// DeviceConfig binds one router's transports and boot tunables.
type DeviceConfig struct {
	Name string `yaml:"name"`

	// Console
	ConsolePort string `yaml:"console_port"`
	ConsoleBaud int    `yaml:"console_baud"`

	// Relay board channels. IsolatorChannel is optional; nil means the
	// board has no line isolator.
	RelayPort       string `yaml:"relay_port"`
	RelayBaud       int    `yaml:"relay_baud"`
	PowerChannel    int    `yaml:"power_channel"`
	IsolatorChannel *int   `yaml:"isolator_channel"`

	// SSH, reachable only once the device has booted.
	SSHAddress string `yaml:"ssh_address"`
	SSHUser    string `yaml:"ssh_user"`
	SSHKeyFile string `yaml:"ssh_key_file"`

	// Boot behavior
	BootWaitSec           int   `yaml:"boot_wait_sec"`
	ConnectionTimeoutSec  int   `yaml:"connection_timeout_sec"`
	RequiresLineIsolation bool  `yaml:"requires_line_isolation"`
	SmartDetection        *bool `yaml:"smart_detection"`
	MaxRecoveryAttempts   int   `yaml:"max_recovery_attempts"`

	// Flashing
	ExpectedBoard string `yaml:"expected_board"`

	// Bootloader recovery; nil disables the capability.
	UBoot *UBootConfig `yaml:"uboot"`
}

// UBootConfig describes the device's bootloader interaction.
type UBootConfig struct {
	Prompt              string   `yaml:"prompt"`
	InitCommands        []string `yaml:"init_commands"`
	BootCommand         string   `yaml:"boot_command"`
	BootCompletePattern string   `yaml:"boot_complete_pattern"`
	PromptTimeoutSec    int      `yaml:"prompt_timeout_sec"`
}

// Load reads and validates a lab topology file.
func Load(path string) (*Lab, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "read lab config %s", path)
	}
	var lab Lab
	if err := yaml.Unmarshal(data, &lab); err != nil {
		return nil, errors.Wrapf(err, "parse lab config %s", path)
	}
	if err := Validate(&lab); err != nil {
		return nil, err
	}
	return &lab, nil
}

// Validate checks configuration correctness. It does not mutate the
// configuration.
func Validate(lab *Lab) error {
	if len(lab.Devices) == 0 {
		return errors.New("lab config: no devices defined")
	}
	seen := make(map[string]struct{}, len(lab.Devices))
	for i, dev := range lab.Devices {
		if dev.Name == "" {
			return fmt.Errorf("lab config: device %d has no name", i)
		}
		if _, dup := seen[dev.Name]; dup {
			return fmt.Errorf("lab config: duplicate device name %q", dev.Name)
		}
		seen[dev.Name] = struct{}{}
		if dev.ConsolePort == "" {
			return fmt.Errorf("device %q: console_port is required", dev.Name)
		}
		if dev.RelayPort == "" {
			return fmt.Errorf("device %q: relay_port is required", dev.Name)
		}
		if dev.PowerChannel <= 0 {
			return fmt.Errorf("device %q: power_channel must be positive", dev.Name)
		}
		if dev.IsolatorChannel != nil && *dev.IsolatorChannel <= 0 {
			return fmt.Errorf("device %q: isolator_channel must be positive", dev.Name)
		}
		if dev.RequiresLineIsolation && dev.IsolatorChannel == nil {
			return fmt.Errorf("device %q: requires_line_isolation is set but no isolator_channel is defined", dev.Name)
		}
		if dev.UBoot != nil && lab.TFTPRoot == "" {
			return fmt.Errorf("device %q: uboot recovery configured but lab has no tftp_root", dev.Name)
		}
	}
	return nil
}

// Device returns the named device entry.
func (l *Lab) Device(name string) (*DeviceConfig, error) {
	for i := range l.Devices {
		if l.Devices[i].Name == name {
			return &l.Devices[i], nil
		}
	}
	return nil, errors.Errorf("lab config: unknown device %q", name)
}

// BootWait returns the configured boot wait or zero (caller defaults apply).
func (d *DeviceConfig) BootWait() time.Duration {
	return time.Duration(d.BootWaitSec) * time.Second
}

// ConnectionTimeout returns the configured shell wait bound or zero.
func (d *DeviceConfig) ConnectionTimeout() time.Duration {
	return time.Duration(d.ConnectionTimeoutSec) * time.Second
}

// SmartDetectionEnabled defaults to true when unset.
func (d *DeviceConfig) SmartDetectionEnabled() bool {
	if d.SmartDetection == nil {
		return true
	}
	return *d.SmartDetection
}
