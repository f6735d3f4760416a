package routeragent

import (
	"context"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const (
	netconfigCommandTimeout = 20 * time.Second
	sshProbeTimeout         = 5 * time.Second
)

// FirmwareFamily distinguishes the two configuration-schema families a
// freshly flashed device may be running. Applying one family's commands to
// the other silently changes nothing, so detection must come first.
type FirmwareFamily int

const (
	FamilyUnknown FirmwareFamily = iota
	FamilyOpenWrt
	FamilyLibreMesh
)

func (f FirmwareFamily) String() string {
	switch f {
	case FamilyOpenWrt:
		return "openwrt"
	case FamilyLibreMesh:
		return "libremesh"
	default:
		return "unknown"
	}
}

// NetworkReconcilerConfig wires the reconciliation helper.
type NetworkReconcilerConfig struct {
	Device string
	// Shell is the serial-driven fallback channel.
	Shell Shell
	// SSH is preferred when a session is already established; reconfiguring
	// over it avoids disturbing serial state.
	SSH SSH
	// LeaseSettle is the wait for the new DHCP lease to take effect.
	LeaseSettle time.Duration
	// RebootForPersistence reboots the device after reconfiguration instead
	// of waiting in place, for firmware that only applies the change at
	// boot. WaitShell must then be set.
	RebootForPersistence bool
	// WaitShell re-runs the full shell-wait loop after a persistence
	// reboot.
	WaitShell func(ctx context.Context) error
}

// NetworkReconciler switches the device's management interface to DHCP after
// a flash or a recovery boot, when the firmware may have defaulted it to a
// static address outside the test network.
type NetworkReconciler struct {
	device string
	shell  Shell
	ssh    SSH
	settle time.Duration
	reboot bool
	wait   func(ctx context.Context) error

	sleep func(time.Duration)
}

// NewNetworkReconciler validates wiring; the serial shell is mandatory, SSH
// optional.
func NewNetworkReconciler(cfg NetworkReconcilerConfig) (*NetworkReconciler, error) {
	if cfg.Shell == nil {
		return nil, errors.New("network reconciler: shell is required")
	}
	if cfg.RebootForPersistence && cfg.WaitShell == nil {
		return nil, errors.New("network reconciler: reboot-for-persistence requires a shell-wait callback")
	}
	if cfg.LeaseSettle <= 0 {
		cfg.LeaseSettle = 10 * time.Second
	}
	return &NetworkReconciler{
		device: cfg.Device,
		shell:  cfg.Shell,
		ssh:    cfg.SSH,
		settle: cfg.LeaseSettle,
		reboot: cfg.RebootForPersistence,
		wait:   cfg.WaitShell,
		sleep:  time.Sleep,
	}, nil
}

// ReconcileDHCP detects the running firmware family and issues the matching
// reconfiguration sequence, preferring an established SSH session and
// falling back to the serial console.
func (n *NetworkReconciler) ReconcileDHCP(ctx context.Context) error {
	runner := n.pickRunner()
	family := n.detectFamily(runner)
	log.Info().Str("device", n.device).Stringer("family", family).Msg("reconfiguring management interface to dhcp")

	var cmds []string
	switch family {
	case FamilyLibreMesh:
		cmds = []string{
			"uci set lime-node.network.main_ipv4_proto='dhcp'",
			"uci commit lime-node",
			"lime-config",
			"/etc/init.d/network reload",
		}
	default:
		cmds = []string{
			"uci set network.lan.proto='dhcp'",
			"uci commit network",
			"/etc/init.d/network reload",
		}
	}
	for _, cmd := range cmds {
		res, err := runner.Run(cmd, netconfigCommandTimeout)
		if err != nil {
			return errors.Wrapf(err, "%s: network reconfiguration %q", n.device, cmd)
		}
		if res.ExitCode != 0 {
			return errors.Errorf("%s: network reconfiguration %q failed (exit %d): %s",
				n.device, cmd, res.ExitCode, strings.Join(append(res.Stdout, res.Stderr...), "\n"))
		}
	}

	if n.reboot {
		log.Info().Str("device", n.device).Msg("rebooting to persist network configuration")
		if _, err := runner.Run("reboot", netconfigCommandTimeout); err != nil {
			// The channel drops as the device goes down.
			log.Debug().Err(err).Str("device", n.device).Msg("connection dropped during reboot")
		}
		return n.wait(ctx)
	}

	n.sleep(n.settle)
	return nil
}

// DetectFamily reports which firmware family the device runs, using the
// hostname-prefix convention first and the installed-package marker as
// fallback.
func (n *NetworkReconciler) DetectFamily() FirmwareFamily {
	return n.detectFamily(n.pickRunner())
}

func (n *NetworkReconciler) detectFamily(runner CommandRunner) FirmwareFamily {
	res, err := n.shellSafeRun(runner, "cat /proc/sys/kernel/hostname")
	if err == nil && res.ExitCode == 0 && len(res.Stdout) > 0 {
		if strings.HasPrefix(strings.TrimSpace(res.Stdout[0]), "LiMe") {
			return FamilyLibreMesh
		}
	}
	res, err = n.shellSafeRun(runner, "opkg list-installed lime-system")
	if err == nil && res.ExitCode == 0 && containsLine(res.Stdout, "lime-system") {
		return FamilyLibreMesh
	}
	return FamilyOpenWrt
}

func (n *NetworkReconciler) shellSafeRun(runner CommandRunner, cmd string) (CommandResult, error) {
	res, err := runner.Run(cmd, netconfigCommandTimeout)
	if err != nil {
		log.Debug().Err(err).Str("device", n.device).Str("cmd", cmd).Msg("family detection command failed")
	}
	return res, err
}

// pickRunner prefers a responsive SSH session; otherwise it activates the
// serial shell.
func (n *NetworkReconciler) pickRunner() CommandRunner {
	if n.ssh != nil {
		if _, err := n.ssh.Run("true", sshProbeTimeout); err == nil {
			return n.ssh
		}
		log.Debug().Str("device", n.device).Msg("ssh not responsive, reconfiguring over serial console")
	}
	if err := n.shell.Activate(); err != nil {
		log.Warn().Err(err).Str("device", n.device).Msg("shell activation failed, commands may not reach the device")
	}
	return n.shell
}
