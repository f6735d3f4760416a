package routeragent

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const (
	recoveryCommandTimeout = 30 * time.Second
	recoveryTFTPTimeout    = 5 * time.Minute
	recoveryFlashTimeout   = 10 * time.Second
)

// RecoveryConfig wires the bootloader fallback path for one device.
type RecoveryConfig struct {
	Device       string
	Capabilities CapabilitySet
	// TFTPRoot is the directory the bootloader fetches images from.
	TFTPRoot string
	// RemotePath is where the target image is persisted on the RAM-booted
	// system before sysupgrade. Defaults to DefaultRemoteImagePath.
	RemotePath string
	// InterruptCount and InterruptDelay control the autoboot interrupt spam
	// sent right after power-on.
	InterruptCount int
	InterruptDelay time.Duration
	// PowerSettle is the pause after cutting power before restarting.
	PowerSettle time.Duration
	// BootWaitCeiling bounds both the RAM-boot completion wait and the
	// subsequent shell poll.
	BootWaitCeiling time.Duration
	// RebootDelay is slept after the final sysupgrade fires.
	RebootDelay time.Duration
	Recorder    EventRecorder
}

// RecoveryEngine regains control of a device whose flashed firmware fails to
// boot: it interrupts the bootloader, boots a known-good image from RAM via
// TFTP, and re-persists the target firmware. It is resumable at the top: the
// lifecycle controller invokes it repeatedly, bounded by its recovery
// counter.
type RecoveryEngine struct {
	device     string
	power      Power
	serial     Serial
	shell      Shell
	ssh        SSH
	bootloader Bootloader
	tftpRoot   string
	remotePath string
	cfg        RecoveryConfig
	recorder   EventRecorder

	sleep func(time.Duration)
	now   func() time.Time
}

// NewRecoveryEngine requires the bootloader and serial capabilities;
// recovery was explicitly requested, so their absence is fatal rather than a
// silent skip.
func NewRecoveryEngine(cfg RecoveryConfig) (*RecoveryEngine, error) {
	if err := cfg.Capabilities.validate(); err != nil {
		return nil, err
	}
	if cfg.Capabilities.Bootloader == nil {
		return nil, &ConfigurationError{Reason: cfg.Device + ": recovery requires a bootloader capability"}
	}
	if cfg.Capabilities.Serial == nil {
		return nil, &ConfigurationError{Reason: cfg.Device + ": recovery requires a serial capability"}
	}
	if strings.TrimSpace(cfg.TFTPRoot) == "" {
		return nil, &ConfigurationError{Reason: cfg.Device + ": recovery requires a tftp root directory"}
	}
	if cfg.RemotePath == "" {
		cfg.RemotePath = DefaultRemoteImagePath
	}
	if cfg.InterruptCount <= 0 {
		cfg.InterruptCount = 10
	}
	if cfg.InterruptDelay <= 0 {
		cfg.InterruptDelay = 100 * time.Millisecond
	}
	if cfg.PowerSettle <= 0 {
		cfg.PowerSettle = 3 * time.Second
	}
	if cfg.BootWaitCeiling <= 0 {
		cfg.BootWaitCeiling = 120 * time.Second
	}
	if cfg.RebootDelay <= 0 {
		cfg.RebootDelay = 10 * time.Second
	}
	return &RecoveryEngine{
		device:     cfg.Device,
		power:      cfg.Capabilities.Power,
		serial:     cfg.Capabilities.Serial,
		shell:      cfg.Capabilities.Shell,
		ssh:        cfg.Capabilities.SSH,
		bootloader: cfg.Capabilities.Bootloader,
		tftpRoot:   cfg.TFTPRoot,
		remotePath: cfg.RemotePath,
		cfg:        cfg,
		recorder:   cfg.Recorder,
		sleep:      time.Sleep,
		now:        time.Now,
	}, nil
}

// Recover power-cycles into the bootloader, TFTP-boots the recovery image
// from RAM and re-persists the target artifact to permanent storage. On
// return the caller must treat the device state as unknown and re-run a
// normal shell transition.
func (r *RecoveryEngine) Recover(ctx context.Context, artifact *FirmwareArtifact) error {
	log.Warn().Str("device", r.device).Str("image", artifact.Name()).Msg("starting bootloader recovery")
	r.record(ctx, "recovery", "start "+artifact.Name())

	recoveryImage := r.recoveryImageName(artifact)
	if err := r.stageIntoTFTPRoot(filepath.Join(filepath.Dir(artifact.Path), recoveryImage)); err != nil {
		return err
	}
	if err := r.stageIntoTFTPRoot(artifact.Path); err != nil {
		return err
	}

	if err := r.power.Off(); err != nil {
		return errors.Wrapf(err, "%s: power off for recovery", r.device)
	}
	r.sleep(r.cfg.PowerSettle)
	// Drop any stale session so a leftover handle is not mistaken for a
	// live one after the RAM boot.
	if r.ssh != nil {
		if err := r.ssh.Close(); err != nil {
			log.Debug().Err(err).Str("device", r.device).Msg("closing stale ssh session failed")
		}
	}

	if err := r.power.On(); err != nil {
		return errors.Wrapf(err, "%s: power on for recovery", r.device)
	}
	// Catch the bootloader before it autoboots the broken on-flash image.
	for i := 0; i < r.cfg.InterruptCount; i++ {
		if err := r.serial.Write([]byte(" ")); err != nil {
			log.Debug().Err(err).Str("device", r.device).Msg("autoboot interrupt write failed")
		}
		r.sleep(r.cfg.InterruptDelay)
	}

	// Activation blocks until the prompt is detected and the configured
	// load commands (tftpboot of the recovery image) have completed.
	if err := r.bootloader.Activate(); err != nil {
		return errors.Wrapf(err, "%s: activate bootloader", r.device)
	}
	if err := r.bootloader.Boot(""); err != nil {
		return errors.Wrapf(err, "%s: boot recovery image", r.device)
	}
	if err := r.bootloader.AwaitBootComplete(r.cfg.BootWaitCeiling); err != nil {
		return errors.Wrapf(err, "%s: recovery image boot", r.device)
	}

	if err := r.waitShellAfterRAMBoot(ctx); err != nil {
		return err
	}

	runner, err := r.persistTarget(artifact)
	if err != nil {
		return err
	}

	cmd := fmt.Sprintf("sysupgrade -n -F %s", r.remotePath)
	log.Info().Str("device", r.device).Str("cmd", cmd).Msg("persisting target firmware")
	if _, err := runner.Run(cmd, recoveryFlashTimeout); err != nil {
		// The connection drops as the device reboots into the persisted image.
		log.Debug().Err(err).Str("device", r.device).Msg("connection dropped during recovery sysupgrade, device is rebooting")
	}

	r.sleep(r.cfg.RebootDelay)
	if r.ssh != nil {
		if err := r.ssh.Close(); err != nil {
			log.Debug().Err(err).Str("device", r.device).Msg("closing ssh after recovery failed")
		}
	}
	r.record(ctx, "recovery", "flashed "+artifact.Name())
	log.Info().Str("device", r.device).Msg("recovery flash issued, handing back to lifecycle")
	return nil
}

// recoveryImageName extracts the RAM-bootable image filename from the
// bootloader's configured load commands, falling back to the target
// artifact's own name.
func (r *RecoveryEngine) recoveryImageName(artifact *FirmwareArtifact) string {
	for _, cmd := range r.bootloader.InitCommands() {
		cmd = strings.TrimSpace(cmd)
		if !strings.HasPrefix(cmd, "tftpboot") {
			continue
		}
		fields := strings.Fields(cmd)
		// tftpboot [loadaddr] <filename>
		for i := len(fields) - 1; i > 0; i-- {
			if !strings.HasPrefix(fields[i], "0x") {
				return fields[i]
			}
		}
	}
	return artifact.Name()
}

// stageIntoTFTPRoot copies src into the TFTP root when the destination is
// missing or older than the source, escalating to sudo when a direct copy is
// denied.
func (r *RecoveryEngine) stageIntoTFTPRoot(src string) error {
	dst := filepath.Join(r.tftpRoot, filepath.Base(src))
	srcInfo, err := os.Stat(src)
	if err != nil {
		if os.IsNotExist(err) {
			if _, derr := os.Stat(dst); derr == nil {
				// Already staged and no local source to refresh from.
				return nil
			}
			return &ConfigurationError{Reason: fmt.Sprintf("%s: recovery image %s not found locally or in tftp root", r.device, filepath.Base(src))}
		}
		return errors.Wrapf(err, "stat %s", src)
	}
	if dstInfo, err := os.Stat(dst); err == nil && !srcInfo.ModTime().After(dstInfo.ModTime()) {
		return nil
	}

	log.Info().Str("device", r.device).Str("src", src).Str("dst", dst).Msg("staging image into tftp root")
	if err := copyFile(src, dst); err != nil {
		if !os.IsPermission(errors.Cause(err)) {
			return errors.Wrapf(err, "stage %s into tftp root", src)
		}
		out, serr := exec.Command("sudo", "cp", src, dst).CombinedOutput()
		if serr != nil {
			return errors.Wrapf(serr, "stage %s into tftp root via sudo: %s", src, strings.TrimSpace(string(out)))
		}
	}
	return nil
}

// waitShellAfterRAMBoot polls for a live shell at one-second granularity,
// the same probe the lifecycle fast path uses; the device is now running
// Linux from RAM rather than from permanent storage.
func (r *RecoveryEngine) waitShellAfterRAMBoot(ctx context.Context) error {
	start := r.now()
	attempts := 0
	var lastErr error
	for {
		elapsed := r.now().Sub(start)
		if elapsed >= r.cfg.BootWaitCeiling {
			return &TimeoutError{
				Op:       r.device + ": wait for recovery shell",
				Timeout:  r.cfg.BootWaitCeiling,
				Elapsed:  elapsed,
				Attempts: attempts,
				LastErr:  lastErr,
			}
		}
		if err := ctx.Err(); err != nil {
			return errors.Wrapf(err, "%s: wait for recovery shell", r.device)
		}
		attempts++
		tag := "probe-" + uuid.NewString()[:8]
		if err := r.serial.SendLine("echo " + tag); err != nil {
			lastErr = err
			r.sleep(time.Second)
			continue
		}
		idx, _, err := r.serial.Expect([]string{tag, "#"}, time.Second)
		if err == nil && (idx == 0 || idx == 1) {
			log.Info().Str("device", r.device).Int("attempts", attempts).Msg("recovery shell is live")
			return nil
		}
		if err != nil {
			// An immediate I/O failure must not spin on the port.
			lastErr = err
			r.sleep(time.Second)
		}
	}
}

// persistTarget places the real target firmware on the RAM-booted system:
// SSH upload when reachable, otherwise a TFTP pull driven over the serial
// shell. It returns the channel that worked so the final sysupgrade goes the
// same way.
func (r *RecoveryEngine) persistTarget(artifact *FirmwareArtifact) (CommandRunner, error) {
	if r.ssh != nil {
		if err := r.ssh.Connect(); err == nil {
			if err := r.ssh.Upload(artifact.Path, r.remotePath); err == nil {
				log.Info().Str("device", r.device).Str("remote", r.remotePath).Msg("target firmware uploaded over ssh")
				return r.ssh, nil
			} else {
				log.Warn().Err(err).Str("device", r.device).Msg("ssh upload failed, falling back to tftp pull")
			}
		} else {
			log.Warn().Err(err).Str("device", r.device).Msg("ssh unreachable after recovery boot, falling back to tftp pull")
		}
	}

	server, ok := r.transferServerAddress()
	if !ok {
		return nil, &ConfigurationError{Reason: r.device + ": transfer-server address not present in bootloader environment"}
	}
	if err := r.shell.Activate(); err != nil {
		return nil, errors.Wrapf(err, "%s: activate shell for tftp pull", r.device)
	}
	cmd := fmt.Sprintf("tftp -g -r %s -l %s %s", artifact.Name(), r.remotePath, server)
	res, err := r.shell.Run(cmd, recoveryTFTPTimeout)
	if err != nil {
		return nil, errors.Wrapf(err, "%s: tftp pull of %s", r.device, artifact.Name())
	}
	if res.ExitCode != 0 {
		return nil, errors.Errorf("%s: tftp pull of %s failed (exit %d): %s",
			r.device, artifact.Name(), res.ExitCode, strings.Join(res.Stderr, "\n"))
	}
	log.Info().Str("device", r.device).Str("server", server).Msg("target firmware pulled over tftp")
	return r.shell, nil
}

// transferServerAddress scans the bootloader's configured environment setup
// for the TFTP server address (setenv serverip <addr>).
func (r *RecoveryEngine) transferServerAddress() (string, bool) {
	for _, cmd := range r.bootloader.InitCommands() {
		fields := strings.Fields(strings.TrimSpace(cmd))
		if len(fields) == 3 && fields[0] == "setenv" && fields[1] == "serverip" {
			return fields[2], true
		}
	}
	return "", false
}

func (r *RecoveryEngine) record(ctx context.Context, event, detail string) {
	if r.recorder == nil {
		return
	}
	if err := r.recorder.RecordEvent(ctx, r.device, event, detail); err != nil {
		log.Error().Err(err).Str("device", r.device).Str("event", event).Msg("event recorder failed")
	}
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
