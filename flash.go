package routeragent

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const (
	// DefaultRemoteImagePath is where the candidate image lands on the
	// device before sysupgrade runs.
	DefaultRemoteImagePath = "/tmp/sysupgrade.bin"
	// DefaultSpaceMargin is added on top of the image size when checking
	// free space in /tmp.
	DefaultSpaceMargin = 4 << 20

	flashCommandTimeout = 10 * time.Second
	remoteCheckTimeout  = 30 * time.Second
)

// FlashOptions tune one flash invocation.
type FlashOptions struct {
	// KeepConfig preserves the device configuration across the upgrade
	// (omits sysupgrade -n).
	KeepConfig bool
	// Force permits downgrade/cross-version flashing (sysupgrade -F).
	Force bool
	// ValidateOnly runs every safety check and stops before flashing. Used
	// for CI gating.
	ValidateOnly bool
	// SkipIfInstalled short-circuits when ExpectedVersion already matches
	// the installed release.
	SkipIfInstalled bool
	ExpectedVersion string
}

// FlasherConfig wires the flasher's channels and tunables.
type FlasherConfig struct {
	Device string
	// Shell is the established console command channel, used for board and
	// version queries that must work even when the network is down.
	Shell CommandRunner
	// SSH carries the upload and the remote verification commands.
	SSH SSH
	// RemotePath defaults to DefaultRemoteImagePath.
	RemotePath string
	// SpaceMargin defaults to DefaultSpaceMargin.
	SpaceMargin int64
	// PostFlashWait is slept after sysupgrade fires, before control returns.
	PostFlashWait time.Duration
	Recorder      FlashRecorder
}

// Flasher moves a firmware artifact onto the device and gates the flash
// behind a sequence of safety checks, aborting before any irreversible
// action on any check failure.
type Flasher struct {
	device     string
	shell      CommandRunner
	ssh        SSH
	remotePath string
	margin     int64
	bootWait   time.Duration
	recorder   FlashRecorder

	sleep func(time.Duration)
	now   func() time.Time
}

// NewFlasher validates the channel wiring and applies defaults.
func NewFlasher(cfg FlasherConfig) (*Flasher, error) {
	if cfg.Shell == nil {
		return nil, errors.New("flasher: shell runner is required")
	}
	if cfg.SSH == nil {
		return nil, errors.New("flasher: ssh session is required")
	}
	if cfg.RemotePath == "" {
		cfg.RemotePath = DefaultRemoteImagePath
	}
	if cfg.SpaceMargin <= 0 {
		cfg.SpaceMargin = DefaultSpaceMargin
	}
	if cfg.PostFlashWait <= 0 {
		cfg.PostFlashWait = 120 * time.Second
	}
	return &Flasher{
		device:     cfg.Device,
		shell:      cfg.Shell,
		ssh:        cfg.SSH,
		remotePath: cfg.RemotePath,
		margin:     cfg.SpaceMargin,
		bootWait:   cfg.PostFlashWait,
		recorder:   cfg.Recorder,
		sleep:      time.Sleep,
		now:        time.Now,
	}, nil
}

// Flash runs the full guarded upgrade: utility and board checks, optional
// already-installed short-circuit, space check, upload, remote integrity
// verification, device-side image acceptance, and finally sysupgrade. The
// connection dropping while sysupgrade runs is the expected outcome of the
// device rebooting and is ignored in that one call only.
func (f *Flasher) Flash(ctx context.Context, artifact *FirmwareArtifact, opts FlashOptions) (err error) {
	start := f.now()
	defer func() { f.recordFlash(ctx, artifact, start, err) }()

	if err = f.checkSysupgradePresent(); err != nil {
		return err
	}
	if err = f.checkBoard(artifact); err != nil {
		return err
	}

	sha := artifact.SHA256()
	size := artifact.Size()
	log.Info().Str("device", f.device).Str("image", artifact.Name()).
		Str("sha256", sha).Int64("size", size).Msg("flash candidate prepared")

	if opts.SkipIfInstalled && opts.ExpectedVersion != "" {
		installed, ierr := f.installedRelease()
		if ierr != nil {
			log.Warn().Err(ierr).Str("device", f.device).Msg("could not read installed release, proceeding with flash")
		} else if releaseMatches(installed, opts.ExpectedVersion) {
			log.Info().Str("device", f.device).Str("version", opts.ExpectedVersion).
				Msg("target firmware already installed, skipping flash")
			return nil
		}
	}

	if err = f.checkTmpSpace(size + f.margin); err != nil {
		return err
	}

	log.Info().Str("device", f.device).Str("remote", f.remotePath).Msg("uploading firmware image")
	if err = f.ssh.Upload(artifact.Path, f.remotePath); err != nil {
		return errors.Wrapf(err, "upload firmware to %s", f.remotePath)
	}

	if err = f.VerifyRemoteIntegrity(f.remotePath, sha, size); err != nil {
		return err
	}
	if err = f.checkImageAccepted(); err != nil {
		return err
	}

	if opts.ValidateOnly {
		log.Info().Str("device", f.device).Msg("validate-only mode, all checks passed, not flashing")
		return nil
	}

	cmd := f.sysupgradeCommand(opts)
	log.Info().Str("device", f.device).Str("cmd", cmd).Msg("executing sysupgrade")
	if _, runErr := f.ssh.Run(cmd, flashCommandTimeout); runErr != nil {
		// The connection drops as the device reboots into the new image.
		log.Debug().Err(runErr).Str("device", f.device).Msg("connection dropped during sysupgrade, device is rebooting")
	}

	log.Info().Str("device", f.device).Dur("wait", f.bootWait).Msg("waiting for post-flash reboot")
	f.sleep(f.bootWait)
	return nil
}

// VerifyVersion reads the installed release and requires the expected
// version to appear in it.
func (f *Flasher) VerifyVersion(expected string) error {
	info, err := f.installedRelease()
	if err != nil {
		return err
	}
	if expected != "" && !releaseMatches(info, expected) {
		return errors.Errorf("firmware version mismatch: expected %q in %v", expected, info)
	}
	log.Info().Str("device", f.device).Str("release", info["DISTRIB_RELEASE"]).Msg("firmware version verified")
	return nil
}

// VerifyRemoteIntegrity reads back the remote file's size and checksum and
// requires exact equality on both. Size is checked first so truncation is
// distinguishable from content corruption.
func (f *Flasher) VerifyRemoteIntegrity(remotePath, wantSHA string, wantSize int64) error {
	res, err := f.ssh.Run(fmt.Sprintf("wc -c < %s", remotePath), remoteCheckTimeout)
	if err != nil {
		return errors.Wrapf(err, "read remote size of %s", remotePath)
	}
	if res.ExitCode != 0 {
		return errors.Errorf("read remote size of %s: exit %d", remotePath, res.ExitCode)
	}
	gotSize, perr := strconv.ParseInt(firstField(res.Stdout), 10, 64)
	if perr != nil {
		return errors.Wrapf(perr, "parse remote size output %q", strings.Join(res.Stdout, " "))
	}
	if gotSize != wantSize {
		return &IntegrityError{
			Field:    "size",
			Expected: strconv.FormatInt(wantSize, 10),
			Actual:   strconv.FormatInt(gotSize, 10),
		}
	}

	res, err = f.ssh.Run(fmt.Sprintf("sha256sum %s", remotePath), remoteCheckTimeout)
	if err != nil {
		return errors.Wrapf(err, "read remote checksum of %s", remotePath)
	}
	if res.ExitCode != 0 {
		return errors.Errorf("read remote checksum of %s: exit %d", remotePath, res.ExitCode)
	}
	gotSHA := strings.ToLower(firstField(res.Stdout))
	if gotSHA != strings.ToLower(wantSHA) {
		return &IntegrityError{Field: "sha256", Expected: wantSHA, Actual: gotSHA}
	}
	return nil
}

// checkSysupgradePresent fails fast when the flashing utility is missing,
// distinguishing a RAM-booted recovery image from general absence.
func (f *Flasher) checkSysupgradePresent() error {
	res, err := f.shell.Run("command -v sysupgrade", flashCommandTimeout)
	if err != nil {
		return errors.Wrap(err, "probe for sysupgrade")
	}
	if res.ExitCode == 0 && len(res.Stdout) > 0 {
		return nil
	}
	// A root filesystem of type rootfs/tmpfs means the device booted a
	// RAM-resident recovery image, which ships without sysupgrade.
	if res, err := f.shell.Run(`awk '$2=="/" {print $3}' /proc/mounts`, flashCommandTimeout); err == nil {
		fstype := firstField(res.Stdout)
		if fstype == "rootfs" || fstype == "tmpfs" {
			return &PreconditionError{
				Check:  "sysupgrade",
				Detail: "device is running a RAM-booted recovery image, flash the permanent firmware first",
			}
		}
	}
	return &PreconditionError{Check: "sysupgrade", Detail: "sysupgrade not found on device"}
}

// checkBoard refuses to flash firmware built for a different board,
// regardless of force flags. A UBI-layout board paired with an image whose
// name does not follow the ubi convention gets an advisory warning only.
func (f *Flasher) checkBoard(artifact *FirmwareArtifact) error {
	if artifact.ExpectedBoard == "" {
		return nil
	}
	board, err := f.boardName()
	if err != nil {
		return errors.Wrap(err, "read board name")
	}
	if board != artifact.ExpectedBoard {
		return &PreconditionError{
			Check:  "board",
			Detail: fmt.Sprintf("expected board %q, device reports %q", artifact.ExpectedBoard, board),
		}
	}
	if strings.Contains(artifact.ExpectedBoard, "-ubi") &&
		!strings.Contains(strings.ToLower(artifact.Name()), "-ubi-") {
		log.Warn().Str("device", f.device).Str("image", artifact.Name()).
			Msg("board uses a UBI layout but image name does not look like a ubi build")
	}
	return nil
}

func (f *Flasher) boardName() (string, error) {
	res, err := f.shell.Run("cat /tmp/sysinfo/board_name", flashCommandTimeout)
	if err == nil && res.ExitCode == 0 && len(res.Stdout) > 0 {
		if name := strings.TrimSpace(res.Stdout[0]); name != "" {
			return name, nil
		}
	}
	// ubus fallback for firmware without /tmp/sysinfo
	res, err = f.shell.Run("ubus call system board | jsonfilter -e '@.board_name'", flashCommandTimeout)
	if err != nil {
		return "", err
	}
	if res.ExitCode != 0 || len(res.Stdout) == 0 {
		return "", errors.Errorf("board name unavailable (exit %d)", res.ExitCode)
	}
	return strings.TrimSpace(res.Stdout[0]), nil
}

func (f *Flasher) installedRelease() (map[string]string, error) {
	res, err := f.shell.Run("cat /etc/openwrt_release", flashCommandTimeout)
	if err != nil {
		return nil, errors.Wrap(err, "read /etc/openwrt_release")
	}
	if res.ExitCode != 0 {
		return nil, errors.Errorf("read /etc/openwrt_release: exit %d", res.ExitCode)
	}
	return ParseReleaseInfo(res.Stdout), nil
}

func (f *Flasher) checkTmpSpace(requiredBytes int64) error {
	res, err := f.ssh.Run(`df -k /tmp | awk 'NR==2 {print $4}'`, remoteCheckTimeout)
	if err != nil {
		return errors.Wrap(err, "query /tmp free space")
	}
	if res.ExitCode != 0 {
		return errors.Errorf("query /tmp free space: exit %d", res.ExitCode)
	}
	availKB, perr := strconv.ParseInt(firstField(res.Stdout), 10, 64)
	if perr != nil {
		return errors.Wrapf(perr, "parse df output %q", strings.Join(res.Stdout, " "))
	}
	avail := availKB * 1024
	if avail < requiredBytes {
		return &PreconditionError{
			Check:  "space",
			Detail: fmt.Sprintf("insufficient space in /tmp: need %d bytes, %d available", requiredBytes, avail),
		}
	}
	return nil
}

// checkImageAccepted asks the device's own validation (sysupgrade -T)
// whether the uploaded image is installable on this hardware. This is an
// independent veto beyond the board-name check.
func (f *Flasher) checkImageAccepted() error {
	res, err := f.ssh.Run(fmt.Sprintf("sysupgrade -T %s", f.remotePath), remoteCheckTimeout)
	if err != nil {
		return errors.Wrap(err, "run sysupgrade -T")
	}
	if res.ExitCode != 0 {
		output := strings.Join(append(res.Stdout, res.Stderr...), "\n")
		if strings.TrimSpace(output) == "" {
			output = "no diagnostic output"
		}
		return &UtilityRejection{ExitCode: res.ExitCode, Output: output}
	}
	return nil
}

func (f *Flasher) sysupgradeCommand(opts FlashOptions) string {
	parts := []string{"sysupgrade"}
	if !opts.KeepConfig {
		parts = append(parts, "-n")
	}
	if opts.Force {
		parts = append(parts, "-F")
	}
	parts = append(parts, f.remotePath)
	return strings.Join(parts, " ")
}

func (f *Flasher) recordFlash(ctx context.Context, artifact *FirmwareArtifact, start time.Time, err error) {
	if f.recorder == nil {
		return
	}
	outcome := "success"
	errMsg := ""
	if err != nil {
		outcome = "failed"
		errMsg = err.Error()
	}
	rec := FlashRecord{
		Device:    f.device,
		Image:     artifact.Name(),
		SHA256:    artifact.SHA256(),
		SizeBytes: artifact.Size(),
		Outcome:   outcome,
		StartAt:   start,
		EndAt:     f.now(),
		Error:     errMsg,
	}
	if rerr := f.recorder.RecordFlash(ctx, rec); rerr != nil {
		log.Error().Err(rerr).Str("device", f.device).Msg("flash recorder failed")
	}
}

func firstField(lines []string) string {
	for _, line := range lines {
		fields := strings.Fields(line)
		if len(fields) > 0 {
			return fields[0]
		}
	}
	return ""
}
