package routeragent

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

type recoveryBench struct {
	engine     *RecoveryEngine
	power      *fakePower
	serial     *fakeSerial
	shell      *scriptedShell
	ssh        *fakeSSH
	bootloader *fakeBootloader
	tftpRoot   string
	clk        *fakeClock
}

func newRecoveryBench(t *testing.T, initCmds []string) *recoveryBench {
	t.Helper()
	b := &recoveryBench{
		power: &fakePower{},
		// The RAM-booted shell answers the first probe.
		serial:     &fakeSerial{expectPlan: []expectOutcome{{idx: 0}}},
		shell:      &scriptedShell{scriptedRunner: *newScriptedRunner()},
		ssh:        &fakeSSH{scriptedRunner: *newScriptedRunner()},
		bootloader: &fakeBootloader{initCmds: initCmds},
		tftpRoot:   t.TempDir(),
	}
	b.ssh.on("sysupgrade -n -F", CommandResult{ExitCode: 0})
	b.shell.on("sysupgrade -n -F", CommandResult{ExitCode: 0})
	b.shell.on("tftp -g", CommandResult{ExitCode: 0})

	engine, err := NewRecoveryEngine(RecoveryConfig{
		Device: "bench-ap1",
		Capabilities: CapabilitySet{
			Power:      b.power,
			Serial:     b.serial,
			Shell:      b.shell,
			SSH:        b.ssh,
			Bootloader: b.bootloader,
		},
		TFTPRoot: b.tftpRoot,
	})
	if err != nil {
		t.Fatalf("NewRecoveryEngine: %v", err)
	}
	clk := newFakeClock()
	engine.sleep = clk.Sleep
	engine.now = clk.Now
	b.engine = engine
	b.clk = clk
	return b
}

func TestNewRecoveryEngineValidation(t *testing.T) {
	base := CapabilitySet{
		Power:      &fakePower{},
		Serial:     &fakeSerial{},
		Shell:      &fakeShell{},
		Bootloader: &fakeBootloader{},
	}

	cases := []struct {
		name string
		cfg  RecoveryConfig
	}{
		{"missing bootloader", RecoveryConfig{Capabilities: CapabilitySet{Power: base.Power, Serial: base.Serial, Shell: base.Shell}, TFTPRoot: "/srv/tftp"}},
		{"missing serial", RecoveryConfig{Capabilities: CapabilitySet{Power: base.Power, Shell: base.Shell, Bootloader: base.Bootloader}, TFTPRoot: "/srv/tftp"}},
		{"missing tftp root", RecoveryConfig{Capabilities: base}},
	}
	for _, tc := range cases {
		_, err := NewRecoveryEngine(tc.cfg)
		var cfgErr *ConfigurationError
		if !errors.As(err, &cfgErr) {
			t.Errorf("%s: expected ConfigurationError, got %v", tc.name, err)
		}
	}
}

func TestRecoverHappyPathOverSSH(t *testing.T) {
	artifact := testArtifact(t, "firmware-sysupgrade.bin", "")
	ramImage := filepath.Join(filepath.Dir(artifact.Path), "firmware-initramfs.bin")
	if err := os.WriteFile(ramImage, []byte("ram image"), 0o644); err != nil {
		t.Fatalf("write ram image: %v", err)
	}
	b := newRecoveryBench(t, []string{
		"setenv serverip 192.168.1.10",
		"setenv ipaddr 192.168.1.20",
		"tftpboot 0x81000000 firmware-initramfs.bin",
	})

	if err := b.engine.Recover(context.Background(), artifact); err != nil {
		t.Fatalf("Recover: %v", err)
	}

	for _, name := range []string{"firmware-initramfs.bin", "firmware-sysupgrade.bin"} {
		if _, err := os.Stat(filepath.Join(b.tftpRoot, name)); err != nil {
			t.Errorf("%s not staged into tftp root: %v", name, err)
		}
	}
	if b.power.offCalls != 1 || b.power.onCalls != 1 {
		t.Fatalf("power cycle = off:%d on:%d, want 1/1", b.power.offCalls, b.power.onCalls)
	}
	if len(b.serial.written) != 10 {
		t.Fatalf("autoboot interrupt sent %d bytes, want 10", len(b.serial.written))
	}
	if b.bootloader.activateCalls != 1 || len(b.bootloader.bootCalls) != 1 || b.bootloader.awaitCalls != 1 {
		t.Fatalf("bootloader drive = activate:%d boot:%d await:%d",
			b.bootloader.activateCalls, len(b.bootloader.bootCalls), b.bootloader.awaitCalls)
	}
	if len(b.ssh.uploads) != 1 {
		t.Fatalf("uploads = %v, want the target artifact", b.ssh.uploads)
	}
	if got := b.ssh.count("sysupgrade -n -F"); got != 1 {
		t.Fatalf("persist sysupgrade over ssh ran %d times, want 1", got)
	}
	if got := b.shell.count("sysupgrade"); got != 0 {
		t.Fatalf("serial channel must stay unused when ssh works, ran %d", got)
	}
}

func TestRecoverFallsBackToTFTPPull(t *testing.T) {
	artifact := testArtifact(t, "firmware-sysupgrade.bin", "")
	b := newRecoveryBench(t, []string{
		"setenv serverip 192.168.1.10",
		"tftpboot 0x81000000 firmware-sysupgrade.bin",
	})
	b.ssh.connectErr = errors.New("no route to host")

	if err := b.engine.Recover(context.Background(), artifact); err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if len(b.ssh.uploads) != 0 {
		t.Fatalf("ssh unreachable, yet uploads = %v", b.ssh.uploads)
	}
	if got := b.shell.count("tftp -g -r firmware-sysupgrade.bin"); got != 1 {
		t.Fatalf("tftp pull ran %d times, calls: %v", got, b.shell.calls)
	}
	if got := b.shell.count("sysupgrade -n -F"); got != 1 {
		t.Fatalf("persist sysupgrade must use the channel that worked, serial ran %d", got)
	}
	if got := b.ssh.count("sysupgrade"); got != 0 {
		t.Fatalf("persist sysupgrade leaked onto the dead ssh channel %d times", got)
	}
	if b.shell.activateCalls == 0 {
		t.Fatal("serial shell was never activated for the pull")
	}
}

func TestRecoverWithoutServerAddressIsFatal(t *testing.T) {
	artifact := testArtifact(t, "firmware-sysupgrade.bin", "")
	b := newRecoveryBench(t, []string{
		"tftpboot 0x81000000 firmware-sysupgrade.bin",
	})
	b.ssh.connectErr = errors.New("no route to host")

	err := b.engine.Recover(context.Background(), artifact)
	var cfgErr *ConfigurationError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("expected ConfigurationError without a transfer server address, got %v", err)
	}
	if got := b.shell.count("tftp"); got != 0 {
		t.Fatalf("pull attempted without a server address %d times", got)
	}
}

func TestRecoveryImageNameFromInitCommands(t *testing.T) {
	artifact := testArtifact(t, "firmware-sysupgrade.bin", "")
	b := newRecoveryBench(t, nil)

	b.bootloader.initCmds = []string{"tftpboot 0x81000000 firmware-initramfs.bin"}
	if got := b.engine.recoveryImageName(artifact); got != "firmware-initramfs.bin" {
		t.Fatalf("recoveryImageName = %q, want firmware-initramfs.bin", got)
	}
	b.bootloader.initCmds = []string{"tftpboot firmware-initramfs.bin"}
	if got := b.engine.recoveryImageName(artifact); got != "firmware-initramfs.bin" {
		t.Fatalf("recoveryImageName without loadaddr = %q", got)
	}
	b.bootloader.initCmds = []string{"setenv serverip 192.168.1.10"}
	if got := b.engine.recoveryImageName(artifact); got != artifact.Name() {
		t.Fatalf("fallback name = %q, want %q", got, artifact.Name())
	}
}

func TestStageIntoTFTPRootKeepsFreshCopy(t *testing.T) {
	artifact := testArtifact(t, "firmware-sysupgrade.bin", "")
	b := newRecoveryBench(t, nil)

	if err := b.engine.stageIntoTFTPRoot(artifact.Path); err != nil {
		t.Fatalf("first staging: %v", err)
	}
	dst := filepath.Join(b.tftpRoot, artifact.Name())
	// A staged copy at least as new as the source must not be rewritten.
	if err := os.WriteFile(dst, []byte("already staged"), 0o644); err != nil {
		t.Fatalf("overwrite staged copy: %v", err)
	}
	if err := b.engine.stageIntoTFTPRoot(artifact.Path); err != nil {
		t.Fatalf("second staging: %v", err)
	}
	data, err := os.ReadFile(dst)
	if err != nil {
		t.Fatalf("read staged copy: %v", err)
	}
	if string(data) != "already staged" {
		t.Fatal("fresh staged copy was rewritten")
	}
}

func TestWaitShellAfterRAMBootPacesExpectFailures(t *testing.T) {
	b := newRecoveryBench(t, nil)
	// An unplugged adapter fails the pattern wait immediately instead of
	// consuming its timeout; the loop must still pace itself to the ceiling.
	b.serial.expectPlan = []expectOutcome{{idx: -1, err: errors.New("read /dev/ttyUSB0: input/output error")}}

	err := b.engine.waitShellAfterRAMBoot(context.Background())
	var toErr *TimeoutError
	if !errors.As(err, &toErr) {
		t.Fatalf("expected TimeoutError, got %v", err)
	}
	// One attempt per slept second up to the 120s default ceiling.
	if toErr.Attempts != 120 {
		t.Fatalf("Attempts = %d, want 120", toErr.Attempts)
	}
	if b.clk.asleep < b.engine.cfg.BootWaitCeiling {
		t.Fatalf("slept only %v, the error branch is not pacing the loop", b.clk.asleep)
	}
}

func TestStageMissingSourceWithoutStagedCopyIsFatal(t *testing.T) {
	b := newRecoveryBench(t, nil)
	err := b.engine.stageIntoTFTPRoot(filepath.Join(t.TempDir(), "nonexistent-initramfs.bin"))
	var cfgErr *ConfigurationError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("expected ConfigurationError, got %v", err)
	}
}
