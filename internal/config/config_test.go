package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

const sampleLab = `
tftp_root: /srv/tftp
devices:
  - name: librerouter-1
    console_port: /dev/ttyUSB0
    console_baud: 115200
    relay_port: /dev/ttyACM0
    power_channel: 1
    isolator_channel: 2
    requires_line_isolation: true
    ssh_address: 10.13.0.21:22
    ssh_user: root
    boot_wait_sec: 25
    connection_timeout_sec: 90
    expected_board: librerouter,librerouter-v1
    uboot:
      prompt: "ath79>"
      init_commands:
        - setenv serverip 10.13.0.1
        - setenv ipaddr 10.13.0.21
        - tftpboot 0x81000000 recovery-initramfs.bin
      boot_command: bootm
      prompt_timeout_sec: 45
  - name: unifi-ac-2
    console_port: /dev/ttyUSB1
    relay_port: /dev/ttyACM0
    power_channel: 3
    smart_detection: false
`

func writeLab(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "lab.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write lab config: %v", err)
	}
	return path
}

func TestLoadParsesTopology(t *testing.T) {
	lab, err := Load(writeLab(t, sampleLab))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if lab.TFTPRoot != "/srv/tftp" {
		t.Errorf("TFTPRoot = %q", lab.TFTPRoot)
	}
	if len(lab.Devices) != 2 {
		t.Fatalf("devices = %d, want 2", len(lab.Devices))
	}

	dev, err := lab.Device("librerouter-1")
	if err != nil {
		t.Fatalf("Device: %v", err)
	}
	if dev.IsolatorChannel == nil || *dev.IsolatorChannel != 2 {
		t.Errorf("IsolatorChannel = %v", dev.IsolatorChannel)
	}
	if !dev.RequiresLineIsolation {
		t.Error("RequiresLineIsolation not parsed")
	}
	if dev.BootWait() != 25*time.Second {
		t.Errorf("BootWait = %v", dev.BootWait())
	}
	if dev.ConnectionTimeout() != 90*time.Second {
		t.Errorf("ConnectionTimeout = %v", dev.ConnectionTimeout())
	}
	if dev.UBoot == nil || dev.UBoot.Prompt != "ath79>" || len(dev.UBoot.InitCommands) != 3 {
		t.Errorf("UBoot = %+v", dev.UBoot)
	}
	if !dev.SmartDetectionEnabled() {
		t.Error("smart detection must default to enabled")
	}

	dev2, err := lab.Device("unifi-ac-2")
	if err != nil {
		t.Fatalf("Device: %v", err)
	}
	if dev2.SmartDetectionEnabled() {
		t.Error("explicit smart_detection: false not honored")
	}
	if dev2.UBoot != nil {
		t.Error("absent uboot section must stay nil")
	}

	if _, err := lab.Device("no-such-device"); err == nil {
		t.Error("expected error for unknown device")
	}
}

func TestValidateRejections(t *testing.T) {
	cases := []struct {
		name string
		body string
	}{
		{"no devices", "devices: []\n"},
		{"missing name", `
devices:
  - console_port: /dev/ttyUSB0
    relay_port: /dev/ttyACM0
    power_channel: 1
`},
		{"duplicate names", `
devices:
  - name: a
    console_port: /dev/ttyUSB0
    relay_port: /dev/ttyACM0
    power_channel: 1
  - name: a
    console_port: /dev/ttyUSB1
    relay_port: /dev/ttyACM0
    power_channel: 2
`},
		{"missing console port", `
devices:
  - name: a
    relay_port: /dev/ttyACM0
    power_channel: 1
`},
		{"missing relay port", `
devices:
  - name: a
    console_port: /dev/ttyUSB0
    power_channel: 1
`},
		{"zero power channel", `
devices:
  - name: a
    console_port: /dev/ttyUSB0
    relay_port: /dev/ttyACM0
`},
		{"isolation without isolator channel", `
devices:
  - name: a
    console_port: /dev/ttyUSB0
    relay_port: /dev/ttyACM0
    power_channel: 1
    requires_line_isolation: true
`},
		{"uboot without tftp root", `
devices:
  - name: a
    console_port: /dev/ttyUSB0
    relay_port: /dev/ttyACM0
    power_channel: 1
    uboot:
      prompt: "=>"
`},
	}
	for _, tc := range cases {
		if _, err := Load(writeLab(t, tc.body)); err == nil {
			t.Errorf("%s: expected validation error", tc.name)
		}
	}
}
