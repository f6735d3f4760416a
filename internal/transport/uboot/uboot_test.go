package uboot

import (
	"testing"
	"time"

	"github.com/pkg/errors"
)

// scriptSerial serves Expect calls from a script and records everything sent.
type scriptSerial struct {
	sent   []string
	script []outcome
	i      int
}

type outcome struct {
	idx      int
	captured string
	err      error
}

func (s *scriptSerial) SendLine(line string) error {
	s.sent = append(s.sent, line)
	return nil
}

func (s *scriptSerial) Write(p []byte) error { return nil }

func (s *scriptSerial) Expect(patterns []string, timeout time.Duration) (int, string, error) {
	if s.i >= len(s.script) {
		return -1, "", errors.New("script exhausted")
	}
	out := s.script[s.i]
	s.i++
	return out.idx, out.captured, out.err
}

func promptReturns(n int) []outcome {
	out := make([]outcome, n)
	for i := range out {
		out[i] = outcome{idx: 0, captured: "ok\nath79> "}
	}
	return out
}

func TestNewRequiresSerial(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Fatal("expected error without a serial capability")
	}
}

func TestActivateRunsInitCommandsOnce(t *testing.T) {
	serial := &scriptSerial{script: promptReturns(3)}
	d, err := New(Config{
		Serial:       serial,
		Prompt:       "ath79>",
		InitCommands: []string{"setenv serverip 192.168.1.10", "tftpboot 0x81000000 recovery.bin"},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if err := d.Activate(); err != nil {
		t.Fatalf("Activate: %v", err)
	}
	if len(serial.sent) != 2 {
		t.Fatalf("sent = %v, want the two init commands", serial.sent)
	}
	// Second activation is a no-op while still at the prompt.
	if err := d.Activate(); err != nil {
		t.Fatalf("second Activate: %v", err)
	}
	if serial.i != 3 || len(serial.sent) != 2 {
		t.Fatalf("second Activate touched the console: expects=%d sent=%v", serial.i, serial.sent)
	}
}

func TestRunCommandStripsPrompt(t *testing.T) {
	serial := &scriptSerial{script: []outcome{{idx: 0, captured: "Bytes transferred = 5242880\nath79>"}}}
	d, err := New(Config{Serial: serial, Prompt: "ath79>"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	out, err := d.RunCommand("tftpboot 0x81000000 recovery.bin")
	if err != nil {
		t.Fatalf("RunCommand: %v", err)
	}
	if out != "Bytes transferred = 5242880\n" {
		t.Fatalf("output = %q", out)
	}
	if serial.sent[0] != "tftpboot 0x81000000 recovery.bin" {
		t.Fatalf("sent = %v", serial.sent)
	}
}

func TestBootResetsActivation(t *testing.T) {
	serial := &scriptSerial{script: promptReturns(2)}
	d, err := New(Config{Serial: serial})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if err := d.Activate(); err != nil {
		t.Fatalf("Activate: %v", err)
	}
	if err := d.Boot(""); err != nil {
		t.Fatalf("Boot: %v", err)
	}
	if got := serial.sent[len(serial.sent)-1]; got != "bootm" {
		t.Fatalf("boot command = %q, want the bootm default", got)
	}
	// Booting left the prompt; the next Activate must wait for it again.
	if err := d.Activate(); err != nil {
		t.Fatalf("re-Activate: %v", err)
	}
	if serial.i != 2 {
		t.Fatalf("re-activation did not wait for the prompt, expects=%d", serial.i)
	}
}

func TestBootAppendsArgs(t *testing.T) {
	serial := &scriptSerial{}
	d, err := New(Config{Serial: serial, BootCommand: "bootm"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := d.Boot("0x81000000"); err != nil {
		t.Fatalf("Boot: %v", err)
	}
	if serial.sent[0] != "bootm 0x81000000" {
		t.Fatalf("sent = %v", serial.sent)
	}
}

func TestAwaitBootCompletePropagatesTimeout(t *testing.T) {
	serial := &scriptSerial{script: []outcome{{idx: -1, err: errors.New("serial expect: timeout")}}}
	d, err := New(Config{Serial: serial})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := d.AwaitBootComplete(time.Second); err == nil {
		t.Fatal("expected timeout to propagate")
	}
}

func TestInitCommandsReturnsCopy(t *testing.T) {
	d, err := New(Config{Serial: &scriptSerial{}, InitCommands: []string{"setenv serverip 192.168.1.10"}})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	got := d.InitCommands()
	got[0] = "mutated"
	if d.InitCommands()[0] != "setenv serverip 192.168.1.10" {
		t.Fatal("InitCommands exposed internal state")
	}
}
