package main

import (
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	routeragent "github.com/lime-hil/routeragent"
	"github.com/lime-hil/routeragent/internal/config"
	"github.com/lime-hil/routeragent/internal/env"
	"github.com/lime-hil/routeragent/internal/labrecorder"
	"github.com/lime-hil/routeragent/internal/transport/relay"
	"github.com/lime-hil/routeragent/internal/transport/serialcon"
	"github.com/lime-hil/routeragent/internal/transport/sshcon"
	"github.com/lime-hil/routeragent/internal/transport/uboot"
)

const (
	envLabConfig = "ROUTERAGENT_LAB_CONFIG"
	envDBPath    = "ROUTERAGENT_DB_PATH"
)

// bench bundles everything a command needs for one device.
type bench struct {
	lab        *config.Lab
	device     *config.DeviceConfig
	caps       routeragent.CapabilitySet
	controller *routeragent.Controller
	recorder   *labrecorder.Recorder
	console    *serialcon.Console
	board      *relay.Board
}

// openBench resolves config, opens the transports and builds the lifecycle
// controller for the selected device.
func openBench() (*bench, error) {
	_ = env.Ensure()

	labPath := strings.TrimSpace(rootLabConfig)
	if labPath == "" {
		labPath = config.String(envLabConfig, "")
	}
	if labPath == "" {
		return nil, errors.Errorf("--lab or $%s is required", envLabConfig)
	}
	if rootDevice == "" {
		return nil, errors.New("--device is required")
	}

	lab, err := config.Load(labPath)
	if err != nil {
		return nil, err
	}
	dev, err := lab.Device(rootDevice)
	if err != nil {
		return nil, err
	}

	b := &bench{lab: lab, device: dev}

	b.board, err = relay.Open(dev.RelayPort, dev.RelayBaud)
	if err != nil {
		return nil, err
	}
	b.console, err = serialcon.Open(serialcon.Config{Port: dev.ConsolePort, Baud: dev.ConsoleBaud})
	if err != nil {
		b.close()
		return nil, err
	}

	caps := routeragent.CapabilitySet{
		Power:  relay.NewPowerSwitch(b.board, dev.PowerChannel),
		Serial: b.console,
		Shell:  serialcon.NewShell(b.console),
	}
	if dev.IsolatorChannel != nil {
		caps.Isolator = relay.NewIsolator(b.board, *dev.IsolatorChannel)
	}
	if dev.SSHAddress != "" {
		caps.SSH = sshcon.New(sshcon.Config{
			Address: dev.SSHAddress,
			User:    dev.SSHUser,
			KeyFile: dev.SSHKeyFile,
		})
	}
	if dev.UBoot != nil {
		caps.Bootloader, err = uboot.New(uboot.Config{
			Serial:              b.console,
			Prompt:              dev.UBoot.Prompt,
			InitCommands:        dev.UBoot.InitCommands,
			BootCommand:         dev.UBoot.BootCommand,
			BootCompletePattern: dev.UBoot.BootCompletePattern,
			PromptTimeout:       time.Duration(dev.UBoot.PromptTimeoutSec) * time.Second,
		})
		if err != nil {
			b.close()
			return nil, err
		}
	}
	b.caps = caps

	dbPath := strings.TrimSpace(rootDBPath)
	if dbPath == "" {
		dbPath = config.String(envDBPath, "")
	}
	var recorder routeragent.EventRecorder
	if dbPath != "" {
		b.recorder, err = labrecorder.Open(dbPath)
		if err != nil {
			b.close()
			return nil, err
		}
		recorder = b.recorder
	}

	b.controller, err = routeragent.NewController(routeragent.ControllerConfig{
		Name:         dev.Name,
		Capabilities: caps,
		Profile: routeragent.BootProfile{
			BootWait:              dev.BootWait(),
			ConnectionTimeout:     dev.ConnectionTimeout(),
			RequiresLineIsolation: dev.RequiresLineIsolation,
			SmartDetection:        dev.SmartDetectionEnabled(),
		},
		MaxRecoveryAttempts: dev.MaxRecoveryAttempts,
		Recorder:            recorder,
	})
	if err != nil {
		b.close()
		return nil, err
	}
	return b, nil
}

// flasher builds the transfer/validation engine for the bench device.
func (b *bench) flasher() (*routeragent.Flasher, error) {
	if b.caps.SSH == nil {
		return nil, errors.Errorf("device %q has no ssh_address configured, flashing needs SSH", b.device.Name)
	}
	var rec routeragent.FlashRecorder
	if b.recorder != nil {
		rec = b.recorder
	}
	return routeragent.NewFlasher(routeragent.FlasherConfig{
		Device:   b.device.Name,
		Shell:    b.caps.Shell,
		SSH:      b.caps.SSH,
		Recorder: rec,
	})
}

// recoveryEngine builds the U-Boot/TFTP fallback for the bench device.
func (b *bench) recoveryEngine() (*routeragent.RecoveryEngine, error) {
	var rec routeragent.EventRecorder
	if b.recorder != nil {
		rec = b.recorder
	}
	return routeragent.NewRecoveryEngine(routeragent.RecoveryConfig{
		Device:       b.device.Name,
		Capabilities: b.caps,
		TFTPRoot:     b.lab.TFTPRoot,
		Recorder:     rec,
	})
}

// artifact wraps the image path with the device's expected board.
func (b *bench) artifact(path string) (*routeragent.FirmwareArtifact, error) {
	return routeragent.NewFirmwareArtifact(path, b.device.ExpectedBoard)
}

func (b *bench) close() {
	if b.recorder != nil {
		if err := b.recorder.Close(); err != nil {
			log.Debug().Err(err).Msg("recorder close failed")
		}
	}
	if b.caps.SSH != nil {
		if err := b.caps.SSH.Close(); err != nil {
			log.Debug().Err(err).Msg("ssh close failed")
		}
	}
	if b.console != nil {
		if err := b.console.Close(); err != nil {
			log.Debug().Err(err).Msg("console close failed")
		}
	}
	if b.board != nil {
		if err := b.board.Close(); err != nil {
			log.Debug().Err(err).Msg("relay board close failed")
		}
	}
}
