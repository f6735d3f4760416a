package main

import (
	"context"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	routeragent "github.com/lime-hil/routeragent"
)

func newShellCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "shell",
		Short: "Bring the device to a verified shell",
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := openBench()
			if err != nil {
				return err
			}
			defer b.close()
			return b.controller.Transition(cmd.Context(), routeragent.StateShellReady)
		},
	}
}

func newOffCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "off",
		Short: "Cut device power",
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := openBench()
			if err != nil {
				return err
			}
			defer b.close()
			return b.controller.EnsureOff(cmd.Context())
		},
	}
}

func newShutdownCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "shutdown",
		Short: "Power the device down gracefully, then cut power",
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := openBench()
			if err != nil {
				return err
			}
			defer b.close()
			// Reach the shell first so the cached state reflects reality and
			// the soft path is actually attempted.
			if err := b.controller.Transition(cmd.Context(), routeragent.StateShellReady); err != nil {
				log.Warn().Err(err).Msg("no shell before shutdown, cutting power directly")
			}
			return b.controller.GracefulShutdown(cmd.Context())
		},
	}
}

func newPowerCycleCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "power-cycle",
		Short: "Force a real power cycle even if a shell is reachable",
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := openBench()
			if err != nil {
				return err
			}
			defer b.close()
			return b.controller.ForcePowerCycle(cmd.Context())
		},
	}
}

func newFlashCmd() *cobra.Command {
	var (
		flagImage           string
		flagKeepConfig      bool
		flagForce           bool
		flagValidateOnly    bool
		flagSkipIfInstalled bool
		flagExpectedVersion string
		flagNoRecovery      bool
	)
	cmd := &cobra.Command{
		Use:   "flash",
		Short: "Flash a firmware image with all safety checks",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			b, err := openBench()
			if err != nil {
				return err
			}
			defer b.close()

			artifact, err := b.artifact(flagImage)
			if err != nil {
				return err
			}
			if err := b.controller.Transition(ctx, routeragent.StateShellReady); err != nil {
				return err
			}
			flasher, err := b.flasher()
			if err != nil {
				return err
			}
			if err := flasher.Flash(ctx, artifact, routeragent.FlashOptions{
				KeepConfig:      flagKeepConfig,
				Force:           flagForce,
				ValidateOnly:    flagValidateOnly,
				SkipIfInstalled: flagSkipIfInstalled,
				ExpectedVersion: flagExpectedVersion,
			}); err != nil {
				return err
			}
			if flagValidateOnly {
				return nil
			}

			// The flash rebooted the device; prior knowledge is stale.
			b.controller.Invalidate()
			var recoverer routeragent.Recoverer
			if !flagNoRecovery && b.caps.Bootloader != nil {
				engine, err := b.recoveryEngine()
				if err != nil {
					return err
				}
				recoverer = engine
			}
			if err := b.controller.WaitShellWithRecovery(ctx, recoverer, artifact); err != nil {
				return err
			}
			if flagExpectedVersion != "" {
				return flasher.VerifyVersion(flagExpectedVersion)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&flagImage, "firmware", "firmware.bin", "firmware image path")
	cmd.Flags().BoolVar(&flagKeepConfig, "keep-config", false, "preserve device configuration across the flash")
	cmd.Flags().BoolVar(&flagForce, "force", true, "pass -F to sysupgrade")
	cmd.Flags().BoolVar(&flagValidateOnly, "validate-only", false, "run all checks but do not flash")
	cmd.Flags().BoolVar(&flagSkipIfInstalled, "skip-if-installed", false, "skip when --expected-version already matches")
	cmd.Flags().StringVar(&flagExpectedVersion, "expected-version", "", "release string to verify after the flash")
	cmd.Flags().BoolVar(&flagNoRecovery, "no-recovery", false, "disable the U-Boot recovery fallback")
	return cmd
}

func newRecoverCmd() *cobra.Command {
	var flagImage string
	cmd := &cobra.Command{
		Use:   "recover",
		Short: "Recover an unbootable device via U-Boot/TFTP",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			b, err := openBench()
			if err != nil {
				return err
			}
			defer b.close()

			artifact, err := b.artifact(flagImage)
			if err != nil {
				return err
			}
			engine, err := b.recoveryEngine()
			if err != nil {
				return err
			}
			if err := engine.Recover(ctx, artifact); err != nil {
				return err
			}
			b.controller.Invalidate()
			return b.controller.Transition(ctx, routeragent.StateShellReady)
		},
	}
	cmd.Flags().StringVar(&flagImage, "firmware", "firmware.bin", "target firmware to persist after the recovery boot")
	return cmd
}

func newNetconfigCmd() *cobra.Command {
	var flagReboot bool
	cmd := &cobra.Command{
		Use:   "netconfig",
		Short: "Switch the management interface to DHCP",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			b, err := openBench()
			if err != nil {
				return err
			}
			defer b.close()

			if err := b.controller.Transition(ctx, routeragent.StateShellReady); err != nil {
				return err
			}
			reconciler, err := routeragent.NewNetworkReconciler(routeragent.NetworkReconcilerConfig{
				Device:               b.device.Name,
				Shell:                b.caps.Shell,
				SSH:                  b.caps.SSH,
				RebootForPersistence: flagReboot,
				WaitShell: func(ctx2 context.Context) error {
					b.controller.Invalidate()
					return b.controller.Transition(ctx2, routeragent.StateShellReady)
				},
			})
			if err != nil {
				return err
			}
			return reconciler.ReconcileDHCP(ctx)
		},
	}
	cmd.Flags().BoolVar(&flagReboot, "reboot", false, "reboot after reconfiguring so the change persists")
	return cmd
}
