package main

import (
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/lime-hil/routeragent/internal/env"
)

var rootCmd = &cobra.Command{
	Use:   "routeragent",
	Short: "Lifecycle driver for hardware-in-the-loop router benches",
	Long: `routeragent manages physical OpenWrt/LibreMesh routers on a test bench:
power and boot control through a relay board and serial console, guarded
firmware flashing over SSH, U-Boot/TFTP recovery of bricked devices, and
post-flash network reconciliation.`,
}

var (
	rootLabConfig string
	rootDevice    string
	rootDBPath    string
	rootVerbose   bool
)

func init() {
	output := zerolog.ConsoleWriter{Out: os.Stderr}
	log.Logger = zerolog.New(output).With().Timestamp().Logger()

	rootCmd.PersistentFlags().StringVar(&rootLabConfig, "lab", "", "lab topology YAML, overrides ROUTERAGENT_LAB_CONFIG")
	rootCmd.PersistentFlags().StringVar(&rootDevice, "device", "", "device name from the lab topology")
	rootCmd.PersistentFlags().StringVar(&rootDBPath, "db", "", "recorder SQLite path, overrides ROUTERAGENT_DB_PATH (empty disables recording)")
	rootCmd.PersistentFlags().BoolVarP(&rootVerbose, "verbose", "v", false, "enable debug logging")
	rootCmd.AddCommand(
		newShellCmd(),
		newOffCmd(),
		newShutdownCmd(),
		newPowerCycleCmd(),
		newFlashCmd(),
		newRecoverCmd(),
		newNetconfigCmd(),
	)
	_ = env.Ensure()
}

func main() {
	cobra.OnInitialize(func() {
		if rootVerbose {
			zerolog.SetGlobalLevel(zerolog.DebugLevel)
		} else {
			zerolog.SetGlobalLevel(zerolog.InfoLevel)
		}
	})
	if err := rootCmd.Execute(); err != nil {
		log.Fatal().Err(err).Msg("routeragent command failed")
	}
}
