// Copyright (c) 2025 Jeremy Hahn
// Copyright (c) 2025 Automate The Things, LLC
//
// This file is part of go-dps.
//
// go-dps is dual-licensed:
//
// 1. GNU Affero General Public License v3.0 (AGPL-3.0)
//    See LICENSE file or visit https://www.gnu.org/licenses/agpl-3.0.html
//
// 2. Commercial License
//    Contact licensing@automatethethings.com for commercial licensing options.

package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	// Global configuration
	globalConfig *Config
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "dps-client",
	Short: "go-dps CLI - Device Provisioning Service client",
	Long: `dps-client registers a device with the Device Provisioning Service
over AMQP and reports the IoT hub it was assigned to.

Supported attestation mechanisms:
  - tpm:           TPM 2.0 endorsement key challenge
  - x509:          device certificate presented during the TLS handshake
  - symmetric_key: shared access signature from an enrollment key

Settings are read from --config, then DPS_* environment variables, then flags.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command
func Execute(ctx context.Context) error {
	return rootCmd.ExecuteContext(ctx)
}

func init() {
	// Initialize global config
	globalConfig = NewConfig()

	// Persistent flags (available to all commands)
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&globalConfig.ConfigFile, "config", "",
		"config file (YAML)")
	flags.StringVarP(&globalConfig.OutputFormat, "output", "o", "text",
		"output format (text, json)")
	flags.BoolVarP(&globalConfig.Verbose, "verbose", "v", false,
		"verbose output")

	// Overrides for the most common settings
	flags.String(flagHost, "", "provisioning service host")
	flags.String(flagIDScope, "", "provisioning id scope")
	flags.String(flagRegistrationID, "", "registration id (derived from the TPM endorsement key when empty)")
	flags.String(flagAttestation, "", "attestation mechanism (tpm, x509, symmetric_key)")
	flags.String(flagTransport, "", "transport (amqp, amqp-ws)")
	flags.Bool(flagSimulator, false, "use the embedded TPM simulator")

	// Add subcommands
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(registerCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(tpmCmd)
	rootCmd.AddCommand(configCmd)
}

// getConfig returns the global configuration
func getConfig() *Config {
	return globalConfig
}

// HandleError prints an error in the selected output format and exits with code 1
func HandleError(err error) {
	printer := NewPrinter(globalConfig.OutputFormat, os.Stderr)
	_ = printer.PrintError(err) // Error printing to stderr is best-effort
	os.Exit(1)
}

// printVerbose prints a message if verbose mode is enabled
func printVerbose(format string, args ...any) {
	if globalConfig.Verbose {
		fmt.Fprintf(os.Stderr, "[VERBOSE] "+format+"\n", args...)
	}
}
