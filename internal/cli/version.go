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
	"fmt"
	"runtime"

	"github.com/jeremyhahn/go-dps/pkg/provisioning"
	"github.com/spf13/cobra"
)

// Build information (injected at build time via -ldflags). The version
// itself lives in provisioning.Version because it is also sent to the
// service as the client version.
var (
	GitCommit = "unknown" // Set via -ldflags "-X github.com/jeremyhahn/go-dps/internal/cli.GitCommit=abc123"
	BuildDate = "unknown" // Set via -ldflags "-X github.com/jeremyhahn/go-dps/internal/cli.BuildDate=2025-01-15"
)

// versionCmd represents the version command
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Long:  `Print the version information for the dps-client CLI`,
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()
		if getConfig().OutputFormat == string(OutputFormatJSON) {
			printer := NewPrinter(getConfig().OutputFormat, out)
			return printer.printJSON(map[string]any{
				"version":        provisioning.Version,
				"client_version": provisioning.ClientName + "/" + provisioning.Version,
				"api_version":    provisioning.APIVersion,
				"commit":         GitCommit,
				"build_date":     BuildDate,
				"go_version":     runtime.Version(),
				"os":             runtime.GOOS,
				"arch":           runtime.GOARCH,
			})
		}
		fmt.Fprintf(out, "dps-client version %s\n", provisioning.Version)
		fmt.Fprintf(out, "API version: %s\n", provisioning.APIVersion)
		fmt.Fprintf(out, "Git commit: %s\n", GitCommit)
		fmt.Fprintf(out, "Build date: %s\n", BuildDate)
		fmt.Fprintf(out, "Go version: %s\n", runtime.Version())
		fmt.Fprintf(out, "OS/Arch: %s/%s\n", runtime.GOOS, runtime.GOARCH)
		return nil
	},
}
