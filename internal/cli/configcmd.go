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
	"errors"
	"fmt"
	"os"

	"github.com/jeremyhahn/go-dps/internal/config"
	"github.com/spf13/cobra"
)

var (
	configInitOut   string
	configInitForce bool
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage the dps-client configuration",
}

// configInitCmd writes a default configuration
var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a default configuration file",
	Long: `Render the default configuration as YAML, to stdout or to --out.
An existing file is only replaced with --force.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		data, err := config.Default().YAML()
		if err != nil {
			return err
		}
		if configInitOut == "" {
			_, err := cmd.OutOrStdout().Write(data)
			return err
		}

		flags := os.O_WRONLY | os.O_CREATE | os.O_EXCL
		if configInitForce {
			flags = os.O_WRONLY | os.O_CREATE | os.O_TRUNC
		}
		// #nosec G304 - output path supplied by the operator
		f, err := os.OpenFile(configInitOut, flags, 0o600)
		if err != nil {
			if errors.Is(err, os.ErrExist) {
				return fmt.Errorf("%s already exists, use --force to overwrite", configInitOut)
			}
			return err
		}
		if _, err := f.Write(data); err != nil {
			_ = f.Close()
			return err
		}
		if err := f.Close(); err != nil {
			return err
		}
		return NewPrinter(getConfig().OutputFormat, cmd.OutOrStdout()).
			PrintSuccess("wrote " + configInitOut)
	},
}

func init() {
	configInitCmd.Flags().StringVar(&configInitOut, "out", "", "file to write instead of stdout")
	configInitCmd.Flags().BoolVar(&configInitForce, "force", false, "overwrite an existing file")
	configCmd.AddCommand(configInitCmd)
}
