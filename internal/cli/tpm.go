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
	"encoding/base64"

	"github.com/jeremyhahn/go-dps/pkg/tpm2"
	"github.com/spf13/cobra"
)

// tpmCmd groups the commands that read provisioning keys from the TPM
var tpmCmd = &cobra.Command{
	Use:   "tpm",
	Short: "Inspect the TPM provisioning keys",
	Long: `Print the values an operator needs to create an individual TPM
enrollment. Missing endorsement and storage root keys are created and
persisted on first use.`,
}

var tpmEKCmd = &cobra.Command{
	Use:   "ek",
	Short: "Print the endorsement key (base64 TPM2B_PUBLIC)",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withSecurityClient(cmd, func(client *tpm2.SecurityClient, printer *Printer) error {
			ek, err := client.GetEndorsementKey()
			if err != nil {
				return err
			}
			return printer.PrintValue("endorsementKey", base64.StdEncoding.EncodeToString(ek))
		})
	},
}

var tpmSRKCmd = &cobra.Command{
	Use:   "srk",
	Short: "Print the storage root key (base64 TPM2B_PUBLIC)",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withSecurityClient(cmd, func(client *tpm2.SecurityClient, printer *Printer) error {
			srk, err := client.GetStorageRootKey()
			if err != nil {
				return err
			}
			return printer.PrintValue("storageRootKey", base64.StdEncoding.EncodeToString(srk))
		})
	},
}

var tpmRegistrationIDCmd = &cobra.Command{
	Use:   "registration-id",
	Short: "Print the registration id",
	Long: `Print the configured registration id, or the id derived from the
endorsement key when none is configured.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withSecurityClient(cmd, func(client *tpm2.SecurityClient, printer *Printer) error {
			id, err := client.GetRegistrationID()
			if err != nil {
				return err
			}
			return printer.PrintValue("registrationId", id)
		})
	},
}

func init() {
	tpmCmd.AddCommand(tpmEKCmd)
	tpmCmd.AddCommand(tpmSRKCmd)
	tpmCmd.AddCommand(tpmRegistrationIDCmd)
}

// withSecurityClient opens the TPM from the attestation.tpm section only;
// the provisioning section may be incomplete.
func withSecurityClient(cmd *cobra.Command, fn func(*tpm2.SecurityClient, *Printer) error) error {
	cfg, err := loadConfig(cmd, true)
	if err != nil {
		return err
	}
	logger := newLogger(cfg)
	client, err := tpm2.NewSecurityClient(&tpm2.Params{
		Config: cfg.TPMConfig(),
		Logger: logger,
	})
	if err != nil {
		return err
	}
	defer func() {
		logger.MaybeError(client.Close())
	}()
	return fn(client, NewPrinter(getConfig().OutputFormat, cmd.OutOrStdout()))
}
