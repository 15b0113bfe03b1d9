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

	"github.com/jeremyhahn/go-dps/internal/config"
	"github.com/jeremyhahn/go-dps/pkg/types"
	"github.com/spf13/cobra"
)

var statusOperationID string

// statusCmd queries a registration operation once
var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Query the status of a registration operation",
	Long: `Query a registration operation once and print its status. TPM
attestation cannot query status outside of a registration because the
service authenticates the link through a fresh challenge.`,
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().StringVar(&statusOperationID, "operation-id", "", "operation id returned by register")
	_ = statusCmd.MarkFlagRequired("operation-id")
}

func runStatus(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd, false)
	if err != nil {
		return err
	}
	if cfg.Attestation.Type == config.AttestationTPM {
		return fmt.Errorf("%w: status queries need x509 or symmetric_key attestation", types.ErrInvalidOperation)
	}
	logger := newLogger(cfg)

	transport, err := newTransport(cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		logger.MaybeError(transport.Close())
	}()

	req, err := newRequest(cfg)
	if err != nil {
		return err
	}
	if err := applyCredentials(cfg, transport, req); err != nil {
		return err
	}
	result, retryAfter, err := transport.QueryOperationStatus(cmd.Context(), req, statusOperationID)
	if err != nil {
		return err
	}
	return NewPrinter(getConfig().OutputFormat, cmd.OutOrStdout()).PrintStatus(result, retryAfter)
}
