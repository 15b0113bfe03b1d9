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
	"log/slog"

	"github.com/jeremyhahn/go-dps/internal/config"
	"github.com/jeremyhahn/go-dps/pkg/auth"
	"github.com/jeremyhahn/go-dps/pkg/logging"
	"github.com/jeremyhahn/go-dps/pkg/provisioning"
	"github.com/jeremyhahn/go-dps/pkg/tpm2"
	"github.com/jeremyhahn/go-dps/pkg/types"
	"github.com/spf13/cobra"
)

var (
	registerCredentials bool
	registerWatch       bool
)

// registerCmd registers the device and waits for the assignment
var registerCmd = &cobra.Command{
	Use:   "register",
	Short: "Register the device with the provisioning service",
	Long: `Register the device and poll until the service assigns it to a hub,
fails the registration or reports the enrollment as disabled.

With TPM attestation, --credentials prints a hub connection string signed by
the activated identity key and --watch keeps renewing it until interrupted.`,
	RunE: runRegister,
}

func init() {
	registerCmd.Flags().Bool(flagForce, false, "re-register a device that is already assigned")
	registerCmd.Flags().String(flagPayloadFile, "", "JSON payload forwarded to the allocation policy")
	registerCmd.Flags().Bool(flagMetrics, false, "serve Prometheus metrics while registering")
	registerCmd.Flags().BoolVar(&registerCredentials, "credentials", false,
		"print hub credentials after a TPM registration")
	registerCmd.Flags().BoolVar(&registerWatch, "watch", false,
		"keep renewing hub credentials until interrupted (implies --credentials)")
}

func runRegister(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd, false)
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	logger := newLogger(cfg)
	printer := NewPrinter(getConfig().OutputFormat, cmd.OutOrStdout())
	startMetrics(ctx, cfg, logger)

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
	clientParams := provisioning.ClientParams{
		Logger: logger,
		OnStatus: func(r *provisioning.RegistrationResult) {
			printVerbose("operation %s: %s", r.OperationID, r.Status)
		},
	}

	if cfg.Attestation.Type != config.AttestationTPM {
		if registerCredentials || registerWatch {
			return fmt.Errorf("%w: hub credentials require tpm attestation", types.ErrInvalidArgument)
		}
		if err := applyCredentials(cfg, transport, req); err != nil {
			return err
		}
		clientParams.Registrar = transport
		client, err := provisioning.NewClient(&clientParams)
		if err != nil {
			return err
		}
		result, err := client.Register(ctx, req)
		if err != nil {
			return err
		}
		return printer.PrintRegistration(result)
	}

	device, err := tpm2.NewSecurityClient(&tpm2.Params{
		Config: cfg.TPMConfig(),
		Logger: logger,
	})
	if err != nil {
		return err
	}
	defer func() {
		logger.MaybeError(device.Close())
	}()

	registration, err := provisioning.NewTPMRegistration(&provisioning.TPMRegistrationParams{
		Transport:    transport,
		Device:       device,
		Logger:       logger,
		ClientParams: clientParams,
	})
	if err != nil {
		return err
	}
	result, err := registration.Register(ctx, req)
	if err != nil {
		return err
	}
	if err := printer.PrintRegistration(result); err != nil {
		return err
	}
	if !registerCredentials && !registerWatch {
		return nil
	}
	return runCredentials(ctx, cfg, device, result, printer, logger)
}

// runCredentials mints hub credentials with the identity key. With --watch
// it prints every renewed token until ctx is done or renewal fails.
func runCredentials(ctx context.Context, cfg *config.Config, signer auth.Signer,
	result *provisioning.DeviceRegistrationResult, printer *Printer, logger *logging.Logger) error {

	provider, err := auth.NewTPMAuthenticationProvider(&auth.Params{
		Signer:        signer,
		Host:          result.AssignedHub,
		DeviceID:      result.DeviceID,
		TokenValidity: cfg.Auth.TokenValidity,
		RenewalMargin: cfg.Auth.RenewalMargin,
		Logger:        logger,
	})
	if err != nil {
		return err
	}
	defer provider.Stop()

	renewalErr := make(chan error, 1)
	provider.OnError(func(err error) {
		select {
		case renewalErr <- err:
		default:
		}
	})
	provider.OnNewTokenAvailable(func(creds *auth.Credentials) {
		logger.Info("hub credentials renewed", slog.Time("expiry", creds.Expiry))
		logger.MaybeError(printer.PrintCredentials(creds))
	})

	creds, err := provider.GetDeviceCredentials(ctx)
	if err != nil {
		return err
	}
	if err := printer.PrintCredentials(creds); err != nil {
		return err
	}
	if !registerWatch {
		return nil
	}

	select {
	case <-ctx.Done():
		return nil
	case err := <-renewalErr:
		return err
	}
}
