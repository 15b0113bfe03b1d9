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
	"crypto/tls"
	"fmt"
	"log/slog"
	"time"

	"github.com/jeremyhahn/go-dps/internal/config"
	"github.com/jeremyhahn/go-dps/pkg/logging"
	"github.com/jeremyhahn/go-dps/pkg/metrics"
	"github.com/jeremyhahn/go-dps/pkg/provisioning"
	"github.com/jeremyhahn/go-dps/pkg/sas"
	"github.com/jeremyhahn/go-dps/pkg/types"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

// Flag names bound to configuration keys
const (
	flagHost           = "host"
	flagIDScope        = "id-scope"
	flagRegistrationID = "registration-id"
	flagAttestation    = "attestation"
	flagTransport      = "transport"
	flagSimulator      = "tpm-simulator"
	flagForce          = "force"
	flagPayloadFile    = "payload-file"
	flagMetrics        = "metrics"
)

// symmetricKeyName is the key name the provisioning service expects in
// symmetric key registration tokens.
const symmetricKeyName = "registration"

const metricsInterval = 15 * time.Second

var flagKeys = map[string]string{
	flagHost:           "provisioning.host",
	flagIDScope:        "provisioning.id_scope",
	flagRegistrationID: "provisioning.registration_id",
	flagAttestation:    "attestation.type",
	flagTransport:      "provisioning.transport",
	flagSimulator:      "attestation.tpm.use_simulator",
	flagForce:          "provisioning.force_registration",
	flagPayloadFile:    "provisioning.payload_file",
	flagMetrics:        "metrics.enabled",
}

// Config holds global CLI configuration
type Config struct {
	// ConfigFile is the path to the configuration file
	ConfigFile string

	// OutputFormat controls output formatting (json, text)
	OutputFormat string

	// Verbose enables debug logging
	Verbose bool
}

// NewConfig creates a new Config with default values
func NewConfig() *Config {
	return &Config{
		OutputFormat: "text",
	}
}

// loadConfig merges the config file, the environment and the flags cmd
// knows about.
func loadConfig(cmd *cobra.Command, skipValidation bool) (*config.Config, error) {
	bound := make(map[string]*pflag.Flag, len(flagKeys))
	for name, key := range flagKeys {
		if flag := cmd.Flags().Lookup(name); flag != nil {
			bound[key] = flag
		}
	}
	cfg, err := config.LoadWithOptions(config.Options{
		Path:           getConfig().ConfigFile,
		Flags:          bound,
		SkipValidation: skipValidation,
	})
	if err != nil {
		return nil, err
	}
	if getConfig().Verbose {
		cfg.Logging.Level = "debug"
	}
	printVerbose("attestation %s via %s", cfg.Attestation.Type, cfg.Provisioning.Host)
	return cfg, nil
}

func newLogger(cfg *config.Config) *logging.Logger {
	return logging.NewLoggerWithOptions(logging.Options{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
}

// startMetrics exposes /metrics until ctx is done when enabled.
func startMetrics(ctx context.Context, cfg *config.Config, logger *logging.Logger) {
	if !cfg.Metrics.Enabled {
		metrics.Disable()
		return
	}
	metrics.Enable()
	collector := metrics.StartResourceCollector(ctx, metricsInterval)
	go func() {
		defer collector.Stop()
		logger.Info("serving metrics", slog.String("address", cfg.Metrics.Address))
		logger.MaybeError(metrics.Serve(ctx, cfg.Metrics.Address))
	}()
}

func newTransport(cfg *config.Config, logger *logging.Logger) (*provisioning.Transport, error) {
	tlsConfig, err := cfg.Provisioning.TLS.LoadTLSConfig()
	if err != nil {
		return nil, err
	}
	return provisioning.NewTransport(&provisioning.Params{
		Logger:          logger,
		PollingInterval: cfg.Provisioning.PollingInterval,
		WebSocket:       cfg.WebSocket(),
		TLSConfig:       tlsConfig,
		DialTimeout:     cfg.Provisioning.DialTimeout,
	})
}

func newRequest(cfg *config.Config) (*provisioning.RegistrationRequest, error) {
	payload, err := cfg.Payload()
	if err != nil {
		return nil, err
	}
	return &provisioning.RegistrationRequest{
		RegistrationID:    cfg.Provisioning.RegistrationID,
		IDScope:           cfg.Provisioning.IDScope,
		ProvisioningHost:  cfg.Provisioning.Host,
		ForceRegistration: cfg.Provisioning.ForceRegistration,
		Payload:           payload,
	}, nil
}

// credentialSetter is the part of Transport that takes X.509 and
// symmetric key credentials.
type credentialSetter interface {
	SetSharedAccessSignature(token string)
	SetAuthentication(certificate *tls.Certificate)
}

// applyCredentials configures X.509 or symmetric key attestation. TPM
// attestation authenticates through the challenge instead.
func applyCredentials(cfg *config.Config, t credentialSetter, req *provisioning.RegistrationRequest) error {
	switch cfg.Attestation.Type {
	case config.AttestationX509:
		cert, err := cfg.Attestation.X509.LoadCertificate()
		if err != nil {
			return err
		}
		t.SetAuthentication(cert)
	case config.AttestationSymmetricKey:
		token, err := registrationToken(cfg, req)
		if err != nil {
			return err
		}
		t.SetSharedAccessSignature(token)
	default:
		return fmt.Errorf("%w: %s attestation has no static credentials", types.ErrInvalidOperation, cfg.Attestation.Type)
	}
	return nil
}

// registrationToken signs a registration token with the enrollment key,
// deriving the device key first for group enrollments.
func registrationToken(cfg *config.Config, req *provisioning.RegistrationRequest) (string, error) {
	key := cfg.Attestation.SymmetricKey.Key
	if cfg.Attestation.SymmetricKey.Group {
		derived, err := sas.DeriveDeviceKey(key, req.RegistrationID)
		if err != nil {
			return "", err
		}
		key = derived
	}
	token, err := sas.Create(req.LinkAddress(), symmetricKeyName, key, sas.ExpiryAfter(cfg.Auth.TokenValidity))
	if err != nil {
		return "", err
	}
	return token.String(), nil
}
