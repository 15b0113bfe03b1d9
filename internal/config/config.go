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

package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/jeremyhahn/go-dps/pkg/auth"
	"github.com/jeremyhahn/go-dps/pkg/provisioning"
	"github.com/jeremyhahn/go-dps/pkg/tpm2"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

const (
	// EnvPrefix prefixes every environment override, for example
	// DPS_PROVISIONING_ID_SCOPE.
	EnvPrefix = "DPS"

	DefaultHost          = "global.azure-devices-provisioning.net"
	DefaultMetricsAddr   = ":9090"
	DefaultDialTimeout   = 30 * time.Second
	DefaultLogLevel      = "info"
	DefaultLogFormat     = "text"
	DefaultTransportName = TransportAMQP
)

// Transports
const (
	TransportAMQP          = "amqp"
	TransportAMQPWebSocket = "amqp-ws"
)

// Attestation mechanisms
const (
	AttestationX509         = "x509"
	AttestationSymmetricKey = "symmetric_key"
	AttestationTPM          = "tpm"
)

var ErrInvalidConfig = errors.New("config: invalid configuration")

// Config is the complete dps-client configuration
type Config struct {
	Provisioning ProvisioningConfig `yaml:"provisioning" mapstructure:"provisioning"`
	Attestation  AttestationConfig  `yaml:"attestation" mapstructure:"attestation"`
	Auth         AuthConfig         `yaml:"auth" mapstructure:"auth"`
	Logging      LoggingConfig      `yaml:"logging" mapstructure:"logging"`
	Metrics      MetricsConfig      `yaml:"metrics" mapstructure:"metrics"`
}

// ProvisioningConfig locates the provisioning service and the enrollment
type ProvisioningConfig struct {
	Host              string        `yaml:"host" mapstructure:"host" validate:"required,hostname_rfc1123"`
	IDScope           string        `yaml:"id_scope" mapstructure:"id_scope" validate:"required"`
	RegistrationID    string        `yaml:"registration_id" mapstructure:"registration_id"`
	Transport         string        `yaml:"transport" mapstructure:"transport" validate:"oneof=amqp amqp-ws"`
	PollingInterval   time.Duration `yaml:"polling_interval" mapstructure:"polling_interval" validate:"gt=0"`
	DialTimeout       time.Duration `yaml:"dial_timeout" mapstructure:"dial_timeout" validate:"gt=0"`
	ForceRegistration bool          `yaml:"force_registration" mapstructure:"force_registration"`
	PayloadFile       string        `yaml:"payload_file" mapstructure:"payload_file"`
	TLS               TLSConfig     `yaml:"tls" mapstructure:"tls"`
}

// AttestationConfig selects how the device proves its identity
type AttestationConfig struct {
	Type         string             `yaml:"type" mapstructure:"type" validate:"required,oneof=x509 symmetric_key tpm"`
	X509         X509Config         `yaml:"x509" mapstructure:"x509"`
	SymmetricKey SymmetricKeyConfig `yaml:"symmetric_key" mapstructure:"symmetric_key"`
	TPM          tpm2.Config        `yaml:"tpm" mapstructure:"tpm"`
}

// X509Config is the device certificate presented during the TLS handshake
type X509Config struct {
	CertFile string `yaml:"cert_file" mapstructure:"cert_file"`
	KeyFile  string `yaml:"key_file" mapstructure:"key_file"`
}

// SymmetricKeyConfig holds the enrollment key. With Group set the key is the
// enrollment group key and the device key is derived from the registration id.
type SymmetricKeyConfig struct {
	Key   string `yaml:"key" mapstructure:"key" validate:"omitempty,base64"`
	Group bool   `yaml:"group" mapstructure:"group"`
}

// AuthConfig controls the hub tokens minted after a TPM registration
type AuthConfig struct {
	TokenValidity time.Duration `yaml:"token_validity" mapstructure:"token_validity" validate:"gt=0"`
	RenewalMargin time.Duration `yaml:"renewal_margin" mapstructure:"renewal_margin" validate:"gte=0,ltfield=TokenValidity"`
}

// LoggingConfig controls logging behavior
type LoggingConfig struct {
	Level  string `yaml:"level" mapstructure:"level" validate:"oneof=debug info warn error"`
	Format string `yaml:"format" mapstructure:"format" validate:"oneof=text json"`
}

// MetricsConfig controls the Prometheus endpoint
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" mapstructure:"enabled"`
	Address string `yaml:"address" mapstructure:"address" validate:"omitempty,hostname_port"`
}

// Default returns the configuration used when no file is given
func Default() *Config {
	return &Config{
		Provisioning: ProvisioningConfig{
			Host:            DefaultHost,
			Transport:       DefaultTransportName,
			PollingInterval: provisioning.DefaultPollingInterval,
			DialTimeout:     DefaultDialTimeout,
		},
		Attestation: AttestationConfig{
			Type: AttestationTPM,
			TPM:  *tpm2.DefaultConfig(),
		},
		Auth: AuthConfig{
			TokenValidity: auth.DefaultTokenValidity,
			RenewalMargin: auth.DefaultRenewalMargin,
		},
		Logging: LoggingConfig{
			Level:  DefaultLogLevel,
			Format: DefaultLogFormat,
		},
		Metrics: MetricsConfig{
			Address: DefaultMetricsAddr,
		},
	}
}

// setDefaults registers every key with viper so environment overrides
// apply even when the file omits the key.
func setDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("provisioning.host", d.Provisioning.Host)
	v.SetDefault("provisioning.id_scope", "")
	v.SetDefault("provisioning.registration_id", "")
	v.SetDefault("provisioning.transport", d.Provisioning.Transport)
	v.SetDefault("provisioning.polling_interval", d.Provisioning.PollingInterval)
	v.SetDefault("provisioning.dial_timeout", d.Provisioning.DialTimeout)
	v.SetDefault("provisioning.force_registration", false)
	v.SetDefault("provisioning.payload_file", "")
	v.SetDefault("provisioning.tls.ca_file", "")
	v.SetDefault("provisioning.tls.min_version", "")
	v.SetDefault("attestation.type", d.Attestation.Type)
	v.SetDefault("attestation.x509.cert_file", "")
	v.SetDefault("attestation.x509.key_file", "")
	v.SetDefault("attestation.symmetric_key.key", "")
	v.SetDefault("attestation.symmetric_key.group", false)
	v.SetDefault("attestation.tpm.device_path", d.Attestation.TPM.DevicePath)
	v.SetDefault("attestation.tpm.use_simulator", false)
	v.SetDefault("attestation.tpm.ek_handle", d.Attestation.TPM.EKHandle)
	v.SetDefault("attestation.tpm.srk_handle", d.Attestation.TPM.SRKHandle)
	v.SetDefault("attestation.tpm.identity_key_handle", d.Attestation.TPM.IdentityKeyHandle)
	v.SetDefault("attestation.tpm.registration_id", "")
	v.SetDefault("auth.token_validity", d.Auth.TokenValidity)
	v.SetDefault("auth.renewal_margin", d.Auth.RenewalMargin)
	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.format", d.Logging.Format)
	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.address", d.Metrics.Address)
}

// Options controls where Load reads from.
type Options struct {
	// Path is an optional YAML file
	Path string

	// Flags maps configuration keys such as "provisioning.id_scope" to
	// command line flags. A flag set by the user wins over the file and
	// the environment.
	Flags map[string]*pflag.Flag

	// SkipValidation returns the merged configuration unchecked, for
	// commands that only need one section.
	SkipValidation bool
}

// Load reads configuration from a YAML file and applies environment variable overrides
func Load(path string) (*Config, error) {
	return LoadWithOptions(Options{Path: path})
}

// LoadWithOptions merges defaults, the file, DPS_* environment variables and
// flags, in increasing precedence, then validates the result.
func LoadWithOptions(opts Options) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if opts.Path != "" {
		v.SetConfigFile(opts.Path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}
	for key, flag := range opts.Flags {
		if flag == nil {
			continue
		}
		if err := v.BindPFlag(key, flag); err != nil {
			return nil, fmt.Errorf("failed to bind flag %s: %w", flag.Name, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if opts.SkipValidation {
		return &cfg, nil
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks field constraints and the rules that span sections.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) {
			msgs := make([]string, 0, len(fieldErrs))
			for _, fe := range fieldErrs {
				msgs = append(msgs, fmt.Sprintf("%s fails %q", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(msgs, "; "))
		}
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}

	switch c.Attestation.Type {
	case AttestationX509:
		if c.Attestation.X509.CertFile == "" || c.Attestation.X509.KeyFile == "" {
			return fmt.Errorf("%w: x509 attestation requires cert_file and key_file", ErrInvalidConfig)
		}
		if c.Provisioning.RegistrationID == "" {
			return fmt.Errorf("%w: x509 attestation requires provisioning.registration_id", ErrInvalidConfig)
		}
	case AttestationSymmetricKey:
		if c.Attestation.SymmetricKey.Key == "" {
			return fmt.Errorf("%w: symmetric_key attestation requires a key", ErrInvalidConfig)
		}
		if c.Provisioning.RegistrationID == "" {
			return fmt.Errorf("%w: symmetric_key attestation requires provisioning.registration_id", ErrInvalidConfig)
		}
	case AttestationTPM:
		if err := c.Attestation.TPM.Validate(); err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
		}
	}

	if c.Metrics.Enabled && c.Metrics.Address == "" {
		return fmt.Errorf("%w: metrics.address is required when metrics are enabled", ErrInvalidConfig)
	}
	return nil
}

// TPMConfig returns the TPM configuration with the provisioning
// registration id applied as an override.
func (c *Config) TPMConfig() *tpm2.Config {
	tpmConfig := c.Attestation.TPM
	if c.Provisioning.RegistrationID != "" {
		tpmConfig.RegistrationID = c.Provisioning.RegistrationID
	}
	return &tpmConfig
}

// Payload returns the custom registration payload, or nil without a
// payload file.
func (c *Config) Payload() (json.RawMessage, error) {
	if c.Provisioning.PayloadFile == "" {
		return nil, nil
	}
	// #nosec G304 - payload path from trusted config
	data, err := os.ReadFile(c.Provisioning.PayloadFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read payload file: %w", err)
	}
	if !json.Valid(data) {
		return nil, fmt.Errorf("%w: payload file %s is not valid JSON", ErrInvalidConfig, c.Provisioning.PayloadFile)
	}
	return json.RawMessage(data), nil
}

// WebSocket reports whether AMQP runs over a websocket.
func (c *Config) WebSocket() bool {
	return c.Provisioning.Transport == TransportAMQPWebSocket
}

// YAML renders the configuration as it would be written to a file.
func (c *Config) YAML() ([]byte, error) {
	data, err := yaml.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("failed to render config: %w", err)
	}
	return data, nil
}
