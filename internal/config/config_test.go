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
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jeremyhahn/go-dps/internal/testutil"
	"github.com/jeremyhahn/go-dps/pkg/tpm2"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "dps.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, `
provisioning:
  id_scope: 0ne00000001
  transport: amqp-ws
  polling_interval: 5s
  force_registration: true
attestation:
  type: tpm
  tpm:
    use_simulator: true
logging:
  level: debug
  format: json
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, DefaultHost, cfg.Provisioning.Host)
	assert.Equal(t, "0ne00000001", cfg.Provisioning.IDScope)
	assert.True(t, cfg.WebSocket())
	assert.Equal(t, 5*time.Second, cfg.Provisioning.PollingInterval)
	assert.True(t, cfg.Provisioning.ForceRegistration)
	assert.True(t, cfg.Attestation.TPM.UseSimulator)
	assert.Equal(t, tpm2.DefaultEKHandle, cfg.Attestation.TPM.EKHandle)
	assert.Equal(t, time.Hour, cfg.Auth.TokenValidity)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)
	assert.False(t, cfg.Metrics.Enabled)
}

func TestLoadEnvironmentOverrides(t *testing.T) {
	path := writeConfig(t, `
provisioning:
  id_scope: 0ne00000001
attestation:
  type: tpm
`)
	t.Setenv("DPS_PROVISIONING_ID_SCOPE", "0ne000000ff")
	t.Setenv("DPS_PROVISIONING_REGISTRATION_ID", "env-device")
	t.Setenv("DPS_ATTESTATION_TPM_EK_HANDLE", "0x81010002")
	t.Setenv("DPS_AUTH_TOKEN_VALIDITY", "2h")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "0ne000000ff", cfg.Provisioning.IDScope)
	assert.Equal(t, "env-device", cfg.Provisioning.RegistrationID)
	assert.Equal(t, uint32(0x81010002), cfg.Attestation.TPM.EKHandle)
	assert.Equal(t, 2*time.Hour, cfg.Auth.TokenValidity)
	assert.Equal(t, "env-device", cfg.TPMConfig().RegistrationID)
}

func TestLoadFlagsWin(t *testing.T) {
	path := writeConfig(t, `
provisioning:
  id_scope: 0ne00000001
  registration_id: from-file
attestation:
  type: tpm
`)
	t.Setenv("DPS_PROVISIONING_REGISTRATION_ID", "from-env")

	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags.String("registration-id", "", "")
	flags.String("id-scope", "", "")
	require.NoError(t, flags.Parse([]string{"--registration-id", "from-flag"}))

	cfg, err := LoadWithOptions(Options{
		Path: path,
		Flags: map[string]*pflag.Flag{
			"provisioning.registration_id": flags.Lookup("registration-id"),
			"provisioning.id_scope":        flags.Lookup("id-scope"),
			"provisioning.payload_file":    nil,
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "from-flag", cfg.Provisioning.RegistrationID)
	// An unset flag leaves the file value alone
	assert.Equal(t, "0ne00000001", cfg.Provisioning.IDScope)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		cfg := Default()
		cfg.Provisioning.IDScope = "0ne00000001"
		return cfg
	}

	tests := []struct {
		name   string
		mutate func(*Config)
		ok     bool
	}{
		{"defaults with scope", func(*Config) {}, true},
		{"missing scope", func(c *Config) { c.Provisioning.IDScope = "" }, false},
		{"bad host", func(c *Config) { c.Provisioning.Host = "not a host" }, false},
		{"unknown transport", func(c *Config) { c.Provisioning.Transport = "mqtt" }, false},
		{"zero polling interval", func(c *Config) { c.Provisioning.PollingInterval = 0 }, false},
		{"unknown attestation", func(c *Config) { c.Attestation.Type = "password" }, false},
		{"margin not below validity", func(c *Config) { c.Auth.RenewalMargin = c.Auth.TokenValidity }, false},
		{"bad log level", func(c *Config) { c.Logging.Level = "trace" }, false},
		{"bad metrics address", func(c *Config) { c.Metrics.Address = "nope" }, false},
		{"metrics enabled without address", func(c *Config) {
			c.Metrics.Enabled = true
			c.Metrics.Address = ""
		}, false},
		{"tpm handle outside persistent range", func(c *Config) { c.Attestation.TPM.SRKHandle = 0x80000001 }, false},
		{"x509 without files", func(c *Config) {
			c.Attestation.Type = AttestationX509
			c.Provisioning.RegistrationID = "dev1"
		}, false},
		{"x509 complete", func(c *Config) {
			c.Attestation.Type = AttestationX509
			c.Attestation.X509 = X509Config{CertFile: "c.pem", KeyFile: "k.pem"}
			c.Provisioning.RegistrationID = "dev1"
		}, true},
		{"symmetric key without registration id", func(c *Config) {
			c.Attestation.Type = AttestationSymmetricKey
			c.Attestation.SymmetricKey.Key = "a2V5"
		}, false},
		{"symmetric key not base64", func(c *Config) {
			c.Attestation.Type = AttestationSymmetricKey
			c.Attestation.SymmetricKey.Key = "not base64!"
			c.Provisioning.RegistrationID = "dev1"
		}, false},
		{"symmetric key complete", func(c *Config) {
			c.Attestation.Type = AttestationSymmetricKey
			c.Attestation.SymmetricKey = SymmetricKeyConfig{Key: "a2V5", Group: true}
			c.Provisioning.RegistrationID = "dev1"
		}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrInvalidConfig)
			}
		})
	}
}

func TestYAMLRoundTrip(t *testing.T) {
	cfg := Default()
	cfg.Provisioning.IDScope = "0ne00000001"
	cfg.Provisioning.PollingInterval = 3 * time.Second

	data, err := cfg.YAML()
	require.NoError(t, err)
	assert.Contains(t, string(data), "polling_interval: 3s")

	loaded, err := Load(writeConfig(t, string(data)))
	require.NoError(t, err)
	assert.Equal(t, cfg, loaded)
}

func TestPayload(t *testing.T) {
	cfg := Default()
	payload, err := cfg.Payload()
	require.NoError(t, err)
	assert.Nil(t, payload)

	dir := t.TempDir()
	cfg.Provisioning.PayloadFile = filepath.Join(dir, "payload.json")
	require.NoError(t, os.WriteFile(cfg.Provisioning.PayloadFile, []byte(`{"modelId":"dtmi:x;1"}`), 0o600))
	payload, err = cfg.Payload()
	require.NoError(t, err)
	assert.JSONEq(t, `{"modelId":"dtmi:x;1"}`, string(payload))

	require.NoError(t, os.WriteFile(cfg.Provisioning.PayloadFile, []byte(`{"modelId"`), 0o600))
	_, err = cfg.Payload()
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestLoadTLSConfig(t *testing.T) {
	tlsConfig, err := (&TLSConfig{}).LoadTLSConfig()
	require.NoError(t, err)
	assert.Nil(t, tlsConfig.RootCAs)

	ca, err := testutil.GenerateTestCA()
	require.NoError(t, err)
	caFile := filepath.Join(t.TempDir(), "ca.pem")
	require.NoError(t, os.WriteFile(caFile, ca.CertPEM, 0o644))

	tlsConfig, err = (&TLSConfig{CAFile: caFile, MinVersion: "TLS1.3"}).LoadTLSConfig()
	require.NoError(t, err)
	assert.NotNil(t, tlsConfig.RootCAs)
	assert.Equal(t, uint16(0x0304), tlsConfig.MinVersion)

	bad := filepath.Join(t.TempDir(), "bad.pem")
	require.NoError(t, os.WriteFile(bad, []byte("garbage"), 0o644))
	_, err = (&TLSConfig{CAFile: bad}).LoadTLSConfig()
	assert.Error(t, err)
}

func TestLoadCertificate(t *testing.T) {
	ca, err := testutil.GenerateTestCA()
	require.NoError(t, err)
	device, err := testutil.GenerateDeviceCert(ca, "dev1")
	require.NoError(t, err)
	certFile, keyFile, err := device.WriteFiles(t.TempDir())
	require.NoError(t, err)

	cert, err := (&X509Config{CertFile: certFile, KeyFile: keyFile}).LoadCertificate()
	require.NoError(t, err)
	require.Len(t, cert.Certificate, 1)

	_, err = (&X509Config{CertFile: certFile, KeyFile: certFile}).LoadCertificate()
	assert.Error(t, err)
}
