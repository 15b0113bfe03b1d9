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
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
)

// TLSConfig controls how the provisioning endpoint is verified
type TLSConfig struct {
	// CAFile adds trusted roots, for example a private gateway's CA.
	// The system pool is used when empty.
	CAFile     string `yaml:"ca_file" mapstructure:"ca_file"`
	MinVersion string `yaml:"min_version" mapstructure:"min_version" validate:"omitempty,oneof=TLS1.2 TLS1.3"`
}

// LoadTLSConfig builds the client tls.Config for the provisioning endpoint
func (cfg *TLSConfig) LoadTLSConfig() (*tls.Config, error) {
	minVersion := uint16(tls.VersionTLS12)
	if cfg.MinVersion != "" {
		minVersion = parseTLSVersion(cfg.MinVersion)
	}
	// #nosec G402 - MinVersion defaults to TLS 1.2
	tlsConfig := &tls.Config{MinVersion: minVersion}

	if cfg.CAFile != "" {
		pool, err := loadCertPool(cfg.CAFile)
		if err != nil {
			return nil, err
		}
		tlsConfig.RootCAs = pool
	}
	return tlsConfig, nil
}

// LoadCertificate loads the device certificate and key for X.509 attestation
func (cfg *X509Config) LoadCertificate() (*tls.Certificate, error) {
	cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load device certificate: %w", err)
	}
	return &cert, nil
}

// parseTLSVersion converts a string to a tls version constant
func parseTLSVersion(version string) uint16 {
	switch version {
	case "TLS1.3":
		return tls.VersionTLS13
	default:
		return tls.VersionTLS12
	}
}

// loadCertPool loads CA certificates into a copy of the system pool
func loadCertPool(caFile string) (*x509.CertPool, error) {
	pool, err := x509.SystemCertPool()
	if err != nil || pool == nil {
		pool = x509.NewCertPool()
	}
	// #nosec G304 - CA file path from trusted config
	caCert, err := os.ReadFile(caFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read CA file %s: %w", caFile, err)
	}
	if !pool.AppendCertsFromPEM(caCert) {
		return nil, fmt.Errorf("failed to parse CA certificate from %s", caFile)
	}
	return pool, nil
}
