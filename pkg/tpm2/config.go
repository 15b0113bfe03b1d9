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

package tpm2

import (
	"errors"
	"fmt"
)

const (
	// DefaultEKHandle is the persistent handle of the endorsement key
	DefaultEKHandle uint32 = 0x81010001

	// DefaultSRKHandle is the persistent handle of the storage root key
	DefaultSRKHandle uint32 = 0x81000001

	// DefaultIdentityKeyHandle is the persistent handle the activated
	// identity key is evicted to
	DefaultIdentityKeyHandle uint32 = 0x81000100

	// DefaultDevicePath is the kernel TPM resource manager
	DefaultDevicePath = "/dev/tpmrm0"
)

// Config contains the parameters used to open the TPM and locate the
// provisioning keys.
type Config struct {
	// DevicePath specifies the path to the TPM character device.
	// Common values: /dev/tpmrm0 (resource manager), /dev/tpm0 (direct access)
	DevicePath string `json:"device_path" yaml:"device_path" mapstructure:"device_path"`

	// UseSimulator opens the embedded go-tpm-tools simulator instead of
	// DevicePath. Requires the tpm_simulator build tag.
	UseSimulator bool `json:"use_simulator" yaml:"use_simulator" mapstructure:"use_simulator"`

	// EKHandle, SRKHandle and IdentityKeyHandle must be in the persistent
	// handle range: 0x81000000 - 0x81FFFFFF
	EKHandle          uint32 `json:"ek_handle" yaml:"ek_handle" mapstructure:"ek_handle"`
	SRKHandle         uint32 `json:"srk_handle" yaml:"srk_handle" mapstructure:"srk_handle"`
	IdentityKeyHandle uint32 `json:"identity_key_handle" yaml:"identity_key_handle" mapstructure:"identity_key_handle"`

	// RegistrationID overrides the id derived from the endorsement key.
	RegistrationID string `json:"registration_id,omitempty" yaml:"registration_id,omitempty" mapstructure:"registration_id"`
}

// DefaultConfig returns a Config for the kernel resource manager and the
// well known provisioning handles.
func DefaultConfig() *Config {
	return &Config{
		DevicePath:        DefaultDevicePath,
		EKHandle:          DefaultEKHandle,
		SRKHandle:         DefaultSRKHandle,
		IdentityKeyHandle: DefaultIdentityKeyHandle,
	}
}

// applyDefaults fills zero valued handles and the device path.
func (c *Config) applyDefaults() {
	if c.DevicePath == "" {
		c.DevicePath = DefaultDevicePath
	}
	if c.EKHandle == 0 {
		c.EKHandle = DefaultEKHandle
	}
	if c.SRKHandle == 0 {
		c.SRKHandle = DefaultSRKHandle
	}
	if c.IdentityKeyHandle == 0 {
		c.IdentityKeyHandle = DefaultIdentityKeyHandle
	}
}

// Validate checks the configuration for completeness and correctness.
func (c *Config) Validate() error {
	if !c.UseSimulator && c.DevicePath == "" {
		return errors.New("tpm2: DevicePath is required when UseSimulator is false")
	}
	handles := map[string]uint32{
		"EKHandle":          c.EKHandle,
		"SRKHandle":         c.SRKHandle,
		"IdentityKeyHandle": c.IdentityKeyHandle,
	}
	for name, handle := range handles {
		if !IsPersistentHandle(handle) {
			return fmt.Errorf("tpm2: %s must be in persistent range (0x81000000-0x81FFFFFF), got %#x", name, handle)
		}
	}
	if c.EKHandle == c.SRKHandle || c.EKHandle == c.IdentityKeyHandle || c.SRKHandle == c.IdentityKeyHandle {
		return errors.New("tpm2: EK, SRK and identity key handles must be distinct")
	}
	return nil
}

// IsPersistentHandle returns true if the handle is in the TPM persistent handle range.
// TPM 2.0 persistent handles are in the range 0x81000000 to 0x81FFFFFF.
func IsPersistentHandle(handle uint32) bool {
	return handle >= 0x81000000 && handle <= 0x81FFFFFF
}
