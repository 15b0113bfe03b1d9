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
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{
			name:   "defaults",
			modify: func(c *Config) {},
		},
		{
			name: "simulator without device",
			modify: func(c *Config) {
				c.UseSimulator = true
				c.DevicePath = ""
			},
		},
		{
			name:    "missing device",
			modify:  func(c *Config) { c.DevicePath = "" },
			wantErr: true,
		},
		{
			name:    "transient identity handle",
			modify:  func(c *Config) { c.IdentityKeyHandle = 0x80000001 },
			wantErr: true,
		},
		{
			name:    "duplicate handles",
			modify:  func(c *Config) { c.SRKHandle = c.EKHandle },
			wantErr: true,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			config := DefaultConfig()
			tc.modify(config)
			err := config.Validate()
			if tc.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestConfigApplyDefaults(t *testing.T) {
	config := &Config{}
	config.applyDefaults()
	assert.Equal(t, DefaultConfig(), config)
}

func TestIsPersistentHandle(t *testing.T) {
	assert.True(t, IsPersistentHandle(0x81000000))
	assert.True(t, IsPersistentHandle(DefaultEKHandle))
	assert.True(t, IsPersistentHandle(0x81FFFFFF))
	assert.False(t, IsPersistentHandle(0x80000000))
	assert.False(t, IsPersistentHandle(0x82000000))
}
