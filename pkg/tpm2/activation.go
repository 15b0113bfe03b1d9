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
	"encoding/binary"
	"errors"
	"fmt"
)

var ErrInvalidActivationBlob = errors.New("tpm: invalid activation blob")

// ActivationBlob is the authentication key returned by the provisioning
// service during TPM attestation. On the wire it is five consecutive
// TPM2B structures, each a big endian UINT16 size followed by its contents,
// optionally followed by a sixth TPM2B_DATA carrying encrypted URI data.
type ActivationBlob struct {
	// CredentialBlob is the TPM2B_ID_OBJECT produced by MakeCredential
	CredentialBlob []byte
	// EncryptedSecret is the seed encrypted to the endorsement key
	EncryptedSecret []byte
	// IDKeyDuplicate is the TPM2B_PRIVATE of the duplicated identity key
	IDKeyDuplicate []byte
	// EncryptedWrapKey is the outer wrapper seed encrypted to the storage root key
	EncryptedWrapKey []byte
	// IDKeyPublic is the TPMT_PUBLIC of the identity key
	IDKeyPublic []byte
	// EncURIData is the optional trailing TPM2B_DATA. It is not used for
	// activation. Nil when the service omitted it.
	EncURIData []byte
}

// ParseActivationBlob splits blob into its five buffers and the optional
// encrypted URI data. Bytes after the last TPM2B are rejected.
func ParseActivationBlob(blob []byte) (*ActivationBlob, error) {
	var parsed ActivationBlob
	fields := []struct {
		name string
		dst  *[]byte
	}{
		{"credential blob", &parsed.CredentialBlob},
		{"encrypted secret", &parsed.EncryptedSecret},
		{"identity key duplicate", &parsed.IDKeyDuplicate},
		{"encrypted wrap key", &parsed.EncryptedWrapKey},
		{"identity key public", &parsed.IDKeyPublic},
	}
	rest := blob
	var err error
	for _, field := range fields {
		if *field.dst, rest, err = readTPM2B(rest, field.name); err != nil {
			return nil, err
		}
	}
	if len(rest) != 0 {
		if parsed.EncURIData, rest, err = readTPM2B(rest, "encrypted uri data"); err != nil {
			return nil, err
		}
	}
	if len(rest) != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrInvalidActivationBlob, len(rest))
	}
	if len(parsed.CredentialBlob) == 0 || len(parsed.IDKeyPublic) == 0 {
		return nil, fmt.Errorf("%w: empty credential or public area", ErrInvalidActivationBlob)
	}
	return &parsed, nil
}

func readTPM2B(b []byte, name string) (field, rest []byte, err error) {
	if len(b) < 2 {
		return nil, nil, fmt.Errorf("%w: truncated %s size", ErrInvalidActivationBlob, name)
	}
	size := int(binary.BigEndian.Uint16(b))
	b = b[2:]
	if len(b) < size {
		return nil, nil, fmt.Errorf("%w: %s needs %d bytes, %d remain",
			ErrInvalidActivationBlob, name, size, len(b))
	}
	return b[:size:size], b[size:], nil
}

// Marshal encodes the blob in the wire format accepted by ParseActivationBlob.
func (b *ActivationBlob) Marshal() []byte {
	var out []byte
	for _, field := range [][]byte{
		b.CredentialBlob,
		b.EncryptedSecret,
		b.IDKeyDuplicate,
		b.EncryptedWrapKey,
		b.IDKeyPublic,
	} {
		out = appendTPM2B(out, field)
	}
	if b.EncURIData != nil {
		out = appendTPM2B(out, b.EncURIData)
	}
	return out
}

func appendTPM2B(out, field []byte) []byte {
	out = binary.BigEndian.AppendUint16(out, uint16(len(field)))
	return append(out, field...)
}
