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

// Package tpm2 is the TPM side of device provisioning.
//
// # Overview
//
// SecurityClient owns three persistent keys:
//
//	Endorsement Key (EK)  0x81010001  Endorsement hierarchy, TCG RSA template
//	Storage Root Key      0x81000001  Owner hierarchy, TCG RSA SRK template
//	Identity Key          0x81000100  HMAC key imported during activation
//
// The EK and SRK are created and persisted on first use when missing. Their
// public areas, encoded as TPM2B_PUBLIC, are what the provisioning service
// uses to build the activation blob for the identity key.
//
// # Activation
//
// ActivateIdentityKey takes the blob decoded from the service challenge:
//
//	credentialBlob | encryptedSecret | idKeyDuplicationBlob | encryptedWrapKey | idKeyPublic
//
// each prefixed with a big-endian UINT16 size, optionally followed by an
// encrypted URI data TPM2B that is parsed and ignored. ActivateCredential
// under an Endorsement policy session recovers the inner wrap key, the
// identity key is imported under the SRK with it and evicted to its
// persistent handle.
// SignWithIdentity then computes HMACs with that key, in one command or as
// an HMAC sequence for data larger than the TPM input buffer.
//
// # Command channel
//
// All TPM traffic goes through CommandChannel. OpenChannel opens a character
// device, a swtpm unix socket (paths ending in .sock) or the embedded
// go-tpm-tools simulator:
//
//	client, err := tpm2.NewSecurityClient(&tpm2.Params{
//	    Config: &tpm2.Config{UseSimulator: true},
//	})
//	ek, err := client.GetEndorsementKey()
//	id, err := client.GetRegistrationID()
//
// The simulator is only compiled with the tpm_simulator build tag:
//
//	go test -tags tpm_simulator ./pkg/tpm2/...
//
// # Failure handling
//
// TPM errors are never retried. Any failure closes the channel, wraps
// types.ErrSecurityDevice and leaves previously cached keys intact; the next
// call reconnects.
package tpm2
