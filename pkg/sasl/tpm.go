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

// Package sasl implements the "TPM" SASL mechanism used by the provisioning
// service for TPM attestation.
//
// The exchange runs as follows:
//
//	init:      0x00 | idScope | 0x00 | registrationId | 0x00 | EK
//	challenge: 1 byte                    -> response 0x00 | SRK
//	challenge: 0x80|n | fragment         -> response 0x00
//	challenge: 0xC0|n | last fragment    -> response 0x00 | SAS token
//
// The reassembled fragments are the encrypted identity key the device must
// activate before it can sign the SAS token.
package sasl

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// MechanismName is the SASL mechanism advertised by the service.
const MechanismName = "TPM"

const (
	controlFinal        byte = 0xC0
	controlContinuation byte = 0x80
)

var (
	ErrUnknownControlByte  = errors.New("sasl: unknown control byte value")
	ErrUnexpectedChallenge = errors.New("sasl: unexpected challenge")
	ErrMissingTokenFunc    = errors.New("sasl: token callback is required")
)

// TokenFunc receives the reassembled challenge and returns the SAS token
// sent back to the service. It is called exactly once per exchange.
type TokenFunc func(ctx context.Context, challenge []byte) (string, error)

type state int

const (
	stateInitial state = iota
	stateAwaitingInitialChallenge
	stateAccumulatingFragments
	stateComplete
	stateFailed
)

func (s state) String() string {
	switch s {
	case stateInitial:
		return "initial"
	case stateAwaitingInitialChallenge:
		return "awaiting initial challenge"
	case stateAccumulatingFragments:
		return "accumulating fragments"
	case stateComplete:
		return "complete"
	default:
		return "failed"
	}
}

// TPMMechanism is a single use SASL client for TPM attestation.
type TPMMechanism struct {
	mu             sync.Mutex
	idScope        string
	registrationID string
	endorsementKey []byte
	storageRootKey []byte
	tokenFunc      TokenFunc
	state          state
	challenge      []byte
}

// NewTPMMechanism returns a mechanism for one registration attempt. ek and
// srk are the TPM2B_PUBLIC encodings of the endorsement and storage root keys.
func NewTPMMechanism(idScope, registrationID string, ek, srk []byte, tokenFunc TokenFunc) (*TPMMechanism, error) {
	if idScope == "" || registrationID == "" {
		return nil, errors.New("sasl: id scope and registration id are required")
	}
	if len(ek) == 0 || len(srk) == 0 {
		return nil, errors.New("sasl: endorsement and storage root keys are required")
	}
	if tokenFunc == nil {
		return nil, ErrMissingTokenFunc
	}
	return &TPMMechanism{
		idScope:        idScope,
		registrationID: registrationID,
		endorsementKey: ek,
		storageRootKey: srk,
		tokenFunc:      tokenFunc,
	}, nil
}

// Name returns "TPM".
func (m *TPMMechanism) Name() string {
	return MechanismName
}

// Hostname is the sasl-init hostname: <idScope>/registrations/<registrationId>.
func (m *TPMMechanism) Hostname() string {
	return m.idScope + "/registrations/" + m.registrationID
}

// Start returns the initial response carried by sasl-init.
func (m *TPMMechanism) Start() ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != stateInitial {
		return nil, fmt.Errorf("%w: start called in state %s", ErrUnexpectedChallenge, m.state)
	}
	out := make([]byte, 0, 3+len(m.idScope)+len(m.registrationID)+len(m.endorsementKey))
	out = append(out, 0x00)
	out = append(out, m.idScope...)
	out = append(out, 0x00)
	out = append(out, m.registrationID...)
	out = append(out, 0x00)
	out = append(out, m.endorsementKey...)
	m.state = stateAwaitingInitialChallenge
	return out, nil
}

// Step answers one sasl-challenge. The mechanism fails permanently on the
// first error.
func (m *TPMMechanism) Step(ctx context.Context, challenge []byte) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch m.state {
	case stateAwaitingInitialChallenge:
		if len(challenge) != 1 {
			return nil, m.failf("%w: expected 1 byte initial challenge, got %d bytes",
				ErrUnexpectedChallenge, len(challenge))
		}
		m.state = stateAccumulatingFragments
		return append([]byte{0x00}, m.storageRootKey...), nil

	case stateAccumulatingFragments:
		if len(challenge) == 0 {
			return nil, m.failf("%w: empty challenge", ErrUnexpectedChallenge)
		}
		control := challenge[0]
		switch {
		case control&controlFinal == controlFinal:
			m.challenge = append(m.challenge, challenge[1:]...)
			assembled := m.challenge
			m.challenge = nil
			token, err := m.tokenFunc(ctx, assembled)
			if err != nil {
				m.state = stateFailed
				return nil, err
			}
			m.state = stateComplete
			return append([]byte{0x00}, token...), nil
		case control&controlContinuation == controlContinuation:
			m.challenge = append(m.challenge, challenge[1:]...)
			return []byte{0x00}, nil
		default:
			return nil, m.failf("%w: 0x%02x", ErrUnknownControlByte, control)
		}

	default:
		return nil, m.failf("%w: challenge received in state %s", ErrUnexpectedChallenge, m.state)
	}
}

// Complete reports whether the SAS token has been produced.
func (m *TPMMechanism) Complete() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state == stateComplete
}

func (m *TPMMechanism) failf(format string, args ...any) error {
	m.state = stateFailed
	m.challenge = nil
	return fmt.Errorf(format, args...)
}
