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

package provisioning

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jeremyhahn/go-dps/pkg/logging"
	"github.com/jeremyhahn/go-dps/pkg/sas"
	"github.com/jeremyhahn/go-dps/pkg/types"
)

const (
	// DefaultRegistrationTokenValidity is the lifetime of the SAS token
	// presented during TPM attestation.
	DefaultRegistrationTokenValidity = time.Hour

	registrationKeyName = "registration"
)

// SecurityDevice is the TPM side of attestation. tpm2.SecurityClient is
// the production implementation.
type SecurityDevice interface {
	GetEndorsementKey() ([]byte, error)
	GetStorageRootKey() ([]byte, error)
	GetRegistrationID() (string, error)
	ActivateIdentityKey(blob []byte) error
	SignWithIdentity(data []byte) ([]byte, error)
}

// TPMTransport is the part of Transport used for TPM attestation.
type TPMTransport interface {
	Registrar
	SetTPMInformation(ek, srk []byte) error
	GetAuthenticationChallenge(ctx context.Context, req *RegistrationRequest) ([]byte, error)
	RespondToAuthenticationChallenge(ctx context.Context, req *RegistrationRequest, sasToken string) (*RegistrationResult, time.Duration, error)
	Cancel(ctx context.Context) error
}

// TPMRegistrationParams configures a TPMRegistration.
type TPMRegistrationParams struct {
	Transport     TPMTransport
	Device        SecurityDevice
	Logger        *logging.Logger
	TokenValidity time.Duration
	ClientParams  ClientParams
}

// TPMRegistration provisions a device attested by its TPM.
type TPMRegistration struct {
	transport     TPMTransport
	device        SecurityDevice
	logger        *logging.Logger
	tokenValidity time.Duration
	client        *Client
}

// NewTPMRegistration wires a transport and a security device.
func NewTPMRegistration(params *TPMRegistrationParams) (*TPMRegistration, error) {
	if params == nil || params.Transport == nil || params.Device == nil {
		return nil, errors.New("provisioning: transport and security device are required")
	}
	logger := params.Logger
	if logger == nil {
		logger = logging.DefaultLogger()
	}
	clientParams := params.ClientParams
	clientParams.Registrar = params.Transport
	if clientParams.Logger == nil {
		clientParams.Logger = logger
	}
	client, err := NewClient(&clientParams)
	if err != nil {
		return nil, err
	}
	validity := params.TokenValidity
	if validity <= 0 {
		validity = DefaultRegistrationTokenValidity
	}
	return &TPMRegistration{
		transport:     params.Transport,
		device:        params.Device,
		logger:        logger.With(slog.String("component", "tpm-registration")),
		tokenValidity: validity,
		client:        client,
	}, nil
}

// Register runs the TPM attestation flow and polls until the registration
// is terminal. An empty RegistrationID is derived from the endorsement key.
func (r *TPMRegistration) Register(ctx context.Context, req *RegistrationRequest) (*DeviceRegistrationResult, error) {
	if req == nil {
		return nil, fmt.Errorf("%w: nil registration request", types.ErrInvalidArgument)
	}
	request := *req
	if request.RegistrationID == "" {
		id, err := r.device.GetRegistrationID()
		if err != nil {
			return nil, err
		}
		request.RegistrationID = id
	}
	if err := request.Validate(); err != nil {
		return nil, err
	}

	ek, err := r.device.GetEndorsementKey()
	if err != nil {
		return nil, err
	}
	srk, err := r.device.GetStorageRootKey()
	if err != nil {
		return nil, err
	}
	if err := r.transport.SetTPMInformation(ek, srk); err != nil {
		return nil, err
	}

	logger := r.logger.With(slog.String("registration_id", request.RegistrationID))
	logger.Debug("provisioning: requesting authentication challenge")
	challenge, err := r.transport.GetAuthenticationChallenge(ctx, &request)
	if err != nil {
		return nil, err
	}
	token, err := r.sign(ctx, &request, challenge)
	if err != nil {
		// Abandon the SASL exchange waiting for the token
		if cancelErr := r.transport.Cancel(ctx); cancelErr != nil {
			logger.Warn("provisioning: cancel after attestation failure", slog.String("error", cancelErr.Error()))
		}
		return nil, err
	}

	logger.Debug("provisioning: responding to authentication challenge")
	result, retry, err := r.transport.RespondToAuthenticationChallenge(ctx, &request, token.String())
	if err != nil {
		return nil, err
	}
	return r.client.Await(ctx, &request, result, retry)
}

// sign activates the identity key from the challenge and mints the
// registration SAS token with it.
func (r *TPMRegistration) sign(ctx context.Context, req *RegistrationRequest, challenge []byte) (*sas.SharedAccessSignature, error) {
	if err := r.device.ActivateIdentityKey(challenge); err != nil {
		return nil, err
	}
	return sas.CreateWithSigningFunction(ctx, req.LinkAddress(), registrationKeyName,
		sas.ExpiryAfter(r.tokenValidity),
		func(_ context.Context, data []byte) ([]byte, error) {
			return r.device.SignWithIdentity(data)
		})
}
