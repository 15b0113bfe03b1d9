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

// Package provisioning implements the AMQP transport of the Device
// Provisioning Service client and the polling loops built on top of it.
//
// Transport is a connection and authentication state machine. It
// connects with an X.509 certificate, a shared access signature or the
// TPM SASL mechanism, attaches one sender and one receiver link, pairs
// every request with its response by correlation id and classifies the
// outcome. Client and TPMRegistration repeat status queries until the
// registration reaches a terminal status.
package provisioning

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/jeremyhahn/go-dps/pkg/types"
)

// Registration statuses reported by the service.
const (
	StatusUnassigned  = "unassigned"
	StatusRegistering = "registering"
	StatusAssigning   = "assigning"
	StatusAssigned    = "assigned"
	StatusFailed      = "failed"
	StatusDisabled    = "disabled"
)

// RegistrationRequest identifies the device being provisioned. It is
// immutable for the duration of an attempt.
type RegistrationRequest struct {
	RegistrationID    string
	IDScope           string
	ProvisioningHost  string
	ForceRegistration bool

	// Payload is optional custom JSON forwarded to the allocation policy.
	Payload json.RawMessage
}

// Validate checks the required fields before any I/O.
func (r *RegistrationRequest) Validate() error {
	if r == nil {
		return fmt.Errorf("%w: nil registration request", types.ErrInvalidArgument)
	}
	switch {
	case strings.TrimSpace(r.RegistrationID) == "":
		return fmt.Errorf("%w: registration id is required", types.ErrInvalidArgument)
	case strings.TrimSpace(r.IDScope) == "":
		return fmt.Errorf("%w: id scope is required", types.ErrInvalidArgument)
	case strings.TrimSpace(r.ProvisioningHost) == "":
		return fmt.Errorf("%w: provisioning host is required", types.ErrInvalidArgument)
	}
	if len(r.Payload) > 0 && !json.Valid(r.Payload) {
		return fmt.Errorf("%w: payload is not valid json", types.ErrInvalidArgument)
	}
	return nil
}

// LinkAddress is the AMQP node both links attach to.
func (r *RegistrationRequest) LinkAddress() string {
	return r.IDScope + "/registrations/" + r.RegistrationID
}

// TPMRegistrationResult carries the encrypted identity key material
// returned for TPM attestation.
type TPMRegistrationResult struct {
	AuthenticationKey string `json:"authenticationKey,omitempty"`
}

// DeviceRegistrationResult is the registration state of a device.
// AssignedHub and DeviceID are set only once assigned; ErrorCode and
// TrackingID only when the registration failed.
type DeviceRegistrationResult struct {
	RegistrationID         string                 `json:"registrationId"`
	CreatedDateTimeUTC     string                 `json:"createdDateTimeUtc,omitempty"`
	AssignedHub            string                 `json:"assignedHub,omitempty"`
	DeviceID               string                 `json:"deviceId,omitempty"`
	Status                 string                 `json:"status,omitempty"`
	Substatus              string                 `json:"substatus,omitempty"`
	ErrorCode              int                    `json:"errorCode,omitempty"`
	ErrorMessage           string                 `json:"errorMessage,omitempty"`
	TrackingID             string                 `json:"trackingId,omitempty"`
	LastUpdatedDateTimeUTC string                 `json:"lastUpdatedDateTimeUtc,omitempty"`
	ETag                   string                 `json:"etag,omitempty"`
	Payload                json.RawMessage        `json:"payload,omitempty"`
	TPM                    *TPMRegistrationResult `json:"tpm,omitempty"`
}

// RegistrationResult is the service response to a registration or a
// status query.
type RegistrationResult struct {
	OperationID       string                    `json:"operationId"`
	Status            string                    `json:"status"`
	RegistrationState *DeviceRegistrationResult `json:"registrationState,omitempty"`
}

// Terminal reports whether polling should stop.
func (r *RegistrationResult) Terminal() bool {
	switch r.Status {
	case StatusAssigned, StatusFailed, StatusDisabled:
		return true
	default:
		return false
	}
}
