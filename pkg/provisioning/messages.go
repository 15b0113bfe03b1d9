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
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jeremyhahn/go-dps/pkg/amqp"
	"github.com/jeremyhahn/go-dps/pkg/correlation"
	"github.com/jeremyhahn/go-dps/pkg/types"
)

const (
	// APIVersion is the provisioning service API version sent on every link
	APIVersion = "2019-03-31"

	// ClientName prefixes the client version link property
	ClientName = "go-dps"

	PropertyAPIVersion        = "com.microsoft:api-version"
	PropertyClientVersion     = "com.microsoft:client-version"
	PropertyOperationType     = "iotdps-operation-type"
	PropertyForceRegistration = "iotdps-forceRegistration"
	PropertyOperationID       = "iotdps-operation-id"
	PropertyRetryAfter        = "retry-after"

	OperationTypeRegister = "iotdps-register"
	OperationTypeStatus   = "iotdps-get-operationstatus"
)

// Version is reported in the client version link property. It is set at
// build time with -ldflags "-X github.com/jeremyhahn/go-dps/pkg/provisioning.Version=x.y.z".
var Version = "dev"

var ErrMalformedResponse = errors.New("provisioning: malformed response")

// ServiceError is an error body returned in place of a registration result.
type ServiceError struct {
	ErrorCode  int    `json:"errorCode"`
	TrackingID string `json:"trackingId"`
	Message    string `json:"message"`
}

func (e *ServiceError) Error() string {
	return fmt.Sprintf("provisioning: service error %d: %s (tracking id %s)", e.ErrorCode, e.Message, e.TrackingID)
}

// Unwrap classifies the error by the HTTP status embedded in the first
// three digits of the error code.
func (e *ServiceError) Unwrap() error {
	status := e.ErrorCode
	for status >= 1000 {
		status /= 10
	}
	switch {
	case status == 401 || status == 403:
		return types.ErrUnauthorized
	case status == 404:
		return types.ErrNotFound
	case status == 412 || status == 429:
		return types.ErrThrottling
	case status >= 500:
		return types.ErrInternalServer
	case status >= 400:
		return types.ErrInvalidArgument
	default:
		return types.ErrConnection
	}
}

// tpmAttestation is the TPM section of the register body.
type tpmAttestation struct {
	EndorsementKey string `json:"endorsementKey"`
	StorageRootKey string `json:"storageRootKey"`
}

type registerBody struct {
	RegistrationID string          `json:"registrationId"`
	TPM            *tpmAttestation `json:"tpm,omitempty"`
	Payload        json.RawMessage `json:"payload,omitempty"`
}

// linkProperties are sent on both links.
func linkProperties() map[string]any {
	return map[string]any{
		PropertyAPIVersion:    APIVersion,
		PropertyClientVersion: ClientName + "/" + Version,
	}
}

// newRegisterMessage builds a register request. ek and srk are included
// only for TPM attestation.
func newRegisterMessage(correlationID string, req *RegistrationRequest, ek, srk []byte) (*amqp.Message, error) {
	body := registerBody{
		RegistrationID: req.RegistrationID,
		Payload:        req.Payload,
	}
	if len(ek) > 0 {
		body.TPM = &tpmAttestation{
			EndorsementKey: base64.StdEncoding.EncodeToString(ek),
			StorageRootKey: base64.StdEncoding.EncodeToString(srk),
		}
	}
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", types.ErrInvalidArgument, err)
	}
	msg := amqp.NewMessage(data)
	msg.CorrelationID = correlationID
	msg.ApplicationProperties[PropertyOperationType] = OperationTypeRegister
	msg.ApplicationProperties[PropertyForceRegistration] = strconv.FormatBool(req.ForceRegistration)
	return msg, nil
}

// newStatusMessage builds an operation status query.
func newStatusMessage(correlationID, operationID string) *amqp.Message {
	msg := amqp.NewMessage(nil)
	msg.CorrelationID = correlationID
	msg.ApplicationProperties[PropertyOperationType] = OperationTypeStatus
	msg.ApplicationProperties[PropertyOperationID] = operationID
	return msg
}

// responseBody accepts both a registration result and an error body.
type responseBody struct {
	RegistrationResult
	ServiceError
}

// parseResponse decodes a response and its advisory retry interval.
func parseResponse(msg *amqp.Message, fallback time.Duration) (*RegistrationResult, time.Duration, error) {
	retry := retryAfter(msg.ApplicationProperties, fallback)
	if len(msg.Data) == 0 {
		return nil, retry, fmt.Errorf("%w: empty body", ErrMalformedResponse)
	}
	var body responseBody
	if err := json.Unmarshal(msg.Data, &body); err != nil {
		return nil, retry, fmt.Errorf("%w: %w", ErrMalformedResponse, err)
	}
	if body.Status == "" {
		if body.ErrorCode != 0 {
			serviceErr := body.ServiceError
			return nil, retry, &serviceErr
		}
		return nil, retry, fmt.Errorf("%w: missing status", ErrMalformedResponse)
	}
	result := body.RegistrationResult
	return &result, retry, nil
}

// retryAfter reads the retry-after application property in seconds.
// Missing, malformed or non-positive values fall back.
func retryAfter(properties map[string]any, fallback time.Duration) time.Duration {
	var seconds int64
	switch v := properties[PropertyRetryAfter].(type) {
	case string:
		n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		if err != nil {
			return fallback
		}
		seconds = n
	case int:
		seconds = int64(v)
	case int32:
		seconds = int64(v)
	case int64:
		seconds = v
	case uint32:
		seconds = int64(v)
	case uint64:
		seconds = int64(v)
	default:
		return fallback
	}
	if seconds <= 0 {
		return fallback
	}
	return time.Duration(seconds) * time.Second
}

// correlationOf returns the normalized correlation id of a response.
func correlationOf(msg *amqp.Message) (string, bool) {
	return correlation.Normalize(msg.CorrelationID)
}
