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
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jeremyhahn/go-dps/pkg/amqp"
	"github.com/jeremyhahn/go-dps/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRegisterMessage(t *testing.T) {
	req := testRequest()
	req.ForceRegistration = true

	msg, err := newRegisterMessage("cid", req, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "cid", msg.CorrelationID)
	assert.Equal(t, "true", msg.ApplicationProperties[PropertyForceRegistration])
	assert.Equal(t, OperationTypeRegister, msg.ApplicationProperties[PropertyOperationType])
	assert.Equal(t, `{"registrationId":"dev1"}`, string(msg.Data))

	req.ForceRegistration = false
	req.Payload = json.RawMessage(`{"model":"x1"}`)
	msg, err = newRegisterMessage("cid", req, []byte{0x01}, []byte{0x02})
	require.NoError(t, err)
	assert.Equal(t, "false", msg.ApplicationProperties[PropertyForceRegistration])
	assert.JSONEq(t, `{
		"registrationId": "dev1",
		"tpm": {"endorsementKey": "AQ==", "storageRootKey": "Ag=="},
		"payload": {"model": "x1"}
	}`, string(msg.Data))
}

func TestNewStatusMessage(t *testing.T) {
	msg := newStatusMessage("cid", "op1")
	assert.Equal(t, OperationTypeStatus, msg.ApplicationProperties[PropertyOperationType])
	assert.Equal(t, "op1", msg.ApplicationProperties[PropertyOperationID])
	assert.Empty(t, msg.Data)
}

func TestRetryAfter(t *testing.T) {
	fallback := 2 * time.Second
	tests := []struct {
		name  string
		value any
		want  time.Duration
	}{
		{"missing", nil, fallback},
		{"string", "7", 7 * time.Second},
		{"padded string", " 4 ", 4 * time.Second},
		{"malformed", "soon", fallback},
		{"int32", int32(3), 3 * time.Second},
		{"int64", int64(10), 10 * time.Second},
		{"uint32", uint32(1), time.Second},
		{"zero", "0", fallback},
		{"negative", int64(-5), fallback},
		{"float", 1.5, fallback},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			props := map[string]any{}
			if tt.value != nil {
				props[PropertyRetryAfter] = tt.value
			}
			assert.Equal(t, tt.want, retryAfter(props, fallback))
		})
	}
}

func TestParseResponse(t *testing.T) {
	msg := &amqp.Message{Data: []byte(`{
		"operationId": "op1",
		"status": "failed",
		"registrationState": {
			"registrationId": "dev1",
			"status": "failed",
			"errorCode": 400207,
			"errorMessage": "Custom allocation failed",
			"trackingId": "trk"
		}
	}`)}
	result, retry, err := parseResponse(msg, time.Second)
	require.NoError(t, err)
	assert.Equal(t, time.Second, retry)
	assert.Equal(t, StatusFailed, result.Status)
	assert.Equal(t, 400207, result.RegistrationState.ErrorCode)
	assert.Equal(t, "trk", result.RegistrationState.TrackingID)

	_, _, err = parseResponse(&amqp.Message{}, time.Second)
	assert.ErrorIs(t, err, ErrMalformedResponse)

	_, _, err = parseResponse(&amqp.Message{Data: []byte(`{"operationId":"op1"}`)}, time.Second)
	assert.ErrorIs(t, err, ErrMalformedResponse)

	_, _, err = parseResponse(&amqp.Message{Data: []byte(`not json`)}, time.Second)
	assert.ErrorIs(t, err, ErrMalformedResponse)
}

func TestServiceErrorClassification(t *testing.T) {
	tests := []struct {
		code int
		want error
	}{
		{401002, types.ErrUnauthorized},
		{404201, types.ErrNotFound},
		{429001, types.ErrThrottling},
		{500000, types.ErrInternalServer},
		{400004, types.ErrInvalidArgument},
		{0, types.ErrConnection},
	}
	for _, tt := range tests {
		err := &ServiceError{ErrorCode: tt.code}
		assert.ErrorIs(t, err, tt.want, "code %d", tt.code)
	}
	assert.True(t, types.IsRetryable(&ServiceError{ErrorCode: 429001}))
	assert.False(t, types.IsRetryable(&ServiceError{ErrorCode: 401002}))
}

func TestCorrelationOf(t *testing.T) {
	id := uuid.New()
	got, ok := correlationOf(&amqp.Message{CorrelationID: id})
	require.True(t, ok)
	assert.Equal(t, id.String(), got)

	got, ok = correlationOf(&amqp.Message{CorrelationID: id[:]})
	require.True(t, ok)
	assert.Equal(t, id.String(), got)

	_, ok = correlationOf(&amqp.Message{MessageID: id.String()})
	assert.False(t, ok)
}

func TestRegistrationRequestValidate(t *testing.T) {
	tests := []struct {
		name string
		req  *RegistrationRequest
	}{
		{"nil", nil},
		{"no registration id", &RegistrationRequest{IDScope: "s", ProvisioningHost: "h"}},
		{"no scope", &RegistrationRequest{RegistrationID: "r", ProvisioningHost: "h"}},
		{"no host", &RegistrationRequest{RegistrationID: "r", IDScope: "s"}},
		{"bad payload", &RegistrationRequest{RegistrationID: "r", IDScope: "s", ProvisioningHost: "h", Payload: json.RawMessage("{")}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, tt.req.Validate(), types.ErrInvalidArgument)
		})
	}
	assert.NoError(t, testRequest().Validate())
	assert.Equal(t, "0ne00000001/registrations/dev1", testRequest().LinkAddress())
}
