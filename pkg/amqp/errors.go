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

package amqp

import (
	"errors"
	"fmt"

	goamqp "github.com/Azure/go-amqp"
	"github.com/jeremyhahn/go-dps/pkg/types"
)

// AMQP error conditions returned by the provisioning service.
const (
	ConditionInternalError             = "amqp:internal-error"
	ConditionNotFound                  = "amqp:not-found"
	ConditionUnauthorizedAccess        = "amqp:unauthorized-access"
	ConditionResourceLimitExceeded     = "amqp:resource-limit-exceeded"
	ConditionNotImplemented            = "amqp:not-implemented"
	ConditionNotAllowed                = "amqp:not-allowed"
	ConditionMessageSizeExceeded       = "amqp:link:message-size-exceeded"
	ConditionDeviceContainerThrottled  = "com.microsoft:device-container-throttled"
	ConditionServerBusy                = "com.microsoft:server-busy"
	ConditionTimeout                   = "com.microsoft:timeout"
	ConditionArgumentError             = "com.microsoft:argument-error"
	ConditionArgumentOutOfRange        = "com.microsoft:argument-out-of-range"
	ConditionIoTHubQuotaExceeded       = "com.microsoft:iot-hub-quota-exceeded"
	ConditionConnectionForced          = "amqp:connection:forced"
	ConditionLinkDetachForced          = "amqp:link:detach-forced"
	ConditionUnauthorizedAccessOnTopic = "com.microsoft:unauthorized-access"
)

var conditionErrors = map[string]error{
	ConditionInternalError:             types.ErrInternalServer,
	ConditionDeviceContainerThrottled:  types.ErrThrottling,
	ConditionServerBusy:                types.ErrThrottling,
	ConditionResourceLimitExceeded:     types.ErrQuotaExceeded,
	ConditionUnauthorizedAccess:        types.ErrUnauthorized,
	ConditionUnauthorizedAccessOnTopic: types.ErrUnauthorized,
	ConditionNotFound:                  types.ErrNotFound,
	ConditionTimeout:                   types.ErrServiceUnavailable,
	ConditionMessageSizeExceeded:       types.ErrMessageTooLarge,
	ConditionIoTHubQuotaExceeded:       types.ErrQuotaExceeded,
	ConditionNotImplemented:            types.ErrInvalidOperation,
	ConditionNotAllowed:                types.ErrInvalidOperation,
	ConditionArgumentError:             types.ErrInvalidArgument,
	ConditionArgumentOutOfRange:        types.ErrInvalidArgument,
}

// Error is an AMQP error carried by a rejected delivery, a detach or a
// close performative.
type Error struct {
	Condition   string
	Description string
}

func (e *Error) Error() string {
	if e.Description == "" {
		return "amqp: " + e.Condition
	}
	return fmt.Sprintf("amqp: %s: %s", e.Condition, e.Description)
}

// TranslateError maps err onto the shared error taxonomy by its AMQP
// condition. Errors without a known condition become types.ErrConnection.
// The original error stays in the chain.
func TranslateError(err error) error {
	if err == nil {
		return nil
	}
	for _, sentinel := range []error{
		types.ErrConnection, types.ErrInternalServer, types.ErrThrottling,
		types.ErrUnauthorized, types.ErrNotFound, types.ErrServiceUnavailable,
		types.ErrMessageTooLarge, types.ErrQuotaExceeded, types.ErrInvalidOperation,
		types.ErrInvalidArgument, types.ErrOperationCancelled,
	} {
		if errors.Is(err, sentinel) {
			return err
		}
	}
	condition, description := conditionOf(err)
	if sentinel, ok := conditionErrors[condition]; ok {
		if description != "" {
			return fmt.Errorf("%w: %s: %w", sentinel, description, err)
		}
		return fmt.Errorf("%w: %w", sentinel, err)
	}
	return fmt.Errorf("%w: %w", types.ErrConnection, err)
}

// conditionOf extracts the AMQP condition from our Error or any of the
// go-amqp error types.
func conditionOf(err error) (string, string) {
	var own *Error
	if errors.As(err, &own) {
		return own.Condition, own.Description
	}
	var amqpErr *goamqp.Error
	if errors.As(err, &amqpErr) {
		return string(amqpErr.Condition), amqpErr.Description
	}
	var linkErr *goamqp.LinkError
	if errors.As(err, &linkErr) && linkErr.RemoteErr != nil {
		return string(linkErr.RemoteErr.Condition), linkErr.RemoteErr.Description
	}
	var sessionErr *goamqp.SessionError
	if errors.As(err, &sessionErr) && sessionErr.RemoteErr != nil {
		return string(sessionErr.RemoteErr.Condition), sessionErr.RemoteErr.Description
	}
	var connErr *goamqp.ConnError
	if errors.As(err, &connErr) && connErr.RemoteErr != nil {
		return string(connErr.RemoteErr.Condition), connErr.RemoteErr.Description
	}
	return "", ""
}
