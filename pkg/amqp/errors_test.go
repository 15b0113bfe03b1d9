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
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	goamqp "github.com/Azure/go-amqp"
	"github.com/jeremyhahn/go-dps/pkg/types"
	"github.com/stretchr/testify/assert"
)

func TestTranslateErrorConditions(t *testing.T) {
	tests := []struct {
		condition string
		want      error
	}{
		{ConditionInternalError, types.ErrInternalServer},
		{ConditionDeviceContainerThrottled, types.ErrThrottling},
		{ConditionServerBusy, types.ErrThrottling},
		{ConditionResourceLimitExceeded, types.ErrQuotaExceeded},
		{ConditionUnauthorizedAccess, types.ErrUnauthorized},
		{ConditionNotFound, types.ErrNotFound},
		{ConditionTimeout, types.ErrServiceUnavailable},
		{ConditionMessageSizeExceeded, types.ErrMessageTooLarge},
		{ConditionIoTHubQuotaExceeded, types.ErrQuotaExceeded},
		{ConditionNotImplemented, types.ErrInvalidOperation},
		{ConditionNotAllowed, types.ErrInvalidOperation},
		{ConditionArgumentError, types.ErrInvalidArgument},
		{ConditionArgumentOutOfRange, types.ErrInvalidArgument},
		{ConditionConnectionForced, types.ErrConnection},
		{"com.example:unknown", types.ErrConnection},
	}
	for _, tt := range tests {
		t.Run(tt.condition, func(t *testing.T) {
			cause := &Error{Condition: tt.condition, Description: "boom"}
			err := TranslateError(cause)
			assert.ErrorIs(t, err, tt.want)

			var own *Error
			assert.True(t, errors.As(err, &own))
		})
	}
}

func TestTranslateGoAMQPErrors(t *testing.T) {
	remote := &goamqp.Error{Condition: goamqp.ErrCond(ConditionServerBusy), Description: "busy"}

	assert.ErrorIs(t, TranslateError(remote), types.ErrThrottling)
	assert.ErrorIs(t, TranslateError(&goamqp.LinkError{RemoteErr: remote}), types.ErrThrottling)
	assert.ErrorIs(t, TranslateError(&goamqp.SessionError{RemoteErr: remote}), types.ErrThrottling)
	assert.ErrorIs(t, TranslateError(&goamqp.ConnError{RemoteErr: remote}), types.ErrThrottling)

	// A locally closed link carries no remote condition
	err := TranslateError(&goamqp.LinkError{})
	assert.ErrorIs(t, err, types.ErrConnection)
	assert.False(t, types.IsRetryable(err))
}

func TestTranslateErrorPassthrough(t *testing.T) {
	assert.Nil(t, TranslateError(nil))

	already := fmt.Errorf("%w: detached", types.ErrUnauthorized)
	assert.Same(t, already, TranslateError(already))

	plain := errors.New("eof")
	err := TranslateError(plain)
	assert.ErrorIs(t, err, types.ErrConnection)
	assert.ErrorIs(t, err, plain)
}

func TestErrorString(t *testing.T) {
	assert.Equal(t, "amqp: amqp:not-found", (&Error{Condition: ConditionNotFound}).Error())
	assert.Equal(t, "amqp: amqp:not-found: gone",
		(&Error{Condition: ConditionNotFound, Description: "gone"}).Error())
}

func TestResourceLimitExceededIsNotRetryable(t *testing.T) {
	err := TranslateError(&Error{Condition: ConditionResourceLimitExceeded})
	assert.ErrorIs(t, err, types.ErrQuotaExceeded)
	assert.False(t, types.IsRetryable(err))
}

func TestCloseLinkReturnsErrors(t *testing.T) {
	detachErr := &goamqp.LinkError{RemoteErr: &goamqp.Error{Condition: ConditionLinkDetachForced}}

	t.Run("graceful", func(t *testing.T) {
		err := closeLink(context.Background(), nil, func(context.Context) error { return detachErr })
		assert.ErrorIs(t, err, types.ErrConnection)
	})

	t.Run("forced", func(t *testing.T) {
		var deadline time.Time
		err := closeLink(context.Background(), errors.New("link lost"), func(ctx context.Context) error {
			deadline, _ = ctx.Deadline()
			return detachErr
		})
		assert.ErrorIs(t, err, types.ErrConnection)
		assert.WithinDuration(t, time.Now().Add(forcedDetachTimeout), deadline, forcedDetachTimeout)
	})

	t.Run("forced success", func(t *testing.T) {
		err := closeLink(context.Background(), errors.New("link lost"), func(context.Context) error { return nil })
		assert.NoError(t, err)
	})
}
