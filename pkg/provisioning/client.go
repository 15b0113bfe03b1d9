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
	"golang.org/x/time/rate"
)

var (
	ErrRegistrationFailed   = errors.New("provisioning: registration failed")
	ErrRegistrationDisabled = errors.New("provisioning: registration disabled")
)

// RegistrationError reports a registration that ended in the failed or
// disabled status.
type RegistrationError struct {
	Status     string
	ErrorCode  int
	Message    string
	TrackingID string
}

func (e *RegistrationError) Error() string {
	if e.Status == StatusDisabled {
		return "provisioning: registration disabled"
	}
	return fmt.Sprintf("provisioning: registration failed: error code %d: %s (tracking id %s)",
		e.ErrorCode, e.Message, e.TrackingID)
}

func (e *RegistrationError) Unwrap() error {
	if e.Status == StatusDisabled {
		return ErrRegistrationDisabled
	}
	return ErrRegistrationFailed
}

// Registrar sends registration requests and status queries. Transport is
// the production implementation.
type Registrar interface {
	RegistrationRequest(ctx context.Context, req *RegistrationRequest) (*RegistrationResult, time.Duration, error)
	QueryOperationStatus(ctx context.Context, req *RegistrationRequest, operationID string) (*RegistrationResult, time.Duration, error)
}

// ClientParams configures a Client.
type ClientParams struct {
	Registrar Registrar
	Logger    *logging.Logger

	// MinPollingInterval bounds how often the service is queried no matter
	// what retry-after it sends. Defaults to one second.
	MinPollingInterval time.Duration

	// OnStatus, when set, observes every intermediate result.
	OnStatus func(*RegistrationResult)
}

// Client registers a device and polls until the registration reaches a
// terminal status.
type Client struct {
	registrar   Registrar
	logger      *logging.Logger
	minInterval time.Duration
	onStatus    func(*RegistrationResult)
}

// NewClient returns a polling client.
func NewClient(params *ClientParams) (*Client, error) {
	if params == nil || params.Registrar == nil {
		return nil, errors.New("provisioning: registrar is required")
	}
	logger := params.Logger
	if logger == nil {
		logger = logging.DefaultLogger()
	}
	minInterval := params.MinPollingInterval
	if minInterval <= 0 {
		minInterval = time.Second
	}
	return &Client{
		registrar:   params.Registrar,
		logger:      logger.With(slog.String("component", "provisioning-client")),
		minInterval: minInterval,
		onStatus:    params.OnStatus,
	}, nil
}

// Register sends a registration request and polls its status.
func (c *Client) Register(ctx context.Context, req *RegistrationRequest) (*DeviceRegistrationResult, error) {
	result, retry, err := c.registrar.RegistrationRequest(ctx, req)
	if err != nil {
		return nil, err
	}
	return c.Await(ctx, req, result, retry)
}

// Await polls from an initial result until assigned, failed or disabled,
// honoring the advisory retry-after between queries. A register request
// absorbed as in progress, which has no operation id yet, is resent.
func (c *Client) Await(ctx context.Context, req *RegistrationRequest, result *RegistrationResult, retryAfter time.Duration) (*DeviceRegistrationResult, error) {
	limiter := rate.NewLimiter(rate.Every(c.interval(retryAfter)), 1)
	// The request that produced result consumed the first token
	limiter.Allow()

	for {
		if result == nil {
			return nil, fmt.Errorf("%w: empty result", ErrMalformedResponse)
		}
		if c.onStatus != nil {
			c.onStatus(result)
		}
		c.logger.Debug("provisioning: registration status",
			slog.String("registration_id", req.RegistrationID),
			slog.String("operation_id", result.OperationID),
			slog.String("status", result.Status))

		if result.Terminal() {
			return c.finish(result)
		}

		limiter.SetLimit(rate.Every(c.interval(retryAfter)))
		if err := limiter.Wait(ctx); err != nil {
			return nil, err
		}

		var err error
		if result.OperationID == "" {
			result, retryAfter, err = c.registrar.RegistrationRequest(ctx, req)
		} else {
			result, retryAfter, err = c.registrar.QueryOperationStatus(ctx, req, result.OperationID)
		}
		if err != nil {
			return nil, err
		}
	}
}

func (c *Client) interval(retryAfter time.Duration) time.Duration {
	return max(retryAfter, c.minInterval)
}

func (c *Client) finish(result *RegistrationResult) (*DeviceRegistrationResult, error) {
	state := result.RegistrationState
	if state == nil {
		state = &DeviceRegistrationResult{Status: result.Status}
	}
	switch result.Status {
	case StatusAssigned:
		c.logger.Info("provisioning: device assigned",
			slog.String("registration_id", state.RegistrationID),
			slog.String("assigned_hub", state.AssignedHub),
			slog.String("device_id", state.DeviceID))
		return state, nil
	default:
		return state, &RegistrationError{
			Status:     result.Status,
			ErrorCode:  state.ErrorCode,
			Message:    state.ErrorMessage,
			TrackingID: state.TrackingID,
		}
	}
}
