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

// Package auth provides device credentials minted with the TPM identity
// key and renewed before they expire.
package auth

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/jeremyhahn/go-dps/pkg/logging"
	"github.com/jeremyhahn/go-dps/pkg/metrics"
	"github.com/jeremyhahn/go-dps/pkg/sas"
	"github.com/jeremyhahn/go-dps/pkg/types"
	"go.uber.org/atomic"
)

const (
	// DefaultTokenValidity is the lifetime of each minted token
	DefaultTokenValidity = time.Hour

	// DefaultRenewalMargin is how long before expiry a token is renewed
	DefaultRenewalMargin = 15 * time.Minute
)

// State of the provider.
type State int32

const (
	StateInactive State = iota
	StateActivating
	StateActive
)

func (s State) String() string {
	switch s {
	case StateActivating:
		return "activating"
	case StateActive:
		return "active"
	default:
		return "inactive"
	}
}

// Signer signs with the activated TPM identity key. tpm2.SecurityClient
// is the production implementation.
type Signer interface {
	SignWithIdentity(data []byte) ([]byte, error)
}

// Credentials authenticate a device with its IoT hub.
type Credentials struct {
	Host                  string
	DeviceID              string
	SharedAccessSignature string
	Expiry                time.Time
}

// Params configures a TPMAuthenticationProvider.
type Params struct {
	Signer        Signer
	Host          string
	DeviceID      string
	TokenValidity time.Duration
	RenewalMargin time.Duration
	Logger        *logging.Logger
}

// TPMAuthenticationProvider mints hub SAS tokens with the TPM identity key
// and renews them on a timer.
type TPMAuthenticationProvider struct {
	signer   Signer
	host     string
	deviceID string
	validity time.Duration
	margin   time.Duration
	logger   *logging.Logger

	mu       sync.Mutex
	creds    Credentials
	timer    *time.Timer
	timerGen uint64

	state    atomic.Int32
	renewals atomic.Uint64

	handlersMu sync.RWMutex
	onToken    []func(*Credentials)
	onError    []func(error)
}

// NewTPMAuthenticationProvider validates params and returns an inactive
// provider. No TPM command is issued until credentials are requested.
func NewTPMAuthenticationProvider(params *Params) (*TPMAuthenticationProvider, error) {
	if params == nil || params.Signer == nil {
		return nil, fmt.Errorf("%w: signer is required", types.ErrInvalidArgument)
	}
	if params.Host == "" || params.DeviceID == "" {
		return nil, fmt.Errorf("%w: host and device id are required", types.ErrInvalidArgument)
	}
	validity := params.TokenValidity
	if validity <= 0 {
		validity = DefaultTokenValidity
	}
	margin := params.RenewalMargin
	if margin <= 0 {
		margin = DefaultRenewalMargin
	}
	if margin >= validity {
		return nil, fmt.Errorf("%w: renewal margin %s must be shorter than token validity %s",
			types.ErrInvalidArgument, margin, validity)
	}
	logger := params.Logger
	if logger == nil {
		logger = logging.DefaultLogger()
	}
	return &TPMAuthenticationProvider{
		signer:   params.Signer,
		host:     params.Host,
		deviceID: params.DeviceID,
		validity: validity,
		margin:   margin,
		logger: logger.With(
			slog.String("component", "auth"),
			slog.String("device_id", params.DeviceID)),
	}, nil
}

// State returns the current provider state.
func (p *TPMAuthenticationProvider) State() State {
	return State(p.state.Load())
}

// Renewals returns how many tokens were minted by the renewal timer.
func (p *TPMAuthenticationProvider) Renewals() uint64 {
	return p.renewals.Load()
}

// OnNewTokenAvailable registers a handler called after every renewal.
func (p *TPMAuthenticationProvider) OnNewTokenAvailable(fn func(*Credentials)) {
	p.handlersMu.Lock()
	defer p.handlersMu.Unlock()
	p.onToken = append(p.onToken, fn)
}

// OnError registers a handler called when a renewal fails.
func (p *TPMAuthenticationProvider) OnError(fn func(error)) {
	p.handlersMu.Lock()
	defer p.handlersMu.Unlock()
	p.onError = append(p.onError, fn)
}

// GetDeviceCredentials activates the provider if needed and returns a copy
// of the current credentials.
func (p *TPMAuthenticationProvider) GetDeviceCredentials(ctx context.Context) (*Credentials, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.State() != StateActive {
		p.state.Store(int32(StateActivating))
		if err := p.mint(ctx); err != nil {
			p.state.Store(int32(StateInactive))
			return nil, err
		}
		p.state.Store(int32(StateActive))
		p.schedule()
		p.logger.Debug("auth: provider active", slog.Time("expiry", p.creds.Expiry))
	}
	creds := p.creds
	return &creds, nil
}

// UpdateSharedAccessSignature is not supported: tokens are only minted by
// the TPM.
func (p *TPMAuthenticationProvider) UpdateSharedAccessSignature(string) error {
	return fmt.Errorf("%w: shared access signatures are minted by the tpm", types.ErrInvalidOperation)
}

// Stop cancels renewal and deactivates the provider. The TPM is left
// untouched.
func (p *TPMAuthenticationProvider) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cancelTimer()
	p.state.Store(int32(StateInactive))
}

// mint signs a new token. Callers hold mu.
func (p *TPMAuthenticationProvider) mint(ctx context.Context) error {
	expiry := time.Now().Add(p.validity)
	token, err := sas.CreateWithSigningFunction(ctx, p.host+"/devices/"+p.deviceID, "", expiry.Unix(),
		func(_ context.Context, data []byte) ([]byte, error) {
			return p.signer.SignWithIdentity(data)
		})
	if err != nil {
		return err
	}
	p.creds = Credentials{
		Host:                  p.host,
		DeviceID:              p.deviceID,
		SharedAccessSignature: token.String(),
		Expiry:                time.Unix(token.Se, 0),
	}
	return nil
}

// schedule arms the renewal timer. Callers hold mu.
func (p *TPMAuthenticationProvider) schedule() {
	p.cancelTimer()
	gen := p.timerGen
	p.timer = time.AfterFunc(p.validity-p.margin, func() {
		p.renew(gen)
	})
}

func (p *TPMAuthenticationProvider) cancelTimer() {
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
	p.timerGen++
}

func (p *TPMAuthenticationProvider) renew(gen uint64) {
	p.mu.Lock()
	if gen != p.timerGen || p.State() != StateActive {
		p.mu.Unlock()
		return
	}
	err := p.mint(context.Background())
	metrics.RecordTokenRenewal(err)
	if err != nil {
		p.cancelTimer()
		p.state.Store(int32(StateInactive))
		p.mu.Unlock()
		p.logger.Warn("auth: token renewal failed", slog.String("error", err.Error()))
		p.emitError(err)
		return
	}
	p.renewals.Inc()
	p.schedule()
	creds := p.creds
	p.mu.Unlock()

	p.logger.Debug("auth: token renewed", slog.Time("expiry", creds.Expiry))
	p.emitToken(&creds)
}

func (p *TPMAuthenticationProvider) emitToken(creds *Credentials) {
	p.handlersMu.RLock()
	handlers := slices.Clone(p.onToken)
	p.handlersMu.RUnlock()
	for _, fn := range handlers {
		c := *creds
		fn(&c)
	}
}

func (p *TPMAuthenticationProvider) emitError(err error) {
	p.handlersMu.RLock()
	handlers := slices.Clone(p.onError)
	p.handlersMu.RUnlock()
	if len(handlers) == 0 {
		p.logger.Errorf("auth: unhandled renewal failure: %v", err)
		return
	}
	for _, fn := range handlers {
		fn(err)
	}
}
