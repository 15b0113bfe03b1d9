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
	"cmp"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/jeremyhahn/go-dps/pkg/amqp"
	"github.com/jeremyhahn/go-dps/pkg/correlation"
	"github.com/jeremyhahn/go-dps/pkg/logging"
	"github.com/jeremyhahn/go-dps/pkg/metrics"
	"github.com/jeremyhahn/go-dps/pkg/sasl"
	"github.com/jeremyhahn/go-dps/pkg/types"
	"go.uber.org/atomic"
)

const (
	// DefaultPollingInterval is the retry-after reported when the service
	// does not send one.
	DefaultPollingInterval = 2 * time.Second

	defaultTeardownTimeout = 10 * time.Second
	eventQueueSize         = 32
)

// Params configures a Transport.
type Params struct {
	// ClientFactory creates the AMQP client for each connection. Defaults
	// to go-amqp.
	ClientFactory amqp.ClientFactory
	Logger        *logging.Logger

	PollingInterval time.Duration
	WebSocket       bool

	// TLSConfig is the base TLS configuration, for example custom root
	// CAs. The X.509 client certificate is added per connection.
	TLSConfig       *tls.Config
	DialTimeout     time.Duration
	TeardownTimeout time.Duration

	// ErrorHandler receives connection errors that occur while no
	// operation is pending. It runs on its own goroutine and may call
	// Disconnect or Cancel. Defaults to logging them.
	ErrorHandler func(error)
}

// Transport is the AMQP provisioning transport. One event loop goroutine
// owns the connection, the links and the pending operations; public
// methods post events to it and wait on per-operation channels.
type Transport struct {
	logger          *logging.Logger
	factory         amqp.ClientFactory
	pollingInterval time.Duration
	webSocket       bool
	tlsConfig       *tls.Config
	dialTimeout     time.Duration
	teardownTimeout time.Duration
	errorHandler    func(error)

	credMu sync.Mutex
	creds  credentials

	events chan event
	done   chan struct{}
	closed atomic.Bool

	// Owned by the event loop
	state      state
	generation uint64
	seq        uint64
	client     amqp.Client
	sender     amqp.SenderLink
	receiver   amqp.ReceiverLink
	request    *RegistrationRequest
	tpmKeys    *credentials
	connCtx    context.Context
	connCancel context.CancelFunc
	aborting   bool
	exiting    bool
	pending    map[string]*operation
	deferred   []event
	challenge  *challengeExchange
	waiters    []chan error
}

// NewTransport returns a disconnected transport and starts its event loop.
func NewTransport(params *Params) (*Transport, error) {
	if params == nil {
		params = &Params{}
	}
	logger := params.Logger
	if logger == nil {
		logger = logging.DefaultLogger()
	}
	t := &Transport{
		logger:          logger.With(slog.String("component", "provisioning")),
		factory:         params.ClientFactory,
		pollingInterval: params.PollingInterval,
		webSocket:       params.WebSocket,
		tlsConfig:       params.TLSConfig,
		dialTimeout:     params.DialTimeout,
		teardownTimeout: params.TeardownTimeout,
		errorHandler:    params.ErrorHandler,
		events:          make(chan event, eventQueueSize),
		done:            make(chan struct{}),
		pending:         make(map[string]*operation),
	}
	if t.factory == nil {
		t.factory = amqp.NewClientFactory(logger)
	}
	if t.pollingInterval <= 0 {
		t.pollingInterval = DefaultPollingInterval
	}
	if t.teardownTimeout <= 0 {
		t.teardownTimeout = defaultTeardownTimeout
	}
	if t.errorHandler == nil {
		t.errorHandler = func(err error) {
			t.logger.Errorf("provisioning: connection error: %v", err)
		}
	}
	go t.run()
	return t, nil
}

// SetAuthentication configures X.509 client certificate authentication.
func (t *Transport) SetAuthentication(certificate *tls.Certificate) {
	t.credMu.Lock()
	defer t.credMu.Unlock()
	t.creds.certificate = certificate
}

// SetSharedAccessSignature configures SASL PLAIN authentication with a
// SAS token.
func (t *Transport) SetSharedAccessSignature(token string) {
	t.credMu.Lock()
	defer t.credMu.Unlock()
	t.creds.sasToken = token
}

// SetTPMInformation sets the endorsement and storage root keys used by
// the TPM SASL mechanism and the register body.
func (t *Transport) SetTPMInformation(ek, srk []byte) error {
	if len(ek) == 0 || len(srk) == 0 {
		return fmt.Errorf("%w: endorsement and storage root keys are required", types.ErrInvalidArgument)
	}
	t.credMu.Lock()
	defer t.credMu.Unlock()
	t.creds.ek = slices.Clone(ek)
	t.creds.srk = slices.Clone(srk)
	return nil
}

func (t *Transport) credentials() credentials {
	t.credMu.Lock()
	defer t.credMu.Unlock()
	return t.creds
}

// RegistrationRequest sends a register request, connecting first if
// needed. Retryable service errors are reported as an in-progress result.
func (t *Transport) RegistrationRequest(ctx context.Context, req *RegistrationRequest) (*RegistrationResult, time.Duration, error) {
	if err := req.Validate(); err != nil {
		return nil, 0, err
	}
	op := newOperation(kindRegister, req, "")
	return t.await(ctx, op, &submitEvent{op: op})
}

// QueryOperationStatus asks for the status of a registration operation.
func (t *Transport) QueryOperationStatus(ctx context.Context, req *RegistrationRequest, operationID string) (*RegistrationResult, time.Duration, error) {
	if err := req.Validate(); err != nil {
		return nil, 0, err
	}
	if operationID == "" {
		return nil, 0, fmt.Errorf("%w: operation id is required", types.ErrInvalidArgument)
	}
	op := newOperation(kindStatus, req, operationID)
	return t.await(ctx, op, &submitEvent{op: op})
}

// GetAuthenticationChallenge connects with the TPM SASL mechanism and
// returns the reassembled challenge sent by the service. The connection
// stays open until RespondToAuthenticationChallenge supplies the token.
func (t *Transport) GetAuthenticationChallenge(ctx context.Context, req *RegistrationRequest) ([]byte, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	reply := make(chan challengeReply, 1)
	if err := t.post(ctx, &challengeEvent{request: req, reply: reply}); err != nil {
		return nil, err
	}
	select {
	case r := <-reply:
		return r.challenge, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-t.done:
		return nil, types.ErrTransportClosed
	}
}

// RespondToAuthenticationChallenge completes the TPM SASL exchange with
// sasToken and then sends a register request.
func (t *Transport) RespondToAuthenticationChallenge(ctx context.Context, req *RegistrationRequest, sasToken string) (*RegistrationResult, time.Duration, error) {
	if err := req.Validate(); err != nil {
		return nil, 0, err
	}
	if sasToken == "" {
		return nil, 0, fmt.Errorf("%w: sas token is required", types.ErrInvalidArgument)
	}
	op := newOperation(kindRegister, req, "")
	return t.await(ctx, op, &tokenEvent{op: op, token: sasToken})
}

// Cancel fails every pending operation with types.ErrOperationCancelled,
// aborts a connection attempt and starts teardown. It does not wait for
// teardown to finish.
func (t *Transport) Cancel(ctx context.Context) error {
	return t.cancel(ctx, false)
}

// Disconnect cancels like Cancel and returns once the links are detached
// and the connection is closed.
func (t *Transport) Disconnect(ctx context.Context) error {
	return t.cancel(ctx, true)
}

// Close disconnects and stops the event loop. Later calls return
// types.ErrTransportClosed.
func (t *Transport) Close() error {
	if !t.closed.CompareAndSwap(false, true) {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), t.teardownTimeout)
	defer cancel()
	err := t.cancel(ctx, true)
	reply := make(chan error, 1)
	select {
	case t.events <- &closeEvent{reply: reply}:
	case <-t.done:
	}
	<-t.done
	return err
}

func (t *Transport) cancel(ctx context.Context, wait bool) error {
	reply := make(chan error, 1)
	if err := t.post(ctx, &cancelEvent{reply: reply, wait: wait}); err != nil {
		if errors.Is(err, types.ErrTransportClosed) {
			return nil
		}
		return err
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-t.done:
		return nil
	}
}

// await posts ev and blocks until op resolves. An abandoned operation is
// removed from the pending map.
func (t *Transport) await(ctx context.Context, op *operation, ev event) (*RegistrationResult, time.Duration, error) {
	if t.closed.Load() {
		return nil, 0, types.ErrTransportClosed
	}
	if err := t.post(ctx, ev); err != nil {
		return nil, 0, err
	}
	select {
	case out := <-op.result:
		return out.result, out.retryAfter, out.err
	case <-ctx.Done():
		t.notify(&abandonEvent{correlationID: op.correlationID})
		return nil, 0, ctx.Err()
	case <-t.done:
		return nil, 0, types.ErrTransportClosed
	}
}

func (t *Transport) post(ctx context.Context, ev event) error {
	select {
	case t.events <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-t.done:
		return types.ErrTransportClosed
	}
}

// notify posts from I/O goroutines; events are dropped once the loop exits.
func (t *Transport) notify(ev event) {
	select {
	case t.events <- ev:
	case <-t.done:
	}
}

func (t *Transport) run() {
	defer close(t.done)
	for !t.exiting {
		t.dispatch(<-t.events)
	}
}

func (t *Transport) dispatch(ev event) {
	switch ev := ev.(type) {
	case *submitEvent:
		t.onSubmit(ev)
	case *abandonEvent:
		t.onAbandon(ev)
	case *challengeEvent:
		t.onChallenge(ev)
	case *tokenEvent:
		t.onToken(ev)
	case *saslChallengeEvent:
		t.onSASLChallenge(ev)
	case *connectedEvent:
		t.onConnected(ev)
	case *attachedEvent:
		t.onAttached(ev)
	case *sentEvent:
		t.onSent(ev)
	case *receivedEvent:
		t.onReceived(ev)
	case *linkErrorEvent:
		t.onLinkError(ev)
	case *cancelEvent:
		t.onCancel(ev)
	case *teardownEvent:
		t.onTeardown(ev)
	case *closeEvent:
		t.onClose(ev)
	}
}

func (t *Transport) onSubmit(ev *submitEvent) {
	op := ev.op
	switch {
	case t.state == stateDisconnecting:
		t.deferEvent(ev)
	case t.state == stateDisconnected:
		t.addPending(op)
		cfg, err := t.connectConfig(op.request)
		if err != nil {
			t.failPending(err)
			return
		}
		t.startConnect(t.nextGeneration(), op.request, stateConnectingX509OrSymmetricKey, cfg, nil)
	case !t.boundTo(op.request):
		op.resolve(outcome{err: fmt.Errorf("%w: transport is bound to %s", types.ErrInvalidOperation, t.request.LinkAddress())})
	case t.state == stateConnected:
		t.addPending(op)
		t.send(op)
	default:
		// Sent once the links are attached
		t.addPending(op)
	}
}

func (t *Transport) onAbandon(ev *abandonEvent) {
	if _, ok := t.pending[ev.correlationID]; ok {
		t.removePending(ev.correlationID)
		t.logger.Debug("provisioning: operation abandoned", slog.String(correlation.LogKey, ev.correlationID))
		return
	}
	t.deferred = slices.DeleteFunc(t.deferred, func(d event) bool {
		submit, ok := d.(*submitEvent)
		return ok && submit.op.correlationID == ev.correlationID
	})
}

func (t *Transport) onChallenge(ev *challengeEvent) {
	switch t.state {
	case stateDisconnected:
	case stateConnected:
		ev.reply <- challengeReply{err: fmt.Errorf("%w: already connected", types.ErrInvalidOperation)}
		return
	default:
		t.deferEvent(ev)
		return
	}

	creds := t.credentials()
	if len(creds.ek) == 0 || len(creds.srk) == 0 {
		ev.reply <- challengeReply{err: fmt.Errorf("%w: tpm information not set", types.ErrInvalidOperation)}
		return
	}
	exchange := &challengeExchange{reply: ev.reply, token: make(chan string, 1)}
	gen := t.nextGeneration()
	tokenFunc := func(ctx context.Context, challenge []byte) (string, error) {
		t.notify(&saslChallengeEvent{generation: gen, challenge: challenge})
		select {
		case token := <-exchange.token:
			return token, nil
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	req := ev.request
	mechanism, err := sasl.NewTPMMechanism(req.IDScope, req.RegistrationID, creds.ek, creds.srk, tokenFunc)
	if err != nil {
		ev.reply <- challengeReply{err: err}
		return
	}
	cfg := t.baseConfig(req)
	cfg.Mechanism = mechanism
	t.challenge = exchange
	t.startConnect(gen, req, stateConnectingTPM, cfg, &creds)
}

func (t *Transport) onToken(ev *tokenEvent) {
	x := t.challenge
	if t.state != stateConnectingTPM || x == nil || !x.replied || x.tokenSent {
		ev.op.resolve(outcome{err: fmt.Errorf("%w: no authentication challenge in progress", types.ErrInvalidOperation)})
		return
	}
	if !t.boundTo(ev.op.request) {
		ev.op.resolve(outcome{err: fmt.Errorf("%w: challenge belongs to %s", types.ErrInvalidOperation, t.request.LinkAddress())})
		return
	}
	t.addPending(ev.op)
	x.tokenSent = true
	x.token <- ev.token
}

func (t *Transport) onSASLChallenge(ev *saslChallengeEvent) {
	if ev.generation != t.generation || t.challenge == nil {
		return
	}
	t.challenge.respond(ev.challenge, nil)
}

func (t *Transport) onConnected(ev *connectedEvent) {
	if ev.generation != t.generation {
		if ev.err == nil {
			go t.teardown(nil, nil, ev.client, nil)
		}
		return
	}
	if ev.err != nil {
		metrics.RecordError(metrics.OpConnect, "connect")
		t.logger.Debug("provisioning: connect failed", slog.String("error", ev.err.Error()))
		t.connCancel()
		if t.challenge != nil {
			t.challenge.respond(nil, ev.err)
			t.challenge = nil
		}
		t.failPending(ev.err)
		t.becomeDisconnected(nil)
		return
	}

	t.client = ev.client
	if x := t.challenge; x != nil {
		x.respond(nil, fmt.Errorf("%w: connection completed without a challenge", types.ErrConnection))
		t.challenge = nil
	}
	if t.aborting {
		t.beginTeardown(nil)
		return
	}
	t.setState(stateAttachingLinks)

	gen, ctx, client, address := t.generation, t.connCtx, t.client, t.request.LinkAddress()
	go func() {
		var sender amqp.SenderLink
		receiver, err := client.AttachReceiver(ctx, address, linkProperties())
		if err == nil {
			sender, err = client.AttachSender(ctx, address, linkProperties())
		}
		t.notify(&attachedEvent{generation: gen, sender: sender, receiver: receiver, err: err})
	}()
}

func (t *Transport) onAttached(ev *attachedEvent) {
	if ev.generation != t.generation {
		go t.teardown(ev.sender, ev.receiver, nil, errors.New("stale links"))
		return
	}
	t.sender, t.receiver = ev.sender, ev.receiver
	if ev.err != nil {
		metrics.RecordError(metrics.OpAttach, "attach")
		t.failPending(ev.err)
		t.beginTeardown(ev.err)
		return
	}
	if t.aborting {
		t.beginTeardown(nil)
		return
	}
	t.setState(stateConnected)

	go t.receive(t.connCtx, t.generation, t.receiver)

	unsent := make([]*operation, 0, len(t.pending))
	for _, op := range t.pending {
		if !op.sent {
			unsent = append(unsent, op)
		}
	}
	slices.SortFunc(unsent, func(a, b *operation) int {
		return cmp.Compare(a.seq, b.seq)
	})
	for _, op := range unsent {
		t.send(op)
	}
	t.replayDeferred()
}

// receive pumps the receiver link until it fails or the connection
// context ends.
func (t *Transport) receive(ctx context.Context, gen uint64, receiver amqp.ReceiverLink) {
	for {
		msg, err := receiver.Receive(ctx)
		if err != nil {
			if ctx.Err() == nil {
				t.notify(&linkErrorEvent{generation: gen, err: err})
			}
			return
		}
		t.notify(&receivedEvent{generation: gen, msg: msg})
	}
}

func (t *Transport) send(op *operation) {
	op.sent = true
	var (
		msg *amqp.Message
		err error
	)
	switch op.kind {
	case kindStatus:
		msg = newStatusMessage(op.correlationID, op.operationID)
	default:
		var ek, srk []byte
		if t.tpmKeys != nil {
			ek, srk = t.tpmKeys.ek, t.tpmKeys.srk
		}
		msg, err = newRegisterMessage(op.correlationID, op.request, ek, srk)
	}
	if err != nil {
		t.removePending(op.correlationID)
		op.resolve(outcome{err: err})
		return
	}

	t.logger.Debug("provisioning: sending request",
		slog.String(correlation.LogKey, op.correlationID),
		slog.String("operation", op.kind.String()))
	gen, ctx, sender := t.generation, t.connCtx, t.sender
	go func() {
		err := sender.Send(ctx, msg)
		t.notify(&sentEvent{generation: gen, correlationID: op.correlationID, err: err})
	}()
}

func (t *Transport) onSent(ev *sentEvent) {
	if ev.generation != t.generation || ev.err == nil {
		return
	}
	op, ok := t.pending[ev.correlationID]
	if !ok {
		return
	}
	t.removePending(ev.correlationID)
	if types.IsRetryable(ev.err) {
		t.logger.Debug("provisioning: retryable send failure",
			slog.String(correlation.LogKey, op.correlationID),
			slog.String("error", ev.err.Error()))
		op.resolve(outcome{result: op.inProgress(), retryAfter: t.pollingInterval, absorbed: true})
		return
	}
	op.resolve(outcome{err: ev.err})
}

func (t *Transport) onReceived(ev *receivedEvent) {
	if ev.generation != t.generation || t.state != stateConnected {
		return
	}
	id, ok := correlationOf(ev.msg)
	op := t.pending[id]
	if !ok || op == nil {
		t.logger.Debug("provisioning: discarding uncorrelated response", slog.String(correlation.LogKey, id))
		return
	}
	t.removePending(id)
	result, retry, err := parseResponse(ev.msg, t.pollingInterval)
	if err != nil && types.IsRetryable(err) {
		op.resolve(outcome{result: op.inProgress(), retryAfter: retry, absorbed: true})
		return
	}
	op.resolve(outcome{result: result, retryAfter: retry, err: err})
}

func (t *Transport) onLinkError(ev *linkErrorEvent) {
	if ev.generation != t.generation || t.state != stateConnected {
		return
	}
	if len(t.pending) == 0 {
		// The handler may call back into the transport.
		go t.errorHandler(ev.err)
	} else {
		t.failPending(fmt.Errorf("%w: %w", types.ErrOperationCancelled, ev.err))
	}
	t.beginTeardown(ev.err)
}

func (t *Transport) onCancel(ev *cancelEvent) {
	cancelled := fmt.Errorf("%w: cancelled by caller", types.ErrOperationCancelled)
	t.failPending(cancelled)
	if t.challenge != nil {
		t.challenge.respond(nil, cancelled)
	}
	t.deferred = slices.DeleteFunc(t.deferred, func(d event) bool {
		switch d := d.(type) {
		case *submitEvent:
			d.op.resolve(outcome{err: cancelled})
			return true
		case *challengeEvent:
			d.reply <- challengeReply{err: cancelled}
			return true
		}
		return false
	})

	switch {
	case t.state == stateDisconnected:
		ev.reply <- nil
		return
	case t.state.establishing():
		t.aborting = true
		t.connCancel()
	case t.state == stateConnected:
		t.beginTeardown(nil)
	}
	if ev.wait {
		t.waiters = append(t.waiters, ev.reply)
	} else {
		ev.reply <- nil
	}
}

// beginTeardown detaches the sender, then the receiver, then disconnects,
// off the loop. A non-nil cause forces the detaches.
func (t *Transport) beginTeardown(cause error) {
	t.nextGeneration()
	t.setState(stateDisconnecting)
	if t.connCancel != nil {
		t.connCancel()
	}
	gen := t.generation
	sender, receiver, client := t.sender, t.receiver, t.client
	t.sender, t.receiver, t.client = nil, nil, nil
	go func() {
		err := t.teardown(sender, receiver, client, cause)
		t.notify(&teardownEvent{generation: gen, err: err})
	}()
}

// teardown runs every step and returns the first error.
func (t *Transport) teardown(sender amqp.SenderLink, receiver amqp.ReceiverLink, client amqp.Client, cause error) error {
	ctx, cancel := context.WithTimeout(context.Background(), t.teardownTimeout)
	defer cancel()

	var first error
	record := func(err error) {
		if err != nil && first == nil {
			first = err
		}
	}
	if sender != nil {
		record(sender.Detach(ctx, cause))
	}
	if receiver != nil {
		record(receiver.Detach(ctx, cause))
	}
	if client != nil {
		record(client.Disconnect(ctx))
	}
	if first != nil {
		metrics.RecordError(metrics.OpDisconnect, "teardown")
	}
	return first
}

func (t *Transport) onTeardown(ev *teardownEvent) {
	if ev.generation != t.generation {
		return
	}
	t.becomeDisconnected(ev.err)
}

func (t *Transport) onClose(ev *closeEvent) {
	if t.state != stateDisconnected {
		t.failPending(types.ErrTransportClosed)
		switch {
		case t.state.establishing():
			t.aborting = true
			t.connCancel()
		case t.state == stateConnected:
			t.beginTeardown(nil)
		}
		t.deferEvent(ev)
		return
	}
	t.failPending(types.ErrTransportClosed)
	for _, d := range t.deferred {
		if submit, ok := d.(*submitEvent); ok {
			submit.op.resolve(outcome{err: types.ErrTransportClosed})
		}
	}
	t.deferred = nil
	t.exiting = true
	ev.reply <- nil
}

func (t *Transport) becomeDisconnected(err error) {
	t.setState(stateDisconnected)
	t.request = nil
	t.tpmKeys = nil
	t.aborting = false
	for _, w := range t.waiters {
		w <- err
	}
	t.waiters = nil
	t.replayDeferred()
}

func (t *Transport) startConnect(gen uint64, req *RegistrationRequest, next state, cfg *amqp.ConnectConfig, tpmKeys *credentials) {
	t.request = req
	t.tpmKeys = tpmKeys
	t.aborting = false
	t.connCtx, t.connCancel = context.WithCancel(context.Background())
	t.setState(next)

	ctx, client := t.connCtx, t.factory()
	started := time.Now()
	go func() {
		err := client.Connect(ctx, cfg)
		status := metrics.StatusSuccess
		if err != nil {
			status = metrics.StatusError
		}
		metrics.RecordOperation(metrics.OpConnect, status, time.Since(started).Seconds())
		t.notify(&connectedEvent{generation: gen, client: client, err: err})
	}()
}

// connectConfig selects X.509 or SAS authentication.
func (t *Transport) connectConfig(req *RegistrationRequest) (*amqp.ConnectConfig, error) {
	creds := t.credentials()
	cfg := t.baseConfig(req)
	switch {
	case creds.certificate != nil:
		cfg.TLSConfig.Certificates = []tls.Certificate{*creds.certificate}
	case creds.sasToken != "":
		cfg.Plain = &amqp.PlainCredentials{
			Username: req.LinkAddress(),
			Password: creds.sasToken,
		}
	default:
		return nil, fmt.Errorf("%w: no x509 certificate or shared access signature configured", types.ErrInvalidOperation)
	}
	return cfg, nil
}

func (t *Transport) baseConfig(req *RegistrationRequest) *amqp.ConnectConfig {
	tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}
	if t.tlsConfig != nil {
		tlsConfig = t.tlsConfig.Clone()
	}
	return &amqp.ConnectConfig{
		Host:        req.ProvisioningHost,
		WebSocket:   t.webSocket,
		TLSConfig:   tlsConfig,
		DialTimeout: t.dialTimeout,
	}
}

func (t *Transport) boundTo(req *RegistrationRequest) bool {
	return t.request != nil &&
		t.request.ProvisioningHost == req.ProvisioningHost &&
		t.request.LinkAddress() == req.LinkAddress()
}

func (t *Transport) nextGeneration() uint64 {
	t.generation++
	return t.generation
}

func (t *Transport) setState(s state) {
	if t.state == s {
		return
	}
	t.logger.Debug("provisioning: state transition",
		slog.String("from", t.state.String()),
		slog.String("to", s.String()))
	t.state = s
	metrics.RecordTransition(s.String())
}

func (t *Transport) addPending(op *operation) {
	t.seq++
	op.seq = t.seq
	t.pending[op.correlationID] = op
	metrics.SetPendingOperations(len(t.pending))
}

func (t *Transport) removePending(correlationID string) {
	delete(t.pending, correlationID)
	metrics.SetPendingOperations(len(t.pending))
}

// failPending empties the pending map, then resolves every operation.
func (t *Transport) failPending(err error) {
	if len(t.pending) == 0 {
		return
	}
	ops := make([]*operation, 0, len(t.pending))
	for id, op := range t.pending {
		ops = append(ops, op)
		delete(t.pending, id)
	}
	metrics.SetPendingOperations(0)
	for _, op := range ops {
		op.resolve(outcome{err: err})
	}
}

func (t *Transport) deferEvent(ev event) {
	t.deferred = append(t.deferred, ev)
}

func (t *Transport) replayDeferred() {
	events := t.deferred
	t.deferred = nil
	for _, ev := range events {
		t.dispatch(ev)
	}
}
