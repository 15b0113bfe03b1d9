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
	"sync"
	"testing"
	"time"

	"github.com/jeremyhahn/go-dps/pkg/amqp"
	"github.com/jeremyhahn/go-dps/pkg/logging"
	"github.com/stretchr/testify/require"
)

const testTimeout = 2 * time.Second

// fakeService stands in for the provisioning service behind the
// amqp.Client interface.
type fakeService struct {
	mu    sync.Mutex
	steps []string

	connects    int
	configs     []*amqp.ConnectConfig
	linkProps   []map[string]any
	connectErr  error
	connectHook func(ctx context.Context, cfg *amqp.ConnectConfig) error

	attachReceiverErr error
	attachSenderErr   error
	sendErr           func(*amqp.Message) error

	detachSenderErr   error
	detachReceiverErr error
	disconnectErr     error

	sent    chan *amqp.Message
	inbox   chan *amqp.Message
	recvErr chan error
}

func newFakeService() *fakeService {
	return &fakeService{
		sent:    make(chan *amqp.Message, 16),
		inbox:   make(chan *amqp.Message, 16),
		recvErr: make(chan error, 1),
	}
}

func (s *fakeService) factory() amqp.Client {
	return &fakeClient{svc: s}
}

func (s *fakeService) record(step string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.steps = append(s.steps, step)
}

func (s *fakeService) recorded() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.steps...)
}

func (s *fakeService) connectCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connects
}

func (s *fakeService) lastConfig() *amqp.ConnectConfig {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.configs) == 0 {
		return nil
	}
	return s.configs[len(s.configs)-1]
}

// expectSent waits for the next request sent by the transport.
func (s *fakeService) expectSent(t *testing.T) *amqp.Message {
	t.Helper()
	select {
	case msg := <-s.sent:
		return msg
	case <-time.After(testTimeout):
		require.FailNow(t, "no request sent")
		return nil
	}
}

// reply answers request with body and optional application properties.
func (s *fakeService) reply(request *amqp.Message, body string, props map[string]any) {
	s.replyTo(request.CorrelationID, body, props)
}

func (s *fakeService) replyTo(correlationID any, body string, props map[string]any) {
	if props == nil {
		props = map[string]any{}
	}
	s.inbox <- &amqp.Message{
		CorrelationID:         correlationID,
		ApplicationProperties: props,
		Data:                  []byte(body),
	}
}

type fakeClient struct {
	svc *fakeService
}

func (c *fakeClient) Connect(ctx context.Context, cfg *amqp.ConnectConfig) error {
	s := c.svc
	s.mu.Lock()
	s.connects++
	s.configs = append(s.configs, cfg)
	hook, err := s.connectHook, s.connectErr
	s.mu.Unlock()
	s.record("connect")
	if hook != nil {
		return hook(ctx, cfg)
	}
	return err
}

func (c *fakeClient) AttachSender(_ context.Context, _ string, props map[string]any) (amqp.SenderLink, error) {
	s := c.svc
	s.record("attach-sender")
	s.mu.Lock()
	defer s.mu.Unlock()
	s.linkProps = append(s.linkProps, props)
	if s.attachSenderErr != nil {
		return nil, s.attachSenderErr
	}
	return &fakeSender{svc: s}, nil
}

func (c *fakeClient) AttachReceiver(_ context.Context, _ string, props map[string]any) (amqp.ReceiverLink, error) {
	s := c.svc
	s.record("attach-receiver")
	s.mu.Lock()
	defer s.mu.Unlock()
	s.linkProps = append(s.linkProps, props)
	if s.attachReceiverErr != nil {
		return nil, s.attachReceiverErr
	}
	return &fakeReceiver{svc: s}, nil
}

func (c *fakeClient) Disconnect(context.Context) error {
	c.svc.record("disconnect")
	c.svc.mu.Lock()
	defer c.svc.mu.Unlock()
	return c.svc.disconnectErr
}

type fakeSender struct {
	svc *fakeService
}

func (l *fakeSender) Send(_ context.Context, msg *amqp.Message) error {
	l.svc.mu.Lock()
	sendErr := l.svc.sendErr
	l.svc.mu.Unlock()
	l.svc.sent <- msg
	if sendErr != nil {
		return sendErr(msg)
	}
	return nil
}

func (l *fakeSender) Detach(context.Context, error) error {
	l.svc.record("detach-sender")
	l.svc.mu.Lock()
	defer l.svc.mu.Unlock()
	return l.svc.detachSenderErr
}

type fakeReceiver struct {
	svc *fakeService
}

func (l *fakeReceiver) Receive(ctx context.Context) (*amqp.Message, error) {
	select {
	case msg := <-l.svc.inbox:
		return msg, nil
	case err := <-l.svc.recvErr:
		return nil, err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (l *fakeReceiver) Detach(context.Context, error) error {
	l.svc.record("detach-receiver")
	l.svc.mu.Lock()
	defer l.svc.mu.Unlock()
	return l.svc.detachReceiverErr
}

func newTestTransport(t *testing.T, svc *fakeService, configure ...func(*Params)) *Transport {
	t.Helper()
	params := &Params{
		ClientFactory:   svc.factory,
		Logger:          logging.Discard(),
		PollingInterval: 50 * time.Millisecond,
		TeardownTimeout: time.Second,
	}
	for _, fn := range configure {
		fn(params)
	}
	transport, err := NewTransport(params)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = transport.Close()
	})
	return transport
}

func testRequest() *RegistrationRequest {
	return &RegistrationRequest{
		RegistrationID:   "dev1",
		IDScope:          "0ne00000001",
		ProvisioningHost: "global.azure-devices-provisioning.net",
	}
}

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	t.Cleanup(cancel)
	return ctx
}

// call runs fn in a goroutine and returns a channel with its result.
type callResult struct {
	result *RegistrationResult
	retry  time.Duration
	err    error
}

func goCall(fn func() (*RegistrationResult, time.Duration, error)) <-chan callResult {
	ch := make(chan callResult, 1)
	go func() {
		r, retry, err := fn()
		ch <- callResult{result: r, retry: retry, err: err}
	}()
	return ch
}

func waitCall(t *testing.T, ch <-chan callResult) callResult {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(testTimeout):
		require.FailNow(t, "call did not complete")
		return callResult{}
	}
}
