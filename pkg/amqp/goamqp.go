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
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	goamqp "github.com/Azure/go-amqp"
	"github.com/coder/websocket"
	"github.com/jeremyhahn/go-dps/pkg/logging"
	"github.com/jeremyhahn/go-dps/pkg/types"
)

const (
	receiverCredit       = 10
	forcedDetachTimeout  = time.Second
	defaultContainerName = "go-dps"
)

var ErrNotConnected = errors.New("amqp: not connected")

// goAMQPClient is the Client backed by github.com/Azure/go-amqp.
type goAMQPClient struct {
	mu      sync.Mutex
	logger  *logging.Logger
	conn    *goamqp.Conn
	session *goamqp.Session
}

// NewClient returns a disconnected go-amqp Client.
func NewClient(logger *logging.Logger) Client {
	if logger == nil {
		logger = logging.DefaultLogger()
	}
	return &goAMQPClient{logger: logger.With(slog.String("component", "amqp"))}
}

// Connect dials the service, runs the SASL layer and opens a session.
func (c *goAMQPClient) Connect(ctx context.Context, config *ConnectConfig) error {
	if config == nil || config.Host == "" {
		return fmt.Errorf("%w: host is required", types.ErrInvalidArgument)
	}
	if config.Plain != nil && config.Mechanism != nil {
		return fmt.Errorf("%w: plain credentials and a sasl mechanism are exclusive", types.ErrInvalidArgument)
	}

	timeout := config.DialTimeout
	if timeout <= 0 {
		timeout = defaultDialTimeout
	}
	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	netConn, err := dial(dialCtx, config)
	if err != nil {
		return fmt.Errorf("%w: dial %s: %w", types.ErrConnection, config.Host, err)
	}

	opts := &goamqp.ConnOptions{
		ContainerID: defaultContainerName,
		HostName:    config.Host,
	}
	switch {
	case config.Mechanism != nil:
		c.logger.Debug("amqp: negotiating sasl", slog.String("mechanism", config.Mechanism.Name()))
		if err := negotiateSASL(dialCtx, netConn, config.Mechanism); err != nil {
			_ = netConn.Close()
			return err
		}
	case config.Plain != nil:
		opts.SASLType = goamqp.SASLTypePlain(config.Plain.Username, config.Plain.Password)
	}

	conn, err := goamqp.NewConn(dialCtx, netConn, opts)
	if err != nil {
		_ = netConn.Close()
		return TranslateError(err)
	}
	session, err := conn.NewSession(dialCtx, nil)
	if err != nil {
		_ = conn.Close()
		return TranslateError(err)
	}

	c.mu.Lock()
	c.conn, c.session = conn, session
	c.mu.Unlock()
	c.logger.Debug("amqp: connected",
		slog.String("host", config.Host),
		slog.Bool("websocket", config.WebSocket))
	return nil
}

func (c *goAMQPClient) currentSession() (*goamqp.Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return nil, fmt.Errorf("%w: %w", types.ErrConnection, ErrNotConnected)
	}
	return c.session, nil
}

func (c *goAMQPClient) AttachSender(ctx context.Context, address string, properties map[string]any) (SenderLink, error) {
	session, err := c.currentSession()
	if err != nil {
		return nil, err
	}
	sender, err := session.NewSender(ctx, address, &goamqp.SenderOptions{
		Properties: properties,
	})
	if err != nil {
		return nil, TranslateError(err)
	}
	return &goAMQPSender{sender: sender}, nil
}

func (c *goAMQPClient) AttachReceiver(ctx context.Context, address string, properties map[string]any) (ReceiverLink, error) {
	session, err := c.currentSession()
	if err != nil {
		return nil, err
	}
	receiver, err := session.NewReceiver(ctx, address, &goamqp.ReceiverOptions{
		Credit:     receiverCredit,
		Properties: properties,
	})
	if err != nil {
		return nil, TranslateError(err)
	}
	return &goAMQPReceiver{receiver: receiver}, nil
}

// Disconnect closes the session and the connection. Both steps always run;
// the first error is returned.
func (c *goAMQPClient) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	conn, session := c.conn, c.session
	c.conn, c.session = nil, nil
	c.mu.Unlock()

	var first error
	if session != nil {
		if err := session.Close(ctx); err != nil {
			first = TranslateError(err)
		}
	}
	if conn != nil {
		if err := conn.Close(); err != nil && first == nil {
			var connErr *goamqp.ConnError
			// A locally closed connection reports a ConnError without a remote error
			if !errors.As(err, &connErr) || connErr.RemoteErr != nil {
				first = TranslateError(err)
			}
		}
	}
	return first
}

type goAMQPSender struct {
	sender *goamqp.Sender
}

func (s *goAMQPSender) Send(ctx context.Context, msg *Message) error {
	out := &goamqp.Message{
		Data:                  [][]byte{msg.Data},
		ApplicationProperties: msg.ApplicationProperties,
		Properties: &goamqp.MessageProperties{
			MessageID:     msg.MessageID,
			CorrelationID: msg.CorrelationID,
		},
	}
	if err := s.sender.Send(ctx, out, nil); err != nil {
		return TranslateError(err)
	}
	return nil
}

func (s *goAMQPSender) Detach(ctx context.Context, cause error) error {
	return closeLink(ctx, cause, s.sender.Close)
}

type goAMQPReceiver struct {
	receiver *goamqp.Receiver
}

func (r *goAMQPReceiver) Receive(ctx context.Context) (*Message, error) {
	in, err := r.receiver.Receive(ctx, nil)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, TranslateError(err)
	}
	if err := r.receiver.AcceptMessage(ctx, in); err != nil {
		return nil, TranslateError(err)
	}

	msg := &Message{
		ApplicationProperties: in.ApplicationProperties,
		Data:                  in.GetData(),
	}
	if msg.Data == nil {
		switch v := in.Value.(type) {
		case []byte:
			msg.Data = v
		case string:
			msg.Data = []byte(v)
		}
	}
	if in.Properties != nil {
		msg.MessageID = plainID(in.Properties.MessageID)
		msg.CorrelationID = plainID(in.Properties.CorrelationID)
	}
	return msg, nil
}

// plainID exposes AMQP uuid ids as [16]byte so callers need not import
// go-amqp.
func plainID(v any) any {
	if id, ok := v.(goamqp.UUID); ok {
		return [16]byte(id)
	}
	return v
}

func (r *goAMQPReceiver) Detach(ctx context.Context, cause error) error {
	return closeLink(ctx, cause, r.receiver.Close)
}

// closeLink detaches gracefully, or with a short deadline when cause
// reports that the link or connection already failed. Errors are returned
// either way.
func closeLink(ctx context.Context, cause error, closeFn func(context.Context) error) error {
	if cause != nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, forcedDetachTimeout)
		defer cancel()
	}
	if err := closeFn(ctx); err != nil {
		return TranslateError(err)
	}
	return nil
}

// dial opens the transport connection: TLS on 5671, or a websocket on 443.
func dial(ctx context.Context, config *ConnectConfig) (net.Conn, error) {
	tlsConfig := config.TLSConfig
	if tlsConfig == nil {
		tlsConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	} else {
		tlsConfig = tlsConfig.Clone()
	}
	if tlsConfig.ServerName == "" {
		tlsConfig.ServerName = config.Host
	}

	if config.WebSocket {
		return dialWebSocket(ctx, config.Host, tlsConfig)
	}
	dialer := &tls.Dialer{Config: tlsConfig}
	return dialer.DialContext(ctx, "tcp", net.JoinHostPort(config.Host, strconv.Itoa(DefaultPort)))
}

func dialWebSocket(ctx context.Context, host string, tlsConfig *tls.Config) (net.Conn, error) {
	endpoint := url.URL{
		Scheme: "wss",
		Host:   net.JoinHostPort(host, "443"),
		Path:   WebSocketPath,
	}
	ws, _, err := websocket.Dial(ctx, endpoint.String(), &websocket.DialOptions{
		HTTPClient: &http.Client{
			Transport: &http.Transport{TLSClientConfig: tlsConfig},
		},
		Subprotocols: []string{WebSocketSubprotocol},
	})
	if err != nil {
		return nil, err
	}
	if ws.Subprotocol() != WebSocketSubprotocol {
		_ = ws.Close(websocket.StatusProtocolError, "unsupported subprotocol")
		return nil, fmt.Errorf("amqp: server negotiated subprotocol %q", ws.Subprotocol())
	}
	// The net.Conn outlives the dial context
	return websocket.NetConn(context.Background(), ws, websocket.MessageBinary), nil
}
