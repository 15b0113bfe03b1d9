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

// Package amqp is the messaging layer under the provisioning transport. It
// defines the narrow Client interface the transport drives, translates AMQP
// error conditions into the shared error taxonomy and provides a production
// Client over github.com/Azure/go-amqp, including AMQP over websockets and
// custom SASL mechanisms such as "TPM".
package amqp

import (
	"context"
	"crypto/tls"
	"time"

	"github.com/jeremyhahn/go-dps/pkg/logging"
)

const (
	// DefaultPort is the AMQPS port
	DefaultPort = 5671

	// WebSocketPath is the path of the AMQP websocket endpoint
	WebSocketPath = "/$iothub/websocket"

	// WebSocketSubprotocol is negotiated for AMQP over websockets
	WebSocketSubprotocol = "AMQPWSB10"

	defaultDialTimeout = 30 * time.Second
)

// Message is the subset of an AMQP 1.0 message used by the provisioning
// protocol: a single data section, correlation properties and application
// properties.
type Message struct {
	MessageID             any
	CorrelationID         any
	ApplicationProperties map[string]any
	Data                  []byte
}

// NewMessage returns a message carrying data.
func NewMessage(data []byte) *Message {
	return &Message{
		Data:                  data,
		ApplicationProperties: make(map[string]any),
	}
}

// Mechanism is a client side SASL mechanism negotiated before the AMQP
// connection is opened.
type Mechanism interface {
	Name() string
	Hostname() string
	Start() ([]byte, error)
	Step(ctx context.Context, challenge []byte) ([]byte, error)
}

// PlainCredentials authenticate with SASL PLAIN.
type PlainCredentials struct {
	Username string
	Password string
}

// ConnectConfig describes how to reach and authenticate with the service.
// At most one of Plain and Mechanism is set; with neither, the peer
// authenticates the TLS client certificate in TLSConfig.
type ConnectConfig struct {
	Host        string
	WebSocket   bool
	TLSConfig   *tls.Config
	Plain       *PlainCredentials
	Mechanism   Mechanism
	DialTimeout time.Duration
}

// Client is a single AMQP connection with one session.
type Client interface {
	Connect(ctx context.Context, config *ConnectConfig) error
	AttachSender(ctx context.Context, address string, properties map[string]any) (SenderLink, error)
	AttachReceiver(ctx context.Context, address string, properties map[string]any) (ReceiverLink, error)
	Disconnect(ctx context.Context) error
}

// SenderLink sends messages and waits for their disposition.
type SenderLink interface {
	Send(ctx context.Context, msg *Message) error
	// Detach closes the link. A non-nil cause forces the detach, bounding
	// the wait for the peer to a short deadline. Close errors are returned
	// in both cases.
	Detach(ctx context.Context, cause error) error
}

// ReceiverLink receives and settles messages.
type ReceiverLink interface {
	// Receive blocks for the next message. Link and connection failures are
	// returned as errors.
	Receive(ctx context.Context) (*Message, error)
	Detach(ctx context.Context, cause error) error
}

// ClientFactory creates a fresh Client for every connection attempt.
type ClientFactory func() Client

// NewClientFactory returns a factory for go-amqp backed clients.
func NewClientFactory(logger *logging.Logger) ClientFactory {
	return func() Client {
		return NewClient(logger)
	}
}
