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
	"crypto/tls"

	"github.com/jeremyhahn/go-dps/pkg/amqp"
)

type state int

const (
	stateDisconnected state = iota
	stateConnectingX509OrSymmetricKey
	stateConnectingTPM
	stateAttachingLinks
	stateConnected
	stateDisconnecting
)

func (s state) String() string {
	switch s {
	case stateDisconnected:
		return "disconnected"
	case stateConnectingX509OrSymmetricKey:
		return "connecting_x509_or_symmetric_key"
	case stateConnectingTPM:
		return "connecting_tpm"
	case stateAttachingLinks:
		return "attaching_links"
	case stateConnected:
		return "connected"
	case stateDisconnecting:
		return "disconnecting"
	default:
		return "unknown"
	}
}

// establishing reports whether a connection attempt is in flight.
func (s state) establishing() bool {
	return s == stateConnectingX509OrSymmetricKey || s == stateConnectingTPM || s == stateAttachingLinks
}

// Events posted to the loop. Completion events carry the connection
// generation they belong to; the loop drops any from an earlier one.
type event interface{}

type submitEvent struct {
	op *operation
}

type abandonEvent struct {
	correlationID string
}

type challengeEvent struct {
	request *RegistrationRequest
	reply   chan challengeReply
}

type tokenEvent struct {
	op    *operation
	token string
}

type saslChallengeEvent struct {
	generation uint64
	challenge  []byte
}

type connectedEvent struct {
	generation uint64
	client     amqp.Client
	err        error
}

type attachedEvent struct {
	generation uint64
	sender     amqp.SenderLink
	receiver   amqp.ReceiverLink
	err        error
}

type sentEvent struct {
	generation    uint64
	correlationID string
	err           error
}

type receivedEvent struct {
	generation uint64
	msg        *amqp.Message
}

type linkErrorEvent struct {
	generation uint64
	err        error
}

type cancelEvent struct {
	reply chan error
	// wait delays the reply until teardown completes
	wait bool
}

type teardownEvent struct {
	generation uint64
	err        error
}

type closeEvent struct {
	reply chan error
}

// credentials configured by the caller, applied on the next connection.
type credentials struct {
	certificate *tls.Certificate
	sasToken    string
	ek          []byte
	srk         []byte
}

// challengeExchange pairs a GetAuthenticationChallenge caller with the
// SASL exchange of the connection it started.
type challengeExchange struct {
	reply     chan challengeReply
	replied   bool
	token     chan string
	tokenSent bool
}

type challengeReply struct {
	challenge []byte
	err       error
}

func (x *challengeExchange) respond(challenge []byte, err error) {
	if x.replied {
		return
	}
	x.replied = true
	x.reply <- challengeReply{challenge: challenge, err: err}
}
