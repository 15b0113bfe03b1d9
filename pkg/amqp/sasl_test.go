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
	"io"
	"net"
	"testing"
	"time"

	"github.com/jeremyhahn/go-dps/pkg/sasl"
	"github.com/jeremyhahn/go-dps/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// saslPeer plays the service side of the SASL layer over a pipe.
type saslPeer struct {
	t    *testing.T
	conn net.Conn
}

func (p *saslPeer) handshake(mechanisms ...string) {
	header := make([]byte, len(saslProtocolHeader))
	_, err := io.ReadFull(p.conn, header)
	require.NoError(p.t, err)
	require.Equal(p.t, saslProtocolHeader, header)
	_, err = p.conn.Write(saslProtocolHeader)
	require.NoError(p.t, err)

	offered := make([]any, 0, len(mechanisms))
	for _, m := range mechanisms {
		offered = append(offered, symbol(m))
	}
	// Encode the mechanisms as a list of symbols; the client accepts both
	// arrays and lists.
	body := []byte{typeDescribed, typeSmallUlong, byte(codeSASLMechanisms), typeList8}
	var list []byte
	for _, m := range offered {
		list, err = appendValue(list, m)
		require.NoError(p.t, err)
	}
	inner := append([]byte{byte(len(offered))}, list...)
	field := append([]byte{typeList8, byte(len(inner))}, inner...)
	body = append(body, byte(1+len(field)), 0x01)
	body = append(body, field...)
	require.NoError(p.t, writeSASLFrame(p.conn, body))
}

func (p *saslPeer) expect(code uint64) *performative {
	perf, err := readSASLFrame(p.conn)
	require.NoError(p.t, err)
	require.Equal(p.t, code, perf.code)
	return perf
}

func (p *saslPeer) send(code uint64, fields ...any) {
	body, err := encodePerformative(code, fields...)
	require.NoError(p.t, err)
	require.NoError(p.t, writeSASLFrame(p.conn, body))
}

func newTPMMechanism(t *testing.T, token string, received *[]byte) *sasl.TPMMechanism {
	m, err := sasl.NewTPMMechanism("0ne00000001", "dev1", []byte("ek"), []byte("srk"),
		func(_ context.Context, challenge []byte) (string, error) {
			*received = challenge
			return token, nil
		})
	require.NoError(t, err)
	return m
}

func TestNegotiateSASLTPM(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	var received []byte
	mechanism := newTPMMechanism(t, "SharedAccessSignature sr=a&sig=b&se=1", &received)

	done := make(chan struct{})
	go func() {
		defer close(done)
		peer := &saslPeer{t: t, conn: server}
		peer.handshake("PLAIN", "TPM")

		initFrame := peer.expect(codeSASLInit)
		assert.Equal(t, symbol("TPM"), initFrame.field(0))
		assert.Equal(t, []byte("\x000ne00000001\x00dev1\x00ek"), initFrame.field(1))
		assert.Equal(t, "0ne00000001/registrations/dev1", initFrame.field(2))

		peer.send(codeSASLChallenge, []byte{0x00})
		rsp := peer.expect(codeSASLResponse)
		assert.Equal(t, []byte("\x00srk"), rsp.field(0))

		peer.send(codeSASLChallenge, []byte{0x80, 'k', 'e'})
		rsp = peer.expect(codeSASLResponse)
		assert.Equal(t, []byte{0x00}, rsp.field(0))

		peer.send(codeSASLChallenge, []byte{0xC1, 'y'})
		rsp = peer.expect(codeSASLResponse)
		assert.Equal(t, []byte("\x00SharedAccessSignature sr=a&sig=b&se=1"), rsp.field(0))

		peer.send(codeSASLOutcome, saslCodeOK)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, negotiateSASL(ctx, client, mechanism))
	<-done
	assert.Equal(t, []byte("key"), received)
}

func TestNegotiateSASLMechanismNotOffered(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	var received []byte
	mechanism := newTPMMechanism(t, "token", &received)

	go func() {
		peer := &saslPeer{t: t, conn: server}
		peer.handshake("PLAIN", "ANONYMOUS")
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := negotiateSASL(ctx, client, mechanism)
	assert.ErrorIs(t, err, ErrSASLMechanismUnsupported)
}

func TestNegotiateSASLAuthFailure(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	var received []byte
	mechanism := newTPMMechanism(t, "token", &received)

	go func() {
		peer := &saslPeer{t: t, conn: server}
		peer.handshake("TPM")
		peer.expect(codeSASLInit)
		peer.send(codeSASLOutcome, saslCodeAuth)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := negotiateSASL(ctx, client, mechanism)
	assert.ErrorIs(t, err, ErrSASLFailed)
	assert.ErrorIs(t, err, types.ErrUnauthorized)
}

func TestNegotiateSASLContextCancelled(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	var received []byte
	mechanism := newTPMMechanism(t, "token", &received)

	go func() {
		// Read the header and never answer
		header := make([]byte, len(saslProtocolHeader))
		_, _ = io.ReadFull(server, header)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := negotiateSASL(ctx, client, mechanism)
	assert.ErrorIs(t, err, types.ErrConnection)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestSASLOutcomeError(t *testing.T) {
	assert.ErrorIs(t, saslOutcomeError(saslCodeSysTemp), types.ErrServiceUnavailable)
	assert.ErrorIs(t, saslOutcomeError(saslCodeSysPerm), types.ErrConnection)
	assert.ErrorIs(t, saslOutcomeError(9), ErrSASLFailed)
}
