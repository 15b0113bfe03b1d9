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
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"slices"
	"time"

	"github.com/jeremyhahn/go-dps/pkg/types"
)

// SASL outcome codes
const (
	saslCodeOK      uint8 = 0
	saslCodeAuth    uint8 = 1
	saslCodeSys     uint8 = 2
	saslCodeSysPerm uint8 = 3
	saslCodeSysTemp uint8 = 4
)

var (
	ErrSASLMechanismUnsupported = errors.New("amqp: sasl mechanism not offered by peer")
	ErrSASLFailed               = errors.New("amqp: sasl authentication failed")
)

// negotiateSASL runs the SASL layer for mechanism over conn. On success the
// connection is positioned for the AMQP protocol header.
func negotiateSASL(ctx context.Context, conn net.Conn, mechanism Mechanism) error {
	stop := context.AfterFunc(ctx, func() {
		// Unblock pending reads when the caller gives up
		_ = conn.SetDeadline(time.Now())
	})
	defer func() {
		if !stop() {
			_ = conn.SetDeadline(time.Time{})
		}
	}()

	err := runSASL(ctx, conn, mechanism)
	if err != nil && ctx.Err() != nil {
		return fmt.Errorf("%w: %w", types.ErrConnection, ctx.Err())
	}
	return err
}

func runSASL(ctx context.Context, conn io.ReadWriter, mechanism Mechanism) error {
	if _, err := conn.Write(saslProtocolHeader); err != nil {
		return fmt.Errorf("%w: sasl header: %w", types.ErrConnection, err)
	}
	header := make([]byte, len(saslProtocolHeader))
	if _, err := io.ReadFull(conn, header); err != nil {
		return fmt.Errorf("%w: sasl header: %w", types.ErrConnection, err)
	}
	if !bytes.Equal(header, saslProtocolHeader) {
		return fmt.Errorf("%w: unexpected protocol header %q", types.ErrConnection, header)
	}

	mechanisms, err := readSASLFrame(conn)
	if err != nil {
		return fmt.Errorf("%w: sasl mechanisms: %w", types.ErrConnection, err)
	}
	if mechanisms.code != codeSASLMechanisms {
		return fmt.Errorf("%w: expected sasl-mechanisms, got 0x%02x", errMalformedFrame, mechanisms.code)
	}
	offered := symbols(mechanisms.field(0))
	if !slices.Contains(offered, mechanism.Name()) {
		return fmt.Errorf("%w: %s not in %v", ErrSASLMechanismUnsupported, mechanism.Name(), offered)
	}

	initial, err := mechanism.Start()
	if err != nil {
		return err
	}
	body, err := encodePerformative(codeSASLInit, symbol(mechanism.Name()), initial, mechanism.Hostname())
	if err != nil {
		return err
	}
	if err := writeSASLFrame(conn, body); err != nil {
		return fmt.Errorf("%w: sasl init: %w", types.ErrConnection, err)
	}

	for {
		frame, err := readSASLFrame(conn)
		if err != nil {
			return fmt.Errorf("%w: sasl: %w", types.ErrConnection, err)
		}
		switch frame.code {
		case codeSASLChallenge:
			challenge, _ := frame.field(0).([]byte)
			response, err := mechanism.Step(ctx, challenge)
			if err != nil {
				return err
			}
			body, err := encodePerformative(codeSASLResponse, response)
			if err != nil {
				return err
			}
			if err := writeSASLFrame(conn, body); err != nil {
				return fmt.Errorf("%w: sasl response: %w", types.ErrConnection, err)
			}
		case codeSASLOutcome:
			code, _ := frame.field(0).(uint8)
			if code != saslCodeOK {
				return saslOutcomeError(code)
			}
			return nil
		default:
			return fmt.Errorf("%w: unexpected sasl performative 0x%02x", errMalformedFrame, frame.code)
		}
	}
}

func saslOutcomeError(code uint8) error {
	switch code {
	case saslCodeAuth:
		return fmt.Errorf("%w: %w: authentication rejected", types.ErrUnauthorized, ErrSASLFailed)
	case saslCodeSysTemp:
		return fmt.Errorf("%w: %w: temporary system error", types.ErrServiceUnavailable, ErrSASLFailed)
	case saslCodeSys, saslCodeSysPerm:
		return fmt.Errorf("%w: %w: system error %d", types.ErrConnection, ErrSASLFailed, code)
	default:
		return fmt.Errorf("%w: %w: outcome %d", types.ErrConnection, ErrSASLFailed, code)
	}
}
