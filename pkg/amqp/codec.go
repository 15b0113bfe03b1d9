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
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Minimal AMQP 1.0 type system for the SASL layer. go-amqp keeps its
// encoder internal and only negotiates the mechanisms it implements, so
// SASL frames for custom mechanisms are encoded here.

const (
	frameTypeSASL    byte = 0x01
	frameHeaderSize       = 8
	maxSASLFrameSize      = 512 * 1024

	codeSASLMechanisms uint64 = 0x40
	codeSASLInit       uint64 = 0x41
	codeSASLChallenge  uint64 = 0x42
	codeSASLResponse   uint64 = 0x43
	codeSASLOutcome    uint64 = 0x44

	typeDescribed  byte = 0x00
	typeNull       byte = 0x40
	typeBoolTrue   byte = 0x41
	typeBoolFalse  byte = 0x42
	typeUint0      byte = 0x43
	typeUlong0     byte = 0x44
	typeList0      byte = 0x45
	typeUbyte      byte = 0x50
	typeSmallUint  byte = 0x52
	typeSmallUlong byte = 0x53
	typeBool       byte = 0x56
	typeUint       byte = 0x70
	typeUlong      byte = 0x80
	typeVbin8      byte = 0xa0
	typeStr8       byte = 0xa1
	typeSym8       byte = 0xa3
	typeVbin32     byte = 0xb0
	typeStr32      byte = 0xb1
	typeSym32      byte = 0xb3
	typeList8      byte = 0xc0
	typeList32     byte = 0xd0
	typeArray8     byte = 0xe0
	typeArray32    byte = 0xf0
)

var saslDescriptors = map[string]uint64{
	"amqp:sasl-mechanisms:list": codeSASLMechanisms,
	"amqp:sasl-init:list":       codeSASLInit,
	"amqp:sasl-challenge:list":  codeSASLChallenge,
	"amqp:sasl-response:list":   codeSASLResponse,
	"amqp:sasl-outcome:list":    codeSASLOutcome,
}

var (
	saslProtocolHeader = []byte{'A', 'M', 'Q', 'P', 0x03, 0x01, 0x00, 0x00}

	errMalformedFrame = errors.New("amqp: malformed sasl frame")
)

// symbol distinguishes AMQP symbols from strings when encoding.
type symbol string

// performative is a decoded described list.
type performative struct {
	code   uint64
	fields []any
}

func (p *performative) field(i int) any {
	if i < len(p.fields) {
		return p.fields[i]
	}
	return nil
}

// encodePerformative encodes a described list as a list32.
func encodePerformative(code uint64, fields ...any) ([]byte, error) {
	var body []byte
	for _, field := range fields {
		var err error
		body, err = appendValue(body, field)
		if err != nil {
			return nil, err
		}
	}
	out := []byte{typeDescribed, typeSmallUlong, byte(code), typeList32}
	out = binary.BigEndian.AppendUint32(out, uint32(4+len(body)))
	out = binary.BigEndian.AppendUint32(out, uint32(len(fields)))
	return append(out, body...), nil
}

func appendValue(b []byte, v any) ([]byte, error) {
	switch val := v.(type) {
	case nil:
		return append(b, typeNull), nil
	case symbol:
		b = append(b, typeSym32)
		b = binary.BigEndian.AppendUint32(b, uint32(len(val)))
		return append(b, val...), nil
	case string:
		b = append(b, typeStr32)
		b = binary.BigEndian.AppendUint32(b, uint32(len(val)))
		return append(b, val...), nil
	case []byte:
		b = append(b, typeVbin32)
		b = binary.BigEndian.AppendUint32(b, uint32(len(val)))
		return append(b, val...), nil
	case bool:
		if val {
			return append(b, typeBoolTrue), nil
		}
		return append(b, typeBoolFalse), nil
	case uint8:
		return append(b, typeUbyte, val), nil
	default:
		return nil, fmt.Errorf("amqp: cannot encode %T", v)
	}
}

// writeSASLFrame writes one SASL frame on channel 0.
func writeSASLFrame(w io.Writer, body []byte) error {
	frame := binary.BigEndian.AppendUint32(nil, uint32(frameHeaderSize+len(body)))
	frame = append(frame, 0x02, frameTypeSASL, 0x00, 0x00)
	frame = append(frame, body...)
	_, err := w.Write(frame)
	return err
}

// readSASLFrame reads the next non-empty SASL frame and decodes its
// performative.
func readSASLFrame(r io.Reader) (*performative, error) {
	for {
		var header [frameHeaderSize]byte
		if _, err := io.ReadFull(r, header[:]); err != nil {
			return nil, err
		}
		size := binary.BigEndian.Uint32(header[0:4])
		doff := int(header[4]) * 4
		if header[5] != frameTypeSASL {
			return nil, fmt.Errorf("%w: frame type 0x%02x", errMalformedFrame, header[5])
		}
		if size < frameHeaderSize || size > maxSASLFrameSize || doff < frameHeaderSize || int(size) < doff {
			return nil, fmt.Errorf("%w: size %d, data offset %d", errMalformedFrame, size, doff)
		}
		rest := make([]byte, size-frameHeaderSize)
		if _, err := io.ReadFull(r, rest); err != nil {
			return nil, err
		}
		body := rest[doff-frameHeaderSize:]
		if len(body) == 0 {
			continue
		}
		perf, _, err := decodePerformative(body)
		return perf, err
	}
}

func decodePerformative(b []byte) (*performative, []byte, error) {
	if len(b) < 2 || b[0] != typeDescribed {
		return nil, nil, fmt.Errorf("%w: expected described type", errMalformedFrame)
	}
	descriptor, rest, err := decodeValue(b[1:])
	if err != nil {
		return nil, nil, err
	}
	var code uint64
	switch d := descriptor.(type) {
	case uint64:
		code = d
	case symbol:
		known, ok := saslDescriptors[string(d)]
		if !ok {
			return nil, nil, fmt.Errorf("%w: unknown descriptor %q", errMalformedFrame, d)
		}
		code = known
	default:
		return nil, nil, fmt.Errorf("%w: unsupported descriptor %v", errMalformedFrame, descriptor)
	}
	value, rest, err := decodeValue(rest)
	if err != nil {
		return nil, nil, err
	}
	fields, ok := value.([]any)
	if !ok {
		return nil, nil, fmt.Errorf("%w: performative body is %T", errMalformedFrame, value)
	}
	return &performative{code: code, fields: fields}, rest, nil
}

func decodeValue(b []byte) (any, []byte, error) {
	if len(b) == 0 {
		return nil, nil, fmt.Errorf("%w: truncated value", errMalformedFrame)
	}
	code, b := b[0], b[1:]
	switch code {
	case typeNull:
		return nil, b, nil
	case typeBoolTrue:
		return true, b, nil
	case typeBoolFalse:
		return false, b, nil
	case typeUint0:
		return uint32(0), b, nil
	case typeUlong0:
		return uint64(0), b, nil
	case typeList0:
		return []any{}, b, nil
	case typeBool, typeUbyte, typeSmallUint, typeSmallUlong:
		if len(b) < 1 {
			return nil, nil, fmt.Errorf("%w: truncated fixed width", errMalformedFrame)
		}
		switch code {
		case typeBool:
			return b[0] != 0, b[1:], nil
		case typeUbyte:
			return b[0], b[1:], nil
		case typeSmallUint:
			return uint32(b[0]), b[1:], nil
		default:
			return uint64(b[0]), b[1:], nil
		}
	case typeUint:
		if len(b) < 4 {
			return nil, nil, fmt.Errorf("%w: truncated uint", errMalformedFrame)
		}
		return binary.BigEndian.Uint32(b), b[4:], nil
	case typeUlong:
		if len(b) < 8 {
			return nil, nil, fmt.Errorf("%w: truncated ulong", errMalformedFrame)
		}
		return binary.BigEndian.Uint64(b), b[8:], nil
	case typeVbin8, typeStr8, typeSym8, typeVbin32, typeStr32, typeSym32:
		return decodeVariable(code, b)
	case typeList8, typeList32:
		return decodeList(code, b)
	case typeArray8, typeArray32:
		return decodeArray(code, b)
	case typeDescribed:
		perf, rest, err := decodePerformative(append([]byte{typeDescribed}, b...))
		if err != nil {
			return nil, nil, err
		}
		return perf, rest, nil
	default:
		return nil, nil, fmt.Errorf("%w: unsupported type 0x%02x", errMalformedFrame, code)
	}
}

func readLength(wide bool, b []byte) (int, []byte, error) {
	if wide {
		if len(b) < 4 {
			return 0, nil, fmt.Errorf("%w: truncated length", errMalformedFrame)
		}
		return int(binary.BigEndian.Uint32(b)), b[4:], nil
	}
	if len(b) < 1 {
		return 0, nil, fmt.Errorf("%w: truncated length", errMalformedFrame)
	}
	return int(b[0]), b[1:], nil
}

func decodeVariable(code byte, b []byte) (any, []byte, error) {
	wide := code&0xf0 == 0xb0
	n, b, err := readLength(wide, b)
	if err != nil {
		return nil, nil, err
	}
	if len(b) < n {
		return nil, nil, fmt.Errorf("%w: value needs %d bytes, %d remain", errMalformedFrame, n, len(b))
	}
	raw, rest := b[:n], b[n:]
	switch code & 0x0f {
	case 0x00:
		return append([]byte(nil), raw...), rest, nil
	case 0x01:
		return string(raw), rest, nil
	default:
		return symbol(raw), rest, nil
	}
}

func decodeList(code byte, b []byte) (any, []byte, error) {
	wide := code == typeList32
	size, b, err := readLength(wide, b)
	if err != nil {
		return nil, nil, err
	}
	if len(b) < size {
		return nil, nil, fmt.Errorf("%w: list needs %d bytes, %d remain", errMalformedFrame, size, len(b))
	}
	body, rest := b[:size], b[size:]
	count, body, err := readLength(wide, body)
	if err != nil {
		return nil, nil, err
	}
	fields := make([]any, 0, count)
	for i := 0; i < count; i++ {
		var v any
		v, body, err = decodeValue(body)
		if err != nil {
			return nil, nil, err
		}
		fields = append(fields, v)
	}
	return fields, rest, nil
}

func decodeArray(code byte, b []byte) (any, []byte, error) {
	wide := code == typeArray32
	size, b, err := readLength(wide, b)
	if err != nil {
		return nil, nil, err
	}
	if len(b) < size {
		return nil, nil, fmt.Errorf("%w: array needs %d bytes, %d remain", errMalformedFrame, size, len(b))
	}
	body, rest := b[:size], b[size:]
	count, body, err := readLength(wide, body)
	if err != nil {
		return nil, nil, err
	}
	if len(body) < 1 {
		return nil, nil, fmt.Errorf("%w: array without constructor", errMalformedFrame)
	}
	element, body := body[0], body[1:]
	values := make([]any, 0, count)
	for i := 0; i < count; i++ {
		// Re-prefix every element with the shared constructor
		var v any
		v, body, err = decodeValue(append([]byte{element}, body...))
		if err != nil {
			return nil, nil, err
		}
		values = append(values, v)
	}
	return values, rest, nil
}

// symbols flattens a symbol or array of symbols into strings.
func symbols(v any) []string {
	switch val := v.(type) {
	case symbol:
		return []string{string(val)}
	case []any:
		out := make([]string, 0, len(val))
		for _, item := range val {
			if s, ok := item.(symbol); ok {
				out = append(out, string(s))
			}
		}
		return out
	default:
		return nil
	}
}
