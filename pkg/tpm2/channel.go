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

package tpm2

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/google/go-tpm/tpm2"
	"github.com/google/go-tpm/tpm2/transport"
	"github.com/google/go-tpm/tpm2/transport/linuxudstpm"
	"github.com/jeremyhahn/go-dps/pkg/metrics"
)

const defaultMaxInputBuffer = 1024

var (
	ErrOpeningDevice  = errors.New("tpm: error opening device")
	ErrInvalidSession = errors.New("tpm: session was not created by this channel")
)

// Object names a loaded or persistent TPM object.
type Object struct {
	Handle tpm2.TPMHandle
	Name   tpm2.TPM2BName
}

// PublicArea is the result of TPM2_ReadPublic: the object, its decoded public
// area and the TPM2B_PUBLIC wire encoding (size prefix included).
type PublicArea struct {
	Object
	Public tpm2.TPMTPublic
	Bytes  []byte
}

// Session is an authorization session started on a CommandChannel.
type Session interface {
	Handle() tpm2.TPMHandle
}

// CommandChannel is the subset of TPM 2.0 commands the provisioning security
// client issues. Every method maps to a single TPM command except
// MaxInputBuffer, which reads TPM_PT_INPUT_BUFFER through GetCapability.
type CommandChannel interface {
	ReadPublic(handle tpm2.TPMHandle) (*PublicArea, error)
	CreatePrimary(hierarchy tpm2.TPMHandle, template tpm2.TPMTPublic) (*Object, error)
	EvictControl(hierarchy tpm2.TPMHandle, object Object, persistent tpm2.TPMHandle) error
	FlushContext(handle tpm2.TPMHandle) error
	StartPolicySession() (Session, error)
	PolicySecret(session Session, authHandle tpm2.TPMHandle) error
	ActivateCredential(session Session, activate, key Object, credentialBlob, secret []byte) ([]byte, error)
	Import(parent Object, encryptionKey, objectPublic, duplicate, symSeed []byte) ([]byte, error)
	Load(parent Object, private, public []byte) (*Object, error)
	HMAC(key Object, data []byte, hashAlg tpm2.TPMIAlgHash) ([]byte, error)
	HmacStart(key Object, auth []byte, hashAlg tpm2.TPMIAlgHash) (tpm2.TPMHandle, error)
	SequenceUpdate(sequence tpm2.TPMHandle, auth, chunk []byte) error
	SequenceComplete(sequence tpm2.TPMHandle, auth, chunk []byte) ([]byte, error)
	GetRandom(size int) ([]byte, error)
	MaxInputBuffer() (int, error)
	Close() error
}

// ChannelOpener opens a CommandChannel. SecurityClient calls it every time
// it reconnects after a failure.
type ChannelOpener func() (CommandChannel, error)

// SimulatorInterface is implemented by the embedded simulator wrapper.
type SimulatorInterface interface {
	Transport() transport.TPM
	Close() error
}

// simulatorOpener is set by init() in tpm_simulator.go or tpm_no_simulator.go
var simulatorOpener func() (SimulatorInterface, error)

// goTPMChannel is the CommandChannel backed by go-tpm.
type goTPMChannel struct {
	transport transport.TPM
	closer    io.Closer
	closed    bool
}

// NewChannel wraps an already open go-tpm transport.
func NewChannel(t transport.TPM, closer io.Closer) CommandChannel {
	return &goTPMChannel{transport: t, closer: closer}
}

// OpenChannel opens the TPM described by config: the embedded simulator,
// a swtpm unix socket (paths ending in .sock) or a character device.
func OpenChannel(config *Config) (CommandChannel, error) {
	if config.UseSimulator {
		sim, err := simulatorOpener()
		if err != nil {
			return nil, err
		}
		return NewChannel(sim.Transport(), sim), nil
	}
	if strings.HasSuffix(config.DevicePath, ".sock") {
		t, err := linuxudstpm.Open(config.DevicePath)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrOpeningDevice, config.DevicePath, err)
		}
		return NewChannel(t, t), nil
	}
	f, err := os.OpenFile(config.DevicePath, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrOpeningDevice, config.DevicePath, err)
	}
	return NewChannel(transport.FromReadWriter(f), f), nil
}

func (c *goTPMChannel) ReadPublic(handle tpm2.TPMHandle) (*PublicArea, error) {
	rsp, err := tpm2.ReadPublic{ObjectHandle: handle}.Execute(c.transport)
	metrics.RecordTPMCommand("ReadPublic", err)
	if err != nil {
		return nil, err
	}
	pub, err := rsp.OutPublic.Contents()
	if err != nil {
		return nil, err
	}
	return &PublicArea{
		Object: Object{Handle: handle, Name: rsp.Name},
		Public: *pub,
		Bytes:  tpm2.Marshal(rsp.OutPublic),
	}, nil
}

func (c *goTPMChannel) CreatePrimary(hierarchy tpm2.TPMHandle, template tpm2.TPMTPublic) (*Object, error) {
	rsp, err := tpm2.CreatePrimary{
		PrimaryHandle: tpm2.AuthHandle{
			Handle: hierarchy,
			Auth:   tpm2.PasswordAuth(nil),
		},
		InPublic: tpm2.New2B(template),
	}.Execute(c.transport)
	metrics.RecordTPMCommand("CreatePrimary", err)
	if err != nil {
		return nil, err
	}
	return &Object{Handle: rsp.ObjectHandle, Name: rsp.Name}, nil
}

func (c *goTPMChannel) EvictControl(hierarchy tpm2.TPMHandle, object Object, persistent tpm2.TPMHandle) error {
	_, err := tpm2.EvictControl{
		Auth: tpm2.AuthHandle{
			Handle: hierarchy,
			Auth:   tpm2.PasswordAuth(nil),
		},
		ObjectHandle: &tpm2.NamedHandle{
			Handle: object.Handle,
			Name:   object.Name,
		},
		PersistentHandle: persistent,
	}.Execute(c.transport)
	metrics.RecordTPMCommand("EvictControl", err)
	return err
}

func (c *goTPMChannel) FlushContext(handle tpm2.TPMHandle) error {
	_, err := tpm2.FlushContext{FlushHandle: handle}.Execute(c.transport)
	metrics.RecordTPMCommand("FlushContext", err)
	return err
}

// policySession keeps the go-tpm session so its nonce can be used by
// PolicySecret and its HMAC by ActivateCredential.
type policySession struct {
	tpm2.Session
}

func (c *goTPMChannel) StartPolicySession() (Session, error) {
	// The closer returned by go-tpm only flushes the handle; callers release
	// the session through FlushContext.
	sess, _, err := tpm2.PolicySession(c.transport, tpm2.TPMAlgSHA256, 16)
	metrics.RecordTPMCommand("StartAuthSession", err)
	if err != nil {
		return nil, err
	}
	return &policySession{Session: sess}, nil
}

func (c *goTPMChannel) PolicySecret(session Session, authHandle tpm2.TPMHandle) error {
	sess, ok := session.(*policySession)
	if !ok {
		return ErrInvalidSession
	}
	_, err := tpm2.PolicySecret{
		AuthHandle: tpm2.AuthHandle{
			Handle: authHandle,
			Auth:   tpm2.PasswordAuth(nil),
		},
		NonceTPM:      sess.NonceTPM(),
		PolicySession: sess.Handle(),
	}.Execute(c.transport)
	metrics.RecordTPMCommand("PolicySecret", err)
	return err
}

func (c *goTPMChannel) ActivateCredential(session Session, activate, key Object, credentialBlob, secret []byte) ([]byte, error) {
	sess, ok := session.(*policySession)
	if !ok {
		return nil, ErrInvalidSession
	}
	rsp, err := tpm2.ActivateCredential{
		ActivateHandle: tpm2.AuthHandle{
			Handle: activate.Handle,
			Name:   activate.Name,
			Auth:   tpm2.PasswordAuth(nil),
		},
		KeyHandle: tpm2.AuthHandle{
			Handle: key.Handle,
			Name:   key.Name,
			Auth:   sess.Session,
		},
		CredentialBlob: tpm2.TPM2BIDObject{Buffer: credentialBlob},
		Secret:         tpm2.TPM2BEncryptedSecret{Buffer: secret},
	}.Execute(c.transport)
	metrics.RecordTPMCommand("ActivateCredential", err)
	if err != nil {
		return nil, err
	}
	return rsp.CertInfo.Buffer, nil
}

// Import wraps the duplicate with an AES-CFB inner wrapper whose key size is
// taken from encryptionKey.
func (c *goTPMChannel) Import(parent Object, encryptionKey, objectPublic, duplicate, symSeed []byte) ([]byte, error) {
	rsp, err := tpm2.Import{
		ParentHandle: tpm2.AuthHandle{
			Handle: parent.Handle,
			Name:   parent.Name,
			Auth:   tpm2.PasswordAuth(nil),
		},
		EncryptionKey: tpm2.TPM2BData{Buffer: encryptionKey},
		ObjectPublic:  tpm2.BytesAs2B[tpm2.TPMTPublic](objectPublic),
		Duplicate:     tpm2.TPM2BPrivate{Buffer: duplicate},
		InSymSeed:     tpm2.TPM2BEncryptedSecret{Buffer: symSeed},
		Symmetric: tpm2.TPMTSymDef{
			Algorithm: tpm2.TPMAlgAES,
			KeyBits: tpm2.NewTPMUSymKeyBits(
				tpm2.TPMAlgAES,
				tpm2.TPMKeyBits(len(encryptionKey)*8),
			),
			Mode: tpm2.NewTPMUSymMode(
				tpm2.TPMAlgAES,
				tpm2.TPMAlgCFB,
			),
		},
	}.Execute(c.transport)
	metrics.RecordTPMCommand("Import", err)
	if err != nil {
		return nil, err
	}
	return rsp.OutPrivate.Buffer, nil
}

func (c *goTPMChannel) Load(parent Object, private, public []byte) (*Object, error) {
	rsp, err := tpm2.Load{
		ParentHandle: tpm2.AuthHandle{
			Handle: parent.Handle,
			Name:   parent.Name,
			Auth:   tpm2.PasswordAuth(nil),
		},
		InPrivate: tpm2.TPM2BPrivate{Buffer: private},
		InPublic:  tpm2.BytesAs2B[tpm2.TPMTPublic](public),
	}.Execute(c.transport)
	metrics.RecordTPMCommand("Load", err)
	if err != nil {
		return nil, err
	}
	return &Object{Handle: rsp.ObjectHandle, Name: rsp.Name}, nil
}

func (c *goTPMChannel) HMAC(key Object, data []byte, hashAlg tpm2.TPMIAlgHash) ([]byte, error) {
	rsp, err := tpm2.Hmac{
		Handle: tpm2.AuthHandle{
			Handle: key.Handle,
			Name:   key.Name,
			Auth:   tpm2.PasswordAuth(nil),
		},
		Buffer:  tpm2.TPM2BMaxBuffer{Buffer: data},
		HashAlg: hashAlg,
	}.Execute(c.transport)
	metrics.RecordTPMCommand("HMAC", err)
	if err != nil {
		return nil, err
	}
	return rsp.OutHMAC.Buffer, nil
}

func (c *goTPMChannel) HmacStart(key Object, auth []byte, hashAlg tpm2.TPMIAlgHash) (tpm2.TPMHandle, error) {
	rsp, err := tpm2.HmacStart{
		Handle: tpm2.AuthHandle{
			Handle: key.Handle,
			Name:   key.Name,
			Auth:   tpm2.PasswordAuth(nil),
		},
		Auth:    tpm2.TPM2BAuth{Buffer: auth},
		HashAlg: hashAlg,
	}.Execute(c.transport)
	metrics.RecordTPMCommand("HmacStart", err)
	if err != nil {
		return 0, err
	}
	return rsp.SequenceHandle, nil
}

func (c *goTPMChannel) SequenceUpdate(sequence tpm2.TPMHandle, auth, chunk []byte) error {
	_, err := tpm2.SequenceUpdate{
		SequenceHandle: tpm2.AuthHandle{
			Handle: sequence,
			Auth:   tpm2.PasswordAuth(auth),
		},
		Buffer: tpm2.TPM2BMaxBuffer{Buffer: chunk},
	}.Execute(c.transport)
	metrics.RecordTPMCommand("SequenceUpdate", err)
	return err
}

func (c *goTPMChannel) SequenceComplete(sequence tpm2.TPMHandle, auth, chunk []byte) ([]byte, error) {
	rsp, err := tpm2.SequenceComplete{
		SequenceHandle: tpm2.AuthHandle{
			Handle: sequence,
			Auth:   tpm2.PasswordAuth(auth),
		},
		Buffer:    tpm2.TPM2BMaxBuffer{Buffer: chunk},
		Hierarchy: tpm2.TPMRHNull,
	}.Execute(c.transport)
	metrics.RecordTPMCommand("SequenceComplete", err)
	if err != nil {
		return nil, err
	}
	return rsp.Result.Buffer, nil
}

func (c *goTPMChannel) GetRandom(size int) ([]byte, error) {
	rsp, err := tpm2.GetRandom{BytesRequested: uint16(size)}.Execute(c.transport)
	metrics.RecordTPMCommand("GetRandom", err)
	if err != nil {
		return nil, err
	}
	return rsp.RandomBytes.Buffer, nil
}

// MaxInputBuffer returns TPM_PT_INPUT_BUFFER, the largest TPM2B_MAX_BUFFER the
// TPM accepts, or 1024 when the property is not reported.
func (c *goTPMChannel) MaxInputBuffer() (int, error) {
	rsp, err := tpm2.GetCapability{
		Capability:    tpm2.TPMCapTPMProperties,
		Property:      uint32(tpm2.TPMPTInputBuffer),
		PropertyCount: 1,
	}.Execute(c.transport)
	metrics.RecordTPMCommand("GetCapability", err)
	if err != nil {
		return 0, err
	}
	props, err := rsp.CapabilityData.Data.TPMProperties()
	if err != nil {
		return 0, err
	}
	for _, prop := range props.TPMProperty {
		if prop.Property == tpm2.TPMPTInputBuffer && prop.Value > 0 {
			return int(prop.Value), nil
		}
	}
	return defaultMaxInputBuffer, nil
}

func (c *goTPMChannel) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	if c.closer == nil {
		return nil
	}
	return c.closer.Close()
}

// isHandleNotFound reports whether err is the TPM's response to a handle
// that references no object: TPM_RC_HANDLE, or TPM_RC_VALUE which some TPMs
// return for an unpopulated persistent handle.
func isHandleNotFound(err error) bool {
	if err == nil {
		return false
	}
	var rc tpm2.TPMRC
	if errors.As(err, &rc) {
		// Format-one codes carry the handle/parameter index in bits 6 and 8-11.
		if rc&0x080 != 0 {
			rc &= 0x0BF
		}
		return rc == tpm2.TPMRCHandle || rc == tpm2.TPMRCValue
	}
	return strings.Contains(err.Error(), "TPM_RC_HANDLE")
}
