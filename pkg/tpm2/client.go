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
	"crypto/sha256"
	"encoding/base32"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/go-tpm/tpm2"
	"github.com/jeremyhahn/go-dps/pkg/logging"
	"github.com/jeremyhahn/go-dps/pkg/metrics"
	"github.com/jeremyhahn/go-dps/pkg/types"
)

// sequenceAuthSize is the number of random bytes used to authorize an
// HMAC sequence.
const sequenceAuthSize = 16

type clientState int

const (
	stateDisconnected clientState = iota
	stateConnecting
	stateConnected
)

func (s clientState) String() string {
	switch s {
	case stateConnecting:
		return "connecting"
	case stateConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

// Params configures a SecurityClient.
type Params struct {
	Config *Config
	Logger *logging.Logger

	// Opener overrides how the command channel is opened. Defaults to
	// OpenChannel(Config).
	Opener ChannelOpener
}

// SecurityClient is the TPM side of device provisioning. It owns the
// endorsement key, the storage root key and the identity key that the
// provisioning service delivers during attestation.
//
// The channel is opened lazily on the first call that needs the TPM. Any
// TPM failure closes the channel and the next call reconnects; commands are
// never retried internally. All methods are safe for concurrent use.
type SecurityClient struct {
	mu       sync.Mutex
	config   *Config
	logger   *logging.Logger
	open     ChannelOpener
	channel  CommandChannel
	state    clientState
	ek       *PublicArea
	srk      *PublicArea
	identity *PublicArea
}

// NewSecurityClient validates params and returns a disconnected client.
func NewSecurityClient(params *Params) (*SecurityClient, error) {
	config := params.Config
	if config == nil {
		config = DefaultConfig()
	}
	config.applyDefaults()
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", types.ErrInvalidArgument, err)
	}
	logger := params.Logger
	if logger == nil {
		logger = logging.DefaultLogger()
	}
	opener := params.Opener
	if opener == nil {
		opener = func() (CommandChannel, error) {
			return OpenChannel(config)
		}
	}
	return &SecurityClient{
		config: config,
		logger: logger.With(slog.String("component", "tpm")),
		open:   opener,
	}, nil
}

// GetEndorsementKey returns the TPM2B_PUBLIC encoding of the endorsement key.
func (c *SecurityClient) GetEndorsementKey() ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.connect(); err != nil {
		return nil, err
	}
	return clone(c.ek.Bytes), nil
}

// GetStorageRootKey returns the TPM2B_PUBLIC encoding of the storage root key.
func (c *SecurityClient) GetStorageRootKey() ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.connect(); err != nil {
		return nil, err
	}
	return clone(c.srk.Bytes), nil
}

// GetRegistrationID returns the configured registration id or derives one
// from the endorsement key: the lower case, unpadded base32 encoding of
// SHA-256 over the TPM2B_PUBLIC bytes.
func (c *SecurityClient) GetRegistrationID() (string, error) {
	if c.config.RegistrationID != "" {
		return c.config.RegistrationID, nil
	}
	ek, err := c.GetEndorsementKey()
	if err != nil {
		return "", err
	}
	return RegistrationIDFromEndorsementKey(ek), nil
}

// RegistrationIDFromEndorsementKey derives the provisioning registration id
// for an endorsement key in TPM2B_PUBLIC form.
func RegistrationIDFromEndorsementKey(ek []byte) string {
	digest := sha256.Sum256(ek)
	encoded := base32.StdEncoding.EncodeToString(digest[:])
	return strings.ToLower(strings.TrimRight(encoded, "="))
}

// ActivateIdentityKey decrypts the identity key delivered by the provisioning
// service and persists it at the identity key handle. A previous identity
// key at that handle is evicted first.
func (c *SecurityClient) ActivateIdentityKey(blob []byte) error {
	if len(blob) == 0 {
		return fmt.Errorf("%w: empty activation blob", types.ErrInvalidArgument)
	}
	parsed, err := ParseActivationBlob(blob)
	if err != nil {
		return fmt.Errorf("%w: %w", types.ErrInvalidArgument, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.connect(); err != nil {
		return err
	}

	start := time.Now()
	identity, err := c.activate(parsed)
	if err != nil {
		metrics.RecordOperation(metrics.OpActivateIdentity, metrics.StatusError, time.Since(start).Seconds())
		c.fail()
		return fmt.Errorf("%w: identity key activation: %w", types.ErrSecurityDevice, err)
	}
	metrics.RecordOperation(metrics.OpActivateIdentity, metrics.StatusSuccess, time.Since(start).Seconds())
	c.identity = identity
	c.logger.Info("tpm: identity key activated",
		slog.String("handle", fmt.Sprintf("0x%x", c.config.IdentityKeyHandle)))
	return nil
}

func (c *SecurityClient) activate(blob *ActivationBlob) (*PublicArea, error) {
	ch := c.channel

	session, err := ch.StartPolicySession()
	if err != nil {
		return nil, fmt.Errorf("start policy session: %w", err)
	}
	defer c.flush(session.Handle())

	if err := ch.PolicySecret(session, tpm2.TPMRHEndorsement); err != nil {
		return nil, fmt.Errorf("policy secret: %w", err)
	}

	innerWrapKey, err := ch.ActivateCredential(session, c.srk.Object, c.ek.Object,
		blob.CredentialBlob, blob.EncryptedSecret)
	if err != nil {
		return nil, fmt.Errorf("activate credential: %w", err)
	}

	private, err := ch.Import(c.srk.Object, innerWrapKey, blob.IDKeyPublic,
		blob.IDKeyDuplicate, blob.EncryptedWrapKey)
	if err != nil {
		return nil, fmt.Errorf("import: %w", err)
	}

	loaded, err := ch.Load(c.srk.Object, private, blob.IDKeyPublic)
	if err != nil {
		return nil, fmt.Errorf("load: %w", err)
	}
	defer c.flush(loaded.Handle)

	handle := tpm2.TPMHandle(c.config.IdentityKeyHandle)
	prior, err := ch.ReadPublic(handle)
	switch {
	case err == nil:
		if err := ch.EvictControl(tpm2.TPMRHOwner, prior.Object, handle); err != nil {
			return nil, fmt.Errorf("evict previous identity key: %w", err)
		}
	case !isHandleNotFound(err):
		return nil, fmt.Errorf("read previous identity key: %w", err)
	}

	if err := ch.EvictControl(tpm2.TPMRHOwner, *loaded, handle); err != nil {
		return nil, fmt.Errorf("persist identity key: %w", err)
	}

	identity, err := ch.ReadPublic(handle)
	if err != nil {
		return nil, fmt.Errorf("read identity key: %w", err)
	}
	return identity, nil
}

// SignWithIdentity returns the HMAC of data keyed by the activated identity
// key. Data larger than the TPM input buffer is streamed through an HMAC
// sequence.
//
// Only the cached identity key is consulted, without touching the TPM. A key
// persisted by an earlier process is picked up by any call that connects,
// such as GetEndorsementKey or GetRegistrationID.
func (c *SecurityClient) SignWithIdentity(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty data", types.ErrInvalidArgument)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.identity == nil {
		return nil, fmt.Errorf("%w: identity key has not been activated", types.ErrInvalidOperation)
	}
	if err := c.connect(); err != nil {
		return nil, err
	}

	start := time.Now()
	sig, err := c.sign(data)
	if err != nil {
		metrics.RecordOperation(metrics.OpSign, metrics.StatusError, time.Since(start).Seconds())
		c.fail()
		return nil, fmt.Errorf("%w: sign: %w", types.ErrSecurityDevice, err)
	}
	metrics.RecordOperation(metrics.OpSign, metrics.StatusSuccess, time.Since(start).Seconds())
	return sig, nil
}

func (c *SecurityClient) sign(data []byte) ([]byte, error) {
	ch := c.channel
	key := c.identity.Object
	hashAlg := signingHashAlg(c.identity.Public)

	maxBuffer, err := ch.MaxInputBuffer()
	if err != nil || maxBuffer <= 0 {
		c.logger.Debugf("tpm: using default input buffer size: %v", err)
		maxBuffer = defaultMaxInputBuffer
	}

	if len(data) <= maxBuffer {
		return ch.HMAC(key, data, hashAlg)
	}

	auth, err := ch.GetRandom(sequenceAuthSize)
	if err != nil {
		return nil, fmt.Errorf("sequence auth: %w", err)
	}
	sequence, err := ch.HmacStart(key, auth, hashAlg)
	if err != nil {
		return nil, fmt.Errorf("hmac start: %w", err)
	}
	for len(data) > maxBuffer {
		if err := ch.SequenceUpdate(sequence, auth, data[:maxBuffer]); err != nil {
			c.flush(sequence)
			return nil, fmt.Errorf("sequence update: %w", err)
		}
		data = data[maxBuffer:]
	}
	// SequenceComplete releases the sequence handle
	digest, err := ch.SequenceComplete(sequence, auth, data)
	if err != nil {
		c.flush(sequence)
		return nil, fmt.Errorf("sequence complete: %w", err)
	}
	return digest, nil
}

// HasIdentityKey reports whether an identity key is available for signing.
func (c *SecurityClient) HasIdentityKey() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.identity != nil
}

// Close releases the command channel. Persistent keys stay in the TPM.
func (c *SecurityClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.channel == nil {
		c.state = stateDisconnected
		return nil
	}
	err := c.channel.Close()
	c.channel = nil
	c.state = stateDisconnected
	return err
}

// connect opens the channel and makes sure the endorsement and storage root
// keys exist. Must be called with mu held.
func (c *SecurityClient) connect() error {
	if c.state == stateConnected {
		return nil
	}
	c.state = stateConnecting
	start := time.Now()

	ch, err := c.open()
	if err != nil {
		c.state = stateDisconnected
		return fmt.Errorf("%w: open: %w", types.ErrSecurityDevice, err)
	}
	c.channel = ch

	ek, err := c.ensurePrimary(tpm2.TPMRHEndorsement, tpm2.RSAEKTemplate, c.config.EKHandle)
	if err != nil {
		c.fail()
		return fmt.Errorf("%w: endorsement key: %w", types.ErrSecurityDevice, err)
	}
	srk, err := c.ensurePrimary(tpm2.TPMRHOwner, tpm2.RSASRKTemplate, c.config.SRKHandle)
	if err != nil {
		c.fail()
		return fmt.Errorf("%w: storage root key: %w", types.ErrSecurityDevice, err)
	}
	c.ek, c.srk = ek, srk

	identity, err := ch.ReadPublic(tpm2.TPMHandle(c.config.IdentityKeyHandle))
	if err == nil {
		c.identity = identity
	} else if !isHandleNotFound(err) {
		c.logger.Warnf("tpm: reading identity key: %v", err)
	}

	c.state = stateConnected
	c.logger.Debug("tpm: connected",
		slog.Duration("elapsed", time.Since(start)),
		slog.Bool("identity_key", c.identity != nil))
	return nil
}

// ensurePrimary reads the persistent key at handle, creating and persisting
// it from template when the handle is empty.
func (c *SecurityClient) ensurePrimary(hierarchy tpm2.TPMHandle, template tpm2.TPMTPublic, handle uint32) (*PublicArea, error) {
	persistent := tpm2.TPMHandle(handle)
	pub, err := c.channel.ReadPublic(persistent)
	if err == nil {
		return pub, nil
	}
	if !isHandleNotFound(err) {
		return nil, err
	}

	c.logger.Info("tpm: creating primary key",
		slog.String("handle", fmt.Sprintf("0x%x", handle)))
	obj, err := c.channel.CreatePrimary(hierarchy, template)
	if err != nil {
		return nil, fmt.Errorf("create primary: %w", err)
	}
	defer c.flush(obj.Handle)

	if err := c.channel.EvictControl(tpm2.TPMRHOwner, *obj, persistent); err != nil {
		return nil, fmt.Errorf("persist primary: %w", err)
	}
	return c.channel.ReadPublic(persistent)
}

// fail closes the channel after a TPM error. Cached key material is kept;
// it is refreshed on the next connect.
func (c *SecurityClient) fail() {
	if c.channel != nil {
		if err := c.channel.Close(); err != nil {
			c.logger.Debugf("tpm: closing channel: %v", err)
		}
		c.channel = nil
	}
	c.state = stateDisconnected
}

func (c *SecurityClient) flush(handle tpm2.TPMHandle) {
	if c.channel == nil {
		return
	}
	if err := c.channel.FlushContext(handle); err != nil {
		c.logger.Debugf("tpm: flushing handle 0x%x: %v", handle, err)
	}
}

// signingHashAlg returns the hash of a keyed hash HMAC scheme, falling back
// to the name algorithm.
func signingHashAlg(pub tpm2.TPMTPublic) tpm2.TPMIAlgHash {
	if pub.Type == tpm2.TPMAlgKeyedHash {
		detail, err := pub.Parameters.KeyedHashDetail()
		if err == nil && detail.Scheme.Scheme == tpm2.TPMAlgHMAC {
			if scheme, err := detail.Scheme.Details.HMAC(); err == nil {
				return scheme.HashAlg
			}
		}
	}
	return pub.NameAlg
}

func clone(b []byte) []byte {
	return append([]byte(nil), b...)
}
