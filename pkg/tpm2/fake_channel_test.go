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
	"crypto/hmac"
	"crypto/sha256"
	"errors"
	"sync"

	"github.com/google/go-tpm/tpm2"
)

var errHandleNotFound = tpm2.TPMRC(0x18b)

type fakeSession struct {
	handle tpm2.TPMHandle
}

func (s *fakeSession) Handle() tpm2.TPMHandle { return s.handle }

// fakeChannel emulates the persistent handle space and records every command
// issued. Individual commands can be failed through the fail map.
type fakeChannel struct {
	mu sync.Mutex

	persistent map[tpm2.TPMHandle]*PublicArea
	transient  map[tpm2.TPMHandle]tpm2.TPMTPublic
	nextHandle tpm2.TPMHandle
	sequences  map[tpm2.TPMHandle][]byte

	maxInputBuffer int
	hmacKey        []byte
	wrapKey        []byte

	commands []string
	flushed  []tpm2.TPMHandle
	fail     map[string]error
	closed   int
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{
		persistent:     make(map[tpm2.TPMHandle]*PublicArea),
		transient:      make(map[tpm2.TPMHandle]tpm2.TPMTPublic),
		sequences:      make(map[tpm2.TPMHandle][]byte),
		nextHandle:     0x80000001,
		maxInputBuffer: 1024,
		hmacKey:        []byte("identity-key-secret"),
		wrapKey:        make([]byte, 16),
		fail:           make(map[string]error),
	}
}

func (f *fakeChannel) record(cmd string) error {
	f.commands = append(f.commands, cmd)
	return f.fail[cmd]
}

func (f *fakeChannel) count(cmd string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.commands {
		if c == cmd {
			n++
		}
	}
	return n
}

func (f *fakeChannel) transientCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.transient)
}

func (f *fakeChannel) allocate(pub tpm2.TPMTPublic) tpm2.TPMHandle {
	h := f.nextHandle
	f.nextHandle++
	f.transient[h] = pub
	return h
}

func (f *fakeChannel) ReadPublic(handle tpm2.TPMHandle) (*PublicArea, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("ReadPublic"); err != nil {
		return nil, err
	}
	pub, ok := f.persistent[handle]
	if !ok {
		return nil, errHandleNotFound
	}
	return pub, nil
}

func (f *fakeChannel) CreatePrimary(hierarchy tpm2.TPMHandle, template tpm2.TPMTPublic) (*Object, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("CreatePrimary"); err != nil {
		return nil, err
	}
	h := f.allocate(template)
	return &Object{Handle: h, Name: tpm2.TPM2BName{Buffer: []byte{byte(hierarchy), byte(h)}}}, nil
}

func (f *fakeChannel) EvictControl(hierarchy tpm2.TPMHandle, object Object, persistent tpm2.TPMHandle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("EvictControl"); err != nil {
		return err
	}
	if object.Handle == persistent {
		if _, ok := f.persistent[persistent]; !ok {
			return errHandleNotFound
		}
		delete(f.persistent, persistent)
		return nil
	}
	if _, ok := f.persistent[persistent]; ok {
		return tpm2.TPMRC(0x14c) // TPM_RC_NV_DEFINED
	}
	pub, ok := f.transient[object.Handle]
	if !ok {
		return errHandleNotFound
	}
	f.persistent[persistent] = fakePublicArea(persistent, pub)
	return nil
}

func (f *fakeChannel) FlushContext(handle tpm2.TPMHandle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("FlushContext"); err != nil {
		return err
	}
	f.flushed = append(f.flushed, handle)
	delete(f.transient, handle)
	delete(f.sequences, handle)
	return nil
}

func (f *fakeChannel) StartPolicySession() (Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("StartAuthSession"); err != nil {
		return nil, err
	}
	return &fakeSession{handle: f.allocate(tpm2.TPMTPublic{})}, nil
}

func (f *fakeChannel) PolicySecret(session Session, authHandle tpm2.TPMHandle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.record("PolicySecret")
}

func (f *fakeChannel) ActivateCredential(session Session, activate, key Object, credentialBlob, secret []byte) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("ActivateCredential"); err != nil {
		return nil, err
	}
	return f.wrapKey, nil
}

func (f *fakeChannel) Import(parent Object, encryptionKey, objectPublic, duplicate, symSeed []byte) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("Import"); err != nil {
		return nil, err
	}
	return append([]byte("private:"), duplicate...), nil
}

func (f *fakeChannel) Load(parent Object, private, public []byte) (*Object, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("Load"); err != nil {
		return nil, err
	}
	h := f.allocate(hmacKeyPublic())
	return &Object{Handle: h, Name: tpm2.TPM2BName{Buffer: []byte{byte(h)}}}, nil
}

func (f *fakeChannel) HMAC(key Object, data []byte, hashAlg tpm2.TPMIAlgHash) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("HMAC"); err != nil {
		return nil, err
	}
	mac := hmac.New(sha256.New, f.hmacKey)
	mac.Write(data)
	return mac.Sum(nil), nil
}

func (f *fakeChannel) HmacStart(key Object, auth []byte, hashAlg tpm2.TPMIAlgHash) (tpm2.TPMHandle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("HmacStart"); err != nil {
		return 0, err
	}
	h := f.allocate(tpm2.TPMTPublic{})
	f.sequences[h] = nil
	return h, nil
}

func (f *fakeChannel) SequenceUpdate(sequence tpm2.TPMHandle, auth, chunk []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("SequenceUpdate"); err != nil {
		return err
	}
	if len(chunk) > f.maxInputBuffer {
		return tpm2.TPMRC(0x095) // TPM_RC_SIZE
	}
	f.sequences[sequence] = append(f.sequences[sequence], chunk...)
	return nil
}

func (f *fakeChannel) SequenceComplete(sequence tpm2.TPMHandle, auth, chunk []byte) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("SequenceComplete"); err != nil {
		return nil, err
	}
	data := append(f.sequences[sequence], chunk...)
	delete(f.sequences, sequence)
	delete(f.transient, sequence)
	mac := hmac.New(sha256.New, f.hmacKey)
	mac.Write(data)
	return mac.Sum(nil), nil
}

func (f *fakeChannel) GetRandom(size int) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("GetRandom"); err != nil {
		return nil, err
	}
	return make([]byte, size), nil
}

func (f *fakeChannel) MaxInputBuffer() (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("GetCapability"); err != nil {
		return 0, err
	}
	return f.maxInputBuffer, nil
}

func (f *fakeChannel) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed++
	return nil
}

func (f *fakeChannel) failOn(cmd string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fail[cmd] = errors.New("tpm: " + cmd + " failed")
}

func (f *fakeChannel) reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commands = nil
	f.flushed = nil
	f.fail = make(map[string]error)
}

func fakePublicArea(handle tpm2.TPMHandle, pub tpm2.TPMTPublic) *PublicArea {
	b2 := tpm2.New2B(pub)
	return &PublicArea{
		Object: Object{Handle: handle, Name: tpm2.TPM2BName{Buffer: []byte{byte(handle >> 24), byte(handle)}}},
		Public: pub,
		Bytes:  tpm2.Marshal(b2),
	}
}

func hmacKeyPublic() tpm2.TPMTPublic {
	return tpm2.TPMTPublic{
		Type:    tpm2.TPMAlgKeyedHash,
		NameAlg: tpm2.TPMAlgSHA256,
		ObjectAttributes: tpm2.TPMAObject{
			SignEncrypt:  true,
			UserWithAuth: true,
		},
		Parameters: tpm2.NewTPMUPublicParms(tpm2.TPMAlgKeyedHash,
			&tpm2.TPMSKeyedHashParms{
				Scheme: tpm2.TPMTKeyedHashScheme{
					Scheme: tpm2.TPMAlgHMAC,
					Details: tpm2.NewTPMUSchemeKeyedHash(tpm2.TPMAlgHMAC,
						&tpm2.TPMSSchemeHMAC{
							HashAlg: tpm2.TPMAlgSHA256,
						}),
				},
			}),
	}
}

func newTestClient(ch *fakeChannel) *SecurityClient {
	client, err := NewSecurityClient(&Params{
		Opener: func() (CommandChannel, error) { return ch, nil },
	})
	if err != nil {
		panic(err)
	}
	return client
}

func testActivationBlob() []byte {
	blob := &ActivationBlob{
		CredentialBlob:   []byte("credential"),
		EncryptedSecret:  []byte("secret"),
		IDKeyDuplicate:   []byte("duplicate"),
		EncryptedWrapKey: []byte("wrap"),
		IDKeyPublic:      tpm2.Marshal(hmacKeyPublic()),
	}
	return blob.Marshal()
}
