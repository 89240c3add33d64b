// Copyright (c) 2024 The wacore Authors
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package testsignal is a reference double for the signal.Repository
// capability boundary. It is not a Signal protocol implementation: X3DH and
// the double ratchet are reduced to deterministic HKDF-derived symmetric
// keys, just enough structure (a "pkmsg" the first time a session is
// installed, a "msg" afterward, and an AEAD-sealed ciphertext that only
// round-trips if the two sides agree on the key material) to let callers in
// this module assert on real encrypt/decrypt shape without depending on an
// actual libsignal binding.
package testsignal

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"
	"sync"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"go.mau.fi/wacore/signal"
)

type session struct {
	key  []byte
	used bool
}

type groupChain struct {
	key  []byte
	skdm []byte
}

// Repository is the in-memory signal.Repository double. The zero value is
// not usable; construct with New.
type Repository struct {
	mu       sync.Mutex
	identity []byte
	sessions map[string]*session
	groups   map[string]*groupChain
}

func New() *Repository {
	identity := make([]byte, 32)
	_, _ = rand.Read(identity)
	return &Repository{
		identity: identity,
		sessions: make(map[string]*session),
		groups:   make(map[string]*groupChain),
	}
}

func deriveKey(seed []byte, info string) ([]byte, error) {
	r := hkdf.New(sha256.New, seed, nil, []byte(info))
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, err
	}
	return key, nil
}

func (r *Repository) HasSession(_ context.Context, address string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.sessions[address]
	return ok, nil
}

func (r *Repository) ProcessPreKeyBundle(_ context.Context, address string, bundle signal.PreKeyBundle) error {
	seed := append(append([]byte{}, bundle.IdentityKey...), bundle.SignedPreKey...)
	key, err := deriveKey(seed, "wacore-testsignal-session/"+address)
	if err != nil {
		return fmt.Errorf("testsignal: derive session key: %w", err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[address] = &session{key: key}
	return nil
}

func (r *Repository) Encrypt(_ context.Context, address string, plaintext []byte) (signal.EncryptResult, error) {
	r.mu.Lock()
	sess, ok := r.sessions[address]
	r.mu.Unlock()
	if !ok {
		return signal.EncryptResult{}, fmt.Errorf("testsignal: no session for %s", address)
	}
	ciphertext, err := seal(sess.key, plaintext)
	if err != nil {
		return signal.EncryptResult{}, err
	}
	msgType := signal.MessageTypeNormal
	r.mu.Lock()
	firstUse := !sess.used
	sess.used = true
	r.mu.Unlock()
	if firstUse {
		msgType = signal.MessageTypePreKey
	}
	return signal.EncryptResult{Type: msgType, Ciphertext: ciphertext}, nil
}

func (r *Repository) SignedDeviceIdentity(_ context.Context) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]byte(nil), r.identity...), nil
}

func (r *Repository) EncryptGroupMessage(_ context.Context, groupID, meAddress string, plaintext []byte) ([]byte, []byte, error) {
	r.mu.Lock()
	chain, ok := r.groups[groupID]
	if !ok {
		seed := make([]byte, 32)
		_, _ = rand.Read(seed)
		key, err := deriveKey(seed, "wacore-testsignal-group/"+groupID+"/"+meAddress)
		if err != nil {
			r.mu.Unlock()
			return nil, nil, fmt.Errorf("testsignal: derive group key: %w", err)
		}
		chain = &groupChain{key: key, skdm: append([]byte("skdm:"), seed...)}
		r.groups[groupID] = chain
	}
	key := chain.key
	skdm := chain.skdm
	r.mu.Unlock()

	ciphertext, err := seal(key, plaintext)
	if err != nil {
		return nil, nil, err
	}
	return ciphertext, skdm, nil
}

func (r *Repository) ProcessSenderKeyDistributionMessage(_ context.Context, groupID, senderAddress string, skdm []byte) error {
	if len(skdm) < 5 {
		return fmt.Errorf("testsignal: malformed skdm")
	}
	key, err := deriveKey(skdm[5:], "wacore-testsignal-group/"+groupID+"/"+senderAddress)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.groups[groupID] = &groupChain{key: key, skdm: skdm}
	return nil
}

func seal(key, plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("testsignal: new aead: %w", err)
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("testsignal: nonce: %w", err)
	}
	return aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Open decrypts a ciphertext produced by seal, exposed for tests that want
// to assert on round-trip plaintext rather than just ciphertext shape.
func Open(key, ciphertext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}
	if len(ciphertext) < aead.NonceSize() {
		return nil, fmt.Errorf("testsignal: ciphertext too short")
	}
	nonce, sealed := ciphertext[:aead.NonceSize()], ciphertext[aead.NonceSize():]
	return aead.Open(nil, nonce, sealed, nil)
}

var _ signal.Repository = (*Repository)(nil)
