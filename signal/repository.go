// Copyright (c) 2024 The wacore Authors
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package signal defines the opaque Signal-protocol capability boundary
// spec.md §1 treats as a given: X3DH session establishment, the double
// ratchet, and sender-key group encryption. Nothing in this module
// implements the cryptography itself; callers supply a Repository backed by
// a real implementation. internal/testsignal provides a reference double
// sufficient for exercising this package's callers in tests.
package signal

import "context"

// MessageType distinguishes a first-message-in-a-session payload (pkmsg,
// carrying the X3DH handshake material) from a payload sent over an
// already-established ratchet (msg).
type MessageType string

const (
	MessageTypePreKey MessageType = "pkmsg"
	MessageTypeNormal MessageType = "msg"
)

// EncryptResult is the outcome of a pairwise (1:1 ratchet) encryption.
type EncryptResult struct {
	Type       MessageType
	Ciphertext []byte
}

// PreKeyBundle is the material needed to initiate a new outbound session
// with a device, as fetched from the network via an `iq/get/encrypt` stanza
// and handed to the repository untouched.
type PreKeyBundle struct {
	IdentityKey   []byte
	SignedPreKey  []byte
	SignedPreKeyID uint32
	Signature     []byte
	PreKey        []byte
	PreKeyID      uint32
	RegistrationID uint32
}

// Repository is the opaque Signal-protocol capability. Address strings are
// the Signal-protocol address form produced by types.JID.SignalAddress
// ("user.device").
type Repository interface {
	// HasSession reports whether a pairwise ratchet session already exists
	// for address.
	HasSession(ctx context.Context, address string) (bool, error)

	// ProcessPreKeyBundle performs the X3DH handshake against bundle,
	// installing a new outbound session for address.
	ProcessPreKeyBundle(ctx context.Context, address string, bundle PreKeyBundle) error

	// Encrypt produces a pairwise ciphertext for address. If no session
	// exists yet, implementations are expected to have one installed via
	// ProcessPreKeyBundle first; encrypting without one is an error.
	Encrypt(ctx context.Context, address string, plaintext []byte) (EncryptResult, error)

	// SignedDeviceIdentity returns the signed long-term identity blob
	// attached as <device-identity> whenever any recipient received a
	// pkmsg this call.
	SignedDeviceIdentity(ctx context.Context) ([]byte, error)

	// EncryptGroupMessage encrypts plaintext under groupID's current
	// sender-key chain for the local address meAddress, rotating/creating
	// the chain if absent. skdm is the sender-key distribution message for
	// the current chain; it is non-nil on every call so the caller can
	// distribute it to any device that hasn't received it yet.
	EncryptGroupMessage(ctx context.Context, groupID, meAddress string, plaintext []byte) (ciphertext, skdm []byte, err error)

	// ProcessSenderKeyDistributionMessage installs a remote sender's group
	// chain so this side can later decrypt skmsg payloads from them. Unused
	// by the outbound relay core itself but part of the same capability
	// boundary; kept for symmetry with EncryptGroupMessage.
	ProcessSenderKeyDistributionMessage(ctx context.Context, groupID, senderAddress string, skdm []byte) error
}
