// Copyright (c) 2024 The wacore Authors
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package participant implements buildParticipantNodes from spec.md §4.H:
// serialize a message once, encrypt it in parallel for every recipient
// device via the opaque Signal repository, and assemble the per-device
// stanza envelope. Grounded on crypto.OlmMachine.encryptGroupSessionForUser's
// per-device loop building one to-device content per recipient
// (crypto/encryptmegolm.go), generalized to parallel fan-out via
// errgroup.Group per spec.md §9's "Promise.all fan-outs translate to task
// join" design note.
package participant

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"go.mau.fi/wacore/signal"
	"go.mau.fi/wacore/types"
	"go.mau.fi/wacore/waproto"
)

// PatchMessageBeforeSending lets higher layers inject per-recipient fields
// into the message immediately before it's serialized, modeled as a
// capability per spec.md §9's callback-shaped-collaborators design note.
type PatchMessageBeforeSending func(msg *waproto.Message, jids []types.JID) *waproto.Message

// Builder is the Participant Node Builder.
type Builder struct {
	repo  signal.Repository
	patch PatchMessageBeforeSending
}

func New(repo signal.Repository, patch PatchMessageBeforeSending) *Builder {
	return &Builder{repo: repo, patch: patch}
}

// Build encrypts message once per recipient device in jids and returns the
// per-device <to><enc></to> nodes plus whether any recipient required a
// device-identity attachment (i.e. at least one encryption produced a
// pkmsg). Returns (nil, false) without calling the encryption primitive for
// empty jids, per spec.md §8's testable property.
func (b *Builder) Build(ctx context.Context, jids []types.JID, message *waproto.Message, extraAttrs types.Attrs) ([]types.Node, bool, error) {
	if len(jids) == 0 {
		return nil, false, nil
	}

	patched := message
	if b.patch != nil {
		patched = b.patch(message, jids)
	}
	plaintext, err := json.Marshal(patched)
	if err != nil {
		return nil, false, fmt.Errorf("participant: serialize message: %w", err)
	}

	nodes := make([]types.Node, len(jids))
	includeDeviceIdentity := make([]bool, len(jids))

	group, gctx := errgroup.WithContext(ctx)
	var mu sync.Mutex
	for i, jid := range jids {
		i, jid := i, jid
		group.Go(func() error {
			result, err := b.repo.Encrypt(gctx, jid.SignalAddress(), plaintext)
			if err != nil {
				return fmt.Errorf("participant: encrypt for %s: %w", jid, err)
			}
			attrs := types.Attrs{"v": "2", "type": string(result.Type)}
			for k, v := range extraAttrs {
				attrs[k] = v
			}
			mu.Lock()
			nodes[i] = types.Node{
				Tag:   "to",
				Attrs: types.NewAttrs("jid", jid.String()),
				Content: []types.Node{{
					Tag:     "enc",
					Attrs:   attrs,
					Content: result.Ciphertext,
				}},
			}
			includeDeviceIdentity[i] = result.Type == signal.MessageTypePreKey
			mu.Unlock()
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, false, err
	}

	anyPreKey := false
	for _, v := range includeDeviceIdentity {
		if v {
			anyPreKey = true
			break
		}
	}
	return nodes, anyPreKey, nil
}
