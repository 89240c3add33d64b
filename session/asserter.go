// Copyright (c) 2024 The wacore Authors
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package session implements the Session Asserter from spec.md §4.E:
// ensuring pairwise Signal sessions exist for a set of recipient JIDs,
// batch-fetching and installing prekey bundles for whatever's missing.
// Grounded on crypto.OlmMachine.createOutboundSessions's prekey-fetch-then-
// install shape and on spec.md §9's explicit "verified set is a best-effort
// optimization, not a correctness aid" design note.
package session

import (
	"context"
	"fmt"
	"sync"

	"go.mau.fi/wacore/signal"
	"go.mau.fi/wacore/store"
	"go.mau.fi/wacore/transport"
	"go.mau.fi/wacore/types"
)

// VerifiedSetBound is the ≈1000-entry cap spec.md §4.E names; the set is
// cleared wholesale on overflow rather than evicting individual entries,
// matching its "optimization, not correctness" status.
const VerifiedSetBound = 1000

// Asserter is the Session Asserter.
type Asserter struct {
	store    *store.KeyStore
	repo     signal.Repository
	sender   transport.Sender
	verified map[string]bool
	mu       sync.Mutex
}

func New(ks *store.KeyStore, repo signal.Repository, sender transport.Sender) *Asserter {
	return &Asserter{store: ks, repo: repo, sender: sender, verified: make(map[string]bool)}
}

// Len reports the verified set's current size, an observability accessor.
func (a *Asserter) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.verified)
}

func dedupe(jids []types.JID) []types.JID {
	seen := make(map[string]bool, len(jids))
	out := make([]types.JID, 0, len(jids))
	for _, j := range jids {
		key := j.String()
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, j)
	}
	return out
}

// AssertSessions ensures a pairwise session exists for every jid in jids.
// Returns whether a fetch was needed. When force is false, jids already
// present in the recently-verified set are skipped entirely.
func (a *Asserter) AssertSessions(ctx context.Context, jids []types.JID, force bool) (bool, error) {
	candidates := dedupe(jids)
	if len(candidates) == 0 {
		return false, nil
	}

	if !force {
		a.mu.Lock()
		filtered := candidates[:0:0]
		for _, j := range candidates {
			if !a.verified[j.SignalAddress()] {
				filtered = append(filtered, j)
			}
		}
		a.mu.Unlock()
		candidates = filtered
	}
	if len(candidates) == 0 {
		return false, nil
	}

	addresses := make([]string, len(candidates))
	for i, j := range candidates {
		addresses[i] = j.SignalAddress()
	}
	existing, err := a.store.Get(ctx, store.CategorySession, addresses)
	if err != nil {
		return false, err
	}

	var toFetch []types.JID
	for _, j := range candidates {
		if _, ok := existing[j.SignalAddress()]; !ok {
			toFetch = append(toFetch, j)
		}
	}
	if len(toFetch) == 0 {
		a.markVerified(candidates)
		return false, nil
	}

	bundles, err := a.fetchPreKeyBundles(ctx, toFetch)
	if err != nil {
		return true, err
	}

	installed := make(map[string]*[]byte, len(toFetch))
	for _, j := range toFetch {
		bundle, ok := bundles[j.SignalAddress()]
		if !ok {
			return true, fmt.Errorf("session: no prekey bundle returned for %s", j)
		}
		if err := a.repo.ProcessPreKeyBundle(ctx, j.SignalAddress(), bundle); err != nil {
			return true, fmt.Errorf("session: install session for %s: %w", j, err)
		}
		marker := []byte{1}
		installed[j.SignalAddress()] = &marker
	}
	// The façade's "session" category records existence, not the ratchet
	// state itself (that lives behind the opaque signal.Repository); this
	// marker is what the next batch read in this function consults.
	if err := a.store.Set(ctx, store.Patch{store.CategorySession: installed}); err != nil {
		return true, fmt.Errorf("session: persist session markers: %w", err)
	}

	a.markVerified(candidates)
	return true, nil
}

func (a *Asserter) markVerified(jids []types.JID) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.verified) >= VerifiedSetBound {
		a.verified = make(map[string]bool)
	}
	for _, j := range jids {
		a.verified[j.SignalAddress()] = true
	}
}

// fetchPreKeyBundles issues one iq/get/encrypt <key> stanza requesting
// prekey bundles for the users behind toFetch, per spec.md §6.
func (a *Asserter) fetchPreKeyBundles(ctx context.Context, toFetch []types.JID) (map[string]signal.PreKeyBundle, error) {
	userNodes := make([]types.Node, len(toFetch))
	for i, u := range toFetch {
		userNodes[i] = types.Node{Tag: "user", Attrs: types.NewAttrs("jid", u.String())}
	}

	resp, err := a.sender.SendIQ(ctx, transport.IQRequest{
		Namespace: "encrypt",
		Type:      transport.IQGet,
		Content:   []types.Node{{Tag: "key", Content: userNodes}},
	})
	if err != nil {
		return nil, fmt.Errorf("session: prekey fetch: %w", err)
	}
	return parsePreKeyBundles(resp)
}

func parsePreKeyBundles(resp types.Node) (map[string]signal.PreKeyBundle, error) {
	keyNode, ok := resp.GetChildByTag("key")
	if !ok {
		return nil, fmt.Errorf("session: prekey response missing <key>")
	}
	result := make(map[string]signal.PreKeyBundle)
	for _, userNode := range keyNode.Children() {
		if userNode.Tag != "user" {
			continue
		}
		userJID, err := types.ParseJID(userNode.Attrs["jid"])
		if err != nil {
			continue
		}
		bundle := signal.PreKeyBundle{}
		if n, ok := userNode.GetChildByTag("identity"); ok {
			bundle.IdentityKey = n.Bytes()
		}
		if n, ok := userNode.GetChildByTag("skey"); ok {
			bundle.SignedPreKey = n.Bytes()
			if idNode, ok := n.GetChildByTag("id"); ok {
				bundle.SignedPreKeyID = bytesToUint32(idNode.Bytes())
			}
			if sigNode, ok := n.GetChildByTag("sig"); ok {
				bundle.Signature = sigNode.Bytes()
			}
		}
		if n, ok := userNode.GetChildByTag("key"); ok {
			bundle.PreKey = n.Bytes()
			if idNode, ok := n.GetChildByTag("id"); ok {
				bundle.PreKeyID = bytesToUint32(idNode.Bytes())
			}
		}
		result[userJID.SignalAddress()] = bundle
	}
	return result, nil
}

func bytesToUint32(b []byte) uint32 {
	var v uint32
	for _, c := range b {
		v = v<<8 | uint32(c)
	}
	return v
}
