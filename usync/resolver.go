// Copyright (c) 2024 The wacore Authors
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package usync implements the Device Resolver from spec.md §4.D: resolving
// user JIDs to their active (user, device) pairs via a batched USync query,
// through a per-user TTL cache. Grounded on crypto.OlmMachine.fetchKeys's
// cache-then-batch-miss shape (only fetch what isn't already tracked, write
// results back in one batch) generalized from the teacher's device-list
// tracking to USync device resolution.
package usync

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.mau.fi/wacore/transport"
	"go.mau.fi/wacore/types"
)

// DefaultTTL is the cache freshness window spec.md §4.D names ("~5 minutes").
const DefaultTTL = 5 * time.Minute

type cacheEntry struct {
	devices   []types.JID
	expiresAt time.Time
}

// Resolver is the Device Resolver. The cache is a hand-rolled guarded map
// per spec.md §9's explicit design note ("no TTL-indexed structure is
// necessary" for this kind of bound), not a library cache.
type Resolver struct {
	sender transport.Sender
	me     types.JID
	ttl    time.Duration

	mu    sync.Mutex
	cache map[string]cacheEntry
}

func New(sender transport.Sender, me types.JID) *Resolver {
	return &Resolver{sender: sender, me: me, ttl: DefaultTTL, cache: make(map[string]cacheEntry)}
}

// WithTTL overrides the cache freshness window.
func (r *Resolver) WithTTL(ttl time.Duration) *Resolver {
	if ttl > 0 {
		r.ttl = ttl
	}
	return r
}

// Len reports the number of users currently cached, the observability
// accessor SPEC_FULL.md adds for embedders to export as a metric.
func (r *Resolver) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.cache)
}

func dedupeUsers(jids []types.JID) []types.JID {
	seen := make(map[string]bool, len(jids))
	out := make([]types.JID, 0, len(jids))
	for _, j := range jids {
		nonAD := j.ToNonAD()
		key := nonAD.String()
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, nonAD)
	}
	return out
}

// ResolveDevices resolves each of userJIDs to its active devices. Dedupes
// input by user. Returns empty for empty input without issuing any fetch.
func (r *Resolver) ResolveDevices(ctx context.Context, userJIDs []types.JID, useCache, dropZeroDevices bool) ([]types.JID, error) {
	users := dedupeUsers(userJIDs)
	if len(users) == 0 {
		return nil, nil
	}

	var result []types.JID
	var misses []types.JID

	now := time.Now()
	r.mu.Lock()
	for _, user := range users {
		if useCache {
			if entry, ok := r.cache[user.String()]; ok && now.Before(entry.expiresAt) {
				result = append(result, entry.devices...)
				continue
			}
		}
		misses = append(misses, user)
	}
	r.mu.Unlock()

	if len(misses) == 0 {
		return filterZeroDevices(result, dropZeroDevices, r.me), nil
	}

	fetched, err := r.fetchUSync(ctx, misses)
	if err != nil {
		return nil, err
	}

	// Bounded like the session asserter's verified set: cleared wholesale
	// once it reaches cacheBound users rather than evicting entries.
	const cacheBound = 1000
	r.mu.Lock()
	if len(r.cache) >= cacheBound {
		r.cache = make(map[string]cacheEntry)
	}
	expiresAt := time.Now().Add(r.ttl)
	for _, user := range misses {
		r.cache[user.String()] = cacheEntry{devices: fetched[user.String()], expiresAt: expiresAt}
	}
	r.mu.Unlock()

	for _, user := range misses {
		result = append(result, fetched[user.String()]...)
	}
	return filterZeroDevices(result, dropZeroDevices, r.me), nil
}

func filterZeroDevices(devices []types.JID, dropZeroDevices bool, me types.JID) []types.JID {
	if !dropZeroDevices {
		return devices
	}
	out := devices[:0:0]
	for _, d := range devices {
		if d.UserEqual(me) && d.Device == 0 {
			continue
		}
		out = append(out, d)
	}
	return out
}

// fetchUSync issues one batched USync query (context=message, protocol=
// device) for all of users and parses the per-user device list response.
func (r *Resolver) fetchUSync(ctx context.Context, users []types.JID) (map[string][]types.JID, error) {
	userNodes := make([]types.Node, len(users))
	for i, u := range users {
		userNodes[i] = types.Node{Tag: "user", Attrs: types.NewAttrs("jid", u.String())}
	}

	req := transport.IQRequest{
		Namespace: "usync",
		Type:      transport.IQGet,
		Content: []types.Node{{
			Tag:   "usync",
			Attrs: types.NewAttrs("context", "message", "protocol", "device"),
			Content: []types.Node{
				{Tag: "query", Content: []types.Node{{Tag: "devices", Attrs: types.NewAttrs("version", "2")}}},
				{Tag: "list", Content: userNodes},
			},
		}},
	}

	resp, err := r.sender.SendIQ(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("usync: query: %w", err)
	}
	return parseUSyncResponse(resp)
}

func parseUSyncResponse(resp types.Node) (map[string][]types.JID, error) {
	result := make(map[string][]types.JID)
	usyncNode, ok := resp.GetChildByTag("usync")
	if !ok {
		return nil, fmt.Errorf("usync: response missing <usync>")
	}
	listNode, ok := usyncNode.GetChildByTag("list")
	if !ok {
		return nil, fmt.Errorf("usync: response missing <list>")
	}
	for _, userNode := range listNode.Children() {
		if userNode.Tag != "user" {
			continue
		}
		userJIDStr := userNode.Attrs["jid"]
		userJID, err := types.ParseJID(userJIDStr)
		if err != nil {
			continue
		}
		devicesNode, ok := userNode.GetChildByTag("devices")
		if !ok {
			result[userJID.String()] = nil
			continue
		}
		var devices []types.JID
		for _, deviceNode := range devicesNode.Children() {
			if deviceNode.Tag != "device" {
				continue
			}
			deviceJID, err := types.ParseJID(deviceNode.Attrs["jid"])
			if err != nil {
				continue
			}
			devices = append(devices, deviceJID)
		}
		result[userJID.String()] = devices
	}
	return result, nil
}
