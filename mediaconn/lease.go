// Copyright (c) 2024 The wacore Authors
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package mediaconn implements the Media Conn Lease from spec.md §4.F:
// single-flight refresh of the media-upload connection descriptor, gated by
// a 60-second heuristic regardless of the server-reported TTL. The single-
// flight coalescing is golang.org/x/sync/singleflight, the library this
// exact pattern names, already a teacher dependency just unexercised in the
// retrieved source files.
package mediaconn

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"go.mau.fi/wacore/transport"
	"go.mau.fi/wacore/types"
)

// RefreshInterval is the 60-second heuristic spec.md §4.F names: refresh is
// gated by this regardless of the server-reported TTL.
const RefreshInterval = 60 * time.Second

// Host is one media-upload endpoint candidate.
type Host struct {
	Hostname              string
	MaxContentLengthBytes int64
}

// Info is the media connection lease payload.
type Info struct {
	Hosts     []Host
	Auth      string
	TTL       time.Duration
	FetchedAt time.Time
}

// Lease owns the single-flight refresh described in spec.md §4.F.
type Lease struct {
	sender transport.Sender

	mu         sync.Mutex
	current    *Info
	lastFetch  time.Time
	group      singleflight.Group
}

func New(sender transport.Sender) *Lease {
	return &Lease{sender: sender}
}

// Refresh returns the current lease, refreshing it if force is set, no
// lease has ever been fetched, or more than RefreshInterval has elapsed
// since the last fetch. Concurrent callers observe the same refreshed value
// (the single-flight group coalesces them onto one in-flight fetch).
func (l *Lease) Refresh(ctx context.Context, force bool) (*Info, error) {
	l.mu.Lock()
	needsFetch := force || l.current == nil || time.Since(l.lastFetch) > RefreshInterval
	cached := l.current
	l.mu.Unlock()

	if !needsFetch {
		return cached, nil
	}

	v, err, _ := l.group.Do("media_conn", func() (any, error) {
		info, err := l.fetch(ctx)
		if err != nil {
			return nil, err
		}
		l.mu.Lock()
		l.current = info
		l.lastFetch = time.Now()
		l.mu.Unlock()
		return info, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Info), nil
}

func (l *Lease) fetch(ctx context.Context) (*Info, error) {
	resp, err := l.sender.SendIQ(ctx, transport.IQRequest{
		Namespace: "w:m",
		Type:      transport.IQSet,
		Content:   []types.Node{{Tag: "media_conn"}},
	})
	if err != nil {
		return nil, fmt.Errorf("mediaconn: refresh: %w", err)
	}

	mediaConnNode, ok := resp.GetChildByTag("media_conn")
	if !ok {
		return nil, fmt.Errorf("mediaconn: response missing <media_conn>")
	}

	ttlSeconds, _ := strconv.Atoi(mediaConnNode.Attrs["ttl"])
	info := &Info{
		Auth:      mediaConnNode.Attrs["auth"],
		TTL:       time.Duration(ttlSeconds) * time.Second,
		FetchedAt: time.Now(),
	}
	for _, hostNode := range mediaConnNode.Children() {
		if hostNode.Tag != "host" {
			continue
		}
		maxLen, _ := strconv.ParseInt(hostNode.Attrs["maxContentLengthBytes"], 10, 64)
		info.Hosts = append(info.Hosts, Host{
			Hostname:              hostNode.Attrs["hostname"],
			MaxContentLengthBytes: maxLen,
		})
	}
	return info, nil
}
