// Copyright (c) 2024 The wacore Authors
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package transport defines the stanza-level capability every component in
// spec.md §4 that talks to the network is built against. The relay core
// never dials a socket itself (spec.md §1 names the raw transport an
// external collaborator); it only emits and awaits BinaryNode stanzas
// through this interface.
package transport

import (
	"context"

	"go.mau.fi/wacore/types"
)

// IQType is the `type` attribute of an `iq` stanza.
type IQType string

const (
	IQGet IQType = "get"
	IQSet IQType = "set"
)

// IQRequest describes an outgoing `iq` stanza awaiting a response, the shape
// every §6 "external interface" query (media_conn, prekey fetch, USync,
// privacy tokens) reduces to.
type IQRequest struct {
	Namespace string
	Type      IQType
	To        types.JID
	Content   []types.Node
}

// Sender is the minimal network capability: issue a query-response IQ, or
// fire-and-forget a top-level stanza (message, receipt).
type Sender interface {
	SendIQ(ctx context.Context, req IQRequest) (types.Node, error)
	SendNode(ctx context.Context, node types.Node) error
}

// MediaRetryEvent is a `messages.media-update` notification delivered to a
// subscriber registered via MediaRetrySubscriber, per spec.md §4.G step 3.
type MediaRetryEvent struct {
	MessageID string
	From      types.JID
	Payload   []byte
	Err       error
}

// MediaRetrySubscriber lets the media-retry component wait for the
// out-of-band update notification that answers a retry request. The
// returned channel is closed, and the cancel func is a no-op, once the
// subscription is torn down; callers must call cancel to release it.
type MediaRetrySubscriber interface {
	SubscribeMediaRetry(ctx context.Context, messageID string) (<-chan MediaRetryEvent, func())
}
