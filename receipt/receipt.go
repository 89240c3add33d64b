// Copyright (c) 2024 The wacore Authors
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package receipt implements the Receipt Emitter from spec.md §4.J:
// acknowledgement, read, and sender-receipt stanzas sharing the addressing
// rules and list-batching the spec names, fanned out in parallel per
// (jid, participant) group the same way participant.Builder fans out
// per-device encryption, via errgroup.Group per spec.md §9's "Promise.all
// fan-outs translate to task join" design note.
package receipt

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"go.mau.fi/wacore/transport"
	"go.mau.fi/wacore/types"
)

// Type is the `type` attribute of a <receipt> stanza. The zero value Ack is
// the default acknowledgement, which is never written out as an explicit
// attribute.
type Type string

const (
	Ack        Type = ""
	Delivery   Type = "delivery"
	Read       Type = "read"
	ReadSelf   Type = "read-self"
	Sender     Type = "sender"
	SenderSelf Type = "sender-self"
)

// PrivacySettings is the narrow collaborator readMessages consults, modeled
// as a capability per spec.md §9's callback-shaped-collaborators design note.
type PrivacySettings interface {
	// ReadReceipts returns the account's current readreceipts privacy
	// setting ("all" or anything else, per spec.md §4.J).
	ReadReceipts(ctx context.Context) (string, error)
}

// Emitter is the Receipt Emitter.
type Emitter struct {
	sender transport.Sender
}

func New(sender transport.Sender) *Emitter {
	return &Emitter{sender: sender}
}

// SendReceipt emits one <receipt> stanza for ids, addressed per spec.md
// §4.J's rules. An empty ids slice is a no-op; otherwise the first id is the
// stanza's id attribute, the rest (if any) are listed as
// <list><item id=.../></list> children.
func (e *Emitter) SendReceipt(ctx context.Context, jid types.JID, participant *types.JID, ids []string, typ Type) error {
	if len(ids) == 0 {
		return nil
	}
	return e.sender.SendNode(ctx, buildReceiptNode(jid, participant, ids, typ, time.Now().Unix()))
}

func buildReceiptNode(jid types.JID, participant *types.JID, ids []string, typ Type, nowUnixSeconds int64) types.Node {
	attrs := types.Attrs{"id": ids[0]}

	switch {
	case typ == Sender && !jid.IsGroup():
		attrs["recipient"] = jid.String()
		if participant != nil {
			attrs["to"] = participant.String()
		}
	default:
		attrs["to"] = jid.String()
		if participant != nil {
			attrs["participant"] = participant.String()
		}
	}

	if typ == Read || typ == ReadSelf {
		attrs["t"] = fmt.Sprintf("%d", nowUnixSeconds)
	}
	if typ != Ack {
		attrs["type"] = string(typ)
	}

	var children []types.Node
	if len(ids) > 1 {
		items := make([]types.Node, len(ids)-1)
		for i, id := range ids[1:] {
			items[i] = types.Node{Tag: "item", Attrs: types.NewAttrs("id", id)}
		}
		children = append(children, types.Node{Tag: "list", Content: items})
	}

	return types.Node{Tag: "receipt", Attrs: attrs, Content: contentOrNil(children)}
}

func contentOrNil(children []types.Node) any {
	if len(children) == 0 {
		return nil
	}
	return children
}

// groupKey identifies one (jid, participant) addressing group that
// SendReceipts batches message keys into, per spec.md §4.J's "groups keys
// by (jid, participant)" rule.
type groupKey struct {
	jid         string
	participant string
}

// SendReceipts groups keys by (jid, participant), filtering out
// self-originated keys the way the spec's grouping utility does, and
// emits each group's receipt in parallel. A no-op for an empty keys slice.
func (e *Emitter) SendReceipts(ctx context.Context, keys []types.MessageKey, typ Type) error {
	groups := groupKeysForReceipt(keys)
	if len(groups) == 0 {
		return nil
	}

	group, gctx := errgroup.WithContext(ctx)
	for key, ids := range groups {
		key, ids := key, ids
		group.Go(func() error {
			jid, err := types.ParseJID(key.jid)
			if err != nil {
				return fmt.Errorf("receipt: bad group jid %q: %w", key.jid, err)
			}
			var participant *types.JID
			if key.participant != "" {
				p, err := types.ParseJID(key.participant)
				if err != nil {
					return fmt.Errorf("receipt: bad participant jid %q: %w", key.participant, err)
				}
				participant = &p
			}
			return e.SendReceipt(gctx, jid, participant, ids, typ)
		})
	}
	return group.Wait()
}

// groupKeysForReceipt partitions keys by (RemoteJID, Participant), dropping
// keys this account originated (FromMe), mirroring the filtering utility
// spec.md §4.J's sendReceipts names without describing.
func groupKeysForReceipt(keys []types.MessageKey) map[groupKey][]string {
	groups := make(map[groupKey][]string)
	for _, k := range keys {
		if k.FromMe {
			continue
		}
		gk := groupKey{jid: k.RemoteJID.String()}
		if k.HasParticipant() {
			gk.participant = k.Participant.String()
		}
		groups[gk] = append(groups[gk], k.ID)
	}
	return groups
}

// ReadMessages reads the account's privacy settings once and sends receipts
// for keys with type "read" if readreceipts is "all", otherwise "read-self",
// per spec.md §4.J.
func (e *Emitter) ReadMessages(ctx context.Context, privacy PrivacySettings, keys []types.MessageKey) error {
	if len(keys) == 0 {
		return nil
	}
	setting, err := privacy.ReadReceipts(ctx)
	if err != nil {
		return fmt.Errorf("receipt: read privacy settings: %w", err)
	}
	typ := ReadSelf
	if setting == "all" {
		typ = Read
	}
	return e.SendReceipts(ctx, keys, typ)
}
