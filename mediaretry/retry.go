// Copyright (c) 2024 The wacore Authors
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package mediaretry implements updateMediaMessage from spec.md §4.G: build
// a signed retry request for an expired media blob, wait for the
// out-of-band update event, decrypt the returned descriptor, and patch the
// message in place. Grounded on crypto.OlmMachine.RequestRoomKey's request-
// then-select{case <-chan: ...; case <-ctx.Done(): ...} wait-for-matching-
// event shape (crypto/keysharing.go), adapted from a to-device key request
// to a signed media retry.
package mediaretry

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"

	"go.mau.fi/wacore/transport"
	"go.mau.fi/wacore/types"
	"go.mau.fi/wacore/waproto"
)

// ResultCode is the retry server's coded outcome.
type ResultCode int

const (
	ResultSuccess ResultCode = iota
	ResultNotFound
	ResultGeneralError
	ResultDecryptionError
)

// StatusError maps a non-success ResultCode to an HTTP-like status for
// caller convenience, per spec.md §7's MediaRetryFailed(code) error kind.
type StatusError struct {
	Code   ResultCode
	Status int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("mediaretry: retry failed with status %d (code %d)", e.Status, e.Code)
}

func statusForCode(code ResultCode) int {
	switch code {
	case ResultNotFound:
		return 404
	case ResultDecryptionError:
		return 422
	default:
		return 500
	}
}

// StoredMessage is the minimal shape updateMediaMessage needs: the key that
// identifies it on the wire and the (mutable) payload to patch in place.
type StoredMessage struct {
	Key     types.MessageKey
	Message *waproto.Message
}

// Decryptor decrypts a retry response payload with the media key the
// request was signed with, an opaque capability analogous to
// signal.Repository but scoped to WhatsApp's media-key derivation rather
// than the Signal ratchet.
type Decryptor interface {
	DecryptRetry(ctx context.Context, mediaKey []byte, payload []byte) (Retry, error)
}

// Retry is the decrypted retry payload.
type Retry struct {
	Code       ResultCode
	DirectPath string
	Host       string
}

// UpdateNotifier is invoked after a message has been successfully patched,
// the "emit a messages.update event" step of spec.md §4.G.5, modeled as a
// capability per spec.md §9's "callback-shaped collaborators → trait/
// interface abstractions" design note.
type UpdateNotifier interface {
	NotifyMessageUpdate(ctx context.Context, msg *StoredMessage)
}

// Retrier is the Media Retry component.
type Retrier struct {
	sender     transport.Sender
	subscriber transport.MediaRetrySubscriber
	decryptor  Decryptor
	notifier   UpdateNotifier
	me         types.JID
}

func New(sender transport.Sender, subscriber transport.MediaRetrySubscriber, decryptor Decryptor, notifier UpdateNotifier, me types.JID) *Retrier {
	return &Retrier{sender: sender, subscriber: subscriber, decryptor: decryptor, notifier: notifier, me: me}
}

// UpdateMediaMessage runs the full retry flow described in spec.md §4.G.
func (r *Retrier) UpdateMediaMessage(ctx context.Context, msg *StoredMessage) error {
	if msg.Key.ID == "" {
		return fmt.Errorf("mediaretry: message key id is required")
	}
	mediaKey, ok := waproto.MediaKey(msg.Message)
	if !ok {
		return fmt.Errorf("mediaretry: message has no downloadable media content")
	}

	events, cancel := r.subscriber.SubscribeMediaRetry(ctx, msg.Key.ID)
	defer cancel()

	if err := r.sender.SendNode(ctx, buildRetryStanza(msg.Key, mediaKey, r.me)); err != nil {
		return fmt.Errorf("mediaretry: emit retry request: %w", err)
	}

	select {
	case event, ok := <-events:
		if !ok {
			return fmt.Errorf("mediaretry: subscription closed before a matching event arrived")
		}
		if event.Err != nil {
			return fmt.Errorf("mediaretry: server reported an error: %w", event.Err)
		}
		retry, err := r.decryptor.DecryptRetry(ctx, mediaKey, event.Payload)
		if err != nil {
			return fmt.Errorf("mediaretry: decrypt retry payload: %w", err)
		}
		if retry.Code != ResultSuccess {
			return &StatusError{Code: retry.Code, Status: statusForCode(retry.Code)}
		}
		url := waproto.URLFromDirectPath(retry.Host, retry.DirectPath)
		if !waproto.PatchDirectPathAndURL(msg.Message, retry.DirectPath, url) {
			return fmt.Errorf("mediaretry: message has no downloadable media content to patch")
		}
		if r.notifier != nil {
			r.notifier.NotifyMessageUpdate(ctx, msg)
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("mediaretry: waiting for update event: %w", ctx.Err())
	}
}

// buildRetryStanza signs the retry request with an HMAC over the message
// id keyed by mediaKey, standing in for the real signed-retry-receipt
// construction the opaque media crypto layer would perform.
func buildRetryStanza(key types.MessageKey, mediaKey []byte, me types.JID) types.Node {
	mac := hmac.New(sha256.New, mediaKey)
	mac.Write([]byte(key.ID))
	sig := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	attrs := types.NewAttrs("id", key.ID, "to", key.RemoteJID.String())
	if key.HasParticipant() {
		attrs["participant"] = key.Participant.String()
	}

	return types.Node{
		Tag:   "iq",
		Attrs: types.NewAttrs("id", key.ID, "to", key.RemoteJID.String(), "type", "set", "xmlns", "w:mr"),
		Content: []types.Node{{
			Tag: "media_retry_notification",
			Attrs: types.Attrs{
				"id":     key.ID,
				"sig":    sig,
				"from":   me.String(),
			},
			Content: []types.Node{{Tag: "rmr", Attrs: attrs}},
		}},
	}
}
