// Copyright (c) 2024 The wacore Authors
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package types

// MessageKey identifies a single sent or received message, the unit the
// Receipt Emitter (spec.md §4.J) and Media Retry (spec.md §4.G) operate on.
type MessageKey struct {
	ID          string
	RemoteJID   JID
	FromMe      bool
	Participant JID
}

// HasParticipant reports whether this key carries a group participant
// (i.e. RemoteJID addresses a group and the message came from one member).
func (k MessageKey) HasParticipant() bool {
	return !k.Participant.IsEmpty()
}
