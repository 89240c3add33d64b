// Copyright (c) 2024 The wacore Authors
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package waproto stands in for the generated protobuf message type the
// relay core encrypts and routes. Per spec.md §9's own design note, a
// duck-typed "check which field is set" message is modeled here as a
// struct of optional pointer fields mirroring a protobuf oneof's presence
// semantics, the same way event.Content's Parsed field is type-switched in
// mautrix-go's crypto/machine.go.
package waproto

// Message is the logical payload the relay fans out. Only one top-level
// field is expected to be non-nil per send, matching a protobuf Message's
// oneof-like field presence.
type Message struct {
	Conversation *string

	ImageMessage   *ImageMessage
	VideoMessage   *VideoMessage
	AudioMessage   *AudioMessage
	DocumentMessage *DocumentMessage
	StickerMessage  *StickerMessage

	ContactMessage      *ContactMessage
	ContactsArrayMessage *ContactsArrayMessage
	LiveLocationMessage *LiveLocationMessage

	ListMessage             *ListMessage
	ListResponseMessage     *ListResponseMessage
	ButtonsResponseMessage  *ButtonsResponseMessage
	InteractiveResponseMessage *InteractiveResponseMessage

	OrderMessage   *OrderMessage
	ProductMessage *ProductMessage

	GroupInviteMessage *GroupInviteMessage

	PollCreationMessage   *PollCreationMessage
	PollCreationMessageV2 *PollCreationMessage
	PollCreationMessageV3 *PollCreationMessage

	// DeviceSentMessage wraps a message routed to one of the sender's own
	// other devices, per spec.md §4.I Dispatch.
	DeviceSentMessage *DeviceSentMessage

	// ProtocolMessage carries SKDM payloads (sender-key distribution) and
	// other protocol-internal content.
	ProtocolMessage *ProtocolMessage
}

type ImageMessage struct {
	Caption string
	URL     string
	MediaKey []byte
	DirectPath string
}

type VideoMessage struct {
	Caption      string
	URL          string
	MediaKey     []byte
	DirectPath   string
	GifPlayback  bool
}

type AudioMessage struct {
	URL        string
	MediaKey   []byte
	DirectPath string
	PTT        bool
}

type DocumentMessage struct {
	Caption    string
	FileName   string
	URL        string
	MediaKey   []byte
	DirectPath string
}

type StickerMessage struct {
	URL        string
	MediaKey   []byte
	DirectPath string
}

type ContactMessage struct {
	DisplayName string
	VCard       string
}

type ContactsArrayMessage struct {
	DisplayName string
	Contacts    []*ContactMessage
}

type LiveLocationMessage struct {
	Latitude  float64
	Longitude float64
}

type ListMessage struct {
	Title       string
	Description string
}

type ListResponseMessage struct {
	Title string
}

type ButtonsResponseMessage struct {
	SelectedButtonID string
}

type InteractiveResponseMessage struct {
	NativeFlowResponse string
}

type OrderMessage struct {
	OrderID string
}

type ProductMessage struct {
	ProductID string
}

type GroupInviteMessage struct {
	GroupJID string
	Code     string
}

type PollCreationMessage struct {
	Name             string
	Options          []string
	SelectableCount  uint32
}

type DeviceSentMessage struct {
	DestinationJID string
	Message        *Message
}

type ProtocolMessage struct {
	Type              ProtocolMessageType
	SenderKeyDistributionMessage *SenderKeyDistributionMessage
}

type ProtocolMessageType int

const (
	ProtocolMessageSenderKeyDistribution ProtocolMessageType = iota
)

// SenderKeyDistributionMessage is the SKDM payload: the group JID the key
// belongs to plus the opaque serialized key material the SignalRepository
// produced.
type SenderKeyDistributionMessage struct {
	GroupID string
	AxolotlSenderKeyDistributionMessage []byte
}

// HasPollCreation reports whether the message is any version of a poll
// creation message, per spec.md §4.I's type=poll rule.
func (m *Message) HasPollCreation() bool {
	if m == nil {
		return false
	}
	return m.PollCreationMessage != nil || m.PollCreationMessageV2 != nil || m.PollCreationMessageV3 != nil
}
