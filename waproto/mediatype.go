// Copyright (c) 2024 The wacore Authors
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package waproto

// MediaType maps a message's populated field to the wire "mediatype"
// attribute, per spec.md §6. First match wins; an unrecognized shape
// returns ("", false) and no attribute should be set.
func MediaType(m *Message) (string, bool) {
	if m == nil {
		return "", false
	}
	switch {
	case m.ImageMessage != nil:
		return "image", true
	case m.VideoMessage != nil:
		if m.VideoMessage.GifPlayback {
			return "gif", true
		}
		return "video", true
	case m.AudioMessage != nil:
		if m.AudioMessage.PTT {
			return "ptt", true
		}
		return "audio", true
	case m.DocumentMessage != nil:
		return "document", true
	case m.StickerMessage != nil:
		return "sticker", true
	case m.ContactMessage != nil:
		return "vcard", true
	case m.ContactsArrayMessage != nil:
		return "contact_array", true
	case m.LiveLocationMessage != nil:
		return "livelocation", true
	case m.ListMessage != nil:
		return "list", true
	case m.ListResponseMessage != nil:
		return "list_response", true
	case m.ButtonsResponseMessage != nil:
		return "buttons_response", true
	case m.OrderMessage != nil:
		return "order", true
	case m.ProductMessage != nil:
		return "product", true
	case m.InteractiveResponseMessage != nil:
		return "native_flow_response", true
	case m.GroupInviteMessage != nil:
		return "url", true
	default:
		return "", false
	}
}

// FieldFingerprint returns a stable key made from the set of top-level
// fields populated on m, used by relay's bounded media-type cache (spec.md
// §4.I Dispatch: "cache the lookup by a hash of the message's top-level
// field names").
func FieldFingerprint(m *Message) string {
	if m == nil {
		return ""
	}
	var out [24]byte
	n := 0
	mark := func(set bool, c byte) {
		if set {
			out[n] = c
			n++
		}
	}
	mark(m.Conversation != nil, 'c')
	mark(m.ImageMessage != nil, 'i')
	mark(m.VideoMessage != nil, 'v')
	mark(m.AudioMessage != nil, 'a')
	mark(m.DocumentMessage != nil, 'd')
	mark(m.StickerMessage != nil, 's')
	mark(m.ContactMessage != nil, 'C')
	mark(m.ContactsArrayMessage != nil, 'A')
	mark(m.LiveLocationMessage != nil, 'L')
	mark(m.ListMessage != nil, 'l')
	mark(m.ListResponseMessage != nil, 'r')
	mark(m.ButtonsResponseMessage != nil, 'b')
	mark(m.InteractiveResponseMessage != nil, 'n')
	mark(m.OrderMessage != nil, 'o')
	mark(m.ProductMessage != nil, 'p')
	mark(m.GroupInviteMessage != nil, 'g')
	mark(m.HasPollCreation(), 'P')
	mark(m.DeviceSentMessage != nil, 'D')
	mark(m.ProtocolMessage != nil, 'M')
	return string(out[:n])
}
