// Copyright (c) 2024 The wacore Authors
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package waproto

// MediaKey returns the downloadable-media content's mediaKey, the material
// the media-retry flow (spec.md §4.G) signs its request with, and whether
// the message carries downloadable media at all.
func MediaKey(m *Message) ([]byte, bool) {
	switch {
	case m == nil:
		return nil, false
	case m.ImageMessage != nil:
		return m.ImageMessage.MediaKey, true
	case m.VideoMessage != nil:
		return m.VideoMessage.MediaKey, true
	case m.AudioMessage != nil:
		return m.AudioMessage.MediaKey, true
	case m.DocumentMessage != nil:
		return m.DocumentMessage.MediaKey, true
	case m.StickerMessage != nil:
		return m.StickerMessage.MediaKey, true
	default:
		return nil, false
	}
}

// PatchDirectPathAndURL rewrites the downloadable-media content's
// directPath and regenerates url from it, the final step of
// updateMediaMessage in spec.md §4.G step 4.
func PatchDirectPathAndURL(m *Message, directPath, url string) bool {
	switch {
	case m == nil:
		return false
	case m.ImageMessage != nil:
		m.ImageMessage.DirectPath, m.ImageMessage.URL = directPath, url
	case m.VideoMessage != nil:
		m.VideoMessage.DirectPath, m.VideoMessage.URL = directPath, url
	case m.AudioMessage != nil:
		m.AudioMessage.DirectPath, m.AudioMessage.URL = directPath, url
	case m.DocumentMessage != nil:
		m.DocumentMessage.DirectPath, m.DocumentMessage.URL = directPath, url
	case m.StickerMessage != nil:
		m.StickerMessage.DirectPath, m.StickerMessage.URL = directPath, url
	default:
		return false
	}
	return true
}

// URLFromDirectPath regenerates a CDN url from a directPath the way the
// teacher's own media-upload host table is used elsewhere in this module
// (mediaconn.Host), prefixed onto the path returned by a retry or upload.
func URLFromDirectPath(host, directPath string) string {
	return "https://" + host + directPath
}
