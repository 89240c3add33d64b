// Copyright (c) 2024 The wacore Authors
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package types

// Node is the uniform stanza shape every relay component produces and the
// transport consumes: a tag, a flat string-keyed attribute map, and either
// raw byte content or a sequence of child nodes. See spec.md §3 "Binary Node".
type Node struct {
	Tag     string
	Attrs   Attrs
	Content any // nil, []byte, or []Node
}

// Attrs is a stanza's attribute map. A nil map is a valid, empty Attrs.
type Attrs map[string]string

// Children returns Content as a []Node, or nil if Content holds bytes or
// nothing.
func (n Node) Children() []Node {
	children, _ := n.Content.([]Node)
	return children
}

// Bytes returns Content as a []byte, or nil if Content holds children or
// nothing.
func (n Node) Bytes() []byte {
	data, _ := n.Content.([]byte)
	return data
}

// GetChildByTag returns the first direct child with the given tag.
func (n Node) GetChildByTag(tag string) (Node, bool) {
	for _, child := range n.Children() {
		if child.Tag == tag {
			return child, true
		}
	}
	return Node{}, false
}

// NewAttrs constructs an Attrs map from alternating key/value strings, for
// call sites that build attribute sets inline.
func NewAttrs(kv ...string) Attrs {
	if len(kv)%2 != 0 {
		panic("types.NewAttrs: odd number of arguments")
	}
	attrs := make(Attrs, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		attrs[kv[i]] = kv[i+1]
	}
	return attrs
}
