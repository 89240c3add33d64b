// Copyright (c) 2024 The wacore Authors
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package types contains the wire-adjacent value types shared by every
// relay component: the addressable JID and the uniform Binary Node stanza
// shape the transport consumes and produces.
package types

import (
	"fmt"
	"strconv"
	"strings"
)

// Server name constants for the JIDs of interest to the relay.
const (
	DefaultUserServer = "s.whatsapp.net"
	GroupServer       = "g.us"
	LegacyUserServer  = "c.us"
	BroadcastServer   = "broadcast"
	HiddenUserServer  = "lid"
)

// StatusBroadcastUser is the pseudo-user the status broadcast JID addresses.
const StatusBroadcastUser = "status"

// JID is a structured addressable identity: user@server[:device]. Device 0
// (or an absent device) is the primary device; additional devices are
// multi-device companions. Equality on users ignores device; equality on
// full JIDs includes device, see Equal vs UserEqual.
type JID struct {
	User   string
	Server string
	Device uint16
	// HasDevice distinguishes an explicit device 0 from "no device in the string".
	HasDevice bool
}

// NewJID builds a primary-device JID for the given user on the given server.
func NewJID(user, server string) JID {
	return JID{User: user, Server: server}
}

// NewADJID builds a JID with an explicit device ("AD" = agent/device JID in
// the wire protocol's own terminology).
func NewADJID(user, server string, device uint16) JID {
	return JID{User: user, Server: server, Device: device, HasDevice: true}
}

// StatusBroadcastJID is the well-known destination for a status update.
var StatusBroadcastJID = NewJID(StatusBroadcastUser, BroadcastServer)

// IsEmpty reports whether the JID has no user and no server.
func (j JID) IsEmpty() bool {
	return j.User == "" && j.Server == ""
}

// IsGroup reports whether this JID addresses a group.
func (j JID) IsGroup() bool {
	return j.Server == GroupServer
}

// IsBroadcast reports whether this JID addresses the status broadcast.
func (j JID) IsBroadcast() bool {
	return j.Server == BroadcastServer
}

// ToNonAD returns a copy of the JID with the device stripped, i.e. the user
// identity without a specific companion device.
func (j JID) ToNonAD() JID {
	j.Device = 0
	j.HasDevice = false
	return j
}

// UserEqual reports whether two JIDs reference the same user, ignoring device.
func (j JID) UserEqual(other JID) bool {
	return j.User == other.User && j.Server == other.Server
}

// Equal reports whether two JIDs are identical, including device.
func (j JID) Equal(other JID) bool {
	return j.UserEqual(other) && j.Device == other.Device && j.HasDevice == other.HasDevice
}

// String renders the JID in user@server or user:device@server form.
func (j JID) String() string {
	if j.IsEmpty() {
		return ""
	}
	if j.HasDevice && j.Device != 0 {
		return fmt.Sprintf("%s:%d@%s", j.User, j.Device, j.Server)
	}
	return fmt.Sprintf("%s@%s", j.User, j.Server)
}

// SignalAddress renders the string form the opaque SignalRepository keys its
// pairwise session store by: user.device (no server, matching libsignal's own
// address shape of "name.deviceId").
func (j JID) SignalAddress() string {
	return fmt.Sprintf("%s.%d", j.User, j.Device)
}

// ErrInvalidJID is returned by ParseJID when the input isn't a well-formed JID.
var ErrInvalidJID = fmt.Errorf("invalid JID")

// ParseJID parses a user@server or user:device@server string.
func ParseJID(raw string) (JID, error) {
	if raw == "" {
		return JID{}, ErrInvalidJID
	}
	at := strings.IndexByte(raw, '@')
	if at < 0 {
		return JID{}, fmt.Errorf("%w: missing @server: %q", ErrInvalidJID, raw)
	}
	user := raw[:at]
	server := raw[at+1:]
	if server == "" {
		return JID{}, fmt.Errorf("%w: empty server: %q", ErrInvalidJID, raw)
	}
	if colon := strings.IndexByte(user, ':'); colon >= 0 {
		deviceStr := user[colon+1:]
		user = user[:colon]
		device, err := strconv.ParseUint(deviceStr, 10, 16)
		if err != nil {
			return JID{}, fmt.Errorf("%w: bad device %q: %w", ErrInvalidJID, deviceStr, err)
		}
		return NewADJID(user, server, uint16(device)), nil
	}
	return NewJID(user, server), nil
}

// MarshalText implements encoding.TextMarshaler.
func (j JID) MarshalText() ([]byte, error) {
	return []byte(j.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (j *JID) UnmarshalText(data []byte) error {
	parsed, err := ParseJID(string(data))
	if err != nil {
		return err
	}
	*j = parsed
	return nil
}
