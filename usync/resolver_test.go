// Copyright (c) 2024 The wacore Authors
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package usync_test

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.mau.fi/wacore/transport"
	"go.mau.fi/wacore/types"
	"go.mau.fi/wacore/usync"
)

type fakeSender struct {
	iqCount atomic.Int32
	devices map[string][]types.JID
}

func (f *fakeSender) SendIQ(_ context.Context, req transport.IQRequest) (types.Node, error) {
	f.iqCount.Add(1)
	usyncNode := req.Content[0]
	listNode, _ := usyncNode.GetChildByTag("list")

	var userNodes []types.Node
	for _, userNode := range listNode.Children() {
		user := userNode.Attrs["jid"]
		var deviceNodes []types.Node
		for _, d := range f.devices[user] {
			deviceNodes = append(deviceNodes, types.Node{Tag: "device", Attrs: types.NewAttrs("jid", d.String())})
		}
		userNodes = append(userNodes, types.Node{
			Tag:   "user",
			Attrs: types.NewAttrs("jid", user),
			Content: []types.Node{
				{Tag: "devices", Content: deviceNodes},
			},
		})
	}
	return types.Node{
		Tag: "iq",
		Content: []types.Node{{
			Tag:     "usync",
			Content: []types.Node{{Tag: "list", Content: userNodes}},
		}},
	}, nil
}

func (f *fakeSender) SendNode(_ context.Context, _ types.Node) error { return nil }

func TestResolver_EmptyInputNoFetch(t *testing.T) {
	sender := &fakeSender{devices: map[string][]types.JID{}}
	r := usync.New(sender, types.NewJID("1555", types.DefaultUserServer))
	devices, err := r.ResolveDevices(context.Background(), nil, true, false)
	require.NoError(t, err)
	assert.Nil(t, devices)
	assert.Equal(t, int32(0), sender.iqCount.Load())
}

func TestResolver_CacheHitIssuesNoFetch(t *testing.T) {
	a := types.NewJID("1000", types.DefaultUserServer)
	sender := &fakeSender{devices: map[string][]types.JID{
		a.String(): {types.NewADJID("1000", types.DefaultUserServer, 0)},
	}}
	r := usync.New(sender, types.NewJID("1555", types.DefaultUserServer))

	_, err := r.ResolveDevices(context.Background(), []types.JID{a}, true, false)
	require.NoError(t, err)
	assert.Equal(t, int32(1), sender.iqCount.Load())

	devices, err := r.ResolveDevices(context.Background(), []types.JID{a}, true, false)
	require.NoError(t, err)
	assert.Equal(t, int32(1), sender.iqCount.Load())
	assert.Len(t, devices, 1)
}

func TestResolver_DropZeroDevicesSuppressesMyPrimary(t *testing.T) {
	me := types.NewJID("1555", types.DefaultUserServer)
	sender := &fakeSender{devices: map[string][]types.JID{
		me.String(): {
			types.NewADJID("1555", types.DefaultUserServer, 0),
			types.NewADJID("1555", types.DefaultUserServer, 1),
		},
	}}
	r := usync.New(sender, me)
	devices, err := r.ResolveDevices(context.Background(), []types.JID{me}, false, true)
	require.NoError(t, err)
	require.Len(t, devices, 1)
	assert.Equal(t, uint16(1), devices[0].Device)
}

func TestResolver_BatchesAllMissesIntoOneQuery(t *testing.T) {
	a := types.NewJID("1000", types.DefaultUserServer)
	b := types.NewJID("2000", types.DefaultUserServer)
	sender := &fakeSender{devices: map[string][]types.JID{
		a.String(): {types.NewADJID("1000", types.DefaultUserServer, 0)},
		b.String(): {types.NewADJID("2000", types.DefaultUserServer, 0)},
	}}
	r := usync.New(sender, types.NewJID("1555", types.DefaultUserServer))
	devices, err := r.ResolveDevices(context.Background(), []types.JID{a, b, a}, true, false)
	require.NoError(t, err)
	assert.Equal(t, int32(1), sender.iqCount.Load())
	assert.Len(t, devices, 2)
}
