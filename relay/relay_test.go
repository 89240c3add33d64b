// Copyright (c) 2024 The wacore Authors
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package relay_test

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.mau.fi/wacore/internal/testsignal"
	"go.mau.fi/wacore/relay"
	"go.mau.fi/wacore/session"
	"go.mau.fi/wacore/signal"
	"go.mau.fi/wacore/store"
	"go.mau.fi/wacore/transport"
	"go.mau.fi/wacore/types"
	"go.mau.fi/wacore/usync"
	"go.mau.fi/wacore/waproto"
)

// fakeSender answers both the USync device-resolution query and the prekey
// bundle fetch off of a static device/bundle directory, and records every
// emitted top-level <message> node for assertions.
type fakeSender struct {
	mu          sync.Mutex
	devices     map[string][]types.JID
	usyncCount  atomic.Int32
	prekeyCount atomic.Int32
	sentNodes   []types.Node
}

func newFakeSender() *fakeSender {
	return &fakeSender{devices: make(map[string][]types.JID)}
}

func (f *fakeSender) SendIQ(_ context.Context, req transport.IQRequest) (types.Node, error) {
	switch req.Namespace {
	case "usync":
		f.usyncCount.Add(1)
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
				Tag:     "user",
				Attrs:   types.NewAttrs("jid", user),
				Content: []types.Node{{Tag: "devices", Content: deviceNodes}},
			})
		}
		return types.Node{Tag: "iq", Content: []types.Node{{
			Tag:     "usync",
			Content: []types.Node{{Tag: "list", Content: userNodes}},
		}}}, nil
	case "encrypt":
		f.prekeyCount.Add(1)
		keyNode := req.Content[0]
		var userNodes []types.Node
		for _, userNode := range keyNode.Children() {
			userNodes = append(userNodes, types.Node{
				Tag:   "user",
				Attrs: types.NewAttrs("jid", userNode.Attrs["jid"]),
				Content: []types.Node{
					{Tag: "identity", Content: []byte("identity-key")},
					{Tag: "skey", Content: []byte("signed-prekey")},
					{Tag: "key", Content: []byte("prekey")},
				},
			})
		}
		return types.Node{Tag: "iq", Content: []types.Node{{Tag: "key", Content: userNodes}}}, nil
	default:
		return types.Node{}, fmt.Errorf("fakeSender: unexpected namespace %q", req.Namespace)
	}
}

func (f *fakeSender) SendNode(_ context.Context, n types.Node) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sentNodes = append(f.sentNodes, n)
	return nil
}

func (f *fakeSender) nodes() []types.Node {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]types.Node(nil), f.sentNodes...)
}

type fakeGroupMetadata struct {
	participants map[string][]types.JID
	fetchCount   atomic.Int32
}

func (f *fakeGroupMetadata) FetchGroupMetadata(_ context.Context, group types.JID) (relay.GroupMetadata, error) {
	f.fetchCount.Add(1)
	return relay.GroupMetadata{JID: group, Participants: f.participants[group.String()]}, nil
}

func textMessage(s string) *waproto.Message {
	return &waproto.Message{Conversation: &s}
}

func newEngine(t *testing.T, me types.JID, sender *fakeSender, collab relay.Collaborators) (*relay.Engine, *store.KeyStore) {
	t.Helper()
	ks := store.New(store.NewMemStore())
	repo := testsignal.New()
	resolver := usync.New(sender, me)
	asserter := session.New(ks, repo, sender)
	return relay.New(me, resolver, asserter, ks, repo, sender, collab), ks
}

var me = types.NewADJID("1555", types.DefaultUserServer, 0)

func TestRelayMessage_Fresh1to1Send(t *testing.T) {
	peer := types.NewJID("2000", types.DefaultUserServer)
	sender := newFakeSender()
	sender.devices[me.ToNonAD().String()] = []types.JID{me}
	sender.devices[peer.String()] = []types.JID{types.NewADJID("2000", types.DefaultUserServer, 0)}

	engine, _ := newEngine(t, me, sender, relay.Collaborators{})
	_, err := engine.RelayMessage(context.Background(), peer, textMessage("hi"), relay.Options{})
	require.NoError(t, err)

	assert.Equal(t, int32(1), sender.usyncCount.Load())
	assert.Equal(t, int32(1), sender.prekeyCount.Load())

	nodes := sender.nodes()
	require.Len(t, nodes, 1)
	msgNode := nodes[0]
	assert.Equal(t, "message", msgNode.Tag)
	assert.Equal(t, "text", msgNode.Attrs["type"])
	assert.Equal(t, peer.String(), msgNode.Attrs["to"])

	participants, ok := msgNode.GetChildByTag("participants")
	require.True(t, ok)
	require.Len(t, participants.Children(), 1)
	toNode := participants.Children()[0]
	assert.Equal(t, types.NewADJID("2000", types.DefaultUserServer, 0).String(), toNode.Attrs["jid"])
	enc, ok := toNode.GetChildByTag("enc")
	require.True(t, ok)
	assert.Equal(t, string(signal.MessageTypePreKey), enc.Attrs["type"])

	_, hasIdentity := msgNode.GetChildByTag("device-identity")
	assert.True(t, hasIdentity)
}

func TestRelayMessage_Repeat1to1SendUsesCacheAndVerifiedSet(t *testing.T) {
	peer := types.NewJID("2000", types.DefaultUserServer)
	sender := newFakeSender()
	sender.devices[me.ToNonAD().String()] = []types.JID{me}
	sender.devices[peer.String()] = []types.JID{types.NewADJID("2000", types.DefaultUserServer, 0)}

	engine, _ := newEngine(t, me, sender, relay.Collaborators{})
	ctx := context.Background()
	_, err := engine.RelayMessage(ctx, peer, textMessage("hi"), relay.Options{})
	require.NoError(t, err)
	require.Equal(t, int32(1), sender.usyncCount.Load())
	require.Equal(t, int32(1), sender.prekeyCount.Load())

	_, err = engine.RelayMessage(ctx, peer, textMessage("again"), relay.Options{})
	require.NoError(t, err)
	assert.Equal(t, int32(1), sender.usyncCount.Load(), "device cache should avoid a second USync")
	assert.Equal(t, int32(1), sender.prekeyCount.Load(), "verified set should avoid a second prekey fetch")

	nodes := sender.nodes()
	require.Len(t, nodes, 2)
	participants, ok := nodes[1].GetChildByTag("participants")
	require.True(t, ok)
	enc, ok := participants.Children()[0].GetChildByTag("enc")
	require.True(t, ok)
	assert.Equal(t, string(signal.MessageTypeNormal), enc.Attrs["type"])
	_, hasIdentity := nodes[1].GetChildByTag("device-identity")
	assert.False(t, hasIdentity)
}

func groupJID(id string) types.JID { return types.NewJID(id, types.GroupServer) }

func TestRelayMessage_GroupSendFirstTimeDistributesSKDMToAll(t *testing.T) {
	g := groupJID("120")
	members := []types.JID{
		types.NewJID("1000", types.DefaultUserServer),
		types.NewJID("2000", types.DefaultUserServer),
		types.NewJID("3000", types.DefaultUserServer),
	}
	sender := newFakeSender()
	for _, m := range members {
		sender.devices[m.String()] = []types.JID{types.NewADJID(m.User, m.Server, 0)}
	}
	meta := &fakeGroupMetadata{participants: map[string][]types.JID{g.String(): members}}

	engine, ks := newEngine(t, me, sender, relay.Collaborators{GroupMetadata: meta})
	ctx := context.Background()
	_, err := engine.RelayMessage(ctx, g, textMessage("hi group"), relay.Options{})
	require.NoError(t, err)

	assert.Equal(t, int32(1), meta.fetchCount.Load())
	assert.Equal(t, int32(1), sender.prekeyCount.Load(), "one batched prekey fetch for all 3 members")

	nodes := sender.nodes()
	require.Len(t, nodes, 1)
	msgNode := nodes[0]
	participants, ok := msgNode.GetChildByTag("participants")
	require.True(t, ok)
	assert.Len(t, participants.Children(), 3, "SKDM distributed to all 3 member devices")

	var groupEncCount int
	for _, c := range msgNode.Children() {
		if c.Tag == "enc" && c.Attrs["type"] == "skmsg" {
			groupEncCount++
		}
	}
	assert.Equal(t, 1, groupEncCount)

	stored, err := ks.Get(ctx, store.CategorySenderKeyMemory, []string{g.String()})
	require.NoError(t, err)
	require.Contains(t, stored, g.String())
}

func TestRelayMessage_GroupSendSecondTimeSkipsSKDM(t *testing.T) {
	g := groupJID("120")
	members := []types.JID{
		types.NewJID("1000", types.DefaultUserServer),
		types.NewJID("2000", types.DefaultUserServer),
		types.NewJID("3000", types.DefaultUserServer),
	}
	sender := newFakeSender()
	for _, m := range members {
		sender.devices[m.String()] = []types.JID{types.NewADJID(m.User, m.Server, 0)}
	}
	meta := &fakeGroupMetadata{participants: map[string][]types.JID{g.String(): members}}

	engine, _ := newEngine(t, me, sender, relay.Collaborators{GroupMetadata: meta})
	ctx := context.Background()
	_, err := engine.RelayMessage(ctx, g, textMessage("hi group"), relay.Options{})
	require.NoError(t, err)

	_, err = engine.RelayMessage(ctx, g, textMessage("hi group again"), relay.Options{})
	require.NoError(t, err)

	nodes := sender.nodes()
	require.Len(t, nodes, 2)
	participants, ok := nodes[1].GetChildByTag("participants")
	require.True(t, ok)
	assert.Empty(t, participants.Children(), "no SKDM redistribution once sender-key-memory is full")

	var groupEncCount int
	for _, c := range nodes[1].Children() {
		if c.Tag == "enc" && c.Attrs["type"] == "skmsg" {
			groupEncCount++
		}
	}
	assert.Equal(t, 1, groupEncCount)
}

func TestRelayMessage_GroupBlockSplitAt250Participants(t *testing.T) {
	g := groupJID("big")
	var members []types.JID
	sender := newFakeSender()
	for i := 0; i < 250; i++ {
		user := fmt.Sprintf("u%d", i)
		jid := types.NewJID(user, types.DefaultUserServer)
		members = append(members, jid)
		sender.devices[jid.String()] = []types.JID{types.NewADJID(user, types.DefaultUserServer, 0)}
	}
	meta := &fakeGroupMetadata{participants: map[string][]types.JID{g.String(): members}}

	engine, _ := newEngine(t, me, sender, relay.Collaborators{GroupMetadata: meta})
	_, err := engine.RelayMessage(context.Background(), g, textMessage("hi"), relay.Options{})
	require.NoError(t, err)

	assert.Equal(t, int32(2), sender.usyncCount.Load(), "250 participants over a 200 block size split into 2 blocks")

	nodes := sender.nodes()
	require.Len(t, nodes, 1)
	participants, ok := nodes[0].GetChildByTag("participants")
	require.True(t, ok)
	assert.Len(t, participants.Children(), 250, "union of both blocks' SKDM targets")
}

func TestRelayMessage_GroupExactlyBlockSizeIsOneDispatch(t *testing.T) {
	g := groupJID("exact")
	var members []types.JID
	sender := newFakeSender()
	for i := 0; i < relay.DefaultParticipantBlockSize; i++ {
		user := fmt.Sprintf("u%d", i)
		jid := types.NewJID(user, types.DefaultUserServer)
		members = append(members, jid)
		sender.devices[jid.String()] = []types.JID{types.NewADJID(user, types.DefaultUserServer, 0)}
	}
	meta := &fakeGroupMetadata{participants: map[string][]types.JID{g.String(): members}}

	engine, _ := newEngine(t, me, sender, relay.Collaborators{GroupMetadata: meta})
	_, err := engine.RelayMessage(context.Background(), g, textMessage("hi"), relay.Options{})
	require.NoError(t, err)
	assert.Equal(t, int32(1), sender.usyncCount.Load(), "exactly block-size participants dispatch as a single block")
}

func TestRelayMessage_EmptyGroupShortCircuitsNoStanza(t *testing.T) {
	g := groupJID("empty")
	sender := newFakeSender()
	meta := &fakeGroupMetadata{participants: map[string][]types.JID{}}

	engine, _ := newEngine(t, me, sender, relay.Collaborators{GroupMetadata: meta})
	_, err := engine.RelayMessage(context.Background(), g, textMessage("hi"), relay.Options{})
	require.NoError(t, err)
	assert.Empty(t, sender.nodes())
}

func TestRelayMessage_StatusBroadcastUsesCallerSuppliedList(t *testing.T) {
	recipients := []types.JID{
		types.NewJID("1000", types.DefaultUserServer),
		types.NewJID("2000", types.DefaultUserServer),
	}
	sender := newFakeSender()
	for _, r := range recipients {
		sender.devices[r.String()] = []types.JID{types.NewADJID(r.User, r.Server, 0)}
	}
	// No GroupMetadata collaborator configured: status broadcast must not need one.
	engine, _ := newEngine(t, me, sender, relay.Collaborators{})
	_, err := engine.RelayMessage(context.Background(), types.StatusBroadcastJID, textMessage("status"), relay.Options{
		StatusJIDList: recipients,
	})
	require.NoError(t, err)

	nodes := sender.nodes()
	require.Len(t, nodes, 1)
	participants, ok := nodes[0].GetChildByTag("participants")
	require.True(t, ok)
	assert.Len(t, participants.Children(), 2)
}

func TestRelayMessage_ParticipantOverrideSuppressesFanoutForUser(t *testing.T) {
	peer := types.NewJID("2000", types.DefaultUserServer)
	overrideDevice := types.NewADJID("2000", types.DefaultUserServer, 1)
	sender := newFakeSender()

	engine, _ := newEngine(t, me, sender, relay.Collaborators{})
	_, err := engine.RelayMessage(context.Background(), peer, textMessage("hi"), relay.Options{
		Participant: &overrideDevice,
	})
	require.NoError(t, err)
	assert.Equal(t, int32(0), sender.usyncCount.Load(), "participant override bypasses device resolution entirely")

	nodes := sender.nodes()
	require.Len(t, nodes, 1)
	assert.Equal(t, overrideDevice.String(), nodes[0].Attrs["to"])
	_, hasRecipient := nodes[0].Attrs["recipient"]
	assert.False(t, hasRecipient, "participant override to a device of a different user carries no recipient attribute")
}

func TestRelayMessage_ParticipantOverrideSameUserAsMeSetsRecipient(t *testing.T) {
	overrideDevice := types.NewADJID(me.User, me.Server, 2)
	sender := newFakeSender()

	engine, _ := newEngine(t, me, sender, relay.Collaborators{})
	_, err := engine.RelayMessage(context.Background(), me.ToNonAD(), textMessage("hi"), relay.Options{
		Participant: &overrideDevice,
	})
	require.NoError(t, err)

	nodes := sender.nodes()
	require.Len(t, nodes, 1)
	assert.Equal(t, overrideDevice.String(), nodes[0].Attrs["to"])
	assert.Equal(t, me.ToNonAD().String(), nodes[0].Attrs["recipient"])
}

func TestRelayMessage_PeerCategoryEmitsBareEncNoParticipantsWrapper(t *testing.T) {
	peer := types.NewJID("2000", types.DefaultUserServer)
	sender := newFakeSender()
	sender.devices[peer.String()] = []types.JID{types.NewADJID("2000", types.DefaultUserServer, 0)}

	engine, _ := newEngine(t, me, sender, relay.Collaborators{})
	_, err := engine.RelayMessage(context.Background(), peer, textMessage("hi"), relay.Options{
		AdditionalAttributes: types.Attrs{"category": "peer"},
	})
	require.NoError(t, err)

	nodes := sender.nodes()
	require.Len(t, nodes, 1)
	_, hasParticipants := nodes[0].GetChildByTag("participants")
	assert.False(t, hasParticipants)
	_, hasEnc := nodes[0].GetChildByTag("enc")
	assert.True(t, hasEnc)
}

func TestRelayMessage_PollCreationSetsTypeAndMetaNode(t *testing.T) {
	peer := types.NewJID("2000", types.DefaultUserServer)
	sender := newFakeSender()
	sender.devices[peer.String()] = []types.JID{types.NewADJID("2000", types.DefaultUserServer, 0)}

	engine, _ := newEngine(t, me, sender, relay.Collaborators{})
	poll := &waproto.Message{PollCreationMessage: &waproto.PollCreationMessage{Name: "q", Options: []string{"a", "b"}}}
	_, err := engine.RelayMessage(context.Background(), peer, poll, relay.Options{})
	require.NoError(t, err)

	nodes := sender.nodes()
	require.Len(t, nodes, 1)
	assert.Equal(t, "poll", nodes[0].Attrs["type"])
	metaNode, ok := nodes[0].GetChildByTag("meta")
	require.True(t, ok)
	assert.Equal(t, "creation", metaNode.Attrs["polltype"])
}

func TestRelayMessage_AdditionalAttributesAndNodesAreApplied(t *testing.T) {
	peer := types.NewJID("2000", types.DefaultUserServer)
	sender := newFakeSender()
	sender.devices[peer.String()] = []types.JID{types.NewADJID("2000", types.DefaultUserServer, 0)}

	engine, _ := newEngine(t, me, sender, relay.Collaborators{})
	extraNode := types.Node{Tag: "custom"}
	_, err := engine.RelayMessage(context.Background(), peer, textMessage("hi"), relay.Options{
		AdditionalAttributes: types.Attrs{"edit": "2"},
		AdditionalNodes:      []types.Node{extraNode},
	})
	require.NoError(t, err)

	nodes := sender.nodes()
	require.Len(t, nodes, 1)
	assert.Equal(t, "2", nodes[0].Attrs["edit"])
	_, ok := nodes[0].GetChildByTag("custom")
	assert.True(t, ok)

	participants, ok := nodes[0].GetChildByTag("participants")
	require.True(t, ok)
	enc, ok := participants.Children()[0].GetChildByTag("enc")
	require.True(t, ok)
	assert.Equal(t, "hide", enc.Attrs["decrypt-fail"], "edit=2 (pin) sets decrypt-fail=hide")
}

func TestRelayMessage_MessageIDOverride(t *testing.T) {
	peer := types.NewJID("2000", types.DefaultUserServer)
	sender := newFakeSender()
	sender.devices[peer.String()] = []types.JID{types.NewADJID("2000", types.DefaultUserServer, 0)}

	engine, _ := newEngine(t, me, sender, relay.Collaborators{})
	id, err := engine.RelayMessage(context.Background(), peer, textMessage("hi"), relay.Options{MessageID: "custom-id"})
	require.NoError(t, err)
	assert.Equal(t, "custom-id", id)
	assert.Equal(t, "custom-id", sender.nodes()[0].Attrs["id"])
}

func TestRelayMessage_WithParticipantBlockSizeOverride(t *testing.T) {
	g := groupJID("small-block")
	members := []types.JID{
		types.NewJID("1000", types.DefaultUserServer),
		types.NewJID("2000", types.DefaultUserServer),
		types.NewJID("3000", types.DefaultUserServer),
	}
	sender := newFakeSender()
	for _, m := range members {
		sender.devices[m.String()] = []types.JID{types.NewADJID(m.User, m.Server, 0)}
	}
	meta := &fakeGroupMetadata{participants: map[string][]types.JID{g.String(): members}}

	ks := store.New(store.NewMemStore())
	repo := testsignal.New()
	resolver := usync.New(sender, me)
	asserter := session.New(ks, repo, sender)
	engine := relay.New(me, resolver, asserter, ks, repo, sender, relay.Collaborators{GroupMetadata: meta}).
		WithParticipantBlockSize(1)

	_, err := engine.RelayMessage(context.Background(), g, textMessage("hi"), relay.Options{})
	require.NoError(t, err)
	assert.Equal(t, int32(3), sender.usyncCount.Load(), "block size of 1 splits 3 participants into 3 blocks")

	nodes := sender.nodes()
	require.Len(t, nodes, 1)
	participants, ok := nodes[0].GetChildByTag("participants")
	require.True(t, ok)
	assert.Len(t, participants.Children(), 3)
}

func TestEngine_MediaTypeCacheLenGrowsWithDistinctShapes(t *testing.T) {
	peer := types.NewJID("2000", types.DefaultUserServer)
	sender := newFakeSender()
	sender.devices[peer.String()] = []types.JID{types.NewADJID("2000", types.DefaultUserServer, 0)}

	engine, _ := newEngine(t, me, sender, relay.Collaborators{})
	assert.Equal(t, 0, engine.MediaTypeCacheLen())

	img := &waproto.Message{ImageMessage: &waproto.ImageMessage{Caption: "x"}}
	_, err := engine.RelayMessage(context.Background(), peer, img, relay.Options{})
	require.NoError(t, err)
	assert.Equal(t, 1, engine.MediaTypeCacheLen())

	nodes := sender.nodes()
	require.Len(t, nodes, 1)
	participants, ok := nodes[0].GetChildByTag("participants")
	require.True(t, ok)
	enc, ok := participants.Children()[0].GetChildByTag("enc")
	require.True(t, ok)
	assert.Equal(t, "image", enc.Attrs["mediatype"])
}
