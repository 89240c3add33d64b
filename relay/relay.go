// Copyright (c) 2024 The wacore Authors
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package relay implements the Relay Engine from spec.md §4.I, the
// centerpiece of the module: classify a destination, resolve devices,
// assert sessions, rotate/distribute a group sender key, chunk large
// groups into parallel blocks, build per-device stanzas, and assemble the
// final top-level message. Grounded on crypto.OlmMachine.ShareGroupSession's
// overall shape (resolve recipients → fetch missing keys → build per-device
// payload → one transport call) in crypto/encryptmegolm.go, scaled up to
// the classify/resolve/assert/rotate/chunk/dispatch state machine spec.md
// §4.I specifies. Fan-outs use errgroup.Group per spec.md §9's "Promise.all
// fan-outs translate to task join" design note.
package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/xid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"go.mau.fi/wacore/participant"
	"go.mau.fi/wacore/session"
	"go.mau.fi/wacore/signal"
	"go.mau.fi/wacore/store"
	"go.mau.fi/wacore/transport"
	"go.mau.fi/wacore/types"
	"go.mau.fi/wacore/usync"
	"go.mau.fi/wacore/waproto"
)

// DefaultParticipantBlockSize is the block size spec.md §4.I names:
// groups larger than this are split into fixed-size blocks dispatched in
// parallel.
const DefaultParticipantBlockSize = 200

// mediaTypeCacheBound and mediaTypeCacheInterval bound the media-type
// lookup cache, per spec.md §4.I Dispatch: "bounded cache, cleared at 500
// entries or hourly".
const (
	mediaTypeCacheBound    = 500
	mediaTypeCacheInterval = time.Hour
)

// GroupMetadata is the narrow participant-list shape the relay needs out of
// the full group metadata object, which spec.md §1 names as an external
// collaborator owned by an adjacent subsystem.
type GroupMetadata struct {
	JID          types.JID
	Participants []types.JID // user JIDs, device-less
}

// GroupMetadataFetcher fetches a group's current metadata over the network.
type GroupMetadataFetcher interface {
	FetchGroupMetadata(ctx context.Context, group types.JID) (GroupMetadata, error)
}

// CachedGroupMetadataFetcher is consulted first when RelayOptions'
// UseCachedGroupMetadata is set, per spec.md §4.I step 1 ("preferring a
// cached-metadata callback when permitted").
type CachedGroupMetadataFetcher interface {
	CachedGroupMetadata(ctx context.Context, group types.JID) (GroupMetadata, bool)
}

// PrivacyTokenAttacher is the SPEC_FULL.md supplemental "Privacy token
// attachment" collaborator: consulted on the user branch of Dispatch, it
// returns a <tokens> child to attach the first time a peer is addressed.
type PrivacyTokenAttacher interface {
	PrivacyToken(ctx context.Context, peer types.JID) (types.Node, bool, error)
}

// Collaborators groups every callback-shaped dependency the engine needs,
// per spec.md §9's "callback-shaped collaborators → trait/interface
// abstractions" design note.
type Collaborators struct {
	PatchMessageBeforeSending participant.PatchMessageBeforeSending
	GroupMetadata             GroupMetadataFetcher
	CachedGroupMetadata       CachedGroupMetadataFetcher
	PrivacyTokens             PrivacyTokenAttacher
}

// Options is the relay input's option set from spec.md §3: explicit
// participant override, message-id override, additional stanza
// attributes/children, a cache-use flag, and the status broadcast
// recipient list.
type Options struct {
	// Participant, if set, restricts the send to this single device and
	// suppresses the normal device fan-out for non-group/non-status
	// destinations, per spec.md §4.I's "Participant override branch".
	Participant *types.JID
	// MessageID overrides the generated message id.
	MessageID string
	// AdditionalAttributes is spread onto the top-level <message> node, and
	// "category"="peer" selects the peer destination class.
	AdditionalAttributes types.Attrs
	// AdditionalNodes are appended as extra children of <message>.
	AdditionalNodes []types.Node
	// UseCachedGroupMetadata prefers the CachedGroupMetadata collaborator
	// over a network fetch, per spec.md §4.I step 1.
	UseCachedGroupMetadata bool
	// SkipCache forces a fresh device resolution (bypassing the Device
	// Resolver's cache) for this call.
	SkipCache bool
	// StatusJIDList is the caller-supplied recipient list for a status
	// broadcast destination, used instead of group metadata.
	StatusJIDList []types.JID
}

// Engine is the Relay Engine from spec.md §4.I.
type Engine struct {
	me       types.JID
	resolver *usync.Resolver
	asserter *session.Asserter
	builder  *participant.Builder
	store    *store.KeyStore
	repo     signal.Repository
	sender   transport.Sender
	collab   Collaborators

	participantBlockSize int

	mu                  sync.Mutex
	mediaTypeCache      map[string]string
	mediaTypeCacheSince time.Time
}

// New constructs the Relay Engine. me must be the local account's primary
// (device 0) JID.
func New(me types.JID, resolver *usync.Resolver, asserter *session.Asserter, ks *store.KeyStore, repo signal.Repository, sender transport.Sender, collab Collaborators) *Engine {
	return &Engine{
		me:                   me,
		resolver:             resolver,
		asserter:             asserter,
		builder:              participant.New(repo, collab.PatchMessageBeforeSending),
		store:                ks,
		repo:                 repo,
		sender:               sender,
		collab:               collab,
		participantBlockSize: DefaultParticipantBlockSize,
		mediaTypeCache:       make(map[string]string),
		mediaTypeCacheSince:  time.Now(),
	}
}

// WithParticipantBlockSize overrides the default 200-participant block size.
func (e *Engine) WithParticipantBlockSize(n int) *Engine {
	if n > 0 {
		e.participantBlockSize = n
	}
	return e
}

// MediaTypeCacheLen is an observability accessor over the bounded
// media-type lookup cache, per SPEC_FULL.md's "observability counters"
// supplemental feature.
func (e *Engine) MediaTypeCacheLen() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.mediaTypeCache)
}

// destClass is the destination classification from spec.md §4.I Classify.
type destClass int

const (
	classUser destClass = iota
	classGroup
	classStatusBroadcast
	classPeer
)

func classify(dest types.JID, additionalAttrs types.Attrs) destClass {
	switch {
	case dest.IsBroadcast():
		return classStatusBroadcast
	case dest.IsGroup():
		return classGroup
	case additionalAttrs["category"] == "peer":
		return classPeer
	default:
		return classUser
	}
}

// RelayMessage is the single entry point described in spec.md §4.I: it
// classifies dest, resolves/asserts/dispatches, and emits exactly one
// top-level <message> stanza (none when the recipient set is empty). Per
// spec.md §4.I's dispatch rule and §5's ordering guarantees, the whole
// pipeline, including the final stanza emission, runs inside one KeyStore
// transaction: sender-key-memory writes are buffered before the stanza is
// sent and flushed atomically right after a successful send; if the send
// fails, nothing is flushed.
func (e *Engine) RelayMessage(ctx context.Context, dest types.JID, msg *waproto.Message, opts Options) (string, error) {
	msgID := opts.MessageID
	if msgID == "" {
		msgID = xid.New().String()
	}
	log := zerolog.Ctx(ctx).With().Str("message_id", msgID).Stringer("destination", dest).Logger()

	var skipped bool
	err := e.store.Transaction(ctx, func(ctx context.Context) error {
		stanza, skip, err := e.buildStanza(ctx, dest, msg, msgID, opts)
		if err != nil {
			return err
		}
		if skip {
			// Empty recipient set (e.g. an unpopulated group or status
			// list): no stanza is emitted, per spec.md §8's boundary
			// behavior "empty participant lists short-circuit without any
			// stanza emission".
			skipped = true
			return nil
		}
		return e.sender.SendNode(ctx, stanza)
	})
	if err != nil {
		log.Warn().Err(err).Msg("relay: send failed")
		return "", err
	}
	if skipped {
		log.Debug().Msg("relay: empty recipient set, no stanza emitted")
	} else {
		log.Debug().Msg("relay: message sent")
	}
	return msgID, nil
}

// messageAddressing is the (to, participant, recipient) attribute triple
// spec.md §4.I's addressing table computes.
type messageAddressing struct {
	To          types.JID
	Participant string
	Recipient   string
}

func addressingForOverride(class destClass, dest, participant, me types.JID) messageAddressing {
	switch {
	case class == classGroup || class == classStatusBroadcast:
		return messageAddressing{To: dest, Participant: participant.String()}
	case participant.UserEqual(me):
		return messageAddressing{To: participant, Recipient: dest.String()}
	default:
		return messageAddressing{To: participant}
	}
}

func (e *Engine) buildStanza(ctx context.Context, dest types.JID, msg *waproto.Message, msgID string, opts Options) (types.Node, bool, error) {
	class := classify(dest, opts.AdditionalAttributes)
	dispatchAttrs := e.dispatchAttrs(msg, opts)

	var result dispatchResult
	var err error
	addressing := messageAddressing{To: dest}

	switch {
	case opts.Participant != nil:
		addressing = addressingForOverride(class, dest, *opts.Participant, e.me)
		result, err = e.dispatchParticipantOverride(ctx, class, dest, *opts.Participant, msg, dispatchAttrs)
	case class == classGroup, class == classStatusBroadcast:
		result, err = e.relayGroup(ctx, dest, msg, dispatchAttrs, opts, class)
	case class == classPeer:
		result, err = e.dispatchUserOrPeer(ctx, []types.JID{dest}, dest, msg, dispatchAttrs)
	default: // classUser
		var devices []types.JID
		devices, err = e.resolver.ResolveDevices(ctx, []types.JID{e.me, dest}, !opts.SkipCache, true)
		if err == nil {
			result, err = e.dispatchUserOrPeer(ctx, devices, dest, msg, dispatchAttrs)
		}
		if err == nil && e.collab.PrivacyTokens != nil {
			var tokenNode types.Node
			var attach bool
			tokenNode, attach, err = e.collab.PrivacyTokens.PrivacyToken(ctx, dest)
			if err == nil && attach {
				opts.AdditionalNodes = append(opts.AdditionalNodes, tokenNode)
			}
		}
	}
	if err != nil {
		return types.Node{}, false, err
	}
	if result.Skip {
		return types.Node{}, true, nil
	}

	msgAttrs := types.Attrs{"id": msgID, "to": addressing.To.String()}
	if addressing.Participant != "" {
		msgAttrs["participant"] = addressing.Participant
	}
	if addressing.Recipient != "" {
		msgAttrs["recipient"] = addressing.Recipient
	}
	if msg.HasPollCreation() {
		msgAttrs["type"] = "poll"
	} else {
		msgAttrs["type"] = "text"
	}
	for k, v := range opts.AdditionalAttributes {
		msgAttrs[k] = v
	}

	var children []types.Node
	if class == classPeer {
		// spec.md §4.I: "[category=peer: the single <enc> only]". Unwrap
		// the lone <to><enc>...</enc></to> node rather than wrapping it in
		// <participants>.
		if len(result.ParticipantNodes) > 0 {
			if enc, ok := result.ParticipantNodes[0].GetChildByTag("enc"); ok {
				children = append(children, enc)
			}
		}
	} else {
		children = append(children, types.Node{Tag: "participants", Content: result.ParticipantNodes})
	}
	if result.GroupEnc != nil {
		children = append(children, *result.GroupEnc)
	}
	if result.IncludeDeviceIdentity {
		identity, err := e.repo.SignedDeviceIdentity(ctx)
		if err != nil {
			return types.Node{}, false, fmt.Errorf("relay: signed device identity: %w", err)
		}
		children = append(children, types.Node{Tag: "device-identity", Content: identity})
	}
	if msg.HasPollCreation() {
		children = append(children, types.Node{Tag: "meta", Attrs: types.NewAttrs("polltype", "creation")})
	}
	children = append(children, opts.AdditionalNodes...)

	return types.Node{Tag: "message", Attrs: msgAttrs, Content: children}, false, nil
}

// dispatchResult is what every dispatch path produces: the <participants>
// children (or, for a group/status send, the SKDM distribution nodes) plus
// whether a <device-identity> child is required, and, for group/status
// sends only, the single top-level <enc type=skmsg> sibling carrying the
// group payload itself. Skip is set when the recipient set was empty, per
// spec.md §8's "empty participant lists short-circuit without any stanza
// emission" boundary behavior.
type dispatchResult struct {
	ParticipantNodes      []types.Node
	IncludeDeviceIdentity bool
	GroupEnc              *types.Node
	Skip                  bool
}

// dispatchAttrs computes the per-call extraAttrs spec.md §4.I Dispatch
// names: the cached mediatype lookup and the pin-in-chat decrypt-fail hint.
func (e *Engine) dispatchAttrs(msg *waproto.Message, opts Options) types.Attrs {
	attrs := types.Attrs{}
	if mt, ok := e.mediaType(msg); ok {
		attrs["mediatype"] = mt
	}
	if opts.AdditionalAttributes["edit"] == "2" {
		attrs["decrypt-fail"] = "hide"
	}
	return attrs
}

// mediaType looks up msg's mediatype through the bounded fingerprint cache,
// per spec.md §4.I Dispatch: "Cache the lookup by a hash of the message's
// top-level field names (bounded cache, cleared at 500 entries or hourly)."
func (e *Engine) mediaType(msg *waproto.Message) (string, bool) {
	key := waproto.FieldFingerprint(msg)

	e.mu.Lock()
	if time.Since(e.mediaTypeCacheSince) > mediaTypeCacheInterval || len(e.mediaTypeCache) >= mediaTypeCacheBound {
		e.mediaTypeCache = make(map[string]string)
		e.mediaTypeCacheSince = time.Now()
	}
	if cached, ok := e.mediaTypeCache[key]; ok {
		e.mu.Unlock()
		return cached, cached != ""
	}
	e.mu.Unlock()

	mt, ok := waproto.MediaType(msg)
	e.mu.Lock()
	e.mediaTypeCache[key] = mt
	e.mu.Unlock()
	return mt, ok
}

func mergeAttrs(base, extra types.Attrs) types.Attrs {
	out := make(types.Attrs, len(base)+len(extra))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range extra {
		out[k] = v
	}
	return out
}

// dispatchParticipantOverride handles the "Participant override branch"
// from spec.md §4.I: the recipient set is just the one device. Group and
// status-broadcast destinations still go through sender-key distribution
// (just for this one device); anything else is a plain pairwise dispatch
// with device fan-out suppressed.
func (e *Engine) dispatchParticipantOverride(ctx context.Context, class destClass, dest, participant types.JID, msg *waproto.Message, dispatchAttrs types.Attrs) (dispatchResult, error) {
	if class == classGroup || class == classStatusBroadcast {
		return e.dispatchGroupOverride(ctx, dest, participant, msg, dispatchAttrs)
	}
	return e.dispatchUserOrPeer(ctx, []types.JID{participant}, dest, msg, dispatchAttrs)
}

// dispatchUserOrPeer implements Dispatch's "If user/peer" branch: partition
// devices into mine and others, assert sessions for all of them, and build
// participant nodes for the two groups in parallel: my devices get a
// deviceSentMessage wrapper, other devices get the bare message.
func (e *Engine) dispatchUserOrPeer(ctx context.Context, devices []types.JID, destinationJID types.JID, msg *waproto.Message, dispatchAttrs types.Attrs) (dispatchResult, error) {
	if len(devices) == 0 {
		return dispatchResult{Skip: true}, nil
	}
	if _, err := e.asserter.AssertSessions(ctx, devices, false); err != nil {
		return dispatchResult{}, fmt.Errorf("relay: assert sessions: %w", err)
	}

	var myDevices, otherDevices []types.JID
	for _, d := range devices {
		// A full user<->lid identity remap belongs to an adjacent
		// subsystem (spec.md §1); this core only partitions by user.
		if d.UserEqual(e.me) {
			myDevices = append(myDevices, d)
		} else {
			otherDevices = append(otherDevices, d)
		}
	}

	wrapped := &waproto.Message{DeviceSentMessage: &waproto.DeviceSentMessage{DestinationJID: destinationJID.String(), Message: msg}}

	var myNodes, otherNodes []types.Node
	var myIdentity, otherIdentity bool
	group, gctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		var err error
		myNodes, myIdentity, err = e.builder.Build(gctx, myDevices, wrapped, dispatchAttrs)
		return err
	})
	group.Go(func() error {
		var err error
		otherNodes, otherIdentity, err = e.builder.Build(gctx, otherDevices, msg, dispatchAttrs)
		return err
	})
	if err := group.Wait(); err != nil {
		return dispatchResult{}, err
	}

	return dispatchResult{
		ParticipantNodes:      append(myNodes, otherNodes...),
		IncludeDeviceIdentity: myIdentity || otherIdentity,
	}, nil
}

// fetchGroupMetadata resolves a group's participant-user list, preferring
// the cached-metadata callback when permitted, per spec.md §4.I step 1.
func (e *Engine) fetchGroupMetadata(ctx context.Context, groupJID types.JID, useCached bool) (GroupMetadata, error) {
	if useCached && e.collab.CachedGroupMetadata != nil {
		if meta, ok := e.collab.CachedGroupMetadata.CachedGroupMetadata(ctx, groupJID); ok {
			return meta, nil
		}
	}
	if e.collab.GroupMetadata == nil {
		return GroupMetadata{}, fmt.Errorf("relay: no group metadata collaborator configured for %s", groupJID)
	}
	return e.collab.GroupMetadata.FetchGroupMetadata(ctx, groupJID)
}

// buildSKDMMessage wraps a sender-key distribution payload as the
// protocol-message shape it's distributed as, per spec.md §4.I Dispatch.
func buildSKDMMessage(group types.JID, skdm []byte) *waproto.Message {
	return &waproto.Message{
		ProtocolMessage: &waproto.ProtocolMessage{
			Type: waproto.ProtocolMessageSenderKeyDistribution,
			SenderKeyDistributionMessage: &waproto.SenderKeyDistributionMessage{
				GroupID:                             group.ToNonAD().String(),
				AxolotlSenderKeyDistributionMessage: skdm,
			},
		},
	}
}

func decodeMemory(raw []byte) (map[string]bool, error) {
	if len(raw) == 0 {
		return make(map[string]bool), nil
	}
	var m map[string]bool
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("relay: decode sender-key-memory: %w", err)
	}
	if m == nil {
		m = make(map[string]bool)
	}
	return m, nil
}

func encodeMemory(m map[string]bool) ([]byte, error) {
	return json.Marshal(m)
}

// chunkJIDs splits jids into fixed-size blocks, per spec.md §4.I step 4.
// A slice no longer than size yields exactly one block.
func chunkJIDs(jids []types.JID, size int) [][]types.JID {
	if size <= 0 || len(jids) <= size {
		return [][]types.JID{jids}
	}
	var blocks [][]types.JID
	for i := 0; i < len(jids); i += size {
		end := i + size
		if end > len(jids) {
			end = len(jids)
		}
		blocks = append(blocks, jids[i:end])
	}
	return blocks
}

// groupDispatchCore encrypts msg once under groupJID's current sender-key
// chain and loads the group's sender-key-memory, the state every
// group/status dispatch path (blocked or not, override or not) shares.
func (e *Engine) groupDispatchCore(ctx context.Context, groupJID types.JID, msg *waproto.Message) (ciphertext []byte, skdmMsg *waproto.Message, memKey string, memory map[string]bool, err error) {
	plaintext, err := json.Marshal(msg)
	if err != nil {
		return nil, nil, "", nil, fmt.Errorf("relay: serialize group message: %w", err)
	}
	ciphertext, skdm, err := e.repo.EncryptGroupMessage(ctx, groupJID.ToNonAD().String(), e.me.SignalAddress(), plaintext)
	if err != nil {
		return nil, nil, "", nil, fmt.Errorf("relay: encrypt group message: %w", err)
	}

	memKey = groupJID.ToNonAD().String()
	existing, err := e.store.Get(ctx, store.CategorySenderKeyMemory, []string{memKey})
	if err != nil {
		return nil, nil, "", nil, err
	}
	memory, err = decodeMemory(existing[memKey])
	if err != nil {
		return nil, nil, "", nil, err
	}
	return ciphertext, buildSKDMMessage(groupJID, skdm), memKey, memory, nil
}

// dispatchGroupDevices computes the subset of devices missing the group's
// current sender key, marks them present in memory (optimistic, per
// spec.md §4.I step 4b), asserts sessions for them, and builds their SKDM
// distribution nodes. Devices already holding the key are skipped entirely.
func (e *Engine) dispatchGroupDevices(ctx context.Context, devices []types.JID, skdmMsg *waproto.Message, dispatchAttrs types.Attrs, memory map[string]bool, memMu *sync.Mutex) ([]types.Node, bool, error) {
	memMu.Lock()
	var targets []types.JID
	for _, d := range devices {
		if !memory[d.String()] {
			targets = append(targets, d)
			memory[d.String()] = true
		}
	}
	memMu.Unlock()

	if len(targets) == 0 {
		return nil, false, nil
	}
	if _, err := e.asserter.AssertSessions(ctx, targets, false); err != nil {
		return nil, false, fmt.Errorf("relay: assert sessions for skdm targets: %w", err)
	}
	return e.builder.Build(ctx, targets, skdmMsg, dispatchAttrs)
}

// finishGroupDispatch persists the (possibly unchanged) sender-key-memory
// map in one write and assembles the group-payload <enc type=skmsg> node,
// the tail shared by every group/status dispatch path.
func (e *Engine) finishGroupDispatch(ctx context.Context, memKey string, memory map[string]bool, ciphertext []byte, nodes []types.Node, identity bool, dispatchAttrs types.Attrs) (dispatchResult, error) {
	encoded, err := encodeMemory(memory)
	if err != nil {
		return dispatchResult{}, fmt.Errorf("relay: encode sender-key-memory: %w", err)
	}
	if err := e.store.Set(ctx, store.Patch{store.CategorySenderKeyMemory: {memKey: &encoded}}); err != nil {
		return dispatchResult{}, fmt.Errorf("relay: persist sender-key-memory: %w", err)
	}

	groupEnc := types.Node{
		Tag:     "enc",
		Attrs:   mergeAttrs(types.NewAttrs("v", "2", "type", "skmsg"), dispatchAttrs),
		Content: ciphertext,
	}
	return dispatchResult{ParticipantNodes: nodes, IncludeDeviceIdentity: identity, GroupEnc: &groupEnc}, nil
}

// relayGroup implements the "Group branch" of spec.md §4.I: fetch
// participants (or use the status broadcast list), split into blocks above
// the configured size, dispatch each block in parallel, and persist the
// merged sender-key-memory once all blocks complete.
func (e *Engine) relayGroup(ctx context.Context, groupJID types.JID, msg *waproto.Message, dispatchAttrs types.Attrs, opts Options, class destClass) (dispatchResult, error) {
	var participantUsers []types.JID
	if class == classStatusBroadcast {
		participantUsers = opts.StatusJIDList
	} else {
		meta, err := e.fetchGroupMetadata(ctx, groupJID, opts.UseCachedGroupMetadata)
		if err != nil {
			return dispatchResult{}, err
		}
		participantUsers = meta.Participants
	}
	if len(participantUsers) == 0 {
		return dispatchResult{Skip: true}, nil
	}

	ciphertext, skdmMsg, memKey, memory, err := e.groupDispatchCore(ctx, groupJID, msg)
	if err != nil {
		return dispatchResult{}, err
	}

	blocks := chunkJIDs(participantUsers, e.participantBlockSize)
	zerolog.Ctx(ctx).Debug().Stringer("group", groupJID).Int("participants", len(participantUsers)).Int("blocks", len(blocks)).Msg("relay: group dispatch")

	var memMu, nodesMu sync.Mutex
	var allNodes []types.Node
	var anyIdentity bool

	group, gctx := errgroup.WithContext(ctx)
	for _, block := range blocks {
		block := block
		group.Go(func() error {
			devices, err := e.resolver.ResolveDevices(gctx, block, !opts.SkipCache, false)
			if err != nil {
				return err
			}
			nodes, identity, err := e.dispatchGroupDevices(gctx, devices, skdmMsg, dispatchAttrs, memory, &memMu)
			if err != nil {
				return err
			}
			nodesMu.Lock()
			allNodes = append(allNodes, nodes...)
			anyIdentity = anyIdentity || identity
			nodesMu.Unlock()
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return dispatchResult{}, err
	}

	return e.finishGroupDispatch(ctx, memKey, memory, ciphertext, allNodes, anyIdentity, dispatchAttrs)
}

// dispatchGroupOverride is relayGroup's single-device counterpart for the
// participant-override branch: no metadata fetch, no device resolution,
// just SKDM targeting for the one explicit device.
func (e *Engine) dispatchGroupOverride(ctx context.Context, groupJID, participant types.JID, msg *waproto.Message, dispatchAttrs types.Attrs) (dispatchResult, error) {
	ciphertext, skdmMsg, memKey, memory, err := e.groupDispatchCore(ctx, groupJID, msg)
	if err != nil {
		return dispatchResult{}, err
	}

	var memMu sync.Mutex
	nodes, identity, err := e.dispatchGroupDevices(ctx, []types.JID{participant}, skdmMsg, dispatchAttrs, memory, &memMu)
	if err != nil {
		return dispatchResult{}, err
	}
	return e.finishGroupDispatch(ctx, memKey, memory, ciphertext, nodes, identity, dispatchAttrs)
}
