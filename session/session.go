// Package session is the orchestrator a host application talks to: it owns
// one device's identity, keeps the local derived state in sync with the
// trustchain server, and turns the high-level calls of spec §6 into blocks
// pushed over transport and rows read from/written to the key store.
//
// Calls run on the caller's goroutine and are not queued or serialized
// against each other. Derived state is guarded by one sync.RWMutex, and
// every block, whether replayed, pushed, or self-authored, is applied
// through the single foldBlock path.
package session

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"fmt"
	"io"
	"sync"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2"
	"github.com/sirupsen/logrus"

	"github.com/synnergy/trustchain/core"
	"github.com/synnergy/trustchain/internal/transport"
	"github.com/synnergy/trustchain/pkg/config"
)

// resourceSessionCacheSize bounds the in-memory transparent-session cache so
// a long-lived session handling many resources doesn't grow it unbounded.
const resourceSessionCacheSize = 4096

func decodeBlockBase64(s string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("session: decode block: %w", err)
	}
	return raw, nil
}

// Status is the session lifecycle state exposed to the host application
// (spec §6 "Session status").
type Status int

const (
	StatusStopped Status = iota
	StatusStarting
	StatusReady
	StatusIdentityVerificationNeeded
)

// Event is something the session reports asynchronously (spec §7). ID lets a
// host application deduplicate events it has already handled across restarts
// of its own event loop.
type Event struct {
	ID   uuid.UUID
	Kind string // "device_revoked", "identity_verification_needed", ...
	Err  error
}

// Session is one running identity on one device.
type Session struct {
	cfg   *config.Config
	store *core.KeyStore
	tr    transport.Transport
	log   *logrus.Entry

	mu           sync.RWMutex
	state        *core.State
	status       Status
	trustchainID core.Hash
	deviceID     core.Hash
	deviceSig    ed25519.PrivateKey
	deviceEnc    core.EncKeyPair
	userID       core.Hash
	// userEnc is the user's current live encryption key pair, recovered
	// during RegisterIdentity/VerifyIdentity and kept current across
	// device_revocation_v2 key rotations (handleDeviceRevocation).
	userEnc core.EncKeyPair

	events chan Event

	// resourceSessions caches transparent-encryption Session keys by id so
	// DecryptSimple/EncryptionStream calls can resolve without a store hit.
	resourceSessions *lru.Cache[[core.ResourceIDSize]byte, core.Session]
	// encSession is this session's own outgoing transparent-session key,
	// lazily created by ensureEncSession.
	encSession *core.Session
}

// New constructs a session bound to store and tr. trustchainPublicKey is
// the application's root verification key, published out of band.
func New(cfg *config.Config, store *core.KeyStore, tr transport.Transport, trustchainID core.Hash, trustchainPublicKey ed25519.PublicKey) *Session {
	cache, _ := lru.New[[core.ResourceIDSize]byte, core.Session](resourceSessionCacheSize)
	return &Session{
		cfg:              cfg,
		store:            store,
		tr:               tr,
		log:              logrus.WithField("component", "session"),
		state:            core.NewState(trustchainID, trustchainPublicKey),
		trustchainID:     trustchainID,
		status:           StatusStopped,
		events:           make(chan Event, 32),
		resourceSessions: cache,
	}
}

// Events returns the channel the host application should drain for
// asynchronous notifications (spec §7).
func (s *Session) Events() <-chan Event { return s.events }

func (s *Session) emit(ev Event) {
	ev.ID = uuid.New()
	select {
	case s.events <- ev:
	default:
		s.log.Warn("event channel full, dropping event")
	}
}

// Status reports the current lifecycle state.
func (s *Session) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

// Start pulls and verifies every block the trustchain server has, bringing
// the local derived state up to date, then subscribes to future pushes
// (spec §6 "start"). It does not itself establish a device identity; call
// RegisterIdentity or VerifyIdentity next depending on whether this device
// has already been through device creation.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	s.status = StatusStarting
	s.mu.Unlock()

	if err := s.replay(ctx); err != nil {
		return fmt.Errorf("session: start: replay: %w", err)
	}

	pushes, err := s.tr.Subscribe(ctx)
	if err != nil {
		return fmt.Errorf("session: start: subscribe: %w", err)
	}
	go s.watchPushes(pushes)

	s.mu.Lock()
	s.status = StatusReady
	s.mu.Unlock()
	return nil
}

func (s *Session) replay(ctx context.Context) error {
	blocks, err := s.tr.PullBlocks(ctx, 0)
	if err != nil {
		return err
	}
	for _, wb := range blocks {
		if err := s.applyWireBlock(wb); err != nil {
			return err
		}
	}
	return nil
}

func (s *Session) watchPushes(pushes <-chan transport.WireBlock) {
	for wb := range pushes {
		if err := s.applyWireBlock(wb); err != nil {
			s.log.WithError(err).Warn("rejected pushed block")
		}
	}
}

func (s *Session) applyWireBlock(wb transport.WireBlock) error {
	raw, err := decodeBlockBase64(wb.SerializedBase64)
	if err != nil {
		return err
	}
	b, err := core.UnserializeBlock(raw)
	if err != nil {
		return fmt.Errorf("session: decode pushed block: %w", err)
	}
	return s.foldBlock(b, wb.Index)
}

// foldBlock is the one apply path every block goes through, whether pulled
// during replay, pushed by another device, or our own just-submitted block
// echoed back: verify against derived state, report self-revocation, then
// run any key-distribution side effect the block carries (spec §4.5, §4.8).
func (s *Session) foldBlock(b *core.Block, atIndex uint64) error {
	s.mu.Lock()
	selfRevoked, err := s.state.VerifyAndApply(b, atIndex)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	if selfRevoked {
		s.status = StatusStopped
	}
	s.mu.Unlock()

	if selfRevoked {
		s.emit(Event{Kind: "device_revoked"})
	}
	if err := s.applyKeyDistribution(b); err != nil {
		s.log.WithError(err).Warn("key distribution side effect failed")
	}
	return nil
}

// Stop releases the transport and key store. The session is unusable after
// Stop returns (spec §6 "stop").
func (s *Session) Stop() error {
	s.mu.Lock()
	s.status = StatusStopped
	s.mu.Unlock()
	close(s.events)
	if err := s.tr.Close(); err != nil {
		return err
	}
	return s.store.Close()
}

// RegisterIdentity creates a brand-new user (ghost plus first device) and
// pushes both blocks (spec §6 "registerIdentity"). It returns the
// verification key the host application must hand back to the user as a
// recovery factor.
func (s *Session) RegisterIdentity(ctx context.Context, userID core.Hash, trustchainSignKey ed25519.PrivateKey) (core.VerificationKey, error) {
	reg, err := core.RegisterUser(s.trustchainID, trustchainSignKey, userID)
	if err != nil {
		return core.VerificationKey{}, fmt.Errorf("session: register identity: %w", err)
	}

	// RegisterUser never returns the user's private encryption key directly
	// (only its public half and the two sealed blocks); recover it the same
	// way any other device would, by unsealing the first device's own
	// self-sealed copy.
	userEnc, err := userEncKeyPairFromDeviceCreationBlock(reg.FirstDeviceBlock, reg.FirstDeviceMaterial.Encryption)
	if err != nil {
		return core.VerificationKey{}, fmt.Errorf("session: register identity: recover user key: %w", err)
	}

	if err := s.pushAndWait(ctx, reg.GhostBlock); err != nil {
		return core.VerificationKey{}, err
	}
	if err := s.pushAndWait(ctx, reg.FirstDeviceBlock); err != nil {
		return core.VerificationKey{}, err
	}

	if err := s.store.PutDeviceKeys(reg.FirstDeviceID, reg.FirstDeviceMaterial.Signature, reg.FirstDeviceMaterial.Encryption); err != nil {
		return core.VerificationKey{}, fmt.Errorf("session: persist device keys: %w", err)
	}

	s.mu.Lock()
	s.userID = userID
	s.deviceID = reg.FirstDeviceID
	s.deviceSig = reg.FirstDeviceMaterial.Signature.Private
	s.deviceEnc = reg.FirstDeviceMaterial.Encryption
	s.userEnc = userEnc
	s.state.SetSelfDevice(reg.FirstDeviceID)
	s.mu.Unlock()

	return reg.VerificationKey, nil
}

// userEncKeyPairFromDeviceCreationBlock recovers the user's live encryption
// key pair from a device_creation_v3 block this device's own material
// sealed it into (spec §4.6): decode the block, unseal UserKeyPair.SealedPrivate
// against deviceEnc, then derive the full pair via EncKeyPairFromSeed.
func userEncKeyPairFromDeviceCreationBlock(created core.CreatedBlock, deviceEnc core.EncKeyPair) (core.EncKeyPair, error) {
	raw, err := decodeBlockBase64(created.SerializedBase64)
	if err != nil {
		return core.EncKeyPair{}, err
	}
	b, err := core.UnserializeBlock(raw)
	if err != nil {
		return core.EncKeyPair{}, fmt.Errorf("decode device creation block: %w", err)
	}
	rec, err := core.UnserializeDeviceCreationV3(b.Payload)
	if err != nil {
		return core.EncKeyPair{}, fmt.Errorf("decode device creation payload: %w", err)
	}
	userPrivRaw, err := core.Unseal(deviceEnc.Public, deviceEnc.Private, rec.UserKeyPair.SealedPrivate[:])
	if err != nil {
		return core.EncKeyPair{}, fmt.Errorf("unseal user private key: %w", err)
	}
	return core.EncKeyPairFromSeed(userPrivRaw)
}

// VerifyIdentity re-attaches this device to an existing user via its
// verification key: the ghost device's keys reconstruct deterministically
// from the key, which then certifies a fresh device for this session
// (spec §6 "verifyIdentity").
func (s *Session) VerifyIdentity(ctx context.Context, userID core.Hash, vk core.VerificationKey) error {
	ghostSig, ghostEnc := vk.GhostKeys()
	var ghostSigPublic [core.SigPublicKeySize]byte
	copy(ghostSigPublic[:], ghostSig.Public)

	s.mu.RLock()
	u, ok := s.state.Users.User(userID)
	if !ok {
		s.mu.RUnlock()
		return fmt.Errorf("session: verify identity: unknown user: %w", core.ErrInvalidIdentity)
	}

	// The ghost device's own id is computed by the trustchain server; we
	// look it up among the user's device ids by matching its public key
	// instead of recomputing the block hash locally, since the ghost block
	// was authored (and its id assigned) before this device existed.
	var ghostID core.Hash
	var ghostDevice *core.Device
	for _, id := range u.DeviceIDs {
		if d, ok := s.state.Users.Device(id); ok && d.IsGhost && d.PublicSignatureKey == ghostSigPublic {
			ghostID = id
			ghostDevice = d
			break
		}
	}
	s.mu.RUnlock()
	if ghostDevice == nil {
		return fmt.Errorf("session: verify identity: ghost device not found: %w", core.ErrInvalidIdentity)
	}

	// The ghost device never holds the user's encryption private key in the
	// clear (device.go "GhostKeys"): it is sealed to the ghost's own
	// encryption key in its device_creation block, and must be unsealed here
	// before it can be re-sealed to the newly certified device.
	userPrivRaw, err := core.Unseal(ghostEnc.Public, ghostEnc.Private, ghostDevice.EncryptedUserPrivateKey[:])
	if err != nil {
		return fmt.Errorf("session: verify identity: unseal user private key: %w", err)
	}
	var userEncPrivate [core.EncPrivateKeySize]byte
	copy(userEncPrivate[:], userPrivRaw)
	userEnc, err := core.EncKeyPairFromSeed(userEncPrivate[:])
	if err != nil {
		return fmt.Errorf("session: verify identity: %w", err)
	}

	newDevice, err := core.GenerateNewDeviceMaterial()
	if err != nil {
		return fmt.Errorf("session: verify identity: %w", err)
	}

	deviceID, created, err := core.BuildDeviceCreationBlock(
		s.trustchainID, ghostID, ghostSig.Private, userID,
		u.LiveEncryptionPublicKey(), userEncPrivate, newDevice, false,
	)
	if err != nil {
		return fmt.Errorf("session: verify identity: build device: %w", err)
	}
	if err := s.pushAndWait(ctx, created); err != nil {
		return err
	}
	if err := s.store.PutDeviceKeys(deviceID, newDevice.Signature, newDevice.Encryption); err != nil {
		return fmt.Errorf("session: persist device keys: %w", err)
	}

	s.mu.Lock()
	s.userID = userID
	s.deviceID = deviceID
	s.deviceSig = newDevice.Signature.Private
	s.deviceEnc = newDevice.Encryption
	s.userEnc = userEnc
	s.state.SetSelfDevice(deviceID)
	s.status = StatusReady
	s.mu.Unlock()
	return nil
}

// pushAndWait submits a created block and blocks until it has been
// replayed back into local state (the server echoes every push on the
// subscription channel; here we fold it directly instead, since Start's
// watcher may not be running yet during registration).
func (s *Session) pushAndWait(ctx context.Context, b core.CreatedBlock) error {
	if err := s.tr.PushBlock(ctx, b.SerializedBase64); err != nil {
		return fmt.Errorf("session: push block: %w", err)
	}
	raw, err := decodeBlockBase64(b.SerializedBase64)
	if err != nil {
		return err
	}
	blk, err := core.UnserializeBlock(raw)
	if err != nil {
		return err
	}
	return s.foldBlock(blk, 0)
}

// applyKeyDistribution runs the locally-relevant side effect of a just-
// folded block, if any: unsealing and persisting resource/group keys
// addressed to this device's user, so sharing is actually usable on the
// receiving end rather than only verified (spec §4.8, §4.4, §4.7).
func (s *Session) applyKeyDistribution(b *core.Block) error {
	kind, err := core.NatureKind(b.Nature)
	if err != nil {
		return nil
	}
	switch kind {
	case "key_publish_to_user":
		return s.handleKeyPublishToUser(b)
	case "key_publish_to_user_group":
		return s.handleKeyPublishToUserGroup(b)
	case "key_publish_to_provisional_user":
		return s.handleKeyPublishToProvisionalUser(b)
	case "user_group_creation", "user_group_addition", "user_group_update":
		return s.handleGroupMembershipBlock(b, kind)
	case "device_revocation":
		return s.handleDeviceRevocation(b)
	default:
		return nil
	}
}

// handleKeyPublishToUser unseals a resource key published either to this
// device's own key (the legacy key_publish_to_device shape reuses the same
// payload) or to the user's live key, and persists it for later Decrypt
// calls (spec §4.8).
func (s *Session) handleKeyPublishToUser(b *core.Block) error {
	rec, err := core.UnserializeKeyPublishToUser(b.Payload)
	if err != nil {
		return fmt.Errorf("session: key publish to user: %w", err)
	}

	s.mu.RLock()
	deviceEnc := s.deviceEnc
	userEnc := s.userEnc
	s.mu.RUnlock()

	var key [core.ResourceKeySize]byte
	switch rec.RecipientPublicEncryptionKey {
	case deviceEnc.Public:
		key, err = core.UnsealResourceKeyForUser(rec, deviceEnc.Public, deviceEnc.Private)
	case userEnc.Public:
		key, err = core.UnsealResourceKeyForUser(rec, userEnc.Public, userEnc.Private)
	default:
		return nil // not addressed to this device or user
	}
	if err != nil {
		return fmt.Errorf("session: key publish to user: unseal: %w", err)
	}
	if err := s.store.PutResourceKey(rec.ResourceID, key); err != nil {
		return fmt.Errorf("session: key publish to user: persist resource key: %w", err)
	}
	return nil
}

// handleKeyPublishToUserGroup unseals a resource key published to a group's
// live encryption key, using the group's private key if this device already
// has it (possibly just promoted from a pending sealed key by
// groupEncryptionKeyPair).
func (s *Session) handleKeyPublishToUserGroup(b *core.Block) error {
	rec, err := core.UnserializeKeyPublishToUserGroup(b.Payload)
	if err != nil {
		return fmt.Errorf("session: key publish to group: %w", err)
	}

	s.mu.RLock()
	groupID, ok := s.state.Groups.GroupIDForEncryptionPublicKey(rec.RecipientPublicEncryptionKey)
	s.mu.RUnlock()
	if !ok {
		return nil
	}

	priv, ok, err := s.groupEncryptionKeyPair(groupID)
	if err != nil {
		return fmt.Errorf("session: key publish to group: %w", err)
	}
	if !ok {
		return nil // this device has not unsealed the group's private key yet
	}

	key, err := core.UnsealResourceKeyForUser(rec, rec.RecipientPublicEncryptionKey, priv)
	if err != nil {
		return fmt.Errorf("session: key publish to group: unseal: %w", err)
	}
	if err := s.store.PutResourceKey(rec.ResourceID, key); err != nil {
		return fmt.Errorf("session: key publish to group: persist resource key: %w", err)
	}
	return nil
}

// handleKeyPublishToProvisionalUser unseals a resource key addressed to a
// provisional identity this device already attached (its private keys are in
// the store); otherwise the block is re-examined later by
// recoverProvisionalShares once the identity is attached (spec §4.8, §4.10).
func (s *Session) handleKeyPublishToProvisionalUser(b *core.Block) error {
	rec, err := core.UnserializeKeyPublishToProvisionalUser(b.Payload)
	if err != nil {
		return fmt.Errorf("session: key publish to provisional user: %w", err)
	}

	keys, ok, err := s.store.GetProvisionalUserKeys(rec.AppPublicSignatureKey, rec.TankerPublicSignatureKey)
	if err != nil {
		return fmt.Errorf("session: key publish to provisional user: %w", err)
	}
	if !ok {
		return nil
	}

	key, err := unsealProvisionalResourceKey(rec, keys)
	if err != nil {
		return fmt.Errorf("session: key publish to provisional user: unseal: %w", err)
	}
	if err := s.store.PutResourceKey(rec.ResourceID, key); err != nil {
		return fmt.Errorf("session: key publish to provisional user: persist resource key: %w", err)
	}
	return nil
}

// unsealProvisionalResourceKey rebuilds the provisional identity's two
// encryption key pairs from their stored private halves (EncKeyPairFromSeed
// derives the public half, the same pattern VerificationKey.GhostKeys uses)
// and unseals rec against them.
func unsealProvisionalResourceKey(rec core.KeyPublishToProvisionalUser, keys core.ProvisionalUserPrivateKeys) ([core.ResourceKeySize]byte, error) {
	appKP, err := core.EncKeyPairFromSeed(keys.AppEncryptionPrivate[:])
	if err != nil {
		return [core.ResourceKeySize]byte{}, err
	}
	tankerKP, err := core.EncKeyPairFromSeed(keys.TankerEncryptionPrivate[:])
	if err != nil {
		return [core.ResourceKeySize]byte{}, err
	}
	return core.UnsealResourceKeyForProvisional(rec, appKP.Public, appKP.Private, tankerKP.Public, tankerKP.Private)
}

// handleGroupMembershipBlock stashes this device's sealed copy of a group's
// private encryption key, if this user appears among the block's members,
// as a pending key for groupEncryptionKeyPair to unseal lazily (spec §4.4,
// §4.7). All three group natures carry Members in the same shape.
func (s *Session) handleGroupMembershipBlock(b *core.Block, kind string) error {
	var groupID core.GroupID
	var members []core.GroupMemberEntry

	switch kind {
	case "user_group_creation":
		version, _ := core.NatureVersion(b.Nature)
		rec, err := core.UnserializeUserGroupCreation(version, b.Payload)
		if err != nil {
			return fmt.Errorf("session: group membership: %w", err)
		}
		copy(groupID[:], rec.PublicSignatureKey[:])
		members = rec.Members
	case "user_group_addition":
		version, _ := core.NatureVersion(b.Nature)
		rec, err := core.UnserializeUserGroupAddition(version, b.Payload)
		if err != nil {
			return fmt.Errorf("session: group membership: %w", err)
		}
		groupID = core.GroupID(rec.GroupID)
		members = rec.Members
	case "user_group_update":
		rec, err := core.UnserializeUserGroupUpdate(b.Payload)
		if err != nil {
			return fmt.Errorf("session: group membership: %w", err)
		}
		groupID = core.GroupID(rec.GroupID)
		members = rec.Members
	}

	s.mu.RLock()
	userID := s.userID
	s.mu.RUnlock()

	for _, m := range members {
		if m.UserID != userID {
			continue
		}
		if err := s.store.PutPendingGroupEncryptionKey(groupID, m.SealedGroupPrivateEncryptionKey); err != nil {
			return fmt.Errorf("session: group membership: persist pending group key: %w", err)
		}
		return nil
	}
	return nil
}

// groupEncryptionKeyPair returns the group's private encryption key,
// unsealing and promoting a pending sealed key (from handleGroupMembershipBlock)
// to a full key the first time it is needed.
func (s *Session) groupEncryptionKeyPair(id core.GroupID) ([core.EncPrivateKeySize]byte, bool, error) {
	if priv, ok, err := s.store.GetGroupEncryptionKeyPair(id); err != nil || ok {
		return priv, ok, err
	}
	sealed, ok, err := s.store.GetPendingGroupEncryptionKey(id)
	if err != nil {
		return [core.EncPrivateKeySize]byte{}, false, err
	}
	if !ok {
		return [core.EncPrivateKeySize]byte{}, false, nil
	}

	s.mu.RLock()
	userEnc := s.userEnc
	s.mu.RUnlock()

	raw, err := core.Unseal(userEnc.Public, userEnc.Private, sealed[:])
	if err != nil {
		return [core.EncPrivateKeySize]byte{}, false, fmt.Errorf("unseal pending group key: %w", err)
	}
	var priv [core.EncPrivateKeySize]byte
	copy(priv[:], raw)
	if err := s.store.PutGroupEncryptionKeyPair(id, priv); err != nil {
		return priv, false, err
	}
	return priv, true, nil
}

// handleDeviceRevocation keeps s.userEnc current when the user's encryption
// key rotates, so a sibling device that survives a revocation can still
// unseal anything shared afterward (spec §4.4).
func (s *Session) handleDeviceRevocation(b *core.Block) error {
	version, _ := core.NatureVersion(b.Nature)
	if version != 2 {
		return nil
	}
	rec, err := core.UnserializeDeviceRevocationV2(b.Payload)
	if err != nil {
		return fmt.Errorf("session: device revocation: %w", err)
	}

	s.mu.RLock()
	deviceID := s.deviceID
	deviceEnc := s.deviceEnc
	s.mu.RUnlock()

	for _, r := range rec.Recipients {
		if r.RecipientDeviceID != deviceID {
			continue
		}
		raw, err := core.Unseal(deviceEnc.Public, deviceEnc.Private, r.SealedNewUserPrivateKey[:])
		if err != nil {
			return fmt.Errorf("session: device revocation: unseal rotated user key: %w", err)
		}
		newUserEnc, err := core.EncKeyPairFromSeed(raw)
		if err != nil {
			return fmt.Errorf("session: device revocation: %w", err)
		}
		s.mu.Lock()
		s.userEnc = newUserEnc
		s.mu.Unlock()
		return nil
	}
	return nil
}

// GetDeviceList returns every device of the given user known to local
// state (spec §6 "getDeviceList").
func (s *Session) GetDeviceList(userID core.Hash) ([]*core.Device, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.state.Users.User(userID)
	if !ok {
		return nil, fmt.Errorf("session: get device list: %w", core.ErrResourceNotFound)
	}
	out := make([]*core.Device, 0, len(u.DeviceIDs))
	for _, id := range u.DeviceIDs {
		if d, ok := s.state.Users.Device(id); ok {
			out = append(out, d)
		}
	}
	return out, nil
}

// RevokeDevice revokes deviceID, rotating the user's key and re-sealing it
// to every remaining sibling device (spec §6 "revokeDevice", §4.4).
func (s *Session) RevokeDevice(ctx context.Context, deviceID core.Hash) error {
	s.mu.RLock()
	target, ok := s.state.Users.Device(deviceID)
	if !ok {
		s.mu.RUnlock()
		return fmt.Errorf("session: revoke device: %w", core.ErrResourceNotFound)
	}
	userID := target.UserID
	siblings := s.state.Users.NonRevokedSiblingDevices(userID, deviceID)
	authorDeviceID := s.deviceID
	authorSig := s.deviceSig
	s.mu.RUnlock()

	newUserKeys, err := core.GenerateEncKeyPair()
	if err != nil {
		return fmt.Errorf("session: revoke device: %w", err)
	}

	rec := core.DeviceRevocationV2{
		RevokedDeviceID:  deviceID,
		NewUserPublicKey: newUserKeys.Public,
	}
	for _, sib := range siblings {
		sealed, err := core.Seal(sib.PublicEncryptionKey, newUserKeys.Private[:])
		if err != nil {
			return fmt.Errorf("session: revoke device: seal to sibling: %w", err)
		}
		var fixed [core.SealedEncPrivSize]byte
		copy(fixed[:], sealed)
		rec.Recipients = append(rec.Recipients, core.DeviceRevocationRecipient{
			RecipientDeviceID:       sib.ID,
			SealedNewUserPrivateKey: fixed,
		})
	}

	created := core.CreateBlock(rec.Serialize(), core.NatureDeviceRevocationV2, s.trustchainID, authorDeviceID, authorSig)
	return s.pushAndWait(ctx, created)
}

// GetResourceID derives the resource id a simple-format ciphertext was
// sealed under, without decrypting (spec §6 "getResourceId").
func (s *Session) GetResourceID(framed []byte) ([core.ResourceIDSize]byte, error) {
	var id [core.ResourceIDSize]byte
	if len(id)+1 > len(framed) {
		return id, fmt.Errorf("session: get resource id: %w", core.ErrTruncated)
	}
	copy(id[:], framed[1:1+core.ResourceIDSize])
	return id, nil
}

// EncryptData seals data under a fresh resource key using the session's
// default padding settings, persists the key locally so Decrypt can later
// recover it, and shares it back to the encrypting user so any other device
// of theirs can decrypt it too (spec §6 "encryptData", §4.8).
func (s *Session) EncryptData(ctx context.Context, data []byte) ([]byte, [core.ResourceIDSize]byte, error) {
	key, err := core.GenerateResourceKey()
	if err != nil {
		return nil, [core.ResourceIDSize]byte{}, err
	}
	opts := s.encryptOptions()
	var framed []byte
	var resourceID [core.ResourceIDSize]byte
	if opts.Padding == core.PaddingOff {
		framed, resourceID, err = core.EncryptSimple(data, key)
	} else {
		framed, resourceID, err = core.EncryptPaddedSimple(data, key, opts)
	}
	if err != nil {
		return nil, resourceID, err
	}
	if err := s.store.PutResourceKey(resourceID, key); err != nil {
		return nil, resourceID, fmt.Errorf("session: persist resource key: %w", err)
	}
	if err := s.shareResourceKeyWithSelf(ctx, resourceID, key); err != nil {
		return nil, resourceID, fmt.Errorf("session: encrypt data: %w", err)
	}
	return framed, resourceID, nil
}

// shareResourceKeyWithSelf publishes a key_publish_to_user block addressed
// to the encrypting user, the same mechanism Share uses for other
// recipients, so a second device of this user can learn the resource key
// without it ever being re-derivable from the ciphertext alone (spec §4.8).
func (s *Session) shareResourceKeyWithSelf(ctx context.Context, resourceID [core.ResourceIDSize]byte, key [core.ResourceKeySize]byte) error {
	s.mu.RLock()
	trustchainID := s.trustchainID
	deviceID := s.deviceID
	deviceSig := s.deviceSig
	userID := s.userID
	users := s.state.Users
	groups := s.state.Groups
	s.mu.RUnlock()

	targets := core.ShareTargets{Users: []core.Hash{userID}}
	blocks, err := core.BuildShareBlocks(trustchainID, deviceID, deviceSig, resourceID, key, targets, users, groups)
	if err != nil {
		return fmt.Errorf("share resource key with self: %w", err)
	}
	for _, b := range blocks {
		if err := s.pushAndWait(ctx, b); err != nil {
			return err
		}
	}
	return nil
}

func (s *Session) encryptOptions() core.EncryptOptions {
	opts := core.EncryptOptions{ChunkSize: uint32(s.cfg.ChunkSize)}
	switch s.cfg.PaddingMode {
	case "off":
		opts.Padding = core.PaddingOff
	case "step":
		opts.Padding = core.PaddingStep
		opts.PaddingStep = s.cfg.PaddingStep
	default:
		opts.Padding = core.PaddingAuto
	}
	return opts
}

// DecryptData opens a simple or padded-simple framed ciphertext, resolving
// its key via the two-tier lookup: the in-memory transparent-session cache
// first, then the key store (spec §6 "decryptData").
func (s *Session) DecryptData(framed []byte) ([]byte, error) {
	plaintext, _, err := core.DecryptSimple(framed, s.resolveKey)
	if err != nil {
		return nil, err
	}
	return plaintext, nil
}

// resolveKey implements core.KeyResolver: try the transparent-session
// cache, then fall back to the resource-key table in the local store,
// promoting a store hit into the cache so a repeat lookup of the same
// resource (common under one session, spec §4.8 "Session") avoids the
// store a second time.
func (s *Session) resolveKey(id [core.ResourceIDSize]byte) (key [core.ResourceKeySize]byte, isSession bool, err error) {
	if sess, ok := s.resourceSessions.Get(id); ok {
		return sess.Key, true, nil
	}
	key, ok, err := s.store.GetResourceKey(id)
	if err != nil {
		return key, false, err
	}
	if !ok {
		return key, false, fmt.Errorf("session: resolve resource key: %w", core.ErrResourceNotFound)
	}
	s.resourceSessions.Add(id, core.Session{ID: id, Key: key})
	return key, false, nil
}

// EncryptDataInSession seals data under this session's own transparent
// encryption session, so every call shares one resource id/key pair instead
// of minting a fresh one each time (spec §4.8 "Session", §3 "Session").
func (s *Session) EncryptDataInSession(ctx context.Context, data []byte) ([]byte, [core.ResourceIDSize]byte, error) {
	sess, err := s.ensureEncSession(ctx)
	if err != nil {
		return nil, [core.ResourceIDSize]byte{}, err
	}
	framed, resourceID, err := core.EncryptSimpleWithSession(data, sess)
	if err != nil {
		return nil, resourceID, err
	}
	return framed, resourceID, nil
}

// ensureEncSession lazily creates (and shares with the rest of this user's
// devices) the session key EncryptDataInSession encrypts under, so it only
// runs once per Session lifetime rather than once per call.
func (s *Session) ensureEncSession(ctx context.Context) (core.Session, error) {
	s.mu.RLock()
	existing := s.encSession
	s.mu.RUnlock()
	if existing != nil {
		return *existing, nil
	}

	sess, err := core.NewSession()
	if err != nil {
		return core.Session{}, err
	}
	if err := s.store.PutResourceKey(sess.ID, sess.Key); err != nil {
		return core.Session{}, fmt.Errorf("session: persist session key: %w", err)
	}
	s.resourceSessions.Add(sess.ID, sess)
	if err := s.shareResourceKeyWithSelf(ctx, sess.ID, sess.Key); err != nil {
		return core.Session{}, fmt.Errorf("session: share session key: %w", err)
	}

	s.mu.Lock()
	s.encSession = &sess
	s.mu.Unlock()
	return sess, nil
}

// CreateEncryptionStream seals data written to the returned stream under a
// fresh resource key, persisting it locally the same way EncryptData does so
// a later DecryptionStream (local or remote) can resolve it (spec §6
// "createEncryptionStream", §4.8 "Streamed").
func (s *Session) CreateEncryptionStream(ctx context.Context, w io.Writer) (*core.EncryptionStream, [core.ResourceIDSize]byte, error) {
	key, err := core.GenerateResourceKey()
	if err != nil {
		return nil, [core.ResourceIDSize]byte{}, err
	}
	idBytes, err := core.RandomBytes(core.ResourceIDSize)
	if err != nil {
		return nil, [core.ResourceIDSize]byte{}, err
	}
	var resourceID [core.ResourceIDSize]byte
	copy(resourceID[:], idBytes)
	if err := s.store.PutResourceKey(resourceID, key); err != nil {
		return nil, resourceID, fmt.Errorf("session: persist resource key: %w", err)
	}
	if err := s.shareResourceKeyWithSelf(ctx, resourceID, key); err != nil {
		return nil, resourceID, fmt.Errorf("session: create encryption stream: %w", err)
	}
	es, err := core.NewEncryptionStream(w, core.FormatStreamed, key, resourceID, s.encryptOptions())
	if err != nil {
		return nil, resourceID, err
	}
	return es, resourceID, nil
}

// CreateDecryptionStream opens a stream written by CreateEncryptionStream,
// resolving its resource key through the same two-tier lookup as DecryptData
// (spec §6 "createDecryptionStream").
func (s *Session) CreateDecryptionStream(r io.Reader) (*core.DecryptionStream, error) {
	return core.NewDecryptionStream(r, s.resolveKey)
}

// Share grants the given users/groups/provisional identities access to an
// already-encrypted resource (spec §6 "share", §4.8).
func (s *Session) Share(ctx context.Context, resourceID [core.ResourceIDSize]byte, targets core.ShareTargets) error {
	key, ok, err := s.store.GetResourceKey(resourceID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("session: share: %w", core.ErrResourceNotFound)
	}

	s.mu.RLock()
	blocks, err := core.BuildShareBlocks(s.trustchainID, s.deviceID, s.deviceSig, resourceID, key, targets, s.state.Users, s.state.Groups)
	s.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("session: share: %w", err)
	}
	for _, b := range blocks {
		if err := s.pushAndWait(ctx, b); err != nil {
			return err
		}
	}
	return nil
}

// CreateGroup creates a new group with the given members (spec §6
// "createGroup", §4.4). Members are registered user ids only; neither
// CreateGroup nor UpdateGroupMembers adds provisional members.
func (s *Session) CreateGroup(ctx context.Context, memberUserIDs []core.Hash) (core.GroupID, error) {
	groupSig, err := core.GenerateSigKeyPair()
	if err != nil {
		return core.GroupID{}, err
	}
	groupEnc, err := core.GenerateEncKeyPair()
	if err != nil {
		return core.GroupID{}, err
	}
	sealedGroupSig, err := core.Seal(groupEnc.Public, groupSig.Private)
	if err != nil {
		return core.GroupID{}, fmt.Errorf("session: create group: seal signature key: %w", err)
	}
	var sealedSigFixed [core.SealedSigPrivSize]byte
	copy(sealedSigFixed[:], sealedGroupSig)

	rec := core.UserGroupCreation{
		Version:                   3,
		SealedPrivateSignatureKey: sealedSigFixed,
	}
	copy(rec.PublicSignatureKey[:], groupSig.Public)
	rec.PublicEncryptionKey = groupEnc.Public

	s.mu.RLock()
	for _, uid := range memberUserIDs {
		u, ok := s.state.Users.User(uid)
		if !ok {
			s.mu.RUnlock()
			return core.GroupID{}, fmt.Errorf("session: create group: unknown member: %w", core.ErrResourceNotFound)
		}
		sealedPriv, err := core.Seal(u.LiveEncryptionPublicKey(), groupEnc.Private[:])
		if err != nil {
			s.mu.RUnlock()
			return core.GroupID{}, fmt.Errorf("session: create group: seal to member: %w", err)
		}
		var fixed [core.SealedEncPrivSize]byte
		copy(fixed[:], sealedPriv)
		rec.Members = append(rec.Members, core.GroupMemberEntry{
			UserID:                          uid,
			UserPublicEncryptionKey:         u.LiveEncryptionPublicKey(),
			SealedGroupPrivateEncryptionKey: fixed,
		})
	}
	deviceID, deviceSig := s.deviceID, s.deviceSig
	s.mu.RUnlock()

	sig := core.Sign(groupSig.Private, rec.SignData())
	copy(rec.Signature[:], sig)

	created := core.CreateBlock(rec.Serialize(), core.NatureUserGroupCreationV3, s.trustchainID, deviceID, deviceSig)
	if err := s.pushAndWait(ctx, created); err != nil {
		return core.GroupID{}, err
	}

	var id core.GroupID
	copy(id[:], groupSig.Public)
	if err := s.store.PutGroupEncryptionKeyPair(id, groupEnc.Private); err != nil {
		return core.GroupID{}, fmt.Errorf("session: persist group key: %w", err)
	}
	var sigPrivFixed [core.SigPrivateKeySize]byte
	copy(sigPrivFixed[:], groupSig.Private)
	if err := s.store.PutGroupSignatureKeyPair(id, sigPrivFixed); err != nil {
		return core.GroupID{}, fmt.Errorf("session: persist group key: %w", err)
	}
	return id, nil
}

// UpdateGroupMembers adds members to an existing group (spec §6
// "updateGroupMembers") with one user_group_addition block. It only adds:
// there is no member removal, and the group's keys are not rotated.
func (s *Session) UpdateGroupMembers(ctx context.Context, id core.GroupID, addUserIDs []core.Hash) error {
	s.mu.RLock()
	g, ok := s.state.Groups.Group(id)
	if !ok {
		s.mu.RUnlock()
		return fmt.Errorf("session: update group: %w", core.ErrResourceNotFound)
	}
	groupEncPriv, ok, err := s.store.GetGroupEncryptionKeyPair(id)
	if err != nil || !ok {
		s.mu.RUnlock()
		if err != nil {
			return err
		}
		return fmt.Errorf("session: update group: no local group key: %w", core.ErrPreconditionFailed)
	}

	rec := core.UserGroupAddition{
		Version:            3,
		GroupID:            id,
		PreviousGroupBlock: g.LastGroupBlock,
	}
	for _, uid := range addUserIDs {
		u, ok := s.state.Users.User(uid)
		if !ok {
			s.mu.RUnlock()
			return fmt.Errorf("session: update group: unknown member: %w", core.ErrResourceNotFound)
		}
		sealed, err := core.Seal(u.LiveEncryptionPublicKey(), groupEncPriv[:])
		if err != nil {
			s.mu.RUnlock()
			return fmt.Errorf("session: update group: seal to member: %w", err)
		}
		var fixed [core.SealedEncPrivSize]byte
		copy(fixed[:], sealed)
		rec.Members = append(rec.Members, core.GroupMemberEntry{
			UserID:                          uid,
			UserPublicEncryptionKey:         u.LiveEncryptionPublicKey(),
			SealedGroupPrivateEncryptionKey: fixed,
		})
	}
	deviceID, deviceSig := s.deviceID, s.deviceSig
	s.mu.RUnlock()

	groupSigPrivate, ok, err := s.store.GetGroupSignatureKeyPair(id)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("session: update group: no local signature key: %w", core.ErrPreconditionFailed)
	}
	sig := core.Sign(ed25519.PrivateKey(groupSigPrivate[:]), rec.SignData())
	copy(rec.Signature[:], sig)

	created := core.CreateBlock(rec.Serialize(), core.NatureUserGroupAdditionV3, s.trustchainID, deviceID, deviceSig)
	return s.pushAndWait(ctx, created)
}

// AttachProvisionalIdentity claims a provisional identity that was shared
// with before the recipient registered (spec §6 "attachProvisionalIdentity",
// §4.10). appSig/tankerSig are the provisional identity's two private
// signature keys and appEnc/tankerEnc its two encryption key pairs,
// recovered from wherever the host application's identity layer stores
// them (out of scope per spec §1).
func (s *Session) AttachProvisionalIdentity(ctx context.Context, appSig, tankerSig ed25519.PrivateKey, appEnc, tankerEnc core.EncKeyPair) error {
	s.mu.RLock()
	u, ok := s.state.Users.User(s.userID)
	deviceID, deviceSig := s.deviceID, s.deviceSig
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("session: attach provisional identity: %w", core.ErrResourceNotFound)
	}

	authorSigByApp := core.Sign(appSig, core.ClaimAuthorSignData(deviceID, s.userID))
	authorSigByTanker := core.Sign(tankerSig, core.ClaimAuthorSignData(deviceID, s.userID))

	sealedOnce, err := core.Seal(u.LiveEncryptionPublicKey(), append(append([]byte(nil), appEnc.Private[:]...), tankerEnc.Private[:]...))
	if err != nil {
		return fmt.Errorf("session: attach provisional identity: seal private keys: %w", err)
	}

	var rec core.ProvisionalIdentityClaim
	rec.UserID = s.userID
	copy(rec.AppPublicSignatureKey[:], appSig.Public().(ed25519.PublicKey))
	copy(rec.TankerPublicSignatureKey[:], tankerSig.Public().(ed25519.PublicKey))
	copy(rec.AuthorSignatureByAppKey[:], authorSigByApp)
	copy(rec.AuthorSignatureByTankerKey[:], authorSigByTanker)
	rec.UserPublicEncryptionKey = u.LiveEncryptionPublicKey()
	copy(rec.SealedProvisionalPrivateKeys[:], sealedOnce)

	created := core.CreateBlock(rec.Serialize(), core.NatureProvisionalIdentityClaim, s.trustchainID, deviceID, deviceSig)
	if err := s.pushAndWait(ctx, created); err != nil {
		return err
	}

	var appSigPub, tankerSigPub [core.SigPublicKeySize]byte
	copy(appSigPub[:], appSig.Public().(ed25519.PublicKey))
	copy(tankerSigPub[:], tankerSig.Public().(ed25519.PublicKey))
	if err := s.store.PutProvisionalUserKeys(appSigPub, tankerSigPub, core.ProvisionalUserPrivateKeys{
		AppEncryptionPrivate:    appEnc.Private,
		TankerEncryptionPrivate: tankerEnc.Private,
	}); err != nil {
		return fmt.Errorf("session: attach provisional identity: %w", err)
	}

	if err := s.recoverProvisionalShares(ctx, appSigPub, tankerSigPub, appEnc, tankerEnc); err != nil {
		return fmt.Errorf("session: attach provisional identity: %w", err)
	}
	return nil
}

// recoverProvisionalShares converges every share that targeted this
// provisional identity before it was attached: resource keys published via
// key_publish_to_provisional_user, found by re-walking trustchain history
// (the identity wasn't attached yet when those blocks first replayed, so
// handleKeyPublishToProvisionalUser had no keys to unseal with), and any
// group private keys this identity held as a provisional member (spec
// §4.8 "Claiming", §4.7, §4.10).
func (s *Session) recoverProvisionalShares(ctx context.Context, appSigPub, tankerSigPub [core.SigPublicKeySize]byte, appEnc, tankerEnc core.EncKeyPair) error {
	blocks, err := s.tr.PullBlocks(ctx, 0)
	if err != nil {
		return fmt.Errorf("recover shares: pull history: %w", err)
	}
	keys := core.ProvisionalUserPrivateKeys{
		AppEncryptionPrivate:    appEnc.Private,
		TankerEncryptionPrivate: tankerEnc.Private,
	}
	for _, wb := range blocks {
		raw, err := decodeBlockBase64(wb.SerializedBase64)
		if err != nil {
			continue
		}
		b, err := core.UnserializeBlock(raw)
		if err != nil {
			continue
		}
		kind, err := core.NatureKind(b.Nature)
		if err != nil || kind != "key_publish_to_provisional_user" {
			continue
		}
		rec, err := core.UnserializeKeyPublishToProvisionalUser(b.Payload)
		if err != nil || rec.AppPublicSignatureKey != appSigPub || rec.TankerPublicSignatureKey != tankerSigPub {
			continue
		}
		key, err := unsealProvisionalResourceKey(rec, keys)
		if err != nil {
			continue // key rotated since, or not actually addressed to us
		}
		if err := s.store.PutResourceKey(rec.ResourceID, key); err != nil {
			return fmt.Errorf("persist resource key: %w", err)
		}
	}

	s.mu.RLock()
	groupIDs := s.state.Groups.GroupsForProvisional(appSigPub, tankerSigPub)
	s.mu.RUnlock()
	for _, gid := range groupIDs {
		s.mu.RLock()
		entry, ok := s.state.Groups.ProvisionalMemberEntry(gid, appSigPub, tankerSigPub)
		s.mu.RUnlock()
		if !ok {
			continue
		}
		onceSealed, err := core.Unseal(tankerEnc.Public, tankerEnc.Private, entry.DoublySealedGroupPrivateKey[:])
		if err != nil {
			continue
		}
		rawGroupKey, err := core.Unseal(appEnc.Public, appEnc.Private, onceSealed)
		if err != nil {
			continue
		}
		var groupPriv [core.EncPrivateKeySize]byte
		copy(groupPriv[:], rawGroupKey)
		if err := s.store.PutGroupEncryptionKeyPair(gid, groupPriv); err != nil {
			return fmt.Errorf("persist group key: %w", err)
		}
	}
	return nil
}

// SetVerificationMethod registers a verification method for the current
// user (spec §6 "setVerificationMethod" — supplemented; see DESIGN.md).
func (s *Session) SetVerificationMethod(m core.VerificationMethod) error {
	return s.store.PutVerificationMethod(s.userID, m)
}

// GetVerificationMethods lists the current user's registered verification
// methods (spec §6 "getVerificationMethods").
func (s *Session) GetVerificationMethods() ([]core.VerificationMethod, error) {
	return s.store.ListVerificationMethods(s.userID)
}
