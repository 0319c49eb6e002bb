// Package core – group state: key rotations, membership, provisional group
// keys (spec §3 "Group", §4.7).
package core

import (
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

// GroupID is a group's initial public signature key, which also serves as
// its stable identifier (spec §3 "Group").
type GroupID [SigPublicKeySize]byte

// provisionalGroupKey is the secondary-index key for a provisional group
// member: app_sig_pub || tanker_sig_pub (spec §4.7).
type provisionalGroupKey [2 * SigPublicKeySize]byte

func makeProvisionalGroupKey(appSig, tankerSig [SigPublicKeySize]byte) provisionalGroupKey {
	var k provisionalGroupKey
	copy(k[:SigPublicKeySize], appSig[:])
	copy(k[SigPublicKeySize:], tankerSig[:])
	return k
}

// GroupState is the reducer output for one group. Fields carry the union of
// what schema versions 3–10 stored (spec §9 Open Question). The verifier sets
// SchemaVersion to the nature version of the group's creation block and never sets
// SignaturePrivate or EncryptionPrivate, so replayed state is always the
// public-only view; there is no selection of a "full" view here or in the
// key store.
type GroupState struct {
	ID                  GroupID
	SchemaVersion       int
	SignaturePublic     [SigPublicKeySize]byte
	SignaturePrivate    *[SigPrivateKeySize]byte
	EncryptionPublic    [EncPublicKeySize]byte
	EncryptionPrivate   *[EncPrivateKeySize]byte
	LastGroupBlock      Hash
	Members             map[Hash]GroupMemberEntry
	ProvisionalMembers  map[provisionalGroupKey]GroupProvisionalMemberEntry
}

func newGroupState(id GroupID, schemaVersion int) *GroupState {
	return &GroupState{
		ID:                 id,
		SchemaVersion:      schemaVersion,
		Members:            make(map[Hash]GroupMemberEntry),
		ProvisionalMembers: make(map[provisionalGroupKey]GroupProvisionalMemberEntry),
	}
}

// GroupRegistry holds every group known to a session's derived state, with
// a provisional-member secondary index so the claim flow can find every
// group to rewire when a provisional identity is attached (spec §4.7).
type GroupRegistry struct {
	mu               sync.RWMutex
	groups           map[GroupID]*GroupState
	provisionalIndex map[provisionalGroupKey]map[GroupID]struct{}
	// memberCache speeds up repeated "is user X a member of group Y"
	// lookups during sharing without re-walking Members on every call.
	memberCache *lru.Cache[Hash, bool]
}

func NewGroupRegistry() *GroupRegistry {
	cache, err := lru.New[Hash, bool](4096)
	if err != nil {
		panic(fmt.Errorf("group: init member cache: %w", err))
	}
	return &GroupRegistry{
		groups:           make(map[GroupID]*GroupState),
		provisionalIndex: make(map[provisionalGroupKey]map[GroupID]struct{}),
		memberCache:      cache,
	}
}

func (gr *GroupRegistry) Group(id GroupID) (*GroupState, bool) {
	gr.mu.RLock()
	defer gr.mu.RUnlock()
	g, ok := gr.groups[id]
	return g, ok
}

func (gr *GroupRegistry) indexProvisional(id GroupID, e GroupProvisionalMemberEntry) {
	k := makeProvisionalGroupKey(e.AppPublicSignatureKey, e.TankerPublicSignatureKey)
	set, ok := gr.provisionalIndex[k]
	if !ok {
		set = make(map[GroupID]struct{})
		gr.provisionalIndex[k] = set
	}
	set[id] = struct{}{}
}

// applyCreation folds a verified user_group_creation block, establishing the
// group's initial state.
func (gr *GroupRegistry) applyCreation(blockHash Hash, rec UserGroupCreation, schemaVersion int) *GroupState {
	gr.mu.Lock()
	defer gr.mu.Unlock()

	var id GroupID
	copy(id[:], rec.PublicSignatureKey[:])

	g := newGroupState(id, schemaVersion)
	g.SignaturePublic = rec.PublicSignatureKey
	g.EncryptionPublic = rec.PublicEncryptionKey
	g.LastGroupBlock = blockHash
	for _, m := range rec.Members {
		g.Members[m.UserID] = m
	}
	for _, p := range rec.ProvisionalMembers {
		g.ProvisionalMembers[makeProvisionalGroupKey(p.AppPublicSignatureKey, p.TankerPublicSignatureKey)] = p
		gr.indexProvisional(id, p)
	}
	gr.groups[id] = g
	gr.memberCache.Purge()
	return g
}

// applyAddition folds a verified user_group_addition block: only
// LastGroupBlock and membership move; signature/encryption keys do not
// change (spec §4.7).
func (gr *GroupRegistry) applyAddition(id GroupID, blockHash Hash, rec UserGroupAddition) error {
	gr.mu.Lock()
	defer gr.mu.Unlock()

	g, ok := gr.groups[id]
	if !ok {
		return fmt.Errorf("group: addition to unknown group: %w", ErrInternalError)
	}
	g.LastGroupBlock = blockHash
	for _, m := range rec.Members {
		g.Members[m.UserID] = m
	}
	for _, p := range rec.ProvisionalMembers {
		g.ProvisionalMembers[makeProvisionalGroupKey(p.AppPublicSignatureKey, p.TankerPublicSignatureKey)] = p
		gr.indexProvisional(id, p)
	}
	gr.memberCache.Purge()
	return nil
}

// applyUpdate folds a verified user_group_update block: rotates the group's
// key pairs and re-keys membership (spec §4.7, §9 Design Note "v3 adds key
// rotation").
func (gr *GroupRegistry) applyUpdate(id GroupID, blockHash Hash, rec UserGroupUpdate) error {
	gr.mu.Lock()
	defer gr.mu.Unlock()

	g, ok := gr.groups[id]
	if !ok {
		return fmt.Errorf("group: update of unknown group: %w", ErrInternalError)
	}
	g.SignaturePublic = rec.NewPublicSignatureKey
	g.EncryptionPublic = rec.NewPublicEncryptionKey
	g.LastGroupBlock = blockHash
	g.SignaturePrivate = nil
	g.EncryptionPrivate = nil
	for _, m := range rec.Members {
		g.Members[m.UserID] = m
	}
	for _, p := range rec.ProvisionalMembers {
		g.ProvisionalMembers[makeProvisionalGroupKey(p.AppPublicSignatureKey, p.TankerPublicSignatureKey)] = p
		gr.indexProvisional(id, p)
	}
	gr.memberCache.Purge()
	return nil
}

// GroupsForProvisional returns every group a provisional identity
// (identified by its two public signature keys) currently belongs to,
// used by the attach-provisional-identity flow to rewire membership (spec
// §4.7, §4.8).
func (gr *GroupRegistry) GroupsForProvisional(appSig, tankerSig [SigPublicKeySize]byte) []GroupID {
	gr.mu.RLock()
	defer gr.mu.RUnlock()
	set, ok := gr.provisionalIndex[makeProvisionalGroupKey(appSig, tankerSig)]
	if !ok {
		return nil
	}
	out := make([]GroupID, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	return out
}

// IsMember reports whether userID is a live member of group id, consulting
// memberCache before walking Members (spec §4.7 sharing checks this on every
// share to a group, so repeated lookups dominate).
func (gr *GroupRegistry) IsMember(id GroupID, userID Hash) bool {
	cacheKey := BlakeHash(id[:], userID[:])
	if member, ok := gr.memberCache.Get(cacheKey); ok {
		return member
	}

	gr.mu.RLock()
	g, ok := gr.groups[id]
	var member bool
	if ok {
		_, member = g.Members[userID]
	}
	gr.mu.RUnlock()

	gr.memberCache.Add(cacheKey, member)
	return member
}

// GroupIDForEncryptionPublicKey finds the group whose live public encryption
// key is pub. An inbound key_publish_to_user_group block carries only the
// key, not the group id, so this is how the session layer routes one to the
// group it unseals against (spec §4.8).
func (gr *GroupRegistry) GroupIDForEncryptionPublicKey(pub [EncPublicKeySize]byte) (GroupID, bool) {
	gr.mu.RLock()
	defer gr.mu.RUnlock()
	for id, g := range gr.groups {
		if g.EncryptionPublic == pub {
			return id, true
		}
	}
	return GroupID{}, false
}

// ProvisionalMemberEntry returns the provisional membership entry for
// (appSig, tankerSig) in group id, if any, used by the attach-provisional-
// identity flow to recover the group's private key once the provisional
// identity itself is claimed (spec §4.7, §4.8).
func (gr *GroupRegistry) ProvisionalMemberEntry(id GroupID, appSig, tankerSig [SigPublicKeySize]byte) (GroupProvisionalMemberEntry, bool) {
	gr.mu.RLock()
	defer gr.mu.RUnlock()
	g, ok := gr.groups[id]
	if !ok {
		return GroupProvisionalMemberEntry{}, false
	}
	e, ok := g.ProvisionalMembers[makeProvisionalGroupKey(appSig, tankerSig)]
	return e, ok
}
