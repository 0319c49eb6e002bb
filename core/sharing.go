// Package core – sharing: resolves share targets against derived state and
// builds the key-publish blocks that distribute a resource key (spec §4.8).
package core

import (
	"crypto/ed25519"
	"fmt"
)

// ShareTargets names who a resource should be shared with. Identity
// resolution (public-identity string -> user id) happens one layer up, in
// session, which is the only place that understands the identity format
// (out of scope per spec §1); by the time ShareTargets reaches here,
// everything is already a trustchain id.
type ShareTargets struct {
	Users             []Hash
	Groups            []GroupID
	ProvisionalUsers  []ProvisionalIdentityRef
}

// dedupeHashes removes duplicate entries, preserving first occurrence order
// (spec §8 "Sharing idempotence").
func dedupeHashes(in []Hash) []Hash {
	seen := make(map[Hash]struct{}, len(in))
	out := make([]Hash, 0, len(in))
	for _, h := range in {
		if _, ok := seen[h]; ok {
			continue
		}
		seen[h] = struct{}{}
		out = append(out, h)
	}
	return out
}

func dedupeGroupIDs(in []GroupID) []GroupID {
	seen := make(map[GroupID]struct{}, len(in))
	out := make([]GroupID, 0, len(in))
	for _, g := range in {
		if _, ok := seen[g]; ok {
			continue
		}
		seen[g] = struct{}{}
		out = append(out, g)
	}
	return out
}

func dedupeProvisional(in []ProvisionalIdentityRef) []ProvisionalIdentityRef {
	type key = provisionalGroupKey
	seen := make(map[key]struct{}, len(in))
	out := make([]ProvisionalIdentityRef, 0, len(in))
	for _, p := range in {
		k := makeProvisionalGroupKey(p.AppPublicSignatureKey, p.TankerPublicSignatureKey)
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, p)
	}
	return out
}

// BuildShareBlocks resolves targets against users/groups and builds one
// key_publish_* block per deduplicated recipient, signed by author. It
// fails with ErrInvalidArgument if the deduplicated recipient count exceeds
// MaxShareBatch (spec §4.8).
func BuildShareBlocks(
	trustchainID Hash,
	authorDeviceID Hash,
	authorSignKey ed25519.PrivateKey,
	resourceID [ResourceIDSize]byte,
	resourceKey [ResourceKeySize]byte,
	targets ShareTargets,
	users *Registry,
	groups *GroupRegistry,
) ([]CreatedBlock, error) {
	userIDs := dedupeHashes(targets.Users)
	groupIDs := dedupeGroupIDs(targets.Groups)
	provisionals := dedupeProvisional(targets.ProvisionalUsers)

	total := len(userIDs) + len(groupIDs) + len(provisionals)
	if total == 0 {
		return nil, nil
	}
	if total > MaxShareBatch {
		return nil, fmt.Errorf("sharing: %d recipients exceeds batch limit %d: %w", total, MaxShareBatch, ErrInvalidArgument)
	}

	var blocks []CreatedBlock

	for _, userID := range userIDs {
		u, ok := users.User(userID)
		if !ok {
			return nil, fmt.Errorf("sharing: unknown user: %w", ErrResourceNotFound)
		}
		p, err := BuildKeyPublishToUser(resourceID, resourceKey, u.LiveEncryptionPublicKey())
		if err != nil {
			return nil, err
		}
		blocks = append(blocks, CreateBlock(p.Serialize(), NatureKeyPublishToUser, trustchainID, authorDeviceID, authorSignKey))
	}

	for _, groupID := range groupIDs {
		g, ok := groups.Group(groupID)
		if !ok {
			return nil, fmt.Errorf("sharing: unknown group: %w", ErrResourceNotFound)
		}
		p, err := BuildKeyPublishToUserGroup(resourceID, resourceKey, g.EncryptionPublic)
		if err != nil {
			return nil, err
		}
		blocks = append(blocks, CreateBlock(p.Serialize(), NatureKeyPublishToUserGroup, trustchainID, authorDeviceID, authorSignKey))
	}

	for _, prov := range provisionals {
		p, err := BuildKeyPublishToProvisionalUser(resourceID, resourceKey, prov)
		if err != nil {
			return nil, err
		}
		blocks = append(blocks, CreateBlock(p.Serialize(), NatureKeyPublishToProvisionalUser, trustchainID, authorDeviceID, authorSignKey))
	}

	return blocks, nil
}
