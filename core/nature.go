// Package core – nature catalog: the closed enumeration of block operation
// kinds and their version families (spec §4.3).
//
// The catalog below is the single source of truth for both the reader
// (accepts every defined version) and the writer (always emits the
// preferred, i.e. highest known, version) so the two can never drift apart
// (spec §9, "Dynamic nature dispatch").
package core

import "fmt"

// Nature is the varint opcode carried in every block.
type Nature uint64

const (
	NatureTrustchainCreation Nature = iota + 1

	NatureDeviceCreationV1
	NatureDeviceCreationV2
	NatureDeviceCreationV3

	NatureKeyPublishToDevice
	NatureKeyPublishToUser
	NatureKeyPublishToUserGroup
	NatureKeyPublishToProvisionalUser

	NatureDeviceRevocationV1
	NatureDeviceRevocationV2

	NatureUserGroupCreationV1
	NatureUserGroupCreationV2
	NatureUserGroupCreationV3

	NatureUserGroupAdditionV1
	NatureUserGroupAdditionV2
	NatureUserGroupAdditionV3

	NatureUserGroupUpdate

	NatureProvisionalIdentityClaim
)

type natureEntry struct {
	nature  Nature
	kind    string
	version int
}

// catalog is the one table generating both natureKind and preferredNature;
// reader and writer are both derived from it.
var catalog = []natureEntry{
	{NatureTrustchainCreation, "trustchain_creation", 0},

	{NatureDeviceCreationV1, "device_creation", 1},
	{NatureDeviceCreationV2, "device_creation", 2},
	{NatureDeviceCreationV3, "device_creation", 3},

	{NatureKeyPublishToDevice, "key_publish_to_device", 0},
	{NatureKeyPublishToUser, "key_publish_to_user", 0},
	{NatureKeyPublishToUserGroup, "key_publish_to_user_group", 0},
	{NatureKeyPublishToProvisionalUser, "key_publish_to_provisional_user", 0},

	{NatureDeviceRevocationV1, "device_revocation", 1},
	{NatureDeviceRevocationV2, "device_revocation", 2},

	{NatureUserGroupCreationV1, "user_group_creation", 1},
	{NatureUserGroupCreationV2, "user_group_creation", 2},
	{NatureUserGroupCreationV3, "user_group_creation", 3},

	{NatureUserGroupAdditionV1, "user_group_addition", 1},
	{NatureUserGroupAdditionV2, "user_group_addition", 2},
	{NatureUserGroupAdditionV3, "user_group_addition", 3},

	{NatureUserGroupUpdate, "user_group_update", 0},

	{NatureProvisionalIdentityClaim, "provisional_identity_claim", 0},
}

var (
	byNature  = make(map[Nature]natureEntry, len(catalog))
	preferred = make(map[string]Nature, len(catalog))
)

func init() {
	for _, e := range catalog {
		byNature[e.nature] = e
		if cur, ok := preferred[e.kind]; !ok || byNature[cur].version < e.version {
			preferred[e.kind] = e.nature
		}
	}
}

// KnownNature reports whether n is defined in the catalog.
func KnownNature(n Nature) bool {
	_, ok := byNature[n]
	return ok
}

// NatureKind returns the kind name for a nature, e.g. "device_creation".
func NatureKind(n Nature) (string, error) {
	e, ok := byNature[n]
	if !ok {
		return "", fmt.Errorf("nature: %d unknown: %w", n, ErrUpgradeRequired)
	}
	return e.kind, nil
}

// NatureVersion returns the version family member of n (0 for unversioned kinds).
func NatureVersion(n Nature) (int, error) {
	e, ok := byNature[n]
	if !ok {
		return 0, fmt.Errorf("nature: %d unknown: %w", n, ErrUpgradeRequired)
	}
	return e.version, nil
}

// PreferredNature returns the highest-version nature the writer knows for kind.
func PreferredNature(kind string) (Nature, error) {
	n, ok := preferred[kind]
	if !ok {
		return 0, fmt.Errorf("nature: unknown kind %q: %w", kind, ErrInternalError)
	}
	return n, nil
}
