// Package core – local user state: user key-rotation sequence and device
// membership, folded from replayed blocks (spec §3 "User", §4.6).
package core

import (
	"crypto/ed25519"
	"fmt"
	"sync"
)

// UserPublicKeyEntry is one element of User.PublicKeys: the user public
// encryption key live as of Index (spec §3 invariant: the last entry is
// live).
type UserPublicKeyEntry struct {
	Index     uint64
	PublicKey [EncPublicKeySize]byte
}

// User is the derived entity folded from device_creation and
// device_revocation_v2 blocks for one user id.
type User struct {
	ID         Hash
	PublicKeys []UserPublicKeyEntry
	DeviceIDs  []Hash
}

// LiveEncryptionPublicKey returns the currently live user public encryption
// key (the last entry of PublicKeys).
func (u *User) LiveEncryptionPublicKey() [EncPublicKeySize]byte {
	if len(u.PublicKeys) == 0 {
		return [EncPublicKeySize]byte{}
	}
	return u.PublicKeys[len(u.PublicKeys)-1].PublicKey
}

// Registry holds every user and device known to a session's derived state
// (spec §3 "Ownership"). It is mutated only by the verifier, one block at a
// time, under mu.
type Registry struct {
	mu      sync.RWMutex
	users   map[Hash]*User
	devices map[Hash]*Device
}

func NewRegistry() *Registry {
	return &Registry{users: make(map[Hash]*User), devices: make(map[Hash]*Device)}
}

func (reg *Registry) User(id Hash) (*User, bool) {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	u, ok := reg.users[id]
	return u, ok
}

func (reg *Registry) Device(id Hash) (*Device, bool) {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	d, ok := reg.devices[id]
	return d, ok
}

// addDevice folds a verified device_creation_v3 into the registry,
// appending a new live user public key only for the first device of a user.
func (reg *Registry) addDevice(id Hash, rec DeviceCreationV3, atIndex uint64) *Device {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	d := deviceFromCreation(id, rec)
	reg.devices[id] = d

	u, ok := reg.users[rec.UserID]
	if !ok {
		u = &User{ID: rec.UserID}
		reg.users[rec.UserID] = u
	}
	u.DeviceIDs = append(u.DeviceIDs, id)
	if len(u.PublicKeys) == 0 {
		u.PublicKeys = append(u.PublicKeys, UserPublicKeyEntry{Index: atIndex, PublicKey: rec.UserKeyPair.Public})
	}
	return d
}

// revokeDevice folds a verified device_revocation_v2: marks the device
// revoked and appends the rotated user public key.
func (reg *Registry) revokeDevice(rec DeviceRevocationV2, atIndex uint64) error {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	d, ok := reg.devices[rec.RevokedDeviceID]
	if !ok {
		return fmt.Errorf("user: revoke unknown device: %w", ErrInternalError)
	}
	d.Revoked = true
	d.RevokedAtIndex = atIndex

	u, ok := reg.users[d.UserID]
	if !ok {
		return fmt.Errorf("user: revoke device of unknown user: %w", ErrInternalError)
	}
	u.PublicKeys = append(u.PublicKeys, UserPublicKeyEntry{Index: atIndex, PublicKey: rec.NewUserPublicKey})
	return nil
}

// NonRevokedSiblingDevices returns every device of the same user as
// deviceID, excluding deviceID itself and any already-revoked device —
// exactly the recipient set a device_revocation_v2 must cover (spec §4.4).
func (reg *Registry) NonRevokedSiblingDevices(userID, excludeDeviceID Hash) []*Device {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	u, ok := reg.users[userID]
	if !ok {
		return nil
	}
	var out []*Device
	for _, id := range u.DeviceIDs {
		if id == excludeDeviceID {
			continue
		}
		if d := reg.devices[id]; d != nil && !d.Revoked {
			out = append(out, d)
		}
	}
	return out
}

// NewDeviceMaterial is the key material a caller generates before asking
// BuildDeviceCreationBlock to shape and sign the block: a fresh ephemeral
// signature key pair and a fresh encryption key pair for the device itself.
type NewDeviceMaterial struct {
	Signature  SigKeyPair
	Encryption EncKeyPair
}

// GenerateNewDeviceMaterial creates the key pairs a new device needs before
// it can be certified.
func GenerateNewDeviceMaterial() (NewDeviceMaterial, error) {
	sig, err := GenerateSigKeyPair()
	if err != nil {
		return NewDeviceMaterial{}, err
	}
	enc, err := GenerateEncKeyPair()
	if err != nil {
		return NewDeviceMaterial{}, err
	}
	return NewDeviceMaterial{Signature: sig, Encryption: enc}, nil
}

// BuildDeviceCreationBlock shapes and signs one device_creation_v3 block.
//
// authorDeviceID/authorSignKey identify whoever certifies the new device:
// the trustchain's own key (authorDeviceID = the zero hash) for a user's
// first (ghost) device, or a prior device's id/key otherwise (spec §4.6).
// userEncPublic is the user's current live public encryption key;
// userEncPrivate is sealed to the new device's own public encryption key so
// the device can decrypt anything shared with the user.
func BuildDeviceCreationBlock(
	trustchainID Hash,
	authorDeviceID Hash,
	authorSignKey ed25519.PrivateKey,
	userID Hash,
	userEncPublic [EncPublicKeySize]byte,
	userEncPrivate [EncPrivateKeySize]byte,
	newDevice NewDeviceMaterial,
	isGhost bool,
) (Hash, CreatedBlock, error) {
	var ephemeral [SigPublicKeySize]byte
	copy(ephemeral[:], newDevice.Signature.Public)

	delegation := Sign(authorSignKey, DelegationSignData(ephemeral, userID))
	var delegationSig [SignatureSize]byte
	copy(delegationSig[:], delegation)

	sealedUserPriv, err := Seal(newDevice.Encryption.Public, userEncPrivate[:])
	if err != nil {
		return Hash{}, CreatedBlock{}, fmt.Errorf("user: seal user private key to new device: %w", err)
	}
	var sealedUserPrivFixed [SealedEncPrivSize]byte
	if err := exactSize("sealed_user_private_key", sealedUserPriv, SealedEncPrivSize); err != nil {
		return Hash{}, CreatedBlock{}, err
	}
	copy(sealedUserPrivFixed[:], sealedUserPriv)

	var devicePublicSig [SigPublicKeySize]byte
	copy(devicePublicSig[:], newDevice.Signature.Public)

	rec := DeviceCreationV3{
		EphemeralPublicSignatureKey: ephemeral,
		UserID:                      userID,
		DelegationSignature:         delegationSig,
		PublicSignatureKey:          devicePublicSig,
		PublicEncryptionKey:         newDevice.Encryption.Public,
		UserKeyPair: UserKeyPairRef{
			Public:        userEncPublic,
			SealedPrivate: sealedUserPrivFixed,
		},
		IsGhost: isGhost,
	}

	created := CreateBlock(rec.Serialize(), NatureDeviceCreationV3, trustchainID, authorDeviceID, newDevice.Signature.Private)
	return created.Hash, created, nil
}

// NewUserRegistration is the pair of blocks emitted in a single push to
// create a user (spec §4.6): a ghost device_creation_v3 authored by the
// trustchain key, then the real first device authored by the ghost.
type NewUserRegistration struct {
	GhostBlock       CreatedBlock
	FirstDeviceBlock CreatedBlock
	VerificationKey  VerificationKey
	UserID           Hash
	FirstDeviceID    Hash
	FirstDeviceMaterial NewDeviceMaterial
}

// RegisterUser builds the two blocks that create a new user with its ghost
// device and first real device. trustchainSignKey is the per-application
// secret that seeds the root-level delegation for the ghost device.
func RegisterUser(trustchainID Hash, trustchainSignKey ed25519.PrivateKey, userID Hash) (NewUserRegistration, error) {
	vk, err := GenerateVerificationKey()
	if err != nil {
		return NewUserRegistration{}, err
	}
	ghostSig, ghostEnc := vk.GhostKeys()
	ghostMaterial := NewDeviceMaterial{Signature: ghostSig, Encryption: ghostEnc}

	userKeys, err := GenerateEncKeyPair()
	if err != nil {
		return NewUserRegistration{}, err
	}

	var zero Hash
	ghostID, ghostCreated, err := BuildDeviceCreationBlock(
		trustchainID, zero, trustchainSignKey, userID,
		userKeys.Public, userKeys.Private, ghostMaterial, true,
	)
	if err != nil {
		return NewUserRegistration{}, err
	}

	firstDeviceMaterial, err := GenerateNewDeviceMaterial()
	if err != nil {
		return NewUserRegistration{}, err
	}
	deviceID, deviceCreated, err := BuildDeviceCreationBlock(
		trustchainID, ghostID, ghostSig.Private, userID,
		userKeys.Public, userKeys.Private, firstDeviceMaterial, false,
	)
	if err != nil {
		return NewUserRegistration{}, err
	}

	return NewUserRegistration{
		GhostBlock:          ghostCreated,
		FirstDeviceBlock:    deviceCreated,
		VerificationKey:     vk,
		UserID:              userID,
		FirstDeviceID:       deviceID,
		FirstDeviceMaterial: firstDeviceMaterial,
	}, nil
}
