package core

import "fmt"

// GroupMemberEntry seals the group's private encryption key to one member's
// live public encryption key (spec §3 "Group", §4.4).
type GroupMemberEntry struct {
	UserID                          Hash
	UserPublicEncryptionKey         [EncPublicKeySize]byte
	SealedGroupPrivateEncryptionKey [SealedEncPrivSize]byte
}

func (e GroupMemberEntry) serialize(w *Writer) {
	w.Fixed(e.UserID[:]).Fixed(e.UserPublicEncryptionKey[:]).Fixed(e.SealedGroupPrivateEncryptionKey[:])
}

func unserializeGroupMemberEntry(r *Reader) (GroupMemberEntry, error) {
	var e GroupMemberEntry
	if err := readFixedField(r, "user_id", e.UserID[:]); err != nil {
		return e, err
	}
	if err := readFixedField(r, "user_public_encryption_key", e.UserPublicEncryptionKey[:]); err != nil {
		return e, err
	}
	if err := readFixedField(r, "sealed_group_private_encryption_key", e.SealedGroupPrivateEncryptionKey[:]); err != nil {
		return e, err
	}
	return e, nil
}

// GroupProvisionalMemberEntry seals the group's private encryption key
// twice — once to app-enc, then the result again to tanker-enc — so an
// unclaimed provisional identity can still be a group member (spec §3).
type GroupProvisionalMemberEntry struct {
	AppPublicSignatureKey           [SigPublicKeySize]byte
	TankerPublicSignatureKey        [SigPublicKeySize]byte
	AppPublicEncryptionKey          [EncPublicKeySize]byte
	TankerPublicEncryptionKey       [EncPublicKeySize]byte
	DoublySealedGroupPrivateKey     [TwoSealedKeySize]byte
}

func (e GroupProvisionalMemberEntry) serialize(w *Writer) {
	w.Fixed(e.AppPublicSignatureKey[:]).
		Fixed(e.TankerPublicSignatureKey[:]).
		Fixed(e.AppPublicEncryptionKey[:]).
		Fixed(e.TankerPublicEncryptionKey[:]).
		Fixed(e.DoublySealedGroupPrivateKey[:])
}

func unserializeGroupProvisionalMemberEntry(r *Reader) (GroupProvisionalMemberEntry, error) {
	var e GroupProvisionalMemberEntry
	for _, f := range []struct {
		name string
		dst  []byte
	}{
		{"app_public_signature_key", e.AppPublicSignatureKey[:]},
		{"tanker_public_signature_key", e.TankerPublicSignatureKey[:]},
		{"app_public_encryption_key", e.AppPublicEncryptionKey[:]},
		{"tanker_public_encryption_key", e.TankerPublicEncryptionKey[:]},
		{"doubly_sealed_group_private_key", e.DoublySealedGroupPrivateKey[:]},
	} {
		if err := readFixedField(r, f.name, f.dst); err != nil {
			return e, err
		}
	}
	return e, nil
}

// UserGroupCreation is shared by user_group_creation v1/v2/v3: v1 carries no
// provisional members, v2+ does (spec §4.3, §4.4).
type UserGroupCreation struct {
	Version                      int
	PublicSignatureKey           [SigPublicKeySize]byte
	PublicEncryptionKey          [EncPublicKeySize]byte
	SealedPrivateSignatureKey    [SealedSigPrivSize]byte
	Members                      []GroupMemberEntry
	ProvisionalMembers           []GroupProvisionalMemberEntry
	Signature                    [SignatureSize]byte
}

// SignData is signed under the new group's signature private key.
func (g UserGroupCreation) SignData() []byte {
	w := NewWriter().
		Fixed(g.PublicSignatureKey[:]).
		Fixed(g.PublicEncryptionKey[:]).
		Fixed(g.SealedPrivateSignatureKey[:]).
		List(len(g.Members), func(w *Writer, i int) { g.Members[i].serialize(w) })
	if g.Version >= 2 {
		w.List(len(g.ProvisionalMembers), func(w *Writer, i int) { g.ProvisionalMembers[i].serialize(w) })
	}
	return w.Out()
}

func (g UserGroupCreation) Serialize() []byte {
	return Concat(g.SignData(), g.Signature[:])
}

func UnserializeUserGroupCreation(version int, data []byte) (UserGroupCreation, error) {
	r := NewReader(data)
	g := UserGroupCreation{Version: version}

	if err := readFixedField(r, "public_signature_key", g.PublicSignatureKey[:]); err != nil {
		return g, err
	}
	if err := readFixedField(r, "public_encryption_key", g.PublicEncryptionKey[:]); err != nil {
		return g, err
	}
	if err := readFixedField(r, "sealed_private_signature_key", g.SealedPrivateSignatureKey[:]); err != nil {
		return g, err
	}
	if _, err := r.List(func(r *Reader, i int) error {
		e, err := unserializeGroupMemberEntry(r)
		if err != nil {
			return err
		}
		g.Members = append(g.Members, e)
		return nil
	}); err != nil {
		return g, fmt.Errorf("payload: user_group_creation: members: %w", err)
	}
	if version >= 2 {
		if _, err := r.List(func(r *Reader, i int) error {
			e, err := unserializeGroupProvisionalMemberEntry(r)
			if err != nil {
				return err
			}
			g.ProvisionalMembers = append(g.ProvisionalMembers, e)
			return nil
		}); err != nil {
			return g, fmt.Errorf("payload: user_group_creation: provisional members: %w", err)
		}
	}
	if err := readFixedField(r, "signature", g.Signature[:]); err != nil {
		return g, err
	}
	if err := r.Done(); err != nil {
		return g, fmt.Errorf("payload: user_group_creation: %w", err)
	}
	return g, nil
}

// UserGroupAddition adds members to an existing group, self-signed under
// the group's *current* signature key at write time (spec §4.4).
type UserGroupAddition struct {
	Version            int
	GroupID             [SigPublicKeySize]byte
	PreviousGroupBlock  Hash
	Members             []GroupMemberEntry
	ProvisionalMembers  []GroupProvisionalMemberEntry
	Signature           [SignatureSize]byte
}

func (g UserGroupAddition) SignData() []byte {
	w := NewWriter().
		Fixed(g.GroupID[:]).
		Fixed(g.PreviousGroupBlock[:]).
		List(len(g.Members), func(w *Writer, i int) { g.Members[i].serialize(w) })
	if g.Version >= 2 {
		w.List(len(g.ProvisionalMembers), func(w *Writer, i int) { g.ProvisionalMembers[i].serialize(w) })
	}
	return w.Out()
}

func (g UserGroupAddition) Serialize() []byte {
	return Concat(g.SignData(), g.Signature[:])
}

func UnserializeUserGroupAddition(version int, data []byte) (UserGroupAddition, error) {
	r := NewReader(data)
	g := UserGroupAddition{Version: version}

	if err := readFixedField(r, "group_id", g.GroupID[:]); err != nil {
		return g, err
	}
	if err := readFixedField(r, "previous_group_block", g.PreviousGroupBlock[:]); err != nil {
		return g, err
	}
	if _, err := r.List(func(r *Reader, i int) error {
		e, err := unserializeGroupMemberEntry(r)
		if err != nil {
			return err
		}
		g.Members = append(g.Members, e)
		return nil
	}); err != nil {
		return g, fmt.Errorf("payload: user_group_addition: members: %w", err)
	}
	if version >= 2 {
		if _, err := r.List(func(r *Reader, i int) error {
			e, err := unserializeGroupProvisionalMemberEntry(r)
			if err != nil {
				return err
			}
			g.ProvisionalMembers = append(g.ProvisionalMembers, e)
			return nil
		}); err != nil {
			return g, fmt.Errorf("payload: user_group_addition: provisional members: %w", err)
		}
	}
	if err := readFixedField(r, "signature", g.Signature[:]); err != nil {
		return g, err
	}
	if err := r.Done(); err != nil {
		return g, fmt.Errorf("payload: user_group_addition: %w", err)
	}
	return g, nil
}

// UserGroupUpdate rotates the group's signature and encryption key pairs.
// Existing members receive the new private encryption key re-sealed to
// their own public encryption key (reusing GroupMemberEntry); the prior
// private encryption key is sealed to the *new* public encryption key so
// any holder of the new key can still decrypt old resources (spec §4.4).
type UserGroupUpdate struct {
	GroupID                                   [SigPublicKeySize]byte
	PreviousKeyRotationBlock                   Hash
	NewPublicSignatureKey                      [SigPublicKeySize]byte
	NewPublicEncryptionKey                     [EncPublicKeySize]byte
	NewSealedPrivateSignatureKey               [SealedSigPrivSize]byte
	EncryptedPreviousGroupPrivateEncryptionKey [SealedEncPrivSize]byte
	Members                                    []GroupMemberEntry
	ProvisionalMembers                         []GroupProvisionalMemberEntry
	SignatureByNewKey                          [SignatureSize]byte
	SignatureByPreviousKey                     [SignatureSize]byte
}

func (g UserGroupUpdate) SignData() []byte {
	return NewWriter().
		Fixed(g.GroupID[:]).
		Fixed(g.PreviousKeyRotationBlock[:]).
		Fixed(g.NewPublicSignatureKey[:]).
		Fixed(g.NewPublicEncryptionKey[:]).
		Fixed(g.NewSealedPrivateSignatureKey[:]).
		Fixed(g.EncryptedPreviousGroupPrivateEncryptionKey[:]).
		List(len(g.Members), func(w *Writer, i int) { g.Members[i].serialize(w) }).
		List(len(g.ProvisionalMembers), func(w *Writer, i int) { g.ProvisionalMembers[i].serialize(w) }).
		Out()
}

func (g UserGroupUpdate) Serialize() []byte {
	return Concat(g.SignData(), g.SignatureByNewKey[:], g.SignatureByPreviousKey[:])
}

func UnserializeUserGroupUpdate(data []byte) (UserGroupUpdate, error) {
	r := NewReader(data)
	var g UserGroupUpdate

	for _, f := range []struct {
		name string
		dst  []byte
	}{
		{"group_id", g.GroupID[:]},
		{"previous_key_rotation_block", g.PreviousKeyRotationBlock[:]},
		{"new_public_signature_key", g.NewPublicSignatureKey[:]},
		{"new_public_encryption_key", g.NewPublicEncryptionKey[:]},
		{"new_sealed_private_signature_key", g.NewSealedPrivateSignatureKey[:]},
		{"encrypted_previous_group_private_encryption_key", g.EncryptedPreviousGroupPrivateEncryptionKey[:]},
	} {
		if err := readFixedField(r, f.name, f.dst); err != nil {
			return g, err
		}
	}
	if _, err := r.List(func(r *Reader, i int) error {
		e, err := unserializeGroupMemberEntry(r)
		if err != nil {
			return err
		}
		g.Members = append(g.Members, e)
		return nil
	}); err != nil {
		return g, fmt.Errorf("payload: user_group_update: members: %w", err)
	}
	if _, err := r.List(func(r *Reader, i int) error {
		e, err := unserializeGroupProvisionalMemberEntry(r)
		if err != nil {
			return err
		}
		g.ProvisionalMembers = append(g.ProvisionalMembers, e)
		return nil
	}); err != nil {
		return g, fmt.Errorf("payload: user_group_update: provisional members: %w", err)
	}
	if err := readFixedField(r, "signature_by_new_key", g.SignatureByNewKey[:]); err != nil {
		return g, err
	}
	if err := readFixedField(r, "signature_by_previous_key", g.SignatureByPreviousKey[:]); err != nil {
		return g, err
	}
	if err := r.Done(); err != nil {
		return g, fmt.Errorf("payload: user_group_update: %w", err)
	}
	return g, nil
}
