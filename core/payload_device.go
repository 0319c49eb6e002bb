package core

import "fmt"

// UserKeyPairRef is a user encryption key pair as carried inside a
// device_creation_v3 block: the public half plus the private half sealed to
// the new device's public encryption key.
type UserKeyPairRef struct {
	Public        [EncPublicKeySize]byte
	SealedPrivate [SealedEncPrivSize]byte
}

// DeviceCreationV3 is the current device_creation record (spec §4.4).
type DeviceCreationV3 struct {
	EphemeralPublicSignatureKey [SigPublicKeySize]byte
	UserID                      Hash
	DelegationSignature         [SignatureSize]byte
	PublicSignatureKey          [SigPublicKeySize]byte
	PublicEncryptionKey         [EncPublicKeySize]byte
	UserKeyPair                 UserKeyPairRef
	IsGhost                     bool
}

// DelegationSignData is the payload the author signs to produce
// DelegationSignature: ephemeral_public_signature_key || user_id.
func DelegationSignData(ephemeralPublicSignatureKey [SigPublicKeySize]byte, userID Hash) []byte {
	return Concat(ephemeralPublicSignatureKey[:], userID[:])
}

// SignData returns the bytes the block's *self signature* commits to,
// distinct from the outer block signature (spec §4.4).
func (d DeviceCreationV3) SignData() []byte {
	ghost := byte(0)
	if d.IsGhost {
		ghost = 1
	}
	return Concat(
		d.EphemeralPublicSignatureKey[:],
		d.UserID[:],
		d.DelegationSignature[:],
		d.PublicSignatureKey[:],
		d.PublicEncryptionKey[:],
		d.UserKeyPair.Public[:],
		d.UserKeyPair.SealedPrivate[:],
		[]byte{ghost},
	)
}

func (d DeviceCreationV3) Serialize() []byte {
	return d.SignData()
}

func UnserializeDeviceCreationV3(data []byte) (DeviceCreationV3, error) {
	r := NewReader(data)
	var d DeviceCreationV3

	if err := readFixedField(r, "ephemeral_public_signature_key", d.EphemeralPublicSignatureKey[:]); err != nil {
		return d, err
	}
	if err := readFixedField(r, "user_id", d.UserID[:]); err != nil {
		return d, err
	}
	if err := readFixedField(r, "delegation_signature", d.DelegationSignature[:]); err != nil {
		return d, err
	}
	if err := readFixedField(r, "public_signature_key", d.PublicSignatureKey[:]); err != nil {
		return d, err
	}
	if err := readFixedField(r, "public_encryption_key", d.PublicEncryptionKey[:]); err != nil {
		return d, err
	}
	if err := readFixedField(r, "user_key_pair.public", d.UserKeyPair.Public[:]); err != nil {
		return d, err
	}
	if err := readFixedField(r, "user_key_pair.sealed_private", d.UserKeyPair.SealedPrivate[:]); err != nil {
		return d, err
	}
	ghostByte, err := r.Fixed(1)
	if err != nil {
		return d, fmt.Errorf("payload: device_creation_v3: is_ghost: %w", err)
	}
	d.IsGhost = ghostByte[0] != 0

	if err := r.Done(); err != nil {
		return d, fmt.Errorf("payload: device_creation_v3: %w", err)
	}
	return d, nil
}

// DeviceRevocationV2 rotates the owning user's key and distributes the new
// private key to every non-revoked sibling device (spec §4.4).
type DeviceRevocationV2 struct {
	RevokedDeviceID Hash
	NewUserPublicKey [EncPublicKeySize]byte
	Recipients       []DeviceRevocationRecipient
}

type DeviceRevocationRecipient struct {
	RecipientDeviceID     Hash
	SealedNewUserPrivateKey [SealedEncPrivSize]byte
}

func (p DeviceRevocationV2) Serialize() []byte {
	w := NewWriter().
		Fixed(p.RevokedDeviceID[:]).
		Fixed(p.NewUserPublicKey[:]).
		List(len(p.Recipients), func(w *Writer, i int) {
			r := p.Recipients[i]
			w.Fixed(r.RecipientDeviceID[:]).Fixed(r.SealedNewUserPrivateKey[:])
		})
	return w.Out()
}

func UnserializeDeviceRevocationV2(data []byte) (DeviceRevocationV2, error) {
	r := NewReader(data)
	var p DeviceRevocationV2

	if err := readFixedField(r, "revoked_device_id", p.RevokedDeviceID[:]); err != nil {
		return p, err
	}
	if err := readFixedField(r, "new_user_public_key", p.NewUserPublicKey[:]); err != nil {
		return p, err
	}
	_, err := r.List(func(r *Reader, i int) error {
		var rec DeviceRevocationRecipient
		if err := readFixedField(r, "recipient_device_id", rec.RecipientDeviceID[:]); err != nil {
			return err
		}
		if err := readFixedField(r, "sealed_new_user_private_key", rec.SealedNewUserPrivateKey[:]); err != nil {
			return err
		}
		p.Recipients = append(p.Recipients, rec)
		return nil
	})
	if err != nil {
		return p, fmt.Errorf("payload: device_revocation_v2: recipients: %w", err)
	}
	if err := r.Done(); err != nil {
		return p, fmt.Errorf("payload: device_revocation_v2: %w", err)
	}
	return p, nil
}

// DeviceRevocationV1 is the legacy (pre-key-rotation) revocation payload,
// kept as a read-only decode path: the writer only ever emits v2 (spec §9
// Open Question).
type DeviceRevocationV1 struct {
	RevokedDeviceID Hash
}

func UnserializeDeviceRevocationV1(data []byte) (DeviceRevocationV1, error) {
	if err := exactSize("revoked_device_id", data, HashSize); err != nil {
		return DeviceRevocationV1{}, fmt.Errorf("payload: device_revocation_v1: %w", err)
	}
	var p DeviceRevocationV1
	copy(p.RevokedDeviceID[:], data)
	return p, nil
}

// readFixedField reads exactly len(dst) bytes into dst, naming the field in
// any resulting error.
func readFixedField(r *Reader, name string, dst []byte) error {
	b, err := r.Fixed(len(dst))
	if err != nil {
		return fmt.Errorf("payload: %s: %w", name, err)
	}
	copy(dst, b)
	return nil
}
