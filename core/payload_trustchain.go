package core

import "fmt"

// TrustchainCreation is the payload of the single root block: the
// trustchain's public signature key (spec §3 "Trustchain").
type TrustchainCreation struct {
	PublicSignatureKey [SigPublicKeySize]byte
}

func (p TrustchainCreation) Serialize() []byte {
	return append([]byte(nil), p.PublicSignatureKey[:]...)
}

func UnserializeTrustchainCreation(data []byte) (TrustchainCreation, error) {
	if err := exactSize("trustchain_public_signature_key", data, SigPublicKeySize); err != nil {
		return TrustchainCreation{}, fmt.Errorf("payload: trustchain_creation: %w", err)
	}
	var p TrustchainCreation
	copy(p.PublicSignatureKey[:], data)
	return p, nil
}
