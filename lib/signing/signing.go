package signing

import (
	"encoding/hex"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
)

// ParseEventPublicKey parses the 32-byte x-only hex pubkey carried by
// nostr events
func ParseEventPublicKey(pubkey string) (*secp256k1.PublicKey, error) {
	pubkeyBytes, err := hex.DecodeString(pubkey)
	if err != nil {
		return nil, fmt.Errorf("pubkey is not valid hex: %w", err)
	}

	publicKey, err := schnorr.ParsePubKey(pubkeyBytes)
	if err != nil {
		return nil, fmt.Errorf("pubkey is not a valid point: %w", err)
	}

	return publicKey, nil
}

// ParseEventSignature parses the 64-byte hex schnorr signature carried by
// nostr events
func ParseEventSignature(sig string) (*schnorr.Signature, error) {
	sigBytes, err := hex.DecodeString(sig)
	if err != nil {
		return nil, fmt.Errorf("signature is not valid hex: %w", err)
	}

	signature, err := schnorr.ParseSignature(sigBytes)
	if err != nil {
		return nil, fmt.Errorf("signature is malformed: %w", err)
	}

	return signature, nil
}

func VerifySignature(signature *schnorr.Signature, data []byte, publicKey *secp256k1.PublicKey) error {
	if !signature.Verify(data, publicKey) {
		return fmt.Errorf("data failed to verify")
	}

	return nil
}
