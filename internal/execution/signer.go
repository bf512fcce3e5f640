package execution

import (
	"context"
	"crypto/ed25519"
	"fmt"

	"github.com/gagliardetto/solana-go"
)

// LocalSigner signs unsigned transaction payloads with an in-process
// Solana keypair. Jupiter hands back an unsigned transaction as a
// base64-encoded, already-compiled Transaction message; LocalSigner
// decodes it with solana-go, signs it (which writes the signature into
// the transaction's compact-array wire format ahead of the message
// bytes, rather than a naive byte-concatenation), and re-encodes.
type LocalSigner struct {
	key solana.PrivateKey
}

// NewLocalSigner builds a signer from a raw 64-byte ed25519 private key,
// as produced by standard Solana keypair tooling once base58-decoded by
// the caller.
func NewLocalSigner(privateKey ed25519.PrivateKey) (*LocalSigner, error) {
	if len(privateKey) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("execution: expected %d-byte ed25519 key, got %d", ed25519.PrivateKeySize, len(privateKey))
	}
	return &LocalSigner{key: solana.PrivateKey(privateKey)}, nil
}

func (s *LocalSigner) Sign(_ context.Context, unsignedTxBase64 string) (string, error) {
	tx, err := solana.TransactionFromBase64(unsignedTxBase64)
	if err != nil {
		return "", fmt.Errorf("execution: decode unsigned tx: %w", err)
	}

	pub := s.key.PublicKey()
	if _, err := tx.Sign(func(key solana.PublicKey) *solana.PrivateKey {
		if key.Equals(pub) {
			return &s.key
		}
		return nil
	}); err != nil {
		return "", fmt.Errorf("execution: sign tx: %w", err)
	}

	signed, err := tx.ToBase64()
	if err != nil {
		return "", fmt.Errorf("execution: encode signed tx: %w", err)
	}
	return signed, nil
}
