package market

import (
	"crypto/ecdsa"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// SignatureVerifier authenticates that a specific party authorized a specific
// offer payload. The engine treats it as an injected predicate; the concrete
// implementations below cover externally-owned signers and contract signers.
type SignatureVerifier interface {
	Verify(hash [32]byte, signer [20]byte, signature []byte) error
}

// ECDSAVerifier recovers a secp256k1 public key from the signature and
// compares its address against the claimed signer.
type ECDSAVerifier struct{}

// Verify implements SignatureVerifier.
func (ECDSAVerifier) Verify(hash [32]byte, signer [20]byte, signature []byte) error {
	if len(signature) != 65 {
		return ErrInvalidSignature
	}
	sig := make([]byte, 65)
	copy(sig, signature)
	// Accept both recovery-id conventions.
	if sig[64] >= 27 {
		sig[64] -= 27
	}
	pub, err := ethcrypto.SigToPub(hash[:], sig)
	if err != nil {
		return ErrInvalidSignature
	}
	if [20]byte(ethcrypto.PubkeyToAddress(*pub)) != signer {
		return ErrInvalidSignature
	}
	return nil
}

// CallbackVerifier delegates authentication to an injected approval check,
// the shape used for smart-contract signers whose validation logic lives
// outside this process.
type CallbackVerifier struct {
	Approve func(hash [32]byte, signer [20]byte, signature []byte) bool
}

// Verify implements SignatureVerifier.
func (v CallbackVerifier) Verify(hash [32]byte, signer [20]byte, signature []byte) error {
	if v.Approve == nil || !v.Approve(hash, signer, signature) {
		return ErrInvalidSignature
	}
	return nil
}

// SignHash produces a 65-byte recoverable signature over an offer hash. Used
// by makers and throughout the tests.
func SignHash(hash [32]byte, key *ecdsa.PrivateKey) ([]byte, error) {
	return ethcrypto.Sign(hash[:], key)
}

// SignerAddress returns the 20-byte address of a secp256k1 key.
func SignerAddress(key *ecdsa.PrivateKey) [20]byte {
	return [20]byte(ethcrypto.PubkeyToAddress(key.PublicKey))
}
