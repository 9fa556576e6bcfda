package market

import (
	"bytes"
	"math/big"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// CriteriaChecker decides whether a token satisfies a criteria offer. Simple
// offers never reach it; the engine compares token ids directly.
type CriteriaChecker interface {
	Satisfies(tokenID *big.Int, root [32]byte, proof [][32]byte) bool
}

// MerkleChecker verifies keccak Merkle-inclusion proofs with sorted pair
// hashing. Leaves are the keccak of the token id left-padded to 32 bytes.
type MerkleChecker struct{}

// Satisfies implements CriteriaChecker.
func (MerkleChecker) Satisfies(tokenID *big.Int, root [32]byte, proof [][32]byte) bool {
	if tokenID == nil || tokenID.Sign() < 0 {
		return false
	}
	var leaf [32]byte
	tokenID.FillBytes(leaf[:])
	node := [32]byte(ethcrypto.Keccak256Hash(leaf[:]))
	for _, sibling := range proof {
		if bytes.Compare(node[:], sibling[:]) <= 0 {
			node = [32]byte(ethcrypto.Keccak256Hash(node[:], sibling[:]))
		} else {
			node = [32]byte(ethcrypto.Keccak256Hash(sibling[:], node[:]))
		}
	}
	return node == root
}
