package market

import (
	"bytes"
	"math/big"
	"sort"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// CriteriaTree builds the keccak Merkle tree over a set of token ids that a
// criteria offer commits to. Makers build the tree off-process to produce
// CriteriaRoot and per-token proofs; MerkleChecker verifies them. Leaves are
// deduplicated and the tree uses sorted pair hashing, so proofs carry no
// direction bits.
type CriteriaTree struct {
	leaves [][32]byte
	levels [][][32]byte
}

// NewCriteriaTree constructs the tree for the given token ids. Negative ids
// are ignored; an empty set yields the zero root, which no proof satisfies.
func NewCriteriaTree(tokenIDs []*big.Int) *CriteriaTree {
	seen := make(map[[32]byte]bool)
	leaves := make([][32]byte, 0, len(tokenIDs))
	for _, id := range tokenIDs {
		if id == nil || id.Sign() < 0 {
			continue
		}
		var padded [32]byte
		id.FillBytes(padded[:])
		leaf := [32]byte(ethcrypto.Keccak256Hash(padded[:]))
		if seen[leaf] {
			continue
		}
		seen[leaf] = true
		leaves = append(leaves, leaf)
	}
	sort.Slice(leaves, func(i, j int) bool {
		return bytes.Compare(leaves[i][:], leaves[j][:]) < 0
	})

	t := &CriteriaTree{leaves: leaves}
	if len(leaves) == 0 {
		return t
	}
	level := leaves
	t.levels = append(t.levels, level)
	for len(level) > 1 {
		next := make([][32]byte, 0, (len(level)+1)/2)
		for i := 0; i < len(level); i += 2 {
			if i+1 == len(level) {
				// Odd node carries up unchanged.
				next = append(next, level[i])
				continue
			}
			next = append(next, hashPair(level[i], level[i+1]))
		}
		level = next
		t.levels = append(t.levels, level)
	}
	return t
}

// Root returns the tree's root, the value a criteria offer carries.
func (t *CriteriaTree) Root() [32]byte {
	if len(t.levels) == 0 {
		return [32]byte{}
	}
	top := t.levels[len(t.levels)-1]
	return top[0]
}

// Prove returns the inclusion proof for a token id, or false if the id is not
// in the set.
func (t *CriteriaTree) Prove(tokenID *big.Int) ([][32]byte, bool) {
	if tokenID == nil || tokenID.Sign() < 0 || len(t.levels) == 0 {
		return nil, false
	}
	var padded [32]byte
	tokenID.FillBytes(padded[:])
	leaf := [32]byte(ethcrypto.Keccak256Hash(padded[:]))

	index := -1
	for i, candidate := range t.leaves {
		if candidate == leaf {
			index = i
			break
		}
	}
	if index < 0 {
		return nil, false
	}

	proof := make([][32]byte, 0, len(t.levels)-1)
	for _, level := range t.levels[:len(t.levels)-1] {
		sibling := index ^ 1
		if sibling < len(level) {
			proof = append(proof, level[sibling])
		}
		index /= 2
	}
	return proof, true
}

func hashPair(a, b [32]byte) [32]byte {
	if bytes.Compare(a[:], b[:]) <= 0 {
		return [32]byte(ethcrypto.Keccak256Hash(a[:], b[:]))
	}
	return [32]byte(ethcrypto.Keccak256Hash(b[:], a[:]))
}
