package market

import (
	"math/big"
	"testing"
)

func TestCriteriaTreeProveAndVerify(t *testing.T) {
	ids := []*big.Int{big.NewInt(5), big.NewInt(7), big.NewInt(9), big.NewInt(42)}
	tree := NewCriteriaTree(ids)
	root := tree.Root()
	checker := MerkleChecker{}

	for _, id := range ids {
		proof, ok := tree.Prove(id)
		if !ok {
			t.Fatalf("no proof for member %s", id)
		}
		if !checker.Satisfies(id, root, proof) {
			t.Fatalf("proof for %s does not verify", id)
		}
	}
}

func TestCriteriaTreeRejectsNonMembers(t *testing.T) {
	tree := NewCriteriaTree([]*big.Int{big.NewInt(5), big.NewInt(7), big.NewInt(9)})
	if _, ok := tree.Prove(big.NewInt(8)); ok {
		t.Fatalf("proof produced for non-member")
	}
	// A member's proof must not verify for a different token.
	proof, ok := tree.Prove(big.NewInt(7))
	if !ok {
		t.Fatalf("no proof for member")
	}
	if (MerkleChecker{}).Satisfies(big.NewInt(8), tree.Root(), proof) {
		t.Fatalf("non-member verified with a member's proof")
	}
}

func TestCriteriaTreeSingleLeaf(t *testing.T) {
	tree := NewCriteriaTree([]*big.Int{big.NewInt(7)})
	proof, ok := tree.Prove(big.NewInt(7))
	if !ok {
		t.Fatalf("no proof for sole member")
	}
	if len(proof) != 0 {
		t.Fatalf("sole member proof length = %d, want 0", len(proof))
	}
	if !(MerkleChecker{}).Satisfies(big.NewInt(7), tree.Root(), proof) {
		t.Fatalf("sole member does not verify against its own leaf root")
	}
}

func TestCriteriaTreeOddLeafCount(t *testing.T) {
	ids := []*big.Int{big.NewInt(1), big.NewInt(2), big.NewInt(3), big.NewInt(4), big.NewInt(5)}
	tree := NewCriteriaTree(ids)
	checker := MerkleChecker{}
	for _, id := range ids {
		proof, ok := tree.Prove(id)
		if !ok {
			t.Fatalf("no proof for %s", id)
		}
		if !checker.Satisfies(id, tree.Root(), proof) {
			t.Fatalf("proof for %s does not verify in odd tree", id)
		}
	}
}

func TestCriteriaTreeDeduplicatesAndIgnoresInvalid(t *testing.T) {
	a := NewCriteriaTree([]*big.Int{big.NewInt(5), big.NewInt(7)})
	b := NewCriteriaTree([]*big.Int{big.NewInt(7), big.NewInt(5), big.NewInt(5), nil, big.NewInt(-1)})
	if a.Root() != b.Root() {
		t.Fatalf("duplicate or invalid ids changed the root")
	}
}

func TestCriteriaTreeEmpty(t *testing.T) {
	tree := NewCriteriaTree(nil)
	if tree.Root() != ([32]byte{}) {
		t.Fatalf("empty tree root is not zero")
	}
	if _, ok := tree.Prove(big.NewInt(1)); ok {
		t.Fatalf("empty tree produced a proof")
	}
}
