package core

import "testing"

func TestZeroHashLadderConsistency(t *testing.T) {
	for i := 1; i <= merkleDepth; i++ {
		want := hashNode(zeroHashes[i-1], zeroHashes[i-1])
		if zeroHashes[i] != want {
			t.Fatalf("zeroHashes[%d] does not match hashNode(zeroHashes[%d], zeroHashes[%d])", i, i-1, i-1)
		}
	}
}

func TestMerklePathRoot(t *testing.T) {
	leaf := hashLeaf([]byte("leaf-data"))
	var path MerklePath
	path.Index = 5 // binary 101
	for i := range path.Siblings {
		path.Siblings[i] = zeroHashes[i]
	}
	root := path.Root(leaf)
	if !VerifyMerklePath(root, leaf, path) {
		t.Fatalf("VerifyMerklePath rejected a path it just produced")
	}
	other := hashLeaf([]byte("other-leaf"))
	if VerifyMerklePath(root, other, path) {
		t.Fatalf("VerifyMerklePath accepted the wrong leaf")
	}
}

func TestWithdrawalRootOrderSensitive(t *testing.T) {
	w1 := Withdrawal{TxHash: hashLeaf([]byte("w1")), Amount: 100, Nonce: 1}
	w2 := Withdrawal{TxHash: hashLeaf([]byte("w2")), Amount: 200, Nonce: 2}

	rootAB := withdrawalRoot([]Withdrawal{w1, w2})
	rootBA := withdrawalRoot([]Withdrawal{w2, w1})
	if rootAB == rootBA {
		t.Fatalf("withdrawalRoot must be sensitive to ordering")
	}

	rootAB2 := withdrawalRoot([]Withdrawal{w1, w2})
	if rootAB != rootAB2 {
		t.Fatalf("withdrawalRoot is not deterministic for the same input")
	}

	if withdrawalRoot(nil) != withdrawalRoot([]Withdrawal{}) {
		t.Fatalf("empty withdrawal root should be stable regardless of nil vs empty slice")
	}
}
