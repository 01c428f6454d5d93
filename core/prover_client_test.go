package core

import "testing"

// Public inputs must chain shielded roots across consecutive shielded
// batches: batch N+1's PreShieldedRoot equals batch N's PostShieldedRoot,
// even while batch N is still in flight.
func TestBuildPublicInputsChainsShieldedRootsAcrossBatches(t *testing.T) {
	cfg := testConfig()
	cfg.MaxTransactions = 100 // each shielded tx forces its own seal
	bm, _, _, _ := newTestBatchManager(t, cfg)

	proof := make([]byte, shieldedProofMinSize)
	for i, name := range []string{"n1", "n2"} {
		tx := &ShieldedTx{
			Proof:      proof,
			Nullifier:  hashLeaf([]byte(name)),
			Commitment: hashLeaf([]byte("c" + name)),
		}
		res, err := bm.Admit(Tx{Kind: KindShielded, Shielded: tx}, []byte{byte(i)})
		if err != nil || !res.Accepted {
			t.Fatalf("admit shielded %d: accepted=%v err=%v reason=%s", i, res.Accepted, err, res.Reason)
		}
	}

	sb1, sb2 := bm.sealedByID[1], bm.sealedByID[2]
	if sb1 == nil || sb2 == nil {
		t.Fatalf("expected two sealed shielded batches")
	}
	in1 := BuildPublicInputs(sb1)
	in2 := BuildPublicInputs(sb2)

	if in1.PreShieldedRoot != zeroHashes[merkleDepth] {
		t.Fatalf("batch 1 pre-shielded root = %s; want the empty-tree root", in1.PreShieldedRoot.Hex())
	}
	if in1.PostShieldedRoot == in1.PreShieldedRoot {
		t.Fatalf("batch 1 post-shielded root must differ from its pre root")
	}
	if in1.PostShieldedRoot != sb1.PostShieldedRoot {
		t.Fatalf("public inputs post root does not match the sealed batch")
	}
	if in2.PreShieldedRoot != in1.PostShieldedRoot {
		t.Fatalf("batch 2 pre-shielded root %s does not chain onto batch 1 post root %s",
			in2.PreShieldedRoot.Hex(), in1.PostShieldedRoot.Hex())
	}
	if in2.PostShieldedRoot == in2.PreShieldedRoot {
		t.Fatalf("batch 2 post-shielded root must differ from its pre root")
	}

	// A nullifier spent by the in-flight batch 1 must not be re-spendable
	// in a third batch.
	replay := &ShieldedTx{
		Proof:      proof,
		Nullifier:  hashLeaf([]byte("n1")),
		Commitment: hashLeaf([]byte("c-replay")),
	}
	res, err := bm.Admit(Tx{Kind: KindShielded, Shielded: replay}, []byte("replay"))
	if err != nil {
		t.Fatalf("admit replay: %v", err)
	}
	if res.Accepted {
		t.Fatalf("a nullifier pending in an in-flight batch must be rejected")
	}
}
