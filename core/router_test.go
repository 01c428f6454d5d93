package core

import (
	"crypto/ed25519"
	"testing"
)

func newTestSigner(t *testing.T) (AccountId, ed25519.PrivateKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("generate ed25519 key: %v", err)
	}
	var id AccountId
	copy(id[:], pub)
	return id, priv
}

func signedTransfer(from AccountId, priv ed25519.PrivateKey, to AccountId, amount Lamports, nonce, chainID uint64) *TransferTx {
	msg := TransferSigningMessage(from, to, amount, nonce, chainID)
	return &TransferTx{
		From:      from,
		To:        to,
		Amount:    amount,
		Nonce:     nonce,
		ChainID:   chainID,
		Signature: ed25519.Sign(priv, msg),
		SignerPK:  from,
	}
}

func signedWithdraw(from AccountId, priv ed25519.PrivateKey, toL1 [32]byte, amount Lamports, nonce uint64) *WithdrawTx {
	msg := WithdrawSigningMessage(from, toL1, amount, nonce)
	return &WithdrawTx{
		From:        from,
		ToL1Address: toL1,
		Amount:      amount,
		Nonce:       nonce,
		ChainID:     testChainID,
		Signature:   ed25519.Sign(priv, msg),
		SignerPK:    from,
	}
}

const testChainID = 1

func TestTransferSigningMessageGolden(t *testing.T) {
	var from, to AccountId
	from[0] = 0xab
	to[0] = 0xcd
	got := string(TransferSigningMessage(from, to, 100, 0, 1))
	want := "Zelana L2 Transfer\n\n" +
		"From: ab00000000000000000000000000000000000000000000000000000000000000\n" +
		"To: cd00000000000000000000000000000000000000000000000000000000000000\n" +
		"Amount: 100 lamports\n" +
		"Nonce: 0\n" +
		"Chain ID: 1\n\n" +
		"Sign to authorize this L2 transfer."
	if got != want {
		t.Fatalf("signing message mismatch:\ngot:  %q\nwant: %q", got, want)
	}
}

func TestRouteTransferSuccessDebitsCreditsAndIncrementsNonce(t *testing.T) {
	from, fromPriv := newTestSigner(t)
	to, _ := newTestSigner(t)

	snap := &AccountTreeSnapshot{
		accounts: map[AccountId]Account{
			from: {ID: from, Balance: 1000, Nonce: 0},
		},
		positions: map[AccountId]uint64{from: 0},
		nodes:     newEmptyNodes(),
	}
	r := NewRouter(testChainID, snap, nil, nil)
	diff := NewBatchDiff()

	tx := signedTransfer(from, fromPriv, to, 100, 0, testChainID)
	res := r.Route(diff, Tx{Kind: KindTransfer, Transfer: tx})
	if !res.Success {
		t.Fatalf("expected transfer to succeed, got failure: %s", res.FailReason)
	}

	gotFrom := diff.Accounts[from]
	if gotFrom.Balance != 900 || gotFrom.Nonce != 1 {
		t.Fatalf("from account = %+v; want balance=900 nonce=1", gotFrom)
	}
	gotTo := diff.Accounts[to]
	if gotTo.Balance != 100 {
		t.Fatalf("to account = %+v; want balance=100", gotTo)
	}
}

func TestRouteTransferReplayedNonceFailsWithoutMutatingDiff(t *testing.T) {
	from, fromPriv := newTestSigner(t)
	to, _ := newTestSigner(t)

	snap := &AccountTreeSnapshot{
		accounts: map[AccountId]Account{
			from: {ID: from, Balance: 1000, Nonce: 1}, // already spent nonce 0
		},
		positions: map[AccountId]uint64{from: 0},
		nodes:     newEmptyNodes(),
	}
	r := NewRouter(testChainID, snap, nil, nil)
	diff := NewBatchDiff()

	tx := signedTransfer(from, fromPriv, to, 10, 0, testChainID) // stale nonce
	res := r.Route(diff, Tx{Kind: KindTransfer, Transfer: tx})
	if res.Success {
		t.Fatalf("expected replayed-nonce transfer to fail")
	}
	if _, touched := diff.Accounts[from]; touched {
		t.Fatalf("a failed transfer must not leave an entry in the diff")
	}
}

func TestRouteTransferInsufficientFunds(t *testing.T) {
	from, fromPriv := newTestSigner(t)
	to, _ := newTestSigner(t)
	snap := &AccountTreeSnapshot{
		accounts:  map[AccountId]Account{from: {ID: from, Balance: 5, Nonce: 0}},
		positions: map[AccountId]uint64{from: 0},
		nodes:     newEmptyNodes(),
	}
	r := NewRouter(testChainID, snap, nil, nil)
	diff := NewBatchDiff()
	tx := signedTransfer(from, fromPriv, to, 100, 0, testChainID)
	res := r.Route(diff, Tx{Kind: KindTransfer, Transfer: tx})
	if res.Success {
		t.Fatalf("expected insufficient-funds transfer to fail")
	}
}

func TestRouteTransferBadSignatureFails(t *testing.T) {
	from, _ := newTestSigner(t)
	_, wrongPriv := newTestSigner(t)
	to, _ := newTestSigner(t)
	snap := &AccountTreeSnapshot{
		accounts:  map[AccountId]Account{from: {ID: from, Balance: 1000, Nonce: 0}},
		positions: map[AccountId]uint64{from: 0},
		nodes:     newEmptyNodes(),
	}
	r := NewRouter(testChainID, snap, nil, nil)
	diff := NewBatchDiff()
	tx := signedTransfer(from, wrongPriv, to, 10, 0, testChainID) // signed by the wrong key
	res := r.Route(diff, Tx{Kind: KindTransfer, Transfer: tx})
	if res.Success {
		t.Fatalf("expected a transfer signed by the wrong key to fail")
	}
}

func TestRouteWithdrawQueuesWithdrawalWithDerivedNullifier(t *testing.T) {
	from, fromPriv := newTestSigner(t)
	var toL1 [32]byte
	toL1[0] = 0x11
	snap := &AccountTreeSnapshot{
		accounts:  map[AccountId]Account{from: {ID: from, Balance: 500, Nonce: 2}},
		positions: map[AccountId]uint64{from: 0},
		nodes:     newEmptyNodes(),
	}
	r := NewRouter(testChainID, snap, nil, nil)
	diff := NewBatchDiff()

	tx := signedWithdraw(from, fromPriv, toL1, 200, 2)
	res := r.Route(diff, Tx{Kind: KindWithdraw, Withdraw: tx})
	if !res.Success {
		t.Fatalf("expected withdraw to succeed, got: %s", res.FailReason)
	}
	if got := diff.Accounts[from]; got.Balance != 300 || got.Nonce != 3 {
		t.Fatalf("from account after withdraw = %+v; want balance=300 nonce=3", got)
	}
	if len(diff.Withdrawals) != 1 {
		t.Fatalf("expected exactly one queued withdrawal, got %d", len(diff.Withdrawals))
	}
	w := diff.Withdrawals[0]
	if w.Nullifier.IsZero() {
		t.Fatalf("withdrawal nullifier must be derived, not zero")
	}
	if w.Amount != 200 {
		t.Fatalf("withdrawal amount = %d, want 200", w.Amount)
	}
}

func TestRouteDepositCreditsNewAccount(t *testing.T) {
	r := NewRouter(testChainID, nil, nil, nil)
	diff := NewBatchDiff()
	to, _ := newTestSigner(t)
	res := r.Route(diff, Tx{Kind: KindDeposit, Deposit: &DepositTx{To: to, Amount: 1000, L1Seq: 7}})
	if !res.Success {
		t.Fatalf("deposit should never fail validation")
	}
	if got := diff.Accounts[to]; got.Balance != 1000 {
		t.Fatalf("deposit credited account = %+v; want balance=1000", got)
	}
}

func TestRouteShieldedRejectsReplayedNullifierWithinAndAcrossBatches(t *testing.T) {
	store := openTestStorage(t)
	ss, err := LoadShieldedState(store)
	if err != nil {
		t.Fatalf("load shielded state: %v", err)
	}
	r := NewRouter(testChainID, nil, ss, nil)

	nullifier := hashLeaf([]byte("shielded-nullifier"))
	commitment := hashLeaf([]byte("shielded-commitment"))
	validProof := make([]byte, shieldedProofMinSize)

	diff := NewBatchDiff()
	first := &ShieldedTx{Proof: validProof, Nullifier: nullifier, Commitment: commitment}
	res := r.Route(diff, Tx{Kind: KindShielded, Shielded: first})
	if !res.Success {
		t.Fatalf("expected first shielded tx to succeed, got: %s", res.FailReason)
	}

	// Same nullifier reused later in the same batch.
	second := &ShieldedTx{Proof: validProof, Nullifier: nullifier, Commitment: hashLeaf([]byte("another-commitment"))}
	res = r.Route(diff, Tx{Kind: KindShielded, Shielded: second})
	if res.Success {
		t.Fatalf("expected a nullifier replayed within the same batch to fail")
	}

	// Commit the first tx's nullifier to the persistent set, then confirm a
	// fresh diff in a later batch still rejects the replay.
	if err := ss.SpendNullifier(nullifier); err != nil {
		t.Fatalf("spend nullifier: %v", err)
	}
	diff2 := NewBatchDiff()
	third := &ShieldedTx{Proof: validProof, Nullifier: nullifier, Commitment: hashLeaf([]byte("yet-another"))}
	res = r.Route(diff2, Tx{Kind: KindShielded, Shielded: third})
	if res.Success {
		t.Fatalf("expected a nullifier already committed in a prior batch to fail")
	}
}

// A nullifier spent by a sealed-but-not-yet-finalized predecessor batch is
// just as unspendable as a committed one.
func TestRouteShieldedRejectsNullifierFromInflightBatch(t *testing.T) {
	nullifier := hashLeaf([]byte("inflight-nullifier"))
	inflight := map[Hash32]struct{}{nullifier: {}}
	r := NewRouter(testChainID, nil, nil, inflight)

	diff := NewBatchDiff()
	tx := &ShieldedTx{
		Proof:      make([]byte, shieldedProofMinSize),
		Nullifier:  nullifier,
		Commitment: hashLeaf([]byte("c")),
	}
	res := r.Route(diff, Tx{Kind: KindShielded, Shielded: tx})
	if res.Success {
		t.Fatalf("expected a nullifier pending in an in-flight batch to be rejected")
	}
}

func TestRouteShieldedRejectsUndersizedProof(t *testing.T) {
	r := NewRouter(testChainID, nil, nil, nil)
	diff := NewBatchDiff()
	tx := &ShieldedTx{Proof: []byte("too-short"), Nullifier: hashLeaf([]byte("n")), Commitment: hashLeaf([]byte("c"))}
	res := r.Route(diff, Tx{Kind: KindShielded, Shielded: tx})
	if res.Success {
		t.Fatalf("expected an undersized proof to be rejected")
	}
}

// Transfers conserve total balance: the sum over all accounts is invariant
// across a batch containing only transfers.
func TestRouteTransferConservesTotalBalance(t *testing.T) {
	a, aPriv := newTestSigner(t)
	b, bPriv := newTestSigner(t)
	c, _ := newTestSigner(t)

	snap := &AccountTreeSnapshot{
		accounts: map[AccountId]Account{
			a: {ID: a, Balance: 700, Nonce: 0},
			b: {ID: b, Balance: 300, Nonce: 0},
		},
		positions: map[AccountId]uint64{a: 0, b: 1},
		nodes:     newEmptyNodes(),
	}
	r := NewRouter(testChainID, snap, nil, nil)
	diff := NewBatchDiff()

	for _, tx := range []*TransferTx{
		signedTransfer(a, aPriv, b, 200, 0, testChainID),
		signedTransfer(b, bPriv, c, 450, 0, testChainID),
		signedTransfer(a, aPriv, c, 100, 1, testChainID),
	} {
		if res := r.Route(diff, Tx{Kind: KindTransfer, Transfer: tx}); !res.Success {
			t.Fatalf("transfer failed: %s", res.FailReason)
		}
	}

	var total Lamports
	for _, acct := range diff.Accounts {
		total += acct.Balance
	}
	if total != 1000 {
		t.Fatalf("total balance after transfers = %d; want 1000 (conserved)", total)
	}
}

func TestRouteUnknownKindFails(t *testing.T) {
	r := NewRouter(testChainID, nil, nil, nil)
	diff := NewBatchDiff()
	res := r.Route(diff, Tx{Kind: TxKind(99)})
	if res.Success {
		t.Fatalf("expected an unknown transaction kind to fail")
	}
}
