package core

import "testing"

func TestStorageAccountRoundTripAndList(t *testing.T) {
	store := openTestStorage(t)
	a := Account{ID: idFromByte(0x01), Balance: 1000, Nonce: 3}
	if err := store.PutAccount(a); err != nil {
		t.Fatalf("put account: %v", err)
	}
	got, ok, err := store.GetAccount(a.ID)
	if err != nil || !ok {
		t.Fatalf("get account: ok=%v err=%v", ok, err)
	}
	if got != a {
		t.Fatalf("got %+v; want %+v", got, a)
	}

	b := Account{ID: idFromByte(0x02), Balance: 500, Nonce: 0}
	if err := store.PutAccount(b); err != nil {
		t.Fatalf("put account: %v", err)
	}
	all, err := store.ListAccounts()
	if err != nil {
		t.Fatalf("list accounts: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("listed %d accounts; want 2", len(all))
	}
}

func TestStorageBlockHeaderRoundTrip(t *testing.T) {
	store := openTestStorage(t)
	var prev, next StateRoot
	next[0] = 0x7a
	h := BlockHeader{HdrVersion: BlockHeaderVersion, BatchID: 5, PrevRoot: prev, NewRoot: next, TxCount: 2, OpenAt: 100}
	if err := store.PutBlock(h); err != nil {
		t.Fatalf("put block: %v", err)
	}
	got, ok, err := store.GetBlock(5)
	if err != nil || !ok {
		t.Fatalf("get block: ok=%v err=%v", ok, err)
	}
	if got != h {
		t.Fatalf("got %+v; want %+v", got, h)
	}
	if _, ok, err := store.GetBlock(999); err != nil || ok {
		t.Fatalf("expected no block at an unwritten batch id, got ok=%v err=%v", ok, err)
	}
}

func TestStorageListBatchesDescendingWithOffsetAndLimit(t *testing.T) {
	store := openTestStorage(t)
	for i := BatchId(1); i <= 5; i++ {
		if err := store.PutBatch(BatchSummary{BatchID: i, Status: BatchSettled}); err != nil {
			t.Fatalf("put batch %d: %v", i, err)
		}
	}
	page, err := store.ListBatches(1, 2)
	if err != nil {
		t.Fatalf("list batches: %v", err)
	}
	if len(page) != 2 {
		t.Fatalf("page length = %d; want 2", len(page))
	}
	if page[0].BatchID != 4 || page[1].BatchID != 3 {
		t.Fatalf("page = [%d, %d]; want [4, 3] (descending, offset 1)", page[0].BatchID, page[1].BatchID)
	}
}

func TestStorageNullifierSetIsPersistentAndIdempotent(t *testing.T) {
	store := openTestStorage(t)
	var n Hash32
	n[0] = 0x11
	if has, err := store.HasNullifier(n); err != nil || has {
		t.Fatalf("unwritten nullifier reported has=%v err=%v", has, err)
	}
	if err := store.PutNullifier(n); err != nil {
		t.Fatalf("put nullifier: %v", err)
	}
	if err := store.PutNullifier(n); err != nil {
		t.Fatalf("re-putting the same nullifier must not error: %v", err)
	}
	if has, err := store.HasNullifier(n); err != nil || !has {
		t.Fatalf("expected nullifier to be recorded, has=%v err=%v", has, err)
	}
}

func TestStorageProcessedDepositDedup(t *testing.T) {
	store := openTestStorage(t)
	if has, _ := store.HasProcessedDeposit(42); has {
		t.Fatalf("unwritten l1_seq reported already processed")
	}
	if err := store.PutProcessedDeposit(ProcessedDeposit{L1Seq: 42, Slot: 1000}); err != nil {
		t.Fatalf("put processed deposit: %v", err)
	}
	has, err := store.HasProcessedDeposit(42)
	if err != nil || !has {
		t.Fatalf("expected l1_seq=42 to be marked processed, has=%v err=%v", has, err)
	}
}

func TestStorageFinalizeBatchWritesAllThreeAtomically(t *testing.T) {
	store := openTestStorage(t)
	var root StateRoot
	root[0] = 0x9
	h := BlockHeader{HdrVersion: BlockHeaderVersion, BatchID: 1, NewRoot: root, TxCount: 1}
	bs := BatchSummary{BatchID: 1, TxCount: 1, StateRoot: root, Status: BatchSettled}
	tx := TxSummary{TxHash: hashLeaf([]byte("tx")), TxType: TxTypeTransfer, Status: TxExecuted}

	if err := store.FinalizeBatch(h, bs, []TxSummary{tx}); err != nil {
		t.Fatalf("finalize batch: %v", err)
	}

	gotHeader, ok, err := store.GetBlock(1)
	if err != nil || !ok || gotHeader.NewRoot != root {
		t.Fatalf("block not persisted correctly: ok=%v err=%v header=%+v", ok, err, gotHeader)
	}
	gotSummary, ok, err := store.GetBatch(1)
	if err != nil || !ok || gotSummary.Status != BatchSettled {
		t.Fatalf("batch summary not persisted correctly: ok=%v err=%v summary=%+v", ok, err, gotSummary)
	}
	gotTx, ok, err := store.GetTx(tx.TxHash)
	if err != nil || !ok || gotTx.Status != TxExecuted {
		t.Fatalf("tx index not persisted correctly: ok=%v err=%v tx=%+v", ok, err, gotTx)
	}
}
