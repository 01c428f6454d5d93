package core

// BatchManager owns exactly one open batch at a time and drives the
// lifecycle accumulating -> sealed(proving) -> proved(pending_settlement)
// -> finalized(settled), with a settlement_failed terminal branch handled
// by the pipeline's retry policy rather than the batch manager itself.

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// SealedBatch is the in-memory record of a batch that has left
// "accumulating" but has not yet finalized. The pre-batch snapshot stays
// with the record until the batch finalizes or fails: the prover witness is
// built from it, and the public inputs rebuilt at settlement read its root.
type SealedBatch struct {
	BatchID     BatchId
	CreatedAt   int64
	SealedAt    int64
	Diff        *BatchDiff
	TxHashes    []TxHash
	PreSnapshot *AccountTreeSnapshot
	PreShielded *ShieldedState

	PostStateRoot    StateRoot
	PostShieldedRoot ShieldedRoot
	WithdrawalRoot   Hash32

	DevCommitted bool

	ProofBytes         []byte
	PublicWitnessBytes []byte

	SettlementRetries int
}

// BatchEvent is emitted on every BatchSummary transition, for the pipeline
// to republish over the WS push channel.
type BatchEvent struct {
	Action  string
	Summary BatchSummary
}

// TxEvent is emitted whenever a TxSummary changes, mirroring BatchEvent.
type TxEvent struct {
	Action  string
	Summary TxSummary
}

type openBatch struct {
	id        BatchId
	createdAt int64
	diff      *BatchDiff
	txHashes  []TxHash
	preSnap   *AccountTreeSnapshot
	preShield *ShieldedState
}

// BatchManager serializes admission, sealing and finalization behind one
// mutex, shared in spirit with the account tree and shielded state: those
// two are only ever mutated from within a call already holding this lock.
type BatchManager struct {
	mu sync.Mutex

	store       *Storage
	accountTree *AccountTree
	shielded    *ShieldedState
	cfg         Config

	onBatchEvent func(BatchEvent)
	onTxEvent    func(TxEvent)

	current     *openBatch
	nextID      BatchId
	sealedByID  map[BatchId]*SealedBatch
	proveQueue  []BatchId // FIFO of batches sealed, awaiting a proof
	settleQueue []BatchId // FIFO of batches proved, awaiting settlement

	// Commit lags finalize, so a new batch must not accumulate on top of
	// the live committed trees while predecessors are still in flight:
	// projectedSnap/projectedShield hold the most recently sealed batch's
	// post-state, and the next batch opens from there. Both are nil when
	// nothing is in flight, in which case the live trees are current.
	// inflightNullifiers tracks nullifiers spent by sealed-but-not-yet-
	// finalized batches so a successor batch cannot re-spend them.
	projectedSnap      *AccountTreeSnapshot
	projectedShield    *ShieldedState
	inflightNullifiers map[Hash32]struct{}
}

// NewBatchManager resumes nextID from the highest persisted batch, restores
// any batch left sealed/proving/proved across a restart from the
// sealed_batches column family, and wires the manager to the given trees.
func NewBatchManager(store *Storage, accountTree *AccountTree, shielded *ShieldedState, cfg Config) (*BatchManager, error) {
	bm := &BatchManager{
		store:              store,
		accountTree:        accountTree,
		shielded:           shielded,
		cfg:                cfg,
		sealedByID:         make(map[BatchId]*SealedBatch),
		inflightNullifiers: make(map[Hash32]struct{}),
	}
	bm.nextID = 1
	for id := BatchId(1); ; id++ {
		_, ok, err := store.GetBatch(id)
		if err != nil {
			return nil, err
		}
		if !ok {
			bm.nextID = id
			break
		}
	}

	if err := bm.restoreSealedBatchesLocked(); err != nil {
		return nil, err
	}
	return bm, nil
}

// restoreSealedBatchesLocked repopulates sealedByID/proveQueue/settleQueue
// from durable sealed_batches records, rebuilding the optimistic chain in
// BatchID order: the oldest restored batch's pre-state is the live
// committed trees (its predecessors all finalized before the crash), and
// each later batch's pre-state is its predecessor's replayed post-state.
// A dev_mode-committed batch is already reflected in the live trees, so
// its diff is not re-applied to the projection; its own pre-state can only
// be rebuilt approximately (dev_mode is a development convenience, not a
// production guarantee).
func (bm *BatchManager) restoreSealedBatchesLocked() error {
	persisted, err := bm.store.ListSealedBatches()
	if err != nil {
		return err
	}
	if len(persisted) == 0 {
		return nil
	}
	snap, err := bm.accountTree.Snapshot()
	if err != nil {
		return err
	}
	shield := bm.shielded.EphemeralFrontier()

	for _, p := range persisted {
		diff := NewBatchDiff()
		for _, a := range p.Accounts {
			diff.Accounts[a.ID] = a
		}
		for _, n := range p.PendingNullifiers {
			diff.PendingNullifiers[n] = struct{}{}
			bm.inflightNullifiers[n] = struct{}{}
		}
		diff.NewCommitments = p.NewCommitments
		diff.NewNotes = p.NewNotes
		diff.Withdrawals = p.Withdrawals

		sb := &SealedBatch{
			BatchID:            p.BatchID,
			CreatedAt:          p.CreatedAt,
			SealedAt:           p.SealedAt,
			Diff:               diff,
			TxHashes:           p.TxHashes,
			PreSnapshot:        snap,
			PreShielded:        shield,
			PostStateRoot:      p.PostStateRoot,
			PostShieldedRoot:   p.PostShieldedRoot,
			WithdrawalRoot:     p.WithdrawalRoot,
			DevCommitted:       p.DevCommitted,
			ProofBytes:         p.ProofBytes,
			PublicWitnessBytes: p.PublicWitnessBytes,
		}
		bm.sealedByID[p.BatchID] = sb
		if p.Stage == "proved" {
			bm.settleQueue = append(bm.settleQueue, p.BatchID)
		} else {
			bm.proveQueue = append(bm.proveQueue, p.BatchID)
		}

		if p.DevCommitted {
			continue
		}
		eph := snap.Ephemeral()
		if _, err := eph.ApplyDiff(diff.Accounts); err != nil {
			return err
		}
		snap, err = eph.Snapshot()
		if err != nil {
			return err
		}
		next := shield.EphemeralFrontier()
		for _, c := range diff.NewCommitments {
			if _, _, err := next.AddCommitment(c.Hash); err != nil {
				return err
			}
		}
		shield = next
	}

	bm.projectedSnap = snap
	bm.projectedShield = shield
	return nil
}

// toPersisted projects an in-memory SealedBatch to its durable form.
func toPersisted(sb *SealedBatch, stage string) PersistedSealedBatch {
	accounts := make([]Account, 0, len(sb.Diff.Accounts))
	for _, a := range sb.Diff.Accounts {
		accounts = append(accounts, a)
	}
	nullifiers := make([]Hash32, 0, len(sb.Diff.PendingNullifiers))
	for n := range sb.Diff.PendingNullifiers {
		nullifiers = append(nullifiers, n)
	}
	return PersistedSealedBatch{
		BatchID:            sb.BatchID,
		CreatedAt:          sb.CreatedAt,
		SealedAt:           sb.SealedAt,
		TxHashes:           sb.TxHashes,
		Accounts:           accounts,
		PendingNullifiers:  nullifiers,
		NewCommitments:     sb.Diff.NewCommitments,
		NewNotes:           sb.Diff.NewNotes,
		Withdrawals:        sb.Diff.Withdrawals,
		PostStateRoot:      sb.PostStateRoot,
		PostShieldedRoot:   sb.PostShieldedRoot,
		WithdrawalRoot:     sb.WithdrawalRoot,
		DevCommitted:       sb.DevCommitted,
		ProofBytes:         sb.ProofBytes,
		PublicWitnessBytes: sb.PublicWitnessBytes,
		Stage:              stage,
	}
}

func (bm *BatchManager) SetEventHooks(onBatch func(BatchEvent), onTx func(TxEvent)) {
	bm.onBatchEvent = onBatch
	bm.onTxEvent = onTx
}

func (bm *BatchManager) emitBatch(action string, bs BatchSummary) {
	if bm.onBatchEvent != nil {
		bm.onBatchEvent(BatchEvent{Action: action, Summary: bs})
	}
}

func (bm *BatchManager) emitTx(action string, t TxSummary) {
	if bm.onTxEvent != nil {
		bm.onTxEvent(TxEvent{Action: action, Summary: t})
	}
}

// AdmitResult is returned to the API layer for one submitted transaction.
type AdmitResult struct {
	TxHash         TxHash
	Accepted       bool
	AlreadyPresent bool
	Reason         string
}

// Admit routes tx (already decrypted from blob) through the executor and
// folds its effect into the currently-open batch, opening one if none is
// open. blob is the original encrypted envelope, persisted verbatim.
func (bm *BatchManager) Admit(tx Tx, blob []byte) (AdmitResult, error) {
	txHash := hashLeaf(blob)

	bm.mu.Lock()
	defer bm.mu.Unlock()

	if _, ok, err := bm.store.GetTx(txHash); err != nil {
		return AdmitResult{}, err
	} else if ok {
		return AdmitResult{TxHash: txHash, Accepted: false, AlreadyPresent: true, Reason: "already_present"}, nil
	}

	if bm.current == nil {
		if err := bm.openBatchLocked(); err != nil {
			return AdmitResult{}, err
		}
	}

	ob := bm.current
	router := NewRouter(bm.cfg.ChainID, ob.preSnap, bm.shielded, bm.inflightNullifiers)
	result := router.Route(ob.diff, tx)

	now := time.Now().Unix()
	status := TxExecuted
	if !result.Success {
		status = TxFailed
	}
	batchID := ob.id
	summary := TxSummary{
		TxHash:     txHash,
		TxType:     txTypeOf(tx),
		BatchID:    &batchID,
		Status:     status,
		ReceivedAt: now,
		ExecutedAt: now,
		FailReason: result.FailReason,
	}
	populateSummaryAmounts(&summary, tx)

	if err := bm.store.PutTxBlob(txHash, blob); err != nil {
		return AdmitResult{}, err
	}
	if err := bm.store.PutTx(summary); err != nil {
		return AdmitResult{}, err
	}
	bm.emitTx("created", summary)
	if result.Success {
		ob.txHashes = append(ob.txHashes, txHash)
	}

	if err := bm.maybeSealOnSubmitLocked(); err != nil {
		return AdmitResult{}, err
	}

	return AdmitResult{TxHash: txHash, Accepted: result.Success, Reason: result.FailReason}, nil
}

func txTypeOf(tx Tx) TxType {
	switch tx.Kind {
	case KindTransfer:
		return TxTypeTransfer
	case KindWithdraw:
		return TxTypeWithdraw
	case KindDeposit:
		return TxTypeDeposit
	default:
		return TxTypeShielded
	}
}

func populateSummaryAmounts(s *TxSummary, tx Tx) {
	switch tx.Kind {
	case KindTransfer:
		amt := tx.Transfer.Amount
		s.Amount = &amt
		s.From = &tx.Transfer.From
		s.To = &tx.Transfer.To
	case KindWithdraw:
		amt := tx.Withdraw.Amount
		s.Amount = &amt
		s.From = &tx.Withdraw.From
	case KindDeposit:
		amt := tx.Deposit.Amount
		s.Amount = &amt
		s.To = &tx.Deposit.To
	}
}

// openBatchLocked starts the next batch on the projected post-state of the
// most recently sealed batch, falling back to the live committed trees when
// nothing is in flight. Accumulation therefore chains correctly even though
// commit lags until finalize.
func (bm *BatchManager) openBatchLocked() error {
	preSnap := bm.projectedSnap
	if preSnap == nil {
		var err error
		preSnap, err = bm.accountTree.Snapshot()
		if err != nil {
			return err
		}
	}
	preShield := bm.projectedShield
	if preShield == nil {
		preShield = bm.shielded.EphemeralFrontier()
	}
	id := bm.nextID
	bm.nextID++
	bm.current = &openBatch{
		id:        id,
		createdAt: time.Now().Unix(),
		diff:      NewBatchDiff(),
		preSnap:   preSnap,
		preShield: preShield,
	}
	bs := BatchSummary{
		BatchID:   id,
		Status:    BatchBuilding,
		CreatedAt: bm.current.createdAt,
		StateRoot: preSnap.root,
	}
	if err := bm.store.PutBatch(bs); err != nil {
		return err
	}
	bm.emitBatch("created", bs)
	return nil
}

// batchCounts derives (tx_count, shielded_count, withdrawal_count) from the
// currently open diff.
func batchCounts(ob *openBatch) (txCount, shieldedCount, withdrawalCount int) {
	return len(ob.txHashes), len(ob.diff.NewCommitments), len(ob.diff.Withdrawals)
}

func (bm *BatchManager) maybeSealOnSubmitLocked() error {
	ob := bm.current
	if ob == nil {
		return nil
	}
	txCount, shieldedCount, withdrawalCount := batchCounts(ob)
	age := time.Now().Unix() - ob.createdAt

	shouldSeal := txCount >= bm.cfg.MaxTransactions ||
		shieldedCount >= bm.cfg.MaxShielded ||
		withdrawalCount >= 1 ||
		shieldedCount >= 1 ||
		(age >= int64(bm.cfg.MaxBatchAgeSecs) && txCount >= bm.cfg.MinTransactions)

	if shouldSeal {
		return bm.sealLocked()
	}
	return nil
}

// Tick applies the age-based on-tick seal trigger: age >= max_batch_age_secs
// AND tx_count > 0, looser than the on-submit trigger's min_transactions
// floor so a lone aging batch still seals even below min_transactions.
func (bm *BatchManager) Tick() error {
	bm.mu.Lock()
	defer bm.mu.Unlock()
	ob := bm.current
	if ob == nil {
		return nil
	}
	txCount, _, _ := batchCounts(ob)
	age := time.Now().Unix() - ob.createdAt
	if age >= int64(bm.cfg.MaxBatchAgeSecs) && txCount > 0 {
		return bm.sealLocked()
	}
	return nil
}

// ShutdownSeal forces a seal of any non-empty open batch so an orderly
// shutdown leaves no accumulated transactions stranded in memory.
func (bm *BatchManager) ShutdownSeal() error {
	bm.mu.Lock()
	defer bm.mu.Unlock()
	if bm.current == nil {
		return nil
	}
	txCount, shieldedCount, withdrawalCount := batchCounts(bm.current)
	if txCount == 0 && shieldedCount == 0 && withdrawalCount == 0 {
		return nil
	}
	return bm.sealLocked()
}

func (bm *BatchManager) sealLocked() error {
	ob := bm.current
	bm.current = nil

	// Post-state roots are computed by simulating the diff against
	// store-less clones of the pre-batch trees, so the pre-batch snapshots
	// (needed for the prover's public inputs and witness) are never
	// mutated. The clones then become the projection the next batch opens
	// on.
	ephemeral := ob.preSnap.Ephemeral()
	postRoot, err := ephemeral.ApplyDiff(ob.diff.Accounts)
	if err != nil {
		return err
	}
	postSnap, err := ephemeral.Snapshot()
	if err != nil {
		return err
	}

	shieldedEph := ob.preShield.EphemeralFrontier()
	for _, c := range ob.diff.NewCommitments {
		if _, _, err := shieldedEph.AddCommitment(c.Hash); err != nil {
			return err
		}
	}
	postShieldedRoot := shieldedEph.Root()

	wRoot := withdrawalRoot(ob.diff.Withdrawals)

	sb := &SealedBatch{
		BatchID:          ob.id,
		CreatedAt:        ob.createdAt,
		SealedAt:         time.Now().Unix(),
		Diff:             ob.diff,
		TxHashes:         ob.txHashes,
		PreSnapshot:      ob.preSnap,
		PreShielded:      ob.preShield,
		PostStateRoot:    postRoot,
		PostShieldedRoot: postShieldedRoot,
		WithdrawalRoot:   wRoot,
	}

	if bm.cfg.DevMode {
		if err := bm.commitDiffLocked(sb); err != nil {
			return err
		}
		sb.DevCommitted = true
	}

	bm.sealedByID[ob.id] = sb
	bm.proveQueue = append(bm.proveQueue, ob.id)
	bm.projectedSnap = postSnap
	bm.projectedShield = shieldedEph
	for n := range ob.diff.PendingNullifiers {
		bm.inflightNullifiers[n] = struct{}{}
	}

	if err := bm.store.PutSealedBatch(toPersisted(sb, "proving")); err != nil {
		return err
	}

	bs := BatchSummary{
		BatchID:      ob.id,
		TxCount:      len(ob.txHashes),
		StateRoot:    postRoot,
		ShieldedRoot: postShieldedRoot,
		Status:       BatchProving,
		CreatedAt:    ob.createdAt,
	}
	if err := bm.store.PutBatch(bs); err != nil {
		return err
	}
	bm.emitBatch("updated", bs)
	return nil
}

// commitDiffLocked applies a sealed batch's diff to the live account tree
// and shielded state. Called immediately at seal in dev_mode, or from
// Finalize otherwise. Idempotent: if a crash landed between a previous
// commit and the finalize write, the restored batch replays through here,
// so already-present commitments and nullifiers are skipped instead of
// double-applied (account writes are absolute values and need no guard).
func (bm *BatchManager) commitDiffLocked(sb *SealedBatch) error {
	if _, err := bm.accountTree.ApplyDiff(sb.Diff.Accounts); err != nil {
		return err
	}
	for i, c := range sb.Diff.NewCommitments {
		if _, ok, err := bm.store.GetEncryptedNote(c.Hash); err != nil {
			return err
		} else if ok {
			continue
		}
		if _, _, err := bm.shielded.AddCommitment(c.Hash); err != nil {
			return err
		}
		if i < len(sb.Diff.NewNotes) {
			note := sb.Diff.NewNotes[i]
			note.Commitment = c.Hash
			if err := bm.shielded.PutNote(note); err != nil {
				return err
			}
		}
	}
	for n := range sb.Diff.PendingNullifiers {
		if err := bm.shielded.SpendNullifier(n); err != nil {
			if errors.Is(err, ErrAlreadyExists) {
				continue
			}
			return err
		}
	}
	for _, w := range sb.Diff.Withdrawals {
		if err := bm.store.PutWithdrawal(w); err != nil {
			return err
		}
	}
	return nil
}

// NextToProve returns the oldest sealed batch not yet handed a proof, or
// false if none is waiting.
func (bm *BatchManager) NextToProve() (*SealedBatch, bool) {
	bm.mu.Lock()
	defer bm.mu.Unlock()
	if len(bm.proveQueue) == 0 {
		return nil, false
	}
	return bm.sealedByID[bm.proveQueue[0]], true
}

// MarkProved attaches a completed proof to batchID and advances it into the
// settlement queue (the design notes' "proved" + "settling" states,
// externally reported as pending_settlement).
func (bm *BatchManager) MarkProved(batchID BatchId, proof, publicWitness []byte) error {
	bm.mu.Lock()
	defer bm.mu.Unlock()
	if len(bm.proveQueue) == 0 || bm.proveQueue[0] != batchID {
		return fmt.Errorf("%w: batch %d is not the oldest batch awaiting proof", ErrState, batchID)
	}
	bm.proveQueue = bm.proveQueue[1:]

	sb, ok := bm.sealedByID[batchID]
	if !ok {
		return fmt.Errorf("%w: batch %d not sealed", ErrState, batchID)
	}
	sb.ProofBytes = proof
	sb.PublicWitnessBytes = publicWitness
	bm.settleQueue = append(bm.settleQueue, batchID)

	if err := bm.store.PutSealedBatch(toPersisted(sb, "proved")); err != nil {
		return err
	}

	bs, ok, err := bm.store.GetBatch(batchID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: batch %d missing", ErrState, batchID)
	}
	bs.Status = BatchPendingSettlement
	if err := bm.store.PutBatch(bs); err != nil {
		return err
	}
	bm.emitBatch("updated", bs)
	return nil
}

// MarkProverFailed is the terminal, non-retryable prover failure path:
// the batch itself is marked permanently failed and removed from the
// prove queue. Retryable prover failures should simply be retried by the
// caller without calling this.
func (bm *BatchManager) MarkProverFailed(batchID BatchId, reason string) error {
	bm.mu.Lock()
	defer bm.mu.Unlock()
	if len(bm.proveQueue) > 0 && bm.proveQueue[0] == batchID {
		bm.proveQueue = bm.proveQueue[1:]
	}
	bs, ok, err := bm.store.GetBatch(batchID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: batch %d missing", ErrState, batchID)
	}
	bs.Status = BatchFailed
	bs.FailureReason = reason
	if err := bm.store.PutBatch(bs); err != nil {
		return err
	}
	if sb, ok := bm.sealedByID[batchID]; ok {
		for n := range sb.Diff.PendingNullifiers {
			delete(bm.inflightNullifiers, n)
		}
	}
	delete(bm.sealedByID, batchID)
	if err := bm.store.DeleteSealedBatch(batchID); err != nil {
		return err
	}
	// The dropped batch's effects are baked into the projection and into
	// any successor batch opened on top of it; successors can no longer
	// finalize against the committed chain. Reset the projection and rely
	// on the pipeline pausing for operator replay.
	bm.projectedSnap = nil
	bm.projectedShield = nil
	bm.emitBatch("failed", bs)
	return nil
}

// NextToSettle returns the oldest proved batch awaiting settlement.
func (bm *BatchManager) NextToSettle() (*SealedBatch, bool) {
	bm.mu.Lock()
	defer bm.mu.Unlock()
	if len(bm.settleQueue) == 0 {
		return nil, false
	}
	return bm.sealedByID[bm.settleQueue[0]], true
}

// Finalize commits (if not already committed in dev_mode), writes the
// BlockHeader and tx status upgrades atomically, executes withdrawals
// through settler, and advances the batch to settled. Called by the
// pipeline only after SettlementClient.submit_auto has already succeeded.
func (bm *BatchManager) Finalize(batchID BatchId, l1TxSig string, settler SettlementClient) error {
	bm.mu.Lock()
	defer bm.mu.Unlock()

	if len(bm.settleQueue) == 0 || bm.settleQueue[0] != batchID {
		return fmt.Errorf("%w: batch %d is not the oldest batch awaiting settlement", ErrState, batchID)
	}
	sb, ok := bm.sealedByID[batchID]
	if !ok {
		return fmt.Errorf("%w: batch %d not sealed", ErrState, batchID)
	}

	var prevRoot StateRoot
	if batchID > 1 {
		prevHeader, ok, err := bm.store.GetBlock(batchID - 1)
		if err != nil {
			return err
		}
		if ok {
			prevRoot = prevHeader.NewRoot
		}
	}

	if !sb.DevCommitted {
		if err := bm.commitDiffLocked(sb); err != nil {
			return err
		}
	}

	actualRoot, err := bm.accountTree.Root()
	if err != nil {
		return err
	}
	if actualRoot != sb.PostStateRoot {
		return fmt.Errorf("%w: root mismatch finalizing batch %d: proof root %s, tree root %s",
			ErrState, batchID, sb.PostStateRoot.Hex(), actualRoot.Hex())
	}

	if len(sb.Diff.Withdrawals) > 0 && settler != nil {
		if _, err := settler.ExecuteWithdrawals(batchID, sb.Diff.Withdrawals); err != nil {
			return fmt.Errorf("%w: execute withdrawals for batch %d: %v", ErrSettlement, batchID, err)
		}
	}

	header := BlockHeader{
		HdrVersion: BlockHeaderVersion,
		BatchID:    batchID,
		PrevRoot:   prevRoot,
		NewRoot:    sb.PostStateRoot,
		TxCount:    uint32(len(sb.TxHashes)),
		OpenAt:     sb.CreatedAt,
		Flags:      0,
	}

	now := time.Now().Unix()
	bs := BatchSummary{
		BatchID:      batchID,
		TxCount:      len(sb.TxHashes),
		StateRoot:    sb.PostStateRoot,
		ShieldedRoot: sb.PostShieldedRoot,
		L1TxSig:      l1TxSig,
		Status:       BatchSettled,
		CreatedAt:    sb.CreatedAt,
		SettledAt:    now,
	}

	var txSummaries []TxSummary
	for _, h := range sb.TxHashes {
		t, ok, err := bm.store.GetTx(h)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		if t.Status == TxExecuted {
			t.Status = TxSettled
		}
		txSummaries = append(txSummaries, t)
	}

	if err := bm.store.FinalizeBatch(header, bs, txSummaries); err != nil {
		return err
	}
	if err := bm.store.DeleteSealedBatch(batchID); err != nil {
		return err
	}

	bm.settleQueue = bm.settleQueue[1:]
	delete(bm.sealedByID, batchID)
	for n := range sb.Diff.PendingNullifiers {
		delete(bm.inflightNullifiers, n)
	}
	// With nothing left in flight and no open batch, the live trees have
	// caught up to the projection; drop it so the next batch re-snapshots
	// committed state directly.
	if len(bm.proveQueue) == 0 && len(bm.settleQueue) == 0 && bm.current == nil {
		bm.projectedSnap = nil
		bm.projectedShield = nil
	}

	bm.emitBatch("settled", bs)
	for _, t := range txSummaries {
		bm.emitTx("settled", t)
	}
	return nil
}
