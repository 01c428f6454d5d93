package core

// Router is a pure transformation (BatchDiff_in, Tx) -> (BatchDiff_out,
// TxResult): dispatch on TxKind is an exhaustive switch rather than a
// vtable, per the tagged-sum guidance in the design notes. Execution never
// rolls back a batch: a failed tx is recorded and the batch proceeds.
//
// Signatures are Ed25519 over canonical human-readable message templates;
// withdrawal recipients are base58-encoded in the signing message since
// that is how L1 addresses are written.

import (
	"crypto/ed25519"
	"strconv"

	"github.com/btcsuite/btcutil/base58"
)

// BatchDiff accumulates the in-progress effects of one batch before they
// are committed to the account tree / shielded state.
type BatchDiff struct {
	// Accounts holds every account touched so far in the batch, keyed by
	// id, reflecting all executed effects layered on the pre-batch
	// snapshot.
	Accounts map[AccountId]Account

	// PendingNullifiers holds nullifiers spent so far in this batch, not
	// yet committed to the shielded state's persistent set.
	PendingNullifiers map[Hash32]struct{}

	// NewCommitments holds commitments appended so far in this batch, in
	// admission order.
	NewCommitments []Commitment
	NewNotes       []EncryptedNote

	// Withdrawals holds withdrawals queued so far in this batch, in
	// admission order.
	Withdrawals []Withdrawal
}

func NewBatchDiff() *BatchDiff {
	return &BatchDiff{
		Accounts:          make(map[AccountId]Account),
		PendingNullifiers: make(map[Hash32]struct{}),
	}
}

// TxResult is the outcome of routing a single transaction.
type TxResult struct {
	Success    bool
	FailReason string
}

func fail(reason string) TxResult { return TxResult{Success: false, FailReason: reason} }

// Router holds a reference snapshot of committed state and the in-flight
// diff layered on top. Queries consult account_cache (the diff) first,
// then pending_states (a tx admitted earlier in the same batch but not yet
// executed; in this synchronous router those coincide with the diff, so
// the two layers collapse to "diff, then snapshot"), then the snapshot.
type Router struct {
	chainID  uint64
	snap     *AccountTreeSnapshot
	shielded *ShieldedState
	inflight map[Hash32]struct{}
}

// NewRouter builds a router over a frozen pre-batch account snapshot. The
// shielded reference is used read-only, for nullifier membership checks
// against already-committed state; inflight holds nullifiers spent by
// sealed-but-not-yet-finalized predecessor batches, which are just as
// unspendable as committed ones. In-batch effects live entirely in
// BatchDiff.
func NewRouter(chainID uint64, snap *AccountTreeSnapshot, shielded *ShieldedState, inflight map[Hash32]struct{}) *Router {
	return &Router{chainID: chainID, snap: snap, shielded: shielded, inflight: inflight}
}

func (r *Router) lookup(diff *BatchDiff, id AccountId) Account {
	if a, ok := diff.Accounts[id]; ok {
		return a
	}
	if r.snap != nil {
		if a, ok := r.snap.accounts[id]; ok {
			return a
		}
	}
	return Account{ID: id}
}

// Route dispatches tx against diff, mutating diff in place and returning
// the execution result.
func (r *Router) Route(diff *BatchDiff, tx Tx) TxResult {
	switch tx.Kind {
	case KindTransfer:
		return r.routeTransfer(diff, tx.Transfer)
	case KindWithdraw:
		return r.routeWithdraw(diff, tx.Withdraw)
	case KindDeposit:
		return r.routeDeposit(diff, tx.Deposit)
	case KindShielded:
		return r.routeShielded(diff, tx.Shielded)
	default:
		return fail("unknown transaction kind")
	}
}

// TransferSigningMessage renders the canonical bit-exact UTF-8 message a
// Transfer signature must cover.
func TransferSigningMessage(from, to AccountId, amount Lamports, nonce, chainID uint64) []byte {
	msg := "Zelana L2 Transfer\n\n" +
		"From: " + hexLower(from[:]) + "\n" +
		"To: " + hexLower(to[:]) + "\n" +
		"Amount: " + strconv.FormatUint(uint64(amount), 10) + " lamports\n" +
		"Nonce: " + strconv.FormatUint(nonce, 10) + "\n" +
		"Chain ID: " + strconv.FormatUint(chainID, 10) + "\n\n" +
		"Sign to authorize this L2 transfer."
	return []byte(msg)
}

// WithdrawSigningMessage renders the canonical Withdraw message: the
// Transfer template with base58(to_l1_address) in place of a hex To line,
// and no Chain ID line.
func WithdrawSigningMessage(from AccountId, toL1 [32]byte, amount Lamports, nonce uint64) []byte {
	msg := "Zelana L2 Transfer\n\n" +
		"From: " + hexLower(from[:]) + "\n" +
		"To: " + base58.Encode(toL1[:]) + "\n" +
		"Amount: " + strconv.FormatUint(uint64(amount), 10) + " lamports\n" +
		"Nonce: " + strconv.FormatUint(nonce, 10) + "\n\n" +
		"Sign to authorize this L2 transfer."
	return []byte(msg)
}

func hexLower(b []byte) string {
	const hexdigits = "0123456789abcdef"
	out := make([]byte, len(b)*2)
	for i, c := range b {
		out[i*2] = hexdigits[c>>4]
		out[i*2+1] = hexdigits[c&0x0f]
	}
	return string(out)
}

func (r *Router) routeTransfer(diff *BatchDiff, tx *TransferTx) TxResult {
	if tx.ChainID != r.chainID {
		return fail("chain id mismatch")
	}
	if tx.From == tx.To {
		return fail("from and to must differ")
	}
	msg := TransferSigningMessage(tx.From, tx.To, tx.Amount, tx.Nonce, tx.ChainID)
	if !ed25519.Verify(ed25519.PublicKey(tx.SignerPK[:]), msg, tx.Signature) {
		return fail("signature verification failed")
	}

	from := r.lookup(diff, tx.From)
	if from.Nonce != tx.Nonce {
		return fail("nonce mismatch")
	}
	if from.Balance < tx.Amount {
		return fail("insufficient funds")
	}
	to := r.lookup(diff, tx.To)

	from.Balance -= tx.Amount
	from.Nonce++
	to.Balance += tx.Amount

	diff.Accounts[tx.From] = from
	diff.Accounts[tx.To] = to
	return TxResult{Success: true}
}

func (r *Router) routeWithdraw(diff *BatchDiff, tx *WithdrawTx) TxResult {
	if tx.ChainID != r.chainID {
		return fail("chain id mismatch")
	}
	msg := WithdrawSigningMessage(tx.From, tx.ToL1Address, tx.Amount, tx.Nonce)
	if !ed25519.Verify(ed25519.PublicKey(tx.SignerPK[:]), msg, tx.Signature) {
		return fail("signature verification failed")
	}

	from := r.lookup(diff, tx.From)
	if from.Nonce != tx.Nonce {
		return fail("nonce mismatch")
	}
	if from.Balance < tx.Amount {
		return fail("insufficient funds")
	}

	from.Balance -= tx.Amount
	from.Nonce++
	diff.Accounts[tx.From] = from

	nullifier := withdrawalNullifier(tx)
	txHash := withdrawalTxHash(tx)
	diff.Withdrawals = append(diff.Withdrawals, Withdrawal{
		TxHash:      txHash,
		RecipientL1: tx.ToL1Address,
		Amount:      tx.Amount,
		Nonce:       tx.Nonce,
		Signature:   tx.Signature,
		Nullifier:   nullifier,
	})
	return TxResult{Success: true}
}

// withdrawalNullifier deterministically derives a nullifier from the
// withdrawal fields, so the same withdrawal request can never be queued
// twice even if resubmitted.
func withdrawalNullifier(tx *WithdrawTx) Hash32 {
	buf := make([]byte, 32+32+8+8)
	copy(buf[0:32], tx.From[:])
	copy(buf[32:64], tx.ToL1Address[:])
	putUint64(buf[64:72], uint64(tx.Amount))
	putUint64(buf[72:80], tx.Nonce)
	return hashLeaf(buf)
}

func withdrawalTxHash(tx *WithdrawTx) Hash32 {
	buf := make([]byte, 32+32+8+8+len(tx.Signature))
	copy(buf[0:32], tx.From[:])
	copy(buf[32:64], tx.ToL1Address[:])
	putUint64(buf[64:72], uint64(tx.Amount))
	putUint64(buf[72:80], tx.Nonce)
	copy(buf[80:], tx.Signature)
	return hashLeaf(buf)
}

func (r *Router) routeDeposit(diff *BatchDiff, tx *DepositTx) TxResult {
	to := r.lookup(diff, tx.To)
	to.Balance += tx.Amount
	diff.Accounts[tx.To] = to
	return TxResult{Success: true}
}

const shieldedProofMinSize = 32

func (r *Router) routeShielded(diff *BatchDiff, tx *ShieldedTx) TxResult {
	if len(tx.Proof) < shieldedProofMinSize {
		return fail("proof too small")
	}
	if _, dup := diff.PendingNullifiers[tx.Nullifier]; dup {
		return fail("nullifier already spent in this batch")
	}
	if _, dup := r.inflight[tx.Nullifier]; dup {
		return fail("nullifier already spent in a pending batch")
	}
	if r.shielded != nil && r.shielded.HasNullifier(tx.Nullifier) {
		return fail("nullifier already spent")
	}

	if tx.TransparentIn != nil {
		from := r.lookup(diff, *tx.TransparentIn)
		if from.Balance < tx.Amount {
			return fail("insufficient funds for shield")
		}
		from.Balance -= tx.Amount
		diff.Accounts[*tx.TransparentIn] = from
	}
	if tx.TransparentOut != nil {
		to := r.lookup(diff, *tx.TransparentOut)
		to.Balance += tx.Amount
		diff.Accounts[*tx.TransparentOut] = to
	}

	diff.PendingNullifiers[tx.Nullifier] = struct{}{}
	diff.NewCommitments = append(diff.NewCommitments, Commitment{Hash: tx.Commitment})
	diff.NewNotes = append(diff.NewNotes, EncryptedNote{
		Commitment:  tx.Commitment,
		Ciphertext:  tx.Ciphertext,
		EphemeralPK: tx.EphemeralPK,
	})
	return TxResult{Success: true}
}
