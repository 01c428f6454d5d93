// Package core implements the Zelana L2 sequencer: transaction ingest,
// batch lifecycle, account and shielded-state updates, L1 deposit
// indexing, withdrawal tracking, and the proving/settlement dispatcher.
package core

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
)

// Hash32 is a 32-byte field-encoded hash, used for state roots, tx hashes,
// nullifiers and commitments alike.
type Hash32 [32]byte

func (h Hash32) Hex() string { return hex.EncodeToString(h[:]) }

func (h Hash32) IsZero() bool { return h == Hash32{} }

// AccountId is a user's signing public key, used verbatim as their L2
// account identifier.
type AccountId = Hash32

// TxHash is the content hash of a transaction's encrypted submission
// envelope.
type TxHash = Hash32

// StateRoot is the account tree's root hash.
type StateRoot = Hash32

// ShieldedRoot is the shielded commitment tree's root hash.
type ShieldedRoot = Hash32

// BatchId is a monotonically increasing batch counter, starting at 1.
type BatchId uint64

// Lamports is an unsigned L2 token amount.
type Lamports uint64

// Account is a single L2 account leaf. Created on first credit, mutated
// only by executed transactions, never deleted.
type Account struct {
	ID      AccountId `json:"id"`
	Balance Lamports  `json:"balance"`
	Nonce   uint64    `json:"nonce"`
}

// BlockHeaderMagic is the fixed 4-byte tag opening every on-disk
// BlockHeader.
const BlockHeaderMagic = "ZLNA"

// BlockHeaderVersion is the current on-disk BlockHeader layout version.
const BlockHeaderVersion uint16 = 1

// BlockHeaderSize is the fixed encoded size of a BlockHeader.
const BlockHeaderSize = 4 + 2 + 2 + 8 + 32 + 32 + 4 + 8 + 4

// BlockHeader is the finalized, immutable form of a settled batch.
type BlockHeader struct {
	HdrVersion uint16
	BatchID    BatchId
	PrevRoot   StateRoot
	NewRoot    StateRoot
	TxCount    uint32
	OpenAt     int64
	Flags      uint32
}

// Encode serializes the header to its fixed 96-byte little-endian layout.
func (h BlockHeader) Encode() []byte {
	buf := make([]byte, BlockHeaderSize)
	copy(buf[0:4], BlockHeaderMagic)
	binary.LittleEndian.PutUint16(buf[4:6], h.HdrVersion)
	// buf[6:8] reserved, left zero
	binary.LittleEndian.PutUint64(buf[8:16], uint64(h.BatchID))
	copy(buf[16:48], h.PrevRoot[:])
	copy(buf[48:80], h.NewRoot[:])
	binary.LittleEndian.PutUint32(buf[80:84], h.TxCount)
	binary.LittleEndian.PutUint64(buf[84:92], uint64(h.OpenAt))
	binary.LittleEndian.PutUint32(buf[92:96], h.Flags)
	return buf
}

// DecodeBlockHeader parses a header encoded by Encode.
func DecodeBlockHeader(buf []byte) (BlockHeader, error) {
	var h BlockHeader
	if len(buf) != BlockHeaderSize {
		return h, fmt.Errorf("%w: block header must be %d bytes, got %d", ErrState, BlockHeaderSize, len(buf))
	}
	if string(buf[0:4]) != BlockHeaderMagic {
		return h, fmt.Errorf("%w: bad block header magic", ErrState)
	}
	h.HdrVersion = binary.LittleEndian.Uint16(buf[4:6])
	h.BatchID = BatchId(binary.LittleEndian.Uint64(buf[8:16]))
	copy(h.PrevRoot[:], buf[16:48])
	copy(h.NewRoot[:], buf[48:80])
	h.TxCount = binary.LittleEndian.Uint32(buf[80:84])
	h.OpenAt = int64(binary.LittleEndian.Uint64(buf[84:92]))
	h.Flags = binary.LittleEndian.Uint32(buf[92:96])
	return h, nil
}

// BatchStatus is the lifecycle state of a BatchSummary.
type BatchStatus string

const (
	BatchBuilding          BatchStatus = "building"
	BatchProving           BatchStatus = "proving"
	BatchPendingSettlement BatchStatus = "pending_settlement"
	BatchSettled           BatchStatus = "settled"
	BatchFailed            BatchStatus = "failed"
)

// BatchSummary is the queryable, mutable-in-place record of one batch.
type BatchSummary struct {
	BatchID       BatchId      `json:"batch_id"`
	TxCount       int          `json:"tx_count"`
	StateRoot     StateRoot    `json:"state_root"`
	ShieldedRoot  ShieldedRoot `json:"shielded_root"`
	L1TxSig       string       `json:"l1_tx_sig,omitempty"`
	Status        BatchStatus  `json:"status"`
	CreatedAt     int64        `json:"created_at"`
	SettledAt     int64        `json:"settled_at,omitempty"`
	FailureReason string       `json:"failure_reason,omitempty"`
}

// TxType names one of the four fixed transaction kinds.
type TxType string

const (
	TxTypeTransfer TxType = "transfer"
	TxTypeWithdraw TxType = "withdraw"
	TxTypeDeposit  TxType = "deposit"
	TxTypeShielded TxType = "shielded"
)

// TxStatus only ever moves forward: pending -> included -> executed ->
// (settled|failed). Once failed, it never becomes settled.
type TxStatus string

const (
	TxPending  TxStatus = "pending"
	TxIncluded TxStatus = "included"
	TxExecuted TxStatus = "executed"
	TxSettled  TxStatus = "settled"
	TxFailed   TxStatus = "failed"
)

// TxSummary is the queryable record of one submitted transaction.
type TxSummary struct {
	TxHash     TxHash     `json:"tx_hash"`
	TxType     TxType     `json:"tx_type"`
	BatchID    *BatchId   `json:"batch_id,omitempty"`
	Status     TxStatus   `json:"status"`
	ReceivedAt int64      `json:"received_at"`
	ExecutedAt int64      `json:"executed_at,omitempty"`
	Amount     *Lamports  `json:"amount,omitempty"`
	From       *AccountId `json:"from,omitempty"`
	To         *AccountId `json:"to,omitempty"`
	FailReason string     `json:"fail_reason,omitempty"`
}

// Withdrawal is a queued L2-to-L1 withdrawal request.
type Withdrawal struct {
	TxHash      TxHash   `json:"tx_hash"`
	RecipientL1 [32]byte `json:"recipient_l1"`
	Amount      Lamports `json:"amount"`
	Nonce       uint64   `json:"nonce"`
	Signature   []byte   `json:"signature"`
	Nullifier   Hash32   `json:"nullifier"`
}

// ProcessedDeposit deduplicates L1 deposit events by their sequence number.
type ProcessedDeposit struct {
	L1Seq uint64 `json:"l1_seq"`
	Slot  uint64 `json:"slot"`
}

// IndexerCheckpoint tracks the deposit indexer's progress through L1 slots.
type IndexerCheckpoint struct {
	LastProcessedSlot uint64 `json:"last_processed_slot"`
}

// Commitment is a shielded-note commitment inserted at the next free leaf
// of the shielded tree.
type Commitment struct {
	Position uint32 `json:"position"`
	Hash     Hash32 `json:"hash"`
}

// EncryptedNote is a shielded note's ciphertext, indexed by its commitment
// for receiver scanning.
type EncryptedNote struct {
	Commitment  Hash32   `json:"commitment"`
	Ciphertext  []byte   `json:"ciphertext"`
	EphemeralPK [32]byte `json:"ephemeral_pk"`
}

// PersistedSealedBatch is the durable, JSON-encoded projection of a
// SealedBatch (batch_manager.go), written at seal and deleted at finalize,
// so the prove/settle queues survive a process restart. Accounts is a
// slice rather than a map because Hash32-keyed maps are not valid JSON
// object keys.
type PersistedSealedBatch struct {
	BatchID   BatchId  `json:"batch_id"`
	CreatedAt int64    `json:"created_at"`
	SealedAt  int64    `json:"sealed_at"`
	TxHashes  []TxHash `json:"tx_hashes"`

	Accounts          []Account       `json:"accounts"`
	PendingNullifiers []Hash32        `json:"pending_nullifiers"`
	NewCommitments    []Commitment    `json:"new_commitments"`
	NewNotes          []EncryptedNote `json:"new_notes"`
	Withdrawals       []Withdrawal    `json:"withdrawals"`

	PostStateRoot    StateRoot    `json:"post_state_root"`
	PostShieldedRoot ShieldedRoot `json:"post_shielded_root"`
	WithdrawalRoot   Hash32       `json:"withdrawal_root"`

	DevCommitted bool `json:"dev_committed"`

	ProofBytes         []byte `json:"proof_bytes,omitempty"`
	PublicWitnessBytes []byte `json:"public_witness_bytes,omitempty"`

	// Stage is "proving" or "proved", matching which queue the batch
	// belongs in on restore.
	Stage string `json:"stage"`
}

// DepositLogEvent is one push from an L1LogSource.
type DepositLogEvent struct {
	L1Seq  uint64    `json:"l1_seq"`
	Slot   uint64    `json:"slot"`
	To     AccountId `json:"to"`
	Amount Lamports  `json:"amount"`
}

// TxKind tags which payload variant a Tx carries.
type TxKind int

const (
	KindTransfer TxKind = iota
	KindWithdraw
	KindDeposit
	KindShielded
)

// TransferTx moves balance between two transparent accounts.
type TransferTx struct {
	From      AccountId `json:"from"`
	To        AccountId `json:"to"`
	Amount    Lamports  `json:"amount"`
	Nonce     uint64    `json:"nonce"`
	ChainID   uint64    `json:"chain_id"`
	Signature []byte    `json:"signature"`
	SignerPK  AccountId `json:"signer_pk"`
}

// WithdrawTx burns L2 balance and queues an L1 payout.
type WithdrawTx struct {
	From        AccountId `json:"from"`
	ToL1Address [32]byte  `json:"to_l1_address"`
	Amount      Lamports  `json:"amount"`
	Nonce       uint64    `json:"nonce"`
	ChainID     uint64    `json:"chain_id"`
	Signature   []byte    `json:"signature"`
	SignerPK    AccountId `json:"signer_pk"`
}

// DepositTx credits a transparent account from a deduplicated L1 event.
// Never signed by the recipient; admitted directly by the deposit indexer.
type DepositTx struct {
	To     AccountId `json:"to"`
	Amount Lamports  `json:"amount"`
	L1Seq  uint64    `json:"l1_seq"`
}

// ShieldedTx consumes a nullifier and appends a new commitment + encrypted
// note. Proof verification of the balance relation is delegated to an
// external verifier; the sequencer only enforces nullifier freshness and
// persists the commitment/note pair.
type ShieldedTx struct {
	Proof       []byte   `json:"proof"`
	Nullifier   Hash32   `json:"nullifier"`
	Commitment  Hash32   `json:"commitment"`
	Ciphertext  []byte   `json:"ciphertext"`
	EphemeralPK [32]byte `json:"ephemeral_pk"`

	// TransparentIn/Out optionally bridge value between the transparent
	// account tree and the shielded pool in the same transaction.
	TransparentIn  *AccountId `json:"transparent_in,omitempty"`
	TransparentOut *AccountId `json:"transparent_out,omitempty"`
	Amount         Lamports   `json:"amount,omitempty"`
}

// Tx is the tagged union dispatched by router.go. Exactly one of the
// payload pointers matching Kind is non-nil.
type Tx struct {
	Kind       TxKind
	Transfer   *TransferTx
	Withdraw   *WithdrawTx
	Deposit    *DepositTx
	Shielded   *ShieldedTx
	ReceivedAt int64
}
