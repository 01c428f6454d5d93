package core

import "errors"

// Error kinds. Callers use errors.Is against these sentinels;
// subsystem errors wrap one of them via fmt.Errorf("%w: ...", ErrX).
var (
	// ErrInput covers malformed envelopes, bad signatures, wrong chain id,
	// insufficient funds, nonce mismatch, replayed nullifiers, oversized
	// payloads. Never aborts a batch; surfaces as a per-tx failed status.
	ErrInput = errors.New("input error")

	// ErrState covers storage read/write failure and corrupted chain state
	// (root mismatch during finalize). Operator-visible; pauses the
	// pipeline.
	ErrState = errors.New("state error")

	// ErrProver covers proof generation returning failed or timing out.
	ErrProver = errors.New("prover error")

	// ErrSettlement covers L1 rejection or settlement RPC failure.
	ErrSettlement = errors.New("settlement error")

	// ErrDepositIngest covers L1 log-source read failures and deposit events
	// that cannot be encoded or admitted. Duplicate l1_seq values and
	// unparsable log messages are skipped without producing this error.
	ErrDepositIngest = errors.New("deposit ingest error")

	// ErrNotFound is returned when a requested item is absent, e.g. by
	// AccountTree.Prove for an unknown account. Storage read accessors
	// report a missing key through their bool result instead.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists is returned by ShieldedState.SpendNullifier for a
	// nullifier that is already in the spent set.
	ErrAlreadyExists = errors.New("already exists")
)
