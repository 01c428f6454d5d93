package core

// DepositIndexer runs as a sibling task to the batch pipeline: it
// subscribes to an L1LogSource, skips events already recorded in
// processed_deposits, and forwards fresh ones into the pipeline's admit
// path as Deposit transactions.
//
// Deduplication is keyed on l1_seq in the processed_deposits column
// family; the checkpoint in indexer_meta records how far through L1 slots
// ingestion has progressed.

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/sirupsen/logrus"
)

// AdmitFunc is the pipeline's admission entrypoint, implemented by
// Pipeline.Admit.
type AdmitFunc func(tx Tx, blob []byte) (AdmitResult, error)

type DepositIndexer struct {
	store  *Storage
	source L1LogSource
	admit  AdmitFunc
	log    *logrus.Entry
}

func NewDepositIndexer(store *Storage, source L1LogSource, admit AdmitFunc) *DepositIndexer {
	return &DepositIndexer{
		store:  store,
		source: source,
		admit:  admit,
		log:    logrus.WithField("component", "deposit_indexer"),
	}
}

// Run consumes events until ctx is cancelled or the source gives up.
func (d *DepositIndexer) Run(ctx context.Context) error {
	events, errs := d.source.Events(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				select {
				case err := <-errs:
					if err != nil {
						return err
					}
				default:
				}
				return nil
			}
			if err := d.handle(ev); err != nil {
				d.log.WithError(err).WithField("l1_seq", ev.L1Seq).Warn("skipping deposit event")
			}
		}
	}
}

func (d *DepositIndexer) handle(ev DepositLogEvent) error {
	already, err := d.store.HasProcessedDeposit(ev.L1Seq)
	if err != nil {
		return err
	}
	if already {
		d.log.WithField("l1_seq", ev.L1Seq).Info("duplicate deposit event skipped")
		return d.advanceCheckpoint(ev.Slot)
	}

	depositTx := DepositTx{To: ev.To, Amount: ev.Amount, L1Seq: ev.L1Seq}
	blob, err := json.Marshal(depositTx)
	if err != nil {
		return fmt.Errorf("%w: encode deposit blob: %v", ErrDepositIngest, err)
	}

	result, err := d.admit(Tx{Kind: KindDeposit, Deposit: &depositTx}, blob)
	if err != nil {
		return fmt.Errorf("%w: admit deposit l1_seq=%d: %v", ErrDepositIngest, ev.L1Seq, err)
	}
	if !result.Accepted && !result.AlreadyPresent {
		return fmt.Errorf("%w: deposit l1_seq=%d rejected: %s", ErrDepositIngest, ev.L1Seq, result.Reason)
	}

	if err := d.store.PutProcessedDeposit(ProcessedDeposit{L1Seq: ev.L1Seq, Slot: ev.Slot}); err != nil {
		return err
	}
	return d.advanceCheckpoint(ev.Slot)
}

// advanceCheckpoint moves last_processed_slot forward, never backward, so
// an out-of-order replay from the log source cannot regress the cursor.
func (d *DepositIndexer) advanceCheckpoint(slot uint64) error {
	cp, _, err := d.store.GetIndexerCheckpoint()
	if err != nil {
		return err
	}
	if slot <= cp.LastProcessedSlot {
		return nil
	}
	return d.store.PutIndexerCheckpoint(IndexerCheckpoint{LastProcessedSlot: slot})
}
