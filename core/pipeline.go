package core

// Pipeline is the long-lived orchestrator: four logical activities
// (admit, tick, prove, settle) running concurrently over one
// BatchManager, each suspending on its own resource. Settlement failures
// back off exponentially and pause the pipeline once retries are
// exhausted; resume is an explicit operator action.

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

// Pipeline wires a BatchManager to its external collaborators and runs the
// scheduling loop.
type Pipeline struct {
	store       *Storage
	accountTree *AccountTree
	shielded    *ShieldedState
	bm          *BatchManager
	cfg         Config
	prover      ProverClient
	settler     SettlementClient
	log         *logrus.Entry

	tickInterval time.Duration

	pausedFlag  int32
	pauseMu     sync.Mutex
	pauseReason string

	settleRetries   map[BatchId]int
	settleRetriesMu sync.Mutex

	wg sync.WaitGroup
}

func NewPipeline(store *Storage, accountTree *AccountTree, shielded *ShieldedState, bm *BatchManager, cfg Config, prover ProverClient, settler SettlementClient) *Pipeline {
	return &Pipeline{
		store:         store,
		accountTree:   accountTree,
		shielded:      shielded,
		bm:            bm,
		cfg:           cfg,
		prover:        prover,
		settler:       settler,
		log:           logrus.WithField("component", "pipeline"),
		tickInterval:  time.Second,
		settleRetries: make(map[BatchId]int),
	}
}

// Admit is the ingress entrypoint, used directly by the API layer and
// handed to DepositIndexer as an AdmitFunc. Admission is never blocked by
// a pause: only the prove and settle activities stall while paused.
func (p *Pipeline) Admit(tx Tx, blob []byte) (AdmitResult, error) {
	return p.bm.Admit(tx, blob)
}

func (p *Pipeline) IsPaused() (bool, string) {
	p.pauseMu.Lock()
	defer p.pauseMu.Unlock()
	return atomic.LoadInt32(&p.pausedFlag) == 1, p.pauseReason
}

// Pause stops the prove and settle activities from making further
// attempts. Operator-triggered, or triggered automatically after
// exhausting settlement retries or a terminal proof failure.
func (p *Pipeline) Pause(reason string) {
	p.pauseMu.Lock()
	defer p.pauseMu.Unlock()
	atomic.StoreInt32(&p.pausedFlag, 1)
	p.pauseReason = reason
	p.log.WithField("reason", reason).Warn("pipeline paused")
}

// Resume is an explicit operator action clearing a pause.
func (p *Pipeline) Resume() {
	p.pauseMu.Lock()
	defer p.pauseMu.Unlock()
	atomic.StoreInt32(&p.pausedFlag, 0)
	p.pauseReason = ""
	p.log.Info("pipeline resumed")
}

// Run starts the tick, prove and settle activities and blocks until ctx is
// cancelled, at which point it performs the shutdown seal and returns.
func (p *Pipeline) Run(ctx context.Context) error {
	p.wg.Add(3)
	go p.tickLoop(ctx)
	go p.proveLoop(ctx)
	go p.settleLoop(ctx)

	<-ctx.Done()

	if err := p.bm.ShutdownSeal(); err != nil {
		p.log.WithError(err).Error("shutdown seal failed")
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		p.log.Warn("shutdown drain timed out; unfinished stages remain durable on disk")
	}
	return nil
}

func (p *Pipeline) tickLoop(ctx context.Context) {
	defer p.wg.Done()
	ticker := time.NewTicker(p.tickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.bm.Tick(); err != nil {
				p.log.WithError(err).Error("tick failed")
			}
		}
	}
}

func (p *Pipeline) proveLoop(ctx context.Context) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if paused, _ := p.IsPaused(); paused {
			select {
			case <-ctx.Done():
				return
			case <-time.After(500 * time.Millisecond):
			}
			continue
		}

		sb, ok := p.bm.NextToProve()
		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-time.After(200 * time.Millisecond):
			}
			continue
		}

		if err := p.proveOne(ctx, sb); err != nil {
			p.log.WithError(err).WithField("batch_id", sb.BatchID).Error("prove failed terminally")
			if err := p.bm.MarkProverFailed(sb.BatchID, err.Error()); err != nil {
				p.log.WithError(err).Error("mark prover failed")
			}
			p.Pause(fmt.Sprintf("batch %d proof failed terminally: %v", sb.BatchID, err))
		}
	}
}

const proverPollInterval = 200 * time.Millisecond
const proverMaxAttempts = 3

func (p *Pipeline) proveOne(ctx context.Context, sb *SealedBatch) error {
	inputs := BuildPublicInputs(sb)
	witness, err := BuildWitness(p.accountTree, sb)
	if err != nil {
		return err
	}

	for attempt := 0; attempt < proverMaxAttempts; attempt++ {
		jobCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		jobID, err := p.prover.SubmitJob(jobCtx, inputs, witness)
		if err != nil {
			cancel()
			continue
		}

		status, err := p.awaitProof(jobCtx, jobID)
		cancel()
		if err != nil {
			continue // timeout or transient: retry
		}
		switch status.State {
		case ProofCompleted:
			return p.bm.MarkProved(sb.BatchID, status.ProofBytes, status.PublicWitnessBytes)
		case ProofFailed, ProofCancelled:
			continue // one more attempt
		}
	}
	return fmt.Errorf("%w: batch %d exhausted %d proof attempts", ErrProver, sb.BatchID, proverMaxAttempts)
}

func (p *Pipeline) awaitProof(ctx context.Context, jobID string) (ProofStatus, error) {
	ticker := time.NewTicker(proverPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ProofStatus{}, ctx.Err()
		case <-ticker.C:
			status, err := p.prover.Poll(ctx, jobID)
			if err != nil {
				return ProofStatus{}, err
			}
			switch status.State {
			case ProofCompleted, ProofFailed, ProofCancelled:
				return status, nil
			}
		}
	}
}

func (p *Pipeline) settleLoop(ctx context.Context) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if paused, _ := p.IsPaused(); paused {
			select {
			case <-ctx.Done():
				return
			case <-time.After(500 * time.Millisecond):
			}
			continue
		}

		sb, ok := p.bm.NextToSettle()
		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-time.After(200 * time.Millisecond):
			}
			continue
		}

		if err := p.settleOne(ctx, sb); err != nil {
			p.log.WithError(err).WithField("batch_id", sb.BatchID).Warn("settlement attempt failed")
			p.settleRetriesMu.Lock()
			p.settleRetries[sb.BatchID]++
			retries := p.settleRetries[sb.BatchID]
			p.settleRetriesMu.Unlock()

			if retries > p.cfg.SettlementMaxRetries {
				p.Pause(fmt.Sprintf("batch %d exceeded %d settlement retries: %v", sb.BatchID, p.cfg.SettlementMaxRetries, err))
				continue
			}

			backoff := time.Duration(p.cfg.SettlementBackoffBaseMs) * time.Millisecond
			for i := 0; i < retries; i++ {
				backoff *= 2
			}
			const backoffCap = 60 * time.Second
			if backoff > backoffCap {
				backoff = backoffCap
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
		} else {
			p.settleRetriesMu.Lock()
			delete(p.settleRetries, sb.BatchID)
			p.settleRetriesMu.Unlock()
		}
	}
}

func (p *Pipeline) settleOne(ctx context.Context, sb *SealedBatch) error {
	inputs := BuildPublicInputs(sb)
	submitCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	receipt, err := p.settler.SubmitAuto(submitCtx, sb.BatchID, inputs, sb.ProofBytes, sb.Diff.Withdrawals)
	if err != nil {
		return err
	}
	return p.bm.Finalize(sb.BatchID, receipt.L1TxSig, p.settler)
}
