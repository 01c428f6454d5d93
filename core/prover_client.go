package core

// ProverClient abstracts the external proof-generation service. The HTTP
// implementation is a thin JSON client; MockProverClient is a deterministic
// in-memory test double. Submitting a job and checking its status are
// deliberately separate calls so proof generation stays off the critical
// path.

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ProverPublicInputs is the total function over a sealed batch's tag that
// becomes the proof's public input vector.
type ProverPublicInputs struct {
	BatchID          BatchId `json:"batch_id"`
	PreStateRoot     Hash32  `json:"pre_state_root"`
	PostStateRoot    Hash32  `json:"post_state_root"`
	PreShieldedRoot  Hash32  `json:"pre_shielded_root"`
	PostShieldedRoot Hash32  `json:"post_shielded_root"`
	WithdrawalRoot   Hash32  `json:"withdrawal_root"`
	BatchHash        Hash32  `json:"batch_hash"`
}

// ProverWitness carries the pre-batch Merkle paths for every account the
// batch touched, captured before the diff was committed.
type ProverWitness struct {
	AccountPaths map[string]MerklePath `json:"account_paths"`
}

// BuildPublicInputs derives the public-input tuple for a sealed batch.
func BuildPublicInputs(sb *SealedBatch) ProverPublicInputs {
	batchHash := poseidonSum(domainTagNode,
		sb.PreSnapshot.root[:], sb.PostStateRoot[:], sb.WithdrawalRoot[:])
	return ProverPublicInputs{
		BatchID:          sb.BatchID,
		PreStateRoot:     sb.PreSnapshot.root,
		PostStateRoot:    sb.PostStateRoot,
		PreShieldedRoot:  sb.PreShielded.Root(),
		PostShieldedRoot: sb.PostShieldedRoot,
		WithdrawalRoot:   sb.WithdrawalRoot,
		BatchHash:        batchHash,
	}
}

// BuildWitness constructs account-tree inclusion proofs for every account
// touched by sb's diff, against the pre-batch snapshot.
func BuildWitness(tree *AccountTree, sb *SealedBatch) (ProverWitness, error) {
	w := ProverWitness{AccountPaths: make(map[string]MerklePath, len(sb.Diff.Accounts))}
	for id := range sb.Diff.Accounts {
		path, err := tree.Prove(id, sb.PreSnapshot)
		if err != nil {
			// Newly credited in this batch: no pre-batch membership proof
			// exists yet, so the circuit treats it as an empty-leaf insert.
			continue
		}
		w.AccountPaths[id.Hex()] = path
	}
	return w, nil
}

type ProofState string

const (
	ProofPending   ProofState = "pending"
	ProofPreparing ProofState = "preparing"
	ProofProving   ProofState = "proving"
	ProofCompleted ProofState = "completed"
	ProofFailed    ProofState = "failed"
	ProofCancelled ProofState = "cancelled"
)

// ProofStatus is the result of polling a prover job.
type ProofStatus struct {
	State              ProofState `json:"state"`
	ProofBytes         []byte     `json:"proof_bytes,omitempty"`
	PublicWitnessBytes []byte     `json:"public_witness_bytes,omitempty"`
	Reason             string     `json:"reason,omitempty"`
}

// ProverClient is the interface the pipeline's prove activity depends on.
type ProverClient interface {
	SubmitJob(ctx context.Context, inputs ProverPublicInputs, witness ProverWitness) (string, error)
	Poll(ctx context.Context, jobID string) (ProofStatus, error)
	Cancel(ctx context.Context, jobID string) error
}

// HTTPProverClient talks to an external prover service over JSON/HTTP.
type HTTPProverClient struct {
	BaseURL string
	Client  *http.Client
}

func NewHTTPProverClient(baseURL string) *HTTPProverClient {
	return &HTTPProverClient{BaseURL: baseURL, Client: &http.Client{Timeout: 30 * time.Second}}
}

type submitJobRequest struct {
	PublicInputs ProverPublicInputs `json:"public_inputs"`
	Witness      ProverWitness      `json:"witness"`
}

type submitJobResponse struct {
	JobID string `json:"job_id"`
}

func (c *HTTPProverClient) SubmitJob(ctx context.Context, inputs ProverPublicInputs, witness ProverWitness) (string, error) {
	body, err := json.Marshal(submitJobRequest{PublicInputs: inputs, Witness: witness})
	if err != nil {
		return "", fmt.Errorf("%w: encode submit_job: %v", ErrProver, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/jobs", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("%w: build submit_job request: %v", ErrProver, err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.Client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: submit_job: %v", ErrProver, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		return "", fmt.Errorf("%w: submit_job returned status %d", ErrProver, resp.StatusCode)
	}
	var out submitJobResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("%w: decode submit_job response: %v", ErrProver, err)
	}
	return out.JobID, nil
}

func (c *HTTPProverClient) Poll(ctx context.Context, jobID string) (ProofStatus, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/jobs/"+jobID, nil)
	if err != nil {
		return ProofStatus{}, fmt.Errorf("%w: build poll request: %v", ErrProver, err)
	}
	resp, err := c.Client.Do(req)
	if err != nil {
		return ProofStatus{}, fmt.Errorf("%w: poll: %v", ErrProver, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return ProofStatus{}, fmt.Errorf("%w: poll returned status %d", ErrProver, resp.StatusCode)
	}
	var out ProofStatus
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return ProofStatus{}, fmt.Errorf("%w: decode poll response: %v", ErrProver, err)
	}
	return out, nil
}

func (c *HTTPProverClient) Cancel(ctx context.Context, jobID string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/jobs/"+jobID+"/cancel", nil)
	if err != nil {
		return fmt.Errorf("%w: build cancel request: %v", ErrProver, err)
	}
	resp, err := c.Client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: cancel: %v", ErrProver, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("%w: cancel returned status %d", ErrProver, resp.StatusCode)
	}
	return nil
}

// MockProverClient completes every job instantly with a deterministic
// placeholder proof, for tests and dev_mode runs without a real prover.
type MockProverClient struct {
	mu   sync.Mutex
	jobs map[string]ProofStatus

	// FailNext, when > 0, makes the next N SubmitJob calls report a failed
	// status on Poll instead of completed, for exercising retry paths.
	FailNext int
}

func NewMockProverClient() *MockProverClient {
	return &MockProverClient{jobs: make(map[string]ProofStatus)}
}

func (m *MockProverClient) SubmitJob(_ context.Context, inputs ProverPublicInputs, _ ProverWitness) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := uuid.NewString()
	if m.FailNext > 0 {
		m.FailNext--
		m.jobs[id] = ProofStatus{State: ProofFailed, Reason: "mock induced failure"}
		return id, nil
	}
	proof := poseidonSum(domainTagNode, inputs.BatchHash[:])
	m.jobs[id] = ProofStatus{State: ProofCompleted, ProofBytes: proof[:], PublicWitnessBytes: inputs.BatchHash[:]}
	return id, nil
}

func (m *MockProverClient) Poll(_ context.Context, jobID string) (ProofStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.jobs[jobID]
	if !ok {
		return ProofStatus{}, fmt.Errorf("%w: unknown job %s", ErrProver, jobID)
	}
	return s, nil
}

func (m *MockProverClient) Cancel(_ context.Context, jobID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.jobs, jobID)
	return nil
}
