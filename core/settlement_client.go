package core

// SettlementClient abstracts the external L1 settlement service: the two
// calls the pipeline's settle activity needs are submitting a proved
// batch and executing its queued withdrawals.

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

// Receipt is an L1 transaction acknowledgement.
type Receipt struct {
	L1TxSig string `json:"l1_tx_sig"`
}

// SettlementClient is the interface the pipeline's settle activity and
// BatchManager.Finalize depend on.
type SettlementClient interface {
	SubmitAuto(ctx context.Context, batchID BatchId, inputs ProverPublicInputs, proof []byte, withdrawals []Withdrawal) (Receipt, error)
	ExecuteWithdrawals(batchID BatchId, withdrawals []Withdrawal) ([]Receipt, error)
}

// HTTPSettlementClient talks to an external settlement/bridge service over
// JSON/HTTP.
type HTTPSettlementClient struct {
	BaseURL string
	Client  *http.Client
}

func NewHTTPSettlementClient(baseURL string) *HTTPSettlementClient {
	return &HTTPSettlementClient{BaseURL: baseURL, Client: &http.Client{Timeout: 30 * time.Second}}
}

type submitAutoRequest struct {
	BatchID      BatchId            `json:"batch_id"`
	PublicInputs ProverPublicInputs `json:"public_inputs"`
	ProofBytes   []byte             `json:"proof_bytes"`
	Withdrawals  []Withdrawal       `json:"withdrawal_requests"`
}

func (c *HTTPSettlementClient) SubmitAuto(ctx context.Context, batchID BatchId, inputs ProverPublicInputs, proof []byte, withdrawals []Withdrawal) (Receipt, error) {
	body, err := json.Marshal(submitAutoRequest{BatchID: batchID, PublicInputs: inputs, ProofBytes: proof, Withdrawals: withdrawals})
	if err != nil {
		return Receipt{}, fmt.Errorf("%w: encode submit_auto: %v", ErrSettlement, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/batches/submit", bytes.NewReader(body))
	if err != nil {
		return Receipt{}, fmt.Errorf("%w: build submit_auto request: %v", ErrSettlement, err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.Client.Do(req)
	if err != nil {
		return Receipt{}, fmt.Errorf("%w: submit_auto: %v", ErrSettlement, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Receipt{}, fmt.Errorf("%w: submit_auto returned status %d", ErrSettlement, resp.StatusCode)
	}
	var out Receipt
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Receipt{}, fmt.Errorf("%w: decode submit_auto response: %v", ErrSettlement, err)
	}
	return out, nil
}

type executeWithdrawalsRequest struct {
	BatchID     BatchId      `json:"batch_id"`
	Withdrawals []Withdrawal `json:"withdrawals"`
}

func (c *HTTPSettlementClient) ExecuteWithdrawals(batchID BatchId, withdrawals []Withdrawal) ([]Receipt, error) {
	body, err := json.Marshal(executeWithdrawalsRequest{BatchID: batchID, Withdrawals: withdrawals})
	if err != nil {
		return nil, fmt.Errorf("%w: encode execute_withdrawals: %v", ErrSettlement, err)
	}
	req, err := http.NewRequest(http.MethodPost, c.BaseURL+"/withdrawals/execute", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: build execute_withdrawals request: %v", ErrSettlement, err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: execute_withdrawals: %v", ErrSettlement, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: execute_withdrawals returned status %d", ErrSettlement, resp.StatusCode)
	}
	var out []Receipt
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("%w: decode execute_withdrawals response: %v", ErrSettlement, err)
	}
	return out, nil
}

// MockSettlementClient accepts every batch and withdrawal instantly, for
// tests and dev_mode.
type MockSettlementClient struct {
	mu sync.Mutex

	// RejectNext, when > 0, makes the next N SubmitAuto calls fail, for
	// exercising the pipeline's exponential-backoff retry path.
	RejectNext int
}

func NewMockSettlementClient() *MockSettlementClient { return &MockSettlementClient{} }

func (m *MockSettlementClient) SubmitAuto(_ context.Context, batchID BatchId, _ ProverPublicInputs, _ []byte, _ []Withdrawal) (Receipt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.RejectNext > 0 {
		m.RejectNext--
		return Receipt{}, fmt.Errorf("%w: mock rejected batch %d", ErrSettlement, batchID)
	}
	return Receipt{L1TxSig: "mock-" + uuid.NewString()}, nil
}

func (m *MockSettlementClient) ExecuteWithdrawals(_ BatchId, withdrawals []Withdrawal) ([]Receipt, error) {
	out := make([]Receipt, len(withdrawals))
	for i := range withdrawals {
		out[i] = Receipt{L1TxSig: "mock-withdraw-" + uuid.NewString()}
	}
	return out, nil
}
