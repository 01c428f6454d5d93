package core

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func newTestServer(t *testing.T, cfg Config) (*Server, *BatchManager, *AccountTree, *Storage, [32]byte) {
	t.Helper()
	bm, tree, shielded, store := newTestBatchManager(t, cfg)
	priv, pub := genX25519Keypair(t)
	pipeline := NewPipeline(store, tree, shielded, bm, cfg, NewMockProverClient(), NewMockSettlementClient())
	srv := NewServer(store, tree, shielded, bm, pipeline, priv)
	return srv, bm, tree, store, pub
}

func encodedDepositEnvelope(t *testing.T, pub [32]byte, to AccountId, amount Lamports, l1Seq uint64) []byte {
	t.Helper()
	inner := InnerTx{Kind: string(TxTypeDeposit), Deposit: &DepositTx{To: to, Amount: amount, L1Seq: l1Seq}}
	plaintext, err := json.Marshal(inner)
	if err != nil {
		t.Fatalf("marshal inner tx: %v", err)
	}
	envelope, err := EncryptEnvelope(pub, plaintext, [32]byte{}, 0)
	if err != nil {
		t.Fatalf("encrypt envelope: %v", err)
	}
	return envelope
}

func doRequest(t *testing.T, srv *Server, method, path string, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	return rec
}

func TestAPISubmitTxAcceptsValidDepositEnvelope(t *testing.T) {
	srv, _, _, _, pub := newTestServer(t, testConfig())
	to, _ := newTestSigner(t)
	envelope := encodedDepositEnvelope(t, pub, to, 1000, 1)

	rec := doRequest(t, srv, http.MethodPost, "/submit_tx", envelope)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d; want 200, body=%s", rec.Code, rec.Body.String())
	}
	var resp map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if accepted, _ := resp["accepted"].(bool); !accepted {
		t.Fatalf("expected accepted=true, got %+v", resp)
	}
}

func TestAPISubmitTxIdempotentOnDuplicateEnvelope(t *testing.T) {
	srv, _, _, _, pub := newTestServer(t, testConfig())
	to, _ := newTestSigner(t)
	envelope := encodedDepositEnvelope(t, pub, to, 1000, 1)

	first := doRequest(t, srv, http.MethodPost, "/submit_tx", envelope)
	if first.Code != http.StatusOK {
		t.Fatalf("first submit status = %d", first.Code)
	}
	second := doRequest(t, srv, http.MethodPost, "/submit_tx", envelope)
	if second.Code != http.StatusOK {
		t.Fatalf("second submit status = %d", second.Code)
	}
	var resp map[string]interface{}
	if err := json.Unmarshal(second.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if accepted, _ := resp["accepted"].(bool); accepted {
		t.Fatalf("expected a replayed envelope to be rejected as already_present, got %+v", resp)
	}
	if resp["reason"] != "already_present" {
		t.Fatalf("reason = %v; want already_present", resp["reason"])
	}
}

func TestAPISubmitTxRejectsUndecryptableEnvelope(t *testing.T) {
	srv, _, _, _, _ := newTestServer(t, testConfig())
	rec := doRequest(t, srv, http.MethodPost, "/submit_tx", []byte("not an envelope"))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d; want 400", rec.Code)
	}
}

func TestAPIGetAccountFoundAndNotFound(t *testing.T) {
	cfg := testConfig()
	cfg.MaxTransactions = 1
	srv, bm, tree, _, _ := newTestServer(t, cfg)

	to, _ := newTestSigner(t)
	if _, err := bm.Admit(Tx{Kind: KindDeposit, Deposit: &DepositTx{To: to, Amount: 750, L1Seq: 1}}, []byte("blob")); err != nil {
		t.Fatalf("admit: %v", err)
	}
	driveToSettled(t, bm, tree, NewMockSettlementClient())

	rec := doRequest(t, srv, http.MethodGet, "/accounts/"+to.Hex(), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d; want 200, body=%s", rec.Code, rec.Body.String())
	}
	var got Account
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Balance != 750 {
		t.Fatalf("balance = %d; want 750", got.Balance)
	}

	var unknown AccountId
	unknown[0] = 0xff
	rec2 := doRequest(t, srv, http.MethodGet, "/accounts/"+unknown.Hex(), nil)
	if rec2.Code != http.StatusNotFound {
		t.Fatalf("status = %d; want 404 for an unknown account", rec2.Code)
	}
}

func TestAPIListBatchesPagination(t *testing.T) {
	srv, _, _, store, _ := newTestServer(t, testConfig())
	for i := BatchId(1); i <= 3; i++ {
		if err := store.PutBatch(BatchSummary{BatchID: i, Status: BatchSettled}); err != nil {
			t.Fatalf("seed batch %d: %v", i, err)
		}
	}
	rec := doRequest(t, srv, http.MethodGet, "/batches?offset=0&limit=2", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var got []BatchSummary
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(got) != 2 || got[0].BatchID != 3 || got[1].BatchID != 2 {
		t.Fatalf("got %+v; want batches [3, 2]", got)
	}
}

func TestAPIAdminPauseAndResumeReflectedInStats(t *testing.T) {
	srv, _, _, _, _ := newTestServer(t, testConfig())

	statsBefore := doRequest(t, srv, http.MethodGet, "/stats", nil)
	var before map[string]interface{}
	if err := json.Unmarshal(statsBefore.Body.Bytes(), &before); err != nil {
		t.Fatalf("decode stats: %v", err)
	}
	if before["paused"] != false {
		t.Fatalf("expected a fresh server to report paused=false, got %+v", before)
	}

	if rec := doRequest(t, srv, http.MethodPost, "/admin/pause", nil); rec.Code != http.StatusOK {
		t.Fatalf("pause status = %d", rec.Code)
	}
	statsAfter := doRequest(t, srv, http.MethodGet, "/stats", nil)
	var after map[string]interface{}
	if err := json.Unmarshal(statsAfter.Body.Bytes(), &after); err != nil {
		t.Fatalf("decode stats: %v", err)
	}
	if after["paused"] != true {
		t.Fatalf("expected paused=true after admin pause, got %+v", after)
	}

	if rec := doRequest(t, srv, http.MethodPost, "/admin/resume", nil); rec.Code != http.StatusOK {
		t.Fatalf("resume status = %d", rec.Code)
	}
	statsResumed := doRequest(t, srv, http.MethodGet, "/stats", nil)
	var resumed map[string]interface{}
	if err := json.Unmarshal(statsResumed.Body.Bytes(), &resumed); err != nil {
		t.Fatalf("decode stats: %v", err)
	}
	if resumed["paused"] != false {
		t.Fatalf("expected paused=false after admin resume, got %+v", resumed)
	}
}

func TestAPIListTransactionsFiltersByStatus(t *testing.T) {
	cfg := testConfig()
	cfg.MaxTransactions = 100
	srv, bm, _, _, _ := newTestServer(t, cfg)

	to, _ := newTestSigner(t)
	if _, err := bm.Admit(Tx{Kind: KindDeposit, Deposit: &DepositTx{To: to, Amount: 100, L1Seq: 1}}, []byte("dep-1")); err != nil {
		t.Fatalf("admit deposit: %v", err)
	}
	// A transfer from an unfunded signer fails validation and lands in the
	// index as failed.
	from, fromPriv := newTestSigner(t)
	bad := signedTransfer(from, fromPriv, to, 50, 0, testChainID)
	if _, err := bm.Admit(Tx{Kind: KindTransfer, Transfer: bad}, []byte("bad-transfer")); err != nil {
		t.Fatalf("admit transfer: %v", err)
	}

	rec := doRequest(t, srv, http.MethodGet, "/transactions?status=failed", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d; want 200", rec.Code)
	}
	var failed []TxSummary
	if err := json.Unmarshal(rec.Body.Bytes(), &failed); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(failed) != 1 || failed[0].Status != TxFailed {
		t.Fatalf("failed filter returned %+v; want exactly the failed transfer", failed)
	}

	rec2 := doRequest(t, srv, http.MethodGet, "/transactions?tx_type=deposit", nil)
	var deposits []TxSummary
	if err := json.Unmarshal(rec2.Body.Bytes(), &deposits); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(deposits) != 1 || deposits[0].TxType != TxTypeDeposit {
		t.Fatalf("tx_type filter returned %+v; want exactly the deposit", deposits)
	}
}

func TestAPIBridgeDepositsListsProcessed(t *testing.T) {
	srv, _, _, store, _ := newTestServer(t, testConfig())
	if err := store.PutProcessedDeposit(ProcessedDeposit{L1Seq: 7, Slot: 100}); err != nil {
		t.Fatalf("seed deposit: %v", err)
	}
	rec := doRequest(t, srv, http.MethodGet, "/bridge/deposits", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d; want 200", rec.Code)
	}
	var got []ProcessedDeposit
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(got) != 1 || got[0].L1Seq != 7 || got[0].Slot != 100 {
		t.Fatalf("got %+v; want the seeded deposit", got)
	}
}

func TestAPIHealthCheck(t *testing.T) {
	srv, _, _, _, _ := newTestServer(t, testConfig())
	rec := doRequest(t, srv, http.MethodGet, "/health", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d; want 200", rec.Code)
	}
}
