package core

// API is the public HTTP + WebSocket surface, built on chi for routing
// and gorilla/websocket for the push channel. Every request is logged
// with logrus.WithFields (method, path, status, duration).

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// InnerTx is the wire shape of the decrypted transaction payload carried
// inside a submit_tx envelope: exactly one of the variant fields is set,
// matching Kind.
type InnerTx struct {
	Kind     string      `json:"kind"`
	Transfer *TransferTx `json:"transfer,omitempty"`
	Withdraw *WithdrawTx `json:"withdraw,omitempty"`
	Deposit  *DepositTx  `json:"deposit,omitempty"`
	Shielded *ShieldedTx `json:"shielded,omitempty"`
}

func (it InnerTx) toTx(receivedAt int64) (Tx, error) {
	switch it.Kind {
	case string(TxTypeTransfer):
		if it.Transfer == nil {
			return Tx{}, errMissingPayload
		}
		return Tx{Kind: KindTransfer, Transfer: it.Transfer, ReceivedAt: receivedAt}, nil
	case string(TxTypeWithdraw):
		if it.Withdraw == nil {
			return Tx{}, errMissingPayload
		}
		return Tx{Kind: KindWithdraw, Withdraw: it.Withdraw, ReceivedAt: receivedAt}, nil
	case string(TxTypeDeposit):
		if it.Deposit == nil {
			return Tx{}, errMissingPayload
		}
		return Tx{Kind: KindDeposit, Deposit: it.Deposit, ReceivedAt: receivedAt}, nil
	case string(TxTypeShielded):
		if it.Shielded == nil {
			return Tx{}, errMissingPayload
		}
		return Tx{Kind: KindShielded, Shielded: it.Shielded, ReceivedAt: receivedAt}, nil
	default:
		return Tx{}, errUnknownKind
	}
}

var errMissingPayload = newAPIError("missing payload for declared transaction kind")
var errUnknownKind = newAPIError("unknown transaction kind")

type apiError struct{ msg string }

func (e *apiError) Error() string  { return e.msg }
func newAPIError(msg string) error { return &apiError{msg: msg} }

// Server bundles the HTTP/WS surface over a running pipeline.
type Server struct {
	store         *Storage
	accountTree   *AccountTree
	shielded      *ShieldedState
	bm            *BatchManager
	pipeline      *Pipeline
	recipientPriv [32]byte

	hub *wsHub
	log *logrus.Entry
}

func NewServer(store *Storage, accountTree *AccountTree, shielded *ShieldedState, bm *BatchManager, pipeline *Pipeline, recipientPriv [32]byte) *Server {
	s := &Server{
		store:         store,
		accountTree:   accountTree,
		shielded:      shielded,
		bm:            bm,
		pipeline:      pipeline,
		recipientPriv: recipientPriv,
		hub:           newWSHub(),
		log:           logrus.WithField("component", "api"),
	}
	bm.SetEventHooks(s.hub.broadcastBatch, s.hub.broadcastTx)
	return s
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.requestLogger)

	r.Post("/submit_tx", s.handleSubmitTx)
	r.Get("/accounts", s.handleListAccounts)
	r.Get("/accounts/{id}", s.handleGetAccount)
	r.Get("/transactions", s.handleListTransactions)
	r.Get("/transactions/{hash}", s.handleGetTransaction)
	r.Get("/transactions/{hash}/blob", s.handleGetTransactionBlob)
	r.Get("/batches", s.handleListBatches)
	r.Get("/batches/{id}", s.handleGetBatch)
	r.Get("/blocks", s.handleListBlocks)
	r.Get("/shielded/nullifiers", s.handleShieldedNullifiers)
	r.Get("/shielded/commitments", s.handleShieldedCommitments)
	r.Get("/shielded/notes", s.handleShieldedNotes)
	r.Get("/shielded/tree", s.handleShieldedTree)
	r.Get("/bridge/deposits", s.handleBridgeDeposits)
	r.Get("/bridge/withdrawals", s.handleBridgeWithdrawals)
	r.Get("/indexer", s.handleIndexer)
	r.Get("/stats", s.handleStats)
	r.Get("/health", s.handleHealth)
	r.Post("/admin/pause", s.handleAdminPause)
	r.Post("/admin/resume", s.handleAdminResume)
	r.Get("/ws", s.handleWS)

	return r
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.log.WithFields(logrus.Fields{
			"method":   r.Method,
			"path":     r.URL.Path,
			"status":   ww.Status(),
			"duration": time.Since(start).String(),
		}).Info("request")
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

const maxEnvelopeBytes = 64 * 1024

func (s *Server) handleSubmitTx(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxEnvelopeBytes)
	blob, err := io.ReadAll(r.Body)
	if err != nil {
		writeErr(w, http.StatusBadRequest, "envelope too large or unreadable")
		return
	}

	plaintext, _, err := DecryptEnvelope(s.recipientPriv, blob)
	if err != nil {
		writeErr(w, http.StatusBadRequest, "envelope decryption failed")
		return
	}

	var inner InnerTx
	if err := json.Unmarshal(plaintext, &inner); err != nil {
		writeErr(w, http.StatusBadRequest, "malformed inner transaction")
		return
	}
	tx, err := inner.toTx(time.Now().Unix())
	if err != nil {
		writeErr(w, http.StatusBadRequest, err.Error())
		return
	}

	result, err := s.pipeline.Admit(tx, blob)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, "admission failed")
		return
	}
	resp := map[string]interface{}{
		"tx_hash":  result.TxHash.Hex(),
		"accepted": result.Accepted,
	}
	if result.AlreadyPresent {
		resp["accepted"] = false
		resp["reason"] = "already_present"
	} else if !result.Accepted {
		resp["reason"] = result.Reason
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleGetAccount(w http.ResponseWriter, r *http.Request) {
	idHex := chi.URLParam(r, "id")
	id, err := parseHash32(idHex)
	if err != nil {
		writeErr(w, http.StatusBadRequest, "invalid account id")
		return
	}
	a, ok := s.accountTree.Get(id)
	if !ok {
		writeErr(w, http.StatusNotFound, "account not found")
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (s *Server) handleListAccounts(w http.ResponseWriter, r *http.Request) {
	accounts, err := s.store.ListAccounts()
	if err != nil {
		writeErr(w, http.StatusInternalServerError, "list accounts failed")
		return
	}
	offset, limit := pageParams(r, 100)
	writeJSON(w, http.StatusOK, paginate(accounts, offset, limit))
}

func (s *Server) handleGetTransaction(w http.ResponseWriter, r *http.Request) {
	hash, err := parseHash32(chi.URLParam(r, "hash"))
	if err != nil {
		writeErr(w, http.StatusBadRequest, "invalid tx hash")
		return
	}
	t, ok, err := s.store.GetTx(hash)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, "lookup failed")
		return
	}
	if !ok {
		writeErr(w, http.StatusNotFound, "transaction not found")
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleGetTransactionBlob(w http.ResponseWriter, r *http.Request) {
	hash, err := parseHash32(chi.URLParam(r, "hash"))
	if err != nil {
		writeErr(w, http.StatusBadRequest, "invalid tx hash")
		return
	}
	blob, ok, err := s.store.GetTxBlob(hash)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, "lookup failed")
		return
	}
	if !ok {
		writeErr(w, http.StatusNotFound, "blob not found")
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Write(blob)
}

func (s *Server) handleListTransactions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var filter TxFilter
	if raw := q.Get("batch_id"); raw != "" {
		id, err := parseBatchID(raw)
		if err != nil {
			writeErr(w, http.StatusBadRequest, "invalid batch_id")
			return
		}
		filter.BatchID = &id
	}
	filter.TxType = TxType(q.Get("tx_type"))
	filter.Status = TxStatus(q.Get("status"))

	offset, limit := pageParams(r, 100)
	txs, err := s.store.ListTxs(filter, offset, limit)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, "list transactions failed")
		return
	}
	writeJSON(w, http.StatusOK, txs)
}

func (s *Server) handleListBatches(w http.ResponseWriter, r *http.Request) {
	offset, limit := pageParams(r, 50)
	batches, err := s.store.ListBatches(offset, limit)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, "list batches failed")
		return
	}
	writeJSON(w, http.StatusOK, batches)
}

func (s *Server) handleGetBatch(w http.ResponseWriter, r *http.Request) {
	id, err := parseBatchID(chi.URLParam(r, "id"))
	if err != nil {
		writeErr(w, http.StatusBadRequest, "invalid batch id")
		return
	}
	bs, ok, err := s.store.GetBatch(id)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, "lookup failed")
		return
	}
	if !ok {
		writeErr(w, http.StatusNotFound, "batch not found")
		return
	}
	writeJSON(w, http.StatusOK, bs)
}

func (s *Server) handleListBlocks(w http.ResponseWriter, r *http.Request) {
	offset, limit := pageParams(r, 50)
	var out []BlockHeader
	for i := 0; i < limit; i++ {
		id := BatchId(offset + i + 1)
		h, ok, err := s.store.GetBlock(id)
		if err != nil {
			writeErr(w, http.StatusInternalServerError, "lookup failed")
			return
		}
		if !ok {
			break
		}
		out = append(out, h)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleShieldedNullifiers(w http.ResponseWriter, r *http.Request) {
	nullifiers, err := s.store.ListNullifiers()
	if err != nil {
		writeErr(w, http.StatusInternalServerError, "list nullifiers failed")
		return
	}
	offset, limit := pageParams(r, 100)
	page := paginate(nullifiers, offset, limit)
	out := make([]string, len(page))
	for i, n := range page {
		out[i] = n.Hex()
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleShieldedCommitments(w http.ResponseWriter, r *http.Request) {
	offset, limit := pageParams(r, 100)
	var out []Commitment
	for i := 0; i < limit; i++ {
		pos := uint32(offset + i)
		h, ok, err := s.store.GetCommitment(pos)
		if err != nil {
			writeErr(w, http.StatusInternalServerError, "lookup failed")
			return
		}
		if !ok {
			break
		}
		out = append(out, Commitment{Position: pos, Hash: h})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleShieldedNotes(w http.ResponseWriter, r *http.Request) {
	commitmentHex := r.URL.Query().Get("commitment")
	if commitmentHex == "" {
		writeErr(w, http.StatusBadRequest, "commitment query parameter required")
		return
	}
	c, err := parseHash32(commitmentHex)
	if err != nil {
		writeErr(w, http.StatusBadRequest, "invalid commitment")
		return
	}
	n, ok, err := s.store.GetEncryptedNote(c)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, "lookup failed")
		return
	}
	if !ok {
		writeErr(w, http.StatusNotFound, "note not found")
		return
	}
	writeJSON(w, http.StatusOK, n)
}

func (s *Server) handleShieldedTree(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.shielded.Stats())
}

func (s *Server) handleBridgeDeposits(w http.ResponseWriter, r *http.Request) {
	deposits, err := s.store.ListProcessedDeposits()
	if err != nil {
		writeErr(w, http.StatusInternalServerError, "list deposits failed")
		return
	}
	offset, limit := pageParams(r, 100)
	writeJSON(w, http.StatusOK, paginate(deposits, offset, limit))
}

func (s *Server) handleBridgeWithdrawals(w http.ResponseWriter, r *http.Request) {
	ws, err := s.store.ListWithdrawals()
	if err != nil {
		writeErr(w, http.StatusInternalServerError, "list withdrawals failed")
		return
	}
	writeJSON(w, http.StatusOK, ws)
}

func (s *Server) handleIndexer(w http.ResponseWriter, r *http.Request) {
	cp, _, err := s.store.GetIndexerCheckpoint()
	if err != nil {
		writeErr(w, http.StatusInternalServerError, "lookup failed")
		return
	}
	writeJSON(w, http.StatusOK, cp)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	root, err := s.accountTree.Root()
	if err != nil {
		writeErr(w, http.StatusInternalServerError, "root computation failed")
		return
	}
	paused, reason := s.pipeline.IsPaused()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"state_root":   root.Hex(),
		"shielded":     s.shielded.Stats(),
		"paused":       paused,
		"pause_reason": reason,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	paused, reason := s.pipeline.IsPaused()
	cp, _, err := s.store.GetIndexerCheckpoint()
	if err != nil {
		writeErr(w, http.StatusInternalServerError, "health lookup failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "ok",
		"pipeline": map[string]interface{}{
			"paused":       paused,
			"pause_reason": reason,
		},
		"indexer": map[string]interface{}{
			"last_processed_slot": cp.LastProcessedSlot,
		},
	})
}

func (s *Server) handleAdminPause(w http.ResponseWriter, r *http.Request) {
	s.pipeline.Pause("operator requested pause")
	writeJSON(w, http.StatusOK, map[string]string{"status": "paused"})
}

func (s *Server) handleAdminResume(w http.ResponseWriter, r *http.Request) {
	s.pipeline.Resume()
	writeJSON(w, http.StatusOK, map[string]string{"status": "resumed"})
}

func pageParams(r *http.Request, defaultLimit int) (offset, limit int) {
	offset = atoiOr(r.URL.Query().Get("offset"), 0)
	limit = atoiOr(r.URL.Query().Get("limit"), defaultLimit)
	if limit <= 0 || limit > 1000 {
		limit = defaultLimit
	}
	if offset < 0 {
		offset = 0
	}
	return offset, limit
}

func atoiOr(s string, def int) int {
	if s == "" {
		return def
	}
	n := 0
	for _, c := range s {
		if c < '0' || c > '9' {
			return def
		}
		n = n*10 + int(c-'0')
	}
	return n
}

func paginate[T any](items []T, offset, limit int) []T {
	if offset >= len(items) {
		return []T{}
	}
	end := offset + limit
	if end > len(items) {
		end = len(items)
	}
	return items[offset:end]
}

func parseHash32(s string) (Hash32, error) {
	var h Hash32
	if len(s) != 64 {
		return h, errInvalidHex
	}
	for i := 0; i < 32; i++ {
		hi, ok1 := hexNibble(s[i*2])
		lo, ok2 := hexNibble(s[i*2+1])
		if !ok1 || !ok2 {
			return h, errInvalidHex
		}
		h[i] = hi<<4 | lo
	}
	return h, nil
}

var errInvalidHex = newAPIError("invalid hex string")

func hexNibble(c byte) (byte, bool) {
	switch {
	case c >= '0' && c <= '9':
		return c - '0', true
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10, true
	case c >= 'A' && c <= 'F':
		return c - 'A' + 10, true
	default:
		return 0, false
	}
}

func parseBatchID(s string) (BatchId, error) {
	n := atoiOr(s, -1)
	if n < 0 {
		return 0, errInvalidHex
	}
	return BatchId(n), nil
}

// --- WebSocket push channel ---

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// wsClient serializes writes to one connection: the hub's broadcasts and
// the per-connection ping/stats ticker would otherwise write concurrently,
// which gorilla/websocket forbids.
type wsClient struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *wsClient) writeJSON(v interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return c.conn.WriteJSON(v)
}

func (c *wsClient) ping() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return c.conn.WriteMessage(websocket.PingMessage, nil)
}

type wsHub struct {
	mu    sync.Mutex
	conns map[*wsClient]struct{}
}

func newWSHub() *wsHub {
	return &wsHub{conns: make(map[*wsClient]struct{})}
}

func (h *wsHub) add(c *wsClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.conns[c] = struct{}{}
}

func (h *wsHub) remove(c *wsClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.conns, c)
}

func (h *wsHub) broadcast(v interface{}) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.conns {
		if err := c.writeJSON(v); err != nil {
			c.conn.Close()
			delete(h.conns, c)
		}
	}
}

func (h *wsHub) broadcastBatch(ev BatchEvent) {
	h.broadcast(map[string]interface{}{"channel": "batch", "action": ev.Action, "batch": ev.Summary})
}

func (h *wsHub) broadcastTx(ev TxEvent) {
	h.broadcast(map[string]interface{}{"channel": "transaction", "action": ev.Action, "transaction": ev.Summary})
}

// statsPayload is the body of the WS "stats" channel, pushed on connect and
// periodically afterwards.
func (s *Server) statsPayload() map[string]interface{} {
	root, err := s.accountTree.Root()
	if err != nil {
		return map[string]interface{}{"channel": "stats", "error": "root computation failed"}
	}
	paused, reason := s.pipeline.IsPaused()
	return map[string]interface{}{
		"channel":      "stats",
		"state_root":   root.Hex(),
		"shielded":     s.shielded.Stats(),
		"paused":       paused,
		"pause_reason": reason,
	}
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	client := &wsClient{conn: conn}
	s.hub.add(client)
	defer func() {
		s.hub.remove(client)
		conn.Close()
	}()

	conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	if err := client.writeJSON(s.statsPayload()); err != nil {
		return
	}

	pingTicker := time.NewTicker(30 * time.Second)
	defer pingTicker.Stop()
	statsTicker := time.NewTicker(10 * time.Second)
	defer statsTicker.Stop()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-pingTicker.C:
				if err := client.ping(); err != nil {
					cancel()
					return
				}
			case <-statsTicker.C:
				if err := client.writeJSON(s.statsPayload()); err != nil {
					cancel()
					return
				}
			}
		}
	}()

	// Clients auto-subscribe to every channel on connect; incoming messages
	// are drained (and ignored, beyond keeping the read loop alive for
	// pong handling) since there's no per-channel opt-out surface yet.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
