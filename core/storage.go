package core

// Storage is a column-family-style facade over a single bbolt database
// file. Each "column family" is a bbolt bucket, created once at Open, and
// every accessor is typed to the record it stores.

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sort"

	"go.etcd.io/bbolt"
)

var cfNames = []string{
	"accounts",
	"tree_meta",
	"blocks",
	"batches",
	"sealed_batches",
	"tx_index",
	"tx_blobs",
	"nullifiers",
	"commitments",
	"encrypted_notes",
	"withdrawals",
	"processed_deposits",
	"indexer_meta",
}

// Storage wraps a bbolt database and exposes typed, column-family-scoped
// accessors to the rest of core.
type Storage struct {
	db *bbolt.DB
}

// OpenStorage opens (creating if absent) the bbolt file at path and ensures
// every column family bucket exists.
func OpenStorage(path string) (*Storage, error) {
	db, err := bbolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: open storage %s: %v", ErrState, path, err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range cfNames {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: init buckets: %v", ErrState, err)
	}
	return &Storage{db: db}, nil
}

func (s *Storage) Close() error { return s.db.Close() }

func be64(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}

func be32(v uint32) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, v)
	return b
}

func (s *Storage) getJSON(cf string, key []byte, out interface{}) (bool, error) {
	var found bool
	err := s.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket([]byte(cf)).Get(key)
		if v == nil {
			return nil
		}
		found = true
		return json.Unmarshal(v, out)
	})
	if err != nil {
		return false, fmt.Errorf("%w: read %s: %v", ErrState, cf, err)
	}
	return found, nil
}

func (s *Storage) putJSON(cf string, key []byte, val interface{}) error {
	b, err := json.Marshal(val)
	if err != nil {
		return fmt.Errorf("%w: encode %s: %v", ErrState, cf, err)
	}
	err = s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(cf)).Put(key, b)
	})
	if err != nil {
		return fmt.Errorf("%w: write %s: %v", ErrState, cf, err)
	}
	return nil
}

func (s *Storage) getBytes(cf string, key []byte) ([]byte, bool, error) {
	var out []byte
	err := s.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket([]byte(cf)).Get(key)
		if v == nil {
			return nil
		}
		out = append([]byte(nil), v...)
		return nil
	})
	if err != nil {
		return nil, false, fmt.Errorf("%w: read %s: %v", ErrState, cf, err)
	}
	return out, out != nil, nil
}

func (s *Storage) putBytes(cf string, key, val []byte) error {
	err := s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(cf)).Put(key, val)
	})
	if err != nil {
		return fmt.Errorf("%w: write %s: %v", ErrState, cf, err)
	}
	return nil
}

func (s *Storage) has(cf string, key []byte) (bool, error) {
	var found bool
	err := s.db.View(func(tx *bbolt.Tx) error {
		found = tx.Bucket([]byte(cf)).Get(key) != nil
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("%w: read %s: %v", ErrState, cf, err)
	}
	return found, nil
}

// --- accounts ---

func (s *Storage) GetAccount(id AccountId) (Account, bool, error) {
	var a Account
	ok, err := s.getJSON("accounts", id[:], &a)
	return a, ok, err
}

func (s *Storage) PutAccount(a Account) error {
	return s.putJSON("accounts", a.ID[:], a)
}

func (s *Storage) ListAccounts() ([]Account, error) {
	var out []Account
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte("accounts")).ForEach(func(k, v []byte) error {
			var a Account
			if err := json.Unmarshal(v, &a); err != nil {
				return err
			}
			out = append(out, a)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("%w: list accounts: %v", ErrState, err)
	}
	return out, nil
}

// --- tree_meta: persists account-tree node hashes and the account -> leaf
// index assignment so the tree can be rebuilt in memory on startup. ---

func treeNodeKey(level int, index uint64) []byte {
	k := make([]byte, 5+8)
	k[0] = 'n'
	k[1] = byte(level)
	binary.BigEndian.PutUint64(k[2:10], index)
	return k[:10]
}

func treeIndexKey(id AccountId) []byte {
	k := make([]byte, 1+32)
	k[0] = 'p'
	copy(k[1:], id[:])
	return k
}

func (s *Storage) GetTreeNode(level int, index uint64) (Hash32, bool, error) {
	b, ok, err := s.getBytes("tree_meta", treeNodeKey(level, index))
	if err != nil || !ok {
		return Hash32{}, ok, err
	}
	var h Hash32
	copy(h[:], b)
	return h, true, nil
}

func (s *Storage) PutTreeNode(level int, index uint64, h Hash32) error {
	return s.putBytes("tree_meta", treeNodeKey(level, index), h[:])
}

func (s *Storage) GetAccountPosition(id AccountId) (uint64, bool, error) {
	b, ok, err := s.getBytes("tree_meta", treeIndexKey(id))
	if err != nil || !ok {
		return 0, ok, err
	}
	return binary.BigEndian.Uint64(b), true, nil
}

func (s *Storage) PutAccountPosition(id AccountId, pos uint64) error {
	return s.putBytes("tree_meta", treeIndexKey(id), be64(pos))
}

func shieldedFrontierKey(level int) []byte {
	return []byte(fmt.Sprintf("sf:%d", level))
}

func (s *Storage) GetShieldedFrontier(level int) (Hash32, bool, error) {
	b, ok, err := s.getBytes("tree_meta", shieldedFrontierKey(level))
	if err != nil || !ok {
		return Hash32{}, ok, err
	}
	var h Hash32
	copy(h[:], b)
	return h, true, nil
}

func (s *Storage) PutShieldedFrontier(level int, h Hash32) error {
	return s.putBytes("tree_meta", shieldedFrontierKey(level), h[:])
}

func (s *Storage) GetShieldedNextPosition() (uint32, error) {
	b, ok, err := s.getBytes("tree_meta", []byte("shielded_next_position"))
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, nil
	}
	return binary.BigEndian.Uint32(b), nil
}

func (s *Storage) PutShieldedNextPosition(n uint32) error {
	return s.putBytes("tree_meta", []byte("shielded_next_position"), be32(n))
}

func (s *Storage) GetTreeNextIndex() (uint64, error) {
	b, ok, err := s.getBytes("tree_meta", []byte("next_index"))
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, nil
	}
	return binary.BigEndian.Uint64(b), nil
}

func (s *Storage) PutTreeNextIndex(n uint64) error {
	return s.putBytes("tree_meta", []byte("next_index"), be64(n))
}

// --- blocks / batches ---

func (s *Storage) GetBlock(id BatchId) (BlockHeader, bool, error) {
	b, ok, err := s.getBytes("blocks", be64(uint64(id)))
	if err != nil || !ok {
		return BlockHeader{}, ok, err
	}
	h, derr := DecodeBlockHeader(b)
	return h, true, derr
}

func (s *Storage) PutBlock(h BlockHeader) error {
	return s.putBytes("blocks", be64(uint64(h.BatchID)), h.Encode())
}

func (s *Storage) GetBatch(id BatchId) (BatchSummary, bool, error) {
	var bs BatchSummary
	ok, err := s.getJSON("batches", be64(uint64(id)), &bs)
	return bs, ok, err
}

func (s *Storage) PutBatch(bs BatchSummary) error {
	return s.putJSON("batches", be64(uint64(bs.BatchID)), bs)
}

// ListBatches returns up to limit summaries in descending BatchID order,
// skipping offset.
func (s *Storage) ListBatches(offset, limit int) ([]BatchSummary, error) {
	var out []BatchSummary
	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket([]byte("batches")).Cursor()
		skipped, taken := 0, 0
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			if skipped < offset {
				skipped++
				continue
			}
			if taken >= limit {
				break
			}
			var bs BatchSummary
			if err := json.Unmarshal(v, &bs); err != nil {
				return err
			}
			out = append(out, bs)
			taken++
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: list batches: %v", ErrState, err)
	}
	return out, nil
}

// --- sealed_batches: durable record of a batch that has left
// "accumulating" but has not yet finalized, so a crash mid-prove or
// mid-settle resumes the prove/settle queues instead of losing the batch
// in memory. Deleted once Finalize succeeds. ---

func (s *Storage) PutSealedBatch(sb PersistedSealedBatch) error {
	return s.putJSON("sealed_batches", be64(uint64(sb.BatchID)), sb)
}

func (s *Storage) GetSealedBatch(id BatchId) (PersistedSealedBatch, bool, error) {
	var sb PersistedSealedBatch
	ok, err := s.getJSON("sealed_batches", be64(uint64(id)), &sb)
	return sb, ok, err
}

func (s *Storage) DeleteSealedBatch(id BatchId) error {
	err := s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte("sealed_batches")).Delete(be64(uint64(id)))
	})
	if err != nil {
		return fmt.Errorf("%w: delete sealed batch %d: %v", ErrState, id, err)
	}
	return nil
}

// ListSealedBatches returns every pending sealed batch in BatchID order, for
// BatchManager to rebuild its prove/settle queues on startup.
func (s *Storage) ListSealedBatches() ([]PersistedSealedBatch, error) {
	var out []PersistedSealedBatch
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte("sealed_batches")).ForEach(func(k, v []byte) error {
			var sb PersistedSealedBatch
			if err := json.Unmarshal(v, &sb); err != nil {
				return err
			}
			out = append(out, sb)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("%w: list sealed batches: %v", ErrState, err)
	}
	return out, nil
}

// --- tx_index / tx_blobs ---

func (s *Storage) GetTx(hash TxHash) (TxSummary, bool, error) {
	var t TxSummary
	ok, err := s.getJSON("tx_index", hash[:], &t)
	return t, ok, err
}

func (s *Storage) PutTx(t TxSummary) error {
	return s.putJSON("tx_index", t.TxHash[:], t)
}

func (s *Storage) GetTxBlob(hash TxHash) ([]byte, bool, error) {
	return s.getBytes("tx_blobs", hash[:])
}

// TxFilter narrows a ListTxs scan. Zero-valued fields match everything.
type TxFilter struct {
	BatchID *BatchId
	TxType  TxType
	Status  TxStatus
}

func (f TxFilter) matches(t TxSummary) bool {
	if f.BatchID != nil && (t.BatchID == nil || *t.BatchID != *f.BatchID) {
		return false
	}
	if f.TxType != "" && t.TxType != f.TxType {
		return false
	}
	if f.Status != "" && t.Status != f.Status {
		return false
	}
	return true
}

// ListTxs scans tx_index, applies filter, and returns one offset/limit page
// ordered newest-first by received_at. The scan is a full-bucket walk:
// tx_index is keyed by hash and carries no secondary index, which is fine
// for the debug/query surface this feeds but would not do for a hot path.
func (s *Storage) ListTxs(filter TxFilter, offset, limit int) ([]TxSummary, error) {
	var all []TxSummary
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte("tx_index")).ForEach(func(k, v []byte) error {
			var t TxSummary
			if err := json.Unmarshal(v, &t); err != nil {
				return err
			}
			if filter.matches(t) {
				all = append(all, t)
			}
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("%w: list transactions: %v", ErrState, err)
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].ReceivedAt != all[j].ReceivedAt {
			return all[i].ReceivedAt > all[j].ReceivedAt
		}
		return bytes.Compare(all[i].TxHash[:], all[j].TxHash[:]) < 0
	})
	if offset >= len(all) {
		return []TxSummary{}, nil
	}
	end := offset + limit
	if end > len(all) {
		end = len(all)
	}
	return all[offset:end], nil
}

func (s *Storage) PutTxBlob(hash TxHash, blob []byte) error {
	return s.putBytes("tx_blobs", hash[:], blob)
}

// --- nullifiers / commitments / encrypted_notes ---

func (s *Storage) HasNullifier(n Hash32) (bool, error) {
	return s.has("nullifiers", n[:])
}

func (s *Storage) PutNullifier(n Hash32) error {
	return s.putBytes("nullifiers", n[:], []byte{1})
}

// ListNullifiers returns every spent nullifier, for rebuilding the
// in-memory set on startup.
func (s *Storage) ListNullifiers() ([]Hash32, error) {
	var out []Hash32
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte("nullifiers")).ForEach(func(k, v []byte) error {
			var h Hash32
			copy(h[:], k)
			out = append(out, h)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("%w: list nullifiers: %v", ErrState, err)
	}
	return out, nil
}

func (s *Storage) GetCommitment(pos uint32) (Hash32, bool, error) {
	b, ok, err := s.getBytes("commitments", be32(pos))
	if err != nil || !ok {
		return Hash32{}, ok, err
	}
	var h Hash32
	copy(h[:], b)
	return h, true, nil
}

func (s *Storage) PutCommitment(pos uint32, h Hash32) error {
	return s.putBytes("commitments", be32(pos), h[:])
}

func (s *Storage) GetEncryptedNote(commitment Hash32) (EncryptedNote, bool, error) {
	var n EncryptedNote
	ok, err := s.getJSON("encrypted_notes", commitment[:], &n)
	return n, ok, err
}

func (s *Storage) PutEncryptedNote(n EncryptedNote) error {
	return s.putJSON("encrypted_notes", n.Commitment[:], n)
}

// --- withdrawals ---

func (s *Storage) PutWithdrawal(w Withdrawal) error {
	return s.putJSON("withdrawals", w.TxHash[:], w)
}

func (s *Storage) ListWithdrawals() ([]Withdrawal, error) {
	var out []Withdrawal
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte("withdrawals")).ForEach(func(k, v []byte) error {
			var w Withdrawal
			if err := json.Unmarshal(v, &w); err != nil {
				return err
			}
			out = append(out, w)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("%w: list withdrawals: %v", ErrState, err)
	}
	return out, nil
}

// --- processed_deposits / indexer_meta ---

func (s *Storage) HasProcessedDeposit(l1Seq uint64) (bool, error) {
	return s.has("processed_deposits", be64(l1Seq))
}

func (s *Storage) PutProcessedDeposit(d ProcessedDeposit) error {
	return s.putBytes("processed_deposits", be64(d.L1Seq), be64(d.Slot))
}

// ListProcessedDeposits returns every recorded deposit in l1_seq order.
func (s *Storage) ListProcessedDeposits() ([]ProcessedDeposit, error) {
	var out []ProcessedDeposit
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte("processed_deposits")).ForEach(func(k, v []byte) error {
			out = append(out, ProcessedDeposit{
				L1Seq: binary.BigEndian.Uint64(k),
				Slot:  binary.BigEndian.Uint64(v),
			})
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("%w: list processed deposits: %v", ErrState, err)
	}
	return out, nil
}

func (s *Storage) GetIndexerCheckpoint() (IndexerCheckpoint, bool, error) {
	var c IndexerCheckpoint
	ok, err := s.getJSON("indexer_meta", []byte("checkpoint"), &c)
	return c, ok, err
}

func (s *Storage) PutIndexerCheckpoint(c IndexerCheckpoint) error {
	return s.putJSON("indexer_meta", []byte("checkpoint"), c)
}

// FinalizeBatch atomically persists the block header, the batch summary,
// and every touched tx_index entry in one bbolt transaction, so a crash
// never leaves these three records half-written. The account-tree,
// shielded-state and withdrawal writes of the batch are not part of this
// transaction: BatchManager.commitDiffLocked makes them separately, before
// this call.
func (s *Storage) FinalizeBatch(h BlockHeader, bs BatchSummary, txs []TxSummary) error {
	err := s.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.Bucket([]byte("blocks")).Put(be64(uint64(h.BatchID)), h.Encode()); err != nil {
			return err
		}
		bsb, err := json.Marshal(bs)
		if err != nil {
			return err
		}
		if err := tx.Bucket([]byte("batches")).Put(be64(uint64(bs.BatchID)), bsb); err != nil {
			return err
		}
		txBucket := tx.Bucket([]byte("tx_index"))
		for _, t := range txs {
			tb, err := json.Marshal(t)
			if err != nil {
				return err
			}
			if err := txBucket.Put(t.TxHash[:], tb); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: finalize batch %d: %v", ErrState, bs.BatchID, err)
	}
	return nil
}
