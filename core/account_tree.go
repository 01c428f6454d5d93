package core

// AccountTree is the depth-32 ordered Merkle tree of transparent
// accounts. Leaf order is insertion order: an account is assigned the
// next free leaf index the first time it is credited, and never moves
// afterwards. Existing leaves are updated in place as balances change,
// which is why this tree keeps every node hash (not just a frontier),
// unlike the append-only shielded commitment tree in shielded_state.go.
//
// Node hashes are kept in memory and mirrored to the tree_meta column
// family so a restart can rebuild the tree without replaying every
// historical transaction.

import (
	"bytes"
	"fmt"
	"sort"
	"sync"
)

// AccountTree holds every account leaf in memory and caches internal node
// hashes, loading a missing one from tree_meta on first use; all of it is
// guarded by a single coarse RWMutex.
// readStore is consulted on a nodes-cache miss the same way store is; the
// two are split so that an Ephemeral tree can read through to durable
// node hashes without ever writing back to them (store stays nil there).
type AccountTree struct {
	mu        sync.RWMutex
	store     *Storage
	readStore *Storage
	accounts  map[AccountId]Account
	nodes     [merkleDepth + 1]map[uint64]Hash32
	positions map[AccountId]uint64
	nextIndex uint64
}

// AccountTreeSnapshot is an immutable point-in-time view used to build
// inclusion proofs against a batch's pre-state root. Its nodes cache is
// only ever a subset of the full tree (whatever had already been queried
// into memory at snapshot time); readStore lets later lookups (Prove,
// Ephemeral) fall through to the durable node hashes instead of silently
// treating an uncached-but-real node as an empty subtree.
type AccountTreeSnapshot struct {
	accounts  map[AccountId]Account
	nodes     [merkleDepth + 1]map[uint64]Hash32
	positions map[AccountId]uint64
	nextIndex uint64
	root      StateRoot
	readStore *Storage
}

// node resolves (level, index) against the snapshot's cache, falling back
// to readStore and then the zero-hash ladder, mirroring AccountTree.node.
func (snap *AccountTreeSnapshot) node(level int, index uint64) (Hash32, error) {
	if h, ok := snap.nodes[level][index]; ok {
		return h, nil
	}
	if snap.readStore != nil {
		h, ok, err := snap.readStore.GetTreeNode(level, index)
		if err != nil {
			return Hash32{}, err
		}
		if ok {
			return h, nil
		}
	}
	return zeroHashes[level], nil
}

// Ephemeral builds an in-memory-only tree seeded from this snapshot, with
// no backing store to write to, so callers can simulate ApplyDiff to
// compute a would-be post-state root without persisting anything. Reads
// that miss the cloned cache still fall through to the snapshot's
// readStore, so an ApplyDiff against a freshly-restarted (sparsely
// cached) snapshot still sees every real sibling hash rather than
// defaulting to an empty subtree. Used by the batch manager to compute
// post_state_root before the commit decision (dev_mode vs deferred) is
// made.
func (snap *AccountTreeSnapshot) Ephemeral() *AccountTree {
	t := &AccountTree{
		readStore: snap.readStore,
		accounts:  make(map[AccountId]Account, len(snap.accounts)),
		nodes:     newEmptyNodes(),
		positions: make(map[AccountId]uint64, len(snap.positions)),
		nextIndex: snap.nextIndex,
	}
	for k, v := range snap.accounts {
		t.accounts[k] = v
	}
	for k, v := range snap.positions {
		t.positions[k] = v
	}
	for level := range snap.nodes {
		for idx, h := range snap.nodes[level] {
			t.nodes[level][idx] = h
		}
	}
	return t
}

func newEmptyNodes() [merkleDepth + 1]map[uint64]Hash32 {
	var n [merkleDepth + 1]map[uint64]Hash32
	for i := range n {
		n[i] = make(map[uint64]Hash32)
	}
	return n
}

// LoadAccountTree rebuilds the tree in memory from storage's accounts and
// tree_meta column families.
func LoadAccountTree(store *Storage) (*AccountTree, error) {
	t := &AccountTree{
		store:     store,
		readStore: store,
		accounts:  make(map[AccountId]Account),
		nodes:     newEmptyNodes(),
		positions: make(map[AccountId]uint64),
	}
	next, err := store.GetTreeNextIndex()
	if err != nil {
		return nil, err
	}
	t.nextIndex = next

	accounts, err := store.ListAccounts()
	if err != nil {
		return nil, err
	}
	for _, a := range accounts {
		t.accounts[a.ID] = a
		pos, ok, err := store.GetAccountPosition(a.ID)
		if err != nil {
			return nil, err
		}
		if ok {
			t.positions[a.ID] = pos
		}
	}
	// Internal node hashes and leaves are pulled lazily from tree_meta by
	// node() as callers ask for them; nothing else to preload here.
	return t, nil
}

// node returns the hash at (level, index), consulting storage and falling
// back to the precomputed empty-subtree hash.
func (t *AccountTree) node(level int, index uint64) (Hash32, error) {
	if h, ok := t.nodes[level][index]; ok {
		return h, nil
	}
	rs := t.readStore
	if rs == nil {
		rs = t.store
	}
	if rs != nil {
		h, ok, err := rs.GetTreeNode(level, index)
		if err != nil {
			return Hash32{}, err
		}
		if ok {
			t.nodes[level][index] = h
			return h, nil
		}
	}
	return zeroHashes[level], nil
}

func (t *AccountTree) setNode(level int, index uint64, h Hash32) error {
	t.nodes[level][index] = h
	if t.store != nil {
		return t.store.PutTreeNode(level, index, h)
	}
	return nil
}

func accountLeaf(a Account) Hash32 {
	buf := make([]byte, 32+8+8)
	copy(buf[0:32], a.ID[:])
	putUint64(buf[32:40], uint64(a.Balance))
	putUint64(buf[40:48], a.Nonce)
	return hashLeaf(buf)
}

// Get returns the current account state, or false if it has never been
// credited.
func (t *AccountTree) Get(id AccountId) (Account, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	a, ok := t.accounts[id]
	return a, ok
}

// Root returns the current tree root.
func (t *AccountTree) Root() (StateRoot, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.node(merkleDepth, 0)
}

// Snapshot returns a frozen view for building pre-batch inclusion proofs.
// The account/position maps are shallow-copied; node maps are copied
// per-level since later ApplyDiff calls mutate them in place.
func (t *AccountTree) Snapshot() (*AccountTreeSnapshot, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	rs := t.readStore
	if rs == nil {
		rs = t.store
	}
	snap := &AccountTreeSnapshot{
		accounts:  make(map[AccountId]Account, len(t.accounts)),
		nodes:     newEmptyNodes(),
		positions: make(map[AccountId]uint64, len(t.positions)),
		readStore: rs,
	}
	for k, v := range t.accounts {
		snap.accounts[k] = v
	}
	for k, v := range t.positions {
		snap.positions[k] = v
	}
	for level := range t.nodes {
		for idx, h := range t.nodes[level] {
			snap.nodes[level][idx] = h
		}
	}
	root, err := t.node(merkleDepth, 0)
	if err != nil {
		return nil, err
	}
	snap.root = root
	snap.nextIndex = t.nextIndex
	return snap, nil
}

// ApplyDiff writes every changed account into the tree, assigning fresh
// leaf indices to first-seen accounts, and returns the new root. First-seen
// accounts are processed in byte order of their ids, not map order, so the
// seal-time simulation on an ephemeral clone and the finalize-time commit
// on the live tree assign identical leaf positions and reach the same
// root.
func (t *AccountTree) ApplyDiff(diff map[AccountId]Account) (StateRoot, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	ids := make([]AccountId, 0, len(diff))
	for id := range diff {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		return bytes.Compare(ids[i][:], ids[j][:]) < 0
	})

	dirty := make(map[uint64]struct{})
	for _, id := range ids {
		acct := diff[id]
		pos, ok := t.positions[id]
		if !ok {
			pos = t.nextIndex
			t.nextIndex++
			t.positions[id] = pos
			if t.store != nil {
				if err := t.store.PutAccountPosition(id, pos); err != nil {
					return StateRoot{}, err
				}
				if err := t.store.PutTreeNextIndex(t.nextIndex); err != nil {
					return StateRoot{}, err
				}
			}
		}
		t.accounts[id] = acct
		if t.store != nil {
			if err := t.store.PutAccount(acct); err != nil {
				return StateRoot{}, err
			}
		}
		if err := t.setNode(0, pos, accountLeaf(acct)); err != nil {
			return StateRoot{}, err
		}
		dirty[pos] = struct{}{}
	}

	for level := 0; level < merkleDepth; level++ {
		next := make(map[uint64]struct{})
		for idx := range dirty {
			sibIdx := idx ^ 1
			left, right := idx, sibIdx
			if idx&1 == 1 {
				left, right = sibIdx, idx
			}
			lh, err := t.node(level, left)
			if err != nil {
				return StateRoot{}, err
			}
			rh, err := t.node(level, right)
			if err != nil {
				return StateRoot{}, err
			}
			parent := hashNode(lh, rh)
			parentIdx := idx / 2
			if err := t.setNode(level+1, parentIdx, parent); err != nil {
				return StateRoot{}, err
			}
			next[parentIdx] = struct{}{}
		}
		dirty = next
	}

	return t.node(merkleDepth, 0)
}

// Prove builds an inclusion proof for id against snap. Returns ErrNotFound
// if id was never credited in that snapshot.
func (t *AccountTree) Prove(id AccountId, snap *AccountTreeSnapshot) (MerklePath, error) {
	pos, ok := snap.positions[id]
	if !ok {
		return MerklePath{}, fmt.Errorf("%w: account %s not in snapshot", ErrNotFound, id.Hex())
	}
	var path MerklePath
	path.Index = pos
	idx := pos
	for level := 0; level < merkleDepth; level++ {
		sibIdx := idx ^ 1
		h, err := snap.node(level, sibIdx)
		if err != nil {
			return MerklePath{}, err
		}
		path.Siblings[level] = h
		idx >>= 1
	}
	return path, nil
}
