package core

// ShieldedState holds the privacy-preserving half of L2 state: the
// nullifier set (double-spend protection) and the append-only shielded
// commitment tree, plus the encrypted-note ciphertexts stored for later
// receiver scanning. The commitment tree is a depth-32 incremental Merkle
// tree using the zero-hash ladder and node hashing from merkle.go,
// following the standard "filled subtrees" append algorithm.

import (
	"fmt"
	"sync"
)

// ShieldedState is guarded by one RWMutex, matching the coarse-mutex
// discipline used across core: held only during admit/seal, never across
// network or await points.
type ShieldedState struct {
	mu sync.RWMutex

	store *Storage

	nullifiers map[Hash32]struct{}
	notes      map[Hash32]EncryptedNote

	filledSubtrees [merkleDepth]Hash32
	nextPosition   uint32
	root           ShieldedRoot
}

// LoadShieldedState rebuilds the nullifier set and commitment-tree frontier
// from storage. Encrypted notes stay in storage; none are loaded into memory.
func LoadShieldedState(store *Storage) (*ShieldedState, error) {
	s := &ShieldedState{
		store:      store,
		nullifiers: make(map[Hash32]struct{}),
		notes:      make(map[Hash32]EncryptedNote),
	}

	nullifiers, err := store.ListNullifiers()
	if err != nil {
		return nil, err
	}
	for _, n := range nullifiers {
		s.nullifiers[n] = struct{}{}
	}

	next, err := store.GetShieldedNextPosition()
	if err != nil {
		return nil, err
	}
	s.nextPosition = next

	for level := 0; level < merkleDepth; level++ {
		h, ok, err := store.GetShieldedFrontier(level)
		if err != nil {
			return nil, err
		}
		if ok {
			s.filledSubtrees[level] = h
		} else {
			s.filledSubtrees[level] = zeroHashes[level]
		}
	}

	root, err := s.recomputeRootFromPosition()
	if err != nil {
		return nil, err
	}
	s.root = root
	return s, nil
}

// recomputeRootFromPosition replays the filled-subtrees ladder up to the
// root, using the zero-hash ladder for any level whose right sibling is
// still empty. Called once at load; afterwards the root is maintained
// incrementally by AddCommitment.
func (s *ShieldedState) recomputeRootFromPosition() (Hash32, error) {
	if s.nextPosition == 0 {
		return zeroHashes[merkleDepth], nil
	}
	// The frontier alone doesn't retain the root of a fully-appended tree
	// across restarts without replaying the last insertion path, so the
	// canonical root is recomputed by re-deriving the last leaf's path.
	pos := s.nextPosition - 1
	leaf, ok, err := s.store.GetCommitment(pos)
	if err != nil {
		return Hash32{}, err
	}
	if !ok {
		return Hash32{}, fmt.Errorf("%w: missing commitment at position %d", ErrState, pos)
	}
	return computeIncrementalRoot(leaf, pos, s.filledSubtrees), nil
}

func computeIncrementalRoot(leaf Hash32, idx uint32, filled [merkleDepth]Hash32) Hash32 {
	cur := leaf
	i := idx
	for level := 0; level < merkleDepth; level++ {
		if i%2 == 0 {
			cur = hashNode(cur, zeroHashes[level])
		} else {
			cur = hashNode(filled[level], cur)
		}
		i /= 2
	}
	return cur
}

// HasNullifier reports whether n has already been spent.
func (s *ShieldedState) HasNullifier(n Hash32) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.nullifiers[n]
	return ok
}

// SpendNullifier marks n spent. Returns ErrAlreadyExists if n was already
// spent, including within the same batch: a double-insert in one batch is
// a per-tx execution failure, not a batch-level abort.
func (s *ShieldedState) SpendNullifier(n Hash32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.nullifiers[n]; ok {
		return fmt.Errorf("%w: nullifier %s already spent", ErrAlreadyExists, n.Hex())
	}
	s.nullifiers[n] = struct{}{}
	if s.store != nil {
		if err := s.store.PutNullifier(n); err != nil {
			delete(s.nullifiers, n)
			return err
		}
	}
	return nil
}

// AddCommitment appends a new leaf to the shielded tree and returns its
// position and the resulting root.
func (s *ShieldedState) AddCommitment(leaf Hash32) (uint32, ShieldedRoot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	pos := s.nextPosition
	cur := leaf
	idx := pos
	for level := 0; level < merkleDepth; level++ {
		if idx%2 == 0 {
			s.filledSubtrees[level] = cur
			cur = hashNode(cur, zeroHashes[level])
		} else {
			cur = hashNode(s.filledSubtrees[level], cur)
		}
		idx /= 2
		if s.store != nil {
			if err := s.store.PutShieldedFrontier(level, s.filledSubtrees[level]); err != nil {
				return 0, Hash32{}, err
			}
		}
	}

	if s.store != nil {
		if err := s.store.PutCommitment(pos, leaf); err != nil {
			return 0, Hash32{}, err
		}
		if err := s.store.PutShieldedNextPosition(pos + 1); err != nil {
			return 0, Hash32{}, err
		}
	}

	s.nextPosition = pos + 1
	s.root = cur
	return pos, cur, nil
}

// PutNote persists an encrypted note keyed by its commitment.
func (s *ShieldedState) PutNote(n EncryptedNote) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notes[n.Commitment] = n
	if s.store != nil {
		return s.store.PutEncryptedNote(n)
	}
	return nil
}

// EphemeralFrontier returns a store-less copy of the current frontier and
// next-position counter, for simulating AddCommitment appends without
// persisting, mirroring AccountTreeSnapshot.Ephemeral.
func (s *ShieldedState) EphemeralFrontier() *ShieldedState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	clone := &ShieldedState{
		nullifiers:   make(map[Hash32]struct{}),
		notes:        make(map[Hash32]EncryptedNote),
		nextPosition: s.nextPosition,
		root:         s.root,
	}
	clone.filledSubtrees = s.filledSubtrees
	return clone
}

// Root returns the current shielded commitment tree root.
func (s *ShieldedState) Root() ShieldedRoot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.root
}

// ShieldedStats summarizes pool size for the query API.
type ShieldedStats struct {
	NullifierCount  int    `json:"nullifier_count"`
	CommitmentCount uint32 `json:"commitment_count"`
	Root            string `json:"root"`
}

func (s *ShieldedState) Stats() ShieldedStats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return ShieldedStats{
		NullifierCount:  len(s.nullifiers),
		CommitmentCount: s.nextPosition,
		Root:            s.root.Hex(),
	}
}
