package core

import (
	"errors"
	"path/filepath"
	"testing"
)

func TestShieldedStateNullifierUniqueness(t *testing.T) {
	store := openTestStorage(t)
	ss, err := LoadShieldedState(store)
	if err != nil {
		t.Fatalf("load shielded state: %v", err)
	}

	n := hashLeaf([]byte("nullifier-1"))
	if ss.HasNullifier(n) {
		t.Fatalf("fresh shielded state must not already contain a nullifier")
	}
	if err := ss.SpendNullifier(n); err != nil {
		t.Fatalf("first spend must succeed: %v", err)
	}
	if !ss.HasNullifier(n) {
		t.Fatalf("nullifier must be visible as spent after SpendNullifier")
	}
	if err := ss.SpendNullifier(n); !errors.Is(err, ErrAlreadyExists) {
		t.Fatalf("second spend of the same nullifier must return ErrAlreadyExists, got %v", err)
	}
}

func TestShieldedStateCommitmentsAppendOnlyAndMonotone(t *testing.T) {
	store := openTestStorage(t)
	ss, err := LoadShieldedState(store)
	if err != nil {
		t.Fatalf("load shielded state: %v", err)
	}

	rootZero := ss.Root()
	if rootZero != zeroHashes[merkleDepth] {
		t.Fatalf("fresh commitment tree root must equal the empty-tree zero hash")
	}

	c1 := hashLeaf([]byte("commitment-1"))
	pos1, root1, err := ss.AddCommitment(c1)
	if err != nil {
		t.Fatalf("add commitment 1: %v", err)
	}
	if pos1 != 0 {
		t.Fatalf("first commitment must land at position 0, got %d", pos1)
	}
	if root1 == rootZero {
		t.Fatalf("root must change after appending a commitment")
	}

	c2 := hashLeaf([]byte("commitment-2"))
	pos2, root2, err := ss.AddCommitment(c2)
	if err != nil {
		t.Fatalf("add commitment 2: %v", err)
	}
	if pos2 != pos1+1 {
		t.Fatalf("commitment positions must be dense and monotonic: got %d after %d", pos2, pos1)
	}
	if root2 == root1 {
		t.Fatalf("root must change again after a second append")
	}
}

func TestShieldedStateReloadReproducesRoot(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "zelana.db")

	store1, err := OpenStorage(path)
	if err != nil {
		t.Fatalf("open storage: %v", err)
	}
	ss1, err := LoadShieldedState(store1)
	if err != nil {
		t.Fatalf("load shielded state: %v", err)
	}
	_, root1, err := ss1.AddCommitment(hashLeaf([]byte("c1")))
	if err != nil {
		t.Fatalf("add commitment: %v", err)
	}
	_, root1, err = ss1.AddCommitment(hashLeaf([]byte("c2")))
	if err != nil {
		t.Fatalf("add commitment: %v", err)
	}
	store1.Close()

	store2, err := OpenStorage(path)
	if err != nil {
		t.Fatalf("reopen storage: %v", err)
	}
	defer store2.Close()
	ss2, err := LoadShieldedState(store2)
	if err != nil {
		t.Fatalf("reload shielded state: %v", err)
	}
	if ss2.Root() != root1 {
		t.Fatalf("reloaded shielded root (%s) does not match root before close (%s)", ss2.Root().Hex(), root1.Hex())
	}
}

// A nullifier spent before a restart must still be rejected afterwards:
// replay protection lives in the persistent set, not just process memory.
func TestShieldedStateReloadRestoresNullifierSet(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "zelana.db")

	store1, err := OpenStorage(path)
	if err != nil {
		t.Fatalf("open storage: %v", err)
	}
	ss1, err := LoadShieldedState(store1)
	if err != nil {
		t.Fatalf("load shielded state: %v", err)
	}
	n := hashLeaf([]byte("spent-before-restart"))
	if err := ss1.SpendNullifier(n); err != nil {
		t.Fatalf("spend nullifier: %v", err)
	}
	store1.Close()

	store2, err := OpenStorage(path)
	if err != nil {
		t.Fatalf("reopen storage: %v", err)
	}
	defer store2.Close()
	ss2, err := LoadShieldedState(store2)
	if err != nil {
		t.Fatalf("reload shielded state: %v", err)
	}
	if !ss2.HasNullifier(n) {
		t.Fatalf("a nullifier spent before restart must remain spent after reload")
	}
	if err := ss2.SpendNullifier(n); !errors.Is(err, ErrAlreadyExists) {
		t.Fatalf("re-spending a reloaded nullifier must return ErrAlreadyExists, got %v", err)
	}
}

func TestShieldedStatePutAndGetNote(t *testing.T) {
	store := openTestStorage(t)
	ss, err := LoadShieldedState(store)
	if err != nil {
		t.Fatalf("load shielded state: %v", err)
	}
	note := EncryptedNote{Commitment: hashLeaf([]byte("note-commitment")), Ciphertext: []byte("ciphertext")}
	if err := ss.PutNote(note); err != nil {
		t.Fatalf("put note: %v", err)
	}
	got, ok, err := store.GetEncryptedNote(note.Commitment)
	if err != nil {
		t.Fatalf("get note: %v", err)
	}
	if !ok || string(got.Ciphertext) != "ciphertext" {
		t.Fatalf("GetEncryptedNote = %+v, ok=%v; want ciphertext round-tripped", got, ok)
	}
}
