package core

// Merkle primitives shared by the account tree (account_tree.go), the
// shielded commitment tree (shielded_state.go), and the withdrawal root
// computed at batch seal (batch_manager.go).
//
// Node hashing uses Poseidon over the BN254 scalar field
// (consensys/gnark-crypto), the same algebraic hash family the external
// proving circuits use, so tree, circuit and L1 verifier agree on one
// algorithm. Leaves and internal nodes are domain-separated by a one-byte
// tag so a leaf can never be mistaken for an internal pair.

import (
	"github.com/consensys/gnark-crypto/ecc/bn254/fr/poseidon"
)

const (
	merkleDepth     = 32
	domainTagLeaf   = byte(0x00)
	domainTagNode   = byte(0x01)
	domainTagWithdr = byte(0x02)
)

// poseidonSum hashes tag followed by the concatenation of parts into a
// single 32-byte field element.
func poseidonSum(tag byte, parts ...[]byte) Hash32 {
	h := poseidon.NewPoseidon()
	h.Write([]byte{tag})
	for _, p := range parts {
		h.Write(p)
	}
	var out Hash32
	copy(out[:], h.Sum(nil))
	return out
}

// hashLeaf hashes raw leaf data (an encoded Account, a commitment preimage,
// ...) into a tree leaf.
func hashLeaf(data []byte) Hash32 {
	return poseidonSum(domainTagLeaf, data)
}

// hashNode combines two child hashes into their parent.
func hashNode(left, right Hash32) Hash32 {
	return poseidonSum(domainTagNode, left[:], right[:])
}

// zeroHashes[i] is the root of an empty subtree of height i (i=0 is an
// empty leaf). Computed once at init and shared by both trees.
var zeroHashes [merkleDepth + 1]Hash32

func init() {
	zeroHashes[0] = hashLeaf(nil)
	for i := 1; i <= merkleDepth; i++ {
		zeroHashes[i] = hashNode(zeroHashes[i-1], zeroHashes[i-1])
	}
}

// MerklePath is an inclusion proof: the sibling hash at each of the 32
// levels from leaf to root, ordered leaf-first.
type MerklePath struct {
	Index    uint64
	Siblings [merkleDepth]Hash32
}

// Root reconstructs the root implied by this path for the given leaf hash.
func (p MerklePath) Root(leaf Hash32) Hash32 {
	cur := leaf
	idx := p.Index
	for level := 0; level < merkleDepth; level++ {
		sib := p.Siblings[level]
		if idx&1 == 0 {
			cur = hashNode(cur, sib)
		} else {
			cur = hashNode(sib, cur)
		}
		idx >>= 1
	}
	return cur
}

// VerifyMerklePath checks that path reconstructs root for the given leaf.
func VerifyMerklePath(root, leaf Hash32, path MerklePath) bool {
	return path.Root(leaf) == root
}

// withdrawalRoot hashes an ordered list of withdrawals into a single
// public-input root, domain-separated from tree-node hashing.
func withdrawalRoot(ws []Withdrawal) Hash32 {
	if len(ws) == 0 {
		return poseidonSum(domainTagWithdr)
	}
	h := poseidon.NewPoseidon()
	h.Write([]byte{domainTagWithdr})
	for _, w := range ws {
		h.Write(w.TxHash[:])
		h.Write(w.RecipientL1[:])
		var amt [8]byte
		putUint64(amt[:], uint64(w.Amount))
		h.Write(amt[:])
		var nonce [8]byte
		putUint64(nonce[:], w.Nonce)
		h.Write(nonce[:])
		h.Write(w.Nullifier[:])
	}
	var out Hash32
	copy(out[:], h.Sum(nil))
	return out
}

func putUint64(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * (7 - i)))
	}
}
