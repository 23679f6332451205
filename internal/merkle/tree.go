// Package merkle fingerprints a buffer as a hash tree over its chunks. Equal
// roots mean equal content; differing leaves localize what changed.
package merkle

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/blake2b"
)

// HashAlgorithm selects the node hash.
type HashAlgorithm string

const (
	SHA256  HashAlgorithm = "sha256"
	BLAKE2b HashAlgorithm = "blake2b"
)

// Hash is a tree node hash.
type Hash [32]byte

func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// Tree is built once per sync session and is not safe for concurrent
// rebuilds.
type Tree struct {
	algorithm HashAlgorithm
	sum       func([]byte) [32]byte
	levels    [][]Hash // levels[0] are leaves, last level is the root
	root      Hash
	built     bool
}

// New creates an empty tree using the given hash algorithm.
func New(algorithm HashAlgorithm) (*Tree, error) {
	t := &Tree{algorithm: algorithm}
	switch algorithm {
	case SHA256, "":
		t.algorithm = SHA256
		t.sum = sha256.Sum256
	case BLAKE2b:
		t.sum = blake2b.Sum256
	default:
		return nil, fmt.Errorf("unsupported merkle hash: %s", algorithm)
	}
	return t, nil
}

// Algorithm returns the hash algorithm in use.
func (t *Tree) Algorithm() HashAlgorithm {
	return t.algorithm
}

// BuildFromChunks hashes every chunk into a leaf and folds pairs upward.
// An odd node at the end of a level is carried up unchanged, never padded.
// It returns the hex root; with no chunks the root is the hash of nothing.
func (t *Tree) BuildFromChunks(chunks [][]byte) string {
	leaves := make([]Hash, len(chunks))
	for i, chunk := range chunks {
		leaves[i] = t.sum(chunk)
	}

	t.levels = [][]Hash{leaves}
	t.built = true
	if len(leaves) == 0 {
		t.root = t.sum(nil)
		return t.root.String()
	}

	level := leaves
	buf := make([]byte, 64)
	for len(level) > 1 {
		next := make([]Hash, 0, (len(level)+1)/2)
		for i := 0; i < len(level); i += 2 {
			if i+1 == len(level) {
				next = append(next, level[i])
				continue
			}
			copy(buf[:32], level[i][:])
			copy(buf[32:], level[i+1][:])
			next = append(next, t.sum(buf))
		}
		t.levels = append(t.levels, next)
		level = next
	}

	t.root = level[0]
	return t.root.String()
}

// Root returns the hex root and whether the tree has been built.
func (t *Tree) Root() (string, bool) {
	if !t.built {
		return "", false
	}
	return t.root.String(), true
}

// Leaves returns the hex leaf hashes in chunk order.
func (t *Tree) Leaves() []string {
	if !t.built {
		return nil
	}
	out := make([]string, len(t.levels[0]))
	for i, h := range t.levels[0] {
		out[i] = h.String()
	}
	return out
}

// DiffLeaves returns the indices of leaves that differ between t and other.
// Trees of the same shape are walked top-down, skipping equal subtrees;
// otherwise leaves are compared position by position and any surplus
// leaves count as different.
func (t *Tree) DiffLeaves(other *Tree) []int {
	if !t.built || !other.built {
		return nil
	}
	if t.root == other.root && len(t.levels[0]) == len(other.levels[0]) {
		return nil
	}

	a, b := t.levels[0], other.levels[0]
	if len(a) != len(b) {
		var diff []int
		n := max(len(a), len(b))
		for i := 0; i < n; i++ {
			if i >= len(a) || i >= len(b) || a[i] != b[i] {
				diff = append(diff, i)
			}
		}
		return diff
	}

	var diff []int
	var walk func(level, index int)
	walk = func(level, index int) {
		if t.levels[level][index] == other.levels[level][index] {
			return
		}
		if level == 0 {
			diff = append(diff, index)
			return
		}
		below := t.levels[level-1]
		left := index * 2
		walk(level-1, left)
		if left+1 < len(below) {
			walk(level-1, left+1)
		}
	}
	walk(len(t.levels)-1, 0)
	return diff
}
