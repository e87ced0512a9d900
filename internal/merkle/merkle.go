// Package merkle implements the binary blake3 merkle tree over output
// segment digests. Job commitments carry the root; fraud proofs carry a
// path authenticating one segment against it.
package merkle

import (
	"fmt"

	"github.com/zeebo/blake3"

	"SpotCheck/internal/wire"
)

// Domain separation prefixes keep leaf and interior hashes disjoint.
const (
	leafPrefix = 0x00
	nodePrefix = 0x01
)

// LeafHash computes the digest of one output segment.
func LeafHash(segment []byte) wire.Hash {
	h := blake3.New()
	h.Write([]byte{leafPrefix})
	h.Write(segment)

	var out wire.Hash
	h.Sum(out[:0])

	return out
}

// nodeHash combines two child hashes into a parent.
func nodeHash(left, right wire.Hash) wire.Hash {
	h := blake3.New()
	h.Write([]byte{nodePrefix})
	h.Write(left[:])
	h.Write(right[:])

	var out wire.Hash
	h.Sum(out[:0])

	return out
}

// Root computes the merkle root of the given leaf hashes. An odd node
// at the end of a level is promoted unchanged to the next level.
// The root of zero leaves is the zero hash.
func Root(leaves []wire.Hash) wire.Hash {
	if len(leaves) == 0 {
		return wire.Hash{}
	}

	level := make([]wire.Hash, len(leaves))
	copy(level, leaves)

	for len(level) > 1 {
		next := make([]wire.Hash, 0, (len(level)+1)/2)

		for i := 0; i+1 < len(level); i += 2 {
			next = append(next, nodeHash(level[i], level[i+1]))
		}

		if len(level)%2 == 1 {
			next = append(next, level[len(level)-1])
		}

		level = next
	}

	return level[0]
}

// Path returns the sibling hashes authenticating leaf index against the
// root, ordered leaf to root. Levels where the node is promoted (odd
// node without a sibling) contribute no entry.
func Path(leaves []wire.Hash, index uint64) ([]wire.Hash, error) {
	if index >= uint64(len(leaves)) {
		return nil, fmt.Errorf("leaf index %d out of range [0, %d)", index, len(leaves))
	}

	level := make([]wire.Hash, len(leaves))
	copy(level, leaves)

	var path []wire.Hash
	pos := index

	for len(level) > 1 {
		sibling := pos ^ 1
		if sibling < uint64(len(level)) {
			path = append(path, level[sibling])
		}

		next := make([]wire.Hash, 0, (len(level)+1)/2)

		for i := 0; i+1 < len(level); i += 2 {
			next = append(next, nodeHash(level[i], level[i+1]))
		}

		if len(level)%2 == 1 {
			next = append(next, level[len(level)-1])
		}

		level = next
		pos /= 2
	}

	return path, nil
}

// VerifyPath checks that leaf sits at index in a tree of total leaves
// with the given root. The path layout must match Path: siblings leaf
// to root, promoted levels skipped.
func VerifyPath(root, leaf wire.Hash, index, total uint64, path []wire.Hash) bool {
	if total == 0 || index >= total {
		return false
	}

	acc := leaf
	pos := index
	size := total
	used := 0

	for size > 1 {
		hasSibling := pos^1 < size

		if hasSibling {
			if used >= len(path) {
				return false
			}

			if pos%2 == 0 {
				acc = nodeHash(acc, path[used])
			} else {
				acc = nodeHash(path[used], acc)
			}

			used++
		}

		pos /= 2
		size = (size + 1) / 2
	}

	return used == len(path) && acc == root
}
