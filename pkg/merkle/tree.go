// Package merkle builds the hash tree behind packet manifest fingerprints.
// The root commits to the ordered list of selected evidence items, giving a
// packet a single verifiable hash independent of where it is exported.
package merkle

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
)

const (
	leafDomain = "trailproof:packet:leaf:v1"
	nodeDomain = "trailproof:packet:node:v1"
)

// Leaf is one committed item.
type Leaf struct {
	Key      string
	Bytes    []byte
	LeafHash string
}

// Tree is a binary hash tree over ordered leaves. Odd levels duplicate the
// last node.
type Tree struct {
	Leaves []Leaf
	Levels [][]string
	Root   string
}

// Build constructs the tree over ordered (key, value) pairs. Order is the
// caller's: the packet assembler passes items in selection order, and the
// root changes if that order changes.
func Build(keys []string, values [][]byte) *Tree {
	leaves := make([]Leaf, len(keys))
	for i, key := range keys {
		lb := leafBytes(key, values[i])
		leaves[i] = Leaf{Key: key, Bytes: lb, LeafHash: sha256Hex(lb)}
	}

	tree := &Tree{Leaves: leaves}
	if len(leaves) == 0 {
		tree.Root = sha256Hex([]byte(leafDomain))
		return tree
	}

	level := make([]string, len(leaves))
	for i, l := range leaves {
		level[i] = l.LeafHash
	}
	for len(level) > 1 {
		tree.Levels = append(tree.Levels, level)
		level = nextLevel(level)
	}
	tree.Levels = append(tree.Levels, level)
	tree.Root = level[0]
	return tree
}

func leafBytes(key string, value []byte) []byte {
	var buf bytes.Buffer
	buf.WriteString(leafDomain)
	buf.WriteByte(0)
	buf.WriteString(key)
	buf.WriteByte(0)
	buf.Write(value)
	return buf.Bytes()
}

func nextLevel(hashes []string) []string {
	count := len(hashes)
	if count%2 != 0 {
		hashes = append(hashes, hashes[count-1])
		count++
	}
	next := make([]string, count/2)
	for i := 0; i < count; i += 2 {
		next[i/2] = nodeHash(hashes[i], hashes[i+1])
	}
	return next
}

func nodeHash(left, right string) string {
	var buf bytes.Buffer
	buf.WriteString(nodeDomain)
	buf.WriteByte(0)
	buf.Write(hexBytes(left))
	buf.Write(hexBytes(right))
	return sha256Hex(buf.Bytes())
}

func sha256Hex(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

func hexBytes(s string) []byte {
	b, _ := hex.DecodeString(s)
	return b
}
