package merkle

import (
	"fmt"
	"strings"
)

// InclusionProof lets an auditor check that one evidence item is committed
// by a packet's manifest hash without seeing the rest of the packet.
type InclusionProof struct {
	Key       string      `json:"key"`
	LeafHash  string      `json:"leaf_hash"`
	Root      string      `json:"root"`
	ProofPath []ProofStep `json:"proof_path"`
}

// ProofStep is one sibling on the path to the root.
type ProofStep struct {
	Side        string `json:"side"` // "L" or "R"
	SiblingHash string `json:"sibling_hash"`
}

// Prove generates the inclusion proof for the leaf at index.
func (t *Tree) Prove(index int) (*InclusionProof, error) {
	if index < 0 || index >= len(t.Leaves) {
		return nil, fmt.Errorf("leaf index %d out of range", index)
	}

	proof := &InclusionProof{
		Key:      t.Leaves[index].Key,
		LeafHash: t.Leaves[index].LeafHash,
		Root:     t.Root,
	}

	pos := index
	for _, level := range t.Levels {
		if len(level) == 1 {
			break
		}
		sibling := pos ^ 1
		if sibling >= len(level) {
			// Odd level: last node is its own duplicated sibling.
			sibling = pos
		}
		side := "R"
		if sibling < pos {
			side = "L"
		}
		proof.ProofPath = append(proof.ProofPath, ProofStep{Side: side, SiblingHash: level[sibling]})
		pos /= 2
	}
	return proof, nil
}

// Verify recomputes the path and reports whether the proof commits to
// expectedRoot.
func Verify(proof *InclusionProof, expectedRoot string) bool {
	if expectedRoot != "" && !strings.EqualFold(proof.Root, expectedRoot) {
		return false
	}

	current := proof.LeafHash
	for _, step := range proof.ProofPath {
		if step.Side == "L" {
			current = nodeHash(step.SiblingHash, current)
		} else {
			current = nodeHash(current, step.SiblingHash)
		}
	}
	return strings.EqualFold(current, proof.Root)
}
