package hashing

import "fmt"

// LeafHash is the ledger leaf for one vector record: hash(vecHash ‖ payloadHash)
// over the hex strings.
func LeafHash(a Algo, vecHash, payloadHash string) string {
	return String(a, vecHash+payloadHash)
}

func parent(a Algo, left, right string) string {
	return String(a, left+right)
}

// nextLevel pairs adjacent nodes. An odd trailing node is paired with itself.
func nextLevel(a Algo, level []string) []string {
	out := make([]string, 0, (len(level)+1)/2)
	for i := 0; i < len(level); i += 2 {
		right := level[i]
		if i+1 < len(level) {
			right = level[i+1]
		}
		out = append(out, parent(a, level[i], right))
	}
	return out
}

// MerkleRoot reduces the ordered leaf hashes to a single root. The result
// depends on leaf order. No leaves yields "", one leaf yields the leaf.
func MerkleRoot(a Algo, leaves []string) string {
	if len(leaves) == 0 {
		return ""
	}
	level := append([]string(nil), leaves...)
	for len(level) > 1 {
		level = nextLevel(a, level)
	}
	return level[0]
}

// ProofStep is one sibling on the path from a leaf to the root. Left is true
// when the sibling sits to the left of the running hash.
type ProofStep struct {
	Hash string `json:"hash"`
	Left bool   `json:"left"`
}

// MerkleProof returns the inclusion path for leaves[index].
func MerkleProof(a Algo, leaves []string, index int) ([]ProofStep, error) {
	if index < 0 || index >= len(leaves) {
		return nil, fmt.Errorf("leaf index %d out of range [0,%d)", index, len(leaves))
	}
	var steps []ProofStep
	level := append([]string(nil), leaves...)
	for len(level) > 1 {
		var sib ProofStep
		if index%2 == 0 {
			if index+1 < len(level) {
				sib = ProofStep{Hash: level[index+1]}
			} else {
				sib = ProofStep{Hash: level[index]}
			}
		} else {
			sib = ProofStep{Hash: level[index-1], Left: true}
		}
		steps = append(steps, sib)
		level = nextLevel(a, level)
		index /= 2
	}
	return steps, nil
}

// VerifyProof folds the proof steps over leaf and compares with root.
func VerifyProof(a Algo, leaf string, steps []ProofStep, root string) bool {
	if root == "" {
		return false
	}
	cur := leaf
	for _, s := range steps {
		if s.Left {
			cur = parent(a, s.Hash, cur)
		} else {
			cur = parent(a, cur, s.Hash)
		}
	}
	return cur == root
}
