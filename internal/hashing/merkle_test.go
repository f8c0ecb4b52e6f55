package hashing

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func leaves(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = String(SHA256, fmt.Sprintf("leaf-%d", i))
	}
	return out
}

func TestMerkleRoot_EmptyAndSingle(t *testing.T) {
	assert.Equal(t, "", MerkleRoot(SHA256, nil))
	l := leaves(1)
	assert.Equal(t, l[0], MerkleRoot(SHA256, l))
}

func TestMerkleRoot_OddNodePairedWithItself(t *testing.T) {
	l := leaves(3)
	left := String(SHA256, l[0]+l[1])
	right := String(SHA256, l[2]+l[2])
	assert.Equal(t, String(SHA256, left+right), MerkleRoot(SHA256, l))
}

func TestMerkleRoot_Deterministic(t *testing.T) {
	l := leaves(7)
	assert.Equal(t, MerkleRoot(BLAKE3, l), MerkleRoot(BLAKE3, l))
}

// The root commits to leaf order: the same leaves in a different order do
// not reproduce it.
func TestMerkleRoot_OrderSensitive(t *testing.T) {
	l := leaves(4)
	swapped := []string{l[1], l[0], l[2], l[3]}
	assert.NotEqual(t, MerkleRoot(SHA256, l), MerkleRoot(SHA256, swapped))
}

func TestMerkleRoot_DoesNotMutateInput(t *testing.T) {
	l := leaves(5)
	cp := append([]string(nil), l...)
	_ = MerkleRoot(SHA256, l)
	assert.Equal(t, cp, l)
}

func TestMerkleProof_VerifiesEveryLeaf(t *testing.T) {
	for _, n := range []int{1, 2, 3, 5, 8, 13} {
		l := leaves(n)
		root := MerkleRoot(SHA3512, l)
		for i := range l {
			steps, err := MerkleProof(SHA3512, l, i)
			require.NoError(t, err)
			assert.True(t, VerifyProof(SHA3512, l[i], steps, root), "n=%d i=%d", n, i)
		}
	}
}

func TestMerkleProof_RejectsWrongLeaf(t *testing.T) {
	l := leaves(6)
	root := MerkleRoot(SHA256, l)
	steps, err := MerkleProof(SHA256, l, 2)
	require.NoError(t, err)
	assert.False(t, VerifyProof(SHA256, l[3], steps, root))
	assert.False(t, VerifyProof(SHA256, l[2], steps, ""))
}

func TestMerkleProof_IndexOutOfRange(t *testing.T) {
	_, err := MerkleProof(SHA256, leaves(2), 2)
	require.Error(t, err)
	_, err = MerkleProof(SHA256, nil, 0)
	require.Error(t, err)
}

func TestLeafHash(t *testing.T) {
	assert.Equal(t, String(BLAKE3, "aa"+"bb"), LeafHash(BLAKE3, "aa", "bb"))
}
