package hashing

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAlgo(t *testing.T) {
	cases := map[string]Algo{
		"":         SHA256,
		"SHA-256":  SHA256,
		"sha256":   SHA256,
		"SHA3-512": SHA3512,
		"sha3-512": SHA3512,
		"blake3":   BLAKE3,
		"BLAKE3":   BLAKE3,
	}
	for in, want := range cases {
		got, err := ParseAlgo(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := ParseAlgo("md5")
	require.Error(t, err)
}

func TestBytes_KnownEmptyDigests(t *testing.T) {
	assert.Equal(t, "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855", Bytes(SHA256, nil))
	assert.Equal(t, "af1349b9f5f9a1a6a0404dea36dcc9499bcb25c9adc112b7cc9a93cae41f3262", Bytes(BLAKE3, nil))
	assert.Equal(t,
		"a69f73cca23a9ac5c8b567dc185a756e97c982164fe25859e0d1dcc1475c80a615b2123af1f5f94c11e3e9402c3ac558f500199d95b6d3e301758586281dcd26",
		Bytes(SHA3512, nil))
}

func TestBytes_Deterministic(t *testing.T) {
	for _, a := range []Algo{SHA256, SHA3512, BLAKE3} {
		x := []byte("dream-net vector payload")
		assert.Equal(t, Bytes(a, x), Bytes(a, x), a)
		assert.NotEqual(t, Bytes(a, x), Bytes(a, []byte("dream-net vector payloaD")), a)
	}
}

func TestSerializeVector_Float32LittleEndian(t *testing.T) {
	got := SerializeVector([]float64{0.1, 1})
	// 0.1f = 0x3DCCCCCD, 1.0f = 0x3F800000
	assert.Equal(t, []byte{0xCD, 0xCC, 0xCC, 0x3D, 0x00, 0x00, 0x80, 0x3F}, got)
}

func TestVector_EmptyHashesZeroLength(t *testing.T) {
	assert.Equal(t, Bytes(SHA256, nil), Vector(SHA256, nil))
	assert.Equal(t, Bytes(SHA256, nil), Vector(SHA256, []float64{}))
}

func TestJSON_KeyOrderIndependent(t *testing.T) {
	a, err := JSON(SHA256, json.RawMessage(`{"b":1,"a":[1,2,{"y":true,"x":null}]}`))
	require.NoError(t, err)
	b, err := JSON(SHA256, json.RawMessage(`{ "a": [1, 2, {"x": null, "y": true}], "b": 1 }`))
	require.NoError(t, err)
	assert.Equal(t, a, b)

	m, err := JSON(SHA256, map[string]any{"b": 1, "a": []any{1, 2, map[string]any{"y": true, "x": nil}}})
	require.NoError(t, err)
	assert.Equal(t, a, m)
}

func TestJSON_NilIsEmptyObject(t *testing.T) {
	empty, err := JSON(SHA256, nil)
	require.NoError(t, err)
	assert.Equal(t, String(SHA256, "{}"), empty)

	obj, err := JSON(SHA256, map[string]any{})
	require.NoError(t, err)
	assert.Equal(t, empty, obj)
}

func TestJSON_Invalid(t *testing.T) {
	_, err := JSON(SHA256, json.RawMessage(`{"a":`))
	require.Error(t, err)
	_, err = CanonicalJSON([]byte(`{} {}`))
	require.Error(t, err)
}
