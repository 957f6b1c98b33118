package audit

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenesisHash(t *testing.T) {
	assert.Equal(t, "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855", GenesisHash)
}

func TestCanonicalize(t *testing.T) {
	line := []byte(`{"z":1.50,"a":{"y":"<b>","b":[3,2,1]},"hash":"abc","m":null}`)

	got, err := Canonicalize(line)
	require.NoError(t, err)
	assert.Equal(t, `{"a":{"b":[3,2,1],"y":"<b>"},"m":null,"z":1.50}`, string(got))

	// Only the stored hash differs between the unhashed and hashed line.
	other, err := Canonicalize([]byte(`{"m":null,"hash":"zzz","a":{"b":[3,2,1],"y":"<b>"},"z":1.50}`))
	require.NoError(t, err)
	assert.Equal(t, got, other)
}

func TestCanonicalize_NestedHashIsKept(t *testing.T) {
	got, err := Canonicalize([]byte(`{"details":{"hash":"x"},"hash":"y"}`))
	require.NoError(t, err)
	assert.Equal(t, `{"details":{"hash":"x"}}`, string(got))
}

func TestCanonicalize_Rejects(t *testing.T) {
	for _, in := range []string{``, `null`, `[1,2]`, `"s"`, `{"a":1}{"b":2}`, `{"a":`} {
		_, err := Canonicalize([]byte(in))
		assert.Error(t, err, in)
	}
}

func TestChainHash(t *testing.T) {
	h1 := ChainHash([]byte(`{"a":1}`), GenesisHash)
	h2 := ChainHash([]byte(`{"a":1}`), GenesisHash)
	h3 := ChainHash([]byte(`{"a":2}`), GenesisHash)
	h4 := ChainHash([]byte(`{"a":1}`), h1)

	assert.Len(t, h1, 64)
	assert.Equal(t, h1, h2)
	assert.NotEqual(t, h1, h3)
	assert.NotEqual(t, h1, h4)
}
