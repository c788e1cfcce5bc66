package canonical

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMarshal_KeyOrderIndependent(t *testing.T) {
	a := map[string]any{"b": 2, "a": 1, "c": "x"}
	b := map[string]any{"c": "x", "a": 1, "b": 2}

	ca, err := Marshal(a)
	require.NoError(t, err)
	cb, err := Marshal(b)
	require.NoError(t, err)

	require.Equal(t, string(ca), string(cb))
	require.Equal(t, `{"a":1,"b":2,"c":"x"}`, string(ca))
}

func TestMarshal_NoHTMLEscaping(t *testing.T) {
	out, err := Marshal(map[string]any{"url": "https://example.com/a?b=1&c=<2>"})
	require.NoError(t, err)
	require.Contains(t, string(out), "&c=<2>")
}

func TestHash_Deterministic(t *testing.T) {
	v := map[string]any{"actor": "system", "action": "certificate_issued", "seq": 7}

	h1, err := Hash(v)
	require.NoError(t, err)
	h2, err := Hash(v)
	require.NoError(t, err)

	require.Equal(t, h1, h2)
	require.Contains(t, h1, "sha256:")
}

func TestHash_SensitiveToContent(t *testing.T) {
	h1, err := Hash(map[string]any{"n": 1})
	require.NoError(t, err)
	h2, err := Hash(map[string]any{"n": 2})
	require.NoError(t, err)
	require.NotEqual(t, h1, h2)
}
