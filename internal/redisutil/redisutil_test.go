package redisutil

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestKeysNaming(t *testing.T) {
	k := Keys{AppPrefix: "parallax"}

	require.Equal(t, "/parallax/leader", k.Election())
	require.Equal(t, "/parallax/leader/meta", k.ElectionMeta())
	require.NotEqual(t, k.Election(), k.ElectionMeta())
	require.Equal(t, "parallax:lock:scheduler-run", k.Lock("scheduler-run"))
	require.Equal(t, "parallax:state:foo", k.State("foo"))
	require.Equal(t, "parallax:sync:state", k.StateChannel())
	require.Equal(t, "parallax:state:node:abc123", k.Node("abc123"))
	require.Equal(t, "parallax:state:node:*", k.NodePattern())
}

func TestKeysRespectDistinctPrefixes(t *testing.T) {
	a := Keys{AppPrefix: "tenant-a"}
	b := Keys{AppPrefix: "tenant-b"}
	require.NotEqual(t, a.Election(), b.Election())
	require.NotEqual(t, a.Lock("x"), b.Lock("x"))
}
