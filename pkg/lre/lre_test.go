package lre

import (
	"slices"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sambigeara/lonip/pkg/types"
)

func TestStaticClients(t *testing.T) {
	s := NewStatic(nil)
	a := types.MustEndpoint("10.0.0.1:1628")
	b := types.MustEndpoint("10.0.0.2:1628")

	ha := s.RegisterClient(a)
	hb := s.RegisterClient(b)
	require.NotEqual(t, ha, hb)
	require.ElementsMatch(t, []types.Endpoint{a, b}, s.Clients())

	s.DeregisterClient(ha)
	s.DeregisterClient(ha)
	require.Equal(t, []types.Endpoint{b}, s.Clients())
}

func TestStaticEntitiesAreSnapshots(t *testing.T) {
	in := []Entity{{Subnet: 1, Node: 2}}
	s := NewStatic(in)
	in[0].Node = 9

	got := slices.Collect(s.LocalEntities())
	require.Equal(t, []Entity{{Subnet: 1, Node: 2}}, got)

	s.SetEntities(nil)
	require.Empty(t, slices.Collect(s.LocalEntities()))
}

func TestStaticDeliverToSink(t *testing.T) {
	s := NewStatic(nil)
	s.Deliver(types.Endpoint{}, []byte{1})

	var got []byte
	s.SetSink(func(_ types.Endpoint, pkt []byte) { got = pkt })
	s.Deliver(types.Endpoint{}, []byte{2})
	require.Equal(t, []byte{2}, got)
}
