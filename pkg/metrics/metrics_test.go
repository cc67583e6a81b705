package metrics

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/sambigeara/lonip/pkg/types"
)

func TestCountersRegisterAndCount(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.Packet(DirectionIn, types.MsgTypeChannelMembers)
	m.Packet(DirectionIn, types.MsgTypeChannelMembers)
	m.Drop(DropAuth)
	m.PersistResult(nil)
	m.PersistResult(errors.New("disk full"))
	m.Members.Set(3)

	require.InDelta(t, 2, testutil.ToFloat64(m.PacketsTotal.WithLabelValues(DirectionIn, "channel_members")), 0)
	require.InDelta(t, 1, testutil.ToFloat64(m.DropsTotal.WithLabelValues(DropAuth)), 0)
	require.InDelta(t, 1, testutil.ToFloat64(m.PersistWritesTotal.WithLabelValues("error")), 0)
	require.InDelta(t, 3, testutil.ToFloat64(m.Members), 0)

	n, err := testutil.GatherAndCount(reg)
	require.NoError(t, err)
	require.Positive(t, n)
}

func TestTwoInstancesOnSeparateRegistries(t *testing.T) {
	require.NotPanics(t, func() {
		New(prometheus.NewRegistry())
		New(prometheus.NewRegistry())
		New(nil)
	})
}
