package client

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/sambigeara/lonip/pkg/packet"
	"github.com/sambigeara/lonip/pkg/types"
)

var member = types.MustEndpoint("10.0.0.5:1628")

type sent struct {
	packets [][]byte
	seq     uint32
}

type recordingSender struct {
	out []sent
	mu  sync.Mutex
}

func (r *recordingSender) SendData(_ types.Endpoint, seq uint32, packets [][]byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := make([][]byte, len(packets))
	for i, p := range packets {
		cp[i] = append([]byte(nil), p...)
	}
	r.out = append(r.out, sent{seq: seq, packets: cp})
	return nil
}

func (r *recordingSender) sent() []sent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]sent(nil), r.out...)
}

type recordingDeliver struct {
	got [][]byte
}

func (d *recordingDeliver) deliver(_ types.Endpoint, p []byte) {
	d.got = append(d.got, p)
}

func TestAggregationBatchesUntilTimer(t *testing.T) {
	pool := packet.NewPool()
	s := &recordingSender{}
	c := New(member, s, nil, Config{Aggregation: 50 * time.Millisecond})

	now := time.Unix(100, 0)
	c.Enqueue(now, pool.Get([]byte{1}))
	c.Enqueue(now.Add(10*time.Millisecond), pool.Get([]byte{2}))
	require.Empty(t, s.sent())

	c.Tick(now.Add(20 * time.Millisecond))
	require.Empty(t, s.sent())

	c.Tick(now.Add(50 * time.Millisecond))
	require.Equal(t, []sent{{seq: 1, packets: [][]byte{{1}, {2}}}}, s.sent())
	require.Zero(t, pool.Live())
}

func TestFullBatchIsSealed(t *testing.T) {
	pool := packet.NewPool()
	s := &recordingSender{}
	c := New(member, s, nil, Config{MaxPayload: 10, Aggregation: time.Hour})

	now := time.Unix(100, 0)
	c.Enqueue(now, pool.Get(make([]byte, 6)))
	c.Enqueue(now, pool.Get(make([]byte, 6)))

	out := s.sent()
	require.Len(t, out, 1)
	require.Len(t, out[0].packets, 1)
	require.Equal(t, int64(1), pool.Live())

	c.Close()
	require.Zero(t, pool.Live())
}

func TestNoAggregationSendsImmediately(t *testing.T) {
	s := &recordingSender{}
	c := New(member, s, nil, Config{})
	c.Enqueue(time.Unix(1, 0), packet.NewPool().Get([]byte{7}))
	require.Equal(t, []sent{{seq: 1, packets: [][]byte{{7}}}}, s.sent())
}

func TestBandwidthLimitThrottles(t *testing.T) {
	s := &recordingSender{}
	// 8 kbit/s is 1000 bytes/s; the burst is one payload.
	c := New(member, s, nil, Config{BandwidthKbps: 8, MaxPayload: 500})
	pool := packet.NewPool()

	now := time.Unix(100, 0)
	for range 3 {
		c.Enqueue(now, pool.Get(make([]byte, 400)))
	}
	require.Len(t, s.sent(), 1)
	require.Positive(t, c.Stats().Throttled)

	// Each second refills at most one burst.
	c.Tick(now.Add(time.Second))
	require.Len(t, s.sent(), 2)
	c.Tick(now.Add(2 * time.Second))
	require.Len(t, s.sent(), 3)
	require.Zero(t, pool.Live())
}

func TestReceiveInOrderWithoutEscrow(t *testing.T) {
	d := &recordingDeliver{}
	c := New(member, &recordingSender{}, d.deliver, Config{})

	now := time.Unix(1, 0)
	c.Receive(now, 1, 5, [][]byte{{5}})
	c.Receive(now, 1, 7, [][]byte{{7}})
	c.Receive(now, 1, 6, [][]byte{{6}})
	require.Equal(t, [][]byte{{5}, {7}, {6}}, d.got)
}

func TestEscrowReordersAndReleasesOnTimeout(t *testing.T) {
	d := &recordingDeliver{}
	c := New(member, &recordingSender{}, d.deliver, Config{Escrow: 100 * time.Millisecond})

	now := time.Unix(1, 0)
	c.Receive(now, 1, 10, [][]byte{{10}})
	c.Receive(now, 1, 12, [][]byte{{12}})
	c.Receive(now, 1, 13, [][]byte{{13}})
	require.Equal(t, [][]byte{{10}}, d.got)

	c.Receive(now, 1, 11, [][]byte{{11}})
	require.Equal(t, [][]byte{{10}, {11}, {12}, {13}}, d.got)

	// Stale duplicate is dropped.
	c.Receive(now, 1, 11, [][]byte{{11}})
	require.Len(t, d.got, 4)

	// A gap that never fills is skipped after the escrow time.
	c.Receive(now, 1, 16, [][]byte{{16}})
	c.Tick(now.Add(50 * time.Millisecond))
	require.Len(t, d.got, 4)
	c.Tick(now.Add(100 * time.Millisecond))
	require.Equal(t, []byte{16}, d.got[4])

	c.Receive(now, 1, 17, [][]byte{{17}})
	require.Equal(t, []byte{17}, d.got[5])
}

func TestSessionChangeResetsOrdering(t *testing.T) {
	d := &recordingDeliver{}
	c := New(member, &recordingSender{}, d.deliver, Config{Escrow: time.Second})

	now := time.Unix(1, 0)
	c.Receive(now, 1, 100, [][]byte{{1}})
	c.Receive(now, 1, 102, [][]byte{{2}})
	c.Receive(now, 2, 1, [][]byte{{3}})
	c.Receive(now, 2, 2, [][]byte{{4}})
	require.Equal(t, [][]byte{{1}, {3}, {4}}, d.got)
}

func TestSequenceWraparound(t *testing.T) {
	require.True(t, seqBefore(0xFFFFFFFF, 0))
	require.False(t, seqBefore(0, 0xFFFFFFFF))
}

func TestTickInterval(t *testing.T) {
	require.Equal(t, MaxTickInterval, TickInterval(Config{}))
	require.Equal(t, MinTickInterval, TickInterval(Config{Aggregation: 16 * time.Millisecond}))
	require.Equal(t, 300*time.Millisecond, TickInterval(Config{Escrow: 300 * time.Millisecond}))
	require.Equal(t, burstWindow, TickInterval(Config{BandwidthKbps: 64}))
}

func TestPoolTicksClientsUntilCancelled(t *testing.T) {
	defer goleak.VerifyNone(t)

	s := &recordingSender{}
	p := NewPool(MinTickInterval)
	c := New(member, s, nil, Config{Aggregation: time.Millisecond})
	p.Add(c)

	c.Enqueue(time.Now(), packet.NewPool().Get([]byte{1}))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	require.Eventually(t, func() bool { return len(s.sent()) == 1 }, 2*time.Second, 10*time.Millisecond)

	p.SetInterval(MaxTickInterval)
	require.Equal(t, MaxTickInterval, p.Interval())

	cancel()
	require.NoError(t, <-done)

	p.Remove(c)
	require.Zero(t, p.Len())
}
