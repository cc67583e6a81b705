package persist

import (
	"context"
	"encoding/binary"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/sambigeara/lonip/pkg/failsafe"
	"github.com/sambigeara/lonip/pkg/types"
	"github.com/sambigeara/lonip/pkg/wire"
)

const path = "channel.cfg"

func route(ep string, dt types.DateTime) *wire.ChannelRouting {
	return &wire.ChannelRouting{
		Endpoint:    types.MustEndpoint(ep),
		DateTime:    dt,
		RouterType:  1,
		Domains:     []wire.Domain{{ID: []byte{0x12}, SubnetMask: [32]byte{1}}},
		SubnetNodes: []wire.SubnetNode{{Subnet: 3, Node: 4}},
		NeuronIDs:   []types.NeuronID{{1, 2, 3, 4, 5, 6}},
	}
}

func sample() *Blob {
	return &Blob{
		Session:     42,
		RegDateTime: 1000,
		OwnSlot:     1,
		Device: wire.DeviceInfo{
			Name:           "plant-7",
			Addr:           types.MustEndpoint("10.0.0.2:1628"),
			Server:         types.MustEndpoint("10.0.0.1:1629"),
			ChannelTimeout: 30,
			NeuronIDs:      []types.NeuronID{{1, 2, 3, 4, 5, 6}},
		},
		MembersDateTime: 900,
		Members: []Member{
			{Endpoint: types.MustEndpoint("10.0.0.3:1628"), DateTime: 800, Routing: route("10.0.0.3:1628", 800)},
			{Endpoint: types.MustEndpoint("10.0.0.2:1628"), DateTime: 850, Shared: true},
		},
		OwnRoute:      route("10.0.0.2:1628", 850),
		BandwidthKbps: 512,
		AggregationMs: 32,
		EscrowMs:      100,
		AuthEnabled:   true,
		Secret:        []byte("0123456789abcdef"),
		TOS:           0xB8,
		Timezone:      "Europe/London",
	}
}

func TestBlobRoundTrip(t *testing.T) {
	in := sample()
	out, err := Decode(Encode(in))
	require.NoError(t, err)
	require.Empty(t, cmp.Diff(in, out))
}

func TestDefaultsRoundTrip(t *testing.T) {
	out, err := Decode(Encode(Defaults()))
	require.NoError(t, err)
	require.Empty(t, cmp.Diff(Defaults(), out))
}

func TestOlderVersionsSynthesizeDefaults(t *testing.T) {
	in := sample()

	v1, err := Decode(encode(in, Version1))
	require.NoError(t, err)
	require.Equal(t, in.Members, v1.Members)
	require.Equal(t, uint16(DefaultAggregationMs), v1.AggregationMs)
	require.Equal(t, uint32(DefaultBandwidthKbps), v1.BandwidthKbps)
	require.False(t, v1.AuthEnabled)
	require.Nil(t, v1.Secret)

	v2, err := Decode(encode(in, Version2))
	require.NoError(t, err)
	require.Equal(t, in.BandwidthKbps, v2.BandwidthKbps)
	require.Equal(t, in.EscrowMs, v2.EscrowMs)
	require.Empty(t, v2.Timezone)
}

func TestTrailingBytesIgnored(t *testing.T) {
	in := sample()
	body := append(encodeBody(in, CurrentVersion), 0xDE, 0xAD, 0xBE, 0xEF)

	data := make([]byte, headerLen, headerLen+len(body))
	binary.BigEndian.PutUint32(data[0:4], Magic)
	binary.BigEndian.PutUint16(data[4:6], CurrentVersion)
	binary.BigEndian.PutUint32(data[6:10], uint32(len(body)))
	binary.BigEndian.PutUint16(data[10:12], checksum(body))
	data = append(data, body...)

	out, err := Decode(data)
	require.NoError(t, err)
	require.Empty(t, cmp.Diff(in, out))
}

func TestCorruptBlobsRejected(t *testing.T) {
	good := Encode(sample())

	mutate := func(fn func(b []byte) []byte) []byte {
		return fn(append([]byte(nil), good...))
	}

	cases := map[string]struct {
		data []byte
		want error
	}{
		"short":    {data: good[:5], want: ErrBadLength},
		"magic":    {data: mutate(func(b []byte) []byte { b[0] ^= 0xFF; return b }), want: ErrBadMagic},
		"future":   {data: mutate(func(b []byte) []byte { binary.BigEndian.PutUint16(b[4:6], CurrentVersion+1); return b }), want: ErrBadVersion},
		"zero":     {data: mutate(func(b []byte) []byte { binary.BigEndian.PutUint16(b[4:6], 0); return b }), want: ErrBadVersion},
		"length":   {data: mutate(func(b []byte) []byte { return b[:len(b)-1] }), want: ErrBadLength},
		"checksum": {data: mutate(func(b []byte) []byte { b[len(b)-1] ^= 0x01; return b }), want: ErrBadChecksum},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Decode(tc.data)
			require.ErrorIs(t, err, tc.want)
		})
	}
}

func TestLoadFallsBackToDefaults(t *testing.T) {
	m := failsafe.NewMemFS()
	s := failsafe.New(m)

	b, ok := Load(s, path)
	require.False(t, ok)
	require.Equal(t, Defaults(), b)

	require.NoError(t, m.WriteFile(path, []byte("garbage that is long enough")))
	b, ok = Load(s, path)
	require.False(t, ok)
	require.Equal(t, Defaults(), b)

	require.NoError(t, s.Write(path, Encode(sample())))
	b, ok = Load(s, path)
	require.True(t, ok)
	require.Equal(t, uint32(42), b.Session)
}

func newTestWriter(t *testing.T, debounce time.Duration) (*Writer, *failsafe.Store, *atomic.Int32, context.CancelFunc, chan error) {
	t.Helper()
	s := failsafe.New(failsafe.NewMemFS())
	var writes atomic.Int32
	w := NewWriter(s, path, WithDebounce(debounce), WithResultHook(func(err error) {
		if err == nil {
			writes.Add(1)
		}
	}))
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- w.Run(ctx) }()
	t.Cleanup(cancel)
	return w, s, &writes, cancel, errCh
}

func blobWithSession(n uint32) []byte {
	b := Defaults()
	b.Session = n
	return Encode(b)
}

func TestWriterBatchesBurstIntoOneWrite(t *testing.T) {
	w, s, writes, _, _ := newTestWriter(t, 50*time.Millisecond)

	for i := range uint32(10) {
		w.Submit(blobWithSession(i))
	}

	require.Eventually(t, func() bool { return writes.Load() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	require.Equal(t, int32(1), writes.Load())

	b, ok := Load(s, path)
	require.True(t, ok)
	require.Equal(t, uint32(9), b.Session)
}

func TestWriterFlushWritesImmediately(t *testing.T) {
	w, s, writes, _, _ := newTestWriter(t, time.Hour)

	w.Submit(blobWithSession(7))
	require.NoError(t, w.Flush(context.Background()))
	require.Equal(t, int32(1), writes.Load())

	b, ok := Load(s, path)
	require.True(t, ok)
	require.Equal(t, uint32(7), b.Session)

	// Nothing pending: flushing again is a no-op.
	require.NoError(t, w.Flush(context.Background()))
	require.Equal(t, int32(1), writes.Load())
}

func TestWriterShutdownWritesPending(t *testing.T) {
	w, s, _, cancel, errCh := newTestWriter(t, time.Hour)

	w.Submit(blobWithSession(3))
	// Give Run a chance to pick the blob off the queue; either way it is
	// written on shutdown.
	time.Sleep(10 * time.Millisecond)
	cancel()
	require.NoError(t, <-errCh)

	b, ok := Load(s, path)
	require.True(t, ok)
	require.Equal(t, uint32(3), b.Session)

	require.ErrorIs(t, w.Flush(context.Background()), ErrWriterClosed)
}

func TestSubmitNeverBlocks(t *testing.T) {
	w := NewWriter(failsafe.New(failsafe.NewMemFS()), path)
	for i := range uint32(queueDepth * 3) {
		w.Submit(blobWithSession(i))
	}
	require.Len(t, w.queue, queueDepth)
	require.Equal(t, blobWithSession(queueDepth*3-1), w.drain(nil))
}

func TestWriterRetriesAfterFailure(t *testing.T) {
	m := failsafe.NewMemFS()
	s := failsafe.New(m)
	resCh := make(chan error, 16)
	w := NewWriter(s, path, WithDebounce(20*time.Millisecond), WithResultHook(func(err error) { resCh <- err }))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = w.Run(ctx) }()

	m.FailAfter(0)
	w.Submit(blobWithSession(5))
	require.ErrorIs(t, <-resCh, failsafe.ErrInjected)

	m.Reset()
	deadline := time.After(time.Second)
	for done := false; !done; {
		select {
		case err := <-resCh:
			done = err == nil
		case <-deadline:
			t.Fatal("write never retried")
		}
	}

	b, ok := Load(s, path)
	require.True(t, ok)
	require.Equal(t, uint32(5), b.Session)
}
