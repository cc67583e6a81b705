package channel

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sambigeara/lonip/internal/testutil/memtransport"
	"github.com/sambigeara/lonip/pkg/failsafe"
	"github.com/sambigeara/lonip/pkg/lre"
	"github.com/sambigeara/lonip/pkg/persist"
	"github.com/sambigeara/lonip/pkg/scheduler"
	"github.com/sambigeara/lonip/pkg/segment"
	"github.com/sambigeara/lonip/pkg/transport"
	"github.com/sambigeara/lonip/pkg/types"
	"github.com/sambigeara/lonip/pkg/wire"
)

var (
	devAddr = types.MustEndpoint("10.0.0.1:1628")
	srvAddr = types.MustEndpoint("10.0.0.100:1629")
	memberB = types.MustEndpoint("10.0.0.2:1628")
	memberC = types.MustEndpoint("10.0.0.3:1628")

	epoch = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
)

func nid(b byte) types.NeuronID {
	return types.NeuronID{0x80, 0, 0, 0, 0, b}
}

func entity(subnet, node uint8, id byte) lre.Entity {
	return lre.Entity{DomainID: []byte{0x11}, Subnet: subnet, Node: node, NeuronID: nid(id), Groups: []uint8{7}}
}

// timers is an AfterFunc whose callbacks only run when fired.
type timers struct {
	pending []*pendingTimer
	mu      sync.Mutex
}

type pendingTimer struct {
	f       func()
	stopped bool
}

func (c *timers) afterFunc(_ time.Duration, f func()) func() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	pt := &pendingTimer{f: f}
	c.pending = append(c.pending, pt)
	return func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		was := !pt.stopped
		pt.stopped = true
		return was
	}
}

func (c *timers) fire() {
	c.mu.Lock()
	var due []func()
	for _, pt := range c.pending {
		if !pt.stopped {
			pt.stopped = true
			due = append(due, pt.f)
		}
	}
	c.pending = nil
	c.mu.Unlock()
	for _, f := range due {
		f()
	}
}

type received struct {
	msg  wire.Message
	hdr  wire.Header
	auth bool
}

// harness drives an engine synchronously: messages are handed to receive and
// the worker is drained inline, and the configuration server is a plain
// transport the test reads from.
type harness struct {
	t      *testing.T
	net    *memtransport.Network
	tr     transport.Transport
	srv    transport.Transport
	lre    *lre.Static
	fs     *failsafe.MemFS
	store  *failsafe.Store
	timers *timers
	reasm  *segment.Reassembler
	e      *Engine
	ctrl   *recordingController
	secret []byte
	seq    uint32
}

type recordingController struct {
	ops []string
	mu  sync.Mutex
}

func (c *recordingController) record(op string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ops = append(c.ops, op)
	return nil
}

func (c *recordingController) Reboot() error         { return c.record("reboot") }
func (c *recordingController) StartWebServer() error { return c.record("web-start") }
func (c *recordingController) StopWebServer() error  { return c.record("web-stop") }

func (c *recordingController) calls() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.ops...)
}

func newHarness(t *testing.T, entities []lre.Entity, seedOpts ...func(*persist.Blob)) *harness {
	t.Helper()

	net := memtransport.NewNetwork()
	srv, err := net.Bind(srvAddr)
	require.NoError(t, err)

	fs := failsafe.NewMemFS()
	h := &harness{
		t:      t,
		net:    net,
		srv:    srv,
		lre:    lre.NewStatic(entities),
		fs:     fs,
		store:  failsafe.New(fs),
		reasm:  segment.NewReassembler(time.Minute, nil),
		ctrl:   &recordingController{},
		timers: &timers{},
	}
	t.Cleanup(func() { _ = srv.Close() })

	seed := persist.Defaults()
	seed.Device.Server = srvAddr
	seed.AggregationMs = 0
	for _, o := range seedOpts {
		o(seed)
	}
	h.boot(seed)
	return h
}

// boot binds the device address and builds an engine over the harness store.
func (h *harness) boot(seed *persist.Blob) {
	h.t.Helper()
	if h.tr != nil {
		require.NoError(h.t, h.tr.Close())
	}
	tr, err := h.net.Bind(devAddr)
	require.NoError(h.t, err)
	h.tr = tr

	e, err := New(Config{
		Transport:        tr,
		Routing:          h.lre,
		Store:            h.store,
		Seed:             seed,
		Controller:       h.ctrl,
		Now:              func() time.Time { return epoch },
		Version:          "test",
		SchedulerOptions: []scheduler.Option{scheduler.WithAfterFunc(h.timers.afterFunc)},
	})
	require.NoError(h.t, err)
	h.e = e
}

func (h *harness) start() {
	h.e.start()
	h.e.drain()
}

func (h *harness) build(m wire.Message) []byte {
	h.t.Helper()
	h.seq++
	b, err := wire.Build(wire.Header{
		Vendor:   wire.VendorStandard,
		Session:  1,
		Sequence: h.seq,
		DateTime: types.DateTimeAt(epoch),
	}, m, h.secret)
	require.NoError(h.t, err)
	return b
}

// deliver hands m to the engine as if src had sent it, then runs the worker.
func (h *harness) deliver(src types.Endpoint, m wire.Message) {
	h.deliverRaw(src, h.build(m))
}

func (h *harness) deliverRaw(src types.Endpoint, b []byte) {
	h.e.receive(src, b)
	h.e.drain()
}

func (h *harness) fromServer(m wire.Message) {
	h.deliver(srvAddr, m)
}

// fire runs the scheduler timers and the work they queue.
func (h *harness) fire() {
	h.timers.fire()
	h.e.drain()
}

// sent collects everything the engine has sent to the server so far,
// reassembling segmented transfers.
func (h *harness) sent() []received {
	return h.recvAll(h.srv)
}

func (h *harness) recvAll(tr transport.Transport) []received {
	h.t.Helper()
	var out []received
	for {
		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		src, b, err := tr.Recv(ctx)
		cancel()
		if err != nil {
			return out
		}
		pkt, err := wire.DecodePacket(b)
		require.NoError(h.t, err)
		auth := pkt.Authenticated
		if pkt.Type == types.MsgTypeSegment {
			msg, err := wire.ParseMessage(pkt.Type, pkt.Payload)
			require.NoError(h.t, err)
			whole, complete, err := h.reasm.Add(src, pkt.Session, msg.(*wire.Segment)) //nolint:forcetypeassert
			require.NoError(h.t, err)
			if !complete {
				continue
			}
			pkt, err = wire.DecodePacket(whole.Bytes)
			require.NoError(h.t, err)
		}
		msg, err := wire.ParseMessage(pkt.Type, pkt.Payload)
		require.NoError(h.t, err)
		out = append(out, received{hdr: pkt.Header, msg: msg, auth: auth})
	}
}

func ofType[M wire.Message](in []received) []M {
	var out []M
	for _, r := range in {
		if m, ok := r.msg.(M); ok {
			out = append(out, m)
		}
	}
	return out
}

func requestsOf(in []received, kind types.MsgType) []*wire.Request {
	var out []*wire.Request
	for _, r := range ofType[*wire.Request](in) {
		if r.Kind == kind {
			out = append(out, r)
		}
	}
	return out
}

// membersMsg lists the device itself (with its current route datetime) and
// the given members, each at routeDT.
func (h *harness) membersMsg(dt types.DateTime, routeDT types.DateTime, others ...types.Endpoint) *wire.ChannelMembers {
	own := h.e.OwnRoute()
	require.NotNil(h.t, own)
	m := &wire.ChannelMembers{DateTime: dt}
	m.Members = append(m.Members, wire.MemberEntry{Endpoint: devAddr, DateTime: own.DateTime})
	for _, ep := range others {
		m.Members = append(m.Members, wire.MemberEntry{Endpoint: ep, DateTime: routeDT})
	}
	return m
}

func routeFor(ep types.Endpoint, dt types.DateTime, id byte) *wire.ChannelRouting {
	r := &wire.ChannelRouting{
		Endpoint:    ep,
		DateTime:    dt,
		NeuronIDs:   []types.NeuronID{nid(id)},
		Domains:     []wire.Domain{{ID: []byte{0x11}}},
		SubnetNodes: []wire.SubnetNode{{Subnet: 2, Node: id}},
	}
	setBit(&r.Domains[0].SubnetMask, 2)
	return r
}

// joined brings the harness to an active membership with B and C routed.
func (h *harness) joined() {
	h.t.Helper()
	h.start()
	h.fromServer(h.membersMsg(100, 500, memberB, memberC))
	h.fromServer(routeFor(memberB, 500, 0x20))
	h.fromServer(routeFor(memberC, 500, 0x30))
	require.Equal(h.t, types.ConnectStateActiveMember, h.e.ConnectState())
	h.sent()
}
