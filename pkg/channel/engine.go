// Package channel is the channel master: it keeps this device registered
// with the configuration server, tracks the other channel members and their
// routes, advertises the local route, and moves LonTalk data to and from
// the members.
package channel

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/patrickmn/go-cache"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sambigeara/lonip/pkg/client"
	"github.com/sambigeara/lonip/pkg/failsafe"
	"github.com/sambigeara/lonip/pkg/lre"
	"github.com/sambigeara/lonip/pkg/metrics"
	"github.com/sambigeara/lonip/pkg/packet"
	"github.com/sambigeara/lonip/pkg/persist"
	"github.com/sambigeara/lonip/pkg/scheduler"
	"github.com/sambigeara/lonip/pkg/segment"
	"github.com/sambigeara/lonip/pkg/transport"
	"github.com/sambigeara/lonip/pkg/types"
	"github.com/sambigeara/lonip/pkg/wire"
)

const (
	// MaxMembers is the capacity of the member table. Longer lists are
	// malformed.
	MaxMembers = 256

	DefaultStateFile = "channel.cfg"

	maxRoutingRejects = 3
	inboundQueueDepth = 128
	correlationTTL    = 30 * time.Second
)

var (
	ErrDuplicateMember = errors.New("duplicate channel member")
	ErrMissingDep      = errors.New("missing dependency")
)

// Controller carries out vendor control operations on behalf of the
// configuration server.
type Controller interface {
	Reboot() error
	StartWebServer() error
	StopWebServer() error
}

type Config struct {
	Transport transport.Transport
	Routing   lre.RoutingEngine
	Store     *failsafe.Store
	// Seed is used when no valid persisted state exists.
	Seed       *persist.Blob
	Controller Controller
	Metrics    *metrics.Metrics
	Now        func() time.Time
	// Version is reported to vendor version requests.
	Version          string
	StateFile        string
	SchedulerOptions []scheduler.Option
	MaxDatagram      int
	EscrowTimeout    time.Duration
	PersistDebounce  time.Duration
}

// Engine is one channel master. All member, routing and registration state
// is guarded by mu; the protocol worker and synchronous API calls are the
// only holders.
type Engine struct {
	ctrl        Controller
	lre         lre.RoutingEngine
	tr          transport.Transport
	log         *zap.SugaredLogger
	metrics     *metrics.Metrics
	sched       *scheduler.Scheduler
	writer      *persist.Writer
	splitter    *segment.Splitter
	reasm       *segment.Reassembler
	pool        *client.Pool
	bufs        *packet.Pool
	correlate   *cache.Cache
	now         func() time.Time
	frame       atomic.Pointer[framing]
	inbound     chan inbound
	wake        chan struct{}
	version     string
	counters    counters
	clockOffset atomic.Int64
	seq         atomic.Uint32
	work        atomic.Uint32
	stopping    atomic.Bool

	mu                 sync.Mutex
	post               []func()
	members            []*slot
	ownRoute           *wire.ChannelRouting
	secret             []byte
	timezone           string
	serverVersion      string
	device             wire.DeviceInfo
	ownSlot            int
	session            uint32
	regDateTime        types.DateTime
	membersDateTime    types.DateTime
	bandwidthKbps      uint32
	aggregationMs      uint16
	escrowMs           uint16
	tos                uint8
	backwardCompatible bool
	authEnabled        bool
	dirty              bool
}

// New loads persisted state and prepares the engine. Nothing is sent until
// Run.
func New(cfg Config) (*Engine, error) {
	if cfg.Transport == nil || cfg.Routing == nil || cfg.Store == nil {
		return nil, fmt.Errorf("%w: transport, routing engine and store are required", ErrMissingDep)
	}
	if cfg.StateFile == "" {
		cfg.StateFile = DefaultStateFile
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.New(nil)
	}
	if cfg.Version == "" {
		cfg.Version = "dev"
	}

	e := &Engine{
		ctrl:      cfg.Controller,
		lre:       cfg.Routing,
		tr:        cfg.Transport,
		log:       zap.S().Named("channel"),
		metrics:   cfg.Metrics,
		splitter:  segment.NewSplitter(cfg.MaxDatagram),
		bufs:      packet.NewPool(),
		correlate: cache.New(correlationTTL, 0),
		now:       cfg.Now,
		inbound:   make(chan inbound, inboundQueueDepth),
		wake:      make(chan struct{}, 1),
		version:   cfg.Version,
		ownSlot:   persist.NoSlot,
	}
	e.counters.reset(e.now())
	e.sched = scheduler.New(func() { e.signal(workRunScheduler) }, cfg.SchedulerOptions...)
	e.reasm = segment.NewReassembler(cfg.EscrowTimeout, func(n int) {
		e.counters.segmentsDropped.Add(uint32(n)) //nolint:gosec
		e.metrics.SegmentsDroppedTotal.Add(float64(n))
	})

	writerOpts := []persist.WriterOption{persist.WithResultHook(e.persisted)}
	if cfg.PersistDebounce > 0 {
		writerOpts = append(writerOpts, persist.WithDebounce(cfg.PersistDebounce))
	}
	e.writer = persist.NewWriter(cfg.Store, cfg.StateFile, writerOpts...)

	blob, ok := persist.Load(cfg.Store, cfg.StateFile)
	if !ok && cfg.Seed != nil {
		blob = cfg.Seed
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.pool = client.NewPool(client.TickInterval(client.Config{
		BandwidthKbps: blob.BandwidthKbps,
		Aggregation:   msDuration(blob.AggregationMs),
		Escrow:        msDuration(blob.EscrowMs),
	}))
	e.restoreLocked(blob)

	if local := e.tr.LocalAddr(); !local.IsZero() && local != e.device.Addr {
		e.log.Infow("local address changed", "old", e.device.Addr, "new", local)
		e.device.Addr = local
		e.regDateTime = e.regDateTime.Next(e.now())
	}

	// Every start is a new session so members drop their ordering state.
	e.session++
	e.refreshFramingLocked()
	e.markDirtyLocked()
	e.sched.SetServer(!e.device.Server.IsZero())
	e.metrics.Members.Set(float64(len(e.members)))

	return e, nil
}

// Run drives the engine until ctx is done. It closes the transport, writes
// any unsaved state and returns once every worker has exited.
func (e *Engine) Run(ctx context.Context) error {
	writerCtx, stopWriter := context.WithCancel(context.WithoutCancel(ctx))
	defer stopWriter()
	writerDone := make(chan error, 1)
	go func() { writerDone <- e.writer.Run(writerCtx) }()

	e.start()
	e.log.Infow("channel master started", "local", e.tr.LocalAddr(), "server", e.Server())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return e.readLoop(gctx) })
	g.Go(func() error { return e.workLoop(gctx) })
	g.Go(func() error { return e.pool.Run(gctx) })
	g.Go(func() error {
		e.reasm.Run(gctx, segment.DefaultSweepInterval)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		e.stopping.Store(true)
		e.sched.Stop()
		if err := e.tr.Close(); err != nil {
			return fmt.Errorf("close transport: %w", err)
		}
		return nil
	})
	err := g.Wait()

	e.mu.Lock()
	var blob []byte
	if e.dirty {
		blob = persist.Encode(e.snapshotLocked())
		e.dirty = false
	}
	e.mu.Unlock()
	if blob != nil {
		e.writer.Submit(blob)
	}
	stopWriter()
	err = multierr.Append(err, <-writerDone)

	e.pool.Close()
	e.log.Infow("channel master stopped")
	return err
}

// start computes the local route and issues the startup requests.
func (e *Engine) start() {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.sweepLocalClientsLocked()
	if e.device.Server.IsZero() {
		e.log.Infow("no configuration server set, waiting to be configured")
		return
	}
	reqs := types.Requests(types.RequestDeviceResponse, types.RequestMembers, types.RequestServerType)
	if e.ownRoute != nil {
		reqs = reqs.With(types.RequestSendOwnRouting)
	}
	if e.anyNeededLocked() {
		reqs = reqs.With(types.RequestRouting)
	}
	e.sched.Arm(reqs, true)
	e.sendRequestsLocked(reqs)
	// The startup round already carried both.
	e.work.And(^uint32(workSendRegistration | workSendRouting))
}

func (e *Engine) readLoop(ctx context.Context) error {
	for {
		src, b, err := e.tr.Recv(ctx)
		if err != nil {
			if errors.Is(err, transport.ErrClosed) || ctx.Err() != nil {
				return nil
			}
			e.log.Debugw("recv failed", "err", err)
			continue
		}
		e.receive(src, b)
	}
}

// ConnectState reports how complete this device's view of the channel is.
func (e *Engine) ConnectState() types.ConnectState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.connectStateLocked()
}

func (e *Engine) connectStateLocked() types.ConnectState {
	if e.device.Server.IsZero() || e.ownSlot == persist.NoSlot {
		return types.ConnectStateNotActiveMember
	}
	if e.sched.Pending().Has(types.RequestMembers) || e.anyNeededLocked() {
		return types.ConnectStateConfigOutOfDate
	}
	return types.ConnectStateActiveMember
}

func (e *Engine) Server() types.Endpoint {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.device.Server
}

func (e *Engine) Session() uint32 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.session
}

// OwnRoute returns a copy of the locally built route, or nil.
func (e *Engine) OwnRoute() *wire.ChannelRouting {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ownRoute.Clone()
}

// Snapshot returns the state as it would be persisted now.
func (e *Engine) Snapshot() *persist.Blob {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snapshotLocked()
}

// LocalChanged tells the engine the routing engine's local entities may have
// changed. The local route is recomputed on the protocol worker.
func (e *Engine) LocalChanged() {
	e.signal(workSweepLocal)
}

// Flush writes the current state durably and waits for the result.
func (e *Engine) Flush(ctx context.Context) error {
	e.mu.Lock()
	blob := persist.Encode(e.snapshotLocked())
	e.dirty = false
	e.mu.Unlock()

	e.writer.Submit(blob)
	return e.writer.Flush(ctx)
}

// Forward queues a LonTalk packet to every routed member whose route accept
// approves. A nil accept sends to all of them. It returns the number of
// members the packet was queued to.
func (e *Engine) Forward(pkt []byte, accept func(*wire.ChannelRouting) bool) int {
	e.mu.Lock()
	targets := make([]*client.Client, 0, len(e.members))
	for i, s := range e.members {
		if i == e.ownSlot || s.client == nil || s.routing == nil {
			continue
		}
		if accept != nil && !accept(s.routing) {
			continue
		}
		targets = append(targets, s.client)
	}
	e.mu.Unlock()

	if len(targets) == 0 {
		return 0
	}
	now := e.now()
	buf := e.bufs.Get(pkt)
	for _, c := range targets {
		c.Enqueue(now, buf.Clone())
	}
	buf.Release()
	return len(targets)
}

func (e *Engine) persisted(err error) {
	if err != nil {
		e.counters.persistFailures.Add(1)
	} else {
		e.counters.persistWrites.Add(1)
	}
	e.metrics.PersistResult(err)
}

func (e *Engine) restoreLocked(b *persist.Blob) {
	e.device = b.Device
	e.ownRoute = b.OwnRoute
	e.secret = b.Secret
	e.timezone = b.Timezone
	e.session = b.Session
	e.regDateTime = b.RegDateTime
	e.membersDateTime = b.MembersDateTime
	e.bandwidthKbps = b.BandwidthKbps
	e.aggregationMs = b.AggregationMs
	e.escrowMs = b.EscrowMs
	e.tos = b.TOS
	e.backwardCompatible = b.BackwardCompatible
	e.authEnabled = b.AuthEnabled
	e.ownSlot = b.OwnSlot
	e.applyTOSLocked()

	e.members = make([]*slot, 0, len(b.Members))
	for i, m := range b.Members {
		entry := wire.MemberEntry{Endpoint: m.Endpoint, DateTime: m.DateTime}
		if i == b.OwnSlot {
			e.members = append(e.members, &slot{entry: entry, shared: m.Shared, routing: e.ownRoute})
			continue
		}
		s := e.newSlotLocked(entry)
		s.shared = m.Shared
		s.routing = m.Routing
		s.needed = m.Routing == nil || m.Routing.DateTime != m.DateTime
		e.members = append(e.members, s)
	}
}

func (e *Engine) snapshotLocked() *persist.Blob {
	b := &persist.Blob{
		OwnRoute:           e.ownRoute.Clone(),
		Secret:             append([]byte(nil), e.secret...),
		Timezone:           e.timezone,
		Device:             e.deviceInfoLocked(),
		OwnSlot:            e.ownSlot,
		Session:            e.session,
		RegDateTime:        e.regDateTime,
		MembersDateTime:    e.membersDateTime,
		BandwidthKbps:      e.bandwidthKbps,
		AggregationMs:      e.aggregationMs,
		EscrowMs:           e.escrowMs,
		BackwardCompatible: e.backwardCompatible,
		AuthEnabled:        e.authEnabled,
		TOS:                e.tos,
	}
	if len(b.Secret) == 0 {
		b.Secret = nil
	}
	b.Members = make([]persist.Member, 0, len(e.members))
	for i, s := range e.members {
		m := persist.Member{Endpoint: s.entry.Endpoint, DateTime: s.entry.DateTime, Shared: s.shared}
		if i != e.ownSlot {
			m.Routing = s.routing.Clone()
		}
		b.Members = append(b.Members, m)
	}
	return b
}

func (e *Engine) deviceInfoLocked() wire.DeviceInfo {
	d := e.device
	d.NeuronIDs = append([]types.NeuronID(nil), e.device.NeuronIDs...)
	d.MembersDateTime = e.membersDateTime
	if e.backwardCompatible {
		d.Flags |= wire.DeviceBackwardCompatible
	} else {
		d.Flags &^= wire.DeviceBackwardCompatible
	}
	return d
}

func (e *Engine) markDirtyLocked() {
	e.dirty = true
	e.signal(workWritePersist)
}

func (e *Engine) bumpSessionLocked(reason string) {
	e.session++
	e.log.Debugw("session bumped", "session", e.session, "reason", reason)
	e.refreshFramingLocked()
	e.markDirtyLocked()
}

// rebuildRegistrationLocked marks the registration record changed and
// queues it for the server.
func (e *Engine) rebuildRegistrationLocked() {
	e.regDateTime = e.regDateTime.Next(e.now())
	e.markDirtyLocked()
	e.sched.Arm(types.Requests(types.RequestDeviceResponse), true)
	e.signal(workSendRegistration)
}

func (e *Engine) clientConfigLocked() client.Config {
	nat := e.device.Flags.Has(wire.DeviceNATAware) && !e.device.NAT.IsZero()
	auth := e.authEnabled && len(e.secret) > 0
	return client.Config{
		MaxPayload:    e.splitter.MaxDatagram() - wire.Overhead(nat, auth),
		BandwidthKbps: e.bandwidthKbps,
		Aggregation:   msDuration(e.aggregationMs),
		Escrow:        msDuration(e.escrowMs),
	}
}

func (e *Engine) reconfigureClientsLocked() {
	cfg := e.clientConfigLocked()
	for _, s := range e.members {
		if s.client != nil {
			s.client.Configure(cfg)
		}
	}
	e.pool.SetInterval(client.TickInterval(cfg))
}

type tosSetter interface {
	SetTOS(tos uint8) error
}

func (e *Engine) applyTOSLocked() {
	ts, ok := e.tr.(tosSetter)
	if !ok {
		return
	}
	if err := ts.SetTOS(e.tos); err != nil {
		e.log.Warnw("failed applying TOS bits", "tos", e.tos, "err", err)
	}
}

func msDuration(ms uint16) time.Duration {
	return time.Duration(ms) * time.Millisecond
}
