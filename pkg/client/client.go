// Package client implements the data link to one channel member: outbound
// LonTalk packets are aggregated and rate limited, inbound ones are put
// back in sequence order.
package client

import (
	"math"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sambigeara/lonip/pkg/packet"
	"github.com/sambigeara/lonip/pkg/types"
	"github.com/sambigeara/lonip/pkg/wire"
)

const (
	maxHeld   = 64
	maxOutbox = 32

	bitsPerByte = 8
	burstWindow = 100 * time.Millisecond
)

// Sender transmits one Data message to a member. It is called without any
// client lock held and must not call back into the client.
type Sender interface {
	SendData(dst types.Endpoint, seq uint32, packets [][]byte) error
}

// DeliverFunc hands an in-order inbound packet to the routing engine.
type DeliverFunc func(src types.Endpoint, pkt []byte)

type Config struct {
	MaxPayload    int
	BandwidthKbps uint32
	Aggregation   time.Duration
	Escrow        time.Duration
}

type held struct {
	at      time.Time
	packets [][]byte
}

type outgoing struct {
	buffers []*packet.Buffer
	seq     uint32
}

type Stats struct {
	Sent      uint64
	Received  uint64
	Throttled uint64
	Dropped   uint64
	Reordered uint64
}

// Client is the data link to one member.
type Client struct {
	batchStart time.Time
	log        *zap.SugaredLogger
	sender     Sender
	deliver    DeliverFunc
	limiter    *rate.Limiter
	held       map[uint32]held
	batch      []*packet.Buffer
	outbox     []outgoing
	cfg        Config
	stats      Stats
	dst        types.Endpoint
	batchSize  int
	seq        uint32
	session    uint32
	expected   uint32
	inSession  bool
	closed     bool
	mu         sync.Mutex
}

func New(dst types.Endpoint, sender Sender, deliver DeliverFunc, cfg Config) *Client {
	c := &Client{
		log:     zap.S().Named("client").With("member", dst.String()),
		dst:     dst,
		sender:  sender,
		deliver: deliver,
		held:    make(map[uint32]held),
	}
	c.configureLocked(cfg)
	return c
}

func (c *Client) Endpoint() types.Endpoint {
	return c.dst
}

// Configure applies new tunables. Queued traffic is kept.
func (c *Client) Configure(cfg Config) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.configureLocked(cfg)
}

func (c *Client) configureLocked(cfg Config) {
	if cfg.MaxPayload <= 0 {
		cfg.MaxPayload = wire.DefaultMaxDatagram - wire.HeaderLen
	}
	c.cfg = cfg
	c.limiter = newLimiter(cfg.BandwidthKbps, cfg.MaxPayload)
}

func newLimiter(kbps uint32, maxPayload int) *rate.Limiter {
	if kbps == 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	bytesPerSec := float64(kbps) * 1000 / bitsPerByte
	burst := max(maxPayload, int(math.Ceil(bytesPerSec*burstWindow.Seconds())))
	return rate.NewLimiter(rate.Limit(bytesPerSec), burst)
}

// Enqueue takes ownership of buf and queues it for the member.
func (c *Client) Enqueue(now time.Time, buf *packet.Buffer) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		buf.Release()
		return
	}

	size := wire.DataSize(buf.Bytes())
	if len(c.batch) > 0 && c.batchSize+size > c.cfg.MaxPayload {
		c.sealLocked()
	}
	if len(c.batch) == 0 {
		c.batchStart = now
	}
	c.batch = append(c.batch, buf)
	c.batchSize += size
	if c.cfg.Aggregation <= 0 {
		c.sealLocked()
	}
	out := c.drainOutboxLocked(now)
	c.mu.Unlock()

	c.send(out)
}

// Receive accepts the packets of one inbound Data message.
func (c *Client) Receive(now time.Time, session, seq uint32, packets [][]byte) {
	c.mu.Lock()
	var ready [][]byte

	switch {
	case !c.inSession || session != c.session:
		if c.inSession {
			c.log.Debugw("member session changed, resetting order", "old", c.session, "new", session)
		}
		c.session = session
		c.inSession = true
		clear(c.held)
		c.expected = seq + 1
		ready = packets
	case c.cfg.Escrow <= 0:
		c.expected = seq + 1
		ready = packets
	case seq == c.expected:
		c.expected++
		ready = append(ready, packets...)
		ready = c.releaseHeldLocked(ready)
	case seqBefore(seq, c.expected):
		c.stats.Dropped++
	default:
		if _, dup := c.held[seq]; !dup {
			c.held[seq] = held{at: now, packets: packets}
			c.stats.Reordered++
		}
		if len(c.held) > maxHeld {
			ready = c.skipGapLocked(ready)
		}
	}
	c.stats.Received += uint64(len(ready))
	c.mu.Unlock()

	for _, p := range ready {
		c.deliver(c.dst, p)
	}
}

// Tick flushes an aged batch, sends what the rate limit now allows and
// releases inbound packets held past the escrow time.
func (c *Client) Tick(now time.Time) {
	c.mu.Lock()
	if len(c.batch) > 0 && now.Sub(c.batchStart) >= c.cfg.Aggregation {
		c.sealLocked()
	}
	out := c.drainOutboxLocked(now)

	var ready [][]byte
	for len(c.held) > 0 {
		oldest, ok := c.oldestHeldLocked()
		if !ok || now.Sub(c.held[oldest].at) < c.cfg.Escrow {
			break
		}
		ready = c.skipGapLocked(ready)
	}
	c.stats.Received += uint64(len(ready))
	c.mu.Unlock()

	c.send(out)
	for _, p := range ready {
		c.deliver(c.dst, p)
	}
}

// Close drops everything queued.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	for _, b := range c.batch {
		b.Release()
	}
	for _, o := range c.outbox {
		for _, b := range o.buffers {
			b.Release()
		}
	}
	c.batch, c.outbox, c.batchSize = nil, nil, 0
	clear(c.held)
}

func (c *Client) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

func (c *Client) sealLocked() {
	c.seq++
	c.outbox = append(c.outbox, outgoing{seq: c.seq, buffers: c.batch})
	c.batch, c.batchSize = nil, 0
	if len(c.outbox) > maxOutbox {
		for _, b := range c.outbox[0].buffers {
			b.Release()
		}
		c.outbox = c.outbox[1:]
		c.stats.Dropped++
		c.log.Debugw("outbound queue full, dropped oldest batch")
	}
}

func (c *Client) drainOutboxLocked(now time.Time) []outgoing {
	n := 0
	for _, o := range c.outbox {
		size := 0
		for _, b := range o.buffers {
			size += wire.DataSize(b.Bytes())
		}
		if !c.limiter.AllowN(now, min(size, c.limiter.Burst())) {
			c.stats.Throttled++
			break
		}
		n++
	}
	out := c.outbox[:n:n]
	c.outbox = c.outbox[n:]
	return out
}

func (c *Client) send(out []outgoing) {
	for _, o := range out {
		packets := make([][]byte, len(o.buffers))
		for i, b := range o.buffers {
			packets[i] = b.Bytes()
		}
		if err := c.sender.SendData(c.dst, o.seq, packets); err != nil {
			c.log.Debugw("failed sending data", "seq", o.seq, "err", err)
		} else {
			c.mu.Lock()
			c.stats.Sent += uint64(len(packets))
			c.mu.Unlock()
		}
		for _, b := range o.buffers {
			b.Release()
		}
	}
}

func (c *Client) releaseHeldLocked(ready [][]byte) [][]byte {
	for {
		h, ok := c.held[c.expected]
		if !ok {
			return ready
		}
		delete(c.held, c.expected)
		c.expected++
		ready = append(ready, h.packets...)
	}
}

// skipGapLocked gives up on the missing sequence numbers before the oldest
// held message and releases everything now contiguous.
func (c *Client) skipGapLocked(ready [][]byte) [][]byte {
	oldest, ok := c.oldestHeldLocked()
	if !ok {
		return ready
	}
	c.log.Debugw("gave up waiting for missing data", "from", c.expected, "to", oldest)
	c.expected = oldest
	return c.releaseHeldLocked(ready)
}

func (c *Client) oldestHeldLocked() (uint32, bool) {
	var (
		oldest uint32
		found  bool
	)
	for seq := range c.held {
		if !found || seqBefore(seq, oldest) {
			oldest, found = seq, true
		}
	}
	return oldest, found
}

// seqBefore compares sequence numbers allowing for wraparound.
func seqBefore(a, b uint32) bool {
	return int32(a-b) < 0 //nolint:gosec
}
