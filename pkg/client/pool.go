package client

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sambigeara/lonip/pkg/util"
)

const (
	MinTickInterval = 100 * time.Millisecond
	MaxTickInterval = time.Second

	tickJitter = 0.1
)

// TickInterval picks the pool period for cfg: the shortest window that
// needs servicing, bounded to [MinTickInterval, MaxTickInterval].
func TickInterval(cfg Config) time.Duration {
	d := MaxTickInterval
	if cfg.Aggregation > 0 {
		d = min(d, cfg.Aggregation)
	}
	if cfg.Escrow > 0 {
		d = min(d, cfg.Escrow)
	}
	if cfg.BandwidthKbps > 0 {
		d = min(d, burstWindow)
	}
	return max(d, MinTickInterval)
}

// Pool ticks every live client.
type Pool struct {
	log      *zap.SugaredLogger
	clients  map[*Client]struct{}
	reconfig chan struct{}
	interval time.Duration
	mu       sync.Mutex
}

func NewPool(interval time.Duration) *Pool {
	return &Pool{
		log:      zap.S().Named("client"),
		clients:  make(map[*Client]struct{}),
		reconfig: make(chan struct{}, 1),
		interval: interval,
	}
}

func (p *Pool) Add(c *Client) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.clients[c] = struct{}{}
}

// Remove stops ticking c and closes it.
func (p *Pool) Remove(c *Client) {
	p.mu.Lock()
	delete(p.clients, c)
	p.mu.Unlock()
	c.Close()
}

func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.clients)
}

// SetInterval changes the tick period of a running pool.
func (p *Pool) SetInterval(d time.Duration) {
	p.mu.Lock()
	changed := d != p.interval
	p.interval = d
	p.mu.Unlock()
	if !changed {
		return
	}
	select {
	case p.reconfig <- struct{}{}:
	default:
	}
}

func (p *Pool) Interval() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.interval
}

// Tick services every client once.
func (p *Pool) Tick(now time.Time) {
	p.mu.Lock()
	clients := make([]*Client, 0, len(p.clients))
	for c := range p.clients {
		clients = append(clients, c)
	}
	p.mu.Unlock()

	for _, c := range clients {
		c.Tick(now)
	}
}

// Run ticks the pool until ctx is done.
func (p *Pool) Run(ctx context.Context) error {
	ticker := util.NewJitterTicker(ctx, p.Interval(), tickJitter)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-p.reconfig:
			interval := p.Interval()
			p.log.Debugw("client pool interval changed", "interval", interval)
			ticker.SetBase(interval)
		case now, ok := <-ticker.C:
			if !ok {
				return nil
			}
			p.Tick(now)
		}
	}
}

// Close closes every client.
func (p *Pool) Close() {
	p.mu.Lock()
	clients := p.clients
	p.clients = make(map[*Client]struct{})
	p.mu.Unlock()
	for c := range clients {
		c.Close()
	}
}
