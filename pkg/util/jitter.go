package util

import (
	"context"
	"math/rand/v2"
	"time"
)

const jitterScale = 2

// JitterTicker delivers ticks spaced around a base period, each offset by up
// to percent of it. The base can be changed while running.
type JitterTicker struct {
	C      <-chan time.Time
	rebase chan time.Duration
	stop   context.CancelFunc
}

func NewJitterTicker(ctx context.Context, base time.Duration, percent float64) *JitterTicker {
	tickCh := make(chan time.Time)
	rebase := make(chan time.Duration, 1)
	ctx, cancel := context.WithCancel(ctx)
	go func() {
		defer close(tickCh)
		timer := time.NewTimer(Jitter(base, percent))
		defer timer.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case base = <-rebase:
				timer.Reset(Jitter(base, percent))
			case t := <-timer.C:
				select {
				case <-ctx.Done():
					return
				case tickCh <- t:
				}
				timer.Reset(Jitter(base, percent))
			}
		}
	}()
	return &JitterTicker{C: tickCh, rebase: rebase, stop: cancel}
}

// SetBase restarts the current period with a new base. Only the latest of
// several unconsumed calls takes effect.
func (t *JitterTicker) SetBase(d time.Duration) {
	for {
		select {
		case t.rebase <- d:
			return
		default:
		}
		select {
		case <-t.rebase:
		default:
		}
	}
}

func (t *JitterTicker) Stop() {
	t.stop()
}

// Jitter returns d offset by a uniformly random amount within percent of d.
func Jitter(d time.Duration, percent float64) time.Duration {
	if percent <= 0 {
		return d
	}
	delta := time.Duration(float64(d) * percent)
	if delta <= 0 {
		return d
	}
	n := int64(delta)*jitterScale + 1
	offset := time.Duration(rand.N(n)) - delta //nolint:gosec
	return d + offset
}
