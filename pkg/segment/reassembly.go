package segment

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
	"go.uber.org/zap"

	"github.com/sambigeara/lonip/pkg/types"
	"github.com/sambigeara/lonip/pkg/wire"
)

const (
	DefaultEscrowTimeout = 10 * time.Second
	DefaultSweepInterval = time.Second
)

var ErrSegmentAfterFinal = errors.New("segment beyond final segment")

// Message is a reassembled logical packet tagged with where it came from.
type Message struct {
	Bytes  []byte
	Source types.Endpoint
}

type transfer struct {
	chunks map[uint8][]byte
	final  int
	done   bool
}

func newTransfer() *transfer {
	return &transfer{chunks: make(map[uint8][]byte), final: -1}
}

// complete reports whether the final segment and every segment before it
// are held.
func (t *transfer) complete() bool {
	if t.final < 0 {
		return false
	}
	for i := 0; i <= t.final; i++ {
		if _, ok := t.chunks[uint8(i)]; !ok {
			return false
		}
	}
	return true
}

// trimAfterFinal discards chunks numbered past the final segment and
// returns how many there were.
func (t *transfer) trimAfterFinal() int {
	n := 0
	for id := range t.chunks {
		if int(id) > t.final {
			delete(t.chunks, id)
			n++
		}
	}
	return n
}

// Reassembler holds partial transfers in escrow keyed by (source, session,
// request id) until their final segment completes them or they go stale.
type Reassembler struct {
	log     *zap.SugaredLogger
	escrow  *cache.Cache
	onDrop  func(n int)
	timeout time.Duration
	mu      sync.Mutex
}

// NewReassembler creates a reassembler. onDrop, if set, is called with the
// number of escrowed segments discarded whenever a stale transfer is purged.
func NewReassembler(timeout time.Duration, onDrop func(n int)) *Reassembler {
	if timeout <= 0 {
		timeout = DefaultEscrowTimeout
	}
	r := &Reassembler{
		log:     zap.S().Named("segment"),
		escrow:  cache.New(timeout, 0),
		timeout: timeout,
		onDrop:  onDrop,
	}
	r.escrow.OnEvicted(r.evicted)
	return r
}

func escrowKey(src types.Endpoint, session uint32, id uint16) string {
	return fmt.Sprintf("%s/%d#%d", src, session, id)
}

func (r *Reassembler) evicted(key string, v any) {
	t := v.(*transfer) //nolint:forcetypeassert
	if t.done {
		return
	}
	r.log.Debugw("discarding stale partial transfer", "key", key, "segments", len(t.chunks))
	r.dropped(len(t.chunks))
}

// Add escrows seg, sent by src under session. When it completes its
// transfer the concatenated logical message is returned with complete set.
func (r *Reassembler) Add(src types.Endpoint, session uint32, seg *wire.Segment) (Message, bool, error) {
	key := escrowKey(src, session, seg.RequestID)

	r.mu.Lock()
	defer r.mu.Unlock()

	// Expired transfers are reported before a new one can take their key.
	r.escrow.DeleteExpired()

	var t *transfer
	if v, ok := r.escrow.Get(key); ok {
		t = v.(*transfer) //nolint:forcetypeassert
	} else {
		t = newTransfer()
	}

	if t.final >= 0 && int(seg.SegmentID) > t.final {
		return Message{}, false, fmt.Errorf("%w: %d > %d", ErrSegmentAfterFinal, seg.SegmentID, t.final)
	}
	if held, dup := t.chunks[seg.SegmentID]; dup {
		if bytes.Equal(held, seg.Chunk) {
			r.escrow.SetDefault(key, t)
			return Message{}, false, nil
		}
		// Same id, different data: the sender started over.
		r.log.Debugw("restarting partial transfer", "key", key, "segments", len(t.chunks))
		r.dropped(len(t.chunks))
		t = newTransfer()
	}
	t.chunks[seg.SegmentID] = append([]byte(nil), seg.Chunk...)
	if seg.Final {
		t.final = int(seg.SegmentID)
		if n := t.trimAfterFinal(); n > 0 {
			r.dropped(n)
		}
	}

	if !t.complete() {
		// Refreshes this transfer's expiry only.
		r.escrow.SetDefault(key, t)
		return Message{}, false, nil
	}

	size := 0
	for _, c := range t.chunks {
		size += len(c)
	}
	out := make([]byte, 0, size)
	for i := 0; i <= t.final; i++ {
		out = append(out, t.chunks[uint8(i)]...)
	}
	t.done = true
	r.escrow.Delete(key)

	return Message{Bytes: out, Source: src}, true, nil
}

func (r *Reassembler) dropped(n int) {
	if r.onDrop != nil {
		r.onDrop(n)
	}
}

// Pending returns the number of partial transfers held in escrow.
func (r *Reassembler) Pending() int {
	return r.escrow.ItemCount()
}

// Sweep discards transfers whose last activity is older than the timeout.
func (r *Reassembler) Sweep() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.escrow.DeleteExpired()
}

// Run sweeps periodically until ctx is done.
func (r *Reassembler) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			r.Sweep()
		}
	}
}
