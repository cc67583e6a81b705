package persist

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sambigeara/lonip/pkg/failsafe"
)

const (
	DefaultDebounce = 5 * time.Second
	queueDepth      = 4
)

var ErrWriterClosed = errors.New("persistence writer stopped")

// Writer owns durable writes of the blob. Submissions are batched: the
// newest blob queued when the debounce expires is the one written, and a
// full queue discards its oldest entry.
type Writer struct {
	store    *failsafe.Store
	log      *zap.SugaredLogger
	onResult func(error)
	queue    chan []byte
	flushCh  chan chan error
	done     chan struct{}
	path     string
	debounce time.Duration
	mu       sync.Mutex
}

type WriterOption func(*Writer)

func WithDebounce(d time.Duration) WriterOption {
	return func(w *Writer) { w.debounce = d }
}

// WithResultHook registers fn to observe the outcome of every durable write.
func WithResultHook(fn func(error)) WriterOption {
	return func(w *Writer) { w.onResult = fn }
}

func NewWriter(store *failsafe.Store, path string, opts ...WriterOption) *Writer {
	w := &Writer{
		store:    store,
		path:     path,
		debounce: DefaultDebounce,
		log:      zap.S().Named("persist"),
		queue:    make(chan []byte, queueDepth),
		flushCh:  make(chan chan error),
		done:     make(chan struct{}),
	}
	for _, o := range opts {
		o(w)
	}
	return w
}

// Submit queues an encoded blob. It never blocks.
func (w *Writer) Submit(blob []byte) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for {
		select {
		case w.queue <- blob:
			return
		default:
		}
		select {
		case <-w.queue:
			w.log.Debugw("write queue full, discarding oldest blob")
		default:
		}
	}
}

// Flush writes any queued blob now and waits for the result.
func (w *Writer) Flush(ctx context.Context) error {
	ch := make(chan error, 1)
	select {
	case w.flushCh <- ch:
	case <-w.done:
		return ErrWriterClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-ch:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run services the queue until ctx is cancelled. Before returning it writes
// whatever is still pending, synchronously.
func (w *Writer) Run(ctx context.Context) error {
	defer close(w.done)

	var (
		pending []byte
		timer   *time.Timer
		timerC  <-chan time.Time
	)
	arm := func() {
		if timerC != nil {
			return
		}
		timer = time.NewTimer(w.debounce)
		timerC = timer.C
	}
	disarm := func() {
		if timer != nil {
			timer.Stop()
		}
		timerC = nil
	}

	for {
		select {
		case <-ctx.Done():
			disarm()
			if pending = w.drain(pending); pending != nil {
				if err := w.write(pending); err != nil {
					return err
				}
			}
			return nil

		case b := <-w.queue:
			pending = b
			arm()

		case <-timerC:
			timerC = nil
			pending = w.drain(pending)
			if pending == nil {
				continue
			}
			if err := w.write(pending); err != nil {
				arm()
				continue
			}
			pending = nil

		case ch := <-w.flushCh:
			disarm()
			var err error
			if pending = w.drain(pending); pending != nil {
				if err = w.write(pending); err != nil {
					arm()
				} else {
					pending = nil
				}
			}
			ch <- err
		}
	}
}

func (w *Writer) drain(pending []byte) []byte {
	for {
		select {
		case b := <-w.queue:
			pending = b
		default:
			return pending
		}
	}
}

func (w *Writer) write(blob []byte) error {
	err := w.store.Write(w.path, blob)
	if err != nil {
		w.log.Errorw("URGENT: failed to persist channel configuration, continuing from memory", "path", w.path, "err", err)
	} else {
		w.log.Debugw("persisted channel configuration", "path", w.path, "bytes", len(blob))
	}
	if w.onResult != nil {
		w.onResult(err)
	}
	return err
}
