package sink

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// ErrFlushFailed reports that a forced flush stopped early because the
// sink rejected a batch.
var ErrFlushFailed = errors.New("sink flush failed")

// Stats is a point-in-time view of one transport's delivery state.
type Stats struct {
	Name    string `json:"name"`
	Pending int    `json:"pending"`
	Sent    uint64 `json:"sent"`
	Batches uint64 `json:"batches"`
	Failed  uint64 `json:"failed_batches"`
	Dropped uint64 `json:"dropped"`
}

// Transport buffers records for one sink and flushes them in batches: when
// the buffer reaches the batch size, or when the flush window elapses since
// the batch started, whichever comes first. Enqueue never blocks on I/O.
//
// A failed batch is prepended back onto the buffer and retried on the next
// trigger. The buffer is hard-capped; once full, the oldest records are
// dropped, with one warning per overflow episode rather than one per
// record.
type Transport struct {
	name          string
	sender        Sender
	batchSize     int
	flushInterval time.Duration
	bufferCap     int
	sendTimeout   time.Duration
	logger        *zap.Logger

	mu             sync.Mutex
	buffer         []Record
	windowStart    time.Time
	retryAfter     time.Time
	overflowWarned bool

	sendMu sync.Mutex

	kick   chan struct{}
	done   chan struct{}
	wg     sync.WaitGroup
	closed atomic.Bool

	sent    atomic.Uint64
	batches atomic.Uint64
	failed  atomic.Uint64
	dropped atomic.Uint64
}

// Options tunes one transport. Zero fields fall back to the package
// defaults (batch 100, window 5s, cap 1000, send timeout 10s).
type Options struct {
	BatchSize     int
	FlushInterval time.Duration
	BufferCap     int
	SendTimeout   time.Duration
}

const (
	defaultBatchSize     = 100
	defaultFlushInterval = 5 * time.Second
	defaultBufferCap     = 1000
	defaultSendTimeout   = 10 * time.Second
)

func NewTransport(sender Sender, opts Options, logger *zap.Logger) *Transport {
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaultBatchSize
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = defaultFlushInterval
	}
	if opts.BufferCap < opts.BatchSize {
		opts.BufferCap = defaultBufferCap
	}
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = defaultSendTimeout
	}

	t := &Transport{
		name:          sender.Name(),
		sender:        sender,
		batchSize:     opts.BatchSize,
		flushInterval: opts.FlushInterval,
		bufferCap:     opts.BufferCap,
		sendTimeout:   opts.SendTimeout,
		logger:        logger.Named("sink").With(zap.String("sink", sender.Name())),
		kick:          make(chan struct{}, 1),
		done:          make(chan struct{}),
	}

	t.wg.Add(1)
	go t.run()
	return t
}

func (t *Transport) Name() string { return t.name }

// Enqueue appends one record. It is synchronous only for the in-memory
// append; delivery happens on the transport's own goroutine.
func (t *Transport) Enqueue(rec Record) {
	if t.closed.Load() {
		t.dropped.Add(1)
		return
	}

	t.mu.Lock()
	if len(t.buffer) == 0 {
		t.windowStart = time.Now()
	}
	t.buffer = append(t.buffer, rec)
	t.enforceCapLocked()
	ready := len(t.buffer) >= t.batchSize || len(t.buffer) == 1
	t.mu.Unlock()

	if ready {
		select {
		case t.kick <- struct{}{}:
		default:
		}
	}
}

// enforceCapLocked drops oldest-first past the hard cap. Caller holds mu.
func (t *Transport) enforceCapLocked() {
	over := len(t.buffer) - t.bufferCap
	if over <= 0 {
		return
	}
	t.buffer = t.buffer[over:]
	t.dropped.Add(uint64(over))
	if !t.overflowWarned {
		t.overflowWarned = true
		t.logger.Warn("Sink buffer full; dropping oldest records",
			zap.Int("buffer_cap", t.bufferCap))
	}
}

func (t *Transport) run() {
	defer t.wg.Done()
	timer := time.NewTimer(t.flushInterval)
	if !timer.Stop() {
		<-timer.C
	}

	for {
		wait, idle := t.nextWait()

		if !idle && wait <= 0 {
			t.flushOnce()
			continue
		}

		if idle {
			select {
			case <-t.kick:
				continue
			case <-t.done:
				t.drain()
				return
			}
		}

		timer.Reset(wait)
		select {
		case <-timer.C:
			t.flushOnce()
		case <-t.kick:
			if !timer.Stop() {
				<-timer.C
			}
		case <-t.done:
			if !timer.Stop() {
				<-timer.C
			}
			t.drain()
			return
		}
	}
}

// nextWait decides what the flush loop should do: idle until kicked, flush
// immediately (wait <= 0), or sleep until the window or retry cooldown
// expires.
func (t *Transport) nextWait() (wait time.Duration, idle bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.buffer) == 0 {
		return 0, true
	}

	now := time.Now()
	if until := t.retryAfter.Sub(now); until > 0 {
		return until, false
	}
	if len(t.buffer) >= t.batchSize {
		return 0, false
	}
	if remaining := t.flushInterval - now.Sub(t.windowStart); remaining > 0 {
		return remaining, false
	}
	return 0, false
}

// flushOnce sends at most one batch. Failure requeues the batch at the
// front, preserving submission order, and arms a retry cooldown so a dead
// endpoint is not hammered.
func (t *Transport) flushOnce() bool {
	t.sendMu.Lock()
	defer t.sendMu.Unlock()

	t.mu.Lock()
	if len(t.buffer) == 0 {
		t.mu.Unlock()
		return true
	}
	n := min(len(t.buffer), t.batchSize)
	batch := make([]Record, n)
	copy(batch, t.buffer[:n])
	t.buffer = t.buffer[n:]
	t.windowStart = time.Now()
	t.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), t.sendTimeout)
	err := t.sender.Send(ctx, batch)
	cancel()

	if err != nil {
		t.failed.Add(1)
		t.logger.Error("Sink flush failed; batch requeued",
			zap.Int("batch_size", len(batch)), zap.Error(err))

		t.mu.Lock()
		t.buffer = append(batch, t.buffer...)
		t.enforceCapLocked()
		t.retryAfter = time.Now().Add(t.flushInterval)
		t.windowStart = time.Now()
		t.mu.Unlock()
		return false
	}

	t.batches.Add(1)
	t.sent.Add(uint64(len(batch)))

	t.mu.Lock()
	if len(t.buffer) < t.bufferCap {
		t.overflowWarned = false
	}
	t.retryAfter = time.Time{}
	t.mu.Unlock()
	return true
}

// drain flushes until the buffer empties or a send fails.
func (t *Transport) drain() {
	for {
		t.mu.Lock()
		n := len(t.buffer)
		t.retryAfter = time.Time{}
		t.mu.Unlock()
		if n == 0 {
			return
		}
		if !t.flushOnce() {
			t.mu.Lock()
			left := len(t.buffer)
			t.mu.Unlock()
			t.logger.Warn("Sink closed with undelivered records",
				zap.Int("pending", left))
			return
		}
	}
}

// Flush forces delivery of everything buffered, for shutdown paths. It
// returns once the buffer is empty, a send fails, or ctx expires.
func (t *Transport) Flush(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		t.mu.Lock()
		n := len(t.buffer)
		t.retryAfter = time.Time{}
		t.mu.Unlock()
		if n == 0 {
			return nil
		}
		if !t.flushOnce() {
			return ErrFlushFailed
		}
	}
}

// Close stops the flush loop after a final best-effort drain. Safe to call
// more than once.
func (t *Transport) Close() {
	if t.closed.Swap(true) {
		return
	}
	close(t.done)
	t.wg.Wait()
}

// Stats reports delivery counters for the statistics API.
func (t *Transport) Stats() Stats {
	t.mu.Lock()
	pending := len(t.buffer)
	t.mu.Unlock()

	return Stats{
		Name:    t.name,
		Pending: pending,
		Sent:    t.sent.Load(),
		Batches: t.batches.Load(),
		Failed:  t.failed.Load(),
		Dropped: t.dropped.Load(),
	}
}
