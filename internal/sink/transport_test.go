package sink

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"
)

// fakeSender records delivered batches and can be told to fail the next
// n send attempts.
type fakeSender struct {
	name string

	mu       sync.Mutex
	batches  [][]Record
	attempts int
	fail     int

	delivered chan int
}

func newFakeSender(name string) *fakeSender {
	return &fakeSender{name: name, delivered: make(chan int, 64)}
}

func (f *fakeSender) Name() string { return f.name }

func (f *fakeSender) Send(_ context.Context, records []Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempts++
	if f.fail > 0 {
		f.fail--
		return errors.New("endpoint unavailable")
	}
	batch := make([]Record, len(records))
	copy(batch, records)
	f.batches = append(f.batches, batch)
	select {
	case f.delivered <- len(records):
	default:
	}
	return nil
}

func (f *fakeSender) setFail(n int) {
	f.mu.Lock()
	f.fail = n
	f.mu.Unlock()
}

func (f *fakeSender) batchSizes() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	sizes := make([]int, len(f.batches))
	for i, b := range f.batches {
		sizes[i] = len(b)
	}
	return sizes
}

func (f *fakeSender) totalRecords() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, b := range f.batches {
		n += len(b)
	}
	return n
}

func (f *fakeSender) attemptCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.attempts
}

func seqRecord(i int) Record {
	return Record{"seq": i, "message": "event"}
}

func TestTransportFlushesFullBatches(t *testing.T) {
	fake := newFakeSender("test")
	tr := NewTransport(fake, Options{
		BatchSize:     100,
		FlushInterval: time.Hour,
		BufferCap:     1000,
	}, zaptest.NewLogger(t))

	for i := 0; i < 150; i++ {
		tr.Enqueue(seqRecord(i))
	}

	require.NoError(t, tr.Flush(context.Background()))
	tr.Close()

	// 150 records at batch size 100 means one full batch and one remainder.
	assert.Equal(t, []int{100, 50}, fake.batchSizes())

	stats := tr.Stats()
	assert.Equal(t, 0, stats.Pending)
	assert.Equal(t, uint64(150), stats.Sent)
	assert.Equal(t, uint64(2), stats.Batches)
	assert.Equal(t, uint64(0), stats.Failed)
	assert.Equal(t, uint64(0), stats.Dropped)
}

func TestTransportFlushesOnWindowElapse(t *testing.T) {
	fake := newFakeSender("test")
	tr := NewTransport(fake, Options{
		BatchSize:     100,
		FlushInterval: 40 * time.Millisecond,
		BufferCap:     1000,
	}, zaptest.NewLogger(t))
	defer tr.Close()

	tr.Enqueue(seqRecord(0))
	tr.Enqueue(seqRecord(1))
	tr.Enqueue(seqRecord(2))

	// The batch never fills; delivery must still happen once the window
	// elapses.
	require.Eventually(t, func() bool {
		return fake.totalRecords() == 3
	}, 2*time.Second, 10*time.Millisecond)
}

func TestTransportRequeuesFailedBatchInOrder(t *testing.T) {
	fake := newFakeSender("test")
	fake.setFail(1)
	tr := NewTransport(fake, Options{
		BatchSize:     100,
		FlushInterval: 30 * time.Millisecond,
		BufferCap:     1000,
	}, zaptest.NewLogger(t))

	tr.Enqueue(seqRecord(0))
	tr.Enqueue(seqRecord(1))
	tr.Enqueue(seqRecord(2))

	// First window attempt fails; the retry cooldown passes and the same
	// batch goes out again.
	require.Eventually(t, func() bool {
		return fake.totalRecords() == 3
	}, 2*time.Second, 10*time.Millisecond)
	tr.Close()

	require.Equal(t, 2, fake.attemptCount())
	require.Len(t, fake.batches, 1)
	for i, rec := range fake.batches[0] {
		assert.Equal(t, i, rec["seq"])
	}

	stats := tr.Stats()
	assert.Equal(t, uint64(1), stats.Failed)
	assert.Equal(t, uint64(3), stats.Sent)
	assert.Equal(t, uint64(1), stats.Batches)
}

func TestTransportDropsOldestPastCapWithSingleWarning(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	fake := newFakeSender("test")
	fake.setFail(1)
	tr := NewTransport(fake, Options{
		BatchSize:     5,
		FlushInterval: time.Hour,
		BufferCap:     10,
	}, zap.New(core))

	// The first five records trigger a flush that fails and requeues; with
	// the retry cooldown armed nothing leaves the buffer while ten more
	// arrive, so five oldest records are pushed out.
	for i := 0; i < 15; i++ {
		tr.Enqueue(seqRecord(i))
	}

	require.Eventually(t, func() bool {
		return tr.Stats().Dropped == 5
	}, 2*time.Second, 10*time.Millisecond)

	stats := tr.Stats()
	assert.Equal(t, 10, stats.Pending)
	assert.Equal(t, uint64(1), stats.Failed)

	warnings := logs.FilterMessage("Sink buffer full; dropping oldest records")
	assert.Equal(t, 1, warnings.Len())

	// Recovery drains the survivors oldest-first.
	require.NoError(t, tr.Flush(context.Background()))
	tr.Close()

	require.Equal(t, 10, fake.totalRecords())
	assert.Equal(t, 5, fake.batches[0][0]["seq"])
	assert.Equal(t, 10, fake.batches[1][0]["seq"])
}

func TestTransportFlushReportsSendFailure(t *testing.T) {
	fake := newFakeSender("test")
	fake.setFail(1000)
	tr := NewTransport(fake, Options{
		BatchSize:     100,
		FlushInterval: time.Hour,
		BufferCap:     1000,
	}, zaptest.NewLogger(t))
	defer tr.Close()

	tr.Enqueue(seqRecord(0))
	tr.Enqueue(seqRecord(1))

	err := tr.Flush(context.Background())
	require.ErrorIs(t, err, ErrFlushFailed)

	// Nothing is lost on a failed flush; records wait for the next try.
	assert.Equal(t, 2, tr.Stats().Pending)

	fake.setFail(0)
	require.NoError(t, tr.Flush(context.Background()))
	assert.Equal(t, 0, tr.Stats().Pending)
}

func TestTransportFlushHonorsContext(t *testing.T) {
	fake := newFakeSender("test")
	fake.setFail(1000)
	tr := NewTransport(fake, Options{
		BatchSize:     100,
		FlushInterval: time.Hour,
		BufferCap:     1000,
	}, zaptest.NewLogger(t))
	defer tr.Close()

	tr.Enqueue(seqRecord(0))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.ErrorIs(t, tr.Flush(ctx), context.Canceled)
}

func TestTransportCloseDrainsBuffer(t *testing.T) {
	fake := newFakeSender("test")
	tr := NewTransport(fake, Options{
		BatchSize:     100,
		FlushInterval: time.Hour,
		BufferCap:     1000,
	}, zaptest.NewLogger(t))

	tr.Enqueue(seqRecord(0))
	tr.Enqueue(seqRecord(1))
	tr.Enqueue(seqRecord(2))

	tr.Close()

	assert.Equal(t, 3, fake.totalRecords())
	assert.Equal(t, uint64(3), tr.Stats().Sent)
}

func TestTransportDropsAfterClose(t *testing.T) {
	fake := newFakeSender("test")
	tr := NewTransport(fake, Options{}, zaptest.NewLogger(t))

	tr.Close()
	tr.Close() // safe to repeat

	tr.Enqueue(seqRecord(0))

	stats := tr.Stats()
	assert.Equal(t, uint64(1), stats.Dropped)
	assert.Equal(t, 0, stats.Pending)
	assert.Equal(t, "test", stats.Name)
}
