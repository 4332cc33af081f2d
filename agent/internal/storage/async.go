package storage

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"sync/atomic"
	"time"
)

const (
	backoffInitial    = 1 * time.Second
	backoffMax        = 60 * time.Second
	backoffMultiplier = 2.0
	writeTimeout      = 10 * time.Second

	// DefaultBufferSize is used when NewAsync is given a non-positive size.
	DefaultBufferSize = 1024
	// DefaultMaxAttempts is used when NewAsync is given a non-positive count.
	DefaultMaxAttempts = 5
)

// item is one queued write. Exactly one of rec and reading is set.
type item struct {
	rec     *Record
	reading *Reading
}

// Async decouples a slow Sink from the caller. Writes are enqueued without
// blocking; when the buffer is full the oldest queued write is evicted.
// Run must be called in a goroutine to drain the buffer.
type Async struct {
	next        Sink
	buf         chan item
	maxAttempts int

	dropped atomic.Int64
	failed  atomic.Int64

	// onAbandon is called with the last error of every abandoned write.
	onAbandon func(error)

	// sleep waits for d or until ctx is done; injectable for tests.
	sleep func(ctx context.Context, d time.Duration) bool
}

// NewAsync wraps next with a buffer of bufferSize writes. Failed writes are
// retried up to maxAttempts times with exponential backoff.
func NewAsync(next Sink, bufferSize, maxAttempts int) *Async {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	return &Async{
		next:        next,
		buf:         make(chan item, bufferSize),
		maxAttempts: maxAttempts,
		onAbandon:   func(error) {},
		sleep:       sleepCtx,
	}
}

// OnAbandon registers fn to be called from Run whenever a write is given up
// after exhausting its retries. It must be called before Run.
func (a *Async) OnAbandon(fn func(error)) {
	if fn != nil {
		a.onAbandon = fn
	}
}

// StoreResult enqueues rec. It never blocks and never fails.
func (a *Async) StoreResult(_ context.Context, rec Record) error {
	a.enqueue(item{rec: &rec})
	return nil
}

// StoreReading enqueues r. It never blocks and never fails.
func (a *Async) StoreReading(_ context.Context, r Reading) error {
	a.enqueue(item{reading: &r})
	return nil
}

var errNotQueryable = errors.New("storage: wrapped sink does not support queries")

// QueryResults reads through to the wrapped sink when it supports queries.
func (a *Async) QueryResults(ctx context.Context, q Query) ([]Record, error) {
	qr, ok := a.next.(Querier)
	if !ok {
		return nil, errNotQueryable
	}
	return qr.QueryResults(ctx, q)
}

// QueryReadings reads through to the wrapped sink when it supports queries.
func (a *Async) QueryReadings(ctx context.Context, q ReadingQuery) ([]StoredReading, error) {
	qr, ok := a.next.(Querier)
	if !ok {
		return nil, errNotQueryable
	}
	return qr.QueryReadings(ctx, q)
}

// Statistics reads through to the wrapped sink when it supports queries.
func (a *Async) Statistics(ctx context.Context, since time.Time) (Statistics, error) {
	qr, ok := a.next.(Querier)
	if !ok {
		return Statistics{}, errNotQueryable
	}
	return qr.Statistics(ctx, since)
}

// Pending returns the number of queued writes.
func (a *Async) Pending() int { return len(a.buf) }

// Dropped returns how many writes were evicted from a full buffer.
func (a *Async) Dropped() int64 { return a.dropped.Load() }

// Failed returns how many writes were abandoned after exhausting retries.
func (a *Async) Failed() int64 { return a.failed.Load() }

func (a *Async) enqueue(it item) {
	select {
	case a.buf <- it:
	default:
		// Buffer full: drop the oldest write, keep the newest.
		select {
		case <-a.buf:
			a.dropped.Add(1)
			slog.Warn("storage: buffer full, evicted oldest write", "buffer_cap", cap(a.buf))
		default:
		}
		select {
		case a.buf <- it:
		default:
			a.dropped.Add(1)
		}
	}
}

// Run drains the buffer into the wrapped sink until ctx is cancelled.
func (a *Async) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case it := <-a.buf:
			a.deliver(ctx, it)
		}
	}
}

// deliver writes it, retrying with backoff. It gives up after maxAttempts or
// when ctx is cancelled.
func (a *Async) deliver(ctx context.Context, it item) {
	bo := newBackoff()
	for attempt := 1; ; attempt++ {
		err := a.write(ctx, it)
		if err == nil {
			return
		}
		if attempt >= a.maxAttempts {
			a.failed.Add(1)
			slog.Error("storage: write abandoned", "attempts", attempt, "err", err)
			a.onAbandon(err)
			return
		}
		wait := bo.next()
		slog.Warn("storage: write failed, will retry", "attempt", attempt, "retry_in", wait, "err", err)
		if !a.sleep(ctx, wait) {
			return
		}
	}
}

func (a *Async) write(ctx context.Context, it item) error {
	wctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	if it.rec != nil {
		return a.next.StoreResult(wctx, *it.rec)
	}
	return a.next.StoreReading(wctx, *it.reading)
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// backoff implements truncated exponential backoff with jitter.
type backoff struct {
	current time.Duration
}

func newBackoff() *backoff {
	return &backoff{current: backoffInitial}
}

// next returns the current backoff duration and advances the internal state.
func (b *backoff) next() time.Duration {
	d := b.current
	// ±25 % jitter
	jitter := time.Duration(float64(b.current) * 0.25 * (rand.Float64()*2 - 1)) //nolint:gosec // not crypto
	d += jitter
	if d < 0 {
		d = 0
	}

	b.current = time.Duration(float64(b.current) * backoffMultiplier)
	if b.current > backoffMax {
		b.current = backoffMax
	}
	return d
}
