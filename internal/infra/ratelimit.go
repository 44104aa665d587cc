package infra

import (
	"context"
	"errors"
	"math"
	"sync"
	"time"

	"github.com/jmhodges/clock"
)

// ErrLimiterClosed is returned to callers waiting on a closed TokenBucket.
var ErrLimiterClosed = errors.New("rate limiter closed")

// ErrCloseTimeout is returned by Close when the refill loop does not stop
// within the given timeout.
var ErrCloseTimeout = errors.New("rate limiter refill loop did not stop in time")

// maxNap bounds a single sleep of the refill loop so Close stays responsive.
const maxNap = 50 * time.Millisecond

type grant struct {
	at  time.Time
	err error
}

type waiter struct {
	ch chan grant
}

// TokenBucket is a leaky-bucket rate limiter shared by every request of one
// fetcher. Tokens refill continuously with fractional carry-over, and a
// background loop hands them to waiters in FIFO order.
//
// Invariant: 0 <= tokens <= capacity.
type TokenBucket struct {
	clock clock.Clock
	rate  float64 // tokens per second

	mu         sync.Mutex
	tokens     float64
	capacity   float64
	lastRefill time.Time
	queue      []*waiter
	closed     bool

	// recent holds the last window grant times, oldest at head, so no
	// one-second window sees more than window grants even after idling.
	recent []time.Time
	head   int
	window int

	// Tokens are derived from a single base point rather than accumulated
	// per refill, so repeated small refills carry no rounding drift.
	base       time.Time
	baseTokens float64
	spent      float64

	wake     chan struct{}
	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// NewTokenBucket creates a bucket allowing perSecond requests per second and
// starts its refill loop. The bucket starts empty so a fresh limiter never
// bursts.
func NewTokenBucket(perSecond float64) *TokenBucket {
	return NewTokenBucketWithClock(clock.New(), perSecond)
}

// NewTokenBucketWithClock is NewTokenBucket reading time from clk.
func NewTokenBucketWithClock(clk clock.Clock, perSecond float64) *TokenBucket {
	if perSecond <= 0 {
		perSecond = 1
	}
	capacity := math.Max(1, perSecond)
	tb := &TokenBucket{
		clock:      clk,
		rate:       perSecond,
		capacity:   capacity,
		window:     int(math.Max(1, math.Floor(perSecond))),
		lastRefill: clk.Now(),
		base:       clk.Now(),
		wake:       make(chan struct{}, 1),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
	go tb.loop()
	return tb
}

// Wait blocks until a token is granted, the context is cancelled or the
// bucket is closed.
func (tb *TokenBucket) Wait(ctx context.Context) error {
	_, err := tb.acquire(ctx)
	return err
}

// acquire returns the clock time at which the token was granted.
func (tb *TokenBucket) acquire(ctx context.Context) (time.Time, error) {
	if err := ctx.Err(); err != nil {
		return time.Time{}, err
	}

	tb.mu.Lock()
	if tb.closed {
		tb.mu.Unlock()
		return time.Time{}, ErrLimiterClosed
	}
	tb.refill()
	// Fast path only when nobody is queued, otherwise we would jump the line.
	if len(tb.queue) == 0 && tb.ready() {
		tb.take()
		now := tb.lastRefill
		tb.mu.Unlock()
		return now, nil
	}
	w := &waiter{ch: make(chan grant, 1)}
	tb.queue = append(tb.queue, w)
	tb.mu.Unlock()
	tb.signal()

	select {
	case g := <-w.ch:
		return g.at, g.err
	case <-ctx.Done():
		tb.mu.Lock()
		removed := tb.remove(w)
		tb.mu.Unlock()
		if !removed {
			// Granted concurrently: hand the token back.
			if g := <-w.ch; g.err == nil {
				tb.mu.Lock()
				tb.spent--
				tb.refill()
				tb.mu.Unlock()
				tb.signal()
			}
		}
		return time.Time{}, ctx.Err()
	}
}

// Close stops the refill loop and waits up to timeout for it to exit.
// Pending waiters receive ErrLimiterClosed.
func (tb *TokenBucket) Close(timeout time.Duration) error {
	tb.stopOnce.Do(func() { close(tb.stop) })
	select {
	case <-tb.done:
		return nil
	case <-time.After(timeout):
		return ErrCloseTimeout
	}
}

func (tb *TokenBucket) signal() {
	select {
	case tb.wake <- struct{}{}:
	default:
	}
}

// refill recomputes tokens from elapsed time. Must be called with mu held.
func (tb *TokenBucket) refill() {
	now := tb.clock.Now()
	accrued := tb.baseTokens + now.Sub(tb.base).Seconds()*tb.rate - tb.spent
	if accrued >= tb.capacity {
		tb.base, tb.baseTokens, tb.spent = now, tb.capacity, 0
		accrued = tb.capacity
	}
	tb.tokens = accrued
	tb.lastRefill = now
}

// ready reports whether a grant may happen now: a whole token is available
// and the oldest of the last window grants is at least a second old. Must be
// called with mu held.
func (tb *TokenBucket) ready() bool {
	return tb.tokens >= 1 && tb.windowWait() <= 0
}

// windowWait returns how long until the sliding window admits another grant.
// Must be called with mu held.
func (tb *TokenBucket) windowWait() time.Duration {
	if len(tb.recent) < tb.window {
		return 0
	}
	return tb.recent[tb.head].Add(time.Second).Sub(tb.lastRefill)
}

// take consumes one token and records the grant. Must be called with mu held.
func (tb *TokenBucket) take() {
	tb.tokens--
	tb.spent++
	if len(tb.recent) < tb.window {
		tb.recent = append(tb.recent, tb.lastRefill)
		return
	}
	tb.recent[tb.head] = tb.lastRefill
	tb.head = (tb.head + 1) % tb.window
}

// Tokens returns the tokens currently available.
func (tb *TokenBucket) Tokens() float64 {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	tb.refill()
	return tb.tokens
}

// dispatch grants tokens to queued waiters in order. Must be called with mu held.
func (tb *TokenBucket) dispatch() {
	for len(tb.queue) > 0 && tb.ready() {
		tb.take()
		w := tb.queue[0]
		tb.queue[0] = nil
		tb.queue = tb.queue[1:]
		w.ch <- grant{at: tb.lastRefill}
	}
}

// remove drops w from the queue. Must be called with mu held.
func (tb *TokenBucket) remove(w *waiter) bool {
	for i, q := range tb.queue {
		if q == w {
			tb.queue = append(tb.queue[:i], tb.queue[i+1:]...)
			return true
		}
	}
	return false
}

func (tb *TokenBucket) loop() {
	defer close(tb.done)
	defer tb.shutdown()

	for {
		tb.mu.Lock()
		tb.refill()
		tb.dispatch()
		pending := len(tb.queue) > 0
		var wait time.Duration
		if pending {
			deficit := 1 - tb.tokens
			wait = time.Duration(math.Ceil(deficit / tb.rate * float64(time.Second)))
			wait = max(wait, tb.windowWait())
			if wait <= 0 {
				wait = 1
			}
		}
		tb.mu.Unlock()

		if !pending {
			select {
			case <-tb.wake:
				continue
			case <-tb.stop:
				return
			}
		}

		for wait > 0 {
			select {
			case <-tb.stop:
				return
			default:
			}
			nap := min(wait, maxNap)
			tb.clock.Sleep(nap)
			wait -= nap
		}
	}
}

func (tb *TokenBucket) shutdown() {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	tb.closed = true
	for _, w := range tb.queue {
		w.ch <- grant{err: ErrLimiterClosed}
	}
	tb.queue = nil
}
