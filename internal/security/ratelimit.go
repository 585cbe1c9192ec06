package security

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrRateLimited is returned when a caller gives up waiting for a token.
var ErrRateLimited = errors.New("security: rate limit exceeded")

// RateLimiter is a token bucket. keylabctl paces its uploads with one so
// a batch stays under keylabd's per-client window.
type RateLimiter struct {
	rate  float64 // tokens per second
	burst float64

	mu     sync.Mutex
	tokens float64
	stamp  time.Time
}

// NewRateLimiter allows rate operations per second on average and up to
// burst at once. The bucket starts full.
func NewRateLimiter(rate float64, burst int) *RateLimiter {
	return &RateLimiter{rate: rate, burst: float64(burst), tokens: float64(burst), stamp: time.Now()}
}

// refill credits tokens earned since the last call. r.mu must be held.
func (r *RateLimiter) refill(now time.Time) {
	r.tokens = min(r.burst, r.tokens+now.Sub(r.stamp).Seconds()*r.rate)
	r.stamp = now
}

// take consumes a token, or returns how long until one is available.
func (r *RateLimiter) take() (time.Duration, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.refill(time.Now())
	if r.tokens >= 1 {
		r.tokens--
		return 0, true
	}
	if r.rate <= 0 {
		return time.Hour, false
	}
	return time.Duration((1 - r.tokens) / r.rate * float64(time.Second)), false
}

// Allow consumes a token if one is available.
func (r *RateLimiter) Allow() bool {
	_, ok := r.take()
	return ok
}

// Wait blocks until a token is available or ctx ends.
func (r *RateLimiter) Wait(ctx context.Context) error {
	for {
		d, ok := r.take()
		if ok {
			return nil
		}
		t := time.NewTimer(d)
		select {
		case <-ctx.Done():
			t.Stop()
			return errors.Join(ErrRateLimited, ctx.Err())
		case <-t.C:
		}
	}
}

// Reset refills the bucket.
func (r *RateLimiter) Reset() {
	r.mu.Lock()
	r.tokens = r.burst
	r.stamp = time.Now()
	r.mu.Unlock()
}

// WindowLimiter allows each client at most max requests in any sliding
// window.
type WindowLimiter struct {
	mu      sync.Mutex
	max     int
	window  time.Duration
	clients map[string][]time.Time
	now     func() time.Time
}

// NewWindowLimiter creates a per-client sliding-window limiter.
func NewWindowLimiter(max int, window time.Duration) *WindowLimiter {
	return &WindowLimiter{
		max:     max,
		window:  window,
		clients: make(map[string][]time.Time),
		now:     time.Now,
	}
}

// Allow records a request from client and reports whether it is within
// the limit. Refused requests are not counted.
func (w *WindowLimiter) Allow(client string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.now()
	recent := prune(w.clients[client], now.Add(-w.window))
	if len(recent) >= w.max {
		w.clients[client] = recent
		return false
	}
	w.clients[client] = append(recent, now)
	return true
}

// SetLimit changes the limit for subsequent requests.
func (w *WindowLimiter) SetLimit(max int, window time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.max = max
	w.window = window
}

// WindowSeconds returns the window length in whole seconds.
func (w *WindowLimiter) WindowSeconds() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return int(w.window / time.Second)
}

// Sweep forgets clients with no requests inside the window.
func (w *WindowLimiter) Sweep() {
	w.mu.Lock()
	defer w.mu.Unlock()

	cutoff := w.now().Add(-w.window)
	for client, times := range w.clients {
		if recent := prune(times, cutoff); len(recent) == 0 {
			delete(w.clients, client)
		} else {
			w.clients[client] = recent
		}
	}
}

// Clients returns the number of tracked clients.
func (w *WindowLimiter) Clients() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.clients)
}

// Run sweeps every interval until ctx is done.
func (w *WindowLimiter) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.Sweep()
		}
	}
}

// prune drops timestamps at or before cutoff. times is ascending.
func prune(times []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(times) && !times[i].After(cutoff) {
		i++
	}
	return times[i:]
}

// ConnectionLimiter caps open capture websockets, in total and per
// client address.
type ConnectionLimiter struct {
	total, perClient int

	mu    sync.Mutex
	open  int
	byKey map[string]int
}

// NewConnectionLimiter allows max connections, at most maxPerIP from one
// address.
func NewConnectionLimiter(max, maxPerIP int) *ConnectionLimiter {
	return &ConnectionLimiter{total: max, perClient: maxPerIP, byKey: make(map[string]int)}
}

// Acquire claims a slot for ip. It reports false when either cap is hit.
func (cl *ConnectionLimiter) Acquire(ip string) bool {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	if cl.open >= cl.total || cl.byKey[ip] >= cl.perClient {
		return false
	}
	cl.open++
	cl.byKey[ip]++
	return true
}

// Release gives back a slot claimed by Acquire.
func (cl *ConnectionLimiter) Release(ip string) {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	n, ok := cl.byKey[ip]
	if !ok {
		return
	}
	cl.open--
	if n <= 1 {
		delete(cl.byKey, ip)
	} else {
		cl.byKey[ip] = n - 1
	}
}

// Current is the number of open connections.
func (cl *ConnectionLimiter) Current() int {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	return cl.open
}
