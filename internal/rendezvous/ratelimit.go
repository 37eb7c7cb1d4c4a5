package rendezvous

import (
	"sync"
	"time"
)

// rateBucket is a fixed-size ring of timestamps for one remote IP.
type rateBucket struct {
	times []time.Time
	head  int
	count int
}

func (b *rateBucket) trim(cutoff time.Time) {
	for b.count > 0 {
		if b.times[b.head].After(cutoff) {
			break
		}
		b.head = (b.head + 1) % len(b.times)
		b.count--
	}
}

// claimLimiter is a per-IP sliding window over one minute.
type claimLimiter struct {
	perMin int

	mu      sync.Mutex
	buckets map[string]*rateBucket
}

func newClaimLimiter(perMin int) *claimLimiter {
	return &claimLimiter{perMin: perMin, buckets: make(map[string]*rateBucket)}
}

func (l *claimLimiter) allow(ip string, now time.Time) bool {
	if l.perMin <= 0 {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[ip]
	if !ok {
		b = &rateBucket{times: make([]time.Time, l.perMin)}
		l.buckets[ip] = b
	}
	b.trim(now.Add(-time.Minute))

	if b.count >= len(b.times) {
		return false
	}
	b.times[(b.head+b.count)%len(b.times)] = now
	b.count++
	return true
}

// cleanup removes buckets with no timestamps left in the window.
func (l *claimLimiter) cleanup(now time.Time) {
	cutoff := now.Add(-time.Minute)

	l.mu.Lock()
	defer l.mu.Unlock()
	for ip, b := range l.buckets {
		b.trim(cutoff)
		if b.count == 0 {
			delete(l.buckets, ip)
		}
	}
}
