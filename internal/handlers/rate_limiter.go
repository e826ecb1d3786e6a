package handlers

import (
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/Dev-Teammm/shopshpere-customer-sub000/internal/platform/auth"
	"github.com/Dev-Teammm/shopshpere-customer-sub000/internal/platform/httpx"
)

// ownerBuckets gives every checkout owner a token bucket refilled at limit per window, so a
// shopper can burst a full window's worth of calls and then continues at the average rate.
type ownerBuckets struct {
	limit rate.Limit
	burst int
	idle  time.Duration
	clock func() time.Time

	mu      sync.Mutex
	buckets map[string]*ownerBucket
	calls   int
}

type ownerBucket struct {
	limiter *rate.Limiter
	seen    time.Time
}

func newOwnerBuckets(limit int, window time.Duration, clock func() time.Time) *ownerBuckets {
	if limit <= 0 || window <= 0 {
		return nil
	}
	if clock == nil {
		clock = time.Now
	}
	return &ownerBuckets{
		limit:   rate.Limit(float64(limit) / window.Seconds()),
		burst:   limit,
		idle:    window,
		clock:   clock,
		buckets: make(map[string]*ownerBucket),
	}
}

// take spends one token of owner's bucket, or reports how long until one is available.
func (b *ownerBuckets) take(owner string) (bool, time.Duration) {
	now := b.clock()
	b.mu.Lock()
	defer b.mu.Unlock()

	b.calls++
	if b.calls%256 == 0 {
		b.evictIdle(now)
	}
	bucket, ok := b.buckets[owner]
	if !ok {
		bucket = &ownerBucket{limiter: rate.NewLimiter(b.limit, b.burst)}
		b.buckets[owner] = bucket
	}
	bucket.seen = now

	r := bucket.limiter.ReserveN(now, 1)
	if wait := r.DelayFrom(now); wait > 0 {
		r.CancelAt(now)
		return false, wait
	}
	return true, 0
}

// evictIdle forgets owners whose bucket has refilled; a fresh bucket behaves the same.
func (b *ownerBuckets) evictIdle(now time.Time) {
	for owner, bucket := range b.buckets {
		if now.Sub(bucket.seen) > b.idle {
			delete(b.buckets, owner)
		}
	}
}

// OwnerRateLimit throttles checkout calls per owner, or per client address before the owner
// is known. A non-positive limit disables throttling.
func OwnerRateLimit(limit int, window time.Duration, clock func() time.Time) func(http.Handler) http.Handler {
	buckets := newOwnerBuckets(limit, window, clock)
	return func(next http.Handler) http.Handler {
		if buckets == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			owner := "addr:" + r.RemoteAddr
			if identity, ok := auth.IdentityFromContext(r.Context()); ok && identity.Owner() != "" {
				owner = identity.Owner()
			}
			if ok, wait := buckets.take(owner); !ok {
				w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(wait.Seconds()))))
				httpx.WriteError(r.Context(), w, httpx.NewError("rate_limited", "too many checkout requests, slow down", http.StatusTooManyRequests))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
