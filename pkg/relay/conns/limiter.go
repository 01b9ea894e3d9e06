package conns

import "time"

// tokenBucket refills at rate tokens per second up to rate*burst.
type tokenBucket struct {
	rate   int64
	max    int64
	tokens int64
}

func newBucket(rate, burstSeconds int64) tokenBucket {
	if rate <= 0 {
		return tokenBucket{}
	}
	return tokenBucket{rate: rate, max: rate * burstSeconds, tokens: rate * burstSeconds}
}

func (b *tokenBucket) enabled() bool { return b.rate > 0 }

func (b *tokenBucket) refill(elapsed time.Duration) {
	if !b.enabled() {
		return
	}
	if add := elapsed.Nanoseconds() * b.rate / int64(time.Second); add > 0 {
		b.tokens = min(b.tokens+add, b.max)
	}
}

// InboundLimiter caps a client's inbound audio by messages and bytes per
// second. A nil limiter allows everything. It is not safe for concurrent use;
// each connection's read loop owns one.
type InboundLimiter struct {
	now        func() time.Time
	frames     tokenBucket
	bytes      tokenBucket
	lastRefill time.Time
}

// NewInboundLimiter returns nil when both limits are disabled.
func NewInboundLimiter(now func() time.Time, fps int, bps int64, burstSeconds int) *InboundLimiter {
	if fps <= 0 && bps <= 0 {
		return nil
	}
	if now == nil {
		now = time.Now
	}
	burst := int64(max(burstSeconds, 1))
	return &InboundLimiter{
		now:        now,
		frames:     newBucket(int64(fps), burst),
		bytes:      newBucket(bps, burst),
		lastRefill: now(),
	}
}

func (l *InboundLimiter) Allow(n int) bool {
	if l == nil {
		return true
	}
	now := l.now()
	if elapsed := now.Sub(l.lastRefill); elapsed > 0 {
		l.frames.refill(elapsed)
		l.bytes.refill(elapsed)
		l.lastRefill = now
	}

	n = max(n, 0)
	if l.frames.enabled() && l.frames.tokens < 1 {
		return false
	}
	if l.bytes.enabled() && l.bytes.tokens < int64(n) {
		return false
	}
	if l.frames.enabled() {
		l.frames.tokens--
	}
	if l.bytes.enabled() {
		l.bytes.tokens -= int64(n)
	}
	return true
}
