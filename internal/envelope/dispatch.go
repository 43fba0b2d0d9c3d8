package envelope

import "github.com/gotchoices/fret/internal/ratelimit"

// CheckRateLimit runs a handler's token bucket check (§4.9 step 4),
// returning a ready-to-send BusyResponse when the bucket is empty. The
// limiter, when given, is shared by every caller of this RPC kind
// rather than keyed per peer (§4.5).
func CheckRateLimit(bucket *ratelimit.Bucket, limiter *ratelimit.Limiter, cost float64) (BusyResponse, bool) {
	var ok bool
	var retryAfter int64
	if limiter != nil {
		ok = limiter.TryTake(cost)
		retryAfter = limiter.RetryAfterMs(cost)
	} else if bucket != nil {
		ok = bucket.TryTake(cost)
		retryAfter = bucket.RetryAfterMs(cost)
	} else {
		ok = true
	}
	if ok {
		return BusyResponse{}, false
	}
	return NewBusyResponse(retryAfter), true
}

// InFlight bounds the number of concurrent in-progress requests a
// handler will accept, per §4.11 step 7 / §5 ("an inflightAct counter
// capped at 16/4 for maybeAct (core/edge)"). Not a token bucket: it
// tracks concurrency, not rate.
type InFlight struct {
	cap     int
	current int
}

// NewInFlight returns an InFlight capped at capacity.
func NewInFlight(capacity int) *InFlight {
	if capacity < 1 {
		capacity = 1
	}
	return &InFlight{cap: capacity}
}

// TryEnter reserves one slot, returning false if the cap is reached. The
// caller is responsible for single-threaded (cooperative) use, matching
// §5's concurrency model: the service is not expected to guard this with
// a mutex since all Digitree-adjacent state is sequential between
// suspension points.
func (f *InFlight) TryEnter() bool {
	if f.current >= f.cap {
		return false
	}
	f.current++
	return true
}

// Leave releases one reserved slot.
func (f *InFlight) Leave() {
	if f.current > 0 {
		f.current--
	}
}

// Current reports how many slots are currently reserved.
func (f *InFlight) Current() int { return f.current }
