package syncer

import (
	"math/rand"
	"time"
)

// backoffDelay computes an exponential backoff with full jitter: a random
// delay in (0, min(cap, base*2^attempt)].
func backoffDelay(base, cap time.Duration, attempt int) time.Duration {
	if base <= 0 {
		base = time.Second
	}
	if cap <= 0 {
		cap = 60 * time.Second
	}

	ceiling := base
	for i := 0; i < attempt && ceiling < cap; i++ {
		ceiling *= 2
	}
	if ceiling > cap {
		ceiling = cap
	}
	return time.Duration(rand.Int63n(int64(ceiling))) + 1
}
