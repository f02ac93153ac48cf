// Package clock implements CLASP's monotonic microsecond clock and the
// PING/PONG skew estimator used to timestamp signals consistently across
// hosts (§4.3).
package clock

import "time"

var monotonicOrigin = time.Now()

// NowUs returns microseconds elapsed since an unspecified monotonic origin
// fixed at process start. Callers only ever compare two NowUs values (or
// one against a peer's offset-adjusted value); the absolute number carries
// no calendar meaning.
func NowUs() uint64 {
	return uint64(time.Since(monotonicOrigin).Microseconds())
}
