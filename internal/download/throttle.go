package download

import (
	"io"
	"time"

	"github.com/juju/ratelimit"
	"golang.org/x/time/rate"

	"github.com/YuehaiTeam/kachina-installer/internal/kerrors"
)

// ThrottleReader wraps r in a token-bucket reader capped at bytesPerSecond,
// the same approach canonical-snapd's store client uses around a download
// body (ratelimit.Reader over a ratelimit.Bucket). A bytesPerSecond of 0
// disables throttling and returns r unchanged.
func ThrottleReader(r io.Reader, bytesPerSecond int64) io.Reader {
	if bytesPerSecond <= 0 {
		return r
	}
	bucket := ratelimit.NewBucketWithRate(float64(bytesPerSecond), bytesPerSecond*2)
	return ratelimit.Reader(r, bucket)
}

// StallDetector wraps a reader and fails with a network error when reads
// keep returning no bytes: each zero-byte read without an error takes one
// token from a golang.org/x/time/rate bucket, and the read fails once the
// bucket is empty. A read that returns n bytes takes n tokens only when
// that many are available. Detecting a wedged transfer and throttling one
// on purpose are separate concerns, so this does not share a limiter with
// ThrottleReader.
type StallDetector struct {
	r       io.Reader
	limiter *rate.Limiter
	url     string
}

// NewStallDetector returns a StallDetector over r whose bucket holds
// minBytesPerSec*4 tokens and refills at minBytesPerSec tokens per second;
// url names the transfer in the error.
func NewStallDetector(r io.Reader, url string, minBytesPerSec int) *StallDetector {
	return &StallDetector{
		r:       r,
		limiter: rate.NewLimiter(rate.Limit(minBytesPerSec), minBytesPerSec*4),
		url:     url,
	}
}

func (s *StallDetector) Read(p []byte) (int, error) {
	n, err := s.r.Read(p)
	if n > 0 {
		s.limiter.AllowN(time.Now(), n)
	} else if err == nil {
		if !s.limiter.Allow() {
			return 0, kerrors.NetworkErrorf(errNoProgress, "stalled transfer: %s", s.url)
		}
	}
	return n, err
}

var errNoProgress = io.ErrNoProgress
