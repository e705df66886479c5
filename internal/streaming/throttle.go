package streaming

import (
	"context"
	"time"

	"github.com/devrev/pairdb/streamer/internal/metrics"
	"golang.org/x/time/rate"
)

// Throttle bounds the bytes per second sent by this node across all
// sessions. A nil Throttle does not limit.
type Throttle struct {
	limiter *rate.Limiter
	metrics *metrics.Metrics
}

// NewThrottle returns a throttle for mbPerSec megabytes per second, or nil
// when mbPerSec is zero
func NewThrottle(mbPerSec int, m *metrics.Metrics) *Throttle {
	if mbPerSec <= 0 {
		return nil
	}
	bytesPerSec := mbPerSec << 20
	return &Throttle{
		limiter: rate.NewLimiter(rate.Limit(bytesPerSec), bytesPerSec),
		metrics: m,
	}
}

// Wait blocks until n bytes may be sent
func (t *Throttle) Wait(ctx context.Context, n int) error {
	if t == nil {
		return nil
	}
	start := time.Now()
	burst := t.limiter.Burst()
	for n > 0 {
		step := n
		if step > burst {
			step = burst
		}
		if err := t.limiter.WaitN(ctx, step); err != nil {
			return err
		}
		n -= step
	}
	t.metrics.RecordThrottleWait(time.Since(start).Seconds())
	return nil
}
