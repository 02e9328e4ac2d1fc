package bandwidth

import (
	"context"
	"io"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// MinBurstSize defines minimum size for an limiter burst
const MinBurstSize = 1

// MaxBurstSize defines maximum size for a limiter burst
const MaxBurstSize = 64 * 1024

// Channel is a bandwidth limiter shared by every stream throttled at the same
// rate. The sum of bytes released by all readers created with Throttle never
// exceeds the channel rate.
type Channel struct {
	rate    Rate
	limiter *rate.Limiter
}

// NewChannel creates a Channel for the given rate. Negative rates are treated
// as Unlimited.
func NewChannel(r Rate, log zerolog.Logger) *Channel {
	if r < 0 {
		log.Warn().Int64("rate", int64(r)).Msg("Invalid bandwidth, channel is unlimited")
		r = Unlimited
	}
	c := &Channel{rate: r}
	if r != Unlimited {
		c.limiter = NewLimiter(rate.Limit(r))
	}
	return c
}

// Rate returns the channel rate.
func (c *Channel) Rate() Rate {
	return c.rate
}

// Throttle wraps r so that reading from it consumes the channel's capacity.
// Reads block until the bytes they return fit into the shared budget, or
// until ctx is done. Unlimited channels return r itself.
func (c *Channel) Throttle(ctx context.Context, r io.Reader) io.Reader {
	if c.limiter == nil {
		return r
	}
	return &limitedReader{ctx: ctx, inner: r, limiter: c.limiter}
}

type limitedReader struct {
	ctx     context.Context
	inner   io.Reader
	limiter *rate.Limiter
}

// Read never asks for more than one burst, so the reservation below is always
// satisfiable and at most one burst of data waits in memory per stream.
// Reservations are granted in call order, which keeps concurrent streams on
// one channel from starving each other.
func (l *limitedReader) Read(b []byte) (int, error) {
	if len(b) == 0 {
		return l.inner.Read(b)
	}
	if burst := l.limiter.Burst(); len(b) > burst {
		b = b[:burst]
	}

	n, err := l.inner.Read(b)
	if n == 0 {
		return n, err
	}
	if werr := l.limiter.WaitN(l.ctx, n); werr != nil {
		return 0, io.ErrClosedPipe
	}
	return n, err
}

// NewLimiter creates rate.Limiter for a given bandwidth limit
func NewLimiter(limit rate.Limit) *rate.Limiter {
	return rate.NewLimiter(limit, GetGoodBurst(limit))
}

// GetGoodBurst returns burst size that allows to precisely limit rate
// Returned burst size is no bigger than MaxBurstSize and no less than
// MinBurstSize
func GetGoodBurst(l rate.Limit) int {
	if l == rate.Limit(0) {
		return MaxBurstSize
	}
	// We aim for 20 bursts per second to get good precision. Decrease this
	// value to get better performance, but less precision.
	burstSize := int64(l) / 20
	if burstSize < MinBurstSize {
		burstSize = MinBurstSize
	} else if burstSize > MaxBurstSize {
		burstSize = MaxBurstSize
	}
	return int(burstSize)
}
