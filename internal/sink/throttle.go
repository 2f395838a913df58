package sink

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"golang.org/x/time/rate"

	"github.com/tonimelisma/pagesave/internal/config"
)

// burstMultiplier sizes the token bucket burst relative to the per-second
// rate so short idle gaps can be spent on the next read.
const burstMultiplier = 2

// Throttle is a bandwidth limit shared by every concurrent upload. A nil
// *Throttle means unlimited.
type Throttle struct {
	limiter *rate.Limiter
}

// NewThrottle creates a throttle from a rate string like "5MB/s". Returns nil
// for "0" or empty.
func NewThrottle(limit string, logger *slog.Logger) (*Throttle, error) {
	bytesPerSec, err := config.ParseRate(limit)
	if err != nil {
		return nil, fmt.Errorf("sink: bandwidth limit: %w", err)
	}

	if bytesPerSec == 0 {
		return nil, nil //nolint:nilnil // nil throttle = unlimited
	}

	burst := int(bytesPerSec) * burstMultiplier

	logger.Info("bandwidth limiter created",
		slog.Int64("bytes_per_sec", bytesPerSec),
		slog.Int("burst", burst),
	)

	return &Throttle{limiter: rate.NewLimiter(rate.Limit(bytesPerSec), burst)}, nil
}

// Reader wraps r so reads are paced by the throttle. A nil throttle returns
// r unchanged.
func (t *Throttle) Reader(ctx context.Context, r io.Reader) io.Reader {
	if t == nil {
		return r
	}

	return &throttledReader{r: r, limiter: t.limiter, ctx: ctx}
}

// Wait charges n bytes against the throttle up front, for transports that
// need a seekable body. A nil throttle returns immediately.
func (t *Throttle) Wait(ctx context.Context, n int) error {
	if t == nil {
		return nil
	}

	return waitN(ctx, t.limiter, n)
}

type throttledReader struct {
	r       io.Reader
	limiter *rate.Limiter
	ctx     context.Context
}

func (r *throttledReader) Read(p []byte) (int, error) {
	n, err := r.r.Read(p)
	if n > 0 {
		if waitErr := waitN(r.ctx, r.limiter, n); waitErr != nil {
			return n, waitErr
		}
	}

	return n, err
}

// waitN splits a large token request into burst-sized chunks;
// rate.Limiter.WaitN rejects requests above the burst.
func waitN(ctx context.Context, limiter *rate.Limiter, n int) error {
	burst := limiter.Burst()

	for n > 0 {
		take := min(n, burst)

		if err := limiter.WaitN(ctx, take); err != nil {
			return err
		}

		n -= take
	}

	return nil
}

// progressReader reports cumulative bytes read.
type progressReader struct {
	r     io.Reader
	sent  int64
	total int64
	opts  UploadOptions
}

// ProgressReader wraps r so every read is reported through opts.Progress.
// base is the number of bytes already sent before r.
func ProgressReader(r io.Reader, base, total int64, opts UploadOptions) io.Reader {
	if opts.Progress == nil {
		return r
	}

	return &progressReader{r: r, sent: base, total: total, opts: opts}
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	if n > 0 {
		p.sent += int64(n)
		p.opts.Report(p.sent, p.total)
	}

	return n, err
}
