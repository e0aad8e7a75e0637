// Package ratelimited wraps an input or output device with a token-bucket
// rate limit: at most N actions per window, blocking callers up to
// maxBlock before proceeding. Built on the teacher's
// pkg/servicemesh/ratelimit.TokenBucket.
package ratelimited

import (
	"context"
	"time"

	"github.com/deviceflux/deviceflux/pkg/device"
	"github.com/deviceflux/deviceflux/pkg/errors"
	"github.com/deviceflux/deviceflux/pkg/message"
	"github.com/deviceflux/deviceflux/pkg/servicemesh/ratelimit"
)

// CodeRateLimited is the AppError code surfaced when maxBlock elapses
// without a token becoming available.
const CodeRateLimited = "RATE_LIMIT_EXCEEDED"

// Options configures the wrapped token bucket and how long a caller will
// wait for a token before giving up.
type Options struct {
	Rate     float64 // actions allowed per second
	Burst    int     // bucket capacity
	MaxBlock time.Duration
}

func waitForToken(ctx context.Context, bucket *ratelimit.TokenBucket, maxBlock time.Duration) error {
	waitCtx := ctx
	if maxBlock > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, maxBlock)
		defer cancel()
	}
	if err := bucket.Wait(waitCtx); err != nil {
		if waitCtx.Err() != nil && ctx.Err() == nil {
			return errors.New(CodeRateLimited, "rate limit exceeded", err)
		}
		return err
	}
	return nil
}

// OutputDevice wraps an inner OutputDevice with a rate limiter.
type OutputDevice struct {
	inner    device.OutputDevice
	bucket   *ratelimit.TokenBucket
	maxBlock time.Duration
}

// NewOutputDevice builds an OutputDevice wrapping inner.
func NewOutputDevice(inner device.OutputDevice, opts Options) *OutputDevice {
	return &OutputDevice{inner: inner, bucket: ratelimit.NewTokenBucket(opts.Burst, opts.Rate), maxBlock: opts.MaxBlock}
}

func (d *OutputDevice) Name() string { return d.inner.Name() }

func (d *OutputDevice) Send(ctx context.Context, msg *message.Message, deviceHeaders message.DeviceHeaders) error {
	if err := waitForToken(ctx, d.bucket, d.maxBlock); err != nil {
		return err
	}
	return d.inner.Send(ctx, msg, deviceHeaders)
}

func (d *OutputDevice) Close() error { return d.inner.Close() }

// InputDevice wraps an inner InputDevice with a rate limiter.
type InputDevice struct {
	inner    device.InputDevice
	bucket   *ratelimit.TokenBucket
	maxBlock time.Duration
}

// NewInputDevice builds an InputDevice wrapping inner.
func NewInputDevice(inner device.InputDevice, opts Options) *InputDevice {
	return &InputDevice{inner: inner, bucket: ratelimit.NewTokenBucket(opts.Burst, opts.Rate), maxBlock: opts.MaxBlock}
}

func (d *InputDevice) Name() string { return d.inner.Name() }

func (d *InputDevice) Read(ctx context.Context, timeout time.Duration, withTransaction bool) (*device.ReadResult, error) {
	if err := waitForToken(ctx, d.bucket, d.maxBlock); err != nil {
		return nil, err
	}
	return d.inner.Read(ctx, timeout, withTransaction)
}

func (d *InputDevice) Close() error { return d.inner.Close() }
