package provisioner

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"
)

// RateLimited throttles Start and Stop calls to a provider API
type RateLimited struct {
	next    Provisioner
	limiter *rate.Limiter
}

// NewRateLimited wraps next, allowing perSecond calls with the given burst
func NewRateLimited(next Provisioner, perSecond float64, burst int) *RateLimited {
	if burst < 1 {
		burst = 1
	}
	return &RateLimited{
		next:    next,
		limiter: rate.NewLimiter(rate.Limit(perSecond), burst),
	}
}

func (r *RateLimited) Start(ctx context.Context, spec InstanceSpec) (string, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("provision rate limit: %w", err)
	}
	return r.next.Start(ctx, spec)
}

func (r *RateLimited) Stop(ctx context.Context, instanceID string) error {
	if err := r.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("provision rate limit: %w", err)
	}
	return r.next.Stop(ctx, instanceID)
}

// Status is not throttled; it is a read
func (r *RateLimited) Status(ctx context.Context, instanceID string) (InstanceStatus, error) {
	return r.next.Status(ctx, instanceID)
}

func (r *RateLimited) InstanceFor(workerID string) string {
	return InstanceFor(r.next, workerID)
}

// CountActive is not throttled; it is a read
func (r *RateLimited) CountActive(ctx context.Context) (int, error) {
	c, ok := r.next.(Counter)
	if !ok {
		return 0, ErrCountUnsupported
	}
	return c.CountActive(ctx)
}
