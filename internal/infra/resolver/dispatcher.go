package resolver

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"witness/internal/domain"
)

// Forwarder is the subset of Client the dispatcher needs.
type Forwarder interface {
	Forward(ctx context.Context, prefix domain.Prefix, stream []byte) error
}

// Dispatcher sends forwards in the background so request handling never waits
// on the resolver. Failures are logged and dropped.
type Dispatcher struct {
	forwarder Forwarder
	timeout   time.Duration
	limiter   *rate.Limiter
	log       logrus.FieldLogger
	wg        sync.WaitGroup
}

func NewDispatcher(forwarder Forwarder, timeout time.Duration, perSecond int, log logrus.FieldLogger) *Dispatcher {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	limit := rate.Inf
	burst := 0
	if perSecond > 0 {
		limit = rate.Limit(perSecond)
		burst = perSecond
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Dispatcher{
		forwarder: forwarder,
		timeout:   timeout,
		limiter:   rate.NewLimiter(limit, burst),
		log:       log.WithField("component", "resolver"),
	}
}

// Dispatch schedules one forward. It returns false when the forward was dropped
// by the rate limiter.
func (d *Dispatcher) Dispatch(prefix domain.Prefix, stream []byte) bool {
	if d == nil || d.forwarder == nil || len(stream) == 0 {
		return false
	}
	if !d.limiter.Allow() {
		d.log.WithField("prefix", prefix).Warn("resolver forward dropped: rate limited")
		return false
	}
	payload := append([]byte(nil), stream...)
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
		defer cancel()
		if err := d.forwarder.Forward(ctx, prefix, payload); err != nil {
			d.log.WithError(err).WithField("prefix", prefix).Warn("resolver forward failed")
		}
	}()
	return true
}

// Wait blocks until in-flight forwards finish or ctx is done.
func (d *Dispatcher) Wait(ctx context.Context) error {
	if d == nil {
		return nil
	}
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
