package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// FailoverProvider tries primary first and switches to fallback when primary
// errors or stays silent past the first-delta timeout. Once primary has
// emitted a delta the reply is committed to it.
type FailoverProvider struct {
	primary           Provider
	fallback          Provider
	firstDeltaTimeout time.Duration
}

func NewFailoverProvider(primary, fallback Provider) *FailoverProvider {
	return &FailoverProvider{primary: primary, fallback: fallback, firstDeltaTimeout: 4 * time.Second}
}

// WithFirstDeltaTimeout sets how long primary may stay silent. Zero disables
// the timer and only errors trigger failover.
func (p *FailoverProvider) WithFirstDeltaTimeout(d time.Duration) *FailoverProvider {
	p.firstDeltaTimeout = d
	return p
}

func (p *FailoverProvider) StreamResponse(ctx context.Context, req Request, onDelta DeltaHandler) (Response, error) {
	if p.primary == nil {
		if p.fallback != nil {
			return p.fallback.StreamResponse(ctx, req, onDelta)
		}
		return Response{}, errors.New("failover provider misconfigured")
	}

	type result struct {
		resp Response
		err  error
	}

	primaryCtx, cancelPrimary := context.WithCancel(ctx)
	defer cancelPrimary()

	var (
		firstDelta = make(chan struct{})
		firstOnce  sync.Once
		delivered  atomic.Bool
		accepting  atomic.Bool
	)
	accepting.Store(true)
	resultCh := make(chan result, 1)

	go func() {
		resp, err := p.primary.StreamResponse(primaryCtx, req, func(delta string) error {
			if !accepting.Load() {
				return context.Canceled
			}
			if strings.TrimSpace(delta) != "" {
				firstOnce.Do(func() { close(firstDelta) })
			}
			delivered.Store(true)
			if onDelta == nil {
				return nil
			}
			return onDelta(delta)
		})
		resultCh <- result{resp: resp, err: err}
	}()

	var timeout <-chan time.Time
	if p.firstDeltaTimeout > 0 && p.fallback != nil {
		timer := time.NewTimer(p.firstDeltaTimeout)
		defer timer.Stop()
		timeout = timer.C
	}

	var (
		primary  result
		timedOut bool
	)
	select {
	case primary = <-resultCh:
	case <-firstDelta:
		primary = <-resultCh
	case <-timeout:
		accepting.Store(false)
		cancelPrimary()
		timedOut = true
	}

	if !timedOut {
		if primary.err == nil {
			return primary.resp, nil
		}
		if ctx.Err() != nil {
			return Response{}, ctx.Err()
		}
		if delivered.Load() || p.fallback == nil {
			return Response{}, primary.err
		}
	}

	resp, err := p.fallback.StreamResponse(ctx, req, onDelta)
	if err != nil {
		if timedOut {
			return Response{}, fmt.Errorf("primary silent for %s; fallback: %w", p.firstDeltaTimeout, err)
		}
		return Response{}, fmt.Errorf("primary: %v; fallback: %w", primary.err, err)
	}
	return resp, nil
}
