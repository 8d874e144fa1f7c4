package classifier

import (
	"context"
	"fmt"
	"sync"
	"time"
)

const (
	// DefaultPoolSize Pool configuration
	DefaultPoolSize   = 4
	AcquireTimeout    = 30 * time.Second
	HealthCheckPeriod = 60 * time.Second
)

// sessionPool hands out a fixed number of sessions. It is the only admission control
// between concurrent runs sharing the accelerator.
type sessionPool struct {
	sessions   chan *session
	size       int
	newSession func() (*session, error)
	timeout    time.Duration

	mu         sync.Mutex
	closed     bool
	live       int
	lastErrors []error
	metrics    PoolMetrics

	stop chan struct{}
}

// PoolMetrics is a snapshot of pool usage counters.
type PoolMetrics struct {
	Size            int
	InUse           int
	TotalAcquired   int64
	TotalReleased   int64
	AcquireFailures int64
	Discarded       int64
	WaitTime        time.Duration
}

func newSessionPool(size int, timeout time.Duration, factory func() (*session, error)) (*sessionPool, error) {
	if size <= 0 {
		size = DefaultPoolSize
	}
	if timeout <= 0 {
		timeout = AcquireTimeout
	}

	pool := &sessionPool{
		sessions:   make(chan *session, size),
		size:       size,
		newSession: factory,
		timeout:    timeout,
		stop:       make(chan struct{}),
	}

	for i := 0; i < size; i++ {
		s, err := factory()
		if err != nil {
			pool.Destroy()
			return nil, fmt.Errorf("failed to initialize session %d: %w", i, err)
		}
		pool.live++
		pool.sessions <- s
	}

	go pool.healthCheck()

	return pool, nil
}

func (p *sessionPool) Acquire(ctx context.Context) (*session, error) {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return nil, ErrPoolClosed
	}

	start := time.Now()
	defer func() {
		p.mu.Lock()
		p.metrics.WaitTime += time.Since(start)
		p.mu.Unlock()
	}()

	timer := time.NewTimer(p.timeout)
	defer timer.Stop()

	select {
	case s, ok := <-p.sessions:
		if !ok {
			return nil, ErrPoolClosed
		}
		p.mu.Lock()
		p.metrics.InUse++
		p.metrics.TotalAcquired++
		p.mu.Unlock()
		return s, nil
	case <-timer.C:
		p.mu.Lock()
		p.metrics.AcquireFailures++
		p.mu.Unlock()
		return nil, ErrAcquireTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *sessionPool) Release(s *session) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.metrics.InUse--
	p.metrics.TotalReleased++

	if p.closed {
		s.Destroy()
		p.live--
		return
	}
	p.sessions <- s
}

// Discard destroys a session that failed mid-inference; the health check replaces it.
func (p *sessionPool) Discard(s *session) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.metrics.InUse--
	p.metrics.Discarded++
	p.live--
	s.Destroy()
}

func (p *sessionPool) Destroy() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return
	}

	p.closed = true
	close(p.stop)
	close(p.sessions)

	for s := range p.sessions {
		s.Destroy()
		p.live--
	}
}

func (p *sessionPool) healthCheck() {
	ticker := time.NewTicker(HealthCheckPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
			p.replenish()
		}
	}
}

// replenish recreates discarded sessions until the pool is back at full size.
func (p *sessionPool) replenish() {
	p.mu.Lock()
	missing := p.size - p.live
	p.mu.Unlock()

	for i := 0; i < missing; i++ {
		s, err := p.newSession()
		if err != nil {
			p.recordError(err)
			continue
		}

		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			s.Destroy()
			return
		}
		p.live++
		p.sessions <- s
		p.mu.Unlock()
	}
}

func (p *sessionPool) recordError(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.lastErrors = append(p.lastErrors, err)
	if len(p.lastErrors) > 10 {
		p.lastErrors = p.lastErrors[1:]
	}
}

func (p *sessionPool) Metrics() PoolMetrics {
	p.mu.Lock()
	defer p.mu.Unlock()
	m := p.metrics
	m.Size = p.size
	return m
}
