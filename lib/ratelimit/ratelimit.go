package ratelimit

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Config controls the pacing of one source.
type Config struct {
	// minimum gap between two requests leaving for the same source
	Baseline time.Duration
	// ceiling the penalty interval may grow to
	Max time.Duration
	// consecutive successes needed before the interval halves back
	// toward baseline
	DecayAfter int
}

func (c Config) withDefaults() Config {
	if c.Baseline <= 0 {
		c.Baseline = time.Second
	}
	if c.Max <= 0 {
		c.Max = time.Minute
	}
	if c.DecayAfter <= 0 {
		c.DecayAfter = 3
	}
	return c
}

// Limiter paces outbound calls per source. Acquire never drops a
// request, it only delays it; waiters for the same source are released
// in FIFO order, one per interval, across all concurrent callers.
type Limiter struct {
	mu      sync.Mutex
	config  Config
	sources map[string]*sourceState
}

type sourceState struct {
	mu sync.Mutex

	interval  time.Duration
	successes int

	// earliest instant the next request may leave
	nextAt time.Time
	// one channel per waiter, head of the queue holds the closed one
	queue []chan struct{}
}

func NewLimiter(config Config) *Limiter {
	return &Limiter{
		config:  config.withDefaults(),
		sources: map[string]*sourceState{},
	}
}

func (l *Limiter) state(source string) *sourceState {
	l.mu.Lock()
	defer l.mu.Unlock()

	s, ok := l.sources[source]
	if !ok {
		s = &sourceState{interval: l.config.Baseline}
		l.sources[source] = s
	}
	return s
}

// Acquire blocks until a slot for the source is available or the context
// is done. The first call for a source proceeds immediately.
func (l *Limiter) Acquire(ctx context.Context, source string) error {
	s := l.state(source)

	turn := make(chan struct{})
	s.mu.Lock()
	s.queue = append(s.queue, turn)
	if len(s.queue) == 1 {
		close(turn)
	}
	s.mu.Unlock()

	select {
	case <-turn:
	case <-ctx.Done():
		s.leave(turn)
		return ctx.Err()
	}

	for {
		s.mu.Lock()
		wait := time.Until(s.nextAt)
		if wait <= 0 {
			s.nextAt = time.Now().Add(s.interval)
			s.popHeadLocked()
			s.mu.Unlock()
			return nil
		}
		s.mu.Unlock()

		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			s.leave(turn)
			return ctx.Err()
		}
	}
}

// leave removes a waiter from the queue on cancellation. If the waiter
// already held the head slot the next waiter is released so the queue
// never stalls.
func (s *sourceState) leave(turn chan struct{}) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.queue) > 0 && s.queue[0] == turn {
		s.popHeadLocked()
		return
	}
	for i, c := range s.queue {
		if c == turn {
			s.queue = append(s.queue[:i], s.queue[i+1:]...)
			return
		}
	}
}

func (s *sourceState) popHeadLocked() {
	s.queue = s.queue[1:]
	if len(s.queue) > 0 {
		close(s.queue[0])
	}
}

// Penalize doubles the interval for a source in response to an upstream
// rate-limit signal, capped at the configured maximum.
func (l *Limiter) Penalize(source string) {
	s := l.state(source)
	s.mu.Lock()
	defer s.mu.Unlock()

	doubled := s.interval * 2
	if doubled > l.config.Max {
		doubled = l.config.Max
	}
	if doubled != s.interval {
		slog.Warn(
			"rate limit penalty",
			"source", source,
			"interval", doubled,
		)
	}
	s.interval = doubled
	s.successes = 0
	// push the next slot out under the new interval as well
	s.nextAt = time.Now().Add(s.interval)
}

// Success records a completed request; a run of them decays the penalty
// interval back toward baseline.
func (l *Limiter) Success(source string) {
	s := l.state(source)
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.interval <= l.config.Baseline {
		s.successes = 0
		return
	}
	s.successes++
	if s.successes < l.config.DecayAfter {
		return
	}
	s.successes = 0
	s.interval /= 2
	if s.interval < l.config.Baseline {
		s.interval = l.config.Baseline
	}
	slog.Info("rate limit decay", "source", source, "interval", s.interval)
}

// Interval reports the current pacing interval for a source.
func (l *Limiter) Interval(source string) time.Duration {
	s := l.state(source)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.interval
}
