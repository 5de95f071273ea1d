package session

import (
	"time"

	"github.com/cenkalti/backoff/v4"
	"k8s.io/utils/clock"
)

const (
	DefaultReconnectDelay = 2 * time.Second
	DefaultMaxAttempts    = 5
)

// Supervisor schedules reconnect attempts after a constant delay and gives
// up after a fixed number of attempts. It is not safe for concurrent use;
// the coordinator guards it with its own lock.
type Supervisor struct {
	clock  clock.WithDelayedExecution
	max    int
	policy backoff.BackOff

	attempt int
	timer   clock.Timer
}

func NewSupervisor(clk clock.WithDelayedExecution, delay time.Duration, maxAttempts int) *Supervisor {
	if delay <= 0 {
		delay = DefaultReconnectDelay
	}
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	return &Supervisor{
		clock:  clk,
		max:    maxAttempts,
		policy: backoff.WithMaxRetries(backoff.NewConstantBackOff(delay), uint64(maxAttempts)),
	}
}

// Schedule arranges for fn to run after the delay and returns the attempt
// number it represents. It returns false once the budget is spent.
func (s *Supervisor) Schedule(fn func()) (int, bool) {
	s.Cancel()

	next := s.policy.NextBackOff()
	if next == backoff.Stop {
		return s.attempt, false
	}
	s.attempt++
	s.timer = s.clock.AfterFunc(next, fn)
	return s.attempt, true
}

// Fired forgets the timer that just ran. Fake clocks run the callback while
// holding their lock, so the callback must not Stop its own timer.
func (s *Supervisor) Fired() {
	s.timer = nil
}

// Cancel stops a scheduled attempt.
func (s *Supervisor) Cancel() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

// Reset cancels any scheduled attempt and restores the full budget.
func (s *Supervisor) Reset() {
	s.Cancel()
	s.attempt = 0
	s.policy.Reset()
}

func (s *Supervisor) Attempt() int {
	return s.attempt
}

func (s *Supervisor) MaxAttempts() int {
	return s.max
}

// Pending reports whether an attempt is scheduled.
func (s *Supervisor) Pending() bool {
	return s.timer != nil
}
