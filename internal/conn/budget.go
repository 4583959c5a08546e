package conn

import "time"

// Budget tracks reconnect attempts within one failure episode. Values
// are immutable; Failure and Success return the next budget, so retry
// accounting is testable without timers.
type Budget struct {
	ConsecutiveFailures int
	TotalAttempts       int
}

// Limits holds the budget ceilings and the short-tier retry schedule.
type Limits struct {
	MaxConsecutive int
	MaxTotal       int

	ShortBase     time.Duration
	ShortCap      time.Duration
	ShortAttempts int
}

// Failure records one failed attempt.
func (b Budget) Failure() Budget {
	return Budget{
		ConsecutiveFailures: b.ConsecutiveFailures + 1,
		TotalAttempts:       b.TotalAttempts + 1,
	}
}

// Success resets the budget. Called only on a successful connect.
func (b Budget) Success() Budget {
	return Budget{}
}

// Exhausted reports whether either ceiling has been reached. The Nth
// consecutive failure with MaxConsecutive = N exhausts the budget.
func (b Budget) Exhausted(l Limits) bool {
	return b.ConsecutiveFailures >= l.MaxConsecutive || b.TotalAttempts >= l.MaxTotal
}

// longSchedule is the reconnect ladder once short retries exhaust.
// The last interval repeats indefinitely (until a budget ceiling).
var longSchedule = []time.Duration{
	5 * time.Minute,
	10 * time.Minute,
	15 * time.Minute,
	30 * time.Minute,
}

// NextDelay returns the wait before the next reconnect attempt and the
// tier state to sit in while waiting. The first ShortAttempts failures
// use capped exponential growth from ShortBase; later failures walk the
// long schedule.
func NextDelay(b Budget, l Limits) (time.Duration, State) {
	n := b.ConsecutiveFailures
	if n < 1 {
		n = 1
	}

	if n <= l.ShortAttempts {
		delay := l.ShortBase << (n - 1)
		if delay > l.ShortCap || delay <= 0 {
			delay = l.ShortCap
		}
		return delay, ReconnectingShort
	}

	idx := n - l.ShortAttempts - 1
	if idx >= len(longSchedule) {
		idx = len(longSchedule) - 1
	}
	return longSchedule[idx], ReconnectingLong
}
