package progress

import (
	"time"

	"github.com/darasahq/darasa/core"
)

// Rules is the test attempt policy: pass threshold and retake backoff.
type Rules struct {
	PassThreshold  int           // inclusive
	RetakeBase     time.Duration // failing attempt N locks retakes for N * RetakeBase
	MaxRetakeDelay time.Duration // backoff cap; 0 means uncapped
}

func NewRules(conf *core.Config) Rules {
	return Rules{
		PassThreshold:  conf.Progress.PassThreshold,
		RetakeBase:     conf.Progress.RetakeBase,
		MaxRetakeDelay: conf.Progress.MaxRetakeDelay,
	}
}

func (r Rules) Passed(score int) bool { return score >= r.PassThreshold }

// RetakeDelay returns the cooldown after a failing attempt with the given
// number (1-based): attempt 1 -> RetakeBase, attempt 2 -> 2*RetakeBase, ...
// capped at MaxRetakeDelay.
func (r Rules) RetakeDelay(attemptNumber int) time.Duration {
	d := time.Duration(attemptNumber) * r.RetakeBase
	if r.MaxRetakeDelay > 0 && d > r.MaxRetakeDelay {
		d = r.MaxRetakeDelay
	}
	return d
}

// CanAttempt reports whether a new attempt is allowed now, given the last
// recorded attempt (nil when there is none).
func (r Rules) CanAttempt(now time.Time, last *TestAttempt) bool {
	if last == nil || last.NextAttemptAt == nil {
		return true
	}
	return !now.Before(*last.NextAttemptAt)
}

// NewAttempt builds the next attempt record; the cooldown is only set for
// failing scores, and is computed lazily here rather than by any scheduler.
func (r Rules) NewAttempt(nodeID string, number, score int, at time.Time) TestAttempt {
	att := TestAttempt{
		NodeID:      nodeID,
		Number:      number,
		Score:       score,
		AttemptedAt: at.UTC(),
	}
	if !r.Passed(score) {
		next := at.UTC().Add(r.RetakeDelay(number))
		att.NextAttemptAt = &next
	}
	return att
}
