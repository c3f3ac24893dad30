// Package pending implements the PendingOutgoing retry scheduler: an
// exponential-backoff drive loop over the durable retry
// queue, invoked once per EventPoller tick. Grounded on the
// server/room.go rate-limiting pattern (a bounded-work-per-tick scan with
// per-entry timestamps) generalized from per-client rate limiting to
// per-message retry fairness.
package pending

import (
	"context"
	"time"

	"mi-e2ee/core/internal/store"
)

const (
	maxAttemptsPerTick = 3
	baseBackoffMs      = 1000
	maxBackoffMs       = 30000
	maxBackoffExp      = 5
)

// backoffMs computes wait_ms = min(30000, 1000 * 2^min(attempts,5)).
func backoffMs(attempts int) int64 {
	exp := attempts
	if exp > maxBackoffExp {
		exp = maxBackoffExp
	}
	ms := int64(baseBackoffMs)
	for i := 0; i < exp; i++ {
		ms *= 2
	}
	if ms > maxBackoffMs {
		ms = maxBackoffMs
	}
	return ms
}

// Resender is the subset of sendpipeline.Pipeline the scheduler drives.
// Declared as an interface so tests can substitute a stub without standing
// up a full Pipeline.
type Resender interface {
	ResendText(ctx context.Context, messageID string) error
}

// Scheduler is the PendingOutgoing retry scheduler. Implements
// poller.Retrier so EventPoller can drive it from its own tick.
type Scheduler struct {
	st       *store.Store
	resender Resender
}

// New constructs a Scheduler backed by st's durable queue and resender's
// resend entry points.
func New(st *store.Store, resender Resender) *Scheduler {
	return &Scheduler{st: st, resender: resender}
}

// Tick attempts up to 3 pending entries whose backoff window has elapsed,
// scanning in insertion order for fairness across conversations: per tick,
// at most 3 pending entries are attempted.
func (s *Scheduler) Tick(ctx context.Context) error {
	entries, err := s.st.ListPending()
	if err != nil {
		return err
	}

	nowMs := time.Now().UnixMilli()
	attempted := 0
	for _, e := range entries {
		if attempted >= maxAttemptsPerTick {
			break
		}
		wait := backoffMs(e.Attempts)
		if nowMs-e.LastAttemptMs < wait {
			continue // backoff window has not elapsed; skip, try next tick
		}
		attempted++
		// ResendText itself records the attempt, updates status, and
		// removes the entry on a terminal outcome; Tick only decides which
		// entries are eligible this round.
		_ = s.resender.ResendText(ctx, e.MessageID)
	}
	return nil
}
