// Package recovery implements the periodic sweep that reclaims budget
// held by reservations whose owning request died somewhere between
// admission and settlement — a crashed dispatcher, a killed process, a
// network partition mid-upstream-call. Every branch here exists
// because dispatch's at-most-once settlement guarantee only holds
// while the process is alive; recovery is what restores it once a
// process isn't.
package recovery

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/aexhq/aex/pkg/ledger"
)

// DefaultInterval is the sweep cadence spec.md §4.10 names.
const DefaultInterval = 15 * time.Second

// Sweeper runs Sweep on a fixed interval until its context is canceled.
// A single goroutine drives it — the sweep is not safe to run
// concurrently with itself, since two sweepers could both observe the
// same stale reservation and double-release it.
type Sweeper struct {
	Ledger   ledger.Ledger
	Interval time.Duration
	Logger   *slog.Logger
}

func (s *Sweeper) interval() time.Duration {
	if s.Interval > 0 {
		return s.Interval
	}
	return DefaultInterval
}

func (s *Sweeper) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

// Run executes one sweep immediately — spec.md §4.10 requires a
// startup sweep before traffic is accepted — then sweeps again every
// Interval until ctx is canceled.
func (s *Sweeper) Run(ctx context.Context) error {
	if err := s.Sweep(ctx); err != nil {
		return err
	}

	ticker := time.NewTicker(s.interval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := s.Sweep(ctx); err != nil {
				s.logger().Error("recovery sweep failed", "error", err)
			}
		}
	}
}

// Sweep implements spec.md §4.10's one-pass reconciliation: every
// non-terminal execution is checked against its reservation (or lack
// of one) and resolved into a terminal state.
func (s *Sweeper) Sweep(ctx context.Context) error {
	executions, err := s.Ledger.ListNonTerminalExecutions(ctx)
	if err != nil {
		return err
	}

	for _, e := range executions {
		if err := s.recoverOne(ctx, e); err != nil {
			s.logger().Error("recovery: failed to resolve execution",
				"execution_id", e.ID, "state", e.State, "error", err)
		}
	}
	return nil
}

func (s *Sweeper) recoverOne(ctx context.Context, e ledger.Execution) error {
	reservation, err := s.Ledger.GetReservation(ctx, e.ID)
	hasReservation := true
	if err != nil {
		if !errors.Is(err, ledger.ErrNotFound) {
			return err
		}
		hasReservation = false
	}

	switch e.State {
	case ledger.ExecutionReserving:
		if hasReservation {
			// A reservation exists after all — not actually stuck,
			// just mid-admission; leave it for the next sweep.
			return nil
		}
		return s.markFailed(ctx, e.ID, "Interrupted during reserving")

	case ledger.ExecutionReserved:
		if !hasReservation {
			return s.markFailed(ctx, e.ID, "Missing reservation during recovery")
		}
		if reservation.State != ledger.ReservationReserved {
			return nil
		}
		if time.Now().UTC().Before(reservation.ExpiryAt) {
			return nil
		}
		return s.release(ctx, e.ID, "Recovered stale reservation")

	case ledger.ExecutionDispatched, ledger.ExecutionResponseReceived:
		if !hasReservation {
			return s.markFailed(ctx, e.ID, "Missing reservation during recovery")
		}
		if reservation.State != ledger.ReservationReserved {
			return nil
		}
		if time.Now().UTC().Before(reservation.ExpiryAt) {
			return nil
		}
		return s.release(ctx, e.ID, "Recovered stale reservation")

	default:
		return nil
	}
}

func (s *Sweeper) release(ctx context.Context, executionID, reason string) error {
	s.logger().Warn("recovery: releasing stale reservation", "execution_id", executionID, "reason", reason)
	if err := s.Ledger.UpdateExecutionState(ctx, executionID, ledger.ExecutionReleased, 504, ""); err != nil {
		return err
	}
	_, err := s.Ledger.Release(ctx, executionID)
	return err
}

func (s *Sweeper) markFailed(ctx context.Context, executionID, reason string) error {
	s.logger().Warn("recovery: marking execution failed", "execution_id", executionID, "reason", reason)
	return s.Ledger.UpdateExecutionState(ctx, executionID, ledger.ExecutionFailed, 500, "")
}
