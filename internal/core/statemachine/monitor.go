// Package statemachine holds the pure transition functions for the three
// finite-state machines the monitoring engine advances: the HttpMonitor
// status machine, the Task timing machine, and the TaskRun lifecycle
// machine. None of these functions touch the repository, the clock, or any
// I/O — callers pass in the current persisted state and an observation, and
// get back the next state. This is what makes a batch idempotent: replaying
// the same (state, observation) pair always yields the same result.
package statemachine

import "github.com/duty-duck/duty-duck-sub000/internal/domain"

// counterCeiling bounds status_counter so that a monitor or task that spends
// years in the same status never overflows an int. Once reached, the
// counter simply stops advancing; no transition depends on the counter
// continuing to grow past a confirmation threshold that has already fired.
const counterCeiling = 1 << 30

func saturate(n int) int {
	if n >= counterCeiling {
		return counterCeiling
	}
	return n
}

// MonitorTransition is the result of feeding one ping observation through
// the monitor status machine.
type MonitorTransition struct {
	Status  domain.MonitorStatus
	Counter int
}

// NextMonitorStatus is the pure status machine described in spec §4.1. D and
// R are the downtime/recovery confirmation thresholds (both >= 1). current
// and counter are the monitor's persisted state; ok is whether the ping
// succeeded.
//
// Archived is a terminal state: the state machine must never be invoked
// for an archived monitor. Callers that select monitors via
// `status NOT IN (Inactive, Archived)` cannot hit this branch in practice;
// it is asserted here as a programmer error rather than silently handled.
func NextMonitorStatus(d, r, counter int, ok bool, currentStatus domain.MonitorStatus) MonitorTransition {
	switch currentStatus {
	case domain.MonitorStatusArchived:
		panic("statemachine: NextMonitorStatus called on an archived monitor")

	case domain.MonitorStatusUnknown, domain.MonitorStatusInactive:
		if ok {
			return MonitorTransition{Status: domain.MonitorStatusUp, Counter: 1}
		}
		if d == 1 {
			return MonitorTransition{Status: domain.MonitorStatusDown, Counter: 1}
		}
		return MonitorTransition{Status: domain.MonitorStatusSuspicious, Counter: 1}

	case domain.MonitorStatusUp:
		if ok {
			return MonitorTransition{Status: domain.MonitorStatusUp, Counter: saturate(counter + 1)}
		}
		if d == 1 {
			return MonitorTransition{Status: domain.MonitorStatusDown, Counter: 1}
		}
		return MonitorTransition{Status: domain.MonitorStatusSuspicious, Counter: 1}

	case domain.MonitorStatusSuspicious:
		if ok {
			return MonitorTransition{Status: domain.MonitorStatusRecovering, Counter: 1}
		}
		next := saturate(counter + 1)
		if next >= d {
			return MonitorTransition{Status: domain.MonitorStatusDown, Counter: 1}
		}
		return MonitorTransition{Status: domain.MonitorStatusSuspicious, Counter: next}

	case domain.MonitorStatusRecovering:
		if ok {
			next := saturate(counter + 1)
			if next >= r {
				return MonitorTransition{Status: domain.MonitorStatusUp, Counter: 1}
			}
			return MonitorTransition{Status: domain.MonitorStatusRecovering, Counter: next}
		}
		// Open question (spec §9): whether Recovering -> Down with D>1 routes
		// through Suspicious or goes straight to Down. The confirmation-path
		// guard (D>1 -> Suspicious) is adopted uniformly here; see DESIGN.md.
		if d > 1 {
			return MonitorTransition{Status: domain.MonitorStatusSuspicious, Counter: 1}
		}
		return MonitorTransition{Status: domain.MonitorStatusDown, Counter: 1}

	case domain.MonitorStatusDown:
		if ok {
			if r > 1 {
				return MonitorTransition{Status: domain.MonitorStatusRecovering, Counter: 1}
			}
			return MonitorTransition{Status: domain.MonitorStatusUp, Counter: 1}
		}
		return MonitorTransition{Status: domain.MonitorStatusDown, Counter: saturate(counter + 1)}

	default:
		panic("statemachine: unreachable monitor status")
	}
}
