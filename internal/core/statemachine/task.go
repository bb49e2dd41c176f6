package statemachine

import "github.com/duty-duck/duty-duck-sub000/internal/domain"

// TaskInputKind enumerates the events that can advance a Task's timing
// machine. Heartbeats do not appear here: they mutate the associated
// TaskRun only, never the Task's own status.
type TaskInputKind int

const (
	TaskInputStart TaskInputKind = iota
	TaskInputFinishSuccess
	TaskInputFinishFailure
	TaskInputFinishAborted
	TaskInputBecameDue
	TaskInputBecameLate
	TaskInputBecameAbsent
	TaskInputRunDied
)

// AdvanceTask funnels every Task status transition through one function, as
// suggested by the design notes, so call sites never hand-roll a
// status-specific branch. It returns the next status, or an error when the
// input is not valid from the current status: a conflict error for a start
// or finish input, a programmer-state error for the collector-driven inputs
// (BecameDue, BecameLate, BecameAbsent, RunDied).
func AdvanceTask(current domain.TaskStatus, input TaskInputKind) (domain.TaskStatus, error) {
	switch input {
	case TaskInputStart:
		switch current {
		case domain.TaskStatusHealthy, domain.TaskStatusPending, domain.TaskStatusDue,
			domain.TaskStatusLate, domain.TaskStatusAbsent, domain.TaskStatusFailing:
			return domain.TaskStatusRunning, nil
		case domain.TaskStatusRunning:
			return domain.TaskStatusRunning, errTaskAlreadyStarted
		}

	case TaskInputFinishSuccess, TaskInputFinishAborted:
		if current != domain.TaskStatusRunning {
			return current, errTaskNotRunning
		}
		return domain.TaskStatusHealthy, nil

	case TaskInputFinishFailure:
		if current != domain.TaskStatusRunning {
			return current, errTaskNotRunning
		}
		return domain.TaskStatusFailing, nil

	case TaskInputBecameDue:
		if current != domain.TaskStatusHealthy && current != domain.TaskStatusPending {
			return current, errProgrammerState
		}
		return domain.TaskStatusDue, nil

	case TaskInputBecameLate:
		if current != domain.TaskStatusDue {
			return current, errProgrammerState
		}
		return domain.TaskStatusLate, nil

	case TaskInputBecameAbsent:
		if current != domain.TaskStatusLate {
			return current, errProgrammerState
		}
		return domain.TaskStatusAbsent, nil

	case TaskInputRunDied:
		// The dead-run collector may observe a Running task whose run has
		// gone silent; it always transitions the task to Failing.
		if current != domain.TaskStatusRunning {
			return current, errProgrammerState
		}
		return domain.TaskStatusFailing, nil
	}

	return current, errProgrammerState
}

// TaskRunInputKind enumerates the events that advance a TaskRun.
type TaskRunInputKind int

const (
	TaskRunInputHeartbeat TaskRunInputKind = iota
	TaskRunInputFinishSuccess
	TaskRunInputFinishFailure
	TaskRunInputAbort
	TaskRunInputDied
)

// AdvanceTaskRun funnels every TaskRun status transition through one
// function. A heartbeat does not change Status; it is reported separately
// by the caller via LastHeartbeatAt since the machine itself is status-only.
func AdvanceTaskRun(current domain.TaskRunStatus, input TaskRunInputKind) (domain.TaskRunStatus, error) {
	switch input {
	case TaskRunInputHeartbeat:
		if current != domain.TaskRunStatusRunning {
			return current, errTaskNotRunning
		}
		return domain.TaskRunStatusRunning, nil
	case TaskRunInputFinishSuccess:
		if current != domain.TaskRunStatusRunning {
			return current, errTaskNotRunning
		}
		return domain.TaskRunStatusFinished, nil
	case TaskRunInputFinishFailure:
		if current != domain.TaskRunStatusRunning {
			return current, errTaskNotRunning
		}
		return domain.TaskRunStatusFailed, nil
	case TaskRunInputAbort:
		if current != domain.TaskRunStatusRunning {
			return current, errTaskNotRunning
		}
		return domain.TaskRunStatusAborted, nil
	case TaskRunInputDied:
		if current != domain.TaskRunStatusRunning {
			return current, errProgrammerState
		}
		return domain.TaskRunStatusDead, nil
	}
	return current, errProgrammerState
}
