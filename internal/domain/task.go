package domain

import (
	"strings"
	"time"
	"unicode"

	"github.com/duty-duck/duty-duck-sub000/internal/apperrors"
)

// TaskStatus is the current state of a Task's timing/lifecycle machine.
//
// Numeric discriminants Running=1, Pending=2, Due=3, Late=4, Absent=5 are
// mandated by the upstream specification for wire/storage compatibility.
// Healthy and Failing are not given explicit numbers upstream; they are
// fixed here at 0 and 6 respectively (Healthy as the steady "nothing to
// report" state mirrors IncidentStatusResolved=0).
type TaskStatus int

const (
	TaskStatusHealthy TaskStatus = 0
	TaskStatusRunning TaskStatus = 1
	TaskStatusPending TaskStatus = 2
	TaskStatusDue     TaskStatus = 3
	TaskStatusLate    TaskStatus = 4
	TaskStatusAbsent  TaskStatus = 5
	TaskStatusFailing TaskStatus = 6
)

func (s TaskStatus) String() string {
	switch s {
	case TaskStatusHealthy:
		return "healthy"
	case TaskStatusRunning:
		return "running"
	case TaskStatusPending:
		return "pending"
	case TaskStatusDue:
		return "due"
	case TaskStatusLate:
		return "late"
	case TaskStatusAbsent:
		return "absent"
	case TaskStatusFailing:
		return "failing"
	default:
		return "unknown"
	}
}

// Task is a named, optionally scheduled, externally executed job.
type Task struct {
	ID    TaskID
	OrgID OrganizationID

	CronSchedule     *string
	StartWindow      time.Duration
	LatenessWindow   time.Duration
	HeartbeatTimeout time.Duration

	NotifyEmail bool
	NotifyPush  bool
	NotifySMS   bool
	Metadata    map[string]any

	Status             TaskStatus
	PreviousStatus     TaskStatus
	LastStatusChangeAt time.Time
	NextDueAt          *time.Time
}

// ValidateTaskID enforces the stable-identifier invariant: non-empty, no
// whitespace.
func ValidateTaskID(id TaskID) error {
	s := string(id)
	if s == "" {
		return apperrors.ErrInvalidTaskID
	}
	if strings.ContainsFunc(s, unicode.IsSpace) {
		return apperrors.ErrInvalidTaskID
	}
	return nil
}

// TaskRunStatus is the current state of a single execution attempt.
type TaskRunStatus int

const (
	TaskRunStatusRunning TaskRunStatus = iota
	TaskRunStatusFinished
	TaskRunStatusFailed
	TaskRunStatusAborted
	TaskRunStatusDead
)

func (s TaskRunStatus) String() string {
	switch s {
	case TaskRunStatusRunning:
		return "running"
	case TaskRunStatusFinished:
		return "finished"
	case TaskRunStatusFailed:
		return "failed"
	case TaskRunStatusAborted:
		return "aborted"
	case TaskRunStatusDead:
		return "dead"
	default:
		return "unknown"
	}
}

// TaskRun is a single execution attempt of a Task.
type TaskRun struct {
	OrgID     OrganizationID
	TaskID    TaskID
	StartedAt time.Time

	Status          TaskRunStatus
	UpdatedAt       time.Time
	CompletedAt     *time.Time
	LastHeartbeatAt *time.Time
	ExitCode        *int
	ErrorMessage    *string
}

// Validate enforces the per-status invariants from the data model: Finished
// implies a non-positive exit code (or none), Failed implies a positive one
// (or none), Running implies a heartbeat has been recorded.
func (r *TaskRun) Validate() error {
	switch r.Status {
	case TaskRunStatusFinished:
		if r.ExitCode != nil && *r.ExitCode > 0 {
			return apperrors.New(apperrors.KindProgrammer, "finished task run must not carry a positive exit code")
		}
	case TaskRunStatusFailed:
		if r.ExitCode != nil && *r.ExitCode <= 0 {
			return apperrors.New(apperrors.KindProgrammer, "failed task run must not carry a non-positive exit code")
		}
	case TaskRunStatusRunning:
		if r.LastHeartbeatAt == nil {
			return apperrors.New(apperrors.KindProgrammer, "running task run must have a last heartbeat")
		}
	}
	return nil
}

// TaskAggregate is the transiently-constructed consistency boundary over a
// task and, when one exists, its current (non-terminal) task run. It is
// loaded, mutated and persisted within a single transaction; it is never
// held across suspension points outside of one.
type TaskAggregate struct {
	Task    *Task
	Current *TaskRun // nil unless Task.Status is Running or Failing
}
