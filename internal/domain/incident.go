package domain

import "time"

// IncidentStatus is the lifecycle state of an Incident.
//
// Resolved=0, Ongoing=1, ToBeConfirmed=2 are mandated by the upstream
// specification for wire/storage compatibility.
type IncidentStatus int

const (
	IncidentStatusResolved      IncidentStatus = 0
	IncidentStatusOngoing       IncidentStatus = 1
	IncidentStatusToBeConfirmed IncidentStatus = 2
)

func (s IncidentStatus) String() string {
	switch s {
	case IncidentStatusResolved:
		return "resolved"
	case IncidentStatusOngoing:
		return "ongoing"
	case IncidentStatusToBeConfirmed:
		return "to_be_confirmed"
	default:
		return "unknown"
	}
}

// IncidentPriority ranks an incident for operator triage.
type IncidentPriority int

const (
	IncidentPriorityMinor IncidentPriority = iota
	IncidentPriorityMajor
	IncidentPriorityCritical
)

// IncidentSourceType discriminates which aggregate an incident is about.
// Late-task and dead-task-run incidents both key off a Task, but must be
// kept in disjoint namespaces (Task vs TaskRun) so neither collector creates
// a duplicate for work the other has already opened an incident for.
type IncidentSourceType int

const (
	IncidentSourceHttpMonitor IncidentSourceType = iota
	IncidentSourceTask
	IncidentSourceTaskRun
)

func (t IncidentSourceType) String() string {
	switch t {
	case IncidentSourceHttpMonitor:
		return "http_monitor"
	case IncidentSourceTask:
		return "task"
	case IncidentSourceTaskRun:
		return "task_run"
	default:
		return "unknown"
	}
}

// HttpMonitorPing is the minimal ping signature recorded in an incident
// cause: what failed, and how.
type HttpMonitorPing struct {
	ErrorKind ErrorKind
	HTTPCode  *int
}

// Equal reports whether two ping signatures represent the same failure mode,
// used to decide whether an incident's cause needs updating mid-incident.
func (p HttpMonitorPing) Equal(other HttpMonitorPing) bool {
	if p.ErrorKind != other.ErrorKind {
		return false
	}
	if (p.HTTPCode == nil) != (other.HTTPCode == nil) {
		return false
	}
	if p.HTTPCode != nil && *p.HTTPCode != *other.HTTPCode {
		return false
	}
	return true
}

// HttpMonitorCause is the incident cause variant for HttpMonitor sources.
type HttpMonitorCause struct {
	LastPing      HttpMonitorPing
	PreviousPings []HttpMonitorPing
}

// ScheduledTaskCause is the incident cause variant for lateness/absence.
type ScheduledTaskCause struct {
	TaskID               TaskID
	TaskWasDueAt         time.Time
	TaskRanLateAt        *time.Time
	TaskSwitchedToAbsentAt *time.Time
}

// TaskRunCause is the incident cause variant for a failed or dead run.
type TaskRunCause struct {
	TaskID             TaskID
	TaskRunID          time.Time // task runs are identified by (org, task, started_at)
	TaskRunStartedAt   time.Time
	TaskRunFinishedAt  *time.Time
	TaskRunStatus      TaskRunStatus
}

// IncidentCause is a tagged union over the three source-specific context
// shapes. Exactly one of the pointer fields is non-nil, matching
// IncidentSourceType.
type IncidentCause struct {
	HttpMonitor   *HttpMonitorCause
	ScheduledTask *ScheduledTaskCause
	TaskRun       *TaskRunCause
}

// Incident is a durable record of a suspected or confirmed problem.
type Incident struct {
	ID    IncidentID
	OrgID OrganizationID

	Status   IncidentStatus
	Priority IncidentPriority

	SourceType IncidentSourceType
	SourceID   string

	Cause IncidentCause

	CreatedBy      *string
	AcknowledgedBy []string

	CreatedAt  time.Time
	ResolvedAt *time.Time
	Metadata   map[string]any
}

// IncidentEventType enumerates the append-only timeline entry kinds.
type IncidentEventType int

const (
	IncidentEventCreation IncidentEventType = iota
	IncidentEventNotification
	IncidentEventResolution
	IncidentEventComment
	IncidentEventAcknowledged
	IncidentEventConfirmation
	IncidentEventMonitorPinged
	IncidentEventMonitorSwitchedToRecovering
	IncidentEventMonitorSwitchedToSuspicious
	IncidentEventMonitorSwitchedToDown
	IncidentEventTaskSwitchedToDue
	IncidentEventTaskSwitchedToLate
	IncidentEventTaskSwitchedToAbsent
	IncidentEventTaskSwitchedToRunning
	IncidentEventTaskRunStarted
	IncidentEventTaskRunIsDead
	IncidentEventTaskRunFailed
	IncidentEventTaskRunReceivedLastHeartbeat
)

func (t IncidentEventType) String() string {
	names := [...]string{
		"creation", "notification", "resolution", "comment", "acknowledged",
		"confirmation", "monitor_pinged", "monitor_switched_to_recovering",
		"monitor_switched_to_suspicious", "monitor_switched_to_down",
		"task_switched_to_due", "task_switched_to_late", "task_switched_to_absent",
		"task_switched_to_running", "task_run_started", "task_run_is_dead",
		"task_run_failed", "task_run_received_last_heartbeat",
	}
	if int(t) < 0 || int(t) >= len(names) {
		return "unknown"
	}
	return names[t]
}

// IncidentEventPayload carries the optional typed payload for an event.
type IncidentEventPayload struct {
	Ping                *PingResult
	NotificationChannels *NotificationChannels
	AcknowledgedByUser  *string
	CommentBody         *string
}

// IncidentEvent is an append-only timeline entry. CreatedAt is monotone
// non-decreasing within an incident, but not strictly: a single transaction
// may insert several events sharing the same timestamp.
type IncidentEvent struct {
	ID         int64
	OrgID      OrganizationID
	IncidentID IncidentID
	EventType  IncidentEventType
	Payload    IncidentEventPayload
	CreatedAt  time.Time
}

// NotificationChannels records which channels a notification attempt used
// or is scheduled to use.
type NotificationChannels struct {
	Email bool
	Push  bool
	SMS   bool
}

// Any reports whether at least one channel is enabled.
func (c NotificationChannels) Any() bool {
	return c.Email || c.Push || c.SMS
}

// IncidentNotificationType mirrors the kind of event that triggered the
// notification row.
type IncidentNotificationType int

const (
	IncidentNotificationCreation IncidentNotificationType = iota
	IncidentNotificationConfirmation
)

func (t IncidentNotificationType) String() string {
	switch t {
	case IncidentNotificationCreation:
		return "creation"
	case IncidentNotificationConfirmation:
		return "confirmation"
	default:
		return "unknown"
	}
}

// IncidentNotification is a pending notification row, upserted whenever an
// incident is created or escalated, and claimed+deleted atomically by the
// dispatcher when due.
type IncidentNotification struct {
	OrgID           OrganizationID
	IncidentID      IncidentID
	EscalationLevel int

	Type            IncidentNotificationType
	DueAt           time.Time
	Payload         NotificationPayload
	SendEmail       bool
	SendPush        bool
	SendSMS         bool
}

// NotificationPayload is the channel-independent cause+context handed to the
// (out-of-scope) transport adapters by the dispatcher.
type NotificationPayload struct {
	SourceType IncidentSourceType
	SourceID   string
	Cause      IncidentCause
	Priority   IncidentPriority
}
