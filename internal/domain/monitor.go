package domain

import (
	"time"

	"github.com/duty-duck/duty-duck-sub000/internal/apperrors"
)

// MonitorStatus is the current state of an HttpMonitor's status machine.
//
// The numeric discriminants are not mandated by the upstream specification
// (only Incident and Task statuses carry an explicit wire mapping); they are
// fixed here, in declaration order, for storage stability going forward.
type MonitorStatus int

const (
	MonitorStatusUnknown MonitorStatus = iota
	MonitorStatusInactive
	MonitorStatusUp
	MonitorStatusRecovering
	MonitorStatusSuspicious
	MonitorStatusDown
	MonitorStatusArchived
)

func (s MonitorStatus) String() string {
	switch s {
	case MonitorStatusUnknown:
		return "unknown"
	case MonitorStatusInactive:
		return "inactive"
	case MonitorStatusUp:
		return "up"
	case MonitorStatusRecovering:
		return "recovering"
	case MonitorStatusSuspicious:
		return "suspicious"
	case MonitorStatusDown:
		return "down"
	case MonitorStatusArchived:
		return "archived"
	default:
		return "unknown"
	}
}

// IsActive reports whether the status participates in the ping scheduling
// loop. Inactive and Archived monitors are never selected by the executor.
func (s MonitorStatus) IsActive() bool {
	return s != MonitorStatusInactive && s != MonitorStatusArchived
}

// ErrorKind classifies why a ping did not succeed. None means the ping
// succeeded.
type ErrorKind int

const (
	ErrorKindNone ErrorKind = iota
	ErrorKindHTTPCode
	ErrorKindConnect
	ErrorKindBuilder
	ErrorKindRequest
	ErrorKindRedirect
	ErrorKindBody
	ErrorKindDecode
	ErrorKindTimeout
	ErrorKindBrowserServiceCallFailed
	ErrorKindUnknown
)

func (k ErrorKind) String() string {
	switch k {
	case ErrorKindNone:
		return "none"
	case ErrorKindHTTPCode:
		return "http_code"
	case ErrorKindConnect:
		return "connect"
	case ErrorKindBuilder:
		return "builder"
	case ErrorKindRequest:
		return "request"
	case ErrorKindRedirect:
		return "redirect"
	case ErrorKindBody:
		return "body"
	case ErrorKindDecode:
		return "decode"
	case ErrorKindTimeout:
		return "timeout"
	case ErrorKindBrowserServiceCallFailed:
		return "browser_service_call_failed"
	default:
		return "unknown"
	}
}

// HttpMonitor is a probe target belonging to an organization.
type HttpMonitor struct {
	ID      MonitorID
	OrgID   OrganizationID
	URL     string
	Headers map[string]string
	Metadata map[string]any

	Interval        time.Duration
	RequestTimeout  time.Duration
	RecoveryConfirmationThreshold int // R >= 1
	DowntimeConfirmationThreshold int // D >= 1

	NotifyEmail bool
	NotifyPush  bool
	NotifySMS   bool

	Status        MonitorStatus
	StatusCounter int
	ErrorKind     ErrorKind
	LastHTTPCode  *int

	FirstPingAt        *time.Time
	LastPingAt         *time.Time
	NextPingAt         *time.Time
	LastStatusChangeAt *time.Time
	ArchivedAt         *time.Time
}

// Validate enforces the structural invariants of the entity, independent of
// any particular transition. Transition-dependent invariants (next_ping_at
// nullness, status_counter floor) are asserted by the state machine and by
// repository-level consistency checks, not here.
func (m *HttpMonitor) Validate() error {
	if m.URL == "" {
		return apperrors.ErrInvalidURL
	}
	if m.RecoveryConfirmationThreshold < 1 {
		return apperrors.ErrInvalidThreshold
	}
	if m.DowntimeConfirmationThreshold < 1 {
		return apperrors.ErrInvalidThreshold
	}
	if m.RequestTimeout <= 0 {
		return apperrors.ErrInvalidTimeout
	}
	return nil
}

// PingResult is the outcome of probing a monitor's URL once.
type PingResult struct {
	OK           bool
	ErrorKind    ErrorKind
	HTTPCode     *int
	Headers      map[string]string
	ResponseTime time.Duration
	IPAddresses  []string
	BodyFileID   *string
	ScreenshotFileID *string
}
