package statemachine

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/duty-duck/duty-duck-sub000/internal/domain"
)

func TestNextMonitorStatus_UnknownToSuspiciousToUp(t *testing.T) {
	// D=2, R=2: first failure from Unknown goes to Suspicious, not Down.
	tr := NextMonitorStatus(2, 2, 0, false, domain.MonitorStatusUnknown)
	assert.Equal(t, domain.MonitorStatusSuspicious, tr.Status)
	assert.Equal(t, 1, tr.Counter)

	tr2 := NextMonitorStatus(2, 2, tr.Counter, true, tr.Status)
	assert.Equal(t, domain.MonitorStatusRecovering, tr2.Status)
	assert.Equal(t, 1, tr2.Counter)

	tr3 := NextMonitorStatus(2, 2, tr2.Counter, true, tr2.Status)
	assert.Equal(t, domain.MonitorStatusUp, tr3.Status)
	assert.Equal(t, 1, tr3.Counter)
}

func TestNextMonitorStatus_D1R1_InstantFlip(t *testing.T) {
	tr := NextMonitorStatus(1, 1, 0, false, domain.MonitorStatusUnknown)
	assert.Equal(t, domain.MonitorStatusDown, tr.Status)

	tr2 := NextMonitorStatus(1, 1, tr.Counter, true, tr.Status)
	assert.Equal(t, domain.MonitorStatusUp, tr2.Status)

	tr3 := NextMonitorStatus(1, 1, tr2.Counter, false, tr2.Status)
	assert.Equal(t, domain.MonitorStatusDown, tr3.Status)
}

func TestNextMonitorStatus_D1RGreaterThan1_RecoveryTakesRConsecutiveOKs(t *testing.T) {
	tr := NextMonitorStatus(1, 3, 0, false, domain.MonitorStatusUp)
	assert.Equal(t, domain.MonitorStatusDown, tr.Status)

	tr = NextMonitorStatus(1, 3, tr.Counter, true, tr.Status)
	assert.Equal(t, domain.MonitorStatusRecovering, tr.Status)
	assert.Equal(t, 1, tr.Counter)

	tr = NextMonitorStatus(1, 3, tr.Counter, true, tr.Status)
	assert.Equal(t, domain.MonitorStatusRecovering, tr.Status)
	assert.Equal(t, 2, tr.Counter)

	tr = NextMonitorStatus(1, 3, tr.Counter, true, tr.Status)
	assert.Equal(t, domain.MonitorStatusUp, tr.Status)
	assert.Equal(t, 1, tr.Counter)
}

func TestNextMonitorStatus_UpStaysUpOnRepeatedOK(t *testing.T) {
	tr := NextMonitorStatus(2, 2, 3, true, domain.MonitorStatusUp)
	assert.Equal(t, domain.MonitorStatusUp, tr.Status)
	assert.Equal(t, 4, tr.Counter)
}

func TestNextMonitorStatus_CounterSaturates(t *testing.T) {
	tr := NextMonitorStatus(2, 2, counterCeiling, true, domain.MonitorStatusUp)
	assert.Equal(t, counterCeiling, tr.Counter)
}

func TestNextMonitorStatus_SuspiciousConfirmsToDown(t *testing.T) {
	tr := NextMonitorStatus(3, 1, 1, false, domain.MonitorStatusSuspicious)
	assert.Equal(t, domain.MonitorStatusSuspicious, tr.Status)
	assert.Equal(t, 2, tr.Counter)

	tr = NextMonitorStatus(3, 1, tr.Counter, false, tr.Status)
	assert.Equal(t, domain.MonitorStatusDown, tr.Status)
	assert.Equal(t, 1, tr.Counter)
}

func TestNextMonitorStatus_PanicsOnArchived(t *testing.T) {
	assert.Panics(t, func() {
		NextMonitorStatus(1, 1, 0, true, domain.MonitorStatusArchived)
	})
}

func TestNextMonitorStatus_IsPure(t *testing.T) {
	a := NextMonitorStatus(2, 2, 1, false, domain.MonitorStatusSuspicious)
	b := NextMonitorStatus(2, 2, 1, false, domain.MonitorStatusSuspicious)
	assert.Equal(t, a, b)
}
