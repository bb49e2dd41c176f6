package schedule_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/duty-duck/duty-duck-sub000/internal/apperrors"
	"github.com/duty-duck/duty-duck-sub000/internal/core/schedule"
)

func TestParse_FiveFieldForm(t *testing.T) {
	s, err := schedule.Parse("0 * * * *")
	require.NoError(t, err)
	assert.Equal(t, "0 * * * *", s.String())
}

func TestParse_SixFieldForm(t *testing.T) {
	s, err := schedule.Parse("*/30 * * * * *")
	require.NoError(t, err)
	assert.Equal(t, "*/30 * * * * *", s.String())
}

func TestParse_RejectsWrongFieldCount(t *testing.T) {
	_, err := schedule.Parse("* * *")
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.KindValidation))
}

func TestParse_RejectsMalformedExpression(t *testing.T) {
	_, err := schedule.Parse("nonsense * * * *")
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.KindValidation))
}

func TestNext_ComputesNextOccurrenceStrictlyAfterReference(t *testing.T) {
	s, err := schedule.Parse("0 0 * * *")
	require.NoError(t, err)

	from := time.Date(2026, 3, 5, 12, 30, 0, 0, time.UTC)
	next := s.Next(from)

	assert.True(t, next.After(from))
	assert.Equal(t, time.Date(2026, 3, 6, 0, 0, 0, 0, time.UTC), next)
}

func TestNext_SixFieldFormIsStrictlyAfterReference(t *testing.T) {
	s, err := schedule.Parse("0 15 10 * * *")
	require.NoError(t, err)

	from := time.Date(2026, 3, 5, 10, 15, 0, 0, time.UTC)
	next := s.Next(from)

	assert.Equal(t, time.Date(2026, 3, 6, 10, 15, 0, 0, time.UTC), next)
}
