// Package schedule parses the cron expressions stored on a Task and computes
// the next due instant from a reference time. It wraps
// github.com/robfig/cron/v3, accepting both the standard 5-field form and a
// 6-field form with a leading seconds field, defaulting seconds to 0 when
// absent — exactly the two forms spec.md §4.2 requires create_task to
// validate.
package schedule

import (
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/duty-duck/duty-duck-sub000/internal/apperrors"
)

// standardParser accepts the traditional 5-field form (minute hour dom month dow).
var standardParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// secondsParser accepts a 6-field form with a leading seconds field.
var secondsParser = cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Schedule wraps a parsed cron expression.
type Schedule struct {
	expr cron.Schedule
	raw  string
}

// Parse validates a cron expression, supporting 5- and 6-field forms (the
// seconds field defaults to 0 when the expression has only 5 fields).
func Parse(expr string) (*Schedule, error) {
	fields := len(strings.Fields(expr))
	var (
		parsed cron.Schedule
		err    error
	)
	switch fields {
	case 5:
		parsed, err = standardParser.Parse(expr)
	case 6:
		parsed, err = secondsParser.Parse(expr)
	default:
		return nil, apperrors.ErrInvalidCron
	}
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindValidation, err, "invalid cron schedule")
	}
	return &Schedule{expr: parsed, raw: expr}, nil
}

// String returns the original expression text.
func (s *Schedule) String() string { return s.raw }

// Next computes the next occurrence strictly after the reference instant.
func (s *Schedule) Next(from time.Time) time.Time {
	return s.expr.Next(from)
}
