package agents

import (
	"time"

	"github.com/adhocore/gronx"

	"github.com/codeck-dev/codeck/internal/errkind"
)

// Schedule is a validated five-field cron expression.
type Schedule struct {
	expr string
}

func ParseSchedule(expr string) (*Schedule, error) {
	if !gronx.New().IsValid(expr) {
		return nil, errkind.Newf(errkind.Validation, "invalid cron expression %q", expr)
	}
	return &Schedule{expr: expr}, nil
}

func (s *Schedule) Expr() string { return s.expr }

// Next returns the first firing strictly after the given time.
func (s *Schedule) Next(after time.Time) (time.Time, error) {
	next, err := gronx.NextTickAfter(s.expr, after, false)
	if err != nil {
		return time.Time{}, errkind.Wrap(errkind.Validation, "cron next tick", err)
	}
	return next, nil
}

// Due reports whether the schedule fires at the given minute.
func (s *Schedule) Due(at time.Time) bool {
	due, err := gronx.New().IsDue(s.expr, at.Truncate(time.Minute))
	return err == nil && due
}
