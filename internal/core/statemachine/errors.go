package statemachine

import "github.com/duty-duck/duty-duck-sub000/internal/apperrors"

var (
	errTaskAlreadyStarted = apperrors.ErrTaskAlreadyStarted
	errTaskNotRunning     = apperrors.ErrTaskNotRunning
	errProgrammerState    = apperrors.ErrProgrammerState
)
