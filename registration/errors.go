package registration

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrQuadSelectionFailed means no coplanar, well separated base quad was
	// found within the selector's try budget.
	ErrQuadSelectionFailed = errors.New("quad selection failed")
	// ErrNoCongruentMatch means a segment-length pair list (or the candidate
	// list) came back empty for the chosen base.
	ErrNoCongruentMatch = errors.New("no congruent match")
	// ErrNoAcceptableCandidate means candidates existed but none passed the
	// residual gate or the acceptance threshold.
	ErrNoAcceptableCandidate = errors.New("no acceptable candidate")
	// ErrTrialBudgetExhausted is the terminal failure of the trial loop.
	ErrTrialBudgetExhausted = errors.New("trial budget exhausted")
	// ErrInsufficientData rejects degenerate input before any search.
	ErrInsufficientData = errors.New("insufficient data")
	// ErrTriangulation reports a failed xy triangulation.
	ErrTriangulation = errors.New("triangulation failed")
)

// Reason names a failure class in logs and serialised results
type Reason string

const (
	ReasonNone                  Reason = ""
	ReasonQuadSelectionFailed   Reason = "QuadSelectionFailed"
	ReasonNoCongruentMatch      Reason = "NoCongruentMatch"
	ReasonNoAcceptableCandidate Reason = "NoAcceptableCandidate"
	ReasonTrialBudgetExhausted  Reason = "TrialBudgetExhausted"
	ReasonInsufficientData      Reason = "InsufficientData"
	ReasonCanceled              Reason = "Canceled"
	ReasonUnknown               Reason = "Unknown"
)

// ReasonOf maps an error returned by the engine to its Reason
func ReasonOf(err error) Reason {
	var regErr *RegistrationError
	switch {
	case err == nil:
		return ReasonNone
	case errors.As(err, &regErr):
		return regErr.Reason
	case errors.Is(err, ErrInsufficientData), errors.Is(err, ErrTriangulation):
		return ReasonInsufficientData
	case errors.Is(err, ErrQuadSelectionFailed):
		return ReasonQuadSelectionFailed
	case errors.Is(err, ErrNoCongruentMatch):
		return ReasonNoCongruentMatch
	case errors.Is(err, ErrNoAcceptableCandidate):
		return ReasonNoAcceptableCandidate
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return ReasonCanceled
	default:
		return ReasonUnknown
	}
}

// RegistrationError is the terminal failure of a search. It matches
// ErrTrialBudgetExhausted (or the cancellation cause) and the reason of the
// last failed trial with errors.Is.
type RegistrationError struct {
	Reason    Reason
	Trials    int
	BestScore float64
	Last      error
	Cause     error
}

func (e *RegistrationError) Error() string {
	msg := fmt.Sprintf("registration failed after %d trial(s)", e.Trials)
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	if e.Last != nil {
		msg += fmt.Sprintf(" (last trial: %v, best score %.3f)", e.Last, e.BestScore)
	}
	return msg
}

func (e *RegistrationError) Unwrap() []error {
	var errs []error
	if e.Cause != nil {
		errs = append(errs, e.Cause)
	}
	if e.Last != nil {
		errs = append(errs, e.Last)
	}
	return errs
}

func insufficient(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInsufficientData, fmt.Sprintf(format, args...))
}
