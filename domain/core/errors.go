package core

import (
	"errors"
	"fmt"
)

// Domain errors - centralized error definitions
var (
	// Not found errors
	ErrNotFound           = errors.New("resource not found")
	ErrSessionNotFound    = fmt.Errorf("%w: session", ErrNotFound)
	ErrHypothesisNotFound = fmt.Errorf("%w: hypothesis", ErrNotFound)
	ErrColumnNotFound     = fmt.Errorf("%w: column", ErrNotFound)

	// Data quality errors
	ErrDataQuality      = errors.New("data quality check failed")
	ErrDegenerateColumn = fmt.Errorf("%w: outcome column has a single unique value", ErrDataQuality)
	ErrEmptyDataset     = fmt.Errorf("%w: dataset has no rows", ErrDataQuality)

	// Pipeline errors
	ErrInsufficientHypotheses = errors.New("fewer than 2 usable hypotheses after filtering")
	ErrLLMSchema              = errors.New("LLM output failed schema validation")
	ErrTestInfeasible         = errors.New("statistical test infeasible for this data")
	ErrBudgetExceeded         = errors.New("wall-clock budget exceeded")
	ErrSessionTerminal        = errors.New("session is in a terminal state")
)

// NewNotFoundError builds a not-found error with context
func NewNotFoundError(resource string, id string) error {
	return fmt.Errorf("%w: %s with id %s", ErrNotFound, resource, id)
}

// NewDataQualityError builds a fatal data quality error
func NewDataQualityError(reason string) error {
	return fmt.Errorf("%w: %s", ErrDataQuality, reason)
}

// IsNotFoundError reports whether err is a not-found error
func IsNotFoundError(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsDataQualityError reports whether err is fatal before hypothesis generation
func IsDataQualityError(err error) bool {
	return errors.Is(err, ErrDataQuality)
}
