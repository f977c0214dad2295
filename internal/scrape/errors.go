package scrape

import (
	"errors"
	"fmt"
)

// Storage and transition errors.
var (
	ErrNotFound          = errors.New("job not found")
	ErrAlreadyExists     = errors.New("job already exists")
	ErrVersionConflict   = errors.New("job version conflict")
	ErrInvalidTransition = errors.New("invalid state transition")
	ErrAttemptsExhausted = errors.New("max attempts exceeded")
	ErrCancelNotAllowed  = errors.New("job cannot be cancelled in its current state")
	ErrNoPendingCaptcha  = errors.New("no pending captcha for job")
	ErrLeaseLost         = errors.New("lease lost")
)

// Pipeline error taxonomy.
var (
	// ErrTransient marks crash/network failures that are retried up to the attempts cap.
	ErrTransient = errors.New("transient worker error")
	// ErrRegionMismatch marks a claim by a worker outside the preferred region.
	ErrRegionMismatch = errors.New("region mismatch")
	// ErrCaptchaTimeout marks a challenge that was not solved before its deadline.
	ErrCaptchaTimeout = errors.New(ReasonCaptchaTimeout)
	// ErrCancelled marks a job cancelled by its owner.
	ErrCancelled = errors.New(ReasonCancelled)
	// ErrValidation marks malformed urls or selectors; never retried.
	ErrValidation = errors.New("validation error")
	// ErrQueueUnavailable is returned synchronously from enqueue.
	ErrQueueUnavailable = errors.New("queue unavailable")
)

// Failure reasons written to ScrapeJob.Error.
const (
	ReasonCaptchaTimeout   = "captcha_timeout"
	ReasonNoMatchingRegion = "no_matching_region"
	ReasonCancelled        = "cancelled"
	ReasonMaxAttempts      = "max_attempts_exceeded"
	ReasonSessionLost      = "captcha_session_lost"
)

// ValidationError reports which submission field was rejected.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// Is lets errors.Is(err, ErrValidation) match any ValidationError.
func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// Transient wraps err so the worker retries it.
func Transient(err error) error {
	if err == nil || errors.Is(err, ErrTransient) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrTransient, err)
}
