package domain

import "errors"

var (
	ErrNotFound   = errors.New("not found")
	ErrValidation = errors.New("validation error")
	ErrConflict   = errors.New("conflict")

	// ErrRegistrationTimeout means the notification channel did not confirm
	// filter installation within the registration budget.
	ErrRegistrationTimeout = errors.New("subscription registration timed out")
	// ErrTeardownTimeout means the notification channel did not confirm
	// filter removal within the teardown budget.
	ErrTeardownTimeout = errors.New("subscription teardown timed out")

	ErrRolloutLocked = errors.New("rollout already in progress for protocol")
)
