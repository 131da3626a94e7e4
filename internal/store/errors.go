package store

import "errors"

// Error kinds the planner needs to tell apart: not-found triggers rollback
// and a user-facing "item not found", validation never retries, transient
// failures roll back the one mutation but may be retried by a later sync
// pass, and timeout is distinct so callers can tell "slow" from "rejected".
var (
	ErrNotFound   = errors.New("record not found")
	ErrValidation = errors.New("validation failed")
	ErrTransient  = errors.New("transient storage failure")
	ErrTimeout    = errors.New("storage operation timed out")
)
