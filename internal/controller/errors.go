package controller

import "fmt"

// UnknownTokenError reports that a token has no registry record.
type UnknownTokenError struct{ Token string }

func (e *UnknownTokenError) Error() string { return fmt.Sprintf("unknown token %q", e.Token) }

// StaleLockError reports that a lock used to authorize a write is missing
// or has expired. Workers detect it with errors.As to decide whether a
// failed refresh is a stale-lock abort; over HTTP it travels as status 410
// Gone and HTTPController turns that status back into this type.
type StaleLockError struct{ LockID string }

func (e *StaleLockError) Error() string { return "Stale lock, refresh rejected." }

// RegistryStaleLockError is returned by registryPush specifically, using
// the distinct message the original registry-update path emits.
type RegistryStaleLockError struct{ LockID string }

func (e *RegistryStaleLockError) Error() string {
	return "Stale lock, update to job registry rejected."
}

// ConflictError reports a resubmission whose originalBody differs from the
// token's existing record.
type ConflictError struct{ Token string }

func (e *ConflictError) Error() string {
	return fmt.Sprintf("token %q already submitted with a different body", e.Token)
}

// UnknownLockError reports an operation against a lock id with no live
// lock (already released, expired and swept, or never existed).
type UnknownLockError struct{ LockID string }

func (e *UnknownLockError) Error() string { return fmt.Sprintf("unknown lock %q", e.LockID) }
