// Package controller implements the job registry, queue, lock manager and
// message broker described by the orchestration core: an embedded
// SQLite-backed implementation and an HTTP proxy sharing the same
// Controller contract.
package controller

import (
	"context"

	"orchestra/internal/model"
)

// Controller is the authoritative interface every job-registry backend
// implements, whether embedded (SQLiteController) or remote (HTTPController).
type Controller interface {
	// QueuePush persists info under token with status=queued and enqueues
	// it, unless token already exists: then, if info.Config.OriginalBody
	// matches the stored record, the existing token is returned
	// idempotently; otherwise a *ConflictError is returned.
	QueuePush(ctx context.Context, token model.Token, info model.JobInfo) (model.Token, error)

	// QueuePop atomically claims one queued token with no live lock,
	// returning a fresh Lock. ok is false if nothing is eligible.
	QueuePop(ctx context.Context, workerName string) (lock model.Lock, ok bool, err error)

	// ReleaseLock removes a lock. Releasing an unknown lock is not an error.
	ReleaseLock(ctx context.Context, lockID string) error

	// RefreshLock extends a live lock's expiry. Returns *StaleLockError if
	// the lock is missing or expired.
	RefreshLock(ctx context.Context, lockID string) (model.Lock, error)

	// GetToken, GetInfo and GetStatus are read accessors; they return
	// *UnknownTokenError for an unrecognized token.
	GetToken(ctx context.Context, token string) (model.Token, error)
	GetInfo(ctx context.Context, token string) (model.JobInfo, error)
	GetStatus(ctx context.Context, token string) (model.Status, error)

	// RegistryPush updates the record associated with lockID. A nil status
	// or info leaves that field unchanged. Returns *RegistryStaleLockError
	// if the lock is not currently live.
	RegistryPush(ctx context.Context, lockID string, status *model.Status, info *model.JobInfo) error

	// MessagePush appends an out-of-band instruction for token. If token no
	// longer has a registry record, the message is silently discarded.
	MessagePush(ctx context.Context, token string, instruction model.Instruction, origin, content string) error

	// MessageGet returns messages received at or after since.
	MessageGet(ctx context.Context, since int64) ([]model.Message, error)

	// Cleanup purges expired locks, registry records and messages, and
	// requeues or fails running records that have lost their lock. It runs
	// implicitly at the start of QueuePush and QueuePop and can also be
	// invoked directly (e.g. from a scheduled sweep); the other operations
	// do not run it.
	Cleanup(ctx context.Context) error
}
