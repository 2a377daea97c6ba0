package controller

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"orchestra/internal/model"
)

// remarshalInfoReport decodes a job's opaque, persisted report back into a
// concrete model.Report for assertions, mirroring what a job-type-specific
// report factory does in the worker package.
func remarshalInfoReport(raw model.JSONObject, dst *model.Report) error {
	b, err := json.Marshal(raw)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, dst)
}

func newTestController(t *testing.T, opts Options) *SQLiteController {
	t.Helper()
	path := filepath.Join(t.TempDir(), "controller.db")
	c, err := OpenSQLiteController(path, opts, zerolog.Nop())
	if err != nil {
		t.Fatalf("open controller: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func jobInfo(jobType string) model.JobInfo {
	return model.JobInfo{Config: model.JobConfig{
		Type:         jobType,
		OriginalBody: model.JSONObject{"k": "v"},
	}}
}

func TestQueuePushPopRoundTrip(t *testing.T) {
	ctx := context.Background()
	c := newTestController(t, Options{})

	token := model.Token{Value: "tok-1"}
	if _, err := c.QueuePush(ctx, token, jobInfo("test")); err != nil {
		t.Fatalf("queue push: %v", err)
	}

	lock, ok, err := c.QueuePop(ctx, "worker-1")
	if err != nil || !ok {
		t.Fatalf("queue pop: ok=%v err=%v", ok, err)
	}
	if lock.Token != "tok-1" {
		t.Fatalf("expected lock on tok-1, got %s", lock.Token)
	}

	status, err := c.GetStatus(ctx, "tok-1")
	if err != nil {
		t.Fatalf("get status: %v", err)
	}
	if status != model.StatusRunning {
		t.Fatalf("expected running status after pop, got %s", status)
	}
}

func TestQueuePushIdempotentOnMatchingBody(t *testing.T) {
	ctx := context.Background()
	c := newTestController(t, Options{})
	info := jobInfo("test")

	tok1, err := c.QueuePush(ctx, model.Token{Value: "tok-1"}, info)
	if err != nil {
		t.Fatalf("first push: %v", err)
	}
	tok2, err := c.QueuePush(ctx, model.Token{Value: "tok-1"}, info)
	if err != nil {
		t.Fatalf("expected idempotent resubmission to succeed, got %v", err)
	}
	if tok1.Value != tok2.Value {
		t.Fatalf("expected same token returned, got %q and %q", tok1.Value, tok2.Value)
	}
}

func TestQueuePushConflictOnDifferentBody(t *testing.T) {
	ctx := context.Background()
	c := newTestController(t, Options{})

	if _, err := c.QueuePush(ctx, model.Token{Value: "tok-1"}, jobInfo("test")); err != nil {
		t.Fatalf("first push: %v", err)
	}

	differentBody := jobInfo("test")
	differentBody.Config.OriginalBody = model.JSONObject{"k": "different"}
	_, err := c.QueuePush(ctx, model.Token{Value: "tok-1"}, differentBody)
	var conflict *ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected *ConflictError, got %v", err)
	}
}

func TestQueuePopEmptyQueue(t *testing.T) {
	ctx := context.Background()
	c := newTestController(t, Options{})
	_, ok, err := c.QueuePop(ctx, "worker-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Fatalf("expected ok=false on an empty queue")
	}
}

func TestRefreshLockStaleAfterExpiry(t *testing.T) {
	ctx := context.Background()
	c := newTestController(t, Options{LockTTL: time.Millisecond})

	c.QueuePush(ctx, model.Token{Value: "tok-1"}, jobInfo("test"))
	lock, ok, err := c.QueuePop(ctx, "worker-1")
	if err != nil || !ok {
		t.Fatalf("pop: ok=%v err=%v", ok, err)
	}

	time.Sleep(5 * time.Millisecond)

	_, err = c.RefreshLock(ctx, lock.ID)
	var stale *StaleLockError
	if !errors.As(err, &stale) {
		t.Fatalf("expected *StaleLockError past TTL, got %v", err)
	}
}

func TestRegistryPushRejectsStaleLock(t *testing.T) {
	ctx := context.Background()
	c := newTestController(t, Options{})

	status := model.StatusCompleted
	err := c.RegistryPush(ctx, "nonexistent-lock", &status, nil)
	var stale *RegistryStaleLockError
	if !errors.As(err, &stale) {
		t.Fatalf("expected *RegistryStaleLockError for an unknown lock, got %v", err)
	}
}

func TestRegistryPushUpdatesStatusAndInfo(t *testing.T) {
	ctx := context.Background()
	c := newTestController(t, Options{})

	c.QueuePush(ctx, model.Token{Value: "tok-1"}, jobInfo("test"))
	lock, _, err := c.QueuePop(ctx, "worker-1")
	if err != nil {
		t.Fatalf("pop: %v", err)
	}

	info, err := c.GetInfo(ctx, "tok-1")
	if err != nil {
		t.Fatalf("get info: %v", err)
	}
	info.Report = model.JSONObject{"progress": "halfway"}
	completed := model.StatusCompleted
	if err := c.RegistryPush(ctx, lock.ID, &completed, &info); err != nil {
		t.Fatalf("registry push: %v", err)
	}

	status, err := c.GetStatus(ctx, "tok-1")
	if err != nil || status != model.StatusCompleted {
		t.Fatalf("expected completed status, got %s (err=%v)", status, err)
	}
}

func TestMessagePushAndGet(t *testing.T) {
	ctx := context.Background()
	c := newTestController(t, Options{})

	c.QueuePush(ctx, model.Token{Value: "tok-1"}, jobInfo("test"))

	if err := c.MessagePush(ctx, "tok-1", model.Abort, "operator", "stop it"); err != nil {
		t.Fatalf("message push: %v", err)
	}

	msgs, err := c.MessageGet(ctx, 0)
	if err != nil {
		t.Fatalf("message get: %v", err)
	}
	if len(msgs) != 1 || msgs[0].Instruction != model.Abort || msgs[0].Content != "stop it" {
		t.Fatalf("unexpected messages: %+v", msgs)
	}
}

func TestMessagePushUnknownTokenSilentlyDiscarded(t *testing.T) {
	ctx := context.Background()
	c := newTestController(t, Options{})
	if err := c.MessagePush(ctx, "ghost-token", model.Abort, "operator", "stop"); err != nil {
		t.Fatalf("expected message to unknown token to be discarded silently, got %v", err)
	}
}

func TestCleanupRequeuesOrphanedRunningJobs(t *testing.T) {
	ctx := context.Background()
	c := newTestController(t, Options{LockTTL: time.Millisecond, Requeue: true})

	c.QueuePush(ctx, model.Token{Value: "tok-1"}, jobInfo("test"))
	if _, _, err := c.QueuePop(ctx, "worker-1"); err != nil {
		t.Fatalf("pop: %v", err)
	}

	time.Sleep(5 * time.Millisecond)
	if err := c.Cleanup(ctx); err != nil {
		t.Fatalf("cleanup: %v", err)
	}

	status, err := c.GetStatus(ctx, "tok-1")
	if err != nil || status != model.StatusQueued {
		t.Fatalf("expected orphaned job requeued to 'queued', got %s (err=%v)", status, err)
	}

	info, err := c.GetInfo(ctx, "tok-1")
	if err != nil {
		t.Fatalf("get info: %v", err)
	}
	var report model.Report
	if err := remarshalInfoReport(info.Report, &report); err != nil {
		t.Fatalf("decode report: %v", err)
	}
	if report.Progress.Status != model.StatusQueued {
		t.Fatalf("expected report progress status 'queued', got %s", report.Progress.Status)
	}
	if !report.Log.Has(model.ContextEvent) {
		t.Fatalf("expected an EVENT log entry noting the requeue, got %+v", report.Log)
	}
	if info.Metadata.Consumed != nil || info.Metadata.Completed != nil || info.Metadata.Aborted != nil {
		t.Fatalf("expected consumed/completed/aborted metadata cleared on requeue, got %+v", info.Metadata)
	}
}

func TestCleanupFailsOrphanedRunningJobsWhenNotRequeuing(t *testing.T) {
	ctx := context.Background()
	c := newTestController(t, Options{LockTTL: time.Millisecond, Requeue: false})

	c.QueuePush(ctx, model.Token{Value: "tok-1"}, jobInfo("test"))
	if _, _, err := c.QueuePop(ctx, "worker-1"); err != nil {
		t.Fatalf("pop: %v", err)
	}

	time.Sleep(5 * time.Millisecond)
	if err := c.Cleanup(ctx); err != nil {
		t.Fatalf("cleanup: %v", err)
	}

	status, err := c.GetStatus(ctx, "tok-1")
	if err != nil || status != model.StatusFailed {
		t.Fatalf("expected orphaned job finalized as 'failed', got %s (err=%v)", status, err)
	}

	info, err := c.GetInfo(ctx, "tok-1")
	if err != nil {
		t.Fatalf("get info: %v", err)
	}
	var report model.Report
	if err := remarshalInfoReport(info.Report, &report); err != nil {
		t.Fatalf("decode report: %v", err)
	}
	if report.Progress.Status != model.StatusAborted {
		t.Fatalf("expected report progress status 'aborted', got %s", report.Progress.Status)
	}
	if !report.Log.Has(model.ContextError) {
		t.Fatalf("expected an ERROR log entry, got %+v", report.Log)
	}
	if info.Metadata.Aborted == nil {
		t.Fatalf("expected an aborted metadata record")
	}
}

func TestGetInfoUnknownToken(t *testing.T) {
	ctx := context.Background()
	c := newTestController(t, Options{})
	_, err := c.GetInfo(ctx, "ghost")
	var unknown *UnknownTokenError
	if !errors.As(err, &unknown) {
		t.Fatalf("expected *UnknownTokenError, got %v", err)
	}
}
