// Package demojob is a minimal job type exercising the full orchestration
// pipeline end to end: claim, run, log, complete. It stands in for the
// original's bare-bones "test" job type used to validate the happy-path
// and abort-via-message scenarios without any real workload.
package demojob

import (
	"context"
	"time"

	"orchestra/internal/model"
	"orchestra/internal/sandbox"
)

// Type is the job-type name this package registers under.
const Type = "test"

// Report is the "test" job type's report: the shared envelope plus
// nothing else, since the job itself produces no structured result
// beyond its log.
type Report struct {
	model.Report
}

// NewReport returns a Report factory suitable for worker.JobType.Report.
func NewReport() model.Reporter {
	return &Report{Report: model.NewReport("demojob", "demojob")}
}

// Run logs "done" and returns, giving scenario 1 (happy path) something
// to observe: a job that runs to completion without touching any real
// resource. A configurable delay lets tests exercise the abort-via-message
// and stale-lock scenarios, which need the job still running when the
// worker checks messages or the lock expires.
func Run(ctx context.Context, jc *sandbox.JobContext, info *model.JobInfo, report model.Reporter) error {
	delay, _ := info.Config.Properties["delaySeconds"].(float64)
	if delay > 0 {
		select {
		case <-time.After(time.Duration(delay * float64(time.Second))):
		case <-ctx.Done():
			return nil
		}
	}
	report.LogPtr().Log(model.ContextInfo, "demojob", "done")
	jc.Push()
	return nil
}
