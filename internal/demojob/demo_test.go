package demojob

import (
	"testing"
	"time"

	"orchestra/internal/model"
	"orchestra/internal/sandbox"
)

func TestRunWithoutDelayCompletesImmediately(t *testing.T) {
	info := &model.JobInfo{Config: model.JobConfig{Type: Type}}
	sbx := sandbox.New("worker-1", info, NewReport())
	sbx.Run(Run)

	select {
	case <-sbx.Done():
	case <-time.After(time.Second):
		t.Fatalf("job never finished")
	}
	if !sbx.Completed() {
		t.Fatalf("expected the job to complete")
	}
	if report, ok := sbx.Report.(*Report); !ok || !report.Log.Has(model.ContextInfo) {
		t.Fatalf("expected an INFO log entry in the report")
	}
}

func TestRunRespectsContextCancellationDuringDelay(t *testing.T) {
	info := &model.JobInfo{Config: model.JobConfig{
		Type:       Type,
		Properties: model.JSONObject{"delaySeconds": float64(10)},
	}}
	sbx := sandbox.New("worker-1", info, NewReport())
	sbx.Run(Run)

	sbx.Abort("test", "cutting the delay short")

	select {
	case <-sbx.Done():
	case <-time.After(time.Second):
		t.Fatalf("job did not observe context cancellation")
	}
}
