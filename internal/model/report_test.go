package model

import (
	"encoding/json"
	"testing"
)

type widgetReport struct {
	Report
	Widgets int `json:"widgets"`
}

func TestReporterPromotionThroughEmbedding(t *testing.T) {
	r := &widgetReport{Report: NewReport("host", "widget"), Widgets: 3}

	var asReporter Reporter = r
	asReporter.ProgressPtr().Run()
	asReporter.LogPtr().Log(ContextInfo, "", "started")

	if r.Progress.Status != StatusRunning {
		t.Fatalf("expected status running, got %s", r.Progress.Status)
	}
	if !r.Log.Has(ContextInfo) {
		t.Fatalf("expected log entry under INFO")
	}
}

func TestReportJSONFlattensEmbeddedFields(t *testing.T) {
	r := widgetReport{Report: NewReport("host", "widget"), Widgets: 7}
	b, err := json.Marshal(r)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var raw map[string]any
	if err := json.Unmarshal(b, &raw); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	for _, field := range []string{"host", "progress", "log", "widgets"} {
		if _, ok := raw[field]; !ok {
			t.Fatalf("expected flattened field %q in %s", field, b)
		}
	}
}
