package model

// Report is the shared envelope every job type's result is built on. Job
// types that need extra fields embed Report and add their own, the way a
// Python subclass overrides `Report.json` to return `super().json | {...}`:
//
//	type ConversionReport struct {
//		model.Report
//		Data string `json:"data"`
//	}
//
// Because Report is embedded, encoding/json naturally flattens its fields
// into the outer struct's JSON object, reproducing the merge without any
// custom MarshalJSON.
type Report struct {
	Host     string  `json:"host"`
	Token    *Token  `json:"token,omitempty"`
	Args     any     `json:"args,omitempty"`
	Progress Progress `json:"progress"`
	Log      *Logger `json:"log"`
}

// NewReport returns a Report with a freshly queued Progress and an empty
// Logger defaulting messages to origin.
func NewReport(host, origin string) Report {
	return Report{
		Host:     host,
		Progress: NewProgress(),
		Log:      NewLogger(origin),
	}
}

// Reporter is satisfied by Report and, through struct embedding, by every
// job-type-specific report that embeds it. Worker and sandbox code only
// ever touches a job's report through this interface, so they can drive
// progress/logging without knowing the concrete (job-type-specific) report
// type a registered job factory uses.
type Reporter interface {
	ProgressPtr() *Progress
	LogPtr() *Logger
}

func (r *Report) ProgressPtr() *Progress { return &r.Progress }
func (r *Report) LogPtr() *Logger        { return r.Log }
