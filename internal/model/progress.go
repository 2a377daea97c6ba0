package model

// Status is a job's position in the queued -> running -> {completed,
// aborted, failed} state machine. StatusFailed is a registry-level status
// only: it marks a job whose worker vanished without finishing and the
// controller isn't configured to requeue it. A job's own Progress never
// takes this value (Progress.Abort is what a vanished-worker report's
// progress gets set to); only the registry's status column does.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusAborted   Status = "aborted"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Progress tracks a job's position in its processing pipeline along with a
// human-readable description and a coarse numeric percentage.
type Progress struct {
	Status  Status `json:"status"`
	Verbose string `json:"verbose"`
	Numeric int    `json:"numeric"`
}

// NewProgress returns a Progress initialized to StatusQueued.
func NewProgress() Progress { return Progress{Status: StatusQueued} }

func (p *Progress) Run()      { p.Status = StatusRunning }
func (p *Progress) Queue()    { p.Status = StatusQueued }
func (p *Progress) Abort()    { p.Status = StatusAborted }
func (p *Progress) Complete() { p.Status = StatusCompleted }
