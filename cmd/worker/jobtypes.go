package main

import (
	"orchestra/internal/demojob"
	"orchestra/internal/worker"
)

// jobTypes lists the job types this worker binary handles. A deployment
// building its own job factories registers them here instead.
func jobTypes() map[string]worker.JobType {
	return map[string]worker.JobType{
		demojob.Type: {
			Func:   demojob.Run,
			Report: demojob.NewReport,
		},
	}
}
