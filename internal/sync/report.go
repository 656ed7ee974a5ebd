package sync

import (
	"time"

	"github.com/schaermu/depsyncd/internal/metrics"
)

// Outcome is the final state of one dependency in a run
type Outcome string

const (
	OutcomeInstalled    Outcome = metrics.OutcomeInstalled
	OutcomeSkipped      Outcome = metrics.OutcomeSkipped
	OutcomeFailed       Outcome = metrics.OutcomeFailed
	OutcomeWouldInstall Outcome = metrics.OutcomeWouldInstall
	OutcomeNotProcessed Outcome = "not_processed"
)

// Result describes what happened to one dependency
type Result struct {
	Dependency string
	Outcome    Outcome
	ID         string // identifier fetched in this run
	PreviousID string // identifier stored before this run
	Files      int    // inventory size after install, including the destination
	Err        error
}

// Report summarizes one sync run of an installation
type Report struct {
	Installation string
	RunID        string
	DryRun       bool
	Started      time.Time
	Finished     time.Time
	Results      []Result
}

// Count returns the number of results with the given outcome
func (r *Report) Count(outcome Outcome) int {
	n := 0
	for _, res := range r.Results {
		if res.Outcome == outcome {
			n++
		}
	}
	return n
}

// Failed returns the number of dependencies that failed
func (r *Report) Failed() int {
	return r.Count(OutcomeFailed)
}

// Result returns the result of the named dependency
func (r *Report) Result(name string) (Result, bool) {
	for _, res := range r.Results {
		if res.Dependency == name {
			return res, true
		}
	}
	return Result{}, false
}
