package sweeper

import (
	"github.com/riverqueue/river"
)

// JobKindExpireSweep is the River job kind for approval expiry sweeps.
const JobKindExpireSweep = "approvals.expire_sweep"

// ExpireSweepArgs are the arguments for an expiry sweep job. The job
// carries no payload; each run sweeps everything overdue at execution
// time.
type ExpireSweepArgs struct{}

// Kind implements river.JobArgs.
func (ExpireSweepArgs) Kind() string {
	return JobKindExpireSweep
}

// InsertOpts implements river.JobArgsWithInsertOpts.
func (ExpireSweepArgs) InsertOpts() river.InsertOpts {
	return river.InsertOpts{
		MaxAttempts: 3,
	}
}
