package models

// AggregateJobStatus derives a job's status from its units. It is a pure
// function and the only place job status is decided.
//
// While any unit is still pending or running the job is pending (nothing
// started yet) or running. Once every unit is terminal:
//   - all completed                      -> completed
//   - any failed/timeout, fail-fast      -> failed
//   - cancellation requested             -> cancelled
//   - any failed/timeout, best-effort    -> partial
//   - otherwise (units cancelled without a request, e.g. shutdown) -> cancelled
func AggregateJobStatus(units []UnitStatus, policy FailurePolicy, cancelRequested bool) JobStatus {
	if len(units) == 0 {
		return JobPending
	}

	var pending, active, completed, failed int
	for _, s := range units {
		switch s {
		case UnitPending:
			pending++
		case UnitRunning:
			active++
		case UnitCompleted:
			completed++
		case UnitFailed, UnitTimeout:
			failed++
		}
	}

	if pending == len(units) {
		return JobPending
	}
	if pending+active > 0 {
		return JobRunning
	}

	switch {
	case completed == len(units):
		return JobCompleted
	case failed > 0 && policy == FailFast:
		return JobFailed
	case cancelRequested:
		return JobCancelled
	case failed > 0:
		return JobPartial
	default:
		return JobCancelled
	}
}
