package status

type Status string

const (
	CREATED  = Status("CREATED")
	RUNNING  = Status("RUNNING")
	PASSED   = Status("PASSED")
	FAILED   = Status("FAILED")
	ERRORED  = Status("ERRORED")
	CANCELED = Status("CANCELED")
	SKIPPED  = Status("SKIPPED")
	UNKNOWN  = Status("UNKNOWN")
)

func (status Status) IsFinal() bool {
	return status == PASSED ||
		status == FAILED ||
		status == ERRORED ||
		status == CANCELED ||
		status == SKIPPED
}

// IsSuccess treats every final status except PASSED as a failure, which is
// also how notifications see it.
func (status Status) IsSuccess() bool {
	return status == PASSED
}

func (status Status) String() string {
	return string(status)
}

// Verb is used in human readable messages: "Build #3 passed".
func (status Status) Verb() string {
	switch status {
	case PASSED:
		return "passed"
	case FAILED:
		return "failed"
	case ERRORED:
		return "errored"
	case CANCELED:
		return "was canceled"
	case SKIPPED:
		return "was skipped"
	case RUNNING:
		return "is running"
	default:
		return "is " + string(status)
	}
}
