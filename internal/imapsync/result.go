package imapsync

import "fmt"

// Result is the outcome of a message operation.
type Result int

const (
	// ResultFailed is a permanent failure, retrying will not help.
	ResultFailed Result = iota
	// ResultRetryLater is a transient failure.
	ResultRetryLater
	// ResultAlreadyDone means the operation had nothing to do.
	ResultAlreadyDone
	ResultSuccess
)

func (r Result) String() string {
	switch r {
	case ResultFailed:
		return "Failed"
	case ResultRetryLater:
		return "RetryLater"
	case ResultAlreadyDone:
		return "AlreadyDone"
	case ResultSuccess:
		return "Success"
	default:
		return fmt.Sprintf("Result(%d)", int(r))
	}
}
