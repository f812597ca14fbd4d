package executor

// outcomeKind separates errors that are worth another attempt from policy
// and validation failures that will fail identically every time.
type outcomeKind int

const (
	outcomeSuccess outcomeKind = iota
	outcomeNonRetriable
	outcomeRetriable
)

// outcome is the uniform result of one execution attempt.
type outcome struct {
	kind   outcomeKind
	output string
	errMsg string
}

func succeed(output string) outcome {
	return outcome{kind: outcomeSuccess, output: output}
}

// nonRetriable marks failures where retrying cannot change the result:
// policy blocks, missing approvals, malformed payloads.
func nonRetriable(errMsg string) outcome {
	return outcome{kind: outcomeNonRetriable, errMsg: errMsg}
}

// retriable marks transient failures eligible for re-enqueue while the
// retry budget lasts.
func retriable(output, errMsg string) outcome {
	return outcome{kind: outcomeRetriable, output: output, errMsg: errMsg}
}
