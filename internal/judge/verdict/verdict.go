// Package verdict compares program output and classifies attempt outcomes.
package verdict

import (
	"bytes"
	"os"
	"time"

	"codejudge/internal/judge/model"
	"codejudge/internal/judge/sandbox"
)

// Equivalent reports whether the two files hold the same text after
// CRLF normalization and trimming of surrounding whitespace.
// Any read failure counts as a mismatch.
func Equivalent(expectedPath, actualPath string) bool {
	expected, err := os.ReadFile(expectedPath)
	if err != nil {
		return false
	}
	actual, err := os.ReadFile(actualPath)
	if err != nil {
		return false
	}
	return bytes.Equal(normalize(expected), normalize(actual))
}

func normalize(b []byte) []byte {
	b = bytes.ReplaceAll(b, []byte("\r\n"), []byte("\n"))
	return bytes.TrimSpace(b)
}

// Kind is the classified result of one attempt.
type Kind int

const (
	KindAccepted Kind = iota
	KindWrongAnswer
	KindTimeLimit
	KindCompileError
	KindRuntimeError
	KindSystemError
)

func (k Kind) String() string {
	switch k {
	case KindAccepted:
		return "ACCEPTED"
	case KindWrongAnswer:
		return "WRONG_ANSWER"
	case KindTimeLimit:
		return "TIME_LIMIT_EXCEEDED"
	case KindCompileError:
		return "COMPILATION_ERROR"
	case KindRuntimeError:
		return "RUNTIME_ERROR"
	default:
		return "SYSTEM_ERROR"
	}
}

// Status maps a verdict kind to its terminal submission status.
// Runtime and system errors have no terminal status and return false.
func (k Kind) Status() (model.Status, bool) {
	switch k {
	case KindAccepted:
		return model.StatusAccepted, true
	case KindWrongAnswer:
		return model.StatusWrongAnswer, true
	case KindTimeLimit:
		return model.StatusTimeLimitExceeded, true
	case KindCompileError:
		return model.StatusCompilationError, true
	}
	return "", false
}

// Outcome maps a retry-feeding kind to its history outcome.
func (k Kind) Outcome() model.AttemptOutcome {
	switch k {
	case KindTimeLimit:
		return model.OutcomeTimeLimit
	case KindRuntimeError:
		return model.OutcomeRuntimeError
	default:
		return model.OutcomeSystemError
	}
}

// Result is the classified outcome of one attempt.
type Result struct {
	Kind          Kind
	ExecutionTime time.Duration
	Detail        string
}

// Classify applies the verdict priority: compile failure, output cap kill,
// deadline kill, runtime error, measured time over limit, output mismatch,
// accepted. An output cap kill is reported as a runtime error.
// matches is consulted only when the run finished in time.
func Classify(run sandbox.RunOutcome, limit time.Duration, matches func() bool) Result {
	res := Result{ExecutionTime: run.ExecutionTime}
	switch {
	case !run.Compiled:
		res.Kind = KindCompileError
		res.Detail = run.CompileLog
	case run.OutputLimitExceeded:
		res.Kind = KindRuntimeError
		res.Detail = "output limit exceeded"
		if run.Stderr != "" {
			res.Detail += ": " + run.Stderr
		}
	case run.TimedOut:
		res.Kind = KindTimeLimit
		res.Detail = "killed at deadline"
	case run.RuntimeError:
		res.Kind = KindRuntimeError
		res.Detail = run.Stderr
	case limit > 0 && run.ExecutionTime > limit:
		res.Kind = KindTimeLimit
		res.Detail = "execution time " + run.ExecutionTime.String() + " exceeds limit " + limit.String()
	case !matches():
		res.Kind = KindWrongAnswer
	default:
		res.Kind = KindAccepted
	}
	return res
}
