package model

import "time"

// Status is the user-visible state of a submission.
type Status string

const (
	StatusPending           Status = "PENDING"
	StatusInRetry           Status = "IN_RETRY"
	StatusAccepted          Status = "ACCEPTED"
	StatusWrongAnswer       Status = "WRONG_ANSWER"
	StatusTimeLimitExceeded Status = "TIME_LIMIT_EXCEEDED"
	StatusCompilationError  Status = "COMPILATION_ERROR"
	StatusFailedRetry       Status = "FAILED_RETRY"
)

// TerminalStatuses lists every status a submission never leaves.
var TerminalStatuses = []Status{
	StatusAccepted,
	StatusWrongAnswer,
	StatusTimeLimitExceeded,
	StatusCompilationError,
	StatusFailedRetry,
}

// IsTerminal reports whether s is a final verdict.
func (s Status) IsTerminal() bool {
	for _, t := range TerminalStatuses {
		if s == t {
			return true
		}
	}
	return false
}

// AttemptOutcome names why an attempt ended when it fed the retry path.
type AttemptOutcome string

const (
	OutcomeTimeLimit    AttemptOutcome = "TIME_LIMIT_EXCEEDED"
	OutcomeRuntimeError AttemptOutcome = "RUNTIME_ERROR"
	OutcomeSystemError  AttemptOutcome = "SYSTEM_ERROR"
)

// AttemptRecord is one append-only history entry.
type AttemptRecord struct {
	AttemptNumber int            `json:"attempt_number"`
	Outcome       AttemptOutcome `json:"outcome"`
	ErrorDetail   string         `json:"error_detail,omitempty"`
	Timestamp     time.Time      `json:"timestamp"`
}

// Submission is the persistent record of one user submission.
type Submission struct {
	ID            string          `json:"id"`
	OwnerID       string          `json:"owner_id"`
	ProblemID     string          `json:"problem_id"`
	ContestID     string          `json:"contest_id,omitempty"`
	LanguageID    string          `json:"language_id"`
	Status        Status          `json:"status"`
	ExecutionTime float64         `json:"execution_time"`
	AttemptCount  int             `json:"attempt_count"`
	History       []AttemptRecord `json:"history"`
	LastRetryAt   *time.Time      `json:"last_retry_at,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}
