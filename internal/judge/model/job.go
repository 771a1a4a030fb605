package model

import (
	"encoding/base64"
	"encoding/json"
	"strings"

	appErr "codejudge/pkg/errors"
)

// DefaultLanguageID is used when a job does not name a language.
const DefaultLanguageID = "cpp"

// JudgeJob is the queue payload for one judging attempt.
// A job is never mutated after publishing; a retry is a new job with a new
// JobID and AttemptNumber incremented by one.
type JudgeJob struct {
	JobID         string `json:"job_id"`
	ProblemID     string `json:"problem_id"`
	SourcePayload string `json:"source_payload"`
	SubmissionID  string `json:"submission_id"`
	ContestID     string `json:"contest_id,omitempty"`
	ParticipantID string `json:"participant_id,omitempty"`
	LanguageID    string `json:"language_id,omitempty"`
	AttemptNumber int    `json:"attempt_number"`
}

// HasContest reports whether the job carries contest context.
func (j JudgeJob) HasContest() bool {
	return j.ContestID != "" && j.ParticipantID != ""
}

// Language returns the language id with the default applied.
func (j JudgeJob) Language() string {
	if j.LanguageID == "" {
		return DefaultLanguageID
	}
	return j.LanguageID
}

// Validate checks required fields.
func (j JudgeJob) Validate() error {
	switch {
	case strings.TrimSpace(j.SubmissionID) == "":
		return appErr.JobPayloadError("submission_id", "is required")
	case strings.TrimSpace(j.ProblemID) == "":
		return appErr.JobPayloadError("problem_id", "is required")
	case j.SourcePayload == "":
		return appErr.JobPayloadError("source_payload", "is required")
	case j.AttemptNumber < 0:
		return appErr.JobPayloadError("attempt_number", "must not be negative")
	}
	return nil
}

// DecodeSource returns the raw source bytes.
func (j JudgeJob) DecodeSource() ([]byte, error) {
	src, err := base64.StdEncoding.DecodeString(j.SourcePayload)
	if err != nil {
		return nil, appErr.JobPayloadError("source_payload", "is not valid base64")
	}
	return src, nil
}

// EncodeSource base64-encodes raw source for a job payload.
func EncodeSource(src []byte) string {
	return base64.StdEncoding.EncodeToString(src)
}

// DecodeJob parses and validates a queue message body.
func DecodeJob(body []byte) (JudgeJob, error) {
	var job JudgeJob
	if err := json.Unmarshal(body, &job); err != nil {
		return JudgeJob{}, appErr.Wrapf(err, appErr.InvalidJobPayload, "decode judge job failed")
	}
	if err := job.Validate(); err != nil {
		return JudgeJob{}, err
	}
	return job, nil
}

// NextAttempt returns the job to enqueue for the following attempt.
func (j JudgeJob) NextAttempt(jobID string) JudgeJob {
	next := j
	next.JobID = jobID
	next.AttemptNumber = j.AttemptNumber + 1
	return next
}
