package model

// ContestProgressEvent is published when a contest-scoped submission reaches a verdict.
type ContestProgressEvent struct {
	ContestID     string `json:"contest_id"`
	ParticipantID string `json:"participant_id"`
	ProblemID     string `json:"problem_id"`
	SubmissionID  string `json:"submission_id"`
	Verdict       Status `json:"verdict"`
	Solved        bool   `json:"solved"`
	CreatedAt     int64  `json:"created_at"`
}
