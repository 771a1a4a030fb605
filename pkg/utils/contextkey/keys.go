package contextkey

// Key is the context key type shared by the HTTP and judge layers.
type Key string

const (
	TraceID      Key = "trace_id"
	RequestID    Key = "request_id"
	UserID       Key = "user_id"
	SubmissionID Key = "submission_id"
	JobID        Key = "job_id"
	Attempt      Key = "attempt"
)

// String returns the key name, also used for gin context storage and log fields.
func (k Key) String() string { return string(k) }
