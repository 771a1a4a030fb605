package errors

// ErrorCode represents a unique error identifier
type ErrorCode int

// Error code ranges allocation:
// 10000-10999: System & Common errors
// 12000-12999: Problem errors
// 13000-13999: Submission & Judge errors
// 14000-14999: Queue errors

const (
	// ========== System & Common Errors (10000-10999) ==========

	Success ErrorCode = 10000

	// Generic errors (10000-10099)
	InternalServerError ErrorCode = 10001
	InvalidParams       ErrorCode = 10002
	NotFound            ErrorCode = 10003
	TooManyRequests     ErrorCode = 10006
	ServiceUnavailable  ErrorCode = 10007
	Timeout             ErrorCode = 10008

	// Database errors (10100-10199)
	DatabaseError       ErrorCode = 10100
	RecordNotFound      ErrorCode = 10101
	RecordAlreadyExists ErrorCode = 10102
	TransactionFailed   ErrorCode = 10103

	// Cache errors (10200-10299)
	CacheError     ErrorCode = 10200
	CacheMiss      ErrorCode = 10201
	CacheSetFailed ErrorCode = 10202
	LockFailed     ErrorCode = 10203

	// Validation errors (10300-10399)
	ValidationFailed   ErrorCode = 10300
	InvalidFormat      ErrorCode = 10301
	InvalidValue       ErrorCode = 10302
	RequiredFieldEmpty ErrorCode = 10303

	// Storage errors (10400-10499)
	StorageError     ErrorCode = 10400
	ObjectNotFound   ErrorCode = 10401
	FixtureFetchFail ErrorCode = 10402

	// ========== Problem Errors (12000-12999) ==========

	ProblemNotFound ErrorCode = 12000
	FixtureInvalid  ErrorCode = 12102

	// ========== Submission & Judge Errors (13000-13999) ==========

	// Submission (13000-13099)
	SubmissionNotFound     ErrorCode = 13000
	SubmissionCreateFailed ErrorCode = 13001
	CodeTooLarge           ErrorCode = 13002
	LanguageNotSupported   ErrorCode = 13003
	SubmissionFinalized    ErrorCode = 13006

	// Judge (13100-13199)
	JudgeQueueFull    ErrorCode = 13100
	JudgeSystemError  ErrorCode = 13101
	CompilationError  ErrorCode = 13102
	RuntimeError      ErrorCode = 13103
	TimeLimitExceeded ErrorCode = 13104
	RetryExhausted    ErrorCode = 13107
	JudgeInProgress   ErrorCode = 13108

	// ========== Queue Errors (14000-14999) ==========

	QueueError        ErrorCode = 14000
	QueueClosed       ErrorCode = 14001
	QueuePublishFail  ErrorCode = 14002
	InvalidJobPayload ErrorCode = 14003
)

// errorMessages maps error codes to their default English messages
var errorMessages = map[ErrorCode]string{
	Success:             "Success",
	InternalServerError: "Internal server error",
	InvalidParams:       "Invalid parameters",
	NotFound:            "Resource not found",
	TooManyRequests:     "Too many requests, please try again later",
	ServiceUnavailable:  "Service temporarily unavailable",
	Timeout:             "Request timeout",

	DatabaseError:       "Database operation failed",
	RecordNotFound:      "Record not found in database",
	RecordAlreadyExists: "Record already exists",
	TransactionFailed:   "Database transaction failed",

	CacheError:     "Cache operation failed",
	CacheMiss:      "Cache miss",
	CacheSetFailed: "Failed to set cache",
	LockFailed:     "Failed to acquire lock",

	ValidationFailed:   "Validation failed",
	InvalidFormat:      "Invalid format",
	InvalidValue:       "Invalid value",
	RequiredFieldEmpty: "Required field is empty",

	StorageError:     "Object storage operation failed",
	ObjectNotFound:   "Object not found",
	FixtureFetchFail: "Failed to fetch problem fixture",

	ProblemNotFound: "Problem not found",
	FixtureInvalid:  "Problem fixture is invalid",

	SubmissionNotFound:     "Submission not found",
	SubmissionCreateFailed: "Failed to create submission",
	CodeTooLarge:           "Code is too large",
	LanguageNotSupported:   "Programming language not supported",
	SubmissionFinalized:    "Submission already has a final verdict",

	JudgeQueueFull:    "Judge queue is full, please try again later",
	JudgeSystemError:  "Judge system error",
	CompilationError:  "Compilation error",
	RuntimeError:      "Runtime error",
	TimeLimitExceeded: "Time limit exceeded",
	RetryExhausted:    "Judge retries exhausted",
	JudgeInProgress:   "Submission is being judged by another worker",

	QueueError:        "Message queue operation failed",
	QueueClosed:       "Message queue is closed",
	QueuePublishFail:  "Failed to publish message",
	InvalidJobPayload: "Invalid judge job payload",
}

// Message returns the default message for the error code
func (c ErrorCode) Message() string {
	if msg, ok := errorMessages[c]; ok {
		return msg
	}
	return "Unknown error"
}

// HTTPStatus returns the recommended HTTP status code for the error code
func (c ErrorCode) HTTPStatus() int {
	switch {
	case c == Success:
		return 200
	case c == NotFound, c == ProblemNotFound, c == SubmissionNotFound, c == RecordNotFound:
		return 404
	case c == TooManyRequests, c == JudgeQueueFull:
		return 429
	case c == ServiceUnavailable:
		return 503
	case c == JudgeInProgress, c == SubmissionFinalized:
		return 409
	case c >= 10300 && c < 10400: // Validation errors
		return 400
	case c == InvalidParams, c == CodeTooLarge, c == LanguageNotSupported, c == InvalidJobPayload:
		return 400
	default:
		return 500
	}
}
