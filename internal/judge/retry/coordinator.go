// Package retry decides and schedules re-attempts of failed judge jobs.
package retry

import (
	"context"
	"encoding/json"
	"strconv"
	"time"
	"unicode/utf8"

	"codejudge/internal/common/mq"
	"codejudge/internal/judge/model"
	"codejudge/internal/judge/verdict"
	appErr "codejudge/pkg/errors"
	"codejudge/pkg/utils/logger"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	defaultMaxAttempts = 3
	defaultBaseDelay   = 5 * time.Second

	// AttemptHeader carries the attempt number on requeued jobs.
	AttemptHeader = "x-judge-attempt"
)

// Store is the slice of the submission store the coordinator writes to.
type Store interface {
	RecordRetry(ctx context.Context, submissionID string, status model.Status, attemptCount int, record model.AttemptRecord) error
}

// Config controls the retry policy.
type Config struct {
	MaxAttempts int
	BaseDelay   time.Duration
	// TimeLimitIsFinal turns TIME_LIMIT_EXCEEDED into a terminal verdict.
	TimeLimitIsFinal bool
	// Topic receives requeued jobs.
	Topic string
}

// Decision reports what the coordinator did with a failed attempt.
type Decision struct {
	Exhausted   bool
	NextAttempt int
	Delay       time.Duration
	JobID       string
}

// Coordinator schedules delayed re-attempts and marks exhausted submissions.
type Coordinator struct {
	cfg      Config
	store    Store
	producer mq.Producer
	newID    func() string
	now      func() time.Time
}

// NewCoordinator creates a coordinator with defaults applied.
func NewCoordinator(cfg Config, store Store, producer mq.Producer) *Coordinator {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = defaultBaseDelay
	}
	return &Coordinator{
		cfg:      cfg,
		store:    store,
		producer: producer,
		newID:    uuid.NewString,
		now:      time.Now,
	}
}

// MaxAttempts returns the configured cap.
func (c *Coordinator) MaxAttempts() int {
	return c.cfg.MaxAttempts
}

// ShouldRetry reports whether an attempt with this result may be re-run.
func (c *Coordinator) ShouldRetry(kind verdict.Kind) bool {
	switch kind {
	case verdict.KindRuntimeError, verdict.KindSystemError:
		return true
	case verdict.KindTimeLimit:
		return !c.cfg.TimeLimitIsFinal
	default:
		return false
	}
}

// Backoff returns the delay before attempt n. Delays grow linearly.
func (c *Coordinator) Backoff(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	return c.cfg.BaseDelay * time.Duration(n)
}

// Handle routes a retryable failure to ScheduleRetry or MarkExhausted.
func (c *Coordinator) Handle(ctx context.Context, job model.JudgeJob, res verdict.Result) (Decision, error) {
	next := job.AttemptNumber + 1
	if next >= c.cfg.MaxAttempts {
		return Decision{Exhausted: true, NextAttempt: next}, c.MarkExhausted(ctx, job, res)
	}
	return c.ScheduleRetry(ctx, job, res)
}

// ScheduleRetry records IN_RETRY with the failed attempt in history, then
// publishes the next attempt on the delayed lane.
func (c *Coordinator) ScheduleRetry(ctx context.Context, job model.JudgeJob, res verdict.Result) (Decision, error) {
	next := job.AttemptNumber + 1
	if next >= c.cfg.MaxAttempts {
		return Decision{}, appErr.Newf(appErr.RetryExhausted, "attempt %d reaches the cap of %d", next, c.cfg.MaxAttempts)
	}
	if c.cfg.Topic == "" {
		return Decision{}, appErr.New(appErr.ServiceUnavailable).WithMessage("retry topic is not configured")
	}
	if err := c.store.RecordRetry(ctx, job.SubmissionID, model.StatusInRetry, next, c.record(job, res)); err != nil {
		return Decision{}, err
	}

	retryJob := job.NextAttempt(c.newID())
	payload, err := json.Marshal(retryJob)
	if err != nil {
		return Decision{}, appErr.Wrapf(err, appErr.JudgeSystemError, "encode retry job failed")
	}
	msg := mq.NewMessage(payload)
	msg.ID = retryJob.JobID
	msg.SetHeader(AttemptHeader, strconv.Itoa(next))
	delay := c.Backoff(next)
	if err := c.producer.PublishDelayed(ctx, c.cfg.Topic, msg, delay); err != nil {
		return Decision{}, appErr.Wrapf(err, appErr.QueuePublishFail, "publish retry job failed")
	}
	logger.Info(ctx, "retry scheduled",
		zap.String("phase", "retry-scheduled"),
		zap.Int("next_attempt", next),
		zap.Duration("delay", delay),
		zap.String("next_job_id", retryJob.JobID),
		zap.String("reason", res.Kind.String()),
	)
	return Decision{NextAttempt: next, Delay: delay, JobID: retryJob.JobID}, nil
}

// MarkExhausted records FAILED_RETRY with the last failed attempt in history.
func (c *Coordinator) MarkExhausted(ctx context.Context, job model.JudgeJob, res verdict.Result) error {
	next := job.AttemptNumber + 1
	if err := c.store.RecordRetry(ctx, job.SubmissionID, model.StatusFailedRetry, next, c.record(job, res)); err != nil {
		return err
	}
	logger.Warn(ctx, "retry attempts exhausted",
		zap.String("phase", "exhausted"),
		zap.Int("attempts", next),
		zap.String("reason", res.Kind.String()),
	)
	return nil
}

func (c *Coordinator) record(job model.JudgeJob, res verdict.Result) model.AttemptRecord {
	return model.AttemptRecord{
		AttemptNumber: job.AttemptNumber,
		Outcome:       res.Kind.Outcome(),
		ErrorDetail:   truncate(res.Detail, 2048),
		Timestamp:     c.now().UTC(),
	}
}

// truncate cuts s to at most n bytes without splitting a UTF-8 sequence.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
