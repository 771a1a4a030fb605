package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"codejudge/internal/common/mq"
	"codejudge/internal/judge/model"
	"codejudge/internal/judge/repository"
	"codejudge/internal/judge/sandbox/profile"
	appErr "codejudge/pkg/errors"
	pkgrepo "codejudge/pkg/repository"
	"codejudge/pkg/utils/logger"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const defaultMaxSourceBytes = 64 * 1024

// SubmitRequest is a new submission entering the judge.
type SubmitRequest struct {
	OwnerID       string `json:"owner_id"`
	ProblemID     string `json:"problem_id" binding:"required"`
	ContestID     string `json:"contest_id"`
	ParticipantID string `json:"participant_id"`
	LanguageID    string `json:"language_id"`
	Source        string `json:"source" binding:"required"`
}

// DispatcherConfig holds dispatcher dependencies and settings.
type DispatcherConfig struct {
	Queue       mq.MessageQueue
	Topic       string
	Processor   *Processor
	Problems    repository.ProblemRepository
	Submissions repository.SubmissionRepository
	Languages   *profile.Registry

	ConsumerGroup  string
	Concurrency    int
	MaxSourceBytes int
	MessageTTL     time.Duration
}

// Dispatcher admits submissions onto the job queue and feeds delivered jobs
// to the processor.
type Dispatcher struct {
	queue          mq.MessageQueue
	topic          string
	processor      *Processor
	problems       repository.ProblemRepository
	submissions    repository.SubmissionRepository
	languages      *profile.Registry
	consumerGroup  string
	concurrency    int
	maxSourceBytes int
	messageTTL     time.Duration
}

// NewDispatcher validates dependencies and applies defaults.
func NewDispatcher(cfg DispatcherConfig) (*Dispatcher, error) {
	if cfg.Queue == nil {
		return nil, fmt.Errorf("queue is required")
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("topic is required")
	}
	if cfg.Submissions == nil {
		return nil, fmt.Errorf("submission repository is required")
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.MaxSourceBytes <= 0 {
		cfg.MaxSourceBytes = defaultMaxSourceBytes
	}
	return &Dispatcher{
		queue:          cfg.Queue,
		topic:          cfg.Topic,
		processor:      cfg.Processor,
		problems:       cfg.Problems,
		submissions:    cfg.Submissions,
		languages:      cfg.Languages,
		consumerGroup:  cfg.ConsumerGroup,
		concurrency:    cfg.Concurrency,
		maxSourceBytes: cfg.MaxSourceBytes,
		messageTTL:     cfg.MessageTTL,
	}, nil
}

// Submit stores a PENDING submission and enqueues its first attempt.
func (d *Dispatcher) Submit(ctx context.Context, req SubmitRequest) (*model.Submission, error) {
	if strings.TrimSpace(req.ProblemID) == "" {
		return nil, appErr.ValidationError("problem_id", "required")
	}
	if strings.TrimSpace(req.Source) == "" {
		return nil, appErr.ValidationError("source", "required")
	}
	if len(req.Source) > d.maxSourceBytes {
		return nil, appErr.Newf(appErr.CodeTooLarge, "source exceeds %d bytes", d.maxSourceBytes)
	}
	if req.LanguageID == "" {
		req.LanguageID = model.DefaultLanguageID
	}
	if d.languages != nil {
		if _, err := d.languages.Lookup(req.LanguageID); err != nil {
			return nil, err
		}
	}
	if d.problems != nil {
		if _, err := d.problems.Get(ctx, req.ProblemID); err != nil {
			return nil, err
		}
	}

	submission := &model.Submission{
		ID:         uuid.NewString(),
		OwnerID:    req.OwnerID,
		ProblemID:  req.ProblemID,
		ContestID:  req.ContestID,
		LanguageID: req.LanguageID,
	}
	if err := d.submissions.Create(ctx, submission); err != nil {
		return nil, err
	}

	job := model.JudgeJob{
		JobID:         uuid.NewString(),
		ProblemID:     req.ProblemID,
		SourcePayload: model.EncodeSource([]byte(req.Source)),
		SubmissionID:  submission.ID,
		ContestID:     req.ContestID,
		ParticipantID: req.ParticipantID,
		LanguageID:    req.LanguageID,
	}
	if err := d.Enqueue(ctx, job); err != nil {
		// Leave a visible terminal state instead of a PENDING row nobody will pick up.
		rec := model.AttemptRecord{Outcome: model.OutcomeSystemError, ErrorDetail: err.Error(), Timestamp: time.Now()}
		if markErr := d.submissions.RecordRetry(context.WithoutCancel(ctx), submission.ID, model.StatusFailedRetry, 0, rec); markErr != nil {
			logger.Error(ctx, "mark unqueued submission failed", zap.String("submission_id", submission.ID), zap.Error(markErr))
		}
		return nil, err
	}
	logger.Info(ctx, "submission queued",
		zap.String("submission_id", submission.ID),
		zap.String("job_id", job.JobID),
		zap.String("problem_id", job.ProblemID),
	)
	return submission, nil
}

// Enqueue publishes a job for immediate delivery.
func (d *Dispatcher) Enqueue(ctx context.Context, job model.JudgeJob) error {
	if err := job.Validate(); err != nil {
		return err
	}
	payload, err := json.Marshal(job)
	if err != nil {
		return appErr.Wrapf(err, appErr.JudgeSystemError, "encode judge job failed")
	}
	msg := mq.NewMessage(payload)
	msg.ID = job.JobID
	if err := d.queue.Publish(ctx, d.topic, msg); err != nil {
		return appErr.Wrapf(err, appErr.QueuePublishFail, "publish judge job failed")
	}
	return nil
}

// Get returns a submission with its attempt history.
func (d *Dispatcher) Get(ctx context.Context, submissionID string) (*model.Submission, error) {
	return d.submissions.Get(ctx, submissionID)
}

// List returns one page of submissions, newest first unless opts sorts otherwise.
func (d *Dispatcher) List(ctx context.Context, opts pkgrepo.ListOptions) (*pkgrepo.PaginationResult[model.Submission], error) {
	if opts.OrderBy == "" {
		opts.OrderBy = "created_at"
		opts.OrderDesc = true
	}
	return d.submissions.List(ctx, opts)
}

// Start subscribes the processor to the job topic and starts consuming.
func (d *Dispatcher) Start(ctx context.Context) error {
	if d.processor == nil {
		return fmt.Errorf("processor is required to consume jobs")
	}
	opts := &mq.SubscribeOptions{
		ConsumerGroup:  d.consumerGroup,
		Concurrency:    d.concurrency,
		MessageTTL:     d.messageTTL,
		RequeueOrphans: true,
	}
	if err := d.queue.SubscribeWithOptions(ctx, d.topic, d.processor.HandleMessage, opts); err != nil {
		return appErr.Wrapf(err, appErr.QueueError, "subscribe judge topic failed")
	}
	if err := d.queue.Start(); err != nil {
		return appErr.Wrapf(err, appErr.QueueError, "start judge consumer failed")
	}
	logger.Info(ctx, "judge consumer started", zap.String("topic", d.topic), zap.Int("concurrency", d.concurrency))
	return nil
}

// Stop stops consuming and waits for in-flight jobs.
func (d *Dispatcher) Stop() error {
	return d.queue.Stop()
}
