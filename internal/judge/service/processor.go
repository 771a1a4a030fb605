package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"codejudge/internal/common/cache"
	"codejudge/internal/common/mq"
	"codejudge/internal/judge/model"
	"codejudge/internal/judge/repository"
	"codejudge/internal/judge/retry"
	"codejudge/internal/judge/sandbox"
	"codejudge/internal/judge/sandbox/profile"
	"codejudge/internal/judge/verdict"
	"codejudge/internal/judge/workspace"
	appErr "codejudge/pkg/errors"
	"codejudge/pkg/utils/logger"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	lockKeyPrefix       = "judge:lock:submission:"
	defaultLockTTL      = 10 * time.Minute
	defaultStoreTimeout = 5 * time.Second
	defaultDeferBase    = 500 * time.Millisecond
	defaultDeferMax     = 10 * time.Second
	defaultDeferLimit   = 5
)

// Phase names used in structured logs.
const (
	PhaseReceived      = "received"
	PhaseFilesPrepared = "files-prepared"
	PhaseCompiled      = "compiled"
	PhaseExecuted      = "executed"
	PhaseCompared      = "compared"
	PhaseVerdict       = "verdict"
)

// Runner compiles and runs one attempt.
type Runner interface {
	CompileAndRun(ctx context.Context, req sandbox.RunRequest) (sandbox.RunOutcome, error)
}

// Fetcher materializes a problem fixture at dest.
type Fetcher interface {
	Fetch(ctx context.Context, fx model.Fixture, dest string) error
}

// RetryPolicy decides and schedules re-attempts.
type RetryPolicy interface {
	ShouldRetry(kind verdict.Kind) bool
	Handle(ctx context.Context, job model.JudgeJob, res verdict.Result) (retry.Decision, error)
}

// ProcessorConfig holds processor dependencies and settings.
type ProcessorConfig struct {
	Runner      Runner
	Fetcher     Fetcher
	Workspace   *workspace.Manager
	Languages   *profile.Registry
	Problems    repository.ProblemRepository
	Submissions repository.SubmissionRepository
	Retry       RetryPolicy
	// Notifier is optional.
	Notifier repository.ContestNotifier
	// Locks is optional; without it duplicate deliveries are not guarded.
	Locks cache.LockOps
	// Queue and Topic receive deferred jobs.
	Queue mq.Producer
	Topic string
	Slots *mq.TokenLimiter

	LockTTL      time.Duration
	MetaTTL      time.Duration
	StoreTimeout time.Duration
	DeferBase    time.Duration
	DeferMax     time.Duration
	DeferLimit   int
}

// Processor runs one judge attempt per queue message.
type Processor struct {
	runner      Runner
	fetcher     Fetcher
	workspace   *workspace.Manager
	languages   *profile.Registry
	problems    *problemCache
	submissions repository.SubmissionRepository
	retry       RetryPolicy
	notifier    repository.ContestNotifier
	locks       cache.LockOps
	queue       mq.Producer
	topic       string
	slots       *mq.TokenLimiter

	lockTTL      time.Duration
	storeTimeout time.Duration
	deferBase    time.Duration
	deferMax     time.Duration
	deferLimit   int
}

// NewProcessor validates dependencies and applies defaults.
func NewProcessor(cfg ProcessorConfig) (*Processor, error) {
	if cfg.Runner == nil {
		return nil, fmt.Errorf("runner is required")
	}
	if cfg.Fetcher == nil {
		return nil, fmt.Errorf("fixture fetcher is required")
	}
	if cfg.Workspace == nil {
		return nil, fmt.Errorf("workspace is required")
	}
	if cfg.Languages == nil {
		return nil, fmt.Errorf("language registry is required")
	}
	if cfg.Problems == nil {
		return nil, fmt.Errorf("problem repository is required")
	}
	if cfg.Submissions == nil {
		return nil, fmt.Errorf("submission repository is required")
	}
	if cfg.Retry == nil {
		return nil, fmt.Errorf("retry policy is required")
	}
	if cfg.Slots == nil {
		cfg.Slots = mq.NewTokenLimiter(1)
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = defaultLockTTL
	}
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = defaultStoreTimeout
	}
	if cfg.DeferBase <= 0 {
		cfg.DeferBase = defaultDeferBase
	}
	if cfg.DeferMax <= 0 {
		cfg.DeferMax = defaultDeferMax
	}
	if cfg.DeferLimit <= 0 {
		cfg.DeferLimit = defaultDeferLimit
	}
	return &Processor{
		runner:       cfg.Runner,
		fetcher:      cfg.Fetcher,
		workspace:    cfg.Workspace,
		languages:    cfg.Languages,
		problems:     newProblemCache(cfg.Problems, cfg.MetaTTL, cfg.StoreTimeout),
		submissions:  cfg.Submissions,
		retry:        cfg.Retry,
		notifier:     cfg.Notifier,
		locks:        cfg.Locks,
		queue:        cfg.Queue,
		topic:        cfg.Topic,
		slots:        cfg.Slots,
		lockTTL:      cfg.LockTTL,
		storeTimeout: cfg.StoreTimeout,
		deferBase:    cfg.DeferBase,
		deferMax:     cfg.DeferMax,
		deferLimit:   cfg.DeferLimit,
	}, nil
}

// HandleMessage processes one judge job message. Verdicts and retry state
// are persisted before it returns.
func (p *Processor) HandleMessage(ctx context.Context, msg *mq.Message) error {
	if msg == nil {
		return appErr.New(appErr.InvalidParams).WithMessage("message is nil")
	}
	job, err := model.DecodeJob(msg.Body)
	if err != nil {
		logger.Error(ctx, "discarding malformed job", zap.String("message_id", msg.ID), zap.Error(err))
		return err
	}
	ctx = logger.WithJob(ctx, job.SubmissionID, job.JobID, job.AttemptNumber)
	logPhase(ctx, PhaseReceived, zap.String("problem_id", job.ProblemID), zap.String("language", job.Language()))

	if !p.slots.TryAcquire() {
		deferred, err := p.deferJob(ctx, msg, "sandbox slots exhausted")
		if deferred || err != nil {
			return err
		}
		if err := p.slots.Acquire(ctx); err != nil {
			return err
		}
	}
	defer p.slots.Release()

	release, acquired, err := p.lock(ctx, job.SubmissionID)
	switch {
	case err != nil:
		deferred, derr := p.deferJob(ctx, msg, "submission lock unavailable")
		if deferred || derr != nil {
			return derr
		}
		logger.Warn(ctx, "judging without submission lock", zap.Error(err))
	case !acquired:
		logger.Info(ctx, "submission is already being judged, skipping duplicate")
		return nil
	default:
		defer release()
	}

	storeCtx, cancel := context.WithTimeout(ctx, p.storeTimeout)
	status, err := p.submissions.Status(storeCtx, job.SubmissionID)
	cancel()
	if err != nil {
		if appErr.Is(err, appErr.SubmissionNotFound) {
			logger.Error(ctx, "job references unknown submission", zap.Error(err))
			return err
		}
		return p.requeue(ctx, msg, "submission store unavailable")
	}
	if status.IsTerminal() {
		logger.Info(ctx, "submission already finalized, skipping", zap.String("status", string(status)))
		return nil
	}

	res := p.runAttempt(ctx, job)
	if err := p.finish(ctx, job, res); err != nil {
		if appErr.Is(err, appErr.JudgeSystemError) {
			return err
		}
		// The attempt's outcome was not stored; judge it again later.
		return p.requeue(ctx, msg, "store write failed")
	}
	return nil
}

// runAttempt executes the attempt pipeline. Panics become system errors so
// that they feed the retry path.
func (p *Processor) runAttempt(ctx context.Context, job model.JudgeJob) (res verdict.Result) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error(ctx, "judge attempt panicked", zap.Any("panic", r), zap.Stack("stack"))
			res = verdict.Result{Kind: verdict.KindSystemError, Detail: fmt.Sprintf("panic: %v", r)}
		}
	}()

	lang, err := p.languages.Lookup(job.Language())
	if err != nil {
		return verdict.Result{Kind: verdict.KindCompileError, Detail: err.Error()}
	}
	problem, err := p.problems.get(ctx, job.ProblemID)
	if err != nil {
		return systemError(err)
	}
	arena, err := p.workspace.Create(job.SubmissionID, job.AttemptNumber, lang.SourceFile, lang.BinaryFile)
	if err != nil {
		return systemError(err)
	}
	defer arena.Cleanup(ctx)

	if err := p.prepareFiles(ctx, job, problem, arena); err != nil {
		return verdict.Result{Kind: verdict.KindRuntimeError, Detail: err.Error()}
	}
	logPhase(ctx, PhaseFilesPrepared, zap.String("arena", arena.Dir))

	outcome, err := p.runner.CompileAndRun(ctx, sandbox.RunRequest{
		SourcePath: arena.SourcePath,
		InputPath:  arena.InputPath,
		OutputPath: arena.OutputPath,
		BinaryPath: arena.BinaryPath,
		Language:   lang,
		TimeLimit:  problem.TimeLimit(),
	})
	if err != nil {
		return systemError(err)
	}
	logPhase(ctx, PhaseCompiled, zap.Bool("compiled", outcome.Compiled))
	if outcome.Compiled {
		logPhase(ctx, PhaseExecuted,
			zap.Duration("elapsed", outcome.ExecutionTime),
			zap.Bool("timed_out", outcome.TimedOut),
			zap.Bool("runtime_error", outcome.RuntimeError),
			zap.Int("exit_code", outcome.ExitCode),
		)
	}

	return verdict.Classify(outcome, problem.TimeLimit(), func() bool {
		match := verdict.Equivalent(arena.ExpectedPath, arena.OutputPath)
		logPhase(ctx, PhaseCompared, zap.Bool("match", match))
		return match
	})
}

func (p *Processor) prepareFiles(ctx context.Context, job model.JudgeJob, problem model.Problem, arena *workspace.Arena) error {
	src, err := job.DecodeSource()
	if err != nil {
		return err
	}
	if err := arena.WriteSource(src); err != nil {
		return err
	}
	if err := p.fetcher.Fetch(ctx, problem.InputFixture, arena.InputPath); err != nil {
		return err
	}
	return p.fetcher.Fetch(ctx, problem.ReferenceSolution, arena.ExpectedPath)
}

func (p *Processor) finish(ctx context.Context, job model.JudgeJob, res verdict.Result) error {
	// Persist even when the delivery context was canceled by shutdown.
	storeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.storeTimeout)
	defer cancel()

	if p.retry.ShouldRetry(res.Kind) {
		decision, err := p.retry.Handle(storeCtx, job, res)
		if err != nil {
			if appErr.Is(err, appErr.SubmissionFinalized) {
				logger.Info(ctx, "submission finalized concurrently, retry dropped")
				return nil
			}
			logger.Error(ctx, "retry handling failed", zap.String("reason", res.Kind.String()), zap.Error(err))
			return err
		}
		if decision.Exhausted {
			p.notify(storeCtx, job, model.StatusFailedRetry)
		}
		return nil
	}

	status, ok := res.Kind.Status()
	if !ok {
		return appErr.Newf(appErr.JudgeSystemError, "no terminal status for %s", res.Kind)
	}
	if err := p.submissions.SaveVerdict(storeCtx, job.SubmissionID, status, res.ExecutionTime.Seconds()); err != nil {
		if appErr.Is(err, appErr.SubmissionFinalized) {
			logger.Info(ctx, "submission finalized concurrently, verdict dropped", zap.String("verdict", string(status)))
			return nil
		}
		logger.Error(ctx, "save verdict failed", zap.String("verdict", string(status)), zap.Error(err))
		return err
	}
	logPhase(ctx, PhaseVerdict,
		zap.String("verdict", string(status)),
		zap.Float64("execution_time", res.ExecutionTime.Seconds()),
	)
	p.notify(storeCtx, job, status)
	return nil
}

func (p *Processor) notify(ctx context.Context, job model.JudgeJob, status model.Status) {
	if p.notifier == nil || !job.HasContest() {
		return
	}
	event := model.ContestProgressEvent{
		ContestID:     job.ContestID,
		ParticipantID: job.ParticipantID,
		ProblemID:     job.ProblemID,
		SubmissionID:  job.SubmissionID,
		Verdict:       status,
		CreatedAt:     time.Now().Unix(),
	}
	if err := p.notifier.NotifyProgress(ctx, event); err != nil {
		logger.Warn(ctx, "contest progress notification failed", zap.Error(err))
	}
}

// lock takes the per-submission execution lock and keeps it alive until
// release is called.
func (p *Processor) lock(ctx context.Context, submissionID string) (release func(), acquired bool, err error) {
	if p.locks == nil {
		return func() {}, true, nil
	}
	key := lockKeyPrefix + submissionID
	token := uuid.NewString()
	ok, err := p.locks.TryLock(ctx, key, token, p.lockTTL)
	if err != nil {
		return nil, false, appErr.Wrapf(err, appErr.CacheError, "acquire submission lock failed")
	}
	if !ok {
		return nil, false, nil
	}

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(p.lockTTL / 3)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				if ok, err := p.locks.ExtendLock(ctx, key, token, p.lockTTL); err != nil || !ok {
					logger.Warn(ctx, "extend submission lock failed", zap.Bool("owned", ok), zap.Error(err))
				}
			}
		}
	}()

	return func() {
		close(stop)
		wg.Wait()
		unlockCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 3*time.Second)
		defer cancel()
		if _, err := p.locks.Unlock(unlockCtx, key, token); err != nil {
			logger.Warn(ctx, "release submission lock failed", zap.Error(err))
		}
	}, true, nil
}

func systemError(err error) verdict.Result {
	return verdict.Result{Kind: verdict.KindSystemError, Detail: err.Error()}
}

func logPhase(ctx context.Context, phase string, fields ...zap.Field) {
	logger.Info(ctx, "judge "+phase, append([]zap.Field{zap.String("phase", phase)}, fields...)...)
}
