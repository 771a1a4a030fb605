package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"codejudge/internal/common/cache"
	"codejudge/internal/common/db"
	"codejudge/internal/judge/model"
	appErr "codejudge/pkg/errors"
	pkgrepo "codejudge/pkg/repository"
)

const (
	defaultSubmissionCacheTTL      = 30 * time.Minute
	defaultSubmissionCacheEmptyTTL = time.Minute
	defaultMaxAttempts             = 3
	submissionCacheKeyPrefix       = "judge:submission:"
)

// SubmissionRepository persists submissions and their attempt history.
type SubmissionRepository interface {
	Create(ctx context.Context, submission *model.Submission) error
	Get(ctx context.Context, submissionID string) (*model.Submission, error)
	// Status reads the current status from the store, bypassing the cache.
	Status(ctx context.Context, submissionID string) (model.Status, error)
	SaveVerdict(ctx context.Context, submissionID string, status model.Status, executionTime float64) error
	RecordRetry(ctx context.Context, submissionID string, status model.Status, attemptCount int, record model.AttemptRecord) error
	// List returns one page of submissions without their history.
	List(ctx context.Context, opts pkgrepo.ListOptions) (*pkgrepo.PaginationResult[model.Submission], error)
}

// Options tunes the submission repository.
type Options struct {
	CacheTTL      time.Duration
	CacheEmptyTTL time.Duration
	MaxAttempts   int
}

// SQLSubmissionRepository implements SubmissionRepository on MySQL or SQLite
// with a Redis cache-aside read path.
type SQLSubmissionRepository struct {
	db          db.Database
	cache       cache.Cache
	ttl         time.Duration
	emptyTTL    time.Duration
	maxAttempts int
}

// NewSubmissionRepository creates a repository. cacheClient may be nil.
func NewSubmissionRepository(database db.Database, cacheClient cache.Cache, opts Options) *SQLSubmissionRepository {
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = defaultSubmissionCacheTTL
	}
	if opts.CacheEmptyTTL <= 0 {
		opts.CacheEmptyTTL = defaultSubmissionCacheEmptyTTL
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = defaultMaxAttempts
	}
	return &SQLSubmissionRepository{
		db:          database,
		cache:       cacheClient,
		ttl:         opts.CacheTTL,
		emptyTTL:    opts.CacheEmptyTTL,
		maxAttempts: opts.MaxAttempts,
	}
}

const submissionColumns = "id, owner_id, problem_id, contest_id, language_id, status, execution_time, attempt_count, last_retry_at, created_at, updated_at"

// Create inserts a PENDING submission.
func (r *SQLSubmissionRepository) Create(ctx context.Context, submission *model.Submission) error {
	if submission == nil {
		return appErr.ValidationError("submission", "required")
	}
	if submission.ID == "" {
		return appErr.ValidationError("submission_id", "required")
	}
	if submission.ProblemID == "" {
		return appErr.ValidationError("problem_id", "required")
	}
	now := time.Now().UTC()
	submission.Status = model.StatusPending
	submission.AttemptCount = 0
	submission.History = nil
	submission.CreatedAt = now
	submission.UpdatedAt = now
	if submission.LanguageID == "" {
		submission.LanguageID = model.DefaultLanguageID
	}

	_, err := r.db.Exec(ctx, `
		INSERT INTO submissions
		(id, owner_id, problem_id, contest_id, language_id, status, execution_time, attempt_count, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, 0, 0, ?, ?)`,
		submission.ID,
		submission.OwnerID,
		submission.ProblemID,
		submission.ContestID,
		submission.LanguageID,
		string(submission.Status),
		now,
		now,
	)
	if err != nil {
		if _, dup := db.UniqueViolation(err); dup {
			return appErr.Newf(appErr.SubmissionCreateFailed, "submission %s already exists", submission.ID)
		}
		return appErr.Wrapf(err, appErr.SubmissionCreateFailed, "insert submission failed")
	}
	if r.cache != nil {
		// Drop a possible null marker cached before the row existed.
		_ = r.cache.Del(ctx, submissionCacheKey(submission.ID))
	}
	return nil
}

// Get returns the submission with its attempt history.
func (r *SQLSubmissionRepository) Get(ctx context.Context, submissionID string) (*model.Submission, error) {
	if submissionID == "" {
		return nil, appErr.ValidationError("submission_id", "required")
	}
	var (
		submission *model.Submission
		err        error
	)
	if r.cache != nil {
		submission, err = cache.GetWithCached[*model.Submission](
			ctx,
			r.cache,
			submissionCacheKey(submissionID),
			cache.JitterTTL(r.ttl),
			cache.JitterTTL(r.emptyTTL),
			func(s *model.Submission) bool { return s == nil },
			marshalSubmission,
			unmarshalSubmission,
			func(ctx context.Context) (*model.Submission, error) {
				return r.load(ctx, submissionID)
			},
		)
	} else {
		submission, err = r.load(ctx, submissionID)
	}
	if err != nil {
		return nil, err
	}
	if submission == nil {
		return nil, appErr.New(appErr.SubmissionNotFound).WithDetail("submission_id", submissionID)
	}
	return submission, nil
}

// Status returns the stored status.
func (r *SQLSubmissionRepository) Status(ctx context.Context, submissionID string) (model.Status, error) {
	var status string
	err := r.db.QueryRow(ctx, "SELECT status FROM submissions WHERE id = ?", submissionID).Scan(&status)
	if err != nil {
		if db.IsNoRows(err) {
			return "", appErr.New(appErr.SubmissionNotFound).WithDetail("submission_id", submissionID)
		}
		return "", appErr.Wrapf(err, appErr.DatabaseError, "query submission status failed")
	}
	return model.Status(status), nil
}

// SaveVerdict writes a terminal verdict. A submission that already holds a
// terminal status is left untouched and SubmissionFinalized is returned.
func (r *SQLSubmissionRepository) SaveVerdict(ctx context.Context, submissionID string, status model.Status, executionTime float64) error {
	if !status.IsTerminal() {
		return appErr.ValidationError("status", "must be terminal")
	}
	return r.update(ctx, submissionID, func(tx db.Transaction, now time.Time) error {
		query := "UPDATE submissions SET status = ?, execution_time = ?, updated_at = ? WHERE id = ? AND " + notTerminalClause()
		args := append([]interface{}{string(status), executionTime, now, submissionID}, terminalArgs()...)
		return execGuarded(ctx, tx, submissionID, query, args...)
	})
}

// RecordRetry writes the retry state and appends one history entry in a
// single transaction. attemptCount is clamped to the configured maximum.
func (r *SQLSubmissionRepository) RecordRetry(ctx context.Context, submissionID string, status model.Status, attemptCount int, record model.AttemptRecord) error {
	if status != model.StatusInRetry && status != model.StatusFailedRetry {
		return appErr.ValidationError("status", "must be IN_RETRY or FAILED_RETRY")
	}
	if attemptCount > r.maxAttempts {
		attemptCount = r.maxAttempts
	}
	if attemptCount < 0 {
		attemptCount = 0
	}
	return r.update(ctx, submissionID, func(tx db.Transaction, now time.Time) error {
		ts := record.Timestamp
		if ts.IsZero() {
			ts = now
		}
		query := "UPDATE submissions SET status = ?, attempt_count = ?, last_retry_at = ?, updated_at = ? WHERE id = ? AND " + notTerminalClause()
		args := append([]interface{}{string(status), attemptCount, now, now, submissionID}, terminalArgs()...)
		if err := execGuarded(ctx, tx, submissionID, query, args...); err != nil {
			return err
		}
		_, err := tx.Exec(ctx, `
			INSERT INTO submission_attempts (submission_id, attempt_number, outcome, error_detail, created_at)
			VALUES (?, ?, ?, ?, ?)`,
			submissionID, record.AttemptNumber, string(record.Outcome), record.ErrorDetail, ts.UTC(),
		)
		if err != nil {
			if _, dup := db.UniqueViolation(err); dup {
				return appErr.Newf(appErr.DatabaseError, "attempt %d already recorded", record.AttemptNumber)
			}
			return appErr.Wrapf(err, appErr.DatabaseError, "insert attempt history failed")
		}
		return nil
	})
}

// ListColumns are the fields a listing may filter or sort on.
var ListColumns = map[string]bool{
	"owner_id":    true,
	"problem_id":  true,
	"contest_id":  true,
	"language_id": true,
	"status":      true,
	"created_at":  true,
	"updated_at":  true,
}

// List reads straight from the store; pages are not cached.
func (r *SQLSubmissionRepository) List(ctx context.Context, opts pkgrepo.ListOptions) (*pkgrepo.PaginationResult[model.Submission], error) {
	if err := opts.Validate(ListColumns); err != nil {
		return nil, appErr.Wrap(err, appErr.ValidationFailed)
	}
	where, args := opts.WhereClause()

	var total int64
	if err := r.db.QueryRow(ctx, "SELECT COUNT(*) FROM submissions"+where, args...).Scan(&total); err != nil {
		return nil, appErr.Wrapf(err, appErr.DatabaseError, "count submissions failed")
	}

	query := "SELECT " + submissionColumns + " FROM submissions" + where + opts.OrderClause("created_at") + ", id LIMIT ? OFFSET ?"
	rows, err := r.db.Query(ctx, query, append(args, opts.Limit, opts.Offset)...)
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.DatabaseError, "list submissions failed")
	}
	defer rows.Close()
	items := make([]*model.Submission, 0, opts.Limit)
	for rows.Next() {
		s, err := scanSubmission(rows)
		if err != nil {
			return nil, appErr.Wrapf(err, appErr.DatabaseError, "scan submission failed")
		}
		items = append(items, s)
	}
	if err := rows.Err(); err != nil {
		return nil, appErr.Wrapf(err, appErr.DatabaseError, "iterate submissions failed")
	}
	return pkgrepo.NewPaginationResult(items, total, opts), nil
}

func (r *SQLSubmissionRepository) update(ctx context.Context, submissionID string, fn func(tx db.Transaction, now time.Time) error) error {
	if submissionID == "" {
		return appErr.ValidationError("submission_id", "required")
	}
	write := func(ctx context.Context) error {
		return r.db.Transaction(ctx, func(tx db.Transaction) error {
			return fn(tx, time.Now().UTC())
		})
	}
	if r.cache == nil {
		return write(ctx)
	}
	return cache.UpdateCached(ctx, r.cache, submissionCacheKey(submissionID), write)
}

func execGuarded(ctx context.Context, tx db.Transaction, submissionID, query string, args ...interface{}) error {
	res, err := tx.Exec(ctx, query, args...)
	if err != nil {
		return appErr.Wrapf(err, appErr.DatabaseError, "update submission failed")
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	var status string
	err = tx.QueryRow(ctx, "SELECT status FROM submissions WHERE id = ?", submissionID).Scan(&status)
	if db.IsNoRows(err) {
		return appErr.New(appErr.SubmissionNotFound).WithDetail("submission_id", submissionID)
	}
	if err != nil {
		return appErr.Wrapf(err, appErr.DatabaseError, "query submission status failed")
	}
	return appErr.Newf(appErr.SubmissionFinalized, "submission %s is already %s", submissionID, status)
}

func (r *SQLSubmissionRepository) load(ctx context.Context, submissionID string) (*model.Submission, error) {
	s, err := scanSubmission(r.db.QueryRow(ctx, "SELECT "+submissionColumns+" FROM submissions WHERE id = ?", submissionID))
	if err != nil {
		if db.IsNoRows(err) {
			return nil, nil
		}
		return nil, appErr.Wrapf(err, appErr.DatabaseError, "query submission failed")
	}

	rows, err := r.db.Query(ctx, `
		SELECT attempt_number, outcome, error_detail, created_at
		FROM submission_attempts WHERE submission_id = ? ORDER BY attempt_number`, submissionID)
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.DatabaseError, "query attempt history failed")
	}
	defer rows.Close()
	for rows.Next() {
		var (
			rec     model.AttemptRecord
			outcome string
		)
		if err := rows.Scan(&rec.AttemptNumber, &outcome, &rec.ErrorDetail, &rec.Timestamp); err != nil {
			return nil, appErr.Wrapf(err, appErr.DatabaseError, "scan attempt history failed")
		}
		rec.Outcome = model.AttemptOutcome(outcome)
		s.History = append(s.History, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, appErr.Wrapf(err, appErr.DatabaseError, "iterate attempt history failed")
	}
	return s, nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanSubmission(row scanner) (*model.Submission, error) {
	var (
		s           model.Submission
		status      string
		lastRetryAt sql.NullTime
	)
	err := row.Scan(
		&s.ID,
		&s.OwnerID,
		&s.ProblemID,
		&s.ContestID,
		&s.LanguageID,
		&status,
		&s.ExecutionTime,
		&s.AttemptCount,
		&lastRetryAt,
		&s.CreatedAt,
		&s.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	s.Status = model.Status(status)
	if lastRetryAt.Valid {
		t := lastRetryAt.Time
		s.LastRetryAt = &t
	}
	return &s, nil
}

func notTerminalClause() string {
	marks := strings.TrimSuffix(strings.Repeat("?, ", len(model.TerminalStatuses)), ", ")
	return "status NOT IN (" + marks + ")"
}

func terminalArgs() []interface{} {
	args := make([]interface{}, 0, len(model.TerminalStatuses))
	for _, s := range model.TerminalStatuses {
		args = append(args, string(s))
	}
	return args
}

func submissionCacheKey(submissionID string) string {
	return submissionCacheKeyPrefix + submissionID
}

func marshalSubmission(s *model.Submission) string {
	data, err := json.Marshal(s)
	if err != nil {
		return ""
	}
	return string(data)
}

func unmarshalSubmission(data string) (*model.Submission, error) {
	var s model.Submission
	if err := json.Unmarshal([]byte(data), &s); err != nil {
		return nil, err
	}
	return &s, nil
}
