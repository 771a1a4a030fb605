package repository_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"codejudge/internal/common/cache"
	"codejudge/internal/common/db"
	"codejudge/internal/common/mq"
	"codejudge/internal/judge/model"
	"codejudge/internal/judge/repository"
	appErr "codejudge/pkg/errors"
	pkgrepo "codejudge/pkg/repository"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestDB(t *testing.T) db.Database {
	t.Helper()
	database, err := db.NewSQLite(db.SQLiteConfig{Path: ":memory:"})
	if err != nil {
		t.Fatalf("open sqlite failed: %v", err)
	}
	t.Cleanup(func() { _ = database.Close() })
	if err := repository.EnsureSchema(context.Background(), database); err != nil {
		t.Fatalf("ensure schema failed: %v", err)
	}
	return database
}

func newTestCache(t *testing.T) (*cache.RedisCache, *miniredis.Miniredis) {
	t.Helper()
	srv := miniredis.RunT(t)
	c, err := cache.NewRedisCacheWithClient(redis.NewClient(&redis.Options{Addr: srv.Addr()}))
	if err != nil {
		t.Fatalf("new cache failed: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c, srv
}

func createSubmission(t *testing.T, repo repository.SubmissionRepository, id string) {
	t.Helper()
	err := repo.Create(context.Background(), &model.Submission{ID: id, OwnerID: "u1", ProblemID: "p1", LanguageID: "cpp"})
	if err != nil {
		t.Fatalf("create submission failed: %v", err)
	}
}

func TestEnsureSchemaIsIdempotent(t *testing.T) {
	database := newTestDB(t)
	if err := repository.EnsureSchema(context.Background(), database); err != nil {
		t.Fatalf("second ensure failed: %v", err)
	}
}

func TestProblemRepository(t *testing.T) {
	database := newTestDB(t)
	repo := repository.NewProblemRepository(database)
	ctx := context.Background()

	if _, err := repo.Get(ctx, "missing"); !appErr.Is(err, appErr.ProblemNotFound) {
		t.Fatalf("expected ProblemNotFound, got %v", err)
	}
	p := model.Problem{
		ID:                "p1",
		TimeLimitSeconds:  1.5,
		ReferenceSolution: model.Fixture{Content: "3\n"},
		InputFixture:      model.Fixture{Location: "minio://problems/p1/in.txt"},
	}
	if err := repo.Upsert(ctx, p); err != nil {
		t.Fatalf("upsert failed: %v", err)
	}
	p.TimeLimitSeconds = 2
	if err := repo.Upsert(ctx, p); err != nil {
		t.Fatalf("second upsert failed: %v", err)
	}
	got, err := repo.Get(ctx, "p1")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if got.TimeLimitSeconds != 2 || got.ReferenceSolution.Content != "3\n" || got.InputFixture.Location != "minio://problems/p1/in.txt" {
		t.Fatalf("unexpected problem: %+v", got)
	}
	if got.TimeLimit() != 2*time.Second {
		t.Fatalf("unexpected time limit %v", got.TimeLimit())
	}
}

func TestSubmissionLifecycle(t *testing.T) {
	database := newTestDB(t)
	repo := repository.NewSubmissionRepository(database, nil, repository.Options{})
	ctx := context.Background()
	createSubmission(t, repo, "s1")

	got, err := repo.Get(ctx, "s1")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if got.Status != model.StatusPending || got.AttemptCount != 0 || len(got.History) != 0 {
		t.Fatalf("unexpected new submission: %+v", got)
	}

	rec := model.AttemptRecord{AttemptNumber: 0, Outcome: model.OutcomeTimeLimit, ErrorDetail: "killed"}
	if err := repo.RecordRetry(ctx, "s1", model.StatusInRetry, 1, rec); err != nil {
		t.Fatalf("record retry failed: %v", err)
	}
	if err := repo.SaveVerdict(ctx, "s1", model.StatusAccepted, 0.25); err != nil {
		t.Fatalf("save verdict failed: %v", err)
	}

	got, _ = repo.Get(ctx, "s1")
	if got.Status != model.StatusAccepted || got.ExecutionTime != 0.25 || got.AttemptCount != 1 {
		t.Fatalf("unexpected submission: %+v", got)
	}
	if got.LastRetryAt == nil {
		t.Fatalf("expected last retry timestamp")
	}
	if len(got.History) != 1 || got.History[0].Outcome != model.OutcomeTimeLimit || got.History[0].ErrorDetail != "killed" {
		t.Fatalf("unexpected history: %+v", got.History)
	}

	status, err := repo.Status(ctx, "s1")
	if err != nil || status != model.StatusAccepted {
		t.Fatalf("expected ACCEPTED, got %s %v", status, err)
	}
}

func TestListSubmissions(t *testing.T) {
	database := newTestDB(t)
	repo := repository.NewSubmissionRepository(database, nil, repository.Options{})
	ctx := context.Background()
	for _, id := range []string{"a", "b", "c"} {
		createSubmission(t, repo, id)
	}
	if err := repo.SaveVerdict(ctx, "b", model.StatusAccepted, 0.1); err != nil {
		t.Fatalf("save verdict failed: %v", err)
	}

	opts := pkgrepo.ListOptions{Limit: 2, OrderBy: "status"}
	opts.AddFilter("problem_id", "p1")
	page, err := repo.List(ctx, opts)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if page.Total != 3 || len(page.Items) != 2 || !page.HasMore || page.TotalPages != 2 {
		t.Fatalf("unexpected page %+v", page)
	}
	if page.Items[0].ID != "b" || page.Items[0].Status != model.StatusAccepted {
		t.Fatalf("expected ACCEPTED first, got %+v", page.Items[0])
	}

	opts = pkgrepo.ListOptions{}
	opts.AddInFilter("status", []string{"PENDING"})
	page, err = repo.List(ctx, opts)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if page.Total != 2 || len(page.Items) != 2 || page.HasMore {
		t.Fatalf("unexpected pending page %+v", page)
	}

	bad := pkgrepo.ListOptions{OrderBy: "id; DROP TABLE submissions"}
	_, err = repo.List(ctx, bad)
	var appError *appErr.Error
	if !errors.As(err, &appError) || appError.Code != appErr.ValidationFailed {
		t.Fatalf("expected ValidationFailed, got %v", err)
	}
}

func TestSubmissionStatusIsMonotonic(t *testing.T) {
	database := newTestDB(t)
	repo := repository.NewSubmissionRepository(database, nil, repository.Options{})
	ctx := context.Background()
	createSubmission(t, repo, "s1")

	if err := repo.SaveVerdict(ctx, "s1", model.StatusWrongAnswer, 0.1); err != nil {
		t.Fatalf("save verdict failed: %v", err)
	}
	if err := repo.SaveVerdict(ctx, "s1", model.StatusAccepted, 0.1); !appErr.Is(err, appErr.SubmissionFinalized) {
		t.Fatalf("expected SubmissionFinalized, got %v", err)
	}
	err := repo.RecordRetry(ctx, "s1", model.StatusInRetry, 1, model.AttemptRecord{Outcome: model.OutcomeRuntimeError})
	if !appErr.Is(err, appErr.SubmissionFinalized) {
		t.Fatalf("expected SubmissionFinalized for retry, got %v", err)
	}
	got, _ := repo.Get(ctx, "s1")
	if got.Status != model.StatusWrongAnswer || len(got.History) != 0 {
		t.Fatalf("terminal submission changed: %+v", got)
	}
	if err := repo.SaveVerdict(ctx, "missing", model.StatusAccepted, 0); !appErr.Is(err, appErr.SubmissionNotFound) {
		t.Fatalf("expected SubmissionNotFound, got %v", err)
	}
	if err := repo.SaveVerdict(ctx, "s1", model.StatusInRetry, 0); err == nil {
		t.Fatalf("expected non-terminal verdict rejected")
	}
}

func TestRecordRetryClampsAttemptCount(t *testing.T) {
	database := newTestDB(t)
	repo := repository.NewSubmissionRepository(database, nil, repository.Options{MaxAttempts: 3})
	ctx := context.Background()
	createSubmission(t, repo, "s1")

	for i := 0; i < 5; i++ {
		status := model.StatusInRetry
		if i == 4 {
			status = model.StatusFailedRetry
		}
		rec := model.AttemptRecord{AttemptNumber: i, Outcome: model.OutcomeSystemError}
		if err := repo.RecordRetry(ctx, "s1", status, i+1, rec); err != nil {
			t.Fatalf("record retry %d failed: %v", i, err)
		}
	}
	got, _ := repo.Get(ctx, "s1")
	if got.AttemptCount != 3 {
		t.Fatalf("expected attempt count clamped to 3, got %d", got.AttemptCount)
	}
	if got.Status != model.StatusFailedRetry || len(got.History) != 5 {
		t.Fatalf("unexpected submission: %s with %d history", got.Status, len(got.History))
	}
	for i, rec := range got.History {
		if rec.AttemptNumber != i {
			t.Fatalf("history out of order at %d: %+v", i, rec)
		}
	}
}

func TestRecordRetryRejectsDuplicateAttempt(t *testing.T) {
	database := newTestDB(t)
	repo := repository.NewSubmissionRepository(database, nil, repository.Options{})
	ctx := context.Background()
	createSubmission(t, repo, "s1")

	rec := model.AttemptRecord{AttemptNumber: 0, Outcome: model.OutcomeRuntimeError}
	if err := repo.RecordRetry(ctx, "s1", model.StatusInRetry, 1, rec); err != nil {
		t.Fatalf("record retry failed: %v", err)
	}
	if err := repo.RecordRetry(ctx, "s1", model.StatusInRetry, 2, rec); err == nil {
		t.Fatalf("expected duplicate attempt rejected")
	}
	got, _ := repo.Get(ctx, "s1")
	if got.AttemptCount != 1 {
		t.Fatalf("failed transaction must roll back status write, got count %d", got.AttemptCount)
	}
}

func TestSubmissionCacheInvalidation(t *testing.T) {
	database := newTestDB(t)
	c, srv := newTestCache(t)
	repo := repository.NewSubmissionRepository(database, c, repository.Options{})
	ctx := context.Background()

	if _, err := repo.Get(ctx, "s1"); !appErr.Is(err, appErr.SubmissionNotFound) {
		t.Fatalf("expected SubmissionNotFound, got %v", err)
	}
	createSubmission(t, repo, "s1")
	got, err := repo.Get(ctx, "s1")
	if err != nil || got.Status != model.StatusPending {
		t.Fatalf("expected pending after create, got %+v %v", got, err)
	}
	if !srv.Exists("judge:submission:s1") {
		t.Fatalf("expected cached submission")
	}

	if err := repo.SaveVerdict(ctx, "s1", model.StatusAccepted, 0.5); err != nil {
		t.Fatalf("save verdict failed: %v", err)
	}
	if srv.Exists("judge:submission:s1") {
		t.Fatalf("expected cache invalidated after write")
	}
	got, _ = repo.Get(ctx, "s1")
	if got.Status != model.StatusAccepted {
		t.Fatalf("expected fresh status, got %s", got.Status)
	}
}

type recordingProducer struct {
	topic    string
	messages []*mq.Message
	err      error
}

func (p *recordingProducer) Publish(ctx context.Context, topic string, m *mq.Message) error {
	if p.err != nil {
		return p.err
	}
	p.topic = topic
	p.messages = append(p.messages, m)
	return nil
}

func (p *recordingProducer) PublishDelayed(ctx context.Context, topic string, m *mq.Message, _ time.Duration) error {
	return p.Publish(ctx, topic, m)
}

func TestContestNotifier(t *testing.T) {
	t.Parallel()
	producer := &recordingProducer{}
	notifier := repository.NewMQContestNotifier(producer, "contest.progress")
	event := model.ContestProgressEvent{
		ContestID:     "c1",
		ParticipantID: "u1",
		ProblemID:     "p1",
		SubmissionID:  "s1",
		Verdict:       model.StatusAccepted,
	}
	if err := notifier.NotifyProgress(context.Background(), event); err != nil {
		t.Fatalf("notify failed: %v", err)
	}
	if producer.topic != "contest.progress" || len(producer.messages) != 1 {
		t.Fatalf("unexpected publish: %s %d", producer.topic, len(producer.messages))
	}
	msg := producer.messages[0]
	if msg.ID != "s1" {
		t.Fatalf("expected message id s1, got %s", msg.ID)
	}
	var got model.ContestProgressEvent
	if err := json.Unmarshal(msg.Body, &got); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if !got.Solved || got.ContestID != "c1" || got.ParticipantID != "u1" || got.CreatedAt == 0 {
		t.Fatalf("unexpected event: %+v", got)
	}

	if err := notifier.NotifyProgress(context.Background(), model.ContestProgressEvent{SubmissionID: "s1"}); err == nil {
		t.Fatalf("expected missing contest rejected")
	}
	producer.err = errors.New("down")
	if err := notifier.NotifyProgress(context.Background(), event); !appErr.Is(err, appErr.QueuePublishFail) {
		t.Fatalf("expected QueuePublishFail, got %v", err)
	}
}
