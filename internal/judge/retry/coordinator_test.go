package retry_test

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"codejudge/internal/common/mq"
	"codejudge/internal/judge/model"
	"codejudge/internal/judge/retry"
	"codejudge/internal/judge/verdict"
	appErr "codejudge/pkg/errors"
)

type retryCall struct {
	submissionID string
	status       model.Status
	count        int
	record       model.AttemptRecord
}

type fakeStore struct {
	calls []retryCall
	err   error
}

func (s *fakeStore) RecordRetry(ctx context.Context, submissionID string, status model.Status, count int, rec model.AttemptRecord) error {
	if s.err != nil {
		return s.err
	}
	s.calls = append(s.calls, retryCall{submissionID, status, count, rec})
	return nil
}

type delayedMessage struct {
	topic string
	msg   *mq.Message
	delay time.Duration
}

type fakeProducer struct {
	delayed []delayedMessage
	err     error
	// order records "publish" so tests can check it follows the store write.
	order *[]string
}

func (p *fakeProducer) Publish(ctx context.Context, topic string, m *mq.Message) error {
	return p.PublishDelayed(ctx, topic, m, 0)
}

func (p *fakeProducer) PublishDelayed(ctx context.Context, topic string, m *mq.Message, delay time.Duration) error {
	if p.err != nil {
		return p.err
	}
	if p.order != nil {
		*p.order = append(*p.order, "publish")
	}
	p.delayed = append(p.delayed, delayedMessage{topic, m, delay})
	return nil
}

type orderedStore struct {
	fakeStore
	order *[]string
}

func (s *orderedStore) RecordRetry(ctx context.Context, id string, status model.Status, count int, rec model.AttemptRecord) error {
	*s.order = append(*s.order, "store")
	return s.fakeStore.RecordRetry(ctx, id, status, count, rec)
}

func TestShouldRetry(t *testing.T) {
	t.Parallel()
	c := retry.NewCoordinator(retry.Config{}, &fakeStore{}, &fakeProducer{})
	tests := []struct {
		kind verdict.Kind
		want bool
	}{
		{verdict.KindAccepted, false},
		{verdict.KindWrongAnswer, false},
		{verdict.KindCompileError, false},
		{verdict.KindTimeLimit, true},
		{verdict.KindRuntimeError, true},
		{verdict.KindSystemError, true},
	}
	for _, tt := range tests {
		if got := c.ShouldRetry(tt.kind); got != tt.want {
			t.Fatalf("%s: expected %v, got %v", tt.kind, tt.want, got)
		}
	}
	final := retry.NewCoordinator(retry.Config{TimeLimitIsFinal: true}, &fakeStore{}, &fakeProducer{})
	if final.ShouldRetry(verdict.KindTimeLimit) {
		t.Fatalf("expected TLE terminal when configured")
	}
}

func TestBackoffGrowsLinearly(t *testing.T) {
	t.Parallel()
	c := retry.NewCoordinator(retry.Config{BaseDelay: time.Second}, &fakeStore{}, &fakeProducer{})
	if c.Backoff(1) != time.Second || c.Backoff(2) != 2*time.Second || c.Backoff(3) != 3*time.Second {
		t.Fatalf("unexpected backoff: %v %v %v", c.Backoff(1), c.Backoff(2), c.Backoff(3))
	}
	if c.Backoff(2) <= c.Backoff(1) {
		t.Fatalf("backoff must grow")
	}
	if c.Backoff(0) != time.Second {
		t.Fatalf("expected backoff floor of one base delay, got %v", c.Backoff(0))
	}
}

func TestRepeatedTimeoutsExhaustAfterThreeAttempts(t *testing.T) {
	t.Parallel()
	store := &fakeStore{}
	producer := &fakeProducer{}
	c := retry.NewCoordinator(retry.Config{BaseDelay: time.Second, Topic: "judge.jobs"}, store, producer)
	res := verdict.Result{Kind: verdict.KindTimeLimit, Detail: "killed at deadline"}

	job := model.JudgeJob{JobID: "j0", SubmissionID: "s1", ProblemID: "p1", SourcePayload: "eA==", ContestID: "c1", ParticipantID: "u1"}
	for attempt := 0; attempt < 3; attempt++ {
		decision, err := c.Handle(context.Background(), job, res)
		if err != nil {
			t.Fatalf("attempt %d: unexpected error: %v", attempt, err)
		}
		if attempt < 2 {
			if decision.Exhausted || decision.NextAttempt != attempt+1 || decision.Delay != time.Duration(attempt+1)*time.Second {
				t.Fatalf("attempt %d: unexpected decision %+v", attempt, decision)
			}
			var next model.JudgeJob
			if err := json.Unmarshal(producer.delayed[attempt].msg.Body, &next); err != nil {
				t.Fatalf("decode requeued job failed: %v", err)
			}
			job = next
			continue
		}
		if !decision.Exhausted {
			t.Fatalf("expected exhaustion on attempt %d", attempt)
		}
	}

	if len(producer.delayed) != 2 {
		t.Fatalf("expected two requeues, got %d", len(producer.delayed))
	}
	if len(store.calls) != 3 {
		t.Fatalf("expected three history entries, got %d", len(store.calls))
	}
	want := []struct {
		status model.Status
		count  int
	}{
		{model.StatusInRetry, 1},
		{model.StatusInRetry, 2},
		{model.StatusFailedRetry, 3},
	}
	for i, w := range want {
		call := store.calls[i]
		if call.status != w.status || call.count != w.count || call.record.AttemptNumber != i {
			t.Fatalf("call %d: unexpected %+v", i, call)
		}
		if call.record.Outcome != model.OutcomeTimeLimit || call.count > c.MaxAttempts() {
			t.Fatalf("call %d: unexpected record %+v", i, call.record)
		}
	}
	if producer.delayed[0].topic != "judge.jobs" {
		t.Fatalf("unexpected topic %s", producer.delayed[0].topic)
	}
}

func TestScheduleRetryWritesStoreBeforePublishing(t *testing.T) {
	t.Parallel()
	var order []string
	store := &orderedStore{order: &order}
	producer := &fakeProducer{order: &order}
	c := retry.NewCoordinator(retry.Config{BaseDelay: time.Second, Topic: "judge.jobs"}, store, producer)

	job := model.JudgeJob{JobID: "j0", SubmissionID: "s1", ProblemID: "p1", SourcePayload: "eA=="}
	decision, err := c.ScheduleRetry(context.Background(), job, verdict.Result{Kind: verdict.KindRuntimeError, Detail: "segfault"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(order) != 2 || order[0] != "store" || order[1] != "publish" {
		t.Fatalf("expected store then publish, got %v", order)
	}

	msg := producer.delayed[0].msg
	var next model.JudgeJob
	if err := json.Unmarshal(msg.Body, &next); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if next.JobID == "j0" || next.JobID != decision.JobID || msg.ID != next.JobID {
		t.Fatalf("expected fresh job id, got %s", next.JobID)
	}
	if next.AttemptNumber != 1 || next.SubmissionID != "s1" {
		t.Fatalf("unexpected requeued job %+v", next)
	}
	if v, _ := msg.GetHeader(retry.AttemptHeader); v != "1" {
		t.Fatalf("expected attempt header 1, got %q", v)
	}
	if store.calls[0].record.ErrorDetail != "segfault" || store.calls[0].record.Outcome != model.OutcomeRuntimeError {
		t.Fatalf("unexpected history record %+v", store.calls[0].record)
	}
}

func TestErrorDetailIsCutOnRuneBoundary(t *testing.T) {
	t.Parallel()
	store := &fakeStore{}
	c := retry.NewCoordinator(retry.Config{BaseDelay: time.Second, Topic: "judge.jobs"}, store, &fakeProducer{})

	// The two-byte rune straddles the 2048 byte cut.
	detail := strings.Repeat("a", 2047) + "é" + strings.Repeat("错误", 10)
	job := model.JudgeJob{JobID: "j0", SubmissionID: "s1", ProblemID: "p1", SourcePayload: "eA=="}
	if _, err := c.ScheduleRetry(context.Background(), job, verdict.Result{Kind: verdict.KindRuntimeError, Detail: detail}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got := store.calls[0].record.ErrorDetail
	if !utf8.ValidString(got) {
		t.Fatalf("expected valid UTF-8 detail")
	}
	if len(got) != 2047 || !strings.HasPrefix(detail, got) {
		t.Fatalf("expected detail cut before the split rune, got %d bytes", len(got))
	}
}

func TestScheduleRetryStopsOnStoreFailure(t *testing.T) {
	t.Parallel()
	store := &fakeStore{err: errors.New("db down")}
	producer := &fakeProducer{}
	c := retry.NewCoordinator(retry.Config{Topic: "judge.jobs"}, store, producer)

	_, err := c.ScheduleRetry(context.Background(), model.JudgeJob{SubmissionID: "s1"}, verdict.Result{Kind: verdict.KindSystemError})
	if err == nil {
		t.Fatalf("expected store error")
	}
	if len(producer.delayed) != 0 {
		t.Fatalf("must not publish when the store write failed")
	}
}

func TestScheduleRetryRejectsCappedAttempt(t *testing.T) {
	t.Parallel()
	c := retry.NewCoordinator(retry.Config{Topic: "judge.jobs"}, &fakeStore{}, &fakeProducer{})
	_, err := c.ScheduleRetry(context.Background(), model.JudgeJob{SubmissionID: "s1", AttemptNumber: 2}, verdict.Result{Kind: verdict.KindSystemError})
	if !appErr.Is(err, appErr.RetryExhausted) {
		t.Fatalf("expected RetryExhausted, got %v", err)
	}
}

func TestScheduleRetryReportsPublishFailure(t *testing.T) {
	t.Parallel()
	producer := &fakeProducer{err: errors.New("broker down")}
	c := retry.NewCoordinator(retry.Config{Topic: "judge.jobs"}, &fakeStore{}, producer)
	_, err := c.ScheduleRetry(context.Background(), model.JudgeJob{SubmissionID: "s1"}, verdict.Result{Kind: verdict.KindSystemError})
	if !appErr.Is(err, appErr.QueuePublishFail) {
		t.Fatalf("expected QueuePublishFail, got %v", err)
	}
}
