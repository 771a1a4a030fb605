package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"codejudge/internal/common/mq"
	"codejudge/internal/judge/model"
	appErr "codejudge/pkg/errors"
)

// ContestNotifier reports contest-scoped verdicts to the contest service.
type ContestNotifier interface {
	NotifyProgress(ctx context.Context, event model.ContestProgressEvent) error
}

// MQContestNotifier publishes contest progress events to a message queue.
type MQContestNotifier struct {
	queue mq.Producer
	topic string
}

// NewMQContestNotifier creates a new MQ contest notifier.
func NewMQContestNotifier(queue mq.Producer, topic string) *MQContestNotifier {
	return &MQContestNotifier{queue: queue, topic: topic}
}

// NotifyProgress publishes one progress event keyed by submission id.
func (p *MQContestNotifier) NotifyProgress(ctx context.Context, event model.ContestProgressEvent) error {
	if p == nil || p.queue == nil {
		return appErr.New(appErr.ServiceUnavailable).WithMessage("contest notifier is not configured")
	}
	if p.topic == "" {
		return appErr.New(appErr.InvalidParams).WithMessage("contest topic is required")
	}
	if event.ContestID == "" || event.ParticipantID == "" {
		return appErr.ValidationError("contest_id", "contest and participant are required")
	}
	if event.SubmissionID == "" {
		return appErr.ValidationError("submission_id", "required")
	}
	if event.CreatedAt == 0 {
		event.CreatedAt = time.Now().Unix()
	}
	event.Solved = event.Verdict == model.StatusAccepted
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal contest event failed: %w", err)
	}
	message := mq.NewMessage(payload)
	message.ID = event.SubmissionID
	message.SetHeader("contest_id", event.ContestID)
	if err := p.queue.Publish(ctx, p.topic, message); err != nil {
		return appErr.Wrapf(err, appErr.QueuePublishFail, "publish contest event failed")
	}
	return nil
}
