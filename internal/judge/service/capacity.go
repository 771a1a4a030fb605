package service

import (
	"context"
	"strconv"
	"time"

	"codejudge/internal/common/mq"
	appErr "codejudge/pkg/errors"
	"codejudge/pkg/utils/logger"

	"go.uber.org/zap"
)

const deferHeader = "x-defer-count"

// ParseDeferCount reads how many times a message was deferred.
func ParseDeferCount(headers map[string]string) int {
	if headers == nil {
		return 0
	}
	raw, ok := headers[deferHeader]
	if !ok {
		return 0
	}
	val, err := strconv.Atoi(raw)
	if err != nil || val < 0 {
		return 0
	}
	return val
}

// CloneMessageForDefer copies msg with an updated defer count.
// The job id is kept because the job itself is unchanged.
func CloneMessageForDefer(msg *mq.Message, count int) *mq.Message {
	if msg == nil {
		return mq.NewMessage(nil)
	}
	out := &mq.Message{
		ID:         msg.ID,
		Body:       msg.Body,
		Headers:    make(map[string]string, len(msg.Headers)+1),
		Timestamp:  time.Now(),
		Expiration: msg.Expiration,
	}
	for k, v := range msg.Headers {
		out.Headers[k] = v
	}
	out.Headers[deferHeader] = strconv.Itoa(count)
	return out
}

// ComputeDeferBackoff doubles base per deferral up to max.
func ComputeDeferBackoff(count int, base, max time.Duration) time.Duration {
	if base <= 0 {
		return 0
	}
	delay := base
	for i := 0; i < count; i++ {
		if max > 0 && delay > max/2 {
			return max
		}
		delay *= 2
	}
	if max > 0 && delay > max {
		return max
	}
	return delay
}

// deferJob puts a job that could not start now back on the delayed lane.
// It reports false when the defer budget is spent and the caller should
// wait in place instead.
func (p *Processor) deferJob(ctx context.Context, msg *mq.Message, reason string) (bool, error) {
	if p.deferLimit > 0 && ParseDeferCount(msg.Headers) >= p.deferLimit {
		return false, nil
	}
	return true, p.requeue(ctx, msg, reason)
}

// requeue republishes msg unchanged on the delayed lane, ignoring the defer
// budget. A failed publish is marked so the queue redelivers msg itself.
func (p *Processor) requeue(ctx context.Context, msg *mq.Message, reason string) error {
	if p.queue == nil || p.topic == "" {
		return mq.Requeue(appErr.New(appErr.ServiceUnavailable).WithMessage("job topic is not configured"))
	}
	count := ParseDeferCount(msg.Headers)
	delay := ComputeDeferBackoff(count, p.deferBase, p.deferMax)
	logger.Info(ctx, "job deferred",
		zap.String("reason", reason),
		zap.Int("defer_count", count+1),
		zap.Duration("delay", delay),
	)
	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.storeTimeout)
	defer cancel()
	if err := p.queue.PublishDelayed(pubCtx, p.topic, CloneMessageForDefer(msg, count+1), delay); err != nil {
		return mq.Requeue(appErr.Wrapf(err, appErr.QueuePublishFail, "defer job failed"))
	}
	return nil
}
