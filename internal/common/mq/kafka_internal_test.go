package mq

import (
	"testing"
	"time"
)

func TestKafkaHeadersCarryDeliverAt(t *testing.T) {
	t.Parallel()
	due := time.UnixMilli(time.Now().Add(5 * time.Second).UnixMilli())
	msg := NewMessage([]byte("payload"))
	msg.ID = "sub-1"
	msg.DeliverAt = due
	msg.SetHeader("x-attempt", "2")

	back := fromKafkaMessage(toKafkaMessage("judge.jobs", msg))
	if back.ID != "sub-1" {
		t.Fatalf("expected id sub-1, got %s", back.ID)
	}
	if !back.DeliverAt.Equal(due) {
		t.Fatalf("expected deliver_at %v, got %v", due, back.DeliverAt)
	}
	if v, ok := back.GetHeader("x-attempt"); !ok || v != "2" {
		t.Fatalf("expected custom header preserved, got %q", v)
	}
	if _, ok := back.GetHeader(headerDeliverAt); ok {
		t.Fatalf("reserved header leaked into user headers")
	}
}

func TestMessageExpired(t *testing.T) {
	t.Parallel()
	now := time.Now()
	msg := &Message{Timestamp: now.Add(-2 * time.Minute), Expiration: time.Minute}
	if !msg.Expired(now) {
		t.Fatalf("expected message to be expired")
	}
	msg.Expiration = 0
	if msg.Expired(now) {
		t.Fatalf("message without expiration never expires")
	}
}
