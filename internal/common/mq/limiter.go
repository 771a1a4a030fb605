package mq

import (
	"context"
	"sync/atomic"
)

// TokenLimiter is a counting limiter bounding concurrent work such as
// sandbox executions started by queue handlers.
type TokenLimiter struct {
	tokens chan struct{}
	inUse  atomic.Int64
}

// NewTokenLimiter creates a limiter with a fixed capacity.
func NewTokenLimiter(size int) *TokenLimiter {
	if size <= 0 {
		size = 1
	}
	tokens := make(chan struct{}, size)
	for i := 0; i < size; i++ {
		tokens <- struct{}{}
	}
	return &TokenLimiter{tokens: tokens}
}

// Acquire blocks until a token is available or ctx is canceled.
func (l *TokenLimiter) Acquire(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-l.tokens:
		l.inUse.Add(1)
		return nil
	}
}

// TryAcquire takes a token without blocking.
func (l *TokenLimiter) TryAcquire() bool {
	select {
	case <-l.tokens:
		l.inUse.Add(1)
		return true
	default:
		return false
	}
}

// Release returns a token to the limiter.
func (l *TokenLimiter) Release() {
	select {
	case l.tokens <- struct{}{}:
		l.inUse.Add(-1)
	default:
	}
}

// InUse reports the number of tokens currently held.
func (l *TokenLimiter) InUse() int {
	return int(l.inUse.Load())
}

// Capacity reports the limiter size.
func (l *TokenLimiter) Capacity() int {
	return cap(l.tokens)
}
