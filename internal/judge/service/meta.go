package service

import (
	"context"
	"sync"
	"time"

	"codejudge/internal/judge/model"
	"codejudge/internal/judge/repository"
)

type metaEntry struct {
	problem   model.Problem
	expiresAt time.Time
}

// problemCache is an in-process TTL cache in front of the problem store.
type problemCache struct {
	store   repository.ProblemRepository
	ttl     time.Duration
	timeout time.Duration

	mu      sync.Mutex
	entries map[string]metaEntry
}

func newProblemCache(store repository.ProblemRepository, ttl, timeout time.Duration) *problemCache {
	return &problemCache{
		store:   store,
		ttl:     ttl,
		timeout: timeout,
		entries: make(map[string]metaEntry),
	}
}

func (c *problemCache) get(ctx context.Context, problemID string) (model.Problem, error) {
	now := time.Now()
	if c.ttl > 0 {
		c.mu.Lock()
		entry, ok := c.entries[problemID]
		c.mu.Unlock()
		if ok && now.Before(entry.expiresAt) {
			return entry.problem, nil
		}
	}

	ctxStore := ctx
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctxStore, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	problem, err := c.store.Get(ctxStore, problemID)
	if err != nil {
		return model.Problem{}, err
	}
	if c.ttl > 0 {
		c.mu.Lock()
		c.entries[problemID] = metaEntry{problem: problem, expiresAt: now.Add(c.ttl)}
		c.mu.Unlock()
	}
	return problem, nil
}
