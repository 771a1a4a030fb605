package mq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"sync"
	"time"

	"codejudge/pkg/utils/logger"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// promoteScript moves due members of the delayed set onto the ready list atomically.
var promoteScript = redis.NewScript(`
local items = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[2]))
for _, item in ipairs(items) do
	redis.call('ZREM', KEYS[1], item)
	redis.call('LPUSH', KEYS[2], item)
end
return #items
`)

// nackScript takes an entry out of a processing list and parks it on the
// delayed set. Nothing is parked when the entry is already gone.
var nackScript = redis.NewScript(`
local removed = redis.call('LREM', KEYS[1], 1, ARGV[1])
if removed > 0 then
	redis.call('ZADD', KEYS[2], ARGV[2], ARGV[1])
end
return removed
`)

// RedisQueueConfig defines configuration for the Redis list-backed queue.
type RedisQueueConfig struct {
	Prefix       string        `yaml:"prefix"`
	BlockTimeout time.Duration `yaml:"blockTimeout"`
	PollInterval time.Duration `yaml:"pollInterval"`
	PromoteBatch int           `yaml:"promoteBatch"`
	// InstanceID names this process's processing lists. Defaults to the hostname.
	InstanceID string `yaml:"instanceId"`
	// HeartbeatTTL bounds how long a silent instance keeps its in-flight entries.
	HeartbeatTTL time.Duration `yaml:"heartbeatTTL"`
	// RequeueDelay parks messages whose handler asked for redelivery.
	RequeueDelay time.Duration `yaml:"requeueDelay"`
}

// RedisQueue implements MessageQueue on Redis lists.
//
// Each topic owns three keys: a ready list, a delayed sorted set scored by
// due time in unix milliseconds, and one processing list per consumer group
// and instance. Workers move entries from ready to processing with BLMOVE so
// each entry is handed to exactly one worker, and drop it from processing
// once the handler returns.
//
// Every instance keeps a heartbeat key alive while subscribed. On Start an
// instance reclaims its own leftover processing list and the lists of group
// members whose heartbeat has expired; lists of live members are left alone.
type RedisQueue struct {
	client redis.UniversalClient
	config RedisQueueConfig
	owned  bool

	mu            sync.Mutex
	subscriptions []*redisSubscription
	started       bool
	closed        bool
}

type redisSubscription struct {
	topic   string
	handler HandlerFunc
	opts    SubscribeOptions
	baseCtx context.Context

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewRedisQueue creates a queue on an existing client. The caller keeps ownership of client.
func NewRedisQueue(client redis.UniversalClient, cfg RedisQueueConfig) (*RedisQueue, error) {
	if client == nil {
		return nil, errors.New("redis client is required")
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "judge:mq"
	}
	if cfg.BlockTimeout <= 0 {
		cfg.BlockTimeout = time.Second
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 200 * time.Millisecond
	}
	if cfg.PromoteBatch <= 0 {
		cfg.PromoteBatch = 100
	}
	if cfg.InstanceID == "" {
		cfg.InstanceID = defaultInstanceID()
	}
	if cfg.HeartbeatTTL <= 0 {
		cfg.HeartbeatTTL = 15 * time.Second
	}
	if cfg.RequeueDelay <= 0 {
		cfg.RequeueDelay = time.Second
	}
	return &RedisQueue{client: client, config: cfg}, nil
}

// NewOwnedRedisQueue creates a queue that closes client on Close.
func NewOwnedRedisQueue(client redis.UniversalClient, cfg RedisQueueConfig) (*RedisQueue, error) {
	q, err := NewRedisQueue(client, cfg)
	if err != nil {
		return nil, err
	}
	q.owned = true
	return q, nil
}

func (r *RedisQueue) readyKey(topic string) string {
	return r.config.Prefix + ":" + topic + ":ready"
}

func (r *RedisQueue) delayedKey(topic string) string {
	return r.config.Prefix + ":" + topic + ":delayed"
}

func (r *RedisQueue) processingKey(topic, group, instance string) string {
	return r.config.Prefix + ":" + topic + ":processing:" + group + ":" + instance
}

func (r *RedisQueue) membersKey(topic, group string) string {
	return r.config.Prefix + ":" + topic + ":consumers:" + group
}

func (r *RedisQueue) heartbeatKey(topic, group, instance string) string {
	return r.config.Prefix + ":" + topic + ":consumer:" + group + ":" + instance
}

func defaultInstanceID() string {
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return uuid.NewString()
}

// Publish pushes a message onto the ready list.
func (r *RedisQueue) Publish(ctx context.Context, topic string, message *Message) error {
	raw, err := encodeMessage(topic, message)
	if err != nil {
		return err
	}
	return r.client.LPush(ctx, r.readyKey(topic), raw).Err()
}

// PublishDelayed parks a message in the delayed set until delay has elapsed.
func (r *RedisQueue) PublishDelayed(ctx context.Context, topic string, message *Message, delay time.Duration) error {
	if delay <= 0 {
		return r.Publish(ctx, topic, message)
	}
	if message == nil {
		return errors.New("message is nil")
	}
	message.DeliverAt = time.Now().Add(delay)
	raw, err := encodeMessage(topic, message)
	if err != nil {
		return err
	}
	return r.client.ZAdd(ctx, r.delayedKey(topic), redis.Z{
		Score:  float64(message.DeliverAt.UnixMilli()),
		Member: raw,
	}).Err()
}

// SubscribeWithOptions registers a handler for a topic.
func (r *RedisQueue) SubscribeWithOptions(ctx context.Context, topic string, handler HandlerFunc, opts *SubscribeOptions) error {
	if topic == "" {
		return errors.New("topic is required")
	}
	if handler == nil {
		return errors.New("handler is required")
	}
	var options SubscribeOptions
	if opts != nil {
		options = *opts
	}
	options.SetDefaults()
	if options.ConsumerGroup == "" {
		options.ConsumerGroup = "judge-" + topic
	}
	if ctx == nil {
		ctx = context.Background()
	}
	sub := &redisSubscription{topic: topic, handler: handler, opts: options, baseCtx: ctx}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return errors.New("message queue is closed")
	}
	r.subscriptions = append(r.subscriptions, sub)
	if r.started {
		return r.startSubscription(sub)
	}
	return nil
}

// Start launches the promoter and workers for every subscription.
func (r *RedisQueue) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return errors.New("message queue is closed")
	}
	if r.started {
		return nil
	}
	for _, sub := range r.subscriptions {
		if err := r.startSubscription(sub); err != nil {
			return err
		}
	}
	r.started = true
	return nil
}

func (r *RedisQueue) startSubscription(sub *redisSubscription) error {
	sub.ctx, sub.cancel = context.WithCancel(sub.baseCtx)
	group := sub.opts.ConsumerGroup
	processing := r.processingKey(sub.topic, group, r.config.InstanceID)

	if err := r.register(sub.ctx, sub.topic, group); err != nil {
		sub.cancel()
		return fmt.Errorf("register consumer for %s: %w", sub.topic, err)
	}

	if sub.opts.RequeueOrphans {
		moved, err := r.reclaim(sub.ctx, sub.topic, group)
		if err != nil {
			sub.cancel()
			return fmt.Errorf("requeue orphans for %s: %w", sub.topic, err)
		}
		if moved > 0 {
			logger.Warn(sub.ctx, "requeued orphaned messages",
				zap.String("topic", sub.topic),
				zap.Int("count", moved),
			)
		}
	}

	sub.wg.Add(1)
	go func() {
		defer sub.wg.Done()
		r.promoteLoop(sub)
	}()

	sub.wg.Add(1)
	go func() {
		defer sub.wg.Done()
		r.heartbeatLoop(sub)
	}()

	for i := 0; i < sub.opts.Concurrency; i++ {
		sub.wg.Add(1)
		go func() {
			defer sub.wg.Done()
			r.workLoop(sub, processing)
		}()
	}
	return nil
}

// register marks this instance alive and lists it among the group's members.
func (r *RedisQueue) register(ctx context.Context, topic, group string) error {
	id := r.config.InstanceID
	pipe := r.client.TxPipeline()
	pipe.Set(ctx, r.heartbeatKey(topic, group, id), time.Now().UnixMilli(), r.config.HeartbeatTTL)
	pipe.SAdd(ctx, r.membersKey(topic, group), id)
	_, err := pipe.Exec(ctx)
	return err
}

// reclaim moves entries held by this instance's previous run, and by group
// members whose heartbeat expired, back to the ready list.
func (r *RedisQueue) reclaim(ctx context.Context, topic, group string) (int, error) {
	members, err := r.client.SMembers(ctx, r.membersKey(topic, group)).Result()
	if err != nil {
		return 0, err
	}
	total := 0
	for _, member := range members {
		if member != r.config.InstanceID {
			alive, err := r.client.Exists(ctx, r.heartbeatKey(topic, group, member)).Result()
			if err != nil {
				return total, err
			}
			if alive > 0 {
				continue
			}
		}
		moved, err := r.drain(ctx, topic, r.processingKey(topic, group, member))
		total += moved
		if err != nil {
			return total, err
		}
		if member != r.config.InstanceID {
			if err := r.client.SRem(ctx, r.membersKey(topic, group), member).Err(); err != nil {
				return total, err
			}
		}
	}
	return total, nil
}

func (r *RedisQueue) drain(ctx context.Context, topic, processing string) (int, error) {
	moved := 0
	for {
		err := r.client.LMove(ctx, processing, r.readyKey(topic), "LEFT", "RIGHT").Err()
		if errors.Is(err, redis.Nil) {
			return moved, nil
		}
		if err != nil {
			return moved, err
		}
		moved++
	}
}

func (r *RedisQueue) heartbeatLoop(sub *redisSubscription) {
	ticker := time.NewTicker(r.config.HeartbeatTTL / 3)
	defer ticker.Stop()
	for {
		select {
		case <-sub.ctx.Done():
			return
		case <-ticker.C:
		}
		if err := r.register(sub.ctx, sub.topic, sub.opts.ConsumerGroup); err != nil && sub.ctx.Err() == nil {
			logger.Warn(sub.ctx, "refresh consumer heartbeat failed",
				zap.String("topic", sub.topic),
				zap.Error(err),
			)
		}
	}
}

func (r *RedisQueue) promoteLoop(sub *redisSubscription) {
	ticker := time.NewTicker(r.config.PollInterval)
	defer ticker.Stop()
	for {
		if _, err := r.PromoteDue(sub.ctx, sub.topic, time.Now()); err != nil && sub.ctx.Err() == nil {
			logger.Warn(sub.ctx, "promote delayed messages failed",
				zap.String("topic", sub.topic),
				zap.Error(err),
			)
		}
		select {
		case <-sub.ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// PromoteDue moves delayed messages due at or before now onto the ready list.
func (r *RedisQueue) PromoteDue(ctx context.Context, topic string, now time.Time) (int, error) {
	n, err := promoteScript.Run(ctx, r.client,
		[]string{r.delayedKey(topic), r.readyKey(topic)},
		strconv.FormatInt(now.UnixMilli(), 10),
		r.config.PromoteBatch,
	).Int()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return n, err
}

func (r *RedisQueue) workLoop(sub *redisSubscription, processing string) {
	ready := r.readyKey(sub.topic)
	for {
		if sub.ctx.Err() != nil {
			return
		}
		raw, err := r.client.BLMove(sub.ctx, ready, processing, "RIGHT", "LEFT", r.config.BlockTimeout).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if sub.ctx.Err() != nil {
				return
			}
			logger.Warn(sub.ctx, "redis queue take failed", zap.String("topic", sub.topic), zap.Error(err))
			select {
			case <-sub.ctx.Done():
				return
			case <-time.After(100 * time.Millisecond):
			}
			continue
		}
		requeue := r.dispatch(sub, raw)
		// Ack with a fresh context so a stop during handling still clears the entry.
		ackCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		if requeue {
			r.nack(ackCtx, sub, processing, raw)
		} else if err := r.client.LRem(ackCtx, processing, 1, raw).Err(); err != nil {
			logger.Warn(sub.ctx, "redis queue ack failed", zap.String("topic", sub.topic), zap.Error(err))
		}
		cancel()
	}
}

// nack parks raw on the delayed set. When that fails the entry stays in
// the processing list and is reclaimed on the next Start.
func (r *RedisQueue) nack(ctx context.Context, sub *redisSubscription, processing, raw string) {
	due := time.Now().Add(r.config.RequeueDelay).UnixMilli()
	err := nackScript.Run(ctx, r.client,
		[]string{processing, r.delayedKey(sub.topic)},
		raw, strconv.FormatInt(due, 10),
	).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		logger.Error(sub.ctx, "redis queue requeue failed, entry left in processing",
			zap.String("topic", sub.topic),
			zap.Error(err),
		)
	}
}

// dispatch runs the handler and reports whether the message should be requeued.
func (r *RedisQueue) dispatch(sub *redisSubscription, raw string) bool {
	var msg Message
	if err := json.Unmarshal([]byte(raw), &msg); err != nil {
		logger.Error(sub.ctx, "drop undecodable message", zap.String("topic", sub.topic), zap.Error(err))
		return false
	}
	if sub.opts.MessageTTL > 0 && msg.Expiration == 0 {
		msg.Expiration = sub.opts.MessageTTL
	}
	if msg.Expired(time.Now()) {
		logger.Warn(sub.ctx, "drop expired message", zap.String("topic", sub.topic), zap.String("message_id", msg.ID))
		return false
	}
	err := invokeHandler(sub.ctx, sub.handler, &msg)
	if err == nil {
		return false
	}
	requeue := IsRequeue(err)
	logger.Error(sub.ctx, "message handler failed",
		zap.String("topic", sub.topic),
		zap.String("message_id", msg.ID),
		zap.Bool("requeue", requeue),
		zap.Error(err),
	)
	return requeue
}

// Depth returns the ready and delayed counts for a topic.
func (r *RedisQueue) Depth(ctx context.Context, topic string) (ready int64, delayed int64, err error) {
	ready, err = r.client.LLen(ctx, r.readyKey(topic)).Result()
	if err != nil {
		return 0, 0, err
	}
	delayed, err = r.client.ZCard(ctx, r.delayedKey(topic)).Result()
	return ready, delayed, err
}

// Stop cancels workers and waits for in-flight handlers.
func (r *RedisQueue) Stop() error {
	r.mu.Lock()
	subs := append([]*redisSubscription(nil), r.subscriptions...)
	r.started = false
	r.mu.Unlock()

	for _, sub := range subs {
		if sub.cancel != nil {
			sub.cancel()
		}
	}
	for _, sub := range subs {
		sub.wg.Wait()
	}
	return nil
}

// Ping verifies the Redis connection.
func (r *RedisQueue) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close stops consumers and releases an owned client.
func (r *RedisQueue) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.mu.Unlock()

	_ = r.Stop()
	if r.owned {
		return r.client.Close()
	}
	return nil
}

func encodeMessage(topic string, message *Message) ([]byte, error) {
	if message == nil {
		return nil, errors.New("message is nil")
	}
	if topic == "" {
		return nil, errors.New("topic is required")
	}
	if message.Timestamp.IsZero() {
		message.Timestamp = time.Now()
	}
	return json.Marshal(message)
}

// invokeHandler runs handler and converts a panic into an error.
func invokeHandler(ctx context.Context, handler HandlerFunc, msg *Message) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("handler panic: %v", rec)
		}
	}()
	return handler(ctx, msg)
}
