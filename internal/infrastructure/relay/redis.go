package relay

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/masjids-io/chatspot/internal/domain"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const eventField = "event"

// leaseScript takes the lease when it is free and extends it when the
// caller already holds it.
var leaseScript = redis.NewScript(`
local holder = redis.call("GET", KEYS[1])
if holder == false then
	redis.call("SET", KEYS[1], ARGV[1], "PX", ARGV[2])
	return 1
end
if holder == ARGV[1] then
	redis.call("PEXPIRE", KEYS[1], ARGV[2])
	return 1
end
return 0
`)

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

type RedisOptions struct {
	Prefix     string
	Partitions int
	// Consumer names this instance inside every consumer group and in the
	// partition leases it holds.
	Consumer string
	// LeaseTTL bounds how long a partition stays with an instance that
	// stopped renewing its lease.
	LeaseTTL time.Duration
	MaxLen   int64
	Block    time.Duration
	Batch    int64
}

// Redis is a relay backed by one Redis Stream per (topic, partition).
type Redis struct {
	rdb  redis.UniversalClient
	opts RedisOptions
	log  *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu   sync.Mutex
	subs map[string]struct{}
}

func NewRedis(rdb redis.UniversalClient, opts RedisOptions, log *zap.Logger) *Redis {
	if opts.Partitions < 1 {
		opts.Partitions = 1
	}
	if opts.Prefix == "" {
		opts.Prefix = "chatspot"
	}
	if opts.Block <= 0 {
		opts.Block = 2 * time.Second
	}
	if opts.Batch <= 0 {
		opts.Batch = 32
	}
	if opts.LeaseTTL <= 0 {
		opts.LeaseTTL = 15 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Redis{
		rdb:    rdb,
		opts:   opts,
		log:    log.Named("relay.redis"),
		ctx:    ctx,
		cancel: cancel,
		subs:   make(map[string]struct{}),
	}
}

func (r *Redis) stream(topic string, p int) string {
	return fmt.Sprintf("%s:%s:%d", r.opts.Prefix, topic, p)
}

func (r *Redis) Publish(ctx context.Context, topic, key string, env domain.Envelope) error {
	if r.ctx.Err() != nil {
		return ErrClosed
	}
	data, err := env.Marshal()
	if err != nil {
		return err
	}
	args := &redis.XAddArgs{
		Stream: r.stream(topic, Partition(key, r.opts.Partitions)),
		Values: map[string]interface{}{eventField: data},
	}
	if r.opts.MaxLen > 0 {
		args.MaxLen = r.opts.MaxLen
		args.Approx = true
	}
	if err := r.rdb.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("xadd %s: %v: %w", args.Stream, err, domain.ErrIOFailure)
	}
	return nil
}

func (r *Redis) Subscribe(ctx context.Context, topic, group string, h Handler) error {
	if r.ctx.Err() != nil {
		return ErrClosed
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	id := topic + "/" + group
	if _, ok := r.subs[id]; ok {
		return fmt.Errorf("%s: %w", id, ErrAlreadySubscribed)
	}

	for p := 0; p < r.opts.Partitions; p++ {
		stream := r.stream(topic, p)
		err := r.rdb.XGroupCreateMkStream(ctx, stream, group, "0").Err()
		if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
			return fmt.Errorf("create group %s on %s: %v: %w", group, stream, err, domain.ErrIOFailure)
		}
	}
	for p := 0; p < r.opts.Partitions; p++ {
		r.wg.Add(1)
		go r.consume(ctx, r.stream(topic, p), group, h)
	}
	r.subs[id] = struct{}{}
	r.log.Info("subscribed", zap.String("topic", topic), zap.String("group", group), zap.Int("partitions", r.opts.Partitions))
	return nil
}

func (r *Redis) lease(stream, group string) string {
	return stream + ":lease:" + group
}

// consume serves one partition for group. Instances of the group compete
// for the partition lease and only the holder reads, so entries of a
// partition are handled one at a time and in stream order.
func (r *Redis) consume(ctx context.Context, stream, group string, h Handler) {
	defer r.wg.Done()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-r.ctx.Done():
			cancel()
		case <-ctx.Done():
		}
	}()

	log := r.log.With(zap.String("stream", stream), zap.String("group", group))
	lease := r.lease(stream, group)
	for ctx.Err() == nil {
		held, err := r.acquire(ctx, lease)
		if err != nil && ctx.Err() == nil {
			log.Warn("lease_acquire_failed", zap.Error(err))
		}
		if !held {
			sleep(ctx, r.opts.LeaseTTL/3)
			continue
		}
		log.Info("lease_acquired")
		r.serve(ctx, lease, stream, group, h, log)
		r.release(lease, log)
	}
}

func (r *Redis) acquire(ctx context.Context, lease string) (bool, error) {
	n, err := leaseScript.Run(ctx, r.rdb, []string{lease}, r.opts.Consumer, r.opts.LeaseTTL.Milliseconds()).Int()
	return n == 1, err
}

func (r *Redis) release(lease string, log *zap.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := releaseScript.Run(ctx, r.rdb, []string{lease}, r.opts.Consumer).Err(); err != nil {
		log.Warn("lease_release_failed", zap.Error(err))
		return
	}
	log.Info("lease_released")
}

// serve reads the partition while the lease holds. A renewal that finds the
// lease taken, or that keeps failing for a whole TTL, stops the reader.
func (r *Redis) serve(ctx context.Context, lease, stream, group string, h Handler, log *zap.Logger) {
	ctx, cancel := context.WithCancel(ctx)
	renewed := make(chan struct{})
	go func() {
		defer close(renewed)
		r.renew(ctx, cancel, lease, log)
	}()
	defer func() {
		cancel()
		<-renewed
	}()

	r.claimPending(ctx, stream, group, log)

	// "0" replays this consumer's pending entries, ">" reads new ones.
	cursor := "0"
	failures := 0
	for ctx.Err() == nil {
		res, err := r.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    group,
			Consumer: r.opts.Consumer,
			Streams:  []string{stream, cursor},
			Count:    r.opts.Batch,
			Block:    r.opts.Block,
		}).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			failures++
			log.Warn("xreadgroup_failed", zap.Int("failures", failures), zap.Error(err))
			sleep(ctx, time.Duration(min(failures, 10))*200*time.Millisecond)
			continue
		}
		failures = 0

		n := 0
		for _, s := range res {
			for _, msg := range s.Messages {
				n++
				if !r.handle(ctx, stream, group, msg, h, log) {
					return
				}
			}
		}
		if cursor == "0" && n == 0 {
			cursor = ">"
		}
	}
}

func (r *Redis) renew(ctx context.Context, lost context.CancelFunc, lease string, log *zap.Logger) {
	t := time.NewTicker(r.opts.LeaseTTL / 3)
	defer t.Stop()
	last := time.Now()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			held, err := r.acquire(ctx, lease)
			switch {
			case err == nil && held:
				last = now
				continue
			case err == nil:
				log.Warn("lease_lost")
			case now.Sub(last) < r.opts.LeaseTTL:
				log.Warn("lease_renew_failed", zap.Error(err))
				continue
			default:
				log.Warn("lease_expired", zap.Error(err))
			}
			lost()
			return
		}
	}
}

// handle runs h for one stream entry and acknowledges it. It returns false
// when the consumer is shutting down.
func (r *Redis) handle(ctx context.Context, stream, group string, msg redis.XMessage, h Handler, log *zap.Logger) bool {
	raw, _ := msg.Values[eventField].(string)
	env, err := domain.UnmarshalEnvelope([]byte(raw))
	if err != nil {
		log.Error("undecodable_entry_dropped", zap.String("entry_id", msg.ID), zap.Error(err))
	} else if err := h(ctx, env); err != nil {
		if ctx.Err() != nil {
			return false
		}
		// left pending; replayed by whoever holds the partition next
		log.Error("handler_failed", zap.String("entry_id", msg.ID), zap.String("event_id", env.EventID.String()), zap.Error(err))
		return true
	}
	if err := r.rdb.XAck(context.Background(), stream, group, msg.ID).Err(); err != nil {
		log.Warn("xack_failed", zap.String("entry_id", msg.ID), zap.Error(err))
	}
	return true
}

// claimPending moves every entry the group left pending to this consumer.
// The previous holder of the partition is gone or has lost its lease, so
// there is no one else to finish them.
func (r *Redis) claimPending(ctx context.Context, stream, group string, log *zap.Logger) {
	start := "0-0"
	for ctx.Err() == nil {
		msgs, next, err := r.rdb.XAutoClaim(ctx, &redis.XAutoClaimArgs{
			Stream:   stream,
			Group:    group,
			Start:    start,
			Count:    r.opts.Batch,
			Consumer: r.opts.Consumer,
		}).Result()
		if err != nil {
			if ctx.Err() == nil {
				log.Warn("xautoclaim_failed", zap.Error(err))
			}
			return
		}
		if len(msgs) > 0 {
			log.Info("claimed_pending", zap.Int("count", len(msgs)))
		}
		if next == "0-0" || next == "" {
			return
		}
		start = next
	}
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// Close stops the consumers. The Redis client is owned by the caller.
func (r *Redis) Close() error {
	r.cancel()
	r.wg.Wait()
	return nil
}
