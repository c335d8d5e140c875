package queue

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrLeaseLost indicates the caller no longer holds the lease for the
// job it tried to acknowledge, renew, or re-enqueue.
var ErrLeaseLost = errors.New("queue: lease no longer held")

// priorityStride separates priority bands in the pending ZSET score.
// Score = enqueueMillis - priority*priorityStride, so higher priority
// always sorts first and entries within a band dequeue oldest-first.
// 2^42 ms is far larger than any realistic enqueue-time spread, and
// priority*stride stays well inside float64's exact integer range for
// the clamped priority band.
const priorityStride = float64(1 << 42)

// MaxPriority bounds accepted priorities; larger values are clamped.
const MaxPriority = 1000

// Config controls queue behavior for one namespace.
type Config struct {
	Namespace string
	LeaseTTL  time.Duration
}

// Queue is the ordered, durable holding area for jobs awaiting a
// worker. Dequeue is paired with lease creation in a single Lua script
// so no two workers can acquire the same entry; a lease that expires
// before acknowledgement makes the entry re-deliverable, which yields
// at-least-once execution semantics.
type Queue struct {
	rdb  redis.UniversalClient
	keys Keys
	ttl  time.Duration
}

// dequeueScript atomically pops the best pending entry and records its
// lease: member moves to the active ZSET scored by expiry, and the
// holder is written to the leases hash.
var dequeueScript = redis.NewScript(`
local v = redis.call('ZPOPMIN', KEYS[1])
if #v == 0 then return false end
local id = v[1]
redis.call('ZADD', KEYS[2], ARGV[1], id)
redis.call('HSET', KEYS[3], id, ARGV[2])
return id
`)

// renewScript extends the lease expiry only while the caller is still
// the recorded holder.
var renewScript = redis.NewScript(`
local holder = redis.call('HGET', KEYS[2], ARGV[1])
if holder ~= ARGV[2] then return 0 end
return redis.call('ZADD', KEYS[1], 'XX', 'CH', ARGV[3], ARGV[1])
`)

// ackScript releases an entry entirely: active membership, lease, and
// priority index. Holder-guarded.
var ackScript = redis.NewScript(`
local holder = redis.call('HGET', KEYS[2], ARGV[1])
if holder ~= ARGV[2] then return 0 end
redis.call('ZREM', KEYS[1], ARGV[1])
redis.call('HDEL', KEYS[2], ARGV[1])
redis.call('HDEL', KEYS[3], ARGV[1])
return 1
`)

// retryScript moves a held entry to the delayed ZSET for a backoff
// re-delivery, releasing the lease. The priority index entry survives
// so promotion can rebuild the pending score.
var retryScript = redis.NewScript(`
local holder = redis.call('HGET', KEYS[2], ARGV[1])
if holder ~= ARGV[2] then return 0 end
redis.call('ZREM', KEYS[1], ARGV[1])
redis.call('HDEL', KEYS[2], ARGV[1])
redis.call('ZADD', KEYS[3], ARGV[3], ARGV[1])
return 1
`)

// reclaimOneScript moves one expired active entry back to pending and
// drops its lease. The pending score is rebuilt from the priority
// index so the retried delivery keeps its original priority band.
var reclaimOneScript = redis.NewScript(`
local items = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, 1)
if #items == 0 then return false end
local id = items[1]
if redis.call('ZREM', KEYS[1], id) ~= 1 then return false end
redis.call('HDEL', KEYS[2], id)
local prio = tonumber(redis.call('HGET', KEYS[4], id)) or 0
redis.call('ZADD', KEYS[3], tonumber(ARGV[1]) - prio * tonumber(ARGV[2]), id)
return id
`)

// promoteOneScript moves one due delayed entry into pending with a
// freshly computed priority score.
var promoteOneScript = redis.NewScript(`
local items = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, 1)
if #items == 0 then return false end
local id = items[1]
if redis.call('ZREM', KEYS[1], id) ~= 1 then return false end
local prio = tonumber(redis.call('HGET', KEYS[3], id)) or 0
redis.call('ZADD', KEYS[2], tonumber(ARGV[1]) - prio * tonumber(ARGV[2]), id)
return id
`)

// New creates a Queue for the configured namespace.
func New(rdb redis.UniversalClient, cfg Config) *Queue {
	ns := cfg.Namespace
	if ns == "" {
		ns = "jobs"
	}
	ttl := cfg.LeaseTTL
	if ttl <= 0 {
		ttl = 60 * time.Second
	}
	return &Queue{rdb: rdb, keys: KeysFor(ns), ttl: ttl}
}

func clampPriority(p int32) int32 {
	if p < 0 {
		return 0
	}
	if p > MaxPriority {
		return MaxPriority
	}
	return p
}

func pendingScore(priority int32, now time.Time) float64 {
	return float64(now.UnixMilli()) - float64(clampPriority(priority))*priorityStride
}

// Enqueue inserts a queue entry for the job. Exactly one entry exists
// per accepted submission; re-enqueueing the same id overwrites the
// previous entry rather than duplicating it.
func (q *Queue) Enqueue(ctx context.Context, jobID string, priority int32) error {
	now := time.Now()
	_, err := q.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, q.keys.Priority, jobID, clampPriority(priority))
		p.ZAdd(ctx, q.keys.Pending, redis.Z{Score: pendingScore(priority, now), Member: jobID})
		return nil
	})
	return err
}

// Dequeue atomically takes the highest-priority pending entry and
// leases it to workerID until now+LeaseTTL. It returns ("", nil) when
// the queue is empty.
func (q *Queue) Dequeue(ctx context.Context, workerID string) (string, error) {
	expiry := strconv.FormatInt(time.Now().Add(q.ttl).UnixMilli(), 10)
	res, err := dequeueScript.Run(ctx, q.rdb,
		[]string{q.keys.Pending, q.keys.Active, q.keys.Leases},
		expiry, workerID).Result()
	if err == redis.Nil || res == nil {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	id, _ := res.(string)
	return id, nil
}

// Renew extends the caller's lease by another LeaseTTL. ErrLeaseLost
// means the entry was reclaimed and may already be running elsewhere.
func (q *Queue) Renew(ctx context.Context, jobID, workerID string) error {
	expiry := strconv.FormatInt(time.Now().Add(q.ttl).UnixMilli(), 10)
	n, err := renewScript.Run(ctx, q.rdb,
		[]string{q.keys.Active, q.keys.Leases},
		jobID, workerID, expiry).Int()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrLeaseLost
	}
	return nil
}

// Ack acknowledges completion (success, failure, or cancellation) and
// removes the entry and its lease from the queue.
func (q *Queue) Ack(ctx context.Context, jobID, workerID string) error {
	n, err := ackScript.Run(ctx, q.rdb,
		[]string{q.keys.Active, q.keys.Leases, q.keys.Priority},
		jobID, workerID).Int()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrLeaseLost
	}
	return nil
}

// RequeueRetry releases the lease and schedules re-delivery after the
// backoff delay, at the job's original priority.
func (q *Queue) RequeueRetry(ctx context.Context, jobID, workerID string, delay time.Duration) error {
	readyAt := strconv.FormatInt(time.Now().Add(delay).UnixMilli(), 10)
	n, err := retryScript.Run(ctx, q.rdb,
		[]string{q.keys.Active, q.keys.Leases, q.keys.Delayed},
		jobID, workerID, readyAt).Int()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrLeaseLost
	}
	return nil
}

// Remove drops a pending or delayed entry, used when a job is
// cancelled before any worker leases it. Removing an entry that is
// currently active is not permitted; the holder observes the cancel
// flag instead.
func (q *Queue) Remove(ctx context.Context, jobID string) error {
	_, err := q.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.ZRem(ctx, q.keys.Pending, jobID)
		p.ZRem(ctx, q.keys.Delayed, jobID)
		p.HDel(ctx, q.keys.Priority, jobID)
		return nil
	})
	return err
}

// ReclaimExpired moves entries whose lease has expired back to
// pending, up to limit per call. It returns the reclaimed job ids.
func (q *Queue) ReclaimExpired(ctx context.Context, limit int) ([]string, error) {
	now := strconv.FormatInt(time.Now().UnixMilli(), 10)
	stride := strconv.FormatFloat(priorityStride, 'f', -1, 64)
	var ids []string
	for i := 0; i < limit; i++ {
		res, err := reclaimOneScript.Run(ctx, q.rdb,
			[]string{q.keys.Active, q.keys.Leases, q.keys.Pending, q.keys.Priority},
			now, stride).Result()
		if err == redis.Nil || res == nil {
			break
		}
		if err != nil {
			return ids, err
		}
		if id, ok := res.(string); ok {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// PromoteDelayed moves due delayed entries into pending, up to limit
// per call. It returns the number promoted.
func (q *Queue) PromoteDelayed(ctx context.Context, limit int) (int, error) {
	now := strconv.FormatInt(time.Now().UnixMilli(), 10)
	stride := strconv.FormatFloat(priorityStride, 'f', -1, 64)
	promoted := 0
	for i := 0; i < limit; i++ {
		res, err := promoteOneScript.Run(ctx, q.rdb,
			[]string{q.keys.Delayed, q.keys.Pending, q.keys.Priority},
			now, stride).Result()
		if err == redis.Nil || res == nil {
			break
		}
		if err != nil {
			return promoted, err
		}
		promoted++
	}
	return promoted, nil
}

// Depths reports how many entries sit in each queue section.
func (q *Queue) Depths(ctx context.Context) (pending, active, delayed int64, err error) {
	cmds, err := q.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.ZCard(ctx, q.keys.Pending)
		p.ZCard(ctx, q.keys.Active)
		p.ZCard(ctx, q.keys.Delayed)
		return nil
	})
	if err != nil {
		return 0, 0, 0, err
	}
	pending = cmds[0].(*redis.IntCmd).Val()
	active = cmds[1].(*redis.IntCmd).Val()
	delayed = cmds[2].(*redis.IntCmd).Val()
	return pending, active, delayed, nil
}
