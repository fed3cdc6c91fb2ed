package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/xraph/courier"
	"github.com/xraph/courier/id"
	"github.com/xraph/courier/outbound"
)

// claimScript atomically picks the next deliverable message. It walks
// the destinations with pending work, skips those that already have an
// in-flight message or whose head is deferred, and claims the lowest
// message ID among the remaining heads. Delivering anything but the
// head would break per-destination ordering, so a deferred head blocks
// its whole destination.
var claimScript = goredis.NewScript(`
local dests = redis.call('SMEMBERS', KEYS[1])
local bestID = false
local bestDest = false
for _, dest in ipairs(dests) do
	if redis.call('SISMEMBER', KEYS[2], dest) == 0 then
		local head = redis.call('ZRANGE', ARGV[1] .. 'pending:' .. dest, 0, 0)
		if head[1] == nil then
			redis.call('SREM', KEYS[1], dest)
		else
			local nb = tonumber(redis.call('HGET', ARGV[1] .. 'msg:' .. head[1], 'not_before'))
			if nb ~= nil and nb <= tonumber(ARGV[2]) then
				if bestID == false or head[1] < bestID then
					bestID = head[1]
					bestDest = dest
				end
			end
		end
	end
end
if bestID == false then
	return false
end
redis.call('ZREM', ARGV[1] .. 'pending:' .. bestDest, bestID)
redis.call('SADD', KEYS[2], bestDest)
redis.call('ZADD', KEYS[3], tonumber(ARGV[2]), bestID)
redis.call('HSET', ARGV[1] .. 'msg:' .. bestID,
	'state', 'in_flight',
	'worker_id', ARGV[3],
	'claimed_at', ARGV[2],
	'heartbeat_at', ARGV[2],
	'updated_at', ARGV[2])
return bestID
`)

// reapScript atomically returns every in-flight message whose heartbeat
// is older than the cutoff to pending, so concurrent reapers reclaim
// each message exactly once.
var reapScript = goredis.NewScript(`
local stale = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[2])
for _, mid in ipairs(stale) do
	local key = ARGV[1] .. 'msg:' .. mid
	local dest = redis.call('HGET', key, 'destination')
	redis.call('ZREM', KEYS[1], mid)
	if dest then
		redis.call('SREM', KEYS[2], dest)
		redis.call('ZADD', ARGV[1] .. 'pending:' .. dest, 0, mid)
		redis.call('SADD', KEYS[3], dest)
	end
	redis.call('HSET', key,
		'state', 'pending',
		'worker_id', '',
		'not_before', ARGV[3],
		'updated_at', ARGV[3])
	redis.call('HDEL', key, 'claimed_at', 'heartbeat_at')
end
return stale
`)

// settleScript transitions an in-flight message to its next state as a
// single compare-and-set: the transition only happens if the message is
// still in_flight when the script runs, so a concurrent reaper that
// already reclaimed the message wins and the settle is rejected. For a
// retry the script clamps not_before so the schedule never moves
// backwards, and re-adds the message to its destination's pending set.
var settleScript = goredis.NewScript(`
local key = ARGV[1] .. 'msg:' .. ARGV[2]
local state = redis.call('HGET', key, 'state')
if state == false then
	return 'missing'
end
if state == 'delivered' or state == 'failed' or state == 'dead_lettered' then
	return 'terminal'
end
if state ~= 'in_flight' then
	return 'invalid'
end
local dest = redis.call('HGET', key, 'destination')
if ARGV[3] == 'pending' then
	local nb = tonumber(redis.call('HGET', key, 'not_before'))
	local want = tonumber(ARGV[4])
	if nb == nil or want > nb then
		redis.call('HSET', key, 'not_before', ARGV[4])
	end
	redis.call('ZADD', ARGV[1] .. 'pending:' .. dest, 0, ARGV[2])
	redis.call('SADD', KEYS[3], dest)
end
redis.call('HSET', key, 'state', ARGV[3], unpack(ARGV, 5))
redis.call('HDEL', key, 'claimed_at', 'heartbeat_at')
redis.call('ZREM', KEYS[1], ARGV[2])
redis.call('SREM', KEYS[2], dest)
return 'ok'
`)

// heartbeatScript bumps the liveness timestamp only while the message
// is still in_flight and owned by the calling worker, so a heartbeat
// racing the reaper cannot resurrect a reclaimed message into the
// in-flight set.
var heartbeatScript = goredis.NewScript(`
local key = ARGV[1] .. 'msg:' .. ARGV[2]
local state = redis.call('HGET', key, 'state')
if state == false then
	return 'missing'
end
if state ~= 'in_flight' or redis.call('HGET', key, 'worker_id') ~= ARGV[3] then
	return 'invalid'
end
redis.call('HSET', key, 'heartbeat_at', ARGV[4], 'updated_at', ARGV[4])
redis.call('ZADD', KEYS[1], tonumber(ARGV[4]), ARGV[2])
return 'ok'
`)

// cancelScript withdraws a pending message: the Pending→Failed
// transition only happens if the message has not been claimed in the
// meantime, so a cancel racing a claim loses cleanly.
var cancelScript = goredis.NewScript(`
local key = ARGV[1] .. 'msg:' .. ARGV[2]
local state = redis.call('HGET', key, 'state')
if state == false then
	return 'missing'
end
if state == 'delivered' or state == 'failed' or state == 'dead_lettered' then
	return 'terminal'
end
if state ~= 'pending' then
	return 'invalid'
end
local dest = redis.call('HGET', key, 'destination')
redis.call('HSET', key, 'state', 'failed', 'updated_at', ARGV[3])
redis.call('ZREM', ARGV[1] .. 'pending:' .. dest, ARGV[2])
return 'ok'
`)

// settleErr maps a settle/heartbeat script verdict to the store errors.
func settleErr(res interface{}) error {
	verdict, _ := res.(string)
	switch verdict {
	case "ok":
		return nil
	case "missing":
		return courier.ErrJobNotFound
	case "terminal":
		return courier.ErrTerminalState
	default:
		return courier.ErrInvalidState
	}
}

// Enqueue stores the message as a Hash and adds it to its destination's
// pending Sorted Set.
func (s *Store) Enqueue(ctx context.Context, j *outbound.Job) error {
	mID := j.ID.String()
	key := msgKey(mID)

	exists, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("courier/redis: enqueue check exists: %w", err)
	}
	if exists > 0 {
		return courier.ErrJobExists
	}

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key, jobToMap(j))
	pipe.SAdd(ctx, msgIDsKey, mID)
	pipe.ZAdd(ctx, pendingKey(j.Destination), goredis.Z{Score: 0, Member: mID})
	pipe.SAdd(ctx, destsKey, j.Destination)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("courier/redis: enqueue: %w", err)
	}
	return nil
}

// ClaimNext atomically claims the earliest eligible pending message.
// Returns (nil, nil) when nothing is claimable.
func (s *Store) ClaimNext(ctx context.Context, workerID id.WorkerID) (*outbound.Job, error) {
	now := time.Now().UTC()
	res, err := claimScript.Run(ctx, s.client,
		[]string{destsKey, inFlightDestsKey, inFlightMsgsKey},
		keyPrefix, now.UnixMilli(), workerID.String(),
	).Result()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("courier/redis: claim next: %w", err)
	}

	mID, ok := res.(string)
	if !ok || mID == "" {
		return nil, nil
	}
	return s.getJobByKey(ctx, msgKey(mID))
}

// Ack transitions an in-flight message to delivered.
func (s *Store) Ack(ctx context.Context, j *outbound.Job) error {
	now := time.Now().UTC()
	args := []interface{}{
		keyPrefix, j.ID.String(),
		string(outbound.StateDelivered), "0",
		"attempt_count", strconv.Itoa(j.AttemptCount),
		"worker_id", "",
		"delivered_at", formatMilli(now),
		"updated_at", formatMilli(now),
	}
	if j.LastAttemptAt != nil {
		args = append(args, "last_attempt_at", formatMilli(*j.LastAttemptAt))
	}

	res, err := settleScript.Run(ctx, s.client,
		[]string{inFlightMsgsKey, inFlightDestsKey, destsKey}, args...,
	).Result()
	if err != nil {
		return fmt.Errorf("courier/redis: ack: %w", err)
	}
	return settleErr(res)
}

// Release transitions an in-flight message according to disp. The
// transition is conditional on the message still being in flight, so a
// release that lost the race against the stale-claim reaper fails with
// ErrInvalidState instead of clobbering the reaper's work.
func (s *Store) Release(ctx context.Context, j *outbound.Job, disp outbound.Disposition) error {
	var state outbound.State
	switch disp {
	case outbound.DispositionRetry:
		state = outbound.StatePending
	case outbound.DispositionDeadLetter:
		state = outbound.StateDeadLettered
	case outbound.DispositionFail:
		state = outbound.StateFailed
	default:
		return courier.ErrInvalidState
	}

	now := time.Now().UTC()
	args := []interface{}{
		keyPrefix, j.ID.String(),
		string(state), formatMilli(j.NotBefore),
		"attempt_count", strconv.Itoa(j.AttemptCount),
		"last_error", j.LastError,
		"worker_id", "",
		"updated_at", formatMilli(now),
	}
	if j.LastAttemptAt != nil {
		args = append(args, "last_attempt_at", formatMilli(*j.LastAttemptAt))
	}

	res, err := settleScript.Run(ctx, s.client,
		[]string{inFlightMsgsKey, inFlightDestsKey, destsKey}, args...,
	).Result()
	if err != nil {
		return fmt.Errorf("courier/redis: release: %w", err)
	}
	return settleErr(res)
}

// Cancel transitions a pending message to failed. A message already
// claimed by a worker is not cancellable; the in-flight attempt runs to
// completion and records its own outcome.
func (s *Store) Cancel(ctx context.Context, msgID id.MessageID) error {
	now := time.Now().UTC()
	res, err := cancelScript.Run(ctx, s.client, nil,
		keyPrefix, msgID.String(), formatMilli(now),
	).Result()
	if err != nil {
		return fmt.Errorf("courier/redis: cancel: %w", err)
	}
	if verdict, _ := res.(string); verdict == "invalid" {
		return courier.ErrNotCancellable
	}
	return settleErr(res)
}

// Get retrieves a message by ID.
func (s *Store) Get(ctx context.Context, msgID id.MessageID) (*outbound.Job, error) {
	return s.getJobByKey(ctx, msgKey(msgID.String()))
}

// ListByState returns messages matching the given state.
func (s *Store) ListByState(ctx context.Context, state outbound.State, opts outbound.ListOpts) ([]*outbound.Job, error) {
	ids, err := s.client.SMembers(ctx, msgIDsKey).Result()
	if err != nil {
		return nil, fmt.Errorf("courier/redis: list smembers: %w", err)
	}

	jobs := make([]*outbound.Job, 0, len(ids))
	for _, mID := range ids {
		j, getErr := s.getJobByKey(ctx, msgKey(mID))
		if getErr != nil {
			continue // skip missing
		}
		if j.State != state {
			continue
		}
		if opts.Destination != "" && j.Destination != opts.Destination {
			continue
		}
		jobs = append(jobs, j)
	}

	sortJobsByID(jobs)

	if opts.Offset > 0 && opts.Offset < len(jobs) {
		jobs = jobs[opts.Offset:]
	} else if opts.Offset >= len(jobs) && opts.Offset > 0 {
		return nil, nil
	}
	if opts.Limit > 0 && opts.Limit < len(jobs) {
		jobs = jobs[:opts.Limit]
	}
	return jobs, nil
}

// Heartbeat updates the liveness timestamp for an in-flight message
// still owned by workerID.
func (s *Store) Heartbeat(ctx context.Context, msgID id.MessageID, workerID id.WorkerID) error {
	now := time.Now().UTC()
	res, err := heartbeatScript.Run(ctx, s.client,
		[]string{inFlightMsgsKey},
		keyPrefix, msgID.String(), workerID.String(), formatMilli(now),
	).Result()
	if err != nil {
		return fmt.Errorf("courier/redis: heartbeat: %w", err)
	}
	return settleErr(res)
}

// ReapStale atomically returns in-flight messages whose heartbeat is
// older than threshold to pending, and reports what it reclaimed.
func (s *Store) ReapStale(ctx context.Context, threshold time.Duration) ([]*outbound.Job, error) {
	now := time.Now().UTC()
	cutoff := now.Add(-threshold)

	res, err := reapScript.Run(ctx, s.client,
		[]string{inFlightMsgsKey, inFlightDestsKey, destsKey},
		keyPrefix, cutoff.UnixMilli(), now.UnixMilli(),
	).Result()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("courier/redis: reap stale: %w", err)
	}

	ids, ok := res.([]interface{})
	if !ok {
		return nil, nil
	}

	var reclaimed []*outbound.Job
	for _, v := range ids {
		mID, ok := v.(string)
		if !ok {
			continue
		}
		j, getErr := s.getJobByKey(ctx, msgKey(mID))
		if getErr != nil {
			continue
		}
		reclaimed = append(reclaimed, j)
	}
	return reclaimed, nil
}

// Count returns the number of messages matching the given options.
func (s *Store) Count(ctx context.Context, opts outbound.CountOpts) (int64, error) {
	ids, err := s.client.SMembers(ctx, msgIDsKey).Result()
	if err != nil {
		return 0, fmt.Errorf("courier/redis: count smembers: %w", err)
	}

	var count int64
	for _, mID := range ids {
		j, getErr := s.getJobByKey(ctx, msgKey(mID))
		if getErr != nil {
			continue
		}
		if opts.State != "" && j.State != opts.State {
			continue
		}
		if opts.Destination != "" && j.Destination != opts.Destination {
			continue
		}
		count++
	}
	return count, nil
}

// ── helpers ──

func sortJobsByID(jobs []*outbound.Job) {
	sort.Slice(jobs, func(i, k int) bool {
		return jobs[i].ID.String() < jobs[k].ID.String()
	})
}

// formatMilli renders a time as unix milliseconds. All times in this
// package are stored that way so the Lua scripts can compare them
// numerically.
func formatMilli(t time.Time) string {
	return strconv.FormatInt(t.UnixMilli(), 10)
}

func parseMilli(s string) time.Time {
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func parseMilliPtr(s string) *time.Time {
	if s == "" {
		return nil
	}
	t := parseMilli(s)
	return &t
}

func jobToMap(j *outbound.Job) map[string]interface{} {
	payload, _ := json.Marshal(j.Payload) //nolint:errcheck // payload is a plain struct

	m := map[string]interface{}{
		"id":            j.ID.String(),
		"destination":   j.Destination,
		"payload":       string(payload),
		"state":         string(j.State),
		"max_attempts":  strconv.Itoa(j.MaxAttempts),
		"attempt_count": strconv.Itoa(j.AttemptCount),
		"last_error":    j.LastError,
		"worker_id":     j.WorkerID.String(),
		"not_before":    formatMilli(j.NotBefore),
		"created_at":    formatMilli(j.CreatedAt),
		"updated_at":    formatMilli(j.UpdatedAt),
	}
	if j.ClaimedAt != nil {
		m["claimed_at"] = formatMilli(*j.ClaimedAt)
	}
	if j.HeartbeatAt != nil {
		m["heartbeat_at"] = formatMilli(*j.HeartbeatAt)
	}
	if j.LastAttemptAt != nil {
		m["last_attempt_at"] = formatMilli(*j.LastAttemptAt)
	}
	if j.DeliveredAt != nil {
		m["delivered_at"] = formatMilli(*j.DeliveredAt)
	}
	return m
}

func (s *Store) getJobByKey(ctx context.Context, key string) (*outbound.Job, error) {
	vals, err := s.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("courier/redis: get message: %w", err)
	}
	if len(vals) == 0 {
		return nil, courier.ErrJobNotFound
	}
	return mapToJob(vals)
}

func mapToJob(m map[string]string) (*outbound.Job, error) {
	mID, err := id.ParseMessageID(m["id"])
	if err != nil {
		return nil, fmt.Errorf("courier/redis: parse message id: %w", err)
	}

	maxAttempts, _ := strconv.Atoi(m["max_attempts"])   //nolint:errcheck // best-effort parse from trusted Redis data
	attemptCount, _ := strconv.Atoi(m["attempt_count"]) //nolint:errcheck // best-effort parse from trusted Redis data

	var payload outbound.Payload
	_ = json.Unmarshal([]byte(m["payload"]), &payload) //nolint:errcheck // best-effort parse from trusted Redis data

	j := &outbound.Job{
		Entity: courier.Entity{
			CreatedAt: parseMilli(m["created_at"]),
			UpdatedAt: parseMilli(m["updated_at"]),
		},
		ID:           mID,
		Destination:  m["destination"],
		Payload:      payload,
		State:        outbound.State(m["state"]),
		MaxAttempts:  maxAttempts,
		AttemptCount: attemptCount,
		LastError:    m["last_error"],
		NotBefore:    parseMilli(m["not_before"]),
	}

	if wid := m["worker_id"]; wid != "" {
		j.WorkerID, _ = id.ParseWorkerID(wid) //nolint:errcheck // best-effort parse from trusted Redis data
	}
	j.ClaimedAt = parseMilliPtr(m["claimed_at"])
	j.HeartbeatAt = parseMilliPtr(m["heartbeat_at"])
	j.LastAttemptAt = parseMilliPtr(m["last_attempt_at"])
	j.DeliveredAt = parseMilliPtr(m["delivered_at"])

	return j, nil
}
