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
	"github.com/xraph/courier/dlq"
	"github.com/xraph/courier/id"
	"github.com/xraph/courier/outbound"
)

// PushDLQ adds an abandoned message entry to the dead letter queue.
func (s *Store) PushDLQ(ctx context.Context, entry *dlq.Entry) error {
	eID := entry.ID.String()
	key := dlqKey(eID)

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key, dlqToMap(entry))
	pipe.SAdd(ctx, dlqIDsKey, eID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("courier/redis: push dlq: %w", err)
	}
	return nil
}

// ListDLQ returns DLQ entries matching the given options.
func (s *Store) ListDLQ(ctx context.Context, opts dlq.ListOpts) ([]*dlq.Entry, error) {
	ids, err := s.client.SMembers(ctx, dlqIDsKey).Result()
	if err != nil {
		return nil, fmt.Errorf("courier/redis: list dlq: %w", err)
	}

	entries := make([]*dlq.Entry, 0, len(ids))
	for _, eID := range ids {
		vals, getErr := s.client.HGetAll(ctx, dlqKey(eID)).Result()
		if getErr != nil || len(vals) == 0 {
			continue
		}
		e, convErr := mapToDLQ(vals)
		if convErr != nil {
			continue
		}
		if opts.Destination != "" && e.Destination != opts.Destination {
			continue
		}
		entries = append(entries, e)
	}

	sortDLQByFailedAt(entries)

	if opts.Offset > 0 && opts.Offset < len(entries) {
		entries = entries[opts.Offset:]
	} else if opts.Offset >= len(entries) && opts.Offset > 0 {
		return nil, nil
	}
	if opts.Limit > 0 && opts.Limit < len(entries) {
		entries = entries[:opts.Limit]
	}
	return entries, nil
}

// GetDLQ retrieves a DLQ entry by ID.
func (s *Store) GetDLQ(ctx context.Context, entryID id.DLQID) (*dlq.Entry, error) {
	vals, err := s.client.HGetAll(ctx, dlqKey(entryID.String())).Result()
	if err != nil {
		return nil, fmt.Errorf("courier/redis: get dlq: %w", err)
	}
	if len(vals) == 0 {
		return nil, courier.ErrDLQNotFound
	}
	return mapToDLQ(vals)
}

// ReplayDLQ marks a DLQ entry as replayed.
func (s *Store) ReplayDLQ(ctx context.Context, entryID id.DLQID) error {
	key := dlqKey(entryID.String())
	exists, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("courier/redis: replay dlq exists: %w", err)
	}
	if exists == 0 {
		return courier.ErrDLQNotFound
	}

	if _, err := s.client.HSet(ctx, key, "replayed_at", formatMilli(time.Now().UTC())).Result(); err != nil {
		return fmt.Errorf("courier/redis: replay dlq: %w", err)
	}
	return nil
}

// PurgeDLQ removes DLQ entries with FailedAt before the given time.
func (s *Store) PurgeDLQ(ctx context.Context, before time.Time) (int64, error) {
	ids, err := s.client.SMembers(ctx, dlqIDsKey).Result()
	if err != nil {
		return 0, fmt.Errorf("courier/redis: purge dlq smembers: %w", err)
	}

	var purged int64
	for _, eID := range ids {
		key := dlqKey(eID)
		failedAtStr, getErr := s.client.HGet(ctx, key, "failed_at").Result()
		if getErr != nil {
			if errors.Is(getErr, goredis.Nil) {
				continue
			}
			return purged, fmt.Errorf("courier/redis: purge dlq get: %w", getErr)
		}

		if parseMilli(failedAtStr).Before(before) {
			pipe := s.client.TxPipeline()
			pipe.Del(ctx, key)
			pipe.SRem(ctx, dlqIDsKey, eID)
			if _, pErr := pipe.Exec(ctx); pErr != nil {
				return purged, fmt.Errorf("courier/redis: purge dlq del: %w", pErr)
			}
			purged++
		}
	}
	return purged, nil
}

// CountDLQ returns the total number of entries in the dead letter queue.
func (s *Store) CountDLQ(ctx context.Context) (int64, error) {
	count, err := s.client.SCard(ctx, dlqIDsKey).Result()
	if err != nil {
		return 0, fmt.Errorf("courier/redis: count dlq: %w", err)
	}
	return count, nil
}

// ── helpers ──

func sortDLQByFailedAt(entries []*dlq.Entry) {
	sort.Slice(entries, func(i, k int) bool {
		return entries[i].FailedAt.Before(entries[k].FailedAt)
	})
}

func dlqToMap(e *dlq.Entry) map[string]interface{} {
	payload, _ := json.Marshal(e.Payload) //nolint:errcheck // payload is a plain struct

	m := map[string]interface{}{
		"id":            e.ID.String(),
		"message_id":    e.MessageID.String(),
		"destination":   e.Destination,
		"kind":          string(e.Kind),
		"payload":       string(payload),
		"error":         e.Error,
		"attempt_count": strconv.Itoa(e.AttemptCount),
		"max_attempts":  strconv.Itoa(e.MaxAttempts),
		"failed_at":     formatMilli(e.FailedAt),
		"created_at":    formatMilli(e.CreatedAt),
	}
	if e.ReplayedAt != nil {
		m["replayed_at"] = formatMilli(*e.ReplayedAt)
	}
	return m
}

func mapToDLQ(m map[string]string) (*dlq.Entry, error) {
	eID, err := id.ParseDLQID(m["id"])
	if err != nil {
		return nil, fmt.Errorf("courier/redis: parse dlq id: %w", err)
	}
	msgID, _ := id.ParseMessageID(m["message_id"])      //nolint:errcheck // best-effort parse from trusted Redis data
	attemptCount, _ := strconv.Atoi(m["attempt_count"]) //nolint:errcheck // best-effort parse from trusted Redis data
	maxAttempts, _ := strconv.Atoi(m["max_attempts"])   //nolint:errcheck // best-effort parse from trusted Redis data

	var payload outbound.Payload
	_ = json.Unmarshal([]byte(m["payload"]), &payload) //nolint:errcheck // best-effort parse from trusted Redis data

	e := &dlq.Entry{
		ID:           eID,
		MessageID:    msgID,
		Destination:  m["destination"],
		Kind:         outbound.Kind(m["kind"]),
		Payload:      payload,
		Error:        m["error"],
		AttemptCount: attemptCount,
		MaxAttempts:  maxAttempts,
		FailedAt:     parseMilli(m["failed_at"]),
		CreatedAt:    parseMilli(m["created_at"]),
	}
	e.ReplayedAt = parseMilliPtr(m["replayed_at"])
	return e, nil
}
