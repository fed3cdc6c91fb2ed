package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/xraph/courier"
	"github.com/xraph/courier/id"
	"github.com/xraph/courier/outbound"
)

const messageColumns = `
	id, destination, payload, state, max_attempts, attempt_count,
	last_error, worker_id, not_before, claimed_at, heartbeat_at,
	last_attempt_at, delivered_at, created_at, updated_at`

// Enqueue persists a new message in pending state.
func (s *Store) Enqueue(ctx context.Context, j *outbound.Job) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO courier_messages (
			id, destination, payload, state, max_attempts, attempt_count,
			last_error, worker_id, not_before, claimed_at, heartbeat_at,
			last_attempt_at, delivered_at, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6,
			$7, $8, $9, $10, $11,
			$12, $13, $14, $15
		)`,
		j.ID.String(), j.Destination, j.Payload, string(j.State),
		j.MaxAttempts, j.AttemptCount,
		j.LastError, j.WorkerID.String(), j.NotBefore, j.ClaimedAt, j.HeartbeatAt,
		j.LastAttemptAt, j.DeliveredAt, j.CreatedAt, j.UpdatedAt,
	)
	if err != nil {
		if isDuplicateKey(err) {
			return courier.ErrJobExists
		}
		return fmt.Errorf("courier/postgres: enqueue: %w", err)
	}
	return nil
}

// ClaimNext atomically claims the earliest eligible pending message and
// transitions it to in_flight. The heads CTE finds the oldest pending
// message per destination; only heads are claimable, so a deferred head
// blocks its whole destination and per-destination order holds. SKIP
// LOCKED keeps concurrent claimers from ever taking the same row.
func (s *Store) ClaimNext(ctx context.Context, workerID id.WorkerID) (*outbound.Job, error) {
	row := s.pool.QueryRow(ctx, `
		WITH heads AS (
			SELECT DISTINCT ON (destination) id, destination, not_before
			FROM courier_messages
			WHERE state = 'pending'
			ORDER BY destination, id
		),
		pick AS (
			SELECT m.id
			FROM courier_messages m
			JOIN heads h ON h.id = m.id
			WHERE m.state = 'pending'
			  AND h.not_before <= NOW()
			  AND NOT EXISTS (
				SELECT 1 FROM courier_messages f
				WHERE f.destination = h.destination AND f.state = 'in_flight'
			  )
			ORDER BY m.id
			FOR UPDATE OF m SKIP LOCKED
			LIMIT 1
		)
		UPDATE courier_messages m
		SET state = 'in_flight', worker_id = $1,
		    claimed_at = NOW(), heartbeat_at = NOW(), updated_at = NOW()
		FROM pick
		WHERE m.id = pick.id
		RETURNING `+prefixColumns("m")+``,
		workerID.String(),
	)

	j, err := scanMessage(row)
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("courier/postgres: claim next: %w", err)
	}
	return j, nil
}

// Ack transitions an in-flight message to delivered.
func (s *Store) Ack(ctx context.Context, j *outbound.Job) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE courier_messages SET
			state = 'delivered', attempt_count = $2, last_attempt_at = $3,
			delivered_at = NOW(), worker_id = '',
			claimed_at = NULL, heartbeat_at = NULL, updated_at = NOW()
		WHERE id = $1 AND state = 'in_flight'`,
		j.ID.String(), j.AttemptCount, j.LastAttemptAt,
	)
	if err != nil {
		return fmt.Errorf("courier/postgres: ack: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.classifyMiss(ctx, j.ID)
	}
	return nil
}

// Release transitions an in-flight message according to disp.
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

	// GREATEST keeps the schedule from moving backwards.
	tag, err := s.pool.Exec(ctx, `
		UPDATE courier_messages SET
			state = $2, attempt_count = $3, last_error = $4,
			last_attempt_at = $5, not_before = GREATEST(not_before, $6),
			worker_id = '', claimed_at = NULL, heartbeat_at = NULL,
			updated_at = NOW()
		WHERE id = $1 AND state = 'in_flight'`,
		j.ID.String(), string(state), j.AttemptCount, j.LastError,
		j.LastAttemptAt, j.NotBefore,
	)
	if err != nil {
		return fmt.Errorf("courier/postgres: release: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.classifyMiss(ctx, j.ID)
	}
	return nil
}

// Cancel transitions a pending message to failed.
func (s *Store) Cancel(ctx context.Context, msgID id.MessageID) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE courier_messages
		SET state = 'failed', updated_at = NOW()
		WHERE id = $1 AND state = 'pending'`,
		msgID.String(),
	)
	if err != nil {
		return fmt.Errorf("courier/postgres: cancel: %w", err)
	}
	if tag.RowsAffected() == 0 {
		stored, getErr := s.Get(ctx, msgID)
		if getErr != nil {
			return getErr
		}
		if stored.State.Terminal() {
			return courier.ErrTerminalState
		}
		return courier.ErrNotCancellable
	}
	return nil
}

// Get retrieves a message by ID.
func (s *Store) Get(ctx context.Context, msgID id.MessageID) (*outbound.Job, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+messageColumns+` FROM courier_messages WHERE id = $1`,
		msgID.String(),
	)

	j, err := scanMessage(row)
	if err != nil {
		if isNoRows(err) {
			return nil, courier.ErrJobNotFound
		}
		return nil, fmt.Errorf("courier/postgres: get: %w", err)
	}
	return j, nil
}

// ListByState returns messages matching the given state.
func (s *Store) ListByState(ctx context.Context, state outbound.State, opts outbound.ListOpts) ([]*outbound.Job, error) {
	query := `SELECT ` + messageColumns + ` FROM courier_messages WHERE state = $1`
	args := []interface{}{string(state)}
	argIdx := 2

	if opts.Destination != "" {
		query += fmt.Sprintf(" AND destination = $%d", argIdx)
		args = append(args, opts.Destination)
		argIdx++
	}

	query += " ORDER BY id ASC"

	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, opts.Limit)
		argIdx++
	}
	if opts.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, opts.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("courier/postgres: list by state: %w", err)
	}
	defer rows.Close()

	return collectMessages(rows)
}

// Heartbeat updates the liveness timestamp for an in-flight message.
func (s *Store) Heartbeat(ctx context.Context, msgID id.MessageID, workerID id.WorkerID) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE courier_messages
		SET heartbeat_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND state = 'in_flight' AND worker_id = $2`,
		msgID.String(), workerID.String(),
	)
	if err != nil {
		return fmt.Errorf("courier/postgres: heartbeat: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, getErr := s.Get(ctx, msgID); getErr != nil {
			return getErr
		}
		return courier.ErrInvalidState
	}
	return nil
}

// ReapStale atomically returns in-flight messages whose heartbeat is
// older than threshold to pending. A single UPDATE ... RETURNING means
// concurrent reapers reclaim each message exactly once.
func (s *Store) ReapStale(ctx context.Context, threshold time.Duration) ([]*outbound.Job, error) {
	rows, err := s.pool.Query(ctx, `
		UPDATE courier_messages SET
			state = 'pending', worker_id = '', not_before = NOW(),
			claimed_at = NULL, heartbeat_at = NULL, updated_at = NOW()
		WHERE state = 'in_flight'
		  AND heartbeat_at IS NOT NULL
		  AND heartbeat_at < NOW() - $1::interval
		RETURNING `+messageColumns+``,
		threshold.String(),
	)
	if err != nil {
		return nil, fmt.Errorf("courier/postgres: reap stale: %w", err)
	}
	defer rows.Close()

	return collectMessages(rows)
}

// Count returns the number of messages matching the given options.
func (s *Store) Count(ctx context.Context, opts outbound.CountOpts) (int64, error) {
	query := `SELECT COUNT(*) FROM courier_messages WHERE 1=1`
	args := []interface{}{}
	argIdx := 1

	if opts.Destination != "" {
		query += fmt.Sprintf(" AND destination = $%d", argIdx)
		args = append(args, opts.Destination)
		argIdx++
	}
	if opts.State != "" {
		query += fmt.Sprintf(" AND state = $%d", argIdx)
		args = append(args, string(opts.State))
	}

	var count int64
	if err := s.pool.QueryRow(ctx, query, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("courier/postgres: count: %w", err)
	}
	return count, nil
}

// classifyMiss turns a zero-row mutation into the precise error: not
// found, terminal, or not in flight.
func (s *Store) classifyMiss(ctx context.Context, msgID id.MessageID) error {
	stored, err := s.Get(ctx, msgID)
	if err != nil {
		return err
	}
	if stored.State.Terminal() {
		return courier.ErrTerminalState
	}
	return courier.ErrInvalidState
}

// prefixColumns qualifies the message column list with a table alias for
// use in UPDATE ... RETURNING.
func prefixColumns(alias string) string {
	return alias + ".id, " + alias + ".destination, " + alias + ".payload, " +
		alias + ".state, " + alias + ".max_attempts, " + alias + ".attempt_count, " +
		alias + ".last_error, " + alias + ".worker_id, " + alias + ".not_before, " +
		alias + ".claimed_at, " + alias + ".heartbeat_at, " + alias + ".last_attempt_at, " +
		alias + ".delivered_at, " + alias + ".created_at, " + alias + ".updated_at"
}

// scanMessage scans a single message row.
func scanMessage(row pgx.Row) (*outbound.Job, error) {
	var (
		j         outbound.Job
		idStr     string
		stateStr  string
		workerStr string
	)
	err := row.Scan(
		&idStr, &j.Destination, &j.Payload, &stateStr,
		&j.MaxAttempts, &j.AttemptCount,
		&j.LastError, &workerStr, &j.NotBefore, &j.ClaimedAt, &j.HeartbeatAt,
		&j.LastAttemptAt, &j.DeliveredAt, &j.CreatedAt, &j.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	j.State = outbound.State(stateStr)

	parsedID, parseErr := id.ParseMessageID(idStr)
	if parseErr != nil {
		return nil, fmt.Errorf("courier/postgres: parse message id %q: %w", idStr, parseErr)
	}
	j.ID = parsedID

	if workerStr != "" {
		parsedWorker, workerErr := id.ParseWorkerID(workerStr)
		if workerErr == nil {
			j.WorkerID = parsedWorker
		}
	}

	return &j, nil
}

// collectMessages collects all messages from query rows.
func collectMessages(rows pgx.Rows) ([]*outbound.Job, error) {
	var jobs []*outbound.Job
	for rows.Next() {
		j, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("courier/postgres: scan message row: %w", err)
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("courier/postgres: iterate message rows: %w", err)
	}
	return jobs, nil
}
