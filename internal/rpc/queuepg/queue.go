// Package queuepg backs rpc.OperationQueue with PostgreSQL: operations
// are rows locked with FOR UPDATE SKIP LOCKED for dispatch, the same
// lock-then-check-then-act shape used elsewhere in the corpus for
// exclusive access to a row.
package queuepg

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/k11v/buildworker/internal/action"
	"github.com/k11v/buildworker/internal/digest"
	"github.com/k11v/buildworker/internal/rpc"
)

var _ rpc.OperationQueue = (*Queue)(nil)

// Queue is an rpc.OperationQueue backed by a "operations" table. Match
// polls for a QUEUED row matching the worker's platform, locking it with
// FOR UPDATE SKIP LOCKED so multiple workers never dispatch the same
// operation twice.
type Queue struct {
	db *pgxpool.Pool

	// pollInterval governs how often Match retries when no operation is
	// currently available.
	pollInterval time.Duration

	// notify, when set, lets an external dispatch signal (e.g. the
	// queueamqp consumer) wake Match early instead of waiting out the
	// rest of the poll interval.
	notify <-chan struct{}
}

func New(db *pgxpool.Pool, pollInterval time.Duration) *Queue {
	if pollInterval <= 0 {
		pollInterval = time.Second
	}
	return &Queue{db: db, pollInterval: pollInterval}
}

// SetNotifyChannel wires an external wake-up signal into Match's wait
// loop. It must be called before Match starts running.
func (q *Queue) SetNotifyChannel(notify <-chan struct{}) {
	q.notify = notify
}

type operationRow struct {
	name             string
	stage            string
	actionDigestHash string
	actionDigestSize int64
	stdoutStream     string
	stderrStream     string
	done             bool
	responseJSON     []byte
	canceled         bool
}

func toOperation(r operationRow) (*action.Operation, error) {
	op := &action.Operation{
		Name: r.name,
		Metadata: action.ExecuteOperationMetadata{
			Stage:            parseStage(r.stage),
			ActionDigest:     digest.Digest{Hash: r.actionDigestHash, SizeBytes: r.actionDigestSize},
			StdoutStreamName: r.stdoutStream,
			StderrStreamName: r.stderrStream,
		},
		Done: r.done,
	}
	if len(r.responseJSON) > 0 {
		var result action.ActionResult
		if err := json.Unmarshal(r.responseJSON, &result); err != nil {
			return nil, fmt.Errorf("rpc/queuepg: %w", err)
		}
		op.Response = &result
	}
	return op, nil
}

func parseStage(s string) action.Stage {
	switch s {
	case "QUEUED":
		return action.StageQueued
	case "EXECUTING":
		return action.StageExecuting
	case "COMPLETED":
		return action.StageCompleted
	default:
		return action.StageUnknown
	}
}

// Match blocks, retrying on pollInterval, until it locks and dispatches
// one QUEUED operation whose platform is compatible with the caller's,
// runs handler on it, and returns. If handler returns false and
// requeueOnFailure is false, the row is marked canceled; with
// requeueOnFailure true, the row is left in whatever stage the handler
// last published.
func (q *Queue) Match(ctx context.Context, platform map[string]string, requeueOnFailure bool, handler rpc.Handler) error {
	platformJSON, err := json.Marshal(platform)
	if err != nil {
		return fmt.Errorf("rpc/queuepg: match: %w", err)
	}

	for {
		op, leaseErr := q.lease(ctx, platformJSON)
		if leaseErr != nil {
			if isTransientPgError(leaseErr) {
				slog.Warn("rpc/queuepg: transient lease conflict, retrying", "error", leaseErr)
				continue
			}
			return fmt.Errorf("rpc/queuepg: match: %w", leaseErr)
		}
		if op != nil {
			handled := handler(ctx, op)
			if !handled && !requeueOnFailure {
				if err := q.markFailed(ctx, op.Name); err != nil {
					slog.Warn("rpc/queuepg: didn't mark operation failed", "operation", op.Name, "error", err)
				}
			}
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(jitter(q.pollInterval)):
		case <-q.notify:
		}
	}
}

func jitter(d time.Duration) time.Duration {
	half := d / 2
	return half + time.Duration(rand.Int64N(int64(d)))
}

// isTransientPgError reports whether err is a Postgres error class that's
// worth retrying rather than surfacing: an IsTransactionRollback class
// error guards against a SKIP LOCKED race losing to a concurrent
// writer between the select and the lease update.
func isTransientPgError(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgerrcode.IsTransactionRollback(pgErr.Code)
}

// lease locks and claims one available QUEUED row compatible with
// platformJSON, or returns a nil Operation if none is currently
// available.
func (q *Queue) lease(ctx context.Context, platformJSON []byte) (*action.Operation, error) {
	tx, err := q.db.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	const query = `
		SELECT name, stage, action_digest_hash, action_digest_size, stdout_stream_name, stderr_stream_name, done, response_json, canceled
		FROM operations
		WHERE stage = 'QUEUED' AND canceled = false AND platform @> $1::jsonb
		ORDER BY created_at
		FOR UPDATE SKIP LOCKED
		LIMIT 1
	`
	rows, _ := tx.Query(ctx, query, platformJSON)
	row, err := pgx.CollectExactlyOneRow(rows, rowToOperation)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	if _, err := tx.Exec(ctx, `UPDATE operations SET leased_at = now() WHERE name = $1`, row.name); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}

	return toOperation(row)
}

func rowToOperation(row pgx.CollectableRow) (operationRow, error) {
	var r operationRow
	err := row.Scan(&r.name, &r.stage, &r.actionDigestHash, &r.actionDigestSize, &r.stdoutStream, &r.stderrStream, &r.done, &r.responseJSON, &r.canceled)
	return r, err
}

func (q *Queue) markFailed(ctx context.Context, name string) error {
	_, err := q.db.Exec(ctx, `UPDATE operations SET canceled = true WHERE name = $1`, name)
	return err
}

// PutOperation persists op's stage/done/response. It returns false if
// the row has been marked canceled, signaling the server has lost
// interest in the operation.
func (q *Queue) PutOperation(ctx context.Context, op *action.Operation) (bool, error) {
	var responseJSON []byte
	if op.Response != nil {
		b, err := json.Marshal(op.Response)
		if err != nil {
			return false, fmt.Errorf("rpc/queuepg: put operation: %w", err)
		}
		responseJSON = b
	}

	const query = `
		UPDATE operations
		SET stage = $2, done = $3, response_json = $4
		WHERE name = $1
		RETURNING canceled
	`
	rows, _ := q.db.Query(ctx, query, op.Name, op.Metadata.Stage.String(), op.Done, responseJSON)
	canceled, err := pgx.CollectExactlyOneRow(rows, pgx.RowTo[bool])
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("rpc/queuepg: put operation: %w", err)
	}

	return !canceled, nil
}

// PollOperation asserts continued ownership of name at stage, and
// reports whether the server still considers the caller the owner.
func (q *Queue) PollOperation(ctx context.Context, name string, stage action.Stage) (bool, error) {
	const query = `
		UPDATE operations
		SET polled_at = now()
		WHERE name = $1 AND stage = $2
		RETURNING canceled
	`
	rows, _ := q.db.Query(ctx, query, name, stage.String())
	canceled, err := pgx.CollectExactlyOneRow(rows, pgx.RowTo[bool])
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("rpc/queuepg: poll operation: %w", err)
	}

	return !canceled, nil
}
